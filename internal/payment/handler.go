package payment

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/jogardn/food-delivery-saga/internal/httpapi"
)

type Handler struct {
	coordinator *Coordinator
	logger      *logrus.Logger
}

func NewHandler(coordinator *Coordinator, logger *logrus.Logger) *Handler {
	return &Handler{coordinator: coordinator, logger: logger}
}

func (h *Handler) Register(router *mux.Router) {
	router.HandleFunc("/orders/{id}/payment", h.CreatePayment).Methods("POST")
	router.HandleFunc("/orders/{id}/payment/confirm", h.ConfirmPayment).Methods("POST")
	router.HandleFunc("/payments/breaker", h.BreakerMetrics).Methods("GET")
	router.HandleFunc("/payments/breaker/reset", h.ResetBreaker).Methods("POST")
}

func (h *Handler) CreatePayment(w http.ResponseWriter, r *http.Request) {
	o, err := h.coordinator.CreatePayment(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		httpapi.RespondWithDomainError(w, h.logger, err)
		return
	}
	httpapi.RespondWithJSON(w, http.StatusOK, o)
}

func (h *Handler) ConfirmPayment(w http.ResponseWriter, r *http.Request) {
	o, err := h.coordinator.ConfirmPayment(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		httpapi.RespondWithDomainError(w, h.logger, err)
		return
	}
	httpapi.RespondWithJSON(w, http.StatusOK, o)
}

func (h *Handler) BreakerMetrics(w http.ResponseWriter, r *http.Request) {
	httpapi.RespondWithJSON(w, http.StatusOK, h.coordinator.breaker.Metrics())
}

func (h *Handler) ResetBreaker(w http.ResponseWriter, r *http.Request) {
	httpapi.RespondWithJSON(w, http.StatusOK, h.coordinator.ResetBreaker())
}
