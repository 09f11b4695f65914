package order

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/jogardn/food-delivery-saga/internal/httpapi"
)

type Handler struct {
	service *Service
	logger  *logrus.Logger
}

func NewHandler(service *Service, logger *logrus.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

func (h *Handler) Register(router *mux.Router) {
	router.HandleFunc("/orders", h.CreateOrder).Methods("POST")
	router.HandleFunc("/orders", h.ListOrders).Methods("GET")
	router.HandleFunc("/orders/{id}", h.GetOrder).Methods("GET")
	router.HandleFunc("/orders/{id}/lines", h.AddDish).Methods("POST")
	router.HandleFunc("/orders/{id}/lines/{dishId}", h.UpdateQuantity).Methods("PUT")
	router.HandleFunc("/orders/{id}/lines/{dishId}", h.RemoveDish).Methods("DELETE")
	router.HandleFunc("/orders/{id}/customer", h.SetCustomerDetails).Methods("PUT")
}

func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.service.Create(r.Context())
	if err != nil {
		httpapi.RespondWithDomainError(w, h.logger, err)
		return
	}
	httpapi.RespondWithJSON(w, http.StatusCreated, o)
}

func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	if status == "" {
		httpapi.RespondWithError(w, http.StatusBadRequest, "status query parameter is required")
		return
	}

	orders, err := h.service.ListByStatus(r.Context(), Status(status))
	if err != nil {
		httpapi.RespondWithDomainError(w, h.logger, err)
		return
	}

	httpapi.RespondWithJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"orders":  orders,
		"count":   len(orders),
	})
}

func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.service.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		httpapi.RespondWithDomainError(w, h.logger, err)
		return
	}
	httpapi.RespondWithJSON(w, http.StatusOK, o)
}

func (h *Handler) AddDish(w http.ResponseWriter, r *http.Request) {
	var req AddDishRequest
	if err := httpapi.Decode(r, &req); err != nil {
		httpapi.RespondWithDomainError(w, h.logger, err)
		return
	}

	o, err := h.service.AddDish(r.Context(), mux.Vars(r)["id"], req)
	if err != nil {
		httpapi.RespondWithDomainError(w, h.logger, err)
		return
	}
	httpapi.RespondWithJSON(w, http.StatusOK, o)
}

func (h *Handler) UpdateQuantity(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Quantity int `json:"quantity"`
	}
	if err := httpapi.Decode(r, &req); err != nil {
		httpapi.RespondWithDomainError(w, h.logger, err)
		return
	}

	vars := mux.Vars(r)
	o, err := h.service.UpdateQuantity(r.Context(), vars["id"], vars["dishId"], req.Quantity)
	if err != nil {
		httpapi.RespondWithDomainError(w, h.logger, err)
		return
	}
	httpapi.RespondWithJSON(w, http.StatusOK, o)
}

func (h *Handler) RemoveDish(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	o, err := h.service.UpdateQuantity(r.Context(), vars["id"], vars["dishId"], 0)
	if err != nil {
		httpapi.RespondWithDomainError(w, h.logger, err)
		return
	}
	httpapi.RespondWithJSON(w, http.StatusOK, o)
}

func (h *Handler) SetCustomerDetails(w http.ResponseWriter, r *http.Request) {
	var customer Customer
	if err := httpapi.Decode(r, &customer); err != nil {
		httpapi.RespondWithDomainError(w, h.logger, err)
		return
	}

	o, err := h.service.SetCustomerDetails(r.Context(), mux.Vars(r)["id"], customer)
	if err != nil {
		httpapi.RespondWithDomainError(w, h.logger, err)
		return
	}
	httpapi.RespondWithJSON(w, http.StatusOK, o)
}
