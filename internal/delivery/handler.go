package delivery

import (
	"context"
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
	router.HandleFunc("/drivers", h.RegisterDriver).Methods("POST")
	router.HandleFunc("/drivers/{id}", h.GetDriver).Methods("GET")
	router.HandleFunc("/deliveries", h.ListDeliveries).Methods("GET")
	router.HandleFunc("/deliveries/{id}", h.GetDelivery).Methods("GET")
	router.HandleFunc("/deliveries/{id}/claim", h.driverAction(h.service.Claim)).Methods("POST")
	router.HandleFunc("/deliveries/{id}/start", h.driverAction(h.service.Start)).Methods("POST")
	router.HandleFunc("/deliveries/{id}/complete", h.driverAction(h.service.Complete)).Methods("POST")
	router.HandleFunc("/deliveries/{id}/cancel", h.driverAction(h.service.Cancel)).Methods("POST")
}

func (h *Handler) RegisterDriver(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := httpapi.Decode(r, &req); err != nil {
		httpapi.RespondWithDomainError(w, h.logger, err)
		return
	}

	drv, err := h.service.RegisterDriver(r.Context(), req.Name)
	if err != nil {
		httpapi.RespondWithDomainError(w, h.logger, err)
		return
	}
	httpapi.RespondWithJSON(w, http.StatusCreated, drv)
}

func (h *Handler) GetDriver(w http.ResponseWriter, r *http.Request) {
	drv, err := h.service.GetDriver(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		httpapi.RespondWithDomainError(w, h.logger, err)
		return
	}
	httpapi.RespondWithJSON(w, http.StatusOK, drv)
}

func (h *Handler) ListDeliveries(w http.ResponseWriter, r *http.Request) {
	deliveries, err := h.service.ListDeliveries(r.Context(), Status(r.URL.Query().Get("status")))
	if err != nil {
		httpapi.RespondWithDomainError(w, h.logger, err)
		return
	}
	httpapi.RespondWithJSON(w, http.StatusOK, map[string]interface{}{
		"success":    true,
		"deliveries": deliveries,
		"count":      len(deliveries),
	})
}

func (h *Handler) GetDelivery(w http.ResponseWriter, r *http.Request) {
	d, err := h.service.GetDelivery(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		httpapi.RespondWithDomainError(w, h.logger, err)
		return
	}
	httpapi.RespondWithJSON(w, http.StatusOK, d)
}

type driverActionFunc func(ctx context.Context, orderID, driverID string) (*Delivery, error)

// driverAction adapts the claim/start/complete/cancel service calls, which
// all take the acting driver in the body.
func (h *Handler) driverAction(action driverActionFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			DriverID string `json:"driverId"`
		}
		if err := httpapi.Decode(r, &req); err != nil {
			httpapi.RespondWithDomainError(w, h.logger, err)
			return
		}

		d, err := action(r.Context(), mux.Vars(r)["id"], req.DriverID)
		if err != nil {
			httpapi.RespondWithDomainError(w, h.logger, err)
			return
		}
		httpapi.RespondWithJSON(w, http.StatusOK, d)
	}
}
