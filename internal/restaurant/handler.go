package restaurant

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
	router.HandleFunc("/restaurants", h.CreateRestaurant).Methods("POST")
	router.HandleFunc("/restaurants/{id}", h.GetRestaurant).Methods("GET")
	router.HandleFunc("/restaurants/{id}/open", h.SetOpen).Methods("PUT")
	router.HandleFunc("/restaurants/{id}/dishes", h.ListDishes).Methods("GET")
	router.HandleFunc("/restaurants/{id}/dishes", h.SaveDish).Methods("POST")
	router.HandleFunc("/restaurants/{id}/dishes/{dishId}", h.SaveDish).Methods("PUT")
	router.HandleFunc("/restaurants/{id}/orders", h.ListOrders).Methods("GET")
	router.HandleFunc("/orders/{id}", h.GetOrder).Methods("GET")
	router.HandleFunc("/orders/{id}/accept", h.Accept).Methods("POST")
	router.HandleFunc("/orders/{id}/reject", h.Reject).Methods("POST")
	router.HandleFunc("/orders/{id}/ready", h.MarkReady).Methods("POST")
}

func (h *Handler) respond(w http.ResponseWriter, status int, v interface{}, err error) {
	if err != nil {
		httpapi.RespondWithDomainError(w, h.logger, err)
		return
	}
	httpapi.RespondWithJSON(w, status, v)
}

func (h *Handler) CreateRestaurant(w http.ResponseWriter, r *http.Request) {
	var req CreateRestaurantRequest
	if err := httpapi.Decode(r, &req); err != nil {
		httpapi.RespondWithDomainError(w, h.logger, err)
		return
	}
	restaurant, err := h.service.CreateRestaurant(r.Context(), req)
	h.respond(w, http.StatusCreated, restaurant, err)
}

func (h *Handler) GetRestaurant(w http.ResponseWriter, r *http.Request) {
	restaurant, err := h.service.GetRestaurant(r.Context(), mux.Vars(r)["id"])
	h.respond(w, http.StatusOK, restaurant, err)
}

func (h *Handler) SetOpen(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Open bool `json:"open"`
	}
	if err := httpapi.Decode(r, &req); err != nil {
		httpapi.RespondWithDomainError(w, h.logger, err)
		return
	}
	restaurant, err := h.service.SetOpen(r.Context(), mux.Vars(r)["id"], req.Open)
	h.respond(w, http.StatusOK, restaurant, err)
}

func (h *Handler) ListDishes(w http.ResponseWriter, r *http.Request) {
	dishes, err := h.service.ListDishes(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		httpapi.RespondWithDomainError(w, h.logger, err)
		return
	}
	httpapi.RespondWithJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"dishes":  dishes,
		"count":   len(dishes),
	})
}

// SaveDish serves both create (POST) and replace (PUT with the dish id in
// the path).
func (h *Handler) SaveDish(w http.ResponseWriter, r *http.Request) {
	var dish Dish
	if err := httpapi.Decode(r, &dish); err != nil {
		httpapi.RespondWithDomainError(w, h.logger, err)
		return
	}

	vars := mux.Vars(r)
	status := http.StatusCreated
	if id, ok := vars["dishId"]; ok {
		dish.ID = id
		status = http.StatusOK
	}

	saved, err := h.service.SaveDish(r.Context(), vars["id"], dish)
	h.respond(w, status, saved, err)
}

func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	status := OrderStatus(r.URL.Query().Get("status"))
	orders, err := h.service.ListOrders(r.Context(), mux.Vars(r)["id"], status)
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
	o, err := h.service.GetOrder(r.Context(), mux.Vars(r)["id"])
	h.respond(w, http.StatusOK, o, err)
}

func (h *Handler) Accept(w http.ResponseWriter, r *http.Request) {
	o, err := h.service.Accept(r.Context(), mux.Vars(r)["id"])
	h.respond(w, http.StatusOK, o, err)
}

func (h *Handler) Reject(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := httpapi.Decode(r, &req); err != nil {
		httpapi.RespondWithDomainError(w, h.logger, err)
		return
	}
	o, err := h.service.Reject(r.Context(), mux.Vars(r)["id"], req.Reason)
	h.respond(w, http.StatusOK, o, err)
}

func (h *Handler) MarkReady(w http.ResponseWriter, r *http.Request) {
	o, err := h.service.MarkReady(r.Context(), mux.Vars(r)["id"])
	h.respond(w, http.StatusOK, o, err)
}
