// Package httpapi holds the JSON response helpers shared by the REST
// surfaces of the services.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/jogardn/food-delivery-saga/internal/saga"
)

func RespondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, _ := json.Marshal(payload)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

func RespondWithError(w http.ResponseWriter, code int, message string) {
	RespondWithJSON(w, code, map[string]interface{}{
		"success": false,
		"message": message,
	})
}

// StatusFor maps a domain error onto an HTTP status code.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, saga.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, saga.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, saga.ErrIllegalStateTransition),
		errors.Is(err, saga.ErrConflict),
		errors.Is(err, saga.ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, saga.ErrUpstream):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// RespondWithDomainError writes err with the status StatusFor picks. Server
// side failures are logged and their details hidden from the client.
func RespondWithDomainError(w http.ResponseWriter, logger *logrus.Logger, err error) {
	code := StatusFor(err)
	if code == http.StatusInternalServerError {
		logger.WithError(err).Error("Request failed")
		RespondWithError(w, code, "Internal server error")
		return
	}
	RespondWithError(w, code, err.Error())
}

// Decode reads a JSON request body into v.
func Decode(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return saga.Invalid("invalid request body: %v", err)
	}
	return nil
}
