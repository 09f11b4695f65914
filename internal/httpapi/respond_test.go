package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jogardn/food-delivery-saga/internal/logging"
	"github.com/jogardn/food-delivery-saga/internal/saga"
)

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, StatusFor(saga.Invalid("x")))
	assert.Equal(t, http.StatusNotFound, StatusFor(saga.NotFound("order", "1")))
	assert.Equal(t, http.StatusConflict, StatusFor(saga.IllegalTransition("order", "1", "CART", "accept")))
	assert.Equal(t, http.StatusConflict, StatusFor(saga.Conflict("delivery", "1")))
	assert.Equal(t, http.StatusBadGateway, StatusFor(saga.ErrUpstream))
	assert.Equal(t, http.StatusInternalServerError, StatusFor(errors.New("disk full")))
}

func TestRespondWithDomainErrorHidesInternals(t *testing.T) {
	rec := httptest.NewRecorder()
	RespondWithDomainError(rec, logging.Discard(), errors.New("pq: password authentication failed"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "Internal server error", body["message"])
}
