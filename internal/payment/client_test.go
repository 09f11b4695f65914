package payment

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jogardn/food-delivery-saga/internal/logging"
	"github.com/jogardn/food-delivery-saga/internal/order"
	"github.com/jogardn/food-delivery-saga/internal/saga"
)

func TestClientCreatePayment(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "/payments", r.URL.Path)

		var req createPaymentRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "o1", req.OrderID)
		assert.Equal(t, "19", req.Amount.String())

		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(PaymentResource{ID: "pay-1", OrderID: "o1", CheckoutURL: "http://pay/1", Status: "IN_PROGRESS"})
	}))
	defer server.Close()

	client := NewClient(server.URL, time.Second, logging.Discard())
	p, err := client.CreatePaymentForOrder(context.Background(), &order.Order{ID: "o1", TotalPrice: decimal.NewFromInt(19)})
	require.NoError(t, err)
	assert.Equal(t, "pay-1", p.ID)
	assert.Equal(t, "http://pay/1", p.CheckoutURL)
	assert.False(t, p.IsPaid())
}

func TestClientConfirmPayment(t *testing.T) {
	status := "IN_PROGRESS"
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/payments/pay-1":
			json.NewEncoder(w).Encode(PaymentResource{ID: "pay-1", Status: status})
		case "/payments/broken":
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	client := NewClient(server.URL, time.Second, logging.Discard())
	ctx := context.Background()

	_, err := client.ConfirmPayment(ctx, order.Payment{ID: "pay-1"})
	assert.ErrorIs(t, err, ErrNotPaid)

	status = "PAID"
	p, err := client.ConfirmPayment(ctx, order.Payment{ID: "pay-1"})
	require.NoError(t, err)
	assert.True(t, p.IsPaid())

	_, err = client.ConfirmPayment(ctx, order.Payment{ID: "broken"})
	assert.ErrorIs(t, err, saga.ErrUpstream)

	_, err = client.ConfirmPayment(ctx, order.Payment{ID: "unknown"})
	assert.ErrorIs(t, err, saga.ErrNotFound)
}

func TestClientUnreachableProvider(t *testing.T) {
	client := NewClient("http://127.0.0.1:1", 200*time.Millisecond, logging.Discard())
	_, err := client.ConfirmPayment(context.Background(), order.Payment{ID: "pay-1"})
	assert.ErrorIs(t, err, saga.ErrUpstream)
}
