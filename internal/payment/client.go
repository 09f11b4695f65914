package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/jogardn/food-delivery-saga/internal/order"
	"github.com/jogardn/food-delivery-saga/internal/saga"
)

// Client talks to the payment provider over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *logrus.Logger
}

func NewClient(baseURL string, timeout time.Duration, logger *logrus.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger,
	}
}

type createPaymentRequest struct {
	OrderID  string          `json:"orderId"`
	Amount   decimal.Decimal `json:"amount"`
	Email    string          `json:"email,omitempty"`
	Currency string          `json:"currency"`
}

// PaymentResource is the provider's representation of a payment.
type PaymentResource struct {
	ID          string          `json:"id"`
	OrderID     string          `json:"orderId"`
	Amount      decimal.Decimal `json:"amount"`
	CheckoutURL string          `json:"checkoutUrl"`
	Status      string          `json:"status"`
}

func (r PaymentResource) toPayment() order.Payment {
	status := order.PaymentInProgress
	if r.Status == string(order.PaymentPaid) {
		status = order.PaymentPaid
	}
	return order.Payment{ID: r.ID, CheckoutURL: r.CheckoutURL, Status: status}
}

func (c *Client) CreatePaymentForOrder(ctx context.Context, o *order.Order) (order.Payment, error) {
	c.logger.WithField("order_id", o.ID).Info("Creating payment with provider")

	body := createPaymentRequest{OrderID: o.ID, Amount: o.TotalPrice, Currency: "EUR"}
	if o.Customer != nil {
		body.Email = o.Customer.Email
	}
	jsonData, err := json.Marshal(body)
	if err != nil {
		return order.Payment{}, fmt.Errorf("failed to marshal payment request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/payments", bytes.NewBuffer(jsonData))
	if err != nil {
		return order.Payment{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resource, err := c.do(req)
	if err != nil {
		return order.Payment{}, err
	}

	c.logger.WithFields(logrus.Fields{
		"order_id":   o.ID,
		"payment_id": resource.ID,
	}).Info("Payment created")

	return resource.toPayment(), nil
}

// ConfirmPayment fetches the payment and fails with ErrNotPaid unless the
// provider reports it paid.
func (c *Client) ConfirmPayment(ctx context.Context, p order.Payment) (order.Payment, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/payments/"+p.ID, nil)
	if err != nil {
		return order.Payment{}, fmt.Errorf("failed to create request: %w", err)
	}

	resource, err := c.do(req)
	if err != nil {
		return order.Payment{}, err
	}

	confirmed := resource.toPayment()
	if !confirmed.IsPaid() {
		return confirmed, ErrNotPaid
	}

	c.logger.WithField("payment_id", p.ID).Info("Payment confirmed by provider")
	return confirmed, nil
}

func (c *Client) do(req *http.Request) (PaymentResource, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return PaymentResource{}, upstream("failed to send request to payment provider: %v", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return PaymentResource{}, saga.NotFound("payment", req.URL.Path)
	case resp.StatusCode >= 500:
		return PaymentResource{}, upstream("payment provider returned error status: %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return PaymentResource{}, saga.Invalid("payment provider rejected request with status %d", resp.StatusCode)
	}

	var resource PaymentResource
	if err := json.NewDecoder(resp.Body).Decode(&resource); err != nil {
		return PaymentResource{}, upstream("failed to decode payment provider response: %v", err)
	}
	return resource, nil
}
