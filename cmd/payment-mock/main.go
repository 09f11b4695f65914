package main

import (
	"context"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/jogardn/food-delivery-saga/internal/httpapi"
	"github.com/jogardn/food-delivery-saga/internal/logging"
	"github.com/jogardn/food-delivery-saga/internal/payment"
)

// PaymentStore keeps the payments of the mock provider in memory.
type PaymentStore struct {
	payments map[string]payment.PaymentResource
	mutex    sync.RWMutex
}

func NewPaymentStore() *PaymentStore {
	return &PaymentStore{
		payments: make(map[string]payment.PaymentResource),
	}
}

type provider struct {
	store       *PaymentStore
	logger      *logrus.Logger
	baseURL     string
	autoPay     bool
	failureRate float64
}

func main() {
	logger := logging.New("payment-mock", getEnv("LOG_LEVEL", "info"))

	port := getEnv("PAYMENT_MOCK_PORT", "8090")
	failureRate, _ := strconv.ParseFloat(getEnv("PAYMENT_MOCK_FAILURE_RATE", "0"), 64)
	autoPay, _ := strconv.ParseBool(getEnv("PAYMENT_MOCK_AUTO_PAY", "false"))

	p := &provider{
		store:       NewPaymentStore(),
		logger:      logger,
		baseURL:     getEnv("PAYMENT_MOCK_URL", "http://localhost:"+port),
		autoPay:     autoPay,
		failureRate: failureRate,
	}

	router := mux.NewRouter()
	router.HandleFunc("/health", healthCheck).Methods("GET")
	router.HandleFunc("/payments", p.createPayment).Methods("POST")
	router.HandleFunc("/payments", p.listPayments).Methods("GET")
	router.HandleFunc("/payments/{id}", p.getPayment).Methods("GET")
	router.HandleFunc("/payments/{id}/pay", p.pay).Methods("POST")
	router.Use(logging.Middleware(logger))

	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		logger.WithFields(logrus.Fields{
			"port":         port,
			"auto_pay":     autoPay,
			"failure_rate": failureRate,
		}).Info("Starting payment mock server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Failed to start HTTP server")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down payment mock server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("HTTP server forced to shutdown")
	}

	logger.Info("Payment mock server gracefully stopped")
}

func healthCheck(w http.ResponseWriter, r *http.Request) {
	httpapi.RespondWithJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "payment-mock",
	})
}

// unavailable simulates provider outages so the circuit breaker on the
// order side can be exercised.
func (p *provider) unavailable(w http.ResponseWriter) bool {
	if p.failureRate <= 0 || rand.Float64() >= p.failureRate {
		return false
	}
	p.logger.Warn("Simulating provider outage")
	httpapi.RespondWithError(w, http.StatusServiceUnavailable, "Provider temporarily unavailable")
	return true
}

func (p *provider) createPayment(w http.ResponseWriter, r *http.Request) {
	if p.unavailable(w) {
		return
	}

	var req payment.PaymentResource
	if err := httpapi.Decode(r, &req); err != nil {
		httpapi.RespondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.OrderID == "" || !req.Amount.IsPositive() {
		httpapi.RespondWithError(w, http.StatusBadRequest, "orderId and a positive amount are required")
		return
	}

	id := uuid.NewString()
	resource := payment.PaymentResource{
		ID:          id,
		OrderID:     req.OrderID,
		Amount:      req.Amount,
		CheckoutURL: p.baseURL + "/payments/" + id + "/pay",
		Status:      "IN_PROGRESS",
	}
	if p.autoPay {
		resource.Status = "PAID"
	}

	p.store.mutex.Lock()
	p.store.payments[id] = resource
	p.store.mutex.Unlock()

	p.logger.WithFields(logrus.Fields{
		"payment_id": id,
		"order_id":   req.OrderID,
		"amount":     req.Amount.StringFixed(2),
	}).Info("Payment created")

	httpapi.RespondWithJSON(w, http.StatusCreated, resource)
}

func (p *provider) getPayment(w http.ResponseWriter, r *http.Request) {
	if p.unavailable(w) {
		return
	}

	id := mux.Vars(r)["id"]

	p.store.mutex.RLock()
	resource, exists := p.store.payments[id]
	p.store.mutex.RUnlock()

	if !exists {
		p.logger.WithField("payment_id", id).Warn("Payment not found")
		httpapi.RespondWithError(w, http.StatusNotFound, "Payment not found")
		return
	}

	httpapi.RespondWithJSON(w, http.StatusOK, resource)
}

// pay stands in for the customer completing the checkout page.
func (p *provider) pay(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	p.store.mutex.Lock()
	resource, exists := p.store.payments[id]
	if exists {
		resource.Status = "PAID"
		p.store.payments[id] = resource
	}
	p.store.mutex.Unlock()

	if !exists {
		httpapi.RespondWithError(w, http.StatusNotFound, "Payment not found")
		return
	}

	p.logger.WithFields(logrus.Fields{
		"payment_id": id,
		"order_id":   resource.OrderID,
	}).Info("Payment paid")

	httpapi.RespondWithJSON(w, http.StatusOK, resource)
}

func (p *provider) listPayments(w http.ResponseWriter, r *http.Request) {
	p.store.mutex.RLock()
	payments := make([]payment.PaymentResource, 0, len(p.store.payments))
	for _, resource := range p.store.payments {
		payments = append(payments, resource)
	}
	p.store.mutex.RUnlock()

	sort.Slice(payments, func(i, j int) bool { return payments[i].ID < payments[j].ID })

	httpapi.RespondWithJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"payments": payments,
		"count":    len(payments),
	})
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
