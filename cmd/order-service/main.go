package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/jogardn/food-delivery-saga/internal/app"
	"github.com/jogardn/food-delivery-saga/internal/config"
	"github.com/jogardn/food-delivery-saga/internal/events"
	"github.com/jogardn/food-delivery-saga/internal/logging"
)

func main() {
	cfg, err := config.Load(app.OrderServiceName)
	logger := logging.New(cfg.Service, cfg.LogLevel)
	if err != nil {
		logger.WithError(err).Fatal("Invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := app.OpenStorage(ctx, cfg, logger, app.Schemas[cfg.Service]...)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open storage")
	}
	defer store.Close()

	bus, err := app.OpenBus(ctx, cfg, events.Default(cfg.OrderTimeoutTTL), logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to the message bus")
	}
	defer bus.Close()

	// nil gateway: talk to the provider at PAYMENT_GATEWAY_URL
	service, err := app.NewOrderService(ctx, app.Deps{Config: cfg, Logger: logger, Storage: store, Bus: bus}, nil)
	if err != nil {
		logger.WithError(err).Fatal("Failed to start order service")
	}

	if err := service.Serve(ctx, cfg.Port, bus.Subscriber); err != nil {
		logger.WithError(err).Error("Order service stopped")
	}
}
