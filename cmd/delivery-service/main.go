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
	cfg, err := config.Load(app.DeliveryServiceName)
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

	service, err := app.NewDeliveryService(app.Deps{Config: cfg, Logger: logger, Storage: store, Bus: bus})
	if err != nil {
		logger.WithError(err).Fatal("Failed to start delivery service")
	}

	if err := service.Serve(ctx, cfg.Port, bus.Subscriber); err != nil {
		logger.WithError(err).Error("Delivery service stopped")
	}
}
