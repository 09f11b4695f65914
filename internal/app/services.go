package app

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/jogardn/food-delivery-saga/internal/catalog"
	"github.com/jogardn/food-delivery-saga/internal/config"
	"github.com/jogardn/food-delivery-saga/internal/delivery"
	"github.com/jogardn/food-delivery-saga/internal/events"
	"github.com/jogardn/food-delivery-saga/internal/order"
	"github.com/jogardn/food-delivery-saga/internal/payment"
	"github.com/jogardn/food-delivery-saga/internal/payout"
	"github.com/jogardn/food-delivery-saga/internal/restaurant"
	"github.com/jogardn/food-delivery-saga/internal/timeout"
	"github.com/jogardn/food-delivery-saga/internal/websocket"
)

// Service names, also used as the default database user and name.
const (
	OrderServiceName      = "order-service"
	RestaurantServiceName = "restaurant-service"
	DeliveryServiceName   = "delivery-service"
)

// Schemas lists the tables each service migrates on startup.
var Schemas = map[string][][]string{
	OrderServiceName:      {order.Schema, catalog.Schema},
	RestaurantServiceName: {restaurant.Schema},
	DeliveryServiceName:   {delivery.Schema},
}

type Deps struct {
	Config  config.Config
	Logger  *logrus.Logger
	Storage *Storage
	Bus     *Bus
}

type OrderService struct {
	*Component
	Orders   *order.Service
	Payments *payment.Coordinator
	Catalog  *catalog.Replica
	Hub      *websocket.Hub

	// Timeouts delays OrderTimeout messages when the broker cannot. It is
	// nil on RabbitMQ.
	Timeouts *timeout.DelayedPublisher
}

// NewOrderService wires the order side of the saga. A nil gateway talks to
// the payment provider configured in deps.
func NewOrderService(ctx context.Context, deps Deps, gateway payment.Gateway) (*OrderService, error) {
	cfg, logger := deps.Config, deps.Logger

	var (
		repo  order.Repository
		store catalog.Store
	)
	if db := deps.Storage.DB; db != nil {
		repo = order.NewPostgresRepository(db)
		store = catalog.NewPostgresStore(db)
	} else {
		repo = order.NewMemoryRepository(deps.Storage.Memory)
		store = catalog.NewMemoryStore()
	}

	if gateway == nil {
		gateway = payment.NewClient(cfg.Payment.GatewayURL, cfg.Payment.Timeout, logger)
	}

	hub := websocket.NewHub(logger)
	replica := catalog.NewReplica(store, logger)
	orders := order.NewService(repo, replica, hub, logger)
	payments := payment.NewCoordinator(gateway, payment.NewBreaker(cfg.Payment.MaxFailures, logger), orders, logger)

	publisher := deps.Bus.Publisher
	var delayed *timeout.DelayedPublisher
	if !deps.Bus.BrokerDelay {
		delayed = timeout.NewDelayedPublisher(publisher, cfg.OrderTimeoutTTL, logger)
		n, err := delayed.Rearm(ctx, repo)
		if err != nil {
			delayed.Close()
			return nil, err
		}
		logger.WithField("count", n).Info("Order timeouts re-armed")
		publisher = delayed
	}

	c := newComponent(OrderServiceName, deps, publisher)
	order.NewHandler(orders, logger).Register(c.Router)
	payment.NewHandler(payments, logger).Register(c.Router)
	c.Router.HandleFunc("/ws", hub.HandleWebSocket)
	c.workers = append(c.workers, hub.Run)
	if delayed != nil {
		c.stop = append(c.stop, delayed.Close)
	}

	supervisor := timeout.NewSupervisor(orders, logger)

	c.consume(events.QueueOrderDecision, events.NewRouter(events.QueueOrderDecision, logger).
		On(events.TypeOrderDecision, orders.HandleOrderDecision))
	c.consume(events.QueueOrderReady, events.NewRouter(events.QueueOrderReady, logger).
		On(events.TypeOrderReady, orders.HandleOrderReady))
	c.consume(events.QueueOrderDeliveryStatus, events.NewRouter(events.QueueOrderDeliveryStatus, logger).
		On(events.TypeDeliveryStatusChanged, orders.HandleDeliveryStatusChanged))
	c.consume(events.QueueOrderTimeoutDLX, events.NewRouter(events.QueueOrderTimeoutDLX, logger).
		On(events.TypeOrderTimeout, supervisor.HandleExpired))
	c.consume(events.QueueOrderCatalog, events.NewRouter(events.QueueOrderCatalog, logger).
		On(events.TypeDishChanged, replica.HandleDishChanged).
		On(events.TypeRestaurantStatusChanged, replica.HandleRestaurantStatusChanged))

	return &OrderService{
		Component: c,
		Orders:    orders,
		Payments:  payments,
		Catalog:   replica,
		Hub:       hub,
		Timeouts:  delayed,
	}, nil
}

type RestaurantService struct {
	*Component
	Restaurants *restaurant.Service
}

func NewRestaurantService(deps Deps) *RestaurantService {
	logger := deps.Logger

	var repo restaurant.Repository
	if db := deps.Storage.DB; db != nil {
		repo = restaurant.NewPostgresRepository(db)
	} else {
		repo = restaurant.NewMemoryRepository(deps.Storage.Memory)
	}

	restaurants := restaurant.NewService(repo, logger)

	c := newComponent(RestaurantServiceName, deps, deps.Bus.Publisher)
	restaurant.NewHandler(restaurants, logger).Register(c.Router)

	c.consume(events.QueueRestaurantOrderCreated, events.NewRouter(events.QueueRestaurantOrderCreated, logger).
		On(events.TypeOrderCreated, restaurants.HandleOrderCreated))
	c.consume(events.QueueRestaurantOrderTimedOut, events.NewRouter(events.QueueRestaurantOrderTimedOut, logger).
		On(events.TypeOrderTimedOut, restaurants.HandleOrderTimedOut))
	c.consume(events.QueueRestaurantDeliveryStatus, events.NewRouter(events.QueueRestaurantDeliveryStatus, logger).
		On(events.TypeDeliveryStatusChanged, restaurants.HandleDeliveryStatusChanged))

	return &RestaurantService{Component: c, Restaurants: restaurants}
}

type DeliveryService struct {
	*Component
	Deliveries *delivery.Service
}

func NewDeliveryService(deps Deps) (*DeliveryService, error) {
	logger := deps.Logger

	calc, err := payout.FromConfig(deps.Config.Payout)
	if err != nil {
		return nil, err
	}

	var repo delivery.Repository
	if db := deps.Storage.DB; db != nil {
		repo = delivery.NewPostgresRepository(db)
	} else {
		repo = delivery.NewMemoryRepository(deps.Storage.Memory)
	}

	deliveries := delivery.NewService(repo, calc, logger)

	c := newComponent(DeliveryServiceName, deps, deps.Bus.Publisher)
	delivery.NewHandler(deliveries, logger).Register(c.Router)

	c.consume(events.QueueDeliveryNewOrder, events.NewRouter(events.QueueDeliveryNewOrder, logger).
		On(events.TypeDeliveryOrder, deliveries.HandleDeliveryOrder))
	c.consume(events.QueueDeliveryOrderReady, events.NewRouter(events.QueueDeliveryOrderReady, logger).
		On(events.TypeOrderReadyForDelivery, deliveries.HandleOrderReadyForDelivery))
	c.consume(events.QueueDeliveryOrderTimedOut, events.NewRouter(events.QueueDeliveryOrderTimedOut, logger).
		On(events.TypeOrderTimedOut, deliveries.HandleOrderTimedOut))

	return &DeliveryService{Component: c, Deliveries: deliveries}, nil
}
