package app

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/jogardn/food-delivery-saga/internal/events"
	"github.com/jogardn/food-delivery-saga/internal/httpapi"
	"github.com/jogardn/food-delivery-saga/internal/logging"
	"github.com/jogardn/food-delivery-saga/internal/outbox"
)

const shutdownTimeout = 30 * time.Second

// Component is one running service: its REST surface, the queues it
// consumes and the relay publishing its outbox.
type Component struct {
	Name      string
	Router    *mux.Router
	Consumers map[string]events.Handler
	Relay     *outbox.Relay

	storage *Storage
	logger  *logrus.Logger
	workers []func(ctx context.Context)
	stop    []func()
}

func newComponent(name string, deps Deps, publisher events.Publisher) *Component {
	c := &Component{
		Name:      name,
		Router:    mux.NewRouter(),
		Consumers: make(map[string]events.Handler),
		Relay: outbox.NewRelay(deps.Storage.Outbox(), publisher,
			deps.Config.Outbox.PollInterval, deps.Config.Outbox.BatchSize, deps.Logger),
		storage: deps.Storage,
		logger:  deps.Logger,
	}
	c.Router.HandleFunc("/health", c.HealthCheck).Methods("GET")
	c.Router.Use(logging.Middleware(deps.Logger))
	return c
}

func (c *Component) consume(queue string, router *events.Router) {
	c.Consumers[queue] = router.Handle
}

// Queues returns the consumed queue names in a stable order.
func (c *Component) Queues() []string {
	queues := make([]string, 0, len(c.Consumers))
	for q := range c.Consumers {
		queues = append(queues, q)
	}
	sort.Strings(queues)
	return queues
}

func (c *Component) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if c.storage.DB != nil {
		if err := c.storage.DB.PingContext(r.Context()); err != nil {
			httpapi.RespondWithJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":  "unhealthy",
				"service": c.Name,
				"error":   "database connection failed",
			})
			return
		}
	}

	httpapi.RespondWithJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": c.Name,
	})
}

// Start runs the relay, the background workers and one subscription per
// consumed queue until ctx is cancelled. The returned WaitGroup completes
// once all of them returned.
func (c *Component) Start(ctx context.Context, subscriber events.Subscriber) *sync.WaitGroup {
	var wg sync.WaitGroup

	run := func(fn func(ctx context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
		}()
	}

	run(c.Relay.Run)
	for _, w := range c.workers {
		run(w)
	}
	for _, queue := range c.Queues() {
		queue, handler := queue, c.Consumers[queue]
		run(func(ctx context.Context) {
			if err := subscriber.Subscribe(ctx, queue, handler); err != nil {
				c.logger.WithError(err).WithField("queue", queue).Error("Consumer stopped")
			}
		})
	}
	return &wg
}

// Close releases resources held by the component itself. Storage and bus
// are closed by their owner.
func (c *Component) Close() {
	for _, fn := range c.stop {
		fn()
	}
}

// Serve starts the component and its HTTP server and blocks until ctx is
// cancelled, then shuts both down.
func (c *Component) Serve(ctx context.Context, port string, subscriber events.Subscriber) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	wg := c.Start(runCtx, subscriber)

	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      c.Router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		c.logger.WithFields(logrus.Fields{
			"port":   port,
			"queues": c.Queues(),
		}).Infof("Starting %s", c.Name)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
		c.logger.WithError(serveErr).Error("Failed to start server")
	}

	c.logger.Info("Shutting down server...")
	shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
	defer done()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		c.logger.WithError(err).Error("Server forced to shutdown")
	}

	cancel()
	wg.Wait()
	c.Close()

	c.logger.Info("Server gracefully stopped")
	return serveErr
}
