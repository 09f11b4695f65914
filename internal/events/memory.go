package events

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// MemoryBus routes envelopes through a Topology in process. Delivery is
// synchronous: Publish returns after every bound handler ran. Messages whose
// handler asked for redelivery stay pending until Redeliver is called, and
// messages for queues nobody consumes yet are buffered.
type MemoryBus struct {
	topology Topology
	logger   *logrus.Logger

	mu          sync.Mutex
	handlers    map[string]Handler
	pending     map[string][]Envelope
	deadLetters map[string][]Envelope
	published   []Envelope
}

func NewMemoryBus(topology Topology, logger *logrus.Logger) *MemoryBus {
	return &MemoryBus{
		topology:    topology,
		logger:      logger,
		handlers:    make(map[string]Handler),
		pending:     make(map[string][]Envelope),
		deadLetters: make(map[string][]Envelope),
	}
}

func (b *MemoryBus) Publish(ctx context.Context, env Envelope) error {
	b.mu.Lock()
	b.published = append(b.published, env)
	b.mu.Unlock()

	for _, queue := range b.topology.QueuesFor(env.Exchange, env.RoutingKey) {
		b.deliver(ctx, queue, env)
	}
	return nil
}

// Register attaches handler to queue and drains anything buffered for it.
func (b *MemoryBus) Register(ctx context.Context, queue string, handler Handler) {
	b.mu.Lock()
	b.handlers[queue] = handler
	backlog := b.pending[queue]
	delete(b.pending, queue)
	b.mu.Unlock()

	for _, env := range backlog {
		b.deliver(ctx, queue, env)
	}
}

// Subscribe registers handler and blocks until ctx is cancelled.
func (b *MemoryBus) Subscribe(ctx context.Context, queue string, handler Handler) error {
	b.Register(ctx, queue, handler)
	<-ctx.Done()

	b.mu.Lock()
	delete(b.handlers, queue)
	b.mu.Unlock()
	return nil
}

// Redeliver retries every pending message once and returns how many were
// still pending before the call.
func (b *MemoryBus) Redeliver(ctx context.Context) int {
	b.mu.Lock()
	pending := b.pending
	b.pending = make(map[string][]Envelope)
	b.mu.Unlock()

	n := 0
	for queue, envs := range pending {
		for _, env := range envs {
			n++
			b.deliver(ctx, queue, env)
		}
	}
	return n
}

func (b *MemoryBus) deliver(ctx context.Context, queue string, env Envelope) {
	b.mu.Lock()
	handler, ok := b.handlers[queue]
	b.mu.Unlock()

	if !ok {
		b.enqueue(queue, env)
		return
	}

	err := handler(ctx, env)
	switch Classify(err) {
	case DeadLetter:
		b.mu.Lock()
		b.deadLetters[queue] = append(b.deadLetters[queue], env)
		b.mu.Unlock()
	case Requeue:
		b.enqueue(queue, env)
	}
}

func (b *MemoryBus) enqueue(queue string, env Envelope) {
	b.mu.Lock()
	b.pending[queue] = append(b.pending[queue], env)
	b.mu.Unlock()
}

// Pending returns the messages waiting in queue.
func (b *MemoryBus) Pending(queue string) []Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Envelope(nil), b.pending[queue]...)
}

// DeadLetters returns the messages parked for queue.
func (b *MemoryBus) DeadLetters(queue string) []Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Envelope(nil), b.deadLetters[queue]...)
}

// Published returns every envelope published so far, in order.
func (b *MemoryBus) Published() []Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Envelope(nil), b.published...)
}
