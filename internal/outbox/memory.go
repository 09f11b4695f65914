package outbox

import (
	"context"
	"sync"

	"github.com/jogardn/food-delivery-saga/internal/events"
)

// Memory is the in-process outbox used with in-memory repositories. The
// repositories append under their own lock right after applying a change,
// which gives the same all-or-nothing behaviour as a shared transaction.
type Memory struct {
	drain   sync.Mutex
	mu      sync.Mutex
	pending []events.Envelope
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Append(envs ...events.Envelope) {
	m.mu.Lock()
	m.pending = append(m.pending, envs...)
	m.mu.Unlock()
}

// Len returns the number of unpublished envelopes.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

func (m *Memory) Drain(ctx context.Context, limit int, publish func(events.Envelope) error) (int, error) {
	m.drain.Lock()
	defer m.drain.Unlock()

	m.mu.Lock()
	n := len(m.pending)
	if n > limit {
		n = limit
	}
	batch := append([]events.Envelope(nil), m.pending[:n]...)
	m.mu.Unlock()

	published := 0
	var err error
	for _, env := range batch {
		if err = ctx.Err(); err != nil {
			break
		}
		if err = publish(env); err != nil {
			break
		}
		published++
	}

	m.mu.Lock()
	m.pending = m.pending[published:]
	m.mu.Unlock()

	return published, err
}
