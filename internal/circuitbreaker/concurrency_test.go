package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestConcurrentStateTransitions(t *testing.T) {
	cb := New(Config{
		Name:        "concurrent-state-test",
		MaxFailures: 5,
		Timeout:     time.Minute,
		MaxRequests: 3,
	}, testLogger())

	const numGoroutines = 20
	var wg sync.WaitGroup

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := cb.Execute(context.Background(), fail); err == nil {
				t.Error("Expected error")
			}
		}()
	}
	wg.Wait()

	if cb.State() != StateOpen {
		t.Errorf("Expected StateOpen after concurrent failures, got %s", cb.State())
	}

	m := cb.Metrics()
	if m.TotalFailures < 5 {
		t.Errorf("Expected at least 5 failures, got %d", m.TotalFailures)
	}
	if m.TotalRequests+m.Rejected != numGoroutines {
		t.Errorf("Expected %d attempted or rejected calls, got %d+%d", numGoroutines, m.TotalRequests, m.Rejected)
	}
}

func TestConcurrentHalfOpenRequests(t *testing.T) {
	cb := New(Config{
		Name:        "half-open-concurrent-test",
		MaxFailures: 1,
		Timeout:     50 * time.Millisecond,
		MaxRequests: 3,
	}, testLogger())

	cb.Execute(context.Background(), fail)
	if cb.State() != StateOpen {
		t.Fatalf("Expected StateOpen, got %s", cb.State())
	}
	time.Sleep(60 * time.Millisecond)

	var (
		wg       sync.WaitGroup
		admitted atomic.Int32
		rejected atomic.Int32
		release  = make(chan struct{})
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := cb.Execute(context.Background(), func(context.Context) error {
				admitted.Add(1)
				<-release
				return nil
			})
			if errors.Is(err, ErrCircuitBreakerOpen) {
				rejected.Add(1)
			}
		}()
	}

	// the admitted calls block until every other goroutine has been turned away
	deadline := time.Now().Add(time.Second)
	for rejected.Load() < 7 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	close(release)
	wg.Wait()

	if got := admitted.Load(); got != 3 {
		t.Errorf("Expected 3 half-open probes, got %d", got)
	}
	if cb.State() != StateClosed {
		t.Errorf("Expected StateClosed after successful probes, got %s", cb.State())
	}
}
