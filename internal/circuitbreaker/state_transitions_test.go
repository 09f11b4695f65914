package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

var errGatewayDown = errors.New("gateway down")

func fail(context.Context) error    { return errGatewayDown }
func succeed(context.Context) error { return nil }

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func TestStateTransitions(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name        string
		scenario    func(t *testing.T, cb *CircuitBreaker)
		expectedEnd State
	}{
		{
			name: "closed_to_open_after_max_failures",
			scenario: func(t *testing.T, cb *CircuitBreaker) {
				for i := 0; i < 3; i++ {
					if err := cb.Execute(ctx, fail); err == nil {
						t.Error("Expected failure")
					}
				}
				if err := cb.Execute(ctx, succeed); !errors.Is(err, ErrCircuitBreakerOpen) {
					t.Errorf("Expected ErrCircuitBreakerOpen, got %v", err)
				}
			},
			expectedEnd: StateOpen,
		},
		{
			name: "half_open_to_closed_on_success",
			scenario: func(t *testing.T, cb *CircuitBreaker) {
				for i := 0; i < 3; i++ {
					cb.Execute(ctx, fail)
				}
				time.Sleep(110 * time.Millisecond)

				if err := cb.Execute(ctx, succeed); err != nil {
					t.Errorf("Expected success, got %v", err)
				}
			},
			expectedEnd: StateClosed,
		},
		{
			name: "half_open_to_open_on_failure",
			scenario: func(t *testing.T, cb *CircuitBreaker) {
				for i := 0; i < 3; i++ {
					cb.Execute(ctx, fail)
				}
				time.Sleep(110 * time.Millisecond)

				cb.Execute(ctx, fail)
			},
			expectedEnd: StateOpen,
		},
		{
			name: "failures_reset_on_success",
			scenario: func(t *testing.T, cb *CircuitBreaker) {
				for i := 0; i < 2; i++ {
					cb.Execute(ctx, fail)
				}
				if err := cb.Execute(ctx, succeed); err != nil {
					t.Errorf("Expected success, got %v", err)
				}
				for i := 0; i < 2; i++ {
					cb.Execute(ctx, fail)
				}
			},
			expectedEnd: StateClosed,
		},
		{
			name: "caller_errors_do_not_count",
			scenario: func(t *testing.T, cb *CircuitBreaker) {
				notPaid := errors.New("payment not paid")
				for i := 0; i < 5; i++ {
					err := cb.Execute(ctx, func(context.Context) error { return notPaid })
					if !errors.Is(err, notPaid) {
						t.Errorf("Expected caller error to pass through, got %v", err)
					}
				}
			},
			expectedEnd: StateClosed,
		},
		{
			name: "cancelled_calls_do_not_count",
			scenario: func(t *testing.T, cb *CircuitBreaker) {
				cancelled, cancel := context.WithCancel(ctx)
				cancel()
				for i := 0; i < 5; i++ {
					cb.Execute(cancelled, func(ctx context.Context) error { return ctx.Err() })
				}
			},
			expectedEnd: StateClosed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cb := New(Config{
				Name:        "test",
				MaxFailures: 3,
				Timeout:     100 * time.Millisecond,
				MaxRequests: 2,
				IsFailure:   func(err error) bool { return errors.Is(err, errGatewayDown) },
			}, testLogger())

			tt.scenario(t, cb)

			if cb.State() != tt.expectedEnd {
				t.Errorf("Expected final state %s, got %s", tt.expectedEnd, cb.State())
			}
		})
	}
}

func TestStateChangeCallbacks(t *testing.T) {
	var (
		mu      sync.Mutex
		changes [][2]State
	)

	cb := New(Config{
		Name:        "callback-test",
		MaxFailures: 2,
		Timeout:     50 * time.Millisecond,
		OnStateChange: func(name string, from State, to State) {
			mu.Lock()
			changes = append(changes, [2]State{from, to})
			mu.Unlock()
		},
	}, testLogger())

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		cb.Execute(ctx, fail)
	}

	deadline := time.Now().Add(time.Second)
	for {
		mu.Lock()
		n := len(changes)
		mu.Unlock()
		if n > 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(changes) == 0 {
		t.Fatal("Expected at least one state change")
	}
	if changes[0] != [2]State{StateClosed, StateOpen} {
		t.Errorf("First state change: expected closed->open, got %s->%s", changes[0][0], changes[0][1])
	}
}

func TestStateChangeCallbackPanic(t *testing.T) {
	cb := New(Config{
		Name:          "panic-test",
		MaxFailures:   1,
		OnStateChange: func(string, State, State) { panic("test panic") },
	}, testLogger())

	cb.Execute(context.Background(), fail)
	time.Sleep(20 * time.Millisecond)

	if cb.State() != StateOpen {
		t.Errorf("Expected StateOpen after failure, got %s", cb.State())
	}
}

func TestReset(t *testing.T) {
	cb := New(Config{Name: "reset-test", MaxFailures: 2, Timeout: time.Minute}, testLogger())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		cb.Execute(ctx, fail)
	}
	if cb.State() != StateOpen {
		t.Fatalf("Expected StateOpen, got %s", cb.State())
	}

	cb.Reset()

	if cb.State() != StateClosed {
		t.Errorf("Expected StateClosed after reset, got %s", cb.State())
	}
	if m := cb.Metrics(); m.Failures != 0 {
		t.Errorf("Expected failures to be 0 after reset, got %d", m.Failures)
	}
	if err := cb.Execute(ctx, succeed); err != nil {
		t.Errorf("Expected success after reset, got %v", err)
	}
}
