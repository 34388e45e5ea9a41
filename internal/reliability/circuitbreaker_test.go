package reliability

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func fail(context.Context) error    { return errors.New("error") }
func succeed(context.Context) error { return nil }

func TestCircuitBreaker_ClosedState(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		MaxRequests: 3,
		Interval:    time.Second,
		Timeout:     time.Second,
	})

	if cb.State() != StateClosed {
		t.Errorf("initial state = %v, want %v", cb.State(), StateClosed)
	}

	for i := 0; i < 5; i++ {
		if err := cb.Execute(context.Background(), succeed); err != nil {
			t.Errorf("Execute() error = %v", err)
		}
	}

	if cb.State() != StateClosed {
		t.Errorf("state = %v, want %v", cb.State(), StateClosed)
	}
	if c := cb.Counts(); c.TotalSuccesses != 5 {
		t.Errorf("TotalSuccesses = %d, want 5", c.TotalSuccesses)
	}
}

func TestCircuitBreaker_OpenState(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		MaxRequests:      3,
		Interval:         time.Second,
		Timeout:          100 * time.Millisecond,
		FailureThreshold: 3,
	})

	for i := 0; i < 3; i++ {
		_ = cb.Execute(context.Background(), fail)
	}

	if cb.State() != StateOpen {
		t.Errorf("state = %v, want %v", cb.State(), StateOpen)
	}

	err := cb.Execute(context.Background(), func(context.Context) error {
		t.Error("should not execute when circuit is open")
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestCircuitBreaker_HalfOpenToClosed(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		MaxRequests:      2,
		Interval:         time.Second,
		Timeout:          50 * time.Millisecond,
		FailureThreshold: 2,
	})

	for i := 0; i < 2; i++ {
		_ = cb.Execute(context.Background(), fail)
	}

	time.Sleep(100 * time.Millisecond)

	if cb.State() != StateHalfOpen {
		t.Fatalf("state = %v, want %v", cb.State(), StateHalfOpen)
	}

	for i := 0; i < 2; i++ {
		if err := cb.Execute(context.Background(), succeed); err != nil {
			t.Fatalf("Execute() error = %v", err)
		}
	}

	if cb.State() != StateClosed {
		t.Errorf("state = %v, want %v", cb.State(), StateClosed)
	}
}

func TestCircuitBreaker_HalfOpenToOpen(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		MaxRequests:      2,
		Interval:         time.Second,
		Timeout:          50 * time.Millisecond,
		FailureThreshold: 2,
	})

	for i := 0; i < 2; i++ {
		_ = cb.Execute(context.Background(), fail)
	}

	time.Sleep(100 * time.Millisecond)

	_ = cb.Execute(context.Background(), fail)

	if cb.State() != StateOpen {
		t.Errorf("state = %v, want %v", cb.State(), StateOpen)
	}
}

func TestCircuitBreaker_IsSuccessful(t *testing.T) {
	errClient := errors.New("client error")
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, errClient)
		},
	})

	_ = cb.Execute(context.Background(), func(context.Context) error { return errClient })
	if cb.State() != StateClosed {
		t.Errorf("state = %v, want %v", cb.State(), StateClosed)
	}
}

func TestCircuitBreaker_CancelledContext(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := cb.Execute(ctx, succeed)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if c := cb.Counts(); c.Requests != 0 {
		t.Errorf("Requests = %d, want 0", c.Requests)
	}
}

func TestBreakers(t *testing.T) {
	var mu sync.Mutex
	changes := map[string]State{}

	b := NewBreakers(CircuitBreakerConfig{FailureThreshold: 1, Timeout: time.Minute}, func(key string, from, to State) {
		mu.Lock()
		changes[key] = to
		mu.Unlock()
	})

	if err := b.Execute(context.Background(), "svc-1", succeed); err != nil {
		t.Errorf("Execute(svc-1) error = %v", err)
	}
	if err := b.Execute(context.Background(), "svc-2", fail); err == nil {
		t.Error("Execute(svc-2) should return error")
	}

	states := b.States()
	if len(states) != 2 {
		t.Errorf("expected 2 circuit breakers, got %d", len(states))
	}
	if states["svc-1"] != StateClosed || states["svc-2"] != StateOpen {
		t.Errorf("unexpected states: %v", states)
	}

	open := b.Open()
	if len(open) != 1 || open[0] != "svc-2" {
		t.Errorf("expected svc-2 open, got %v", open)
	}

	mu.Lock()
	defer mu.Unlock()
	if changes["svc-2"] != StateOpen {
		t.Errorf("expected state change callback for svc-2, got %v", changes)
	}
	if b.Get("svc-1") != b.Get("svc-1") {
		t.Error("expected the same breaker for the same key")
	}
}

func BenchmarkCircuitBreaker_Execute(b *testing.B) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		MaxRequests: 100,
		Interval:    time.Second,
		Timeout:     time.Second,
	})

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = cb.Execute(context.Background(), succeed)
	}
}
