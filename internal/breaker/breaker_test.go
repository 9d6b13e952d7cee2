package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bridgecore/bridged/internal/bridgeerr"
)

type boomErr struct{}

func (boomErr) Error() string { return "boom" }

var errBoom = boomErr{}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	r := NewRegistry()
	r.Configure("discord_api", Settings{FailureThreshold: 2, ResetTimeout: time.Hour, RequestTimeout: time.Second})
	b := r.Get("discord_api")

	for i := 0; i < 2; i++ {
		err := b.Execute(context.Background(), func(ctx context.Context) error { return errBoom }, nil)
		if !errors.Is(err, errBoom) {
			t.Fatalf("call %d: expected underlying error, got %v", i, err)
		}
	}

	if b.State() != StateOpen {
		t.Fatalf("expected breaker to be open after threshold failures, got %v", b.State())
	}

	err := b.Execute(context.Background(), func(ctx context.Context) error {
		t.Fatal("fn should never run while circuit is open")
		return nil
	}, nil)
	if !errors.Is(err, bridgeerr.ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if b.Counts().Rejected != 1 {
		t.Fatalf("expected rejected count 1, got %d", b.Counts().Rejected)
	}
}

func TestBreaker_HalfOpenThenCloses(t *testing.T) {
	r := NewRegistry()
	r.Configure("discord_api", Settings{FailureThreshold: 1, ResetTimeout: 20 * time.Millisecond, RequestTimeout: time.Second})
	b := r.Get("discord_api")

	_ = b.Execute(context.Background(), func(ctx context.Context) error { return errBoom }, nil)
	if b.State() != StateOpen {
		t.Fatalf("expected open after one failure with threshold 1, got %v", b.State())
	}

	time.Sleep(30 * time.Millisecond) // past resetTimeout

	err := b.Execute(context.Background(), func(ctx context.Context) error { return nil }, nil)
	if err != nil {
		t.Fatalf("expected the half-open probe call to succeed, got %v", err)
	}
	if b.State() != StateClosed {
		t.Fatalf("expected breaker to close after a successful half-open probe, got %v", b.State())
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	r := NewRegistry()
	r.Configure("discord_api", Settings{FailureThreshold: 1, ResetTimeout: 20 * time.Millisecond, RequestTimeout: time.Second})
	b := r.Get("discord_api")

	_ = b.Execute(context.Background(), func(ctx context.Context) error { return errBoom }, nil)
	time.Sleep(30 * time.Millisecond)

	_ = b.Execute(context.Background(), func(ctx context.Context) error { return errBoom }, nil)
	if b.State() != StateOpen {
		t.Fatalf("expected a failed half-open probe to reopen the circuit, got %v", b.State())
	}
}

func TestBreaker_TimeoutCountsAsFailure(t *testing.T) {
	r := NewRegistry()
	r.Configure("discord_api", Settings{FailureThreshold: 1, ResetTimeout: time.Hour, RequestTimeout: 5 * time.Millisecond})
	b := r.Get("discord_api")

	err := b.Execute(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, nil)
	if !errors.Is(err, bridgeerr.ErrTimeout) {
		t.Fatalf("expected a timeout error, got %v", err)
	}
	if b.State() != StateOpen {
		t.Fatalf("expected a timeout to count as a failure and open the circuit, got %v", b.State())
	}
}

func TestBreaker_FallbackReceivesError(t *testing.T) {
	r := NewRegistry()
	r.Configure("discord_api", Settings{FailureThreshold: 1, ResetTimeout: time.Hour, RequestTimeout: time.Second})
	b := r.Get("discord_api")

	var fallbackErr error
	handled := errors.New("handled")
	err := b.Execute(context.Background(), func(ctx context.Context) error { return errBoom }, func(err error) error {
		fallbackErr = err
		return handled
	})
	if !errors.Is(fallbackErr, errBoom) {
		t.Fatalf("expected fallback to receive the underlying error, got %v", fallbackErr)
	}
	if !errors.Is(err, handled) {
		t.Fatalf("expected Execute to return the fallback's result, got %v", err)
	}
}

func TestRegistry_GetReturnsSameBreakerPerName(t *testing.T) {
	r := NewRegistry()
	a := r.Get("discord_api")
	b := r.Get("discord_api")
	if a != b {
		t.Fatal("expected Get to return the same breaker instance for the same name")
	}
}
