// Package breaker is the Circuit Breaker Registry: one gobreaker-backed
// breaker per logical external service (typically "<platform>_api"),
// wrapped to expose the exact state machine and metric shape the adapters
// depend on.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/bridgecore/bridged/internal/bridgeerr"
)

const (
	DefaultFailureThreshold = 5
	DefaultResetTimeout     = 30 * time.Second
	DefaultRequestTimeout   = 10 * time.Second
)

// Settings configures one breaker.
type Settings struct {
	FailureThreshold uint32
	ResetTimeout     time.Duration
	RequestTimeout   time.Duration
}

func (s Settings) withDefaults() Settings {
	if s.FailureThreshold == 0 {
		s.FailureThreshold = DefaultFailureThreshold
	}
	if s.ResetTimeout == 0 {
		s.ResetTimeout = DefaultResetTimeout
	}
	if s.RequestTimeout == 0 {
		s.RequestTimeout = DefaultRequestTimeout
	}
	return s
}

// Counts is the metric shape surfaced per breaker. gobreaker.Counts
// doesn't expose this directly (it tracks ConsecutiveFailures/Successes,
// not a cumulative rejected counter).
type Counts struct {
	Total    uint32
	Success  uint32
	Failed   uint32
	Rejected uint32
}

// Breaker wraps one gobreaker.CircuitBreaker, adding a request deadline,
// a rejected-call counter, and translation of gobreaker's generic
// ErrOpenState into bridgeerr.ErrCircuitOpen.
type Breaker struct {
	name           string
	cb             *gobreaker.CircuitBreaker
	requestTimeout time.Duration

	mu       sync.Mutex
	rejected uint32
}

func newBreaker(name string, s Settings) *Breaker {
	s = s.withDefaults()
	b := &Breaker{name: name, requestTimeout: s.RequestTimeout}

	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1, // one probe call allowed while HALF_OPEN
		Interval:    0, // never reset counts while CLOSED; only ReadyToTrip decides
		Timeout:     s.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.FailureThreshold
		},
	})
	return b
}

// State is the three-value breaker state machine, projected from
// gobreaker's underlying state.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

func (b *Breaker) State() State {
	switch b.cb.State() {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// Counts returns the {total, success, failed, rejected} snapshot.
func (b *Breaker) Counts() Counts {
	c := b.cb.Counts()
	b.mu.Lock()
	rejected := b.rejected
	b.mu.Unlock()
	return Counts{
		Total:    c.Requests,
		Success:  c.TotalSuccesses,
		Failed:   c.TotalFailures,
		Rejected: rejected,
	}
}

// Fallback is invoked with the call's error instead of propagating it, if
// supplied to Execute.
type Fallback func(err error) error

// Execute runs fn under requestTimeout and the breaker's state machine.
// A timeout counts as a failure. When the breaker is open, fn never runs
// and bridgeerr.ErrCircuitOpen is returned (or passed to fallback).
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error, fallback Fallback) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		callCtx, cancel := context.WithTimeout(ctx, b.requestTimeout)
		defer cancel()

		errCh := make(chan error, 1)
		go func() { errCh <- fn(callCtx) }()

		select {
		case err := <-errCh:
			return nil, err
		case <-callCtx.Done():
			return nil, bridgeerr.New(bridgeerr.KindTimeout, callCtx.Err())
		}
	})

	if err == nil {
		return nil
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		b.mu.Lock()
		b.rejected++
		b.mu.Unlock()
		err = bridgeerr.New(bridgeerr.KindCircuitOpen, err)
	}

	if fallback != nil {
		return fallback(err)
	}
	return err
}

// Registry is a set of breakers keyed by logical service name, created
// lazily on first Get with Settings' defaults applied.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	settings map[string]Settings
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		settings: make(map[string]Settings),
	}
}

// Configure sets the Settings a service's breaker will be created with.
// Must be called before the first Get for name to take effect; harmless
// no-op otherwise (the breaker is already built).
func (r *Registry) Configure(name string, s Settings) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.settings[name] = s
}

// Get returns the named breaker, creating it with any Configure'd settings
// (or defaults) on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := newBreaker(name, r.settings[name])
	r.breakers[name] = b
	return b
}
