// Package bridgeerr defines the bridge's error taxonomy. Call sites branch
// on it with errors.Is/errors.As instead of matching error strings.
package bridgeerr

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a bridge error for logging and retry decisions.
type Kind string

const (
	KindInvalidEnvelope  Kind = "invalid_envelope"
	KindRepository       Kind = "repository"
	KindCircuitOpen      Kind = "circuit_open"
	KindTimeout          Kind = "timeout"
	KindRateLimited      Kind = "rate_limited"
	KindTransientNetwork Kind = "transient_network"
	KindFatal            Kind = "fatal"
)

// Sentinels for errors.Is comparisons against a Kind regardless of wrapped detail.
var (
	ErrInvalidEnvelope  = &BridgeError{Kind: KindInvalidEnvelope}
	ErrRepository       = &BridgeError{Kind: KindRepository}
	ErrCircuitOpen      = &BridgeError{Kind: KindCircuitOpen}
	ErrTimeout          = &BridgeError{Kind: KindTimeout}
	ErrRateLimited      = &BridgeError{Kind: KindRateLimited}
	ErrTransientNetwork = &BridgeError{Kind: KindTransientNetwork}
	ErrFatal            = &BridgeError{Kind: KindFatal}
)

// BridgeError wraps an underlying error with a taxonomy Kind.
// Two *BridgeError values are Is-equal when their Kind matches, regardless
// of the wrapped Err — this lets call sites use the sentinels above.
type BridgeError struct {
	Kind       Kind
	Err        error
	RetryAfter time.Duration // only meaningful for KindRateLimited
}

func (e *BridgeError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *BridgeError) Unwrap() error { return e.Err }

// Is reports whether target is a *BridgeError with the same Kind.
func (e *BridgeError) Is(target error) bool {
	var other *BridgeError
	if !errors.As(target, &other) {
		return false
	}
	return other.Kind == e.Kind
}

// New wraps err under kind.
func New(kind Kind, err error) *BridgeError {
	return &BridgeError{Kind: kind, Err: err}
}

// RateLimited wraps err as KindRateLimited, carrying the adapter-reported
// minimum delay before the next attempt.
func RateLimited(err error, retryAfter time.Duration) *BridgeError {
	return &BridgeError{Kind: KindRateLimited, Err: err, RetryAfter: retryAfter}
}

// Retryable reports whether the queue manager should retry a job that failed
// with err. Invalid envelopes and fatal adapter errors are never retried.
func Retryable(err error) bool {
	var be *BridgeError
	if !errors.As(err, &be) {
		// Unclassified errors are treated as transient network failures.
		return true
	}
	switch be.Kind {
	case KindInvalidEnvelope, KindFatal:
		return false
	default:
		return true
	}
}
