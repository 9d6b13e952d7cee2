// Package obsctx carries the correlation-id/source frame across the queue's
// dispatch into adapter egress, so a log line there can be traced back to
// the envelope that caused it even after it's hopped goroutines. The bus
// and the router attach no frame; on those paths the correlation id travels
// only inside the envelope (head.correlationId).
package obsctx

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

type frameKey struct{}

// Frame is the context payload: which correlation id this unit of work
// belongs to, and which component last touched it.
type Frame struct {
	CorrelationID string
	Source        string
}

// With attaches frame to ctx, assigning a fresh correlation id if frame's
// is empty.
func With(ctx context.Context, frame Frame) context.Context {
	if frame.CorrelationID == "" {
		frame.CorrelationID = uuid.New().String()
	}
	return context.WithValue(ctx, frameKey{}, frame)
}

// From returns the Frame attached to ctx, or a zero-value Frame with a
// fresh correlation id if none was attached.
func From(ctx context.Context) Frame {
	if f, ok := ctx.Value(frameKey{}).(Frame); ok {
		return f
	}
	return Frame{CorrelationID: uuid.New().String()}
}

// Logger returns the default slog logger with correlation_id/source fields
// bound from ctx, so call sites never hand-thread these fields themselves.
func Logger(ctx context.Context) *slog.Logger {
	f := From(ctx)
	return slog.Default().With("correlation_id", f.CorrelationID, "source", f.Source)
}
