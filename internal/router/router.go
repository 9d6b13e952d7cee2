// Package router implements the bridge's fan-out: every ingress envelope is
// turned into zero or more egress jobs, one per bridged destination channel,
// with loop prevention baked into the trace path.
package router

import (
	"context"
	"log/slog"
	"slices"

	"github.com/bridgecore/bridged/internal/dedup"
	"github.com/bridgecore/bridged/internal/topology"
	"github.com/bridgecore/bridged/internal/umf"
)

// Enqueuer is the Queue Manager's ingress contract, kept narrow so the
// router depends on an interface rather than the concrete queue package.
type Enqueuer interface {
	Enqueue(ctx context.Context, queueName, jobID string, env *umf.Envelope) error
}

// Dedup is the narrow contract the router needs from the dedup filter.
type Dedup interface {
	Seen(fingerprint string) bool
}

// Router wires dedup, topology and the queue manager together to implement
// the fan-out algorithm.
type Router struct {
	repo   topology.Repository
	dedup  Dedup
	queues Enqueuer
	logger *slog.Logger
}

// New builds a Router. logger may be nil, in which case slog.Default() is
// used.
func New(repo topology.Repository, dedup Dedup, queues Enqueuer, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{repo: repo, dedup: dedup, queues: queues, logger: logger}
}

// Route runs the full fan-out algorithm for one ingress envelope. It never
// returns an error to the caller — an invalid envelope or a repository
// error is logged and the envelope is dropped; an envelope from an
// unbridged channel is dropped without logging. The router must not crash
// on bad topology.
func (r *Router) Route(ctx context.Context, env *umf.Envelope) {
	if !umf.ValidateEnvelope(env) {
		r.logger.Warn("router: dropping invalid envelope", "id", envID(env))
		return
	}

	fp := dedup.Fingerprint(env.Body.Text, env.Head.Source.UserID, env.Head.Source.ChannelID)
	if r.dedup.Seen(fp) {
		r.logger.Debug("router: dropping duplicate envelope", "id", env.Head.ID)
		return
	}

	source := env.Head.Source.Endpoint()
	link, err := r.repo.GetChannelLink(ctx, source.Platform, source.ChannelID)
	if err != nil {
		r.logger.Error("router: topology lookup failed, dropping", "id", env.Head.ID, "error", err)
		return
	}
	if link == nil {
		// Channel not bridged: silent drop is the documented behavior, not
		// an error condition.
		return
	}
	if link.Status != topology.StatusOn {
		r.logger.Debug("router: bridge not active, dropping", "id", env.Head.ID, "status", link.Status)
		return
	}

	targets := r.repo.GetBridgeTopology(ctx, link.BridgeID)

	sourceID := source.Token()
	if len(env.Head.TracePath) == 0 {
		env.Head.TracePath = []string{sourceID}
	} else if !slices.Contains(env.Head.TracePath, sourceID) {
		env.Head.TracePath = append(env.Head.TracePath, sourceID)
	}

	for _, t := range targets {
		targetID := t.Platform + ":" + t.NativeID

		if targetID == sourceID {
			continue // split horizon
		}
		if slices.Contains(env.Head.TracePath, targetID) {
			continue // trace-path loop guard
		}

		out := Clone(env, umf.Endpoint{Platform: t.Platform, ChannelID: t.NativeID}, targetID)

		queueName := "queue_" + t.Platform + "_out"
		jobID := env.Head.ID + "-" + t.Platform + "-" + t.NativeID
		if err := r.queues.Enqueue(ctx, queueName, jobID, out); err != nil {
			r.logger.Error("router: enqueue failed for target, continuing fan-out",
				"id", env.Head.ID, "target", targetID, "error", err)
			continue
		}
	}
}

// Clone produces the per-target outbound envelope: head and body are
// shared by value (a Go struct is copied on assignment), but TracePath is
// always a freshly allocated slice so mutating one clone's trace path never
// affects a sibling's.
func Clone(env *umf.Envelope, dest umf.Endpoint, targetID string) *umf.Envelope {
	out := *env
	out.Head.TracePath = append(append([]string{}, env.Head.TracePath...), targetID)
	d := dest
	out.Head.Dest = &d
	return &out
}

func envID(env *umf.Envelope) string {
	if env == nil {
		return ""
	}
	return env.Head.ID
}
