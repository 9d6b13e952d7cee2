// Package adapter defines the Adapter Contract every platform integration
// implements, the sandboxed dependency bag the kernel hands each adapter,
// and the static registry adapters self-register into.
package adapter

import (
	"context"
	"log/slog"

	"github.com/bridgecore/bridged/internal/breaker"
	"github.com/bridgecore/bridged/internal/bridgeerr"
	"github.com/bridgecore/bridged/internal/msgbus"
	"github.com/bridgecore/bridged/internal/queue"
	"github.com/bridgecore/bridged/internal/topology"
	"github.com/bridgecore/bridged/internal/umf"
)

// Health is the adapter's self-reported liveness, surfaced by the health
// HTTP endpoint.
type Health struct {
	Healthy bool
	Detail  string
}

// Adapter is what every platform integration implements. The core never
// calls platform SDKs directly; it only calls through this contract.
type Adapter interface {
	// Name is the platform identifier ("discord", "telegram", ...), also
	// used to derive this adapter's egress queue name.
	Name() string

	// Init wires the adapter to its Context. Called once, before Start.
	Init(ctx context.Context, deps Context) error

	// Start begins listening for inbound traffic. Non-blocking after setup.
	Start(ctx context.Context) error

	// Stop gracefully shuts the adapter down.
	Stop(ctx context.Context) error

	// Health reports current liveness for the health endpoint.
	Health(ctx context.Context) Health

	// ProcessEgress delivers one outbound envelope to the platform. Called
	// by the core's queue processor inside this adapter's circuit breaker;
	// adapters never call their own breaker.
	ProcessEgress(ctx context.Context, env *umf.Envelope) error
}

// Context is the frozen, sandboxed dependency bag the kernel builds once
// per adapter and passes to Init. There are no setters: once constructed,
// nothing in it can be reassigned, so one adapter can't reach into
// another's wiring.
type Context struct {
	PlatformName string
	PluginType   string

	Config  map[string]string
	Bus     *msgbus.Bus
	Repo    topology.Repository
	Queues  *queue.Manager
	Breaker *breaker.Registry
	Logger  *slog.Logger
}

// Factory constructs a fresh Adapter instance. Adapter packages register a
// Factory into the package Registry from an init() function.
type Factory func() Adapter

// registry is the static-linking replacement for a dynamic filesystem
// plugin scan: every adapter package imported for side effects registers
// itself here, and the kernel iterates Registered() rather than scanning a
// directory.
var registry = struct {
	factories map[string]Factory
}{factories: make(map[string]Factory)}

// Register adds a Factory under name. Called from each adapter package's
// init(). Panics on a duplicate name — that's a build-time wiring bug, not
// a runtime condition.
func Register(name string, f Factory) {
	if _, exists := registry.factories[name]; exists {
		panic("adapter: duplicate registration for " + name)
	}
	registry.factories[name] = f
}

// Get constructs a fresh Adapter for name, or reports it unknown.
func Get(name string) (Adapter, bool) {
	f, ok := registry.factories[name]
	if !ok {
		return nil, false
	}
	return f(), true
}

// Registered lists every platform name with a registered Factory.
func Registered() []string {
	names := make([]string, 0, len(registry.factories))
	for name := range registry.factories {
		names = append(names, name)
	}
	return names
}

// EgressQueueName derives the per-platform egress queue name the router
// enqueues onto and the kernel registers an adapter's ProcessEgress
// against.
func EgressQueueName(platform string) string {
	return "queue_" + platform + "_out"
}

// RegisterEgress is the core's half of the Adapter Contract: it registers
// a(platform)'s egress processor on its queue, wrapping every call with
// schema validation and the platform's circuit breaker so no adapter has
// to hand-roll that plumbing itself. Adapters call this once from Init.
func RegisterEgress(deps Context, a Adapter, limit queue.Limit) {
	platform := a.Name()
	queueName := EgressQueueName(platform)
	breakerName := platform + "_api"

	deps.Queues.Process(queueName, limit, func(ctx context.Context, env *umf.Envelope) error {
		if !umf.ValidateEnvelope(env) {
			return bridgeerr.New(bridgeerr.KindInvalidEnvelope, errInvalidEgress)
		}
		cb := deps.Breaker.Get(breakerName)
		return cb.Execute(ctx, func(ctx context.Context) error {
			return a.ProcessEgress(ctx, env)
		}, nil)
	})
}

type invalidEgressErr struct{}

func (invalidEgressErr) Error() string { return "adapter: egress envelope failed validation" }

var errInvalidEgress = invalidEgressErr{}
