// Package kernel owns the bridge daemon's process lifecycle: the ordered
// startup of every subsystem, the reverse-order shutdown, and the
// stub-level health HTTP surface the ambient config names.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/bridgecore/bridged/internal/adapter"
	"github.com/bridgecore/bridged/internal/breaker"
	"github.com/bridgecore/bridged/internal/config"
	"github.com/bridgecore/bridged/internal/dedup"
	"github.com/bridgecore/bridged/internal/msgbus"
	"github.com/bridgecore/bridged/internal/queue"
	"github.com/bridgecore/bridged/internal/router"
	"github.com/bridgecore/bridged/internal/topology"
	"github.com/bridgecore/bridged/internal/umf"
)

// webhookServer is implemented by adapters that expose a secondary HTTP
// ingress surface (currently only Stoat). The kernel mounts it under
// /webhooks/<platform> without the adapter contract needing to know about
// net/http at all.
type webhookServer interface {
	ServeWebhook(w http.ResponseWriter, r *http.Request)
}

// Kernel wires every core component together and drives its lifecycle.
// Construct with New, then call Run.
type Kernel struct {
	cfg    *config.Config
	logger *slog.Logger

	bus     *msgbus.Bus
	repo    topology.Repository
	queues  *queue.Manager
	breaker *breaker.Registry
	dedup   *dedup.Filter
	router  *router.Router

	httpServer *http.Server

	adapters []adapter.Adapter
	ready    bool
	readyMu  sync.RWMutex

	dedupSweepDone chan struct{}
	shutdownOnce   sync.Once
}

// New constructs a Kernel from cfg. Nothing is opened or started yet; call
// Run to execute the ordered startup sequence.
func New(cfg *config.Config, logger *slog.Logger) *Kernel {
	if logger == nil {
		logger = slog.Default()
	}
	return &Kernel{cfg: cfg, logger: logger}
}

// Run executes the ordered startup sequence, blocks until ctx is canceled
// (typically by a SIGINT/SIGTERM watcher the caller installs), then runs
// Shutdown. It returns the first startup error, or the joined shutdown
// errors if startup succeeded.
func (k *Kernel) Run(ctx context.Context) error {
	if err := k.start(ctx); err != nil {
		return fmt.Errorf("kernel: startup failed: %w", err)
	}

	<-ctx.Done()
	k.logger.Info("kernel: shutdown signal received")
	return k.Shutdown(context.Background())
}

// start runs config → logger → bus.Connect → repository.Open → queue
// manager → breaker registry → dedup → router → adapter registry
// (Init then Start) → emit system.ready, per the daemon's lifecycle
// ordering.
func (k *Kernel) start(ctx context.Context) error {
	var transport msgbus.Transport
	if k.cfg.RedisURL != "" {
		rt, err := msgbus.NewRedisTransport(k.cfg.RedisURL, "bridge")
		if err != nil {
			return fmt.Errorf("msgbus: %w", err)
		}
		transport = rt
	}

	busOpts := []msgbus.Option{}
	if transport != nil {
		busOpts = append(busOpts, msgbus.WithTransport(transport))
	}
	k.bus = msgbus.New(busOpts...)
	decode := func(event string, raw []byte) (msgbus.Payload, error) {
		return umf.DecodeEnvelope(raw)
	}
	if err := k.bus.Connect(ctx, decode); err != nil {
		return fmt.Errorf("msgbus connect: %w", err)
	}

	repo, err := topology.Open(k.cfg.DBPath)
	if err != nil {
		return fmt.Errorf("topology open: %w", err)
	}
	k.repo = repo

	k.queues = queue.NewManager(k.logger)
	k.breaker = breaker.NewRegistry()
	k.dedup = dedup.New()
	k.router = router.New(k.repo, k.dedup, k.queues, k.logger)

	k.dedupSweepDone = make(chan struct{})
	k.dedup.Run(k.dedupSweepDone, dedup.DefaultSweepInterval)

	k.wireIngress()

	for _, name := range adapter.Registered() {
		if !k.cfg.PlatformEnabled(name) {
			k.logger.Debug("kernel: platform not enabled, skipping", "platform", name)
			continue
		}
		a, ok := adapter.Get(name)
		if !ok {
			continue
		}
		deps := adapter.Context{
			PlatformName: name,
			PluginType:   "adapter",
			Config:       k.cfg.Platform(name),
			Bus:          k.bus,
			Repo:         k.repo,
			Queues:       k.queues,
			Breaker:      k.breaker,
			Logger:       k.logger.With("platform", name),
		}
		if err := a.Init(ctx, deps); err != nil {
			return fmt.Errorf("adapter %s init: %w", name, err)
		}
		if err := a.Start(ctx); err != nil {
			return fmt.Errorf("adapter %s start: %w", name, err)
		}
		k.adapters = append(k.adapters, a)
		k.logger.Info("kernel: adapter started", "platform", name)
	}

	k.startHTTP()

	k.readyMu.Lock()
	k.ready = true
	k.readyMu.Unlock()
	k.bus.Emit(ctx, "system.ready", nil)
	k.logger.Info("kernel: system ready", "node_id", k.cfg.NodeID, "adapters", len(k.adapters))
	return nil
}

// wireIngress subscribes the router to every envelope adapters emit. It's
// split out from start so the handler's closure is easy to find.
func (k *Kernel) wireIngress() {
	if _, err := k.bus.On("message.ingress", func(event string, payload msgbus.Payload) {
		env, ok := payload.(*umf.Envelope)
		if !ok {
			return
		}
		k.router.Route(context.Background(), env)
	}); err != nil {
		k.logger.Error("kernel: failed to subscribe the router to message.ingress", "error", err)
	}
}

// startHTTP serves the stub-level health endpoints plus any adapter
// webhook surfaces, non-blocking.
func (k *Kernel) startHTTP() {
	if k.cfg.Port == 0 {
		return
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if !k.allAdaptersHealthy(r.Context()) {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	for _, a := range k.adapters {
		if ws, ok := a.(webhookServer); ok {
			mux.HandleFunc("/webhooks/"+a.Name(), ws.ServeWebhook)
		}
	}

	k.httpServer = &http.Server{Addr: fmt.Sprintf(":%d", k.cfg.Port), Handler: mux}
	go func() {
		if err := k.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			k.logger.Error("kernel: health http server failed", "error", err)
		}
	}()
}

func (k *Kernel) allAdaptersHealthy(ctx context.Context) bool {
	for _, a := range k.adapters {
		if !a.Health(ctx).Healthy {
			return false
		}
	}
	return true
}

// Ready reports whether startup has completed.
func (k *Kernel) Ready() bool {
	k.readyMu.RLock()
	defer k.readyMu.RUnlock()
	return k.ready
}

// Shutdown reverses startup, attempting every subsystem's Stop/Close
// regardless of earlier failures and joining whatever errors occur. Safe
// to call more than once; only the first call does anything.
func (k *Kernel) Shutdown(ctx context.Context) error {
	var joined error
	k.shutdownOnce.Do(func() {
		shutdownCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()

		if k.bus != nil {
			k.bus.Emit(shutdownCtx, "system.shutdown", nil)
		}

		if k.dedupSweepDone != nil {
			close(k.dedupSweepDone)
		}

		for i := len(k.adapters) - 1; i >= 0; i-- {
			a := k.adapters[i]
			if err := a.Stop(shutdownCtx); err != nil {
				joined = errors.Join(joined, fmt.Errorf("adapter %s stop: %w", a.Name(), err))
			}
		}

		if k.queues != nil {
			k.queues.StopAll()
		}

		if k.httpServer != nil {
			if err := k.httpServer.Shutdown(shutdownCtx); err != nil {
				joined = errors.Join(joined, fmt.Errorf("http server shutdown: %w", err))
			}
		}

		if k.repo != nil {
			if err := k.repo.Close(); err != nil {
				joined = errors.Join(joined, fmt.Errorf("repository close: %w", err))
			}
		}

		if k.bus != nil {
			if err := k.bus.Disconnect(); err != nil {
				joined = errors.Join(joined, fmt.Errorf("bus disconnect: %w", err))
			}
		}

		k.logger.Info("kernel: shutdown complete")
	})
	return joined
}
