package adapter

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bridgecore/bridged/internal/breaker"
	"github.com/bridgecore/bridged/internal/bridgeerr"
	"github.com/bridgecore/bridged/internal/queue"
	"github.com/bridgecore/bridged/internal/umf"
)

// fakeAdapter records every envelope its ProcessEgress is handed.
type fakeAdapter struct {
	mu     sync.Mutex
	got    []*umf.Envelope
	retErr error
}

func (f *fakeAdapter) Name() string                                 { return "fakeplat" }
func (f *fakeAdapter) Init(ctx context.Context, deps Context) error { return nil }
func (f *fakeAdapter) Start(ctx context.Context) error              { return nil }
func (f *fakeAdapter) Stop(ctx context.Context) error               { return nil }
func (f *fakeAdapter) Health(ctx context.Context) Health            { return Health{Healthy: true} }

func (f *fakeAdapter) ProcessEgress(ctx context.Context, env *umf.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, env)
	return f.retErr
}

func (f *fakeAdapter) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.got)
}

func egressDeps() (Context, *queue.Manager, *breaker.Registry) {
	qm := queue.NewManager(nil)
	br := breaker.NewRegistry()
	return Context{PlatformName: "fakeplat", Queues: qm, Breaker: br}, qm, br
}

func testEnv(t *testing.T) *umf.Envelope {
	t.Helper()
	env, err := umf.CreateEnvelope(umf.CreateParams{
		Source: umf.Source{Platform: "discord", ChannelID: "c1", UserID: "u1"},
		Text:   "hi",
	})
	if err != nil {
		t.Fatalf("create envelope: %v", err)
	}
	env.Head.Dest = &umf.Endpoint{Platform: "fakeplat", ChannelID: "f1"}
	return env
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for condition")
}

func TestRegisterEgress_DeliversValidEnvelopeToAdapter(t *testing.T) {
	deps, qm, _ := egressDeps()
	defer qm.StopAll()
	fa := &fakeAdapter{}
	RegisterEgress(deps, fa, queue.Limit{})

	env := testEnv(t)
	if err := qm.Enqueue(context.Background(), EgressQueueName("fakeplat"), env.Head.ID, env); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	waitFor(t, func() bool { return fa.calls() == 1 })
}

func TestRegisterEgress_RejectsInvalidEnvelopeWithoutCallingAdapter(t *testing.T) {
	deps, qm, _ := egressDeps()
	defer qm.StopAll()
	fa := &fakeAdapter{}
	RegisterEgress(deps, fa, queue.Limit{})

	bad := &umf.Envelope{} // no id, no source
	_ = qm.Enqueue(context.Background(), EgressQueueName("fakeplat"), "bad-job", bad)

	q, _ := qm.Queue(EgressQueueName("fakeplat"))
	waitFor(t, func() bool { return len(q.Failed()) == 1 })

	if fa.calls() != 0 {
		t.Fatal("expected the adapter never to see a schema-invalid envelope")
	}
}

// With the platform breaker open, queued egress jobs are rejected
// preemptively, the rejected counter reflects every attempt, and the
// adapter is never called.
func TestRegisterEgress_OpenBreakerRejectsWithoutCallingAdapter(t *testing.T) {
	deps, qm, br := egressDeps()
	defer qm.StopAll()
	br.Configure("fakeplat_api", breaker.Settings{FailureThreshold: 1, ResetTimeout: time.Hour})

	// Trip the breaker before any traffic.
	cb := br.Get("fakeplat_api")
	_ = cb.Execute(context.Background(), func(ctx context.Context) error { return errors.New("boom") }, nil)
	if cb.State() != breaker.StateOpen {
		t.Fatalf("expected the breaker to be open, got %v", cb.State())
	}

	fa := &fakeAdapter{}
	RegisterEgress(deps, fa, queue.Limit{})

	q, _ := qm.Queue(EgressQueueName("fakeplat"))
	for i := 0; i < 3; i++ {
		env := testEnv(t)
		_ = q.Enqueue(context.Background(), env.Head.ID, env)
	}

	waitFor(t, func() bool { return cb.Counts().Rejected >= 3 })
	if fa.calls() != 0 {
		t.Fatal("expected no adapter call while the circuit is open")
	}
}

func TestRegisterEgress_AdapterErrorSurfacesAsJobFailure(t *testing.T) {
	deps, qm, _ := egressDeps()
	defer qm.StopAll()
	fa := &fakeAdapter{retErr: bridgeerr.New(bridgeerr.KindInvalidEnvelope, errors.New("bad dest"))}
	RegisterEgress(deps, fa, queue.Limit{})

	env := testEnv(t)
	_ = qm.Enqueue(context.Background(), EgressQueueName("fakeplat"), env.Head.ID, env)

	q, _ := qm.Queue(EgressQueueName("fakeplat"))
	waitFor(t, func() bool { return len(q.Failed()) == 1 })
	if fa.calls() != 1 {
		t.Fatalf("expected exactly one adapter call for a non-retryable error, got %d", fa.calls())
	}
}

func TestRegister_AndGet(t *testing.T) {
	Register("fake-adapter-test", func() Adapter { return nil })
	if _, ok := Get("fake-adapter-test"); !ok {
		t.Fatal("expected registered factory to be found")
	}
}

func TestGet_UnknownReportsFalse(t *testing.T) {
	if _, ok := Get("does-not-exist"); ok {
		t.Fatal("expected unknown platform to report not-found")
	}
}

func TestEgressQueueName(t *testing.T) {
	if got := EgressQueueName("discord"); got != "queue_discord_out" {
		t.Fatalf("expected queue_discord_out, got %q", got)
	}
}
