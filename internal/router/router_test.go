package router

import (
	"context"
	"testing"

	"github.com/bridgecore/bridged/internal/topology"
	"github.com/bridgecore/bridged/internal/umf"
)

type fakeRepo struct {
	links   map[string]*topology.Link
	topo    map[string][]topology.ChannelLink
	topoErr error
	linkErr error
}

func (f *fakeRepo) GetChannelLink(ctx context.Context, platform, nativeID string) (*topology.Link, error) {
	if f.linkErr != nil {
		return nil, f.linkErr
	}
	return f.links[platform+":"+nativeID], nil
}

func (f *fakeRepo) GetBridgeTopology(ctx context.Context, bridgeID string) []topology.ChannelLink {
	if f.topoErr != nil {
		return []topology.ChannelLink{}
	}
	return f.topo[bridgeID]
}

func (f *fakeRepo) CreateBridge(ctx context.Context, name string) (string, error) { return "", nil }
func (f *fakeRepo) UpdateBridgeStatus(ctx context.Context, bridgeID string, status topology.Status) error {
	return nil
}
func (f *fakeRepo) GetBridge(ctx context.Context, bridgeID string) (*topology.Bridge, error) {
	return nil, nil
}
func (f *fakeRepo) ListBridges(ctx context.Context) ([]topology.Bridge, error) { return nil, nil }
func (f *fakeRepo) LinkChannelToBridge(ctx context.Context, link topology.ChannelLink) error {
	return nil
}
func (f *fakeRepo) UnlinkChannel(ctx context.Context, platform, nativeID string) error { return nil }
func (f *fakeRepo) GetKV(ctx context.Context, key string) (string, bool, error)        { return "", false, nil }
func (f *fakeRepo) SetKV(ctx context.Context, key, value string) error                { return nil }
func (f *fakeRepo) DeleteKV(ctx context.Context, key string) error                     { return nil }
func (f *fakeRepo) Close() error                                                       { return nil }

type fakeDedup struct {
	seen map[string]bool
}

func (d *fakeDedup) Seen(fp string) bool {
	if d.seen[fp] {
		return true
	}
	if d.seen == nil {
		d.seen = map[string]bool{}
	}
	d.seen[fp] = true
	return false
}

type enqueued struct {
	queue string
	jobID string
	env   *umf.Envelope
}

type fakeQueue struct {
	jobs   []enqueued
	failOn string // queueName to fail enqueue for, to exercise per-target error tolerance
}

func (q *fakeQueue) Enqueue(ctx context.Context, queueName, jobID string, env *umf.Envelope) error {
	if queueName == q.failOn {
		return errFakeEnqueue
	}
	q.jobs = append(q.jobs, enqueued{queue: queueName, jobID: jobID, env: env})
	return nil
}

type fakeEnqueueErr struct{}

func (fakeEnqueueErr) Error() string { return "enqueue failed" }

var errFakeEnqueue = fakeEnqueueErr{}

func newEnv(t *testing.T, platform, channelID string) *umf.Envelope {
	t.Helper()
	env, err := umf.CreateEnvelope(umf.CreateParams{
		Source: umf.Source{Platform: platform, ChannelID: channelID, UserID: "u1"},
		Text:   "hello",
	})
	if err != nil {
		t.Fatalf("create envelope: %v", err)
	}
	return env
}

// A message on one bridged channel is enqueued for every other channel in
// the same bridge, never for itself.
func TestRoute_FansOutToAllOtherBridgedChannels(t *testing.T) {
	repo := &fakeRepo{
		links: map[string]*topology.Link{
			"discord:c1": {BridgeID: "b1", Status: topology.StatusOn},
		},
		topo: map[string][]topology.ChannelLink{
			"b1": {
				{Platform: "discord", NativeID: "c1"},
				{Platform: "telegram", NativeID: "t1"},
				{Platform: "whatsapp", NativeID: "w1"},
			},
		},
	}
	q := &fakeQueue{}
	r := New(repo, &fakeDedup{}, q, nil)

	env := newEnv(t, "discord", "c1")
	r.Route(context.Background(), env)

	if len(q.jobs) != 2 {
		t.Fatalf("expected 2 enqueued jobs (split horizon excludes source), got %d: %+v", len(q.jobs), q.jobs)
	}
	for _, j := range q.jobs {
		if j.queue == "queue_discord_out" {
			t.Fatal("expected source channel to be excluded by split horizon")
		}
	}
}

func TestRoute_UnbridgedChannelDropsSilently(t *testing.T) {
	repo := &fakeRepo{links: map[string]*topology.Link{}}
	q := &fakeQueue{}
	r := New(repo, &fakeDedup{}, q, nil)

	r.Route(context.Background(), newEnv(t, "discord", "c1"))

	if len(q.jobs) != 0 {
		t.Fatalf("expected no jobs for an unbridged channel, got %+v", q.jobs)
	}
}

func TestRoute_PausedBridgeDrops(t *testing.T) {
	repo := &fakeRepo{
		links: map[string]*topology.Link{
			"discord:c1": {BridgeID: "b1", Status: topology.StatusPaused},
		},
		topo: map[string][]topology.ChannelLink{
			"b1": {{Platform: "telegram", NativeID: "t1"}},
		},
	}
	q := &fakeQueue{}
	r := New(repo, &fakeDedup{}, q, nil)

	r.Route(context.Background(), newEnv(t, "discord", "c1"))

	if len(q.jobs) != 0 {
		t.Fatalf("expected no jobs while bridge is paused, got %+v", q.jobs)
	}
}

func TestRoute_TracePathLoopGuardSkipsAlreadyVisited(t *testing.T) {
	repo := &fakeRepo{
		links: map[string]*topology.Link{
			"discord:c1": {BridgeID: "b1", Status: topology.StatusOn},
		},
		topo: map[string][]topology.ChannelLink{
			"b1": {
				{Platform: "discord", NativeID: "c1"},
				{Platform: "telegram", NativeID: "t1"},
			},
		},
	}
	q := &fakeQueue{}
	r := New(repo, &fakeDedup{}, q, nil)

	env := newEnv(t, "discord", "c1")
	env.Head.TracePath = append(env.Head.TracePath, "telegram:t1") // already visited upstream
	r.Route(context.Background(), env)

	if len(q.jobs) != 0 {
		t.Fatalf("expected trace-path loop guard to skip the already-visited target, got %+v", q.jobs)
	}
}

func TestRoute_DuplicateEnvelopeIsSuppressed(t *testing.T) {
	repo := &fakeRepo{
		links: map[string]*topology.Link{
			"discord:c1": {BridgeID: "b1", Status: topology.StatusOn},
		},
		topo: map[string][]topology.ChannelLink{
			"b1": {{Platform: "telegram", NativeID: "t1"}},
		},
	}
	q := &fakeQueue{}
	d := &fakeDedup{}
	r := New(repo, d, q, nil)

	env1 := newEnv(t, "discord", "c1")
	env1.Body.Text = "same text"
	r.Route(context.Background(), env1)

	env2 := newEnv(t, "discord", "c1")
	env2.Body.Text = "same text"
	r.Route(context.Background(), env2)

	if len(q.jobs) != 1 {
		t.Fatalf("expected the second, duplicate envelope to be suppressed, got %d jobs", len(q.jobs))
	}
}

func TestRoute_RepositoryErrorDropsWithoutPanic(t *testing.T) {
	repo := &fakeRepo{linkErr: errFakeEnqueue}
	q := &fakeQueue{}
	r := New(repo, &fakeDedup{}, q, nil)

	r.Route(context.Background(), newEnv(t, "discord", "c1"))

	if len(q.jobs) != 0 {
		t.Fatalf("expected no jobs when the repository errors, got %+v", q.jobs)
	}
}

func TestRoute_PerTargetEnqueueFailureDoesNotAbortFanOut(t *testing.T) {
	repo := &fakeRepo{
		links: map[string]*topology.Link{
			"discord:c1": {BridgeID: "b1", Status: topology.StatusOn},
		},
		topo: map[string][]topology.ChannelLink{
			"b1": {
				{Platform: "telegram", NativeID: "t1"},
				{Platform: "whatsapp", NativeID: "w1"},
			},
		},
	}
	q := &fakeQueue{failOn: "queue_telegram_out"}
	r := New(repo, &fakeDedup{}, q, nil)

	r.Route(context.Background(), newEnv(t, "discord", "c1"))

	if len(q.jobs) != 1 || q.jobs[0].queue != "queue_whatsapp_out" {
		t.Fatalf("expected whatsapp target to still be enqueued despite telegram failing, got %+v", q.jobs)
	}
}

func TestClone_DoesNotShareTracePathBackingArray(t *testing.T) {
	env := newEnv(t, "discord", "c1")
	c1 := Clone(env, umf.Endpoint{Platform: "telegram", ChannelID: "t1"}, "telegram:t1")
	c2 := Clone(env, umf.Endpoint{Platform: "whatsapp", ChannelID: "w1"}, "whatsapp:w1")

	c1.Head.TracePath[0] = "mutated"
	if c2.Head.TracePath[0] == "mutated" {
		t.Fatal("expected clones to have independent trace_path backing arrays")
	}
	if env.Head.TracePath[0] == "mutated" {
		t.Fatal("expected original envelope's trace_path to be unaffected by a clone mutation")
	}
}

func TestClone_SetsDestAndAppendsTargetID(t *testing.T) {
	env := newEnv(t, "discord", "c1")
	out := Clone(env, umf.Endpoint{Platform: "telegram", ChannelID: "t1"}, "telegram:t1")

	if out.Head.Dest == nil || out.Head.Dest.Platform != "telegram" || out.Head.Dest.ChannelID != "t1" {
		t.Fatalf("expected dest to be set, got %+v", out.Head.Dest)
	}
	last := out.Head.TracePath[len(out.Head.TracePath)-1]
	if last != "telegram:t1" {
		t.Fatalf("expected trace_path to end with the target id, got %v", out.Head.TracePath)
	}
}
