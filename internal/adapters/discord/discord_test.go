package discord

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/bridgecore/bridged/internal/adapter"
	"github.com/bridgecore/bridged/internal/bridgeerr"
	"github.com/bridgecore/bridged/internal/msgbus"
	"github.com/bridgecore/bridged/internal/topology"
	"github.com/bridgecore/bridged/internal/umf"
)

func TestInit_MissingTokenIsFatal(t *testing.T) {
	a := &Adapter{}
	err := a.Init(context.Background(), adapter.Context{Config: map[string]string{}})
	if !errors.Is(err, bridgeerr.ErrFatal) {
		t.Fatalf("expected a fatal error for a missing token, got %v", err)
	}
}

func TestHealth_ReportsUnhealthyBeforeStart(t *testing.T) {
	a := &Adapter{}
	if h := a.Health(context.Background()); h.Healthy {
		t.Fatal("expected an adapter that was never started to report unhealthy")
	}
}

func TestHandleMessage_IgnoresOwnAndBotAuthors(t *testing.T) {
	bus := msgbus.New()
	defer bus.Disconnect()
	a := &Adapter{deps: adapter.Context{Bus: bus}, botID: "self-id"}

	fired := make(chan struct{}, 1)
	bus.On("message.ingress", func(event string, payload msgbus.Payload) {
		select {
		case fired <- struct{}{}:
		default:
		}
	})

	a.handleMessage(nil, &discordgo.MessageCreate{Message: &discordgo.Message{
		Author: &discordgo.User{ID: "self-id"}, ChannelID: "c1", Content: "hi",
	}})
	a.handleMessage(nil, &discordgo.MessageCreate{Message: &discordgo.Message{
		Author: &discordgo.User{ID: "other", Bot: true}, ChannelID: "c1", Content: "hi",
	}})

	select {
	case <-fired:
		t.Fatal("expected self and bot authored messages to be dropped")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHandleMessage_NormalizesIntoEnvelope(t *testing.T) {
	bus := msgbus.New()
	defer bus.Disconnect()
	a := &Adapter{deps: adapter.Context{Bus: bus}, botID: "self-id"}

	got := make(chan *umf.Envelope, 1)
	bus.On("message.ingress", func(event string, payload msgbus.Payload) {
		if env, ok := payload.(*umf.Envelope); ok {
			got <- env
		}
	})

	a.handleMessage(nil, &discordgo.MessageCreate{Message: &discordgo.Message{
		Author:    &discordgo.User{ID: "u1", Username: "alice"},
		ChannelID: "c1",
		Content:   "hello bridge",
	}})

	select {
	case env := <-got:
		if env.Head.Source.Platform != platformName {
			t.Fatalf("expected source platform %q, got %q", platformName, env.Head.Source.Platform)
		}
		if env.Head.Source.UserID != "u1" || env.Head.Source.ChannelID != "c1" {
			t.Fatalf("unexpected source: %+v", env.Head.Source)
		}
		if env.Body.Text != "hello bridge" {
			t.Fatalf("expected body text to carry the raw content, got %q", env.Body.Text)
		}
	case <-time.After(time.Second):
		t.Fatal("expected handleMessage to emit an envelope")
	}
}

func TestProcessEgress_RejectsEnvelopeWithoutDest(t *testing.T) {
	a := &Adapter{}
	env := &umf.Envelope{Head: umf.Head{ID: "x"}}
	err := a.ProcessEgress(context.Background(), env)
	if !errors.Is(err, bridgeerr.ErrInvalidEnvelope) {
		t.Fatalf("expected an invalid-envelope error, got %v", err)
	}
}

func TestNameprefix(t *testing.T) {
	env := &umf.Envelope{Head: umf.Head{Source: umf.Source{Username: "bob"}}}
	if got, want := nameprefix(env), "**bob**: "; got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
	if got := nameprefix(&umf.Envelope{}); got != "" {
		t.Fatalf("expected no prefix for an empty username, got %q", got)
	}
}

// kvRepo stubs just the KV half of the repository contract; the embedded
// nil interface panics if anything else is touched, which is the point.
type kvRepo struct {
	topology.Repository
	kv map[string]string
}

func (r *kvRepo) GetKV(ctx context.Context, key string) (string, bool, error) {
	v, ok := r.kv[key]
	return v, ok, nil
}

func (r *kvRepo) SetKV(ctx context.Context, key, value string) error {
	r.kv[key] = value
	return nil
}

func TestWebhookFor_ReusesPersistedCredentials(t *testing.T) {
	repo := &kvRepo{kv: map[string]string{
		webhookKey("c1"): `{"id":"wh-1","token":"tok-1"}`,
	}}
	a := &Adapter{
		deps:     adapter.Context{Repo: repo},
		webhooks: map[string]*discordgo.Webhook{},
	}

	hook, err := a.webhookFor(context.Background(), "c1")
	if err != nil {
		t.Fatalf("webhookFor: %v", err)
	}
	if hook.ID != "wh-1" || hook.Token != "tok-1" {
		t.Fatalf("expected the persisted webhook to be reused, got %+v", hook)
	}
}

func TestResolveDisplayName_PrefersNickThenGlobalNameThenUsername(t *testing.T) {
	m := &discordgo.MessageCreate{Message: &discordgo.Message{
		Author: &discordgo.User{Username: "alice", GlobalName: "Alice G"},
		Member: &discordgo.Member{Nick: "Al"},
	}}
	if got := resolveDisplayName(m); got != "Al" {
		t.Fatalf("expected nickname to win, got %q", got)
	}

	m.Member = nil
	if got := resolveDisplayName(m); got != "Alice G" {
		t.Fatalf("expected global name to win without a nickname, got %q", got)
	}

	m.Author.GlobalName = ""
	if got := resolveDisplayName(m); got != "alice" {
		t.Fatalf("expected username as the final fallback, got %q", got)
	}
}
