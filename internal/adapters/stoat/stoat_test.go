package stoat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/bridgecore/bridged/internal/adapter"
	"github.com/bridgecore/bridged/internal/bridgeerr"
	"github.com/bridgecore/bridged/internal/msgbus"
	"github.com/bridgecore/bridged/internal/umf"
)

func TestInit_MissingConfigIsFatal(t *testing.T) {
	a := &Adapter{}
	err := a.Init(context.Background(), adapter.Context{Config: map[string]string{}})
	if !errors.Is(err, bridgeerr.ErrFatal) {
		t.Fatalf("expected a fatal error for missing config, got %v", err)
	}
}

func TestHealth_ReportsUnhealthyBeforeConnect(t *testing.T) {
	a := &Adapter{}
	if h := a.Health(context.Background()); h.Healthy {
		t.Fatal("expected an adapter with no socket to report unhealthy")
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

func TestProcessEgress_RejectsWhenDisconnected(t *testing.T) {
	a := &Adapter{}
	env := &umf.Envelope{Head: umf.Head{ID: "x", Dest: &umf.Endpoint{Platform: "stoat", ChannelID: "c1"}}}
	err := a.ProcessEgress(context.Background(), env)
	if !errors.Is(err, bridgeerr.ErrTransientNetwork) {
		t.Fatalf("expected a transient network error when disconnected, got %v", err)
	}
}

func TestListenLoop_ConnectsAndNormalizesIncomingFrame(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		_ = conn.Write(r.Context(), websocket.MessageText,
			[]byte(`{"type":"message","channelId":"c1","userId":"u1","username":"alice","text":"hi"}`))
		<-r.Context().Done()
	}))
	defer srv.Close()

	bus := msgbus.New()
	defer bus.Disconnect()
	got := make(chan *umf.Envelope, 1)
	bus.On("message.ingress", func(event string, payload msgbus.Payload) {
		if env, ok := payload.(*umf.Envelope); ok {
			got <- env
		}
	})

	a := &Adapter{deps: adapter.Context{Bus: bus}, token: "secret"}
	a.wsURL = "ws" + strings.TrimPrefix(srv.URL, "http")
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer a.Stop(context.Background())

	select {
	case env := <-got:
		if env.Head.Source.ChannelID != "c1" || env.Head.Source.UserID != "u1" {
			t.Fatalf("unexpected source: %+v", env.Head.Source)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected the adapter to connect and normalize a frame from the real socket")
	}
}

func TestServeWebhook_RejectsWrongToken(t *testing.T) {
	a := &Adapter{token: "secret", limiter: newIngressLimiter(0)}
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader("{}"))
	req.Header.Set("Authorization", "Bearer wrong")
	w := httptest.NewRecorder()
	a.ServeWebhook(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestServeWebhook_IngestsValidFrame(t *testing.T) {
	bus := msgbus.New()
	defer bus.Disconnect()
	a := &Adapter{token: "secret", limiter: newIngressLimiter(0), deps: adapter.Context{Bus: bus}}

	got := make(chan *umf.Envelope, 1)
	bus.On("message.ingress", func(event string, payload msgbus.Payload) {
		if env, ok := payload.(*umf.Envelope); ok {
			got <- env
		}
	})

	body, _ := json.Marshal(wireFrame{Type: "message", ChannelID: "c1", UserID: "u1", Text: "hi"})
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(string(body)))
	req.Header.Set("Authorization", "Bearer secret")
	w := httptest.NewRecorder()
	a.ServeWebhook(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", w.Code)
	}
	select {
	case env := <-got:
		if env.Head.Source.ChannelID != "c1" {
			t.Fatalf("unexpected source: %+v", env.Head.Source)
		}
	case <-time.After(time.Second):
		t.Fatal("expected the webhook to emit an envelope")
	}
}

func TestServeWebhook_EnforcesRateLimit(t *testing.T) {
	a := &Adapter{token: "secret", limiter: newIngressLimiter(0), deps: adapter.Context{Bus: msgbus.New()}}

	for i := 0; i < defaultWebhookPerMinute; i++ {
		req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader("{}"))
		req.Header.Set("Authorization", "Bearer secret")
		req.RemoteAddr = "203.0.113.1:1234"
		w := httptest.NewRecorder()
		a.ServeWebhook(w, req)
	}

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader("{}"))
	req.Header.Set("Authorization", "Bearer secret")
	req.RemoteAddr = "203.0.113.1:1234"
	w := httptest.NewRecorder()
	a.ServeWebhook(w, req)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after exceeding the window limit, got %d", w.Code)
	}
}

func TestIngressLimiter_SourcesAreIsolated(t *testing.T) {
	l := newIngressLimiter(1)
	if !l.Allow("198.51.100.1:1000") {
		t.Fatal("expected the first request from a source to be allowed")
	}
	if l.Allow("198.51.100.1:1000") {
		t.Fatal("expected the source's budget of 1 to be spent")
	}
	if !l.Allow("198.51.100.2:1000") {
		t.Fatal("expected a different source to have its own budget")
	}
}

func TestNameprefix(t *testing.T) {
	env := &umf.Envelope{Head: umf.Head{Source: umf.Source{Username: "bob"}}}
	if got, want := nameprefix(env), "bob: "; got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}
