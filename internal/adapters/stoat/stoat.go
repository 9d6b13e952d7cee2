// Package stoat is the Stoat bridge adapter. Stoat has no off-the-shelf Go
// SDK; this adapter speaks a small JSON-over-WebSocket protocol for the
// live connection, with a token-authenticated HTTP webhook as a secondary
// ingress path for events the socket can't carry.
package stoat

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/bridgecore/bridged/internal/adapter"
	"github.com/bridgecore/bridged/internal/bridgeerr"
	"github.com/bridgecore/bridged/internal/queue"
	"github.com/bridgecore/bridged/internal/umf"
)

var egressLimit = queue.Limit{Max: 20, DurationMs: 1000}

const platformName = "stoat"

func init() {
	adapter.Register(platformName, func() adapter.Adapter { return &Adapter{} })
}

// wireFrame is the JSON frame exchanged over the Stoat WebSocket in both
// directions.
type wireFrame struct {
	Type      string `json:"type"`
	ChannelID string `json:"channelId"`
	UserID    string `json:"userId"`
	Username  string `json:"username,omitempty"`
	Text      string `json:"text"`
}

// Adapter implements adapter.Adapter for Stoat.
type Adapter struct {
	deps    adapter.Context
	wsURL   string
	token   string
	limiter *ingressLimiter

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
}

func (a *Adapter) Name() string { return platformName }

func (a *Adapter) Init(ctx context.Context, deps adapter.Context) error {
	a.deps = deps
	a.wsURL = deps.Config["ws_url"]
	a.token = deps.Config["token"]
	if a.wsURL == "" || a.token == "" {
		return bridgeerr.New(bridgeerr.KindFatal, errMissingConfig)
	}
	perMinute, _ := strconv.Atoi(deps.Config["webhook_per_minute"])
	a.limiter = newIngressLimiter(perMinute)

	adapter.RegisterEgress(deps, a, egressLimit)
	return nil
}

func (a *Adapter) Start(ctx context.Context) error {
	a.ctx, a.cancel = context.WithCancel(ctx)
	a.done = make(chan struct{})
	go a.listenLoop()
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}
	a.mu.Lock()
	if a.conn != nil {
		a.conn.Close(websocket.StatusNormalClosure, "shutting down")
		a.conn = nil
	}
	a.connected = false
	a.mu.Unlock()

	if a.done != nil {
		select {
		case <-a.done:
		case <-time.After(5 * time.Second):
		}
	}
	return nil
}

func (a *Adapter) Health(ctx context.Context) adapter.Health {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return adapter.Health{Healthy: false, Detail: "socket not connected"}
	}
	return adapter.Health{Healthy: true}
}

func (a *Adapter) listenLoop() {
	defer close(a.done)
	backoff := time.Second

	for {
		select {
		case <-a.ctx.Done():
			return
		default:
		}

		header := http.Header{"Authorization": []string{"Bearer " + a.token}}
		conn, _, err := websocket.Dial(a.ctx, a.wsURL, &websocket.DialOptions{HTTPHeader: header})
		if err != nil {
			a.logger().Warn("stoat socket dial failed, will retry", "error", err)
			select {
			case <-a.ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}

		backoff = time.Second
		a.mu.Lock()
		a.conn = conn
		a.connected = true
		a.mu.Unlock()
		a.logger().Info("stoat socket connected")

		a.readUntilClosed(conn)

		a.mu.Lock()
		a.conn = nil
		a.connected = false
		a.mu.Unlock()
	}
}

func (a *Adapter) readUntilClosed(conn *websocket.Conn) {
	defer conn.Close(websocket.StatusNormalClosure, "")
	for {
		_, data, err := conn.Read(a.ctx)
		if err != nil {
			a.logger().Warn("stoat socket closed, will reconnect", "error", err)
			return
		}
		a.handleFrame(data)
	}
}

func (a *Adapter) handleFrame(raw []byte) {
	var frame wireFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		a.logger().Warn("invalid stoat frame", "error", err)
		return
	}
	if frame.Type != "message" {
		return
	}
	a.ingest(frame)
}

func (a *Adapter) ingest(frame wireFrame) {
	if frame.UserID == "" || frame.ChannelID == "" {
		return
	}
	env, err := umf.CreateEnvelope(umf.CreateParams{
		Source: umf.Source{
			Platform:  platformName,
			ChannelID: frame.ChannelID,
			UserID:    frame.UserID,
			Username:  frame.Username,
		},
		Text: frame.Text,
	})
	if err != nil {
		a.logger().Warn("stoat: dropping malformed inbound message", "error", err)
		return
	}
	a.deps.Bus.Emit(context.Background(), "message.ingress", env)
}

// ServeWebhook handles Stoat's secondary HTTP event surface, guarded by a
// per-source-address token bucket independent of the WebSocket transport's
// own backpressure.
func (a *Adapter) ServeWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer "+a.token {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if !a.limiter.Allow(r.RemoteAddr) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	var frame wireFrame
	if err := json.Unmarshal(body, &frame); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if frame.Type == "message" {
		a.ingest(frame)
	}
	w.WriteHeader(http.StatusAccepted)
}

// ProcessEgress writes env to the Stoat socket. Stoat has no identity
// masquerade mechanism, so egress name-prefixes like Telegram/WhatsApp.
func (a *Adapter) ProcessEgress(ctx context.Context, env *umf.Envelope) error {
	if env.Head.Dest == nil {
		return bridgeerr.New(bridgeerr.KindInvalidEnvelope, errMissingDest)
	}

	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return bridgeerr.New(bridgeerr.KindTransientNetwork, errNotConnected)
	}

	frame := wireFrame{
		Type:      "message",
		ChannelID: env.Head.Dest.ChannelID,
		Username:  env.Head.Source.Username,
		Text:      nameprefix(env) + env.DegradeToText(),
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return bridgeerr.New(bridgeerr.KindInvalidEnvelope, err)
	}

	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return bridgeerr.New(bridgeerr.KindTransientNetwork, err)
	}
	return nil
}

func nameprefix(env *umf.Envelope) string {
	if env.Head.Source.Username == "" {
		return ""
	}
	return env.Head.Source.Username + ": "
}

func (a *Adapter) logger() *slog.Logger {
	if a.deps.Logger != nil {
		return a.deps.Logger
	}
	return slog.Default()
}

type missingConfigErr struct{}

func (missingConfigErr) Error() string {
	return "stoat: config[\"ws_url\"] and config[\"token\"] are required"
}

var errMissingConfig = missingConfigErr{}

type missingDestErr struct{}

func (missingDestErr) Error() string { return "stoat: envelope has no destination" }

var errMissingDest = missingDestErr{}

type notConnectedErr struct{}

func (notConnectedErr) Error() string { return "stoat: socket not connected" }

var errNotConnected = notConnectedErr{}
