// Package whatsapp is the WhatsApp bridge adapter. It connects to an
// external whatsapp-web.js-style bridge process over a WebSocket and
// exchanges small JSON envelopes with it; this adapter never speaks the
// WhatsApp wire protocol itself.
package whatsapp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bridgecore/bridged/internal/adapter"
	"github.com/bridgecore/bridged/internal/bridgeerr"
	"github.com/bridgecore/bridged/internal/queue"
	"github.com/bridgecore/bridged/internal/umf"
)

// egressLimit is conservative headroom under the bridge process's own
// WhatsApp Web rate limiting, which this adapter has no visibility into.
var egressLimit = queue.Limit{Max: 15, DurationMs: 1000}

const platformName = "whatsapp"

func init() {
	adapter.Register(platformName, func() adapter.Adapter { return &Adapter{} })
}

// wireMessage is the JSON shape exchanged with the bridge process in both
// directions.
type wireMessage struct {
	Type     string `json:"type"`
	From     string `json:"from,omitempty"`
	FromName string `json:"from_name,omitempty"`
	Chat     string `json:"chat,omitempty"`
	To       string `json:"to,omitempty"`
	Content  string `json:"content"`
	ID       string `json:"id,omitempty"`
}

// Adapter implements adapter.Adapter for WhatsApp.
type Adapter struct {
	deps      adapter.Context
	bridgeURL string

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func (a *Adapter) Name() string { return platformName }

func (a *Adapter) Init(ctx context.Context, deps adapter.Context) error {
	a.deps = deps
	a.bridgeURL = deps.Config["bridge_url"]
	if a.bridgeURL == "" {
		return bridgeerr.New(bridgeerr.KindFatal, errMissingBridgeURL)
	}
	adapter.RegisterEgress(deps, a, egressLimit)
	return nil
}

func (a *Adapter) Start(ctx context.Context) error {
	a.ctx, a.cancel = context.WithCancel(ctx)
	a.done = make(chan struct{})

	if err := a.connect(); err != nil {
		a.logger().Warn("initial whatsapp bridge connection failed, will retry", "error", err)
	}

	go a.listenLoop()
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}

	a.mu.Lock()
	if a.conn != nil {
		_ = a.conn.Close()
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
		return adapter.Health{Healthy: false, Detail: "bridge not connected"}
	}
	return adapter.Health{Healthy: true}
}

func (a *Adapter) connect() error {
	dialer := websocket.DefaultDialer
	dialer.HandshakeTimeout = 10 * time.Second

	conn, _, err := dialer.Dial(a.bridgeURL, nil)
	if err != nil {
		return fmt.Errorf("dial whatsapp bridge %s: %w", a.bridgeURL, err)
	}

	a.mu.Lock()
	a.conn = conn
	a.connected = true
	a.mu.Unlock()

	a.logger().Info("whatsapp bridge connected", "url", a.bridgeURL)
	return nil
}

// listenLoop reads from the bridge connection, reconnecting with
// exponential backoff (capped at 30s) whenever the socket drops.
func (a *Adapter) listenLoop() {
	defer close(a.done)
	backoff := time.Second

	for {
		select {
		case <-a.ctx.Done():
			return
		default:
		}

		a.mu.Lock()
		conn := a.conn
		a.mu.Unlock()

		if conn == nil {
			select {
			case <-a.ctx.Done():
				return
			case <-time.After(backoff):
			}
			if err := a.connect(); err != nil {
				a.logger().Warn("whatsapp bridge reconnect failed", "error", err)
				if backoff < 30*time.Second {
					backoff *= 2
				}
				continue
			}
			backoff = time.Second
			continue
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			a.logger().Warn("whatsapp read error, will reconnect", "error", err)
			a.mu.Lock()
			if a.conn != nil {
				_ = a.conn.Close()
				a.conn = nil
			}
			a.connected = false
			a.mu.Unlock()
			continue
		}

		var msg wireMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			a.logger().Warn("invalid whatsapp bridge payload", "error", err)
			continue
		}
		if msg.Type == "message" {
			a.handleIncoming(msg)
		}
	}
}

// handleIncoming normalizes one wire message into an envelope. WhatsApp
// group chat ids carry the "@g.us" suffix; this adapter only cares about
// which channel to route from, not whether it's a group.
func (a *Adapter) handleIncoming(msg wireMessage) {
	if msg.From == "" {
		return
	}
	chatID := msg.Chat
	if chatID == "" {
		chatID = msg.From
	}

	env, err := umf.CreateEnvelope(umf.CreateParams{
		Source: umf.Source{
			Platform:  platformName,
			ChannelID: chatID,
			UserID:    msg.From,
			Username:  msg.FromName,
		},
		Text: msg.Content,
	})
	if err != nil {
		a.logger().Warn("whatsapp: dropping malformed inbound message", "error", err)
		return
	}
	a.deps.Bus.Emit(context.Background(), "message.ingress", env)
}

// ProcessEgress writes env to the bridge socket as an outbound wire
// message, name-prefixed since the bridge's own WhatsApp session always
// sends as one fixed account.
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

	payload, err := json.Marshal(wireMessage{
		Type:    "message",
		To:      env.Head.Dest.ChannelID,
		Content: nameprefix(env) + env.DegradeToText(),
	})
	if err != nil {
		return bridgeerr.New(bridgeerr.KindInvalidEnvelope, err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil {
		return bridgeerr.New(bridgeerr.KindTransientNetwork, errNotConnected)
	}
	if err := a.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return bridgeerr.New(bridgeerr.KindTransientNetwork, err)
	}
	return nil
}

func (a *Adapter) logger() *slog.Logger {
	if a.deps.Logger != nil {
		return a.deps.Logger
	}
	return slog.Default()
}

func nameprefix(env *umf.Envelope) string {
	if env.Head.Source.Username == "" {
		return ""
	}
	return env.Head.Source.Username + ": "
}

type missingBridgeURLErr struct{}

func (missingBridgeURLErr) Error() string { return "whatsapp: config[\"bridge_url\"] is required" }

var errMissingBridgeURL = missingBridgeURLErr{}

type missingDestErr struct{}

func (missingDestErr) Error() string { return "whatsapp: envelope has no destination" }

var errMissingDest = missingDestErr{}

type notConnectedErr struct{}

func (notConnectedErr) Error() string { return "whatsapp: bridge not connected" }

var errNotConnected = notConnectedErr{}
