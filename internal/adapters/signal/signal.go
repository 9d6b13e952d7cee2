// Package signal is the Signal bridge adapter. Signal has no official Go
// SDK; this adapter speaks to a signal-cli REST/WebSocket sidecar the same
// way the rest of the daemon speaks to any non-bot, always-on socket
// service: receive over a WebSocket, send over a small HTTP JSON API.
package signal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/bridgecore/bridged/internal/adapter"
	"github.com/bridgecore/bridged/internal/bridgeerr"
	"github.com/bridgecore/bridged/internal/queue"
	"github.com/bridgecore/bridged/internal/umf"
)

// egressLimit is conservative headroom for the signal-cli sidecar, which
// itself rate limits against Signal's servers.
var egressLimit = queue.Limit{Max: 10, DurationMs: 1000}

const platformName = "signal"

func init() {
	adapter.Register(platformName, func() adapter.Adapter { return &Adapter{} })
}

// receiveEnvelope mirrors signal-cli's JSON-RPC receive shape closely
// enough to extract what the bridge needs; unused fields are dropped on
// decode rather than modeled.
type receiveEnvelope struct {
	Envelope struct {
		Source      string `json:"source"`
		SourceName  string `json:"sourceName"`
		Timestamp   int64  `json:"timestamp"`
		DataMessage *struct {
			Message   string `json:"message"`
			GroupInfo *struct {
				GroupID string `json:"groupId"`
			} `json:"groupInfo"`
		} `json:"dataMessage"`
	} `json:"envelope"`
}

// sendRequest is the body signal-cli-rest-api's /v2/send expects.
type sendRequest struct {
	Message    string   `json:"message"`
	Number     string   `json:"number"`
	Recipients []string `json:"recipients"`
}

// Adapter implements adapter.Adapter for Signal.
type Adapter struct {
	deps       adapter.Context
	number     string // the bot's own registered Signal number
	receiveURL string // ws(s)://.../v1/receive/{number}
	sendURL    string // http(s)://.../v2/send
	httpClient *http.Client

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	connected bool
}

func (a *Adapter) Name() string { return platformName }

func (a *Adapter) Init(ctx context.Context, deps adapter.Context) error {
	a.deps = deps
	a.number = deps.Config["number"]
	baseURL := strings.TrimRight(deps.Config["api_url"], "/")
	if a.number == "" || baseURL == "" {
		return bridgeerr.New(bridgeerr.KindFatal, errMissingConfig)
	}
	a.receiveURL = toWS(baseURL) + "/v1/receive/" + a.number
	a.sendURL = baseURL + "/v2/send"
	a.httpClient = &http.Client{Timeout: 10 * time.Second}

	adapter.RegisterEgress(deps, a, egressLimit)
	return nil
}

func toWS(httpURL string) string {
	if strings.HasPrefix(httpURL, "https://") {
		return "wss://" + strings.TrimPrefix(httpURL, "https://")
	}
	return "ws://" + strings.TrimPrefix(httpURL, "http://")
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
		return adapter.Health{Healthy: false, Detail: "receive socket not connected"}
	}
	return adapter.Health{Healthy: true}
}

// listenLoop maintains the receive WebSocket, reconnecting with backoff
// capped at 30s, identical in shape to the WhatsApp bridge's reconnect
// loop since both wrap a non-bot always-on socket service.
func (a *Adapter) listenLoop() {
	defer close(a.done)
	backoff := time.Second

	for {
		select {
		case <-a.ctx.Done():
			return
		default:
		}

		conn, _, err := websocket.Dial(a.ctx, a.receiveURL, nil)
		if err != nil {
			a.logger().Warn("signal receive socket dial failed, will retry", "error", err)
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
		a.connected = true
		a.mu.Unlock()
		a.logger().Info("signal receive socket connected", "number", a.number)

		a.readUntilClosed(conn)

		a.mu.Lock()
		a.connected = false
		a.mu.Unlock()
	}
}

func (a *Adapter) readUntilClosed(conn *websocket.Conn) {
	defer conn.Close(websocket.StatusNormalClosure, "")
	for {
		_, data, err := conn.Read(a.ctx)
		if err != nil {
			a.logger().Warn("signal receive socket closed, will reconnect", "error", err)
			return
		}
		a.handleReceive(data)
	}
}

func (a *Adapter) handleReceive(raw []byte) {
	var msg receiveEnvelope
	if err := json.Unmarshal(raw, &msg); err != nil {
		a.logger().Warn("invalid signal receive payload", "error", err)
		return
	}
	if msg.Envelope.DataMessage == nil || msg.Envelope.Source == "" {
		return
	}

	channelID := msg.Envelope.Source
	if msg.Envelope.DataMessage.GroupInfo != nil {
		channelID = msg.Envelope.DataMessage.GroupInfo.GroupID
	}

	env, err := umf.CreateEnvelope(umf.CreateParams{
		Source: umf.Source{
			Platform:  platformName,
			ChannelID: channelID,
			UserID:    msg.Envelope.Source,
			Username:  msg.Envelope.SourceName,
		},
		Text: msg.Envelope.DataMessage.Message,
	})
	if err != nil {
		a.logger().Warn("signal: dropping malformed inbound message", "error", err)
		return
	}
	a.deps.Bus.Emit(context.Background(), "message.ingress", env)
}

// ProcessEgress posts env to signal-cli's send API. Signal has no identity
// masquerade mechanism at all, so every outbound message carries the bot
// number's identity with the sender's name prefixed onto the text.
func (a *Adapter) ProcessEgress(ctx context.Context, env *umf.Envelope) error {
	if env.Head.Dest == nil {
		return bridgeerr.New(bridgeerr.KindInvalidEnvelope, errMissingDest)
	}

	body, err := json.Marshal(sendRequest{
		Message:    nameprefix(env) + env.DegradeToText(),
		Number:     a.number,
		Recipients: []string{env.Head.Dest.ChannelID},
	})
	if err != nil {
		return bridgeerr.New(bridgeerr.KindInvalidEnvelope, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.sendURL, bytes.NewReader(body))
	if err != nil {
		return bridgeerr.New(bridgeerr.KindFatal, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return bridgeerr.New(bridgeerr.KindTransientNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return bridgeerr.New(bridgeerr.KindTransientNetwork, statusErr(resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		detail, _ := io.ReadAll(resp.Body)
		return bridgeerr.New(bridgeerr.KindInvalidEnvelope, fmt.Errorf("signal send rejected (%d): %s", resp.StatusCode, detail))
	}
	return nil
}

func statusErr(code int) error { return fmt.Errorf("signal send api returned status %d", code) }

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
	return "signal: config[\"number\"] and config[\"api_url\"] are required"
}

var errMissingConfig = missingConfigErr{}

type missingDestErr struct{}

func (missingDestErr) Error() string { return "signal: envelope has no destination" }

var errMissingDest = missingDestErr{}
