// Package telegram is the Telegram bridge adapter: long-polls the Bot API,
// normalizes incoming messages into envelopes, and delivers outbound
// envelopes back as name-prefixed text (Telegram's Bot API has no per-message
// identity masquerade equivalent to a Discord webhook).
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/bridgecore/bridged/internal/adapter"
	"github.com/bridgecore/bridged/internal/bridgeerr"
	"github.com/bridgecore/bridged/internal/queue"
	"github.com/bridgecore/bridged/internal/umf"
)

// egressLimit matches Telegram's documented ~30 messages/second cap across
// all chats, kept conservative per-bot.
var egressLimit = queue.Limit{Max: 25, DurationMs: 1000}

const platformName = "telegram"

func init() {
	adapter.Register(platformName, func() adapter.Adapter { return &Adapter{} })
}

// Adapter implements adapter.Adapter for Telegram.
type Adapter struct {
	deps adapter.Context
	bot  *telego.Bot

	pollCancel context.CancelFunc
	pollDone   chan struct{}
	running    bool
}

func (a *Adapter) Name() string { return platformName }

func (a *Adapter) Init(ctx context.Context, deps adapter.Context) error {
	a.deps = deps
	token := deps.Config["token"]
	if token == "" {
		return bridgeerr.New(bridgeerr.KindFatal, errMissingToken)
	}

	bot, err := telego.NewBot(token)
	if err != nil {
		return bridgeerr.New(bridgeerr.KindFatal, fmt.Errorf("create telegram bot: %w", err))
	}
	a.bot = bot

	adapter.RegisterEgress(deps, a, egressLimit)
	return nil
}

func (a *Adapter) Start(ctx context.Context) error {
	pollCtx, cancel := context.WithCancel(ctx)
	a.pollCancel = cancel
	a.pollDone = make(chan struct{})

	updates, err := a.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		return bridgeerr.New(bridgeerr.KindFatal, fmt.Errorf("start telegram long polling: %w", err))
	}

	a.running = true
	a.logger().Info("telegram adapter connected", "username", a.bot.Username())

	go func() {
		defer close(a.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				if update.Message != nil {
					a.handleMessage(update.Message)
				}
			}
		}
	}()

	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.running = false
	if a.pollCancel != nil {
		a.pollCancel()
	}
	if a.pollDone != nil {
		select {
		case <-a.pollDone:
		case <-time.After(10 * time.Second):
			a.logger().Warn("telegram polling goroutine did not exit within timeout")
		}
	}
	return nil
}

func (a *Adapter) Health(ctx context.Context) adapter.Health {
	if !a.running {
		return adapter.Health{Healthy: false, Detail: "not started"}
	}
	return adapter.Health{Healthy: true}
}

// handleMessage normalizes one Telegram update into an envelope and emits it
// on message.ingress. Service messages (no sender, no text, no attachment)
// are dropped rather than bridged as noise.
func (a *Adapter) handleMessage(m *telego.Message) {
	if m.From == nil || m.From.IsBot {
		return
	}
	chatID := strconv.FormatInt(m.Chat.ID, 10)

	var attachments []umf.Attachment
	if p := largestPhoto(m); p != nil {
		attachments = append(attachments, umf.Attachment{ID: p.FileID, Size: int64(p.FileSize)})
	}
	if m.Document != nil {
		attachments = append(attachments, umf.Attachment{
			ID: m.Document.FileID, Name: m.Document.FileName, MimeType: m.Document.MimeType, Size: int64(m.Document.FileSize),
		})
	}

	text := m.Text
	if text == "" {
		text = m.Caption
	}
	if text == "" && len(attachments) == 0 {
		return
	}

	env, err := umf.CreateEnvelope(umf.CreateParams{
		Source: umf.Source{
			Platform:  platformName,
			ChannelID: chatID,
			UserID:    strconv.FormatInt(m.From.ID, 10),
			Username:  displayName(m),
		},
		Text:        text,
		Attachments: attachments,
	})
	if err != nil {
		a.logger().Warn("telegram: dropping malformed inbound message", "error", err)
		return
	}

	a.deps.Bus.Emit(context.Background(), "message.ingress", env)
}

// ProcessEgress sends env to its destination chat. Telegram bot messages
// always carry the bot's own identity, so the sender's name is prefixed onto
// the text instead of masqueraded.
func (a *Adapter) ProcessEgress(ctx context.Context, env *umf.Envelope) error {
	if env.Head.Dest == nil {
		return bridgeerr.New(bridgeerr.KindInvalidEnvelope, errMissingDest)
	}
	chatID, err := strconv.ParseInt(env.Head.Dest.ChannelID, 10, 64)
	if err != nil {
		return bridgeerr.New(bridgeerr.KindInvalidEnvelope, fmt.Errorf("telegram: invalid chat id %q: %w", env.Head.Dest.ChannelID, err))
	}

	msg := tu.Message(tu.ID(chatID), nameprefix(env)+env.DegradeToText())
	if _, err := a.bot.SendMessage(ctx, msg); err != nil {
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

func displayName(m *telego.Message) string {
	if m.From.Username != "" {
		return m.From.Username
	}
	name := m.From.FirstName
	if m.From.LastName != "" {
		name = strings.TrimSpace(name + " " + m.From.LastName)
	}
	return name
}

func largestPhoto(m *telego.Message) *telego.PhotoSize {
	if len(m.Photo) == 0 {
		return nil
	}
	best := &m.Photo[0]
	for i := range m.Photo {
		if m.Photo[i].FileSize > best.FileSize {
			best = &m.Photo[i]
		}
	}
	return best
}

func (a *Adapter) logger() *slog.Logger {
	if a.deps.Logger != nil {
		return a.deps.Logger
	}
	return slog.Default()
}

type missingTokenErr struct{}

func (missingTokenErr) Error() string { return "telegram: config[\"token\"] is required" }

var errMissingToken = missingTokenErr{}

type missingDestErr struct{}

func (missingDestErr) Error() string { return "telegram: envelope has no destination" }

var errMissingDest = missingDestErr{}
