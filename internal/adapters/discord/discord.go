// Package discord is the Discord bridge adapter: it normalizes gateway
// message-create events into envelopes, emits them on message.ingress, and
// delivers outbound envelopes back via a per-channel webhook so relayed
// messages appear under the originating user's name and avatar instead of
// the bot's.
package discord

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/bridgecore/bridged/internal/adapter"
	"github.com/bridgecore/bridged/internal/bridgeerr"
	"github.com/bridgecore/bridged/internal/queue"
	"github.com/bridgecore/bridged/internal/umf"
)

// egressLimit is Discord's own REST rate limit guidance: roughly 50
// requests/second per channel is safe headroom under the global bucket.
var egressLimit = queue.Limit{Max: 50, DurationMs: 1000}

const platformName = "discord"

func init() {
	adapter.Register(platformName, func() adapter.Adapter { return &Adapter{} })
}

// Adapter implements adapter.Adapter for Discord.
type Adapter struct {
	deps    adapter.Context
	session *discordgo.Session
	botID   string

	mu       sync.Mutex
	webhooks map[string]*discordgo.Webhook // channelID -> masquerade webhook
	running  bool
}

func (a *Adapter) Name() string { return platformName }

func (a *Adapter) Init(ctx context.Context, deps adapter.Context) error {
	a.deps = deps
	a.webhooks = make(map[string]*discordgo.Webhook)

	token := deps.Config["token"]
	if token == "" {
		return bridgeerr.New(bridgeerr.KindFatal, errMissingToken)
	}

	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return bridgeerr.New(bridgeerr.KindFatal, fmt.Errorf("create discord session: %w", err))
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent
	session.AddHandler(a.handleMessage)
	a.session = session

	adapter.RegisterEgress(deps, a, egressLimit)
	return nil
}

func (a *Adapter) Start(ctx context.Context) error {
	if err := a.session.Open(); err != nil {
		return bridgeerr.New(bridgeerr.KindFatal, fmt.Errorf("open discord session: %w", err))
	}
	user, err := a.session.User("@me")
	if err != nil {
		a.session.Close()
		return bridgeerr.New(bridgeerr.KindFatal, fmt.Errorf("fetch discord identity: %w", err))
	}
	a.botID = user.ID

	a.mu.Lock()
	a.running = true
	a.mu.Unlock()

	a.logger().Info("discord adapter connected", "username", user.Username, "id", user.ID)
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	a.running = false
	a.mu.Unlock()
	return a.session.Close()
}

func (a *Adapter) Health(ctx context.Context) adapter.Health {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.running {
		return adapter.Health{Healthy: false, Detail: "not started"}
	}
	return adapter.Health{Healthy: true}
}

// handleMessage normalizes one Discord gateway event into an envelope and
// emits it on message.ingress, never trusting it further than validation.
func (a *Adapter) handleMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == a.botID || m.Author.Bot {
		return
	}

	content := m.Content
	var attachments []umf.Attachment
	for _, att := range m.Attachments {
		attachments = append(attachments, umf.Attachment{
			ID: att.ID, URL: att.URL, Name: att.Filename, MimeType: att.ContentType, Size: int64(att.Size),
		})
	}

	env, err := umf.CreateEnvelope(umf.CreateParams{
		Source: umf.Source{
			Platform:  platformName,
			ChannelID: m.ChannelID,
			UserID:    m.Author.ID,
			Username:  resolveDisplayName(m),
			Avatar:    m.Author.AvatarURL(""),
		},
		Text:        content,
		Attachments: attachments,
	})
	if err != nil {
		a.logger().Warn("discord: dropping malformed inbound message", "error", err)
		return
	}

	a.deps.Bus.Emit(context.Background(), "message.ingress", env)
}

// ProcessEgress delivers env to its destination channel via a masquerade
// webhook so the message appears under the original sender's name/avatar.
// Falls back to a name-prefixed bot message if no webhook can be created
// (missing Manage Webhooks permission).
func (a *Adapter) ProcessEgress(ctx context.Context, env *umf.Envelope) error {
	if env.Head.Dest == nil {
		return bridgeerr.New(bridgeerr.KindInvalidEnvelope, errMissingDest)
	}
	channelID := env.Head.Dest.ChannelID
	text := env.DegradeToText()

	hook, err := a.webhookFor(ctx, channelID)
	if err != nil || hook == nil {
		_, sendErr := a.session.ChannelMessageSend(channelID, nameprefix(env)+text)
		if sendErr != nil {
			return classifyErr(sendErr)
		}
		return nil
	}

	_, err = a.session.WebhookExecute(hook.ID, hook.Token, false, &discordgo.WebhookParams{
		Content:   text,
		Username:  env.Head.Source.Username,
		AvatarURL: env.Head.Source.Avatar,
	})
	if err != nil {
		return classifyErr(err)
	}
	return nil
}

// storedWebhook is the KV-persisted form of a masquerade webhook, so a
// restart doesn't re-create one webhook per channel per process lifetime.
type storedWebhook struct {
	ID    string `json:"id"`
	Token string `json:"token"`
}

func webhookKey(channelID string) string { return "discord:webhook:" + channelID }

func (a *Adapter) webhookFor(ctx context.Context, channelID string) (*discordgo.Webhook, error) {
	a.mu.Lock()
	if hook, ok := a.webhooks[channelID]; ok {
		a.mu.Unlock()
		return hook, nil
	}
	a.mu.Unlock()

	if a.deps.Repo != nil {
		if raw, ok, err := a.deps.Repo.GetKV(ctx, webhookKey(channelID)); err == nil && ok {
			var stored storedWebhook
			if json.Unmarshal([]byte(raw), &stored) == nil && stored.ID != "" {
				hook := &discordgo.Webhook{ID: stored.ID, Token: stored.Token}
				a.mu.Lock()
				a.webhooks[channelID] = hook
				a.mu.Unlock()
				return hook, nil
			}
		}
	}

	hook, err := a.session.WebhookCreate(channelID, "bridge", "")
	if err != nil {
		return nil, err
	}
	if a.deps.Repo != nil {
		raw, _ := json.Marshal(storedWebhook{ID: hook.ID, Token: hook.Token})
		if err := a.deps.Repo.SetKV(ctx, webhookKey(channelID), string(raw)); err != nil {
			a.logger().Warn("discord: failed to persist webhook credentials", "channel", channelID, "error", err)
		}
	}
	a.mu.Lock()
	a.webhooks[channelID] = hook
	a.mu.Unlock()
	return hook, nil
}

func nameprefix(env *umf.Envelope) string {
	if env.Head.Source.Username == "" {
		return ""
	}
	return "**" + env.Head.Source.Username + "**: "
}

func classifyErr(err error) error {
	if err == nil {
		return nil
	}
	return bridgeerr.New(bridgeerr.KindTransientNetwork, err)
}

func resolveDisplayName(m *discordgo.MessageCreate) string {
	if m.Member != nil && m.Member.Nick != "" {
		return m.Member.Nick
	}
	if m.Author.GlobalName != "" {
		return m.Author.GlobalName
	}
	return m.Author.Username
}

func (a *Adapter) logger() *slog.Logger {
	if a.deps.Logger != nil {
		return a.deps.Logger
	}
	return slog.Default()
}

type missingTokenErr struct{}

func (missingTokenErr) Error() string { return "discord: config[\"token\"] is required" }

var errMissingToken = missingTokenErr{}

type missingDestErr struct{}

func (missingDestErr) Error() string { return "discord: envelope has no destination" }

var errMissingDest = missingDestErr{}
