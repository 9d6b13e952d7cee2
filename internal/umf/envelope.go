// Package umf implements the Unified Message Format: the canonical envelope
// the bridge core passes between ingress, the router, and egress. Adapters
// translate their native wire format into an Envelope and back; the core
// never interprets platform-specific payloads directly.
package umf

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bridgecore/bridged/internal/bridgeerr"
)

// Type enumerates the kinds of content an envelope can carry.
type Type string

const (
	TypeText    Type = "text"
	TypeImage   Type = "image"
	TypeVideo   Type = "video"
	TypeAudio   Type = "audio"
	TypeFile    Type = "file"
	TypeSticker Type = "sticker"
	TypeSystem  Type = "system"
)

// Endpoint identifies a single channel on a single platform.
type Endpoint struct {
	Platform  string `json:"platform"`
	ChannelID string `json:"channelId"`
}

// Token returns the "platform:channelId" form used in trace_path.
func (e Endpoint) Token() string {
	return e.Platform + ":" + e.ChannelID
}

// Source identifies the sender of an inbound message on its origin platform.
type Source struct {
	Platform  string `json:"platform"`
	ChannelID string `json:"channelId"`
	UserID    string `json:"userId"`
	Username  string `json:"username,omitempty"`
	Avatar    string `json:"avatar,omitempty"`
}

// Endpoint projects Source down to the platform/channel pair used for
// trace-path and topology lookups.
func (s Source) Endpoint() Endpoint {
	return Endpoint{Platform: s.Platform, ChannelID: s.ChannelID}
}

// ReplyTo references the message an envelope is replying to, if any.
type ReplyTo struct {
	ParentID   string `json:"parentId"`
	ParentText string `json:"parentText,omitempty"`
}

// Head carries routing and identity metadata. Immutable once the envelope
// is emitted onto the bus, except TracePath, which the router extends with
// a fresh slice per outbound clone (see router.Clone).
type Head struct {
	ID            string    `json:"id"`
	CorrelationID string    `json:"correlationId"`
	Timestamp     int64     `json:"timestamp"` // ms since epoch
	Type          Type      `json:"type"`
	Source        Source    `json:"source"`
	Dest          *Endpoint `json:"dest,omitempty"`
	ReplyTo       *ReplyTo  `json:"replyTo,omitempty"`
	TracePath     []string  `json:"trace_path"`
}

// Rich is an optional structured preview block (link card, embed, etc.).
type Rich struct {
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	URL         string `json:"url,omitempty"`
}

// Attachment describes one ordered piece of media on the envelope body.
// Every field has a stable zero-value default so downstream code never
// dereferences a missing attachment field.
type Attachment struct {
	ID        string `json:"id"`
	URL       string `json:"url"`
	Type      Type   `json:"type"`
	MimeType  string `json:"mimeType"`
	Size      int64  `json:"size"`
	Name      string `json:"name"`
	LocalPath string `json:"localPath,omitempty"`
}

// Body carries the message content.
type Body struct {
	Text        string       `json:"text"`
	Raw         string       `json:"raw"`
	Rich        *Rich        `json:"rich,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Envelope is the canonical normalized message passed between adapters and
// the core. It is a plain value type: cloning for fan-out is a struct copy
// plus a fresh TracePath slice (see router.Clone), never a serialize
// round-trip.
type Envelope struct {
	Head Head `json:"head"`
	Body Body `json:"body"`
}

// CreateParams are the inputs to CreateEnvelope. Callers only need to supply
// what they know; everything else gets a stable default.
type CreateParams struct {
	CorrelationID string
	Type          Type
	Source        Source
	ReplyTo       *ReplyTo
	Text          string
	Rich          *Rich
	Attachments   []Attachment
}

// CreateEnvelope builds a new ingress Envelope, assigning an id, defaulting
// CorrelationID to the new id when the caller didn't supply an upstream one,
// and initializing TracePath to [source]. Returns bridgeerr.ErrInvalidEnvelope
// when source.Platform or source.ChannelID is empty.
func CreateEnvelope(p CreateParams) (*Envelope, error) {
	platform := strings.ToLower(strings.TrimSpace(p.Source.Platform))
	channelID := strings.ToLower(strings.TrimSpace(p.Source.ChannelID))
	if platform == "" || channelID == "" {
		return nil, bridgeerr.New(bridgeerr.KindInvalidEnvelope, errInvalidSource)
	}
	p.Source.Platform = platform
	p.Source.ChannelID = channelID

	id := uuid.New().String()
	correlationID := p.CorrelationID
	if correlationID == "" {
		correlationID = id
	}

	typ := p.Type
	if typ == "" {
		typ = TypeText
	}

	attachments := make([]Attachment, len(p.Attachments))
	for i, a := range p.Attachments {
		attachments[i] = sanitizeAttachment(a)
	}

	env := &Envelope{
		Head: Head{
			ID:            id,
			CorrelationID: correlationID,
			Timestamp:     time.Now().UnixMilli(),
			Type:          typ,
			Source:        p.Source,
			ReplyTo:       p.ReplyTo,
			TracePath:     []string{p.Source.Endpoint().Token()},
		},
		Body: Body{
			Text:        p.Text,
			Raw:         p.Text,
			Rich:        p.Rich,
			Attachments: attachments,
		},
	}
	return env, nil
}

// sanitizeAttachment fills in stable defaults for a partially-populated
// attachment so downstream consumers never see zero-value surprises beyond
// empty strings/zero sizes.
func sanitizeAttachment(a Attachment) Attachment {
	if a.Type == "" {
		a.Type = TypeFile
	}
	if a.Name == "" {
		a.Name = a.ID
	}
	return a
}

var errInvalidSource = invalidSourceErr{}

type invalidSourceErr struct{}

func (invalidSourceErr) Error() string { return "source.platform and source.channelId are required" }

// ValidateEnvelope reports whether env satisfies the bus's schema invariant:
// non-empty source, non-empty head.id, and a trace_path slice (possibly
// empty, but never nil).
func ValidateEnvelope(env *Envelope) bool {
	if env == nil {
		return false
	}
	if env.Head.ID == "" {
		return false
	}
	if env.Head.Source.Platform == "" || env.Head.Source.ChannelID == "" {
		return false
	}
	if env.Head.TracePath == nil {
		return false
	}
	return true
}

// DegradeToText renders env down to a plain-text representation for
// platforms with no rich-card or attachment support. Degradation rules,
// applied in order: the rich block's title (as *title*), description, and
// URL (prefixed "Enlace: "), then one "[Adjunto]: name: url" line per
// attachment.
func DegradeToText(env *Envelope) string {
	var b strings.Builder
	b.WriteString(env.Body.Text)

	if r := env.Body.Rich; r != nil {
		if r.Title != "" {
			b.WriteString("\n*")
			b.WriteString(r.Title)
			b.WriteString("*\n")
		}
		if r.Description != "" {
			b.WriteString(r.Description)
			b.WriteString("\n")
		}
		if r.URL != "" {
			b.WriteString("Enlace: ")
			b.WriteString(r.URL)
		}
	}

	for _, a := range env.Body.Attachments {
		b.WriteString("\n\n[Adjunto]: ")
		b.WriteString(a.Name)
		b.WriteString(": ")
		b.WriteString(a.URL)
	}

	return b.String()
}

// DegradeToText is the method form for ergonomic call sites.
func (e *Envelope) DegradeToText() string { return DegradeToText(e) }

// CorrelationID and SetCorrelationID satisfy msgbus.Correlator, letting the
// bus enrich an envelope that somehow reaches Emit without one already set
// (CreateEnvelope always sets one, so this is a backstop, not the common
// path).
func (e *Envelope) CorrelationID() string      { return e.Head.CorrelationID }
func (e *Envelope) SetCorrelationID(id string) { e.Head.CorrelationID = id }

// EncodeMsgbus satisfies msgbus.Encodable, letting the bus publish an
// envelope onto the distributed transport without depending on the wire
// format itself.
func (e *Envelope) EncodeMsgbus() ([]byte, error) { return json.Marshal(e) }

// DecodeEnvelope reverses EncodeMsgbus, for the distributed transport's
// receive side.
func DecodeEnvelope(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}
	return &env, nil
}
