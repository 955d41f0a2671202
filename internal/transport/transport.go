// Package transport defines the boundary between the dispatch core and the
// WhatsApp connection: the inbound event shape and the capability handle used
// to reply. The core never touches wire formats beyond the Content fields.
package transport

import (
	"context"
	"time"
)

// Content holds the per-message text candidates the adapter pulled out of the
// envelope. The pipeline collapses them into one canonical body.
type Content struct {
	// Interactive native-flow selection id, highest precedence.
	InteractiveID string
	// Button or template-button reply id.
	ButtonID string
	// List single-select row id.
	ListRowID string
	// Plain conversation text, extended text, or a media caption.
	Text string
	// Replacement text from an edit; overrides Text when set.
	EditedText string
}

// Event is one inbound message.
type Event struct {
	Chat      string // conversation JID
	Sender    string // author JID (same as Chat in direct chats)
	PushName  string
	ID        string // message id, used for quoting and edits
	Timestamp time.Time
	IsFromMe  bool
	Content   Content
}

type Presence string

const (
	PresenceComposing Presence = "composing"
	PresencePaused    Presence = "paused"
)

// Media is an outbound media payload.
type Media struct {
	Data     []byte
	MimeType string
	FileName string
	Caption  string
	// Kind selects the message type: "audio", "image", or "document".
	Kind string
}

// SendOpts tweaks an outbound text message.
type SendOpts struct {
	// QuoteID makes the message a reply to an earlier message.
	QuoteID string
}

// MsgRef identifies a sent message so it can be edited later.
type MsgRef struct {
	ID string
}

// Sender is the reply capability handed to the dispatch core and to command
// handlers. Implementations must be safe for concurrent use.
type Sender interface {
	SendText(ctx context.Context, jid, text string, opts *SendOpts) (MsgRef, error)
	EditText(ctx context.Context, jid, msgID, text string) error
	SendMedia(ctx context.Context, jid string, media Media) error
	SetPresence(ctx context.Context, jid string, state Presence) error
}
