// Package bus defines the canonical message shapes exchanged between
// channel adapters, the delivery pipeline and the gateway core.
package bus

import (
	"encoding/json"
	"time"
)

// MaxAttachmentBytes is the media download cap enforced at ingress.
const MaxAttachmentBytes = 50 << 20

// Attachment types.
const (
	AttachmentImage = "image"
	AttachmentFile  = "file"
	AttachmentAudio = "audio"
	AttachmentVideo = "video"
)

// Attachment is a piece of media referenced by a message.
type Attachment struct {
	Type     string `json:"type"`
	URL      string `json:"url"`
	Filename string `json:"filename,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// IncomingMessage is a platform message normalized into the core shape.
// Immutable once dispatched.
type IncomingMessage struct {
	ID          string          `json:"id"`
	Channel     string          `json:"channel"`
	SenderID    string          `json:"sender_id"`
	SenderName  string          `json:"sender_name,omitempty"`
	Text        string          `json:"text"`
	Attachments []Attachment    `json:"attachments,omitempty"`
	ReplyTo     string          `json:"reply_to,omitempty"`
	ThreadID    string          `json:"thread_id,omitempty"`
	Raw         json.RawMessage `json:"raw,omitempty"`
	ReceivedAt  time.Time       `json:"received_at"`
}

// OutgoingMessage is a core message bound for a platform. Before-hooks may
// mutate it freely until it is enqueued.
type OutgoingMessage struct {
	Channel     string         `json:"channel"`
	RecipientID string         `json:"recipient_id"`
	Text        string         `json:"text"`
	Attachments []Attachment   `json:"attachments,omitempty"`
	ReplyTo     string         `json:"reply_to,omitempty"`
	ThreadID    string         `json:"thread_id,omitempty"`
	Extra       map[string]any `json:"extra,omitempty"`
}
