package channels

import (
	"context"
	"encoding/base64"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/openclaw/openclaw/internal/bus"
	"github.com/openclaw/openclaw/internal/clawerr"
	"github.com/openclaw/openclaw/internal/config"
	"github.com/openclaw/openclaw/internal/httpx"
)

// SignalChannel talks to a signal-cli REST API sidecar: inbound via
// polling /v1/receive, outbound via /v2/send. Attachments are fetched
// and inlined as base64; anything that cannot be fetched (or exceeds
// the ingress cap) degrades to its URL appended to the message text.
type SignalChannel struct {
	base
	apiBase   string
	account   string
	allowFrom map[string]bool
	client    *httpx.Client

	cancel context.CancelFunc
	done   chan struct{}
}

// NewSignalChannel builds the adapter from a config entry. Account is
// the registered number; api_base points at the signal-cli REST API.
func NewSignalChannel(entry config.ChannelEntry) (Channel, error) {
	if strings.TrimSpace(entry.Account) == "" {
		return nil, clawerr.New(clawerr.KindSerialization, "signal channel requires account")
	}
	apiBase := entry.APIBase
	if apiBase == "" {
		apiBase = "http://127.0.0.1:8080"
	}
	allow := make(map[string]bool, len(entry.AllowFrom))
	for _, id := range entry.AllowFrom {
		allow[id] = true
	}
	return &SignalChannel{
		base:      newBase(entry.Name, "signal"),
		apiBase:   strings.TrimSuffix(apiBase, "/"),
		account:   entry.Account,
		allowFrom: allow,
		client:    httpx.New(httpx.Options{Timeout: 60 * time.Second}),
	}, nil
}

// Start launches the receive poll loop.
func (c *SignalChannel) Start(ctx context.Context) error {
	if c.IsRunning() {
		return nil
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	c.setRunning(true)
	go c.pollLoop(ctx)
	return nil
}

// Stop halts the poll loop.
func (c *SignalChannel) Stop() error {
	if !c.IsRunning() {
		return nil
	}
	c.cancel()
	<-c.done
	c.setRunning(false)
	return nil
}

type signalEnvelope struct {
	Envelope struct {
		Source      string `json:"source"`
		SourceName  string `json:"sourceName"`
		Timestamp   int64  `json:"timestamp"`
		DataMessage *struct {
			Message   string `json:"message"`
			GroupInfo *struct {
				GroupID string `json:"groupId"`
			} `json:"groupInfo"`
			Attachments []struct {
				ID          string `json:"id"`
				ContentType string `json:"contentType"`
				Filename    string `json:"filename"`
				Size        int64  `json:"size"`
			} `json:"attachments"`
		} `json:"dataMessage"`
	} `json:"envelope"`
}

func (c *SignalChannel) pollLoop(ctx context.Context) {
	defer close(c.done)
	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		var envelopes []signalEnvelope
		url := c.apiBase + "/v1/receive/" + c.account + "?timeout=20"
		if err := c.client.GetJSON(ctx, url, &envelopes); err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("signal receive failed", "channel", c.Name(), "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff *= 2; backoff > 10*time.Second {
				backoff = 10 * time.Second
			}
			continue
		}
		backoff = time.Second

		for _, env := range envelopes {
			c.handleEnvelope(env)
		}
	}
}

func (c *SignalChannel) handleEnvelope(env signalEnvelope) {
	dm := env.Envelope.DataMessage
	if dm == nil {
		return
	}
	sender := env.Envelope.Source
	if len(c.allowFrom) > 0 && !c.allowFrom[sender] {
		return
	}
	msg := &bus.IncomingMessage{
		ID:         strconv.FormatInt(env.Envelope.Timestamp, 10),
		Channel:    c.Name(),
		SenderID:   sender,
		SenderName: env.Envelope.SourceName,
		Text:       dm.Message,
		ReceivedAt: time.UnixMilli(env.Envelope.Timestamp),
	}
	if dm.GroupInfo != nil {
		msg.ThreadID = dm.GroupInfo.GroupID
	}
	for _, a := range dm.Attachments {
		msg.Attachments = append(msg.Attachments, bus.Attachment{
			Type:     attachmentTypeFor(a.ContentType, a.Filename),
			URL:      c.apiBase + "/v1/attachments/" + a.ID,
			Filename: a.Filename,
			Size:     a.Size,
		})
	}
	c.deliver(msg)
}

// Send pushes text plus inlined attachments through /v2/send.
func (c *SignalChannel) Send(ctx context.Context, msg *bus.OutgoingMessage) error {
	recipient := msg.RecipientID
	if msg.ThreadID != "" {
		recipient = "group." + strings.TrimPrefix(msg.ThreadID, "group.")
	}

	text := msg.Text
	var inlined []string
	for _, a := range msg.Attachments {
		encoded, err := c.inlineAttachment(ctx, a)
		if err != nil {
			// Degrade to the URL in the message body.
			slog.Warn("signal attachment inline failed, sending URL",
				"channel", c.Name(), "url", a.URL, "error", err)
			if text != "" {
				text += "\n"
			}
			text += a.URL
			continue
		}
		inlined = append(inlined, encoded)
	}

	body := map[string]any{
		"number":     c.account,
		"recipients": []string{recipient},
		"message":    text,
	}
	if len(inlined) > 0 {
		body["base64_attachments"] = inlined
	}
	return c.client.PostJSON(ctx, c.apiBase+"/v2/send", body, nil)
}

// inlineAttachment downloads the media and returns it base64-encoded,
// refusing anything over the ingress cap.
func (c *SignalChannel) inlineAttachment(ctx context.Context, a bus.Attachment) (string, error) {
	if a.Size > bus.MaxAttachmentBytes {
		return "", clawerr.Newf(clawerr.KindIO, "attachment %s exceeds size cap", a.Filename)
	}
	data, err := c.client.Download(ctx, a.URL, bus.MaxAttachmentBytes)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

func init() {
	RegisterFactory("signal", NewSignalChannel)
}
