package channels

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/openclaw/openclaw/internal/bus"
	"github.com/openclaw/openclaw/internal/clawerr"
	"github.com/openclaw/openclaw/internal/config"
	"github.com/openclaw/openclaw/internal/httpx"
)

const lineAPIBase = "https://api.line.me/v2/bot"

// LineChannel receives events on a webhook endpoint and pushes replies
// through the Messaging API.
type LineChannel struct {
	base
	secret    string
	allowFrom map[string]bool
	client    *httpx.Client
	server    *http.Server
	addr      string
}

// NewLineChannel builds the adapter from a config entry. Token is the
// channel access token; secret signs inbound webhooks.
func NewLineChannel(entry config.ChannelEntry) (Channel, error) {
	if strings.TrimSpace(entry.Token) == "" || strings.TrimSpace(entry.Secret) == "" {
		return nil, clawerr.New(clawerr.KindSerialization, "line channel requires token and secret")
	}
	addr := entry.WebhookAddr
	if addr == "" {
		addr = ":8787"
	}
	allow := make(map[string]bool, len(entry.AllowFrom))
	for _, id := range entry.AllowFrom {
		allow[id] = true
	}
	return &LineChannel{
		base:      newBase(entry.Name, "line"),
		secret:    entry.Secret,
		allowFrom: allow,
		addr:      addr,
		client: httpx.New(httpx.Options{
			Timeout: 30 * time.Second,
			DefaultHeaders: map[string]string{
				"Authorization": "Bearer " + entry.Token,
			},
		}),
	}, nil
}

// Start begins serving the webhook endpoint.
func (c *LineChannel) Start(ctx context.Context) error {
	if c.IsRunning() {
		return nil
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/webhook/line", c.handleWebhook)
	c.server = &http.Server{Addr: c.addr, Handler: mux}
	c.setRunning(true)
	go func() {
		if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("line webhook server failed", "channel", c.Name(), "error", err)
		}
	}()
	return nil
}

// Stop shuts the webhook server down.
func (c *LineChannel) Stop() error {
	if !c.IsRunning() {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := c.server.Shutdown(ctx)
	c.setRunning(false)
	return err
}

// verifySignature checks the X-Line-Signature HMAC over the raw body.
func (c *LineChannel) verifySignature(body []byte, signature string) bool {
	mac := hmac.New(sha256.New, []byte(c.secret))
	mac.Write(body)
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

type lineWebhookBody struct {
	Events []struct {
		Type       string `json:"type"`
		Timestamp  int64  `json:"timestamp"`
		ReplyToken string `json:"replyToken"`
		Source     struct {
			Type    string `json:"type"`
			UserID  string `json:"userId"`
			GroupID string `json:"groupId"`
		} `json:"source"`
		Message struct {
			ID   string `json:"id"`
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"message"`
	} `json:"events"`
}

func (c *LineChannel) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if !c.verifySignature(body, r.Header.Get("X-Line-Signature")) {
		slog.Warn("line webhook signature mismatch", "channel", c.Name())
		w.WriteHeader(http.StatusForbidden)
		return
	}

	var payload lineWebhookBody
	if err := json.Unmarshal(body, &payload); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	for _, evt := range payload.Events {
		if evt.Type != "message" || evt.Message.Type != "text" {
			continue
		}
		sender := evt.Source.UserID
		if len(c.allowFrom) > 0 && !c.allowFrom[sender] {
			continue
		}
		recipient := sender
		if evt.Source.GroupID != "" {
			recipient = evt.Source.GroupID
		}
		c.deliver(&bus.IncomingMessage{
			ID:         evt.Message.ID,
			Channel:    c.Name(),
			SenderID:   sender,
			Text:       evt.Message.Text,
			ReplyTo:    recipient,
			ReceivedAt: time.UnixMilli(evt.Timestamp),
		})
	}
	w.WriteHeader(http.StatusOK)
}

// Send pushes a message to a user or group id.
func (c *LineChannel) Send(ctx context.Context, msg *bus.OutgoingMessage) error {
	var messages []map[string]any
	if msg.Text != "" {
		messages = append(messages, map[string]any{"type": "text", "text": msg.Text})
	}
	for _, a := range msg.Attachments {
		switch a.Type {
		case bus.AttachmentImage:
			messages = append(messages, map[string]any{
				"type":               "image",
				"originalContentUrl": a.URL,
				"previewImageUrl":    a.URL,
			})
		default:
			messages = append(messages, map[string]any{"type": "text", "text": a.URL})
		}
	}
	if len(messages) == 0 {
		return nil
	}
	return c.client.PostJSON(ctx, lineAPIBase+"/message/push", map[string]any{
		"to":       msg.RecipientID,
		"messages": messages,
	}, nil)
}

func init() {
	RegisterFactory("line", NewLineChannel)
}
