package channels

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
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

const whatsappAPIBase = "https://graph.facebook.com/v21.0"

// WhatsAppChannel speaks the Meta Cloud API: inbound via webhook,
// outbound via the Graph messages endpoint. The config Account field is
// the phone number id.
type WhatsAppChannel struct {
	base
	phoneNumberID string
	appSecret     string
	verifyToken   string
	allowFrom     map[string]bool
	client        *httpx.Client
	server        *http.Server
	addr          string
}

// NewWhatsAppChannel builds the adapter from a config entry.
func NewWhatsAppChannel(entry config.ChannelEntry) (Channel, error) {
	if strings.TrimSpace(entry.Token) == "" || strings.TrimSpace(entry.Account) == "" {
		return nil, clawerr.New(clawerr.KindSerialization, "whatsapp channel requires token and account (phone number id)")
	}
	addr := entry.WebhookAddr
	if addr == "" {
		addr = ":8788"
	}
	allow := make(map[string]bool, len(entry.AllowFrom))
	for _, id := range entry.AllowFrom {
		allow[id] = true
	}
	return &WhatsAppChannel{
		base:          newBase(entry.Name, "whatsapp"),
		phoneNumberID: entry.Account,
		appSecret:     entry.Secret,
		verifyToken:   entry.Secret,
		allowFrom:     allow,
		addr:          addr,
		client: httpx.New(httpx.Options{
			Timeout: 30 * time.Second,
			DefaultHeaders: map[string]string{
				"Authorization": "Bearer " + entry.Token,
			},
		}),
	}, nil
}

// Start begins serving the webhook endpoint.
func (c *WhatsAppChannel) Start(ctx context.Context) error {
	if c.IsRunning() {
		return nil
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/webhook/whatsapp", c.handleWebhook)
	c.server = &http.Server{Addr: c.addr, Handler: mux}
	c.setRunning(true)
	go func() {
		if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("whatsapp webhook server failed", "channel", c.Name(), "error", err)
		}
	}()
	return nil
}

// Stop shuts the webhook server down.
func (c *WhatsAppChannel) Stop() error {
	if !c.IsRunning() {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := c.server.Shutdown(ctx)
	c.setRunning(false)
	return err
}

func (c *WhatsAppChannel) handleWebhook(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		// Subscription handshake: echo hub.challenge when the verify
		// token matches.
		q := r.URL.Query()
		if q.Get("hub.mode") == "subscribe" && q.Get("hub.verify_token") == c.verifyToken {
			io.WriteString(w, q.Get("hub.challenge"))
			return
		}
		w.WriteHeader(http.StatusForbidden)
	case http.MethodPost:
		c.handleEvent(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// verifySignature checks X-Hub-Signature-256 (sha256= prefixed hex HMAC).
func (c *WhatsAppChannel) verifySignature(body []byte, header string) bool {
	if c.appSecret == "" {
		return true
	}
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	mac := hmac.New(sha256.New, []byte(c.appSecret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(sig))
}

type whatsappEvent struct {
	Entry []struct {
		Changes []struct {
			Value struct {
				Contacts []struct {
					Profile struct {
						Name string `json:"name"`
					} `json:"profile"`
					WaID string `json:"wa_id"`
				} `json:"contacts"`
				Messages []struct {
					ID        string `json:"id"`
					From      string `json:"from"`
					Timestamp string `json:"timestamp"`
					Type      string `json:"type"`
					Text      struct {
						Body string `json:"body"`
					} `json:"text"`
				} `json:"messages"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

func (c *WhatsAppChannel) handleEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if !c.verifySignature(body, r.Header.Get("X-Hub-Signature-256")) {
		slog.Warn("whatsapp webhook signature mismatch", "channel", c.Name())
		w.WriteHeader(http.StatusForbidden)
		return
	}

	var evt whatsappEvent
	if err := json.Unmarshal(body, &evt); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	for _, entry := range evt.Entry {
		for _, change := range entry.Changes {
			names := make(map[string]string)
			for _, contact := range change.Value.Contacts {
				names[contact.WaID] = contact.Profile.Name
			}
			for _, m := range change.Value.Messages {
				if m.Type != "text" {
					continue
				}
				if len(c.allowFrom) > 0 && !c.allowFrom[m.From] {
					continue
				}
				c.deliver(&bus.IncomingMessage{
					ID:         m.ID,
					Channel:    c.Name(),
					SenderID:   m.From,
					SenderName: names[m.From],
					Text:       m.Text.Body,
					ReceivedAt: time.Now(),
				})
			}
		}
	}
	w.WriteHeader(http.StatusOK)
}

// Send posts a text message via the Graph API.
func (c *WhatsAppChannel) Send(ctx context.Context, msg *bus.OutgoingMessage) error {
	url := whatsappAPIBase + "/" + c.phoneNumberID + "/messages"
	if msg.Text != "" {
		err := c.client.PostJSON(ctx, url, map[string]any{
			"messaging_product": "whatsapp",
			"to":                msg.RecipientID,
			"type":              "text",
			"text":              map[string]any{"body": msg.Text},
		}, nil)
		if err != nil {
			return err
		}
	}
	for _, a := range msg.Attachments {
		kind := "document"
		switch a.Type {
		case bus.AttachmentImage:
			kind = "image"
		case bus.AttachmentAudio:
			kind = "audio"
		case bus.AttachmentVideo:
			kind = "video"
		}
		err := c.client.PostJSON(ctx, url, map[string]any{
			"messaging_product": "whatsapp",
			"to":                msg.RecipientID,
			"type":              kind,
			kind:                map[string]any{"link": a.URL},
		}, nil)
		if err != nil {
			return err
		}
	}
	return nil
}

func init() {
	RegisterFactory("whatsapp", NewWhatsAppChannel)
}
