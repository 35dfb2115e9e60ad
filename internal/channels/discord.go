package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/openclaw/openclaw/internal/bus"
	"github.com/openclaw/openclaw/internal/clawerr"
	"github.com/openclaw/openclaw/internal/config"
	"github.com/openclaw/openclaw/internal/httpx"
	"github.com/openclaw/openclaw/internal/version"
)

const (
	discordAPIBase   = "https://discord.com/api/v10"
	discordGatewayWS = "wss://gateway.discord.gg/?v=10&encoding=json"

	discordIntents = 1<<9 | 1<<12 | 1<<15 // guild messages, DMs, message content
)

// Gateway opcodes.
const (
	opDispatch       = 0
	opHeartbeat      = 1
	opIdentify       = 2
	opResume         = 6
	opReconnect      = 7
	opInvalidSession = 9
	opHello          = 10
	opHeartbeatAck   = 11
)

// DiscordChannel is a gateway (websocket) bot client. Outbound messages
// go through the REST API.
type DiscordChannel struct {
	base
	token       string
	allowFrom   map[string]bool
	routingMode string
	client      *httpx.Client

	mu        sync.Mutex
	conn      *websocket.Conn
	sessionID string
	seq       int64
	botUserID string

	cancel context.CancelFunc
	done   chan struct{}
}

// NewDiscordChannel builds the adapter from a config entry.
func NewDiscordChannel(entry config.ChannelEntry) (Channel, error) {
	if strings.TrimSpace(entry.Token) == "" {
		return nil, clawerr.New(clawerr.KindSerialization, "discord channel requires token")
	}
	allow := make(map[string]bool, len(entry.AllowFrom))
	for _, id := range entry.AllowFrom {
		allow[id] = true
	}
	mode := entry.RoutingMode
	if mode == "" {
		mode = "auto"
	}
	return &DiscordChannel{
		base:        newBase(entry.Name, "discord"),
		token:       entry.Token,
		allowFrom:   allow,
		routingMode: mode,
		client: httpx.New(httpx.Options{
			Timeout: 30 * time.Second,
			DefaultHeaders: map[string]string{
				"Authorization": "Bot " + entry.Token,
				"User-Agent":    "openclaw/" + version.Version,
			},
		}),
	}, nil
}

// Start opens the gateway connection and keeps it alive.
func (c *DiscordChannel) Start(ctx context.Context) error {
	if c.IsRunning() {
		return nil
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	c.setRunning(true)
	go c.runLoop(ctx)
	return nil
}

// Stop tears down the gateway connection.
func (c *DiscordChannel) Stop() error {
	if !c.IsRunning() {
		return nil
	}
	c.cancel()
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.mu.Unlock()
	<-c.done
	c.setRunning(false)
	return nil
}

// runLoop connects, processes events, and reconnects with exponential
// backoff capped at 10s.
func (c *DiscordChannel) runLoop(ctx context.Context) {
	defer close(c.done)
	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		err := c.session(ctx)
		if ctx.Err() != nil {
			return
		}
		slog.Warn("discord gateway session ended", "channel", c.Name(), "error", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > 10*time.Second {
			backoff = 10 * time.Second
		}
	}
}

type gatewayPayload struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d"`
	S  int64           `json:"s"`
	T  string          `json:"t"`
}

func (c *DiscordChannel) session(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, discordGatewayWS, nil)
	if err != nil {
		return clawerr.Wrap(clawerr.KindConnectionFailed, "dial discord gateway", err)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer conn.Close()

	// First frame must be HELLO with the heartbeat interval.
	var hello gatewayPayload
	if err := conn.ReadJSON(&hello); err != nil {
		return clawerr.Wrap(clawerr.KindProtocol, "read gateway hello", err)
	}
	if hello.Op != opHello {
		return clawerr.Newf(clawerr.KindProtocol, "expected hello, got op %d", hello.Op)
	}
	var helloData struct {
		HeartbeatInterval int `json:"heartbeat_interval"`
	}
	if err := json.Unmarshal(hello.D, &helloData); err != nil {
		return clawerr.Wrap(clawerr.KindSerialization, "decode gateway hello", err)
	}

	if c.sessionID != "" {
		err = c.writeJSON(conn, map[string]any{
			"op": opResume,
			"d": map[string]any{
				"token":      c.token,
				"session_id": c.sessionID,
				"seq":        c.seq,
			},
		})
	} else {
		err = c.writeJSON(conn, map[string]any{
			"op": opIdentify,
			"d": map[string]any{
				"token":   c.token,
				"intents": discordIntents,
				"properties": map[string]any{
					"os":      "linux",
					"browser": "openclaw",
					"device":  "openclaw",
				},
			},
		})
	}
	if err != nil {
		return err
	}

	hbCtx, stopHB := context.WithCancel(ctx)
	defer stopHB()
	go c.heartbeat(hbCtx, conn, time.Duration(helloData.HeartbeatInterval)*time.Millisecond)

	for {
		var payload gatewayPayload
		if err := conn.ReadJSON(&payload); err != nil {
			return clawerr.Wrap(clawerr.KindConnectionFailed, "read gateway frame", err)
		}
		if payload.S != 0 {
			c.mu.Lock()
			c.seq = payload.S
			c.mu.Unlock()
		}
		switch payload.Op {
		case opDispatch:
			c.handleDispatch(payload.T, payload.D)
		case opHeartbeat:
			c.mu.Lock()
			seq := c.seq
			c.mu.Unlock()
			if err := c.writeJSON(conn, map[string]any{"op": opHeartbeat, "d": seq}); err != nil {
				return err
			}
		case opReconnect:
			return clawerr.New(clawerr.KindConnectionFailed, "gateway requested reconnect")
		case opInvalidSession:
			c.mu.Lock()
			c.sessionID = ""
			c.seq = 0
			c.mu.Unlock()
			return clawerr.New(clawerr.KindConnectionFailed, "gateway invalidated session")
		case opHeartbeatAck:
		}
	}
}

func (c *DiscordChannel) writeJSON(conn *websocket.Conn, v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := conn.WriteJSON(v); err != nil {
		return clawerr.Wrap(clawerr.KindConnectionFailed, "write gateway frame", err)
	}
	return nil
}

func (c *DiscordChannel) heartbeat(ctx context.Context, conn *websocket.Conn, interval time.Duration) {
	if interval <= 0 {
		interval = 41250 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			seq := c.seq
			c.mu.Unlock()
			if err := c.writeJSON(conn, map[string]any{"op": opHeartbeat, "d": seq}); err != nil {
				return
			}
		}
	}
}

type discordMessage struct {
	ID        string `json:"id"`
	ChannelID string `json:"channel_id"`
	Content   string `json:"content"`
	Author    struct {
		ID       string `json:"id"`
		Username string `json:"username"`
		Bot      bool   `json:"bot"`
	} `json:"author"`
	Attachments []struct {
		URL         string `json:"url"`
		Filename    string `json:"filename"`
		Size        int64  `json:"size"`
		ContentType string `json:"content_type"`
	} `json:"attachments"`
	MessageReference *struct {
		MessageID string `json:"message_id"`
	} `json:"message_reference"`
	Thread *struct {
		ID string `json:"id"`
	} `json:"thread"`
}

func (c *DiscordChannel) handleDispatch(event string, data json.RawMessage) {
	switch event {
	case "READY":
		var ready struct {
			SessionID string `json:"session_id"`
			User      struct {
				ID string `json:"id"`
			} `json:"user"`
		}
		if err := json.Unmarshal(data, &ready); err != nil {
			return
		}
		c.mu.Lock()
		c.sessionID = ready.SessionID
		c.botUserID = ready.User.ID
		c.mu.Unlock()
		slog.Info("discord gateway ready", "channel", c.Name())
	case "RESUMED":
		slog.Info("discord gateway resumed", "channel", c.Name())
	case "MESSAGE_CREATE":
		var m discordMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return
		}
		c.handleMessage(m, data)
	}
}

func (c *DiscordChannel) handleMessage(m discordMessage, raw json.RawMessage) {
	if m.Author.Bot || m.Author.ID == c.botUserID {
		return
	}
	if len(c.allowFrom) > 0 && !c.allowFrom[m.Author.ID] && !c.allowFrom[m.Author.Username] {
		return
	}
	msg := &bus.IncomingMessage{
		ID:         m.ID,
		Channel:    c.Name(),
		SenderID:   m.Author.ID,
		SenderName: m.Author.Username,
		Text:       m.Content,
		Raw:        raw,
		ReceivedAt: time.Now(),
	}
	// RecipientID round-trips through Extra on the reply path; the
	// channel id is what Send needs.
	msg.ThreadID = m.ChannelID
	if m.Thread != nil {
		msg.ThreadID = m.Thread.ID
	}
	if m.MessageReference != nil {
		msg.ReplyTo = m.MessageReference.MessageID
	}
	for _, a := range m.Attachments {
		if a.Size > bus.MaxAttachmentBytes {
			slog.Warn("discord attachment over size cap, passing URL only",
				"channel", c.Name(), "filename", a.Filename, "size", a.Size)
		}
		msg.Attachments = append(msg.Attachments, bus.Attachment{
			Type:     attachmentTypeFor(a.ContentType, a.Filename),
			URL:      a.URL,
			Filename: a.Filename,
			Size:     a.Size,
		})
	}
	c.deliver(msg)
}

// Send posts via the REST API. The routing mode decides whether replies
// land in the originating thread or the parent channel.
func (c *DiscordChannel) Send(ctx context.Context, msg *bus.OutgoingMessage) error {
	target := msg.RecipientID
	switch c.routingMode {
	case "thread":
		if msg.ThreadID != "" {
			target = msg.ThreadID
		}
	case "channel":
		// Always the parent channel.
	default: // auto
		if msg.ThreadID != "" {
			target = msg.ThreadID
		}
	}
	if target == "" {
		return clawerr.New(clawerr.KindChannel, "discord send requires a recipient")
	}

	body := map[string]any{"content": msg.Text}
	if msg.ReplyTo != "" {
		body["message_reference"] = map[string]any{"message_id": msg.ReplyTo}
	}
	if len(msg.Attachments) > 0 {
		var lines []string
		for _, a := range msg.Attachments {
			lines = append(lines, a.URL)
		}
		if msg.Text != "" {
			body["content"] = msg.Text + "\n" + strings.Join(lines, "\n")
		} else {
			body["content"] = strings.Join(lines, "\n")
		}
	}
	url := fmt.Sprintf("%s/channels/%s/messages", discordAPIBase, target)
	return c.client.PostJSON(ctx, url, body, nil)
}

// attachmentTypeFor maps a MIME type (or filename extension fallback)
// to the bus attachment type.
func attachmentTypeFor(contentType, filename string) string {
	switch {
	case strings.HasPrefix(contentType, "image/"):
		return bus.AttachmentImage
	case strings.HasPrefix(contentType, "audio/"):
		return bus.AttachmentAudio
	case strings.HasPrefix(contentType, "video/"):
		return bus.AttachmentVideo
	}
	ext := strings.ToLower(filename)
	switch {
	case strings.HasSuffix(ext, ".png"), strings.HasSuffix(ext, ".jpg"),
		strings.HasSuffix(ext, ".jpeg"), strings.HasSuffix(ext, ".gif"),
		strings.HasSuffix(ext, ".webp"):
		return bus.AttachmentImage
	case strings.HasSuffix(ext, ".mp3"), strings.HasSuffix(ext, ".m4a"),
		strings.HasSuffix(ext, ".ogg"), strings.HasSuffix(ext, ".oga"),
		strings.HasSuffix(ext, ".opus"), strings.HasSuffix(ext, ".wav"):
		return bus.AttachmentAudio
	case strings.HasSuffix(ext, ".mp4"), strings.HasSuffix(ext, ".mov"),
		strings.HasSuffix(ext, ".webm"):
		return bus.AttachmentVideo
	}
	return bus.AttachmentFile
}

func init() {
	RegisterFactory("discord", NewDiscordChannel)
}
