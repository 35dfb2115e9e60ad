package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/openclaw/openclaw/internal/bus"
	"github.com/openclaw/openclaw/internal/clawerr"
	"github.com/openclaw/openclaw/internal/config"
	"github.com/openclaw/openclaw/internal/httpx"
)

// MaxMenuCommands is the Telegram bot-command menu cap.
const MaxMenuCommands = 100

var menuCommandRe = regexp.MustCompile(`^[a-z0-9_]{1,32}$`)

// voiceExtensions route audio attachments to the voice endpoint.
var voiceExtensions = map[string]bool{
	".mp3": true, ".m4a": true, ".ogg": true, ".oga": true, ".opus": true,
}

// MenuCommand is one bot-menu entry.
type MenuCommand struct {
	Command     string `json:"command"`
	Description string `json:"description"`
}

// BuildCappedMenuCommands normalizes a command list for the Telegram
// menu: invalid names are dropped, duplicates collapse to the first
// occurrence, and the result is capped at 100 entries.
func BuildCappedMenuCommands(cmds []MenuCommand) []MenuCommand {
	seen := make(map[string]bool)
	var out []MenuCommand
	for _, c := range cmds {
		name := strings.TrimPrefix(strings.TrimSpace(c.Command), "/")
		if !menuCommandRe.MatchString(name) || seen[name] {
			continue
		}
		seen[name] = true
		c.Command = name
		out = append(out, c)
		if len(out) == MaxMenuCommands {
			break
		}
	}
	return out
}

// TelegramChannel long-polls the Bot API for updates.
type TelegramChannel struct {
	base
	token     string
	apiBase   string
	allowFrom map[string]bool
	client    *httpx.Client

	cancel context.CancelFunc
	done   chan struct{}
}

// NewTelegramChannel builds the adapter from a config entry.
func NewTelegramChannel(entry config.ChannelEntry) (Channel, error) {
	if strings.TrimSpace(entry.Token) == "" {
		return nil, clawerr.New(clawerr.KindSerialization, "telegram channel requires token")
	}
	apiBase := entry.APIBase
	if apiBase == "" {
		apiBase = "https://api.telegram.org"
	}
	allow := make(map[string]bool, len(entry.AllowFrom))
	for _, id := range entry.AllowFrom {
		allow[id] = true
	}
	return &TelegramChannel{
		base:      newBase(entry.Name, "telegram"),
		token:     entry.Token,
		apiBase:   strings.TrimSuffix(apiBase, "/"),
		allowFrom: allow,
		client:    httpx.New(httpx.Options{Timeout: 70 * time.Second}),
	}, nil
}

func (c *TelegramChannel) url(method string) string {
	return c.apiBase + "/bot" + c.token + "/" + method
}

// Start launches the long-poll loop.
func (c *TelegramChannel) Start(ctx context.Context) error {
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
func (c *TelegramChannel) Stop() error {
	if !c.IsRunning() {
		return nil
	}
	c.cancel()
	<-c.done
	c.setRunning(false)
	return nil
}

type telegramUpdate struct {
	UpdateID int64 `json:"update_id"`
	Message  *struct {
		MessageID int64 `json:"message_id"`
		From      struct {
			ID       int64  `json:"id"`
			IsBot    bool   `json:"is_bot"`
			Username string `json:"username"`
		} `json:"from"`
		Chat struct {
			ID int64 `json:"id"`
		} `json:"chat"`
		Text            string `json:"text"`
		Caption         string `json:"caption"`
		MessageThreadID int64  `json:"message_thread_id"`
		ReplyToMessage  *struct {
			MessageID int64 `json:"message_id"`
		} `json:"reply_to_message"`
	} `json:"message"`
}

func (c *TelegramChannel) pollLoop(ctx context.Context) {
	defer close(c.done)
	var offset int64
	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		var resp struct {
			OK     bool             `json:"ok"`
			Result []telegramUpdate `json:"result"`
		}
		url := fmt.Sprintf("%s?timeout=60&offset=%d", c.url("getUpdates"), offset)
		if err := c.client.GetJSON(ctx, url, &resp); err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("telegram poll failed", "channel", c.Name(), "error", err)
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

		for _, upd := range resp.Result {
			offset = upd.UpdateID + 1
			c.handleUpdate(upd)
		}
	}
}

func (c *TelegramChannel) handleUpdate(upd telegramUpdate) {
	m := upd.Message
	if m == nil || m.From.IsBot {
		return
	}
	sender := strconv.FormatInt(m.From.ID, 10)
	if len(c.allowFrom) > 0 && !c.allowFrom[sender] && !c.allowFrom[m.From.Username] {
		return
	}
	text := m.Text
	if text == "" {
		text = m.Caption
	}
	msg := &bus.IncomingMessage{
		ID:         strconv.FormatInt(m.MessageID, 10),
		Channel:    c.Name(),
		SenderID:   sender,
		SenderName: m.From.Username,
		Text:       text,
		ReceivedAt: time.Now(),
	}
	if m.MessageThreadID != 0 {
		msg.ThreadID = strconv.FormatInt(m.MessageThreadID, 10)
	}
	if m.ReplyToMessage != nil {
		msg.ReplyTo = strconv.FormatInt(m.ReplyToMessage.MessageID, 10)
	}
	c.deliver(msg)
}

// Send posts text first, then attachments in insertion order.
// Voice-compatible audio goes through sendVoice.
func (c *TelegramChannel) Send(ctx context.Context, msg *bus.OutgoingMessage) error {
	if msg.Text != "" {
		body := map[string]any{
			"chat_id": msg.RecipientID,
			"text":    msg.Text,
		}
		if msg.ThreadID != "" {
			body["message_thread_id"] = msg.ThreadID
		}
		if msg.ReplyTo != "" {
			body["reply_to_message_id"] = msg.ReplyTo
		}
		if err := c.client.PostJSON(ctx, c.url("sendMessage"), body, nil); err != nil {
			return err
		}
	}
	for _, att := range msg.Attachments {
		if err := c.sendAttachment(ctx, msg.RecipientID, att); err != nil {
			return err
		}
	}
	return nil
}

func (c *TelegramChannel) sendAttachment(ctx context.Context, chatID string, att bus.Attachment) error {
	method, field := "sendDocument", "document"
	switch att.Type {
	case bus.AttachmentImage:
		method, field = "sendPhoto", "photo"
	case bus.AttachmentVideo:
		method, field = "sendVideo", "video"
	case bus.AttachmentAudio:
		if voiceExtensions[strings.ToLower(path.Ext(att.Filename))] {
			method, field = "sendVoice", "voice"
		} else {
			method, field = "sendAudio", "audio"
		}
	}
	return c.client.PostJSON(ctx, c.url(method), map[string]any{
		"chat_id": chatID,
		field:     att.URL,
	}, nil)
}

// SetMenuCommands publishes the capped command menu.
func (c *TelegramChannel) SetMenuCommands(ctx context.Context, cmds []MenuCommand) error {
	capped := BuildCappedMenuCommands(cmds)
	payload, err := json.Marshal(capped)
	if err != nil {
		return clawerr.Wrap(clawerr.KindSerialization, "marshal menu commands", err)
	}
	return c.client.PostJSON(ctx, c.url("setMyCommands"), map[string]any{
		"commands": json.RawMessage(payload),
	}, nil)
}

func init() {
	RegisterFactory("telegram", NewTelegramChannel)
}
