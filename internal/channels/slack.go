package channels

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/openclaw/openclaw/internal/bus"
	"github.com/openclaw/openclaw/internal/clawerr"
	"github.com/openclaw/openclaw/internal/config"
)

// SlackChannel connects over Socket Mode, so no public webhook endpoint
// is needed.
type SlackChannel struct {
	base
	api         *slack.Client
	socket      *socketmode.Client
	allowFrom   map[string]bool
	routingMode string
	botUserID   string

	cancel context.CancelFunc
	done   chan struct{}
}

// NewSlackChannel builds the adapter from a config entry. Requires both
// the bot token (xoxb-) and the app-level token (xapp-).
func NewSlackChannel(entry config.ChannelEntry) (Channel, error) {
	if strings.TrimSpace(entry.BotToken) == "" || strings.TrimSpace(entry.AppToken) == "" {
		return nil, clawerr.New(clawerr.KindSerialization, "slack channel requires bot_token and app_token")
	}
	allow := make(map[string]bool, len(entry.AllowFrom))
	for _, id := range entry.AllowFrom {
		allow[id] = true
	}
	mode := entry.RoutingMode
	if mode == "" {
		mode = "auto"
	}
	api := slack.New(entry.BotToken, slack.OptionAppLevelToken(entry.AppToken))
	return &SlackChannel{
		base:        newBase(entry.Name, "slack"),
		api:         api,
		socket:      socketmode.New(api),
		allowFrom:   allow,
		routingMode: mode,
	}, nil
}

// Start opens the Socket Mode connection and dispatches events.
func (c *SlackChannel) Start(ctx context.Context) error {
	if c.IsRunning() {
		return nil
	}
	auth, err := c.api.AuthTestContext(ctx)
	if err != nil {
		return clawerr.Wrap(clawerr.KindConnectionFailed, "slack auth test", err)
	}
	c.botUserID = auth.UserID

	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	c.setRunning(true)

	go c.eventLoop(ctx)
	go func() {
		if err := c.socket.RunContext(ctx); err != nil && ctx.Err() == nil {
			slog.Warn("slack socket mode stopped", "channel", c.Name(), "error", err)
		}
	}()
	return nil
}

// Stop closes the socket connection.
func (c *SlackChannel) Stop() error {
	if !c.IsRunning() {
		return nil
	}
	c.cancel()
	<-c.done
	c.setRunning(false)
	return nil
}

func (c *SlackChannel) eventLoop(ctx context.Context) {
	defer close(c.done)
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-c.socket.Events:
			if !ok {
				return
			}
			switch evt.Type {
			case socketmode.EventTypeConnected:
				slog.Info("slack socket connected", "channel", c.Name())
			case socketmode.EventTypeEventsAPI:
				apiEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
				if !ok {
					continue
				}
				// Ack before processing; Slack retries unacked envelopes.
				if evt.Request != nil {
					c.socket.Ack(*evt.Request)
				}
				c.handleEvent(apiEvent)
			}
		}
	}
}

func (c *SlackChannel) handleEvent(evt slackevents.EventsAPIEvent) {
	if evt.Type != slackevents.CallbackEvent {
		return
	}
	inner, ok := evt.InnerEvent.Data.(*slackevents.MessageEvent)
	if !ok {
		return
	}
	// Bot echoes and message edits carry a subtype or a bot id.
	if inner.BotID != "" || inner.User == c.botUserID || inner.SubType != "" {
		return
	}
	if len(c.allowFrom) > 0 && !c.allowFrom[inner.User] {
		return
	}
	msg := &bus.IncomingMessage{
		ID:         inner.TimeStamp,
		Channel:    c.Name(),
		SenderID:   inner.User,
		Text:       inner.Text,
		ReceivedAt: time.Now(),
	}
	// Slack threads key off the root message timestamp.
	if inner.ThreadTimeStamp != "" && inner.ThreadTimeStamp != inner.TimeStamp {
		msg.ThreadID = inner.ThreadTimeStamp
	}
	msg.ReplyTo = inner.Channel
	c.deliver(msg)
}

// Send posts to a channel, threading per the routing mode.
func (c *SlackChannel) Send(ctx context.Context, msg *bus.OutgoingMessage) error {
	opts := []slack.MsgOption{slack.MsgOptionText(msg.Text, false)}
	switch c.routingMode {
	case "channel":
	default: // auto, thread
		if msg.ThreadID != "" {
			opts = append(opts, slack.MsgOptionTS(msg.ThreadID))
		}
	}
	for _, a := range msg.Attachments {
		opts = append(opts, slack.MsgOptionAttachments(slack.Attachment{
			Title:    a.Filename,
			ImageURL: a.URL,
		}))
	}
	if _, _, err := c.api.PostMessageContext(ctx, msg.RecipientID, opts...); err != nil {
		return clawerr.Wrap(clawerr.KindChannel, "slack post message", err)
	}
	return nil
}

func init() {
	RegisterFactory("slack", NewSlackChannel)
}
