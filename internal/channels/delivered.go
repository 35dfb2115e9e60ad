package channels

import (
	"context"
	"log/slog"
	"time"

	"github.com/openclaw/openclaw/internal/bus"
	"github.com/openclaw/openclaw/internal/hooks"
	"github.com/openclaw/openclaw/internal/queue"
)

// DeliveredChannel wraps a Channel with the persistent outbound
// pipeline: every send is enqueued before the platform call, acked on
// success and failed (for retry) on error. message_sending and
// message_sent hooks bracket the send.
type DeliveredChannel struct {
	inner Channel
	queue *queue.Queue
	hooks *hooks.Registry
}

// NewDelivered wraps inner with the delivery pipeline.
func NewDelivered(inner Channel, q *queue.Queue, reg *hooks.Registry) *DeliveredChannel {
	return &DeliveredChannel{inner: inner, queue: q, hooks: reg}
}

func (d *DeliveredChannel) Name() string                  { return d.inner.Name() }
func (d *DeliveredChannel) Type() string                  { return d.inner.Type() }
func (d *DeliveredChannel) Start(ctx context.Context) error { return d.inner.Start(ctx) }
func (d *DeliveredChannel) Stop() error                   { return d.inner.Stop() }
func (d *DeliveredChannel) IsRunning() bool               { return d.inner.IsRunning() }
func (d *DeliveredChannel) SetOnMessage(cb MessageCallback) { d.inner.SetOnMessage(cb) }

// Inner returns the wrapped adapter.
func (d *DeliveredChannel) Inner() Channel { return d.inner }

// Send runs the delivered pipeline. A message_sending hook returning
// cancel:true suppresses the send and reports success; a content
// override from the hook replaces the outgoing text.
func (d *DeliveredChannel) Send(ctx context.Context, msg *bus.OutgoingMessage) error {
	hctx := d.hooks.RunBefore("message_sending", hooks.Context{
		"channel": d.Name(),
		"to":      msg.RecipientID,
		"content": msg.Text,
	})
	if cancel, _ := hctx["cancel"].(bool); cancel {
		slog.Debug("send suppressed by hook", "channel", d.Name(), "to", msg.RecipientID)
		return nil
	}
	if content, ok := hctx["content"].(string); ok && content != msg.Text {
		msg.Text = content
	}

	id, err := d.queue.Enqueue(&queue.Delivery{
		EnqueuedAt: time.Now().UnixMilli(),
		Channel:    d.Name(),
		To:         msg.RecipientID,
		Payloads: []queue.Payload{{
			Text:        msg.Text,
			Attachments: msg.Attachments,
			Extra:       msg.Extra,
		}},
	})
	if err != nil {
		return err
	}

	sendErr := d.inner.Send(ctx, msg)
	if sendErr == nil {
		if err := d.queue.Ack(id); err != nil {
			slog.Warn("ack after successful send failed", "channel", d.Name(), "id", id, "error", err)
		}
	} else {
		if err := d.queue.Fail(id, sendErr.Error()); err != nil {
			slog.Warn("recording send failure failed", "channel", d.Name(), "id", id, "error", err)
		}
	}

	after := hooks.Context{
		"channel": d.Name(),
		"success": sendErr == nil,
	}
	if sendErr != nil {
		after["error"] = sendErr.Error()
	}
	d.hooks.RunAfter("message_sent", after)
	return sendErr
}

// Redeliver drains the pending queue through the inner channel,
// honoring the backoff schedule.
func (d *DeliveredChannel) Redeliver(ctx context.Context) (int, error) {
	return d.queue.DrainPending(func(del *queue.Delivery) error {
		for _, p := range del.Payloads {
			msg := &bus.OutgoingMessage{
				Channel:     del.Channel,
				RecipientID: del.To,
				Text:        p.Text,
				Attachments: p.Attachments,
				Extra:       p.Extra,
			}
			if err := d.inner.Send(ctx, msg); err != nil {
				return err
			}
		}
		return nil
	})
}
