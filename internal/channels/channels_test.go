package channels

import (
	"context"
	"fmt"
	"path"
	"strings"
	"testing"

	"github.com/openclaw/openclaw/internal/bus"
	"github.com/openclaw/openclaw/internal/clawerr"
	"github.com/openclaw/openclaw/internal/config"
	"github.com/openclaw/openclaw/internal/hooks"
	"github.com/openclaw/openclaw/internal/queue"
)

// fakeChannel records sends and fails on demand.
type fakeChannel struct {
	base
	sendErr error
	sent    []*bus.OutgoingMessage
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{base: newBase("fake", "fake")}
}

func (f *fakeChannel) Start(ctx context.Context) error { f.setRunning(true); return nil }
func (f *fakeChannel) Stop() error                     { f.setRunning(false); return nil }

func (f *fakeChannel) Send(ctx context.Context, msg *bus.OutgoingMessage) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, msg)
	return nil
}

func newDeliveredFixture(t *testing.T) (*DeliveredChannel, *fakeChannel, *queue.Queue, *hooks.Registry) {
	t.Helper()
	q, err := queue.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	inner := newFakeChannel()
	reg := hooks.NewRegistry()
	return NewDelivered(inner, q, reg), inner, q, reg
}

func TestDeliveredSendAcksOnSuccess(t *testing.T) {
	d, inner, q, _ := newDeliveredFixture(t)

	err := d.Send(context.Background(), &bus.OutgoingMessage{
		Channel: "fake", RecipientID: "u1", Text: "hi",
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(inner.sent) != 1 || inner.sent[0].Text != "hi" {
		t.Fatalf("inner sends = %+v", inner.sent)
	}
	pending, err := q.LoadPending()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Fatalf("pending after successful send = %d", len(pending))
	}
}

func TestDeliveredSendRecordsFailureForRetry(t *testing.T) {
	d, inner, q, _ := newDeliveredFixture(t)
	inner.sendErr = clawerr.New(clawerr.KindChannel, "platform down")

	err := d.Send(context.Background(), &bus.OutgoingMessage{
		Channel: "fake", RecipientID: "u1", Text: "hi",
	})
	if err == nil {
		t.Fatal("expected send error")
	}
	pending, err := q.LoadPending()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending after failed send = %d", len(pending))
	}
	if pending[0].RetryCount != 1 {
		t.Fatalf("retry count = %d, want 1", pending[0].RetryCount)
	}
	if pending[0].LastError != "channel_error: platform down" {
		t.Fatalf("last error = %q", pending[0].LastError)
	}
}

func TestDeliveredSendHookCancelSuppresses(t *testing.T) {
	d, inner, q, reg := newDeliveredFixture(t)
	reg.RegisterBefore("message_sending", "mute", 0, func(ctx hooks.Context) (hooks.Context, error) {
		ctx["cancel"] = true
		return ctx, nil
	})

	err := d.Send(context.Background(), &bus.OutgoingMessage{
		Channel: "fake", RecipientID: "u1", Text: "hi",
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(inner.sent) != 0 {
		t.Fatalf("inner sends = %d, want 0", len(inner.sent))
	}
	pending, _ := q.LoadPending()
	if len(pending) != 0 {
		t.Fatalf("pending = %d, want 0", len(pending))
	}
}

func TestDeliveredSendHookOverridesContent(t *testing.T) {
	d, inner, _, reg := newDeliveredFixture(t)
	reg.RegisterBefore("message_sending", "redact", 0, func(ctx hooks.Context) (hooks.Context, error) {
		ctx["content"] = "[redacted]"
		return ctx, nil
	})

	if err := d.Send(context.Background(), &bus.OutgoingMessage{
		Channel: "fake", RecipientID: "u1", Text: "secret",
	}); err != nil {
		t.Fatal(err)
	}
	if inner.sent[0].Text != "[redacted]" {
		t.Fatalf("sent text = %q", inner.sent[0].Text)
	}
}

func TestDeliveredSendRunsAfterHook(t *testing.T) {
	d, inner, _, reg := newDeliveredFixture(t)
	inner.sendErr = clawerr.New(clawerr.KindChannel, "down")

	var got hooks.Context
	reg.RegisterAfter("message_sent", "observe", 0, func(ctx hooks.Context) (hooks.Context, error) {
		got = ctx
		return ctx, nil
	})

	d.Send(context.Background(), &bus.OutgoingMessage{Channel: "fake", RecipientID: "u1", Text: "x"})
	if got == nil {
		t.Fatal("after hook did not run")
	}
	if got["success"] != false || got["channel"] != "fake" {
		t.Fatalf("hook context = %+v", got)
	}
	if _, ok := got["error"].(string); !ok {
		t.Fatalf("hook context missing error: %+v", got)
	}
}

func TestRedeliverDrainsPending(t *testing.T) {
	d, inner, q, _ := newDeliveredFixture(t)

	// Seed two pending deliveries directly, as a crashed process would
	// leave them.
	for i := 0; i < 2; i++ {
		if _, err := q.Enqueue(&queue.Delivery{
			Channel:  "fake",
			To:       "u1",
			Payloads: []queue.Payload{{Text: fmt.Sprintf("msg-%d", i)}},
		}); err != nil {
			t.Fatal(err)
		}
	}

	sent, err := d.Redeliver(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if sent != 2 {
		t.Fatalf("redelivered = %d, want 2", sent)
	}
	if len(inner.sent) != 2 {
		t.Fatalf("inner sends = %d", len(inner.sent))
	}
	pending, _ := q.LoadPending()
	if len(pending) != 0 {
		t.Fatalf("pending = %d, want 0", len(pending))
	}
}

func TestBuildCappedMenuCommands(t *testing.T) {
	var cmds []MenuCommand
	for i := 0; i < 150; i++ {
		cmds = append(cmds, MenuCommand{Command: fmt.Sprintf("cmd_%d", i), Description: "d"})
	}
	capped := BuildCappedMenuCommands(cmds)
	if len(capped) != MaxMenuCommands {
		t.Fatalf("capped len = %d, want %d", len(capped), MaxMenuCommands)
	}
	if capped[0].Command != "cmd_0" || capped[99].Command != "cmd_99" {
		t.Fatalf("cap kept wrong entries: first=%s last=%s", capped[0].Command, capped[99].Command)
	}
}

func TestBuildCappedMenuCommandsValidation(t *testing.T) {
	capped := BuildCappedMenuCommands([]MenuCommand{
		{Command: "/start", Description: "slash stripped"},
		{Command: "Start", Description: "uppercase rejected"},
		{Command: "start", Description: "duplicate dropped"},
		{Command: "", Description: "empty rejected"},
		{Command: "has space", Description: "space rejected"},
		{Command: "this_command_name_is_far_too_long_to_be_valid", Description: "length rejected"},
		{Command: "ok_2", Description: "kept"},
	})
	if len(capped) != 2 {
		t.Fatalf("capped = %+v", capped)
	}
	if capped[0].Command != "start" || capped[0].Description != "slash stripped" {
		t.Fatalf("first = %+v", capped[0])
	}
	if capped[1].Command != "ok_2" {
		t.Fatalf("second = %+v", capped[1])
	}
}

func TestVoiceExtensionRouting(t *testing.T) {
	cases := map[string]bool{
		"note.mp3": true, "note.m4a": true, "note.ogg": true,
		"note.oga": true, "note.opus": true, "note.OGG": true,
		"note.wav": false, "note.flac": false, "doc.pdf": false,
	}
	for name, want := range cases {
		got := voiceExtensions[strings.ToLower(path.Ext(name))]
		if got != want {
			t.Errorf("voice routing for %s = %v, want %v", name, got, want)
		}
	}
}

func TestFactoryRegistryChannels(t *testing.T) {
	for _, typ := range []string{"telegram", "discord", "slack", "line", "whatsapp", "signal"} {
		found := false
		for _, have := range Types() {
			if have == typ {
				found = true
			}
		}
		if !found {
			t.Fatalf("type %s not registered", typ)
		}
	}
	if _, err := New(config.ChannelEntry{Type: "fax"}); !clawerr.Is(err, clawerr.KindNotFound) {
		t.Fatalf("unknown type error = %v", err)
	}
}

func TestChannelConstructorsValidate(t *testing.T) {
	cases := []config.ChannelEntry{
		{Type: "telegram"},                       // missing token
		{Type: "slack", BotToken: "xoxb-1"},      // missing app token
		{Type: "line", Token: "t"},               // missing secret
		{Type: "whatsapp", Token: "t"},           // missing account
		{Type: "signal"},                         // missing account
		{Type: "discord"},                        // missing token
	}
	for _, entry := range cases {
		if _, err := New(entry); err == nil {
			t.Errorf("New(%s) with incomplete config succeeded", entry.Type)
		}
	}
}

func TestAttachmentTypeFor(t *testing.T) {
	cases := []struct {
		contentType, filename, want string
	}{
		{"image/png", "", bus.AttachmentImage},
		{"audio/ogg", "", bus.AttachmentAudio},
		{"video/mp4", "", bus.AttachmentVideo},
		{"", "photo.JPG", bus.AttachmentImage},
		{"", "song.opus", bus.AttachmentAudio},
		{"", "clip.webm", bus.AttachmentVideo},
		{"application/zip", "archive.zip", bus.AttachmentFile},
	}
	for _, tc := range cases {
		if got := attachmentTypeFor(tc.contentType, tc.filename); got != tc.want {
			t.Errorf("attachmentTypeFor(%q, %q) = %s, want %s", tc.contentType, tc.filename, got, tc.want)
		}
	}
}
