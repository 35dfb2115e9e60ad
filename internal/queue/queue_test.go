package queue

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/openclaw/openclaw/internal/clawerr"
)

func openTestQueue(t *testing.T) *Queue {
	t.Helper()
	q, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return q
}

func TestEnqueueAssignsIDAndPersists(t *testing.T) {
	q := openTestQueue(t)
	id, err := q.Enqueue(&Delivery{Channel: "telegram", To: "42", Payloads: []Payload{{Text: "hi"}}})
	if err != nil {
		t.Fatal(err)
	}
	if id == "" {
		t.Fatal("no id assigned")
	}
	pending, err := q.LoadPending()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].ID != id || pending[0].EnqueuedAt == 0 {
		t.Fatalf("pending = %+v", pending)
	}
}

func TestAckRemovesEntry(t *testing.T) {
	q := openTestQueue(t)
	id, _ := q.Enqueue(&Delivery{Channel: "slack", To: "C1", Payloads: []Payload{{Text: "x"}}})
	if err := q.Ack(id); err != nil {
		t.Fatal(err)
	}
	pending, _ := q.LoadPending()
	if len(pending) != 0 {
		t.Fatalf("entry still pending after ack: %+v", pending)
	}
	if err := q.Ack(id); !clawerr.Is(err, clawerr.KindNotFound) {
		t.Fatalf("double ack = %v, want not_found", err)
	}
}

func TestFailOnAbsentID(t *testing.T) {
	q := openTestQueue(t)
	if err := q.Fail("missing", "whatever"); !clawerr.Is(err, clawerr.KindNotFound) {
		t.Fatalf("err = %v, want not_found", err)
	}
}

func TestFiveFailuresMoveToFailedBin(t *testing.T) {
	q := openTestQueue(t)
	id, _ := q.Enqueue(&Delivery{Channel: "discord", To: "u", Payloads: []Payload{{Text: "x"}}})

	for i := 0; i < MaxRetries; i++ {
		if err := q.Fail(id, "channel down"); err != nil {
			t.Fatalf("fail %d: %v", i+1, err)
		}
	}

	pending, _ := q.LoadPending()
	if len(pending) != 0 {
		t.Fatal("entry still pending after retry cap")
	}
	failed, err := q.FailedIDs()
	if err != nil {
		t.Fatal(err)
	}
	if len(failed) != 1 || failed[0] != id {
		t.Fatalf("failed bin = %v", failed)
	}
	// The record lives in exactly one bin and carries the final attempt.
	if _, statErr := os.Stat(q.pendingPath(id)); !os.IsNotExist(statErr) {
		t.Fatal("pending file still present after move to failed bin")
	}
	binned, err := q.read(q.failedPath(id))
	if err != nil {
		t.Fatal(err)
	}
	if binned.RetryCount != MaxRetries || binned.LastError != "channel down" {
		t.Fatalf("binned record = %+v", binned)
	}
	if err := q.Fail(id, "again"); !clawerr.Is(err, clawerr.KindNotFound) {
		t.Fatalf("failing a binned entry = %v, want not_found", err)
	}
}

func TestDrainAcksOnSuccess(t *testing.T) {
	q := openTestQueue(t)
	id, _ := q.Enqueue(&Delivery{Channel: "c", To: "r", Payloads: []Payload{{Text: "x"}}})

	sent, err := q.DrainPending(func(d *Delivery) error { return nil })
	if err != nil {
		t.Fatal(err)
	}
	if sent != 1 {
		t.Fatalf("sent = %d", sent)
	}
	if _, statErr := os.Stat(filepath.Join(q.base, id+".json")); !os.IsNotExist(statErr) {
		t.Fatal("file still present after successful drain")
	}
}

func TestDrainRecordsFailure(t *testing.T) {
	q := openTestQueue(t)
	id, _ := q.Enqueue(&Delivery{Channel: "c", To: "r", Payloads: []Payload{{Text: "x"}}})

	if _, err := q.DrainPending(func(d *Delivery) error { return errors.New("offline") }); err != nil {
		t.Fatal(err)
	}
	pending, _ := q.LoadPending()
	if len(pending) != 1 || pending[0].RetryCount != 1 || pending[0].LastError != "offline" {
		t.Fatalf("pending = %+v", pending[0])
	}
	_ = id
}

func TestHeadOfLinePrevention(t *testing.T) {
	q := openTestQueue(t)
	now := time.Now().UnixMilli()

	// A failed once just now: inside its 5s backoff window.
	if _, err := q.Enqueue(&Delivery{ID: "a", EnqueuedAt: now - 10, RetryCount: 1, LastAttemptAt: now, Channel: "c", To: "r", Payloads: []Payload{{Text: "a"}}}); err != nil {
		t.Fatal(err)
	}
	// B is fresh and eligible immediately.
	if _, err := q.Enqueue(&Delivery{ID: "b", EnqueuedAt: now, Channel: "c", To: "r", Payloads: []Payload{{Text: "b"}}}); err != nil {
		t.Fatal(err)
	}

	var attempted []string
	if _, err := q.DrainPending(func(d *Delivery) error {
		attempted = append(attempted, d.ID)
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if len(attempted) != 1 || attempted[0] != "b" {
		t.Fatalf("attempted = %v, want only b", attempted)
	}
}

func TestBackoffEligibility(t *testing.T) {
	now := time.Now()
	cases := []struct {
		retry int
		age   time.Duration
		want  bool
	}{
		{0, 0, true},
		{1, 4 * time.Second, false},
		{1, 6 * time.Second, true},
		{2, 24 * time.Second, false},
		{2, 26 * time.Second, true},
		{3, 119 * time.Second, false},
		{4, 601 * time.Second, true},
	}
	for _, c := range cases {
		d := &Delivery{RetryCount: c.retry, LastAttemptAt: now.Add(-c.age).UnixMilli()}
		if got := eligible(d, now); got != c.want {
			t.Errorf("retry=%d age=%v eligible=%v, want %v", c.retry, c.age, got, c.want)
		}
	}
}

func TestLoadPendingSkipsMalformedAndTemp(t *testing.T) {
	q := openTestQueue(t)
	if _, err := q.Enqueue(&Delivery{Channel: "c", To: "r", Payloads: []Payload{{Text: "ok"}}}); err != nil {
		t.Fatal(err)
	}
	os.WriteFile(filepath.Join(q.base, "garbage.json"), []byte("{not json"), 0o644)
	os.WriteFile(filepath.Join(q.base, "half.json.tmp"), []byte("{"), 0o644)

	pending, err := q.LoadPending()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending = %d entries", len(pending))
	}
}

func TestLoadPendingSortedByEnqueueTime(t *testing.T) {
	q := openTestQueue(t)
	base := time.Now().UnixMilli()
	q.Enqueue(&Delivery{ID: "later", EnqueuedAt: base + 1000, Channel: "c", To: "r"})
	q.Enqueue(&Delivery{ID: "earlier", EnqueuedAt: base, Channel: "c", To: "r"})

	pending, _ := q.LoadPending()
	if pending[0].ID != "earlier" || pending[1].ID != "later" {
		t.Fatalf("order = %s, %s", pending[0].ID, pending[1].ID)
	}
}
