// Package queue implements the on-disk delivery queue: a single-writer
// FIFO of pending outbound deliveries persisted one JSON file per entry,
// with retry backoff and a failed bin for entries past the retry cap.
package queue

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openclaw/openclaw/internal/bus"
	"github.com/openclaw/openclaw/internal/clawerr"
)

// MaxRetries is the retry cap; at this count an entry moves to failed/.
const MaxRetries = 5

// backoffSchedule maps retry count 1..4 to the wait before the next
// attempt. Retry 0 is immediate.
var backoffSchedule = map[int]time.Duration{
	1: 5 * time.Second,
	2: 25 * time.Second,
	3: 120 * time.Second,
	4: 600 * time.Second,
}

// Payload is one unit of content inside a queued delivery.
type Payload struct {
	Text        string           `json:"text"`
	Attachments []bus.Attachment `json:"attachments,omitempty"`
	Extra       map[string]any   `json:"extra,omitempty"`
}

// Delivery is the persisted record of one pending outbound send.
type Delivery struct {
	ID         string    `json:"id"`
	EnqueuedAt int64     `json:"enqueued_at"` // unix millis
	Channel    string    `json:"channel"`
	To         string    `json:"to"`
	AccountID  string    `json:"account_id,omitempty"`
	Payloads   []Payload `json:"payloads"`
	RetryCount int       `json:"retry_count"`
	LastError  string    `json:"last_error,omitempty"`
	// lastAttempt is runtime-only bookkeeping for backoff eligibility.
	LastAttemptAt int64 `json:"last_attempt_at,omitempty"`
}

// Queue is a filesystem-backed delivery FIFO. One process owns a base
// directory; concurrent enqueues within the process serialize on mu.
type Queue struct {
	mu   sync.Mutex
	base string
}

// Open creates the queue directories under base.
func Open(base string) (*Queue, error) {
	if err := os.MkdirAll(filepath.Join(base, "failed"), 0o755); err != nil {
		return nil, clawerr.Wrap(clawerr.KindIO, "create queue dirs", err)
	}
	return &Queue{base: base}, nil
}

// Enqueue persists the delivery, assigning id and timestamp if missing,
// and returns the id. Persistence completes before Enqueue returns.
func (q *Queue) Enqueue(d *Delivery) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if strings.TrimSpace(d.ID) == "" {
		d.ID = uuid.NewString()
	}
	if d.EnqueuedAt == 0 {
		d.EnqueuedAt = time.Now().UnixMilli()
	}
	if err := q.writeAtomic(q.pendingPath(d.ID), d); err != nil {
		return "", err
	}
	return d.ID, nil
}

// Ack removes the pending record for id.
func (q *Queue) Ack(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	err := os.Remove(q.pendingPath(id))
	if os.IsNotExist(err) {
		return clawerr.Newf(clawerr.KindNotFound, "delivery %s not pending", id)
	}
	if err != nil {
		return clawerr.Wrap(clawerr.KindIO, "ack delivery", err)
	}
	return nil
}

// Fail records a failed attempt. At MaxRetries the record moves to the
// failed bin and is no longer visible to LoadPending.
func (q *Queue) Fail(id, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	d, err := q.read(q.pendingPath(id))
	if err != nil {
		return err
	}
	d.RetryCount++
	d.LastError = reason
	d.LastAttemptAt = time.Now().UnixMilli()

	if err := q.writeAtomic(q.pendingPath(id), d); err != nil {
		return err
	}
	if d.RetryCount >= MaxRetries {
		// Single rename so a crash never leaves the record in both bins.
		if err := os.Rename(q.pendingPath(id), q.failedPath(id)); err != nil {
			return clawerr.Wrap(clawerr.KindIO, "move delivery to failed bin", err)
		}
		slog.Warn("delivery moved to failed bin", "id", id, "channel", d.Channel, "error", reason)
	}
	return nil
}

// LoadPending returns all pending deliveries ordered by enqueue time.
// Malformed files are skipped with a warning; stray .tmp files from a
// crash are ignored.
func (q *Queue) LoadPending() ([]*Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.loadPendingLocked()
}

func (q *Queue) loadPendingLocked() ([]*Delivery, error) {
	entries, err := os.ReadDir(q.base)
	if err != nil {
		return nil, clawerr.Wrap(clawerr.KindIO, "list queue dir", err)
	}
	var out []*Delivery
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		d, err := q.read(filepath.Join(q.base, e.Name()))
		if err != nil {
			slog.Warn("skipping malformed queue entry", "file", e.Name(), "error", err)
			continue
		}
		out = append(out, d)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].EnqueuedAt < out[j].EnqueuedAt })
	return out, nil
}

// SendFunc attempts one delivery and reports the outcome.
type SendFunc func(d *Delivery) error

// DrainPending walks the pending entries in enqueue order and attempts
// each entry that is past its backoff window. Entries still inside their
// window are skipped without blocking later entries. Returns the number
// of successful sends.
func (q *Queue) DrainPending(send SendFunc) (int, error) {
	q.mu.Lock()
	pending, err := q.loadPendingLocked()
	q.mu.Unlock()
	if err != nil {
		return 0, err
	}

	now := time.Now()
	sent := 0
	for _, d := range pending {
		if !eligible(d, now) {
			continue
		}
		if err := send(d); err != nil {
			if failErr := q.Fail(d.ID, err.Error()); failErr != nil && !clawerr.Is(failErr, clawerr.KindNotFound) {
				slog.Error("recording delivery failure", "id", d.ID, "error", failErr)
			}
			continue
		}
		if err := q.Ack(d.ID); err != nil && !clawerr.Is(err, clawerr.KindNotFound) {
			return sent, err
		}
		sent++
	}
	return sent, nil
}

// eligible reports whether the delivery is past its backoff window.
func eligible(d *Delivery, now time.Time) bool {
	if d.RetryCount <= 0 {
		return true
	}
	wait, ok := backoffSchedule[d.RetryCount]
	if !ok {
		return false
	}
	since := d.LastAttemptAt
	if since == 0 {
		since = d.EnqueuedAt
	}
	return now.UnixMilli()-since >= wait.Milliseconds()
}

// FailedIDs lists the ids currently in the failed bin.
func (q *Queue) FailedIDs() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(q.base, "failed"))
	if err != nil {
		return nil, clawerr.Wrap(clawerr.KindIO, "list failed bin", err)
	}
	var ids []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".json") {
			ids = append(ids, strings.TrimSuffix(e.Name(), ".json"))
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (q *Queue) pendingPath(id string) string {
	return filepath.Join(q.base, id+".json")
}

func (q *Queue) failedPath(id string) string {
	return filepath.Join(q.base, "failed", id+".json")
}

func (q *Queue) read(path string) (*Delivery, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, clawerr.Newf(clawerr.KindNotFound, "delivery %s not pending", strings.TrimSuffix(filepath.Base(path), ".json"))
	}
	if err != nil {
		return nil, clawerr.Wrap(clawerr.KindIO, "read queue entry", err)
	}
	var d Delivery
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, clawerr.Wrap(clawerr.KindSerialization, "parse queue entry", err)
	}
	return &d, nil
}

// writeAtomic writes to <path>.tmp then renames, so a reader never sees a
// half-written entry.
func (q *Queue) writeAtomic(path string, d *Delivery) error {
	data, err := json.Marshal(d)
	if err != nil {
		return clawerr.Wrap(clawerr.KindSerialization, "encode queue entry", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return clawerr.Wrap(clawerr.KindIO, "write queue entry", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return clawerr.Wrap(clawerr.KindIO, "rename queue entry", err)
	}
	return nil
}
