// Package channels implements the messaging channel adapters and the
// delivered-send pipeline in front of them.
package channels

import (
	"context"
	"sort"
	"sync"

	"github.com/openclaw/openclaw/internal/bus"
	"github.com/openclaw/openclaw/internal/clawerr"
	"github.com/openclaw/openclaw/internal/config"
)

// MessageCallback receives normalized platform messages.
type MessageCallback func(msg *bus.IncomingMessage)

// Channel is the platform adapter contract.
type Channel interface {
	Name() string
	Type() string
	Start(ctx context.Context) error
	Stop() error
	Send(ctx context.Context, msg *bus.OutgoingMessage) error
	IsRunning() bool
	SetOnMessage(cb MessageCallback)
}

// Factory builds a channel from its config entry.
type Factory func(entry config.ChannelEntry) (Channel, error)

var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]Factory)
)

// RegisterFactory installs a channel constructor under a type name.
func RegisterFactory(typ string, f Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[typ] = f
}

// New builds a channel for the entry's type.
func New(entry config.ChannelEntry) (Channel, error) {
	factoriesMu.RLock()
	f, ok := factories[entry.Type]
	factoriesMu.RUnlock()
	if !ok {
		return nil, clawerr.Newf(clawerr.KindNotFound, "unknown channel type %q", entry.Type)
	}
	return f(entry)
}

// Types lists the registered channel type names, sorted.
func Types() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	out := make([]string, 0, len(factories))
	for t := range factories {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// base carries the state every adapter shares: identity, running flag
// and the inbound callback.
type base struct {
	name string
	typ  string

	mu      sync.RWMutex
	running bool
	onMsg   MessageCallback
}

func newBase(name, typ string) base {
	if name == "" {
		name = typ
	}
	return base{name: name, typ: typ}
}

func (b *base) Name() string { return b.name }
func (b *base) Type() string { return b.typ }

func (b *base) IsRunning() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.running
}

func (b *base) setRunning(v bool) {
	b.mu.Lock()
	b.running = v
	b.mu.Unlock()
}

func (b *base) SetOnMessage(cb MessageCallback) {
	b.mu.Lock()
	b.onMsg = cb
	b.mu.Unlock()
}

// deliver hands an incoming message to the registered callback.
func (b *base) deliver(msg *bus.IncomingMessage) {
	b.mu.RLock()
	cb := b.onMsg
	b.mu.RUnlock()
	if cb != nil {
		cb(msg)
	}
}
