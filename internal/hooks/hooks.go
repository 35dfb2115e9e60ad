// Package hooks implements the before/after hook registry for gateway
// dispatch and channel sends. Hooks are ordered by priority (lower runs
// first, ties by insertion order) and each receives the context produced
// by the previous hook. A failing hook is logged and skipped; it never
// fails the dispatch.
package hooks

import (
	"log/slog"
	"sort"
	"sync"
)

// Wildcard registers a hook for every method.
const Wildcard = "*"

// Context is the mutable value threaded through a hook chain.
type Context = map[string]any

// Func transforms a hook context. Returning nil keeps the previous value.
type Func func(ctx Context) (Context, error)

// Hook is a named, prioritized hook function.
type Hook struct {
	Name     string
	Priority int
	Fn       Func
	seq      int
}

// Registry holds the before and after hook chains keyed by method.
type Registry struct {
	mu     sync.RWMutex
	before map[string][]Hook
	after  map[string][]Hook
	seq    int
}

// NewRegistry creates an empty hook registry.
func NewRegistry() *Registry {
	return &Registry{
		before: make(map[string][]Hook),
		after:  make(map[string][]Hook),
	}
}

// RegisterBefore adds a before-hook for the method (or Wildcard).
func (r *Registry) RegisterBefore(method, name string, priority int, fn Func) {
	r.register(r.before, method, name, priority, fn)
}

// RegisterAfter adds an after-hook for the method (or Wildcard).
func (r *Registry) RegisterAfter(method, name string, priority int, fn Func) {
	r.register(r.after, method, name, priority, fn)
}

func (r *Registry) register(m map[string][]Hook, method, name string, priority int, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	m[method] = append(m[method], Hook{Name: name, Priority: priority, Fn: fn, seq: r.seq})
}

// RemoveBefore removes all before-hooks with the given name for the method.
func (r *Registry) RemoveBefore(method, name string) bool {
	return r.remove(r.before, method, name)
}

// RemoveAfter removes all after-hooks with the given name for the method.
func (r *Registry) RemoveAfter(method, name string) bool {
	return r.remove(r.after, method, name)
}

func (r *Registry) remove(m map[string][]Hook, method, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := m[method]
	kept := list[:0]
	removed := false
	for _, h := range list {
		if h.Name == name {
			removed = true
			continue
		}
		kept = append(kept, h)
	}
	if len(kept) == 0 {
		delete(m, method)
	} else {
		m[method] = kept
	}
	return removed
}

// CountBefore returns the number of before-hooks that apply to method,
// including wildcard hooks.
func (r *Registry) CountBefore(method string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.before[method]) + len(r.before[Wildcard])
}

// CountAfter is CountBefore for the after chain.
func (r *Registry) CountAfter(method string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.after[method]) + len(r.after[Wildcard])
}

// RunBefore executes the before chain for method over ctx and returns the
// final context. Wildcard hooks and method hooks are merged and
// stable-sorted by priority.
func (r *Registry) RunBefore(method string, ctx Context) Context {
	return r.run(r.chain(r.before, method), method, "before", ctx)
}

// RunAfter executes the after chain for method over ctx.
func (r *Registry) RunAfter(method string, ctx Context) Context {
	return r.run(r.chain(r.after, method), method, "after", ctx)
}

// chain snapshots the applicable hooks under the read lock so dispatch
// never runs while holding it.
func (r *Registry) chain(m map[string][]Hook, method string) []Hook {
	r.mu.RLock()
	merged := make([]Hook, 0, len(m[Wildcard])+len(m[method]))
	merged = append(merged, m[Wildcard]...)
	merged = append(merged, m[method]...)
	r.mu.RUnlock()

	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].Priority != merged[j].Priority {
			return merged[i].Priority < merged[j].Priority
		}
		return merged[i].seq < merged[j].seq
	})
	return merged
}

func (r *Registry) run(hooks []Hook, method, phase string, ctx Context) Context {
	if ctx == nil {
		ctx = Context{}
	}
	for _, h := range hooks {
		next, err := runOne(h, ctx)
		if err != nil {
			slog.Warn("hook failed, skipping", "phase", phase, "method", method, "hook", h.Name, "error", err)
			continue
		}
		if next != nil {
			ctx = next
		}
	}
	return ctx
}

// runOne isolates a single hook call so a panicking hook cannot take the
// dispatch loop down with it.
func runOne(h Hook, ctx Context) (out Context, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			out = nil
			err = &panicError{value: rec}
		}
	}()
	return h.Fn(ctx)
}

type panicError struct{ value any }

func (p *panicError) Error() string { return "hook panicked" }
