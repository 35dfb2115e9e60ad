package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/openclaw/openclaw/internal/bus"
	"github.com/openclaw/openclaw/internal/clawerr"
	"github.com/openclaw/openclaw/internal/memory"
	"github.com/openclaw/openclaw/internal/version"
)

// registerBuiltins installs the core RPC surface.
func (s *Server) registerBuiltins() {
	s.RegisterMethod("ping", "", s.handlePing)
	s.RegisterMethod("status", "", s.handleStatus)
	s.RegisterMethod("send", "send", s.handleSend)
	s.RegisterMethod("sessions.list", "sessions", s.handleSessionsList)
	s.RegisterMethod("sessions.end", "sessions", s.handleSessionsEnd)
	s.RegisterMethod("memory.search", "memory", s.handleMemorySearch)
	s.RegisterMethod("memory.store", "memory", s.handleMemoryStore)
	s.RegisterMethod("channels.status", "", s.handleChannelsStatus)
	s.RegisterMethod("models.list", "", s.handleModelsList)
}

func (s *Server) handlePing(ctx context.Context, conn *Conn, params json.RawMessage) (any, error) {
	return map[string]any{"pong": true, "ts": time.Now().UnixMilli()}, nil
}

func (s *Server) handleStatus(ctx context.Context, conn *Conn, params json.RawMessage) (any, error) {
	s.mu.Lock()
	connCount := len(s.conns)
	started := s.startedAt
	s.mu.Unlock()
	return map[string]any{
		"version":     version.Version,
		"protocol":    version.Protocol,
		"connections": connCount,
		"uptimeMs":    time.Since(started).Milliseconds(),
		"channels":    len(s.deps.Channels),
		"providers":   len(s.deps.Providers),
	}, nil
}

func (s *Server) handleModelsList(ctx context.Context, conn *Conn, params json.RawMessage) (any, error) {
	out := make(map[string][]string, len(s.deps.Providers))
	for name, p := range s.deps.Providers {
		out[name] = p.Models()
	}
	return map[string]any{"models": out}, nil
}

func (s *Server) handleSend(ctx context.Context, conn *Conn, params json.RawMessage) (any, error) {
	var req struct {
		Channel  string `json:"channel"`
		To       string `json:"to"`
		Text     string `json:"text"`
		ThreadID string `json:"threadId,omitempty"`
	}
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, clawerr.Wrap(clawerr.KindSerialization, "parse send params", err)
	}
	ch, ok := s.deps.Channels[req.Channel]
	if !ok {
		return nil, clawerr.Newf(clawerr.KindNotFound, "channel %q not configured", req.Channel)
	}
	err := ch.Send(ctx, &bus.OutgoingMessage{
		Channel:     req.Channel,
		RecipientID: req.To,
		Text:        req.Text,
		ThreadID:    req.ThreadID,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"sent": true}, nil
}

func (s *Server) handleSessionsList(ctx context.Context, conn *Conn, params json.RawMessage) (any, error) {
	if s.deps.Sessions == nil {
		return nil, clawerr.New(clawerr.KindSession, "session manager not configured")
	}
	var req struct {
		User string `json:"user"`
	}
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, clawerr.Wrap(clawerr.KindSerialization, "parse sessions.list params", err)
	}
	sessions, err := s.deps.Sessions.ListSessions(req.User)
	if err != nil {
		return nil, err
	}
	return map[string]any{"sessions": sessions}, nil
}

func (s *Server) handleSessionsEnd(ctx context.Context, conn *Conn, params json.RawMessage) (any, error) {
	if s.deps.Sessions == nil {
		return nil, clawerr.New(clawerr.KindSession, "session manager not configured")
	}
	var req struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, clawerr.Wrap(clawerr.KindSerialization, "parse sessions.end params", err)
	}
	if err := s.deps.Sessions.EndSession(req.ID); err != nil {
		return nil, err
	}
	return map[string]any{"ended": req.ID}, nil
}

func (s *Server) handleMemorySearch(ctx context.Context, conn *Conn, params json.RawMessage) (any, error) {
	if s.deps.Memory == nil {
		return nil, clawerr.New(clawerr.KindMemory, "memory manager not configured")
	}
	var req struct {
		Query    string            `json:"query"`
		Limit    int               `json:"limit,omitempty"`
		Hybrid   *bool             `json:"hybrid,omitempty"`
		Metadata map[string]string `json:"metadata,omitempty"`
	}
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, clawerr.Wrap(clawerr.KindSerialization, "parse memory.search params", err)
	}
	hybrid := true
	if req.Hybrid != nil {
		hybrid = *req.Hybrid
	}
	results, err := s.deps.Memory.Recall(ctx, req.Query, memory.RecallOptions{
		Limit:          req.Limit,
		Hybrid:         hybrid,
		MetadataFilter: req.Metadata,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"results": results}, nil
}

func (s *Server) handleMemoryStore(ctx context.Context, conn *Conn, params json.RawMessage) (any, error) {
	if s.deps.Memory == nil {
		return nil, clawerr.New(clawerr.KindMemory, "memory manager not configured")
	}
	var req struct {
		Content  string            `json:"content"`
		Metadata map[string]string `json:"metadata,omitempty"`
		User     string            `json:"user,omitempty"`
	}
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, clawerr.Wrap(clawerr.KindSerialization, "parse memory.store params", err)
	}
	user := req.User
	if user == "" {
		user = conn.Principal
	}
	id, err := s.deps.Memory.Store(ctx, memory.Entry{
		Content:  req.Content,
		Metadata: req.Metadata,
	}, user)
	if err != nil {
		return nil, err
	}
	return map[string]any{"id": id}, nil
}

func (s *Server) handleChannelsStatus(ctx context.Context, conn *Conn, params json.RawMessage) (any, error) {
	out := make([]map[string]any, 0, len(s.deps.Channels))
	for name, ch := range s.deps.Channels {
		out = append(out, map[string]any{
			"name":    name,
			"type":    ch.Type(),
			"running": ch.IsRunning(),
		})
	}
	return map[string]any{"channels": out}, nil
}
