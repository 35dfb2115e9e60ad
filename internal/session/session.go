// Package session provides per-peer session lifecycle and persistence.
package session

import (
	"strings"
	"time"
)

// State is the session lifecycle state. Transitions: Active ↔ Idle → Closed.
type State string

const (
	StateActive State = "active"
	StateIdle   State = "idle"
	StateClosed State = "closed"
)

// Session is one persistent per-peer conversation record.
type Session struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	DeviceID    string    `json:"device_id"`
	Channel     string    `json:"channel,omitempty"`
	AgentID     string    `json:"agent_id,omitempty"`
	State       State     `json:"state"`
	Compactions int       `json:"compactions"`
	CreatedAt   time.Time `json:"created_at"`
	LastActive  time.Time `json:"last_active"`
}

// Key returns the addressable session key:
// "{agent_id}:{channel|default}:{peer_id}", with the agent segment
// omitted when unset.
func (s *Session) Key() string {
	return BuildKey(s.AgentID, s.Channel, s.UserID)
}

// BuildKey forms a session key from its parts.
func BuildKey(agentID, channel, peerID string) string {
	if strings.TrimSpace(channel) == "" {
		channel = "default"
	}
	if strings.TrimSpace(agentID) == "" {
		return channel + ":" + peerID
	}
	return agentID + ":" + channel + ":" + peerID
}
