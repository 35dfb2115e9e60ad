// Package provider implements the LLM provider abstraction: a unified
// completion contract plus streaming adapters per vendor family.
package provider

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/openclaw/openclaw/internal/clawerr"
	"github.com/openclaw/openclaw/internal/config"
)

// Role of a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// ContentBlock is one typed fragment of a message.
type ContentBlock struct {
	Type       string          `json:"type"` // text, image, tool_use, tool_result, thinking
	Text       string          `json:"text,omitempty"`
	ToolUseID  string          `json:"tool_use_id,omitempty"`
	ToolName   string          `json:"tool_name,omitempty"`
	ToolInput  json.RawMessage `json:"tool_input,omitempty"`
	ToolResult string          `json:"tool_result,omitempty"`
}

// Message is an ordered sequence of content blocks with a role.
type Message struct {
	ID        string         `json:"id,omitempty"`
	Role      Role           `json:"role"`
	Content   []ContentBlock `json:"content"`
	Model     string         `json:"model,omitempty"`
	CreatedAt time.Time      `json:"created_at,omitempty"`
}

// TextMessage builds a single-text-block message.
func TextMessage(role Role, text string) Message {
	return Message{Role: role, Content: []ContentBlock{{Type: "text", Text: text}}}
}

// Text concatenates the message's text blocks.
func (m Message) Text() string {
	var out string
	for _, b := range m.Content {
		if b.Type == "text" {
			out += b.Text
		}
	}
	return out
}

// ThinkingMode selects vendor reasoning effort.
type ThinkingMode string

const (
	ThinkingNone     ThinkingMode = "none"
	ThinkingBasic    ThinkingMode = "basic"
	ThinkingExtended ThinkingMode = "extended"
)

// ToolDefinition describes a callable tool in vendor-neutral form.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// CompletionRequest is a unified completion call.
type CompletionRequest struct {
	Model        string
	Messages     []Message
	SystemPrompt string
	Temperature  *float64
	TopP         *float64
	MaxTokens    int
	Tools        []ToolDefinition
	Thinking     ThinkingMode
}

// StreamChunk is one unit of streamed output.
type StreamChunk struct {
	Type      string          `json:"type"` // text, tool_use, thinking, stop
	Text      string          `json:"text,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	ToolName  string          `json:"tool_name,omitempty"`
	ToolInput json.RawMessage `json:"tool_input,omitempty"`
}

// StreamCallback receives chunks in arrival order.
type StreamCallback func(StreamChunk)

// CompletionResponse is the assembled result of a completion.
type CompletionResponse struct {
	Message      Message `json:"message"`
	Model        string  `json:"model"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	StopReason   string  `json:"stop_reason"`
}

// Provider is the vendor contract.
type Provider interface {
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
	Stream(ctx context.Context, req CompletionRequest, cb StreamCallback) (*CompletionResponse, error)
	Name() string
	Models() []string
}

// Factory builds a provider from its config entry.
type Factory func(entry config.ProviderEntry) (Provider, error)

var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]Factory)
)

// RegisterFactory installs a provider constructor under a type name.
func RegisterFactory(typ string, f Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[typ] = f
}

// New builds a provider for the entry's type.
func New(entry config.ProviderEntry) (Provider, error) {
	factoriesMu.RLock()
	f, ok := factories[entry.Type]
	factoriesMu.RUnlock()
	if !ok {
		return nil, clawerr.Newf(clawerr.KindNotFound, "unknown provider type %q", entry.Type)
	}
	return f(entry)
}

// Types lists the registered provider type names, sorted.
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
