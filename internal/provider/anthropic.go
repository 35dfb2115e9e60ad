package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/openclaw/openclaw/internal/clawerr"
	"github.com/openclaw/openclaw/internal/config"
)

const anthropicVersion = "2023-06-01"

// AnthropicProvider speaks the Anthropic Messages API, including its
// SSE event stream.
type AnthropicProvider struct {
	apiKey  string
	apiBase string
	model   string
	client  *http.Client
}

// NewAnthropicProvider builds the adapter from a config entry.
func NewAnthropicProvider(entry config.ProviderEntry) (Provider, error) {
	timeout := entry.Timeout.Duration()
	if timeout <= 0 {
		timeout = defaultProviderTimeout
	}
	return &AnthropicProvider{
		apiKey:  entry.APIKey,
		apiBase: fmtBase(entry.APIBase, "https://api.anthropic.com/v1"),
		model:   entry.Model,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

func (p *AnthropicProvider) Models() []string {
	return []string{"claude-sonnet-4-5", "claude-opus-4-1", "claude-haiku-4-5"}
}

func (p *AnthropicProvider) headers() map[string]string {
	return map[string]string{
		"x-api-key":         p.apiKey,
		"anthropic-version": anthropicVersion,
	}
}

func (p *AnthropicProvider) buildBody(req CompletionRequest, stream bool) map[string]any {
	system, messages := extractSystem(req)
	model := req.Model
	if model == "" {
		model = p.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	body := map[string]any{
		"model":      model,
		"max_tokens": maxTokens,
		"messages":   toAnthropicMessages(messages),
	}
	if system != "" {
		body["system"] = system
	}
	if req.Temperature != nil {
		body["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		body["top_p"] = *req.TopP
	}
	if len(req.Tools) > 0 {
		tools := make([]map[string]any, len(req.Tools))
		for i, t := range req.Tools {
			tools[i] = map[string]any{
				"name":         t.Name,
				"description":  t.Description,
				"input_schema": t.Parameters,
			}
		}
		body["tools"] = tools
	}
	applyThinkingAnthropic(body, req.Thinking)
	if stream {
		body["stream"] = true
	}
	return body
}

type anthropicMessage struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Content []struct {
		Type  string          `json:"type"`
		Text  string          `json:"text"`
		ID    string          `json:"id"`
		Name  string          `json:"name"`
		Input json.RawMessage `json:"input"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (m *anthropicMessage) toResponse() *CompletionResponse {
	resp := &CompletionResponse{
		Message:      Message{ID: m.ID, Role: RoleAssistant, Model: m.Model, CreatedAt: time.Now()},
		Model:        m.Model,
		InputTokens:  m.Usage.InputTokens,
		OutputTokens: m.Usage.OutputTokens,
		StopReason:   m.StopReason,
	}
	for _, c := range m.Content {
		switch c.Type {
		case "text":
			resp.Message.Content = append(resp.Message.Content, ContentBlock{Type: "text", Text: c.Text})
		case "thinking":
			resp.Message.Content = append(resp.Message.Content, ContentBlock{Type: "thinking", Text: c.Text})
		case "tool_use":
			input := c.Input
			if len(input) == 0 {
				input = json.RawMessage("{}")
			}
			resp.Message.Content = append(resp.Message.Content, ContentBlock{
				Type: "tool_use", ToolUseID: c.ID, ToolName: c.Name, ToolInput: input,
			})
		}
	}
	return resp
}

// Complete runs a non-streaming completion.
func (p *AnthropicProvider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	var msg anthropicMessage
	if err := postJSON(ctx, p.client, p.apiBase+"/messages", p.headers(), p.buildBody(req, false), &msg); err != nil {
		return nil, err
	}
	return msg.toResponse(), nil
}

// Stream runs a streaming completion, assembling the final message
// from the event stream while forwarding chunks to cb.
func (p *AnthropicProvider) Stream(ctx context.Context, req CompletionRequest, cb StreamCallback) (*CompletionResponse, error) {
	resp, err := postRaw(ctx, p.client, p.apiBase+"/messages", p.headers(), p.buildBody(req, true))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	asm := newStreamAssembler(cb)
	envelopeSeen := false
	err = scanSSE(resp.Body, func(data []byte) error {
		var event struct {
			Type  string `json:"type"`
			Index int    `json:"index"`
			Message struct {
				ID    string `json:"id"`
				Model string `json:"model"`
				Usage struct {
					InputTokens int `json:"input_tokens"`
				} `json:"usage"`
			} `json:"message"`
			ContentBlock struct {
				Type string `json:"type"`
				ID   string `json:"id"`
				Name string `json:"name"`
			} `json:"content_block"`
			Delta struct {
				Type        string `json:"type"`
				Text        string `json:"text"`
				PartialJSON string `json:"partial_json"`
				Thinking    string `json:"thinking"`
				StopReason  string `json:"stop_reason"`
			} `json:"delta"`
			Usage struct {
				OutputTokens int `json:"output_tokens"`
			} `json:"usage"`
		}
		if err := json.Unmarshal(data, &event); err != nil {
			if !envelopeSeen {
				return clawerr.Wrap(clawerr.KindSerialization, "parse stream event", err)
			}
			return nil // tolerate unknown event payloads mid-stream
		}
		envelopeSeen = true

		switch event.Type {
		case "message_start":
			asm.response.Message.ID = event.Message.ID
			asm.response.Model = event.Message.Model
			asm.response.Message.Model = event.Message.Model
			asm.response.InputTokens = event.Message.Usage.InputTokens
		case "content_block_start":
			switch event.ContentBlock.Type {
			case "text":
				asm.startText()
			case "thinking":
				asm.startThinking()
			case "tool_use":
				asm.startToolUse(event.ContentBlock.ID, event.ContentBlock.Name)
			}
		case "content_block_delta":
			switch event.Delta.Type {
			case "text_delta":
				asm.textDelta(event.Delta.Text)
			case "thinking_delta":
				asm.thinkingDelta(event.Delta.Thinking)
			case "input_json_delta":
				asm.toolInputDelta(event.Delta.PartialJSON)
			}
		case "content_block_stop":
			asm.stopBlock()
		case "message_delta":
			if event.Delta.StopReason != "" {
				asm.response.StopReason = event.Delta.StopReason
			}
			asm.response.OutputTokens = event.Usage.OutputTokens
		case "message_stop":
			asm.finish()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return asm.result(), nil
}

func init() {
	RegisterFactory("anthropic", NewAnthropicProvider)
}
