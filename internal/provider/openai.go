package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/openclaw/openclaw/internal/clawerr"
	"github.com/openclaw/openclaw/internal/config"
)

// OpenAIProvider speaks the OpenAI chat-completions API. OpenRouter
// and other compatible vendors reuse it with a different base URL.
type OpenAIProvider struct {
	name    string
	apiKey  string
	apiBase string
	model   string
	client  *http.Client
}

// NewOpenAIProvider builds the adapter from a config entry.
func NewOpenAIProvider(entry config.ProviderEntry) (Provider, error) {
	timeout := entry.Timeout.Duration()
	if timeout <= 0 {
		timeout = defaultProviderTimeout
	}
	name := entry.Type
	if name == "" {
		name = "openai"
	}
	return &OpenAIProvider{
		name:    name,
		apiKey:  entry.APIKey,
		apiBase: fmtBase(entry.APIBase, "https://api.openai.com/v1"),
		model:   entry.Model,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

func (p *OpenAIProvider) Name() string { return p.name }

func (p *OpenAIProvider) Models() []string {
	return []string{"gpt-4.1", "gpt-4o", "o3", "o4-mini"}
}

func (p *OpenAIProvider) headers() map[string]string {
	return map[string]string{"Authorization": "Bearer " + p.apiKey}
}

func (p *OpenAIProvider) buildBody(req CompletionRequest, stream bool) map[string]any {
	system, messages := extractSystem(req)
	model := req.Model
	if model == "" {
		model = p.model
	}
	body := map[string]any{
		"model":    model,
		"messages": toOpenAIMessages(system, messages),
	}
	if req.MaxTokens > 0 {
		body["max_tokens"] = req.MaxTokens
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
				"type": "function",
				"function": map[string]any{
					"name":        t.Name,
					"description": t.Description,
					"parameters":  t.Parameters,
				},
			}
		}
		body["tools"] = tools
		body["tool_choice"] = "auto"
	}
	applyThinkingOpenAI(body, req.Thinking)
	if stream {
		body["stream"] = true
	}
	return body
}

// Complete runs a non-streaming completion.
func (p *OpenAIProvider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	var apiResp struct {
		ID      string `json:"id"`
		Model   string `json:"model"`
		Choices []struct {
			Message struct {
				Content   string `json:"content"`
				ToolCalls []struct {
					ID       string `json:"id"`
					Function struct {
						Name      string `json:"name"`
						Arguments string `json:"arguments"`
					} `json:"function"`
				} `json:"tool_calls"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
		} `json:"usage"`
	}
	if err := postJSON(ctx, p.client, p.apiBase+"/chat/completions", p.headers(), p.buildBody(req, false), &apiResp); err != nil {
		return nil, err
	}
	if len(apiResp.Choices) == 0 {
		return nil, providerEmptyResponse()
	}

	choice := apiResp.Choices[0]
	resp := &CompletionResponse{
		Message:      Message{ID: apiResp.ID, Role: RoleAssistant, Model: apiResp.Model, CreatedAt: time.Now()},
		Model:        apiResp.Model,
		InputTokens:  apiResp.Usage.PromptTokens,
		OutputTokens: apiResp.Usage.CompletionTokens,
		StopReason:   choice.FinishReason,
	}
	if choice.Message.Content != "" {
		resp.Message.Content = append(resp.Message.Content, ContentBlock{Type: "text", Text: choice.Message.Content})
	}
	for _, tc := range choice.Message.ToolCalls {
		resp.Message.Content = append(resp.Message.Content, ContentBlock{
			Type:      "tool_use",
			ToolUseID: tc.ID,
			ToolName:  tc.Function.Name,
			ToolInput: parseToolInput(tc.Function.Arguments),
		})
	}
	return resp, nil
}

// Stream runs a streaming completion. Tool-call argument fragments
// arrive keyed by index; each index maps onto one tool-use block in
// the assembler.
func (p *OpenAIProvider) Stream(ctx context.Context, req CompletionRequest, cb StreamCallback) (*CompletionResponse, error) {
	resp, err := postRaw(ctx, p.client, p.apiBase+"/chat/completions", p.headers(), p.buildBody(req, true))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	asm := newStreamAssembler(cb)
	openToolIndex := -1
	envelopeSeen := false

	err = scanSSE(resp.Body, func(data []byte) error {
		var event struct {
			ID      string `json:"id"`
			Model   string `json:"model"`
			Choices []struct {
				Delta struct {
					Content   string `json:"content"`
					ToolCalls []struct {
						Index    int    `json:"index"`
						ID       string `json:"id"`
						Function struct {
							Name      string `json:"name"`
							Arguments string `json:"arguments"`
						} `json:"function"`
					} `json:"tool_calls"`
				} `json:"delta"`
				FinishReason string `json:"finish_reason"`
			} `json:"choices"`
			Usage *struct {
				PromptTokens     int `json:"prompt_tokens"`
				CompletionTokens int `json:"completion_tokens"`
			} `json:"usage"`
		}
		if err := json.Unmarshal(data, &event); err != nil {
			if !envelopeSeen {
				return clawerr.Wrap(clawerr.KindSerialization, "parse stream event", err)
			}
			return nil
		}
		envelopeSeen = true
		if event.ID != "" {
			asm.response.Message.ID = event.ID
			asm.response.Model = event.Model
			asm.response.Message.Model = event.Model
		}
		if event.Usage != nil {
			asm.response.InputTokens = event.Usage.PromptTokens
			asm.response.OutputTokens = event.Usage.CompletionTokens
		}
		if len(event.Choices) == 0 {
			return nil
		}
		choice := event.Choices[0]
		asm.textDelta(choice.Delta.Content)
		for _, tc := range choice.Delta.ToolCalls {
			if tc.ID != "" && tc.Index != openToolIndex {
				asm.startToolUse(tc.ID, tc.Function.Name)
				openToolIndex = tc.Index
			}
			asm.toolInputDelta(tc.Function.Arguments)
		}
		if choice.FinishReason != "" {
			asm.response.StopReason = choice.FinishReason
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return asm.result(), nil
}

func init() {
	RegisterFactory("openai", NewOpenAIProvider)
	RegisterFactory("openrouter", func(entry config.ProviderEntry) (Provider, error) {
		if entry.APIBase == "" {
			entry.APIBase = "https://openrouter.ai/api/v1"
		}
		return NewOpenAIProvider(entry)
	})
}
