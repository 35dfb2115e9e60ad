package provider

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/openclaw/openclaw/internal/clawerr"
	"github.com/openclaw/openclaw/internal/config"
)

// OllamaProvider speaks the local Ollama chat API. Streaming is
// NDJSON: one object per line, terminated by done:true.
type OllamaProvider struct {
	apiBase string
	model   string
	client  *http.Client
}

// NewOllamaProvider builds the adapter from a config entry.
func NewOllamaProvider(entry config.ProviderEntry) (Provider, error) {
	timeout := entry.Timeout.Duration()
	if timeout <= 0 {
		timeout = defaultProviderTimeout
	}
	return &OllamaProvider{
		apiBase: fmtBase(entry.APIBase, "http://127.0.0.1:11434"),
		model:   entry.Model,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

func (p *OllamaProvider) Name() string { return "ollama" }

func (p *OllamaProvider) Models() []string {
	return []string{"llama3.1", "qwen2.5", "mistral"}
}

func (p *OllamaProvider) buildBody(req CompletionRequest, stream bool) map[string]any {
	system, messages := extractSystem(req)
	model := req.Model
	if model == "" {
		model = p.model
	}
	body := map[string]any{
		"model":    model,
		"messages": toOpenAIMessages(system, messages),
		"stream":   stream,
	}
	options := map[string]any{}
	if req.Temperature != nil {
		options["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		options["top_p"] = *req.TopP
	}
	if req.MaxTokens > 0 {
		options["num_predict"] = req.MaxTokens
	}
	if len(options) > 0 {
		body["options"] = options
	}
	return body
}

type ollamaChunk struct {
	Model   string `json:"model"`
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Done            bool   `json:"done"`
	DoneReason      string `json:"done_reason"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
}

// Complete runs a non-streaming completion.
func (p *OllamaProvider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	var chunk ollamaChunk
	if err := postJSON(ctx, p.client, p.apiBase+"/api/chat", nil, p.buildBody(req, false), &chunk); err != nil {
		return nil, err
	}
	resp := &CompletionResponse{
		Message:      Message{Role: RoleAssistant, Model: chunk.Model, CreatedAt: time.Now()},
		Model:        chunk.Model,
		InputTokens:  chunk.PromptEvalCount,
		OutputTokens: chunk.EvalCount,
		StopReason:   chunk.DoneReason,
	}
	if chunk.Message.Content != "" {
		resp.Message.Content = append(resp.Message.Content, ContentBlock{Type: "text", Text: chunk.Message.Content})
	}
	return resp, nil
}

// Stream runs a streaming completion over NDJSON.
func (p *OllamaProvider) Stream(ctx context.Context, req CompletionRequest, cb StreamCallback) (*CompletionResponse, error) {
	resp, err := postRaw(ctx, p.client, p.apiBase+"/api/chat", nil, p.buildBody(req, true))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	asm := newStreamAssembler(cb)
	envelopeSeen := false
	err = scanNDJSON(resp.Body, func(data []byte) error {
		var chunk ollamaChunk
		if err := json.Unmarshal(data, &chunk); err != nil {
			if !envelopeSeen {
				return clawerr.Wrap(clawerr.KindSerialization, "parse stream event", err)
			}
			return nil
		}
		envelopeSeen = true
		if chunk.Model != "" {
			asm.response.Model = chunk.Model
			asm.response.Message.Model = chunk.Model
		}
		asm.textDelta(chunk.Message.Content)
		if chunk.Done {
			asm.response.StopReason = chunk.DoneReason
			asm.response.InputTokens = chunk.PromptEvalCount
			asm.response.OutputTokens = chunk.EvalCount
			return io.EOF
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return asm.result(), nil
}

func init() {
	RegisterFactory("ollama", NewOllamaProvider)
}
