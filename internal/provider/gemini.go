package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/openclaw/openclaw/internal/clawerr"
	"github.com/openclaw/openclaw/internal/config"
)

// GeminiProvider speaks the Google Generative Language API. Streaming
// uses generateContent's SSE variant (alt=sse).
type GeminiProvider struct {
	apiKey  string
	apiBase string
	model   string
	client  *http.Client
}

// NewGeminiProvider builds the adapter from a config entry.
func NewGeminiProvider(entry config.ProviderEntry) (Provider, error) {
	timeout := entry.Timeout.Duration()
	if timeout <= 0 {
		timeout = defaultProviderTimeout
	}
	model := entry.Model
	if model == "" {
		model = "gemini-2.0-flash"
	}
	return &GeminiProvider{
		apiKey:  entry.APIKey,
		apiBase: fmtBase(entry.APIBase, "https://generativelanguage.googleapis.com/v1beta"),
		model:   model,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

func (p *GeminiProvider) Name() string { return "gemini" }

func (p *GeminiProvider) Models() []string {
	return []string{"gemini-2.5-pro", "gemini-2.5-flash", "gemini-2.0-flash"}
}

func (p *GeminiProvider) buildBody(req CompletionRequest) (string, map[string]any) {
	system, messages := extractSystem(req)
	model := req.Model
	if model == "" {
		model = p.model
	}

	var contents []map[string]any
	for _, m := range messages {
		role := "user"
		if m.Role == RoleAssistant {
			role = "model"
		}
		text := m.Text()
		if text == "" {
			continue
		}
		contents = append(contents, map[string]any{
			"role":  role,
			"parts": []map[string]any{{"text": text}},
		})
	}

	body := map[string]any{"contents": contents}
	if system != "" {
		body["systemInstruction"] = map[string]any{
			"parts": []map[string]any{{"text": system}},
		}
	}
	genConfig := map[string]any{}
	if req.Temperature != nil {
		genConfig["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		genConfig["topP"] = *req.TopP
	}
	if req.MaxTokens > 0 {
		genConfig["maxOutputTokens"] = req.MaxTokens
	}
	if len(genConfig) > 0 {
		body["generationConfig"] = genConfig
	}
	return model, body
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
}

// Complete runs a non-streaming completion.
func (p *GeminiProvider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	model, body := p.buildBody(req)
	url := p.apiBase + "/models/" + model + ":generateContent?key=" + p.apiKey

	var apiResp geminiResponse
	if err := postJSON(ctx, p.client, url, nil, body, &apiResp); err != nil {
		return nil, err
	}
	if len(apiResp.Candidates) == 0 {
		return nil, providerEmptyResponse()
	}

	cand := apiResp.Candidates[0]
	resp := &CompletionResponse{
		Message:      Message{Role: RoleAssistant, Model: model, CreatedAt: time.Now()},
		Model:        model,
		InputTokens:  apiResp.UsageMetadata.PromptTokenCount,
		OutputTokens: apiResp.UsageMetadata.CandidatesTokenCount,
		StopReason:   cand.FinishReason,
	}
	for _, part := range cand.Content.Parts {
		if part.Text != "" {
			resp.Message.Content = append(resp.Message.Content, ContentBlock{Type: "text", Text: part.Text})
		}
	}
	return resp, nil
}

// Stream runs a streaming completion over SSE.
func (p *GeminiProvider) Stream(ctx context.Context, req CompletionRequest, cb StreamCallback) (*CompletionResponse, error) {
	model, body := p.buildBody(req)
	url := p.apiBase + "/models/" + model + ":streamGenerateContent?alt=sse&key=" + p.apiKey

	resp, err := postRaw(ctx, p.client, url, nil, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	asm := newStreamAssembler(cb)
	asm.response.Model = model
	asm.response.Message.Model = model

	envelopeSeen := false
	err = scanSSE(resp.Body, func(data []byte) error {
		var chunk geminiResponse
		if err := json.Unmarshal(data, &chunk); err != nil {
			if !envelopeSeen {
				return clawerr.Wrap(clawerr.KindSerialization, "parse stream event", err)
			}
			return nil
		}
		envelopeSeen = true
		if len(chunk.Candidates) == 0 {
			return nil
		}
		cand := chunk.Candidates[0]
		for _, part := range cand.Content.Parts {
			asm.textDelta(part.Text)
		}
		if cand.FinishReason != "" {
			asm.response.StopReason = cand.FinishReason
		}
		if chunk.UsageMetadata.PromptTokenCount > 0 {
			asm.response.InputTokens = chunk.UsageMetadata.PromptTokenCount
			asm.response.OutputTokens = chunk.UsageMetadata.CandidatesTokenCount
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return asm.result(), nil
}

func init() {
	RegisterFactory("gemini", NewGeminiProvider)
}
