package memory

import (
	"context"

	"github.com/openclaw/openclaw/internal/clawerr"
	"github.com/openclaw/openclaw/internal/httpx"
)

// Embedder turns text into a fixed-dimension embedding vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

const defaultEmbeddingModel = "text-embedding-3-small"

// OpenAIEmbedder calls the OpenAI embeddings endpoint.
type OpenAIEmbedder struct {
	client    *httpx.Client
	baseURL   string
	model     string
	dimension int
}

// NewOpenAIEmbedder creates an embedder against api.openai.com. An
// empty model selects text-embedding-3-small; an empty baseURL selects
// the public API.
func NewOpenAIEmbedder(apiKey, baseURL, model string, dimension int) *OpenAIEmbedder {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	if model == "" {
		model = defaultEmbeddingModel
	}
	if dimension <= 0 {
		dimension = 1536
	}
	return &OpenAIEmbedder{
		client: httpx.New(httpx.Options{DefaultHeaders: map[string]string{
			"Authorization": "Bearer " + apiKey,
		}}),
		baseURL:   baseURL,
		model:     model,
		dimension: dimension,
	}
}

// Dimensions returns the configured embedding width.
func (e *OpenAIEmbedder) Dimensions() int { return e.dimension }

// Embed requests a single embedding for text.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	body := map[string]any{
		"model": e.model,
		"input": text,
	}
	var resp struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := e.client.PostJSON(ctx, e.baseURL+"/embeddings", body, &resp); err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 {
		return nil, clawerr.New(clawerr.KindProvider, "embeddings response carried no data")
	}
	vec := resp.Data[0].Embedding
	if len(vec) != e.dimension {
		return nil, clawerr.Newf(clawerr.KindProvider, "embedding dimension %d, want %d", len(vec), e.dimension)
	}
	return vec, nil
}
