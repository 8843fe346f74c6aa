package embedding

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/sashabaranov/go-openai"
)

// HTTPEmbedder calls an external OpenAI-compatible embedding service.
//
// This implementation works with:
//   - Ollama's OpenAI-compatible endpoint (local, recommended)
//   - Hugging Face TEI (Text Embeddings Inference)
//   - LocalAI (self-hosted)
//   - OpenAI (cloud)
//
// Uses the standard OpenAI SDK for consistency and compatibility.
type HTTPEmbedder struct {
	client     *openai.Client
	model      string
	dimensions int
}

// HTTPConfig configures the HTTP embedder.
type HTTPConfig struct {
	// BaseURL is the base URL of the embedding service, e.g.
	// "http://localhost:11434/v1" for Ollama.
	BaseURL string

	// Model is the embedding model to use, e.g. "all-MiniLM-L6-v2".
	Model string

	// APIKey for authentication (optional for local services).
	APIKey string

	// Timeout for HTTP requests (default: 30s).
	Timeout time.Duration
}

// NewHTTPEmbedder creates a new HTTP-based embedder.
func NewHTTPEmbedder(cfg HTTPConfig) (*HTTPEmbedder, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base_url is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = "dummy-key" // Local services don't need a real key
	}

	config := openai.DefaultConfig(apiKey)
	config.BaseURL = cfg.BaseURL
	config.HTTPClient = &http.Client{
		Timeout: timeout,
	}

	return &HTTPEmbedder{
		client:     openai.NewClientWithConfig(config),
		model:      cfg.Model,
		dimensions: 384, // Detected on first call
	}, nil
}

// Generate creates embeddings by calling the external HTTP service.
func (h *HTTPEmbedder) Generate(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	req := openai.EmbeddingRequest{
		Input: texts,
		Model: openai.EmbeddingModel(h.model),
	}

	resp, err := h.client.CreateEmbeddings(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("embedding API call failed: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("API returned %d embeddings for %d texts", len(resp.Data), len(texts))
	}

	embeddings := make([][]float32, len(texts))
	for i, data := range resp.Data {
		embeddings[i] = data.Embedding
		if len(data.Embedding) > 0 {
			h.dimensions = len(data.Embedding)
		}
	}

	return embeddings, nil
}

// Probe checks whether the inference server answers, using a minimal
// embedding request. The sandbox runtime calls this once at startup to
// decide between the accelerated and fallback backends.
func (h *HTTPEmbedder) Probe(ctx context.Context) error {
	_, err := h.Generate(ctx, []string{"ping"})
	return err
}

// Dimensions returns the dimensionality of embeddings produced.
func (h *HTTPEmbedder) Dimensions() int {
	return h.dimensions
}

// Model returns the model identifier.
func (h *HTTPEmbedder) Model() string {
	return h.model
}

// Close releases resources (no-op for HTTP client).
func (h *HTTPEmbedder) Close() error {
	return nil
}
