// Package embedding generates vector embeddings for the knowledge base
// and the lesson store.
//
// Defines a Provider interface and an OpenAI implementation. The
// interface allows swapping embedding providers without changing
// consumers.
package embedding

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/pgvector/pgvector-go"

	"github.com/ashita-ai/hanrei/internal/httpx"
)

const (
	// DefaultModel is the embedding model used unless configured
	// otherwise.
	DefaultModel = "text-embedding-3-large"

	// DefaultDimensions matches DefaultModel's native output size.
	DefaultDimensions = 3072

	// batchTimeout bounds a single embeddings call.
	batchTimeout = 60 * time.Second

	// maxAttempts is the retry budget for transient upstream failures.
	maxAttempts = 8
)

// Provider generates vector embeddings from text.
type Provider interface {
	// Embed generates a single embedding vector from text.
	Embed(ctx context.Context, text string) (pgvector.Vector, error)

	// EmbedBatch generates embeddings for multiple texts.
	EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error)

	// Dimensions returns the embedding vector dimensionality.
	Dimensions() int

	// Model returns the model identifier recorded as provenance.
	Model() string
}

// OpenAIProvider generates embeddings using the OpenAI API. Transient
// failures (429 and 5xx) are retried with capped exponential backoff.
type OpenAIProvider struct {
	apiKey     string
	model      string
	client     *httpx.Client
	dimensions int
	endpoint   string
}

// OpenAIOption configures an OpenAIProvider.
type OpenAIOption func(*OpenAIProvider)

// WithEndpoint overrides the embeddings URL (tests, proxies).
func WithEndpoint(url string) OpenAIOption {
	return func(p *OpenAIProvider) { p.endpoint = url }
}

// WithHTTPClient overrides the retrying HTTP client.
func WithHTTPClient(c *httpx.Client) OpenAIOption {
	return func(p *OpenAIProvider) { p.client = c }
}

// NewOpenAIProvider creates an OpenAI embedding provider. dims must match
// the model's output size; zero selects the default model dimensions.
func NewOpenAIProvider(apiKey, model string, dims int, logger *slog.Logger, opts ...OpenAIOption) *OpenAIProvider {
	if model == "" {
		model = DefaultModel
	}
	if dims <= 0 {
		dims = DefaultDimensions
	}
	p := &OpenAIProvider{
		apiKey:     apiKey,
		model:      model,
		client:     httpx.New(batchTimeout, logger, httpx.WithMaxAttempts(maxAttempts)),
		dimensions: dims,
		endpoint:   "https://api.openai.com/v1/embeddings",
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Dimensions returns the embedding vector size.
func (p *OpenAIProvider) Dimensions() int { return p.dimensions }

// Model returns the configured model identifier.
func (p *OpenAIProvider) Model() string { return p.model }

type openAIRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

type openAIResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Usage struct {
		PromptTokens int `json:"prompt_tokens"`
		TotalTokens  int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Embed generates a single embedding.
func (p *OpenAIProvider) Embed(ctx context.Context, text string) (pgvector.Vector, error) {
	vecs, err := p.EmbedBatch(ctx, []string{text})
	if err != nil {
		return pgvector.Vector{}, err
	}
	return vecs[0], nil
}

// EmbedBatch generates embeddings for multiple texts in a single API
// call. Every returned vector is checked against the configured
// dimensionality; a mismatch means the model and schema disagree and is
// not retryable.
func (p *OpenAIProvider) EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	reqBody, err := json.Marshal(openAIRequest{Input: texts, Model: p.model})
	if err != nil {
		return nil, fmt.Errorf("embedding: marshal request: %w", err)
	}

	headers := map[string]string{
		"Content-Type":  "application/json",
		"Authorization": "Bearer " + p.apiKey,
	}
	resp, err := p.client.RequestJSON(ctx, http.MethodPost, p.endpoint, headers, reqBody)
	if err != nil {
		return nil, fmt.Errorf("embedding: request failed: %w", err)
	}

	var result openAIResponse
	if err := resp.DecodeJSON(&result); err != nil {
		return nil, fmt.Errorf("embedding: unmarshal response: %w", err)
	}
	if result.Error != nil {
		return nil, fmt.Errorf("embedding: openai error: %s: %s", result.Error.Type, result.Error.Message)
	}

	// Ensure results are in input order.
	vecs := make([]pgvector.Vector, len(texts))
	for _, d := range result.Data {
		if d.Index < 0 || d.Index >= len(texts) {
			return nil, fmt.Errorf("embedding: invalid index %d in response", d.Index)
		}
		if len(d.Embedding) != p.dimensions {
			return nil, fmt.Errorf("embedding: model returned %d dims, schema expects %d", len(d.Embedding), p.dimensions)
		}
		vecs[d.Index] = pgvector.NewVector(d.Embedding)
	}

	return vecs, nil
}

// NoopProvider returns zero vectors. Used when no API key is configured.
type NoopProvider struct {
	dims int
}

// NewNoopProvider creates a provider that returns zero vectors.
func NewNoopProvider(dims int) *NoopProvider {
	if dims <= 0 {
		dims = DefaultDimensions
	}
	return &NoopProvider{dims: dims}
}

// Dimensions returns the embedding vector size.
func (p *NoopProvider) Dimensions() int { return p.dims }

// Model identifies the noop provider in provenance columns.
func (p *NoopProvider) Model() string { return "noop" }

// Embed returns a zero vector.
func (p *NoopProvider) Embed(_ context.Context, _ string) (pgvector.Vector, error) {
	return pgvector.NewVector(make([]float32, p.dims)), nil
}

// EmbedBatch returns zero vectors.
func (p *NoopProvider) EmbedBatch(_ context.Context, texts []string) ([]pgvector.Vector, error) {
	vecs := make([]pgvector.Vector, len(texts))
	for i := range vecs {
		vecs[i] = pgvector.NewVector(make([]float32, p.dims))
	}
	return vecs, nil
}
