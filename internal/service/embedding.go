package service

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sagehq/sage/internal/domain"
)

// Embedder is the boundary to the external embedding function. The model is
// opaque: text in, fixed-width vector out.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// EmbeddingService calls the embedding endpoint over HTTP with bounded
// timeouts and retries. After the retry budget is spent the caller sees
// ErrEmbeddingUnavailable and decides at the task level.
type EmbeddingService struct {
	client     *resty.Client
	endpoint   string
	model      string
	dimensions int
}

// EmbeddingClientConfig holds configuration for the embedding client.
type EmbeddingClientConfig struct {
	Endpoint   string
	APIKey     string
	Model      string
	Dimensions int
	Timeout    time.Duration
	MaxRetries int
}

// NewEmbeddingService creates a new embedding client.
func NewEmbeddingService(cfg *EmbeddingClientConfig) *EmbeddingService {
	if cfg.Dimensions <= 0 {
		cfg.Dimensions = domain.EmbeddingDimensions
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}

	client := resty.New()
	client.SetTimeout(cfg.Timeout)
	client.SetRetryCount(cfg.MaxRetries - 1)
	client.SetRetryWaitTime(200 * time.Millisecond)
	client.SetRetryMaxWaitTime(2 * time.Second)
	client.AddRetryCondition(func(r *resty.Response, err error) bool {
		return err != nil || r.StatusCode() >= 500
	})
	client.SetHeader("Content-Type", "application/json")
	if cfg.APIKey != "" {
		client.SetHeader("Authorization", "Bearer "+cfg.APIKey)
	}

	return &EmbeddingService{
		client:     client,
		endpoint:   cfg.Endpoint,
		model:      cfg.Model,
		dimensions: cfg.Dimensions,
	}
}

// GetModel returns the model name being used.
func (s *EmbeddingService) GetModel() string {
	return s.model
}

// Embedding API request/response structures
type embedRequest struct {
	Model string   `json:"model,omitempty"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Detail string `json:"detail,omitempty"`
}

// Embed generates an embedding for a single text.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - text: input text.
// Returns:
//   - []float32: vector of exactly domain.EmbeddingDimensions entries.
//   - error: wraps domain.ErrEmbeddingUnavailable after retry exhaustion.
func (s *EmbeddingService) Embed(ctx context.Context, text string) ([]float32, error) {
	embeddings, err := s.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(embeddings) == 0 {
		return nil, fmt.Errorf("%w: no embedding returned", domain.ErrEmbeddingUnavailable)
	}
	return embeddings[0], nil
}

// EmbedBatch generates embeddings for multiple texts.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - texts: input texts.
// Returns:
//   - [][]float32: one vector per input, in input order.
//   - error: wraps domain.ErrEmbeddingUnavailable after retry exhaustion.
func (s *EmbeddingService) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	req := embedRequest{
		Model: s.model,
		Input: texts,
	}

	var resp embedResponse
	httpResp, err := s.client.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&resp).
		Post(s.endpoint)

	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrEmbeddingUnavailable, err)
	}

	if httpResp.StatusCode() != 200 {
		if resp.Detail != "" {
			return nil, fmt.Errorf("%w: %s", domain.ErrEmbeddingUnavailable, resp.Detail)
		}
		return nil, fmt.Errorf("%w: status %d", domain.ErrEmbeddingUnavailable, httpResp.StatusCode())
	}

	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("%w: got %d embeddings, expected %d", domain.ErrEmbeddingUnavailable, len(resp.Data), len(texts))
	}

	// Sort by index to ensure correct order
	embeddings := make([][]float32, len(texts))
	for _, item := range resp.Data {
		if len(item.Embedding) != s.dimensions {
			return nil, fmt.Errorf("%w: got %d dimensions, expected %d", domain.ErrEmbeddingUnavailable, len(item.Embedding), s.dimensions)
		}
		if item.Index < len(embeddings) {
			embeddings[item.Index] = item.Embedding
		}
	}

	return embeddings, nil
}
