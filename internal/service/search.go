package service

import (
	"context"
	"fmt"
	"time"

	"github.com/sagehq/sage/internal/domain"
	"github.com/sagehq/sage/internal/logger"
)

// SearchService answers semantic queries: embed the query text, then run a
// nearest-neighbor query against the vector store.
type SearchService struct {
	embedder Embedder
	store    *VectorStoreService
	logger   *logger.Logger
	cfg      SearchConfig
}

// SearchConfig tunes search behavior.
type SearchConfig struct {
	DefaultTopK    int
	ScoreThreshold float32
}

// NewSearchService creates a new search service.
func NewSearchService(embedder Embedder, store *VectorStoreService, log *logger.Logger, cfg SearchConfig) *SearchService {
	if cfg.DefaultTopK <= 0 {
		cfg.DefaultTopK = 5
	}
	return &SearchService{
		embedder: embedder,
		store:    store,
		logger:   log,
		cfg:      cfg,
	}
}

// SearchRequest is a semantic search query.
type SearchRequest struct {
	Query    string `json:"query" binding:"required"`
	TopK     int    `json:"k"`
	Symbol   string `json:"symbol"`
	Source   string `json:"source"`
	Category string `json:"category"`
}

// SearchResult is one hit in a search response.
type SearchResult struct {
	ID       string          `json:"id"`
	Text     string          `json:"text"`
	Score    float32         `json:"score"`
	Metadata domain.Metadata `json:"metadata"`
}

// SearchResponse is the full search response.
type SearchResponse struct {
	Results []SearchResult `json:"results"`
	Count   int            `json:"count"`
	TookMs  int64          `json:"took_ms"`
}

// Search runs a semantic query. No rows matching the filter yields an empty
// result, not an error.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - req: search request.
// Returns:
//   - *SearchResponse: results in descending similarity order.
//   - error: embedding or store failure.
func (s *SearchService) Search(ctx context.Context, req *SearchRequest) (*SearchResponse, error) {
	if req.Query == "" {
		return nil, fmt.Errorf("query must not be empty")
	}
	topK := req.TopK
	if topK <= 0 {
		topK = s.cfg.DefaultTopK
	}

	start := time.Now()

	embedding, err := s.embedder.Embed(ctx, req.Query)
	if err != nil {
		return nil, err
	}

	var filter *QueryFilter
	if req.Symbol != "" || req.Source != "" || req.Category != "" {
		filter = &QueryFilter{
			Symbol:   req.Symbol,
			Source:   req.Source,
			Category: req.Category,
		}
	}

	matches, err := s.store.Query(ctx, embedding, topK, filter)
	if err != nil {
		return nil, err
	}

	results := make([]SearchResult, 0, len(matches))
	for _, m := range matches {
		if m.Score < s.cfg.ScoreThreshold {
			continue
		}
		results = append(results, SearchResult{
			ID:       m.ID,
			Text:     m.Text,
			Score:    m.Score,
			Metadata: m.Metadata,
		})
	}

	took := time.Since(start)
	s.log(ctx).WithFields(logger.Fields{
		logger.FieldCount:      len(results),
		logger.FieldDurationMs: took.Milliseconds(),
	}).Debug("Search completed")

	return &SearchResponse{
		Results: results,
		Count:   len(results),
		TookMs:  took.Milliseconds(),
	}, nil
}

func (s *SearchService) log(ctx context.Context) *logger.Logger {
	if l := logger.FromContext(ctx); l != nil {
		return l
	}
	return s.logger
}
