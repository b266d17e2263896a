// Package worker runs the agent pool: it polls the task queue, dispatches
// claimed tasks to role handlers on a bounded goroutine pool, and reports
// outcomes back to the orchestrator. A task is acked only after its result is
// recorded, so a crash anywhere in between leads to redelivery, never loss.
package worker

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sagehq/sage/internal/domain"
	"github.com/sagehq/sage/internal/service"
)

// Handler executes one agent role. Handlers must be idempotent: redelivery
// after a lease expiry reruns them with the same payload.
type Handler interface {
	Handle(ctx context.Context, task *domain.Task) (domain.JSONPayload, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, task *domain.Task) (domain.JSONPayload, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, task *domain.Task) (domain.JSONPayload, error) {
	return f(ctx, task)
}

// Registry maps roles to their handlers.
type Registry map[domain.AgentRole]Handler

// NewRegistry wires the built-in role handlers.
// Parameters:
//   - ingest: ingestion service used by the research role.
//   - embedder: embedding client used by the query-side roles.
//   - store: vector store used by the query-side roles.
// Returns:
//   - Registry: handlers for research, analytics, and projection.
func NewRegistry(ingest *service.IngestService, embedder service.Embedder, store *service.VectorStoreService) Registry {
	return Registry{
		domain.RoleResearch:   &ResearchHandler{ingest: ingest},
		domain.RoleAnalytics:  &AnalyticsHandler{embedder: embedder, store: store},
		domain.RoleProjection: &ProjectionHandler{embedder: embedder, store: store},
	}
}

func payloadString(p domain.JSONPayload, key string) string {
	if v, ok := p[key].(string); ok {
		return v
	}
	return ""
}

// ResearchHandler ingests source material about a symbol into the vector
// store. Ingestion is content-hash idempotent, so redelivered research tasks
// converge on the same document row and index point.
type ResearchHandler struct {
	ingest *service.IngestService
}

// Handle ingests the payload text tagged with the payload's symbol, source,
// and category. A payload with only a query ingests the query as the research
// note, with the symbol extracted from it when not given explicitly. Returns
// the stored document's identity.
func (h *ResearchHandler) Handle(ctx context.Context, task *domain.Task) (domain.JSONPayload, error) {
	text := payloadString(task.Payload, "text")
	if strings.TrimSpace(text) == "" {
		text = payloadString(task.Payload, "query")
	}
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("research task %s: payload has no text or query", task.ID)
	}

	meta := domain.Metadata{
		Symbol:   payloadString(task.Payload, "symbol"),
		Source:   payloadString(task.Payload, "source"),
		Category: payloadString(task.Payload, "category"),
	}
	if meta.Symbol == "" {
		meta.Symbol = extractSymbol(text)
	}
	if meta.Source == "" {
		meta.Source = "research-agent"
	}

	doc, err := h.ingest.Ingest(ctx, text, meta)
	if err != nil {
		return nil, err
	}

	return domain.JSONPayload{
		"document_id":  doc.ID,
		"content_hash": doc.ContentHash,
		"symbol":       meta.Symbol,
	}, nil
}

// extractSymbol returns the first token of text that looks like a ticker:
// 2-5 uppercase letters, surrounding punctuation ignored.
func extractSymbol(text string) string {
	for _, tok := range strings.Fields(text) {
		tok = strings.Trim(tok, ".,:;()'\"")
		if len(tok) < 2 || len(tok) > 5 {
			continue
		}
		ticker := true
		for _, r := range tok {
			if r < 'A' || r > 'Z' {
				ticker = false
				break
			}
		}
		if ticker {
			return tok
		}
	}
	return ""
}

// analyticsTopK bounds how much context the query-side roles pull from the
// store. Large enough for stable aggregates, small enough to stay cheap.
const analyticsTopK = 20

// AnalyticsHandler aggregates stored documents about a symbol into summary
// metrics. It reads the store and derives numbers; it writes nothing, which
// makes it trivially idempotent.
type AnalyticsHandler struct {
	embedder service.Embedder
	store    *service.VectorStoreService
}

// Handle queries documents relevant to the payload's symbol and returns
// aggregate metrics over the matches.
func (h *AnalyticsHandler) Handle(ctx context.Context, task *domain.Task) (domain.JSONPayload, error) {
	symbol := payloadString(task.Payload, "symbol")
	query := payloadString(task.Payload, "query")
	if query == "" {
		query = symbol
	}
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("analytics task %s: payload has no symbol or query", task.ID)
	}

	matches, err := h.queryMatches(ctx, query, symbol)
	if err != nil {
		return nil, err
	}

	var scoreSum float32
	sources := map[string]int{}
	for _, m := range matches {
		scoreSum += m.Score
		if m.Metadata.Source != "" {
			sources[m.Metadata.Source]++
		}
	}

	result := domain.JSONPayload{
		"symbol":         symbol,
		"document_count": len(matches),
		"sources":        sources,
	}
	if len(matches) > 0 {
		result["mean_score"] = scoreSum / float32(len(matches))
		result["top_document_id"] = matches[0].ID
	}
	return result, nil
}

func (h *AnalyticsHandler) queryMatches(ctx context.Context, query, symbol string) ([]domain.DocumentMatch, error) {
	embedding, err := h.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	var filter *service.QueryFilter
	if symbol != "" {
		filter = &service.QueryFilter{Symbol: symbol}
	}
	return h.store.Query(ctx, embedding, analyticsTopK, filter)
}

// ProjectionHandler derives a forward-looking signal for a symbol from the
// relevance and recency of its stored documents. Pure function of the store
// contents, so reruns produce the same answer for the same corpus.
type ProjectionHandler struct {
	embedder service.Embedder
	store    *service.VectorStoreService
}

// Handle queries documents about the payload's symbol and scores a projection
// from relevance weighted by document age.
func (h *ProjectionHandler) Handle(ctx context.Context, task *domain.Task) (domain.JSONPayload, error) {
	symbol := payloadString(task.Payload, "symbol")
	if strings.TrimSpace(symbol) == "" {
		return nil, fmt.Errorf("projection task %s: payload has no symbol", task.ID)
	}
	horizon := payloadString(task.Payload, "horizon")
	if horizon == "" {
		horizon = "30d"
	}

	embedding, err := h.embedder.Embed(ctx, symbol+" outlook")
	if err != nil {
		return nil, err
	}
	matches, err := h.store.Query(ctx, embedding, analyticsTopK, &service.QueryFilter{Symbol: symbol})
	if err != nil {
		return nil, err
	}

	if len(matches) == 0 {
		return domain.JSONPayload{
			"symbol":      symbol,
			"horizon":     horizon,
			"confidence":  0.0,
			"basis_count": 0,
		}, nil
	}

	// Relevance decays with age: a week halves a document's weight.
	now := time.Now().UTC()
	var weighted, total float64
	for _, m := range matches {
		ageDays := now.Sub(m.CreatedAt).Hours() / 24
		weight := 1.0 / (1.0 + ageDays/7.0)
		weighted += float64(m.Score) * weight
		total += weight
	}
	confidence := weighted / total

	categories := map[string]int{}
	for _, m := range matches {
		if m.Metadata.Category != "" {
			categories[m.Metadata.Category]++
		}
	}
	dominant := ""
	keys := make([]string, 0, len(categories))
	for k := range categories {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	best := 0
	for _, k := range keys {
		if categories[k] > best {
			best = categories[k]
			dominant = k
		}
	}

	return domain.JSONPayload{
		"symbol":            symbol,
		"horizon":           horizon,
		"confidence":        confidence,
		"basis_count":       len(matches),
		"dominant_category": dominant,
	}, nil
}
