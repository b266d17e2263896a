package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sagehq/sage/internal/domain"
	"github.com/sagehq/sage/internal/logger"
)

// IngestService handles the document ingestion path: embed the text, then
// upsert it into the vector store. Both steps are idempotent, so the whole
// operation is safe to re-run on redelivery.
type IngestService struct {
	embedder Embedder
	store    *VectorStoreService
	logger   *logger.Logger
}

// NewIngestService creates a new ingest service.
func NewIngestService(embedder Embedder, store *VectorStoreService, log *logger.Logger) *IngestService {
	return &IngestService{
		embedder: embedder,
		store:    store,
		logger:   log,
	}
}

// Ingest embeds text and upserts it into the store. A timestamp metadata key
// is stamped on every write so re-ingestion of identical text is visible in
// the merged metadata.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - text: document text; must be non-empty.
//   - metadata: metadata to attach or merge.
// Returns:
//   - *domain.Document: the stored document row.
//   - error: embedding or store failure from the taxonomy in domain.
func (s *IngestService) Ingest(ctx context.Context, text string, metadata domain.Metadata) (*domain.Document, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("text must not be empty")
	}

	start := time.Now()

	embedding, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	// stamp into a copy; the caller's map (often a task payload) stays untouched
	extra := make(map[string]interface{}, len(metadata.Extra)+1)
	for k, v := range metadata.Extra {
		extra[k] = v
	}
	extra[domain.MetaKeyTimestamp] = time.Now().UTC().Format(time.RFC3339)
	metadata.Extra = extra

	doc, err := s.store.Upsert(ctx, text, embedding, metadata)
	if err != nil {
		return nil, err
	}

	logger.With(logger.Fields{
		logger.FieldDocumentID: doc.ID,
		logger.FieldDurationMs: time.Since(start).Milliseconds(),
	}).Info(ctx, "Document ingested")

	return doc, nil
}
