package service

import (
	"context"
	"sort"

	"github.com/google/uuid"
	"github.com/sagehq/sage/internal/domain"
	"github.com/sagehq/sage/internal/logger"
	"github.com/sagehq/sage/internal/repository"
)

// VectorIndex is the similarity-index side of the store, implemented by the
// Qdrant repository.
type VectorIndex interface {
	Collection() string
	Upsert(ctx context.Context, pointID string, vector []float32, payload *repository.DocumentPayload) error
	Search(ctx context.Context, vector []float32, topK int, filters *repository.SearchFilters) ([]repository.VectorMatch, error)
}

// DocumentRows is the relational side of the store.
type DocumentRows interface {
	UpsertByContentHash(ctx context.Context, text string, metadata domain.Metadata) (*domain.Document, error)
	GetByIDs(ctx context.Context, ids []string) ([]domain.Document, error)
	Count(ctx context.Context) (int64, error)
}

// QueryFilter restricts similarity-query candidates by recognized metadata
// keys. Applied as a pre-filter inside the index.
type QueryFilter struct {
	Symbol   string
	Source   string
	Category string
}

// VectorStoreService is the vector store contract: idempotent upsert by
// content hash and approximate nearest-neighbor query. The document row and
// the index point share an identity derived from the content hash, so a
// redelivered write lands exactly where the first one did.
type VectorStoreService struct {
	docs   DocumentRows
	index  VectorIndex
	logger *logger.Logger
}

// NewVectorStoreService creates a new vector store service.
func NewVectorStoreService(docs DocumentRows, index VectorIndex, log *logger.Logger) *VectorStoreService {
	return &VectorStoreService{
		docs:   docs,
		index:  index,
		logger: log,
	}
}

// pointIDNamespace scopes deterministic point IDs to this system.
var pointIDNamespace = uuid.MustParse("7a0e4cd6-5ac3-49b4-91c7-3a1fd8c21c55")

// pointIDFor derives a stable UUID for a vector point from the collection and
// the content hash. The same text always maps to the same point.
func pointIDFor(collection, contentHash string) string {
	return uuid.NewSHA1(pointIDNamespace, []byte(collection+"/"+contentHash)).String()
}

// Upsert stores text with its embedding and metadata. Calling it twice with
// the same text merges metadata (later write wins per key) and refreshes
// updated_at; it never produces two rows or two points for one content hash.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - text: document text.
//   - embedding: vector for the text, domain.EmbeddingDimensions wide.
//   - metadata: metadata to attach or merge.
// Returns:
//   - *domain.Document: the stored document row.
//   - error: wraps domain.ErrStoreUnavailable on connectivity loss; retry-safe.
func (s *VectorStoreService) Upsert(ctx context.Context, text string, embedding []float32, metadata domain.Metadata) (*domain.Document, error) {
	doc, err := s.docs.UpsertByContentHash(ctx, text, metadata)
	if err != nil {
		return nil, err
	}

	payload := &repository.DocumentPayload{
		DocumentID:  doc.ID,
		ContentHash: doc.ContentHash,
		Symbol:      doc.Metadata.Symbol,
		Source:      doc.Metadata.Source,
		Category:    doc.Metadata.Category,
		CreatedAt:   doc.CreatedAt.UnixMilli(),
	}

	pointID := pointIDFor(s.index.Collection(), doc.ContentHash)
	if err := s.index.Upsert(ctx, pointID, embedding, payload); err != nil {
		return nil, err
	}

	s.log(ctx).WithFields(logger.Fields{
		logger.FieldDocumentID: doc.ID,
		"content_hash":         doc.ContentHash[:12],
	}).Debug("Document upserted")

	return doc, nil
}

// Query returns up to k documents nearest to embedding, descending by cosine
// similarity. Ties break by created_at descending so result order is stable.
// An empty result is not an error.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - embedding: query vector.
//   - k: maximum number of results.
//   - filter: optional metadata pre-filter; nil matches everything.
// Returns:
//   - []domain.DocumentMatch: matches with scores, length <= k.
//   - error: wraps domain.ErrStoreUnavailable on connectivity loss.
func (s *VectorStoreService) Query(ctx context.Context, embedding []float32, k int, filter *QueryFilter) ([]domain.DocumentMatch, error) {
	var filters *repository.SearchFilters
	if filter != nil {
		filters = &repository.SearchFilters{}
		if filter.Symbol != "" {
			filters.Symbol = &filter.Symbol
		}
		if filter.Source != "" {
			filters.Source = &filter.Source
		}
		if filter.Category != "" {
			filters.Category = &filter.Category
		}
	}

	matches, err := s.index.Search(ctx, embedding, k, filters)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return []domain.DocumentMatch{}, nil
	}

	ids := make([]string, 0, len(matches))
	for _, m := range matches {
		if m.Payload != nil && m.Payload.DocumentID != "" {
			ids = append(ids, m.Payload.DocumentID)
		}
	}

	docs, err := s.docs.GetByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]domain.Document, len(docs))
	for _, d := range docs {
		byID[d.ID] = d
	}

	results := make([]domain.DocumentMatch, 0, len(matches))
	for _, m := range matches {
		if m.Payload == nil {
			continue
		}
		doc, ok := byID[m.Payload.DocumentID]
		if !ok {
			// Index point without a row: the row write is ordered first, so
			// this only happens after an administrative delete.
			continue
		}
		results = append(results, domain.DocumentMatch{Document: doc, Score: m.Score})
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].CreatedAt.After(results[j].CreatedAt)
	})

	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// Count returns the number of stored documents.
func (s *VectorStoreService) Count(ctx context.Context) (int64, error) {
	return s.docs.Count(ctx)
}

func (s *VectorStoreService) log(ctx context.Context) *logger.Logger {
	if l := logger.FromContext(ctx); l != nil {
		return l
	}
	return s.logger
}
