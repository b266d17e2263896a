package service

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sagehq/sage/internal/domain"
	"github.com/sagehq/sage/internal/logger"
	"github.com/sagehq/sage/internal/repository"
)

type fakeIndex struct {
	collection string
	points     map[string][]float32
	payloads   map[string]*repository.DocumentPayload
	matches    []repository.VectorMatch
	lastFilter *repository.SearchFilters
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{
		collection: "documents",
		points:     map[string][]float32{},
		payloads:   map[string]*repository.DocumentPayload{},
	}
}

func (f *fakeIndex) Collection() string { return f.collection }

func (f *fakeIndex) Upsert(_ context.Context, pointID string, vector []float32, payload *repository.DocumentPayload) error {
	f.points[pointID] = vector
	f.payloads[pointID] = payload
	return nil
}

func (f *fakeIndex) Search(_ context.Context, _ []float32, topK int, filters *repository.SearchFilters) ([]repository.VectorMatch, error) {
	f.lastFilter = filters
	if len(f.matches) > topK {
		return f.matches[:topK], nil
	}
	return f.matches, nil
}

type fakeRows struct {
	byHash map[string]*domain.Document
	byID   map[string]*domain.Document
}

func newFakeRows() *fakeRows {
	return &fakeRows{
		byHash: map[string]*domain.Document{},
		byID:   map[string]*domain.Document{},
	}
}

func (f *fakeRows) UpsertByContentHash(_ context.Context, text string, metadata domain.Metadata) (*domain.Document, error) {
	hash := domain.ContentHash(text)
	if existing, ok := f.byHash[hash]; ok {
		existing.Metadata = existing.Metadata.Merge(metadata)
		existing.UpdatedAt = time.Now().UTC()
		return existing, nil
	}
	doc := &domain.Document{
		ID:          uuid.New().String(),
		Text:        text,
		ContentHash: hash,
		Metadata:    metadata,
		CreatedAt:   time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
	}
	f.byHash[hash] = doc
	f.byID[doc.ID] = doc
	return doc, nil
}

func (f *fakeRows) GetByIDs(_ context.Context, ids []string) ([]domain.Document, error) {
	var out []domain.Document
	for _, id := range ids {
		if d, ok := f.byID[id]; ok {
			out = append(out, *d)
		}
	}
	return out, nil
}

func (f *fakeRows) Count(_ context.Context) (int64, error) {
	return int64(len(f.byID)), nil
}

func testVector() []float32 {
	v := make([]float32, domain.EmbeddingDimensions)
	for i := range v {
		v[i] = float32(i) / float32(len(v))
	}
	return v
}

func newTestStore(t *testing.T) (*VectorStoreService, *fakeRows, *fakeIndex) {
	t.Helper()
	rows := newFakeRows()
	index := newFakeIndex()
	return NewVectorStoreService(rows, index, logger.New(nil)), rows, index
}

func TestUpsertIsIdempotent(t *testing.T) {
	store, rows, index := newTestStore(t)
	ctx := context.Background()

	first, err := store.Upsert(ctx, "TSLA delivery numbers", testVector(), domain.Metadata{Symbol: "TSLA"})
	require.NoError(t, err)

	second, err := store.Upsert(ctx, "TSLA delivery numbers", testVector(), domain.Metadata{Source: "reuters"})
	require.NoError(t, err)

	// one row, one point, merged metadata
	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, rows.byID, 1)
	assert.Len(t, index.points, 1)
	assert.Equal(t, "TSLA", second.Metadata.Symbol)
	assert.Equal(t, "reuters", second.Metadata.Source)
}

func TestUpsertPointIDDeterministic(t *testing.T) {
	hash := domain.ContentHash("some text")
	assert.Equal(t, pointIDFor("documents", hash), pointIDFor("documents", hash))
	assert.NotEqual(t, pointIDFor("documents", hash), pointIDFor("other", hash))
	assert.NotEqual(t, pointIDFor("documents", hash), pointIDFor("documents", domain.ContentHash("other text")))
}

func TestQueryJoinsAndOrders(t *testing.T) {
	store, rows, index := newTestStore(t)
	ctx := context.Background()

	older, err := rows.UpsertByContentHash(ctx, "doc older", domain.Metadata{})
	require.NoError(t, err)
	older.CreatedAt = time.Now().UTC().Add(-time.Hour)

	newer, err := rows.UpsertByContentHash(ctx, "doc newer", domain.Metadata{})
	require.NoError(t, err)

	best, err := rows.UpsertByContentHash(ctx, "doc best", domain.Metadata{})
	require.NoError(t, err)

	// equal scores between older and newer force the created_at tie-break
	index.matches = []repository.VectorMatch{
		{ID: "p1", Score: 0.7, Payload: &repository.DocumentPayload{DocumentID: older.ID}},
		{ID: "p2", Score: 0.9, Payload: &repository.DocumentPayload{DocumentID: best.ID}},
		{ID: "p3", Score: 0.7, Payload: &repository.DocumentPayload{DocumentID: newer.ID}},
	}

	got, err := store.Query(ctx, testVector(), 3, nil)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, best.ID, got[0].ID)
	assert.Equal(t, newer.ID, got[1].ID, "newer document wins the score tie")
	assert.Equal(t, older.ID, got[2].ID)
}

func TestQueryTruncatesToK(t *testing.T) {
	store, rows, index := newTestStore(t)
	ctx := context.Background()

	for i, text := range []string{"a", "b", "c"} {
		doc, err := rows.UpsertByContentHash(ctx, text, domain.Metadata{})
		require.NoError(t, err)
		index.matches = append(index.matches, repository.VectorMatch{
			ID:      doc.ID,
			Score:   1.0 - float32(i)*0.1,
			Payload: &repository.DocumentPayload{DocumentID: doc.ID},
		})
	}

	got, err := store.Query(ctx, testVector(), 2, nil)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestQueryEmptyResult(t *testing.T) {
	store, _, _ := newTestStore(t)

	got, err := store.Query(context.Background(), testVector(), 5, nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestQuerySkipsOrphanedPoints(t *testing.T) {
	store, rows, index := newTestStore(t)
	ctx := context.Background()

	doc, err := rows.UpsertByContentHash(ctx, "kept", domain.Metadata{})
	require.NoError(t, err)

	index.matches = []repository.VectorMatch{
		{ID: "gone", Score: 0.95, Payload: &repository.DocumentPayload{DocumentID: "deleted-row"}},
		{ID: "kept", Score: 0.5, Payload: &repository.DocumentPayload{DocumentID: doc.ID}},
	}

	got, err := store.Query(ctx, testVector(), 5, nil)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, doc.ID, got[0].ID)
}

func TestQueryFilterMapping(t *testing.T) {
	store, _, index := newTestStore(t)

	_, err := store.Query(context.Background(), testVector(), 5, &QueryFilter{Symbol: "AAPL", Category: "earnings"})
	require.NoError(t, err)

	require.NotNil(t, index.lastFilter)
	require.NotNil(t, index.lastFilter.Symbol)
	assert.Equal(t, "AAPL", *index.lastFilter.Symbol)
	assert.Nil(t, index.lastFilter.Source)
	require.NotNil(t, index.lastFilter.Category)
	assert.Equal(t, "earnings", *index.lastFilter.Category)
}
