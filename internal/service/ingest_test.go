package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sagehq/sage/internal/domain"
	"github.com/sagehq/sage/internal/logger"
)

type fixedEmbedder struct{}

func (fixedEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	return make([]float32, domain.EmbeddingDimensions), nil
}

func TestIngestStampsTimestamp(t *testing.T) {
	store, rows, _ := newTestStore(t)
	ingest := NewIngestService(fixedEmbedder{}, store, logger.New(nil))

	doc, err := ingest.Ingest(context.Background(), "AAPL beats on services revenue", domain.Metadata{Symbol: "AAPL"})
	require.NoError(t, err)

	stored := rows.byID[doc.ID]
	require.NotNil(t, stored)
	_, ok := stored.Metadata.Get(domain.MetaKeyTimestamp)
	assert.True(t, ok)
}

func TestIngestDoesNotMutateCallerMetadata(t *testing.T) {
	store, _, _ := newTestStore(t)
	ingest := NewIngestService(fixedEmbedder{}, store, logger.New(nil))

	extra := map[string]interface{}{"horizon": "30d"}
	meta := domain.Metadata{Symbol: "AAPL", Extra: extra}

	_, err := ingest.Ingest(context.Background(), "AAPL beats on services revenue", meta)
	require.NoError(t, err)

	// the caller's map must not pick up the stamped timestamp
	assert.Equal(t, map[string]interface{}{"horizon": "30d"}, extra)
}

func TestIngestRejectsEmptyText(t *testing.T) {
	store, _, _ := newTestStore(t)
	ingest := NewIngestService(fixedEmbedder{}, store, logger.New(nil))

	_, err := ingest.Ingest(context.Background(), "   ", domain.Metadata{})
	assert.Error(t, err)
}
