package repository

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/sagehq/sage/internal/domain"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&domain.Document{}, &domain.Job{}, &domain.Task{}))
	return db
}

func TestUpsertCreatesThenMerges(t *testing.T) {
	repo := NewDocumentRepository(newTestDB(t))
	ctx := context.Background()

	first, err := repo.UpsertByContentHash(ctx, "AAPL quarterly report", domain.Metadata{
		Symbol: "AAPL",
		Extra:  map[string]interface{}{"quarter": "Q3"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, first.ID)
	assert.Equal(t, domain.ContentHash("AAPL quarterly report"), first.ContentHash)

	second, err := repo.UpsertByContentHash(ctx, "AAPL quarterly report", domain.Metadata{
		Source: "sec",
		Extra:  map[string]interface{}{"quarter": "Q4"},
	})
	require.NoError(t, err)

	// same row, merged metadata, later write wins per key
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.CreatedAt.Unix(), second.CreatedAt.Unix())
	assert.Equal(t, "AAPL", second.Metadata.Symbol)
	assert.Equal(t, "sec", second.Metadata.Source)
	assert.Equal(t, "Q4", second.Metadata.Extra["quarter"])

	count, err := repo.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)
}

func TestUpsertDistinctTexts(t *testing.T) {
	repo := NewDocumentRepository(newTestDB(t))
	ctx := context.Background()

	a, err := repo.UpsertByContentHash(ctx, "text a", domain.Metadata{})
	require.NoError(t, err)
	b, err := repo.UpsertByContentHash(ctx, "text b", domain.Metadata{})
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID)

	count, err := repo.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)
}

func TestGetByIDs(t *testing.T) {
	repo := NewDocumentRepository(newTestDB(t))
	ctx := context.Background()

	a, err := repo.UpsertByContentHash(ctx, "text a", domain.Metadata{Symbol: "AAPL"})
	require.NoError(t, err)
	_, err = repo.UpsertByContentHash(ctx, "text b", domain.Metadata{})
	require.NoError(t, err)

	docs, err := repo.GetByIDs(ctx, []string{a.ID, "missing"})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, a.ID, docs[0].ID)
	assert.Equal(t, "AAPL", docs[0].Metadata.Symbol)

	empty, err := repo.GetByIDs(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestGetByContentHash(t *testing.T) {
	repo := NewDocumentRepository(newTestDB(t))
	ctx := context.Background()

	created, err := repo.UpsertByContentHash(ctx, "lookup me", domain.Metadata{})
	require.NoError(t, err)

	got, err := repo.GetByContentHash(ctx, domain.ContentHash("lookup me"))
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)

	_, err = repo.GetByContentHash(ctx, domain.ContentHash("never stored"))
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}
