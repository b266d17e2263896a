package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sagehq/sage/internal/domain"
	"gorm.io/gorm"
)

// DocumentRepository handles document row operations.
type DocumentRepository struct {
	db *gorm.DB
}

// NewDocumentRepository creates a new DocumentRepository.
// Parameters:
//   - db: GORM database handle used for queries.
// Returns:
//   - *DocumentRepository: repository instance bound to db.
func NewDocumentRepository(db *gorm.DB) *DocumentRepository {
	return &DocumentRepository{db: db}
}

// UpsertByContentHash creates or updates the document row keyed by the content
// hash of its text. On conflict the metadata of the existing row is merged with
// the incoming metadata (later write wins per key) and updated_at refreshes;
// the original id and created_at are kept. Two calls with the same text never
// produce two rows.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - text: document text; the content hash is derived from it.
//   - metadata: metadata to attach or merge.
// Returns:
//   - *domain.Document: the stored row after the upsert.
//   - error: non-nil if the transaction fails.
func (r *DocumentRepository) UpsertByContentHash(ctx context.Context, text string, metadata domain.Metadata) (*domain.Document, error) {
	hash := domain.ContentHash(text)

	var doc domain.Document
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.First(&doc, "content_hash = ?", hash).Error
		switch {
		case err == nil:
			doc.Metadata = doc.Metadata.Merge(metadata)
			doc.UpdatedAt = time.Now().UTC()
			return tx.Save(&doc).Error
		case errors.Is(err, gorm.ErrRecordNotFound):
			now := time.Now().UTC()
			doc = domain.Document{
				ID:          uuid.New().String(),
				Text:        text,
				ContentHash: hash,
				Metadata:    metadata,
				CreatedAt:   now,
				UpdatedAt:   now,
			}
			return tx.Create(&doc).Error
		default:
			return err
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upsert document: %w", err)
	}
	return &doc, nil
}

// GetByID retrieves a document by its ID.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: document ID.
// Returns:
//   - *domain.Document: document row if found.
//   - error: non-nil if lookup fails.
func (r *DocumentRepository) GetByID(ctx context.Context, id string) (*domain.Document, error) {
	var doc domain.Document
	if err := r.db.WithContext(ctx).First(&doc, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &doc, nil
}

// GetByContentHash retrieves a document by its content hash.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - hash: hex-encoded SHA-256 of the document text.
// Returns:
//   - *domain.Document: document row if found.
//   - error: non-nil if lookup fails.
func (r *DocumentRepository) GetByContentHash(ctx context.Context, hash string) (*domain.Document, error) {
	var doc domain.Document
	if err := r.db.WithContext(ctx).First(&doc, "content_hash = ?", hash).Error; err != nil {
		return nil, err
	}
	return &doc, nil
}

// GetByIDs retrieves documents by a list of IDs.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - ids: list of document IDs.
// Returns:
//   - []domain.Document: matching rows.
//   - error: non-nil if the query fails.
func (r *DocumentRepository) GetByIDs(ctx context.Context, ids []string) ([]domain.Document, error) {
	if len(ids) == 0 {
		return []domain.Document{}, nil
	}
	var docs []domain.Document
	if err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&docs).Error; err != nil {
		return nil, fmt.Errorf("failed to get documents by IDs: %w", err)
	}
	return docs, nil
}

// Count counts all document rows.
// Parameters:
//   - ctx: context for cancellation and deadlines.
// Returns:
//   - int64: number of rows.
//   - error: non-nil if the query fails.
func (r *DocumentRepository) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&domain.Document{}).Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}
