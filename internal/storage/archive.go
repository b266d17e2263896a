package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/sagehq/sage/internal/domain"
)

// JobArchive writes terminal jobs to object storage as JSON documents. Keys
// are date-partitioned so downstream batch readers can prune by prefix.
type JobArchive struct {
	store  ObjectStorage
	prefix string
}

// NewJobArchive creates an archive writer over store. prefix defaults to
// "jobs" when empty.
func NewJobArchive(store ObjectStorage, prefix string) *JobArchive {
	if prefix == "" {
		prefix = "jobs"
	}
	return &JobArchive{store: store, prefix: prefix}
}

// ArchiveKey returns the object key for a job.
func (a *JobArchive) ArchiveKey(job *domain.Job) string {
	return fmt.Sprintf("%s/%s/%s.json", a.prefix, job.CreatedAt.UTC().Format("2006/01/02"), job.ID)
}

// ArchiveJob uploads the job's aggregate as a JSON object. Overwriting an
// existing key with the same content is harmless, so re-archiving after a
// crashed stamp is safe.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - job: terminal job to persist.
// Returns:
//   - string: the object key written.
//   - error: non-nil on marshal or upload failure.
func (a *JobArchive) ArchiveJob(ctx context.Context, job *domain.Job) (string, error) {
	body, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job %s: %w", job.ID, err)
	}

	key := a.ArchiveKey(job)
	if err := a.store.Upload(ctx, key, bytes.NewReader(body), int64(len(body)), "application/json"); err != nil {
		return "", err
	}
	return key, nil
}
