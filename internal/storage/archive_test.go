package storage

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sagehq/sage/internal/domain"
)

type memStorage struct {
	objects map[string][]byte
}

func (m *memStorage) Upload(_ context.Context, key string, reader io.Reader, _ int64, _ string) error {
	if m.objects == nil {
		m.objects = map[string][]byte{}
	}
	b, err := io.ReadAll(reader)
	if err != nil {
		return err
	}
	m.objects[key] = b
	return nil
}

func (m *memStorage) Download(context.Context, string) (io.ReadCloser, error) { return nil, nil }
func (m *memStorage) Delete(context.Context, string) error                    { return nil }
func (m *memStorage) Exists(context.Context, string) (bool, error)            { return false, nil }

func TestArchiveJobWritesDatedKey(t *testing.T) {
	store := &memStorage{}
	archive := NewJobArchive(store, "")

	created := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	job := &domain.Job{
		ID:             "job-1",
		RequestedRoles: domain.RoleList{domain.RoleResearch},
		State:          domain.JobStateComplete,
		Completed: domain.RoleResults{
			domain.RoleResearch: domain.JSONPayload{"document_id": "d1"},
		},
		CreatedAt: created,
	}

	key, err := archive.ArchiveJob(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, "jobs/2026/08/28/job-1.json", key)

	body, ok := store.objects[key]
	require.True(t, ok)

	var back domain.Job
	require.NoError(t, json.Unmarshal(body, &back))
	assert.Equal(t, job.ID, back.ID)
	assert.Equal(t, domain.JobStateComplete, back.State)
	assert.Equal(t, "d1", back.Completed[domain.RoleResearch]["document_id"])
}

func TestArchiveJobCustomPrefix(t *testing.T) {
	archive := NewJobArchive(&memStorage{}, "terminal")
	job := &domain.Job{ID: "x", CreatedAt: time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)}
	assert.Equal(t, "terminal/2026/01/02/x.json", archive.ArchiveKey(job))
}
