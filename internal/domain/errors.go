package domain

import "errors"

// Error taxonomy for the pipeline. Transient network errors are retried in
// place by the caller and never escape wrapped in anything else.
var (
	// ErrStoreUnavailable indicates the vector store cannot be reached.
	// Safe to retry: every store write is idempotent.
	ErrStoreUnavailable = errors.New("vector store unavailable")

	// ErrEmbeddingUnavailable indicates the embedding endpoint failed after
	// the retry budget was exhausted.
	ErrEmbeddingUnavailable = errors.New("embedding service unavailable")

	// ErrTaskExhausted indicates a task exceeded its maximum attempt count.
	ErrTaskExhausted = errors.New("task exceeded maximum attempts")

	// ErrJobTimeout indicates a job exceeded its overall ceiling and was
	// forced to failed independent of task outcomes.
	ErrJobTimeout = errors.New("job exceeded timeout ceiling")

	// ErrUnknownRole indicates a request named an agent role that no worker
	// implements. Rejected synchronously at the submission boundary.
	ErrUnknownRole = errors.New("unknown agent role")
)
