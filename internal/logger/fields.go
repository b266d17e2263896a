package logger

// Fields is an alias for map[string]interface{} for convenience.
type Fields map[string]interface{}

// ============================================
// Standard Tracing Fields (Context level)
// These fields are propagated through the call chain
// ============================================

const (
	// FieldRequestID is the HTTP request ID (UUID)
	FieldRequestID = "request_id"

	// FieldJobID is the analysis job ID
	FieldJobID = "job_id"

	// FieldTaskID is the agent task ID
	FieldTaskID = "task_id"

	// FieldRole is the agent role handling a task
	FieldRole = "role"

	// FieldDocumentID is the ingested document ID
	FieldDocumentID = "document_id"

	// FieldComponent is the component/module name
	FieldComponent = "component"
)

// ============================================
// Standard Metric Fields (Entry level)
// These fields are used for aggregation and alerting
// ============================================

const (
	// FieldDurationMs is the execution duration in milliseconds
	FieldDurationMs = "duration_ms"

	// FieldCount is a generic count field
	FieldCount = "count"

	// FieldAttempt is the delivery attempt number for a task
	FieldAttempt = "attempt"

	// FieldStatus is the operation status
	FieldStatus = "status"

	// FieldSize is the response body size in bytes
	FieldSize = "size"
)
