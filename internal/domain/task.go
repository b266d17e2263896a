package domain

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// AgentRole names a unit of work executed by a worker.
type AgentRole string

const (
	RoleResearch   AgentRole = "research"
	RoleAnalytics  AgentRole = "analytics"
	RoleProjection AgentRole = "projection"
)

// ParseAgentRole validates a role name.
// Parameters:
//   - s: role name from an inbound request.
// Returns:
//   - AgentRole: the validated role.
//   - error: non-nil if the name is not a known role.
func ParseAgentRole(s string) (AgentRole, error) {
	switch AgentRole(s) {
	case RoleResearch, RoleAnalytics, RoleProjection:
		return AgentRole(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownRole, s)
}

// TaskState represents the queue-visible state of a task.
// Transitions: queued -> in_flight on dequeue, in_flight -> done on ack,
// in_flight -> queued on lease expiry, in_flight/queued -> failed after
// the attempt budget is exhausted.
type TaskState string

const (
	TaskStateQueued   TaskState = "queued"
	TaskStateInFlight TaskState = "in_flight"
	TaskStateDone     TaskState = "done"
	TaskStateFailed   TaskState = "failed"
)

// JSONPayload stores an arbitrary JSON object as text in the database.
type JSONPayload map[string]interface{}

// Value implements the driver.Valuer interface for database serialization.
// Parameters: none.
// Returns:
//   - driver.Value: JSON-encoded string representation of the payload.
//   - error: non-nil if marshaling fails.
func (p JSONPayload) Value() (driver.Value, error) {
	if p == nil {
		return "{}", nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements the sql.Scanner interface for database deserialization.
// Parameters:
//   - value: raw database value to decode.
// Returns:
//   - error: non-nil if decoding fails or the type is unexpected.
func (p *JSONPayload) Scan(value interface{}) error {
	if value == nil {
		*p = JSONPayload{}
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		str, ok := value.(string)
		if !ok {
			return errors.New("failed to scan JSONPayload")
		}
		bytes = []byte(str)
	}
	return json.Unmarshal(bytes, p)
}

// Task is one unit of agent work spawned by a job. The tasks table doubles as
// the durable work queue: LeaseExpiresAt is the visibility timeout and
// AvailableAt carries the backoff schedule between redeliveries.
type Task struct {
	ID             string      `gorm:"type:text;primaryKey" json:"id"`
	JobID          string      `gorm:"type:text;not null;index:idx_tasks_job" json:"job_id"`
	Role           AgentRole   `gorm:"type:text;not null" json:"role"`
	Payload        JSONPayload `gorm:"type:text" json:"payload"`
	State          TaskState   `gorm:"type:text;index:idx_tasks_state;default:queued" json:"state"`
	AttemptCount   int         `gorm:"default:0" json:"attempt_count"`
	AvailableAt    time.Time   `gorm:"index:idx_tasks_available" json:"available_at"`
	LeaseExpiresAt *time.Time  `json:"lease_expires_at,omitempty"`
	FailReason     string      `gorm:"type:text" json:"fail_reason,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// TableName returns the database table name for Task.
// Parameters: none.
// Returns:
//   - string: table name for GORM mapping.
func (Task) TableName() string {
	return "tasks"
}
