package domain

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// JobState represents the lifecycle state of an analysis job.
// Values include JobStatePending, JobStatePartial, JobStateComplete, and JobStateFailed.
type JobState string

const (
	JobStatePending  JobState = "pending"
	JobStatePartial  JobState = "partial"
	JobStateComplete JobState = "complete"
	JobStateFailed   JobState = "failed"
)

// Terminal reports whether the state is complete or failed.
func (s JobState) Terminal() bool {
	return s == JobStateComplete || s == JobStateFailed
}

// Failure reasons recorded on a job.
const (
	FailReasonTimeout   = "timeout"
	FailReasonExhausted = "task_exhausted"
)

// RoleList stores an ordered list of agent roles as JSON. Order is the
// caller's requested-role order and is preserved in the aggregate result.
type RoleList []AgentRole

// Value implements the driver.Valuer interface for database serialization.
func (l RoleList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements the sql.Scanner interface for database deserialization.
func (l *RoleList) Scan(value interface{}) error {
	if value == nil {
		*l = RoleList{}
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		str, ok := value.(string)
		if !ok {
			return errors.New("failed to scan RoleList")
		}
		bytes = []byte(str)
	}
	return json.Unmarshal(bytes, l)
}

// Contains reports whether the list includes role.
func (l RoleList) Contains(role AgentRole) bool {
	for _, r := range l {
		if r == role {
			return true
		}
	}
	return false
}

// RoleResults maps agent roles to their JSON results.
type RoleResults map[AgentRole]JSONPayload

// Value implements the driver.Valuer interface for database serialization.
func (r RoleResults) Value() (driver.Value, error) {
	if r == nil {
		return "{}", nil
	}
	b, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements the sql.Scanner interface for database deserialization.
func (r *RoleResults) Scan(value interface{}) error {
	if value == nil {
		*r = RoleResults{}
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		str, ok := value.(string)
		if !ok {
			return errors.New("failed to scan RoleResults")
		}
		bytes = []byte(str)
	}
	return json.Unmarshal(bytes, r)
}

// Job tracks one analysis request across its fan-out tasks. The Version
// column backs optimistic concurrency: every fan-in update reads, modifies,
// and writes with a version guard so racing task completions never lose
// updates.
type Job struct {
	ID             string      `gorm:"type:text;primaryKey" json:"id"`
	RequestedRoles RoleList    `gorm:"type:text;not null" json:"requested_roles"`
	Payload        JSONPayload `gorm:"type:text" json:"payload"`
	State          JobState    `gorm:"type:text;index:idx_jobs_state;default:pending" json:"state"`
	Completed      RoleResults `gorm:"type:text" json:"completed_tasks"`
	FailedRoles    RoleList    `gorm:"type:text" json:"failed_roles"`
	FailReason     string      `gorm:"type:text" json:"fail_reason,omitempty"`
	Version        int64       `gorm:"default:0" json:"-"`
	ArchivedAt     *time.Time  `json:"archived_at,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// TableName returns the database table name for Job.
// Parameters: none.
// Returns:
//   - string: table name for GORM mapping.
func (Job) TableName() string {
	return "jobs"
}

// Recompute derives the job state from its bookkeeping. It is commutative:
// applying task outcomes in any order yields the same final state. A terminal
// job is never reopened.
func (j *Job) Recompute() {
	if j.State.Terminal() {
		return
	}
	done := 0
	for _, role := range j.RequestedRoles {
		if _, ok := j.Completed[role]; ok {
			done++
		}
	}
	switch {
	case len(j.FailedRoles) > 0 && done+len(j.FailedRoles) >= len(j.RequestedRoles):
		j.State = JobStateFailed
		if j.FailReason == "" {
			j.FailReason = FailReasonExhausted
		}
	case done == len(j.RequestedRoles) && done > 0:
		j.State = JobStateComplete
	case done > 0 || len(j.FailedRoles) > 0:
		j.State = JobStatePartial
	default:
		j.State = JobStatePending
	}
}
