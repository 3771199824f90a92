package storage

import "time"

// SessionStatus is the lifecycle state of a saved session.
type SessionStatus string

const (
	SessionActive   SessionStatus = "ACTIVE"
	SessionArchived SessionStatus = "ARCHIVED"
)

// ExecutionStatus is the state-machine position of one execution.
// Transitions are one-directional: QUEUED -> RUNNING -> terminal.
type ExecutionStatus string

const (
	ExecutionQueued    ExecutionStatus = "QUEUED"
	ExecutionRunning   ExecutionStatus = "RUNNING"
	ExecutionCompleted ExecutionStatus = "COMPLETED"
	ExecutionFailed    ExecutionStatus = "FAILED"
	ExecutionTimeout   ExecutionStatus = "TIMEOUT"
)

// IsTerminal reports whether no further transitions are permitted.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionTimeout:
		return true
	}
	return false
}

// Session is a saved piece of source text. Code updates mutate it in
// place; sessions are archived, never deleted.
type Session struct {
	ID         string        `json:"id" db:"id"`
	Language   string        `json:"language" db:"language"`
	SourceCode string        `json:"source_code" db:"source_code"`
	Status     SessionStatus `json:"status" db:"status"`
	CreatedAt  time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at" db:"updated_at"`
}

// Execution is one run of a session's code. Stdout, Stderr and
// ExecutionTimeMS stay nil until a terminal status is written; the record
// itself is never deleted.
type Execution struct {
	ID              string          `json:"id" db:"id"`
	SessionID       string          `json:"session_id" db:"session_id"`
	Status          ExecutionStatus `json:"status" db:"status"`
	Stdout          *string         `json:"stdout,omitempty" db:"stdout"`
	Stderr          *string         `json:"stderr,omitempty" db:"stderr"`
	ExecutionTimeMS *int64          `json:"execution_time_ms,omitempty" db:"execution_time_ms"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at" db:"updated_at"`
}

// SessionFilter provides criteria for listing sessions.
type SessionFilter struct {
	Status SessionStatus
	Limit  int
	Offset int
}
