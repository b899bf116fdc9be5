// internal/model/execution_log.go
package model

import "time"

type LogStatus string

const (
	LogSuccess LogStatus = "success"
	LogFailed  LogStatus = "failed"
	LogSkipped LogStatus = "skipped"
)

// ExecutionLogEntry is the append-only audit record of one step execution.
type ExecutionLogEntry struct {
	ID            int64          `db:"id" json:"id"`
	EnrollmentID  string         `db:"enrollment_id" json:"enrollment_id"`
	AgentID       string         `db:"agent_id" json:"agent_id"`
	StepIndex     int            `db:"step_index" json:"step_index"`
	ActionType    StepType       `db:"action_type" json:"action_type"`
	Status        LogStatus      `db:"status" json:"status"`
	ResultDetails map[string]any `db:"result_details" json:"result_details,omitempty"`
	CreatedAt     time.Time      `db:"created_at" json:"created_at"`
}
