// internal/model/enrollment.go
package model

import "time"

type EnrollmentStatus string

const (
	EnrollmentActive     EnrollmentStatus = "active"
	EnrollmentProcessing EnrollmentStatus = "processing" // claimed by a worker, see LockedBy
	EnrollmentPaused     EnrollmentStatus = "paused"
	EnrollmentCompleted  EnrollmentStatus = "completed"
	EnrollmentFailed     EnrollmentStatus = "failed"
)

// Terminal reports whether the scheduler will never pick the enrollment up again.
func (s EnrollmentStatus) Terminal() bool {
	return s == EnrollmentCompleted || s == EnrollmentFailed
}

type Enrollment struct {
	ID               string           `db:"id" json:"id"`
	LeadID           string           `db:"lead_id" json:"lead_id"`
	AgentID          string           `db:"agent_id" json:"agent_id"`
	FunnelID         string           `db:"funnel_id" json:"funnel_id"`
	CurrentStepIndex int              `db:"current_step_index" json:"current_step_index"`
	Status           EnrollmentStatus `db:"status" json:"status"`
	NextRunAt        time.Time        `db:"next_run_at" json:"next_run_at"`
	Attempts         int              `db:"attempts" json:"attempts"`
	LockedBy         *string          `db:"locked_by" json:"locked_by,omitempty"`
	LeaseExpiresAt   *time.Time       `db:"lease_expires_at" json:"lease_expires_at,omitempty"`
	CreatedAt        time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time        `db:"updated_at" json:"updated_at"`
}

// DueEnrollment is a claimed enrollment joined with everything needed to run its step.
// Lead, Agent and Funnel are nil when the referenced row no longer exists.
type DueEnrollment struct {
	Enrollment
	Lead   *Lead
	Agent  *Agent
	Funnel *Funnel
}

// EnrollmentUpdate is the state written back when a worker releases its claim.
type EnrollmentUpdate struct {
	Status           EnrollmentStatus
	CurrentStepIndex int
	NextRunAt        time.Time
	Attempts         int
	UpdatedAt        time.Time
}
