// internal/service/policy.go
package service

import (
	"time"

	"github.com/unclebandit/funnel-engine/internal/config"
	"github.com/unclebandit/funnel-engine/internal/model"
)

// FailurePolicy picks the release state of an enrollment whose step failed.
// advance is the state it would have taken had the step succeeded.
type FailurePolicy interface {
	OnFailure(e *model.Enrollment, advance model.EnrollmentUpdate, now time.Time) model.EnrollmentUpdate
}

// AdvancePolicy moves on as if the step had succeeded.
type AdvancePolicy struct{}

func (AdvancePolicy) OnFailure(_ *model.Enrollment, advance model.EnrollmentUpdate, _ time.Time) model.EnrollmentUpdate {
	return advance
}

// RetryPolicy re-runs the same step after Backoff until it has failed MaxAttempts
// times in a row, then advances.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
}

func (p RetryPolicy) OnFailure(e *model.Enrollment, advance model.EnrollmentUpdate, now time.Time) model.EnrollmentUpdate {
	attempts := e.Attempts + 1
	if attempts >= p.MaxAttempts {
		return advance
	}
	return model.EnrollmentUpdate{
		Status:           model.EnrollmentActive,
		CurrentStepIndex: e.CurrentStepIndex,
		NextRunAt:        now.Add(p.Backoff),
		Attempts:         attempts,
		UpdatedAt:        now,
	}
}

// PausePolicy parks the enrollment on the failed step until someone resumes it.
type PausePolicy struct{}

func (PausePolicy) OnFailure(e *model.Enrollment, _ model.EnrollmentUpdate, now time.Time) model.EnrollmentUpdate {
	return model.EnrollmentUpdate{
		Status:           model.EnrollmentPaused,
		CurrentStepIndex: e.CurrentStepIndex,
		NextRunAt:        now,
		Attempts:         e.Attempts + 1,
		UpdatedAt:        now,
	}
}

// NewFailurePolicy maps FUNNEL_FAILURE_POLICY to a strategy; unknown names advance.
func NewFailurePolicy(cfg config.FunnelConfig) FailurePolicy {
	switch cfg.FailurePolicy {
	case "retry":
		return RetryPolicy{MaxAttempts: cfg.RetryMax, Backoff: cfg.RetryBackoff}
	case "pause":
		return PausePolicy{}
	default:
		return AdvancePolicy{}
	}
}
