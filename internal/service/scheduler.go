// internal/service/scheduler.go
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	appErrors "github.com/unclebandit/funnel-engine/internal/errors"
	"github.com/unclebandit/funnel-engine/internal/logging"
	"github.com/unclebandit/funnel-engine/internal/model"
	"github.com/unclebandit/funnel-engine/internal/repository"
)

const DefaultBatchSize = 50

// StepRunner is satisfied by *StepExecutor.
type StepRunner interface {
	Execute(ctx context.Context, step model.Step, lead *model.Lead, agent *model.Agent, steps []model.Step) ExecutionResult
}

// BatchSummary counts what one RunOnce pass did with the enrollments it claimed.
type BatchSummary struct {
	Claimed   int `json:"claimed"`
	Advanced  int `json:"advanced"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Paused    int `json:"paused"`
	Retried   int `json:"retried"`
	Deferred  int `json:"deferred"`
	Errors    int `json:"errors"`
}

type outcome int

const (
	outcomeAdvanced outcome = iota
	outcomeCompleted
	outcomeFailed
	outcomePaused
	outcomeRetried
	outcomeDeferred
	outcomeError
)

func (b *BatchSummary) add(o outcome) {
	switch o {
	case outcomeAdvanced:
		b.Advanced++
	case outcomeCompleted:
		b.Completed++
	case outcomeFailed:
		b.Failed++
	case outcomePaused:
		b.Paused++
	case outcomeRetried:
		b.Retried++
	case outcomeDeferred:
		b.Deferred++
	default:
		b.Errors++
	}
}

// Scheduler claims due enrollments and moves each one step forward.
type Scheduler struct {
	Enrollments repository.EnrollmentRepositoryInterface
	Logs        repository.ExecutionLogRepositoryInterface
	Executor    StepRunner
	Policy      FailurePolicy
	Log         logrus.FieldLogger

	WorkerID     string
	BatchSize    int
	LeaseTTL     time.Duration
	RetryBackoff time.Duration
	Concurrency  int

	Now func() time.Time
}

func NewScheduler(
	enrollments repository.EnrollmentRepositoryInterface,
	logs repository.ExecutionLogRepositoryInterface,
	executor StepRunner,
	policy FailurePolicy,
	log logrus.FieldLogger,
) *Scheduler {
	return &Scheduler{
		Enrollments:  enrollments,
		Logs:         logs,
		Executor:     executor,
		Policy:       policy,
		Log:          log,
		WorkerID:     "worker-" + uuid.NewString(),
		BatchSize:    DefaultBatchSize,
		LeaseTTL:     5 * time.Minute,
		RetryBackoff: 15 * time.Minute,
		Concurrency:  1,
		Now:          time.Now,
	}
}

func (s *Scheduler) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}

// RunOnce processes one batch. It only returns an error when nothing could be claimed
// because the claim itself failed; per-enrollment problems land in the summary.
func (s *Scheduler) RunOnce(ctx context.Context) (BatchSummary, error) {
	var summary BatchSummary

	due, err := s.Enrollments.ClaimDue(ctx, s.WorkerID, s.BatchSize, s.now(), s.LeaseTTL)
	if err != nil {
		return summary, fmt.Errorf("claim due enrollments: %w", err)
	}
	summary.Claimed = len(due)
	if len(due) == 0 {
		return summary, nil
	}

	workers := s.Concurrency
	if workers < 1 {
		workers = 1
	}
	if workers > len(due) {
		workers = len(due)
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	jobs := make(chan *model.DueEnrollment)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for d := range jobs {
				o := s.process(ctx, d)
				mu.Lock()
				summary.add(o)
				mu.Unlock()
			}
		}()
	}
	for _, d := range due {
		jobs <- d
	}
	close(jobs)
	wg.Wait()

	s.Log.WithFields(logrus.Fields{
		"worker_id": s.WorkerID,
		"claimed":   summary.Claimed,
		"advanced":  summary.Advanced,
		"completed": summary.Completed,
		"failed":    summary.Failed,
		"paused":    summary.Paused,
		"retried":   summary.Retried,
		"deferred":  summary.Deferred,
		"errors":    summary.Errors,
	}).Info("funnel batch processed")
	return summary, nil
}

// process is the per-enrollment failure boundary.
func (s *Scheduler) process(ctx context.Context, d *model.DueEnrollment) (o outcome) {
	defer func() {
		if r := recover(); r != nil {
			o = s.requeue(ctx, d, fmt.Errorf("panic: %v", r))
		}
	}()

	if ctx.Err() != nil {
		return s.handBack(ctx, d)
	}

	o, err := s.advance(ctx, d)
	if err == nil {
		return o
	}
	if errors.Is(err, appErrors.ErrLeaseLost) {
		s.entry(d).Warn("lease lost before release, another worker owns the enrollment")
		return outcomeError
	}
	return s.requeue(ctx, d, err)
}

func (s *Scheduler) advance(ctx context.Context, d *model.DueEnrollment) (outcome, error) {
	now := s.now()
	idx := d.CurrentStepIndex

	if d.Funnel == nil || d.Funnel.Steps == nil {
		s.entry(d).Warn("funnel missing or has no step definitions, failing enrollment")
		return outcomeFailed, s.release(ctx, d, terminal(model.EnrollmentFailed, idx, now))
	}
	if d.Lead == nil || d.Agent == nil {
		s.entry(d).WithFields(logrus.Fields{
			"lead_missing":  d.Lead == nil,
			"agent_missing": d.Agent == nil,
		}).Warn("lead or agent missing, failing enrollment")
		return outcomeFailed, s.release(ctx, d, terminal(model.EnrollmentFailed, idx, now))
	}

	steps := d.Funnel.Steps
	if idx < 0 || idx >= len(steps) {
		return outcomeCompleted, s.release(ctx, d, terminal(model.EnrollmentCompleted, idx, now))
	}

	step := steps[idx]
	res := s.Executor.Execute(ctx, step, d.Lead, d.Agent, steps)

	// The step has run; its log and release must land even if ctx is cancelled now.
	settle, cancel := settleContext(ctx)
	defer cancel()
	s.appendLog(settle, d, step, res)

	next := idx + 1
	if res.NextIndex != nil {
		next = *res.NextIndex
	}
	u := transition(steps, next, now)
	if res.Status == model.LogFailed {
		u = s.Policy.OnFailure(&d.Enrollment, u, now)
	}

	if err := s.release(settle, d, u); err != nil {
		return outcomeError, err
	}
	if u.Status.Terminal() {
		s.entry(d).WithField("status", u.Status).Info("enrollment finished")
	}

	switch {
	case u.Status == model.EnrollmentCompleted:
		return outcomeCompleted, nil
	case u.Status == model.EnrollmentPaused:
		return outcomePaused, nil
	case u.Status == model.EnrollmentFailed:
		return outcomeFailed, nil
	case res.Status == model.LogFailed && u.CurrentStepIndex == idx && u.Attempts > 0:
		return outcomeRetried, nil
	default:
		return outcomeAdvanced, nil
	}
}

// transition is the state after moving to step next; past the end means done.
func transition(steps []model.Step, next int, now time.Time) model.EnrollmentUpdate {
	if next < 0 || next >= len(steps) {
		return terminal(model.EnrollmentCompleted, next, now)
	}
	return model.EnrollmentUpdate{
		Status:           model.EnrollmentActive,
		CurrentStepIndex: next,
		NextRunAt:        now.Add(steps[next].Delay()),
		UpdatedAt:        now,
	}
}

func terminal(status model.EnrollmentStatus, idx int, now time.Time) model.EnrollmentUpdate {
	return model.EnrollmentUpdate{
		Status:           status,
		CurrentStepIndex: idx,
		NextRunAt:        now,
		UpdatedAt:        now,
	}
}

// appendLog never blocks progress; a lost audit row is reported and the enrollment still moves.
func (s *Scheduler) appendLog(ctx context.Context, d *model.DueEnrollment, step model.Step, res ExecutionResult) {
	entry := &model.ExecutionLogEntry{
		EnrollmentID:  d.ID,
		AgentID:       d.AgentID,
		StepIndex:     d.CurrentStepIndex,
		ActionType:    step.Type,
		Status:        res.Status,
		ResultDetails: res.Details,
	}
	if err := s.Logs.Append(ctx, entry); err != nil {
		logging.LogError(s.entry(d), "execution_log_append", err, logrus.Fields{
			"enrollment_id": d.ID,
			"step_index":    d.CurrentStepIndex,
		})
		return
	}
	s.entry(d).WithFields(logrus.Fields{
		"action": step.Type,
		"status": res.Status,
	}).Info("step executed")
}

func (s *Scheduler) release(ctx context.Context, d *model.DueEnrollment, u model.EnrollmentUpdate) error {
	return s.Enrollments.Release(ctx, d.ID, s.WorkerID, u)
}

// requeue hands the enrollment back at its current step after RetryBackoff.
func (s *Scheduler) requeue(ctx context.Context, d *model.DueEnrollment, cause error) outcome {
	logging.LogError(s.entry(d), "enrollment_processing", cause, logrus.Fields{
		"enrollment_id": d.ID,
		"step_index":    d.CurrentStepIndex,
		"worker_id":     s.WorkerID,
	})

	now := s.now()
	u := model.EnrollmentUpdate{
		Status:           model.EnrollmentActive,
		CurrentStepIndex: d.CurrentStepIndex,
		NextRunAt:        now.Add(s.RetryBackoff),
		Attempts:         d.Attempts,
		UpdatedAt:        now,
	}
	settle, cancel := settleContext(ctx)
	defer cancel()
	if err := s.release(settle, d, u); err != nil {
		s.entry(d).WithError(err).Warn("could not requeue enrollment, it will be reclaimed after the lease expires")
	}
	return outcomeError
}

// handBack returns an enrollment claimed by a cancelled batch untouched, due as before.
func (s *Scheduler) handBack(ctx context.Context, d *model.DueEnrollment) outcome {
	u := model.EnrollmentUpdate{
		Status:           model.EnrollmentActive,
		CurrentStepIndex: d.CurrentStepIndex,
		NextRunAt:        d.NextRunAt,
		Attempts:         d.Attempts,
		UpdatedAt:        s.now(),
	}
	settle, cancel := settleContext(ctx)
	defer cancel()
	if err := s.release(settle, d, u); err != nil {
		s.entry(d).WithError(err).Warn("could not hand back enrollment, it will be reclaimed after the lease expires")
		return outcomeError
	}
	return outcomeDeferred
}

// settleTimeout bounds the writes that store a step's outcome.
const settleTimeout = 30 * time.Second

// settleContext keeps ctx's values but not its cancellation.
func settleContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
}

func (s *Scheduler) entry(d *model.DueEnrollment) *logrus.Entry {
	return s.Log.WithFields(logrus.Fields{
		"enrollment_id": d.ID,
		"step_index":    d.CurrentStepIndex,
		"worker_id":     s.WorkerID,
	})
}
