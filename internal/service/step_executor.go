// internal/service/step_executor.go
package service

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/unclebandit/funnel-engine/internal/model"
)

// EmailSender delivers or queues one email.
type EmailSender interface {
	SendEmail(ctx context.Context, msg model.EmailMessage) (model.SendResult, error)
}

// SMSSender delivers or queues one text message.
type SMSSender interface {
	SendSMS(ctx context.Context, to, body, mediaURL string) (model.SendResult, error)
}

// ConditionChecker is satisfied by *ConditionEvaluator.
type ConditionChecker interface {
	Evaluate(ctx context.Context, step model.Step, lead *model.Lead) bool
}

// ExecutionResult is the normalized outcome of one step. NextIndex, when set,
// replaces the default advance to the following step.
type ExecutionResult struct {
	Status    model.LogStatus
	Details   map[string]any
	NextIndex *int
}

type StepExecutor struct {
	Email      EmailSender
	SMS        SMSSender
	Conditions ConditionChecker
	Flags      FlagSource
	Log        logrus.FieldLogger

	// Tracker, when set, adds open tracking to email steps.
	Tracker EmailTracker
}

func NewStepExecutor(email EmailSender, sms SMSSender, conditions ConditionChecker, flags FlagSource, log logrus.FieldLogger) *StepExecutor {
	return &StepExecutor{
		Email:      email,
		SMS:        sms,
		Conditions: conditions,
		Flags:      flags,
		Log:        log,
	}
}

// Execute runs one step. Errors and panics from the action are reported as a
// failed result carrying details.error; Execute itself never fails.
func (x *StepExecutor) Execute(ctx context.Context, step model.Step, lead *model.Lead, agent *model.Agent, steps []model.Step) (result ExecutionResult) {
	defer func() {
		if r := recover(); r != nil {
			result = failedResult(fmt.Errorf("panic: %v", r))
		}
	}()

	res, err := actionFor(step).run(ctx, x, stepInput{step: step, lead: lead, agent: agent, steps: steps})
	if err != nil {
		x.Log.WithFields(logrus.Fields{
			"step_key": step.StepKey,
			"action":   step.Type,
			"error":    err.Error(),
		}).Warn("step failed")
		return failedResult(err)
	}
	return res
}

func failedResult(err error) ExecutionResult {
	return ExecutionResult{
		Status:  model.LogFailed,
		Details: map[string]any{"error": err.Error()},
	}
}
