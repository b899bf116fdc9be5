// internal/service/actions.go
package service

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/unclebandit/funnel-engine/internal/model"
)

// stepInput is everything an action may read while running one step.
type stepInput struct {
	step  model.Step
	lead  *model.Lead
	agent *model.Agent
	steps []model.Step
}

// action is implemented once per step kind. Returning an error marks the step failed.
type action interface {
	run(ctx context.Context, x *StepExecutor, in stepInput) (ExecutionResult, error)
}

// actionFor is the only place a step type is mapped to behavior.
func actionFor(step model.Step) action {
	switch step.Type {
	case model.StepEmail:
		return emailAction{}
	case model.StepSMS:
		return smsAction{}
	case model.StepCondition:
		return conditionAction{}
	case model.StepTask:
		return taskAction{}
	case model.StepWait:
		return waitAction{}
	default:
		return unknownAction{}
	}
}

var (
	errNoEmailAddress = errors.New("lead has no email address")
	errNoPhone        = errors.New("lead has no phone number")
	errNotDelivered   = errors.New("email was neither sent nor queued")
)

type emailAction struct{}

func (emailAction) run(ctx context.Context, x *StepExecutor, in stepInput) (ExecutionResult, error) {
	if in.lead == nil || in.lead.Email == "" {
		return ExecutionResult{}, errNoEmailAddress
	}

	msg := model.EmailMessage{
		To:      in.lead.Email,
		Subject: MergeTokens(in.step.Subject, in.lead, in.agent),
		HTML:    FormatEmailHTML(MergeTokens(in.step.Text(), in.lead, in.agent)),
		Tags: map[string]string{
			"step_key": in.step.StepKey,
			"lead_id":  in.lead.ID,
			"agent_id": agentID(in.agent),
		},
	}

	if x.Tracker != nil {
		msg.MessageID = uuid.NewString()
		msg.HTML = x.Tracker.InjectPixel(msg.HTML, msg.MessageID)
	}

	res, err := x.Email.SendEmail(ctx, msg)
	if err != nil {
		return ExecutionResult{}, err
	}
	if !res.Sent && !res.Queued {
		return ExecutionResult{}, errNotDelivered
	}
	if x.Tracker != nil {
		x.recordSent(ctx, in, msg)
	}
	return ExecutionResult{Status: model.LogSuccess, Details: sendDetails(res)}, nil
}

// recordSent stores the tracking row of a delivered email. The email is out, so
// the write ignores cancellation and a failure only costs open counts.
func (x *StepExecutor) recordSent(ctx context.Context, in stepInput, msg model.EmailMessage) {
	rec := model.TrackingRecord{
		MessageID:      msg.MessageID,
		LeadID:         in.lead.ID,
		AgentID:        agentID(in.agent),
		StepKey:        in.step.StepKey,
		Subject:        msg.Subject,
		RecipientEmail: msg.To,
	}
	if err := x.Tracker.RecordSent(context.WithoutCancel(ctx), rec); err != nil {
		x.Log.WithError(err).WithField("message_id", msg.MessageID).Warn("email sent without tracking record")
	}
}

type smsAction struct{}

func (smsAction) run(ctx context.Context, x *StepExecutor, in stepInput) (ExecutionResult, error) {
	if !x.Flags.SMSEnabled(ctx) {
		return ExecutionResult{
			Status:  model.LogSkipped,
			Details: map[string]any{"reason": "sms disabled"},
		}, nil
	}
	if in.lead == nil || in.lead.Phone == "" {
		return ExecutionResult{}, errNoPhone
	}

	body := MergeTokens(in.step.Text(), in.lead, in.agent)
	res, err := x.SMS.SendSMS(ctx, in.lead.Phone, body, in.step.MediaURL)
	if err != nil {
		return ExecutionResult{}, err
	}
	return ExecutionResult{Status: model.LogSuccess, Details: sendDetails(res)}, nil
}

type conditionAction struct{}

func (conditionAction) run(ctx context.Context, x *StepExecutor, in stepInput) (ExecutionResult, error) {
	outcome := x.Conditions.Evaluate(ctx, in.step, in.lead)
	target := in.step.TargetStepKeyFalse
	if outcome {
		target = in.step.TargetStepKeyTrue
	}

	result := ExecutionResult{
		Status: model.LogSuccess,
		Details: map[string]any{
			"condition_type":  in.step.ConditionType,
			"result":          outcome,
			"target_step_key": target,
		},
	}

	idx := indexOfStepKey(in.steps, target)
	if idx < 0 {
		x.Log.WithFields(logrus.Fields{
			"step_key":        in.step.StepKey,
			"target_step_key": target,
			"result":          outcome,
		}).Warn("branch target not found, advancing linearly")
		return result, nil
	}
	result.NextIndex = &idx
	return result, nil
}

type taskAction struct{}

func (taskAction) run(context.Context, *StepExecutor, stepInput) (ExecutionResult, error) {
	return ExecutionResult{
		Status:  model.LogSuccess,
		Details: map[string]any{"note": "not implemented"},
	}, nil
}

type waitAction struct{}

func (waitAction) run(context.Context, *StepExecutor, stepInput) (ExecutionResult, error) {
	return ExecutionResult{Status: model.LogSuccess}, nil
}

type unknownAction struct{}

func (unknownAction) run(_ context.Context, x *StepExecutor, in stepInput) (ExecutionResult, error) {
	x.Log.WithFields(logrus.Fields{
		"step_key": in.step.StepKey,
		"type":     in.step.Type,
	}).Warn("unknown step type, skipping")
	return ExecutionResult{Status: model.LogSuccess}, nil
}

// indexOfStepKey returns -1 for an empty or unknown key.
func indexOfStepKey(steps []model.Step, key string) int {
	if key == "" {
		return -1
	}
	for i, s := range steps {
		if s.StepKey == key {
			return i
		}
	}
	return -1
}

func sendDetails(res model.SendResult) map[string]any {
	details := map[string]any{
		"sent":   res.Sent,
		"queued": res.Queued,
	}
	if res.Provider != "" {
		details["provider"] = res.Provider
	}
	if res.MessageID != "" {
		details["message_id"] = res.MessageID
	}
	return details
}

func agentID(agent *model.Agent) string {
	if agent == nil {
		return ""
	}
	return agent.ID
}
