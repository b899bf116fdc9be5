// internal/model/funnel_key.go
package model

import (
	"fmt"
	"strings"
)

const DefaultFunnelKey = "realtor_funnel"

// NormalizeFunnelKey folds the aliases leads arrive with onto the canonical funnel keys.
func NormalizeFunnelKey(raw string) string {
	key := strings.ToLower(strings.TrimSpace(raw))
	switch key {
	case "", "realtor", "agent", "realtor_funnel":
		return DefaultFunnelKey
	case "broker", "recruiter", "broker_funnel":
		return "broker_funnel"
	}
	return key
}

// FunnelKeyCandidates lists the funnel_key/type values that satisfy a normalized key.
func FunnelKeyCandidates(key string) []string {
	switch key {
	case "realtor_funnel":
		return []string{"realtor_funnel", "realtor"}
	case "broker_funnel":
		return []string{"broker_funnel", "broker", "recruiter"}
	}
	return []string{key}
}

// LegacyStep is a row of the per-step funnel_steps table that predates funnels.steps.
type LegacyStep struct {
	ID           string
	StepKey      string
	StepName     string
	ActionType   string
	Subject      string
	EmailSubject string
	Content      string
	EmailBody    string
	DelayDays    int
	DelayMinutes int
}

// Step converts the row at position index into a step definition.
func (l LegacyStep) Step(index int) Step {
	key := firstNonEmpty(l.StepKey, l.ID, fmt.Sprintf("step-%d", index+1))
	delay := l.DelayDays*1440 + l.DelayMinutes
	if delay < 0 {
		delay = 0
	}
	return Step{
		StepKey:      key,
		Type:         NormalizeStepType(l.ActionType),
		DelayMinutes: delay,
		Subject:      firstNonEmpty(l.Subject, l.EmailSubject),
		Content:      firstNonEmpty(l.Content, l.EmailBody),
	}
}
