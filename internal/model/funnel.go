// internal/model/funnel.go
package model

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"time"
)

type StepType string

const (
	StepEmail     StepType = "email"
	StepSMS       StepType = "sms"
	StepCondition StepType = "condition"
	StepTask      StepType = "task"
	StepWait      StepType = "wait"
	StepCall      StepType = "call"
)

// NormalizeStepType lowercases the raw type and folds known aliases.
func NormalizeStepType(raw string) StepType {
	t := strings.ToLower(strings.TrimSpace(raw))
	switch t {
	case "":
		return StepEmail
	case "text":
		return StepSMS
	case "ai call", "ai-call", "voice":
		return StepCall
	}
	return StepType(t)
}

type Funnel struct {
	ID        string    `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	Steps     []Step    `db:"steps" json:"steps"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Step is one action definition inside a funnel. Which fields matter depends on Type.
type Step struct {
	StepKey      string   `json:"step_key,omitempty"`
	Type         StepType `json:"type"`
	DelayMinutes int      `json:"delay_minutes"`

	// email / sms
	Subject  string `json:"subject,omitempty"`
	Content  string `json:"content,omitempty"`
	Body     string `json:"body,omitempty"`
	MediaURL string `json:"media_url,omitempty"`

	// condition
	ConditionType      string   `json:"condition_type,omitempty"`
	Operator           string   `json:"operator,omitempty"`
	Value              *float64 `json:"value,omitempty"`
	TargetStepKeyTrue  string   `json:"target_step_key_true,omitempty"`
	TargetStepKeyFalse string   `json:"target_step_key_false,omitempty"`
}

// Text returns the message template, preferring content over body.
func (s Step) Text() string {
	if s.Content != "" {
		return s.Content
	}
	return s.Body
}

// Delay is the wait applied once this step becomes current.
func (s Step) Delay() time.Duration {
	if s.DelayMinutes <= 0 {
		return 0
	}
	return time.Duration(s.DelayMinutes) * time.Minute
}

// stepJSON accepts the snake_case and camelCase spellings funnels were saved with.
type stepJSON struct {
	StepKey       string          `json:"step_key"`
	StepKeyCamel  string          `json:"stepKey"`
	Type          string          `json:"type"`
	ActionType    string          `json:"action_type"`
	DelayMinutes  json.RawMessage `json:"delay_minutes"`
	DelayCamel    json.RawMessage `json:"delayMinutes"`
	Delay         string          `json:"delay"`
	Subject       string          `json:"subject"`
	Content       string          `json:"content"`
	Body          string          `json:"body"`
	MediaURL      string          `json:"media_url"`
	MediaURLCamel string          `json:"mediaUrl"`

	ConditionType      string          `json:"condition_type"`
	Operator           string          `json:"operator"`
	Value              json.RawMessage `json:"value"`
	TargetStepKeyTrue  string          `json:"target_step_key_true"`
	TargetStepKeyFalse string          `json:"target_step_key_false"`
}

func (s *Step) UnmarshalJSON(data []byte) error {
	var raw stepJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	typ := raw.Type
	if typ == "" {
		typ = raw.ActionType
	}

	*s = Step{
		StepKey:            firstNonEmpty(raw.StepKey, raw.StepKeyCamel),
		Type:               NormalizeStepType(typ),
		Subject:            raw.Subject,
		Content:            raw.Content,
		Body:               raw.Body,
		MediaURL:           firstNonEmpty(raw.MediaURL, raw.MediaURLCamel),
		ConditionType:      raw.ConditionType,
		Operator:           raw.Operator,
		Value:              parseNumber(raw.Value),
		TargetStepKeyTrue:  raw.TargetStepKeyTrue,
		TargetStepKeyFalse: raw.TargetStepKeyFalse,
	}

	if n := parseNumber(raw.DelayMinutes); n != nil {
		s.DelayMinutes = int(*n)
	} else if n := parseNumber(raw.DelayCamel); n != nil {
		s.DelayMinutes = int(*n)
	} else {
		s.DelayMinutes = ParseDelayMinutes(raw.Delay)
	}
	if s.DelayMinutes < 0 {
		s.DelayMinutes = 0
	}
	return nil
}

var delayNumber = regexp.MustCompile(`-?\d+`)

// ParseDelayMinutes reads free-text delays such as "30 minutes", "2 hours" or "1 day".
// Bare numbers are minutes; anything unparseable or non-positive is 0.
func ParseDelayMinutes(text string) int {
	text = strings.ToLower(strings.TrimSpace(text))
	if text == "" {
		return 0
	}
	n, err := strconv.Atoi(delayNumber.FindString(text))
	if err != nil || n <= 0 {
		return 0
	}
	switch {
	case strings.Contains(text, "hour"):
		return n * 60
	case strings.Contains(text, "day"):
		return n * 1440
	}
	return n
}

// parseNumber accepts JSON numbers and numeric strings; null and garbage yield nil.
func parseNumber(raw json.RawMessage) *float64 {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return &f
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			return &f
		}
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
