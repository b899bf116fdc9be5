// internal/service/condition_service.go
package service

import (
	"context"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/unclebandit/funnel-engine/internal/model"
	"github.com/unclebandit/funnel-engine/internal/repository"
)

const ConditionEmailOpens = "email_opens"

// ConditionEvaluator decides which branch a condition step takes.
type ConditionEvaluator struct {
	Engagement repository.EngagementRepositoryInterface
	Log        logrus.FieldLogger
}

func NewConditionEvaluator(engagement repository.EngagementRepositoryInterface, log logrus.FieldLogger) *ConditionEvaluator {
	return &ConditionEvaluator{Engagement: engagement, Log: log}
}

// Evaluate fails closed: read errors, a nil lead and unknown condition types all yield false.
func (c *ConditionEvaluator) Evaluate(ctx context.Context, step model.Step, lead *model.Lead) bool {
	if lead == nil {
		return false
	}

	switch strings.ToLower(step.ConditionType) {
	case ConditionEmailOpens:
		opens, err := c.Engagement.SumOpenCounts(ctx, lead.ID)
		if err != nil {
			c.Log.WithFields(logrus.Fields{
				"lead_id":        lead.ID,
				"condition_type": step.ConditionType,
				"error":          err.Error(),
			}).Warn("engagement read failed, condition is false")
			return false
		}
		threshold := 1.0
		if step.Value != nil {
			threshold = *step.Value
		}
		return compare(float64(opens), strings.ToLower(step.Operator), threshold)
	default:
		return false
	}
}

func compare(actual float64, operator string, threshold float64) bool {
	switch operator {
	case "gte":
		return actual >= threshold
	case "gt":
		return actual > threshold
	case "eq":
		return actual == threshold
	case "lt":
		return actual < threshold
	default:
		return actual >= 1
	}
}
