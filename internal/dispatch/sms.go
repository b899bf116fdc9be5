// internal/dispatch/sms.go
package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/unclebandit/funnel-engine/internal/model"
	"github.com/unclebandit/funnel-engine/internal/queue"
)

var ErrNoPhone = errors.New("sms recipient phone number is empty")

// QueueSMSSender hands text messages to the SMS gateway over the sms_sends topic.
type QueueSMSSender struct {
	Queue queue.Queue
	Log   logrus.FieldLogger
}

func NewQueueSMSSender(q queue.Queue, log logrus.FieldLogger) *QueueSMSSender {
	return &QueueSMSSender{Queue: q, Log: log}
}

func (s *QueueSMSSender) SendSMS(ctx context.Context, to, body, mediaURL string) (model.SendResult, error) {
	if to == "" {
		return model.SendResult{}, ErrNoPhone
	}
	if err := ctx.Err(); err != nil {
		return model.SendResult{}, err
	}

	job := model.SMSJob{MessageID: uuid.NewString(), To: to, Body: body, MediaURL: mediaURL}
	if err := s.Queue.Publish(queue.TopicSMSSends, job); err != nil {
		return model.SendResult{}, fmt.Errorf("queue sms: %w", err)
	}
	s.Log.WithFields(logrus.Fields{"message_id": job.MessageID, "to": to}).Debug("sms queued")
	return model.SendResult{Queued: true, Provider: ProviderQueue, MessageID: job.MessageID}, nil
}

// StartLogSMSGateway consumes sms_sends and only logs each job. It stands in for
// the real gateway outside production.
func StartLogSMSGateway(q queue.Queue, log logrus.FieldLogger) error {
	return q.Subscribe(queue.TopicSMSSends, func(payload any) error {
		var job model.SMSJob
		if err := queue.Decode(payload, &job); err != nil {
			log.WithError(err).Error("dropping malformed sms job")
			return nil
		}
		log.WithFields(logrus.Fields{
			"message_id": job.MessageID,
			"to":         job.To,
			"media":      job.MediaURL != "",
		}).Info("sms delivered to log gateway")
		return nil
	})
}
