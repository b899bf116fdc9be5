// internal/dispatch/email.go
package dispatch

import (
	"context"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gopkg.in/gomail.v2"

	"github.com/unclebandit/funnel-engine/internal/config"
	"github.com/unclebandit/funnel-engine/internal/model"
	"github.com/unclebandit/funnel-engine/internal/queue"
)

const (
	ProviderSMTP  = "smtp"
	ProviderQueue = "queue"
)

// Dialer is the part of *gomail.Dialer the mailer needs.
type Dialer interface {
	DialAndSend(m ...*gomail.Message) error
}

// EmailJob is what lands on the email_sends topic when inline delivery is not
// possible. Its MessageID is always set.
type EmailJob = model.EmailMessage

// SMTPMailer sends through SMTP and falls back to the email queue when SMTP is
// unavailable or not configured.
type SMTPMailer struct {
	Dialer    Dialer
	FromName  string
	FromEmail string
	Queue     queue.Queue
	Log       logrus.FieldLogger

	validate *validator.Validate
}

func NewSMTPMailer(cfg config.SMTPConfig, q queue.Queue, log logrus.FieldLogger) *SMTPMailer {
	m := &SMTPMailer{
		FromName:  cfg.FromName,
		FromEmail: cfg.FromEmail,
		Queue:     q,
		Log:       log,
		validate:  validator.New(),
	}
	if cfg.Host != "" {
		m.Dialer = gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
	}
	return m
}

func (m *SMTPMailer) SendEmail(ctx context.Context, msg model.EmailMessage) (model.SendResult, error) {
	if m.validate == nil {
		m.validate = validator.New()
	}
	if err := m.validate.Struct(msg); err != nil {
		return model.SendResult{}, fmt.Errorf("invalid email: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return model.SendResult{}, err
	}

	job := msg
	if job.MessageID == "" {
		job.MessageID = uuid.NewString()
	}
	log := m.Log.WithFields(logrus.Fields{"message_id": job.MessageID, "to": msg.To})

	var smtpErr error
	if m.Dialer != nil {
		smtpErr = m.Deliver(job)
		if smtpErr == nil {
			log.Debug("email sent")
			return model.SendResult{Sent: true, Provider: ProviderSMTP, MessageID: job.MessageID}, nil
		}
		log.WithError(smtpErr).Warn("smtp delivery failed")
	}

	if m.Queue == nil {
		if smtpErr != nil {
			return model.SendResult{}, smtpErr
		}
		return model.SendResult{Sent: false}, nil
	}

	if err := m.Queue.Publish(queue.TopicEmailSends, job); err != nil {
		return model.SendResult{}, fmt.Errorf("queue email: %w", err)
	}
	log.Info("email queued")
	return model.SendResult{Queued: true, Provider: ProviderQueue, MessageID: job.MessageID}, nil
}

// Deliver sends job over SMTP.
func (m *SMTPMailer) Deliver(job EmailJob) error {
	if m.Dialer == nil {
		return fmt.Errorf("smtp is not configured")
	}

	msg := gomail.NewMessage()
	msg.SetHeader("From", msg.FormatAddress(m.FromEmail, m.FromName))
	msg.SetHeader("To", job.To)
	msg.SetHeader("Subject", job.Subject)
	msg.SetHeader("Message-ID", fmt.Sprintf("<%s@funnel-engine>", job.MessageID))
	for k, v := range job.Tags {
		msg.SetHeader("X-Funnel-"+k, v)
	}
	msg.SetBody("text/html", job.HTML)

	if err := m.Dialer.DialAndSend(msg); err != nil {
		return fmt.Errorf("error sending email: %w", err)
	}
	return nil
}

// StartEmailSubscriber drains the email queue through SMTP; a failed delivery is
// returned to the queue for retry.
func StartEmailSubscriber(q queue.Queue, m *SMTPMailer, log logrus.FieldLogger) error {
	return q.Subscribe(queue.TopicEmailSends, func(payload any) error {
		var job EmailJob
		if err := queue.Decode(payload, &job); err != nil {
			log.WithError(err).Error("dropping malformed email job")
			return nil
		}
		if err := m.Deliver(job); err != nil {
			return err
		}
		log.WithField("message_id", job.MessageID).Info("queued email sent")
		return nil
	})
}
