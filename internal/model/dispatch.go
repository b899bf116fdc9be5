// internal/model/dispatch.go
package model

import "time"

// EmailMessage is one outbound email produced by a funnel step. MessageID is
// optional; the mailer assigns one when it is empty.
type EmailMessage struct {
	MessageID string            `json:"message_id,omitempty"`
	To        string            `json:"to" validate:"required,email"`
	Subject   string            `json:"subject"`
	HTML      string            `json:"html"`
	Tags      map[string]string `json:"tags,omitempty"`
}

// SendResult is what a dispatcher reports back. Queued means the message was
// accepted for later delivery instead of being sent inline.
type SendResult struct {
	Sent      bool   `json:"sent"`
	Queued    bool   `json:"queued,omitempty"`
	Provider  string `json:"provider,omitempty"`
	MessageID string `json:"message_id,omitempty"`
}

// SMSJob is the payload handed to the SMS gateway consumer.
type SMSJob struct {
	MessageID string `json:"message_id"`
	To        string `json:"to"`
	Body      string `json:"body"`
	MediaURL  string `json:"media_url,omitempty"`
}

// TrackingRecord ties a sent email to the lead so opens can be counted against it.
type TrackingRecord struct {
	MessageID      string    `db:"message_id" json:"message_id"`
	LeadID         string    `db:"lead_id" json:"lead_id"`
	AgentID        string    `db:"agent_id" json:"agent_id"`
	StepKey        string    `db:"step_key" json:"step_key"`
	Subject        string    `db:"subject" json:"subject"`
	RecipientEmail string    `db:"recipient_email" json:"recipient_email"`
	SentAt         time.Time `db:"sent_at" json:"sent_at"`
}
