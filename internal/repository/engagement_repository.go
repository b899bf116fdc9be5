package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/unclebandit/funnel-engine/internal/model"
)

// EngagementRepositoryInterface reads and records email engagement for condition steps
type EngagementRepositoryInterface interface {
	SumOpenCounts(ctx context.Context, leadID string) (int, error)
	// CreateTracking stores the record for a sent email; a repeated message id is ignored.
	CreateTracking(ctx context.Context, rec *model.TrackingRecord) error
	// RecordOpen counts one open of messageID and reports whether the message is tracked.
	RecordOpen(ctx context.Context, messageID string, at time.Time) (bool, error)
}

type EngagementRepository struct {
	DB *sql.DB
}

// SumOpenCounts adds up open_count over every tracked email sent to the lead.
func (r *EngagementRepository) SumOpenCounts(ctx context.Context, leadID string) (int, error) {
	query := `SELECT COALESCE(SUM(open_count), 0) FROM email_tracking_events WHERE lead_id = $1`

	var total int
	if err := r.DB.QueryRowContext(ctx, query, leadID).Scan(&total); err != nil {
		return 0, err
	}
	return total, nil
}

func (r *EngagementRepository) CreateTracking(ctx context.Context, rec *model.TrackingRecord) error {
	query := `
		INSERT INTO email_tracking_events
			(message_id, lead_id, agent_id, step_key, subject, recipient_email, sent_at, open_count, click_count)
		VALUES ($1, $2, NULLIF($3, '')::uuid, $4, $5, $6, $7, 0, 0)
		ON CONFLICT (message_id) DO NOTHING
	`
	_, err := r.DB.ExecContext(ctx, query,
		rec.MessageID, rec.LeadID, rec.AgentID, rec.StepKey, rec.Subject, rec.RecipientEmail, rec.SentAt)
	return err
}

func (r *EngagementRepository) RecordOpen(ctx context.Context, messageID string, at time.Time) (bool, error) {
	query := `
		UPDATE email_tracking_events
		SET open_count = open_count + 1, last_opened_at = $2
		WHERE message_id = $1
	`
	res, err := r.DB.ExecContext(ctx, query, messageID, at)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

var _ EngagementRepositoryInterface = (*EngagementRepository)(nil)
