package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/unclebandit/funnel-engine/internal/model"
)

type ExecutionLogRepositoryInterface interface {
	Append(ctx context.Context, entry *model.ExecutionLogEntry) error
	ListByEnrollment(ctx context.Context, enrollmentID string) ([]*model.ExecutionLogEntry, error)
}

type ExecutionLogRepository struct {
	DB *sql.DB
}

// Append inserts a new log entry and fills in its ID and CreatedAt. Entries are never updated.
func (r *ExecutionLogRepository) Append(ctx context.Context, entry *model.ExecutionLogEntry) error {
	// nil details are stored as SQL NULL
	var details any
	if entry.ResultDetails != nil {
		b, err := json.Marshal(entry.ResultDetails)
		if err != nil {
			return fmt.Errorf("encode result details: %w", err)
		}
		details = string(b)
	}

	query := `
		INSERT INTO funnel_logs (enrollment_id, agent_id, step_index, action_type, status, result_details)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`
	return r.DB.QueryRowContext(
		ctx,
		query,
		entry.EnrollmentID,
		entry.AgentID,
		entry.StepIndex,
		entry.ActionType,
		entry.Status,
		details,
	).Scan(&entry.ID, &entry.CreatedAt)
}

// ListByEnrollment returns the audit trail of one enrollment, oldest first
func (r *ExecutionLogRepository) ListByEnrollment(ctx context.Context, enrollmentID string) ([]*model.ExecutionLogEntry, error) {
	query := `
		SELECT id, enrollment_id, agent_id, step_index, action_type, status, result_details, created_at
		FROM funnel_logs
		WHERE enrollment_id = $1
		ORDER BY id ASC
	`
	rows, err := r.DB.QueryContext(ctx, query, enrollmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []*model.ExecutionLogEntry{}
	for rows.Next() {
		var e model.ExecutionLogEntry
		var details []byte
		if err := rows.Scan(&e.ID, &e.EnrollmentID, &e.AgentID, &e.StepIndex, &e.ActionType, &e.Status, &details, &e.CreatedAt); err != nil {
			return nil, err
		}
		if len(details) > 0 {
			if err := json.Unmarshal(details, &e.ResultDetails); err != nil {
				return nil, fmt.Errorf("decode result details of log %d: %w", e.ID, err)
			}
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

var _ ExecutionLogRepositoryInterface = (*ExecutionLogRepository)(nil)
