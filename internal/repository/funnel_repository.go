package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"

	appErrors "github.com/unclebandit/funnel-engine/internal/errors"
	"github.com/unclebandit/funnel-engine/internal/model"
)

// FunnelMatch is the column a key lookup compares candidates against.
type FunnelMatch string

const (
	MatchFunnelKey FunnelMatch = "funnel_key"
	MatchType      FunnelMatch = "type"
)

// FunnelLookup narrows a key lookup. AgentID and DefaultOnly are optional filters.
type FunnelLookup struct {
	Match       FunnelMatch
	Candidates  []string
	AgentID     string
	DefaultOnly bool
}

type FunnelRepositoryInterface interface {
	GetByID(ctx context.Context, id string) (*model.Funnel, error)
	// FindOne returns the oldest funnel matching l, or nil when none does.
	FindOne(ctx context.Context, l FunnelLookup) (*model.Funnel, error)
	// LegacySteps returns the funnel_steps rows of a funnel in step order.
	LegacySteps(ctx context.Context, funnelID string) ([]model.LegacyStep, error)
	// BackfillSteps stores steps as the funnel's definition.
	BackfillSteps(ctx context.Context, funnelID string, steps []model.Step) error
}

type FunnelRepository struct {
	DB *sql.DB
}

const funnelColumns = `id, name, steps, created_at`

func (r *FunnelRepository) GetByID(ctx context.Context, id string) (*model.Funnel, error) {
	query := `SELECT ` + funnelColumns + ` FROM funnels WHERE id=$1`

	f, err := scanFunnel(r.DB.QueryRowContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.NewFunnelNotFound(id)
		}
		return nil, err
	}
	return f, nil
}

func (r *FunnelRepository) FindOne(ctx context.Context, l FunnelLookup) (*model.Funnel, error) {
	column := "funnel_key"
	if l.Match == MatchType {
		column = "type"
	}
	query := `SELECT ` + funnelColumns + ` FROM funnels WHERE ` + column + ` = ANY($1)`
	args := []any{pq.Array(l.Candidates)}
	if l.AgentID != "" {
		args = append(args, l.AgentID)
		query += fmt.Sprintf(` AND agent_id = $%d`, len(args))
	}
	if l.DefaultOnly {
		query += ` AND is_default`
	}
	query += ` ORDER BY created_at ASC LIMIT 1`

	f, err := scanFunnel(r.DB.QueryRowContext(ctx, query, args...))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return f, nil
}

func (r *FunnelRepository) LegacySteps(ctx context.Context, funnelID string) ([]model.LegacyStep, error) {
	query := `
		SELECT id, COALESCE(step_key, ''), COALESCE(step_name, ''), COALESCE(action_type, ''),
		       COALESCE(subject, ''), COALESCE(email_subject, ''), COALESCE(content, ''),
		       COALESCE(email_body, ''), delay_days, delay_minutes
		FROM funnel_steps
		WHERE funnel_id = $1
		ORDER BY step_index ASC
	`
	rows, err := r.DB.QueryContext(ctx, query, funnelID)
	if err != nil {
		return nil, fmt.Errorf("load legacy steps of funnel %s: %w", funnelID, err)
	}
	defer rows.Close()

	var steps []model.LegacyStep
	for rows.Next() {
		var s model.LegacyStep
		if err := rows.Scan(&s.ID, &s.StepKey, &s.StepName, &s.ActionType, &s.Subject, &s.EmailSubject,
			&s.Content, &s.EmailBody, &s.DelayDays, &s.DelayMinutes); err != nil {
			return nil, err
		}
		steps = append(steps, s)
	}
	return steps, rows.Err()
}

func (r *FunnelRepository) BackfillSteps(ctx context.Context, funnelID string, steps []model.Step) error {
	raw, err := json.Marshal(steps)
	if err != nil {
		return err
	}
	query := `UPDATE funnels SET steps = $1, updated_at = NOW() WHERE id = $2`
	if _, err := r.DB.ExecContext(ctx, query, string(raw), funnelID); err != nil {
		return fmt.Errorf("backfill steps of funnel %s: %w", funnelID, err)
	}
	return nil
}

func scanFunnel(row *sql.Row) (*model.Funnel, error) {
	var f model.Funnel
	var steps []byte
	if err := row.Scan(&f.ID, &f.Name, &steps, &f.CreatedAt); err != nil {
		return nil, err
	}
	var err error
	f.Steps, err = decodeSteps(steps)
	if err != nil {
		return nil, fmt.Errorf("decode steps of funnel %s: %w", f.ID, err)
	}
	return &f, nil
}

var _ FunnelRepositoryInterface = (*FunnelRepository)(nil)
