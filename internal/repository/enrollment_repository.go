package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	appErrors "github.com/unclebandit/funnel-engine/internal/errors"
	"github.com/unclebandit/funnel-engine/internal/model"
)

type EnrollmentRepositoryInterface interface {
	// ClaimDue leases up to limit due enrollments to workerID until now+ttl.
	ClaimDue(ctx context.Context, workerID string, limit int, now time.Time, ttl time.Duration) ([]*model.DueEnrollment, error)
	// Release writes the new state and drops the lease; ErrLeaseLost if workerID no longer holds it.
	Release(ctx context.Context, id, workerID string, u model.EnrollmentUpdate) error
	// Insert returns ErrAlreadyEnrolled when the lead already has an open enrollment in the funnel.
	Insert(ctx context.Context, e *model.Enrollment) error
	GetByID(ctx context.Context, id string) (*model.Enrollment, error)
	// FindOpen returns the newest enrollment of lead in funnel with one of statuses, or nil.
	FindOpen(ctx context.Context, leadID, funnelID string, statuses []model.EnrollmentStatus) (*model.Enrollment, error)
}

type EnrollmentRepository struct {
	DB *sql.DB
}

const enrollmentColumns = `id, lead_id, agent_id, funnel_id, current_step_index, status, next_run_at,
	attempts, locked_by, lease_expires_at, created_at, updated_at`

// An expired processing lease means the previous worker died mid-step; it is claimable again.
const claimDueQuery = `
	WITH claimed AS (
		UPDATE funnel_enrollments
		SET status = 'processing', locked_by = $1, lease_expires_at = $3, updated_at = $2
		WHERE id IN (
			SELECT id FROM funnel_enrollments
			WHERE (status = 'active' AND next_run_at <= $2)
			   OR (status = 'processing' AND lease_expires_at < $2)
			ORDER BY next_run_at ASC
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + enrollmentColumns + `
	)
	SELECT c.id, c.lead_id, c.agent_id, c.funnel_id, c.current_step_index, c.status, c.next_run_at,
	       c.attempts, c.locked_by, c.lease_expires_at, c.created_at, c.updated_at,
	       l.id, l.name, l.first_name, l.last_name, l.email, l.phone,
	       a.id, a.first_name, a.last_name, a.email,
	       f.id, f.name, f.steps
	FROM claimed c
	LEFT JOIN leads l ON l.id = c.lead_id
	LEFT JOIN agents a ON a.id = c.agent_id
	LEFT JOIN funnels f ON f.id = c.funnel_id
`

func (r *EnrollmentRepository) ClaimDue(ctx context.Context, workerID string, limit int, now time.Time, ttl time.Duration) ([]*model.DueEnrollment, error) {
	rows, err := r.DB.QueryContext(ctx, claimDueQuery, workerID, now, now.Add(ttl), limit)
	if err != nil {
		return nil, fmt.Errorf("claim due enrollments: %w", err)
	}
	defer rows.Close()

	due := []*model.DueEnrollment{}
	for rows.Next() {
		d, err := scanDueEnrollment(rows)
		if err != nil {
			return nil, err
		}
		due = append(due, d)
	}
	return due, rows.Err()
}

func scanDueEnrollment(rows *sql.Rows) (*model.DueEnrollment, error) {
	var d model.DueEnrollment
	var leadID, leadName, leadFirst, leadLast, leadEmail, leadPhone sql.NullString
	var agentID, agentFirst, agentLast, agentEmail sql.NullString
	var funnelID, funnelName sql.NullString
	var funnelSteps []byte
	e := &d.Enrollment
	err := rows.Scan(
		&e.ID, &e.LeadID, &e.AgentID, &e.FunnelID, &e.CurrentStepIndex, &e.Status, &e.NextRunAt,
		&e.Attempts, &e.LockedBy, &e.LeaseExpiresAt, &e.CreatedAt, &e.UpdatedAt,
		&leadID, &leadName, &leadFirst, &leadLast, &leadEmail, &leadPhone,
		&agentID, &agentFirst, &agentLast, &agentEmail,
		&funnelID, &funnelName, &funnelSteps,
	)
	if err != nil {
		return nil, fmt.Errorf("scan due enrollment: %w", err)
	}

	if leadID.Valid {
		d.Lead = &model.Lead{
			ID:        leadID.String,
			Name:      leadName.String,
			FirstName: leadFirst.String,
			LastName:  leadLast.String,
			Email:     leadEmail.String,
			Phone:     leadPhone.String,
		}
	}
	if agentID.Valid {
		d.Agent = &model.Agent{
			ID:        agentID.String,
			FirstName: agentFirst.String,
			LastName:  agentLast.String,
			Email:     agentEmail.String,
		}
	}
	if funnelID.Valid {
		d.Funnel = &model.Funnel{ID: funnelID.String, Name: funnelName.String}
		// A corrupt definition is treated like a missing one: Steps stays nil.
		if steps, err := decodeSteps(funnelSteps); err == nil {
			d.Funnel.Steps = steps
		}
	}
	return &d, nil
}

func (r *EnrollmentRepository) Release(ctx context.Context, id, workerID string, u model.EnrollmentUpdate) error {
	query := `
		UPDATE funnel_enrollments
		SET status=$1, current_step_index=$2, next_run_at=$3, attempts=$4, updated_at=$5,
		    locked_by=NULL, lease_expires_at=NULL
		WHERE id=$6 AND locked_by=$7 AND status='processing'
	`
	res, err := r.DB.ExecContext(ctx, query, u.Status, u.CurrentStepIndex, u.NextRunAt, u.Attempts, u.UpdatedAt, id, workerID)
	if err != nil {
		return fmt.Errorf("release enrollment %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return appErrors.ErrLeaseLost
	}
	return nil
}

func (r *EnrollmentRepository) Insert(ctx context.Context, e *model.Enrollment) error {
	query := `
		INSERT INTO funnel_enrollments (lead_id, agent_id, funnel_id, current_step_index, status, next_run_at, attempts)
		VALUES ($1, $2, $3, $4, $5, $6, 0)
		RETURNING id, created_at, updated_at
	`
	err := r.DB.QueryRowContext(ctx, query, e.LeadID, e.AgentID, e.FunnelID, e.CurrentStepIndex, e.Status, e.NextRunAt).
		Scan(&e.ID, &e.CreatedAt, &e.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("insert enrollment of lead %s: %w", e.LeadID, appErrors.ErrAlreadyEnrolled)
	}
	return err
}

// uniqueViolation is the Postgres SQLSTATE for a unique index conflict.
const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

func (r *EnrollmentRepository) GetByID(ctx context.Context, id string) (*model.Enrollment, error) {
	query := `SELECT ` + enrollmentColumns + ` FROM funnel_enrollments WHERE id=$1`
	e, err := scanEnrollment(r.DB.QueryRowContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.NewEnrollmentNotFound(id)
		}
		return nil, err
	}
	return e, nil
}

func (r *EnrollmentRepository) FindOpen(ctx context.Context, leadID, funnelID string, statuses []model.EnrollmentStatus) (*model.Enrollment, error) {
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}
	query := `SELECT ` + enrollmentColumns + ` FROM funnel_enrollments
		WHERE lead_id=$1 AND funnel_id=$2 AND status = ANY($3)
		ORDER BY created_at DESC
		LIMIT 1`
	e, err := scanEnrollment(r.DB.QueryRowContext(ctx, query, leadID, funnelID, pq.Array(names)))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return e, nil
}

func scanEnrollment(row *sql.Row) (*model.Enrollment, error) {
	var e model.Enrollment
	err := row.Scan(
		&e.ID, &e.LeadID, &e.AgentID, &e.FunnelID, &e.CurrentStepIndex, &e.Status, &e.NextRunAt,
		&e.Attempts, &e.LockedBy, &e.LeaseExpiresAt, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// decodeSteps returns nil for a NULL or JSON null definition and an empty,
// non-nil slice for "[]".
func decodeSteps(raw []byte) ([]model.Step, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	steps := []model.Step{}
	if err := json.Unmarshal(raw, &steps); err != nil {
		return nil, err
	}
	return steps, nil
}

var _ EnrollmentRepositoryInterface = (*EnrollmentRepository)(nil)
