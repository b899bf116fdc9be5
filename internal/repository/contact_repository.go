package repository

import (
	"context"
	"database/sql"

	"github.com/unclebandit/funnel-engine/internal/model"
)

// ContactRepositoryInterface reads the lead and agent projections
type ContactRepositoryInterface interface {
	GetLead(ctx context.Context, id string) (*model.Lead, error)
	GetAgent(ctx context.Context, id string) (*model.Agent, error)
}

type ContactRepository struct {
	DB *sql.DB
}

// GetLead fetches a lead by ID, nil when it does not exist
func (r *ContactRepository) GetLead(ctx context.Context, id string) (*model.Lead, error) {
	query := `
		SELECT id, name, first_name, last_name, email, phone
		FROM leads
		WHERE id = $1
	`
	var l model.Lead
	err := r.DB.QueryRowContext(ctx, query, id).Scan(&l.ID, &l.Name, &l.FirstName, &l.LastName, &l.Email, &l.Phone)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // not found
		}
		return nil, err
	}
	return &l, nil
}

// GetAgent fetches an agent by ID, nil when it does not exist
func (r *ContactRepository) GetAgent(ctx context.Context, id string) (*model.Agent, error) {
	query := `SELECT id, first_name, last_name, email FROM agents WHERE id = $1`

	var a model.Agent
	err := r.DB.QueryRowContext(ctx, query, id).Scan(&a.ID, &a.FirstName, &a.LastName, &a.Email)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &a, nil
}

var _ ContactRepositoryInterface = (*ContactRepository)(nil)
