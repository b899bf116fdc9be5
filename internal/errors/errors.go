// internal/errors/errors.go
package appErrors

import (
	"errors"
	"fmt"
)

// ErrFunnelNotFound is returned when a funnel id or key does not resolve
type ErrFunnelNotFound struct {
	FunnelID  string
	FunnelKey string
}

func (e *ErrFunnelNotFound) Error() string {
	if e.FunnelID == "" && e.FunnelKey != "" {
		return fmt.Sprintf("funnel not found for key %q", e.FunnelKey)
	}
	return fmt.Sprintf("funnel with ID %s not found", e.FunnelID)
}

// Helper constructor
func NewFunnelNotFound(id string) error {
	return &ErrFunnelNotFound{FunnelID: id}
}

func NewFunnelKeyNotFound(key string) error {
	return &ErrFunnelNotFound{FunnelKey: key}
}

type ErrEnrollmentNotFound struct {
	EnrollmentID string
}

func (e *ErrEnrollmentNotFound) Error() string {
	return fmt.Sprintf("enrollment with ID %s not found", e.EnrollmentID)
}

func NewEnrollmentNotFound(id string) error {
	return &ErrEnrollmentNotFound{EnrollmentID: id}
}

// ErrContactNotFound covers leads and agents.
type ErrContactNotFound struct {
	Kind string
	ID   string
}

func (e *ErrContactNotFound) Error() string {
	return fmt.Sprintf("%s with ID %s not found", e.Kind, e.ID)
}

func NewLeadNotFound(id string) error {
	return &ErrContactNotFound{Kind: "lead", ID: id}
}

func NewAgentNotFound(id string) error {
	return &ErrContactNotFound{Kind: "agent", ID: id}
}

var (
	// ErrAlreadyEnrolled means the lead already has an open enrollment in the funnel.
	ErrAlreadyEnrolled = errors.New("lead already has an open enrollment in this funnel")

	// ErrLeaseLost means another worker reclaimed the enrollment after our lease expired.
	ErrLeaseLost = errors.New("enrollment lease lost")
)

// IsNotFound reports whether err is one of the not-found errors above.
func IsNotFound(err error) bool {
	var fnf *ErrFunnelNotFound
	var enf *ErrEnrollmentNotFound
	var cnf *ErrContactNotFound
	return errors.As(err, &fnf) || errors.As(err, &enf) || errors.As(err, &cnf)
}
