// internal/service/enrollment_service.go
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	appErrors "github.com/unclebandit/funnel-engine/internal/errors"
	"github.com/unclebandit/funnel-engine/internal/model"
	"github.com/unclebandit/funnel-engine/internal/repository"
)

// EnrollRequest identifies who is enrolled where.
type EnrollRequest struct {
	AgentID  string `json:"agent_id" validate:"required"`
	LeadID   string `json:"lead_id" validate:"required"`
	FunnelID string `json:"funnel_id" validate:"required"`
}

// EnrollByKeyRequest enrolls into whichever funnel the key resolves to for the agent.
type EnrollByKeyRequest struct {
	AgentID   string `json:"agent_id" validate:"required"`
	LeadID    string `json:"lead_id" validate:"required"`
	FunnelKey string `json:"funnel_key" validate:"required"`
}

// EnrollResult tells the caller whether an existing enrollment was returned.
type EnrollResult struct {
	Enrollment *model.Enrollment `json:"enrollment"`
	Reused     bool              `json:"reused"`
}

// openStatuses are the enrollments EnsureEnrolled will not duplicate.
var openStatuses = []model.EnrollmentStatus{
	model.EnrollmentActive,
	model.EnrollmentProcessing,
	model.EnrollmentPaused,
}

type EnrollmentService struct {
	Enrollments repository.EnrollmentRepositoryInterface
	Funnels     repository.FunnelRepositoryInterface
	Contacts    repository.ContactRepositoryInterface
	Logs        repository.ExecutionLogRepositoryInterface
	Log         logrus.FieldLogger
	Now         func() time.Time

	// DefaultAgentID owns the house funnels tried when an agent has no funnel of its own.
	DefaultAgentID string

	validate *validator.Validate
}

func NewEnrollmentService(
	enrollments repository.EnrollmentRepositoryInterface,
	funnels repository.FunnelRepositoryInterface,
	contacts repository.ContactRepositoryInterface,
	logs repository.ExecutionLogRepositoryInterface,
	log logrus.FieldLogger,
) *EnrollmentService {
	return &EnrollmentService{
		Enrollments: enrollments,
		Funnels:     funnels,
		Contacts:    contacts,
		Logs:        logs,
		Log:         log,
		Now:         time.Now,
		validate:    validator.New(),
	}
}

// Enroll starts lead on funnel at step 0, due after that step's delay. A funnel
// without steps is enrolled due immediately and completes on its first run.
func (s *EnrollmentService) Enroll(ctx context.Context, agentID, leadID, funnelID string) (*model.Enrollment, error) {
	req := EnrollRequest{AgentID: agentID, LeadID: leadID, FunnelID: funnelID}
	if err := s.validator().Struct(req); err != nil {
		return nil, fmt.Errorf("invalid enrollment: %w", err)
	}

	funnel, err := s.Funnels.GetByID(ctx, funnelID)
	if err != nil {
		return nil, err
	}
	if err := s.checkContacts(ctx, agentID, leadID); err != nil {
		return nil, err
	}
	return s.enroll(ctx, agentID, leadID, funnel)
}

// EnsureEnrolled returns the lead's open enrollment in funnel when one exists,
// otherwise enrolls it.
func (s *EnrollmentService) EnsureEnrolled(ctx context.Context, agentID, leadID, funnelID string) (*EnrollResult, error) {
	req := EnrollRequest{AgentID: agentID, LeadID: leadID, FunnelID: funnelID}
	if err := s.validator().Struct(req); err != nil {
		return nil, fmt.Errorf("invalid enrollment: %w", err)
	}

	funnel, err := s.Funnels.GetByID(ctx, funnelID)
	if err != nil {
		return nil, err
	}
	return s.ensureEnrolled(ctx, agentID, leadID, funnel)
}

// EnrollByKey resolves funnelKey for the agent, hydrates legacy step rows into
// the funnel definition when needed, and ensures the lead is enrolled.
func (s *EnrollmentService) EnrollByKey(ctx context.Context, agentID, leadID, funnelKey string) (*EnrollResult, error) {
	req := EnrollByKeyRequest{AgentID: agentID, LeadID: leadID, FunnelKey: funnelKey}
	if err := s.validator().Struct(req); err != nil {
		return nil, fmt.Errorf("invalid enrollment: %w", err)
	}

	funnel, key, err := s.ResolveFunnel(ctx, agentID, funnelKey)
	if err != nil {
		return nil, err
	}
	if funnel == nil {
		return nil, appErrors.NewFunnelKeyNotFound(key)
	}
	s.hydrateSteps(ctx, funnel)
	return s.ensureEnrolled(ctx, agentID, leadID, funnel)
}

// ResolveFunnel looks funnelKey up in order: the agent's funnels by key then by
// type, the default agent's funnels, global defaults, then any funnel by key or
// type. It returns the normalized key and a nil funnel when nothing matches.
func (s *EnrollmentService) ResolveFunnel(ctx context.Context, agentID, funnelKey string) (*model.Funnel, string, error) {
	key := model.NormalizeFunnelKey(funnelKey)
	candidates := model.FunnelKeyCandidates(key)

	var lookups []repository.FunnelLookup
	if agentID != "" {
		lookups = append(lookups,
			repository.FunnelLookup{Match: repository.MatchFunnelKey, Candidates: candidates, AgentID: agentID},
			repository.FunnelLookup{Match: repository.MatchType, Candidates: candidates, AgentID: agentID},
		)
	}
	if s.DefaultAgentID != "" {
		lookups = append(lookups,
			repository.FunnelLookup{Match: repository.MatchFunnelKey, Candidates: candidates, AgentID: s.DefaultAgentID})
	}
	lookups = append(lookups,
		repository.FunnelLookup{Match: repository.MatchFunnelKey, Candidates: candidates, DefaultOnly: true},
		repository.FunnelLookup{Match: repository.MatchFunnelKey, Candidates: candidates},
		repository.FunnelLookup{Match: repository.MatchType, Candidates: candidates},
	)

	for _, l := range lookups {
		f, err := s.Funnels.FindOne(ctx, l)
		if err != nil {
			return nil, key, fmt.Errorf("resolve funnel %q: %w", key, err)
		}
		if f != nil {
			return f, key, nil
		}
	}
	return nil, key, nil
}

// hydrateSteps fills an empty funnel definition from its funnel_steps rows and
// stores the result. Lookup and backfill failures leave the funnel as it was.
func (s *EnrollmentService) hydrateSteps(ctx context.Context, funnel *model.Funnel) {
	if len(funnel.Steps) > 0 {
		return
	}
	log := s.Log.WithField("funnel_id", funnel.ID)

	rows, err := s.Funnels.LegacySteps(ctx, funnel.ID)
	if err != nil {
		log.WithError(err).Warn("could not hydrate legacy funnel steps")
		return
	}
	if len(rows) == 0 {
		return
	}

	steps := make([]model.Step, len(rows))
	for i, row := range rows {
		steps[i] = row.Step(i)
	}
	if err := s.Funnels.BackfillSteps(ctx, funnel.ID, steps); err != nil {
		log.WithError(err).Warn("could not backfill funnel steps")
		return
	}
	funnel.Steps = steps
	log.WithField("steps", len(steps)).Info("funnel steps backfilled from legacy rows")
}

func (s *EnrollmentService) ensureEnrolled(ctx context.Context, agentID, leadID string, funnel *model.Funnel) (*EnrollResult, error) {
	existing, err := s.Enrollments.FindOpen(ctx, leadID, funnel.ID, openStatuses)
	if err != nil {
		return nil, fmt.Errorf("find open enrollment: %w", err)
	}
	if existing != nil {
		return &EnrollResult{Enrollment: existing, Reused: true}, nil
	}

	if err := s.checkContacts(ctx, agentID, leadID); err != nil {
		return nil, err
	}
	e, err := s.enroll(ctx, agentID, leadID, funnel)
	if errors.Is(err, appErrors.ErrAlreadyEnrolled) {
		// A concurrent request enrolled the lead between FindOpen and Insert.
		existing, ferr := s.Enrollments.FindOpen(ctx, leadID, funnel.ID, openStatuses)
		if ferr != nil {
			return nil, fmt.Errorf("find open enrollment: %w", ferr)
		}
		if existing != nil {
			return &EnrollResult{Enrollment: existing, Reused: true}, nil
		}
	}
	if err != nil {
		return nil, err
	}
	return &EnrollResult{Enrollment: e}, nil
}

func (s *EnrollmentService) enroll(ctx context.Context, agentID, leadID string, funnel *model.Funnel) (*model.Enrollment, error) {
	now := s.now()
	next := now
	if len(funnel.Steps) > 0 {
		next = now.Add(funnel.Steps[0].Delay())
	}
	e := &model.Enrollment{
		LeadID:           leadID,
		AgentID:          agentID,
		FunnelID:         funnel.ID,
		CurrentStepIndex: 0,
		Status:           model.EnrollmentActive,
		NextRunAt:        next,
	}
	if err := s.Enrollments.Insert(ctx, e); err != nil {
		return nil, fmt.Errorf("insert enrollment: %w", err)
	}

	s.Log.WithFields(logrus.Fields{
		"enrollment_id": e.ID,
		"lead_id":       leadID,
		"funnel_id":     funnel.ID,
		"next_run_at":   e.NextRunAt,
	}).Info("lead enrolled")
	return e, nil
}

// checkContacts rejects enrollments for leads or agents that do not exist.
func (s *EnrollmentService) checkContacts(ctx context.Context, agentID, leadID string) error {
	if s.Contacts == nil {
		return nil
	}
	lead, err := s.Contacts.GetLead(ctx, leadID)
	if err != nil {
		return fmt.Errorf("load lead: %w", err)
	}
	if lead == nil {
		return appErrors.NewLeadNotFound(leadID)
	}
	agent, err := s.Contacts.GetAgent(ctx, agentID)
	if err != nil {
		return fmt.Errorf("load agent: %w", err)
	}
	if agent == nil {
		return appErrors.NewAgentNotFound(agentID)
	}
	return nil
}

func (s *EnrollmentService) Get(ctx context.Context, id string) (*model.Enrollment, error) {
	return s.Enrollments.GetByID(ctx, id)
}

// ListLogs returns the audit trail of an enrollment, oldest first.
func (s *EnrollmentService) ListLogs(ctx context.Context, enrollmentID string) ([]*model.ExecutionLogEntry, error) {
	if _, err := s.Enrollments.GetByID(ctx, enrollmentID); err != nil {
		return nil, err
	}
	return s.Logs.ListByEnrollment(ctx, enrollmentID)
}

func (s *EnrollmentService) validator() *validator.Validate {
	if s.validate == nil {
		s.validate = validator.New()
	}
	return s.validate
}

func (s *EnrollmentService) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}
