package service_test

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	appErrors "github.com/unclebandit/funnel-engine/internal/errors"
	"github.com/unclebandit/funnel-engine/internal/model"
	"github.com/unclebandit/funnel-engine/internal/repository"
)

// MockEnrollmentRepo keeps enrollments in memory and honors the claim/lease rules
// of the SQL repository, so concurrent RunOnce calls can be exercised.
type MockEnrollmentRepo struct {
	mu      sync.Mutex
	rows    map[string]*model.Enrollment
	leads   map[string]*model.Lead
	agents  map[string]*model.Agent
	funnels map[string]*model.Funnel
	seq     int

	ClaimErr   error
	ReleaseErr error
	releases   int

	// FindOpenMisses makes the next n FindOpen calls report nothing, as a
	// concurrent enroller would see before the other insert commits.
	FindOpenMisses int
}

func NewMockEnrollmentRepo() *MockEnrollmentRepo {
	return &MockEnrollmentRepo{
		rows:    map[string]*model.Enrollment{},
		leads:   map[string]*model.Lead{},
		agents:  map[string]*model.Agent{},
		funnels: map[string]*model.Funnel{},
	}
}

func (m *MockEnrollmentRepo) AddLead(l *model.Lead)     { m.leads[l.ID] = l }
func (m *MockEnrollmentRepo) AddAgent(a *model.Agent)   { m.agents[a.ID] = a }
func (m *MockEnrollmentRepo) AddFunnel(f *model.Funnel) { m.funnels[f.ID] = f }

// Put stores a copy of e as-is.
func (m *MockEnrollmentRepo) Put(e model.Enrollment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[e.ID] = &e
}

// Row returns a snapshot of the stored enrollment.
func (m *MockEnrollmentRepo) Row(id string) model.Enrollment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.rows[id]
}

func (m *MockEnrollmentRepo) ClaimDue(ctx context.Context, workerID string, limit int, now time.Time, ttl time.Duration) ([]*model.DueEnrollment, error) {
	if m.ClaimErr != nil {
		return nil, m.ClaimErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.rows))
	for id := range m.rows {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	due := []*model.DueEnrollment{}
	for _, id := range ids {
		if len(due) >= limit {
			break
		}
		e := m.rows[id]
		expired := e.Status == model.EnrollmentProcessing && e.LeaseExpiresAt != nil && e.LeaseExpiresAt.Before(now)
		ready := e.Status == model.EnrollmentActive && !e.NextRunAt.After(now)
		if !ready && !expired {
			continue
		}
		worker := workerID
		lease := now.Add(ttl)
		e.Status = model.EnrollmentProcessing
		e.LockedBy = &worker
		e.LeaseExpiresAt = &lease
		e.UpdatedAt = now

		d := &model.DueEnrollment{Enrollment: *e}
		d.Lead = m.leads[e.LeadID]
		d.Agent = m.agents[e.AgentID]
		d.Funnel = m.funnels[e.FunnelID]
		due = append(due, d)
	}
	return due, nil
}

// Release fails on a cancelled context the way database/sql does.
func (m *MockEnrollmentRepo) Release(ctx context.Context, id, workerID string, u model.EnrollmentUpdate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.ReleaseErr != nil {
		return m.ReleaseErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.rows[id]
	if !ok || e.Status != model.EnrollmentProcessing || e.LockedBy == nil || *e.LockedBy != workerID {
		return appErrors.ErrLeaseLost
	}
	e.Status = u.Status
	e.CurrentStepIndex = u.CurrentStepIndex
	e.NextRunAt = u.NextRunAt
	e.Attempts = u.Attempts
	e.UpdatedAt = u.UpdatedAt
	e.LockedBy = nil
	e.LeaseExpiresAt = nil
	m.releases++
	return nil
}

// Insert enforces one open enrollment per lead and funnel like the partial unique index.
func (m *MockEnrollmentRepo) Insert(ctx context.Context, e *model.Enrollment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.rows {
		if row.LeadID == e.LeadID && row.FunnelID == e.FunnelID && !row.Status.Terminal() {
			return fmt.Errorf("insert enrollment: %w", appErrors.ErrAlreadyEnrolled)
		}
	}
	m.seq++
	e.ID = fmt.Sprintf("enr-%d", m.seq)
	e.CreatedAt = time.Now()
	e.UpdatedAt = e.CreatedAt
	cp := *e
	m.rows[e.ID] = &cp
	return nil
}

func (m *MockEnrollmentRepo) GetByID(ctx context.Context, id string) (*model.Enrollment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.rows[id]
	if !ok {
		return nil, appErrors.NewEnrollmentNotFound(id)
	}
	cp := *e
	return &cp, nil
}

func (m *MockEnrollmentRepo) FindOpen(ctx context.Context, leadID, funnelID string, statuses []model.EnrollmentStatus) (*model.Enrollment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FindOpenMisses > 0 {
		m.FindOpenMisses--
		return nil, nil
	}
	for _, e := range m.rows {
		if e.LeadID != leadID || e.FunnelID != funnelID {
			continue
		}
		for _, s := range statuses {
			if e.Status == s {
				cp := *e
				return &cp, nil
			}
		}
	}
	return nil, nil
}

type MockLogRepo struct {
	mu        sync.Mutex
	entries   []*model.ExecutionLogEntry
	AppendErr error
}

func (m *MockLogRepo) Append(ctx context.Context, entry *model.ExecutionLogEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.AppendErr != nil {
		return m.AppendErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	entry.ID = int64(len(m.entries) + 1)
	entry.CreatedAt = time.Now()
	m.entries = append(m.entries, entry)
	return nil
}

func (m *MockLogRepo) ListByEnrollment(ctx context.Context, enrollmentID string) ([]*model.ExecutionLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*model.ExecutionLogEntry{}
	for _, e := range m.entries {
		if e.EnrollmentID == enrollmentID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *MockLogRepo) All() []*model.ExecutionLogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*model.ExecutionLogEntry(nil), m.entries...)
}

type keyedFunnel struct {
	AgentID string
	Key     string
	Type    string
	Default bool
	Funnel  *model.Funnel
}

type MockFunnelRepo struct {
	mu         sync.Mutex
	funnels    map[string]*model.Funnel
	keyed      []keyedFunnel
	legacy     map[string][]model.LegacyStep
	legacyErr  error
	backfilled map[string][]model.Step
	lookups    []repository.FunnelLookup
}

func (m *MockFunnelRepo) GetByID(ctx context.Context, id string) (*model.Funnel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.funnels[id]
	if !ok {
		return nil, appErrors.NewFunnelNotFound(id)
	}
	return f, nil
}

// FindOne scans keyed in insertion order, standing in for ORDER BY created_at.
func (m *MockFunnelRepo) FindOne(ctx context.Context, l repository.FunnelLookup) (*model.Funnel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lookups = append(m.lookups, l)
	for _, k := range m.keyed {
		value := k.Key
		if l.Match == repository.MatchType {
			value = k.Type
		}
		if !contains(l.Candidates, value) {
			continue
		}
		if l.AgentID != "" && k.AgentID != l.AgentID {
			continue
		}
		if l.DefaultOnly && !k.Default {
			continue
		}
		return k.Funnel, nil
	}
	return nil, nil
}

func (m *MockFunnelRepo) LegacySteps(ctx context.Context, funnelID string) ([]model.LegacyStep, error) {
	if m.legacyErr != nil {
		return nil, m.legacyErr
	}
	return m.legacy[funnelID], nil
}

func (m *MockFunnelRepo) BackfillSteps(ctx context.Context, funnelID string, steps []model.Step) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.backfilled == nil {
		m.backfilled = map[string][]model.Step{}
	}
	m.backfilled[funnelID] = steps
	return nil
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}

type MockContactRepo struct {
	leads  map[string]*model.Lead
	agents map[string]*model.Agent
	Err    error
}

func (m *MockContactRepo) GetLead(ctx context.Context, id string) (*model.Lead, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	return m.leads[id], nil
}

func (m *MockContactRepo) GetAgent(ctx context.Context, id string) (*model.Agent, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	return m.agents[id], nil
}

type MockEngagementRepo struct {
	mu      sync.Mutex
	Opens   int
	Err     error
	Records []model.TrackingRecord
	opened  map[string]int
}

func (m *MockEngagementRepo) SumOpenCounts(ctx context.Context, leadID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := m.Opens
	for _, r := range m.Records {
		if r.LeadID == leadID {
			total += m.opened[r.MessageID]
		}
	}
	return total, m.Err
}

func (m *MockEngagementRepo) CreateTracking(ctx context.Context, rec *model.TrackingRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.Records = append(m.Records, *rec)
	return nil
}

func (m *MockEngagementRepo) RecordOpen(ctx context.Context, messageID string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return false, m.Err
	}
	for _, r := range m.Records {
		if r.MessageID == messageID {
			if m.opened == nil {
				m.opened = map[string]int{}
			}
			m.opened[messageID]++
			return true, nil
		}
	}
	return false, nil
}

type MockEmailSender struct {
	mu     sync.Mutex
	Result model.SendResult
	Err    error
	Panic  bool
	Sent   []model.EmailMessage
	OnSend func()
}

func (m *MockEmailSender) SendEmail(ctx context.Context, msg model.EmailMessage) (model.SendResult, error) {
	if m.Panic {
		panic("provider client is nil")
	}
	m.mu.Lock()
	m.Sent = append(m.Sent, msg)
	res, err, hook := m.Result, m.Err, m.OnSend
	m.mu.Unlock()
	if hook != nil {
		hook()
	}
	return res, err
}

// StepKeys lists the step_key tag of every email sent, in order.
func (m *MockEmailSender) StepKeys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, len(m.Sent))
	for i, msg := range m.Sent {
		keys[i] = msg.Tags["step_key"]
	}
	return keys
}

func (m *MockEmailSender) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Sent)
}

type sentSMS struct {
	To, Body, MediaURL string
}

type MockSMSSender struct {
	Result model.SendResult
	Err    error
	Sent   []sentSMS
}

func (m *MockSMSSender) SendSMS(ctx context.Context, to, body, mediaURL string) (model.SendResult, error) {
	m.Sent = append(m.Sent, sentSMS{To: to, Body: body, MediaURL: mediaURL})
	return m.Result, m.Err
}

type StubConditions struct {
	Outcome bool
}

func (s StubConditions) Evaluate(ctx context.Context, step model.Step, lead *model.Lead) bool {
	return s.Outcome
}

func intPtr(i int) *int           { return &i }
func floatPtr(f float64) *float64 { return &f }
