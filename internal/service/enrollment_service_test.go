package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/unclebandit/funnel-engine/internal/errors"
	"github.com/unclebandit/funnel-engine/internal/logging"
	"github.com/unclebandit/funnel-engine/internal/model"
	"github.com/unclebandit/funnel-engine/internal/repository"
	"github.com/unclebandit/funnel-engine/internal/service"
)

type enrollFixture struct {
	repo     *MockEnrollmentRepo
	logs     *MockLogRepo
	funnels  *MockFunnelRepo
	contacts *MockContactRepo
	svc      *service.EnrollmentService
}

func newEnrollFixture() *enrollFixture {
	f := &enrollFixture{
		repo: NewMockEnrollmentRepo(),
		logs: &MockLogRepo{},
		funnels: &MockFunnelRepo{funnels: map[string]*model.Funnel{
			"f-1":   {ID: "f-1", Steps: []model.Step{{Type: model.StepEmail, DelayMinutes: 90}, {Type: model.StepTask}}},
			"empty": {ID: "empty", Steps: []model.Step{}},
		}},
		contacts: &MockContactRepo{
			leads:  map[string]*model.Lead{"l-1": {ID: "l-1"}, "l-2": {ID: "l-2"}},
			agents: map[string]*model.Agent{"a-1": {ID: "a-1"}, "house": {ID: "house"}},
		},
	}
	f.svc = service.NewEnrollmentService(f.repo, f.funnels, f.contacts, f.logs, logging.Discard())
	f.svc.Now = func() time.Time { return schedNow }
	return f
}

func TestEnroll(t *testing.T) {
	f := newEnrollFixture()

	e, err := f.svc.Enroll(context.Background(), "a-1", "l-1", "f-1")
	require.NoError(t, err)
	assert.NotEmpty(t, e.ID)
	assert.Equal(t, 0, e.CurrentStepIndex)
	assert.Equal(t, model.EnrollmentActive, e.Status)
	assert.Equal(t, schedNow.Add(90*time.Minute), e.NextRunAt)

	stored := f.repo.Row(e.ID)
	assert.Equal(t, "l-1", stored.LeadID)
	assert.Equal(t, "a-1", stored.AgentID)
}

func TestEnrollEmptyFunnelIsDueImmediately(t *testing.T) {
	f := newEnrollFixture()

	e, err := f.svc.Enroll(context.Background(), "a-1", "l-1", "empty")
	require.NoError(t, err)
	assert.Equal(t, model.EnrollmentActive, e.Status)
	assert.Equal(t, schedNow, e.NextRunAt)
}

func TestEnrollErrors(t *testing.T) {
	f := newEnrollFixture()

	_, err := f.svc.Enroll(context.Background(), "a-1", "l-1", "missing")
	var nf *appErrors.ErrFunnelNotFound
	assert.ErrorAs(t, err, &nf)

	_, err = f.svc.Enroll(context.Background(), "", "l-1", "f-1")
	var ve validator.ValidationErrors
	assert.ErrorAs(t, err, &ve)
}

func TestEnrollRejectsUnknownContacts(t *testing.T) {
	f := newEnrollFixture()

	_, err := f.svc.Enroll(context.Background(), "a-1", "ghost", "f-1")
	var cnf *appErrors.ErrContactNotFound
	require.ErrorAs(t, err, &cnf)
	assert.Equal(t, "lead", cnf.Kind)

	_, err = f.svc.EnsureEnrolled(context.Background(), "nobody", "l-1", "f-1")
	require.ErrorAs(t, err, &cnf)
	assert.Equal(t, "agent", cnf.Kind)
	assert.True(t, appErrors.IsNotFound(err))

	f.contacts.Err = errors.New("connection refused")
	_, err = f.svc.Enroll(context.Background(), "a-1", "l-1", "f-1")
	assert.ErrorContains(t, err, "connection refused")
	assert.False(t, appErrors.IsNotFound(err))
}

func TestEnsureEnrolledReusesOpenEnrollment(t *testing.T) {
	f := newEnrollFixture()

	first, err := f.svc.EnsureEnrolled(context.Background(), "a-1", "l-1", "f-1")
	require.NoError(t, err)
	assert.False(t, first.Reused)

	second, err := f.svc.EnsureEnrolled(context.Background(), "a-1", "l-1", "f-1")
	require.NoError(t, err)
	assert.True(t, second.Reused)
	assert.Equal(t, first.Enrollment.ID, second.Enrollment.ID)

	// a finished enrollment does not block a new one
	row := f.repo.Row(first.Enrollment.ID)
	row.Status = model.EnrollmentCompleted
	f.repo.Put(row)

	third, err := f.svc.EnsureEnrolled(context.Background(), "a-1", "l-1", "f-1")
	require.NoError(t, err)
	assert.False(t, third.Reused)
	assert.NotEqual(t, first.Enrollment.ID, third.Enrollment.ID)
}

func TestEnsureEnrolledRecoversFromInsertConflict(t *testing.T) {
	f := newEnrollFixture()
	first, err := f.svc.EnsureEnrolled(context.Background(), "a-1", "l-1", "f-1")
	require.NoError(t, err)

	// the existence check misses the open row, so the unique index has to catch it
	f.repo.FindOpenMisses = 1
	again, err := f.svc.EnsureEnrolled(context.Background(), "a-1", "l-1", "f-1")
	require.NoError(t, err)
	assert.True(t, again.Reused)
	assert.Equal(t, first.Enrollment.ID, again.Enrollment.ID)
}

func TestConcurrentEnsureEnrolledCreatesOneEnrollment(t *testing.T) {
	f := newEnrollFixture()

	const callers = 12
	var wg sync.WaitGroup
	var mu sync.Mutex
	created := 0
	ids := map[string]bool{}
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.svc.EnsureEnrolled(context.Background(), "a-1", "l-2", "f-1")
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if !res.Reused {
				created++
			}
			ids[res.Enrollment.ID] = true
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	assert.Len(t, ids, 1)
}

func TestListLogs(t *testing.T) {
	f := newEnrollFixture()

	e, err := f.svc.Enroll(context.Background(), "a-1", "l-1", "f-1")
	require.NoError(t, err)
	require.NoError(t, f.logs.Append(context.Background(), &model.ExecutionLogEntry{EnrollmentID: e.ID, StepIndex: 0, Status: model.LogSuccess}))
	require.NoError(t, f.logs.Append(context.Background(), &model.ExecutionLogEntry{EnrollmentID: "other", StepIndex: 0, Status: model.LogSuccess}))

	entries, err := f.svc.ListLogs(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	_, err = f.svc.ListLogs(context.Background(), "nope")
	assert.True(t, appErrors.IsNotFound(err))
}

func keyedFixture() *enrollFixture {
	f := newEnrollFixture()
	own := &model.Funnel{ID: "own", Steps: []model.Step{{Type: model.StepEmail}}}
	house := &model.Funnel{ID: "house-realtor", Steps: []model.Step{{Type: model.StepEmail, DelayMinutes: 5}}}
	global := &model.Funnel{ID: "global-broker", Steps: []model.Step{{Type: model.StepSMS}}}
	typed := &model.Funnel{ID: "typed-seller", Steps: []model.Step{{Type: model.StepEmail}}}
	f.funnels.keyed = []keyedFunnel{
		{AgentID: "a-1", Key: "realtor_funnel", Funnel: own},
		{AgentID: "house", Key: "realtor", Funnel: house},
		{AgentID: "someone", Key: "broker_funnel", Default: true, Funnel: global},
		{AgentID: "someone", Type: "seller", Funnel: typed},
	}
	for _, fn := range []*model.Funnel{own, house, global, typed} {
		f.funnels.funnels[fn.ID] = fn
	}
	f.svc.DefaultAgentID = "house"
	return f
}

func TestResolveFunnelOrder(t *testing.T) {
	f := keyedFixture()
	ctx := context.Background()

	fn, key, err := f.svc.ResolveFunnel(ctx, "a-1", "Realtor")
	require.NoError(t, err)
	assert.Equal(t, "realtor_funnel", key)
	assert.Equal(t, "own", fn.ID)

	// an agent without its own funnel falls back to the default agent's
	fn, _, err = f.svc.ResolveFunnel(ctx, "a-2", "agent")
	require.NoError(t, err)
	assert.Equal(t, "house-realtor", fn.ID)

	fn, key, err = f.svc.ResolveFunnel(ctx, "a-2", "recruiter")
	require.NoError(t, err)
	assert.Equal(t, "broker_funnel", key)
	assert.Equal(t, "global-broker", fn.ID)

	fn, _, err = f.svc.ResolveFunnel(ctx, "a-2", "seller")
	require.NoError(t, err)
	assert.Equal(t, "typed-seller", fn.ID)

	fn, key, err = f.svc.ResolveFunnel(ctx, "a-2", "postshowing")
	require.NoError(t, err)
	assert.Nil(t, fn)
	assert.Equal(t, "postshowing", key)
}

func TestResolveFunnelLookupSequence(t *testing.T) {
	f := keyedFixture()
	f.funnels.keyed = nil

	_, _, err := f.svc.ResolveFunnel(context.Background(), "a-1", "welcome")
	require.NoError(t, err)

	lookups := f.funnels.lookups
	require.Len(t, lookups, 6)
	assert.Equal(t, repository.FunnelLookup{Match: repository.MatchFunnelKey, Candidates: []string{"welcome"}, AgentID: "a-1"}, lookups[0])
	assert.Equal(t, repository.MatchType, lookups[1].Match)
	assert.Equal(t, "a-1", lookups[1].AgentID)
	assert.Equal(t, "house", lookups[2].AgentID)
	assert.True(t, lookups[3].DefaultOnly)
	assert.Equal(t, repository.FunnelLookup{Match: repository.MatchFunnelKey, Candidates: []string{"welcome"}}, lookups[4])
	assert.Equal(t, repository.FunnelLookup{Match: repository.MatchType, Candidates: []string{"welcome"}}, lookups[5])
}

func TestEnrollByKey(t *testing.T) {
	f := keyedFixture()

	res, err := f.svc.EnrollByKey(context.Background(), "a-1", "l-1", "realtor")
	require.NoError(t, err)
	assert.False(t, res.Reused)
	assert.Equal(t, "own", res.Enrollment.FunnelID)

	again, err := f.svc.EnrollByKey(context.Background(), "a-1", "l-1", "realtor_funnel")
	require.NoError(t, err)
	assert.True(t, again.Reused)
	assert.Equal(t, res.Enrollment.ID, again.Enrollment.ID)
}

func TestEnrollByKeyNotFound(t *testing.T) {
	f := keyedFixture()

	_, err := f.svc.EnrollByKey(context.Background(), "a-1", "l-1", "open_house")
	assert.True(t, appErrors.IsNotFound(err))
	assert.ErrorContains(t, err, `"open_house"`)

	_, err = f.svc.EnrollByKey(context.Background(), "a-1", "l-1", "")
	var ve validator.ValidationErrors
	assert.ErrorAs(t, err, &ve)
}

func TestEnrollByKeyHydratesLegacySteps(t *testing.T) {
	f := keyedFixture()
	legacy := &model.Funnel{ID: "legacy"}
	f.funnels.keyed = []keyedFunnel{{AgentID: "a-1", Key: "broker_funnel", Funnel: legacy}}
	f.funnels.funnels["legacy"] = legacy
	f.funnels.legacy = map[string][]model.LegacyStep{"legacy": {
		{StepKey: "intro", ActionType: "email", EmailSubject: "Hi", DelayDays: 1, DelayMinutes: 15},
		{ID: "row-2", ActionType: "voice"},
	}}

	res, err := f.svc.EnrollByKey(context.Background(), "a-1", "l-1", "broker")
	require.NoError(t, err)
	assert.Equal(t, schedNow.Add(1455*time.Minute), res.Enrollment.NextRunAt)

	stored := f.funnels.backfilled["legacy"]
	require.Len(t, stored, 2)
	assert.Equal(t, "intro", stored[0].StepKey)
	assert.Equal(t, "Hi", stored[0].Subject)
	assert.Equal(t, "row-2", stored[1].StepKey)
	assert.Equal(t, model.StepCall, stored[1].Type)
}

func TestEnrollByKeyWithoutAnyStepsIsDueImmediately(t *testing.T) {
	f := keyedFixture()
	bare := &model.Funnel{ID: "bare"}
	f.funnels.keyed = []keyedFunnel{{Key: "welcome", Funnel: bare}}
	f.funnels.funnels["bare"] = bare
	f.funnels.legacyErr = errors.New("relation funnel_steps does not exist")

	res, err := f.svc.EnrollByKey(context.Background(), "a-1", "l-1", "welcome")
	require.NoError(t, err)
	assert.Equal(t, schedNow, res.Enrollment.NextRunAt)
	assert.Empty(t, f.funnels.backfilled)
}
