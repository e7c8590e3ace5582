package workflows

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AI-Template-SDK/senso-visibility/internal/config"
	"github.com/AI-Template-SDK/senso-visibility/internal/models"
	"github.com/AI-Template-SDK/senso-visibility/internal/store"
	"github.com/AI-Template-SDK/senso-visibility/services"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

var schedNow = time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)

type fakeScheduleStore struct {
	mu       sync.Mutex
	due      []*models.Business
	listErr  error
	advanced map[uuid.UUID]time.Time
	events   *[]string
}

func (f *fakeScheduleStore) ListDueBusinesses(ctx context.Context, at time.Time) ([]*models.Business, error) {
	return f.due, f.listErr
}

func (f *fakeScheduleStore) SetNextExecutionTime(ctx context.Context, id uuid.UUID, next time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.advanced == nil {
		f.advanced = map[uuid.UUID]time.Time{}
	}
	f.advanced[id] = next
	if f.events != nil {
		*f.events = append(*f.events, "advance "+id.String())
	}
	return nil
}

type fakeRunner struct {
	mu     sync.Mutex
	fail   map[uuid.UUID]error
	panics map[uuid.UUID]bool
	ran    []uuid.UUID
	events *[]string
}

func (f *fakeRunner) ExecuteAllPrompts(ctx context.Context, businessID uuid.UUID) (*services.RunSummary, error) {
	f.mu.Lock()
	f.ran = append(f.ran, businessID)
	if f.events != nil {
		*f.events = append(*f.events, "run "+businessID.String())
	}
	f.mu.Unlock()
	if f.panics[businessID] {
		panic("runner exploded")
	}
	if err := f.fail[businessID]; err != nil {
		return nil, err
	}
	return &services.RunSummary{BusinessID: businessID, Completed: 1, Total: 1}, nil
}

func (f *fakeRunner) Ran() []uuid.UUID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uuid.UUID(nil), f.ran...)
}

func schedulerConfig() config.SchedulerConfig {
	return config.SchedulerConfig{Enabled: true, Spec: "@every 1h", InitialDelay: time.Hour}
}

func newTestScheduler(t *testing.T, st ScheduleStore, runner BusinessRunner) *Scheduler {
	t.Helper()
	s, err := NewScheduler(schedulerConfig(), time.UTC, st, runner, fixedClock{t: schedNow}, nil, zerolog.Nop())
	require.NoError(t, err)
	return s
}

func TestNewSchedulerRejectsInvalidSpec(t *testing.T) {
	cfg := schedulerConfig()
	cfg.Spec = "every now and then"
	_, err := NewScheduler(cfg, time.UTC, &fakeScheduleStore{}, &fakeRunner{}, nil, nil, zerolog.Nop())
	assert.Error(t, err)
}

func TestCheckAndExecuteAdvancesAfterRun(t *testing.T) {
	var events []string
	a := &models.Business{ID: uuid.New(), Name: "A", RefreshPeriodDays: 1}
	b := &models.Business{ID: uuid.New(), Name: "B", RefreshPeriodDays: 7}
	st := &fakeScheduleStore{due: []*models.Business{a, b}, events: &events}
	runner := &fakeRunner{events: &events}

	require.NoError(t, newTestScheduler(t, st, runner).CheckAndExecute(context.Background()))

	assert.Equal(t, []string{
		"run " + a.ID.String(), "advance " + a.ID.String(),
		"run " + b.ID.String(), "advance " + b.ID.String(),
	}, events)
	assert.Equal(t, schedNow.Add(24*time.Hour), st.advanced[a.ID])
	assert.Equal(t, schedNow.Add(7*24*time.Hour), st.advanced[b.ID])
}

func TestCheckAndExecuteIsolatesFailures(t *testing.T) {
	a := &models.Business{ID: uuid.New(), Name: "A", RefreshPeriodDays: 1}
	b := &models.Business{ID: uuid.New(), Name: "B", RefreshPeriodDays: 1}
	c := &models.Business{ID: uuid.New(), Name: "C", RefreshPeriodDays: 1}
	st := &fakeScheduleStore{due: []*models.Business{a, b, c}}
	runner := &fakeRunner{
		fail:   map[uuid.UUID]error{a.ID: errors.New("storage down")},
		panics: map[uuid.UUID]bool{b.ID: true},
	}

	require.NoError(t, newTestScheduler(t, st, runner).CheckAndExecute(context.Background()))

	assert.Equal(t, []uuid.UUID{a.ID, b.ID, c.ID}, runner.Ran())
	assert.NotContains(t, st.advanced, a.ID)
	assert.NotContains(t, st.advanced, b.ID)
	assert.Contains(t, st.advanced, c.ID)
}

type recordingAlerter struct {
	mu      sync.Mutex
	reasons map[uuid.UUID]string
}

func (r *recordingAlerter) BusinessRunFailed(ctx context.Context, businessID uuid.UUID, businessName, reason string, err error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reasons == nil {
		r.reasons = map[uuid.UUID]string{}
	}
	r.reasons[businessID] = reason
	return errors.New("webhook unreachable")
}

func TestCheckAndExecuteAlertsOnFailure(t *testing.T) {
	a := &models.Business{ID: uuid.New(), Name: "A", RefreshPeriodDays: 1}
	b := &models.Business{ID: uuid.New(), Name: "B", RefreshPeriodDays: 1}
	c := &models.Business{ID: uuid.New(), Name: "C", RefreshPeriodDays: 1}
	st := &fakeScheduleStore{due: []*models.Business{a, b, c}}
	runner := &fakeRunner{
		fail:   map[uuid.UUID]error{a.ID: errors.New("storage down")},
		panics: map[uuid.UUID]bool{b.ID: true},
	}
	alerter := &recordingAlerter{}
	s := newTestScheduler(t, st, runner)
	s.SetAlerter(alerter)

	require.NoError(t, s.CheckAndExecute(context.Background()))

	assert.Equal(t, map[uuid.UUID]string{a.ID: "run_failed", b.ID: "panic"}, alerter.reasons)
	assert.Contains(t, st.advanced, c.ID)
}

func TestCheckAndExecuteListError(t *testing.T) {
	st := &fakeScheduleStore{listErr: errors.New("db gone")}
	runner := &fakeRunner{}
	assert.Error(t, newTestScheduler(t, st, runner).CheckAndExecute(context.Background()))
	assert.Empty(t, runner.Ran())
}

func TestCheckAndExecuteStopsOnCanceledContext(t *testing.T) {
	st := &fakeScheduleStore{due: []*models.Business{{ID: uuid.New(), RefreshPeriodDays: 1}}}
	runner := &fakeRunner{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, newTestScheduler(t, st, runner).CheckAndExecute(ctx), context.Canceled)
	assert.Empty(t, runner.Ran())
	assert.Empty(t, st.advanced)
}

func TestNextExecutionClampsPeriod(t *testing.T) {
	assert.Equal(t, schedNow.Add(24*time.Hour), nextExecution(schedNow, 0))
	assert.Equal(t, schedNow.Add(72*time.Hour), nextExecution(schedNow, 3))
}

func TestStartRunsInitialCheck(t *testing.T) {
	st := &fakeScheduleStore{due: []*models.Business{{ID: uuid.New(), RefreshPeriodDays: 1}}}
	runner := &fakeRunner{}
	cfg := schedulerConfig()
	cfg.InitialDelay = 10 * time.Millisecond
	s, err := NewScheduler(cfg, time.UTC, st, runner, fixedClock{t: schedNow}, nil, zerolog.Nop())
	require.NoError(t, err)

	s.Start(context.Background())
	defer s.Stop()

	require.Eventually(t, func() bool { return len(runner.Ran()) == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestFailedRunLeavesBusinessDue(t *testing.T) {
	ctx := context.Background()
	st, err := store.OpenSQLite(filepath.Join(t.TempDir(), "sched.db"))
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck
	require.NoError(t, st.Migrate(ctx))

	b := &models.Business{Name: "Acme", Domain: "acme.com", RefreshPeriodDays: 2}
	require.NoError(t, st.CreateBusiness(ctx, b))

	runner := &fakeRunner{fail: map[uuid.UUID]error{b.ID: errors.New("interrupted")}}
	s := newTestScheduler(t, st, runner)
	require.NoError(t, s.CheckAndExecute(ctx))

	due, err := st.ListDueBusinesses(ctx, schedNow)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Nil(t, due[0].NextExecutionTime)

	runner.fail = nil
	require.NoError(t, s.CheckAndExecute(ctx))

	due, err = st.ListDueBusinesses(ctx, schedNow)
	require.NoError(t, err)
	assert.Empty(t, due)
	got, err := st.GetBusiness(ctx, b.ID)
	require.NoError(t, err)
	require.NotNil(t, got.NextExecutionTime)
	assert.True(t, got.NextExecutionTime.Equal(schedNow.Add(48*time.Hour)))
}
