package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AI-Template-SDK/senso-visibility/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

type fixture struct {
	business *models.Business
	platform *models.Platform
	prompt   *models.Prompt
}

func seedFixture(t *testing.T, st *Store) fixture {
	t.Helper()
	ctx := context.Background()
	b := &models.Business{Name: "Acme", Domain: "acme.com", RefreshPeriodDays: 1}
	require.NoError(t, st.CreateBusiness(ctx, b))
	p := &models.Platform{BusinessID: b.ID, Provider: "openai", Model: "gpt-4.1", IsActive: true}
	require.NoError(t, st.CreatePlatform(ctx, p))
	topic := &models.Topic{BusinessID: b.ID, Name: "CRM"}
	require.NoError(t, st.CreateTopic(ctx, topic))
	pr := &models.Prompt{BusinessID: b.ID, TopicID: topic.ID, Text: "best crm?"}
	require.NoError(t, st.CreatePrompt(ctx, pr))
	return fixture{business: b, platform: p, prompt: pr}
}

func TestMigrateIsIdempotent(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.Migrate(context.Background()))
}

func TestListDueBusinesses(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	never := &models.Business{Name: "Never"}
	overdue := &models.Business{Name: "Overdue", NextExecutionTime: &past}
	later := &models.Business{Name: "Later", NextExecutionTime: &future}
	for _, b := range []*models.Business{never, overdue, later} {
		require.NoError(t, st.CreateBusiness(ctx, b))
	}

	due, err := st.ListDueBusinesses(ctx, now)
	require.NoError(t, err)
	var names []string
	for _, b := range due {
		names = append(names, b.Name)
	}
	assert.ElementsMatch(t, []string{"Never", "Overdue"}, names)

	require.NoError(t, st.SetNextExecutionTime(ctx, overdue.ID, now.Add(24*time.Hour)))
	due, err = st.ListDueBusinesses(ctx, now)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "Never", due[0].Name)
}

func TestGetBusinessNotFound(t *testing.T) {
	st := newTestStore(t)
	_, err := st.GetBusiness(context.Background(), uuid.New())
	assert.True(t, eris.Is(err, ErrNotFound))
}

func TestInsertExecutionDuplicate(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	f := seedFixture(t, st)

	first := &models.Execution{BusinessID: f.business.ID, PromptID: f.prompt.ID, PlatformID: f.platform.ID, ExecutionDay: "2026-03-10"}
	require.NoError(t, st.InsertExecution(ctx, first))

	second := &models.Execution{BusinessID: f.business.ID, PromptID: f.prompt.ID, PlatformID: f.platform.ID, ExecutionDay: "2026-03-10"}
	err := st.InsertExecution(ctx, second)
	assert.True(t, eris.Is(err, ErrDuplicate))

	// A superseded execution frees the key.
	require.NoError(t, st.SupersedeExecution(ctx, first.ID))
	require.NoError(t, st.InsertExecution(ctx, second))

	found, err := st.FindExecution(ctx, second.Key())
	require.NoError(t, err)
	assert.Equal(t, second.ID, found.ID)
	assert.Equal(t, models.ExecutionPending, found.Status)

	// Another day is a separate slot.
	tomorrow := &models.Execution{BusinessID: f.business.ID, PromptID: f.prompt.ID, PlatformID: f.platform.ID, ExecutionDay: "2026-03-11"}
	require.NoError(t, st.InsertExecution(ctx, tomorrow))
}

func TestExecutionLifecycle(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	f := seedFixture(t, st)
	at := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	e := &models.Execution{BusinessID: f.business.ID, PromptID: f.prompt.ID, PlatformID: f.platform.ID, ExecutionDay: "2026-03-10"}
	require.NoError(t, st.InsertExecution(ctx, e))
	require.NoError(t, st.MarkExecutionRunning(ctx, e.ID, at))

	answer := "Acme and Globex"
	e.Status = models.ExecutionCompleted
	e.Result = &answer
	e.BrandMentions = 1
	e.BusinessVisibility = 1
	e.ShareOfVoice = 50
	e.CompetitorsMentioned = models.NewJSON([]string{"Globex"})
	e.CompetitorVisibilities = models.NewJSON(map[string]int{"Globex": 1})
	e.CompetitorShareOfVoice = models.NewJSON(map[string]float64{"Globex": 50})
	e.AnalysisDetails = models.NewJSON(&models.AnalysisDetails{BrandSentiment: "positive", Attempts: 1})
	e.Confidence = 85
	done := at.Add(time.Minute)
	e.CompletedAt = &done

	title := "G2"
	sources := []*models.Source{
		{Domain: "g2.com", URL: "https://g2.com/crm", Title: &title, Category: models.CategoryUGC, PageType: "Review", CitationCount: 2, AssociatedBrands: models.NewJSON([]string{"Acme"})},
	}
	require.NoError(t, st.CompleteExecution(ctx, e, sources))

	got, err := st.GetExecution(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionCompleted, got.Status)
	assert.Equal(t, []string{"Globex"}, got.CompetitorsMentioned.V)
	assert.Equal(t, 50.0, got.CompetitorShareOfVoice.V["Globex"])
	require.NotNil(t, got.AnalysisDetails.V)
	assert.Equal(t, "positive", got.AnalysisDetails.V.BrandSentiment)
	require.NotNil(t, got.StartedAt)
	assert.True(t, got.StartedAt.Equal(at))

	stored, err := st.ListSources(ctx, e.ID)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, models.CategoryUGC, stored[0].Category)
	assert.Equal(t, []string{"Acme"}, stored[0].AssociatedBrands.V)

	// Sources are replaced wholesale.
	require.NoError(t, st.CompleteExecution(ctx, e, nil))
	stored, err = st.ListSources(ctx, e.ID)
	require.NoError(t, err)
	assert.Empty(t, stored)

	list, err := st.ListExecutions(ctx, f.business.ID, "2026-03-01", "2026-03-31")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestFailExecution(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	f := seedFixture(t, st)

	e := &models.Execution{BusinessID: f.business.ID, PromptID: f.prompt.ID, PlatformID: f.platform.ID, ExecutionDay: "2026-03-10"}
	require.NoError(t, st.InsertExecution(ctx, e))
	require.NoError(t, st.FailExecution(ctx, e.ID, "boom", time.Now()))

	got, err := st.GetExecution(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "boom", *got.ErrorMessage)

	err = st.FailExecution(ctx, uuid.New(), "x", time.Now())
	assert.True(t, eris.Is(err, ErrNotFound))
}

func TestExecutionTransitionsAreGuarded(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	f := seedFixture(t, st)
	at := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	retired := &models.Execution{BusinessID: f.business.ID, PromptID: f.prompt.ID, PlatformID: f.platform.ID, ExecutionDay: "2026-03-10"}
	require.NoError(t, st.InsertExecution(ctx, retired))
	require.NoError(t, st.SupersedeExecution(ctx, retired.ID))

	// The run that inserted a retired row must not start it.
	err := st.MarkExecutionRunning(ctx, retired.ID, at)
	assert.True(t, eris.Is(err, ErrClaimed))
	err = st.SupersedeExecution(ctx, retired.ID)
	assert.True(t, eris.Is(err, ErrClaimed))
	retired.Status = models.ExecutionCompleted
	err = st.CompleteExecution(ctx, retired, nil)
	assert.True(t, eris.Is(err, ErrClaimed))
	err = st.FailExecution(ctx, retired.ID, "late", at)
	assert.True(t, eris.Is(err, ErrClaimed))

	live := &models.Execution{BusinessID: f.business.ID, PromptID: f.prompt.ID, PlatformID: f.platform.ID, ExecutionDay: "2026-03-10"}
	require.NoError(t, st.InsertExecution(ctx, live))
	require.NoError(t, st.MarkExecutionRunning(ctx, live.ID, at))
	err = st.MarkExecutionRunning(ctx, live.ID, at)
	assert.True(t, eris.Is(err, ErrClaimed), "only one caller moves pending to running")
	err = st.SupersedeExecution(ctx, live.ID)
	assert.True(t, eris.Is(err, ErrClaimed), "running rows are never retired")

	got, err := st.GetExecution(ctx, retired.ID)
	require.NoError(t, err)
	assert.True(t, got.Superseded)
	assert.Equal(t, models.ExecutionPending, got.Status)

	err = st.MarkExecutionRunning(ctx, uuid.New(), at)
	assert.True(t, eris.Is(err, ErrNotFound))
}

func TestInsertExecutionMissingPrompt(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	f := seedFixture(t, st)
	require.NoError(t, st.DeletePrompt(ctx, f.prompt.ID))

	e := &models.Execution{BusinessID: f.business.ID, PromptID: f.prompt.ID, PlatformID: f.platform.ID, ExecutionDay: "2026-03-10"}
	err := st.InsertExecution(ctx, e)
	assert.True(t, eris.Is(err, ErrMissingParent))
}

func TestDeletePromptCascades(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	f := seedFixture(t, st)

	e := &models.Execution{BusinessID: f.business.ID, PromptID: f.prompt.ID, PlatformID: f.platform.ID, ExecutionDay: "2026-03-10"}
	require.NoError(t, st.InsertExecution(ctx, e))

	require.NoError(t, st.DeletePrompt(ctx, f.prompt.ID))
	ok, err := st.PromptExists(ctx, f.prompt.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = st.GetExecution(ctx, e.ID)
	assert.True(t, eris.Is(err, ErrNotFound))
}

func TestCompetitorsAndPlatformsFilterInactive(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	f := seedFixture(t, st)

	off := &models.Platform{BusinessID: f.business.ID, Provider: "anthropic", Model: "claude", IsActive: false}
	require.NoError(t, st.CreatePlatform(ctx, off))
	platforms, err := st.ListActivePlatforms(ctx, f.business.ID)
	require.NoError(t, err)
	require.Len(t, platforms, 1)
	assert.Equal(t, f.platform.ID, platforms[0].ID)

	globex := &models.Competitor{BusinessID: f.business.ID, Name: "Globex", IsActive: true}
	initech := &models.Competitor{BusinessID: f.business.ID, Name: "Initech", IsActive: true}
	require.NoError(t, st.CreateCompetitor(ctx, globex))
	require.NoError(t, st.CreateCompetitor(ctx, initech))
	require.NoError(t, st.DeactivateCompetitor(ctx, initech.ID))

	comps, err := st.ListActiveCompetitors(ctx, f.business.ID)
	require.NoError(t, err)
	require.Len(t, comps, 1)
	assert.Equal(t, "Globex", comps[0].Name)
}

func TestAddUsageAccumulates(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	f := seedFixture(t, st)

	rec := &models.UsageRecord{BusinessID: f.business.ID, PlatformID: f.platform.ID, UsageDay: "2026-03-10", Calls: 1, InputTokens: 100, OutputTokens: 50, Cost: 0.01}
	require.NoError(t, st.AddUsage(ctx, rec))
	require.NoError(t, st.AddUsage(ctx, rec))

	got, err := st.GetUsage(ctx, f.business.ID, f.platform.ID, "2026-03-10")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Calls)
	assert.Equal(t, 200, got.InputTokens)
	assert.InDelta(t, 0.02, got.Cost, 1e-9)

	require.NoError(t, st.InsertAPICallLog(ctx, &models.APICallLog{BusinessID: f.business.ID, Purpose: "query", Provider: "openai", Model: "gpt-4.1", Success: true}))
	n, err := st.CountAPICallLogs(ctx, f.business.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
