package services

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"

	"github.com/AI-Template-SDK/senso-visibility/internal/config"
	"github.com/AI-Template-SDK/senso-visibility/internal/metadata"
	"github.com/AI-Template-SDK/senso-visibility/internal/models"
	"github.com/AI-Template-SDK/senso-visibility/internal/providers"
	"github.com/AI-Template-SDK/senso-visibility/internal/providers/common"
	"github.com/AI-Template-SDK/senso-visibility/internal/realtime"
	"github.com/AI-Template-SDK/senso-visibility/internal/sources"
	"github.com/AI-Template-SDK/senso-visibility/internal/store"
	"github.com/AI-Template-SDK/senso-visibility/internal/telemetry"
)

var (
	// ErrPromptGone is recorded when a prompt is deleted while its job is queued.
	ErrPromptGone = eris.New("prompt no longer exists")
	// ErrBusinessNotFound is returned for runs against an unknown business.
	ErrBusinessNotFound = eris.New("business not found")
)

// ProviderClient sends one prompt to one platform. *ProviderCaller implements it.
type ProviderClient interface {
	Call(ctx context.Context, call ProviderCall) (*common.Response, error)
}

// MetadataFetcher is satisfied by *metadata.Fetcher.
type MetadataFetcher interface {
	Fetch(ctx context.Context, candidates []sources.Candidate) map[string]metadata.PageMetadata
}

// ExecutionDeps are the collaborators of an ExecutionService. Publisher,
// Metrics and NewBackOff are optional.
type ExecutionDeps struct {
	Store      Store
	Caller     ProviderClient
	Analysis   *AnalysisService
	Fetcher    MetadataFetcher
	Publisher  Publisher
	Clock      Clock
	Metrics    *telemetry.Metrics
	NewBackOff func() backoff.BackOff
}

// ExecutionService runs prompt x platform jobs with per-day idempotency.
type ExecutionService struct {
	store      Store
	caller     ProviderClient
	analysis   *AnalysisService
	fetcher    MetadataFetcher
	publisher  Publisher
	clock      Clock
	metrics    *telemetry.Metrics
	newBackOff func() backoff.BackOff

	maxConcurrent     int
	providerRetries   int
	analysisRetries   int
	reanalysisRetries int
	loc               *time.Location
	log               zerolog.Logger
}

func NewExecutionService(cfg *config.Config, deps ExecutionDeps, log zerolog.Logger) *ExecutionService {
	s := &ExecutionService{
		store:             deps.Store,
		caller:            deps.Caller,
		analysis:          deps.Analysis,
		fetcher:           deps.Fetcher,
		publisher:         deps.Publisher,
		clock:             deps.Clock,
		metrics:           deps.Metrics,
		newBackOff:        deps.NewBackOff,
		maxConcurrent:     cfg.Orchestrator.MaxConcurrent,
		providerRetries:   cfg.Provider.Retries,
		analysisRetries:   cfg.Analysis.MaxRetries,
		reanalysisRetries: cfg.Analysis.ReanalysisMaxRetries,
		loc:               cfg.Location(),
		log:               log.With().Str("component", "execution").Logger(),
	}
	if s.clock == nil {
		s.clock = SystemClock{}
	}
	if s.newBackOff == nil {
		s.newBackOff = defaultProviderBackOff
	}
	if s.maxConcurrent < 1 {
		s.maxConcurrent = 1
	}
	return s
}

func defaultProviderBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * time.Second
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	return b
}

// runContext is shared by every job of one run.
type runContext struct {
	business    *models.Business
	competitors []*models.Competitor
	tracked     []string
	day         string
	settled     atomic.Int64
}

type job struct {
	prompt   *models.Prompt
	platform *models.Platform
}

// ExecutePrompt runs one prompt on every active platform, or only on
// platformID when given.
func (s *ExecutionService) ExecutePrompt(ctx context.Context, businessID, promptID uuid.UUID, platformID *uuid.UUID) (*RunSummary, error) {
	business, err := s.loadBusiness(ctx, businessID)
	if err != nil {
		return nil, err
	}

	prompt, err := s.store.GetPrompt(ctx, promptID)
	if err != nil {
		if eris.Is(err, store.ErrNotFound) {
			return nil, eris.Wrapf(ErrPromptGone, "prompt %s", promptID)
		}
		return nil, eris.Wrap(err, "failed to load prompt")
	}
	if prompt.BusinessID != businessID {
		return nil, eris.Wrapf(ErrPromptGone, "prompt %s does not belong to business %s", promptID, businessID)
	}

	var platforms []*models.Platform
	if platformID != nil {
		p, err := s.store.GetPlatform(ctx, *platformID)
		if err != nil {
			return nil, eris.Wrapf(err, "failed to load platform %s", *platformID)
		}
		if p.BusinessID != businessID || !p.IsActive {
			return nil, eris.Errorf("platform %s is not an active platform of business %s", *platformID, businessID)
		}
		platforms = []*models.Platform{p}
	} else if platforms, err = s.store.ListActivePlatforms(ctx, businessID); err != nil {
		return nil, eris.Wrap(err, "failed to list platforms")
	}

	return s.run(ctx, business, []*models.Prompt{prompt}, platforms)
}

// ExecuteAllPrompts runs every prompt of the business on every active platform.
func (s *ExecutionService) ExecuteAllPrompts(ctx context.Context, businessID uuid.UUID) (*RunSummary, error) {
	business, err := s.loadBusiness(ctx, businessID)
	if err != nil {
		return nil, err
	}
	prompts, err := s.store.ListPrompts(ctx, businessID)
	if err != nil {
		return nil, eris.Wrap(err, "failed to list prompts")
	}
	platforms, err := s.store.ListActivePlatforms(ctx, businessID)
	if err != nil {
		return nil, eris.Wrap(err, "failed to list platforms")
	}
	return s.run(ctx, business, prompts, platforms)
}

func (s *ExecutionService) loadBusiness(ctx context.Context, id uuid.UUID) (*models.Business, error) {
	b, err := s.store.GetBusiness(ctx, id)
	if err != nil {
		if eris.Is(err, store.ErrNotFound) {
			return nil, eris.Wrapf(ErrBusinessNotFound, "business %s", id)
		}
		return nil, eris.Wrap(err, "failed to load business")
	}
	return b, nil
}

func (s *ExecutionService) newRunContext(ctx context.Context, business *models.Business) (*runContext, error) {
	competitors, err := s.store.ListActiveCompetitors(ctx, business.ID)
	if err != nil {
		return nil, eris.Wrap(err, "failed to list competitors")
	}
	tracked := make([]string, 0, len(competitors))
	for _, c := range competitors {
		tracked = append(tracked, c.Name)
	}
	return &runContext{
		business:    business,
		competitors: competitors,
		tracked:     tracked,
		day:         Day(s.clock.Now(), s.loc),
	}, nil
}

func (s *ExecutionService) run(ctx context.Context, business *models.Business, prompts []*models.Prompt, platforms []*models.Platform) (*RunSummary, error) {
	rc, err := s.newRunContext(ctx, business)
	if err != nil {
		return nil, err
	}

	jobs := make([]job, 0, len(prompts)*len(platforms))
	for _, p := range prompts {
		for _, pl := range platforms {
			jobs = append(jobs, job{prompt: p, platform: pl})
		}
	}

	summary := &RunSummary{
		BusinessID: business.ID,
		Day:        rc.day,
		Total:      len(jobs),
		Jobs:       make([]*JobResult, len(jobs)),
	}
	s.log.Info().
		Str("business_id", business.ID.String()).
		Str("day", rc.day).
		Int("prompts", len(prompts)).
		Int("platforms", len(platforms)).
		Int("jobs", len(jobs)).
		Msg("starting run")

	var g errgroup.Group
	g.SetLimit(s.maxConcurrent)
	for i, j := range jobs {
		g.Go(func() error {
			summary.Jobs[i] = s.runJob(ctx, rc, j)
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range summary.Jobs {
		switch r.Status {
		case JobCompleted:
			summary.Completed++
		case JobFailed:
			summary.Failed++
		case JobSkipped:
			summary.Skipped++
		}
	}
	s.log.Info().
		Str("business_id", business.ID.String()).
		Int("completed", summary.Completed).
		Int("failed", summary.Failed).
		Int("skipped", summary.Skipped).
		Msg("run finished")
	return summary, nil
}

// runJob settles one job. It never returns an error; failures are recorded
// on the execution and in the result.
func (s *ExecutionService) runJob(ctx context.Context, rc *runContext, j job) *JobResult {
	res := &JobResult{PromptID: j.prompt.ID, PlatformID: j.platform.ID}
	log := s.log.With().
		Str("business_id", rc.business.ID.String()).
		Str("prompt_id", j.prompt.ID.String()).
		Str("platform_id", j.platform.ID.String()).
		Logger()

	key := models.ExecutionKey{BusinessID: rc.business.ID, PromptID: j.prompt.ID, PlatformID: j.platform.ID, Day: rc.day}
	exec, reason, err := s.claim(ctx, key)
	switch {
	case err != nil:
		log.Error().Err(err).Msg("failed to claim execution")
		res.Status, res.Reason = JobFailed, err.Error()
		s.metrics.JobSettled(JobFailed)
		return res
	case exec == nil:
		log.Debug().Str("reason", reason).Msg("skipping job")
		res.Status, res.Reason = JobSkipped, reason
		s.metrics.JobSettled(JobSkipped)
		return res
	}

	res.ExecutionID = exec.ID
	log = log.With().Str("execution_id", exec.ID.String()).Logger()

	outcome, err := s.process(ctx, rc, j, exec, log)
	if eris.Is(err, store.ErrClaimed) {
		log.Debug().Err(err).Msg("execution claimed by another run")
		res.Status, res.Reason = JobSkipped, "already claimed"
		s.metrics.JobSettled(JobSkipped)
		return res
	}
	if err != nil {
		log.Error().Err(err).Msg("job failed")
		res.Status, res.Reason = JobFailed, err.Error()
		s.fail(ctx, exec.ID, err, log)
		s.notify(rc, j, realtime.Event{Status: string(models.ExecutionFailed), Result: err.Error()})
		s.metrics.JobSettled(JobFailed)
		return res
	}

	res.Status = JobCompleted
	if outcome.FallbackUsed {
		res.Reason = "analysis fallback used"
	}
	s.notify(rc, j, realtime.Event{
		Status:               string(models.ExecutionCompleted),
		Result:               derefString(outcome.Result),
		BrandMentions:        outcome.BrandMentions,
		CompetitorsMentioned: outcome.CompetitorsMentioned.V,
		BusinessVisibility:   outcome.BusinessVisibility,
		ShareOfVoice:         outcome.ShareOfVoice,
	})
	s.metrics.JobSettled(JobCompleted)
	return res
}

// claim returns a fresh pending execution for key, or nil with a reason when
// the key is already handled today. A pending row left by another run is
// retired; that run then loses the pending to running transition and skips.
func (s *ExecutionService) claim(ctx context.Context, key models.ExecutionKey) (*models.Execution, string, error) {
	existing, err := s.store.FindExecution(ctx, key)
	switch {
	case err == nil:
		if existing.Status == models.ExecutionCompleted || existing.Status == models.ExecutionRunning {
			return nil, "already " + string(existing.Status), nil
		}
		if err := s.store.SupersedeExecution(ctx, existing.ID); err != nil {
			if eris.Is(err, store.ErrClaimed) || eris.Is(err, store.ErrNotFound) {
				return nil, "already claimed", nil
			}
			return nil, "", eris.Wrapf(err, "failed to supersede execution %s", existing.ID)
		}
	case !eris.Is(err, store.ErrNotFound):
		return nil, "", eris.Wrap(err, "failed to look up execution")
	}

	exec := &models.Execution{
		BusinessID:             key.BusinessID,
		PromptID:               key.PromptID,
		PlatformID:             key.PlatformID,
		ExecutionDay:           key.Day,
		Status:                 models.ExecutionPending,
		CompetitorsMentioned:   models.NewJSON([]string{}),
		CompetitorVisibilities: models.NewJSON(map[string]int{}),
		CompetitorShareOfVoice: models.NewJSON(map[string]float64{}),
	}
	if err := s.store.InsertExecution(ctx, exec); err != nil {
		if eris.Is(err, store.ErrDuplicate) {
			return nil, "already claimed", nil
		}
		if eris.Is(err, store.ErrMissingParent) {
			return nil, "", s.promptGoneOr(ctx, key.PromptID, err)
		}
		return nil, "", err
	}
	return exec, "", nil
}

// promptGoneOr returns ErrPromptGone when the prompt has been deleted and
// err otherwise.
func (s *ExecutionService) promptGoneOr(ctx context.Context, promptID uuid.UUID, err error) error {
	exists, lookupErr := s.store.PromptExists(ctx, promptID)
	if lookupErr == nil && !exists {
		return ErrPromptGone
	}
	return err
}

// process performs the job steps in order. A panic in any step becomes the
// returned error.
func (s *ExecutionService) process(ctx context.Context, rc *runContext, j job, exec *models.Execution, log zerolog.Logger) (out *models.Execution, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("stack", string(debug.Stack())).Msg("job panicked")
			out, err = nil, eris.Errorf("panic: %v", r)
		}
	}()

	exists, err := s.store.PromptExists(ctx, j.prompt.ID)
	if err != nil {
		return nil, eris.Wrap(err, "failed to re-validate prompt")
	}
	if !exists {
		return nil, ErrPromptGone
	}

	startedAt := s.clock.Now()
	if err := s.store.MarkExecutionRunning(ctx, exec.ID, startedAt); err != nil {
		if eris.Is(err, store.ErrNotFound) {
			return nil, s.promptGoneOr(ctx, j.prompt.ID, err)
		}
		return nil, err
	}
	exec.Status = models.ExecutionRunning
	exec.StartedAt = &startedAt

	resp, err := s.callWithRetry(ctx, ProviderCall{
		Business:    rc.business,
		Platform:    j.platform,
		Prompt:      j.prompt.Text,
		ExecutionID: exec.ID,
		Day:         rc.day,
	}, log)
	if err != nil {
		return nil, err
	}

	candidates := sources.Extract(resp.Text, resp.Citations)
	md := s.fetchMetadata(ctx, candidates)
	result := s.analysis.AnalyzeCombined(ctx, AnalysisInput{
		BusinessID:     rc.business.ID,
		ExecutionID:    &exec.ID,
		Day:            rc.day,
		BusinessName:   rc.business.Name,
		BusinessDomain: rc.business.Domain,
		Competitors:    rc.competitors,
		AnswerText:     resp.Text,
		Candidates:     candidates,
		Metadata:       md,
	}, s.analysisRetries)

	text := resp.Text
	exec.Result = &text
	applyAnalysis(exec, result, rc.tracked)
	completedAt := s.clock.Now()
	exec.Status = models.ExecutionCompleted
	exec.CompletedAt = &completedAt

	if err := s.store.CompleteExecution(ctx, exec, result.Sources); err != nil {
		return nil, err
	}
	log.Info().
		Int("brand_mentions", exec.BrandMentions).
		Int("sources", len(result.Sources)).
		Int("confidence", exec.Confidence).
		Bool("fallback_used", exec.FallbackUsed).
		Msg("job completed")
	return exec, nil
}

// applyAnalysis copies a verified analysis and its derived metrics onto exec.
func applyAnalysis(exec *models.Execution, result *AnalysisResult, tracked []string) {
	m := ComputeMetrics(result, tracked)
	mentioned := result.CompetitorsMentioned
	if mentioned == nil {
		mentioned = []string{}
	}
	exec.BrandMentions = result.BrandMentions
	exec.CompetitorsMentioned = models.NewJSON(mentioned)
	exec.AnalysisDetails = models.NewJSON(result.Details)
	exec.BusinessVisibility = m.BusinessVisibility
	exec.ShareOfVoice = m.ShareOfVoice
	exec.CompetitorVisibilities = models.NewJSON(m.CompetitorVisibilities)
	exec.CompetitorShareOfVoice = models.NewJSON(m.CompetitorShareOfVoice)
	exec.Confidence = result.Confidence
	exec.FallbackUsed = result.FallbackUsed
	for _, src := range result.Sources {
		src.ExecutionID = exec.ID
	}
}

func (s *ExecutionService) fetchMetadata(ctx context.Context, candidates []sources.Candidate) map[string]metadata.PageMetadata {
	if s.fetcher == nil || len(candidates) == 0 {
		return map[string]metadata.PageMetadata{}
	}
	return s.fetcher.Fetch(ctx, candidates)
}

// callWithRetry applies the provider retry policy: providerRetries extra
// attempts with backoff, none for permanent failures.
func (s *ExecutionService) callWithRetry(ctx context.Context, call ProviderCall, log zerolog.Logger) (*common.Response, error) {
	var resp *common.Response
	op := func() error {
		r, err := s.caller.Call(ctx, call)
		if err != nil {
			if isPermanentProviderError(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		resp = r
		return nil
	}

	retries := max(s.providerRetries, 0)
	policy := backoff.WithContext(backoff.WithMaxRetries(s.newBackOff(), uint64(retries)), ctx)
	err := backoff.RetryNotify(op, policy, func(err error, wait time.Duration) {
		log.Warn().Err(err).Dur("wait", wait).Msg("provider call failed, retrying")
	})
	if err != nil {
		return nil, eris.Wrap(err, "provider call failed")
	}
	return resp, nil
}

func isPermanentProviderError(err error) bool {
	return common.IsPermanent(err) ||
		errors.Is(err, providers.ErrUnsupported) ||
		errors.Is(err, gobreaker.ErrOpenState) ||
		errors.Is(err, gobreaker.ErrTooManyRequests) ||
		errors.Is(err, context.Canceled)
}

// fail records a job failure even when ctx is already canceled.
func (s *ExecutionService) fail(ctx context.Context, id uuid.UUID, cause error, log zerolog.Logger) {
	if err := s.store.FailExecution(context.WithoutCancel(ctx), id, cause.Error(), s.clock.Now()); err != nil {
		log.Error().Err(err).Msg("failed to mark execution failed")
	}
}

func (s *ExecutionService) notify(rc *runContext, j job, ev realtime.Event) {
	ev.PromptID = j.prompt.ID
	ev.PlatformID = j.platform.ID
	ev.CompletedAt = s.clock.Now()
	ev.ExecutionCount = int(rc.settled.Add(1))
	if ev.CompetitorsMentioned == nil {
		ev.CompetitorsMentioned = []string{}
	}
	if s.publisher == nil {
		return
	}
	s.publisher.Publish(rc.business.ID, ev)
}

// ReanalyzeRange re-runs analysis for completed executions with a day in
// [fromDay, toDay], using the offline retry budget. Sources are replaced.
func (s *ExecutionService) ReanalyzeRange(ctx context.Context, businessID uuid.UUID, fromDay, toDay string) (*ReanalysisSummary, error) {
	for _, d := range []string{fromDay, toDay} {
		if _, err := time.Parse("2006-01-02", d); err != nil {
			return nil, eris.Wrapf(err, "invalid day %q", d)
		}
	}
	if fromDay > toDay {
		return nil, eris.Errorf("from day %s is after to day %s", fromDay, toDay)
	}

	business, err := s.loadBusiness(ctx, businessID)
	if err != nil {
		return nil, err
	}
	rc, err := s.newRunContext(ctx, business)
	if err != nil {
		return nil, err
	}
	execs, err := s.store.ListExecutions(ctx, businessID, fromDay, toDay)
	if err != nil {
		return nil, err
	}

	summary := &ReanalysisSummary{BusinessID: businessID}
	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(s.maxConcurrent)
	for _, exec := range execs {
		if exec.Status != models.ExecutionCompleted || exec.Result == nil {
			continue
		}
		g.Go(func() error {
			fallback, err := s.reanalyze(ctx, rc, exec)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				summary.Failed++
				summary.Errors = append(summary.Errors, fmt.Sprintf("%s: %v", exec.ID, err))
				return nil
			}
			summary.Processed++
			if fallback {
				summary.FallbackUsed++
			}
			return nil
		})
	}
	_ = g.Wait()

	s.log.Info().
		Str("business_id", businessID.String()).
		Str("from", fromDay).
		Str("to", toDay).
		Int("processed", summary.Processed).
		Int("fallback_used", summary.FallbackUsed).
		Int("failed", summary.Failed).
		Msg("reanalysis finished")
	return summary, nil
}

func (s *ExecutionService) reanalyze(ctx context.Context, rc *runContext, exec *models.Execution) (fallback bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = eris.Errorf("panic: %v", r)
		}
	}()

	existing, err := s.store.ListSources(ctx, exec.ID)
	if err != nil {
		return false, err
	}
	citations := make([]models.Citation, 0, len(existing))
	for _, src := range existing {
		citations = append(citations, models.Citation{URL: src.URL, Title: derefString(src.Title), Kind: models.CitationNative})
	}
	candidates := sources.Extract(*exec.Result, citations)

	result := s.analysis.AnalyzeCombined(ctx, AnalysisInput{
		BusinessID:     rc.business.ID,
		ExecutionID:    &exec.ID,
		Day:            exec.ExecutionDay,
		BusinessName:   rc.business.Name,
		BusinessDomain: rc.business.Domain,
		Competitors:    rc.competitors,
		AnswerText:     *exec.Result,
		Candidates:     candidates,
		Metadata:       s.fetchMetadata(ctx, candidates),
	}, s.reanalysisRetries)

	applyAnalysis(exec, result, rc.tracked)
	if err := s.store.CompleteExecution(ctx, exec, result.Sources); err != nil {
		return false, err
	}
	return result.FallbackUsed, nil
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
