// workflows/scheduler.go
package workflows

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"

	"github.com/AI-Template-SDK/senso-visibility/internal/config"
	"github.com/AI-Template-SDK/senso-visibility/internal/models"
	"github.com/AI-Template-SDK/senso-visibility/internal/telemetry"
	"github.com/AI-Template-SDK/senso-visibility/services"
)

// BusinessRunner runs every prompt of a business. *services.ExecutionService
// implements it.
type BusinessRunner interface {
	ExecuteAllPrompts(ctx context.Context, businessID uuid.UUID) (*services.RunSummary, error)
}

// ScheduleStore is the scheduler's view of storage.
type ScheduleStore interface {
	ListDueBusinesses(ctx context.Context, at time.Time) ([]*models.Business, error)
	SetNextExecutionTime(ctx context.Context, id uuid.UUID, next time.Time) error
}

// Scheduler periodically runs every business whose next_execution_time has
// passed and advances it once the run returns.
type Scheduler struct {
	store        ScheduleStore
	runner       BusinessRunner
	clock        services.Clock
	metrics      *telemetry.Metrics
	alerter      Alerter
	initialDelay time.Duration
	log          zerolog.Logger

	cron *cron.Cron
	job  cron.Job

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	initial *time.Timer
}

// NewScheduler validates cfg.Spec; an invalid spec is returned as an error.
func NewScheduler(cfg config.SchedulerConfig, loc *time.Location, store ScheduleStore, runner BusinessRunner, clock services.Clock, metrics *telemetry.Metrics, log zerolog.Logger) (*Scheduler, error) {
	if clock == nil {
		clock = services.SystemClock{}
	}
	if loc == nil {
		loc = time.UTC
	}
	s := &Scheduler{
		store:        store,
		runner:       runner,
		clock:        clock,
		metrics:      metrics,
		initialDelay: cfg.InitialDelay,
		log:          log.With().Str("component", "scheduler").Logger(),
	}

	cronLog := cronLogger{log: s.log}
	s.job = cron.NewChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)).Then(cron.FuncJob(s.tick))
	s.cron = cron.New(cron.WithLocation(loc), cron.WithLogger(cronLog))
	if _, err := s.cron.AddJob(cfg.Spec, s.job); err != nil {
		return nil, eris.Wrapf(err, "invalid scheduler spec %q", cfg.Spec)
	}
	return s, nil
}

// SetAlerter reports failed business runs to a.
func (s *Scheduler) SetAlerter(a Alerter) {
	s.alerter = a
}

// Start begins the recurring check and schedules the initial one.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron.Start()
	s.initial = time.AfterFunc(s.initialDelay, s.job.Run)
	s.log.Info().Dur("initial_delay", s.initialDelay).Msg("scheduler started")
}

// Stop cancels in-flight runs and waits for the running check to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.initial != nil {
		s.initial.Stop()
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	s.log.Info().Msg("scheduler stopped")
}

func (s *Scheduler) tick() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := s.CheckAndExecute(ctx); err != nil {
		s.log.Error().Err(err).Msg("scheduled check failed")
	}
}

// CheckAndExecute runs every due business in turn. A failing business is
// logged and left due; the others still run.
func (s *Scheduler) CheckAndExecute(ctx context.Context) error {
	due, err := s.store.ListDueBusinesses(ctx, s.clock.Now())
	if err != nil {
		return eris.Wrap(err, "failed to list due businesses")
	}
	if len(due) == 0 {
		s.log.Debug().Msg("no businesses due")
		return nil
	}

	s.log.Info().Int("due", len(due)).Msg("processing due businesses")
	for _, b := range due {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.runBusiness(ctx, b)
	}
	return nil
}

func (s *Scheduler) runBusiness(ctx context.Context, b *models.Business) {
	log := s.log.With().Str("business_id", b.ID.String()).Str("business", b.Name).Logger()
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("business run panicked")
			s.metrics.SchedulerRun("error")
			s.alert(ctx, b, "panic", eris.Errorf("panic: %v", r))
		}
	}()

	summary, err := s.runner.ExecuteAllPrompts(ctx, b.ID)
	if err != nil {
		log.Error().Err(err).Msg("business run failed, will retry next tick")
		s.metrics.SchedulerRun("error")
		s.alert(ctx, b, "run_failed", err)
		return
	}
	if ctx.Err() != nil {
		log.Warn().Msg("business run interrupted, not advancing")
		s.metrics.SchedulerRun("interrupted")
		return
	}

	next := nextExecution(s.clock.Now(), b.RefreshPeriodDays)
	if err := s.store.SetNextExecutionTime(ctx, b.ID, next); err != nil {
		log.Error().Err(err).Msg("failed to advance next execution time")
		s.metrics.SchedulerRun("error")
		return
	}
	log.Info().
		Int("completed", summary.Completed).
		Int("failed", summary.Failed).
		Int("skipped", summary.Skipped).
		Time("next_execution_time", next).
		Msg("business run finished")
	s.metrics.SchedulerRun("advanced")
}

func (s *Scheduler) alert(ctx context.Context, b *models.Business, reason string, err error) {
	if s.alerter == nil {
		return
	}
	if aerr := s.alerter.BusinessRunFailed(context.WithoutCancel(ctx), b.ID, b.Name, reason, err); aerr != nil {
		s.log.Warn().Err(aerr).Str("business_id", b.ID.String()).Msg("failed to send alert")
	}
}

func nextExecution(now time.Time, refreshDays int) time.Time {
	if refreshDays < 1 {
		refreshDays = 1
	}
	return now.Add(time.Duration(refreshDays) * 24 * time.Hour)
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(kvFields(keysAndValues)).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(kvFields(keysAndValues)).Msg(msg)
}

func kvFields(kv []interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return out
}
