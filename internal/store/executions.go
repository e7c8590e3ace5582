package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rotisserie/eris"

	"github.com/AI-Template-SDK/senso-visibility/internal/models"
)

const executionColumns = `id, business_id, prompt_id, platform_id, execution_day, status, superseded,
	result, brand_mentions, competitors_mentioned, analysis_details, business_visibility,
	share_of_voice, competitor_visibilities, competitor_share_of_voice, confidence,
	fallback_used, error_message, started_at, completed_at, created_at, updated_at`

// FindExecution returns the active execution for key, or ErrNotFound.
func (s *Store) FindExecution(ctx context.Context, key models.ExecutionKey) (*models.Execution, error) {
	var e models.Execution
	err := s.db.GetContext(ctx, &e, s.q(`
		SELECT `+executionColumns+` FROM executions
		WHERE business_id = ? AND prompt_id = ? AND platform_id = ? AND execution_day = ? AND superseded = ?`),
		key.BusinessID, key.PromptID, key.PlatformID, key.Day, false)
	if err != nil {
		return nil, notFound(err, "execution", key)
	}
	return &e, nil
}

func (s *Store) GetExecution(ctx context.Context, id uuid.UUID) (*models.Execution, error) {
	var e models.Execution
	err := s.db.GetContext(ctx, &e, s.q(`SELECT `+executionColumns+` FROM executions WHERE id = ?`), id)
	if err != nil {
		return nil, notFound(err, "execution", id)
	}
	return &e, nil
}

// InsertExecution creates a pending execution. ErrDuplicate means another
// active execution already holds the key.
func (s *Store) InsertExecution(ctx context.Context, e *models.Execution) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Status == "" {
		e.Status = models.ExecutionPending
	}
	e.CreatedAt, e.UpdatedAt = now(), now()
	res, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO executions (id, business_id, prompt_id, platform_id, execution_day, status,
			superseded, competitors_mentioned, analysis_details, competitor_visibilities,
			competitor_share_of_voice, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`),
		e.ID, e.BusinessID, e.PromptID, e.PlatformID, e.ExecutionDay, e.Status, false,
		e.CompetitorsMentioned, e.AnalysisDetails, e.CompetitorVisibilities,
		e.CompetitorShareOfVoice, e.CreatedAt, e.UpdatedAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return eris.Wrapf(ErrMissingParent, "prompt %s platform %s", e.PromptID, e.PlatformID)
		}
		return eris.Wrapf(err, "failed to insert execution for prompt %s", e.PromptID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "failed to read rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrDuplicate, "prompt %s platform %s day %s", e.PromptID, e.PlatformID, e.ExecutionDay)
	}
	return nil
}

// SupersedeExecution retires a pending or failed execution so its key can be
// reused. Running, completed and already retired rows return ErrClaimed.
func (s *Store) SupersedeExecution(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE executions SET superseded = ?, updated_at = ?
		WHERE id = ? AND superseded = ? AND status IN (?, ?)`),
		true, now(), id, false, models.ExecutionPending, models.ExecutionFailed)
	if err != nil {
		return eris.Wrapf(err, "failed to supersede execution %s", id)
	}
	return s.checkTransition(ctx, s.db, res, id)
}

// MarkExecutionRunning moves an active pending execution to running. Exactly
// one caller wins; the others get ErrClaimed.
func (s *Store) MarkExecutionRunning(ctx context.Context, id uuid.UUID, at time.Time) error {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE executions SET status = ?, started_at = ?, updated_at = ?
		WHERE id = ? AND status = ? AND superseded = ?`),
		models.ExecutionRunning, at.UTC(), now(), id, models.ExecutionPending, false)
	if err != nil {
		return eris.Wrapf(err, "failed to mark execution %s running", id)
	}
	return s.checkTransition(ctx, s.db, res, id)
}

// FailExecution records a terminal failure on an active execution.
func (s *Store) FailExecution(ctx context.Context, id uuid.UUID, message string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE executions SET status = ?, error_message = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND superseded = ?`),
		models.ExecutionFailed, message, at.UTC(), now(), id, false)
	if err != nil {
		return eris.Wrapf(err, "failed to mark execution %s failed", id)
	}
	return s.checkTransition(ctx, s.db, res, id)
}

// CompleteExecution writes the analysis outcome and replaces the execution's
// sources in one transaction. A retired execution returns ErrClaimed.
func (s *Store) CompleteExecution(ctx context.Context, e *models.Execution, sources []*models.Source) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback() //nolint:errcheck

	e.UpdatedAt = now()
	res, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE executions SET status = ?, result = ?, brand_mentions = ?, competitors_mentioned = ?,
			analysis_details = ?, business_visibility = ?, share_of_voice = ?,
			competitor_visibilities = ?, competitor_share_of_voice = ?, confidence = ?,
			fallback_used = ?, error_message = NULL, completed_at = ?, updated_at = ?
		WHERE id = ? AND superseded = ?`),
		e.Status, e.Result, e.BrandMentions, e.CompetitorsMentioned, e.AnalysisDetails,
		e.BusinessVisibility, e.ShareOfVoice, e.CompetitorVisibilities, e.CompetitorShareOfVoice,
		e.Confidence, e.FallbackUsed, utcPtr(e.CompletedAt), e.UpdatedAt, e.ID, false)
	if err != nil {
		return eris.Wrapf(err, "failed to complete execution %s", e.ID)
	}
	if err := s.checkTransition(ctx, tx, res, e.ID); err != nil {
		return err
	}
	if err := replaceSources(ctx, tx, e.ID, sources); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(), "failed to commit execution")
}

// checkTransition turns a guarded update that touched no row into
// ErrNotFound when the execution is gone and ErrClaimed otherwise.
func (s *Store) checkTransition(ctx context.Context, q sqlx.QueryerContext, res sql.Result, id uuid.UUID) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "failed to read rows affected")
	}
	if n > 0 {
		return nil
	}
	var count int
	if err := sqlx.GetContext(ctx, q, &count, s.q(`SELECT COUNT(1) FROM executions WHERE id = ?`), id); err != nil {
		return eris.Wrapf(err, "failed to look up execution %s", id)
	}
	if count == 0 {
		return eris.Wrapf(ErrNotFound, "execution %s", id)
	}
	return eris.Wrapf(ErrClaimed, "execution %s", id)
}

func replaceSources(ctx context.Context, tx *sqlx.Tx, executionID uuid.UUID, sources []*models.Source) error {
	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM sources WHERE execution_id = ?`), executionID); err != nil {
		return eris.Wrapf(err, "failed to clear sources for execution %s", executionID)
	}
	for _, src := range sources {
		if src.ID == uuid.Nil {
			src.ID = uuid.New()
		}
		src.ExecutionID = executionID
		src.CreatedAt = now()
		_, err := tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO sources (id, execution_id, domain, url, title, category, page_type,
				citation_count, associated_brands, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			src.ID, src.ExecutionID, src.Domain, src.URL, src.Title, src.Category, src.PageType,
			src.CitationCount, src.AssociatedBrands, src.CreatedAt)
		if err != nil {
			return eris.Wrapf(err, "failed to insert source %s", src.URL)
		}
	}
	return nil
}

// ListExecutions returns active executions whose day falls in [fromDay, toDay].
func (s *Store) ListExecutions(ctx context.Context, businessID uuid.UUID, fromDay, toDay string) ([]*models.Execution, error) {
	var out []*models.Execution
	err := s.db.SelectContext(ctx, &out, s.q(`
		SELECT `+executionColumns+` FROM executions
		WHERE business_id = ? AND execution_day >= ? AND execution_day <= ? AND superseded = ?
		ORDER BY execution_day, created_at`),
		businessID, fromDay, toDay, false)
	return out, eris.Wrapf(err, "failed to list executions for business %s", businessID)
}

func (s *Store) ListSources(ctx context.Context, executionID uuid.UUID) ([]*models.Source, error) {
	var out []*models.Source
	err := s.db.SelectContext(ctx, &out, s.q(`
		SELECT * FROM sources WHERE execution_id = ? ORDER BY citation_count DESC, url`), executionID)
	return out, eris.Wrapf(err, "failed to list sources for execution %s", executionID)
}

// --- Accounting ---

// InsertAPICallLog appends one call log row.
func (s *Store) InsertAPICallLog(ctx context.Context, l *models.APICallLog) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = now()
	}
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO api_call_logs (id, business_id, platform_id, execution_id, purpose, provider, model,
			input_tokens, output_tokens, cost, duration_ms, success, error_message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		l.ID, l.BusinessID, l.PlatformID, l.ExecutionID, l.Purpose, l.Provider, l.Model,
		l.InputTokens, l.OutputTokens, l.Cost, l.DurationMS, l.Success, l.ErrorMessage, l.CreatedAt.UTC())
	return eris.Wrap(err, "failed to insert api call log")
}

// AddUsage accumulates r into the (business, platform, day) record.
func (s *Store) AddUsage(ctx context.Context, r *models.UsageRecord) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO usage_records (business_id, platform_id, usage_day, calls, input_tokens, output_tokens, cost)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (business_id, platform_id, usage_day) DO UPDATE SET
			calls = usage_records.calls + excluded.calls,
			input_tokens = usage_records.input_tokens + excluded.input_tokens,
			output_tokens = usage_records.output_tokens + excluded.output_tokens,
			cost = usage_records.cost + excluded.cost`),
		r.BusinessID, r.PlatformID, r.UsageDay, r.Calls, r.InputTokens, r.OutputTokens, r.Cost)
	return eris.Wrap(err, "failed to add usage")
}

// GetUsage returns the usage record for a business, platform and day.
func (s *Store) GetUsage(ctx context.Context, businessID, platformID uuid.UUID, day string) (*models.UsageRecord, error) {
	var r models.UsageRecord
	err := s.db.GetContext(ctx, &r, s.q(`
		SELECT * FROM usage_records WHERE business_id = ? AND platform_id = ? AND usage_day = ?`),
		businessID, platformID, day)
	if err != nil {
		return nil, notFound(err, "usage", day)
	}
	return &r, nil
}

// CountAPICallLogs returns how many calls were logged for a business.
func (s *Store) CountAPICallLogs(ctx context.Context, businessID uuid.UUID) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, s.q(`SELECT COUNT(1) FROM api_call_logs WHERE business_id = ?`), businessID)
	return n, eris.Wrap(err, "failed to count api call logs")
}
