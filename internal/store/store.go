// Package store persists businesses, their configuration and execution
// history over sqlx. Postgres (lib/pq) and SQLite (modernc) share one
// implementation; queries use ? placeholders rebound per driver.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rotisserie/eris"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/AI-Template-SDK/senso-visibility/internal/config"
	"github.com/AI-Template-SDK/senso-visibility/internal/models"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = eris.New("not found")
	// ErrDuplicate is returned when an active execution already holds the
	// idempotency key.
	ErrDuplicate = eris.New("duplicate execution")
	// ErrClaimed is returned when an execution is no longer in the state a
	// transition expects, because another run claimed or retired it.
	ErrClaimed = eris.New("execution already claimed")
	// ErrMissingParent is returned when an insert references a business,
	// prompt or platform that no longer exists.
	ErrMissingParent = eris.New("referenced row no longer exists")
)

//go:embed schema_postgres.sql
var postgresSchema string

//go:embed schema_sqlite.sql
var sqliteSchema string

func init() {
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// Store is the sqlx-backed record store.
type Store struct {
	db     *sqlx.DB
	driver string
}

// Open connects using the configured driver.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*Store, error) {
	if cfg.Driver == "sqlite" {
		return OpenSQLite(cfg.SQLitePath)
	}
	db, err := sqlx.ConnectContext(ctx, "postgres", cfg.DSN())
	if err != nil {
		return nil, eris.Wrap(err, "postgres: connect")
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetime) * time.Second)
	return &Store{db: db, driver: "postgres"}, nil
}

// OpenSQLite opens a SQLite database at path. One connection is kept so
// writers never contend for the file lock.
func OpenSQLite(path string) (*Store, error) {
	dsn := path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, eris.Wrap(err, "sqlite: ping")
	}
	return &Store{db: db, driver: "sqlite"}, nil
}

// Driver returns "postgres" or "sqlite".
func (s *Store) Driver() string { return s.driver }

// DB exposes the underlying handle for health checks.
func (s *Store) DB() *sqlx.DB { return s.db }

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

// Migrate applies the embedded schema. It is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	schema := postgresSchema
	if s.driver == "sqlite" {
		schema = sqliteSchema
	}
	_, err := s.db.ExecContext(ctx, schema)
	return eris.Wrapf(err, "%s: migrate", s.driver)
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) q(query string) string {
	return s.db.Rebind(query)
}

func notFound(err error, what string, id any) error {
	if errors.Is(err, sql.ErrNoRows) {
		return eris.Wrapf(ErrNotFound, "%s %v", what, id)
	}
	return eris.Wrapf(err, "failed to get %s %v", what, id)
}

// isForeignKeyViolation reports whether err is a foreign key failure from
// either driver.
func isForeignKeyViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23503"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		code := liteErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY ||
			(code&0xff == sqlite3.SQLITE_CONSTRAINT && strings.Contains(liteErr.Error(), "FOREIGN KEY"))
	}
	return false
}

func now() time.Time {
	return time.Now().UTC()
}

// --- Businesses ---

// CreateBusiness inserts b, assigning an ID when unset.
func (s *Store) CreateBusiness(ctx context.Context, b *models.Business) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	if b.RefreshPeriodDays < 1 {
		b.RefreshPeriodDays = 1
	}
	b.CreatedAt, b.UpdatedAt = now(), now()
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO businesses (id, name, domain, refresh_period_days, next_execution_time, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		b.ID, b.Name, b.Domain, b.RefreshPeriodDays, utcPtr(b.NextExecutionTime), b.CreatedAt, b.UpdatedAt)
	return eris.Wrapf(err, "failed to create business %s", b.Name)
}

func (s *Store) GetBusiness(ctx context.Context, id uuid.UUID) (*models.Business, error) {
	var b models.Business
	err := s.db.GetContext(ctx, &b, s.q(`SELECT * FROM businesses WHERE id = ?`), id)
	if err != nil {
		return nil, notFound(err, "business", id)
	}
	return &b, nil
}

// ListDueBusinesses returns businesses whose next run is at or before now,
// or that were never scheduled.
func (s *Store) ListDueBusinesses(ctx context.Context, at time.Time) ([]*models.Business, error) {
	var out []*models.Business
	err := s.db.SelectContext(ctx, &out, s.q(`
		SELECT * FROM businesses
		WHERE next_execution_time IS NULL OR next_execution_time <= ?
		ORDER BY created_at`), at.UTC())
	if err != nil {
		return nil, eris.Wrap(err, "failed to list due businesses")
	}
	return out, nil
}

// SetNextExecutionTime persists the scheduler's next due time.
func (s *Store) SetNextExecutionTime(ctx context.Context, id uuid.UUID, next time.Time) error {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE businesses SET next_execution_time = ?, updated_at = ? WHERE id = ?`),
		next.UTC(), now(), id)
	if err != nil {
		return eris.Wrapf(err, "failed to set next execution time for business %s", id)
	}
	return checkRowsAffected(res, "business", id)
}

// --- Platforms, topics, prompts, competitors ---

func (s *Store) CreatePlatform(ctx context.Context, p *models.Platform) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.CreatedAt = now()
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO platforms (id, business_id, provider, model, api_key, web_search, is_active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		p.ID, p.BusinessID, p.Provider, p.Model, p.APIKey, p.WebSearch, p.IsActive, p.CreatedAt)
	return eris.Wrapf(err, "failed to create platform %s/%s", p.Provider, p.Model)
}

func (s *Store) GetPlatform(ctx context.Context, id uuid.UUID) (*models.Platform, error) {
	var p models.Platform
	if err := s.db.GetContext(ctx, &p, s.q(`SELECT * FROM platforms WHERE id = ?`), id); err != nil {
		return nil, notFound(err, "platform", id)
	}
	return &p, nil
}

func (s *Store) ListActivePlatforms(ctx context.Context, businessID uuid.UUID) ([]*models.Platform, error) {
	var out []*models.Platform
	err := s.db.SelectContext(ctx, &out, s.q(`
		SELECT * FROM platforms WHERE business_id = ? AND is_active = ? ORDER BY created_at, id`),
		businessID, true)
	return out, eris.Wrapf(err, "failed to list platforms for business %s", businessID)
}

func (s *Store) CreateTopic(ctx context.Context, t *models.Topic) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	t.CreatedAt = now()
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO topics (id, business_id, name, created_at) VALUES (?, ?, ?, ?)`),
		t.ID, t.BusinessID, t.Name, t.CreatedAt)
	return eris.Wrapf(err, "failed to create topic %s", t.Name)
}

func (s *Store) CreatePrompt(ctx context.Context, p *models.Prompt) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.CreatedAt = now()
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO prompts (id, business_id, topic_id, text, created_at) VALUES (?, ?, ?, ?, ?)`),
		p.ID, p.BusinessID, p.TopicID, p.Text, p.CreatedAt)
	return eris.Wrap(err, "failed to create prompt")
}

func (s *Store) GetPrompt(ctx context.Context, id uuid.UUID) (*models.Prompt, error) {
	var p models.Prompt
	if err := s.db.GetContext(ctx, &p, s.q(`SELECT * FROM prompts WHERE id = ?`), id); err != nil {
		return nil, notFound(err, "prompt", id)
	}
	return &p, nil
}

func (s *Store) ListPrompts(ctx context.Context, businessID uuid.UUID) ([]*models.Prompt, error) {
	var out []*models.Prompt
	err := s.db.SelectContext(ctx, &out, s.q(`
		SELECT * FROM prompts WHERE business_id = ? ORDER BY created_at, id`), businessID)
	return out, eris.Wrapf(err, "failed to list prompts for business %s", businessID)
}

// PromptExists reports whether the prompt is still present.
func (s *Store) PromptExists(ctx context.Context, id uuid.UUID) (bool, error) {
	var n int
	err := s.db.GetContext(ctx, &n, s.q(`SELECT COUNT(1) FROM prompts WHERE id = ?`), id)
	if err != nil {
		return false, eris.Wrapf(err, "failed to check prompt %s", id)
	}
	return n > 0, nil
}

// DeletePrompt removes a prompt; its executions cascade.
func (s *Store) DeletePrompt(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM prompts WHERE id = ?`), id)
	if err != nil {
		return eris.Wrapf(err, "failed to delete prompt %s", id)
	}
	return checkRowsAffected(res, "prompt", id)
}

func (s *Store) CreateCompetitor(ctx context.Context, c *models.Competitor) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	c.CreatedAt = now()
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO competitors (id, business_id, name, website, is_active, created_at) VALUES (?, ?, ?, ?, ?, ?)`),
		c.ID, c.BusinessID, c.Name, c.Website, c.IsActive, c.CreatedAt)
	return eris.Wrapf(err, "failed to create competitor %s", c.Name)
}

// ListActiveCompetitors returns competitors that are currently tracked.
func (s *Store) ListActiveCompetitors(ctx context.Context, businessID uuid.UUID) ([]*models.Competitor, error) {
	var out []*models.Competitor
	err := s.db.SelectContext(ctx, &out, s.q(`
		SELECT * FROM competitors WHERE business_id = ? AND is_active = ? ORDER BY created_at, id`),
		businessID, true)
	return out, eris.Wrapf(err, "failed to list competitors for business %s", businessID)
}

// DeactivateCompetitor keeps the row for history but stops tracking it.
func (s *Store) DeactivateCompetitor(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE competitors SET is_active = ? WHERE id = ?`), false, id)
	if err != nil {
		return eris.Wrapf(err, "failed to deactivate competitor %s", id)
	}
	return checkRowsAffected(res, "competitor", id)
}

func checkRowsAffected(res sql.Result, what string, id any) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "failed to read rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %v", what, id)
	}
	return nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
