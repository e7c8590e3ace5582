// services/interfaces.go
package services

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/invopop/jsonschema"

	"github.com/AI-Template-SDK/senso-visibility/internal/models"
	"github.com/AI-Template-SDK/senso-visibility/internal/realtime"
)

// Store is the record access the pipeline needs. internal/store implements it.
type Store interface {
	GetBusiness(ctx context.Context, id uuid.UUID) (*models.Business, error)
	ListDueBusinesses(ctx context.Context, at time.Time) ([]*models.Business, error)
	SetNextExecutionTime(ctx context.Context, id uuid.UUID, next time.Time) error

	GetPlatform(ctx context.Context, id uuid.UUID) (*models.Platform, error)
	ListActivePlatforms(ctx context.Context, businessID uuid.UUID) ([]*models.Platform, error)
	GetPrompt(ctx context.Context, id uuid.UUID) (*models.Prompt, error)
	ListPrompts(ctx context.Context, businessID uuid.UUID) ([]*models.Prompt, error)
	PromptExists(ctx context.Context, id uuid.UUID) (bool, error)
	ListActiveCompetitors(ctx context.Context, businessID uuid.UUID) ([]*models.Competitor, error)

	FindExecution(ctx context.Context, key models.ExecutionKey) (*models.Execution, error)
	InsertExecution(ctx context.Context, e *models.Execution) error
	SupersedeExecution(ctx context.Context, id uuid.UUID) error
	MarkExecutionRunning(ctx context.Context, id uuid.UUID, at time.Time) error
	FailExecution(ctx context.Context, id uuid.UUID, message string, at time.Time) error
	CompleteExecution(ctx context.Context, e *models.Execution, sources []*models.Source) error
	ListExecutions(ctx context.Context, businessID uuid.UUID, fromDay, toDay string) ([]*models.Execution, error)
	ListSources(ctx context.Context, executionID uuid.UUID) ([]*models.Source, error)

	InsertAPICallLog(ctx context.Context, l *models.APICallLog) error
	AddUsage(ctx context.Context, r *models.UsageRecord) error
}

type CostService interface {
	CalculateCost(provider, model string, inputTokens, outputTokens int, webSearch bool) float64
}

// Publisher receives settled-job events. *realtime.Hub satisfies it.
type Publisher interface {
	Publish(businessID uuid.UUID, ev realtime.Event) bool
}

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// Day formats t as the calendar day in loc used by the idempotency key.
func Day(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format("2006-01-02")
}

// Job status values reported in a RunSummary.
const (
	JobCompleted = "completed"
	JobFailed    = "failed"
	JobSkipped   = "skipped"
)

// JobResult is the outcome of one prompt x platform job.
type JobResult struct {
	PromptID    uuid.UUID `json:"prompt_id"`
	PlatformID  uuid.UUID `json:"platform_id"`
	ExecutionID uuid.UUID `json:"execution_id,omitempty"`
	Status      string    `json:"status"`
	Reason      string    `json:"reason,omitempty"`
}

// RunSummary aggregates one ExecutePrompt/ExecuteAllPrompts call.
type RunSummary struct {
	BusinessID uuid.UUID    `json:"business_id"`
	Day        string       `json:"day"`
	Total      int          `json:"total"`
	Completed  int          `json:"completed"`
	Failed     int          `json:"failed"`
	Skipped    int          `json:"skipped"`
	Jobs       []*JobResult `json:"jobs"`
}

// ReanalysisSummary aggregates one ReanalyzeRange call.
type ReanalysisSummary struct {
	BusinessID   uuid.UUID `json:"business_id"`
	Processed    int       `json:"processed"`
	FallbackUsed int       `json:"fallback_used"`
	Failed       int       `json:"failed"`
	Errors       []string  `json:"errors,omitempty"`
}

// GenerateSchema generates a JSON schema for structured outputs
func GenerateSchema[T any]() interface{} {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}

	var zero T
	schema := reflector.Reflect(zero)

	// Convert to the format expected by OpenAI
	result := map[string]interface{}{
		"type":       "object",
		"properties": schema.Properties,
		"required":   schema.Required,
	}

	if schema.AdditionalProperties != nil {
		result["additionalProperties"] = false
	}

	return result
}
