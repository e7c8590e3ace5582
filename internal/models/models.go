// internal/models/models.go
package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// ExecutionStatus is the lifecycle state of one prompt run on one platform.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
)

// Terminal reports whether no further transition is expected.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed
}

// SourceCategory classifies who publishes a cited page.
type SourceCategory string

const (
	CategoryYou           SourceCategory = "You"
	CategoryCompetitor    SourceCategory = "Competitor"
	CategoryCorporate     SourceCategory = "Corporate"
	CategoryReference     SourceCategory = "Reference"
	CategoryEditorial     SourceCategory = "Editorial"
	CategoryUGC           SourceCategory = "UGC"
	CategoryInstitutional SourceCategory = "Institutional"
	CategoryOther         SourceCategory = "Other"
)

var sourceCategories = []SourceCategory{
	CategoryYou, CategoryCompetitor, CategoryCorporate, CategoryReference,
	CategoryEditorial, CategoryUGC, CategoryInstitutional, CategoryOther,
}

// SourceCategories lists the taxonomy in display order.
func SourceCategories() []SourceCategory {
	out := make([]SourceCategory, len(sourceCategories))
	copy(out, sourceCategories)
	return out
}

// ParseSourceCategory maps free text onto the taxonomy, defaulting to Other.
func ParseSourceCategory(s string) SourceCategory {
	for _, c := range sourceCategories {
		if strings.EqualFold(string(c), s) {
			return c
		}
	}
	return CategoryOther
}

// PageTypes is the fixed page-type taxonomy used for source categorization.
var PageTypes = []string{
	"Homepage", "Product Page", "Article", "Listicle", "Comparison",
	"Review", "Forum Thread", "Documentation", "News", "Directory", "Other",
}

// ParsePageType maps free text onto PageTypes, defaulting to Other.
func ParsePageType(s string) string {
	for _, p := range PageTypes {
		if strings.EqualFold(p, s) {
			return p
		}
	}
	return "Other"
}

// Business is a tenant whose visibility is tracked.
type Business struct {
	ID                uuid.UUID  `db:"id" json:"id"`
	Name              string     `db:"name" json:"name"`
	Domain            string     `db:"domain" json:"domain"`
	RefreshPeriodDays int        `db:"refresh_period_days" json:"refresh_period_days"`
	NextExecutionTime *time.Time `db:"next_execution_time" json:"next_execution_time,omitempty"`
	CreatedAt         time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at" json:"updated_at"`
}

// Platform is one configured provider+model+credential for a business.
type Platform struct {
	ID         uuid.UUID `db:"id" json:"id"`
	BusinessID uuid.UUID `db:"business_id" json:"business_id"`
	Provider   string    `db:"provider" json:"provider"`
	Model      string    `db:"model" json:"model"`
	APIKey     string    `db:"api_key" json:"-"`
	WebSearch  bool      `db:"web_search" json:"web_search"`
	IsActive   bool      `db:"is_active" json:"is_active"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// Topic groups prompts.
type Topic struct {
	ID         uuid.UUID `db:"id" json:"id"`
	BusinessID uuid.UUID `db:"business_id" json:"business_id"`
	Name       string    `db:"name" json:"name"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// Prompt is a fixed question asked of every active platform.
type Prompt struct {
	ID         uuid.UUID `db:"id" json:"id"`
	BusinessID uuid.UUID `db:"business_id" json:"business_id"`
	TopicID    uuid.UUID `db:"topic_id" json:"topic_id"`
	Text       string    `db:"text" json:"text"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// Competitor is a tracked rival brand.
type Competitor struct {
	ID         uuid.UUID `db:"id" json:"id"`
	BusinessID uuid.UUID `db:"business_id" json:"business_id"`
	Name       string    `db:"name" json:"name"`
	Website    *string   `db:"website" json:"website,omitempty"`
	IsActive   bool      `db:"is_active" json:"is_active"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// ExecutionKey is the per-day idempotency key.
type ExecutionKey struct {
	BusinessID uuid.UUID
	PromptID   uuid.UUID
	PlatformID uuid.UUID
	Day        string // YYYY-MM-DD
}

// Execution is one attempt of one prompt against one platform on one day.
type Execution struct {
	ID                     uuid.UUID                `db:"id" json:"id"`
	BusinessID             uuid.UUID                `db:"business_id" json:"business_id"`
	PromptID               uuid.UUID                `db:"prompt_id" json:"prompt_id"`
	PlatformID             uuid.UUID                `db:"platform_id" json:"platform_id"`
	ExecutionDay           string                   `db:"execution_day" json:"execution_day"`
	Status                 ExecutionStatus          `db:"status" json:"status"`
	Superseded             bool                     `db:"superseded" json:"superseded"`
	Result                 *string                  `db:"result" json:"result,omitempty"`
	BrandMentions          int                      `db:"brand_mentions" json:"brand_mentions"`
	CompetitorsMentioned   JSON[[]string]           `db:"competitors_mentioned" json:"competitors_mentioned"`
	AnalysisDetails        JSON[*AnalysisDetails]   `db:"analysis_details" json:"analysis_details"`
	BusinessVisibility     int                      `db:"business_visibility" json:"business_visibility"`
	ShareOfVoice           float64                  `db:"share_of_voice" json:"share_of_voice"`
	CompetitorVisibilities JSON[map[string]int]     `db:"competitor_visibilities" json:"competitor_visibilities"`
	CompetitorShareOfVoice JSON[map[string]float64] `db:"competitor_share_of_voice" json:"competitor_share_of_voice"`
	Confidence             int                      `db:"confidence" json:"confidence"`
	FallbackUsed           bool                     `db:"fallback_used" json:"fallback_used"`
	ErrorMessage           *string                  `db:"error_message" json:"error_message,omitempty"`
	StartedAt              *time.Time               `db:"started_at" json:"started_at,omitempty"`
	CompletedAt            *time.Time               `db:"completed_at" json:"completed_at,omitempty"`
	CreatedAt              time.Time                `db:"created_at" json:"created_at"`
	UpdatedAt              time.Time                `db:"updated_at" json:"updated_at"`
}

// Key returns the idempotency key of the execution.
func (e *Execution) Key() ExecutionKey {
	return ExecutionKey{BusinessID: e.BusinessID, PromptID: e.PromptID, PlatformID: e.PlatformID, Day: e.ExecutionDay}
}

// AnalysisDetails is the persisted analysis payload of an execution.
type AnalysisDetails struct {
	RankedMentions       []RankedMention   `json:"ranked_mentions"`
	BrandRank            int               `json:"brand_rank,omitempty"`
	BrandSentiment       string            `json:"brand_sentiment,omitempty"`
	BrandSentimentScore  int               `json:"brand_sentiment_score,omitempty"`
	OverallSentiment     string            `json:"overall_sentiment,omitempty"`
	CompetitorSentiments map[string]string `json:"competitor_sentiments,omitempty"`
	CompetitorMentions   map[string]int    `json:"competitor_mentions,omitempty"`
	Corrections          []string          `json:"corrections,omitempty"`
	Attempts             int               `json:"attempts"`
	FallbackUsed         bool              `json:"fallback_used"`
}

// RankedMention is one company mentioned in an answer, in order of appearance.
type RankedMention struct {
	Name  string `json:"name"`
	Rank  int    `json:"rank"`
	Count int    `json:"count"`
}

// Source is a citation extracted for one execution.
type Source struct {
	ID               uuid.UUID      `db:"id" json:"id"`
	ExecutionID      uuid.UUID      `db:"execution_id" json:"execution_id"`
	Domain           string         `db:"domain" json:"domain"`
	URL              string         `db:"url" json:"url"`
	Title            *string        `db:"title" json:"title,omitempty"`
	Category         SourceCategory `db:"category" json:"category"`
	PageType         string         `db:"page_type" json:"page_type"`
	CitationCount    int            `db:"citation_count" json:"citation_count"`
	AssociatedBrands JSON[[]string] `db:"associated_brands" json:"associated_brands"`
	CreatedAt        time.Time      `db:"created_at" json:"created_at"`
}

// UsageRecord accumulates call volume per business, platform and day.
type UsageRecord struct {
	BusinessID   uuid.UUID `db:"business_id" json:"business_id"`
	PlatformID   uuid.UUID `db:"platform_id" json:"platform_id"`
	UsageDay     string    `db:"usage_day" json:"usage_day"`
	Calls        int       `db:"calls" json:"calls"`
	InputTokens  int       `db:"input_tokens" json:"input_tokens"`
	OutputTokens int       `db:"output_tokens" json:"output_tokens"`
	Cost         float64   `db:"cost" json:"cost"`
}

// APICallLog is an append-only row per external model call.
type APICallLog struct {
	ID           uuid.UUID  `db:"id" json:"id"`
	BusinessID   uuid.UUID  `db:"business_id" json:"business_id"`
	PlatformID   *uuid.UUID `db:"platform_id" json:"platform_id,omitempty"`
	ExecutionID  *uuid.UUID `db:"execution_id" json:"execution_id,omitempty"`
	Purpose      string     `db:"purpose" json:"purpose"`
	Provider     string     `db:"provider" json:"provider"`
	Model        string     `db:"model" json:"model"`
	InputTokens  int        `db:"input_tokens" json:"input_tokens"`
	OutputTokens int        `db:"output_tokens" json:"output_tokens"`
	Cost         float64    `db:"cost" json:"cost"`
	DurationMS   int64      `db:"duration_ms" json:"duration_ms"`
	Success      bool       `db:"success" json:"success"`
	ErrorMessage *string    `db:"error_message" json:"error_message,omitempty"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
}

// CitationKind records how a provider surfaced a citation.
type CitationKind string

const (
	CitationNative     CitationKind = "native"
	CitationAnnotation CitationKind = "annotation"
	CitationText       CitationKind = "text"
)

// Citation is a URL a provider attributed to its answer.
type Citation struct {
	URL   string       `json:"url"`
	Title string       `json:"title,omitempty"`
	Kind  CitationKind `json:"kind"`
}
