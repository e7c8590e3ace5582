package services

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/AI-Template-SDK/senso-visibility/internal/models"
)

// Call purposes recorded in api_call_logs.
const (
	PurposeQuery    = "query"
	PurposeAnalysis = "analysis"
)

// CallRecord describes one external model call for accounting.
type CallRecord struct {
	BusinessID   uuid.UUID
	PlatformID   *uuid.UUID
	ExecutionID  *uuid.UUID
	Purpose      string
	Provider     string
	Model        string
	InputTokens  int
	OutputTokens int
	Cost         float64
	Duration     time.Duration
	Err          error
	Day          string
}

// UsageService appends call logs and per-day usage totals.
type UsageService interface {
	// Record never fails the caller; storage errors are logged.
	Record(ctx context.Context, rec CallRecord)
}

type usageService struct {
	store Store
	log   zerolog.Logger
}

// NewUsageService creates a new UsageService instance.
func NewUsageService(store Store, log zerolog.Logger) UsageService {
	return &usageService{
		store: store,
		log:   log.With().Str("component", "usage").Logger(),
	}
}

func (s *usageService) Record(ctx context.Context, rec CallRecord) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Msg("usage recording panicked")
		}
	}()

	entry := &models.APICallLog{
		BusinessID:   rec.BusinessID,
		PlatformID:   rec.PlatformID,
		ExecutionID:  rec.ExecutionID,
		Purpose:      rec.Purpose,
		Provider:     rec.Provider,
		Model:        rec.Model,
		InputTokens:  rec.InputTokens,
		OutputTokens: rec.OutputTokens,
		Cost:         rec.Cost,
		DurationMS:   rec.Duration.Milliseconds(),
		Success:      rec.Err == nil,
	}
	if rec.Err != nil {
		msg := rec.Err.Error()
		entry.ErrorMessage = &msg
	}
	if err := s.store.InsertAPICallLog(ctx, entry); err != nil {
		s.log.Warn().Err(err).Str("purpose", rec.Purpose).Msg("failed to log api call")
	}

	// Usage totals are kept per platform; failed calls are only logged.
	if rec.PlatformID == nil || rec.Err != nil {
		return
	}
	day := rec.Day
	if day == "" {
		day = Day(time.Now(), time.UTC)
	}
	err := s.store.AddUsage(ctx, &models.UsageRecord{
		BusinessID:   rec.BusinessID,
		PlatformID:   *rec.PlatformID,
		UsageDay:     day,
		Calls:        1,
		InputTokens:  rec.InputTokens,
		OutputTokens: rec.OutputTokens,
		Cost:         rec.Cost,
	})
	if err != nil {
		s.log.Warn().Err(err).Str("platform_id", rec.PlatformID.String()).Msg("failed to record usage")
	}
}
