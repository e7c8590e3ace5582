package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/AI-Template-SDK/senso-visibility/internal/models"
	"github.com/AI-Template-SDK/senso-visibility/internal/providers"
	"github.com/AI-Template-SDK/senso-visibility/internal/providers/common"
	"github.com/AI-Template-SDK/senso-visibility/internal/telemetry"
)

// Resolver maps a platform's provider/model to a Provider.
type Resolver interface {
	Resolve(provider, model string) (providers.Provider, error)
}

// ProviderCall identifies one query of a platform.
type ProviderCall struct {
	Business    *models.Business
	Platform    *models.Platform
	Prompt      string
	ExecutionID uuid.UUID
	Day         string
}

// ProviderCaller sends a prompt to a platform behind a per-platform circuit
// breaker and records the call's cost. It makes exactly one attempt.
type ProviderCaller struct {
	resolver Resolver
	cost     CostService
	usage    UsageService
	metrics  *telemetry.Metrics
	timeout  time.Duration
	log      zerolog.Logger

	mu       sync.Mutex
	breakers map[uuid.UUID]*gobreaker.CircuitBreaker
}

func NewProviderCaller(resolver Resolver, cost CostService, usage UsageService, metrics *telemetry.Metrics, timeout time.Duration, log zerolog.Logger) *ProviderCaller {
	return &ProviderCaller{
		resolver: resolver,
		cost:     cost,
		usage:    usage,
		metrics:  metrics,
		timeout:  timeout,
		log:      log.With().Str("component", "provider_caller").Logger(),
		breakers: make(map[uuid.UUID]*gobreaker.CircuitBreaker),
	}
}

func (c *ProviderCaller) breaker(platformID uuid.UUID) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cb, ok := c.breakers[platformID]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        platformID.String(),
		MaxRequests: 1,
		Timeout:     time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.log.Warn().Str("platform_id", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
		},
	})
	c.breakers[platformID] = cb
	return cb
}

// Call queries the platform once. Accounting failures never surface here.
func (c *ProviderCaller) Call(ctx context.Context, call ProviderCall) (*common.Response, error) {
	p, err := c.resolver.Resolve(call.Platform.Provider, call.Platform.Model)
	if err != nil {
		return nil, err
	}

	callCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	start := time.Now()
	out, err := c.breaker(call.Platform.ID).Execute(func() (interface{}, error) {
		return p.Call(callCtx, common.Request{
			Model:     call.Platform.Model,
			APIKey:    call.Platform.APIKey,
			Prompt:    call.Prompt,
			WebSearch: call.Platform.WebSearch,
		})
	})
	elapsed := time.Since(start)
	c.metrics.ProviderCall(p.GetProviderName(), err == nil, elapsed)

	var resp *common.Response
	if err == nil {
		resp, _ = out.(*common.Response)
		if resp == nil {
			err = eris.Errorf("%s returned no response", p.GetProviderName())
		}
	}

	rec := CallRecord{
		BusinessID:  call.Business.ID,
		PlatformID:  &call.Platform.ID,
		ExecutionID: &call.ExecutionID,
		Purpose:     PurposeQuery,
		Provider:    p.GetProviderName(),
		Model:       call.Platform.Model,
		Duration:    elapsed,
		Err:         err,
		Day:         call.Day,
	}
	if resp != nil {
		rec.InputTokens = resp.Usage.InputTokens
		rec.OutputTokens = resp.Usage.OutputTokens
		rec.Cost = c.cost.CalculateCost(p.GetProviderName(), call.Platform.Model, resp.Usage.InputTokens, resp.Usage.OutputTokens, call.Platform.WebSearch)
	}
	c.usage.Record(ctx, rec)

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, eris.Wrapf(err, "platform %s unavailable", call.Platform.ID)
		}
		return nil, err
	}

	c.log.Debug().
		Str("provider", p.GetProviderName()).
		Str("model", call.Platform.Model).
		Int("input_tokens", resp.Usage.InputTokens).
		Int("output_tokens", resp.Usage.OutputTokens).
		Float64("cost", rec.Cost).
		Dur("elapsed", elapsed).
		Msg("provider call completed")
	return resp, nil
}
