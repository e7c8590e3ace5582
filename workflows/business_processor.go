// workflows/business_processor.go
package workflows

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/inngest/inngestgo"
	"github.com/inngest/inngestgo/step"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"

	"github.com/AI-Template-SDK/senso-visibility/services"
)

// EventBusinessExecute triggers a manual run for one business.
const EventBusinessExecute = "business.execute"

// PromptRunner is the orchestrator surface used by manual triggers.
type PromptRunner interface {
	BusinessRunner
	ExecutePrompt(ctx context.Context, businessID, promptID uuid.UUID, platformID *uuid.UUID) (*services.RunSummary, error)
}

type BusinessExecuteEvent struct {
	BusinessID  string `json:"business_id"`
	PromptID    string `json:"prompt_id,omitempty"`
	PlatformID  string `json:"platform_id,omitempty"`
	TriggeredBy string `json:"triggered_by"`
}

type BusinessProcessor struct {
	runner PromptRunner
	client inngestgo.Client
	log    zerolog.Logger
}

func NewBusinessProcessor(runner PromptRunner, log zerolog.Logger) *BusinessProcessor {
	return &BusinessProcessor{
		runner: runner,
		log:    log.With().Str("component", "business_processor").Logger(),
	}
}

func (p *BusinessProcessor) SetClient(client inngestgo.Client) {
	p.client = client
}

// ExecuteBusiness runs a business (or one prompt of it) through the same
// idempotent orchestrator as the scheduler. It does not move the schedule.
func (p *BusinessProcessor) ExecuteBusiness() (inngestgo.ServableFunction, error) {
	fn, err := inngestgo.CreateFunction(
		p.client,
		inngestgo.FunctionOpts{
			ID:      "execute-business",
			Name:    "Execute Business Prompts",
			Retries: inngestgo.IntPtr(2),
		},
		inngestgo.EventTrigger(EventBusinessExecute, nil),
		func(ctx context.Context, input inngestgo.Input[BusinessExecuteEvent]) (any, error) {
			evt := input.Event.Data
			p.log.Info().Str("business_id", evt.BusinessID).Str("triggered_by", evt.TriggeredBy).Msg("received execute event")

			summary, err := step.Run(ctx, "execute-prompts", func(ctx context.Context) (*services.RunSummary, error) {
				return p.Handle(ctx, evt)
			})
			if err != nil {
				return nil, fmt.Errorf("execute-prompts failed: %w", err)
			}

			return map[string]interface{}{
				"business_id": summary.BusinessID,
				"day":         summary.Day,
				"total":       summary.Total,
				"completed":   summary.Completed,
				"failed":      summary.Failed,
				"skipped":     summary.Skipped,
			}, nil
		},
	)
	if err != nil {
		return nil, eris.Wrap(err, "failed to create execute-business function")
	}
	return fn, nil
}

// Handle validates the event and dispatches it to the orchestrator.
func (p *BusinessProcessor) Handle(ctx context.Context, evt BusinessExecuteEvent) (*services.RunSummary, error) {
	businessID, err := uuid.Parse(evt.BusinessID)
	if err != nil {
		return nil, eris.Wrapf(err, "invalid business_id %q", evt.BusinessID)
	}
	if evt.PromptID == "" {
		return p.runner.ExecuteAllPrompts(ctx, businessID)
	}

	promptID, err := uuid.Parse(evt.PromptID)
	if err != nil {
		return nil, eris.Wrapf(err, "invalid prompt_id %q", evt.PromptID)
	}
	var platformID *uuid.UUID
	if evt.PlatformID != "" {
		id, err := uuid.Parse(evt.PlatformID)
		if err != nil {
			return nil, eris.Wrapf(err, "invalid platform_id %q", evt.PlatformID)
		}
		platformID = &id
	}
	return p.runner.ExecutePrompt(ctx, businessID, promptID, platformID)
}
