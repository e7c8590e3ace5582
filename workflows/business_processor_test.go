package workflows

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AI-Template-SDK/senso-visibility/services"
)

type promptCall struct {
	business uuid.UUID
	prompt   uuid.UUID
	platform *uuid.UUID
}

type fakePromptRunner struct {
	fakeRunner
	prompts []promptCall
}

func (f *fakePromptRunner) ExecutePrompt(ctx context.Context, businessID, promptID uuid.UUID, platformID *uuid.UUID) (*services.RunSummary, error) {
	f.prompts = append(f.prompts, promptCall{businessID, promptID, platformID})
	return &services.RunSummary{BusinessID: businessID, Total: 1, Completed: 1}, nil
}

func TestHandleRunsAllPrompts(t *testing.T) {
	runner := &fakePromptRunner{}
	p := NewBusinessProcessor(runner, zerolog.Nop())
	id := uuid.New()

	summary, err := p.Handle(context.Background(), BusinessExecuteEvent{BusinessID: id.String(), TriggeredBy: "manual"})
	require.NoError(t, err)
	assert.Equal(t, id, summary.BusinessID)
	assert.Equal(t, []uuid.UUID{id}, runner.Ran())
	assert.Empty(t, runner.prompts)
}

func TestHandleRunsOnePrompt(t *testing.T) {
	runner := &fakePromptRunner{}
	p := NewBusinessProcessor(runner, zerolog.Nop())
	business, prompt, platform := uuid.New(), uuid.New(), uuid.New()

	_, err := p.Handle(context.Background(), BusinessExecuteEvent{
		BusinessID: business.String(),
		PromptID:   prompt.String(),
		PlatformID: platform.String(),
	})
	require.NoError(t, err)
	require.Len(t, runner.prompts, 1)
	assert.Equal(t, prompt, runner.prompts[0].prompt)
	require.NotNil(t, runner.prompts[0].platform)
	assert.Equal(t, platform, *runner.prompts[0].platform)
	assert.Empty(t, runner.Ran())
}

func TestHandleRejectsBadIDs(t *testing.T) {
	p := NewBusinessProcessor(&fakePromptRunner{}, zerolog.Nop())
	tests := []BusinessExecuteEvent{
		{BusinessID: "nope"},
		{BusinessID: uuid.NewString(), PromptID: "nope"},
		{BusinessID: uuid.NewString(), PromptID: uuid.NewString(), PlatformID: "nope"},
	}
	for _, evt := range tests {
		_, err := p.Handle(context.Background(), evt)
		assert.Error(t, err)
	}
}
