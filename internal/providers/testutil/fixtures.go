package testutil

import (
	"time"

	"github.com/google/uuid"

	"github.com/AI-Template-SDK/senso-visibility/internal/config"
	"github.com/AI-Template-SDK/senso-visibility/internal/models"
)

// SampleConfig returns a test configuration
func SampleConfig() *config.Config {
	return &config.Config{
		Environment: "test",
		Timezone:    "UTC",
		Orchestrator: config.OrchestratorConfig{
			MaxConcurrent: 5,
		},
		Analysis: config.AnalysisConfig{
			Model:                "gpt-4.1-mini",
			MaxRetries:           2,
			ReanalysisMaxRetries: 5,
			BackoffStep:          time.Millisecond,
		},
		Provider: config.ProviderConfig{
			Retries: 2,
			Timeout: 5 * time.Second,
		},
		OpenAIAPIKey: "test-openai-key",
	}
}

// SampleBusiness returns a business with no scheduled run.
func SampleBusiness() *models.Business {
	return &models.Business{
		ID:                uuid.New(),
		Name:              "Acme",
		Domain:            "acme.com",
		RefreshPeriodDays: 1,
	}
}

// SamplePlatform returns an active platform for businessID.
func SamplePlatform(businessID uuid.UUID, provider, model string) *models.Platform {
	return &models.Platform{
		ID:         uuid.New(),
		BusinessID: businessID,
		Provider:   provider,
		Model:      model,
		APIKey:     "test-key",
		IsActive:   true,
	}
}

// SamplePrompt returns a prompt for businessID.
func SamplePrompt(businessID uuid.UUID, text string) *models.Prompt {
	return &models.Prompt{
		ID:         uuid.New(),
		BusinessID: businessID,
		TopicID:    uuid.New(),
		Text:       text,
	}
}

// SampleQueries returns test queries
func SampleQueries() []string {
	return []string{
		"What are the best CRM tools for small businesses?",
		"Which project management software has the best reviews?",
		"What is the most reliable email marketing platform?",
	}
}

// SampleAnswer mentions the brand, one tracked competitor and two sources.
const SampleAnswer = `For small teams, Acme is a strong pick thanks to its simple pricing.
Globex offers more integrations but costs more.
Sources: https://www.g2.com/categories/crm and https://acme.com/pricing`
