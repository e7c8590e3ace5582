// services/cost_service.go
package services

import (
	"strings"

	"github.com/AI-Template-SDK/senso-visibility/internal/providers"
)

// tokenRate is USD per 1M tokens.
type tokenRate struct {
	input, output float64
}

const defaultRateModel = "gpt-4.1"

var tokenRates = map[string]tokenRate{
	"gpt-5":                    {input: 1.25, output: 10.00},
	"gpt-5-mini":               {input: 0.25, output: 2.00},
	"gpt-4.1":                  {input: 2.00, output: 8.00},
	"gpt-4.1-mini":             {input: 0.40, output: 1.60},
	"gpt-4.1-nano":             {input: 0.10, output: 0.40},
	"gpt-4o":                   {input: 2.50, output: 10.00},
	"gpt-4o-mini":              {input: 0.15, output: 0.60},
	"o4-mini":                  {input: 1.10, output: 4.40},
	"claude-opus-4":            {input: 15.00, output: 75.00},
	"claude-sonnet-4-20250514": {input: 3.00, output: 15.00},
	"claude-3-7-sonnet":        {input: 3.00, output: 15.00},
	"claude-3-5-haiku-latest":  {input: 0.80, output: 4.00},
	"sonar":                    {input: 1.00, output: 1.00},
	"sonar-pro":                {input: 3.00, output: 15.00},
	"sonar-reasoning":          {input: 1.00, output: 5.00},
	"gemini-2.5-flash":         {input: 0.30, output: 2.50},
	"gemini-2.5-pro":           {input: 1.25, output: 10.00},
	"gemini-2.0-flash":         {input: 0.10, output: 0.40},
}

// webSearchRates is USD per 1000 searches, keyed by registry provider name.
var webSearchRates = map[string]float64{
	"openai":     25.00,
	"anthropic":  10.00,
	"perplexity": 5.00,
	"gemini":     35.00,
}

type costService struct{}

func NewCostService() CostService {
	return &costService{}
}

// CalculateCost estimates the USD cost of one call from token counts.
// Unknown models are priced by their longest known prefix, then as gpt-4.1.
// The search surcharge applies once per call for known providers.
func (s *costService) CalculateCost(provider, model string, inputTokens, outputTokens int, webSearch bool) float64 {
	rate := rateFor(model)
	total := float64(inputTokens)/1_000_000*rate.input + float64(outputTokens)/1_000_000*rate.output

	if webSearch {
		if perThousand, ok := webSearchRates[providers.CanonicalName(provider, model)]; ok {
			total += perThousand / 1000
		}
	}
	return total
}

func rateFor(model string) tokenRate {
	if r, ok := tokenRates[model]; ok {
		return r
	}
	lower := strings.ToLower(model)
	best := ""
	for name := range tokenRates {
		if strings.HasPrefix(lower, name) && len(name) > len(best) {
			best = name
		}
	}
	if best == "" {
		best = defaultRateModel
	}
	return tokenRates[best]
}
