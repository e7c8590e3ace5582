package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCalculateCost(t *testing.T) {
	cs := NewCostService()

	tests := []struct {
		name      string
		provider  string
		model     string
		in, out   int
		websearch bool
		want      float64
	}{
		{"exact model", "openai", "gpt-4.1", 1_000_000, 1_000_000, false, 10.00},
		{"dated variant by prefix", "openai", "gpt-4.1-mini-2025-04-14", 1_000_000, 0, false, 0.40},
		{"unknown falls back to gpt-4.1", "openai", "mystery", 0, 1_000_000, false, 8.00},
		{"web search surcharge", "claude", "claude-sonnet-4-20250514", 0, 0, true, 0.01},
		{"gemini search", "google", "gemini-2.5-flash", 1_000_000, 0, true, 0.30 + 0.035},
		{"provider inferred from model", "", "sonar-pro", 0, 0, true, 0.005},
		{"unknown provider has no surcharge", "mistral", "mistral-large", 0, 0, true, 0},
		{"opus by prefix", "anthropic", "claude-opus-4-20250514", 0, 1_000_000, false, 75.00},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, cs.CalculateCost(tt.provider, tt.model, tt.in, tt.out, tt.websearch), 1e-9)
		})
	}
}
