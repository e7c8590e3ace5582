package seed

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AI-Template-SDK/senso-visibility/internal/store"
)

const sampleSeed = `
business:
  name: Acme
  domain: acme.com
  refresh_period_days: 7
  platforms:
    - provider: openai
      model: gpt-4.1
      api_key: ${SEED_TEST_KEY}
      web_search: true
    - model: sonar-pro
  topics:
    - name: CRM
      prompts:
        - What is the best CRM for small teams?
        - Which CRM has the best pricing?
    - name: Support
      prompts:
        - Which helpdesk tools integrate with a CRM?
  competitors:
    - name: Globex
      website: https://globex.com
    - name: Initech
`

func TestParse(t *testing.T) {
	t.Setenv("SEED_TEST_KEY", "sk-test")

	f, err := Parse([]byte(sampleSeed))
	require.NoError(t, err)
	assert.Equal(t, "Acme", f.Business.Name)
	assert.Equal(t, 7, f.Business.RefreshPeriodDays)
	require.Len(t, f.Business.Platforms, 2)
	assert.Equal(t, "sk-test", f.Business.Platforms[0].APIKey)
	assert.Equal(t, "perplexity", f.Business.Platforms[1].Provider)
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"missing name", "business:\n  domain: acme.com\n"},
		{"unknown key", "business:\n  name: Acme\n  colour: red\n"},
		{"negative period", "business:\n  name: Acme\n  refresh_period_days: -1\n"},
		{"platform without model", "business:\n  name: Acme\n  platforms:\n    - provider: openai\n"},
		{"uninferable provider", "business:\n  name: Acme\n  platforms:\n    - model: mystery-1\n"},
		{"unnamed competitor", "business:\n  name: Acme\n  competitors:\n    - website: x.com\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestParseDefaultsRefreshPeriod(t *testing.T) {
	f, err := Parse([]byte("business:\n  name: Acme\n"))
	require.NoError(t, err)
	assert.Equal(t, 1, f.Business.RefreshPeriodDays)
}

func TestLoadAndApply(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "seed.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleSeed), 0o600))

	st, err := store.OpenSQLite(filepath.Join(dir, "seed.db"))
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck
	require.NoError(t, st.Migrate(ctx))

	f, err := Load(path)
	require.NoError(t, err)
	res, err := Apply(ctx, st, f)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Platforms)
	assert.Equal(t, 2, res.Topics)
	assert.Equal(t, 3, res.Prompts)
	assert.Equal(t, 2, res.Competitors)

	b, err := st.GetBusiness(ctx, res.BusinessID)
	require.NoError(t, err)
	assert.Nil(t, b.NextExecutionTime)

	prompts, err := st.ListPrompts(ctx, res.BusinessID)
	require.NoError(t, err)
	assert.Len(t, prompts, 3)

	comps, err := st.ListActiveCompetitors(ctx, res.BusinessID)
	require.NoError(t, err)
	require.Len(t, comps, 2)

	platforms, err := st.ListActivePlatforms(ctx, res.BusinessID)
	require.NoError(t, err)
	assert.Len(t, platforms, 2)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
