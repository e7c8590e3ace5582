package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSourceCategory(t *testing.T) {
	tests := []struct {
		in   string
		want SourceCategory
	}{
		{"You", CategoryYou},
		{"ugc", CategoryUGC},
		{"EDITORIAL", CategoryEditorial},
		{"blog", CategoryOther},
		{"", CategoryOther},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseSourceCategory(tt.in))
		})
	}
}

func TestParsePageType(t *testing.T) {
	assert.Equal(t, "Forum Thread", ParsePageType("forum thread"))
	assert.Equal(t, "Other", ParsePageType("podcast"))
}

func TestJSONColumnScan(t *testing.T) {
	var j JSON[map[string]int]
	require.NoError(t, j.Scan([]byte(`{"a":1}`)))
	assert.Equal(t, 1, j.V["a"])

	require.NoError(t, j.Scan(nil))
	assert.Nil(t, j.V)

	var s JSON[[]string]
	require.NoError(t, s.Scan(`["x","y"]`))
	assert.Equal(t, []string{"x", "y"}, s.V)

	assert.Error(t, s.Scan(42))
}

func TestJSONColumnIsTransparentInAPI(t *testing.T) {
	e := Execution{CompetitorsMentioned: NewJSON([]string{"CompetitorX"})}
	b, err := json.Marshal(e)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"competitors_mentioned":["CompetitorX"]`)
}

func TestExecutionStatusTerminal(t *testing.T) {
	assert.False(t, ExecutionPending.Terminal())
	assert.False(t, ExecutionRunning.Terminal())
	assert.True(t, ExecutionCompleted.Terminal())
	assert.True(t, ExecutionFailed.Terminal())
}
