package claude_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AI-Template-SDK/senso-visibility/internal/models"
	"github.com/AI-Template-SDK/senso-visibility/internal/providers/claude"
	"github.com/AI-Template-SDK/senso-visibility/internal/providers/common"
)

const messageWithCitations = `{
	"id": "msg_1",
	"type": "message",
	"role": "assistant",
	"model": "claude-sonnet-4-20250514",
	"content": [
		{"type": "text", "text": "Acme is widely recommended. ", "citations": [
			{"type": "web_search_result_location", "url": "https://acme.com/reviews", "title": "Acme reviews", "cited_text": "Acme", "encrypted_index": "abc"}
		]},
		{"type": "text", "text": "Globex is another option."}
	],
	"stop_reason": "end_turn",
	"usage": {"input_tokens": 30, "output_tokens": 12}
}`

func TestCallWithWebSearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "sk-ant", r.Header.Get("X-Api-Key"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		tools, ok := body["tools"].([]any)
		require.True(t, ok)
		require.Len(t, tools, 1)
		assert.Equal(t, "web_search", tools[0].(map[string]any)["name"])

		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, messageWithCitations)
	}))
	defer srv.Close()

	p := claude.NewProvider(claude.WithBaseURL(srv.URL))
	resp, err := p.Call(context.Background(), common.Request{
		Model: "claude-sonnet-4-20250514", APIKey: "sk-ant", Prompt: "best crm?", WebSearch: true,
	})
	require.NoError(t, err)

	assert.Equal(t, "Acme is widely recommended. Globex is another option.", resp.Text)
	assert.Equal(t, 30, resp.Usage.InputTokens)
	assert.Equal(t, 12, resp.Usage.OutputTokens)
	require.Len(t, resp.Citations, 1)
	assert.Equal(t, models.Citation{URL: "https://acme.com/reviews", Title: "Acme reviews", Kind: models.CitationNative}, resp.Citations[0])
}

func TestCallWithoutWebSearchSendsNoTools(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		_, hasTools := body["tools"]
		assert.False(t, hasTools)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, messageWithCitations)
	}))
	defer srv.Close()

	_, err := claude.NewProvider(claude.WithBaseURL(srv.URL)).Call(context.Background(), common.Request{
		Model: "claude-sonnet-4-20250514", APIKey: "sk-ant", Prompt: "q",
	})
	require.NoError(t, err)
}

func TestCallStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"type":"error","error":{"type":"invalid_request_error","message":"bad model"}}`)
	}))
	defer srv.Close()

	_, err := claude.NewProvider(claude.WithBaseURL(srv.URL)).Call(context.Background(), common.Request{
		Model: "nope", APIKey: "sk-ant", Prompt: "q",
	})
	require.Error(t, err)
	assert.True(t, common.IsPermanent(err))
}

func TestProviderName(t *testing.T) {
	assert.Equal(t, "anthropic", claude.NewProvider().GetProviderName())
}
