package perplexity

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AI-Template-SDK/senso-visibility/internal/models"
	"github.com/AI-Template-SDK/senso-visibility/internal/providers/common"
)

func TestCall(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		body          string
		wantErr       string
		wantPermanent bool
		wantText      string
		wantCitations int
	}{
		{
			name:   "success",
			status: http.StatusOK,
			body: `{
				"id": "cmpl-123",
				"model": "sonar",
				"choices": [{"index": 0, "message": {"role": "assistant", "content": "Globex and Acme [1][2]."}}],
				"usage": {"prompt_tokens": 10, "completion_tokens": 5},
				"citations": ["https://acme.com", "https://globex.com/review"],
				"search_results": [{"title": "Acme", "url": "https://acme.com"}]
			}`,
			wantText:      "Globex and Acme [1][2].",
			wantCitations: 2,
		},
		{
			name:          "rate_limit",
			status:        http.StatusTooManyRequests,
			body:          `{"error": "rate limit exceeded"}`,
			wantErr:       "unexpected status 429",
			wantPermanent: false,
		},
		{
			name:          "unauthorized",
			status:        http.StatusUnauthorized,
			body:          `{"error": "bad key"}`,
			wantErr:       "unexpected status 401",
			wantPermanent: true,
		},
		{
			name:    "malformed_response",
			status:  http.StatusOK,
			body:    `{invalid json`,
			wantErr: "unmarshal response",
		},
		{
			name:    "no_choices",
			status:  http.StatusOK,
			body:    `{"id": "x", "choices": []}`,
			wantErr: "empty response",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				atomic.AddInt32(&calls, 1)
				assert.Equal(t, "/chat/completions", r.URL.Path)
				assert.Equal(t, "Bearer pplx-key", r.Header.Get("Authorization"))

				var req ChatCompletionRequest
				body, _ := io.ReadAll(r.Body)
				require.NoError(t, json.Unmarshal(body, &req))
				assert.Equal(t, "sonar", req.Model)

				w.WriteHeader(tt.status)
				io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			p := NewProvider(WithBaseURL(srv.URL))
			resp, err := p.Call(context.Background(), common.Request{Model: "sonar", APIKey: "pplx-key", Prompt: "best crm?"})

			assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "provider must not retry internally")
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				assert.Equal(t, tt.wantPermanent, common.IsPermanent(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantText, resp.Text)
			assert.Len(t, resp.Citations, tt.wantCitations)
			assert.Equal(t, 10, resp.Usage.InputTokens)
		})
	}
}

func TestNativeCitationsDedupes(t *testing.T) {
	got := nativeCitations(ChatCompletionResponse{
		Citations:     []string{"https://a.com", "", "https://b.com"},
		SearchResults: []SearchResult{{Title: "A", URL: "https://a.com"}},
	})
	require.Len(t, got, 2)
	assert.Equal(t, models.Citation{URL: "https://a.com", Title: "A", Kind: models.CitationNative}, got[0])
	assert.Equal(t, "https://b.com", got[1].URL)
}
