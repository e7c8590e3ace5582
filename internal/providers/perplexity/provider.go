package perplexity

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/AI-Template-SDK/senso-visibility/internal/models"
	"github.com/AI-Template-SDK/senso-visibility/internal/providers/common"
)

const (
	defaultBaseURL = "https://api.perplexity.ai"
	providerName   = "perplexity"
)

// ChatCompletionRequest is the request body for POST /chat/completions.
type ChatCompletionRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
}

// Message represents a single message in the conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatCompletionResponse is the response from POST /chat/completions.
type ChatCompletionResponse struct {
	ID            string         `json:"id"`
	Model         string         `json:"model"`
	Choices       []Choice       `json:"choices"`
	Usage         Usage          `json:"usage"`
	Citations     []string       `json:"citations"`
	SearchResults []SearchResult `json:"search_results"`
}

// Choice is a single completion choice.
type Choice struct {
	Index   int     `json:"index"`
	Message Message `json:"message"`
}

// Usage reports token consumption.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// SearchResult is one page Sonar consulted.
type SearchResult struct {
	Title string `json:"title"`
	URL   string `json:"url"`
	Date  string `json:"date,omitempty"`
}

// Option configures the provider.
type Option func(*Provider)

// WithBaseURL overrides the default API base URL.
func WithBaseURL(url string) Option {
	return func(p *Provider) {
		p.baseURL = strings.TrimRight(url, "/")
	}
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(p *Provider) {
		p.http = hc
	}
}

// Provider answers prompts through Perplexity Sonar. Sonar models always
// search, so Request.WebSearch is ignored.
type Provider struct {
	baseURL string
	http    *http.Client
}

// NewProvider creates a Perplexity provider.
func NewProvider(opts ...Option) *Provider {
	p := &Provider{
		baseURL: defaultBaseURL,
		http: &http.Client{
			Timeout: 120 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// GetProviderName returns the name of this provider
func (p *Provider) GetProviderName() string {
	return providerName
}

// Call sends one prompt.
func (p *Provider) Call(ctx context.Context, req common.Request) (*common.Response, error) {
	if req.APIKey == "" {
		return nil, eris.New("perplexity: missing api key")
	}

	body, err := json.Marshal(ChatCompletionRequest{
		Model:    req.Model,
		Messages: []Message{{Role: "user", Content: req.Prompt}},
	})
	if err != nil {
		return nil, eris.Wrap(err, "perplexity: marshal request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "perplexity: create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+req.APIKey)

	resp, err := p.http.Do(httpReq)
	if err != nil {
		return nil, eris.Wrap(err, "perplexity: send request")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "perplexity: read response")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &common.StatusError{Provider: providerName, Code: resp.StatusCode, Body: string(respBody)}
	}

	var result ChatCompletionResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, eris.Wrap(err, "perplexity: unmarshal response")
	}
	if len(result.Choices) == 0 || strings.TrimSpace(result.Choices[0].Message.Content) == "" {
		return nil, eris.New("perplexity: empty response")
	}

	return &common.Response{
		Text:      result.Choices[0].Message.Content,
		Model:     result.Model,
		Citations: nativeCitations(result),
		Usage: common.Usage{
			InputTokens:  result.Usage.PromptTokens,
			OutputTokens: result.Usage.CompletionTokens,
		},
	}, nil
}

// nativeCitations prefers search_results (which carry titles) and adds any
// bare citation URLs not already present.
func nativeCitations(r ChatCompletionResponse) []models.Citation {
	seen := map[string]bool{}
	var out []models.Citation
	for _, sr := range r.SearchResults {
		if sr.URL == "" || seen[sr.URL] {
			continue
		}
		seen[sr.URL] = true
		out = append(out, models.Citation{URL: sr.URL, Title: sr.Title, Kind: models.CitationNative})
	}
	for _, u := range r.Citations {
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		out = append(out, models.Citation{URL: u, Kind: models.CitationNative})
	}
	return out
}
