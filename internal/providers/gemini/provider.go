package gemini

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/rotisserie/eris"
	"google.golang.org/genai"

	"github.com/AI-Template-SDK/senso-visibility/internal/models"
	"github.com/AI-Template-SDK/senso-visibility/internal/providers/common"
)

const (
	providerName = "gemini"
	redirectHost = "vertexaisearch.cloud.google.com"
)

// Provider answers prompts through the Gemini API with optional Google
// Search grounding.
type Provider struct {
	baseURL    string
	httpClient *http.Client
}

// Option configures the provider.
type Option func(*Provider)

// WithBaseURL overrides the API base URL.
func WithBaseURL(u string) Option {
	return func(p *Provider) {
		p.baseURL = u
	}
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = hc
	}
}

// NewProvider creates a Gemini provider.
func NewProvider(opts ...Option) *Provider {
	p := &Provider{}
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
		return nil, eris.New("gemini: missing api key")
	}

	cc := &genai.ClientConfig{
		APIKey:  req.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if p.baseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: p.baseURL}
	}
	if p.httpClient != nil {
		cc.HTTPClient = p.httpClient
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, eris.Wrap(err, "gemini: create client")
	}

	config := &genai.GenerateContentConfig{}
	if req.WebSearch {
		config.Tools = []*genai.Tool{{GoogleSearch: &genai.GoogleSearch{}}}
	}

	result, err := client.Models.GenerateContent(ctx, req.Model, genai.Text(req.Prompt), config)
	if err != nil {
		return nil, eris.Wrap(err, "gemini: generate content failed")
	}

	text := result.Text()
	if strings.TrimSpace(text) == "" {
		return nil, eris.New("gemini: empty response")
	}

	resp := &common.Response{
		Text:      text,
		Model:     req.Model,
		Citations: groundingCitations(result),
	}
	if result.UsageMetadata != nil {
		resp.Usage = common.Usage{
			InputTokens:  int(result.UsageMetadata.PromptTokenCount),
			OutputTokens: int(result.UsageMetadata.CandidatesTokenCount),
		}
	}
	return resp, nil
}

// groundingCitations lifts Google Search grounding chunks. Grounding URIs
// are redirect links; when the chunk title is a bare domain that domain is
// used instead so categorization sees the real site.
func groundingCitations(result *genai.GenerateContentResponse) []models.Citation {
	if len(result.Candidates) == 0 || result.Candidates[0].GroundingMetadata == nil {
		return nil
	}
	var out []models.Citation
	for _, chunk := range result.Candidates[0].GroundingMetadata.GroundingChunks {
		if chunk == nil || chunk.Web == nil || chunk.Web.URI == "" {
			continue
		}
		uri := chunk.Web.URI
		if u, err := url.Parse(uri); err == nil && u.Hostname() == redirectHost && looksLikeDomain(chunk.Web.Title) {
			uri = "https://" + strings.ToLower(chunk.Web.Title)
		}
		out = append(out, models.Citation{URL: uri, Title: chunk.Web.Title, Kind: models.CitationNative})
	}
	return out
}

func looksLikeDomain(s string) bool {
	s = strings.TrimSpace(s)
	return s != "" && !strings.ContainsAny(s, " /") && strings.Contains(s, ".")
}
