package claude

import (
	"context"
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rotisserie/eris"

	"github.com/AI-Template-SDK/senso-visibility/internal/models"
	"github.com/AI-Template-SDK/senso-visibility/internal/providers/common"
)

const (
	providerName  = "anthropic"
	maxTokens     = 2000
	maxSearchUses = 5
)

// Provider answers prompts through the Anthropic Messages API, optionally
// with the server-side web search tool.
type Provider struct {
	baseURL string
}

// Option configures the provider.
type Option func(*Provider)

// WithBaseURL overrides the API base URL.
func WithBaseURL(u string) Option {
	return func(p *Provider) {
		p.baseURL = u
	}
}

// NewProvider creates an Anthropic provider.
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
		return nil, eris.New("anthropic: missing api key")
	}

	clientOpts := []option.RequestOption{
		option.WithAPIKey(req.APIKey),
		option.WithMaxRetries(0),
	}
	if p.baseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(p.baseURL))
	}
	client := anthropic.NewClient(clientOpts...)

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{{
			Content: []anthropic.ContentBlockParamUnion{{
				OfText: &anthropic.TextBlockParam{Text: req.Prompt},
			}},
			Role: anthropic.MessageParamRoleUser,
		}},
		Temperature: anthropic.Float(0.7),
	}
	if req.WebSearch {
		params.Tools = []anthropic.ToolUnionParam{{
			OfWebSearchTool20250305: &anthropic.WebSearchTool20250305Param{
				MaxUses: anthropic.Int(maxSearchUses),
			},
		}}
	}

	resp, err := client.Messages.New(ctx, params)
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			return nil, &common.StatusError{Provider: providerName, Code: apiErr.StatusCode, Body: apiErr.Error()}
		}
		return nil, eris.Wrap(err, "anthropic: message request failed")
	}

	text, citations := extractContent(resp)
	if strings.TrimSpace(text) == "" {
		return nil, eris.New("anthropic: empty response content")
	}

	return &common.Response{
		Text:      text,
		Model:     string(resp.Model),
		Citations: citations,
		Usage: common.Usage{
			InputTokens:  int(resp.Usage.InputTokens),
			OutputTokens: int(resp.Usage.OutputTokens),
		},
	}, nil
}

// extractContent concatenates text blocks and collects their web search
// citations.
func extractContent(resp *anthropic.Message) (string, []models.Citation) {
	var b strings.Builder
	var citations []models.Citation
	for _, block := range resp.Content {
		switch v := block.AsAny().(type) {
		case anthropic.TextBlock:
			b.WriteString(v.Text)
			for _, c := range v.Citations {
				if c.URL == "" {
					continue
				}
				citations = append(citations, models.Citation{URL: c.URL, Title: c.Title, Kind: models.CitationNative})
			}
		}
	}
	return b.String(), citations
}
