package chatgpt

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/rotisserie/eris"

	"github.com/AI-Template-SDK/senso-visibility/internal/providers/common"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	providerName   = "openai"
)

// Provider answers prompts through the OpenAI API. Plain prompts use chat
// completions; web search prompts use the Responses API search tool.
type Provider struct {
	baseURL    string
	httpClient *http.Client
}

// Option configures the provider.
type Option func(*Provider)

// WithBaseURL overrides the API base URL.
func WithBaseURL(u string) Option {
	return func(p *Provider) {
		p.baseURL = strings.TrimRight(u, "/")
	}
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = hc
	}
}

// NewProvider creates an OpenAI provider.
func NewProvider(opts ...Option) *Provider {
	p := &Provider{
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: 120 * time.Second},
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
		return nil, eris.New("openai: missing api key")
	}
	if req.WebSearch {
		return p.runWebSearch(ctx, req)
	}
	return p.runChat(ctx, req)
}

func (p *Provider) client(apiKey string) openai.Client {
	return openai.NewClient(
		option.WithAPIKey(apiKey),
		option.WithBaseURL(p.baseURL+"/"),
		option.WithHTTPClient(p.httpClient),
		option.WithMaxRetries(0),
	)
}

func (p *Provider) runChat(ctx context.Context, req common.Request) (*common.Response, error) {
	client := p.client(req.APIKey)

	params := openai.ChatCompletionNewParams{
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage("You are a helpful assistant that provides accurate, comprehensive answers to questions. Cite the websites you rely on with full URLs."),
			openai.UserMessage(req.Prompt),
		},
		Model: openai.ChatModel(req.Model),
	}
	if !strings.HasPrefix(req.Model, "gpt-5") && !strings.HasPrefix(req.Model, "o") {
		params.Temperature = openai.Float(0.7)
	}

	resp, err := client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, classifySDKError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, eris.New("openai: no response choices returned")
	}

	text := resp.Choices[0].Message.Content
	if strings.TrimSpace(text) == "" {
		return nil, eris.New("openai: empty response content")
	}

	return &common.Response{
		Text:  text,
		Model: resp.Model,
		Usage: common.Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
		},
	}, nil
}

func classifySDKError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return &common.StatusError{Provider: providerName, Code: apiErr.StatusCode, Body: apiErr.Error()}
	}
	return eris.Wrap(err, "openai: chat completion failed")
}
