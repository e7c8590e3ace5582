package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/azure"
	"github.com/openai/openai-go/option"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"

	"github.com/AI-Template-SDK/senso-visibility/internal/config"
	"github.com/AI-Template-SDK/senso-visibility/internal/models"
	"github.com/AI-Template-SDK/senso-visibility/internal/providers/common"
)

// CombinedAnalysis is the structured output of the single analysis call.
type CombinedAnalysis struct {
	BrandMentioned      bool                `json:"brand_mentioned" jsonschema_description:"True only if the TARGET BRAND itself is named in the response."`
	BrandMentionCount   int                 `json:"brand_mention_count" jsonschema_description:"Number of times the target brand is named. 0 if not mentioned."`
	BrandSentiment      string              `json:"brand_sentiment" jsonschema:"enum=positive,enum=neutral,enum=negative,enum=none" jsonschema_description:"Sentiment toward the target brand, or none if not mentioned."`
	BrandSentimentScore int                 `json:"brand_sentiment_score" jsonschema_description:"0 (very negative) to 100 (very positive). 50 if neutral or not mentioned."`
	OverallSentiment    string              `json:"overall_sentiment" jsonschema:"enum=positive,enum=neutral,enum=negative" jsonschema_description:"Overall tone of the response."`
	RankedMentions      []MentionExtract    `json:"ranked_mentions" jsonschema_description:"Every company or product brand named, in order of first appearance."`
	Competitors         []CompetitorExtract `json:"competitors" jsonschema_description:"One entry per KNOWN COMPETITOR that is named in the response."`
	Sources             []SourceExtract     `json:"sources" jsonschema_description:"One entry per CANDIDATE URL. Never invent URLs."`
}

type MentionExtract struct {
	Name  string `json:"name" jsonschema_description:"Company name as written."`
	Rank  int    `json:"rank" jsonschema_description:"1 for the first company mentioned, 2 for the second, and so on."`
	Count int    `json:"count" jsonschema_description:"Times the company is named."`
}

type CompetitorExtract struct {
	Name      string `json:"name" jsonschema_description:"Known competitor name exactly as given in the list."`
	Count     int    `json:"count" jsonschema_description:"Times the competitor is named."`
	Sentiment string `json:"sentiment" jsonschema:"enum=positive,enum=neutral,enum=negative" jsonschema_description:"Sentiment toward the competitor."`
}

type SourceExtract struct {
	URL              string   `json:"url" jsonschema_description:"Candidate URL exactly as given."`
	Category         string   `json:"category" jsonschema:"enum=You,enum=Competitor,enum=Corporate,enum=Reference,enum=Editorial,enum=UGC,enum=Institutional,enum=Other"`
	PageType         string   `json:"page_type" jsonschema_description:"One of the listed page types."`
	AssociatedBrands []string `json:"associated_brands" jsonschema_description:"Brands the response associates with this citation."`
}

// CombinedAnalyzer performs the structured extraction call.
type CombinedAnalyzer interface {
	Analyze(ctx context.Context, in AnalysisInput) (*CombinedAnalysis, common.Usage, error)
	Model() string
}

// OpenAIAnalyzer implements CombinedAnalyzer with strict JSON-schema output.
type OpenAIAnalyzer struct {
	client *openai.Client
	model  string
	log    zerolog.Logger
}

// NewOpenAIAnalyzer uses Azure OpenAI when fully configured, otherwise the
// public API with cfg.Analysis.Model.
func NewOpenAIAnalyzer(cfg *config.Config, log zerolog.Logger) *OpenAIAnalyzer {
	log = log.With().Str("component", "analysis_llm").Logger()

	if cfg.AzureOpenAIEndpoint != "" && cfg.AzureOpenAIKey != "" && cfg.AzureOpenAIDeploymentName != "" {
		client := openai.NewClient(
			azure.WithEndpoint(cfg.AzureOpenAIEndpoint, "2024-12-01-preview"),
			azure.WithAPIKey(cfg.AzureOpenAIKey),
			option.WithMaxRetries(0),
		)
		log.Info().Str("endpoint", cfg.AzureOpenAIEndpoint).Str("deployment", cfg.AzureOpenAIDeploymentName).Msg("using Azure OpenAI for analysis")
		return &OpenAIAnalyzer{client: &client, model: cfg.AzureOpenAIDeploymentName, log: log}
	}

	return NewOpenAIAnalyzerWithOptions(cfg.Analysis.Model, log, option.WithAPIKey(cfg.OpenAIAPIKey))
}

// NewOpenAIAnalyzerWithOptions builds an analyzer with explicit client options.
func NewOpenAIAnalyzerWithOptions(model string, log zerolog.Logger, opts ...option.RequestOption) *OpenAIAnalyzer {
	opts = append([]option.RequestOption{option.WithMaxRetries(0)}, opts...)
	client := openai.NewClient(opts...)
	return &OpenAIAnalyzer{client: &client, model: model, log: log}
}

func (a *OpenAIAnalyzer) Model() string { return a.model }

func (a *OpenAIAnalyzer) Analyze(ctx context.Context, in AnalysisInput) (*CombinedAnalysis, common.Usage, error) {
	schemaParam := openai.ResponseFormatJSONSchemaJSONSchemaParam{
		Name:        "combined_visibility_analysis",
		Description: openai.String("Brand mentions, sentiment and source categorization for one AI answer."),
		Schema:      GenerateSchema[CombinedAnalysis](),
		Strict:      openai.Bool(true),
	}

	params := openai.ChatCompletionNewParams{
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage("You are an expert text analysis specialist. Report only what the response text actually says. Never invent companies or URLs."),
			openai.UserMessage(buildAnalysisPrompt(in)),
		},
		Model: openai.ChatModel(a.model),
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &openai.ResponseFormatJSONSchemaParam{JSONSchema: schemaParam},
		},
	}

	if !strings.HasPrefix(a.model, "gpt-5") {
		params.Temperature = openai.Float(0.1)
	} else {
		params.ReasoningEffort = "low"
	}

	resp, err := a.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, common.Usage{}, eris.Wrap(err, "analysis call failed")
	}
	usage := common.Usage{
		InputTokens:  int(resp.Usage.PromptTokens),
		OutputTokens: int(resp.Usage.CompletionTokens),
	}
	if len(resp.Choices) == 0 {
		return nil, usage, eris.New("no response choices returned from OpenAI")
	}

	content := resp.Choices[0].Message.Content
	var out CombinedAnalysis
	if err := json.Unmarshal([]byte(content), &out); err != nil {
		return nil, usage, eris.Wrapf(err, "failed to parse analysis response: %s", truncateForLog(content, 200))
	}
	return &out, usage, nil
}

func buildAnalysisPrompt(in AnalysisInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "**TARGET BRAND:** %s", in.BusinessName)
	if in.BusinessDomain != "" {
		fmt.Fprintf(&b, " (website: %s)", in.BusinessDomain)
	}
	b.WriteString("\n\n**KNOWN COMPETITORS:**\n")
	if len(in.Competitors) == 0 {
		b.WriteString("- none\n")
	}
	for _, c := range in.Competitors {
		if c.Website != nil && *c.Website != "" {
			fmt.Fprintf(&b, "- %s (%s)\n", c.Name, *c.Website)
		} else {
			fmt.Fprintf(&b, "- %s\n", c.Name)
		}
	}

	b.WriteString("\n**CANDIDATE URLS:**\n")
	if len(in.Candidates) == 0 {
		b.WriteString("- none\n")
	}
	for _, c := range in.Candidates {
		fmt.Fprintf(&b, "- %s", c.URL)
		if md, ok := in.Metadata[c.URL]; ok {
			if md.Title != "" {
				fmt.Fprintf(&b, " | title: %s", md.Title)
			}
			if md.Description != "" {
				fmt.Fprintf(&b, " | description: %s", truncateForLog(md.Description, 200))
			}
			if md.H1 != "" {
				fmt.Fprintf(&b, " | h1: %s", md.H1)
			}
		} else if c.Title != "" {
			fmt.Fprintf(&b, " | title: %s", c.Title)
		}
		b.WriteString("\n")
	}

	cats := make([]string, 0, 8)
	for _, c := range models.SourceCategories() {
		cats = append(cats, string(c))
	}
	fmt.Fprintf(&b, `
**TASKS**
1. List every company named in the response in order of first appearance (ranked_mentions).
2. Decide whether the TARGET BRAND is named. Be strict: generic words that overlap the name do not count.
3. Give the sentiment toward the target brand and a 0-100 score, and the overall tone.
4. For each KNOWN COMPETITOR that is named, give its count and sentiment. Omit competitors that are not named.
5. Categorize every CANDIDATE URL. Categories: %s. "You" is the target brand's own site, "Competitor" a known competitor's site.
   Page types: %s.
   Only use URLs from the candidate list.

**RESPONSE TO ANALYZE:**
`+"```"+`
%s
`+"```",
		strings.Join(cats, ", "), strings.Join(models.PageTypes, ", "), in.AnswerText)
	return b.String()
}

func truncateForLog(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
