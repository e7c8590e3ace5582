package chatgpt

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/AI-Template-SDK/senso-visibility/internal/models"
	"github.com/AI-Template-SDK/senso-visibility/internal/providers/common"
)

// runWebSearch uses OpenAI's web search API directly
func (p *Provider) runWebSearch(ctx context.Context, req common.Request) (*common.Response, error) {
	body, err := json.Marshal(WebSearchRequest{
		Model: req.Model,
		Tools: []WebSearchTool{{Type: "web_search_preview"}},
		Input: req.Prompt,
	})
	if err != nil {
		return nil, eris.Wrap(err, "openai: marshal web search request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/responses", bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "openai: create web search request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+req.APIKey)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, eris.Wrap(err, "openai: web search request failed")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "openai: read web search response")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &common.StatusError{Provider: providerName, Code: resp.StatusCode, Body: string(respBody)}
	}

	var parsed WebSearchResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, eris.Wrap(err, "openai: decode web search response")
	}

	text, citations := collectOutput(parsed)
	if text == "" {
		return nil, eris.New("openai: no message content found in web search response")
	}

	return &common.Response{
		Text:      text,
		Model:     req.Model,
		Citations: citations,
		Usage: common.Usage{
			InputTokens:  parsed.Usage.InputTokens,
			OutputTokens: parsed.Usage.OutputTokens,
		},
	}, nil
}

// collectOutput joins every output_text segment and lifts its url_citation
// annotations.
func collectOutput(resp WebSearchResponse) (string, []models.Citation) {
	var parts []string
	var citations []models.Citation
	for _, item := range resp.Output {
		if item.Type != "message" {
			continue
		}
		for _, content := range item.Content {
			if content.Type != "output_text" || content.Text == "" {
				continue
			}
			parts = append(parts, content.Text)
			for _, a := range content.Annotations {
				if a.Type != "url_citation" || a.URL == "" {
					continue
				}
				citations = append(citations, models.Citation{URL: a.URL, Title: a.Title, Kind: models.CitationAnnotation})
			}
		}
	}
	return strings.Join(parts, "\n\n"), citations
}
