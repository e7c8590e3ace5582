package chatgpt

// Responses API request/response shapes used for web search.

// WebSearchRequest is the payload for POST /responses with a search tool.
type WebSearchRequest struct {
	Model string          `json:"model"`
	Tools []WebSearchTool `json:"tools"`
	Input string          `json:"input"`
}

type WebSearchTool struct {
	Type string `json:"type"`
}

// WebSearchResponse is the subset of the Responses API reply we read.
type WebSearchResponse struct {
	ID     string                `json:"id"`
	Status string                `json:"status"`
	Output []WebSearchOutputItem `json:"output"`
	Usage  WebSearchUsage        `json:"usage"`
}

type WebSearchOutputItem struct {
	ID      string             `json:"id"`
	Type    string             `json:"type"`
	Status  string             `json:"status,omitempty"`
	Content []WebSearchContent `json:"content,omitempty"`
}

type WebSearchContent struct {
	Type        string                `json:"type"`
	Text        string                `json:"text,omitempty"`
	Annotations []WebSearchAnnotation `json:"annotations,omitempty"`
}

type WebSearchAnnotation struct {
	Type       string `json:"type"`
	StartIndex int    `json:"start_index"`
	EndIndex   int    `json:"end_index"`
	Title      string `json:"title,omitempty"`
	URL        string `json:"url,omitempty"`
}

type WebSearchUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}
