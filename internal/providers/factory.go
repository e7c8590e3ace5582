package providers

import (
	"net/http"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/AI-Template-SDK/senso-visibility/internal/providers/chatgpt"
	"github.com/AI-Template-SDK/senso-visibility/internal/providers/claude"
	"github.com/AI-Template-SDK/senso-visibility/internal/providers/gemini"
	"github.com/AI-Template-SDK/senso-visibility/internal/providers/perplexity"
)

// ErrUnsupported is returned for a platform no provider can serve.
var ErrUnsupported = eris.New("unsupported provider")

// Registry resolves a platform's provider/model to a Provider.
type Registry struct {
	byName map[string]Provider
}

// NewRegistry builds a registry from explicit providers, keyed by
// GetProviderName.
func NewRegistry(ps ...Provider) *Registry {
	r := &Registry{byName: make(map[string]Provider, len(ps))}
	for _, p := range ps {
		r.byName[p.GetProviderName()] = p
	}
	return r
}

// NewDefaultRegistry wires every built-in provider against its public API.
func NewDefaultRegistry(httpClient *http.Client) *Registry {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return NewRegistry(
		chatgpt.NewProvider(chatgpt.WithHTTPClient(httpClient)),
		claude.NewProvider(),
		perplexity.NewProvider(perplexity.WithHTTPClient(httpClient)),
		gemini.NewProvider(gemini.WithHTTPClient(httpClient)),
	)
}

// Resolve picks a provider by explicit name, or by model name when the
// provider is blank.
func (r *Registry) Resolve(provider, model string) (Provider, error) {
	name := CanonicalName(provider, model)
	p, ok := r.byName[name]
	if !ok {
		return nil, eris.Wrapf(ErrUnsupported, "provider %q model %q", provider, model)
	}
	return p, nil
}

// CanonicalName maps provider aliases (chatgpt, claude, google) to registry
// names. A blank provider is inferred from the model.
func CanonicalName(provider, model string) string {
	name := strings.ToLower(strings.TrimSpace(provider))
	if name == "" {
		return ProviderForModel(model)
	}
	switch name {
	case "chatgpt":
		return "openai"
	case "claude":
		return "anthropic"
	case "google":
		return "gemini"
	}
	return name
}

// ProviderForModel infers the provider from a model name.
func ProviderForModel(modelName string) string {
	modelLower := strings.ToLower(modelName)
	switch {
	case strings.Contains(modelLower, "sonar") || strings.Contains(modelLower, "perplexity"):
		return "perplexity"
	case strings.Contains(modelLower, "gemini"):
		return "gemini"
	case strings.Contains(modelLower, "claude") || strings.Contains(modelLower, "sonnet") ||
		strings.Contains(modelLower, "opus") || strings.Contains(modelLower, "haiku"):
		return "anthropic"
	case strings.Contains(modelLower, "gpt") || strings.Contains(modelLower, "4.1") ||
		strings.HasPrefix(modelLower, "o1") || strings.HasPrefix(modelLower, "o3") || strings.HasPrefix(modelLower, "o4"):
		return "openai"
	}
	return ""
}
