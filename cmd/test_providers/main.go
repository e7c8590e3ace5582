package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/AI-Template-SDK/senso-visibility/internal/providers"
	"github.com/AI-Template-SDK/senso-visibility/internal/providers/common"
	"github.com/AI-Template-SDK/senso-visibility/internal/sources"
	"github.com/AI-Template-SDK/senso-visibility/services"
)

// keyEnv maps a provider name to the environment variable holding its key.
var keyEnv = map[string]string{
	"openai":     "OPENAI_API_KEY",
	"anthropic":  "ANTHROPIC_API_KEY",
	"perplexity": "PERPLEXITY_API_KEY",
	"gemini":     "GEMINI_API_KEY",
}

func main() {
	models := flag.String("models", "gpt-4.1", "comma separated models to query")
	prompt := flag.String("prompt", "What are the best CRM tools for small businesses?", "prompt to send")
	webSearch := flag.Bool("web-search", true, "enable provider web search")
	timeout := flag.Duration("timeout", 2*time.Minute, "per-call timeout")
	flag.Parse()

	fmt.Println("🧪 AI Provider Test Script")
	fmt.Println(strings.Repeat("=", 50))

	if err := godotenv.Load(); err != nil {
		fmt.Println("⚠️  No .env file found, using environment variables")
	} else {
		fmt.Println("✅ Loaded .env file")
	}

	registry := providers.NewDefaultRegistry(&http.Client{Timeout: *timeout})
	cost := services.NewCostService()

	failed := false
	for _, model := range strings.Split(*models, ",") {
		model = strings.TrimSpace(model)
		if model == "" {
			continue
		}
		if !testProvider(registry, cost, model, *prompt, *webSearch, *timeout) {
			failed = true
		}
	}
	if failed {
		os.Exit(1)
	}
}

func testProvider(registry *providers.Registry, cost services.CostService, model, prompt string, webSearch bool, timeout time.Duration) bool {
	fmt.Printf("\n🎯 Testing model: %s\n", model)
	fmt.Println(strings.Repeat("-", 60))

	provider, err := registry.Resolve("", model)
	if err != nil {
		fmt.Printf("❌ Failed to resolve provider: %v\n", err)
		return false
	}
	name := provider.GetProviderName()
	apiKey := os.Getenv(keyEnv[name])
	if apiKey == "" {
		fmt.Printf("⚠️  %s not set, skipping %s\n", keyEnv[name], name)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	start := time.Now()
	resp, err := provider.Call(ctx, common.Request{
		Model:     model,
		APIKey:    apiKey,
		Prompt:    prompt,
		WebSearch: webSearch,
	})
	if err != nil {
		fmt.Printf("❌ %s call failed after %v: %v\n", name, time.Since(start).Round(time.Millisecond), err)
		return false
	}

	fmt.Printf("✅ %s answered in %v\n", name, time.Since(start).Round(time.Millisecond))
	fmt.Printf("   Tokens: %d in / %d out\n", resp.Usage.InputTokens, resp.Usage.OutputTokens)
	fmt.Printf("   Cost: $%.6f\n", cost.CalculateCost(name, model, resp.Usage.InputTokens, resp.Usage.OutputTokens, webSearch))

	preview := resp.Text
	if len(preview) > 300 {
		preview = preview[:300] + "..."
	}
	fmt.Printf("   Answer: %s\n", preview)

	candidates := sources.Extract(resp.Text, resp.Citations)
	fmt.Printf("   Sources: %d (%d native citations)\n", len(candidates), len(resp.Citations))
	for i, c := range candidates {
		if i == 10 {
			fmt.Printf("   ... %d more\n", len(candidates)-i)
			break
		}
		fmt.Printf("   %2d. [%s] %s\n", i+1, c.Kind, c.URL)
	}
	return true
}
