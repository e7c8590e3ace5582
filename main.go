// main.go
package main

import (
	"context"
	"net/http"
	"os"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/AI-Template-SDK/senso-visibility/internal/config"
	"github.com/AI-Template-SDK/senso-visibility/internal/logger"
	"github.com/AI-Template-SDK/senso-visibility/internal/metadata"
	"github.com/AI-Template-SDK/senso-visibility/internal/providers"
	"github.com/AI-Template-SDK/senso-visibility/internal/realtime"
	"github.com/AI-Template-SDK/senso-visibility/internal/store"
	"github.com/AI-Template-SDK/senso-visibility/internal/telemetry"
	"github.com/AI-Template-SDK/senso-visibility/services"
)

var (
	cfg *config.Config
	log zerolog.Logger
)

var rootCmd = &cobra.Command{
	Use:          "senso-visibility",
	Short:        "Tracks how AI assistants mention a business and its competitors",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loadEnvFiles()

		c, err := config.Load()
		if err != nil {
			return eris.Wrap(err, "load config")
		}
		cfg = c
		log = logger.New(cfg.LogLevel, cfg.IsDevelopment())

		if cfg.IsDevelopment() {
			os.Unsetenv("INNGEST_SIGNING_KEY")
			cfg.InngestSigningKey = ""
			log.Debug().Msg("development mode: inngest signing key verification disabled")
		}
		return nil
	},
}

// loadEnvFiles loads .env, falling back to dev.env for local development.
func loadEnvFiles() {
	if err := godotenv.Load(); err == nil {
		return
	}
	_ = godotenv.Load("dev.env")
}

// app holds the wired services shared by the subcommands.
type app struct {
	store     *store.Store
	hub       *realtime.Hub
	metrics   *telemetry.Metrics
	execution *services.ExecutionService
}

func newApp(ctx context.Context) (*app, error) {
	st, err := store.Open(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	if err := st.Ping(ctx); err != nil {
		st.Close()
		return nil, eris.Wrap(err, "database unreachable")
	}
	log.Info().Str("driver", st.Driver()).Msg("connected to database")

	metrics := telemetry.New()
	hub := realtime.NewHub()

	cost := services.NewCostService()
	usage := services.NewUsageService(st, log)
	registry := providers.NewDefaultRegistry(&http.Client{Timeout: cfg.Provider.Timeout})
	caller := services.NewProviderCaller(registry, cost, usage, metrics, cfg.Provider.Timeout, log)

	if cfg.OpenAIAPIKey == "" && cfg.AzureOpenAIKey == "" {
		log.Warn().Msg("no analysis model key configured; every analysis will use the fallback")
	}
	analyzer := services.NewOpenAIAnalyzer(cfg, log)
	analysis := services.NewAnalysisService(analyzer, cost, usage, metrics, cfg.Analysis.BackoffStep, log)

	fetcher := metadata.NewFetcher(metadata.Options{
		MaxURLs:     cfg.Metadata.MaxURLs,
		Concurrency: cfg.Metadata.Concurrency,
		Timeout:     cfg.Metadata.Timeout,
	}, log)

	execution := services.NewExecutionService(cfg, services.ExecutionDeps{
		Store:     st,
		Caller:    caller,
		Analysis:  analysis,
		Fetcher:   fetcher,
		Publisher: hub,
		Clock:     services.SystemClock{},
		Metrics:   metrics,
	}, log)

	return &app{store: st, hub: hub, metrics: metrics, execution: execution}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		log.Warn().Err(err).Msg("failed to close database")
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
