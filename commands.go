// commands.go
package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/inngest/inngestgo"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/AI-Template-SDK/senso-visibility/internal/api"
	"github.com/AI-Template-SDK/senso-visibility/internal/seed"
	"github.com/AI-Template-SDK/senso-visibility/internal/store"
	"github.com/AI-Template-SDK/senso-visibility/services"
	"github.com/AI-Template-SDK/senso-visibility/workflows"
)

var (
	servePort     string
	serveMigrate  bool
	runBusiness   string
	runPrompt     string
	runPlatform   string
	reanBusiness  string
	reanFrom      string
	reanTo        string
	seedFile      string
	seedNoMigrate bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, the scheduler and the Inngest functions",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		if serveMigrate {
			if err := a.store.Migrate(ctx); err != nil {
				return err
			}
		}

		client, err := inngestgo.NewClient(inngestgo.ClientOpts{
			AppID:    "senso-visibility",
			EventKey: inngestgo.StrPtr(cfg.InngestEventKey),
			Env:      inngestgo.StrPtr(cfg.Environment),
		})
		if err != nil {
			return eris.Wrap(err, "failed to create inngest client")
		}
		processor := workflows.NewBusinessProcessor(a.execution, log)
		processor.SetClient(client)
		if _, err := processor.ExecuteBusiness(); err != nil {
			return eris.Wrap(err, "failed to register execute-business function")
		}

		if cfg.Scheduler.Enabled {
			sched, err := workflows.NewScheduler(cfg.Scheduler, cfg.Location(), a.store, a.execution, services.SystemClock{}, a.metrics, log)
			if err != nil {
				return err
			}
			if alerter := workflows.NewSlackAlerter(cfg.SlackWebhookURL); alerter != nil {
				sched.SetAlerter(alerter)
			}
			sched.Start(ctx)
			defer sched.Stop()
			log.Info().Str("spec", cfg.Scheduler.Spec).Msg("scheduler started")
		}

		handler := api.NewServer(api.Options{
			Runner:         a.execution,
			Reader:         a.store,
			Hub:            a.hub,
			Metrics:        a.metrics,
			Inngest:        client.Serve(),
			Location:       cfg.Location(),
			AllowedOrigins: cfg.CORSAllowedOrigins,
			Log:            log,
		}).Router()

		port := servePort
		if port == "" {
			port = cfg.Port
		}
		srv := &http.Server{
			Addr:              ":" + port,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		}

		go func() {
			<-ctx.Done()
			log.Info().Msg("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("server shutdown")
			}
		}()

		log.Info().Str("port", port).Str("environment", cfg.Environment).Msg("starting senso-visibility")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}
		return nil
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run today's prompts for a business once",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		businessID, err := uuid.Parse(runBusiness)
		if err != nil {
			return eris.Wrapf(err, "invalid --business %q", runBusiness)
		}

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		var summary *services.RunSummary
		if runPrompt == "" {
			if runPlatform != "" {
				return eris.New("--platform requires --prompt")
			}
			summary, err = a.execution.ExecuteAllPrompts(ctx, businessID)
		} else {
			promptID, perr := uuid.Parse(runPrompt)
			if perr != nil {
				return eris.Wrapf(perr, "invalid --prompt %q", runPrompt)
			}
			var platformID *uuid.UUID
			if runPlatform != "" {
				id, perr := uuid.Parse(runPlatform)
				if perr != nil {
					return eris.Wrapf(perr, "invalid --platform %q", runPlatform)
				}
				platformID = &id
			}
			summary, err = a.execution.ExecutePrompt(ctx, businessID, promptID, platformID)
		}
		if err != nil {
			return err
		}
		return printJSON(summary)
	},
}

var reanalyzeCmd = &cobra.Command{
	Use:   "reanalyze",
	Short: "Re-run analysis over stored answers in a day range",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		businessID, err := uuid.Parse(reanBusiness)
		if err != nil {
			return eris.Wrapf(err, "invalid --business %q", reanBusiness)
		}
		if reanTo == "" {
			reanTo = reanFrom
		}

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		summary, err := a.execution.ReanalyzeRange(ctx, businessID, reanFrom, reanTo)
		if err != nil {
			return err
		}
		return printJSON(summary)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := store.Open(cmd.Context(), cfg.Database)
		if err != nil {
			return err
		}
		defer st.Close()
		if err := st.Migrate(cmd.Context()); err != nil {
			return err
		}
		log.Info().Str("driver", st.Driver()).Msg("schema up to date")
		return nil
	},
}

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Create a business with its platforms, prompts and competitors from YAML",
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := seed.Load(seedFile)
		if err != nil {
			return err
		}

		st, err := store.Open(cmd.Context(), cfg.Database)
		if err != nil {
			return err
		}
		defer st.Close()
		if !seedNoMigrate {
			if err := st.Migrate(cmd.Context()); err != nil {
				return err
			}
		}

		res, err := seed.Apply(cmd.Context(), st, f)
		if err != nil {
			return err
		}
		log.Info().
			Str("business_id", res.BusinessID.String()).
			Int("platforms", res.Platforms).
			Int("prompts", res.Prompts).
			Int("competitors", res.Competitors).
			Msg("business seeded")
		return printJSON(res)
	},
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	serveCmd.Flags().StringVar(&servePort, "port", "", "server port (default from PORT)")
	serveCmd.Flags().BoolVar(&serveMigrate, "migrate", false, "apply the schema before serving")

	runCmd.Flags().StringVar(&runBusiness, "business", "", "business id")
	runCmd.Flags().StringVar(&runPrompt, "prompt", "", "run a single prompt")
	runCmd.Flags().StringVar(&runPlatform, "platform", "", "restrict the prompt to one platform")
	_ = runCmd.MarkFlagRequired("business")

	reanalyzeCmd.Flags().StringVar(&reanBusiness, "business", "", "business id")
	reanalyzeCmd.Flags().StringVar(&reanFrom, "from", "", "first day, YYYY-MM-DD")
	reanalyzeCmd.Flags().StringVar(&reanTo, "to", "", "last day, YYYY-MM-DD (default --from)")
	_ = reanalyzeCmd.MarkFlagRequired("business")
	_ = reanalyzeCmd.MarkFlagRequired("from")

	seedCmd.Flags().StringVar(&seedFile, "file", "seed.yaml", "seed file")
	seedCmd.Flags().BoolVar(&seedNoMigrate, "no-migrate", false, "skip applying the schema")

	rootCmd.AddCommand(serveCmd, runCmd, reanalyzeCmd, migrateCmd, seedCmd)
}
