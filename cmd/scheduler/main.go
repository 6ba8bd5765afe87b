package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/gitnudge/internal/ai"
	"github.com/gitnudge/internal/config"
	"github.com/gitnudge/internal/dispatch"
	"github.com/gitnudge/internal/dispatch/email"
	"github.com/gitnudge/internal/dispatch/telegram"
	"github.com/gitnudge/internal/dispatch/whatsapp"
	"github.com/gitnudge/internal/engine"
	"github.com/gitnudge/internal/models"
	"github.com/gitnudge/internal/source"
	"github.com/gitnudge/internal/source/atom"
	"github.com/gitnudge/internal/source/github"
	"github.com/gitnudge/internal/storage"
	"github.com/gitnudge/internal/storage/sqlite"
	"github.com/gitnudge/internal/tracker"
	"github.com/gitnudge/pkg/logger"
	"github.com/gitnudge/pkg/ratelimit"
)

var (
	cfgFile string
	cfg     *config.Config
	log     *logger.Logger
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "gitnudge-scheduler",
		Short: "Background scheduler for gitnudge commit reports",
		Long: `Runs the scheduled report engine: polls due schedules, renders
commit activity reports and delivers them. Run as a service for
autonomous operation.`,
		RunE: runScheduler,
	}

	rootCmd.Flags().StringVar(&cfgFile, "config", "", "config file path")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runScheduler(cmd *cobra.Command, args []string) error {
	var err error

	// Load config
	cfg, err = config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	log = logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})

	log.Info().Msg("Starting gitnudge scheduler")

	// Initialize storage
	repo, err := sqlite.New(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer repo.Close()

	if err := repo.Migrate(); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	// Start health check server
	go startHealthServer()

	// Initialize rate limiter
	limiter := ratelimit.NewDefaultLimiter()

	// Commit source
	commitSource, err := buildCommitSource(cfg, repo, limiter)
	if err != nil {
		return err
	}
	log.Info().Str("provider", commitSource.Name()).Msg("Commit source configured")

	// Delivery transports
	dispatcher, err := buildDispatcher(cfg, limiter)
	if err != nil {
		return err
	}

	// Optional AI commit summarizer
	var summarizer engine.Summarizer
	if cfg.Anthropic.Enabled {
		summarizer = ai.NewClient(cfg.Anthropic, limiter, log)
		log.Info().Str("model", cfg.Anthropic.Model).Msg("AI summarizer enabled")
	}

	// Optional Google Sheets run-ledger export
	var exporter engine.LedgerExporter
	if cfg.Tracker.Enabled {
		sheetsTracker, err := tracker.NewSheetsTracker(cfg.Tracker, log)
		if err != nil {
			return fmt.Errorf("failed to create sheets tracker: %w", err)
		}
		if err := sheetsTracker.InitializeSheet(context.Background()); err != nil {
			return fmt.Errorf("failed to initialize sheet: %w", err)
		}
		exporter = sheetsTracker
		log.Info().Msg("Run ledger export to Google Sheets enabled")
	}

	loc, err := time.LoadLocation(cfg.Scheduler.Timezone)
	if err != nil {
		return fmt.Errorf("invalid timezone: %w", err)
	}

	eng := engine.New(repo, commitSource, dispatcher, summarizer, exporter, engine.Options{
		PollInterval:    cfg.Scheduler.PollInterval,
		RunTimeout:      cfg.Scheduler.RunTimeout,
		FetchTimeout:    cfg.Scheduler.FetchTimeout,
		Location:        loc,
		RescheduleTries: cfg.Scheduler.RescheduleTries,
		DefaultLookback: cfg.Scheduler.DefaultLookback,
	}, log)

	eng.Start(context.Background())

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("Shutting down scheduler")
	eng.Stop()

	return nil
}

// buildCommitSource selects the commit provider. A stored or configured
// GitHub token upgrades the provider to the REST API; otherwise the public
// Atom feed is used.
func buildCommitSource(cfg *config.Config, repo storage.Repository, limiter *ratelimit.MultiLimiter) (source.CommitSource, error) {
	switch cfg.Source.Provider {
	case "github":
		githubCfg := cfg.Source.GitHub
		if githubCfg.Token == "" {
			// Fall back to a token saved through the CLI
			if token, err := repo.GetToken(context.Background(), "github"); err == nil {
				githubCfg.Token = token.AccessToken
			}
		}
		return github.New(githubCfg, limiter, log), nil
	case "atom":
		return atom.New(cfg.Source.Atom, limiter, log), nil
	default:
		return nil, fmt.Errorf("unknown source provider %q", cfg.Source.Provider)
	}
}

// buildDispatcher wires the channel registry: email plus the configured
// chat back-end
func buildDispatcher(cfg *config.Config, limiter *ratelimit.MultiLimiter) (*dispatch.Dispatcher, error) {
	transports := make(map[models.Channel]dispatch.Transport)

	if cfg.Dispatch.Email.Host != "" {
		transports[models.ChannelEmail] = email.New(cfg.Dispatch.Email, limiter, log)
	}

	switch cfg.Dispatch.ChatProvider {
	case "telegram":
		if cfg.Dispatch.Telegram.Token != "" {
			tg, err := telegram.New(cfg.Dispatch.Telegram, limiter, log)
			if err != nil {
				return nil, fmt.Errorf("failed to initialize telegram transport: %w", err)
			}
			transports[models.ChannelChat] = tg
		}
	case "whatsapp":
		if cfg.Dispatch.WhatsApp.AccessToken != "" {
			transports[models.ChannelChat] = whatsapp.New(cfg.Dispatch.WhatsApp, limiter, log)
		}
	}

	if len(transports) == 0 {
		return nil, fmt.Errorf("no delivery transport configured")
	}

	return dispatch.New(transports, log), nil
}

// startHealthServer starts a simple HTTP server for health checks
func startHealthServer() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "10000"
	}

	http.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	http.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("gitnudge scheduler"))
	})

	log.Info().Str("port", port).Msg("Health check server starting")
	if err := http.ListenAndServe(":"+port, nil); err != nil {
		log.Error().Err(err).Msg("Health server failed")
	}
}
