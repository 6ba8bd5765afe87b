package main

import (
	"context"
	"fmt"
	"os"
	"strings"
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
	"github.com/gitnudge/pkg/logger"
	"github.com/gitnudge/pkg/ratelimit"
)

var (
	cfgFile string
	cfg     *config.Config
	log     *logger.Logger
	repo    storage.Repository
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "gitnudge",
		Short: "Scheduled commit activity reports",
		Long: `gitnudge binds a repository's commit history to recurring delivery
obligations: render the latest activity into a message on a cron cadence
and deliver it over email or chat.`,
		PersistentPreRunE: initializeApp,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./configs/config.yaml)")

	// Add subcommands
	rootCmd.AddCommand(scheduleCmd())
	rootCmd.AddCommand(templateCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(runsCmd())
	rootCmd.AddCommand(sourceCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func initializeApp(cmd *cobra.Command, args []string) error {
	var err error

	// Load config
	cfg, err = config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Initialize logger
	log = logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})

	// Initialize storage
	repo, err = sqlite.New(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	// Run migrations
	if err := repo.Migrate(); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// newManagementEngine builds an engine for synchronous management calls
// (no poll loop, no transports needed)
func newManagementEngine() (*engine.Engine, error) {
	loc, err := time.LoadLocation(cfg.Scheduler.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone: %w", err)
	}
	return engine.New(repo, nil, nil, nil, nil, engine.Options{Location: loc}, log), nil
}

// newFullEngine builds a fully wired engine for run-now invocations
func newFullEngine(ctx context.Context) (*engine.Engine, error) {
	loc, err := time.LoadLocation(cfg.Scheduler.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone: %w", err)
	}

	limiter := ratelimit.NewDefaultLimiter()

	var commitSource source.CommitSource
	switch cfg.Source.Provider {
	case "github":
		githubCfg := cfg.Source.GitHub
		if githubCfg.Token == "" {
			if token, err := repo.GetToken(ctx, "github"); err == nil {
				githubCfg.Token = token.AccessToken
			}
		}
		commitSource = github.New(githubCfg, limiter, log)
	default:
		commitSource = atom.New(cfg.Source.Atom, limiter, log)
	}

	transports := make(map[models.Channel]dispatch.Transport)
	if cfg.Dispatch.Email.Host != "" {
		transports[models.ChannelEmail] = email.New(cfg.Dispatch.Email, limiter, log)
	}
	switch cfg.Dispatch.ChatProvider {
	case "whatsapp":
		if cfg.Dispatch.WhatsApp.AccessToken != "" {
			transports[models.ChannelChat] = whatsapp.New(cfg.Dispatch.WhatsApp, limiter, log)
		}
	default:
		if cfg.Dispatch.Telegram.Token != "" {
			tg, err := telegram.New(cfg.Dispatch.Telegram, limiter, log)
			if err != nil {
				return nil, fmt.Errorf("failed to initialize telegram transport: %w", err)
			}
			transports[models.ChannelChat] = tg
		}
	}
	if len(transports) == 0 {
		return nil, fmt.Errorf("no delivery transport configured")
	}

	var summarizer engine.Summarizer
	if cfg.Anthropic.Enabled {
		summarizer = ai.NewClient(cfg.Anthropic, limiter, log)
	}

	return engine.New(repo, commitSource, dispatch.New(transports, log), summarizer, nil, engine.Options{
		RunTimeout:      cfg.Scheduler.RunTimeout,
		FetchTimeout:    cfg.Scheduler.FetchTimeout,
		Location:        loc,
		DefaultLookback: cfg.Scheduler.DefaultLookback,
	}, log), nil
}

// ============ SCHEDULE COMMANDS ============

func scheduleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Manage report schedules",
	}

	cmd.AddCommand(scheduleCreateCmd())
	cmd.AddCommand(scheduleListCmd())
	cmd.AddCommand(scheduleUpdateCmd())
	cmd.AddCommand(scheduleDeleteCmd())
	cmd.AddCommand(scheduleToggleCmd())
	return cmd
}

func scheduleCreateCmd() *cobra.Command {
	var (
		owner      string
		sourceRepo string
		cron       string
		channel    string
		recipient  string
		templateID string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new schedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := newManagementEngine()
			if err != nil {
				return err
			}

			input := engine.CreateScheduleInput{
				OwnerID:        owner,
				SourceRepo:     sourceRepo,
				CronExpression: cron,
				Channel:        models.Channel(channel),
				Recipient:      recipient,
			}
			if templateID != "" {
				input.TemplateID = &templateID
			}

			schedule, err := eng.CreateSchedule(context.Background(), input)
			if err != nil {
				return err
			}

			fmt.Printf("Schedule created: %s\n", schedule.ID)
			fmt.Printf("  Repo:      %s\n", schedule.SourceRepo)
			fmt.Printf("  Cron:      %s\n", schedule.CronExpression)
			fmt.Printf("  Channel:   %s -> %s\n", schedule.Channel, schedule.Recipient)
			fmt.Printf("  Next run:  %s\n", schedule.NextRunAt.Format(time.RFC3339))
			return nil
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "local", "Owner ID")
	cmd.Flags().StringVar(&sourceRepo, "repo", "", "Source repository (org/repo)")
	cmd.Flags().StringVar(&cron, "cron", "", "5-field cron expression")
	cmd.Flags().StringVar(&channel, "channel", "email", "Delivery channel (email or chat-message)")
	cmd.Flags().StringVar(&recipient, "recipient", "", "Delivery recipient")
	cmd.Flags().StringVar(&templateID, "template", "", "Template ID (default template when empty)")
	cmd.MarkFlagRequired("repo")
	cmd.MarkFlagRequired("cron")
	cmd.MarkFlagRequired("recipient")
	return cmd
}

func scheduleListCmd() *cobra.Command {
	var owner string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List schedules",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := storage.DefaultScheduleFilter()
			if owner != "" {
				filter.OwnerID = &owner
			}

			schedules, err := repo.ListSchedules(context.Background(), filter)
			if err != nil {
				return err
			}

			if len(schedules) == 0 {
				fmt.Println("No schedules found.")
				return nil
			}

			for _, s := range schedules {
				state := "inactive"
				nextRun := "-"
				if s.IsActive {
					state = "active"
					if s.NextRunAt != nil {
						nextRun = s.NextRunAt.Format(time.RFC3339)
					}
				}
				lastRun := "-"
				if s.LastRunAt != nil {
					lastRun = fmt.Sprintf("%s (%s)", s.LastRunAt.Format(time.RFC3339), s.LastRunStatus)
				}
				fmt.Printf("%s  %-20s %-14s %s\n", s.ID, s.SourceRepo, s.CronExpression, state)
				fmt.Printf("     channel: %s -> %s | next: %s | last: %s\n", s.Channel, s.Recipient, nextRun, lastRun)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "Filter by owner ID")
	return cmd
}

func scheduleUpdateCmd() *cobra.Command {
	var (
		sourceRepo string
		cron       string
		channel    string
		recipient  string
		templateID string
		noTemplate bool
	)

	cmd := &cobra.Command{
		Use:   "update [schedule-id]",
		Short: "Update a schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := newManagementEngine()
			if err != nil {
				return err
			}

			input := engine.UpdateScheduleInput{ClearTemplate: noTemplate}
			if sourceRepo != "" {
				input.SourceRepo = &sourceRepo
			}
			if cron != "" {
				input.CronExpression = &cron
			}
			if channel != "" {
				ch := models.Channel(channel)
				input.Channel = &ch
			}
			if recipient != "" {
				input.Recipient = &recipient
			}
			if templateID != "" {
				input.TemplateID = &templateID
			}

			schedule, err := eng.UpdateSchedule(context.Background(), args[0], input)
			if err != nil {
				return err
			}

			fmt.Printf("Schedule updated: %s\n", schedule.ID)
			if schedule.NextRunAt != nil {
				fmt.Printf("  Next run: %s\n", schedule.NextRunAt.Format(time.RFC3339))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&sourceRepo, "repo", "", "Source repository (org/repo)")
	cmd.Flags().StringVar(&cron, "cron", "", "5-field cron expression")
	cmd.Flags().StringVar(&channel, "channel", "", "Delivery channel")
	cmd.Flags().StringVar(&recipient, "recipient", "", "Delivery recipient")
	cmd.Flags().StringVar(&templateID, "template", "", "Template ID")
	cmd.Flags().BoolVar(&noTemplate, "no-template", false, "Use the default template")
	return cmd
}

func scheduleDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete [schedule-id]",
		Short: "Delete a schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := newManagementEngine()
			if err != nil {
				return err
			}
			if err := eng.DeleteSchedule(context.Background(), args[0]); err != nil {
				return err
			}
			fmt.Printf("Schedule deleted: %s\n", args[0])
			return nil
		},
	}
}

func scheduleToggleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "toggle [schedule-id]",
		Short: "Activate or deactivate a schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := newManagementEngine()
			if err != nil {
				return err
			}
			schedule, err := eng.ToggleActive(context.Background(), args[0])
			if err != nil {
				return err
			}
			if schedule.IsActive {
				fmt.Printf("Schedule %s activated; next run %s\n", schedule.ID, schedule.NextRunAt.Format(time.RFC3339))
			} else {
				fmt.Printf("Schedule %s deactivated\n", schedule.ID)
			}
			return nil
		},
	}
}

// ============ RUN COMMANDS ============

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Trigger report runs",
	}
	cmd.AddCommand(runNowCmd())
	return cmd
}

func runNowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "now [schedule-id]",
		Short: "Execute a schedule immediately (does not change its cadence)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			eng, err := newFullEngine(ctx)
			if err != nil {
				return err
			}

			entry, err := eng.RunNow(ctx, args[0])
			if err != nil {
				return err
			}

			fmt.Printf("Run %s: %s\n", entry.ID, entry.Outcome)
			if entry.ErrorDetail != "" {
				fmt.Printf("  Error: %s\n", entry.ErrorDetail)
			}
			for _, w := range entry.Warnings {
				fmt.Printf("  Warning: %s\n", w)
			}
			fmt.Printf("\n--- rendered message ---\n%s\n", entry.RenderedContent)
			return nil
		},
	}
}

func runsCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "runs [schedule-id]",
		Short: "Show run history for a schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := newManagementEngine()
			if err != nil {
				return err
			}

			entries, err := eng.ListRunHistory(context.Background(), args[0], limit)
			if err != nil {
				return err
			}

			if len(entries) == 0 {
				fmt.Println("No runs recorded.")
				return nil
			}

			for _, e := range entries {
				trigger := "scheduled"
				if e.Manual {
					trigger = "manual"
				}
				fmt.Printf("%s  %s  %-7s  %s -> %s\n",
					e.TriggeredAt.Format(time.RFC3339), e.ID, e.Outcome, trigger, e.DeliveredTo)
				if e.ErrorDetail != "" {
					fmt.Printf("     error: %s\n", e.ErrorDetail)
				}
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum entries to show")
	return cmd
}

// ============ TEMPLATE COMMANDS ============

func templateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "template",
		Short: "Manage message templates",
	}

	cmd.AddCommand(templateCreateCmd())
	cmd.AddCommand(templateListCmd())
	cmd.AddCommand(templateUpdateCmd())
	cmd.AddCommand(templateDeleteCmd())
	cmd.AddCommand(templateShowCmd())
	return cmd
}

func templateCreateCmd() *cobra.Command {
	var (
		owner       string
		name        string
		description string
		content     string
		contentFile string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a custom template",
		RunE: func(cmd *cobra.Command, args []string) error {
			if contentFile != "" {
				data, err := os.ReadFile(contentFile)
				if err != nil {
					return fmt.Errorf("failed to read content file: %w", err)
				}
				content = string(data)
			}

			eng, err := newManagementEngine()
			if err != nil {
				return err
			}

			template, err := eng.CreateTemplate(context.Background(), owner, name, description, content)
			if err != nil {
				return err
			}

			fmt.Printf("Template created: %s (%s)\n", template.ID, template.Name)
			return nil
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "local", "Owner ID")
	cmd.Flags().StringVar(&name, "name", "", "Template name")
	cmd.Flags().StringVar(&description, "description", "", "Template description")
	cmd.Flags().StringVar(&content, "content", "", "Template content with {{placeholders}}")
	cmd.Flags().StringVar(&contentFile, "file", "", "Read content from a file")
	cmd.MarkFlagRequired("name")
	return cmd
}

func templateListCmd() *cobra.Command {
	var owner string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := storage.DefaultTemplateFilter()
			if owner != "" {
				filter.OwnerID = &owner
			}

			templates, err := repo.ListTemplates(context.Background(), filter)
			if err != nil {
				return err
			}

			for _, t := range templates {
				kind := "custom"
				if t.IsDefault {
					kind = "default"
				}
				fmt.Printf("%s  %-20s %-8s %s\n", t.ID, t.Name, kind, t.Description)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "Filter by owner ID")
	return cmd
}

func templateShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show [template-id]",
		Short: "Print a template's content",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			template, err := repo.GetTemplateByID(context.Background(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("%s (%s)\n\n%s\n", template.Name, template.ID, template.Content)
			return nil
		},
	}
}

func templateUpdateCmd() *cobra.Command {
	var (
		name        string
		description string
		content     string
		contentFile string
	)

	cmd := &cobra.Command{
		Use:   "update [template-id]",
		Short: "Update a custom template",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if contentFile != "" {
				data, err := os.ReadFile(contentFile)
				if err != nil {
					return fmt.Errorf("failed to read content file: %w", err)
				}
				content = string(data)
			}

			eng, err := newManagementEngine()
			if err != nil {
				return err
			}

			var namePtr, descPtr, contentPtr *string
			if name != "" {
				namePtr = &name
			}
			if description != "" {
				descPtr = &description
			}
			if content != "" {
				contentPtr = &content
			}

			template, err := eng.UpdateTemplate(context.Background(), args[0], namePtr, descPtr, contentPtr)
			if err != nil {
				return err
			}
			fmt.Printf("Template updated: %s\n", template.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Template name")
	cmd.Flags().StringVar(&description, "description", "", "Template description")
	cmd.Flags().StringVar(&content, "content", "", "Template content")
	cmd.Flags().StringVar(&contentFile, "file", "", "Read content from a file")
	return cmd
}

func templateDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete [template-id]",
		Short: "Delete a custom template (schedules fall back to the default)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := newManagementEngine()
			if err != nil {
				return err
			}
			if err := eng.DeleteTemplate(context.Background(), args[0]); err != nil {
				return err
			}
			fmt.Printf("Template deleted: %s\n", args[0])
			return nil
		},
	}
}

// ============ SOURCE COMMANDS ============

func sourceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "source",
		Short: "Manage commit source credentials",
	}

	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Manage source API tokens",
	}
	tokenCmd.AddCommand(sourceTokenSetCmd())
	tokenCmd.AddCommand(sourceTokenStatusCmd())

	cmd.AddCommand(tokenCmd)
	return cmd
}

func sourceTokenSetCmd() *cobra.Command {
	var (
		provider string
		token    string
	)

	cmd := &cobra.Command{
		Use:   "set",
		Short: "Save a source API token",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(token) == "" {
				return fmt.Errorf("token must not be empty")
			}

			err := repo.SaveToken(context.Background(), &models.SourceToken{
				Provider:    provider,
				AccessToken: token,
			})
			if err != nil {
				return err
			}
			fmt.Printf("Token saved for provider %s\n", provider)
			return nil
		},
	}

	cmd.Flags().StringVar(&provider, "provider", "github", "Source provider")
	cmd.Flags().StringVar(&token, "token", "", "API token")
	cmd.MarkFlagRequired("token")
	return cmd
}

func sourceTokenStatusCmd() *cobra.Command {
	var provider string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show stored token status",
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := repo.GetToken(context.Background(), provider)
			if err != nil {
				fmt.Printf("No token stored for provider %s\n", provider)
				return nil
			}

			state := "valid"
			if token.IsExpired() {
				state = "expired"
			}
			fmt.Printf("Provider:  %s\n", token.Provider)
			fmt.Printf("State:     %s\n", state)
			fmt.Printf("Saved at:  %s\n", token.UpdatedAt.Format(time.RFC3339))
			return nil
		},
	}

	cmd.Flags().StringVar(&provider, "provider", "github", "Source provider")
	return cmd
}
