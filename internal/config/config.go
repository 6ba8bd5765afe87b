package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/gitnudge/internal/ai"
	"github.com/gitnudge/internal/dispatch/email"
	"github.com/gitnudge/internal/dispatch/telegram"
	"github.com/gitnudge/internal/dispatch/whatsapp"
	"github.com/gitnudge/internal/source/atom"
	"github.com/gitnudge/internal/source/github"
	"github.com/gitnudge/internal/tracker"
)

// Config represents the application configuration
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Source    SourceConfig    `mapstructure:"source"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	Anthropic ai.Config       `mapstructure:"anthropic"`
	Tracker   tracker.Config  `mapstructure:"tracker"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Driver string `mapstructure:"driver"` // sqlite or postgres
	DSN    string `mapstructure:"dsn"`    // Connection string
}

// SchedulerConfig holds scheduler engine settings
type SchedulerConfig struct {
	PollInterval    time.Duration `mapstructure:"poll_interval"`    // how often due schedules are polled
	RunTimeout      time.Duration `mapstructure:"run_timeout"`      // total per-run execution budget
	FetchTimeout    time.Duration `mapstructure:"fetch_timeout"`    // commit source call budget
	Timezone        string        `mapstructure:"timezone"`         // zone cron expressions evaluate in
	RescheduleTries int           `mapstructure:"reschedule_tries"` // attempts for the next-run persist
	DefaultLookback time.Duration `mapstructure:"default_lookback"` // commit window for first-ever runs
}

// SourceConfig holds commit source settings
type SourceConfig struct {
	Provider string        `mapstructure:"provider"` // github or atom
	GitHub   github.Config `mapstructure:"github"`
	Atom     atom.Config   `mapstructure:"atom"`
}

// DispatchConfig holds delivery transport settings
type DispatchConfig struct {
	ChatProvider string          `mapstructure:"chat_provider"` // telegram or whatsapp
	Email        email.Config    `mapstructure:"email"`
	Telegram     telegram.Config `mapstructure:"telegram"`
	WhatsApp     whatsapp.Config `mapstructure:"whatsapp"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json or console
	Output string `mapstructure:"output"` // stdout or file path
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	// Load .env file if present (ignore errors if not found)
	_ = godotenv.Load()
	_ = godotenv.Load(".env.local")

	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Look for config in current directory and configs folder
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")

		// Also check user's home directory
		home, err := os.UserHomeDir()
		if err == nil {
			v.AddConfigPath(filepath.Join(home, ".gitnudge"))
		}
	}

	// Environment variables
	v.SetEnvPrefix("GITNUDGE")
	v.AutomaticEnv()

	// Explicit bindings for nested keys (Viper doesn't auto-bind underscored nested keys)
	v.BindEnv("database.driver", "GITNUDGE_DATABASE_DRIVER")
	v.BindEnv("database.dsn", "GITNUDGE_DATABASE_DSN")
	v.BindEnv("scheduler.timezone", "GITNUDGE_SCHEDULER_TIMEZONE")
	v.BindEnv("source.provider", "GITNUDGE_SOURCE_PROVIDER")
	v.BindEnv("source.github.token", "GITNUDGE_SOURCE_GITHUB_TOKEN")
	v.BindEnv("dispatch.chat_provider", "GITNUDGE_DISPATCH_CHAT_PROVIDER")
	v.BindEnv("dispatch.email.host", "GITNUDGE_DISPATCH_EMAIL_HOST")
	v.BindEnv("dispatch.email.username", "GITNUDGE_DISPATCH_EMAIL_USERNAME")
	v.BindEnv("dispatch.email.password", "GITNUDGE_DISPATCH_EMAIL_PASSWORD")
	v.BindEnv("dispatch.telegram.token", "GITNUDGE_DISPATCH_TELEGRAM_TOKEN")
	v.BindEnv("dispatch.whatsapp.access_token", "GITNUDGE_DISPATCH_WHATSAPP_ACCESS_TOKEN")
	v.BindEnv("dispatch.whatsapp.phone_number_id", "GITNUDGE_DISPATCH_WHATSAPP_PHONE_NUMBER_ID")
	v.BindEnv("anthropic.enabled", "GITNUDGE_ANTHROPIC_ENABLED")
	v.BindEnv("anthropic.api_key", "GITNUDGE_ANTHROPIC_API_KEY")
	v.BindEnv("tracker.enabled", "GITNUDGE_TRACKER_ENABLED")
	v.BindEnv("tracker.spreadsheet_id", "GITNUDGE_TRACKER_SPREADSHEET_ID")
	v.BindEnv("tracker.credentials_file", "GITNUDGE_TRACKER_CREDENTIALS_FILE")
	v.BindEnv("tracker.service_account_json", "GITNUDGE_TRACKER_SERVICE_ACCOUNT_JSON")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "./data/gitnudge.db")

	// Scheduler defaults
	v.SetDefault("scheduler.poll_interval", "30s")
	v.SetDefault("scheduler.run_timeout", "60s")
	v.SetDefault("scheduler.fetch_timeout", "30s")
	v.SetDefault("scheduler.timezone", "UTC")
	v.SetDefault("scheduler.reschedule_tries", 5)
	v.SetDefault("scheduler.default_lookback", "168h") // one week

	// Source defaults
	v.SetDefault("source.provider", "atom") // github when a token is configured
	v.SetDefault("source.github.fetch_stats", false)

	// Dispatch defaults
	v.SetDefault("dispatch.chat_provider", "telegram")
	v.SetDefault("dispatch.email.port", "465")

	// Anthropic defaults
	v.SetDefault("anthropic.enabled", false)
	v.SetDefault("anthropic.model", "claude-sonnet-4-20250514")
	v.SetDefault("anthropic.max_tokens", 1024)

	// Tracker defaults
	v.SetDefault("tracker.enabled", false)
	v.SetDefault("tracker.sheet_name", "Runs")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.output", "stdout")
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Scheduler.PollInterval <= 0 {
		return fmt.Errorf("scheduler.poll_interval must be positive")
	}
	if c.Scheduler.RunTimeout <= 0 {
		return fmt.Errorf("scheduler.run_timeout must be positive")
	}
	if _, err := time.LoadLocation(c.Scheduler.Timezone); err != nil {
		return fmt.Errorf("scheduler.timezone is invalid: %w", err)
	}
	if c.Source.Provider != "github" && c.Source.Provider != "atom" {
		return fmt.Errorf("source.provider must be github or atom")
	}
	if c.Dispatch.ChatProvider != "telegram" && c.Dispatch.ChatProvider != "whatsapp" {
		return fmt.Errorf("dispatch.chat_provider must be telegram or whatsapp")
	}
	if c.Anthropic.Enabled && c.Anthropic.APIKey == "" {
		return fmt.Errorf("anthropic.api_key is required when anthropic.enabled is set")
	}
	return nil
}
