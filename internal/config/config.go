package config

import (
	"errors"
	"fmt"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// ErrConfig marks a missing or invalid setting. It is always fatal.
var ErrConfig = errors.New("configuration error")

// Config holds all configuration for the sync job
type Config struct {
	OpenAI  OpenAIConfig  `mapstructure:"openai"`
	Sheets  SheetsConfig  `mapstructure:"sheets"`
	Gmail   GmailConfig   `mapstructure:"gmail"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Log     LogConfig     `mapstructure:"log"`
}

// OpenAIConfig holds extraction service configuration
type OpenAIConfig struct {
	APIKey  string `mapstructure:"api_key"`
	Model   string `mapstructure:"model"`
	BaseURL string `mapstructure:"base_url"`
}

// SheetsConfig holds spreadsheet configuration
type SheetsConfig struct {
	SpreadsheetID string `mapstructure:"spreadsheet_id"`
	Range         string `mapstructure:"range"`
}

// GmailConfig holds mailbox configuration
type GmailConfig struct {
	UserID           string `mapstructure:"user_id"`
	Query            string `mapstructure:"query"`
	IncludeSpamTrash bool   `mapstructure:"include_spam_trash"`
	UseIMAP          bool   `mapstructure:"use_imap"`
	IMAPHost         string `mapstructure:"imap_host"`
	IMAPPort         int    `mapstructure:"imap_port"`
	IMAPUser         string `mapstructure:"imap_user"`
	IMAPPassword     string `mapstructure:"imap_password"`
	IMAPMailbox      string `mapstructure:"imap_mailbox"`
	IMAPSpamMailbox  string `mapstructure:"imap_spam_mailbox"`
	IMAPTrashMailbox string `mapstructure:"imap_trash_mailbox"`
	IMAPSubject      string `mapstructure:"imap_subject"`
	IMAPFrom         string `mapstructure:"imap_from"`
}

// AuthConfig holds Google OAuth2 configuration
type AuthConfig struct {
	CredentialsFile string `mapstructure:"credentials_file"`
	TokenFile       string `mapstructure:"token_file"`
	ClientID        string `mapstructure:"client_id"`
	ClientSecret    string `mapstructure:"client_secret"`
	RefreshToken    string `mapstructure:"refresh_token"`
}

// MetricsConfig holds Prometheus push gateway configuration
type MetricsConfig struct {
	PushgatewayURL string `mapstructure:"pushgateway_url"`
	Job            string `mapstructure:"job"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// LoadConfig loads configuration from a .env file, a config file and the environment
func LoadConfig() (*Config, error) {
	// A missing .env is fine, the environment may already be populated
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	// Environment variables override config file
	v.AutomaticEnv()
	bindEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("openai.model", "gpt-3.5-turbo")

	v.SetDefault("sheets.range", "Sheet1!A:E")

	v.SetDefault("gmail.user_id", "me")
	v.SetDefault("gmail.query", `subject:"payout incoming" from:psa`)
	v.SetDefault("gmail.include_spam_trash", true)
	v.SetDefault("gmail.use_imap", false)
	v.SetDefault("gmail.imap_host", "imap.gmail.com")
	v.SetDefault("gmail.imap_port", 993)
	v.SetDefault("gmail.imap_mailbox", "[Gmail]/All Mail")
	v.SetDefault("gmail.imap_spam_mailbox", "[Gmail]/Spam")
	v.SetDefault("gmail.imap_trash_mailbox", "[Gmail]/Trash")
	v.SetDefault("gmail.imap_subject", "payout incoming")
	v.SetDefault("gmail.imap_from", "psa")

	v.SetDefault("auth.credentials_file", "credentials.json")
	v.SetDefault("auth.token_file", "token.json")

	v.SetDefault("metrics.job", "payout_sheet_sync")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// bindEnvVars binds environment variables to configuration keys
func bindEnvVars(v *viper.Viper) {
	// OpenAI
	v.BindEnv("openai.api_key", "OPENAI_API_KEY")
	v.BindEnv("openai.model", "OPENAI_MODEL")
	v.BindEnv("openai.base_url", "OPENAI_BASE_URL")

	// Sheets
	v.BindEnv("sheets.spreadsheet_id", "SHEET_ID")
	v.BindEnv("sheets.range", "SHEET_RANGE")

	// Gmail
	v.BindEnv("gmail.user_id", "GMAIL_USER_ID")
	v.BindEnv("gmail.query", "GMAIL_QUERY")
	v.BindEnv("gmail.include_spam_trash", "GMAIL_INCLUDE_SPAM_TRASH")
	v.BindEnv("gmail.use_imap", "GMAIL_USE_IMAP")
	v.BindEnv("gmail.imap_host", "GMAIL_IMAP_HOST")
	v.BindEnv("gmail.imap_port", "GMAIL_IMAP_PORT")
	v.BindEnv("gmail.imap_user", "GMAIL_IMAP_USER")
	v.BindEnv("gmail.imap_password", "GMAIL_IMAP_PASSWORD")
	v.BindEnv("gmail.imap_mailbox", "GMAIL_IMAP_MAILBOX")
	v.BindEnv("gmail.imap_spam_mailbox", "GMAIL_IMAP_SPAM_MAILBOX")
	v.BindEnv("gmail.imap_trash_mailbox", "GMAIL_IMAP_TRASH_MAILBOX")
	v.BindEnv("gmail.imap_subject", "GMAIL_IMAP_SUBJECT")
	v.BindEnv("gmail.imap_from", "GMAIL_IMAP_FROM")

	// Auth
	v.BindEnv("auth.credentials_file", "GOOGLE_CREDENTIALS_FILE")
	v.BindEnv("auth.token_file", "GOOGLE_TOKEN_FILE")
	v.BindEnv("auth.client_id", "GMAIL_CLIENT_ID")
	v.BindEnv("auth.client_secret", "GMAIL_CLIENT_SECRET")
	v.BindEnv("auth.refresh_token", "GMAIL_REFRESH_TOKEN")

	// Metrics
	v.BindEnv("metrics.pushgateway_url", "METRICS_PUSHGATEWAY_URL")
	v.BindEnv("metrics.job", "METRICS_JOB")

	// Logging
	v.BindEnv("log.level", "LOG_LEVEL")
	v.BindEnv("log.format", "LOG_FORMAT")
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.OpenAI.APIKey == "" {
		return fmt.Errorf("%w: OPENAI_API_KEY is required", ErrConfig)
	}

	if c.Sheets.SpreadsheetID == "" {
		return fmt.Errorf("%w: SHEET_ID is required", ErrConfig)
	}

	if c.Sheets.Range == "" {
		return fmt.Errorf("%w: sheet range must not be empty", ErrConfig)
	}

	if c.Gmail.UseIMAP {
		if c.Gmail.IMAPUser == "" || c.Gmail.IMAPPassword == "" {
			return fmt.Errorf("%w: IMAP credentials are required when using IMAP", ErrConfig)
		}
	} else if c.Gmail.Query == "" {
		return fmt.Errorf("%w: Gmail query must not be empty", ErrConfig)
	}

	return nil
}
