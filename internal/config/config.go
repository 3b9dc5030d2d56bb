// internal/config/config.go
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the service.
type Config struct {
	LogLevel    string `mapstructure:"LOG_LEVEL"`
	Environment string `mapstructure:"ENVIRONMENT"`
	HTTPAddr    string `mapstructure:"HTTP_ADDR"`
	DBURL       string `mapstructure:"DB_URL"`

	// GithubToken is the bootstrap token used for repository provisioning
	// before a workspace credential exists. Per-workspace tokens live
	// encrypted in the credentials table.
	GithubToken  string `mapstructure:"GITHUB_TOKEN"`
	GithubAPIURL string `mapstructure:"GITHUB_API_URL"`

	WebhookSecret    string `mapstructure:"WEBHOOK_SECRET"`
	WebhookPublicURL string `mapstructure:"WEBHOOK_PUBLIC_URL"`

	// VaultPrivateKey is the age identity used to encrypt stored tokens.
	VaultPrivateKey string `mapstructure:"VAULT_PRIVATE_KEY"`

	SandboxAPIURL string `mapstructure:"SANDBOX_API_URL"`
	SandboxAPIKey string `mapstructure:"SANDBOX_API_KEY"`

	SyncTimeout     time.Duration `mapstructure:"SYNC_TIMEOUT"`
	LockWaitTimeout time.Duration `mapstructure:"LOCK_WAIT_TIMEOUT"`
	SyncConcurrency int           `mapstructure:"SYNC_CONCURRENCY"`
}

// LoadConfig reads configuration from file and/or environment variables.
func LoadConfig() (*Config, error) {
	// Set default values
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("ENVIRONMENT", "development")
	viper.SetDefault("HTTP_ADDR", ":8080")
	viper.SetDefault("GITHUB_API_URL", "")
	viper.SetDefault("SYNC_TIMEOUT", "3m")
	viper.SetDefault("LOCK_WAIT_TIMEOUT", "30s")
	viper.SetDefault("SYNC_CONCURRENCY", 5)

	// Load from .env file if it exists
	viper.SetConfigName(".env")
	viper.SetConfigType("env")
	viper.AddConfigPath(".")
	_ = viper.ReadInConfig() // Ignore error if file not found

	// Bind environment variables
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	// Validate required fields
	if cfg.DBURL == "" {
		return nil, errors.New("DB_URL is a required configuration field")
	}
	if cfg.GithubToken == "" {
		return nil, errors.New("GITHUB_TOKEN is a required configuration field")
	}
	if cfg.VaultPrivateKey == "" {
		return nil, errors.New("VAULT_PRIVATE_KEY is a required configuration field")
	}
	if cfg.WebhookSecret == "" && cfg.Environment == "production" {
		return nil, errors.New("WEBHOOK_SECRET must be set when ENVIRONMENT=production")
	}
	if cfg.SyncConcurrency <= 0 {
		return nil, errors.New("SYNC_CONCURRENCY must be a positive integer")
	}

	return &cfg, nil
}
