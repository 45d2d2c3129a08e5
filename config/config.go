package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const VERSION = "1.2"

type Config struct {
	Server      ServerConfig
	Database    DatabaseConfig
	Verifier    VerifierConfig
	Greylist    GreylistConfig
	Webhook     WebhookConfig
	Recovery    RecoveryConfig
	Environment string
	LogLevel    string
	Version     string
}

type ServerConfig struct {
	Port int
	Host string
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// VerifierConfig tunes the worker pool and the SMTP prober.
type VerifierConfig struct {
	WorkerCount      int
	ConnectTimeout   time.Duration
	OperationTimeout time.Duration
	HelloHostname    string
	FromAddress      string
	PingInterval     time.Duration
	AckTimeout       time.Duration
	CheckCatchAll    bool
	CheckGravatar    bool
}

// GreylistConfig tunes the anti-greylisting store.
type GreylistConfig struct {
	Backoff    time.Duration
	MaxRetries int
}

// WebhookConfig tunes completion callbacks.
type WebhookConfig struct {
	MaxAttempts int
	Timeout     time.Duration
	Secret      string
}

// RecoveryConfig tunes startup recovery.
type RecoveryConfig struct {
	ZombieTTL time.Duration
}

// LoadOptions contains options for loading configuration
type LoadOptions struct {
	EnvFile string // Optional environment file to load (e.g., ".env", ".env.test")
}

// Load loads the configuration with default options
func Load() (*Config, error) {
	return LoadWithOptions(LoadOptions{EnvFile: ".env"})
}

// LoadWithOptions loads the configuration with the specified options
func LoadWithOptions(opts LoadOptions) (*Config, error) {
	v := viper.New()

	// Set default values
	v.SetDefault("SERVER_PORT", 8080)
	v.SetDefault("SERVER_HOST", "0.0.0.0")
	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "mailprobe")
	v.SetDefault("DB_SSLMODE", "require")
	v.SetDefault("ENVIRONMENT", "production")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("VERSION", VERSION)

	// Verifier defaults
	v.SetDefault("WORKER_COUNT", 4)
	v.SetDefault("SMTP_CONNECT_TIMEOUT", "30s")
	v.SetDefault("SMTP_OPERATION_TIMEOUT", "60s")
	v.SetDefault("HELLO_HOSTNAME", "localhost")
	v.SetDefault("PROBE_FROM", "probe@localhost")
	v.SetDefault("PING_INTERVAL", "10s")
	v.SetDefault("ACK_TIMEOUT", "30s")
	v.SetDefault("CHECK_CATCH_ALL", true)
	v.SetDefault("CHECK_GRAVATAR", true)

	// Anti-greylisting defaults: 5 retries at >=60s spacing
	v.SetDefault("GREYLIST_BACKOFF", "2m")
	v.SetDefault("GREYLIST_MAX_RETRIES", 5)

	// Webhook defaults
	v.SetDefault("WEBHOOK_MAX_ATTEMPTS", 5)
	v.SetDefault("WEBHOOK_TIMEOUT", "30s")

	// Recovery defaults
	v.SetDefault("ZOMBIE_TTL", "168h")

	// Load environment file if specified
	if opts.EnvFile != "" {
		v.SetConfigName(opts.EnvFile)
		v.SetConfigType("env")

		currentPath, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("error getting current directory: %w", err)
		}

		v.AddConfigPath(currentPath)

		if err := v.ReadInConfig(); err != nil {
			// It's okay if config file doesn't exist
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	// Read environment variables
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	cfg := &Config{
		Server: ServerConfig{
			Port: v.GetInt("SERVER_PORT"),
			Host: v.GetString("SERVER_HOST"),
		},
		Database: DatabaseConfig{
			Host:     v.GetString("DB_HOST"),
			Port:     v.GetInt("DB_PORT"),
			User:     v.GetString("DB_USER"),
			Password: v.GetString("DB_PASSWORD"),
			DBName:   v.GetString("DB_NAME"),
			SSLMode:  v.GetString("DB_SSLMODE"),
		},
		Verifier: VerifierConfig{
			WorkerCount:      v.GetInt("WORKER_COUNT"),
			ConnectTimeout:   v.GetDuration("SMTP_CONNECT_TIMEOUT"),
			OperationTimeout: v.GetDuration("SMTP_OPERATION_TIMEOUT"),
			HelloHostname:    v.GetString("HELLO_HOSTNAME"),
			FromAddress:      v.GetString("PROBE_FROM"),
			PingInterval:     v.GetDuration("PING_INTERVAL"),
			AckTimeout:       v.GetDuration("ACK_TIMEOUT"),
			CheckCatchAll:    v.GetBool("CHECK_CATCH_ALL"),
			CheckGravatar:    v.GetBool("CHECK_GRAVATAR"),
		},
		Greylist: GreylistConfig{
			Backoff:    v.GetDuration("GREYLIST_BACKOFF"),
			MaxRetries: v.GetInt("GREYLIST_MAX_RETRIES"),
		},
		Webhook: WebhookConfig{
			MaxAttempts: v.GetInt("WEBHOOK_MAX_ATTEMPTS"),
			Timeout:     v.GetDuration("WEBHOOK_TIMEOUT"),
			Secret:      v.GetString("WEBHOOK_SECRET"),
		},
		Recovery: RecoveryConfig{
			ZombieTTL: v.GetDuration("ZOMBIE_TTL"),
		},
		Environment: v.GetString("ENVIRONMENT"),
		LogLevel:    v.GetString("LOG_LEVEL"),
		Version:     v.GetString("VERSION"),
	}

	if cfg.Verifier.WorkerCount < 1 {
		return nil, fmt.Errorf("WORKER_COUNT must be at least 1")
	}
	if cfg.Greylist.Backoff < time.Minute {
		return nil, fmt.Errorf("GREYLIST_BACKOFF must be at least 60s")
	}

	return cfg, nil
}

// IsDevelopment returns true when the environment is development
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}
