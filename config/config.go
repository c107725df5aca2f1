package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log" // Use global logger
)

// Config holds all configuration fields for the application.
type Config struct {
	Port      string
	LogLevel  string
	LogFormat string // "console" or "json"

	DatabaseDriver string // postgres, sqlite or memory
	DatabaseURL    string

	EvolutionBaseURL  string
	EvolutionAPIKey   string
	EvolutionInstance string
	ProviderTimeout   time.Duration

	WebhookPath  string // Base path for incoming provider webhooks, account id is appended
	WebhookToken string // Optional shared token the provider must present
	APIToken     string // Optional bearer token for the UI API

	SyncSchedule string   // cron spec, empty disables the scheduled sync
	SyncAccounts []string // accounts reconciled by the scheduler

	PlaceholderLocale  string // "en" or "pt"
	DefaultCountryCode string // prefixed to 11 digit national numbers on send

	RabbitMQURL         string
	RabbitMQQueue       string
	RabbitMQQueuePrefix string
	AMQPSpecificEvents  []string
	ForwardWebhookURL   string

	S3Enabled   bool
	S3Bucket    string
	S3Region    string
	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
	S3PathStyle bool
	S3PublicURL string
}

// LoadConfig loads configuration from environment variables.
// It attempts to load a .env file if present.
func LoadConfig() (*Config, error) {
	// Environment variables take precedence over .env values.
	err := godotenv.Load()
	if err != nil {
		log.Info().Err(err).Msg("No .env file found or error loading it, relying on environment variables")
	} else {
		log.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{
		Port:                os.Getenv("PORT"),
		LogLevel:            os.Getenv("LOG_LEVEL"),
		LogFormat:           os.Getenv("LOG_FORMAT"),
		DatabaseDriver:      os.Getenv("DATABASE_DRIVER"),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		EvolutionBaseURL:    strings.TrimRight(os.Getenv("EVOLUTION_BASE_URL"), "/"),
		EvolutionAPIKey:     os.Getenv("EVOLUTION_API_KEY"),
		EvolutionInstance:   os.Getenv("EVOLUTION_INSTANCE"),
		WebhookPath:         os.Getenv("WEBHOOK_PATH"),
		WebhookToken:        os.Getenv("WEBHOOK_TOKEN"),
		APIToken:            os.Getenv("API_TOKEN"),
		PlaceholderLocale:   os.Getenv("PLACEHOLDER_LOCALE"),
		DefaultCountryCode:  os.Getenv("DEFAULT_COUNTRY_CODE"),
		RabbitMQURL:         os.Getenv("RABBITMQ_URL"),
		RabbitMQQueue:       os.Getenv("RABBITMQ_QUEUE"),
		RabbitMQQueuePrefix: os.Getenv("RABBITMQ_QUEUE_PREFIX"),
		AMQPSpecificEvents:  splitList(os.Getenv("AMQP_SPECIFIC_EVENTS")),
		ForwardWebhookURL:   os.Getenv("FORWARD_WEBHOOK_URL"),
		SyncAccounts:        splitList(os.Getenv("SYNC_ACCOUNTS")),
		S3Enabled:           parseBool(os.Getenv("S3_ENABLED")),
		S3Bucket:            os.Getenv("S3_BUCKET"),
		S3Region:            os.Getenv("S3_REGION"),
		S3Endpoint:          os.Getenv("S3_ENDPOINT"),
		S3AccessKey:         os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey:         os.Getenv("S3_SECRET_KEY"),
		S3PathStyle:         parseBool(os.Getenv("S3_PATH_STYLE")),
		S3PublicURL:         os.Getenv("S3_PUBLIC_URL"),
	}

	if cfg.Port == "" {
		cfg.Port = "8080"
	}
	if cfg.DatabaseDriver == "" {
		cfg.DatabaseDriver = "sqlite"
	}
	if cfg.DatabaseDriver == "sqlite" && cfg.DatabaseURL == "" {
		cfg.DatabaseURL = "inbox.db"
		log.Info().Str("dsn", cfg.DatabaseURL).Msg("DATABASE_URL not set, using default sqlite file")
	}
	if cfg.WebhookPath == "" {
		cfg.WebhookPath = "/webhooks/evolution"
		log.Info().Str("path", cfg.WebhookPath).Msg("WEBHOOK_PATH not set, using default")
	}
	cfg.WebhookPath = "/" + strings.Trim(cfg.WebhookPath, "/")

	cfg.ProviderTimeout = 15 * time.Second
	if v := os.Getenv("PROVIDER_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			log.Warn().Str("value", v).Err(err).Msg("Invalid PROVIDER_TIMEOUT, using default")
		} else {
			cfg.ProviderTimeout = d
		}
	}

	// SYNC_SCHEDULE explicitly set to "off" disables the scheduler.
	cfg.SyncSchedule = os.Getenv("SYNC_SCHEDULE")
	if cfg.SyncSchedule == "" {
		cfg.SyncSchedule = "@every 60s"
	} else if cfg.SyncSchedule == "off" {
		cfg.SyncSchedule = ""
	}

	if cfg.PlaceholderLocale == "" {
		cfg.PlaceholderLocale = "en"
	}
	if cfg.RabbitMQQueue == "" {
		cfg.RabbitMQQueue = "inbox_changes"
	}

	if !cfg.ProviderConfigured() {
		log.Warn().Msg("Evolution API credentials incomplete, send and sync are disabled")
	}

	log.Info().
		Str("driver", cfg.DatabaseDriver).
		Str("port", cfg.Port).
		Bool("s3", cfg.S3Enabled).
		Msg("Configuration loaded")
	return cfg, nil
}

// ProviderConfigured reports whether outbound provider calls can be made.
func (c *Config) ProviderConfigured() bool {
	return c.EvolutionBaseURL != "" && c.EvolutionAPIKey != "" && c.EvolutionInstance != ""
}

func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}

func parseBool(v string) bool {
	b, _ := strconv.ParseBool(strings.TrimSpace(v))
	return b
}
