package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server      ServerConfig
	Database    DatabaseConfig
	Logging     LoggingConfig
	Tracing     TracingConfig
	Apify       ApifyConfig
	Cron        CronConfig
	Jobs        JobsConfig
	Alerts      AlertsConfig
	RateLimit   RateLimitConfig
	Environment string
}

type ServerConfig struct {
	Host    string
	Port    int
	BaseURL string
}

type DatabaseConfig struct {
	URL            string
	MaxConnections int
}

type LoggingConfig struct {
	Level  string
	Format string
}

type TracingConfig struct {
	Enabled      bool
	Exporter     string
	ServiceName  string
	OTLPEndpoint string
	SampleRate   float64
}

// ApifyConfig configures the scrape dispatcher and the run/dataset fetcher.
type ApifyConfig struct {
	BaseURL       string
	Token         string
	ActorID       string
	Operation     string
	MaxItems      int
	Timeout       time.Duration
	RateLimit     float64
	PollInterval  time.Duration
	PollAttempts  int
	// WebhookSecret, when set, must accompany webhook deliveries.
	WebhookSecret string
}

type CronConfig struct {
	Secret string
}

type JobsConfig struct {
	ReconcileMaxAttempts int
	StaleAfter           time.Duration
	MaxRunAge            time.Duration
	DailyDispatch        bool
	DispatchConcurrency  int
}

// RateLimitConfig sets per-client request budgets. Zero disables a tier.
type RateLimitConfig struct {
	APIPerMinute      int
	WebhookPerMinute  int
	TrustedProxyCIDRs []string
}

type AlertsConfig struct {
	Enabled      bool
	ResendAPIKey string
	From         string
	To           string
}

func Load() (Config, error) {
	cfg := Config{
		Server: ServerConfig{
			Host:    getEnv("SERVER_HOST", "0.0.0.0"),
			Port:    getEnvInt("SERVER_PORT", getEnvInt("PORT", 3000)),
			BaseURL: getEnv("SERVER_BASE_URL", "http://localhost:3000"),
		},
		Database: DatabaseConfig{
			URL:            getEnv("DATABASE_URL", ""),
			MaxConnections: getEnvInt("DATABASE_MAX_CONNECTIONS", 10),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Tracing: TracingConfig{
			Enabled:      getEnvBool("TRACING_ENABLED", false),
			Exporter:     getEnv("TRACING_EXPORTER", "stdout"),
			ServiceName:  getEnv("TRACING_SERVICE_NAME", "casafeed"),
			OTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			SampleRate:   getEnvFloat("TRACING_SAMPLE_RATE", 1.0),
		},
		Apify: ApifyConfig{
			BaseURL:       getEnv("APIFY_BASE_URL", "https://api.apify.com"),
			Token:         getEnv("APIFY_TOKEN", ""),
			ActorID:       getEnv("APIFY_ACTOR_ID", ""),
			Operation:     getEnv("APIFY_OPERATION", "vendita"),
			MaxItems:      getEnvInt("APIFY_MAX_ITEMS", 50),
			Timeout:       getEnvDuration("APIFY_TIMEOUT", 30*time.Second),
			RateLimit:     getEnvFloat("APIFY_RATE_LIMIT", 5),
			PollInterval:  getEnvDuration("APIFY_POLL_INTERVAL", 10*time.Second),
			PollAttempts:  getEnvInt("APIFY_POLL_ATTEMPTS", 30),
			WebhookSecret: getEnv("APIFY_WEBHOOK_SECRET", ""),
		},
		Cron: CronConfig{
			Secret: getEnv("CRON_SECRET", ""),
		},
		Jobs: JobsConfig{
			ReconcileMaxAttempts: getEnvInt("JOB_RETRY_RECONCILE", 5),
			StaleAfter:           getEnvDuration("RUN_STALE_AFTER", 2*time.Hour),
			MaxRunAge:            getEnvDuration("RUN_MAX_AGE", 24*time.Hour),
			DailyDispatch:        getEnvBool("DAILY_DISPATCH_ENABLED", false),
			DispatchConcurrency:  getEnvInt("DISPATCH_CONCURRENCY", 4),
		},
		Alerts: AlertsConfig{
			Enabled:      getEnvBool("ALERTS_ENABLED", false),
			ResendAPIKey: getEnv("RESEND_API_KEY", ""),
			From:         getEnv("ALERTS_FROM", ""),
			To:           getEnv("ALERTS_TO", ""),
		},
		RateLimit: RateLimitConfig{
			APIPerMinute:      getEnvInt("RATE_LIMIT_API_PER_MINUTE", 60),
			WebhookPerMinute:  getEnvInt("RATE_LIMIT_WEBHOOK_PER_MINUTE", 600),
			TrustedProxyCIDRs: getEnvList("TRUSTED_PROXY_CIDRS"),
		},
		Environment: getEnv("ENVIRONMENT", "development"),
	}

	if cfg.Database.URL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.Apify.MaxItems <= 0 {
		return Config{}, fmt.Errorf("APIFY_MAX_ITEMS must be positive, got %d", cfg.Apify.MaxItems)
	}
	if cfg.Alerts.Enabled && (cfg.Alerts.ResendAPIKey == "" || cfg.Alerts.From == "" || cfg.Alerts.To == "") {
		return Config{}, fmt.Errorf("ALERTS_ENABLED requires RESEND_API_KEY, ALERTS_FROM and ALERTS_TO")
	}
	return cfg, nil
}

// ValidateScraper reports the scraper settings that are missing. Commands that
// only read the catalog do not need them, so Load does not enforce them.
func (c Config) ValidateScraper() error {
	var missing []string
	if c.Apify.Token == "" {
		missing = append(missing, "APIFY_TOKEN")
	}
	if c.Apify.ActorID == "" {
		missing = append(missing, "APIFY_ACTOR_ID")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing env: %s", strings.Join(missing, ", "))
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvFloat(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}
