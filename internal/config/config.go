package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// ----------------------------
	// Database
	// ----------------------------
	DatabaseDriver string `envconfig:"DATABASE_DRIVER" default:"postgres"`
	DatabaseURL    string `envconfig:"DATABASE_URL" required:"true"`

	// ----------------------------
	// SMTP
	// ----------------------------
	Transport    string `envconfig:"TRANSPORT" default:"smtp"` // smtp | log
	SMTPHost     string `envconfig:"SMTP_HOST" default:"localhost"`
	SMTPPort     int    `envconfig:"SMTP_PORT" default:"1025"`
	SMTPUser     string `envconfig:"SMTP_USER" default:""`
	SMTPPassword string `envconfig:"SMTP_PASSWORD" default:""`
	SMTPFrom     string `envconfig:"SMTP_FROM" default:"noreply@vapes-shop.local"`

	// ----------------------------
	// Workers
	// ----------------------------
	WorkerCount int `envconfig:"WORKER_COUNT" default:"5"`
	RateLimit   int `envconfig:"RATE_LIMIT" default:"10"`
	BatchSize   int `envconfig:"BATCH_SIZE" default:"50"`
	MaxBatches  int `envconfig:"MAX_BATCHES" default:"10"`
	MaxAttempts int `envconfig:"MAX_ATTEMPTS" default:"3"`

	SendRetry time.Duration `envconfig:"SEND_RETRY" default:"5s"`
	RetryBase time.Duration `envconfig:"RETRY_BASE" default:"1m"`
	RetryMax  time.Duration `envconfig:"RETRY_MAX" default:"1h"`

	// ----------------------------
	// Automation
	// ----------------------------
	CronSecret            string        `envconfig:"CRON_SECRET" default:""`
	TickSchedule          string        `envconfig:"TICK_SCHEDULE" default:""`
	TickBudget            time.Duration `envconfig:"TICK_BUDGET" default:"50s"`
	CallTimeout           time.Duration `envconfig:"CALL_TIMEOUT" default:"10s"`
	StaleSendingAfter     time.Duration `envconfig:"STALE_SENDING_AFTER" default:"10m"`
	ClosureRecoveryWindow time.Duration `envconfig:"CLOSURE_RECOVERY_WINDOW" default:"24h"`
	ShopURL               string        `envconfig:"SHOP_URL" default:"http://localhost:3000"`

	// ----------------------------
	// Redis (optional tick lease)
	// ----------------------------
	RedisURL string        `envconfig:"REDIS_URL" default:""`
	LeaseTTL time.Duration `envconfig:"LEASE_TTL" default:"55s"`

	// ----------------------------
	// Reports
	// ----------------------------
	ReportKinds []string `envconfig:"REPORT_KINDS" default:""`
	ChromeURL   string   `envconfig:"CHROME_URL" default:""`
	Currency    string   `envconfig:"CURRENCY" default:"ILS"`
	Language    string   `envconfig:"LANGUAGE" default:"he"`
	Timezone    string   `envconfig:"TIMEZONE" default:"Asia/Jerusalem"`

	// ----------------------------
	// HTTP API
	// ----------------------------
	APIPort string `envconfig:"API_PORT" default:"8080"`

	// ----------------------------
	// Metrics
	// ----------------------------
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`

	// ----------------------------
	// Logging
	// ----------------------------
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`
	LogOutput string `envconfig:"LOG_OUTPUT" default:"stdout"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	switch c.Transport {
	case "smtp", "log":
	default:
		return fmt.Errorf("TRANSPORT must be smtp or log, got %q", c.Transport)
	}
	if c.WorkerCount < 1 {
		return fmt.Errorf("WORKER_COUNT must be positive")
	}
	if c.RateLimit < 1 {
		return fmt.Errorf("RATE_LIMIT must be positive")
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("MAX_ATTEMPTS must be positive")
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("BATCH_SIZE must be positive")
	}
	if c.TickBudget <= 0 || c.CallTimeout <= 0 {
		return fmt.Errorf("TICK_BUDGET and CALL_TIMEOUT must be positive")
	}
	for _, kind := range c.ReportKinds {
		if kind != "participants" && kind != "products" {
			return fmt.Errorf("REPORT_KINDS: unknown report %q", kind)
		}
	}
	return nil
}
