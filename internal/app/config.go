package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
)

// Storage backends.
const (
	StoragePostgres = "postgres"
	StorageMemory   = "memory"
)

// Config holds the complete application configuration, loadable from
// environment variables (BOOKING_ prefix), flags, or YAML config files.
type Config struct {
	Addr         string `default:"0.0.0.0:8080" usage:"API server listen address"`
	Storage      string `default:"postgres" usage:"Storage backend: postgres or memory"`
	DatabaseURL  string `usage:"PostgreSQL connection URL (BOOKING_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	APIKeyPepper string `usage:"HMAC pepper for API key hashing (BOOKING_API_KEY_PEPPER)" flag:"api-key-pepper"`
	AdminAPIKey  string `usage:"Admin API key registered at startup with memory storage" flag:"admin-api-key"`
	Redis        RedisConfig
	Queue        QueueConfig
	Mail         MailConfig
	Pricing      PricingConfig
	Coupon       CouponConfig
	RateLimit    RateLimitConfig
	CORS         CORSConfig
	Graceful     GracefulConfig
}

// RedisConfig points at the redis used for the catalog cache and the task
// queue. An empty URL disables both.
type RedisConfig struct {
	URL      string        `usage:"Redis URL (BOOKING_REDIS_URL or REDIS_URL)"`
	CacheTTL time.Duration `default:"5m" usage:"Catalog cache TTL" flag:"redis-cache-ttl"`
}

// QueueConfig controls notification task scheduling.
type QueueConfig struct {
	DB           int           `default:"1" usage:"Redis database used by the task queue"`
	ReminderLead time.Duration `default:"24h" usage:"How long before the booking day reminders are sent" flag:"reminder-lead"`
	Concurrency  int           `default:"5" usage:"Notifier worker concurrency"`
}

// MailConfig configures the notifier's SMTP relay. An empty host logs mail
// instead of sending it.
type MailConfig struct {
	Host     string `usage:"SMTP host"`
	Port     int    `default:"587" usage:"SMTP port"`
	Username string `usage:"SMTP username"`
	Password string `usage:"SMTP password"`
	From     string `default:"bookings@localhost" usage:"Sender address"`
	Admin    string `usage:"Address receiving new booking notices"`
}

// PricingConfig locates the pricing tables.
type PricingConfig struct {
	File string `usage:"Path to pricing YAML; built-in rates when empty" flag:"pricing-file"`
}

// CouponConfig controls coupon row locking.
type CouponConfig struct {
	LockTimeout time.Duration `default:"3s" usage:"Max wait for a coupon or booking lock" flag:"coupon-lock-timeout"`
}

// RateLimitConfig controls the per-client token bucket rate limiter.
type RateLimitConfig struct {
	Max    int           `default:"100" usage:"Max requests per window"`
	Window time.Duration `default:"1m"  usage:"Rate limit window duration"`
}

// CORSConfig controls Cross-Origin Resource Sharing headers.
type CORSConfig struct {
	Origins          []string `default:"*" usage:"Allowed CORS origins"`
	AllowCredentials bool     `default:"false" usage:"Allow credentials (cookies, auth headers)" flag:"cors-credentials"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig loads configuration from environment variables, YAML config files,
// and applies platform-specific defaults.
func LoadConfig() (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "BOOKING",
		Files:     []string{"config.yaml", "/etc/servicebook/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks settings that depend on each other.
func (c *Config) Validate() error {
	switch c.Storage {
	case StoragePostgres:
		if c.DatabaseURL == "" {
			return errors.New("database URL is required: set BOOKING_DATABASE_URL or DATABASE_URL")
		}
	case StorageMemory:
	default:
		return errors.Errorf("unknown storage %q", c.Storage)
	}
	if c.Coupon.LockTimeout <= 0 {
		return errors.New("coupon lock timeout must be positive")
	}
	if c.Queue.ReminderLead < 0 {
		return errors.New("reminder lead must not be negative")
	}
	return nil
}

// applyPlatformDefaults maps platform-provided environment variables (Railway,
// Render, etc.) that use standard names like DATABASE_URL and PORT to the
// application's BOOKING_-prefixed configuration.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		if v := os.Getenv("DATABASE_URL"); v != "" {
			c.DatabaseURL = v
		}
	}
	if c.Redis.URL == "" {
		if v := os.Getenv("REDIS_URL"); v != "" {
			c.Redis.URL = v
		}
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == "0.0.0.0:8080" {
		c.Addr = "0.0.0.0:" + port
	}
}
