package config

import (
	"fmt"
	"log"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`
	RedisURL    string `mapstructure:"REDIS_URL"`

	// Vendor API
	VendorBaseURL       string        `mapstructure:"VENDOR_API_BASE_URL"`
	VendorAPIKey        string        `mapstructure:"VENDOR_API_KEY"`
	VendorClientDomain  string        `mapstructure:"VENDOR_CLIENT_DOMAIN"`
	VendorWebhookSecret string        `mapstructure:"VENDOR_WEBHOOK_SECRET"`
	VendorMinInterval   time.Duration `mapstructure:"VENDOR_MIN_INTERVAL"`
	VendorBusyTimeout   time.Duration `mapstructure:"VENDOR_BUSY_TIMEOUT"`
	SandboxMode         bool          `mapstructure:"SANDBOX_MODE"`

	// Operator API access
	OperatorAPIKey    string `mapstructure:"OPERATOR_API_KEY"`
	OperatorJWTSecret string `mapstructure:"OPERATOR_JWT_SECRET"`

	// Reconciliation
	ReconcileWorkers int           `mapstructure:"RECONCILE_WORKERS"`
	OfflineThreshold time.Duration `mapstructure:"OFFLINE_THRESHOLD"`
	SweepInterval    time.Duration `mapstructure:"SWEEP_INTERVAL"`

	// Inbound rate limiting
	RateLimitRPS   float64 `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `mapstructure:"RATE_LIMIT_BURST"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("VENDOR_API_BASE_URL", "https://api.vendor.example.com/clients")
	v.SetDefault("VENDOR_MIN_INTERVAL", "1s")
	v.SetDefault("VENDOR_BUSY_TIMEOUT", "5s")
	v.SetDefault("SANDBOX_MODE", true)
	v.SetDefault("RECONCILE_WORKERS", 4)
	v.SetDefault("OFFLINE_THRESHOLD", "72h")
	v.SetDefault("SWEEP_INTERVAL", "15m")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("REDIS_URL")
	v.BindEnv("VENDOR_API_BASE_URL")
	v.BindEnv("VENDOR_API_KEY")
	v.BindEnv("VENDOR_CLIENT_DOMAIN")
	v.BindEnv("VENDOR_WEBHOOK_SECRET")
	v.BindEnv("VENDOR_MIN_INTERVAL")
	v.BindEnv("VENDOR_BUSY_TIMEOUT")
	v.BindEnv("SANDBOX_MODE")
	v.BindEnv("OPERATOR_API_KEY")
	v.BindEnv("OPERATOR_JWT_SECRET")
	v.BindEnv("RECONCILE_WORKERS")
	v.BindEnv("OFFLINE_THRESHOLD")
	v.BindEnv("SWEEP_INTERVAL")
	v.BindEnv("RATE_LIMIT_RPS")
	v.BindEnv("RATE_LIMIT_BURST")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.SandboxMode {
		log.Println("WARNING: SANDBOX_MODE is enabled, vendor calls return generated data.")
		log.Println("WARNING: Webhook signature verification is bypassed in sandbox mode.")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run. Outside sandbox mode
// the webhook secret and vendor credentials must be present: without them
// inbound deliveries cannot be authenticated and outbound calls cannot be
// made, so the server refuses to start rather than run half-configured.
func (c *Config) Validate() error {
	if !c.SandboxMode {
		if c.VendorWebhookSecret == "" {
			return fmt.Errorf("VENDOR_WEBHOOK_SECRET is required when SANDBOX_MODE is false")
		}
		if c.VendorAPIKey == "" {
			return fmt.Errorf("VENDOR_API_KEY is required when SANDBOX_MODE is false")
		}
		if c.VendorClientDomain == "" {
			return fmt.Errorf("VENDOR_CLIENT_DOMAIN is required when SANDBOX_MODE is false")
		}
	}
	if c.IsProduction() && c.OperatorAPIKey == "" {
		return fmt.Errorf("OPERATOR_API_KEY is required in production")
	}
	if c.VendorMinInterval <= 0 {
		return fmt.Errorf("VENDOR_MIN_INTERVAL must be positive, got %s", c.VendorMinInterval)
	}
	if c.VendorBusyTimeout < c.VendorMinInterval {
		return fmt.Errorf("VENDOR_BUSY_TIMEOUT (%s) must not be shorter than VENDOR_MIN_INTERVAL (%s)",
			c.VendorBusyTimeout, c.VendorMinInterval)
	}
	if c.ReconcileWorkers <= 0 {
		return fmt.Errorf("RECONCILE_WORKERS must be positive, got %d", c.ReconcileWorkers)
	}
	if c.OfflineThreshold <= 0 {
		return fmt.Errorf("OFFLINE_THRESHOLD must be positive, got %s", c.OfflineThreshold)
	}
	return nil
}
