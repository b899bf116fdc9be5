// internal/config/config.go
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"-"`
	DB       int    `json:"db"`
	FlagKey  string `json:"flag_key"`
}

type SMTPConfig struct {
	Host      string `json:"host"`
	Port      int    `json:"port"`
	Username  string `json:"username"`
	Password  string `json:"-"`
	FromEmail string `json:"from_email"`
	FromName  string `json:"from_name"`
}

// FunnelConfig tunes the batch processor.
type FunnelConfig struct {
	BatchSize     int           `json:"batch_size"`
	LeaseTTL      time.Duration `json:"lease_ttl"`
	TickSpec      string        `json:"tick_spec"`
	Concurrency   int           `json:"concurrency"`
	FailurePolicy string        `json:"failure_policy"` // advance, retry, pause
	RetryMax      int           `json:"retry_max"`
	RetryBackoff  time.Duration `json:"retry_backoff"`
	SMSEnabled    bool          `json:"sms_enabled"`
	// DefaultAgentID owns the house funnels used when an agent has none of its own.
	DefaultAgentID string `json:"default_agent_id"`
}

type Config struct {
	Environment string `json:"environment"`
	ServerPort  string `json:"server_port"`
	// AppURL is the public base URL tracking pixels point at.
	AppURL string `json:"app_url"`

	DatabaseURL    string `json:"-"`
	DBHost         string `json:"db_host"`
	DBPort         string `json:"db_port"`
	DBUser         string `json:"db_user"`
	DBPassword     string `json:"-"`
	DBName         string `json:"db_name"`
	DBSSLMode      string `json:"db_ssl_mode"`
	DBMaxIdleConns int    `json:"db_max_idle_conns"`
	DBMaxOpenConns int    `json:"db_max_open_conns"`

	AMQPURL   string      `json:"-"`
	SentryDSN string      `json:"-"`
	Redis     RedisConfig `json:"redis"`
	SMTP      SMTPConfig  `json:"smtp"`

	Funnel FunnelConfig `json:"funnel"`
}

// Load reads .env (when present) and the process environment.
func Load() (*Config, error) {
	// A missing .env is fine, the environment may already be populated
	_ = godotenv.Load()

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		ServerPort:  getEnv("SERVER_PORT", "8080"),

		DatabaseURL:    getEnv("DATABASE_URL", ""),
		DBHost:         getEnv("DB_HOST", "localhost"),
		DBPort:         getEnv("DB_PORT", "5432"),
		DBUser:         getEnv("DB_USER", "postgres"),
		DBPassword:     getEnv("DB_PASSWORD", ""),
		DBName:         getEnv("DB_NAME", "funnels"),
		DBSSLMode:      getEnv("DB_SSL_MODE", "disable"),
		DBMaxIdleConns: getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		DBMaxOpenConns: getEnvAsInt("DB_MAX_OPEN_CONNS", 20),

		AMQPURL:   getEnv("AMQP_URL", ""),
		SentryDSN: getEnv("SENTRY_DSN", ""),
		Redis: RedisConfig{
			Enabled:  getEnvAsBool("REDIS_ENABLED", false),
			Address:  getEnv("REDIS_ADDRESS", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
			FlagKey:  getEnv("REDIS_SMS_FLAG_KEY", "flags:sms_enabled"),
		},
		SMTP: SMTPConfig{
			Host:      getEnv("SMTP_HOST", ""),
			Port:      getEnvAsInt("SMTP_PORT", 587),
			Username:  getEnv("SMTP_USERNAME", ""),
			Password:  getEnv("SMTP_PASSWORD", ""),
			FromEmail: getEnv("FROM_EMAIL", ""),
			FromName:  getEnv("FROM_NAME", ""),
		},

		Funnel: FunnelConfig{
			BatchSize:     getEnvAsInt("FUNNEL_BATCH_SIZE", 50),
			LeaseTTL:      getEnvAsDuration("FUNNEL_LEASE_TTL", 5*time.Minute),
			TickSpec:      getEnv("FUNNEL_TICK_SPEC", "@every 1m"),
			Concurrency:   getEnvAsInt("FUNNEL_CONCURRENCY", 1),
			FailurePolicy: strings.ToLower(getEnv("FUNNEL_FAILURE_POLICY", "advance")),
			RetryMax:      getEnvAsInt("FUNNEL_RETRY_MAX", 3),
			RetryBackoff:  getEnvAsDuration("FUNNEL_RETRY_BACKOFF", 15*time.Minute),
			SMSEnabled:    getEnvAsBool("ENABLE_SMS", true),

			DefaultAgentID: getEnv("DEFAULT_FUNNEL_AGENT_ID", ""),
		},
	}
	cfg.AppURL = getEnv("APP_URL", "http://localhost:"+cfg.ServerPort)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings the engine cannot run without.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" && c.DBPassword == "" {
		return fmt.Errorf("DATABASE_URL or DB_PASSWORD is required")
	}
	if c.Funnel.BatchSize <= 0 {
		return fmt.Errorf("FUNNEL_BATCH_SIZE must be positive, got %d", c.Funnel.BatchSize)
	}
	if c.Funnel.LeaseTTL <= 0 {
		return fmt.Errorf("FUNNEL_LEASE_TTL must be positive")
	}
	switch c.Funnel.FailurePolicy {
	case "advance", "retry", "pause":
	default:
		return fmt.Errorf("FUNNEL_FAILURE_POLICY must be advance, retry or pause, got %q", c.Funnel.FailurePolicy)
	}
	if c.Environment == "production" && c.SMTP.Host != "" && c.SMTP.FromEmail == "" {
		return fmt.Errorf("FROM_EMAIL is required when SMTP_HOST is set")
	}
	return nil
}

// DSN builds the lib/pq connection string; DATABASE_URL wins when set.
func (c *Config) DSN() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode,
	)
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// Helper functions
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	value, err := strconv.Atoi(getEnv(key, ""))
	if err != nil {
		return fallback
	}
	return value
}

func getEnvAsBool(key string, fallback bool) bool {
	value, err := strconv.ParseBool(getEnv(key, ""))
	if err != nil {
		return fallback
	}
	return value
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	value, err := time.ParseDuration(getEnv(key, ""))
	if err != nil {
		return fallback
	}
	return value
}
