package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPPort    string

	OTLPEndpoint string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int
	DBAutoMigrate     bool

	Redis     RedisConfig
	Cache     CacheConfig
	Plans     PlansConfig
	Scheduler SchedulerConfig
	Alerts    AlertConfig
	RateLimit RateLimitConfig
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type CacheConfig struct {
	// Backend is either "memory" or "redis". A memory cache is private to one
	// process, so a scheduler running as its own process needs redis.
	Backend    string
	TTL        time.Duration
	MaxEntries int
}

type PlansConfig struct {
	Path  string
	Watch bool
}

type SchedulerConfig struct {
	Enabled     bool
	RunInterval time.Duration
	BatchSize   int
	MaxRetries  int
	LockTTL     time.Duration
	EnabledJobs []string
}

type AlertConfig struct {
	SlackWebhookURL string
	SlackChannel    string
	DenyThreshold   int
	DenyWindow      time.Duration
}

// RateLimitConfig bounds billing webhook deliveries per tenant.
type RateLimitConfig struct {
	Enabled      bool
	WebhookRate  float64
	WebhookBurst int
}

const (
	CacheBackendMemory = "memory"
	CacheBackendRedis  = "redis"
)

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:      getenv("APP_SERVICE", "gatekeeper"),
		AppVersion:   getenv("APP_VERSION", "0.1.0"),
		Environment:  getenv("ENVIRONMENT", "development"),
		HTTPPort:     getenv("HTTP_PORT", "8080"),
		OTLPEndpoint: getenv("OTLP_ENDPOINT", "localhost:4317"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "gatekeeper"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 10),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 50),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),
		DBAutoMigrate:     getenvBool("DATABASE_AUTO_MIGRATE", true),

		Redis: RedisConfig{
			Addr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
			Password: getenv("REDIS_PASSWORD", ""),
			DB:       getenvInt("REDIS_DB", 0),
		},
		Cache: CacheConfig{
			Backend:    normalizeCacheBackend(getenv("ENTITLEMENT_CACHE_BACKEND", CacheBackendMemory)),
			TTL:        getenvDuration("ENTITLEMENT_CACHE_TTL", 5*time.Minute),
			MaxEntries: getenvInt("ENTITLEMENT_CACHE_MAX_ENTRIES", 10_000),
		},
		Plans: PlansConfig{
			Path:  strings.TrimSpace(getenv("PLANS_CONFIG_PATH", "config/plans.json")),
			Watch: getenvBool("PLANS_CONFIG_WATCH", true),
		},
		Scheduler: SchedulerConfig{
			Enabled:     getenvBool("SCHEDULER_ENABLED", true),
			RunInterval: getenvDuration("SCHEDULER_RUN_INTERVAL", time.Minute),
			BatchSize:   getenvInt("SCHEDULER_BATCH_SIZE", 100),
			MaxRetries:  getenvInt("JOB_MAX_RETRIES", 3),
			LockTTL:     getenvDuration("SCHEDULER_LOCK_TTL", 2*time.Minute),
			EnabledJobs: splitList(getenv("SCHEDULER_ENABLED_JOBS", "")),
		},
		Alerts: AlertConfig{
			SlackWebhookURL: strings.TrimSpace(getenv("SLACK_WEBHOOK_URL", "")),
			SlackChannel:    getenv("SLACK_SUPPORT_CHANNEL", "#billing-support"),
			DenyThreshold:   getenvInt("DENY_ALERT_THRESHOLD", 10),
			DenyWindow:      getenvDuration("DENY_ALERT_WINDOW", time.Minute),
		},
		RateLimit: RateLimitConfig{
			Enabled:      getenvBool("WEBHOOK_RATE_LIMIT_ENABLED", true),
			WebhookRate:  getenvFloat("WEBHOOK_RATE_LIMIT_RATE", 5),
			WebhookBurst: getenvInt("WEBHOOK_RATE_LIMIT_BURST", 20),
		},
	}

	return cfg
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}

var ErrSharedCacheRequired = errors.New("shared_cache_required")

// ValidateStandaloneScheduler rejects configurations where a separately
// deployed scheduler would sweep a cache the API processes never read.
func (c Config) ValidateStandaloneScheduler() error {
	if c.Scheduler.Enabled && c.Cache.Backend != CacheBackendRedis {
		return fmt.Errorf("%w: scheduler process requires ENTITLEMENT_CACHE_BACKEND=redis, got %q",
			ErrSharedCacheRequired, c.Cache.Backend)
	}
	return nil
}

func normalizeCacheBackend(raw string) string {
	value := strings.ToLower(strings.TrimSpace(raw))
	switch value {
	case CacheBackendRedis:
		return CacheBackendRedis
	default:
		return CacheBackendMemory
	}
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}
