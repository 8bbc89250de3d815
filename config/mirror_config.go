package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// generateWorkerID creates a unique worker ID using hostname and PID
func generateWorkerID() string {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "mirror"
	}
	return fmt.Sprintf("%s-%d", hostname, os.Getpid())
}

type Config struct {
	Environment string
	LogLevel    string
	WorkerID    string

	// Database
	DBDriver    string // sqlite | postgres | pgx
	DatabaseURL string
	DBMaxConns  int

	// Redis / NATS
	RedisURL      string
	NATSURL       string
	EventsBackend string // redis | nats | none

	// Credentials
	EncryptionKey string

	// OAuth - Google
	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURL  string

	// Gmail
	GmailFetchFormat       string // full | raw
	GmailRequestsPerSecond int
	GmailBurst             int

	// Sync
	SyncLookbackDays  int
	SyncChunkSize     int
	SyncChunkPause    time.Duration
	SyncPageSize      int64
	SyncInterval      time.Duration
	SyncRunTimeout    time.Duration
	SyncStaleRunAfter time.Duration
	SyncStoreBodies   bool

	// Categorization
	CategoryDefaultsFile string
	RuleCacheTTL         time.Duration
	RecategorizeWorkers  int

	// Scheduler
	SchedulerEnabled  bool
	SchedulerAccounts []string // empty means every stored account
}

func Load() (*Config, error) {
	runTimeout := getEnvDuration("SYNC_RUN_TIMEOUT", 10*time.Minute)

	cfg := &Config{
		Environment: getEnv("ENV", "development"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		WorkerID:    getEnv("WORKER_ID", generateWorkerID()),

		// Database
		DBDriver:    strings.ToLower(getEnv("DB_DRIVER", "sqlite")),
		DatabaseURL: getEnv("DATABASE_URL", "mirror.db"),
		DBMaxConns:  getEnvInt("DB_MAX_CONNS", 10),

		// Redis / NATS
		RedisURL:      getEnv("REDIS_URL", ""),
		NATSURL:       getEnv("NATS_URL", ""),
		EventsBackend: strings.ToLower(getEnv("EVENTS_BACKEND", "none")),

		EncryptionKey: getEnv("ENCRYPTION_KEY", ""),

		// OAuth - Google
		GoogleClientID:     getEnv("GOOGLE_CLIENT_ID", ""),
		GoogleClientSecret: getEnv("GOOGLE_CLIENT_SECRET", ""),
		GoogleRedirectURL:  getEnv("GOOGLE_REDIRECT_URL", ""),

		// Gmail
		GmailFetchFormat:       strings.ToLower(getEnv("GMAIL_FETCH_FORMAT", "full")),
		GmailRequestsPerSecond: getEnvInt("GMAIL_REQUESTS_PER_SECOND", 20),
		GmailBurst:             getEnvInt("GMAIL_BURST", 10),

		// Sync
		SyncLookbackDays:  getEnvInt("SYNC_LOOKBACK_DAYS", 30),
		SyncChunkSize:     getEnvInt("SYNC_CHUNK_SIZE", 10),
		SyncChunkPause:    getEnvDuration("SYNC_CHUNK_PAUSE", 200*time.Millisecond),
		SyncPageSize:      int64(getEnvInt("SYNC_PAGE_SIZE", 100)),
		SyncInterval:      getEnvDuration("SYNC_INTERVAL", 5*time.Minute),
		SyncRunTimeout:    runTimeout,
		SyncStaleRunAfter: getEnvDuration("SYNC_STALE_RUN_AFTER", 2*runTimeout),
		SyncStoreBodies:   getEnvBool("SYNC_STORE_BODIES", true),

		// Categorization
		CategoryDefaultsFile: getEnv("CATEGORY_DEFAULTS_FILE", ""),
		RuleCacheTTL:         getEnvDuration("RULE_CACHE_TTL", 10*time.Minute),
		RecategorizeWorkers:  getEnvInt("RECATEGORIZE_WORKERS", 4),

		// Scheduler
		SchedulerEnabled:  getEnvBool("SCHEDULER_ENABLED", true),
		SchedulerAccounts: getEnvSlice("SCHEDULER_ACCOUNTS", nil),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail deep inside a sync run.
func (c *Config) Validate() error {
	switch c.DBDriver {
	case "sqlite", "postgres", "pgx":
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q", c.DBDriver)
	}
	switch c.EventsBackend {
	case "redis", "nats", "none":
	default:
		return fmt.Errorf("unsupported EVENTS_BACKEND %q", c.EventsBackend)
	}
	switch c.GmailFetchFormat {
	case "full", "raw":
	default:
		return fmt.Errorf("unsupported GMAIL_FETCH_FORMAT %q", c.GmailFetchFormat)
	}
	if c.SyncChunkSize <= 0 {
		return fmt.Errorf("SYNC_CHUNK_SIZE must be positive, got %d", c.SyncChunkSize)
	}
	if c.SyncLookbackDays <= 0 {
		return fmt.Errorf("SYNC_LOOKBACK_DAYS must be positive, got %d", c.SyncLookbackDays)
	}
	if c.SyncInterval <= 0 {
		return fmt.Errorf("SYNC_INTERVAL must be positive, got %s", c.SyncInterval)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("200ms") or plain seconds ("30").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	return defaultValue
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
