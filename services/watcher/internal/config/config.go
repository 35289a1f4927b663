package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
)

const (
	defaultCKANBaseURL    = "https://data.wprdc.org"
	defaultCKANResourceID = "36fb4629-8003-4acc-a1ca-3302778a530d"
	defaultExportDir      = "achd_updates"
	defaultInterval       = time.Hour
	defaultTimezone       = "America/New_York"
	defaultRequestTimeout = 30 * time.Second
	defaultMaxRetries     = 3
	defaultMergeRadius    = 50.0
	defaultMergeLookback  = 24 * time.Hour
	defaultStoreTimeout   = 10 * time.Second
	defaultDBWaitAttempts = 30
	defaultDBWaitDelay    = 2 * time.Second
	defaultCollectTimeout = 30 * time.Minute
)

// Config holds runtime configuration for the watcher service.
type Config struct {
	DatabaseURL    string
	CKANBaseURL    string
	CKANResourceID string
	ExportDir      string
	Interval       time.Duration
	Location       *time.Location
	RequestTimeout time.Duration
	MaxRetries     int
	RunTimeout     time.Duration

	MergeRadius   float64
	MergeLookback time.Duration
	StoreTimeout  time.Duration

	DBWaitAttempts int
	DBWaitDelay    time.Duration

	// Redis of the API's latest cache; empty skips invalidation.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	DryRun  bool
	RunOnce bool

	LogLevel  string
	LogFormat string
}

// Load reads configuration from environment variables (optionally .env).
func Load() (Config, error) {
	_ = godotenv.Load(".env")

	cfg := Config{
		CKANBaseURL:    defaultCKANBaseURL,
		CKANResourceID: defaultCKANResourceID,
		ExportDir:      defaultExportDir,
		Interval:       defaultInterval,
		RequestTimeout: defaultRequestTimeout,
		MaxRetries:     defaultMaxRetries,
		RunTimeout:     defaultCollectTimeout,
		MergeRadius:    defaultMergeRadius,
		MergeLookback:  defaultMergeLookback,
		StoreTimeout:   defaultStoreTimeout,
		DBWaitAttempts: defaultDBWaitAttempts,
		DBWaitDelay:    defaultDBWaitDelay,
		LogLevel:       "info",
		LogFormat:      "json",
	}

	cfg.DatabaseURL = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if cfg.DatabaseURL == "" {
		return cfg, errors.New("DATABASE_URL is required")
	}

	if v := strings.TrimSpace(os.Getenv("CKAN_BASE_URL")); v != "" {
		cfg.CKANBaseURL = strings.TrimRight(v, "/")
	}
	if v := strings.TrimSpace(os.Getenv("CKAN_RESOURCE_ID")); v != "" {
		cfg.CKANResourceID = v
	}
	if v := strings.TrimSpace(os.Getenv("EXPORT_DIR")); v != "" {
		cfg.ExportDir = v
	}

	tz := defaultTimezone
	if v := strings.TrimSpace(os.Getenv("COLLECTOR_TIMEZONE")); v != "" {
		tz = v
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return cfg, fmt.Errorf("invalid COLLECTOR_TIMEZONE: %w", err)
	}
	cfg.Location = loc

	for name, dst := range map[string]*time.Duration{
		"COLLECTOR_INTERVAL":      &cfg.Interval,
		"COLLECTOR_RUN_TIMEOUT":   &cfg.RunTimeout,
		"WATCHER_REQUEST_TIMEOUT": &cfg.RequestTimeout,
		"MERGE_LOOKBACK":          &cfg.MergeLookback,
		"STORE_TIMEOUT":           &cfg.StoreTimeout,
		"DB_WAIT_DELAY":           &cfg.DBWaitDelay,
	} {
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return cfg, fmt.Errorf("invalid %s: %w", name, err)
			}
			if d <= 0 {
				return cfg, fmt.Errorf("invalid %s: must be positive", name)
			}
			*dst = d
		}
	}

	if v := strings.TrimSpace(os.Getenv("WATCHER_MAX_RETRIES")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return cfg, fmt.Errorf("invalid WATCHER_MAX_RETRIES: %s", v)
		}
		cfg.MaxRetries = n
	}
	if v := strings.TrimSpace(os.Getenv("DB_WAIT_ATTEMPTS")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return cfg, fmt.Errorf("invalid DB_WAIT_ATTEMPTS: %s", v)
		}
		cfg.DBWaitAttempts = n
	}
	if v := strings.TrimSpace(os.Getenv("MERGE_RADIUS_METERS")); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 {
			return cfg, fmt.Errorf("invalid MERGE_RADIUS_METERS: %s", v)
		}
		cfg.MergeRadius = f
	}

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	if v := strings.TrimSpace(os.Getenv("REDIS_DB")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return cfg, fmt.Errorf("invalid REDIS_DB: %s", v)
		}
		cfg.RedisDB = n
	}

	cfg.DryRun = truthy(os.Getenv("DRY_RUN"))
	cfg.RunOnce = truthy(os.Getenv("RUN_ONCE"))

	if v := strings.TrimSpace(os.Getenv("LOG_LEVEL")); v != "" {
		cfg.LogLevel = v
	}
	if v := strings.TrimSpace(os.Getenv("LOG_FORMAT")); v != "" {
		cfg.LogFormat = v
	}

	return cfg, nil
}

func truthy(v string) bool {
	v = strings.TrimSpace(v)
	return v == "1" || strings.EqualFold(v, "true")
}
