package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the REST API.
type Config struct {
	DatabaseURL  string
	Port         int
	BearerToken  string
	DefaultLimit int

	StoreTimeout   time.Duration
	DBWaitAttempts int
	DBWaitDelay    time.Duration

	MergeRadius   float64
	MergeLookback time.Duration

	RetentionWindow   time.Duration
	RetentionInterval time.Duration

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	CacheTTL      time.Duration

	MQTTBroker   string
	MQTTPort     int
	MQTTClientID string
	MQTTUsername string
	MQTTPassword string
	MQTTTopic    string

	LogLevel  string
	LogFormat string
}

// Load reads configuration from environment variables (optionally .env).
func Load() (Config, error) {
	_ = godotenv.Load() // ignore missing file

	cfg := Config{
		Port:              8080,
		DefaultLimit:      50,
		StoreTimeout:      10 * time.Second,
		DBWaitAttempts:    30,
		DBWaitDelay:       2 * time.Second,
		MergeRadius:       50,
		MergeLookback:     24 * time.Hour,
		RetentionWindow:   30 * 24 * time.Hour,
		RetentionInterval: 24 * time.Hour,
		CacheTTL:          30 * time.Second,
		MQTTPort:          1883,
		MQTTClientID:      "kaze-api",
		MQTTTopic:         "v3/+/devices/+/up",
		LogLevel:          "info",
		LogFormat:         "json",
	}

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		return cfg, errors.New("DATABASE_URL is required")
	}

	if portStr := os.Getenv("PORT"); portStr != "" {
		if port, err := strconv.Atoi(portStr); err == nil && port > 0 {
			cfg.Port = port
		} else {
			return cfg, fmt.Errorf("invalid PORT: %s", portStr)
		}
	} else if portStr := os.Getenv("API_PORT"); portStr != "" {
		if port, err := strconv.Atoi(portStr); err == nil && port > 0 {
			cfg.Port = port
		} else {
			return cfg, fmt.Errorf("invalid API_PORT: %s", portStr)
		}
	}

	if err := positiveInt("API_DEFAULT_LIMIT", &cfg.DefaultLimit); err != nil {
		return cfg, err
	}
	if err := positiveInt("DB_WAIT_ATTEMPTS", &cfg.DBWaitAttempts); err != nil {
		return cfg, err
	}

	for name, dst := range map[string]*time.Duration{
		"STORE_TIMEOUT":      &cfg.StoreTimeout,
		"DB_WAIT_DELAY":      &cfg.DBWaitDelay,
		"MERGE_LOOKBACK":     &cfg.MergeLookback,
		"RETENTION_WINDOW":   &cfg.RetentionWindow,
		"RETENTION_INTERVAL": &cfg.RetentionInterval,
		"CACHE_TTL":          &cfg.CacheTTL,
	} {
		if err := positiveDuration(name, dst); err != nil {
			return cfg, err
		}
	}

	if radiusStr := os.Getenv("MERGE_RADIUS_METERS"); radiusStr != "" {
		if radius, err := strconv.ParseFloat(radiusStr, 64); err == nil && radius > 0 {
			cfg.MergeRadius = radius
		} else {
			return cfg, fmt.Errorf("invalid MERGE_RADIUS_METERS: %s", radiusStr)
		}
	}

	cfg.RedisAddr = os.Getenv("REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	if dbStr := os.Getenv("REDIS_DB"); dbStr != "" {
		if db, err := strconv.Atoi(dbStr); err == nil && db >= 0 {
			cfg.RedisDB = db
		} else {
			return cfg, fmt.Errorf("invalid REDIS_DB: %s", dbStr)
		}
	}

	cfg.MQTTBroker = os.Getenv("MQTT_BROKER")
	if err := positiveInt("MQTT_PORT", &cfg.MQTTPort); err != nil {
		return cfg, err
	}
	if v := os.Getenv("MQTT_CLIENT_ID"); v != "" {
		cfg.MQTTClientID = v
	}
	cfg.MQTTUsername = os.Getenv("MQTT_USERNAME")
	cfg.MQTTPassword = os.Getenv("MQTT_PASSWORD")
	if v := os.Getenv("MQTT_TOPIC"); v != "" {
		cfg.MQTTTopic = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}

	cfg.BearerToken = os.Getenv("API_BEARER_TOKEN")

	return cfg, nil
}

// ListenAddr returns the host:port string for the HTTP server.
func (c Config) ListenAddr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// CacheEnabled reports whether a Redis address was configured.
func (c Config) CacheEnabled() bool {
	return c.RedisAddr != ""
}

// MQTTEnabled reports whether a broker was configured.
func (c Config) MQTTEnabled() bool {
	return c.MQTTBroker != ""
}

func positiveInt(name string, dst *int) error {
	raw := os.Getenv(name)
	if raw == "" {
		return nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return fmt.Errorf("invalid %s: %s", name, raw)
	}
	*dst = v
	return nil
}

func positiveDuration(name string, dst *time.Duration) error {
	raw := os.Getenv(name)
	if raw == "" {
		return nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil || v <= 0 {
		return fmt.Errorf("invalid %s: %s", name, raw)
	}
	*dst = v
	return nil
}
