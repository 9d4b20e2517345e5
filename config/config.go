// Package config reads the runtime configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	BackendRTDB   = "rtdb"
	BackendMemory = "memory"

	SinkPostgres  = "postgres"
	SinkFirestore = "firestore"
)

type Config struct {
	Port     string
	LogLevel string
	// Backend selects the realtime store: rtdb, or memory for local runs.
	Backend string

	DatabaseURL  string
	APIKey       string
	ProjectID    string
	PollInterval time.Duration

	MessageWindow  int
	ReadyTimeout   time.Duration
	AllowedOrigins []string
	// PresenceTTL expires online records that stop being refreshed. Zero
	// trusts the disconnect hook alone.
	PresenceTTL time.Duration

	ArchiveSink        string
	ArchiveDatabaseURL string
	ArchiveInterval    time.Duration
}

func Load() (*Config, error) {
	cfg := &Config{
		Port:     getEnv("PORT", "8080"),
		LogLevel: getEnv("LOG_LEVEL", "INFO"),
		Backend:  getEnv("STORE_BACKEND", BackendRTDB),

		DatabaseURL:  os.Getenv("FIREBASE_DATABASE_URL"),
		APIKey:       os.Getenv("FIREBASE_API_KEY"),
		ProjectID:    getEnv("GOOGLE_CLOUD_PROJECT", os.Getenv("GCLOUD_PROJECT")),
		PollInterval: getEnvAsDuration("POLL_INTERVAL", time.Second),

		MessageWindow: getEnvAsInt("MESSAGE_WINDOW", 100),
		ReadyTimeout:  getEnvAsDuration("READY_TIMEOUT", 15*time.Second),
		PresenceTTL:   getEnvAsDuration("PRESENCE_TTL", 3*time.Minute),

		ArchiveSink:        os.Getenv("ARCHIVE_SINK"),
		ArchiveDatabaseURL: os.Getenv("ARCHIVE_DATABASE_URL"),
		ArchiveInterval:    getEnvAsDuration("ARCHIVE_INTERVAL", time.Minute),
	}

	if origins := getEnv("ALLOWED_ORIGINS", ""); origins != "" {
		parts := strings.Split(origins, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		cfg.AllowedOrigins = parts
	}

	switch cfg.Backend {
	case BackendRTDB:
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("FIREBASE_DATABASE_URL is required")
		}
	case BackendMemory:
	default:
		return nil, fmt.Errorf("unknown STORE_BACKEND %q", cfg.Backend)
	}
	if cfg.MessageWindow <= 0 {
		return nil, fmt.Errorf("MESSAGE_WINDOW must be positive")
	}
	if cfg.PresenceTTL < 0 {
		return nil, fmt.Errorf("PRESENCE_TTL must not be negative")
	}
	switch cfg.ArchiveSink {
	case "", SinkFirestore:
	case SinkPostgres:
		if cfg.ArchiveDatabaseURL == "" {
			return nil, fmt.Errorf("ARCHIVE_DATABASE_URL is required for the postgres sink")
		}
	default:
		return nil, fmt.Errorf("unknown ARCHIVE_SINK %q", cfg.ArchiveSink)
	}
	return cfg, nil
}

// OriginAllowed reports whether a browser origin may open a stream. An empty
// list allows every origin.
func (c *Config) OriginAllowed(origin string) bool {
	if len(c.AllowedOrigins) == 0 || origin == "" {
		return true
	}
	for _, o := range c.AllowedOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvAsInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvAsDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
