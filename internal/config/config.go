package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the server settings.
type Config struct {
	// Server
	Port    string
	LogMode string

	// Database
	DBType      string // "sqlite" or "postgres"
	DBPath      string
	DatabaseURL string

	// JWT
	JWTSecret string

	// How often due-card statistics are logged
	StatsInterval time.Duration
}

// ClientConfig holds the settings of a headless progress client.
type ClientConfig struct {
	APIURL       string
	Token        string
	StorageType  string // "file", "sqlite" or "memory"
	StatePath    string
	Locale       string
	LogMode      string
	SyncDebounce time.Duration
	SyncInterval time.Duration
	MaxTimeDelta time.Duration
}

// Load reads the server configuration from the environment and an optional .env file.
func Load() *Config {
	godotenv.Load()

	return &Config{
		Port:          getEnvOrDefault("PORT", "8080"),
		LogMode:       getEnvOrDefault("LOG_MODE", "development"),
		DBType:        strings.ToLower(getEnvOrDefault("DB_TYPE", "sqlite")),
		DBPath:        getEnvOrDefault("DB_PATH", "data/microlearn.db"),
		DatabaseURL:   getEnvOrDefault("DATABASE_URL", ""),
		JWTSecret:     getEnvOrDefault("JWT_SECRET", "change-me"),
		StatsInterval: getEnvAsDurationOrDefault("STATS_INTERVAL", time.Hour),
	}
}

// LoadClient reads the client configuration from the environment and an optional .env file.
func LoadClient() *ClientConfig {
	godotenv.Load()

	return &ClientConfig{
		APIURL:       getEnvOrDefault("MICROLEARN_API_URL", "http://localhost:8080"),
		Token:        getEnvOrDefault("MICROLEARN_TOKEN", ""),
		StorageType:  strings.ToLower(getEnvOrDefault("MICROLEARN_STORAGE", "file")),
		StatePath:    getEnvOrDefault("MICROLEARN_STATE", "data/client"),
		Locale:       getEnvOrDefault("MICROLEARN_LOCALE", os.Getenv("LANG")),
		LogMode:      getEnvOrDefault("LOG_MODE", "development"),
		SyncDebounce: getEnvAsDurationOrDefault("MICROLEARN_SYNC_DEBOUNCE", 1500*time.Millisecond),
		SyncInterval: getEnvAsDurationOrDefault("MICROLEARN_SYNC_INTERVAL", 5*time.Minute),
		MaxTimeDelta: getEnvAsDurationOrDefault("MICROLEARN_MAX_TIME_DELTA", 30*time.Minute),
	}
}

func getEnvOrDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

func getEnvAsIntOrDefault(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return n
}

// getEnvAsDurationOrDefault accepts Go durations ("90s") or plain milliseconds.
func getEnvAsDurationOrDefault(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(val); err == nil && d > 0 {
		return d
	}
	if ms := getEnvAsIntOrDefault(key, 0); ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultVal
}
