package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server     ServerConfig
	Scraper    ScraperConfig
	Supervisor SupervisorConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	Logging    LoggingConfig
}

type ServerConfig struct {
	Port            int
	Host            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

type ScraperConfig struct {
	BaseURL        string
	SeedCategories []string
	DefaultBackend string
	Delay          time.Duration
	MaxRetries     int
	Timeout        time.Duration
	Headless       bool
	UserAgent      string

	// HeadersFile optionally points at a JSON headers/cookies file for
	// authenticated scraping; forwarded to backends opaquely.
	HeadersFile string

	// BotPath is the external bot CLI used by the api-orchestrated backend.
	BotPath string

	MaxProfilesPerCategory int

	// Concurrency is how many profiles bulk scrapes fetch in parallel.
	Concurrency int
}

type SupervisorConfig struct {
	ScraperBin    string
	Retention     time.Duration
	SweepInterval time.Duration
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string
	MaxConns int32
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type LoggingConfig struct {
	Level  string
	Format string
}

func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:            getIntOrDefault("SERVER_PORT", 8080),
			Host:            getEnvOrDefault("SERVER_HOST", "0.0.0.0"),
			ReadTimeout:     getDurationOrDefault("SERVER_READ_TIMEOUT", 15*time.Second),
			// Write timeout stays disabled by default: the SSE progress
			// stream holds its connection open for the life of a scrape.
			WriteTimeout:    getDurationOrDefault("SERVER_WRITE_TIMEOUT", 0),
			ShutdownTimeout: getDurationOrDefault("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Scraper: ScraperConfig{
			BaseURL:        getEnvOrDefault("SCRAPER_BASE_URL", "https://www.personality-database.com"),
			SeedCategories: getStringSliceOrDefault("SCRAPER_SEED_CATEGORIES", nil),
			DefaultBackend: getEnvOrDefault("SCRAPER_BACKEND", "playwright"),
			Delay:          getDurationOrDefault("SCRAPER_DELAY", 2*time.Second),
			MaxRetries:     getIntOrDefault("SCRAPER_MAX_RETRIES", 3),
			Timeout:        getDurationOrDefault("SCRAPER_TIMEOUT", 30*time.Second),
			Headless:       getBoolOrDefault("SCRAPER_HEADLESS", true),
			UserAgent: getEnvOrDefault("SCRAPER_USER_AGENT",
				"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"),
			HeadersFile:            getEnvOrDefault("SCRAPER_HEADERS_FILE", ""),
			BotPath:                getEnvOrDefault("SCRAPER_BOT_PATH", ""),
			MaxProfilesPerCategory: getIntOrDefault("SCRAPER_MAX_PROFILES_PER_CATEGORY", 200),
			Concurrency:            getIntOrDefault("SCRAPER_CONCURRENCY", 1),
		},
		Supervisor: SupervisorConfig{
			ScraperBin:    getEnvOrDefault("SUPERVISOR_SCRAPER_BIN", "typed-scraper"),
			Retention:     getDurationOrDefault("SUPERVISOR_RETENTION", time.Hour),
			SweepInterval: getDurationOrDefault("SUPERVISOR_SWEEP_INTERVAL", 15*time.Minute),
		},
		Database: DatabaseConfig{
			Host:     getEnvOrDefault("DB_HOST", "localhost"),
			Port:     getIntOrDefault("DB_PORT", 5432),
			User:     getEnvOrDefault("DB_USER", "postgres"),
			Password: getEnvOrDefault("DB_PASSWORD", ""),
			Name:     getEnvOrDefault("DB_NAME", "typescraper"),
			MaxConns: int32(getIntOrDefault("DB_MAX_CONNS", 10)),
		},
		Redis: RedisConfig{
			Addr:     getEnvOrDefault("REDIS_ADDR", "localhost:6379"),
			Password: getEnvOrDefault("REDIS_PASSWORD", ""),
			DB:       getIntOrDefault("REDIS_DB", 0),
		},
		Logging: LoggingConfig{
			Level:  getEnvOrDefault("LOG_LEVEL", "info"),
			Format: getEnvOrDefault("LOG_FORMAT", "json"),
		},
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("SERVER_PORT must be a valid port, got %d", c.Server.Port)
	}
	if c.Scraper.MaxRetries < 0 {
		return fmt.Errorf("SCRAPER_MAX_RETRIES must be non-negative")
	}
	if c.Scraper.Delay < 0 {
		return fmt.Errorf("SCRAPER_DELAY must be non-negative")
	}
	if c.Supervisor.Retention <= 0 || c.Supervisor.SweepInterval <= 0 {
		return fmt.Errorf("supervisor retention and sweep interval must be positive")
	}
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getStringSliceOrDefault(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return strings.Split(value, ",")
	}
	return defaultValue
}
