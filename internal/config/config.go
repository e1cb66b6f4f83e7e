package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Journal backends
const (
	JournalNone     = ""
	JournalPostgres = "postgres"
	JournalMongo    = "mongo"
)

type Config struct {
	ServerPort string
	ServerHost string

	// Upstream content API
	ContentAPIURL     string
	ContentAPITimeout time.Duration
	VerifyUser        bool

	// Shared store; empty RedisAddr runs a single instance in memory
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	KeyPrefix string

	// Rate limiting
	MaxConnectionsPerUser int
	ConnectionWindow      time.Duration
	MaxMessagesPerSecond  int

	// Persistence
	StoreDebounce    time.Duration
	StoreMaxDebounce time.Duration

	AdminSecret string

	// Browser origins allowed to open sockets besides the server's own host
	AllowedOrigins []string

	// Update journal
	JournalBackend string
	DBHost         string
	DBPort         string
	DBUser         string
	DBPassword     string
	DBName         string
	DBSSLMode      string
	MongoURI       string
	MongoDatabase  string

	// Observability; empty disables tracing
	JaegerEndpoint string
}

func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		ServerPort: getEnv("SERVER_PORT", "3100"),
		ServerHost: getEnv("SERVER_HOST", "0.0.0.0"),

		ContentAPIURL:     getEnv("CONTENT_API_URL", ""),
		ContentAPITimeout: getEnvDuration("CONTENT_API_TIMEOUT_MS", 15*time.Second, time.Millisecond),
		VerifyUser:        getEnvBool("LIVE_VERIFY_USER", false),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		KeyPrefix: getEnv("LIVE_KEY_PREFIX", "live"),

		MaxConnectionsPerUser: getEnvInt("LIVE_MAX_CONNECTIONS_PER_USER", 20),
		ConnectionWindow:      getEnvDuration("LIVE_CONNECTION_WINDOW_SECONDS", 60*time.Second, time.Second),
		MaxMessagesPerSecond:  getEnvInt("LIVE_MAX_MESSAGES_PER_SECOND", 50),

		StoreDebounce:    getEnvDuration("LIVE_STORE_DEBOUNCE_MS", 2*time.Second, time.Millisecond),
		StoreMaxDebounce: getEnvDuration("LIVE_STORE_MAX_DEBOUNCE_MS", 10*time.Second, time.Millisecond),

		AdminSecret:    getEnv("LIVE_ADMIN_SECRET", ""),
		AllowedOrigins: getEnvList("LIVE_ALLOWED_ORIGINS"),

		JournalBackend: strings.ToLower(getEnv("JOURNAL_BACKEND", JournalNone)),
		DBHost:         getEnv("DB_HOST", "localhost"),
		DBPort:         getEnv("DB_PORT", "5432"),
		DBUser:         getEnv("DB_USER", "postgres"),
		DBPassword:     getEnv("DB_PASSWORD", "postgres"),
		DBName:         getEnv("DB_NAME", "collab_live"),
		DBSSLMode:      getEnv("DB_SSLMODE", "disable"),
		MongoURI:       getEnv("MONGO_URI", "mongodb://localhost:27017"),
		MongoDatabase:  getEnv("MONGO_DATABASE", "collab_live"),

		JaegerEndpoint: getEnv("JAEGER_ENDPOINT", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the settings that have no usable default
func (c *Config) Validate() error {
	var errs []error

	if c.ContentAPIURL == "" {
		errs = append(errs, fmt.Errorf("CONTENT_API_URL is required"))
	} else if u, err := url.Parse(c.ContentAPIURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("CONTENT_API_URL must be an absolute URL, got %q", c.ContentAPIURL))
	}
	if c.MaxConnectionsPerUser < 0 {
		errs = append(errs, fmt.Errorf("LIVE_MAX_CONNECTIONS_PER_USER must not be negative"))
	}
	if c.MaxMessagesPerSecond < 0 {
		errs = append(errs, fmt.Errorf("LIVE_MAX_MESSAGES_PER_SECOND must not be negative"))
	}
	if c.ConnectionWindow <= 0 {
		errs = append(errs, fmt.Errorf("LIVE_CONNECTION_WINDOW_SECONDS must be positive"))
	}
	if c.StoreDebounce <= 0 {
		errs = append(errs, fmt.Errorf("LIVE_STORE_DEBOUNCE_MS must be positive"))
	}

	for _, origin := range c.AllowedOrigins {
		if origin == "*" {
			continue
		}
		if u, err := url.Parse(origin); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("LIVE_ALLOWED_ORIGINS entries must look like https://host, got %q", origin))
		}
	}

	switch c.JournalBackend {
	case JournalNone, JournalPostgres, JournalMongo:
	default:
		errs = append(errs, fmt.Errorf("JOURNAL_BACKEND must be one of postgres, mongo or empty, got %q", c.JournalBackend))
	}

	return errors.Join(errs...)
}

// Distributed reports whether instances share state through Redis
func (c *Config) Distributed() bool {
	return c.RedisAddr != ""
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%s", c.ServerHost, c.ServerPort)
}

func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if result, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return result
		}
	}
	return defaultValue
}

// getEnvList splits a comma-separated variable, dropping empty entries
func getEnvList(key string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if result, err := strconv.ParseBool(strings.TrimSpace(value)); err == nil {
			return result
		}
	}
	return defaultValue
}

// getEnvDuration reads an integer count of unit
func getEnvDuration(key string, defaultValue, unit time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return time.Duration(n) * unit
		}
	}
	return defaultValue
}
