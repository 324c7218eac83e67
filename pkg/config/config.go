package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Port            string        `yaml:"port"`
	Environment     string        `yaml:"environment"`
	DatabaseDriver  string        `yaml:"database_driver"`
	DatabaseURL     string        `yaml:"database_url"`
	JWTSecret       string        `yaml:"jwt_secret"`
	TokenTTL        time.Duration `yaml:"token_ttl"`
	CORSOrigins     string        `yaml:"cors_origins"`
	MaxUploadSize   int64         `yaml:"max_upload_size"`
	AdminPassword   string        `yaml:"admin_password"`
	RedisURL        string        `yaml:"redis_url"`
	MetricsCacheTTL time.Duration `yaml:"metrics_cache_ttl"`
	LoginRateLimit  string        `yaml:"login_rate_limit"`
	LogLevel        string        `yaml:"log_level"`
	LogFormat       string        `yaml:"log_format"`
	LogSink         string        `yaml:"log_sink"`
	Locale          string        `yaml:"locale"`
}

// DefaultJWTSecret is the placeholder signing key used when JWT_SECRET is unset.
const DefaultJWTSecret = "change-me-in-production"

func defaults() *Config {
	return &Config{
		Port:            "8080",
		Environment:     "development",
		DatabaseDriver:  "sqlite3",
		DatabaseURL:     "./data/talka.db",
		JWTSecret:       DefaultJWTSecret,
		TokenTTL:        24 * time.Hour,
		CORSOrigins:     "*",
		MaxUploadSize:   50 << 20,
		MetricsCacheTTL: 30 * time.Second,
		LoginRateLimit:  "10-M",
		LogLevel:        "info",
		LogFormat:       "text",
		LogSink:         "stdout",
		Locale:          "en",
	}
}

// Load builds the configuration from defaults, an optional YAML file
// (TALKA_CONFIG_FILE), an optional env file (TALKA_ENV_FILE or ./.env) and
// finally the process environment. Later sources win.
func Load() *Config {
	cfg := defaults()

	if path := os.Getenv("TALKA_CONFIG_FILE"); path != "" {
		if err := loadYAML(path, cfg); err != nil {
			slog.Warn("config: ignoring yaml file", "path", path, "error", err)
		}
	}

	loadEnvFile()

	cfg.Port = getEnv("PORT", cfg.Port)
	cfg.Environment = getEnv("ENVIRONMENT", cfg.Environment)
	cfg.DatabaseDriver = getEnv("DATABASE_DRIVER", cfg.DatabaseDriver)
	cfg.DatabaseURL = getEnv("DATABASE_URL", cfg.DatabaseURL)
	cfg.JWTSecret = getEnv("JWT_SECRET", cfg.JWTSecret)
	cfg.TokenTTL = parseDuration(getEnv("TOKEN_TTL", ""), cfg.TokenTTL)
	cfg.CORSOrigins = getEnv("CORS_ORIGINS", cfg.CORSOrigins)
	cfg.MaxUploadSize = parseInt64(getEnv("MAX_UPLOAD_SIZE", ""), cfg.MaxUploadSize)
	cfg.AdminPassword = getEnv("ADMIN_PASSWORD", cfg.AdminPassword)
	cfg.RedisURL = getEnv("REDIS_URL", cfg.RedisURL)
	cfg.MetricsCacheTTL = parseDuration(getEnv("METRICS_CACHE_TTL", ""), cfg.MetricsCacheTTL)
	cfg.LoginRateLimit = getEnv("LOGIN_RATE_LIMIT", cfg.LoginRateLimit)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getEnv("LOG_FORMAT", cfg.LogFormat)
	cfg.LogSink = getEnv("LOG_SINK", cfg.LogSink)
	cfg.Locale = getEnv("LOCALE", cfg.Locale)

	return cfg
}

// IsProduction reports whether the service runs with production settings.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

func loadYAML(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// loadEnvFile populates unset variables from an env file. godotenv.Load never
// overrides variables that already exist in the environment.
func loadEnvFile() {
	path := os.Getenv("TALKA_ENV_FILE")
	if path == "" {
		if _, err := os.Stat(".env"); err != nil {
			return
		}
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		slog.Warn("config: failed to load env file", "path", path, "error", err)
	}
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func parseInt64(s string, fallback int64) int64 {
	if s == "" {
		return fallback
	}
	val, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fallback
	}
	return val
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	val, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return val
}
