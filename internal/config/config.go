// Package config reads process configuration from the environment, with an
// optional .env file for local runs.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

type Config struct {
	HTTPPort   string
	LogLevel   logrus.Level
	CORSOrigin string

	// DatabaseURL selects the Postgres order store. Empty keeps orders in memory.
	DatabaseURL   string
	CatalogDriver string
	CatalogDSN    string

	// KafkaBrokers enables the event and notification topics. Empty sends
	// notifications directly from the server process.
	KafkaBrokers []string
	KafkaGroupID string

	// RedisAddr enables the shared presence registry.
	RedisAddr     string
	RedisPassword string
	PresenceTTL   time.Duration

	JWTSecret string
	TokenTTL  time.Duration

	PaymentBaseURL   string
	PaymentKeyID     string
	PaymentKeySecret string
	PaymentCurrency  string

	DefaultPrepTime   time.Duration
	DefaultTravelTime time.Duration

	SMTPAddr     string
	SMTPFrom     string
	SMTPUsername string
	SMTPPassword string

	LocationUpdatesPerSecond float64
	LocationUpdateBurst      int

	ShutdownTimeout time.Duration
}

// Load reads .env if present and then the environment. Unset or unparsable
// values fall back to defaults.
func Load(logger *logrus.Logger) Config {
	if err := godotenv.Load(); err == nil {
		logger.Debug("Loaded .env file")
	}

	cfg := Config{
		HTTPPort:      getEnv("HTTP_PORT", "8080"),
		LogLevel:      getLogLevel("LOG_LEVEL", logrus.InfoLevel),
		CORSOrigin:    getEnv("CORS_ORIGIN", "*"),
		DatabaseURL:   getEnv("DATABASE_URL", ""),
		CatalogDriver: getEnv("CATALOG_DRIVER", "sqlite"),
		CatalogDSN:    getEnv("CATALOG_DSN", "file:fooddash.db?cache=shared"),

		KafkaBrokers: getEnvList("KAFKA_BROKERS"),
		KafkaGroupID: getEnv("KAFKA_GROUP_ID", "fooddash-notifier"),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		PresenceTTL:   getEnvDuration("PRESENCE_TTL", 24*time.Hour),

		JWTSecret: getEnv("JWT_SECRET", ""),
		TokenTTL:  getEnvDuration("TOKEN_TTL", 7*24*time.Hour),

		PaymentBaseURL:   getEnv("PAYMENT_BASE_URL", "https://api.razorpay.com"),
		PaymentKeyID:     getEnv("PAYMENT_KEY_ID", ""),
		PaymentKeySecret: getEnv("PAYMENT_KEY_SECRET", ""),
		PaymentCurrency:  getEnv("PAYMENT_CURRENCY", "INR"),

		DefaultPrepTime:   time.Duration(getEnvInt("DEFAULT_PREP_MINUTES", 20)) * time.Minute,
		DefaultTravelTime: time.Duration(getEnvInt("DEFAULT_TRAVEL_MINUTES", 30)) * time.Minute,

		SMTPAddr:     getEnv("SMTP_ADDR", ""),
		SMTPFrom:     getEnv("SMTP_FROM", "orders@fooddash.local"),
		SMTPUsername: getEnv("SMTP_USERNAME", ""),
		SMTPPassword: getEnv("SMTP_PASSWORD", ""),

		LocationUpdatesPerSecond: getEnvFloat("LOCATION_UPDATES_PER_SECOND", 2),
		LocationUpdateBurst:      getEnvInt("LOCATION_UPDATE_BURST", 5),

		ShutdownTimeout: getEnvDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
	}

	logger.WithFields(logrus.Fields{
		"http_port":      cfg.HTTPPort,
		"order_store":    storeKind(cfg.DatabaseURL),
		"catalog_driver": cfg.CatalogDriver,
		"kafka_brokers":  strings.Join(cfg.KafkaBrokers, ","),
		"redis":          cfg.RedisAddr != "",
		"smtp":           cfg.SMTPAddr != "",
	}).Info("Configuration loaded")
	return cfg
}

func storeKind(dsn string) string {
	if dsn == "" {
		return "memory"
	}
	return "postgres"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getLogLevel(key string, defaultValue logrus.Level) logrus.Level {
	if value := os.Getenv(key); value != "" {
		if level, err := logrus.ParseLevel(value); err == nil {
			return level
		}
	}
	return defaultValue
}
