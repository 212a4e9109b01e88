package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config holds all configuration fields for the application.
type Config struct {
	Port         string
	WebhookToken string

	DBDriver string
	DBDSN    string

	GraphAPIBaseURL string
	GraphAPIVersion string

	SelfURL       string
	SweepInterval time.Duration
	ProbeInterval time.Duration
	SweepLimit    int

	RabbitURL   string
	RabbitQueue string

	S3Endpoint  string
	S3Region    string
	S3Bucket    string
	S3AccessKey string
	S3SecretKey string
	S3PathStyle bool

	LogLevel  string
	LogFormat string
}

// Load reads configuration from environment variables, honoring a local
// .env file when present. Environment variables take precedence.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("No .env file found, relying on environment variables")
	}

	cfg := &Config{
		Port:            getenv("PORT", "8080"),
		WebhookToken:    os.Getenv("WEBHOOK_TOKEN"),
		DBDriver:        getenv("DB_DRIVER", "sqlite"),
		DBDSN:           getenv("DB_DSN", "file:instareply.db?_pragma=busy_timeout(5000)"),
		GraphAPIBaseURL: getenv("GRAPH_API_BASE_URL", "https://graph.instagram.com"),
		GraphAPIVersion: getenv("GRAPH_API_VERSION", "v21.0"),
		SweepInterval:   getenvDuration("SWEEP_INTERVAL", time.Minute),
		ProbeInterval:   getenvDuration("PROBE_INTERVAL", 14*time.Minute),
		SweepLimit:      getenvInt("SWEEP_LIMIT", 50),
		RabbitURL:       os.Getenv("RABBITMQ_URL"),
		RabbitQueue:     getenv("RABBITMQ_QUEUE", "instareply_audit"),
		S3Endpoint:      os.Getenv("S3_ENDPOINT"),
		S3Region:        getenv("S3_REGION", "us-east-1"),
		S3Bucket:        os.Getenv("S3_BUCKET"),
		S3AccessKey:     os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey:     os.Getenv("S3_SECRET_KEY"),
		S3PathStyle:     getenvBool("S3_PATH_STYLE", false),
		LogLevel:        getenv("LOG_LEVEL", "info"),
		LogFormat:       getenv("LOG_FORMAT", "console"),
	}

	cfg.SelfURL = getenv("SELF_URL", "http://localhost:"+cfg.Port)

	if cfg.WebhookToken == "" {
		return nil, fmt.Errorf("WEBHOOK_TOKEN must be set")
	}
	if cfg.DBDriver != "sqlite" && cfg.DBDriver != "postgres" {
		return nil, fmt.Errorf("unsupported DB_DRIVER %q (want sqlite or postgres)", cfg.DBDriver)
	}

	return cfg, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("Invalid duration, using default")
		return fallback
	}
	return d
}

func getenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		log.Warn().Str("key", key).Str("value", v).Msg("Invalid integer, using default")
		return fallback
	}
	return n
}

func getenvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
