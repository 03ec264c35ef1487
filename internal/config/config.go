package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds runtime settings. Values come from an optional YAML file and
// are then overridden by environment variables.
type Config struct {
	ServiceName string `yaml:"service_name"`
	Env         string `yaml:"env"`
	Port        string `yaml:"port"`

	DatabaseDSN string `yaml:"database_dsn"`

	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	AMQPURL         string        `yaml:"amqp_url"`
	EventsExchange  string        `yaml:"events_exchange"`
	AuditRoutingKey string        `yaml:"audit_routing_key"`
	NotifyTimeout   time.Duration `yaml:"notify_timeout"`

	JWTSecret string `yaml:"jwt_secret"`

	OTLPEndpoint string `yaml:"otlp_endpoint"`

	S3Endpoint        string `yaml:"s3_endpoint"`
	S3Region          string `yaml:"s3_region"`
	S3Bucket          string `yaml:"s3_bucket"`
	S3AccessKeyID     string `yaml:"s3_access_key_id"`
	S3SecretAccessKey string `yaml:"s3_secret_access_key"`
	S3PublicURL       string `yaml:"s3_public_url"`
	UploadDir         string `yaml:"upload_dir"`
	MaxUploadBytes    int64  `yaml:"max_upload_bytes"`

	TypingTTL       time.Duration `yaml:"typing_ttl"`
	TypingPerSecond float64       `yaml:"typing_per_second"`
	HistoryLimit    int           `yaml:"history_limit"`

	CORSOrigins []string `yaml:"cors_origins"`
	DebugRoutes bool     `yaml:"debug_routes"`
}

// Default returns the settings used when nothing is configured.
func Default() Config {
	return Config{
		ServiceName:     "messaging-service",
		Env:             "development",
		Port:            "8083",
		EventsExchange:  "messaging.events",
		AuditRoutingKey: "audit.messaging",
		NotifyTimeout:   3 * time.Second,
		S3Region:        "auto",
		UploadDir:       "uploads",
		MaxUploadBytes:  10 << 20,
		TypingTTL:       5 * time.Second,
		TypingPerSecond: 2,
		HistoryLimit:    200,
		CORSOrigins:     []string{"*"},
	}
}

// LoadDotEnv loads .env.local then .env without overriding variables that
// are already set. It returns the files it found.
func LoadDotEnv() []string {
	var loaded []string
	for _, f := range []string{".env.local", ".env"} {
		if _, err := os.Stat(f); err == nil {
			loaded = append(loaded, f)
		}
	}
	if len(loaded) > 0 {
		_ = godotenv.Load(loaded...)
	}
	return loaded
}

// Load builds the configuration from CONFIG_FILE (if set) and the environment.
func Load() (Config, error) {
	cfg := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.ServiceName = getEnv("SERVICE_NAME", cfg.ServiceName)
	cfg.Env = getEnv("APP_ENV", cfg.Env)
	cfg.Port = getEnv("PORT", cfg.Port)
	cfg.DatabaseDSN = getEnv("DB_DSN", cfg.DatabaseDSN)

	cfg.RedisAddr = getEnv("REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisPassword = getEnv("REDIS_PASSWORD", cfg.RedisPassword)
	cfg.RedisDB = getEnvInt("REDIS_DB", cfg.RedisDB)

	cfg.AMQPURL = getEnv("AMQP_URL", cfg.AMQPURL)
	cfg.EventsExchange = getEnv("EVENTS_EXCHANGE", cfg.EventsExchange)
	cfg.AuditRoutingKey = getEnv("AUDIT_ROUTING_KEY", cfg.AuditRoutingKey)
	cfg.NotifyTimeout = getEnvDuration("NOTIFY_TIMEOUT", cfg.NotifyTimeout)

	cfg.JWTSecret = getEnv("JWT_SECRET", cfg.JWTSecret)
	cfg.OTLPEndpoint = getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.OTLPEndpoint)

	cfg.S3Endpoint = getEnv("S3_ENDPOINT", cfg.S3Endpoint)
	cfg.S3Region = getEnv("S3_REGION", cfg.S3Region)
	cfg.S3Bucket = getEnv("S3_BUCKET", cfg.S3Bucket)
	cfg.S3AccessKeyID = getEnv("S3_ACCESS_KEY_ID", cfg.S3AccessKeyID)
	cfg.S3SecretAccessKey = getEnv("S3_SECRET_ACCESS_KEY", cfg.S3SecretAccessKey)
	cfg.S3PublicURL = getEnv("S3_PUBLIC_URL", cfg.S3PublicURL)
	cfg.UploadDir = getEnv("UPLOAD_DIR", cfg.UploadDir)
	cfg.MaxUploadBytes = int64(getEnvInt("MAX_UPLOAD_BYTES", int(cfg.MaxUploadBytes)))

	cfg.TypingTTL = getEnvDuration("TYPING_TTL", cfg.TypingTTL)
	cfg.TypingPerSecond = getEnvFloat("TYPING_PER_SECOND", cfg.TypingPerSecond)
	cfg.HistoryLimit = getEnvInt("HISTORY_LIMIT", cfg.HistoryLimit)

	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		parts := strings.Split(origins, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		cfg.CORSOrigins = parts
	}
	cfg.DebugRoutes = getEnvBool("DEBUG_ROUTES", cfg.DebugRoutes)
}

// Validate rejects settings the service cannot run with.
func (c Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.HistoryLimit <= 0 {
		return fmt.Errorf("history limit must be positive")
	}
	if c.TypingTTL <= 0 {
		return fmt.Errorf("typing ttl must be positive")
	}
	return nil
}

// Development reports whether human-friendly defaults should be used.
func (c Config) Development() bool {
	return c.Env == "development" || c.Env == "dev" || c.Env == "local"
}

func getEnv(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
