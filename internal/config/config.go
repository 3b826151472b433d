package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Config is resolved once at startup and passed by value afterwards.
type Config struct {
	Port            string        `yaml:"port"`
	WebhookURL      string        `yaml:"webhook_url"`
	WebhookSecret   string        `yaml:"webhook_secret"`
	NotifyTitle     string        `yaml:"notify_title"`
	StoreBackend    string        `yaml:"store_backend"`
	StoreName       string        `yaml:"store_name"`
	RedisURL        string        `yaml:"redis_url"`
	RedisAddr       string        `yaml:"redis_addr"`
	StoreSiteID     string        `yaml:"store_site_id"`
	StoreToken      string        `yaml:"store_token"`
	DatabaseURL     string        `yaml:"database_url"`
	ClaimTTL        time.Duration `yaml:"claim_ttl"`
	RateLimitQPS    int           `yaml:"rate_limit_qps"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	OtelEndpoint    string        `yaml:"otel_endpoint"`
	OtelServiceName string        `yaml:"otel_service_name"`
	TraceSampleRate float64       `yaml:"trace_sample_rate"`
}

func defaults() Config {
	return Config{
		Port:            "8080",
		NotifyTitle:     "任务完成",
		StoreName:       "submissions",
		RedisAddr:       "localhost:6379",
		ClaimTTL:        30 * time.Second,
		AllowedOrigins:  []string{"*"},
		OtelServiceName: "taskrelay",
		TraceSampleRate: 1,
	}
}

// Load resolves configuration from defaults, an optional YAML file and the
// environment, in that order of precedence (environment wins). Every setting
// accepts two environment names; the first non-empty one is used.
func Load(path string) (Config, error) {
	cfg := defaults()
	if path == "" {
		path = os.Getenv("TASKRELAY_CONFIG")
	}
	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	cfg.Port = getEnv(cfg.Port, "PORT", "TASKRELAY_PORT")
	cfg.WebhookURL = getEnv(cfg.WebhookURL, "DINGTALK_WEBHOOK", "WEBHOOK_URL")
	cfg.WebhookSecret = getEnv(cfg.WebhookSecret, "DINGTALK_SECRET", "WEBHOOK_SECRET")
	cfg.NotifyTitle = getEnv(cfg.NotifyTitle, "NOTIFY_TITLE", "DINGTALK_TITLE")
	cfg.StoreBackend = getEnv(cfg.StoreBackend, "STORE_BACKEND", "KV_BACKEND")
	cfg.StoreName = getEnv(cfg.StoreName, "STORE_NAME", "BLOBS_STORE")
	cfg.RedisURL = getEnv(cfg.RedisURL, "REDIS_URL", "KV_URL")
	cfg.RedisAddr = getEnv(cfg.RedisAddr, "REDIS_ADDR", "KV_ADDR")
	cfg.StoreSiteID = getEnv(cfg.StoreSiteID, "STORE_SITE_ID", "NETLIFY_SITE_ID")
	cfg.StoreToken = getEnv(cfg.StoreToken, "STORE_TOKEN", "NETLIFY_BLOBS_TOKEN")
	cfg.DatabaseURL = getEnv(cfg.DatabaseURL, "DATABASE_URL", "POSTGRES_URL")
	var err error
	if cfg.ClaimTTL, err = getEnvDuration(cfg.ClaimTTL, "CLAIM_TTL", "SUBMISSION_CLAIM_TTL"); err != nil {
		return Config{}, err
	}
	if cfg.RateLimitQPS, err = getEnvInt(cfg.RateLimitQPS, "RATE_LIMIT_QPS", "FEEDBACK_QPS"); err != nil {
		return Config{}, err
	}
	if cfg.TraceSampleRate, err = getEnvFloat(cfg.TraceSampleRate, "OTEL_TRACES_SAMPLER_ARG", "TRACE_SAMPLE_RATE"); err != nil {
		return Config{}, err
	}
	if origins := getEnv("", "CORS_ORIGINS", "ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = splitList(origins)
	}
	cfg.OtelEndpoint = getEnv(cfg.OtelEndpoint, "OTEL_EXPORTER_OTLP_ENDPOINT", "OTEL_ENDPOINT")
	cfg.OtelServiceName = getEnv(cfg.OtelServiceName, "OTEL_SERVICE_NAME", "SERVICE_NAME")

	if cfg.StoreBackend == "" {
		cfg.StoreBackend = inferBackend(cfg)
	}
	cfg.StoreBackend = strings.ToLower(strings.TrimSpace(cfg.StoreBackend))

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// inferBackend picks redis when any redis setting is present, memory otherwise.
func inferBackend(cfg Config) string {
	if cfg.RedisURL != "" || (cfg.StoreSiteID != "" && cfg.StoreToken != "") {
		return BackendRedis
	}
	if cfg.DatabaseURL != "" {
		return BackendPostgres
	}
	return BackendMemory
}

// Validate checks that the configuration is usable.
func (c Config) Validate() error {
	switch c.StoreBackend {
	case BackendMemory:
	case BackendRedis:
		if c.RedisURL == "" && (c.StoreSiteID == "" || c.StoreToken == "") {
			return errors.New("redis backend needs REDIS_URL or STORE_SITE_ID with STORE_TOKEN")
		}
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return errors.New("postgres backend needs DATABASE_URL")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.StoreBackend)
	}
	if c.ClaimTTL <= 0 {
		return fmt.Errorf("claim ttl must be positive, got %s", c.ClaimTTL)
	}
	if c.StoreName == "" {
		return errors.New("store name is required")
	}
	if c.RateLimitQPS < 0 {
		return fmt.Errorf("rate limit must not be negative, got %d", c.RateLimitQPS)
	}
	if c.TraceSampleRate < 0 || c.TraceSampleRate > 1 {
		return fmt.Errorf("trace sample rate must be within [0,1], got %g", c.TraceSampleRate)
	}
	return nil
}

// Signed reports whether outbound calls carry a signature.
func (c Config) Signed() bool {
	return c.WebhookSecret != ""
}

func getEnv(def string, keys ...string) string {
	if _, v := lookupEnv(keys...); v != "" {
		return v
	}
	return def
}

// lookupEnv returns the first non-empty variable among keys and its name.
func lookupEnv(keys ...string) (string, string) {
	for _, key := range keys {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			return key, v
		}
	}
	return "", ""
}

func getEnvInt(def int, keys ...string) (int, error) {
	key, v := lookupEnv(keys...)
	if v == "" {
		return def, nil
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: want an integer", key, v)
	}
	return parsed, nil
}

func getEnvFloat(def float64, keys ...string) (float64, error) {
	key, v := lookupEnv(keys...)
	if v == "" {
		return def, nil
	}
	parsed, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: want a number", key, v)
	}
	return parsed, nil
}

func getEnvDuration(def time.Duration, keys ...string) (time.Duration, error) {
	key, v := lookupEnv(keys...)
	if v == "" {
		return def, nil
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: want a duration such as 30s", key, v)
	}
	return parsed, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
