package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Primary store kinds.
const (
	StorePocketBase = "pocketbase"
	StorePostgres   = "postgres"
	StoreNone       = "none"
)

// PocketBase holds the primary record-store settings.
type PocketBase struct {
	URL                     string `yaml:"url"`
	AdminEmail              string `yaml:"admin_email"`
	AdminPassword           string `yaml:"admin_password"`
	SubscriptionsCollection string `yaml:"subscriptions_collection"`
	FailuresCollection      string `yaml:"failures_collection"`
	InboundCollection       string `yaml:"inbound_collection"`
}

// Config holds all runtime configuration for webhookd.
type Config struct {
	Port            int               `yaml:"port"`
	LogLevel        string            `yaml:"log_level"`
	PrimaryStore    string            `yaml:"primary_store"`
	PocketBase      PocketBase        `yaml:"pocketbase"`
	DatabaseURL     string            `yaml:"database_url"`
	DBMigrate       bool              `yaml:"db_migrate"`
	FallbackDir     string            `yaml:"fallback_dir"`
	FallbackMirror  bool              `yaml:"fallback_mirror"`
	AdminAPIKey     string            `yaml:"admin_api_key"`
	HonorRetries    bool              `yaml:"delivery_honor_retries"`
	UserAgent       string            `yaml:"delivery_user_agent"`
	RedisURL        string            `yaml:"redis_url"`
	EventsListener  bool              `yaml:"events_listener"`
	RateRPS         float64           `yaml:"rate_rps"`
	RateBurst       int               `yaml:"rate_burst"`
	ReceiveSecrets  map[string]string `yaml:"receive_secrets"`
	ShutdownTimeout time.Duration     `yaml:"shutdown_timeout"`
}

// Defaults returns the configuration used when nothing is set.
func Defaults() *Config {
	return &Config{
		Port:         8080,
		LogLevel:     "info",
		PrimaryStore: StorePocketBase,
		PocketBase: PocketBase{
			URL:                     "http://127.0.0.1:8090",
			SubscriptionsCollection: "webhooks",
			FailuresCollection:      "webhook_failures",
			InboundCollection:       "webhook_logs",
		},
		DBMigrate:       true,
		FallbackDir:     ".cache",
		UserAgent:       "webhookd/1.0",
		RateBurst:       20,
		ReceiveSecrets:  map[string]string{},
		ShutdownTimeout: 10 * time.Second,
	}
}

// Load applies, in order: defaults, the YAML file named by WEBHOOKD_CONFIG (if
// set), then environment variables. It returns an error for any invalid value.
func Load() (*Config, error) {
	cfg := Defaults()
	if path := os.Getenv("WEBHOOKD_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := decodeYAML(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeYAML(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Config) applyEnv() error {
	setStr(&c.LogLevel, "LOG_LEVEL")
	setStr(&c.PrimaryStore, "PRIMARY_STORE")
	setStr(&c.PocketBase.URL, "POCKETBASE_URL")
	setStr(&c.PocketBase.AdminEmail, "POCKETBASE_ADMIN_EMAIL")
	setStr(&c.PocketBase.AdminPassword, "POCKETBASE_ADMIN_PASSWORD")
	setStr(&c.PocketBase.SubscriptionsCollection, "WEBHOOKS_COLLECTION")
	setStr(&c.PocketBase.FailuresCollection, "WEBHOOKS_FAILURES_COLLECTION")
	setStr(&c.PocketBase.InboundCollection, "WEBHOOKS_INBOUND_COLLECTION")
	setStr(&c.DatabaseURL, "DATABASE_URL")
	setStr(&c.FallbackDir, "FALLBACK_DIR")
	setStr(&c.AdminAPIKey, "WEBHOOKS_ADMIN_API_KEY")
	setStr(&c.UserAgent, "DELIVERY_USER_AGENT")
	setStr(&c.RedisURL, "REDIS_URL")

	if err := setInt(&c.Port, "PORT"); err != nil {
		return err
	}
	if err := setInt(&c.RateBurst, "RATE_BURST"); err != nil {
		return err
	}
	if err := setFloat(&c.RateRPS, "RATE_RPS"); err != nil {
		return err
	}
	for key, dst := range map[string]*bool{
		"DB_MIGRATE":             &c.DBMigrate,
		"FALLBACK_MIRROR":        &c.FallbackMirror,
		"DELIVERY_HONOR_RETRIES": &c.HonorRetries,
		"EVENTS_LISTENER":        &c.EventsListener,
	} {
		if err := setBool(dst, key); err != nil {
			return err
		}
	}
	if err := setDuration(&c.ShutdownTimeout, "SHUTDOWN_TIMEOUT"); err != nil {
		return err
	}
	if v := os.Getenv("RECEIVE_SECRETS"); v != "" {
		secrets, err := ParseSecrets(v)
		if err != nil {
			return fmt.Errorf("invalid RECEIVE_SECRETS: %w", err)
		}
		c.ReceiveSecrets = secrets
	}
	return nil
}

// Validate checks value ranges and enumerations.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid PORT: %d", c.Port)
	}
	if !isValidLogLevel(c.LogLevel) {
		return fmt.Errorf("invalid LOG_LEVEL: %q, must be one of: debug, info, warn, error", c.LogLevel)
	}
	switch c.PrimaryStore {
	case StorePocketBase, StoreNone:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return errors.New("PRIMARY_STORE=postgres requires DATABASE_URL")
		}
	default:
		return fmt.Errorf("invalid PRIMARY_STORE: %q, must be one of: pocketbase, postgres, none", c.PrimaryStore)
	}
	if c.FallbackDir == "" {
		return errors.New("FALLBACK_DIR must not be empty")
	}
	if c.RateRPS < 0 || c.RateBurst < 0 {
		return fmt.Errorf("invalid rate limit: rps=%v burst=%d", c.RateRPS, c.RateBurst)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("invalid SHUTDOWN_TIMEOUT: %v", c.ShutdownTimeout)
	}
	return nil
}

// Public returns the configuration without credentials, for diagnostics.
func (c *Config) Public() map[string]any {
	ids := make([]string, 0, len(c.ReceiveSecrets))
	for id := range c.ReceiveSecrets {
		ids = append(ids, id)
	}
	return map[string]any{
		"port":                   c.Port,
		"log_level":              c.LogLevel,
		"primary_store":          c.PrimaryStore,
		"pocketbase_url":         c.PocketBase.URL,
		"collections":            []string{c.PocketBase.SubscriptionsCollection, c.PocketBase.FailuresCollection, c.PocketBase.InboundCollection},
		"has_database_url":       c.DatabaseURL != "",
		"has_redis_url":          c.RedisURL != "",
		"fallback_dir":           c.FallbackDir,
		"fallback_mirror":        c.FallbackMirror,
		"admin_key_set":          c.AdminAPIKey != "",
		"delivery_honor_retries": c.HonorRetries,
		"events_listener":        c.EventsListener,
		"rate_rps":               c.RateRPS,
		"rate_burst":             c.RateBurst,
		"receive_identifiers":    ids,
	}
}

// Level is LogLevel as a slog level.
func (c *Config) Level() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// ParseSecrets parses "id=secret,id2=secret2".
func ParseSecrets(s string) (map[string]string, error) {
	out := map[string]string{}
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		id, secret, ok := strings.Cut(pair, "=")
		id, secret = strings.TrimSpace(id), strings.TrimSpace(secret)
		if !ok || id == "" || secret == "" {
			return nil, fmt.Errorf("malformed entry %q, want id=secret", pair)
		}
		out[id] = secret
	}
	return out, nil
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = n
	return nil
}

func setFloat(dst *float64, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = f
	return nil
}

func setBool(dst *bool, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = b
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = d
	return nil
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	}
	return false
}
