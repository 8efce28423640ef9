// Package config provides configuration for Keepsake. Settings come from
// defaults, then an optional YAML file, then environment variables with the
// KEEPSAKE_ prefix — env always wins. One Config is constructed at process
// start and passed explicitly to every component; there are no ambient
// configuration singletons.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Config holds all settings for the Keepsake server.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Judge     JudgeConfig     `yaml:"judge"`
	Recall    RecallConfig    `yaml:"recall"`
	Events    EventsConfig    `yaml:"events"`
	Templates TemplatesConfig `yaml:"templates"`
	Auth      AuthConfig      `yaml:"auth"`
	Log       LogConfig       `yaml:"log"`
}

// TemplatesConfig locates persona templates on disk.
type TemplatesConfig struct {
	// Root is the directory persona templates are resolved under.
	Root string `yaml:"root"` // default ./personas
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"` // default 127.0.0.1
	Port int    `yaml:"port"` // default 8750

	// RateRPS and RateBurst bound per-key request throughput.
	RateRPS   float64 `yaml:"rate_rps"`   // default 50
	RateBurst int     `yaml:"rate_burst"` // default 100
}

// StorageConfig selects and tunes the storage backend.
type StorageConfig struct {
	// Backend is "sqlite" or "postgres".
	Backend  string `yaml:"backend"`
	DataPath string `yaml:"data_path"` // sqlite database directory, default ./data

	// PostgresDSN is the lib/pq connection string for the postgres backend.
	PostgresDSN string `yaml:"postgres_dsn"`

	BusyTimeoutMS int `yaml:"busy_timeout_ms"` // sqlite lock wait, default 5000
	MaxConns      int `yaml:"max_conns"`       // postgres pool size, default 10
}

// JudgeConfig tunes the write policy.
type JudgeConfig struct {
	// MaxContentLen denies writes longer than this many bytes; 0 disables.
	MaxContentLen int `yaml:"max_content_len"`
	// SensitivePolicy names the content screening policy, default "strict".
	SensitivePolicy string `yaml:"sensitive_policy"`
}

// RecallConfig bounds assembled recall output.
type RecallConfig struct {
	MaxProfileChars  int `yaml:"max_profile_chars"` // default 2000
	SnippetLimit     int `yaml:"snippet_limit"`     // default 20
	SnippetDays      int `yaml:"snippet_days"`      // default 7
	PerItemCap       int `yaml:"per_item_cap"`      // default 500
	ProfileCacheSize int `yaml:"profile_cache"`     // default 1024
}

// EventsConfig selects the outbound event sink.
type EventsConfig struct {
	// Sink is "none", "file", or "webhook". The websocket hub is always on.
	Sink       string `yaml:"sink"`
	WebhookURL string `yaml:"webhook_url"`
}

// AuthConfig maps API keys to tenants.
type AuthConfig struct {
	// APIKeys is "key:tenant,key2:tenant2". Empty disables auth, which is
	// only acceptable for local development.
	APIKeys string `yaml:"api_keys"`
}

// LogConfig controls zerolog output.
type LogConfig struct {
	Level  string `yaml:"level"`  // default "info"
	Pretty bool   `yaml:"pretty"` // human-readable console output
}

// Load builds the config: defaults, then the YAML file named by
// KEEPSAKE_CONFIG (if any), then KEEPSAKE_* environment variables.
func Load() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("KEEPSAKE_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: failed to parse %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if cfg.Storage.Backend != "sqlite" && cfg.Storage.Backend != "postgres" {
		return nil, fmt.Errorf("config: unknown storage backend %q", cfg.Storage.Backend)
	}
	if cfg.Storage.Backend == "postgres" && cfg.Storage.PostgresDSN == "" {
		return nil, fmt.Errorf("config: postgres backend requires KEEPSAKE_POSTGRES_DSN")
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host:      "127.0.0.1",
			Port:      8750,
			RateRPS:   50,
			RateBurst: 100,
		},
		Storage: StorageConfig{
			Backend:       "sqlite",
			DataPath:      "./data",
			BusyTimeoutMS: 5000,
			MaxConns:      10,
		},
		Judge: JudgeConfig{
			MaxContentLen:   8192,
			SensitivePolicy: "strict",
		},
		Recall: RecallConfig{
			MaxProfileChars:  2000,
			SnippetLimit:     20,
			SnippetDays:      7,
			PerItemCap:       500,
			ProfileCacheSize: 1024,
		},
		Events:    EventsConfig{Sink: "none"},
		Templates: TemplatesConfig{Root: "./personas"},
		Log:       LogConfig{Level: "info"},
	}
}

func applyEnv(cfg *Config) {
	cfg.Server.Host = getEnv("KEEPSAKE_HOST", cfg.Server.Host)
	cfg.Server.Port = getEnvInt("KEEPSAKE_PORT", cfg.Server.Port)
	cfg.Server.RateRPS = getEnvFloat("KEEPSAKE_RATE_RPS", cfg.Server.RateRPS)
	cfg.Server.RateBurst = getEnvInt("KEEPSAKE_RATE_BURST", cfg.Server.RateBurst)

	cfg.Storage.Backend = getEnv("KEEPSAKE_STORAGE_BACKEND", cfg.Storage.Backend)
	cfg.Storage.DataPath = getEnv("KEEPSAKE_DATA_PATH", cfg.Storage.DataPath)
	cfg.Storage.PostgresDSN = getEnv("KEEPSAKE_POSTGRES_DSN", cfg.Storage.PostgresDSN)
	cfg.Storage.BusyTimeoutMS = getEnvInt("KEEPSAKE_BUSY_TIMEOUT_MS", cfg.Storage.BusyTimeoutMS)
	cfg.Storage.MaxConns = getEnvInt("KEEPSAKE_MAX_CONNS", cfg.Storage.MaxConns)

	cfg.Judge.MaxContentLen = getEnvInt("KEEPSAKE_MAX_CONTENT_LEN", cfg.Judge.MaxContentLen)
	cfg.Judge.SensitivePolicy = getEnv("KEEPSAKE_SENSITIVE_POLICY", cfg.Judge.SensitivePolicy)

	cfg.Recall.MaxProfileChars = getEnvInt("KEEPSAKE_MAX_PROFILE_CHARS", cfg.Recall.MaxProfileChars)
	cfg.Recall.SnippetLimit = getEnvInt("KEEPSAKE_SNIPPET_LIMIT", cfg.Recall.SnippetLimit)
	cfg.Recall.SnippetDays = getEnvInt("KEEPSAKE_SNIPPET_DAYS", cfg.Recall.SnippetDays)
	cfg.Recall.PerItemCap = getEnvInt("KEEPSAKE_PER_ITEM_CAP", cfg.Recall.PerItemCap)
	cfg.Recall.ProfileCacheSize = getEnvInt("KEEPSAKE_PROFILE_CACHE", cfg.Recall.ProfileCacheSize)

	cfg.Events.Sink = getEnv("KEEPSAKE_EVENT_SINK", cfg.Events.Sink)
	cfg.Events.WebhookURL = getEnv("KEEPSAKE_EVENT_WEBHOOK_URL", cfg.Events.WebhookURL)

	cfg.Templates.Root = getEnv("KEEPSAKE_TEMPLATE_ROOT", cfg.Templates.Root)

	cfg.Auth.APIKeys = getEnv("KEEPSAKE_API_KEYS", cfg.Auth.APIKeys)

	cfg.Log.Level = getEnv("KEEPSAKE_LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Pretty = getEnvBool("KEEPSAKE_LOG_PRETTY", cfg.Log.Pretty)
}

// ParseAPIKeys parses the "key:tenant,key2:tenant2" form into a lookup map.
func (a AuthConfig) ParseAPIKeys() (map[string]string, error) {
	keys := make(map[string]string)
	if a.APIKeys == "" {
		return keys, nil
	}
	for _, pair := range strings.Split(a.APIKeys, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, tenant, ok := strings.Cut(pair, ":")
		if !ok || key == "" || tenant == "" {
			return nil, fmt.Errorf("config: malformed api key entry %q", pair)
		}
		keys[key] = tenant
	}
	return keys, nil
}

// NewLogger builds the process logger from the log settings.
func NewLogger(cfg LogConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if cfg.Pretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(level).With().Timestamp().Logger()
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
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
