// Package config provides configuration management for the embedding gateway.
// It handles loading and parsing YAML configuration files, and provides
// structured access to application settings including the listen address,
// runtime endpoints, preload lists, debug settings, and API keys.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application's configuration, loaded from a YAML file.
type Config struct {
	// Host is the network interface the HTTP server binds to.
	Host string `yaml:"host" json:"host"`

	// Port is the TCP port the HTTP server listens on.
	Port int `yaml:"port" json:"port"`

	// Debug enables verbose logging and gin debug mode.
	Debug bool `yaml:"debug" json:"debug"`

	// LoggingToFile redirects log output to rotating files instead of stdout.
	LoggingToFile bool `yaml:"logging-to-file" json:"logging-to-file"`

	// APIKeys is a list of keys for authenticating clients to this gateway.
	// An empty list disables request authentication.
	APIKeys []string `yaml:"api-keys" json:"api-keys"`

	// DefaultModel is used by inference requests that omit a model name.
	DefaultModel string `yaml:"default-model" json:"default-model"`

	// DefaultMethod selects the backend used when a request omits one.
	DefaultMethod string `yaml:"default-method" json:"default-method"`

	// Preload lists models loaded eagerly at startup before the server
	// begins accepting traffic.
	Preload []PreloadEntry `yaml:"preload,omitempty" json:"preload,omitempty"`

	// Runtimes holds the endpoints of the model runtime backends.
	Runtimes RuntimeConfig `yaml:"runtimes" json:"runtimes"`

	// LoadTimeoutSecs bounds a single model load, in seconds.
	LoadTimeoutSecs int `yaml:"load-timeout" json:"load-timeout"`

	// InferenceTimeoutSecs bounds a single inference call, in seconds.
	InferenceTimeoutSecs int `yaml:"inference-timeout" json:"inference-timeout"`

	// UsageStatisticsEnabled toggles in-memory usage counters.
	UsageStatisticsEnabled bool `yaml:"usage-statistics-enabled" json:"usage-statistics-enabled"`

	// UsagePersistence defines SQLite persistence settings for usage records.
	UsagePersistence UsagePersistence `yaml:"usage-persistence" json:"usage-persistence"`
}

// PreloadEntry names one model to load at startup.
type PreloadEntry struct {
	// Method selects the backend, "fastembed" or "sentence-transformers".
	Method string `yaml:"method" json:"method"`

	// Model is the model identifier understood by the backend.
	Model string `yaml:"model" json:"model"`

	// TrustRemoteCode is forwarded to backends that execute model
	// repository code during load.
	TrustRemoteCode bool `yaml:"trust-remote-code,omitempty" json:"trust-remote-code,omitempty"`
}

// RuntimeConfig holds base URLs of the inference runtime backends.
type RuntimeConfig struct {
	// FastEmbedURL is the base URL of the fastembed ONNX runtime service.
	FastEmbedURL string `yaml:"fastembed-url" json:"fastembed-url"`

	// SentenceTransformersURL is the base URL of the sentence-transformers
	// runtime service. It must expose an OpenAI-compatible embeddings API.
	SentenceTransformersURL string `yaml:"sentence-transformers-url" json:"sentence-transformers-url"`

	// SentenceTransformersAPIKey is the bearer token sent to the
	// sentence-transformers runtime. Local runtimes ignore it.
	SentenceTransformersAPIKey string `yaml:"sentence-transformers-api-key,omitempty" json:"sentence-transformers-api-key,omitempty"`
}

// UsagePersistence defines SQLite persistence settings for usage records.
type UsagePersistence struct {
	// Enabled toggles SQLite persistence for usage records.
	Enabled bool `yaml:"enabled" json:"enabled"`

	// DBPath is the filesystem path to the SQLite database file.
	DBPath string `yaml:"db-path" json:"db-path"`

	// BatchSize defines the number of records to batch before writing to database.
	BatchSize int `yaml:"batch-size" json:"batch-size"`

	// FlushIntervalSecs defines how often to flush pending writes (in seconds).
	FlushIntervalSecs int `yaml:"flush-interval" json:"flush-interval"`

	// RetentionDays defines how many days of records to keep before cleanup.
	RetentionDays int `yaml:"retention-days" json:"retention-days"`
}

// LoadTimeout returns the model load deadline as a duration.
func (c *Config) LoadTimeout() time.Duration {
	if c == nil || c.LoadTimeoutSecs <= 0 {
		return 120 * time.Second
	}
	return time.Duration(c.LoadTimeoutSecs) * time.Second
}

// InferenceTimeout returns the inference deadline as a duration.
func (c *Config) InferenceTimeout() time.Duration {
	if c == nil || c.InferenceTimeoutSecs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.InferenceTimeoutSecs) * time.Second
}

// Addr returns the host:port listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// NewDefaultConfig creates a new Config with sensible defaults.
// This allows the server to run without a config file against local runtimes.
func NewDefaultConfig() *Config {
	return &Config{
		Host:                 "0.0.0.0",
		Port:                 5555,
		DefaultModel:         "intfloat/multilingual-e5-large",
		DefaultMethod:        "fastembed",
		LoadTimeoutSecs:      120,
		InferenceTimeoutSecs: 30,
		Runtimes: RuntimeConfig{
			FastEmbedURL:            "http://127.0.0.1:8601",
			SentenceTransformersURL: "http://127.0.0.1:8602",
		},
		UsageStatisticsEnabled: true,
		UsagePersistence: UsagePersistence{
			DBPath:            "usage.db",
			BatchSize:         50,
			FlushIntervalSecs: 60,
			RetentionDays:     30,
		},
	}
}

// GenerateDefaultConfigYAML generates a minimal default config YAML from NewDefaultConfig().
func GenerateDefaultConfigYAML() []byte {
	cfg := NewDefaultConfig()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		// Fallback to minimal config if marshaling fails
		return []byte("host: \"0.0.0.0\"\nport: 5555\n")
	}
	return data
}

// LoadConfig reads a YAML configuration file from the given path,
// unmarshals it into a Config struct, normalizes it, and returns it.
func LoadConfig(configFile string) (*Config, error) {
	return LoadConfigOptional(configFile, false)
}

// LoadConfigOptional reads YAML from configFile.
// If optional is true and the file is missing, empty, or invalid, it
// returns a default Config instead of an error.
func LoadConfigOptional(configFile string, optional bool) (*Config, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		if optional {
			if os.IsNotExist(err) || errors.Is(err, syscall.EISDIR) {
				return NewDefaultConfig(), nil
			}
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if optional && len(data) == 0 {
		return NewDefaultConfig(), nil
	}

	// Start with defaults so absent keys keep sensible values.
	cfg := *NewDefaultConfig()
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		if optional {
			return NewDefaultConfig(), nil
		}
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.APIKeys = NormalizeAPIKeys(cfg.APIKeys)
	cfg.Preload = NormalizePreload(cfg.Preload)
	cfg.Runtimes.FastEmbedURL = strings.TrimRight(strings.TrimSpace(cfg.Runtimes.FastEmbedURL), "/")
	cfg.Runtimes.SentenceTransformersURL = strings.TrimRight(strings.TrimSpace(cfg.Runtimes.SentenceTransformersURL), "/")

	return &cfg, nil
}

// NormalizeAPIKeys trims keys and removes empty and duplicate entries while
// preserving the order of first occurrences.
func NormalizeAPIKeys(keys []string) []string {
	if len(keys) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, raw := range keys {
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" {
			continue
		}
		if _, exists := seen[trimmed]; exists {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// NormalizePreload drops preload entries without a model, lowercases the
// method, and deduplicates method/model pairs preserving first occurrences.
func NormalizePreload(entries []PreloadEntry) []PreloadEntry {
	if len(entries) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(entries))
	out := make([]PreloadEntry, 0, len(entries))
	for _, e := range entries {
		e.Method = strings.ToLower(strings.TrimSpace(e.Method))
		e.Model = strings.TrimSpace(e.Model)
		if e.Model == "" {
			continue
		}
		key := e.Method + ":" + e.Model
		if _, exists := seen[key]; exists {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, e)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
