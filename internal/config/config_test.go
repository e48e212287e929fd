package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}
	return path
}

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()
	if cfg.Port != 5555 {
		t.Errorf("default port = %d, want 5555", cfg.Port)
	}
	if cfg.DefaultMethod != "fastembed" {
		t.Errorf("default method = %q, want fastembed", cfg.DefaultMethod)
	}
	if cfg.LoadTimeout() != 120*time.Second {
		t.Errorf("load timeout = %v, want 120s", cfg.LoadTimeout())
	}
	if cfg.Runtimes.FastEmbedURL == "" || cfg.Runtimes.SentenceTransformersURL == "" {
		t.Error("default runtime URLs must not be empty")
	}
}

func TestLoadConfig(t *testing.T) {
	path := writeTempConfig(t, `
host: "127.0.0.1"
port: 8080
debug: true
api-keys:
  - "sk-one"
  - "  sk-one  "
  - ""
  - "sk-two"
default-model: "BAAI/bge-base-en"
preload:
  - method: FastEmbed
    model: "BAAI/bge-small-en"
  - method: fastembed
    model: "BAAI/bge-small-en"
  - method: sentence-transformers
    model: ""
runtimes:
  fastembed-url: "http://localhost:9000/"
inference-timeout: 45
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Addr() != "127.0.0.1:8080" {
		t.Errorf("Addr() = %q, want 127.0.0.1:8080", cfg.Addr())
	}
	if !cfg.Debug {
		t.Error("debug should be true")
	}
	if len(cfg.APIKeys) != 2 {
		t.Errorf("expected 2 normalized API keys, got %v", cfg.APIKeys)
	}
	if len(cfg.Preload) != 1 {
		t.Fatalf("expected 1 normalized preload entry, got %v", cfg.Preload)
	}
	if cfg.Preload[0].Method != "fastembed" || cfg.Preload[0].Model != "BAAI/bge-small-en" {
		t.Errorf("unexpected preload entry: %+v", cfg.Preload[0])
	}
	if cfg.Runtimes.FastEmbedURL != "http://localhost:9000" {
		t.Errorf("fastembed URL not trimmed: %q", cfg.Runtimes.FastEmbedURL)
	}
	// Absent keys keep defaults.
	if cfg.Runtimes.SentenceTransformersURL != "http://127.0.0.1:8602" {
		t.Errorf("sentence-transformers URL lost default: %q", cfg.Runtimes.SentenceTransformersURL)
	}
	if cfg.InferenceTimeout() != 45*time.Second {
		t.Errorf("inference timeout = %v, want 45s", cfg.InferenceTimeout())
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "nope.yaml")

	if _, err := LoadConfig(missing); err == nil {
		t.Error("LoadConfig should fail for a missing required file")
	}

	cfg, err := LoadConfigOptional(missing, true)
	if err != nil {
		t.Fatalf("LoadConfigOptional failed: %v", err)
	}
	if cfg.Port != 5555 {
		t.Errorf("optional load should return defaults, got port %d", cfg.Port)
	}
}

func TestLoadConfigOptionalInvalidYAML(t *testing.T) {
	path := writeTempConfig(t, "port: [not an int\n")

	cfg, err := LoadConfigOptional(path, true)
	if err != nil {
		t.Fatalf("LoadConfigOptional failed: %v", err)
	}
	if cfg.Port != 5555 {
		t.Errorf("invalid optional config should fall back to defaults, got port %d", cfg.Port)
	}

	if _, err := LoadConfig(path); err == nil {
		t.Error("LoadConfig should fail on invalid YAML when required")
	}
}
