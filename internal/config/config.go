// Package config collects this service's runtime configuration into one
// struct, grouped the way the teacher groups KVCacheConfig/BatchConfig/
// PolicyConfig in sim/config.go, with environment defaults and an
// optional YAML overlay.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig groups the process's network identity.
type ServerConfig struct {
	Host string
	Port int
}

// NodeConfig groups this node's identity within a larger deployment.
type NodeConfig struct {
	ID      string
	BaseURL string
}

// APIConfig groups the coordinating control-plane API this node reports
// to (out of scope to implement, but its address shape is carried
// through so a future transport has somewhere to read it from).
type APIConfig struct {
	BaseURL           string
	Secret            string
	HeartbeatInterval time.Duration
}

// ModelConfig groups the model this node auto-loads at startup. Either
// field may be empty, meaning "load nothing at startup; rely on
// model_load calls".
type ModelConfig struct {
	ID          string
	Path        string
	ContextSize int
}

// SessionConfig groups the session store's capacity policy.
type SessionConfig struct {
	IdleTTL time.Duration
	MaxLen  int
}

// Config is the complete set of knobs this service reads at startup.
type Config struct {
	Server  ServerConfig
	Node    NodeConfig
	API     APIConfig
	Model   ModelConfig
	Session SessionConfig

	// LogLevel is read from LOG_LEVEL and not parsed here. The CLI does
	// not use it: it takes its level from the --log flag.
	LogLevel string
}

// FromEnv builds a Config from environment variables, applying the
// defaults documented inline. It never fails: malformed numeric/duration
// values fall back to their default and are left for the caller to
// notice via logging, matching the teacher's tolerant CLI-flag defaults
// rather than a hard validation pass.
func FromEnv() Config {
	return Config{
		Server: ServerConfig{
			Host: envString("HOST", "0.0.0.0"),
			Port: envInt("PORT", 8080),
		},
		Node: NodeConfig{
			ID:      envString("NODE_ID", ""),
			BaseURL: envString("NODE_BASE_URL", ""),
		},
		API: APIConfig{
			BaseURL:           envString("API_BASE_URL", ""),
			Secret:            envString("API_SECRET", ""),
			HeartbeatInterval: envSeconds("API_HEARTBEAT_SECONDS", 30*time.Second),
		},
		Model: ModelConfig{
			ID:          envString("MODEL_ID", ""),
			Path:        envString("MODEL_PATH", ""),
			ContextSize: envInt("MODEL_CONTEXT_SIZE", 0),
		},
		Session: SessionConfig{
			IdleTTL: envSeconds("GPT_SESSION_TTL", 15*time.Minute),
			MaxLen:  envInt("GPT_SESSION_MAX", 64),
		},
		LogLevel: envString("LOG_LEVEL", "info"),
	}
}

// Overlay holds the subset of Config that may be supplied via a YAML
// file: the session TTL and cap, and the startup model. It has no
// sampling or scheduler fields; everything else comes from the
// environment only. Mirrors the teacher's workload-config YAML loading
// (sim's GuideLLMConfig file input).
type Overlay struct {
	Session struct {
		IdleTTLSeconds int `yaml:"idle_ttl_seconds"`
		MaxLen         int `yaml:"max_len"`
	} `yaml:"session"`
	Model struct {
		ID          string `yaml:"id"`
		Path        string `yaml:"path"`
		ContextSize int    `yaml:"context_size"`
	} `yaml:"model"`
}

// ApplyYAMLFile reads path and overlays any non-zero fields onto cfg. A
// missing or empty path is a no-op, not an error.
func ApplyYAMLFile(cfg Config, path string) (Config, error) {
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config overlay %s: %w", path, err)
	}
	var ov Overlay
	if err := yaml.Unmarshal(data, &ov); err != nil {
		return cfg, fmt.Errorf("parse config overlay %s: %w", path, err)
	}
	if ov.Session.IdleTTLSeconds > 0 {
		cfg.Session.IdleTTL = time.Duration(ov.Session.IdleTTLSeconds) * time.Second
	}
	if ov.Session.MaxLen > 0 {
		cfg.Session.MaxLen = ov.Session.MaxLen
	}
	if ov.Model.ID != "" {
		cfg.Model.ID = ov.Model.ID
	}
	if ov.Model.Path != "" {
		cfg.Model.Path = ov.Model.Path
	}
	if ov.Model.ContextSize > 0 {
		cfg.Model.ContextSize = ov.Model.ContextSize
	}
	return cfg, nil
}

// ModelManifest is the wire shape of a `model load --from models.yaml`
// bulk-registration file: a flat list of id/path pairs.
type ModelManifest struct {
	Models []struct {
		ID   string `yaml:"id"`
		Path string `yaml:"path"`
	} `yaml:"models"`
}

// LoadManifest parses a models.yaml bulk-registration file.
func LoadManifest(path string) (ModelManifest, error) {
	var m ModelManifest
	data, err := os.ReadFile(path)
	if err != nil {
		return m, fmt.Errorf("read manifest %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	return m, nil
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envSeconds(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return time.Duration(n) * time.Second
}
