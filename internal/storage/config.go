package storage

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

type Config struct {
	DataDir string `yaml:"data_dir,omitempty"`

	Database struct {
		Path string `yaml:"path,omitempty"`
	} `yaml:"database"`

	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`

	Sync struct {
		MaxResults          int `yaml:"max_results"`
		FetchTimeoutSeconds int `yaml:"fetch_timeout_seconds"`
	} `yaml:"sync"`

	Embed struct {
		MaxInFlight    int `yaml:"max_in_flight"`
		TimeoutSeconds int `yaml:"timeout_seconds"`
	} `yaml:"embed"`
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.Server.Addr = "127.0.0.1:5050"
	cfg.Sync.MaxResults = 2000
	cfg.Sync.FetchTimeoutSeconds = 30
	cfg.Embed.MaxInFlight = 4
	cfg.Embed.TimeoutSeconds = 10
	return cfg
}

// LoadConfig reads a yaml config file over the defaults. A missing file is
// not an error; the defaults stand.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// DefaultDataDir returns the per-user data directory for caches and
// credential files, creating it if needed.
func DefaultDataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	dir := filepath.Join(home, ".bcfeed")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create data directory: %w", err)
	}
	return dir, nil
}
