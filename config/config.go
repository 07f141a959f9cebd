// Package config persists local device settings as JSON in the data
// directory. Missing fields are filled with defaults and written back,
// so hand-edited files stay valid across upgrades.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

const (
	// BackendFile keeps the stores as JSON/CBOR files in the data dir.
	BackendFile = "file"
	// BackendSQLite keeps the stores in a sqlite database.
	BackendSQLite = "sqlite"

	// DefaultDebounceSeconds is the sighting debounce window.
	DefaultDebounceSeconds = 30
	// DefaultMaxCards caps the encounter store.
	DefaultMaxCards = 200

	configFileName = "config.json"
	dataDirName    = ".aircard"
)

// Config is the persisted device configuration.
type Config struct {
	DeviceID        string `json:"device_id"`
	DeviceName      string `json:"device_name"`
	LogLevel        string `json:"log_level"`
	StorageBackend  string `json:"storage_backend"`
	DebounceSeconds int    `json:"debounce_seconds"`
	MaxCards        int    `json:"max_cards"`
	// BenchDir is where the simulated radio keeps its sockets and
	// advertising sidecars. Empty means a shared temp directory.
	BenchDir string `json:"bench_dir"`
	// LANMode switches the simulated radio to TCP + mDNS.
	LANMode bool `json:"lan_mode"`
	// LANPort fixes the LAN listener port; zero picks one at launch.
	LANPort int `json:"lan_port"`
}

// Debounce returns the sighting debounce window as a duration.
func (c *Config) Debounce() time.Duration {
	return time.Duration(c.DebounceSeconds) * time.Second
}

// DataDir returns the data directory.
//
// If AIRCARD_DATA_DIR is set, its value is used as an explicit override.
func DataDir() (string, error) {
	if override := os.Getenv("AIRCARD_DATA_DIR"); override != "" {
		return override, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}
	return filepath.Join(home, dataDirName), nil
}

// Path returns the full path to config.json for a data directory.
func Path(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *Config) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// LoadOrCreate ensures the data directory and config exist, then returns
// the config and its path. Fields added since the file was written are
// filled in and persisted.
func LoadOrCreate() (*Config, string, error) {
	dataDir, err := DataDir()
	if err != nil {
		return nil, "", err
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create data dir %q: %w", dataDir, err)
	}

	cfgPath := Path(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}
		cfg = defaultConfig()
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
		return cfg, cfgPath, nil
	}

	if normalizeDefaults(cfg) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}
	return cfg, cfgPath, nil
}

func defaultConfig() *Config {
	cfg := &Config{}
	normalizeDefaults(cfg)
	return cfg
}

func normalizeDefaults(cfg *Config) bool {
	updated := false

	if cfg.DeviceID == "" {
		cfg.DeviceID = uuid.NewString()
		updated = true
	}
	if cfg.DeviceName == "" {
		name := "Aircard Device"
		if host, err := os.Hostname(); err == nil && host != "" {
			name = host
		}
		cfg.DeviceName = name
		updated = true
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "INFO"
		updated = true
	}
	if cfg.StorageBackend != BackendFile && cfg.StorageBackend != BackendSQLite {
		cfg.StorageBackend = BackendFile
		updated = true
	}
	if cfg.DebounceSeconds <= 0 {
		cfg.DebounceSeconds = DefaultDebounceSeconds
		updated = true
	}
	if cfg.MaxCards <= 0 {
		cfg.MaxCards = DefaultMaxCards
		updated = true
	}
	if cfg.LANPort < 0 {
		cfg.LANPort = 0
		updated = true
	}
	return updated
}
