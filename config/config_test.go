package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOrCreateWritesDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("AIRCARD_DATA_DIR", dir)

	cfg, path, err := LoadOrCreate()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "config.json"), path)
	assert.FileExists(t, path)

	assert.NotEmpty(t, cfg.DeviceID)
	assert.NotEmpty(t, cfg.DeviceName)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, BackendFile, cfg.StorageBackend)
	assert.Equal(t, DefaultDebounceSeconds, cfg.DebounceSeconds)
	assert.Equal(t, DefaultMaxCards, cfg.MaxCards)
	assert.Equal(t, 30*time.Second, cfg.Debounce())
}

func TestLoadOrCreateIsStableAcrossRuns(t *testing.T) {
	t.Setenv("AIRCARD_DATA_DIR", t.TempDir())

	first, _, err := LoadOrCreate()
	require.NoError(t, err)
	second, _, err := LoadOrCreate()
	require.NoError(t, err)
	assert.Equal(t, first.DeviceID, second.DeviceID, "device identity must survive restarts")
}

func TestLoadOrCreateFillsMissingFields(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("AIRCARD_DATA_DIR", dir)

	// A config written by an older build: identity only.
	raw := []byte(`{"device_id":"fixed-id","device_name":"Pocket"}`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), raw, 0o600))

	cfg, _, err := LoadOrCreate()
	require.NoError(t, err)
	assert.Equal(t, "fixed-id", cfg.DeviceID)
	assert.Equal(t, "Pocket", cfg.DeviceName)
	assert.Equal(t, BackendFile, cfg.StorageBackend)
	assert.Equal(t, DefaultDebounceSeconds, cfg.DebounceSeconds)

	// The filled fields were persisted.
	reloaded, err := Load(Path(dir))
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxCards, reloaded.MaxCards)
}

func TestLoadOrCreateNormalizesBadBackend(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("AIRCARD_DATA_DIR", dir)

	raw := []byte(`{"device_id":"x","storage_backend":"postgres","debounce_seconds":-5}`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), raw, 0o600))

	cfg, _, err := LoadOrCreate()
	require.NoError(t, err)
	assert.Equal(t, BackendFile, cfg.StorageBackend)
	assert.Equal(t, DefaultDebounceSeconds, cfg.DebounceSeconds)
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestDataDirHonorsOverride(t *testing.T) {
	t.Setenv("AIRCARD_DATA_DIR", "/somewhere/else")
	dir, err := DataDir()
	require.NoError(t, err)
	assert.Equal(t, "/somewhere/else", dir)
}
