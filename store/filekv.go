package store

import (
	"fmt"
	"os"
	"path/filepath"
)

// FileKV stores each key as one file under a directory. Writes go through
// a temp file and rename so a crash never leaves a half-written value.
type FileKV struct {
	dir string
}

// NewFileKV creates the directory if needed and returns a file-backed KV.
func NewFileKV(dir string) (*FileKV, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("store: create data directory: %w", err)
	}
	return &FileKV{dir: dir}, nil
}

func (f *FileKV) path(key string) string {
	return filepath.Join(f.dir, key+".dat")
}

// Load reads the value for key, or ErrNotFound.
func (f *FileKV) Load(key string) ([]byte, error) {
	data, err := os.ReadFile(f.path(key))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: load %s: %w", key, err)
	}
	return data, nil
}

// Save writes the value for key atomically.
func (f *FileKV) Save(key string, value []byte) error {
	path := f.path(key)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, value, 0o600); err != nil {
		return fmt.Errorf("store: write %s: %w", key, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("store: commit %s: %w", key, err)
	}
	return nil
}

// Delete removes the value for key. Deleting an absent key is not an error.
func (f *FileKV) Delete(key string) error {
	if err := os.Remove(f.path(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("store: delete %s: %w", key, err)
	}
	return nil
}
