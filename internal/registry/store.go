// internal/registry/store.go
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"growdash-agent/internal/model"
)

// EntryStore defines registry persistence operations
type EntryStore interface {
	Load() (map[string]model.RegistryEntry, error)
	Save(entries map[string]model.RegistryEntry) error
	Path() string
}

// fileStore implements EntryStore on a single JSON document
type fileStore struct {
	path   string
	logger *zap.Logger
}

// NewFileStore creates a JSON file store
func NewFileStore(path string, logger *zap.Logger) EntryStore {
	return &fileStore{
		path:   path,
		logger: logger,
	}
}

// Path returns the registry file location
func (s *fileStore) Path() string {
	return s.path
}

// Load reads the registry file. A missing or empty file is an empty registry.
func (s *fileStore) Load() (map[string]model.RegistryEntry, error) {
	entries := make(map[string]model.RegistryEntry)

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return entries, nil
		}
		return entries, fmt.Errorf("failed to read registry file: %w", err)
	}
	if len(data) == 0 {
		return entries, nil
	}

	if err := json.Unmarshal(data, &entries); err != nil {
		return make(map[string]model.RegistryEntry), fmt.Errorf("failed to decode registry file: %w", err)
	}

	// Files written by older agents carry no path or kind
	for key, entry := range entries {
		if entry.Path == "" {
			entry.Path = key
		}
		if entry.Kind == "" {
			entry.Kind = model.EntryKindSerial
		}
		entries[key] = entry
	}

	return entries, nil
}

// Save replaces the registry file atomically through a temp file and rename
func (s *fileStore) Save(entries map[string]model.RegistryEntry) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create registry directory: %w", err)
	}

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode registry: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace registry file: %w", err)
	}

	s.logger.Debug("Registry persisted",
		zap.String("path", s.path),
		zap.Int("entries", len(entries)))

	return nil
}
