package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// SectionIDStorage is the identifier for the storage section.
const SectionIDStorage = "storage"

// StorageSettings are the values of the storage section.
type StorageSettings struct {
	// Root holds conversation logs, archives, summaries and the catalog.
	Root string
	// Catalog enables the SQLite index of archive entries and attempts.
	Catalog bool
	// Sync fsyncs files and directories on every atomic write.
	Sync bool
}

// StorageSection configures where and how the archive is kept.
type StorageSection struct {
	StorageSettings
	mu sync.RWMutex
}

// NewStorageSection creates a storage section with default settings.
func NewStorageSection() *StorageSection {
	s := &StorageSection{}
	s.Reset()
	return s
}

func (s *StorageSection) ID() string          { return SectionIDStorage }
func (s *StorageSection) Title() string       { return "Storage" }
func (s *StorageSection) Description() string { return "Archive root directory and catalog." }

// Data returns the current settings.
func (s *StorageSection) Data() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return map[string]any{
		"root":    s.Root,
		"catalog": s.Catalog,
		"sync":    s.Sync,
	}
}

// SetData applies settings read from the store.
func (s *StorageSection) SetData(data map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	root, ok, err := stringValue(data, "root")
	if err != nil {
		return err
	}
	if ok {
		s.Root = root
	}
	for key, dst := range map[string]*bool{"catalog": &s.Catalog, "sync": &s.Sync} {
		v, ok, err := boolValue(data, key)
		if err != nil {
			return err
		}
		if ok {
			*dst = v
		}
	}
	return nil
}

// Validate requires a root directory.
func (s *StorageSection) Validate() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if strings.TrimSpace(s.Root) == "" {
		return errors.New("root must not be empty")
	}
	return nil
}

// Reset restores the defaults.
func (s *StorageSection) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Root = defaultRoot()
	s.Catalog = true
	s.Sync = true
}

// Settings returns a copy of the current values with ~ expanded in Root.
func (s *StorageSection) Settings() StorageSettings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.StorageSettings
	out.Root = expandHome(out.Root)
	return out
}

func defaultRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".saga", "data")
	}
	return filepath.Join(home, ".saga", "data")
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
