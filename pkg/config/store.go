package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/entrhq/saga/pkg/atomicstore"
)

// Store provides persistence for configuration data.
type Store interface {
	// Load reads the configuration from its backing file.
	Load() error

	// Save writes the configuration to its backing file.
	Save() error

	// GetSection returns a copy of one section's data; missing sections are empty.
	GetSection(sectionID string) (map[string]any, error)

	SetSection(sectionID string, data map[string]any) error

	GetAll() (map[string]map[string]any, error)
	SetAll(data map[string]map[string]any) error
}

const fileVersion = "1"

// fileLayout is the on-disk document.
type fileLayout struct {
	Version  string                    `yaml:"version"`
	Sections map[string]map[string]any `yaml:"sections"`
}

// FileStore keeps the configuration in one YAML file, replaced atomically on save.
type FileStore struct {
	path     string
	files    *atomicstore.Store
	data     map[string]map[string]any
	version  string
	modified bool
	mu       sync.RWMutex
}

// DefaultPath returns ~/.saga/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: user home directory: %w", err)
	}
	return filepath.Join(home, ".saga", "config.yaml"), nil
}

// NewFileStore opens the store at path, or at DefaultPath when path is empty.
// A missing file is not an error.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	s := &FileStore{
		path:    path,
		files:   atomicstore.New(),
		data:    make(map[string]map[string]any),
		version: fileVersion,
	}
	if err := s.Load(); err != nil {
		return nil, fmt.Errorf("config: load %s: %w", path, err)
	}
	return s, nil
}

// Load reads the file. A missing file leaves the store empty.
func (s *FileStore) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := s.files.Read(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.data = make(map[string]map[string]any)
			return nil
		}
		return err
	}

	var doc fileLayout
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("config: decode %s: %w", s.path, err)
	}
	if doc.Version != "" {
		s.version = doc.Version
	}
	s.data = doc.Sections
	if s.data == nil {
		s.data = make(map[string]map[string]any)
	}
	s.modified = false
	return nil
}

// Save writes the file through the atomic store, so a failed save leaves the previous
// file in place.
func (s *FileStore) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := yaml.Marshal(fileLayout{Version: s.version, Sections: s.data})
	if err != nil {
		return fmt.Errorf("config: encode: %w", err)
	}
	if err := s.files.Write(s.path, raw, atomicstore.ValidateYAML); err != nil {
		return fmt.Errorf("config: save %s: %w", s.path, err)
	}
	s.modified = false
	return nil
}

// GetSection returns a copy of the section's data.
func (s *FileStore) GetSection(sectionID string) (map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copySection(s.data[sectionID]), nil
}

// SetSection stores a copy of data under sectionID.
func (s *FileStore) SetSection(sectionID string, data map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[sectionID] = copySection(data)
	s.modified = true
	return nil
}

// GetAll returns a deep copy of every section.
func (s *FileStore) GetAll() (map[string]map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]map[string]any, len(s.data))
	for id, data := range s.data {
		out[id] = copySection(data)
	}
	return out, nil
}

// SetAll replaces every section.
func (s *FileStore) SetAll(data map[string]map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = make(map[string]map[string]any, len(data))
	for id, section := range data {
		s.data[id] = copySection(section)
	}
	s.modified = true
	return nil
}

// IsModified reports unsaved changes.
func (s *FileStore) IsModified() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.modified
}

// Path returns the backing file.
func (s *FileStore) Path() string {
	return s.path
}

func copySection(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}
