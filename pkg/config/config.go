// Package config holds saga's settings: sections persisted in one YAML file and
// overridden by SAGA_* environment variables.
package config

import (
	"sync"
)

var (
	// globalManager is the singleton configuration manager instance
	globalManager *Manager
	globalMu      sync.Mutex
)

// Load opens the file at path (the default path when empty), registers every section,
// applies the file and then the environment.
func Load(path string) (*Manager, error) {
	store, err := NewFileStore(path)
	if err != nil {
		return nil, err
	}

	manager := NewManager(store)
	for _, s := range []Section{
		NewLLMSection(),
		NewCompactionSection(),
		NewStorageSection(),
		NewContextSection(),
	} {
		if err := manager.RegisterSection(s); err != nil {
			return nil, err
		}
	}

	if err := manager.LoadAll(); err != nil {
		return nil, err
	}
	if err := ApplyEnv(manager); err != nil {
		return nil, err
	}
	return manager, nil
}

// Initialize loads the configuration into the global manager.
// This should be called once at application startup.
func Initialize(configPath string) error {
	manager, err := Load(configPath)
	if err != nil {
		return err
	}

	globalMu.Lock()
	defer globalMu.Unlock()
	globalManager = manager
	return nil
}

// Global returns the global configuration manager.
// Panics if Initialize has not been called.
func Global() *Manager {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalManager == nil {
		panic("config not initialized: call config.Initialize first")
	}
	return globalManager
}

// IsInitialized returns true if the global configuration has been initialized.
func IsInitialized() bool {
	globalMu.Lock()
	defer globalMu.Unlock()
	return globalManager != nil
}

func globalSection[T Section](id string) T {
	var zero T
	if !IsInitialized() {
		return zero
	}
	s, _ := section[T](Global(), id)
	return s
}

// GetLLM returns the LLM section, or nil before Initialize.
func GetLLM() *LLMSection {
	return globalSection[*LLMSection](SectionIDLLM)
}

// GetCompaction returns the compaction section, or nil before Initialize.
func GetCompaction() *CompactionSection {
	return globalSection[*CompactionSection](SectionIDCompaction)
}

// GetStorage returns the storage section, or nil before Initialize.
func GetStorage() *StorageSection {
	return globalSection[*StorageSection](SectionIDStorage)
}

// GetContext returns the context section, or nil before Initialize.
func GetContext() *ContextSection {
	return globalSection[*ContextSection](SectionIDContext)
}
