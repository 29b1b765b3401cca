package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// ConfigDir returns the path to the datamarket config directory (~/.datamarket).
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to determine home directory: %w", err)
	}
	return filepath.Join(home, ".datamarket"), nil
}

// DefaultPath returns the config file path for name (e.g. "marketplace.yaml").
// Absolute names are returned unchanged. Returns "" when no file exists, so
// callers fall back to defaults and environment.
func DefaultPath(name string) (string, error) {
	if filepath.IsAbs(name) {
		return name, nil
	}

	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}

	path := filepath.Join(dir, name)
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	return "", nil
}
