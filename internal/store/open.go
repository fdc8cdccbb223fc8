package store

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	DriverSQLite = "sqlite"
	DriverBolt   = "bolt"
	DriverMemory = "memory"
)

// Open returns a store for driver. Durable drivers create the parent
// directory of path if needed.
func Open(driver, path string) (Store, error) {
	switch driver {
	case DriverMemory:
		return NewMemory(), nil
	case "", DriverSQLite, DriverBolt:
	default:
		return nil, fmt.Errorf("unknown store driver '%s'", driver)
	}

	if path == "" {
		return nil, fmt.Errorf("store driver '%s' requires a path", driver)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}
	if driver == DriverBolt {
		return NewBolt(path), nil
	}
	return NewSQLite(path), nil
}

// DefaultPath returns the store file location below the user config directory.
func DefaultPath(driver string) (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("getting user config directory: %w", err)
	}
	name := "installations.db"
	if driver == DriverBolt {
		name = "installations.bolt"
	}
	return filepath.Join(dir, "cirrus", name), nil
}
