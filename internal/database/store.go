package database

import (
	"fmt"
	"os"
	"path/filepath"

	"modengine/internal/database/boltstore"
	"modengine/internal/database/sqlitestore"
	"modengine/internal/moderation"
)

// Driver selects the durable store implementation
type Driver string

const (
	DriverBolt   Driver = "bolt"
	DriverSQLite Driver = "sqlite"
)

// ParseDriver validates s; an empty string selects bolt
func ParseDriver(s string) (Driver, error) {
	switch d := Driver(s); d {
	case "":
		return DriverBolt, nil
	case DriverBolt, DriverSQLite:
		return d, nil
	}
	return "", fmt.Errorf("unknown database driver %q (want bolt or sqlite)", s)
}

// DefaultPath returns the database path used when none is configured.
// It lives under the XDG data directory so read-only working directories work.
func DefaultPath(driver Driver) (string, error) {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		dataDir = filepath.Join(home, ".local", "share")
	}

	name := "modengine.db"
	if driver == DriverSQLite {
		name = "modengine.sqlite"
	}
	return filepath.Join(dataDir, "modengine", name), nil
}

// Open opens the moderation store for driver at path. Closing the store closes the database.
func Open(driver Driver, path string) (moderation.Store, error) {
	switch driver {
	case DriverBolt, "":
		db, err := boltstore.Open(boltstore.Options{Path: path})
		if err != nil {
			return nil, err
		}
		return db.ModerationStore(), nil

	case DriverSQLite:
		if dir := filepath.Dir(path); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		return sqlitestore.Open(path)
	}
	return nil, fmt.Errorf("unknown database driver %q", driver)
}
