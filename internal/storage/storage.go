// Package storage provides the local durable key/value stores that back the
// offline queue. Values are opaque strings; callers own serialization.
package storage

import (
	"context"
	"errors"
	"fmt"
	"regexp"
)

var (
	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("storage: store closed")
	// ErrInvalidKey is returned when a key contains characters the driver cannot store.
	ErrInvalidKey = errors.New("storage: invalid key")
)

// Drivers accepted by Open.
const (
	DriverSQLite = "sqlite"
	DriverFile   = "file"
	DriverMemory = "memory"
)

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,128}$`)

// KV is a minimal async-storage style key/value store.
type KV interface {
	// GetItem returns the stored value and whether the key was present.
	GetItem(ctx context.Context, key string) (string, bool, error)
	// SetItem overwrites the value for key. A subsequent GetItem never
	// observes a partially written value.
	SetItem(ctx context.Context, key, value string) error
	RemoveItem(ctx context.Context, key string) error
	Close() error
}

// Open returns the store for driver rooted at path. For the sqlite driver
// path is the database file; for the file driver it is a directory.
func Open(driver, path string) (KV, error) {
	switch driver {
	case DriverSQLite, "":
		return NewSQLite(path)
	case DriverFile:
		return NewFile(path)
	case DriverMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("storage: unknown driver %q (use sqlite, file or memory)", driver)
	}
}

func validateKey(key string) error {
	if !keyPattern.MatchString(key) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}
