// Package store provides the key/blob persistence backends used by the
// telemetry queue: one file per key, a SQLite table, or process memory.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned by Load when the key holds no value.
var ErrNotFound = errors.New("store: key not found")

// Store is a durable key/blob store. Save replaces the value atomically.
type Store interface {
	Load(ctx context.Context, key string) ([]byte, error)
	Save(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

func validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("store: empty key")
	}
	if strings.ContainsAny(key, `/\`) || key == "." || key == ".." {
		return fmt.Errorf("store: invalid key %q", key)
	}
	return nil
}
