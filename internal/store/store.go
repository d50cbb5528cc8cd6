// ABOUTME: HashStore interface for the shared key-value state behind the mirror
// ABOUTME: Models the external store as named hashes holding string fields

package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a requested hash field does not exist
var ErrNotFound = errors.New("not found")

// ErrClosed is returned when an operation is attempted on a closed store
var ErrClosed = errors.New("store closed")

// HashStore is a minimal hash-of-fields store. Every operation is atomic on its
// own; no multi-field transactions are offered or needed.
type HashStore interface {
	// HGet returns the value of field in hash, or ErrNotFound.
	HGet(ctx context.Context, hash, field string) (string, error)

	// HSet creates or replaces field in hash.
	HSet(ctx context.Context, hash, field, value string) error

	// HDel removes field from hash. Removing an absent field is not an error.
	HDel(ctx context.Context, hash, field string) error

	// HDelIf removes field only while its value still equals value, and
	// reports whether it was removed. Used to release a record without
	// clobbering one another writer has since replaced it with.
	HDelIf(ctx context.Context, hash, field, value string) (bool, error)

	// HLen returns the number of fields in hash. Used as a readiness probe.
	HLen(ctx context.Context, hash string) (int, error)

	// Close releases any resources held by the store
	Close() error
}
