// Package payload provides content-addressed storage for row payloads that
// are too large to live inline in the audit trail. Payloads are keyed by
// their canonical SHA-256 hash; the hash stays in the audit store forever,
// the payload itself is subject to retention.
package payload

import (
	"context"
	"errors"
)

var (
	// ErrPayloadNotFound is returned when no payload exists for a hash. The
	// audit trail remains valid in this case: the hash is the anchor, the
	// payload is a convenience.
	ErrPayloadNotFound = errors.New("payload not found")

	// ErrEmptyHash is returned when a caller passes an empty content hash.
	ErrEmptyHash = errors.New("payload hash cannot be empty")
)

// Store is a content-addressed payload store. Put is idempotent: storing the
// same hash twice is a no-op because the content is identical by definition.
type Store interface {
	// Put stores payload bytes under their content hash.
	Put(ctx context.Context, hash string, data []byte) error

	// Get returns the payload for a hash, or ErrPayloadNotFound.
	Get(ctx context.Context, hash string) ([]byte, error)

	// Exists reports whether a payload is present without fetching it.
	Exists(ctx context.Context, hash string) (bool, error)

	// Close releases backing resources.
	Close() error
}
