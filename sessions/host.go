package sessions

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a session does not exist or has expired.
var ErrNotFound = errors.New("session not found")

// Host is the minimal persistence contract the Store needs. It combines a
// primary key/value space for session blobs with set-valued index keys, each
// with its own expiry. Implementations must be safe for concurrent use.
type Host interface {
	// Primary records.
	//
	// GetSession returns ErrNotFound (possibly wrapped) when the id is absent
	// or expired. Any other error is a store failure.
	GetSession(ctx context.Context, id string) ([]byte, error)
	// PutSession stores data under id, replacing any previous value, and
	// expires it after ttl.
	PutSession(ctx context.Context, id string, data []byte, ttl time.Duration) error
	// DeleteSession removes id. Deleting an absent id is not an error.
	DeleteSession(ctx context.Context, id string) error

	// Inverse indices.
	//
	// AddToIndex adds id to the set at key and sets the key's expiry to the
	// larger of its current remaining TTL and ttl. A key that is new or has
	// no expiry takes ttl. ttl is always relative to now.
	AddToIndex(ctx context.Context, key, id string, ttl time.Duration) error
	// IndexMembers lists the ids in the set at key. An absent key is an empty
	// set, not an error.
	IndexMembers(ctx context.Context, key string) ([]string, error)
	// RemoveFromIndex removes id from the set at key. Removing an absent
	// member is not an error.
	RemoveFromIndex(ctx context.Context, key, id string) error
	// IndexTTL reports the remaining lifetime of key, or zero when the key is
	// absent.
	IndexTTL(ctx context.Context, key string) (time.Duration, error)

	// Close releases the host's resources.
	Close() error
}
