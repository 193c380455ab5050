package kv

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a key does not exist or has expired.
	ErrNotFound = errors.New("kv: key not found")

	// ErrRevisionConflict is returned by PutCAS when another writer updated
	// the key since it was read.
	ErrRevisionConflict = errors.New("kv: revision conflict")
)

// Entry is one stored key-value pair. Revision is a monotonic per-key
// counter used for optimistic concurrency.
type Entry struct {
	Key      string
	Value    []byte
	Revision int64
}

// Store is the KV capability contract. All writes to the same key are
// last-writer-wins unless PutCAS is used.
type Store interface {
	// Put writes a value. A zero ttl means no expiry.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// PutCAS writes a value only if the key's current revision equals
	// expected. Use expected 0 to require that the key does not exist.
	PutCAS(ctx context.Context, key string, value []byte, ttl time.Duration, expected int64) error

	// Get returns the entry for a key. Expired entries are invisible.
	Get(ctx context.Context, key string) (*Entry, error)

	// Delete removes a key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// ScanPrefix returns all live entries whose key starts with prefix, in
	// ascending key order.
	ScanPrefix(ctx context.Context, prefix string) ([]Entry, error)

	Close() error
}

// envelope is the stored representation carrying the revision counter, and
// for backends without native TTL, the expiry.
type envelope struct {
	Rev       int64  `json:"rev"`
	ExpiresAt int64  `json:"expires_at,omitempty"` // unix seconds, 0 = never
	Data      []byte `json:"data"`
}

func (e *envelope) expired(now time.Time) bool {
	return e.ExpiresAt > 0 && now.Unix() >= e.ExpiresAt
}
