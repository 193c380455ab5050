package kv

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketKV = []byte("kv")

// BoltStore implements Store on an embedded bbolt database. Expiry is
// enforced on read; expired entries found along the way are removed
// opportunistically.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the embedded database under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "remd-kv.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open kv database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketKV)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create kv bucket: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func expiry(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return time.Now().Add(ttl).Unix()
}

func (s *BoltStore) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketKV)
		rev := int64(1)
		if raw := b.Get([]byte(key)); raw != nil {
			var env envelope
			if err := json.Unmarshal(raw, &env); err == nil && !env.expired(time.Now()) {
				rev = env.Rev + 1
			}
		}
		return putEnvelope(b, key, value, ttl, rev)
	})
}

func (s *BoltStore) PutCAS(_ context.Context, key string, value []byte, ttl time.Duration, expected int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketKV)
		rev := int64(0)
		if raw := b.Get([]byte(key)); raw != nil {
			var env envelope
			if err := json.Unmarshal(raw, &env); err != nil {
				return fmt.Errorf("corrupt kv envelope at %s: %w", key, err)
			}
			if !env.expired(time.Now()) {
				rev = env.Rev
			}
		}
		if rev != expected {
			return ErrRevisionConflict
		}
		return putEnvelope(b, key, value, ttl, expected+1)
	})
}

func putEnvelope(b *bolt.Bucket, key string, value []byte, ttl time.Duration, rev int64) error {
	env := envelope{Rev: rev, ExpiresAt: expiry(ttl), Data: value}
	raw, err := json.Marshal(&env)
	if err != nil {
		return fmt.Errorf("failed to encode kv envelope: %w", err)
	}
	return b.Put([]byte(key), raw)
}

func (s *BoltStore) Get(_ context.Context, key string) (*Entry, error) {
	var entry *Entry
	// Update rather than View so an expired entry can be removed in place.
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketKV)
		raw := b.Get([]byte(key))
		if raw == nil {
			return ErrNotFound
		}
		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return fmt.Errorf("corrupt kv envelope at %s: %w", key, err)
		}
		if env.expired(time.Now()) {
			_ = b.Delete([]byte(key))
			return ErrNotFound
		}
		data := make([]byte, len(env.Data))
		copy(data, env.Data)
		entry = &Entry{Key: key, Value: data, Revision: env.Rev}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func (s *BoltStore) Delete(_ context.Context, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketKV).Delete([]byte(key))
	})
}

func (s *BoltStore) ScanPrefix(_ context.Context, prefix string) ([]Entry, error) {
	var entries []Entry
	var stale [][]byte
	now := time.Now()

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketKV).Cursor()
		p := []byte(prefix)
		for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
			var env envelope
			if err := json.Unmarshal(v, &env); err != nil {
				return fmt.Errorf("corrupt kv envelope at %s: %w", k, err)
			}
			if env.expired(now) {
				stale = append(stale, append([]byte(nil), k...))
				continue
			}
			data := make([]byte, len(env.Data))
			copy(data, env.Data)
			entries = append(entries, Entry{Key: string(k), Value: data, Revision: env.Rev})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(stale) > 0 {
		_ = s.db.Update(func(tx *bolt.Tx) error {
			b := tx.Bucket(bucketKV)
			for _, k := range stale {
				_ = b.Delete(k)
			}
			return nil
		})
	}
	return entries, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
