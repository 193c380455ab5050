package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store on Redis. TTL is native; the revision counter
// travels inside the stored envelope and compare-and-set runs under
// WATCH/MULTI optimistic concurrency.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, addr string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return &RedisStore{client: client}, nil
}

// NewRedisStoreFromClient wraps an existing client. Used by tests with
// miniredis.
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	cur, err := s.Get(ctx, key)
	rev := int64(1)
	if err == nil {
		rev = cur.Revision + 1
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}
	return s.set(ctx, s.client, key, value, ttl, rev)
}

func (s *RedisStore) PutCAS(ctx context.Context, key string, value []byte, ttl time.Duration, expected int64) error {
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		rev := int64(0)
		raw, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
			// Key absent; expected must be 0.
		case err != nil:
			return fmt.Errorf("failed to read %s: %w", key, err)
		default:
			var env envelope
			if err := json.Unmarshal(raw, &env); err != nil {
				return fmt.Errorf("corrupt kv envelope at %s: %w", key, err)
			}
			rev = env.Rev
		}
		if rev != expected {
			return ErrRevisionConflict
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			env := envelope{Rev: expected + 1, Data: value}
			raw, err := json.Marshal(&env)
			if err != nil {
				return err
			}
			pipe.Set(ctx, key, raw, ttl)
			return nil
		})
		return err
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		return ErrRevisionConflict
	}
	return err
}

func (s *RedisStore) set(ctx context.Context, c redis.Cmdable, key string, value []byte, ttl time.Duration, rev int64) error {
	env := envelope{Rev: rev, Data: value}
	raw, err := json.Marshal(&env)
	if err != nil {
		return fmt.Errorf("failed to encode kv envelope: %w", err)
	}
	if err := c.Set(ctx, key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (*Entry, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("corrupt kv envelope at %s: %w", key, err)
	}
	return &Entry{Key: key, Value: env.Data, Revision: env.Rev}, nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, key).Err()
}

func (s *RedisStore) ScanPrefix(ctx context.Context, prefix string) ([]Entry, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan prefix %s: %w", prefix, err)
	}
	sort.Strings(keys)

	entries := make([]Entry, 0, len(keys))
	for _, k := range keys {
		e, err := s.Get(ctx, k)
		if errors.Is(err, ErrNotFound) {
			continue // expired between scan and read
		}
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
