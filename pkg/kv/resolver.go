package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/remlabs/remd/pkg/types"
)

// Mapping is the value stored under a reverse-name key. It points a
// human-readable name at the entity row that carries it.
type Mapping struct {
	EntityID   string `json:"entity_id"`
	EntityType string `json:"entity_type"`
	TableName  string `json:"table_name"`
	BlobKey    string `json:"blob_key,omitempty"`
	TenantID   string `json:"tenant_id"`
}

const casRetries = 4

// Resolver maintains the tenant-prefixed reverse-name index. It is the only
// index over human-readable names; LOOKUP never reads entity rows by name.
type Resolver struct {
	store Store
	ttl   time.Duration
}

// NewResolver wraps a Store. A zero ttl keeps reverse mappings forever.
func NewResolver(store Store, ttl time.Duration) *Resolver {
	return &Resolver{store: store, ttl: ttl}
}

// PutMapping merges a mapping under {tenant}/{name}/{entityType}. When an
// entry already exists with a different entity id the older id is kept, so
// concurrent or repeated ingestion never silently rebinds a name.
func (r *Resolver) PutMapping(ctx context.Context, tenantID, name string, m Mapping) error {
	if tenantID == "" {
		return fmt.Errorf("kv: tenant_id is empty")
	}
	if m.EntityType == "" {
		return fmt.Errorf("kv: mapping for %q has no entity type", name)
	}
	m.TenantID = tenantID
	key := types.ReverseKey(tenantID, name, m.EntityType)

	for attempt := 0; attempt < casRetries; attempt++ {
		cur, err := r.store.Get(ctx, key)
		var rev int64
		switch {
		case errors.Is(err, ErrNotFound):
			rev = 0
		case err != nil:
			return err
		default:
			rev = cur.Revision
			var existing Mapping
			if err := json.Unmarshal(cur.Value, &existing); err != nil {
				return fmt.Errorf("corrupt mapping at %s: %w", key, err)
			}
			if existing.EntityID != "" {
				m.EntityID = existing.EntityID
			}
			if m.BlobKey == "" {
				m.BlobKey = existing.BlobKey
			}
		}

		value, err := json.Marshal(&m)
		if err != nil {
			return fmt.Errorf("failed to encode mapping: %w", err)
		}
		err = r.store.PutCAS(ctx, key, value, r.ttl, rev)
		if errors.Is(err, ErrRevisionConflict) {
			continue
		}
		return err
	}
	return fmt.Errorf("kv: gave up merging mapping at %s after %d attempts: %w", key, casRetries, ErrRevisionConflict)
}

// LookupName returns every mapping registered under a name for a tenant, in
// key-scan order. The trailing slash in the prefix restricts the scan to
// exact-name matches across entity types.
func (r *Resolver) LookupName(ctx context.Context, tenantID, name string) ([]Mapping, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("kv: tenant_id is empty")
	}
	entries, err := r.store.ScanPrefix(ctx, types.ReversePrefix(tenantID, name))
	if err != nil {
		return nil, err
	}

	mappings := make([]Mapping, 0, len(entries))
	for _, e := range entries {
		var m Mapping
		if err := json.Unmarshal(e.Value, &m); err != nil {
			return nil, fmt.Errorf("corrupt mapping at %s: %w", e.Key, err)
		}
		if m.EntityType == "" {
			_, _, m.EntityType, _ = types.ParseReverseKey(e.Key)
		}
		mappings = append(mappings, m)
	}
	return mappings, nil
}

// FindByEntityID scans a tenant's reverse mappings for entries pointing at
// an entity id.
func (r *Resolver) FindByEntityID(ctx context.Context, tenantID, entityID string) ([]Mapping, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("kv: tenant_id is empty")
	}
	entries, err := r.store.ScanPrefix(ctx, tenantID+"/")
	if err != nil {
		return nil, err
	}

	var mappings []Mapping
	for _, e := range entries {
		var m Mapping
		if err := json.Unmarshal(e.Value, &m); err != nil {
			continue
		}
		if m.EntityID == entityID {
			mappings = append(mappings, m)
		}
	}
	return mappings, nil
}
