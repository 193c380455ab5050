package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pgvector/pgvector-go"

	"github.com/remlabs/remd/pkg/types"
)

// ErrNotFound is returned when a row does not exist within the tenant.
var ErrNotFound = errors.New("store: not found")

func marshalJSON(v interface{}) ([]byte, error) {
	if v == nil {
		return []byte("null"), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode json column: %w", err)
	}
	return data, nil
}

// UpsertResource inserts or updates a resource row. created_at survives
// conflicts so re-ingestion keeps the original creation time.
func (s *Store) UpsertResource(ctx context.Context, r *types.Resource) error {
	now := time.Now().UTC()
	createdAt := r.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	metadata, err := marshalJSON(r.Metadata)
	if err != nil {
		return err
	}
	graphPaths, err := marshalJSON(r.GraphPaths)
	if err != nil {
		return err
	}

	return s.UpsertEntity(ctx, types.TableResources, map[string]interface{}{
		"id":                 r.ID,
		"tenant_id":          r.TenantID,
		"name":               r.Name,
		"category":           r.Category,
		"content":            r.Content,
		"summary":            r.Summary,
		"uri":                r.URI,
		"resource_timestamp": r.ResourceTimestamp,
		"metadata":           metadata,
		"graph_paths":        graphPaths,
		"created_at":         createdAt,
		"updated_at":         now,
	})
}

// UpsertMoment inserts or updates a moment row after validating its
// temporal invariants.
func (s *Store) UpsertMoment(ctx context.Context, m *types.Moment) error {
	if err := m.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()
	createdAt := m.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	row := map[string]interface{}{
		"id":                      m.ID,
		"tenant_id":               m.TenantID,
		"name":                    m.Name,
		"category":                m.Category,
		"content":                 m.Content,
		"summary":                 m.Summary,
		"uri":                     m.URI,
		"resource_timestamp":      m.ResourceTimestamp,
		"resource_ends_timestamp": m.ResourceEndsTimestamp,
		"moment_type":             string(m.MomentType),
		"location":                m.Location,
		"background_sounds":       m.BackgroundSounds,
		"created_at":              createdAt,
		"updated_at":              now,
	}
	for col, v := range map[string]interface{}{
		"metadata":        m.Metadata,
		"graph_paths":     m.GraphPaths,
		"emotion_tags":    m.EmotionTags,
		"topic_tags":      m.TopicTags,
		"present_persons": m.PresentPersons,
		"speakers":        m.Speakers,
	} {
		data, err := marshalJSON(v)
		if err != nil {
			return err
		}
		row[col] = data
	}
	return s.UpsertEntity(ctx, types.TableMoments, row)
}

// resourceRow is the scan target for resource queries.
type resourceRow struct {
	ID                string    `db:"id"`
	TenantID          string    `db:"tenant_id"`
	Name              string    `db:"name"`
	Category          string    `db:"category"`
	Content           string    `db:"content"`
	Summary           string    `db:"summary"`
	URI               string    `db:"uri"`
	ResourceTimestamp time.Time `db:"resource_timestamp"`
	Metadata          []byte    `db:"metadata"`
	GraphPaths        []byte    `db:"graph_paths"`
	CreatedAt         time.Time `db:"created_at"`
	UpdatedAt         time.Time `db:"updated_at"`
}

func (r *resourceRow) toResource() (*types.Resource, error) {
	out := &types.Resource{
		ID:                r.ID,
		TenantID:          r.TenantID,
		Name:              r.Name,
		Category:          r.Category,
		Content:           r.Content,
		Summary:           r.Summary,
		URI:               r.URI,
		ResourceTimestamp: r.ResourceTimestamp,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
	if len(r.Metadata) > 0 && string(r.Metadata) != "null" {
		if err := json.Unmarshal(r.Metadata, &out.Metadata); err != nil {
			return nil, fmt.Errorf("corrupt metadata on resource %s: %w", r.ID, err)
		}
	}
	if len(r.GraphPaths) > 0 && string(r.GraphPaths) != "null" {
		if err := json.Unmarshal(r.GraphPaths, &out.GraphPaths); err != nil {
			return nil, fmt.Errorf("corrupt graph_paths on resource %s: %w", r.ID, err)
		}
	}
	return out, nil
}

// GetResource fetches one resource by id within a tenant.
func (s *Store) GetResource(ctx context.Context, tenantID, id string) (*types.Resource, error) {
	if tenantID == "" {
		return nil, ErrEmptyTenant
	}
	query := `SELECT id, tenant_id, name, category, content, summary, uri,
		resource_timestamp, metadata, graph_paths, created_at, updated_at
		FROM resources WHERE id = $1 AND tenant_id = $2`
	s.logQuery(query, id, tenantID)

	var row resourceRow
	err := s.db.GetContext(ctx, &row, query, id, tenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch resource %s: %w", id, err)
	}
	return row.toResource()
}

// ListResourcesSince returns a tenant's resources created inside the
// lookback window, oldest first. Dreaming jobs iterate these.
func (s *Store) ListResourcesSince(ctx context.Context, tenantID string, since time.Time) ([]*types.Resource, error) {
	if tenantID == "" {
		return nil, ErrEmptyTenant
	}
	query := `SELECT id, tenant_id, name, category, content, summary, uri,
		resource_timestamp, metadata, graph_paths, created_at, updated_at
		FROM resources WHERE tenant_id = $1 AND created_at >= $2 ORDER BY created_at ASC, id ASC`
	s.logQuery(query, tenantID, since)

	var rows []resourceRow
	if err := s.db.SelectContext(ctx, &rows, query, tenantID, since); err != nil {
		return nil, fmt.Errorf("failed to list resources: %w", err)
	}
	out := make([]*types.Resource, 0, len(rows))
	for i := range rows {
		r, err := rows[i].toResource()
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// HasEmbedding reports whether an embedding already exists for the entity
// field with the same provider and source hash, in which case regeneration
// is skipped.
func (s *Store) HasEmbedding(ctx context.Context, tenantID, entityTable, entityID, field, provider, sourceHash string) (bool, error) {
	if tenantID == "" {
		return false, ErrEmptyTenant
	}
	if !embeddableTables[entityTable] {
		return false, fmt.Errorf("%w: %q has no embedding table", ErrUnknownTable, entityTable)
	}
	query := fmt.Sprintf(
		`SELECT COUNT(1) FROM %s_embeddings
		 WHERE entity_id = $1 AND field_name = $2 AND provider = $3 AND source_hash = $4 AND tenant_id = $5`,
		entityTable)
	s.logQuery(query, entityID, field, provider, sourceHash, tenantID)

	var n int
	if err := s.db.GetContext(ctx, &n, query, entityID, field, provider, sourceHash, tenantID); err != nil {
		return false, fmt.Errorf("failed to check embedding: %w", err)
	}
	return n > 0, nil
}

// UpsertEmbedding writes a vector, replacing any prior one for the same
// (entity_id, field_name, provider).
func (s *Store) UpsertEmbedding(ctx context.Context, e *types.Embedding) error {
	if err := e.Validate(); err != nil {
		return err
	}
	if !embeddableTables[e.EntityTable] {
		return fmt.Errorf("%w: %q has no embedding table", ErrUnknownTable, e.EntityTable)
	}
	createdAt := e.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	query := fmt.Sprintf(
		`INSERT INTO %s_embeddings (id, entity_id, field_name, vector, dimension, provider, source_hash, tenant_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (entity_id, field_name, provider)
		 DO UPDATE SET vector = EXCLUDED.vector, dimension = EXCLUDED.dimension, source_hash = EXCLUDED.source_hash`,
		e.EntityTable)
	s.logQuery(query, e.EntityID, e.FieldName)

	_, err := s.db.ExecContext(ctx, query,
		e.ID, e.EntityID, e.FieldName, pgvector.NewVector(e.Vector),
		e.Dimension, e.Provider, e.SourceHash, e.TenantID, createdAt)
	if err != nil {
		return fmt.Errorf("failed to upsert embedding for %s: %w", e.EntityID, err)
	}
	return nil
}

// GetEmbedding fetches the stored vector for an entity field.
func (s *Store) GetEmbedding(ctx context.Context, tenantID, entityTable, entityID, field string) (*types.Embedding, error) {
	if tenantID == "" {
		return nil, ErrEmptyTenant
	}
	if !embeddableTables[entityTable] {
		return nil, fmt.Errorf("%w: %q has no embedding table", ErrUnknownTable, entityTable)
	}
	query := fmt.Sprintf(
		`SELECT id, entity_id, field_name, vector, dimension, provider, source_hash, tenant_id, created_at
		 FROM %s_embeddings WHERE entity_id = $1 AND field_name = $2 AND tenant_id = $3`,
		entityTable)
	s.logQuery(query, entityID, field, tenantID)

	var row struct {
		ID         string          `db:"id"`
		EntityID   string          `db:"entity_id"`
		FieldName  string          `db:"field_name"`
		Vector     pgvector.Vector `db:"vector"`
		Dimension  int             `db:"dimension"`
		Provider   string          `db:"provider"`
		SourceHash string          `db:"source_hash"`
		TenantID   string          `db:"tenant_id"`
		CreatedAt  time.Time       `db:"created_at"`
	}
	err := s.db.GetContext(ctx, &row, query, entityID, field, tenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch embedding for %s: %w", entityID, err)
	}
	return &types.Embedding{
		ID:          row.ID,
		EntityTable: entityTable,
		EntityID:    row.EntityID,
		FieldName:   row.FieldName,
		Vector:      row.Vector.Slice(),
		Dimension:   row.Dimension,
		Provider:    row.Provider,
		SourceHash:  row.SourceHash,
		TenantID:    row.TenantID,
		CreatedAt:   row.CreatedAt,
	}, nil
}

// UpsertTenant inserts or updates a tenant row.
func (s *Store) UpsertTenant(ctx context.Context, t *types.Tenant) error {
	metadata, err := marshalJSON(t.Metadata)
	if err != nil {
		return err
	}
	createdAt := t.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	query := `INSERT INTO tenants (id, tenant_id, email, public_key, metadata, created_at)
		VALUES ($1, $1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET email = EXCLUDED.email, public_key = EXCLUDED.public_key, metadata = EXCLUDED.metadata`
	s.logQuery(query, t.ID)

	if _, err := s.db.ExecContext(ctx, query, t.ID, t.Email, t.PublicKey, metadata, createdAt); err != nil {
		return fmt.Errorf("failed to upsert tenant %s: %w", t.ID, err)
	}
	return nil
}

// ListTenantIDs returns every known tenant id. This is the one unscoped
// read in the store; the dreaming scheduler fans out over it.
func (s *Store) ListTenantIDs(ctx context.Context) ([]string, error) {
	query := `SELECT id FROM tenants ORDER BY id ASC`
	s.logQuery(query)

	var ids []string
	if err := s.db.SelectContext(ctx, &ids, query); err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	return ids, nil
}

// GetTenant fetches one tenant row.
func (s *Store) GetTenant(ctx context.Context, id string) (*types.Tenant, error) {
	if id == "" {
		return nil, ErrEmptyTenant
	}
	query := `SELECT id, email, public_key, metadata, created_at FROM tenants WHERE id = $1`
	s.logQuery(query, id)

	var row struct {
		ID        string    `db:"id"`
		Email     string    `db:"email"`
		PublicKey string    `db:"public_key"`
		Metadata  []byte    `db:"metadata"`
		CreatedAt time.Time `db:"created_at"`
	}
	err := s.db.GetContext(ctx, &row, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch tenant %s: %w", id, err)
	}
	t := &types.Tenant{ID: row.ID, Email: row.Email, PublicKey: row.PublicKey, CreatedAt: row.CreatedAt}
	if len(row.Metadata) > 0 && string(row.Metadata) != "null" {
		if err := json.Unmarshal(row.Metadata, &t.Metadata); err != nil {
			return nil, fmt.Errorf("corrupt metadata on tenant %s: %w", id, err)
		}
	}
	return t, nil
}

// SaveDreamRun persists a dream run state transition.
func (s *Store) SaveDreamRun(ctx context.Context, run *types.DreamRun) error {
	if run.TenantID == "" {
		return ErrEmptyTenant
	}
	query := `INSERT INTO dream_runs (id, tenant_id, job, state, error, attempts, moments_created, edges_created, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET state = EXCLUDED.state, error = EXCLUDED.error,
			attempts = EXCLUDED.attempts, moments_created = EXCLUDED.moments_created,
			edges_created = EXCLUDED.edges_created, finished_at = EXCLUDED.finished_at`
	s.logQuery(query, run.ID, run.State)

	var finished interface{}
	if !run.FinishedAt.IsZero() {
		finished = run.FinishedAt
	}
	_, err := s.db.ExecContext(ctx, query,
		run.ID, run.TenantID, string(run.Job), string(run.State), run.Error,
		run.Attempts, run.MomentsCreated, run.EdgesCreated, run.StartedAt, finished)
	if err != nil {
		return fmt.Errorf("failed to save dream run %s: %w", run.ID, err)
	}
	return nil
}
