package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remlabs/remd/pkg/types"
)

func TestUpsertResource(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`INSERT INTO resources .+ ON CONFLICT \(id\) DO UPDATE SET`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.UpsertResource(context.Background(), &types.Resource{
		ID:                "r1",
		TenantID:          "tenant-a",
		Name:              "doc.md",
		Category:          "document",
		Content:           "hello",
		URI:               "buckets/tenant-a/doc.md",
		ResourceTimestamp: time.Now().UTC(),
		Metadata:          map[string]string{"format": "text"},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertResourceRefusesEmptyTenant(t *testing.T) {
	s, _ := newMockStore(t)
	err := s.UpsertResource(context.Background(), &types.Resource{ID: "r1"})
	assert.ErrorIs(t, err, ErrEmptyTenant)
}

func TestUpsertMomentValidatesFirst(t *testing.T) {
	s, _ := newMockStore(t)
	start := time.Now().UTC()

	err := s.UpsertMoment(context.Background(), &types.Moment{
		Resource: types.Resource{
			ID:                "m1",
			TenantID:          "tenant-a",
			ResourceTimestamp: start,
		},
		ResourceEndsTimestamp: start.Add(-time.Hour),
	})
	assert.Error(t, err, "a moment that ends before it starts never reaches the database")
}

func TestHasEmbedding(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT COUNT\(1\) FROM resources_embeddings`).
		WithArgs("r1", "content", "local", "abc123", "tenant-a").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	exists, err := s.HasEmbedding(context.Background(), "tenant-a", types.TableResources, "r1", "content", "local", "abc123")
	require.NoError(t, err)
	assert.True(t, exists)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHasEmbeddingRefusesNonEmbeddableTable(t *testing.T) {
	s, _ := newMockStore(t)
	_, err := s.HasEmbedding(context.Background(), "tenant-a", types.TableTenants, "x", "content", "local", "h")
	assert.ErrorIs(t, err, ErrUnknownTable)
}

func TestUpsertEmbeddingValidates(t *testing.T) {
	s, _ := newMockStore(t)

	err := s.UpsertEmbedding(context.Background(), &types.Embedding{
		EntityTable: types.TableResources,
		EntityID:    "r1",
		TenantID:    "tenant-a",
		Vector:      make([]float32, 3),
		Dimension:   4,
	})
	assert.Error(t, err, "dimension mismatch is rejected before any SQL runs")
}

func TestGetResourceNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`FROM resources WHERE id = \$1 AND tenant_id = \$2`).
		WithArgs("missing", "tenant-a").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := s.GetResource(context.Background(), "tenant-a", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveDreamRun(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`INSERT INTO dream_runs .+ ON CONFLICT \(id\) DO UPDATE SET`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.SaveDreamRun(context.Background(), &types.DreamRun{
		ID:        "run-1",
		TenantID:  "tenant-a",
		Job:       types.JobMomentExtraction,
		State:     types.DreamQueued,
		StartedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())

	assert.ErrorIs(t, s.SaveDreamRun(context.Background(), &types.DreamRun{ID: "run-2"}), ErrEmptyTenant)
}
