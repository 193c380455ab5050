package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/pgvector/pgvector-go"
	"github.com/rs/zerolog"

	"github.com/remlabs/remd/pkg/config"
	"github.com/remlabs/remd/pkg/log"
	"github.com/remlabs/remd/pkg/types"
)

// ErrEmptyTenant is returned by every capability when the tenant id is
// missing. No operation ever runs unscoped.
var ErrEmptyTenant = errors.New("store: tenant_id is empty")

// ErrUnknownTable is returned for tables outside the REM schema.
var ErrUnknownTable = errors.New("store: unknown table")

// Metric selects the vector distance operator.
type Metric string

const (
	MetricCosine       Metric = "cosine"
	MetricL2           Metric = "l2"
	MetricInnerProduct Metric = "inner_product"
)

func (m Metric) operator() (string, error) {
	switch m {
	case MetricCosine, "":
		return "<=>", nil
	case MetricL2:
		return "<->", nil
	case MetricInnerProduct:
		return "<#>", nil
	default:
		return "", fmt.Errorf("store: unsupported metric %q", m)
	}
}

var entityTables = map[string]bool{
	types.TableResources: true,
	types.TableMoments:   true,
	types.TableTenants:   true,
	types.TableDreamRuns: true,
}

// embeddable tables have a {table}_embeddings companion.
var embeddableTables = map[string]bool{
	types.TableResources: true,
	types.TableMoments:   true,
}

var orderByPattern = regexp.MustCompile(`^[a-zA-Z0-9_]+( (?i:ASC|DESC))?(, *[a-zA-Z0-9_]+( (?i:ASC|DESC))?)*$`)

// Store is the Postgres-backed relational access layer.
type Store struct {
	db  *sqlx.DB
	log zerolog.Logger
}

// Open connects to Postgres and pings it. An unreachable database is a
// fatal configuration error; the process must not start.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	return New(db), nil
}

// New wraps an existing connection. Tests use this with sqlmock.
func New(db *sqlx.DB) *Store {
	return &Store{db: db, log: log.WithComponent("store")}
}

// DB exposes the underlying handle for the graph layer, which shares the
// same database.
func (s *Store) DB() *sqlx.DB { return s.db }

// Close closes the connection pool.
func (s *Store) Close() error { return s.db.Close() }

func validTable(table string) error {
	if !entityTables[table] {
		return fmt.Errorf("%w: %q", ErrUnknownTable, table)
	}
	return nil
}

// logQuery records every issued statement; interposing on this logger is
// how the "no SELECT without tenant predicate" property is audited.
func (s *Store) logQuery(query string, args ...interface{}) {
	s.log.Debug().Str("query", query).Interface("args", args).Msg("sql")
}

// Row is a generic result row. The executor annotates rows with reserved
// underscore-prefixed keys such as _table_name.
type Row = map[string]interface{}

// Select runs a parameterized SELECT with the mandatory tenant predicate
// appended by this layer. The caller's WHERE clause uses named parameters
// (:name); :tenant_id is reserved and always overwritten.
func (s *Store) Select(ctx context.Context, tenantID, table, where string, args map[string]interface{}, orderBy string, limit int) ([]Row, error) {
	if tenantID == "" {
		return nil, ErrEmptyTenant
	}
	if err := validTable(table); err != nil {
		return nil, err
	}
	if orderBy != "" && !orderByPattern.MatchString(orderBy) {
		return nil, fmt.Errorf("store: invalid order by %q", orderBy)
	}

	if args == nil {
		args = make(map[string]interface{}, 1)
	}
	args["tenant_id"] = tenantID

	query := "SELECT * FROM " + table + " WHERE "
	if where != "" {
		query += "(" + where + ") AND "
	}
	query += "tenant_id = :tenant_id"
	if orderBy != "" {
		query += " ORDER BY " + orderBy
	}
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	bound, bargs, err := s.db.BindNamed(query, args)
	if err != nil {
		return nil, fmt.Errorf("failed to bind query: %w", err)
	}
	s.logQuery(bound, bargs...)

	rows, err := s.db.QueryxContext(ctx, bound, bargs...)
	if err != nil {
		return nil, fmt.Errorf("select on %s failed: %w", table, err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		row := make(Row)
		if err := rows.MapScan(row); err != nil {
			return nil, fmt.Errorf("failed to scan row from %s: %w", table, err)
		}
		normalizeRow(row)
		row["_table_name"] = table
		out = append(out, row)
	}
	return out, rows.Err()
}

// SearchHit is one vector-search result row with its raw distance.
type SearchHit struct {
	Row      Row
	Distance float64
}

// VectorSearch joins an entity table with its embedding table on entity_id,
// with the tenant predicate enforced on both sides, ordered by ascending
// distance and, for ties, ascending entity id.
func (s *Store) VectorSearch(ctx context.Context, tenantID, table, field string, vec []float32, metric Metric, limit int) ([]SearchHit, error) {
	if tenantID == "" {
		return nil, ErrEmptyTenant
	}
	if !embeddableTables[table] {
		return nil, fmt.Errorf("%w: %q has no embedding table", ErrUnknownTable, table)
	}
	op, err := metric.operator()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 10
	}

	query := fmt.Sprintf(
		`SELECT m.*, e.vector %s $1 AS _distance
		 FROM %s m
		 JOIN %s_embeddings e ON e.entity_id = m.id AND e.field_name = $2
		 WHERE m.tenant_id = $3 AND e.tenant_id = $3
		 ORDER BY _distance ASC, m.id ASC
		 LIMIT %d`,
		op, table, table, limit)
	s.logQuery(query, field, tenantID)

	rows, err := s.db.QueryxContext(ctx, query, pgvector.NewVector(vec), field, tenantID)
	if err != nil {
		return nil, fmt.Errorf("vector search on %s failed: %w", table, err)
	}
	defer rows.Close()

	var hits []SearchHit
	for rows.Next() {
		row := make(Row)
		if err := rows.MapScan(row); err != nil {
			return nil, fmt.Errorf("failed to scan search row: %w", err)
		}
		distance := toFloat(row["_distance"])
		delete(row, "_distance")
		normalizeRow(row)
		row["_table_name"] = table
		hits = append(hits, SearchHit{Row: row, Distance: distance})
	}
	return hits, rows.Err()
}

// EmbeddingDimension reads the declared vector dimension of a table's
// embedding companion from the catalog.
func (s *Store) EmbeddingDimension(ctx context.Context, table string) (int, error) {
	if !embeddableTables[table] {
		return 0, fmt.Errorf("%w: %q has no embedding table", ErrUnknownTable, table)
	}
	query := `SELECT atttypmod FROM pg_attribute WHERE attrelid = $1::regclass AND attname = 'vector'`
	s.logQuery(query, table+"_embeddings")

	var dim int
	if err := s.db.GetContext(ctx, &dim, query, table+"_embeddings"); err != nil {
		return 0, fmt.Errorf("failed to read vector dimension for %s: %w", table, err)
	}
	return dim, nil
}

// CheckEmbeddingDimension compares the configured embedding dimension with
// the schema. A process that would write wrong-sized vectors must not start,
// so callers run this before serving.
func (s *Store) CheckEmbeddingDimension(ctx context.Context, want int) error {
	for _, table := range []string{types.TableResources, types.TableMoments} {
		dim, err := s.EmbeddingDimension(ctx, table)
		if err != nil {
			return err
		}
		if dim != want {
			return fmt.Errorf("store: %s_embeddings is VECTOR(%d) but the configured embedding dimension is %d",
				table, dim, want)
		}
	}
	return nil
}

// UpsertEntity inserts or updates a row by primary id. created_at is kept
// on conflict; every other column takes the incoming value.
func (s *Store) UpsertEntity(ctx context.Context, table string, row map[string]interface{}) error {
	if err := validTable(table); err != nil {
		return err
	}
	tenant, _ := row["tenant_id"].(string)
	if tenant == "" {
		return ErrEmptyTenant
	}
	if id, _ := row["id"].(string); id == "" {
		return fmt.Errorf("store: row for %s has no id", table)
	}

	cols := make([]string, 0, len(row))
	for c := range row {
		cols = append(cols, c)
	}
	sort.Strings(cols)

	placeholders := make([]string, len(cols))
	updates := make([]string, 0, len(cols))
	args := make([]interface{}, len(cols))
	for i, c := range cols {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = row[c]
		if c != "id" && c != "created_at" {
			updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", c, c))
		}
	}

	query := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (id) DO UPDATE SET %s",
		table, strings.Join(cols, ", "), strings.Join(placeholders, ", "), strings.Join(updates, ", "))
	s.logQuery(query)

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert into %s failed: %w", table, err)
	}
	return nil
}

// normalizeRow converts driver byte slices to strings so rows are directly
// serializable and comparable.
func normalizeRow(row Row) {
	for k, v := range row {
		if b, ok := v.([]byte); ok {
			row[k] = string(b)
		}
	}
}

func toFloat(v interface{}) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case float32:
		return float64(x)
	case []byte:
		var f float64
		_, _ = fmt.Sscanf(string(x), "%g", &f)
		return f
	case string:
		var f float64
		_, _ = fmt.Sscanf(x, "%g", &f)
		return f
	default:
		return 0
	}
}
