package graph

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/remlabs/remd/pkg/log"
)

// PostgresGraph stores the namespace in the same database as the relational
// rows, in the graph_nodes and graph_edges tables.
type PostgresGraph struct {
	db  *sqlx.DB
	log zerolog.Logger
}

// NewPostgresGraph wraps a shared connection pool.
func NewPostgresGraph(db *sqlx.DB) *PostgresGraph {
	return &PostgresGraph{db: db, log: log.WithComponent("graph")}
}

func (g *PostgresGraph) MergeNode(ctx context.Context, n Node) error {
	if n.TenantID == "" {
		return ErrEmptyTenant
	}
	props, err := json.Marshal(n.Properties)
	if err != nil {
		return fmt.Errorf("failed to encode node properties: %w", err)
	}
	query := `INSERT INTO graph_nodes (tenant_id, label, key, properties)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tenant_id, label, key)
		DO UPDATE SET properties = COALESCE(graph_nodes.properties, '{}'::jsonb) || EXCLUDED.properties`
	if _, err := g.db.ExecContext(ctx, query, n.TenantID, n.Label, n.Key, props); err != nil {
		return fmt.Errorf("failed to merge node %s/%s: %w", n.Label, n.Key, err)
	}
	return nil
}

func (g *PostgresGraph) MergeEdge(ctx context.Context, e Edge) error {
	if e.TenantID == "" {
		return ErrEmptyTenant
	}
	props, err := json.Marshal(e.Properties)
	if err != nil {
		return fmt.Errorf("failed to encode edge properties: %w", err)
	}
	query := `INSERT INTO graph_edges (tenant_id, src_label, src_key, dst_label, dst_key, relationship, weight, properties)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (tenant_id, src_label, src_key, dst_label, dst_key, relationship)
		DO UPDATE SET weight = EXCLUDED.weight,
			properties = COALESCE(graph_edges.properties, '{}'::jsonb) || EXCLUDED.properties`
	_, err = g.db.ExecContext(ctx, query,
		e.TenantID, e.SrcLabel, e.SrcKey, e.DstLabel, e.DstKey, e.Relationship, e.Weight, props)
	if err != nil {
		return fmt.Errorf("failed to merge edge %s/%s -[%s]-> %s/%s: %w",
			e.SrcLabel, e.SrcKey, e.Relationship, e.DstLabel, e.DstKey, err)
	}
	return nil
}

type edgeRow struct {
	Seq          int64   `db:"seq"`
	TenantID     string  `db:"tenant_id"`
	SrcLabel     string  `db:"src_label"`
	SrcKey       string  `db:"src_key"`
	DstLabel     string  `db:"dst_label"`
	DstKey       string  `db:"dst_key"`
	Relationship string  `db:"relationship"`
	Weight       float64 `db:"weight"`
	Properties   []byte  `db:"properties"`
}

func (r *edgeRow) toEdge() (Edge, error) {
	e := Edge{
		Seq:          r.Seq,
		TenantID:     r.TenantID,
		SrcLabel:     r.SrcLabel,
		SrcKey:       r.SrcKey,
		DstLabel:     r.DstLabel,
		DstKey:       r.DstKey,
		Relationship: r.Relationship,
		Weight:       r.Weight,
	}
	if len(r.Properties) > 0 && string(r.Properties) != "null" {
		if err := json.Unmarshal(r.Properties, &e.Properties); err != nil {
			return Edge{}, fmt.Errorf("corrupt properties on edge %d: %w", r.Seq, err)
		}
	}
	return e, nil
}

func (g *PostgresGraph) Neighbors(ctx context.Context, tenantID, label, key string, relationships []string) ([]Edge, error) {
	if tenantID == "" {
		return nil, ErrEmptyTenant
	}
	query := `SELECT seq, tenant_id, src_label, src_key, dst_label, dst_key, relationship, weight, properties
		FROM graph_edges WHERE tenant_id = ? AND src_label = ? AND src_key = ?`
	args := []interface{}{tenantID, label, key}
	if len(relationships) > 0 {
		in, inArgs, err := sqlx.In(" AND relationship IN (?)", relationships)
		if err != nil {
			return nil, fmt.Errorf("failed to build relationship filter: %w", err)
		}
		query += in
		args = append(args, inArgs...)
	}
	query += " ORDER BY seq ASC"
	query = g.db.Rebind(query)

	var rows []edgeRow
	if err := g.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list neighbors of %s/%s: %w", label, key, err)
	}
	out := make([]Edge, 0, len(rows))
	for i := range rows {
		e, err := rows[i].toEdge()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (g *PostgresGraph) Vertices(ctx context.Context, tenantID string) ([]Node, error) {
	if tenantID == "" {
		return nil, ErrEmptyTenant
	}
	query := `SELECT tenant_id, label, key, properties FROM graph_nodes
		WHERE tenant_id = $1 ORDER BY label ASC, key ASC`

	var rows []struct {
		TenantID   string `db:"tenant_id"`
		Label      string `db:"label"`
		Key        string `db:"key"`
		Properties []byte `db:"properties"`
	}
	if err := g.db.SelectContext(ctx, &rows, query, tenantID); err != nil {
		return nil, fmt.Errorf("failed to list vertices: %w", err)
	}
	out := make([]Node, 0, len(rows))
	for _, r := range rows {
		n := Node{TenantID: r.TenantID, Label: r.Label, Key: r.Key}
		if len(r.Properties) > 0 && string(r.Properties) != "null" {
			if err := json.Unmarshal(r.Properties, &n.Properties); err != nil {
				return nil, fmt.Errorf("corrupt properties on node %s/%s: %w", r.Label, r.Key, err)
			}
		}
		out = append(out, n)
	}
	return out, nil
}
