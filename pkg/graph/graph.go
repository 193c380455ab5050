package graph

import (
	"context"
	"errors"
	"strings"
)

// ErrEmptyTenant is returned when an operation arrives without a tenant id.
var ErrEmptyTenant = errors.New("graph: tenant_id is empty")

// Node is one labeled vertex. Nodes are identified by (label, key) within a
// tenant.
type Node struct {
	TenantID   string            `json:"tenant_id"`
	Label      string            `json:"label"`
	Key        string            `json:"key"`
	Properties map[string]string `json:"properties,omitempty"`
}

// Edge is a directed, typed, weighted edge. Seq is the insertion sequence
// number; traversals return edges in seq order so results are stable.
type Edge struct {
	Seq          int64             `json:"seq"`
	TenantID     string            `json:"tenant_id"`
	SrcLabel     string            `json:"src_label"`
	SrcKey       string            `json:"src_key"`
	DstLabel     string            `json:"dst_label"`
	DstKey       string            `json:"dst_key"`
	Relationship string            `json:"relationship"`
	Weight       float64           `json:"weight"`
	Properties   map[string]string `json:"properties,omitempty"`
}

// Graph is the namespace store contract. Both implementations share it: the
// Postgres one in production and the in-memory one in tests.
type Graph interface {
	// MergeNode creates the node or updates its properties in place.
	MergeNode(ctx context.Context, n Node) error

	// MergeEdge creates the edge or, when an edge with the same endpoints
	// and relationship exists, updates its weight and properties without
	// duplicating it.
	MergeEdge(ctx context.Context, e Edge) error

	// Neighbors returns the outbound edges of a node in insertion order,
	// optionally filtered to a set of relationship types.
	Neighbors(ctx context.Context, tenantID, label, key string, relationships []string) ([]Edge, error)

	// Vertices lists every node of a tenant.
	Vertices(ctx context.Context, tenantID string) ([]Node, error)
}

// Trigram computes pg_trgm-style similarity between two strings: the ratio
// of shared trigrams to total distinct trigrams after lowercasing and
// padding. Identical strings score 1, disjoint strings 0. The computation
// is pure CPU; callers bound concurrency with a worker pool.
func Trigram(a, b string) float64 {
	ta := trigrams(a)
	tb := trigrams(b)
	if len(ta) == 0 && len(tb) == 0 {
		return 1
	}
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	shared := 0
	for t := range ta {
		if tb[t] {
			shared++
		}
	}
	union := len(ta) + len(tb) - shared
	return float64(shared) / float64(union)
}

func trigrams(s string) map[string]bool {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return nil
	}
	padded := "  " + s + " "
	out := make(map[string]bool, len(padded))
	runes := []rune(padded)
	for i := 0; i+3 <= len(runes); i++ {
		out[string(runes[i:i+3])] = true
	}
	return out
}
