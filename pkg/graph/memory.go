package graph

import (
	"context"
	"sort"
	"sync"
)

// MemoryGraph is a process-local Graph used by tests and the embedded
// deployment profile.
type MemoryGraph struct {
	mu      sync.RWMutex
	nodes   map[string]map[string]Node // tenant -> label\x00key -> node
	edges   map[string][]Edge          // tenant -> edges in insertion order
	nextSeq int64
}

// NewMemoryGraph returns an empty in-memory graph.
func NewMemoryGraph() *MemoryGraph {
	return &MemoryGraph{
		nodes: make(map[string]map[string]Node),
		edges: make(map[string][]Edge),
	}
}

func nodeKey(label, key string) string { return label + "\x00" + key }

func (g *MemoryGraph) MergeNode(_ context.Context, n Node) error {
	if n.TenantID == "" {
		return ErrEmptyTenant
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	tenant := g.nodes[n.TenantID]
	if tenant == nil {
		tenant = make(map[string]Node)
		g.nodes[n.TenantID] = tenant
	}
	key := nodeKey(n.Label, n.Key)
	if existing, ok := tenant[key]; ok {
		if existing.Properties == nil {
			existing.Properties = make(map[string]string, len(n.Properties))
		}
		for k, v := range n.Properties {
			existing.Properties[k] = v
		}
		tenant[key] = existing
		return nil
	}
	tenant[key] = n
	return nil
}

func (g *MemoryGraph) MergeEdge(_ context.Context, e Edge) error {
	if e.TenantID == "" {
		return ErrEmptyTenant
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	edges := g.edges[e.TenantID]
	for i := range edges {
		x := &edges[i]
		if x.SrcLabel == e.SrcLabel && x.SrcKey == e.SrcKey &&
			x.DstLabel == e.DstLabel && x.DstKey == e.DstKey &&
			x.Relationship == e.Relationship {
			x.Weight = e.Weight
			if len(e.Properties) > 0 {
				if x.Properties == nil {
					x.Properties = make(map[string]string, len(e.Properties))
				}
				for k, v := range e.Properties {
					x.Properties[k] = v
				}
			}
			return nil
		}
	}
	g.nextSeq++
	e.Seq = g.nextSeq
	g.edges[e.TenantID] = append(edges, e)
	return nil
}

func (g *MemoryGraph) Neighbors(_ context.Context, tenantID, label, key string, relationships []string) ([]Edge, error) {
	if tenantID == "" {
		return nil, ErrEmptyTenant
	}
	var relFilter map[string]bool
	if len(relationships) > 0 {
		relFilter = make(map[string]bool, len(relationships))
		for _, r := range relationships {
			relFilter[r] = true
		}
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []Edge
	for _, e := range g.edges[tenantID] {
		if e.SrcLabel != label || e.SrcKey != key {
			continue
		}
		if relFilter != nil && !relFilter[e.Relationship] {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (g *MemoryGraph) Vertices(_ context.Context, tenantID string) ([]Node, error) {
	if tenantID == "" {
		return nil, ErrEmptyTenant
	}
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]Node, 0, len(g.nodes[tenantID]))
	for _, n := range g.nodes[tenantID] {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Label != out[j].Label {
			return out[i].Label < out[j].Label
		}
		return out[i].Key < out[j].Key
	})
	return out, nil
}
