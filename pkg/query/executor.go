package query

import (
	"context"
	"errors"
	"sort"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/remlabs/remd/pkg/config"
	"github.com/remlabs/remd/pkg/embed"
	"github.com/remlabs/remd/pkg/graph"
	"github.com/remlabs/remd/pkg/kv"
	"github.com/remlabs/remd/pkg/log"
	"github.com/remlabs/remd/pkg/metrics"
	"github.com/remlabs/remd/pkg/store"
	"github.com/remlabs/remd/pkg/types"
)

// traverseDepthDefault is the walk depth used when a plan leaves it unset.
const traverseDepthDefault = 2

// Relational is the slice of the store the executor reads from.
type Relational interface {
	Select(ctx context.Context, tenantID, table, where string, args map[string]interface{}, orderBy string, limit int) ([]store.Row, error)
	VectorSearch(ctx context.Context, tenantID, table, field string, vec []float32, metric store.Metric, limit int) ([]store.SearchHit, error)
}

// Names is the KV reverse-index surface used by LOOKUP and TRAVERSE.
type Names interface {
	LookupName(ctx context.Context, tenantID, name string) ([]kv.Mapping, error)
}

// Executor runs plans against the REM store.
type Executor struct {
	rel      Relational
	names    Names
	graph    graph.Graph
	embedder embed.Service
	cfg      config.QueryConfig
	cpu      *semaphore.Weighted
	log      zerolog.Logger
}

// New builds an executor. cpuPool bounds the concurrency of CPU-bound work
// such as trigram scoring.
func New(rel Relational, names Names, g graph.Graph, embedder embed.Service, cfg config.QueryConfig, cpuPool int) *Executor {
	if cpuPool < 1 {
		cpuPool = 1
	}
	return &Executor{
		rel:      rel,
		names:    names,
		graph:    g,
		embedder: embedder,
		cfg:      cfg,
		cpu:      semaphore.NewWeighted(int64(cpuPool)),
		log:      log.WithComponent("query"),
	}
}

// Execute runs one plan and returns its result rows. All failures are
// *Error values.
func (e *Executor) Execute(ctx context.Context, plan *Plan) ([]store.Row, error) {
	if plan == nil {
		return nil, invalidPlan("plan is nil")
	}
	if plan.TenantID == "" {
		return nil, e.fail(plan.Type, invalidPlan("plan has no tenant_id"))
	}

	timer := metrics.NewTimer()
	var (
		rows []store.Row
		err  error
	)
	switch plan.Type {
	case PlanSQL:
		rows, err = e.execSQL(ctx, plan)
	case PlanLookup:
		rows, err = e.execLookup(ctx, plan)
	case PlanSearch:
		rows, err = e.execSearch(ctx, plan)
	case PlanTraverse:
		rows, err = e.execTraverse(ctx, plan)
	case PlanFuzzy:
		rows, err = e.execFuzzy(ctx, plan)
	default:
		err = invalidPlan("unknown plan type %q", plan.Type)
	}
	if err != nil {
		return nil, e.fail(plan.Type, err)
	}
	timer.ObserveDurationVec(metrics.QueryDuration, string(plan.Type))
	return rows, nil
}

// fail normalizes an error into *Error and records it.
func (e *Executor) fail(plan PlanType, err error) error {
	var qerr *Error
	if !errors.As(err, &qerr) {
		qerr = internalErr(err)
	}
	metrics.QueryErrors.WithLabelValues(string(plan), string(qerr.Kind)).Inc()
	return qerr
}

func (e *Executor) execSQL(ctx context.Context, plan *Plan) ([]store.Row, error) {
	p := plan.SQL
	if p == nil {
		return nil, invalidPlan("sql plan has no params")
	}
	rows, err := e.rel.Select(ctx, plan.TenantID, p.Table, p.Where, p.Args, p.OrderBy, p.Limit)
	switch {
	case errors.Is(err, store.ErrEmptyTenant), errors.Is(err, store.ErrUnknownTable):
		return nil, invalidPlan("%s", err.Error())
	case err != nil:
		return nil, storageErr(err)
	}
	return rows, nil
}

// execLookup resolves a name through the KV reverse index, then fetches the
// row behind each mapping by entity id. The name itself never appears in a
// SQL predicate; rows come back in mapping scan order.
func (e *Executor) execLookup(ctx context.Context, plan *Plan) ([]store.Row, error) {
	p := plan.Lookup
	if p == nil {
		return nil, invalidPlan("lookup plan has no params")
	}
	mappings, err := e.names.LookupName(ctx, plan.TenantID, p.Name)
	if err != nil {
		return nil, storageErr(err)
	}

	rows := make([]store.Row, 0, len(mappings))
	for _, m := range mappings {
		if p.Table != "" && m.TableName != p.Table {
			continue
		}
		row, err := e.fetchByID(ctx, plan.TenantID, m.TableName, m.EntityID)
		if err != nil {
			return nil, err
		}
		if row == nil {
			e.log.Warn().Str("tenant_id", plan.TenantID).Str("table", m.TableName).
				Str("entity_id", m.EntityID).Msg("reverse index points at a missing row")
			continue
		}
		if m.BlobKey != "" {
			row["_blob_key"] = m.BlobKey
		}
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		e.log.Info().Str("tenant_id", plan.TenantID).Str("name", p.Name).Msg("lookup miss")
	}
	return rows, nil
}

// fetchByID fetches one entity row. A nil row without error means the id is
// gone from the table.
func (e *Executor) fetchByID(ctx context.Context, tenantID, table, id string) (store.Row, error) {
	rows, err := e.rel.Select(ctx, tenantID, table, "id = :id", map[string]interface{}{"id": id}, "", 1)
	switch {
	case errors.Is(err, store.ErrEmptyTenant), errors.Is(err, store.ErrUnknownTable):
		return nil, invalidPlan("%s", err.Error())
	case err != nil:
		return nil, storageErr(err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

func (e *Executor) execSearch(ctx context.Context, plan *Plan) ([]store.Row, error) {
	p := plan.Search
	if p == nil {
		return nil, invalidPlan("search plan has no params")
	}
	table := p.Table
	if table == "" {
		table = "resources"
	}
	field := p.Field
	if field == "" {
		field = "content"
	}

	var metric store.Metric
	switch store.Metric(p.Metric) {
	case "", store.MetricCosine:
		metric = store.MetricCosine
	case store.MetricL2, store.MetricInnerProduct:
		metric = store.Metric(p.Metric)
	default:
		return nil, invalidPlan("unknown search metric %q", p.Metric)
	}

	vectors, err := e.embedder.Embed(ctx, []string{p.Text})
	switch {
	case errors.Is(err, embed.ErrDimensionMismatch):
		// Provider/schema disagreement. Retrying cannot help.
		return nil, embeddingErr(err, false)
	case errors.Is(err, embed.ErrRateLimited):
		return nil, embeddingErr(err, true)
	case err != nil:
		return nil, embeddingErr(err, true)
	}

	hits, err := e.rel.VectorSearch(ctx, plan.TenantID, table, field, vectors[0], metric, p.Limit)
	switch {
	case errors.Is(err, store.ErrEmptyTenant), errors.Is(err, store.ErrUnknownTable):
		return nil, invalidPlan("%s", err.Error())
	case err != nil:
		return nil, storageErr(err)
	}

	rows := make([]store.Row, 0, len(hits))
	for _, h := range hits {
		if metric == store.MetricCosine {
			similarity := 1 - h.Distance
			if similarity < p.Threshold {
				continue
			}
			h.Row["_similarity"] = similarity
		} else {
			// Only the cosine distance maps onto a [0,1] similarity; the
			// other metrics report their raw distance and the threshold does
			// not apply.
			h.Row["_distance"] = h.Distance
		}
		rows = append(rows, h.Row)
	}
	return rows, nil
}

// execTraverse walks the graph breadth-first from the start node. The walk
// depth defaults to traverseDepthDefault and is clamped to the configured
// cap. Edges discover nodes in insertion order, which keeps results stable
// across runs. Destinations without a materialized node row come back as
// stubs.
func (e *Executor) execTraverse(ctx context.Context, plan *Plan) ([]store.Row, error) {
	p := plan.Traverse
	if p == nil {
		return nil, invalidPlan("traverse plan has no params")
	}
	depth := traverseDepthDefault
	if p.Depth != nil {
		depth = *p.Depth
	}
	if depth < 0 {
		return nil, invalidPlan("traverse depth must not be negative")
	}
	if depth > e.cfg.TraverseDepthCap {
		depth = e.cfg.TraverseDepthCap
	}

	startLabel, startKey := p.StartLabel, p.StartKey
	if startLabel == "" || startKey == "" {
		mappings, err := e.names.LookupName(ctx, plan.TenantID, p.StartName)
		if err != nil {
			return nil, storageErr(err)
		}
		if len(mappings) == 0 {
			return nil, notFound("no entity named %q", p.StartName)
		}
		startLabel, startKey = mappings[0].EntityType, mappings[0].EntityID
	}

	type frontier struct {
		label, key string
		depth      int
	}
	visited := map[string]bool{startLabel + "\x00" + startKey: true}
	queue := []frontier{{startLabel, startKey, 0}}
	rows := []store.Row{{
		"label":       startLabel,
		"key":         startKey,
		"_depth":      0,
		"_table_name": "graph_nodes",
	}}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur.depth >= depth {
			continue
		}
		edges, err := e.graph.Neighbors(ctx, plan.TenantID, cur.label, cur.key, p.Relationships)
		if err != nil {
			return nil, storageErr(err)
		}
		for _, edge := range edges {
			id := edge.DstLabel + "\x00" + edge.DstKey
			if visited[id] {
				continue
			}
			visited[id] = true
			rows = append(rows, store.Row{
				"label":         edge.DstLabel,
				"key":           edge.DstKey,
				"_depth":        cur.depth + 1,
				"_relationship": edge.Relationship,
				"_weight":       edge.Weight,
				"_table_name":   "graph_nodes",
			})
			queue = append(queue, frontier{edge.DstLabel, edge.DstKey, cur.depth + 1})
		}
	}
	return rows, nil
}

type fuzzyHit struct {
	node  graph.Node
	score float64
	term  string
}

// execFuzzy scores every vertex name against every term. Trigram scoring is
// pure CPU, so the per-term scans run on the shared CPU pool.
func (e *Executor) execFuzzy(ctx context.Context, plan *Plan) ([]store.Row, error) {
	p := plan.Fuzzy
	if p == nil {
		return nil, invalidPlan("fuzzy plan has no params")
	}
	threshold := p.Threshold
	if threshold == 0 {
		threshold = e.cfg.FuzzyThreshold
	}
	perTerm := p.Limit
	if perTerm == 0 {
		perTerm = e.cfg.FuzzyPerTermCap
	}

	nodes, err := e.graph.Vertices(ctx, plan.TenantID)
	if err != nil {
		return nil, storageErr(err)
	}

	results := make([][]fuzzyHit, len(p.Terms))
	g, gctx := errgroup.WithContext(ctx)
	for i, term := range p.Terms {
		i, term := i, term
		g.Go(func() error {
			if err := e.cpu.Acquire(gctx, 1); err != nil {
				return err
			}
			defer e.cpu.Release(1)

			var hits []fuzzyHit
			for _, n := range nodes {
				name := n.Properties["name"]
				if name == "" {
					name = n.Key
				}
				score := graph.Trigram(term, name)
				if score >= threshold {
					hits = append(hits, fuzzyHit{node: n, score: score, term: term})
				}
			}
			sort.Slice(hits, func(a, b int) bool {
				if hits[a].score != hits[b].score {
					return hits[a].score > hits[b].score
				}
				return hits[a].node.Key < hits[b].node.Key
			})
			if len(hits) > perTerm {
				hits = hits[:perTerm]
			}
			results[i] = hits
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, internalErr(err)
	}

	// Dedupe across terms, keeping the best score per node.
	best := make(map[string]fuzzyHit)
	for _, hits := range results {
		for _, h := range hits {
			id := h.node.Label + "\x00" + h.node.Key
			if cur, ok := best[id]; !ok || h.score > cur.score {
				best[id] = h
			}
		}
	}
	merged := make([]fuzzyHit, 0, len(best))
	for _, h := range best {
		merged = append(merged, h)
	}
	sort.Slice(merged, func(a, b int) bool {
		if merged[a].score != merged[b].score {
			return merged[a].score > merged[b].score
		}
		return merged[a].node.Key < merged[b].node.Key
	})

	// Matched nodes whose label is an entity type resolve to their full
	// rows; other labels stay graph-node stubs.
	rows := make([]store.Row, 0, len(merged))
	for _, h := range merged {
		name := h.node.Properties["name"]
		if name == "" {
			name = h.node.Key
		}
		row := store.Row{
			"label":       h.node.Label,
			"key":         h.node.Key,
			"name":        name,
			"_table_name": "graph_nodes",
		}
		if table := types.TableForEntityType(h.node.Label); table != "" {
			fetched, err := e.fetchByID(ctx, plan.TenantID, table, h.node.Key)
			if err != nil {
				return nil, err
			}
			if fetched != nil {
				row = fetched
			}
		}
		row["_score"] = h.score
		row["_matched_term"] = h.term
		rows = append(rows, row)
	}
	return rows, nil
}
