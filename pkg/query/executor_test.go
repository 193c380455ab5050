package query

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remlabs/remd/pkg/config"
	"github.com/remlabs/remd/pkg/embed"
	"github.com/remlabs/remd/pkg/graph"
	"github.com/remlabs/remd/pkg/kv"
	"github.com/remlabs/remd/pkg/store"
)

// fakeRel records relational calls. Entity rows live in entities keyed by
// table "/" id; lookup tests use lastWhere to prove names never reach SQL.
type fakeRel struct {
	selectCalls int
	searchCalls int
	lastWhere   string
	lastMetric  store.Metric
	rows        []store.Row
	entities    map[string]store.Row
	hits        []store.SearchHit
	err         error
}

func (f *fakeRel) Select(_ context.Context, tenantID, table, where string, args map[string]interface{}, _ string, _ int) ([]store.Row, error) {
	f.selectCalls++
	f.lastWhere = where
	if tenantID == "" {
		return nil, store.ErrEmptyTenant
	}
	if f.err != nil {
		return nil, f.err
	}
	if id, ok := args["id"].(string); ok {
		src, ok := f.entities[table+"/"+id]
		if !ok {
			return nil, nil
		}
		row := store.Row{"_table_name": table}
		for k, v := range src {
			row[k] = v
		}
		return []store.Row{row}, nil
	}
	return f.rows, nil
}

func (f *fakeRel) VectorSearch(_ context.Context, tenantID, _, _ string, _ []float32, metric store.Metric, _ int) ([]store.SearchHit, error) {
	f.searchCalls++
	f.lastMetric = metric
	if tenantID == "" {
		return nil, store.ErrEmptyTenant
	}
	return f.hits, f.err
}

type fakeNames struct {
	mappings []kv.Mapping
	err      error
}

func (f *fakeNames) LookupName(context.Context, string, string) ([]kv.Mapping, error) {
	return f.mappings, f.err
}

type fakeEmbedder struct {
	vec []float32
	err error
}

func (f *fakeEmbedder) Embed(context.Context, []string) ([][]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	return [][]float32{f.vec}, nil
}
func (f *fakeEmbedder) Dimension() int   { return len(f.vec) }
func (f *fakeEmbedder) Provider() string { return "fake" }

func newTestExecutor(rel Relational, names Names, g graph.Graph, em embed.Service) *Executor {
	return New(rel, names, g, em, config.Default().Query, 2)
}

func TestPlanConstructorsRequireTenant(t *testing.T) {
	_, err := NewSQLPlan("", SQLParams{Table: "resources"})
	assert.Error(t, err)
	_, err = NewLookupPlan("", LookupParams{Name: "doc.md"})
	assert.Error(t, err)
	_, err = NewSearchPlan("", SearchParams{Text: "q"})
	assert.Error(t, err)
	_, err = NewTraversePlan("", TraverseParams{StartName: "doc.md"})
	assert.Error(t, err)
	_, err = NewFuzzyPlan("", FuzzyParams{Terms: []string{"doc"}})
	assert.Error(t, err)
}

func TestExecuteRefusesEmptyTenant(t *testing.T) {
	e := newTestExecutor(&fakeRel{}, &fakeNames{}, graph.NewMemoryGraph(), &fakeEmbedder{vec: []float32{1}})

	_, err := e.Execute(context.Background(), &Plan{Type: PlanSQL, SQL: &SQLParams{Table: "resources"}})
	var qerr *Error
	require.ErrorAs(t, err, &qerr)
	assert.Equal(t, KindInvalidPlan, qerr.Kind)
	assert.False(t, qerr.Retryable)
}

func TestExecuteSQL(t *testing.T) {
	rel := &fakeRel{rows: []store.Row{{"id": "r1", "_table_name": "resources"}}}
	e := newTestExecutor(rel, &fakeNames{}, graph.NewMemoryGraph(), &fakeEmbedder{vec: []float32{1}})

	plan, err := NewSQLPlan("tenant-a", SQLParams{Table: "resources"})
	require.NoError(t, err)
	rows, err := e.Execute(context.Background(), plan)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 1, rel.selectCalls)
}

func TestExecuteSQLStorageFailureIsRetryable(t *testing.T) {
	rel := &fakeRel{err: errors.New("connection reset")}
	e := newTestExecutor(rel, &fakeNames{}, graph.NewMemoryGraph(), &fakeEmbedder{vec: []float32{1}})

	plan, _ := NewSQLPlan("tenant-a", SQLParams{Table: "resources"})
	_, err := e.Execute(context.Background(), plan)

	var qerr *Error
	require.ErrorAs(t, err, &qerr)
	assert.Equal(t, KindStorage, qerr.Kind)
	assert.True(t, qerr.Retryable)
}

func TestLookupReturnsFullRows(t *testing.T) {
	rel := &fakeRel{entities: map[string]store.Row{
		"moments/m-1":   {"id": "m-1", "name": "standup", "summary": "status sync"},
		"resources/r-1": {"id": "r-1", "name": "doc.md", "content": "hello world"},
	}}
	names := &fakeNames{mappings: []kv.Mapping{
		{EntityID: "m-1", EntityType: "moment", TableName: "moments"},
		{EntityID: "r-1", EntityType: "resource", TableName: "resources", BlobKey: "buckets/tenant-a/doc.md"},
	}}
	e := newTestExecutor(rel, names, graph.NewMemoryGraph(), &fakeEmbedder{vec: []float32{1}})

	plan, _ := NewLookupPlan("tenant-a", LookupParams{Name: "standup"})
	rows, err := e.Execute(context.Background(), plan)
	require.NoError(t, err)

	require.Len(t, rows, 2)
	assert.Equal(t, "m-1", rows[0]["id"], "mapping scan order is preserved")
	assert.Equal(t, "status sync", rows[0]["summary"])
	assert.Equal(t, "hello world", rows[1]["content"], "the entity row comes back, not an index stub")
	assert.Equal(t, "buckets/tenant-a/doc.md", rows[1]["_blob_key"])
	assert.Equal(t, 2, rel.selectCalls, "one id fetch per mapping")
	assert.Equal(t, "id = :id", rel.lastWhere, "the name never reaches a SQL predicate")
}

func TestLookupTableFilter(t *testing.T) {
	rel := &fakeRel{entities: map[string]store.Row{
		"moments/m-1":   {"id": "m-1"},
		"resources/r-1": {"id": "r-1"},
	}}
	names := &fakeNames{mappings: []kv.Mapping{
		{EntityID: "m-1", EntityType: "moment", TableName: "moments"},
		{EntityID: "r-1", EntityType: "resource", TableName: "resources"},
	}}
	e := newTestExecutor(rel, names, graph.NewMemoryGraph(), &fakeEmbedder{vec: []float32{1}})

	plan, _ := NewLookupPlan("tenant-a", LookupParams{Name: "standup", Table: "resources"})
	rows, err := e.Execute(context.Background(), plan)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "r-1", rows[0]["id"])
	assert.Equal(t, 1, rel.selectCalls, "filtered mappings are never fetched")
}

func TestLookupSkipsDanglingMappings(t *testing.T) {
	rel := &fakeRel{entities: map[string]store.Row{
		"resources/r-2": {"id": "r-2", "content": "still here"},
	}}
	names := &fakeNames{mappings: []kv.Mapping{
		{EntityID: "r-1", EntityType: "resource", TableName: "resources"},
		{EntityID: "r-2", EntityType: "resource", TableName: "resources"},
	}}
	e := newTestExecutor(rel, names, graph.NewMemoryGraph(), &fakeEmbedder{vec: []float32{1}})

	plan, _ := NewLookupPlan("tenant-a", LookupParams{Name: "doc.md"})
	rows, err := e.Execute(context.Background(), plan)
	require.NoError(t, err)
	require.Len(t, rows, 1, "a mapping whose row is gone resolves to nothing")
	assert.Equal(t, "r-2", rows[0]["id"])
}

func TestLookupMissIsEmptyNotError(t *testing.T) {
	e := newTestExecutor(&fakeRel{}, &fakeNames{}, graph.NewMemoryGraph(), &fakeEmbedder{vec: []float32{1}})

	plan, _ := NewLookupPlan("tenant-a", LookupParams{Name: "ghost"})
	rows, err := e.Execute(context.Background(), plan)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestSearchThresholdAndSimilarity(t *testing.T) {
	rel := &fakeRel{hits: []store.SearchHit{
		{Row: store.Row{"id": "r1", "_table_name": "resources"}, Distance: 0.1},
		{Row: store.Row{"id": "r2", "_table_name": "resources"}, Distance: 0.4},
	}}
	e := newTestExecutor(rel, &fakeNames{}, graph.NewMemoryGraph(), &fakeEmbedder{vec: []float32{1, 0}})

	plan, _ := NewSearchPlan("tenant-a", SearchParams{Text: "roadmap", Threshold: 0.8})
	rows, err := e.Execute(context.Background(), plan)
	require.NoError(t, err)

	require.Len(t, rows, 1, "rows below the similarity threshold are dropped")
	assert.Equal(t, "r1", rows[0]["id"])
	assert.InDelta(t, 0.9, rows[0]["_similarity"].(float64), 1e-9)
}

func TestSearchDimensionMismatchIsFatal(t *testing.T) {
	e := newTestExecutor(&fakeRel{}, &fakeNames{}, graph.NewMemoryGraph(), &fakeEmbedder{err: embed.ErrDimensionMismatch})

	plan, _ := NewSearchPlan("tenant-a", SearchParams{Text: "roadmap"})
	_, err := e.Execute(context.Background(), plan)

	var qerr *Error
	require.ErrorAs(t, err, &qerr)
	assert.Equal(t, KindEmbedding, qerr.Kind)
	assert.False(t, qerr.Retryable, "a schema mismatch cannot be retried away")
}

func TestSearchRateLimitIsRetryable(t *testing.T) {
	e := newTestExecutor(&fakeRel{}, &fakeNames{}, graph.NewMemoryGraph(), &fakeEmbedder{err: embed.ErrRateLimited})

	plan, _ := NewSearchPlan("tenant-a", SearchParams{Text: "roadmap"})
	_, err := e.Execute(context.Background(), plan)

	var qerr *Error
	require.ErrorAs(t, err, &qerr)
	assert.Equal(t, KindEmbedding, qerr.Kind)
	assert.True(t, qerr.Retryable)
}

func TestSearchMetricSelection(t *testing.T) {
	rel := &fakeRel{hits: []store.SearchHit{
		{Row: store.Row{"id": "r1", "_table_name": "resources"}, Distance: 2.5},
	}}
	e := newTestExecutor(rel, &fakeNames{}, graph.NewMemoryGraph(), &fakeEmbedder{vec: []float32{1, 0}})

	plan, _ := NewSearchPlan("tenant-a", SearchParams{Text: "roadmap", Metric: "l2"})
	rows, err := e.Execute(context.Background(), plan)
	require.NoError(t, err)
	assert.Equal(t, store.MetricL2, rel.lastMetric)
	require.Len(t, rows, 1)
	assert.Equal(t, 2.5, rows[0]["_distance"], "non-cosine metrics report the raw distance")
	assert.NotContains(t, rows[0], "_similarity")
}

func TestSearchDefaultsToCosine(t *testing.T) {
	rel := &fakeRel{}
	e := newTestExecutor(rel, &fakeNames{}, graph.NewMemoryGraph(), &fakeEmbedder{vec: []float32{1, 0}})

	plan, _ := NewSearchPlan("tenant-a", SearchParams{Text: "roadmap"})
	_, err := e.Execute(context.Background(), plan)
	require.NoError(t, err)
	assert.Equal(t, store.MetricCosine, rel.lastMetric)
}

func TestSearchUnknownMetricIsInvalid(t *testing.T) {
	e := newTestExecutor(&fakeRel{}, &fakeNames{}, graph.NewMemoryGraph(), &fakeEmbedder{vec: []float32{1}})

	plan, _ := NewSearchPlan("tenant-a", SearchParams{Text: "roadmap", Metric: "hamming"})
	_, err := e.Execute(context.Background(), plan)

	var qerr *Error
	require.ErrorAs(t, err, &qerr)
	assert.Equal(t, KindInvalidPlan, qerr.Kind)
	assert.False(t, qerr.Retryable)
}

// chainGraph builds a -> b -> c -> d plus one off-relationship edge a -> x.
func chainGraph(t *testing.T) graph.Graph {
	t.Helper()
	g := graph.NewMemoryGraph()
	ctx := context.Background()
	edges := []graph.Edge{
		{TenantID: "tenant-a", SrcLabel: "resource", SrcKey: "a", DstLabel: "resource", DstKey: "b", Relationship: "see_also"},
		{TenantID: "tenant-a", SrcLabel: "resource", SrcKey: "b", DstLabel: "resource", DstKey: "c", Relationship: "see_also"},
		{TenantID: "tenant-a", SrcLabel: "resource", SrcKey: "c", DstLabel: "resource", DstKey: "d", Relationship: "see_also"},
		{TenantID: "tenant-a", SrcLabel: "resource", SrcKey: "a", DstLabel: "person", DstKey: "x", Relationship: "mentions"},
	}
	for _, e := range edges {
		require.NoError(t, g.MergeEdge(ctx, e))
	}
	return g
}

func TestTraverseDefaultDepth(t *testing.T) {
	e := newTestExecutor(&fakeRel{}, &fakeNames{}, chainGraph(t), &fakeEmbedder{vec: []float32{1}})

	plan, _ := NewTraversePlan("tenant-a", TraverseParams{StartLabel: "resource", StartKey: "a"})
	rows, err := e.Execute(context.Background(), plan)
	require.NoError(t, err)

	// Depth 2 reaches b, x and c but not d.
	keys := make([]string, len(rows))
	for i, r := range rows {
		keys[i] = r["key"].(string)
	}
	assert.Equal(t, []string{"a", "b", "x", "c"}, keys)
	assert.Equal(t, 0, rows[0]["_depth"])
	assert.Equal(t, 2, rows[3]["_depth"])
}

func TestTraverseDepthZeroReturnsStartAlone(t *testing.T) {
	e := newTestExecutor(&fakeRel{}, &fakeNames{}, chainGraph(t), &fakeEmbedder{vec: []float32{1}})

	zero := 0
	plan, _ := NewTraversePlan("tenant-a", TraverseParams{StartLabel: "resource", StartKey: "a", Depth: &zero})
	rows, err := e.Execute(context.Background(), plan)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "a", rows[0]["key"])
}

func TestTraverseDepthIsCapped(t *testing.T) {
	e := newTestExecutor(&fakeRel{}, &fakeNames{}, chainGraph(t), &fakeEmbedder{vec: []float32{1}})

	ten := 10
	plan, _ := NewTraversePlan("tenant-a", TraverseParams{StartLabel: "resource", StartKey: "a", Depth: &ten})
	rows, err := e.Execute(context.Background(), plan)
	require.NoError(t, err)
	// The cap of 4 still reaches the whole chain here.
	assert.Len(t, rows, 5)
}

func TestTraverseRelationshipFilter(t *testing.T) {
	e := newTestExecutor(&fakeRel{}, &fakeNames{}, chainGraph(t), &fakeEmbedder{vec: []float32{1}})

	plan, _ := NewTraversePlan("tenant-a", TraverseParams{
		StartLabel: "resource", StartKey: "a", Relationships: []string{"see_also"},
	})
	rows, err := e.Execute(context.Background(), plan)
	require.NoError(t, err)
	for _, r := range rows {
		assert.NotEqual(t, "x", r["key"], "filtered relationship is not walked")
	}
}

func TestTraverseResolvesStartByName(t *testing.T) {
	names := &fakeNames{mappings: []kv.Mapping{{EntityID: "a", EntityType: "resource", TableName: "resources"}}}
	e := newTestExecutor(&fakeRel{}, names, chainGraph(t), &fakeEmbedder{vec: []float32{1}})

	plan, _ := NewTraversePlan("tenant-a", TraverseParams{StartName: "doc.md"})
	rows, err := e.Execute(context.Background(), plan)
	require.NoError(t, err)
	assert.Equal(t, "a", rows[0]["key"])
}

func TestTraverseUnknownStartName(t *testing.T) {
	e := newTestExecutor(&fakeRel{}, &fakeNames{}, chainGraph(t), &fakeEmbedder{vec: []float32{1}})

	plan, _ := NewTraversePlan("tenant-a", TraverseParams{StartName: "ghost"})
	_, err := e.Execute(context.Background(), plan)

	var qerr *Error
	require.ErrorAs(t, err, &qerr)
	assert.Equal(t, KindNotFound, qerr.Kind)
}

func fuzzyGraph(t *testing.T) graph.Graph {
	t.Helper()
	g := graph.NewMemoryGraph()
	ctx := context.Background()
	for _, n := range []graph.Node{
		{TenantID: "tenant-a", Label: "resource", Key: "r1", Properties: map[string]string{"name": "standup"}},
		{TenantID: "tenant-a", Label: "resource", Key: "r2", Properties: map[string]string{"name": "standups"}},
		{TenantID: "tenant-a", Label: "resource", Key: "r3", Properties: map[string]string{"name": "retrospective"}},
	} {
		require.NoError(t, g.MergeNode(ctx, n))
	}
	return g
}

func TestFuzzyMatching(t *testing.T) {
	e := newTestExecutor(&fakeRel{}, &fakeNames{}, fuzzyGraph(t), &fakeEmbedder{vec: []float32{1}})

	plan, _ := NewFuzzyPlan("tenant-a", FuzzyParams{Terms: []string{"standup"}})
	rows, err := e.Execute(context.Background(), plan)
	require.NoError(t, err)

	require.Len(t, rows, 2, "only names above the threshold match")
	assert.Equal(t, "standup", rows[0]["name"], "exact match ranks first")
	assert.Equal(t, 1.0, rows[0]["_score"])
	assert.Equal(t, "standups", rows[1]["name"])
}

func TestFuzzyThresholdOneIsExact(t *testing.T) {
	e := newTestExecutor(&fakeRel{}, &fakeNames{}, fuzzyGraph(t), &fakeEmbedder{vec: []float32{1}})

	plan, _ := NewFuzzyPlan("tenant-a", FuzzyParams{Terms: []string{"standup"}, Threshold: 1.0})
	rows, err := e.Execute(context.Background(), plan)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "standup", rows[0]["name"])
}

func TestFuzzyResolvesEntityRows(t *testing.T) {
	rel := &fakeRel{entities: map[string]store.Row{
		"resources/r1": {"id": "r1", "name": "standup", "content": "notes from standup"},
		"resources/r2": {"id": "r2", "name": "standups", "content": "recurring standups"},
	}}
	e := newTestExecutor(rel, &fakeNames{}, fuzzyGraph(t), &fakeEmbedder{vec: []float32{1}})

	plan, _ := NewFuzzyPlan("tenant-a", FuzzyParams{Terms: []string{"standup"}})
	rows, err := e.Execute(context.Background(), plan)
	require.NoError(t, err)

	require.Len(t, rows, 2)
	assert.Equal(t, "notes from standup", rows[0]["content"], "matched entity nodes resolve to their rows")
	assert.Equal(t, "resources", rows[0]["_table_name"])
	assert.Equal(t, 1.0, rows[0]["_score"], "score survives resolution")
	assert.Equal(t, "standup", rows[0]["_matched_term"])
}

func TestFuzzyKeepsStubForUnresolvedNodes(t *testing.T) {
	g := graph.NewMemoryGraph()
	require.NoError(t, g.MergeNode(context.Background(), graph.Node{
		TenantID: "tenant-a", Label: "person", Key: "p1",
		Properties: map[string]string{"name": "alice"},
	}))
	e := newTestExecutor(&fakeRel{}, &fakeNames{}, g, &fakeEmbedder{vec: []float32{1}})

	plan, _ := NewFuzzyPlan("tenant-a", FuzzyParams{Terms: []string{"alice"}})
	rows, err := e.Execute(context.Background(), plan)
	require.NoError(t, err)

	require.Len(t, rows, 1)
	assert.Equal(t, "graph_nodes", rows[0]["_table_name"], "labels without a table stay graph stubs")
	assert.Equal(t, "alice", rows[0]["name"])
}

func TestFuzzyDedupesAcrossTerms(t *testing.T) {
	e := newTestExecutor(&fakeRel{}, &fakeNames{}, fuzzyGraph(t), &fakeEmbedder{vec: []float32{1}})

	plan, _ := NewFuzzyPlan("tenant-a", FuzzyParams{Terms: []string{"standup", "standups"}})
	rows, err := e.Execute(context.Background(), plan)
	require.NoError(t, err)

	seen := map[string]int{}
	for _, r := range rows {
		seen[r["key"].(string)]++
	}
	for key, n := range seen {
		assert.Equal(t, 1, n, "node %s appears more than once", key)
	}
}
