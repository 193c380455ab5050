package query

// PlanType discriminates the plan union.
type PlanType string

const (
	PlanSQL      PlanType = "sql"
	PlanLookup   PlanType = "lookup"
	PlanSearch   PlanType = "search"
	PlanTraverse PlanType = "traverse"
	PlanFuzzy    PlanType = "fuzzy"
)

// SQLParams runs a scoped relational SELECT. The tenant predicate is added
// by the store layer, never by the caller.
type SQLParams struct {
	Table   string                 `json:"table"`
	Where   string                 `json:"where,omitempty"`
	Args    map[string]interface{} `json:"args,omitempty"`
	OrderBy string                 `json:"order_by,omitempty"`
	Limit   int                    `json:"limit,omitempty"`
}

// LookupParams resolves a human-readable name through the KV reverse index.
// Table, when set, restricts results to mappings into that table.
type LookupParams struct {
	Name  string `json:"name"`
	Table string `json:"table,omitempty"`
}

// SearchParams runs a vector similarity search over an entity table. Metric
// selects the distance operator: cosine (the default), l2 or inner_product.
// Threshold applies to the cosine similarity only.
type SearchParams struct {
	Table     string  `json:"table"`
	Field     string  `json:"field"`
	Text      string  `json:"text"`
	Metric    string  `json:"metric,omitempty"`
	Threshold float64 `json:"threshold,omitempty"`
	Limit     int     `json:"limit,omitempty"`
}

// TraverseParams walks the graph outward from a start node. The start is
// either an explicit (label, key) pair or a name resolved through LOOKUP.
// A nil Depth means the default; an explicit 0 returns the start node alone.
type TraverseParams struct {
	StartName     string   `json:"start_name,omitempty"`
	StartLabel    string   `json:"start_label,omitempty"`
	StartKey      string   `json:"start_key,omitempty"`
	Depth         *int     `json:"depth,omitempty"`
	Relationships []string `json:"relationships,omitempty"`
}

// FuzzyParams matches node names by trigram similarity.
type FuzzyParams struct {
	Terms     []string `json:"terms"`
	Threshold float64  `json:"threshold,omitempty"` // 0 means the default
	Limit     int      `json:"limit,omitempty"`     // per-term cap, 0 means the default
}

// Plan is the tagged query union. Exactly the params field matching Type is
// set.
type Plan struct {
	Type     PlanType `json:"type"`
	TenantID string   `json:"tenant_id"`

	SQL      *SQLParams      `json:"sql,omitempty"`
	Lookup   *LookupParams   `json:"lookup,omitempty"`
	Search   *SearchParams   `json:"search,omitempty"`
	Traverse *TraverseParams `json:"traverse,omitempty"`
	Fuzzy    *FuzzyParams    `json:"fuzzy,omitempty"`
}

// NewSQLPlan builds a relational plan.
func NewSQLPlan(tenantID string, p SQLParams) (*Plan, error) {
	if tenantID == "" {
		return nil, invalidPlan("sql plan has no tenant_id")
	}
	if p.Table == "" {
		return nil, invalidPlan("sql plan has no table")
	}
	return &Plan{Type: PlanSQL, TenantID: tenantID, SQL: &p}, nil
}

// NewLookupPlan builds a KV name-resolution plan.
func NewLookupPlan(tenantID string, p LookupParams) (*Plan, error) {
	if tenantID == "" {
		return nil, invalidPlan("lookup plan has no tenant_id")
	}
	if p.Name == "" {
		return nil, invalidPlan("lookup plan has no name")
	}
	return &Plan{Type: PlanLookup, TenantID: tenantID, Lookup: &p}, nil
}

// NewSearchPlan builds a vector search plan.
func NewSearchPlan(tenantID string, p SearchParams) (*Plan, error) {
	if tenantID == "" {
		return nil, invalidPlan("search plan has no tenant_id")
	}
	if p.Text == "" {
		return nil, invalidPlan("search plan has no query text")
	}
	return &Plan{Type: PlanSearch, TenantID: tenantID, Search: &p}, nil
}

// NewTraversePlan builds a graph traversal plan.
func NewTraversePlan(tenantID string, p TraverseParams) (*Plan, error) {
	if tenantID == "" {
		return nil, invalidPlan("traverse plan has no tenant_id")
	}
	if p.StartName == "" && (p.StartLabel == "" || p.StartKey == "") {
		return nil, invalidPlan("traverse plan needs a start name or a (label, key) pair")
	}
	if p.Depth != nil && *p.Depth < 0 {
		return nil, invalidPlan("traverse depth must not be negative")
	}
	return &Plan{Type: PlanTraverse, TenantID: tenantID, Traverse: &p}, nil
}

// NewFuzzyPlan builds a fuzzy name-matching plan.
func NewFuzzyPlan(tenantID string, p FuzzyParams) (*Plan, error) {
	if tenantID == "" {
		return nil, invalidPlan("fuzzy plan has no tenant_id")
	}
	if len(p.Terms) == 0 {
		return nil, invalidPlan("fuzzy plan has no terms")
	}
	return &Plan{Type: PlanFuzzy, TenantID: tenantID, Fuzzy: &p}, nil
}
