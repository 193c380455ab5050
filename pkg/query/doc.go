// Package query implements the plan executor over the REM store. A plan is
// a tagged union of the five retrieval capabilities: relational SQL, KV name
// lookup, vector search, graph traversal and fuzzy name matching. Every plan
// carries a tenant id; execution refuses to run without one. Failures come
// back as typed errors carrying a kind and a retryable flag.
package query
