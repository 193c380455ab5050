// Package graph implements the namespace half of the REM store: labeled
// nodes and weighted, typed edges between them. Unlike the relational rows,
// the graph may contain cycles. Merge operations are idempotent so dreaming
// jobs can rerun without duplicating edges.
package graph
