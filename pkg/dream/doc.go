// Package dream implements the offline enrichment jobs that run while no
// ingestion is happening for a tenant: moment extraction, which turns
// recent resources into time-bounded moments, and affinity linking, which
// connects semantically related resources with see_also edges. Every run is
// recorded in dream_runs and every write is idempotent, so a crashed or
// repeated run converges instead of duplicating rows and edges.
package dream
