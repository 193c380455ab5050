// Package worker implements the per-tier storage workers. Each worker binds
// a durable pull consumer for one size tier and turns object events into
// resource rows, embeddings and reverse-name mappings, in that order, before
// acknowledging. Every write is idempotent so redeliveries converge on the
// same state.
package worker
