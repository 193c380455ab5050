// Package types defines the core REM (Resource-Entity-Moment) data model
// shared by every remd component: resources, moments, inline graph edges,
// embeddings, tenants, bus events and size tiers.
package types
