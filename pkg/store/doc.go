// Package store implements the relational half of the REM store on
// Postgres: resources, moments, tenants, dream runs and their pgvector
// embedding tables. Every read and write is tenant-scoped by the access
// layer itself; callers cannot opt out of the tenant predicate.
package store
