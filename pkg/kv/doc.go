// Package kv provides the tenant-prefixed key-value namespace backing the
// reverse-name resolver and the device-authorization flow. Two backends are
// available: Redis for deployments and an embedded bbolt store for
// single-node and test use.
package kv
