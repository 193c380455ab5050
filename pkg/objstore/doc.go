// Package objstore wraps the MinIO-compatible object store that ingested
// files land in, and the tenant path conventions on top of it.
package objstore
