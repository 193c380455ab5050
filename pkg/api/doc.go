// Package api exposes the HTTP surface: health and metrics for operators,
// and a small JSON API for queries and device pairing. Every data route
// requires an explicit tenant id; there is no ambient tenant.
package api
