// Package metrics defines the Prometheus collectors exported by remd and a
// small Timer helper for observing durations.
package metrics
