// Package embed wraps the embedding service egress. The production provider
// is reached through langchaingo behind a circuit breaker; a deterministic
// local embedder backs tests and offline operation.
package embed
