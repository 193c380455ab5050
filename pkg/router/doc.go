// Package router implements the ingress router: it consumes raw object-store
// events, validates the tenant path, classifies the file by size and
// republishes onto the matching size-tier subject.
package router
