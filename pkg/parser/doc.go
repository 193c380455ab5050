// Package parser turns raw file bytes into ordered text chunks with
// metadata. Parsers are resolved from a registry keyed by file extension;
// files without a registered parser are skipped by the storage worker.
package parser
