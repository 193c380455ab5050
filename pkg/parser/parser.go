package parser

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/remlabs/remd/pkg/objstore"
	"github.com/remlabs/remd/pkg/types"
)

// ErrNoParser is returned when no parser is registered for an extension.
// The worker treats it as a permanent input condition: ack plus a skipped
// audit record, never a retry.
var ErrNoParser = errors.New("parser: no parser registered for extension")

// Chunk is one ordered piece of parsed content.
type Chunk struct {
	Text     string
	Metadata map[string]string
	Edges    []types.InlineEdge
}

// Result is the outcome of parsing one file.
type Result struct {
	Chunks   []Chunk
	Metadata map[string]string
	Category string
}

// Parser converts file content into chunks. Implementations must bound each
// chunk's token count to honor downstream rate limits.
type Parser interface {
	Parse(ctx context.Context, r io.Reader) (*Result, error)
}

// Registry resolves parsers by file extension.
type Registry struct {
	mu      sync.RWMutex
	parsers map[string]Parser
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{parsers: make(map[string]Parser)}
}

// Register binds a parser to an extension (with leading dot, lower-case).
func (r *Registry) Register(ext string, p Parser) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.parsers[ext] = p
}

// Resolve returns the parser for a URI's extension.
func (r *Registry) Resolve(uri string) (Parser, error) {
	ext := objstore.Extension(uri)
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.parsers[ext]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoParser, ext)
	}
	return p, nil
}

// Default builds the registry with the built-in parsers. tokenCap bounds
// every chunk's estimated token count.
func Default(tokenCap int) *Registry {
	r := NewRegistry()
	text := NewTextParser(tokenCap)
	r.Register(".txt", text)
	r.Register(".md", text)
	r.Register(".markdown", text)
	r.Register(".json", NewTranscriptParser(tokenCap))
	return r
}
