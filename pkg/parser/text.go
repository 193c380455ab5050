package parser

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/tmc/langchaingo/textsplitter"
)

// charsPerToken is the rough character-to-token ratio used to translate the
// configured token cap into a character budget for the splitter.
const charsPerToken = 4

const chunkOverlapChars = 200

// TextParser splits plain text and markdown into recursively-bounded
// chunks.
type TextParser struct {
	splitter textsplitter.TextSplitter
}

// NewTextParser builds a text parser whose chunks stay under tokenCap
// estimated tokens.
func NewTextParser(tokenCap int) *TextParser {
	size := tokenCap * charsPerToken
	overlap := chunkOverlapChars
	if overlap > size/4 {
		overlap = size / 4
	}
	return &TextParser{
		splitter: textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(size),
			textsplitter.WithChunkOverlap(overlap),
		),
	}
}

// Parse reads the whole stream and splits it.
func (p *TextParser) Parse(_ context.Context, r io.Reader) (*Result, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read content: %w", err)
	}
	if len(data) == 0 {
		return &Result{Category: "document"}, nil
	}

	parts, err := p.splitter.SplitText(string(data))
	if err != nil {
		return nil, fmt.Errorf("failed to split content: %w", err)
	}

	chunks := make([]Chunk, 0, len(parts))
	for i, part := range parts {
		chunks = append(chunks, Chunk{
			Text: part,
			Metadata: map[string]string{
				"chunk_index": strconv.Itoa(i),
				"chunk_count": strconv.Itoa(len(parts)),
			},
		})
	}
	return &Result{
		Chunks:   chunks,
		Category: "document",
		Metadata: map[string]string{"format": "text"},
	}, nil
}
