package parser

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"
)

// transcriptTurn is one utterance in a JSON transcript file.
type transcriptTurn struct {
	SpeakerID string    `json:"speaker_id"`
	Speaker   string    `json:"speaker,omitempty"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	Emotion   string    `json:"emotion,omitempty"`
}

// transcriptFile is the accepted transcript document shape.
type transcriptFile struct {
	Location string           `json:"location,omitempty"`
	Turns    []transcriptTurn `json:"turns"`
}

// TranscriptParser parses JSON transcripts into chunks of consecutive
// turns, carrying speaker metadata the dreaming workers later use for
// moment extraction.
type TranscriptParser struct {
	tokenCap int
}

// NewTranscriptParser builds a transcript parser with a per-chunk token
// budget.
func NewTranscriptParser(tokenCap int) *TranscriptParser {
	return &TranscriptParser{tokenCap: tokenCap}
}

// Parse decodes the transcript and packs turns into chunks without
// splitting a turn across chunks.
func (p *TranscriptParser) Parse(_ context.Context, r io.Reader) (*Result, error) {
	var file transcriptFile
	if err := json.NewDecoder(r).Decode(&file); err != nil {
		return nil, fmt.Errorf("failed to decode transcript: %w", err)
	}
	if len(file.Turns) == 0 {
		return &Result{Category: "transcript", Metadata: map[string]string{"format": "transcript"}}, nil
	}

	charBudget := p.tokenCap * charsPerToken

	var chunks []Chunk
	var sb strings.Builder
	speakers := map[string]bool{}
	var first, last time.Time

	flush := func() {
		if sb.Len() == 0 {
			return
		}
		ids := make([]string, 0, len(speakers))
		for id := range speakers {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		md := map[string]string{
			"chunk_index": strconv.Itoa(len(chunks)),
			"speakers":    strings.Join(ids, ","),
		}
		if !first.IsZero() {
			md["starts_at"] = first.Format(time.RFC3339)
			md["ends_at"] = last.Format(time.RFC3339)
		}
		chunks = append(chunks, Chunk{Text: sb.String(), Metadata: md})
		sb.Reset()
		speakers = map[string]bool{}
		first, last = time.Time{}, time.Time{}
	}

	for _, turn := range file.Turns {
		line := turn.Speaker
		if line == "" {
			line = turn.SpeakerID
		}
		line = line + ": " + turn.Text + "\n"

		if sb.Len() > 0 && sb.Len()+len(line) > charBudget {
			flush()
		}
		sb.WriteString(line)
		if turn.SpeakerID != "" {
			speakers[turn.SpeakerID] = true
		}
		if !turn.Timestamp.IsZero() {
			if first.IsZero() {
				first = turn.Timestamp
			}
			last = turn.Timestamp
		}
	}
	flush()

	md := map[string]string{"format": "transcript"}
	if file.Location != "" {
		md["location"] = file.Location
	}
	return &Result{Chunks: chunks, Category: "transcript", Metadata: md}, nil
}
