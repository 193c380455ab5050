package embed

import (
	"context"
	"errors"
	"math"
)

// ErrRateLimited signals the provider asked us to slow down. Workers pause
// their consumer pull for a cooldown and leave in-flight messages unacked.
var ErrRateLimited = errors.New("embed: rate limit exceeded")

// ErrDimensionMismatch signals the provider returned vectors of a dimension
// the schema does not expect. This is a configuration error, fatal for the
// caller.
var ErrDimensionMismatch = errors.New("embed: vector dimension does not match schema")

// Service produces vector embeddings for texts.
type Service interface {
	// Embed returns one vector per input text, all of Dimension() length.
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	Dimension() int
	Provider() string
}

// Cosine returns the cosine similarity of two vectors, 0 for mismatched or
// zero-length inputs.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func checkDimension(vectors [][]float32, want int) error {
	for _, v := range vectors {
		if len(v) != want {
			return ErrDimensionMismatch
		}
	}
	return nil
}
