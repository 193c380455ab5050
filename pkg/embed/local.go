package embed

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
)

// LocalService is a deterministic offline embedder: each text maps to a
// stable unit vector derived from its token hashes. Identical texts always
// produce identical vectors, which is what the round-trip tests rely on, and
// texts sharing words land closer together than unrelated ones.
type LocalService struct {
	dimension int
}

// NewLocalService builds a deterministic embedder of the given dimension.
func NewLocalService(dimension int) *LocalService {
	return &LocalService{dimension: dimension}
}

func (s *LocalService) Embed(_ context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		vectors[i] = s.vector(text)
	}
	return vectors, nil
}

func (s *LocalService) vector(text string) []float32 {
	v := make([]float64, s.dimension)
	for _, word := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New64a()
		_, _ = h.Write([]byte(word))
		sum := h.Sum64()
		// Spread each word over a few buckets so shared vocabulary moves
		// vectors together.
		for j := 0; j < 4; j++ {
			idx := int((sum >> (j * 16)) % uint64(s.dimension))
			sign := 1.0
			if (sum>>(j*16+7))&1 == 1 {
				sign = -1.0
			}
			v[idx] += sign
		}
	}

	var norm float64
	for _, x := range v {
		norm += x * x
	}
	norm = math.Sqrt(norm)
	out := make([]float32, s.dimension)
	if norm == 0 {
		out[0] = 1
		return out
	}
	for i, x := range v {
		out[i] = float32(x / norm)
	}
	return out
}

func (s *LocalService) Dimension() int { return s.dimension }

func (s *LocalService) Provider() string { return "local" }
