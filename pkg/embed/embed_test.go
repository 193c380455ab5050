package embed

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalServiceDeterministic(t *testing.T) {
	s := NewLocalService(64)
	ctx := context.Background()

	a, err := s.Embed(ctx, []string{"the quarterly planning meeting"})
	require.NoError(t, err)
	b, err := s.Embed(ctx, []string{"the quarterly planning meeting"})
	require.NoError(t, err)

	assert.Equal(t, a, b, "identical text always embeds identically")
	require.Len(t, a, 1)
	assert.Len(t, a[0], 64)
}

func TestLocalServiceUnitVectors(t *testing.T) {
	s := NewLocalService(32)
	vecs, err := s.Embed(context.Background(), []string{"hello world", ""})
	require.NoError(t, err)

	for i, v := range vecs {
		assert.InDelta(t, 1.0, Cosine(v, v), 1e-6, "vector %d is not normalized", i)
	}
}

func TestLocalServiceSimilarityOrdering(t *testing.T) {
	s := NewLocalService(128)
	ctx := context.Background()
	vecs, err := s.Embed(ctx, []string{
		"planning the quarterly roadmap meeting",
		"quarterly roadmap planning session",
		"grilled cheese sandwich recipe",
	})
	require.NoError(t, err)

	related := Cosine(vecs[0], vecs[1])
	unrelated := Cosine(vecs[0], vecs[2])
	assert.Greater(t, related, unrelated, "shared vocabulary moves vectors closer")
}

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, Cosine([]float32{1, 0}, []float32{1, 0}), 1e-9)
	assert.InDelta(t, 0.0, Cosine([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.InDelta(t, -1.0, Cosine([]float32{1, 0}, []float32{-1, 0}), 1e-9)

	assert.Zero(t, Cosine([]float32{1}, []float32{1, 2}), "mismatched lengths")
	assert.Zero(t, Cosine(nil, nil))
	assert.Zero(t, Cosine([]float32{0, 0}, []float32{1, 0}), "zero vector")
}

func TestCheckDimension(t *testing.T) {
	assert.NoError(t, checkDimension([][]float32{{1, 2, 3}}, 3))
	assert.ErrorIs(t, checkDimension([][]float32{{1, 2}}, 3), ErrDimensionMismatch)
}
