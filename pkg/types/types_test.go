package types

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifySize(t *testing.T) {
	tests := []struct {
		name string
		size int64
		want SizeTier
	}{
		{"zero", 0, TierSmall},
		{"negative treated as small", -1, TierSmall},
		{"just under small threshold", SmallMaxBytes - 1, TierSmall},
		{"exactly small threshold routes up", SmallMaxBytes, TierMedium},
		{"just under medium threshold", MediumMaxBytes - 1, TierMedium},
		{"exactly medium threshold routes up", MediumMaxBytes, TierLarge},
		{"well past large", 10 << 30, TierLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifySize(tt.size))
		})
	}
}

func TestMergeEdges(t *testing.T) {
	existing := []InlineEdge{
		{Destination: "doc-a", Relationship: RelSeeAlso, Weight: 0.5},
		{Destination: "doc-b", Relationship: "references", Weight: 0.9},
	}

	merged := MergeEdges(existing, []InlineEdge{
		{Destination: "doc-a", Relationship: RelSeeAlso, Weight: 0.7, Properties: map[string]string{PropDestinationType: "resource"}},
		{Destination: "doc-c", Relationship: RelSeeAlso, Weight: 0.6},
	})

	require.Len(t, merged, 3)
	assert.Equal(t, 0.7, merged[0].Weight, "duplicate edge updates weight in place")
	assert.Equal(t, "resource", merged[0].Properties[PropDestinationType])
	assert.Equal(t, "doc-c", merged[2].Destination)

	// Re-merging the same input changes nothing.
	again := MergeEdges(merged, []InlineEdge{
		{Destination: "doc-a", Relationship: RelSeeAlso, Weight: 0.7},
	})
	assert.Len(t, again, 3)
}

func TestMergeEdgesSameDestinationDifferentRelationship(t *testing.T) {
	merged := MergeEdges(nil, []InlineEdge{
		{Destination: "doc-a", Relationship: RelSeeAlso},
		{Destination: "doc-a", Relationship: "references"},
	})
	assert.Len(t, merged, 2, "relationship is part of the edge key")
}

func TestDeterministicIDs(t *testing.T) {
	a := ResourceID("tenant-1", "buckets/tenant-1/doc.md", 0)
	b := ResourceID("tenant-1", "buckets/tenant-1/doc.md", 0)
	assert.Equal(t, a, b, "same inputs always derive the same id")

	assert.NotEqual(t, a, ResourceID("tenant-1", "buckets/tenant-1/doc.md", 1))
	assert.NotEqual(t, a, ResourceID("tenant-2", "buckets/tenant-1/doc.md", 0))

	m := MomentID("tenant-1", a, 0)
	assert.Equal(t, m, MomentID("tenant-1", a, 0))
	assert.NotEqual(t, m, a)
}

func TestNewTenantID(t *testing.T) {
	a := NewTenantID("351234567890123")
	b := NewTenantID("351234567890123")
	assert.Equal(t, a, b, "IMEI-derived ids are deterministic")
	assert.Contains(t, a, "tenant-")

	r1 := NewTenantID("")
	r2 := NewTenantID("")
	assert.NotEqual(t, r1, r2, "random ids differ")
}

func TestMomentValidate(t *testing.T) {
	start := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)

	base := func() *Moment {
		return &Moment{
			Resource: Resource{
				ID:                "m1",
				TenantID:          "tenant-1",
				ResourceTimestamp: start,
			},
			ResourceEndsTimestamp: end,
			PresentPersons:        map[string]Person{"fp1": {ID: "alice", Label: "Alice"}},
			Speakers: []SpeakerTurn{
				{Text: "hi", SpeakerID: "alice", Timestamp: start.Add(time.Minute)},
			},
		}
	}

	t.Run("valid", func(t *testing.T) {
		assert.NoError(t, base().Validate())
	})

	t.Run("empty tenant", func(t *testing.T) {
		m := base()
		m.TenantID = ""
		assert.Error(t, m.Validate())
	})

	t.Run("ends before start", func(t *testing.T) {
		m := base()
		m.ResourceEndsTimestamp = start.Add(-time.Minute)
		assert.Error(t, m.Validate())
	})

	t.Run("speaker outside window", func(t *testing.T) {
		m := base()
		m.Speakers[0].Timestamp = end.Add(time.Minute)
		assert.Error(t, m.Validate())
	})

	t.Run("unknown speaker id", func(t *testing.T) {
		m := base()
		m.Speakers[0].SpeakerID = "bob"
		assert.Error(t, m.Validate())
	})

	t.Run("anonymous speaker allowed", func(t *testing.T) {
		m := base()
		m.Speakers[0].SpeakerID = ""
		assert.NoError(t, m.Validate())
	})
}

func TestEmbeddingValidate(t *testing.T) {
	e := &Embedding{TenantID: "tenant-1", EntityID: "r1", Vector: make([]float32, 4), Dimension: 4}
	assert.NoError(t, e.Validate())

	e.Dimension = 8
	assert.Error(t, e.Validate())

	e.Dimension = 4
	e.TenantID = ""
	assert.Error(t, e.Validate())
}

func TestReverseKeys(t *testing.T) {
	key := ReverseKey("tenant-1", "doc.md", EntityTypeResource)
	assert.Equal(t, "tenant-1/doc.md/resource", key)

	tenant, name, entityType, err := ParseReverseKey(key)
	require.NoError(t, err)
	assert.Equal(t, "tenant-1", tenant)
	assert.Equal(t, "doc.md", name)
	assert.Equal(t, EntityTypeResource, entityType)
}

func TestParseReverseKeyNameWithSlashes(t *testing.T) {
	tenant, name, entityType, err := ParseReverseKey("tenant-1/notes/2026/aug.md/resource")
	require.NoError(t, err)
	assert.Equal(t, "tenant-1", tenant)
	assert.Equal(t, "notes/2026/aug.md", name)
	assert.Equal(t, "resource", entityType)
}

func TestParseReverseKeyMalformed(t *testing.T) {
	for _, key := range []string{"", "tenant-1", "no-slashes-at-all"} {
		_, _, _, err := ParseReverseKey(key)
		assert.Error(t, err, key)
	}
}

func TestReversePrefixIsExact(t *testing.T) {
	prefix := ReversePrefix("tenant-1", "plan")
	assert.Equal(t, "tenant-1/plan/", prefix)
	// The trailing slash keeps "plan" from matching "planning".
	assert.True(t, strings.HasPrefix(ReverseKey("tenant-1", "plan", "resource"), prefix))
	assert.False(t, strings.HasPrefix(ReverseKey("tenant-1", "planning", "resource"), prefix))
}

func TestSourceHash(t *testing.T) {
	assert.Equal(t, SourceHash("hello"), SourceHash("hello"))
	assert.NotEqual(t, SourceHash("hello"), SourceHash("hello!"))
	assert.Len(t, SourceHash("hello"), 32)
}
