package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remlabs/remd/pkg/bus"
	"github.com/remlabs/remd/pkg/config"
	"github.com/remlabs/remd/pkg/embed"
	"github.com/remlabs/remd/pkg/kv"
	"github.com/remlabs/remd/pkg/parser"
	"github.com/remlabs/remd/pkg/types"
)

// fakeStorage records writes in memory with the same idempotence semantics
// as the real store.
type fakeStorage struct {
	mu         sync.Mutex
	resources  map[string]*types.Resource
	embeddings map[string]*types.Embedding // entity_id + field + provider
	failNext   error
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{
		resources:  make(map[string]*types.Resource),
		embeddings: make(map[string]*types.Embedding),
	}
}

func (f *fakeStorage) UpsertResource(_ context.Context, r *types.Resource) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil
		return err
	}
	cp := *r
	f.resources[r.ID] = &cp
	return nil
}

func embKey(entityID, field, provider string) string {
	return entityID + "/" + field + "/" + provider
}

func (f *fakeStorage) HasEmbedding(_ context.Context, _, _, entityID, field, provider, sourceHash string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.embeddings[embKey(entityID, field, provider)]
	return ok && e.SourceHash == sourceHash, nil
}

func (f *fakeStorage) UpsertEmbedding(_ context.Context, e *types.Embedding) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *e
	f.embeddings[embKey(e.EntityID, e.FieldName, e.Provider)] = &cp
	return nil
}

type fakeNames struct {
	mu       sync.Mutex
	mappings []kv.Mapping
	names    []string
}

func (f *fakeNames) PutMapping(_ context.Context, tenantID, name string, m kv.Mapping) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m.TenantID = tenantID
	f.mappings = append(f.mappings, m)
	f.names = append(f.names, name)
	return nil
}

type fakeObjects struct {
	objects map[string]string
}

func (f *fakeObjects) Stream(_ context.Context, path string) (io.ReadCloser, error) {
	content, ok := f.objects[path]
	if !ok {
		return nil, fmt.Errorf("no such object %s", path)
	}
	return io.NopCloser(strings.NewReader(content)), nil
}

type countingEmbedder struct {
	embed.Service
	mu    sync.Mutex
	calls int
	err   error
}

func (c *countingEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	c.mu.Lock()
	c.calls++
	err := c.err
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return c.Service.Embed(ctx, texts)
}

type testRig struct {
	worker   *Worker
	bus      *bus.MemoryBus
	storage  *fakeStorage
	names    *fakeNames
	embedder *countingEmbedder
}

func newTestRig(t *testing.T, objects map[string]string) *testRig {
	t.Helper()
	b := bus.NewMemoryBus()
	storage := newFakeStorage()
	names := &fakeNames{}
	embedder := &countingEmbedder{Service: embed.NewLocalService(8)}
	cfg := config.Default()
	cfg.Embedding.Cooldown = 50 * time.Millisecond

	w := New(types.TierSmall, b, cfg, &fakeObjects{objects: objects},
		parser.Default(cfg.Worker.ChunkTokenCap), embedder, storage, names)
	return &testRig{worker: w, bus: b, storage: storage, names: names, embedder: embedder}
}

func (r *testRig) deliver(t *testing.T, ev types.ObjectEvent) *bus.Message {
	t.Helper()
	ctx := context.Background()
	data, err := json.Marshal(ev)
	require.NoError(t, err)
	require.NoError(t, r.bus.Publish(ctx, "events.small", data))

	c, err := r.bus.Consume(bus.ConsumerOpts{Subject: "events.small", MaxDeliver: 3})
	require.NoError(t, err)
	msgs, err := c.Fetch(ctx, 1, time.Second)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	return msgs[0]
}

func TestHandleStoresResourceEmbeddingAndMapping(t *testing.T) {
	uri := "buckets/tenant-a/doc.md"
	rig := newTestRig(t, map[string]string{uri: "hello world"})

	ev := types.ObjectEvent{TenantID: "tenant-a", URI: uri, Size: 11, Timestamp: time.Now().UTC(), TraceID: "tr-1"}
	rig.worker.Handle(context.Background(), rig.deliver(t, ev))

	wantID := types.ResourceID("tenant-a", uri, 0)
	require.Len(t, rig.storage.resources, 1)
	r := rig.storage.resources[wantID]
	require.NotNil(t, r, "resource id derives from (tenant, uri, chunk)")
	assert.Equal(t, "tenant-a", r.TenantID)
	assert.Equal(t, "doc.md", r.Name)
	assert.Equal(t, "hello world", r.Content)
	assert.Equal(t, "document", r.Category)

	require.Len(t, rig.storage.embeddings, 1)
	e := rig.storage.embeddings[embKey(wantID, "content", "local")]
	require.NotNil(t, e)
	assert.Equal(t, types.SourceHash("hello world"), e.SourceHash)
	assert.Equal(t, 8, e.Dimension)

	require.Len(t, rig.names.mappings, 1)
	assert.Equal(t, "doc.md", rig.names.names[0])
	assert.Equal(t, wantID, rig.names.mappings[0].EntityID)
	assert.Equal(t, types.EntityTypeResource, rig.names.mappings[0].EntityType)

	assert.Equal(t, 0, rig.bus.Pending("events.small"), "processed message is acked")
}

func TestHandleRedeliveryIsIdempotent(t *testing.T) {
	uri := "buckets/tenant-a/doc.md"
	rig := newTestRig(t, map[string]string{uri: "hello world"})
	ev := types.ObjectEvent{TenantID: "tenant-a", URI: uri, Size: 11, Timestamp: time.Now().UTC()}

	rig.worker.Handle(context.Background(), rig.deliver(t, ev))
	rig.worker.Handle(context.Background(), rig.deliver(t, ev))

	assert.Len(t, rig.storage.resources, 1, "reprocessing upserts the same row")
	assert.Len(t, rig.storage.embeddings, 1)
	assert.Equal(t, 1, rig.embedder.calls, "unchanged content skips the embedding call")
}

func TestHandleSkipsUnparseableExtension(t *testing.T) {
	uri := "buckets/tenant-a/clip.mp4"
	rig := newTestRig(t, map[string]string{uri: "binary"})

	ev := types.ObjectEvent{TenantID: "tenant-a", URI: uri, Size: 6}
	rig.worker.Handle(context.Background(), rig.deliver(t, ev))

	assert.Empty(t, rig.storage.resources, "skipped objects write nothing")
	assert.Equal(t, 0, rig.bus.Pending("events.small"), "skip is an ack, not a retry")
}

func TestHandleMalformedEventIsAcked(t *testing.T) {
	rig := newTestRig(t, nil)
	ctx := context.Background()
	require.NoError(t, rig.bus.Publish(ctx, "events.small", []byte("{broken")))

	c, _ := rig.bus.Consume(bus.ConsumerOpts{Subject: "events.small", MaxDeliver: 3})
	msgs, err := c.Fetch(ctx, 1, time.Second)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	rig.worker.Handle(ctx, msgs[0])
	assert.Equal(t, 0, rig.bus.Pending("events.small"))
}

func TestHandleStorageFailureLeavesMessageForRetry(t *testing.T) {
	uri := "buckets/tenant-a/doc.md"
	rig := newTestRig(t, map[string]string{uri: "hello"})
	rig.storage.failNext = errors.New("db down")

	ev := types.ObjectEvent{TenantID: "tenant-a", URI: uri, Size: 5}
	rig.worker.Handle(context.Background(), rig.deliver(t, ev))

	assert.Equal(t, 1, rig.bus.Pending("events.small"), "failed message stays on the queue")
}

func TestHandleRateLimitStartsCooldownWithoutAck(t *testing.T) {
	uri := "buckets/tenant-a/doc.md"
	rig := newTestRig(t, map[string]string{uri: "hello"})
	rig.embedder.err = embed.ErrRateLimited

	ev := types.ObjectEvent{TenantID: "tenant-a", URI: uri, Size: 5}
	rig.worker.Handle(context.Background(), rig.deliver(t, ev))

	assert.Equal(t, 1, rig.bus.Pending("events.small"), "rate-limited message is neither acked nor nak'd")
	assert.Greater(t, rig.worker.cooldownRemaining(), time.Duration(0))
}

func TestHandleMissingObjectRetries(t *testing.T) {
	rig := newTestRig(t, nil)

	ev := types.ObjectEvent{TenantID: "tenant-a", URI: "buckets/tenant-a/ghost.md", Size: 5}
	rig.worker.Handle(context.Background(), rig.deliver(t, ev))

	assert.Equal(t, 1, rig.bus.Pending("events.small"))
	assert.Empty(t, rig.storage.resources)
}

func TestRunDrainsOnCancel(t *testing.T) {
	uri := "buckets/tenant-a/doc.md"
	rig := newTestRig(t, map[string]string{uri: "hello world"})

	ev := types.ObjectEvent{TenantID: "tenant-a", URI: uri, Size: 11, Timestamp: time.Now().UTC()}
	data, err := json.Marshal(ev)
	require.NoError(t, err)
	require.NoError(t, rig.bus.Publish(context.Background(), "events.small", data))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rig.worker.Run(ctx) }()

	require.Eventually(t, func() bool {
		rig.storage.mu.Lock()
		defer rig.storage.mu.Unlock()
		return len(rig.storage.resources) == 1
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not drain after cancel")
	}
}
