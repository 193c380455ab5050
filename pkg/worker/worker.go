package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/remlabs/remd/pkg/bus"
	"github.com/remlabs/remd/pkg/config"
	"github.com/remlabs/remd/pkg/embed"
	"github.com/remlabs/remd/pkg/kv"
	"github.com/remlabs/remd/pkg/log"
	"github.com/remlabs/remd/pkg/metrics"
	"github.com/remlabs/remd/pkg/objstore"
	"github.com/remlabs/remd/pkg/parser"
	"github.com/remlabs/remd/pkg/types"
)

const (
	fetchWait    = 5 * time.Second
	fetchBackoff = 2 * time.Second
	idleSleep    = 100 * time.Millisecond
)

// Storage is the slice of the REM store the worker writes to.
type Storage interface {
	UpsertResource(ctx context.Context, r *types.Resource) error
	HasEmbedding(ctx context.Context, tenantID, entityTable, entityID, field, provider, sourceHash string) (bool, error)
	UpsertEmbedding(ctx context.Context, e *types.Embedding) error
}

// NameIndex is the reverse-name mapping surface the worker registers
// resources in.
type NameIndex interface {
	PutMapping(ctx context.Context, tenantID, name string, m kv.Mapping) error
}

// Worker consumes one size tier's events and persists their content.
type Worker struct {
	tier     types.SizeTier
	bus      bus.Bus
	cfg      *config.Config
	objects  objstore.Client
	parsers  *parser.Registry
	embedder embed.Service
	storage  Storage
	names    NameIndex
	log      zerolog.Logger

	cpu *semaphore.Weighted

	mu            sync.Mutex
	cooldownUntil time.Time

	wg sync.WaitGroup
}

// New builds a worker for one tier.
func New(tier types.SizeTier, b bus.Bus, cfg *config.Config, objects objstore.Client,
	parsers *parser.Registry, embedder embed.Service, storage Storage, names NameIndex) *Worker {
	return &Worker{
		tier:     tier,
		bus:      b,
		cfg:      cfg,
		objects:  objects,
		parsers:  parsers,
		embedder: embedder,
		storage:  storage,
		names:    names,
		log:      log.WithTier(string(tier)),
		cpu:      semaphore.NewWeighted(int64(cfg.Worker.CPUPoolSize)),
	}
}

// Run consumes the tier subject until the context is canceled, then drains
// in-flight messages within the configured grace window.
func (w *Worker) Run(ctx context.Context) error {
	tier := w.cfg.Bus.Tier(string(w.tier))
	consumer, err := w.bus.Consume(bus.ConsumerOpts{
		Stream:      bus.StreamForTier(w.tier),
		Subject:     bus.SubjectForTier(w.tier),
		Durable:     bus.ConsumerForTier(w.tier),
		AckWait:     tier.AckWait,
		MaxInFlight: tier.MaxInFlight,
		MaxDeliver:  w.cfg.Bus.RetryCap,
	})
	if err != nil {
		return fmt.Errorf("failed to bind %s consumer: %w", w.tier, err)
	}

	inFlight := semaphore.NewWeighted(int64(tier.MaxInFlight))
	w.log.Info().Dur("ack_wait", tier.AckWait).Int("max_in_flight", tier.MaxInFlight).Msg("worker started")

	for {
		if ctx.Err() != nil {
			break
		}
		if wait := w.cooldownRemaining(); wait > 0 {
			w.log.Warn().Dur("cooldown", wait).Msg("pausing pulls for rate-limit cooldown")
			select {
			case <-time.After(wait):
			case <-ctx.Done():
			}
			continue
		}

		msgs, err := consumer.Fetch(ctx, tier.MaxInFlight, fetchWait)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			w.log.Error().Err(err).Msg("fetch failed")
			time.Sleep(fetchBackoff)
			continue
		}
		if len(msgs) == 0 {
			time.Sleep(idleSleep)
			continue
		}

		for _, m := range msgs {
			if err := inFlight.Acquire(ctx, 1); err != nil {
				break
			}
			w.wg.Add(1)
			go func(m *bus.Message) {
				defer w.wg.Done()
				defer inFlight.Release(1)
				w.Handle(ctx, m)
			}(m)
		}
	}

	return w.drain()
}

// drain waits for in-flight handlers up to the grace window. Messages still
// running after that are abandoned unacked and will be redelivered.
func (w *Worker) drain() error {
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		w.log.Info().Msg("worker drained")
		return nil
	case <-time.After(w.cfg.Worker.DrainGrace):
		w.log.Warn().Msg("drain grace expired with messages in flight")
		return nil
	}
}

func (w *Worker) cooldownRemaining() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return time.Until(w.cooldownUntil)
}

func (w *Worker) startCooldown() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cooldownUntil = time.Now().Add(w.cfg.Embedding.Cooldown)
}

// Handle processes one delivery end to end. The write order is fixed:
// resource row, then embedding, then KV mapping, then ack. An interruption
// leaves the message unacked and redelivery converges through idempotent
// writes.
func (w *Worker) Handle(ctx context.Context, m *bus.Message) {
	timer := metrics.NewTimer()

	var ev types.ObjectEvent
	if err := json.Unmarshal(m.Data, &ev); err != nil {
		w.log.Warn().Err(err).Msg("dropping malformed tier event")
		metrics.MessagesProcessed.WithLabelValues(string(w.tier), "malformed").Inc()
		_ = m.Ack()
		return
	}
	logger := w.log.With().Str("tenant_id", ev.TenantID).Str("uri", ev.URI).Str("trace_id", ev.TraceID).Logger()

	p, err := w.parsers.Resolve(ev.URI)
	if errors.Is(err, parser.ErrNoParser) {
		logger.Info().Str("reason", "no_parser").Msg("skipping object")
		metrics.MessagesProcessed.WithLabelValues(string(w.tier), "skipped").Inc()
		_ = m.Ack()
		return
	}

	result, err := w.parse(ctx, p, ev)
	if err != nil {
		logger.Error().Err(err).Int("attempt", m.Attempt).Msg("failed to parse object")
		metrics.MessagesProcessed.WithLabelValues(string(w.tier), "error").Inc()
		_ = bus.Fail(ctx, w.bus, m, w.cfg.Bus.RetryCap, err)
		return
	}

	if err := w.persist(ctx, ev, result); err != nil {
		if errors.Is(err, embed.ErrRateLimited) {
			// Leave the message unacked; it redelivers after AckWait, by
			// which time the cooldown has passed.
			logger.Warn().Msg("embedding rate limited, entering cooldown")
			w.startCooldown()
			metrics.MessagesProcessed.WithLabelValues(string(w.tier), "rate_limited").Inc()
			return
		}
		logger.Error().Err(err).Int("attempt", m.Attempt).Msg("failed to persist object")
		metrics.MessagesProcessed.WithLabelValues(string(w.tier), "error").Inc()
		_ = bus.Fail(ctx, w.bus, m, w.cfg.Bus.RetryCap, err)
		return
	}

	if err := m.Ack(); err != nil {
		logger.Error().Err(err).Msg("ack failed")
		return
	}
	metrics.MessagesProcessed.WithLabelValues(string(w.tier), "ok").Inc()
	timer.ObserveDurationVec(metrics.ProcessingDuration, string(w.tier))
	logger.Info().Int("chunks", len(result.Chunks)).Msg("object stored")
}

// parse streams the object and runs the parser on the CPU pool.
func (w *Worker) parse(ctx context.Context, p parser.Parser, ev types.ObjectEvent) (*parser.Result, error) {
	body, err := w.objects.Stream(ctx, ev.URI)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", ev.URI, err)
	}
	defer body.Close()

	if err := w.cpu.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer w.cpu.Release(1)
	return p.Parse(ctx, body)
}

// persist writes every chunk in order. Resource ids derive from
// (tenant, uri, chunk index) so reprocessing upserts the same rows.
func (w *Worker) persist(ctx context.Context, ev types.ObjectEvent, result *parser.Result) error {
	name := objstore.BaseName(ev.URI)
	provider := w.embedder.Provider()

	for i, chunk := range result.Chunks {
		id := types.ResourceID(ev.TenantID, ev.URI, i)

		metadata := make(map[string]string, len(result.Metadata)+len(chunk.Metadata))
		for k, v := range result.Metadata {
			metadata[k] = v
		}
		for k, v := range chunk.Metadata {
			metadata[k] = v
		}

		resource := &types.Resource{
			ID:                id,
			TenantID:          ev.TenantID,
			Name:              name,
			Category:          result.Category,
			Content:           chunk.Text,
			URI:               ev.URI,
			ResourceTimestamp: ev.Timestamp,
			Metadata:          metadata,
			GraphPaths:        chunk.Edges,
		}
		if err := w.storage.UpsertResource(ctx, resource); err != nil {
			return err
		}
		metrics.ResourcesUpserted.Inc()

		if err := w.embedChunk(ctx, ev.TenantID, id, chunk.Text, provider); err != nil {
			return err
		}

		if err := w.names.PutMapping(ctx, ev.TenantID, name, kv.Mapping{
			EntityID:   id,
			EntityType: types.EntityTypeResource,
			TableName:  types.TableResources,
			BlobKey:    ev.URI,
		}); err != nil {
			return err
		}
	}
	return nil
}

// embedChunk generates and stores the content embedding, skipping the call
// when a vector with the same provider and source hash already exists.
func (w *Worker) embedChunk(ctx context.Context, tenantID, resourceID, text, provider string) error {
	sourceHash := types.SourceHash(text)
	exists, err := w.storage.HasEmbedding(ctx, tenantID, types.TableResources, resourceID, "content", provider, sourceHash)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	vectors, err := w.embedder.Embed(ctx, []string{text})
	if err != nil {
		return err
	}
	return w.storage.UpsertEmbedding(ctx, &types.Embedding{
		ID:          uuid.NewString(),
		EntityTable: types.TableResources,
		EntityID:    resourceID,
		FieldName:   "content",
		Vector:      vectors[0],
		Dimension:   w.embedder.Dimension(),
		Provider:    provider,
		SourceHash:  sourceHash,
		TenantID:    tenantID,
	})
}
