package router

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/remlabs/remd/pkg/bus"
	"github.com/remlabs/remd/pkg/config"
	"github.com/remlabs/remd/pkg/log"
	"github.com/remlabs/remd/pkg/metrics"
	"github.com/remlabs/remd/pkg/objstore"
	"github.com/remlabs/remd/pkg/types"
)

const (
	fetchBatch = 16
	fetchWait  = 5 * time.Second
)

// Router consumes ingress events and fans them out to the size tiers.
type Router struct {
	bus bus.Bus
	cfg config.BusConfig
	log zerolog.Logger
}

// New creates an ingress router on top of a bus.
func New(b bus.Bus, cfg config.BusConfig) *Router {
	return &Router{
		bus: b,
		cfg: cfg,
		log: log.WithComponent("router"),
	}
}

// Run pulls ingress events until the context is cancelled.
func (r *Router) Run(ctx context.Context) error {
	consumer, err := r.bus.Consume(bus.ConsumerOpts{
		Stream:      bus.StreamEvents,
		Subject:     bus.SubjectIngress,
		Durable:     bus.ConsumerIngress,
		AckWait:     30 * time.Second,
		MaxInFlight: 64,
		MaxDeliver:  r.cfg.RetryCap,
	})
	if err != nil {
		return fmt.Errorf("failed to bind ingress consumer: %w", err)
	}

	r.log.Info().Msg("ingress router started")
	for {
		select {
		case <-ctx.Done():
			r.log.Info().Msg("ingress router stopped")
			return nil
		default:
		}

		msgs, err := consumer.Fetch(ctx, fetchBatch, fetchWait)
		if err != nil {
			r.log.Warn().Err(err).Msg("fetch failed, backing off")
			select {
			case <-time.After(2 * time.Second):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		for _, m := range msgs {
			r.Handle(ctx, m)
		}
		if len(msgs) == 0 {
			select {
			case <-time.After(100 * time.Millisecond):
			case <-ctx.Done():
			}
		}
	}
}

// Handle routes one raw object-store event. Path-validation failures are
// acknowledged and dropped; malformed events go to the diagnostic sink;
// publish failures leave the message unacked for redelivery.
func (r *Router) Handle(ctx context.Context, m *bus.Message) {
	var ev types.StorageEvent
	if err := json.Unmarshal(m.Data, &ev); err != nil {
		r.log.Error().Err(err).Msg("malformed ingress event, sending to diagnostic sink")
		metrics.EventsDropped.WithLabelValues("malformed").Inc()
		r.deadLetter(ctx, m, fmt.Errorf("malformed event: %w", err))
		_ = m.Ack()
		return
	}

	if ev.EventType == types.EventDelete {
		metrics.EventsDropped.WithLabelValues("delete").Inc()
		_ = m.Ack()
		return
	}

	tenant, ok := objstore.TenantFromPath(ev.Path)
	if !ok {
		// Non-tenant traffic is not an error.
		r.log.Debug().Str("path", ev.Path).Msg("dropping non-tenant path")
		metrics.EventsDropped.WithLabelValues("non_tenant").Inc()
		_ = m.Ack()
		return
	}

	if ev.Size < 0 {
		r.log.Warn().Str("path", ev.Path).Msg("event has no size, classifying as small")
	}
	tier := types.ClassifySize(ev.Size)

	out := types.ObjectEvent{
		TenantID:  tenant,
		URI:       ev.Path,
		Size:      ev.Size,
		Timestamp: ev.Timestamp,
		TraceID:   uuid.NewString(),
	}
	data, err := json.Marshal(out)
	if err != nil {
		r.log.Error().Err(err).Msg("failed to encode tier event")
		_ = m.Ack()
		return
	}

	if err := r.bus.Publish(ctx, bus.SubjectForTier(tier), data); err != nil {
		// No ack: the upstream consumer redelivers.
		r.log.Warn().Err(err).Str("tier", string(tier)).Msg("tier publish failed, leaving for redelivery")
		return
	}

	metrics.EventsRouted.WithLabelValues(string(tier)).Inc()
	r.log.Debug().
		Str("tenant_id", tenant).
		Str("tier", string(tier)).
		Str("trace_id", out.TraceID).
		Int64("size", ev.Size).
		Msg("event routed")
	_ = m.Ack()
}

func (r *Router) deadLetter(ctx context.Context, m *bus.Message, cause error) {
	dl := bus.DeadLetter{
		Subject:   m.Subject,
		Payload:   m.Data,
		LastError: cause.Error(),
		Attempts:  m.Attempt,
		FailedAt:  time.Now().UTC(),
	}
	data, err := json.Marshal(dl)
	if err != nil {
		return
	}
	if err := r.bus.Publish(ctx, bus.SubjectDLQ, data); err != nil {
		r.log.Warn().Err(err).Msg("diagnostic sink publish failed")
	}
}
