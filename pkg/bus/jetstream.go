package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/remlabs/remd/pkg/config"
	"github.com/remlabs/remd/pkg/log"
	"github.com/remlabs/remd/pkg/types"
)

// JetStreamBus implements Bus on NATS JetStream.
type JetStreamBus struct {
	nc  *nats.Conn
	js  nats.JetStreamContext
	cfg config.BusConfig
	log zerolog.Logger
}

// ConnectJetStream connects to the NATS server and ensures all remd streams
// exist. Connection loss is handled by the client's reconnect loop; pulls
// fail fast and the caller retries with backoff.
func ConnectJetStream(cfg config.BusConfig) (*JetStreamBus, error) {
	logger := log.WithComponent("bus")

	nc, err := nats.Connect(cfg.URL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("bus connection lost, reconnecting")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("bus reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to bus at %s: %w", cfg.URL, err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to open jetstream context: %w", err)
	}

	b := &JetStreamBus{nc: nc, js: js, cfg: cfg, log: logger}
	if err := b.ensureStreams(); err != nil {
		nc.Close()
		return nil, err
	}
	return b, nil
}

// ensureStreams creates the ingress, tier and dead-letter streams if they do
// not already exist.
func (b *JetStreamBus) ensureStreams() error {
	streams := []nats.StreamConfig{
		{Name: StreamEvents, Subjects: []string{SubjectIngress}, MaxAge: b.cfg.Retention},
		{Name: StreamDLQ, Subjects: []string{SubjectDLQ}, MaxAge: b.cfg.Retention},
	}
	for _, tier := range types.Tiers() {
		streams = append(streams, nats.StreamConfig{
			Name:     StreamForTier(tier),
			Subjects: []string{SubjectForTier(tier)},
			MaxAge:   b.cfg.Retention,
		})
	}

	for _, sc := range streams {
		sc := sc
		sc.Storage = nats.FileStorage
		if _, err := b.js.AddStream(&sc); err != nil {
			if !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
				return fmt.Errorf("failed to ensure stream %s: %w", sc.Name, err)
			}
			if _, err := b.js.UpdateStream(&sc); err != nil {
				return fmt.Errorf("failed to update stream %s: %w", sc.Name, err)
			}
		}
		b.log.Debug().Str("stream", sc.Name).Msg("stream ensured")
	}
	return nil
}

// Publish publishes a message and waits for the stream acknowledgment.
func (b *JetStreamBus) Publish(ctx context.Context, subject string, data []byte) error {
	if _, err := b.js.Publish(subject, data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

// Consume binds a durable pull consumer. A pre-flight check deletes a stale
// consumer whose configuration conflicts with the requested one.
func (b *JetStreamBus) Consume(opts ConsumerOpts) (Consumer, error) {
	if info, err := b.js.ConsumerInfo(opts.Stream, opts.Durable); err == nil {
		stale := info.Config.AckWait != opts.AckWait ||
			info.Config.MaxAckPending != opts.MaxInFlight ||
			info.Config.MaxDeliver != opts.MaxDeliver
		if stale {
			b.log.Warn().
				Str("stream", opts.Stream).
				Str("consumer", opts.Durable).
				Msg("deleting stale consumer before subscribe")
			if err := b.js.DeleteConsumer(opts.Stream, opts.Durable); err != nil {
				return nil, fmt.Errorf("failed to delete stale consumer %s: %w", opts.Durable, err)
			}
		}
	}

	sub, err := b.js.PullSubscribe(opts.Subject, opts.Durable,
		nats.BindStream(opts.Stream),
		nats.AckWait(opts.AckWait),
		nats.MaxAckPending(opts.MaxInFlight),
		nats.MaxDeliver(opts.MaxDeliver),
		nats.ManualAck(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe %s on %s: %w", opts.Durable, opts.Subject, err)
	}
	return &jsConsumer{sub: sub}, nil
}

// Close drains the connection.
func (b *JetStreamBus) Close() error {
	return b.nc.Drain()
}

type jsConsumer struct {
	sub *nats.Subscription
}

func (c *jsConsumer) Fetch(ctx context.Context, batch int, wait time.Duration) ([]*Message, error) {
	msgs, err := c.sub.Fetch(batch, nats.MaxWait(wait))
	if err != nil {
		if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to fetch: %w", err)
	}

	out := make([]*Message, 0, len(msgs))
	for _, m := range msgs {
		m := m
		attempt := 1
		if md, err := m.Metadata(); err == nil {
			attempt = int(md.NumDelivered)
		}
		out = append(out, &Message{
			Subject: m.Subject,
			Data:    m.Data,
			Attempt: attempt,
			ackFn:   func() error { return m.Ack() },
			nakFn:   func(d time.Duration) error { return m.NakWithDelay(d) },
			termFn:  func() error { return m.Term() },
		})
	}
	return out, nil
}
