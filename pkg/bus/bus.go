package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/remlabs/remd/pkg/metrics"
	"github.com/remlabs/remd/pkg/types"
)

// Stream and subject names. These are stable identifiers; changing them
// orphans retained messages.
const (
	StreamEvents = "EVENTS"
	StreamDLQ    = "EVENTS_DLQ"

	SubjectIngress = "events.ingress"
	SubjectDLQ     = "events.dlq"

	ConsumerIngress = "ingress-router"
)

// StreamForTier returns the durable stream name for a size tier.
func StreamForTier(tier types.SizeTier) string {
	return "EVENTS_" + strings.ToUpper(string(tier))
}

// SubjectForTier returns the subject a tier's events are published on.
func SubjectForTier(tier types.SizeTier) string {
	return "events." + string(tier)
}

// ConsumerForTier returns the durable consumer name for a tier's workers.
func ConsumerForTier(tier types.SizeTier) string {
	return string(tier) + "-workers"
}

// Message is one delivery from the bus. Attempt counts deliveries starting
// at 1.
type Message struct {
	Subject string
	Data    []byte
	Attempt int

	ackFn  func() error
	nakFn  func(delay time.Duration) error
	termFn func() error
}

// Ack acknowledges the message; it will not be redelivered.
func (m *Message) Ack() error {
	if m.ackFn == nil {
		return nil
	}
	return m.ackFn()
}

// Nak requests redelivery after a delay.
func (m *Message) Nak(delay time.Duration) error {
	if m.nakFn == nil {
		return nil
	}
	metrics.Redeliveries.WithLabelValues(m.Subject).Inc()
	return m.nakFn(delay)
}

// Term tells the bus to stop redelivering the message.
func (m *Message) Term() error {
	if m.termFn == nil {
		return nil
	}
	return m.termFn()
}

// Consumer is a durable pull consumer bound to one subject.
type Consumer interface {
	// Fetch returns up to batch pending messages, waiting up to wait for
	// the first one. An empty slice is not an error.
	Fetch(ctx context.Context, batch int, wait time.Duration) ([]*Message, error)
}

// ConsumerOpts hold the per-consumer delivery parameters.
type ConsumerOpts struct {
	Stream      string
	Subject     string
	Durable     string
	AckWait     time.Duration
	MaxInFlight int
	MaxDeliver  int
}

// Bus is the durable, replayable message bus.
type Bus interface {
	Publish(ctx context.Context, subject string, data []byte) error
	Consume(opts ConsumerOpts) (Consumer, error)
	Close() error
}

// DeadLetter is the record published to the DLQ subject once a message
// exhausts its redelivery budget.
type DeadLetter struct {
	Subject   string    `json:"subject"`
	Payload   []byte    `json:"payload"`
	LastError string    `json:"last_error"`
	Attempts  int       `json:"attempts"`
	FailedAt  time.Time `json:"failed_at"`
}

const (
	nakBaseDelay = time.Second
	nakMaxDelay  = time.Minute
)

// RetryDelay computes the exponential backoff delay for a redelivery
// attempt.
func RetryDelay(attempt int) time.Duration {
	d := nakBaseDelay << uint(attempt-1)
	if d > nakMaxDelay || d <= 0 {
		return nakMaxDelay
	}
	return d
}

// Fail handles a processing failure for a delivered message: while the
// redelivery budget lasts the message is nak'd with backoff, afterwards it
// is moved to the dead-letter subject with the last error and terminated.
func Fail(ctx context.Context, b Bus, m *Message, retryCap int, cause error) error {
	if m.Attempt < retryCap {
		return m.Nak(RetryDelay(m.Attempt))
	}

	dl := DeadLetter{
		Subject:   m.Subject,
		Payload:   m.Data,
		LastError: cause.Error(),
		Attempts:  m.Attempt,
		FailedAt:  time.Now().UTC(),
	}
	data, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter: %w", err)
	}
	if err := b.Publish(ctx, SubjectDLQ, data); err != nil {
		// DLQ publish failed; keep the message alive for another pass.
		return m.Nak(RetryDelay(m.Attempt))
	}
	metrics.DeadLetters.WithLabelValues(m.Subject).Inc()
	return m.Term()
}
