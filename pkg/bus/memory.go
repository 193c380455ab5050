package bus

import (
	"context"
	"sync"
	"time"
)

// MemoryBus is an in-process Bus with the same explicit-ack and redelivery
// semantics as the JetStream implementation. Used by tests and by the
// embedded single-process mode.
type MemoryBus struct {
	mu       sync.Mutex
	subjects map[string]*memQueue
}

type memQueue struct {
	next    int64
	pending []*memMsg
}

type memMsg struct {
	id        int64
	data      []byte
	attempts  int
	inFlight  bool
	done      bool
	notBefore time.Time
}

// NewMemoryBus creates an empty in-memory bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subjects: make(map[string]*memQueue)}
}

func (b *MemoryBus) queue(subject string) *memQueue {
	q, ok := b.subjects[subject]
	if !ok {
		q = &memQueue{}
		b.subjects[subject] = q
	}
	return q
}

// Publish appends a message to the subject's queue.
func (b *MemoryBus) Publish(_ context.Context, subject string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	q := b.queue(subject)
	q.next++
	buf := make([]byte, len(data))
	copy(buf, data)
	q.pending = append(q.pending, &memMsg{id: q.next, data: buf})
	return nil
}

// Consume binds a consumer to a subject. Durable names are accepted but
// unused; the memory bus has a single consumer group per subject.
func (b *MemoryBus) Consume(opts ConsumerOpts) (Consumer, error) {
	return &memConsumer{bus: b, subject: opts.Subject, maxDeliver: opts.MaxDeliver}, nil
}

// Close is a no-op for the memory bus.
func (b *MemoryBus) Close() error { return nil }

// Pending reports the number of undelivered or redeliverable messages on a
// subject. Test helper.
func (b *MemoryBus) Pending(subject string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for _, m := range b.queue(subject).pending {
		if !m.done {
			n++
		}
	}
	return n
}

type memConsumer struct {
	bus        *MemoryBus
	subject    string
	maxDeliver int
}

func (c *memConsumer) Fetch(_ context.Context, batch int, _ time.Duration) ([]*Message, error) {
	c.bus.mu.Lock()
	defer c.bus.mu.Unlock()

	q := c.bus.queue(c.subject)
	now := time.Now()

	var out []*Message
	for _, m := range q.pending {
		if len(out) >= batch {
			break
		}
		if m.done || m.inFlight || now.Before(m.notBefore) {
			continue
		}
		if c.maxDeliver > 0 && m.attempts >= c.maxDeliver {
			m.done = true
			continue
		}
		m.inFlight = true
		m.attempts++
		mm := m
		out = append(out, &Message{
			Subject: c.subject,
			Data:    mm.data,
			Attempt: mm.attempts,
			ackFn: func() error {
				c.bus.mu.Lock()
				defer c.bus.mu.Unlock()
				mm.done = true
				mm.inFlight = false
				return nil
			},
			nakFn: func(d time.Duration) error {
				c.bus.mu.Lock()
				defer c.bus.mu.Unlock()
				mm.inFlight = false
				mm.notBefore = time.Now().Add(d)
				return nil
			},
			termFn: func() error {
				c.bus.mu.Lock()
				defer c.bus.mu.Unlock()
				mm.done = true
				mm.inFlight = false
				return nil
			},
		})
	}
	return out, nil
}
