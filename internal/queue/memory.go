package queue

import (
	"context"
	"sync"
	"time"
)

const memoryTopicDepth = 256

// MemoryQueue is an in-process Queue with the same at-least-once contract as
// the broker-backed one: a handler error re-enqueues the message. It backs
// tests and single-node deployments where no broker is configured.
type MemoryQueue struct {
	mu     sync.Mutex
	topics map[string]chan Envelope
	closed bool
	// RedeliveryDelay spaces out redeliveries so a persistently failing
	// handler does not spin.
	RedeliveryDelay time.Duration
}

// NewMemoryQueue creates an empty MemoryQueue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		topics:          make(map[string]chan Envelope),
		RedeliveryDelay: 10 * time.Millisecond,
	}
}

func (q *MemoryQueue) topic(name string) chan Envelope {
	q.mu.Lock()
	defer q.mu.Unlock()
	ch, ok := q.topics[name]
	if !ok {
		ch = make(chan Envelope, memoryTopicDepth)
		q.topics[name] = ch
	}
	return ch
}

func (q *MemoryQueue) Publish(ctx context.Context, topic string, env Envelope) error {
	select {
	case q.topic(topic) <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *MemoryQueue) Consume(ctx context.Context, topic string, h Handler) error {
	ch := q.topic(topic)
	for {
		select {
		case <-ctx.Done():
			return nil
		case env := <-ch:
			if err := h(ctx, env); err != nil {
				go func(env Envelope) {
					select {
					case <-time.After(q.RedeliveryDelay):
					case <-ctx.Done():
						return
					}
					select {
					case ch <- env:
					case <-ctx.Done():
					}
				}(env)
			}
		}
	}
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}

// Depth reports the number of undelivered messages on a topic. Test hook.
func (q *MemoryQueue) Depth(topic string) int {
	return len(q.topic(topic))
}
