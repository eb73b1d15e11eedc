// Package queue abstracts the at-least-once dispatch transport between API
// producers and workers. Publish returns once the message is durably
// accepted, not once it is processed. Consumers must tolerate duplicate and
// reordered deliveries; acknowledgement is tied to the handler outcome, not
// to the absence of a panic.
package queue

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/reelworks/reelfix/pkg/models"
)

// Envelope is the wire message for one job dispatch.
type Envelope struct {
	JobID   uuid.UUID       `json:"job_id"`
	Kind    models.JobKind  `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// Handler processes one delivery. A nil return acknowledges the message; a
// non-nil return leaves it unacknowledged so the transport redelivers it.
// Handlers must therefore return nil for every absorbed no-op (terminal job,
// lost CAS) and an error only for infrastructure failures worth retrying.
type Handler func(ctx context.Context, env Envelope) error

// Queue is the dispatch transport. One topic per job family.
type Queue interface {
	// Publish durably enqueues env on topic.
	Publish(ctx context.Context, topic string, env Envelope) error
	// Consume blocks, delivering topic messages to h until ctx is done.
	Consume(ctx context.Context, topic string, h Handler) error
	Close() error
}

// Topic returns the dispatch topic for a job kind.
func Topic(prefix string, kind models.JobKind) string {
	return prefix + "." + string(kind)
}
