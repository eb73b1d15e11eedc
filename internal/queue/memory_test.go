package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reelworks/reelfix/pkg/models"
)

func TestTopic(t *testing.T) {
	assert.Equal(t, "jobs.analysis", Topic("jobs", models.JobKindAnalysis))
	assert.Equal(t, "jobs.fix", Topic("jobs", models.JobKindFix))
}

func TestMemoryQueueDeliversPublished(t *testing.T) {
	q := NewMemoryQueue()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	env := Envelope{JobID: uuid.New(), Kind: models.JobKindAnalysis}
	require.NoError(t, q.Publish(ctx, "jobs.analysis", env))

	got := make(chan Envelope, 1)
	go q.Consume(ctx, "jobs.analysis", func(_ context.Context, e Envelope) error {
		got <- e
		return nil
	})

	select {
	case e := <-got:
		assert.Equal(t, env.JobID, e.JobID)
	case <-time.After(time.Second):
		t.Fatal("message was not delivered")
	}
}

func TestMemoryQueueRedeliversOnHandlerError(t *testing.T) {
	q := NewMemoryQueue()
	q.RedeliveryDelay = time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var attempts atomic.Int64
	done := make(chan struct{})
	go q.Consume(ctx, "jobs.fix", func(_ context.Context, _ Envelope) error {
		if attempts.Add(1) < 3 {
			return errors.New("transient")
		}
		close(done)
		return nil
	})

	require.NoError(t, q.Publish(ctx, "jobs.fix", Envelope{JobID: uuid.New(), Kind: models.JobKindFix}))

	select {
	case <-done:
		assert.EqualValues(t, 3, attempts.Load())
	case <-time.After(2 * time.Second):
		t.Fatal("message was not redelivered")
	}
}

func TestMemoryQueueConsumeStopsOnCancel(t *testing.T) {
	q := NewMemoryQueue()
	ctx, cancel := context.WithCancel(context.Background())

	stopped := make(chan error, 1)
	go func() {
		stopped <- q.Consume(ctx, "jobs.analysis", func(context.Context, Envelope) error { return nil })
	}()

	cancel()
	select {
	case err := <-stopped:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("consume did not stop on cancel")
	}
}

func TestMemoryQueueTopicsAreIsolated(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	require.NoError(t, q.Publish(ctx, "jobs.analysis", Envelope{JobID: uuid.New()}))
	assert.Equal(t, 1, q.Depth("jobs.analysis"))
	assert.Equal(t, 0, q.Depth("jobs.fix"))
}
