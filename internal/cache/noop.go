package cache

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// NoopCache satisfies Cache without storing anything. Used when Redis is not
// configured: lookups always miss and rate limit counters stay at zero, so
// every request falls through to the store.
type NoopCache struct{}

func NewNoopCache() *NoopCache { return &NoopCache{} }

func (*NoopCache) Ping(context.Context) error                                       { return nil }
func (*NoopCache) Set(context.Context, string, []byte, time.Duration) error         { return nil }
func (*NoopCache) Get(context.Context, string) ([]byte, bool, error)                { return nil, false, nil }
func (*NoopCache) Delete(context.Context, string) error                             { return nil }
func (*NoopCache) SetJobState(context.Context, uuid.UUID, string, time.Duration) error {
	return nil
}
func (*NoopCache) GetJobState(context.Context, uuid.UUID) (string, bool, error) { return "", false, nil }
func (*NoopCache) IncrWithExpiry(context.Context, string, time.Duration) (int64, error) {
	return 0, nil
}

var _ Cache = (*NoopCache)(nil)
