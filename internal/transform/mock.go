package transform

import (
	"context"
	"sync/atomic"
)

// Mock satisfies Transformer for tests, counting invocations.
type Mock struct {
	FixFunc       func(ctx context.Context, req FixRequest) (FixResult, error)
	ThumbnailFunc func(ctx context.Context, inputRef string) (string, error)

	fixCalls atomic.Int64
}

func (m *Mock) Fix(ctx context.Context, req FixRequest) (FixResult, error) {
	m.fixCalls.Add(1)
	if m.FixFunc != nil {
		return m.FixFunc(ctx, req)
	}
	return FixResult{
		OutputRef:    "fixed/" + req.InputRef,
		ThumbnailRef: "thumbs/" + req.InputRef,
		AppliedFixes: req.ProblemIDs,
	}, nil
}

func (m *Mock) Thumbnail(ctx context.Context, inputRef string) (string, error) {
	if m.ThumbnailFunc != nil {
		return m.ThumbnailFunc(ctx, inputRef)
	}
	return "thumbs/" + inputRef, nil
}

// FixCalls reports how many times Fix was invoked.
func (m *Mock) FixCalls() int64 { return m.fixCalls.Load() }

var _ Transformer = (*Mock)(nil)
