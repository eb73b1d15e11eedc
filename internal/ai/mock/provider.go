package mock

import (
	"context"
	"sync/atomic"

	"github.com/reelworks/reelfix/pkg/models"
)

// Provider satisfies models.AIProvider for tests and broker-less dev runs.
type Provider struct {
	Name_       string
	AnalyzeFunc func(ctx context.Context, req models.AnalysisRequest) (models.AnalysisResult, error)

	calls atomic.Int64
}

func (m *Provider) Name() string { return m.Name_ }

func (m *Provider) Analyze(ctx context.Context, req models.AnalysisRequest) (models.AnalysisResult, error) {
	m.calls.Add(1)
	if m.AnalyzeFunc != nil {
		return m.AnalyzeFunc(ctx, req)
	}
	return models.AnalysisResult{}, nil
}

// Calls reports how many times Analyze was invoked.
func (m *Provider) Calls() int64 { return m.calls.Load() }

// NewProvider returns a Provider with sensible default responses.
func NewProvider() *Provider {
	return &Provider{
		Name_: "mock",
		AnalyzeFunc: func(_ context.Context, req models.AnalysisRequest) (models.AnalysisResult, error) {
			return models.AnalysisResult{
				Model: "mock-v1",
				Problems: []models.Problem{
					{ID: "low-light", Severity: 0.7, Summary: "Scene appears underexposed"},
					{ID: "noise", Severity: 0.4, Summary: "Visible sensor noise in dark regions"},
				},
			}, nil
		},
	}
}

// NewFailingProvider returns a Provider that always returns err.
func NewFailingProvider(err error) *Provider {
	return &Provider{
		Name_: "mock-failing",
		AnalyzeFunc: func(context.Context, models.AnalysisRequest) (models.AnalysisResult, error) {
			return models.AnalysisResult{}, err
		},
	}
}

var _ models.AIProvider = (*Provider)(nil)
