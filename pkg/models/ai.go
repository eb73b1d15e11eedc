// Package models contains shared data models used across the ReelFix codebase.
package models

import (
	"context"
	"errors"
)

// Provider error taxonomy. These live next to AIProvider so that provider
// implementations and their consumers share one vocabulary without importing
// each other.
var (
	// ErrProviderUnavailable marks transient upstream failures (network,
	// 5xx). Workers retry these a bounded number of times per delivery.
	ErrProviderUnavailable = errors.New("ai provider unavailable")
	// ErrInferenceTimeout marks an inference that ran past its budget.
	// Also transient.
	ErrInferenceTimeout = errors.New("ai inference timeout")
	// ErrInvalidResponse marks an unparseable provider response.
	ErrInvalidResponse = errors.New("ai provider returned invalid response")
	// ErrInvalidMedia marks input the provider rejected as malformed.
	// Permanent; the job fails without retry.
	ErrInvalidMedia = errors.New("media rejected by ai provider")
)

// AIProvider is the interface all AI analysis integrations implement.
// Never call a specific provider directly — always inject this interface.
type AIProvider interface {
	// Analyze inspects a piece of media and reports detected quality problems.
	Analyze(ctx context.Context, req AnalysisRequest) (AnalysisResult, error)
	// Name returns the provider identifier (e.g., "openai", "mock").
	Name() string
}

// AnalysisRequest is the input to an AI analysis operation. InputRef locates
// the media in blob storage; the provider treats it as opaque.
type AnalysisRequest struct {
	ContentID string
	InputRef  string
	MediaType string
}

// AnalysisResult is the provider's verdict on a piece of media.
type AnalysisResult struct {
	Problems []Problem
	Model    string
}

// Problem is one detected media quality issue. ID is stable per problem type
// (e.g. "low-light", "shaky", "noise") and is what fix requests reference.
type Problem struct {
	ID       string  `json:"id"`
	Severity float64 `json:"severity"`
	Summary  string  `json:"summary"`
}
