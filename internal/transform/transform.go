// Package transform executes fix and thumbnail operations on stored media.
// The local executor handles image formats with disintegration/imaging; other
// media types are delegated to an external transform service behind the same
// interface.
package transform

import (
	"context"
	"errors"
)

var (
	// ErrUnsupportedMedia marks input the executor cannot decode. Permanent.
	ErrUnsupportedMedia = errors.New("unsupported media format")
	// ErrStorageUnavailable marks blob storage failures. Transient.
	ErrStorageUnavailable = errors.New("media storage unavailable")
)

// FixRequest asks for a problem set to be repaired on stored media.
// ProblemIDs arrive canonicalized (sorted, deduplicated).
type FixRequest struct {
	InputRef   string
	ProblemIDs []string
}

// FixResult references the repaired output and its derived thumbnail.
type FixResult struct {
	OutputRef    string
	ThumbnailRef string
	AppliedFixes []string
}

// Transformer executes media transforms. Implementations must be safely
// repeatable: re-running a request overwrites the same output keys with the
// same bytes, so queue redelivery cannot corrupt state.
type Transformer interface {
	Fix(ctx context.Context, req FixRequest) (FixResult, error)
	Thumbnail(ctx context.Context, inputRef string) (string, error)
}
