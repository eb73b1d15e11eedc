// Package blob stores media objects. Jobs reference objects by key only;
// the bucket is deployment configuration.
package blob

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned when the referenced object does not exist.
var ErrNotFound = errors.New("object not found")

// Store is the media object storage interface.
type Store interface {
	// Put writes an object and returns its reference key.
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (string, error)
	// Get opens the object for reading. The caller closes the reader.
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Ping(ctx context.Context) error
}
