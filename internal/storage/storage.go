package storage

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/thebluefowl/reelvault/internal/fault"
)

// ErrObjectNotFound is returned when a key does not exist in the backend.
var ErrObjectNotFound = fmt.Errorf("%w: object", fault.ErrNotFound)

// Storage abstracts the blob backend holding sealed video objects.
// Implementations must be safe for concurrent use; every Open returns an
// independent reader.
type Storage interface {
	// Upload stores body under key, replacing any existing object.
	// contentType specifies the MIME type (empty string will auto-detect).
	// metadata contains optional key-value pairs to store with the object.
	Upload(ctx context.Context, key string, body io.Reader, contentType string, metadata map[string]string) error

	// Open returns a reader over length bytes starting at offset. A negative
	// length reads to the end of the object. The reader observes ctx and
	// must be closed by the caller.
	Open(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error)

	// Stat retrieves size and metadata without reading the object.
	Stat(ctx context.Context, key string) (*ObjectInfo, error)

	// Delete removes the object. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// List returns information about all objects matching the optional prefix.
	// If prefix is empty, lists all objects in the storage.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
}

// ObjectInfo contains metadata about a stored object.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
	ETag         string
	ContentType  string
	Metadata     map[string]string
}

// ContextReader fails reads once ctx is done, so a canceled client stops a
// long copy at the next Read.
type ContextReader struct {
	Ctx context.Context
	R   io.ReadCloser
}

func (c *ContextReader) Read(p []byte) (int, error) {
	if err := c.Ctx.Err(); err != nil {
		return 0, err
	}
	return c.R.Read(p)
}

func (c *ContextReader) Close() error { return c.R.Close() }
