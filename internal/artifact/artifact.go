package artifact

import (
	"context"
	"io"
)

// Store is the artifact backend used by the sync core.
//
// Keys are slash-separated paths; callers namespace them under an object-id
// prefix so RemoveAll can clear a whole vault in one call.
type Store interface {
	// Put writes an artifact under key, replacing any existing one.
	Put(ctx context.Context, key string, r io.Reader, size int64) error
	// Get opens the artifact at key. The caller closes the reader.
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	// List returns the keys under prefix, in lexical order.
	List(ctx context.Context, prefix string) ([]string, error)
	// RemoveAll deletes every artifact under prefix. Removing a prefix with
	// no artifacts is not an error.
	RemoveAll(ctx context.Context, prefix string) error
}
