// Package archive persists pruned log segments outside the log directory,
// either on local disk or in object storage. Archiving is optional: the
// pruner uploads a segment before deleting it when a Store is configured, so
// point-in-time tooling can still reach entries the live log no longer holds.
package archive

import (
	"context"
	"io"
	"os"
)

// ErrNotFound is returned when an archived segment does not exist.
//
// Implementations should return an error that satisfies
// `errors.Is(err, ErrNotFound)`. The default maps to `os.ErrNotExist`.
var ErrNotFound = os.ErrNotExist

// Store is an abstraction over archived-segment storage.
type Store interface {
	// Put uploads an object under name, reading it to EOF.
	Put(ctx context.Context, name string, r io.Reader) error

	// Open opens an archived object for reading.
	Open(ctx context.Context, name string) (io.ReadCloser, error)

	// List returns the names of archived objects starting with prefix, in
	// lexical order.
	List(ctx context.Context, prefix string) ([]string, error)

	// Delete removes an archived object.
	Delete(ctx context.Context, name string) error
}
