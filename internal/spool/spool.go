// Package spool stores committed message bodies, content-addressed by an
// opaque reference. Queue entries carry only the reference; the delivery
// capability reads the body back through the same store.
package spool

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned when a body reference does not resolve.
var ErrNotFound = errors.New("body not found")

// Store persists message bodies. Put must make the body readable before it
// returns so a queue entry committed afterwards always resolves.
type Store interface {
	// Put writes the body and returns its content-addressed reference plus
	// the number of octets stored.
	Put(ctx context.Context, body io.Reader) (ref string, size int64, err error)

	// Open returns a reader over a stored body.
	Open(ctx context.Context, ref string) (io.ReadCloser, error)

	// Delete removes a stored body. Deleting an unknown reference is not an
	// error.
	Delete(ctx context.Context, ref string) error
}
