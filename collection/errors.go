package collection

import "github.com/cockroachdb/errors"

var (
	// ErrClosed is returned by every operation on a collection after Close.
	ErrClosed = errors.New("doccontext: collection already closed")

	// ErrNoClient is returned when a collection is built from a configuration
	// source that has no client, usually because the source was closed.
	ErrNoClient = errors.New("doccontext: configuration source has no client")
)
