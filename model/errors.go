package model

import "github.com/cockroachdb/errors"

var (
	// ErrDuplicateIndex is returned when an index name is declared twice for
	// the same document type.
	ErrDuplicateIndex = errors.New("doccontext: index name already defined")

	// ErrInvalidChunkSize is returned for a file chunk size that is not
	// positive.
	ErrInvalidChunkSize = errors.New("doccontext: chunk size should be greater than 0")

	// ErrDuplicateMetadata is returned when a file metadata key is declared
	// twice.
	ErrDuplicateMetadata = errors.New("doccontext: metadata key already defined")

	// ErrInvalidIndex is returned for an index without a name or keys.
	ErrInvalidIndex = errors.New("doccontext: index needs a name and at least one key")

	// ErrNoKey is returned when a document type resolves to an empty key
	// field name.
	ErrNoKey = errors.New("doccontext: document type has no key field")
)
