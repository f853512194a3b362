// Package files stores named binary files in a bucket configured by a
// document model.
//
// A Collection[T] takes its bucket name, chunk size, preferences and default
// metadata from the model of T (see model.DocumentBuilder.AsFileStorage) and
// delegates storage to a BlobStore. Backends: an in-memory store in this
// package, GridFS (files/gridfs), S3 (files/s3blob) and MinIO
// (files/minioblob).
package files

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/jacentio/doccontext/model"
)

// Metadata keys computed on upload.
const (
	MetaFileType   = "FileType"
	MetaLength     = "Length"
	MetaCreatedAt  = "CreatedAt"
	MetaModifiedAt = "ModifiedAt"
)

// ListLimit caps the number of files returned by ListFiles.
const ListLimit = 100

var (
	// ErrNotFound is returned when no file has the requested id or name.
	ErrNotFound = errors.New("doccontext: file not found")

	// ErrEmptyName is returned when uploading a file without a name.
	ErrEmptyName = errors.New("doccontext: file name is empty")

	// ErrEmptyData is returned when uploading a file without content.
	ErrEmptyData = errors.New("doccontext: file data is empty")

	// ErrEmptyID is returned for id based calls with an empty id.
	ErrEmptyID = errors.New("doccontext: file id is empty")

	// ErrClosed is returned by every call after Close.
	ErrClosed = errors.New("doccontext: file collection already closed")
)

// File is a stored file. Data is only set by downloads.
type File struct {
	ID          string
	Name        string
	ContentType string
	Length      int64
	ChunkSize   int32
	UploadedAt  time.Time
	Metadata    map[string]any
	Data        []byte
}

// BlobStore is a bucket of files.
type BlobStore interface {
	// Put stores f and returns its id. f.ChunkSize is a hint for chunked
	// backends.
	Put(ctx context.Context, f File) (string, error)

	// Get returns the file with its data.
	Get(ctx context.Context, id string) (File, error)

	// Stat returns the file without its data.
	Stat(ctx context.Context, id string) (File, error)

	// FindByName returns the most recently uploaded file named name, without
	// its data.
	FindByName(ctx context.Context, name string) (File, error)

	// List returns at most limit files without their data.
	List(ctx context.Context, limit int) ([]File, error)

	Delete(ctx context.Context, id string) error
	Rename(ctx context.Context, id, name string) error
}

// Provider opens the blob store of a document model.
type Provider func(ctx context.Context, m model.Model) (BlobStore, error)
