package files

import (
	"context"
	"log/slog"
	"maps"
	"mime"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/jacentio/doccontext/model"
)

type options struct {
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Collection.
type Option func(*options)

// WithLogger sets the logger. nil keeps slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithNow replaces the clock stamping CreatedAt and ModifiedAt.
func WithNow(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// Collection is the file bucket of document type T.
type Collection[T any] struct {
	logger *slog.Logger
	now    func() time.Time

	mu      sync.RWMutex
	src     *model.ConfigurationSource[T]
	store   BlobStore
	storage model.FileStorage
}

// New opens the bucket of T through provider.
func New[T any](ctx context.Context, src *model.ConfigurationSource[T], provider Provider, opts ...Option) (*Collection[T], error) {
	o := options{logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if src == nil || src.Closed() {
		return nil, ErrClosed
	}
	if provider == nil {
		provider = MemoryProvider()
	}

	m := src.Model()
	store, err := provider(ctx, m)
	if err != nil {
		return nil, errors.Wrapf(err, "open bucket %q", m.Files().BucketName)
	}
	return &Collection[T]{
		logger:  o.logger.With("bucket", m.Files().BucketName),
		now:     o.now,
		src:     src,
		store:   store,
		storage: m.Files(),
	}, nil
}

// Storage returns the bucket settings.
func (c *Collection[T]) Storage() model.FileStorage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	fs := c.storage
	fs.Metadata = maps.Clone(fs.Metadata)
	return fs
}

func (c *Collection[T]) handle() (BlobStore, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.store == nil {
		return nil, ErrClosed
	}
	return c.store, nil
}

// Upload stores f and returns its id. Metadata is merged from the bucket
// defaults, then the computed FileType, Length, CreatedAt and ModifiedAt
// keys, then f.Metadata, later sources winning.
func (c *Collection[T]) Upload(ctx context.Context, f File) (string, error) {
	if f.Name == "" {
		return "", ErrEmptyName
	}
	if len(f.Data) == 0 {
		return "", ErrEmptyData
	}
	store, err := c.handle()
	if err != nil {
		return "", err
	}

	if f.ContentType == "" {
		f.ContentType = detectContentType(f.Name, f.Data)
	}
	f.Length = int64(len(f.Data))
	f.ChunkSize = c.storage.ChunkSize
	f.Metadata = c.metadata(f)

	id, err := store.Put(ctx, f)
	if err != nil {
		return "", errors.Wrapf(err, "upload %q", f.Name)
	}
	c.logger.Debug("file uploaded", "id", id, "name", f.Name, "length", f.Length)
	return id, nil
}

func (c *Collection[T]) metadata(f File) map[string]any {
	now := c.now().UTC()
	out := make(map[string]any, len(c.storage.Metadata)+len(f.Metadata)+4)
	maps.Copy(out, c.storage.Metadata)
	out[MetaFileType] = f.ContentType
	out[MetaLength] = f.Length
	out[MetaCreatedAt] = now
	out[MetaModifiedAt] = now
	maps.Copy(out, f.Metadata)
	return out
}

// UploadText encodes text with the bucket's write encoding and uploads it.
func (c *Collection[T]) UploadText(ctx context.Context, name, text string, metadata map[string]any) (string, error) {
	enc := c.storage.Behavior.Encoder()
	data, err := enc.NewEncoder().Bytes([]byte(text))
	if err != nil {
		return "", errors.Wrapf(err, "encode %q as %s", name, model.EncodingName(enc))
	}
	return c.Upload(ctx, File{
		Name:        name,
		ContentType: "text/plain; charset=" + model.EncodingName(enc),
		Data:        data,
		Metadata:    metadata,
	})
}

// DownloadByID returns the content of the file with the given id.
func (c *Collection[T]) DownloadByID(ctx context.Context, id string) ([]byte, error) {
	f, err := c.download(ctx, id)
	if err != nil {
		return nil, err
	}
	return f.Data, nil
}

// DownloadByName returns the content of the newest file named name.
func (c *Collection[T]) DownloadByName(ctx context.Context, name string) ([]byte, error) {
	if name == "" {
		return nil, ErrEmptyName
	}
	store, err := c.handle()
	if err != nil {
		return nil, err
	}
	f, err := store.FindByName(ctx, name)
	if err != nil {
		return nil, err
	}
	return c.DownloadByID(ctx, f.ID)
}

// DownloadText downloads a file and decodes it with the bucket's read
// encoding.
func (c *Collection[T]) DownloadText(ctx context.Context, id string) (string, error) {
	data, err := c.DownloadByID(ctx, id)
	if err != nil {
		return "", err
	}
	dec := c.storage.Behavior.Decoder()
	out, err := dec.NewDecoder().Bytes(data)
	if err != nil {
		return "", errors.Wrapf(err, "decode %s as %s", id, model.EncodingName(dec))
	}
	return string(out), nil
}

func (c *Collection[T]) download(ctx context.Context, id string) (File, error) {
	if id == "" {
		return File{}, ErrEmptyID
	}
	store, err := c.handle()
	if err != nil {
		return File{}, err
	}
	return store.Get(ctx, id)
}

// GetFileByID returns the file description without its data. ok is false
// when no file has the id.
func (c *Collection[T]) GetFileByID(ctx context.Context, id string) (File, bool, error) {
	if id == "" {
		return File{}, false, ErrEmptyID
	}
	store, err := c.handle()
	if err != nil {
		return File{}, false, err
	}
	return found(store.Stat(ctx, id))
}

// GetFileByName returns the newest file named name without its data.
func (c *Collection[T]) GetFileByName(ctx context.Context, name string) (File, bool, error) {
	if name == "" {
		return File{}, false, ErrEmptyName
	}
	store, err := c.handle()
	if err != nil {
		return File{}, false, err
	}
	return found(store.FindByName(ctx, name))
}

func found(f File, err error) (File, bool, error) {
	if errors.Is(err, ErrNotFound) {
		return File{}, false, nil
	}
	if err != nil {
		return File{}, false, err
	}
	return f, true, nil
}

// ListFiles returns up to ListLimit files without their data.
func (c *Collection[T]) ListFiles(ctx context.Context) ([]File, error) {
	store, err := c.handle()
	if err != nil {
		return nil, err
	}
	return store.List(ctx, ListLimit)
}

// Delete removes the file with the given id.
func (c *Collection[T]) Delete(ctx context.Context, id string) error {
	if id == "" {
		return ErrEmptyID
	}
	store, err := c.handle()
	if err != nil {
		return err
	}
	if err := store.Delete(ctx, id); err != nil {
		return err
	}
	c.logger.Debug("file deleted", "id", id)
	return nil
}

// Rename changes the name of the file with the given id.
func (c *Collection[T]) Rename(ctx context.Context, id, name string) error {
	if id == "" {
		return ErrEmptyID
	}
	if name == "" {
		return ErrEmptyName
	}
	store, err := c.handle()
	if err != nil {
		return err
	}
	return store.Rename(ctx, id, name)
}

// Close releases the store and the configuration source. Later calls fail
// with ErrClosed. Closing twice is a no-op.
func (c *Collection[T]) Close(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.store == nil {
		return nil
	}
	c.store = nil
	c.src.Close()
	return nil
}

func detectContentType(name string, data []byte) string {
	if ct := mime.TypeByExtension(filepath.Ext(name)); ct != "" {
		return ct
	}
	return http.DetectContentType(data)
}
