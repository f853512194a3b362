package model

import (
	"reflect"
	"sync"

	"github.com/cockroachdb/errors"
	"golang.org/x/text/encoding"

	"github.com/jacentio/doccontext/driver"
)

// Builder holds the models declared for a context, keyed by document type.
// A Builder is cheap and is rebuilt on every resolution.
type Builder struct {
	mu     sync.RWMutex
	models map[reflect.Type]Model
	err    error
}

// NewBuilder returns an empty builder.
func NewBuilder() *Builder {
	return &Builder{models: make(map[reflect.Type]Model)}
}

// Lookup returns the model declared for t.
func (b *Builder) Lookup(t reflect.Type) (Model, bool) {
	if b == nil {
		return Model{}, false
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	m, ok := b.models[t]
	if !ok {
		return Model{}, false
	}
	return m.clone(), true
}

// Len returns the number of declared document types.
func (b *Builder) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.models)
}

// Err returns the first declaration error, so that a rejected declaration
// whose error was dropped still fails context construction.
func (b *Builder) Err() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.err
}

func (b *Builder) fail(err error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err == nil {
		b.err = err
	}
	return err
}

func (b *Builder) apply(m Model) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.models[m.Type] = m.clone()
}

// Lookup returns the model declared for T.
func Lookup[T any](b *Builder) (Model, bool) {
	return b.Lookup(reflect.TypeFor[T]())
}

// DocumentBuilder declares the model of document type T. Every call stores
// the accumulated model back into the owning Builder.
type DocumentBuilder[T any] struct {
	owner *Builder
	m     Model
}

// Document starts or continues the declaration of T.
func Document[T any](b *Builder) *DocumentBuilder[T] {
	t := reflect.TypeFor[T]()
	m, ok := b.Lookup(t)
	if !ok {
		m = DefaultModel(t)
	}
	d := &DocumentBuilder[T]{owner: b, m: m}
	d.apply()
	return d
}

func (d *DocumentBuilder[T]) apply() {
	d.owner.apply(d.m)
}

// Model returns a copy of the model declared so far.
func (d *DocumentBuilder[T]) Model() Model {
	return d.m.clone()
}

// WithDatabase sets the database holding the collection of T.
func (d *DocumentBuilder[T]) WithDatabase(name string) *DocumentBuilder[T] {
	d.m.Database = name
	d.apply()
	return d
}

// WithCollection sets the collection name. It defaults to the lower case
// plural of the type name.
func (d *DocumentBuilder[T]) WithCollection(name string) *DocumentBuilder[T] {
	d.m.Collection = name
	d.apply()
	return d
}

// DefineIndex adds an index. A second index with the same name is rejected
// and leaves the declared indexes unchanged.
func (d *DocumentBuilder[T]) DefineIndex(spec IndexSpec) error {
	if spec.Name == "" || len(spec.Keys) == 0 {
		return d.owner.fail(errors.Wrapf(ErrInvalidIndex, "%s", TypeName(d.m.Type)))
	}
	for _, existing := range d.m.Indexes {
		if existing.Name == spec.Name {
			return d.owner.fail(errors.Wrapf(ErrDuplicateIndex, "index %q on %s", spec.Name, TypeName(d.m.Type)))
		}
	}
	d.m.Indexes = append(d.m.Indexes, spec)
	d.apply()
	return nil
}

// DefineFindOptions replaces the cursor defaults of finds. A batch size
// of zero or less keeps DefaultBatchSize.
func (d *DocumentBuilder[T]) DefineFindOptions(f FindDefaults) *DocumentBuilder[T] {
	if f.BatchSize <= 0 {
		f.BatchSize = DefaultBatchSize
	}
	d.m.Find = f
	d.apply()
	return d
}

// WithDatabaseBehavior adjusts the behavior of the database handle.
func (d *DocumentBuilder[T]) WithDatabaseBehavior(fn func(*BehaviorBuilder)) *DocumentBuilder[T] {
	bb := &BehaviorBuilder{b: d.m.DatabaseBehavior}
	fn(bb)
	d.m.DatabaseBehavior = bb.b
	d.apply()
	return d
}

// WithCollectionBehavior adjusts the behavior of the collection handle.
func (d *DocumentBuilder[T]) WithCollectionBehavior(fn func(*BehaviorBuilder)) *DocumentBuilder[T] {
	bb := &BehaviorBuilder{b: d.m.CollectionBehavior}
	fn(bb)
	d.m.CollectionBehavior = bb.b
	d.apply()
	return d
}

// WithSessionBehavior adjusts the behavior of sessions started for T.
func (d *DocumentBuilder[T]) WithSessionBehavior(fn func(*SessionBehaviorBuilder)) *DocumentBuilder[T] {
	sb := &SessionBehaviorBuilder{
		BehaviorBuilder: BehaviorBuilder{b: d.m.SessionBehavior.Behavior},
		causal:          d.m.SessionBehavior.CausalConsistency,
	}
	fn(sb)
	d.m.SessionBehavior = sb.build()
	d.apply()
	return d
}

// WithTransactionBehavior adjusts the behavior of transactions on T.
func (d *DocumentBuilder[T]) WithTransactionBehavior(fn func(*BehaviorBuilder)) *DocumentBuilder[T] {
	bb := &BehaviorBuilder{b: d.m.TransactionBehavior}
	fn(bb)
	d.m.TransactionBehavior = bb.b
	d.apply()
	return d
}

// AsFileStorage declares T as a file bucket and returns its builder.
func (d *DocumentBuilder[T]) AsFileStorage() *FileStorageBuilder[T] {
	if d.m.FileStorage == nil {
		fs := DefaultFileStorage(d.m.Type)
		d.m.FileStorage = &fs
		d.apply()
	}
	return &FileStorageBuilder[T]{doc: d}
}

// FileStorageBuilder declares the file bucket of T.
type FileStorageBuilder[T any] struct {
	doc *DocumentBuilder[T]
}

func (f *FileStorageBuilder[T]) fs() *FileStorage { return f.doc.m.FileStorage }

// WithBucketName sets the bucket name. It defaults to the type name.
func (f *FileStorageBuilder[T]) WithBucketName(name string) *FileStorageBuilder[T] {
	f.fs().BucketName = name
	f.doc.apply()
	return f
}

// WithChunkSize sets the chunk size in bytes. It must be greater than zero.
func (f *FileStorageBuilder[T]) WithChunkSize(size int) error {
	if size <= 0 {
		return f.doc.owner.fail(errors.Wrapf(ErrInvalidChunkSize, "%s: got %d", TypeName(f.doc.m.Type), size))
	}
	f.fs().ChunkSize = int32(size)
	f.doc.apply()
	return nil
}

// WithReadPreference sets the read preference of the bucket.
func (f *FileStorageBuilder[T]) WithReadPreference(rp driver.ReadPreference) *FileStorageBuilder[T] {
	f.fs().Behavior.ReadPreference = rp
	f.doc.apply()
	return f
}

// WithReadConcern sets the read concern of the bucket.
func (f *FileStorageBuilder[T]) WithReadConcern(rc driver.ReadConcern) *FileStorageBuilder[T] {
	f.fs().Behavior.ReadConcern = rc
	f.doc.apply()
	return f
}

// WithWriteConcern sets the write concern of the bucket.
func (f *FileStorageBuilder[T]) WithWriteConcern(wc driver.WriteConcern) *FileStorageBuilder[T] {
	f.fs().Behavior.WriteConcern = wc
	f.doc.apply()
	return f
}

// WithTextEncoding sets the encoding of text uploads and downloads.
func (f *FileStorageBuilder[T]) WithTextEncoding(e encoding.Encoding) *FileStorageBuilder[T] {
	f.fs().Behavior.ReadEncoding = e
	f.fs().Behavior.WriteEncoding = e
	f.doc.apply()
	return f
}

// WithReadEncoding sets the encoding DownloadText decodes with.
func (f *FileStorageBuilder[T]) WithReadEncoding(e encoding.Encoding) *FileStorageBuilder[T] {
	f.fs().Behavior.ReadEncoding = e
	f.doc.apply()
	return f
}

// WithWriteEncoding sets the encoding UploadText encodes with.
func (f *FileStorageBuilder[T]) WithWriteEncoding(e encoding.Encoding) *FileStorageBuilder[T] {
	f.fs().Behavior.WriteEncoding = e
	f.doc.apply()
	return f
}

// AddMetadata declares a metadata entry merged into every uploaded file.
func (f *FileStorageBuilder[T]) AddMetadata(key string, value any) error {
	fs := f.fs()
	if _, ok := fs.Metadata[key]; ok {
		return f.doc.owner.fail(errors.Wrapf(ErrDuplicateMetadata, "key %q on %s", key, TypeName(f.doc.m.Type)))
	}
	if fs.Metadata == nil {
		fs.Metadata = make(map[string]any)
	}
	fs.Metadata[key] = value
	f.doc.apply()
	return nil
}
