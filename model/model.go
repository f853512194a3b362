// Package model declares where each document type lives and how it is read
// and written.
//
// A [Builder] collects per type [Model]s through the fluent
// [DocumentBuilder]. Types with no declaration resolve to a default model:
// database "<type>db", collection the plural of the lower-cased type name,
// and the default behavior of every scope.
//
//	b := model.NewBuilder()
//	orders := model.Document[Order](b).
//	    WithDatabase("shop").
//	    WithCollection("orders")
//	if err := orders.DefineIndex(model.IndexSpec{
//	    Name:   "by_customer",
//	    Keys:   bson.D{{Key: "customer", Value: 1}},
//	}); err != nil {
//	    return err
//	}
package model

import (
	"maps"
	"reflect"
	"slices"
	"strings"
	"time"

	"github.com/jinzhu/inflection"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/jacentio/doccontext/driver"
)

// DefaultBatchSize is the cursor batch size of finds.
const DefaultBatchSize = 1000

// DefaultChunkSize is the chunk size of stored files.
const DefaultChunkSize = 1 << 20

// IndexSpec declares an index on a document type.
type IndexSpec struct {
	Name   string
	Keys   bson.D
	Unique bool
	Sparse bool

	// ExpireAfter makes a TTL index. Keys must hold a single date field.
	ExpireAfter time.Duration
}

// IndexModel returns the driver form of the index.
func (s IndexSpec) IndexModel() driver.IndexModel {
	return driver.IndexModel{
		Name:        s.Name,
		Keys:        s.Keys,
		Unique:      s.Unique,
		Sparse:      s.Sparse,
		ExpireAfter: s.ExpireAfter,
	}
}

// FindDefaults apply to every find issued for the document type.
type FindDefaults struct {
	BatchSize       int32
	NoCursorTimeout bool
}

// DefaultFindDefaults returns batches of 1000 with cursor timeouts enabled.
func DefaultFindDefaults() FindDefaults {
	return FindDefaults{BatchSize: DefaultBatchSize}
}

// FileStorage configures the file bucket of a document type.
type FileStorage struct {
	BucketName string
	ChunkSize  int32
	Behavior   Behavior

	// Metadata is merged into the metadata of every uploaded file.
	Metadata map[string]any
}

// Model is the per document type mapping.
type Model struct {
	Type       reflect.Type
	Database   string
	Collection string
	Indexes    []IndexSpec
	Find       FindDefaults

	DatabaseBehavior    Behavior
	CollectionBehavior  Behavior
	SessionBehavior     SessionBehavior
	TransactionBehavior Behavior

	// FileStorage is set when the type is declared as file storage.
	FileStorage *FileStorage
}

// IndexModels returns the driver form of the declared indexes.
func (m Model) IndexModels() []driver.IndexModel {
	out := make([]driver.IndexModel, 0, len(m.Indexes))
	for _, spec := range m.Indexes {
		out = append(out, spec.IndexModel())
	}
	return out
}

// Files returns the file storage settings, defaults when none were declared.
func (m Model) Files() FileStorage {
	if m.FileStorage != nil {
		return *m.FileStorage
	}
	return DefaultFileStorage(m.Type)
}

func (m Model) clone() Model {
	m.Indexes = slices.Clone(m.Indexes)
	if m.FileStorage != nil {
		fs := *m.FileStorage
		fs.Metadata = maps.Clone(fs.Metadata)
		m.FileStorage = &fs
	}
	return m
}

// DefaultModel returns the model used for t when nothing was declared.
func DefaultModel(t reflect.Type) Model {
	return Model{
		Type:                t,
		Database:            DefaultDatabaseName(t),
		Collection:          DefaultCollectionName(t),
		Find:                DefaultFindDefaults(),
		DatabaseBehavior:    DefaultDatabaseBehavior(),
		CollectionBehavior:  DefaultCollectionBehavior(),
		SessionBehavior:     DefaultSessionBehavior(),
		TransactionBehavior: DefaultTransactionBehavior(),
	}
}

// DefaultFileStorage returns the bucket settings used for t when nothing was
// declared: a bucket named after the type with 1 MiB chunks.
func DefaultFileStorage(t reflect.Type) FileStorage {
	return FileStorage{
		BucketName: TypeName(t),
		ChunkSize:  DefaultChunkSize,
		Behavior:   DefaultCollectionBehavior(),
	}
}

// TypeName returns the bare name of t, without package, pointer or type
// arguments.
func TypeName(t reflect.Type) string {
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil {
		return ""
	}
	name := t.Name()
	if i := strings.IndexByte(name, '['); i >= 0 {
		name = name[:i]
	}
	return name
}

// DefaultDatabaseName is the lower-cased type name suffixed with "db".
func DefaultDatabaseName(t reflect.Type) string {
	return strings.ToLower(TypeName(t)) + "db"
}

// DefaultCollectionName is the plural of the lower-cased type name.
func DefaultCollectionName(t reflect.Type) string {
	return inflection.Plural(strings.ToLower(TypeName(t)))
}
