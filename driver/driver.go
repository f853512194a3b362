// Package driver defines the document store boundary consumed by collections.
//
// Backends live in subpackages: [github.com/jacentio/doccontext/driver/mongodb]
// talks to a MongoDB replica set, [github.com/jacentio/doccontext/driver/dynamo]
// stores documents in DynamoDB tables, and [github.com/jacentio/doccontext/driver/memory]
// is an in-process store with real transaction semantics used by tests.
//
// Documents cross the boundary as BSON. Filters, updates, sorts and pipelines
// are any value the bson package can marshal into a document (bson.D, bson.M,
// bson.Raw or a tagged struct); nil means the empty document.
package driver

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// Client is a connected document store.
type Client interface {
	// Database returns a handle for the named database. Preferences apply to
	// every collection opened from it unless the collection overrides them.
	Database(name string, prefs Preferences) Database

	// StartSession opens a session. Sessions are client scoped: a session
	// opened here may bind operations on any collection of this client.
	StartSession(ctx context.Context, opts SessionOptions) (Session, error)

	Ping(ctx context.Context) error
	Disconnect(ctx context.Context) error
}

// Database is a named group of collections.
type Database interface {
	Name() string

	// Collection returns a handle for the named collection.
	Collection(name string, prefs Preferences) Collection

	// EnsureCollection creates the collection if the store needs it to exist
	// before the first write.
	EnsureCollection(ctx context.Context, name string) error
}

// Collection runs document operations. Every operation takes an optional
// session; a nil session issues the call unbound.
type Collection interface {
	Name() string

	Find(ctx context.Context, sess Session, filter any, opts FindOptions) (Cursor, error)
	InsertOne(ctx context.Context, sess Session, doc any) error
	InsertMany(ctx context.Context, sess Session, docs []any) error
	ReplaceOne(ctx context.Context, sess Session, filter, doc any, upsert bool) (UpdateResult, error)
	UpdateOne(ctx context.Context, sess Session, filter, update any, upsert bool) (UpdateResult, error)
	UpdateMany(ctx context.Context, sess Session, filter, update any, upsert bool) (UpdateResult, error)
	DeleteOne(ctx context.Context, sess Session, filter any) (int64, error)
	DeleteMany(ctx context.Context, sess Session, filter any) (int64, error)
	CountDocuments(ctx context.Context, sess Session, filter any) (int64, error)
	EstimatedDocumentCount(ctx context.Context) (int64, error)
	Aggregate(ctx context.Context, sess Session, pipeline any) (Cursor, error)
	MapReduce(ctx context.Context, sess Session, spec MapReduceSpec) (Cursor, error)
	CreateIndexes(ctx context.Context, indexes []IndexModel) error
}

// Session binds a sequence of operations together and carries the logical
// clock used for causal consistency.
type Session interface {
	ID() string

	StartTransaction(opts TransactionOptions) error
	CommitTransaction(ctx context.Context) error
	AbortTransaction(ctx context.Context) error
	EndSession(ctx context.Context)

	// InTransaction reports whether a transaction is started and not yet
	// committed or aborted.
	InTransaction() bool

	// Ended reports whether EndSession was called.
	Ended() bool

	Clock() Clock

	// AdvanceClock moves the session clock forward to at least c. It never
	// moves the clock backwards.
	AdvanceClock(c Clock) error
}

// Cursor iterates over result documents.
type Cursor interface {
	Next(ctx context.Context) bool
	Current() bson.Raw
	Err() error
	Close(ctx context.Context) error
}

// Clock is the logical time observed by a session.
type Clock struct {
	ClusterTime   bson.Raw
	OperationTime bson.Timestamp
}

// IsZero reports whether the clock has not observed any operation.
func (c Clock) IsZero() bool {
	return c.OperationTime.T == 0 && c.OperationTime.I == 0 && len(c.ClusterTime) == 0
}

// After reports whether c is strictly later than o.
func (c Clock) After(o Clock) bool {
	if c.OperationTime.T != o.OperationTime.T {
		return c.OperationTime.T > o.OperationTime.T
	}
	return c.OperationTime.I > o.OperationTime.I
}

// FindOptions shape a find call.
type FindOptions struct {
	Sort            any
	Skip            int64
	Limit           int64
	BatchSize       int32
	NoCursorTimeout bool
}

// UpdateResult reports the outcome of a replace or update.
type UpdateResult struct {
	MatchedCount  int64
	ModifiedCount int64
	UpsertedCount int64
	UpsertedID    any
}

// IndexModel declares an index on a collection.
type IndexModel struct {
	Name string
	Keys bson.D

	Unique bool
	Sparse bool

	// ExpireAfter turns the index into a TTL index on its single date field.
	ExpireAfter time.Duration
}

// MapReduceSpec is a server side map-reduce job. Map, Reduce and Finalize
// hold JavaScript source.
type MapReduceSpec struct {
	Map      string
	Reduce   string
	Finalize string
	Query    any
	Sort     any
	Limit    int64
}
