// Package collection provides typed access to the documents of one store
// collection.
//
// A Collection[T] is built from a model.ConfigurationSource[T]: the model
// names the database and collection, the preferences of every scope and the
// indexes. Every operation takes a context.Context. When the ctx carries a
// Session (see WithSession and RunTransaction) holding an open transaction,
// the operation is bound to it; otherwise it runs unbound. The check is made
// on every call, so a session that ended makes operations fall back to
// unbound calls rather than fail.
//
// A Collection holds no per-transaction state and is safe for concurrent
// use, including concurrent RunTransaction calls.
package collection

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/puzpuzpuz/xsync/v3"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/jacentio/doccontext/driver"
	"github.com/jacentio/doccontext/model"
)

// UpdateResult reports the outcome of an update or replace.
type UpdateResult = driver.UpdateResult

// Collection gives typed access to the documents of type T.
type Collection[T Document] struct {
	opts     options
	logger   *slog.Logger
	sessions *xsync.MapOf[string, *Session]

	mu     sync.RWMutex
	src    *model.ConfigurationSource[T]
	model  model.Model
	client driver.Client
	db     driver.Database
	coll   driver.Collection
}

// New opens the collection described by src. The collection is created when
// the store needs it, and the model's indexes are created unless
// WithoutAutoIndex is given.
func New[T Document](ctx context.Context, src *model.ConfigurationSource[T], opts ...Option) (*Collection[T], error) {
	client := src.Client()
	if client == nil {
		return nil, ErrNoClient
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	m := src.Model()
	db := client.Database(m.Database, m.DatabaseBehavior.Preferences())
	if err := db.EnsureCollection(ctx, m.Collection); err != nil {
		return nil, errors.Wrapf(err, "ensure collection %s.%s", m.Database, m.Collection)
	}

	c := &Collection[T]{
		opts:     o,
		logger:   o.logger.With("database", m.Database, "collection", m.Collection),
		sessions: xsync.NewMapOf[string, *Session](),
		src:      src,
		model:    m,
		client:   client,
		db:       db,
		coll:     db.Collection(m.Collection, m.CollectionBehavior.Preferences()),
	}
	if o.autoIndex && len(m.Indexes) > 0 {
		if err := c.EnsureIndexes(ctx); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Model returns the model the collection was opened with.
func (c *Collection[T]) Model() model.Model { return c.model }

// Name returns the collection name.
func (c *Collection[T]) Name() string { return c.model.Collection }

// Database returns the database name.
func (c *Collection[T]) Database() string { return c.model.Database }

func (c *Collection[T]) handle() (driver.Collection, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.coll == nil {
		return nil, ErrClosed
	}
	return c.coll, nil
}

// bound returns the store session ctx routes to, nil for an unbound call.
func (c *Collection[T]) bound(ctx context.Context) driver.Session {
	s, ok := SessionFromContext(ctx)
	if !ok {
		return nil
	}
	if !s.InTransaction() {
		c.logger.Debug("session not in transaction, issuing unbound call", "session", s.ID())
		return nil
	}
	return s.Driver()
}

// route issues fn bound to the session carried by ctx, or unbound. A session
// that ended between the check and the call is retried unbound.
func route[R any, T Document](ctx context.Context, c *Collection[T], op string, fn func(coll driver.Collection, sess driver.Session) (R, error)) (R, error) {
	var zero R
	coll, err := c.handle()
	if err != nil {
		return zero, err
	}

	start := time.Now()
	sess := c.bound(ctx)
	r, err := fn(coll, sess)
	if err != nil && sess != nil && errors.Is(err, driver.ErrSessionEnded) {
		c.logger.Debug("session ended, retrying unbound", "op", op)
		r, err = fn(coll, nil)
	}
	c.opts.metrics.RecordOperation(op, time.Since(start), err)
	return r, err
}

func (c *Collection[T]) findOptions(opts []FindOption) driver.FindOptions {
	fo := driver.FindOptions{
		BatchSize:       c.model.Find.BatchSize,
		NoCursorTimeout: c.model.Find.NoCursorTimeout,
	}
	for _, opt := range opts {
		opt(&fo)
	}
	return fo
}

func (c *Collection[T]) find(ctx context.Context, op string, filter any, fo driver.FindOptions) ([]T, error) {
	return route(ctx, c, op, func(coll driver.Collection, sess driver.Session) ([]T, error) {
		cur, err := coll.Find(ctx, sess, filter, fo)
		if err != nil {
			return nil, err
		}
		return driver.DecodeAll[T](ctx, cur)
	})
}

// Find returns the documents matching filter.
func (c *Collection[T]) Find(ctx context.Context, filter any, opts ...FindOption) ([]T, error) {
	return c.find(ctx, "find", filter, c.findOptions(opts))
}

// FindOne returns the first document matching filter. The bool is false when
// nothing matched.
func (c *Collection[T]) FindOne(ctx context.Context, filter any, opts ...FindOption) (T, bool, error) {
	var zero T
	fo := c.findOptions(opts)
	fo.Limit = 1
	docs, err := c.find(ctx, "findOne", filter, fo)
	if err != nil || len(docs) == 0 {
		return zero, false, err
	}
	return docs[0], true, nil
}

// PageSize is the number of documents in a page of Get. It does not depend
// on the cursor batch size of the model.
const PageSize = 1000

// Get returns one page of the documents matching filter. Pages hold
// PageSize documents and start at 1; page < 1 is the first page.
func (c *Collection[T]) Get(ctx context.Context, page int, filter any, opts ...FindOption) ([]T, error) {
	if page < 1 {
		page = 1
	}
	fo := c.findOptions(opts)
	fo.Skip = int64(page-1) * PageSize
	fo.Limit = PageSize
	return c.find(ctx, "get", filter, fo)
}

// GetAll returns one page of all documents.
func (c *Collection[T]) GetAll(ctx context.Context, page int, opts ...FindOption) ([]T, error) {
	return c.Get(ctx, page, nil, opts...)
}

func keyFilter[T Document](key any) (bson.D, error) {
	name, err := KeyName[T]()
	if err != nil {
		return nil, err
	}
	return bson.D{{Key: name, Value: key}}, nil
}

// FindByKey returns the document whose key equals key.
func (c *Collection[T]) FindByKey(ctx context.Context, key any) (T, bool, error) {
	filter, err := keyFilter[T](key)
	if err != nil {
		var zero T
		return zero, false, err
	}
	return c.FindOne(ctx, filter)
}

// Insert stores doc and returns it.
func (c *Collection[T]) Insert(ctx context.Context, doc T) (T, error) {
	_, err := route(ctx, c, "insert", func(coll driver.Collection, sess driver.Session) (struct{}, error) {
		return struct{}{}, coll.InsertOne(ctx, sess, doc)
	})
	return doc, err
}

// InsertMany stores docs. An empty slice is a no-op.
func (c *Collection[T]) InsertMany(ctx context.Context, docs []T) error {
	if len(docs) == 0 {
		return nil
	}
	batch := make([]any, len(docs))
	for i, d := range docs {
		batch[i] = d
	}
	_, err := route(ctx, c, "insertMany", func(coll driver.Collection, sess driver.Session) (struct{}, error) {
		return struct{}{}, coll.InsertMany(ctx, sess, batch)
	})
	return err
}

// ReplaceOne replaces the first document matching filter with doc, inserting
// doc when nothing matched and upsert is set.
func (c *Collection[T]) ReplaceOne(ctx context.Context, filter any, doc T, upsert bool) error {
	_, err := route(ctx, c, "replaceOne", func(coll driver.Collection, sess driver.Session) (UpdateResult, error) {
		return coll.ReplaceOne(ctx, sess, filter, doc, upsert)
	})
	return err
}

// ReplaceByKey replaces the stored document with the same key as doc.
func (c *Collection[T]) ReplaceByKey(ctx context.Context, doc T) error {
	filter, err := keyFilter[T](doc.DocumentKey())
	if err != nil {
		return err
	}
	return c.ReplaceOne(ctx, filter, doc, false)
}

// UpdateOne applies update to the first document matching filter.
func (c *Collection[T]) UpdateOne(ctx context.Context, filter, update any, upsert bool) (UpdateResult, error) {
	return route(ctx, c, "updateOne", func(coll driver.Collection, sess driver.Session) (UpdateResult, error) {
		return coll.UpdateOne(ctx, sess, filter, update, upsert)
	})
}

// UpdateMany applies update to every document matching filter.
func (c *Collection[T]) UpdateMany(ctx context.Context, filter, update any, upsert bool) (UpdateResult, error) {
	return route(ctx, c, "updateMany", func(coll driver.Collection, sess driver.Session) (UpdateResult, error) {
		return coll.UpdateMany(ctx, sess, filter, update, upsert)
	})
}

// DeleteOne deletes the first document matching filter.
func (c *Collection[T]) DeleteOne(ctx context.Context, filter any) (int64, error) {
	return route(ctx, c, "deleteOne", func(coll driver.Collection, sess driver.Session) (int64, error) {
		return coll.DeleteOne(ctx, sess, filter)
	})
}

// DeleteMany deletes every document matching filter.
func (c *Collection[T]) DeleteMany(ctx context.Context, filter any) (int64, error) {
	return route(ctx, c, "deleteMany", func(coll driver.Collection, sess driver.Session) (int64, error) {
		return coll.DeleteMany(ctx, sess, filter)
	})
}

// DeleteByKey deletes the stored document with the same key as doc.
func (c *Collection[T]) DeleteByKey(ctx context.Context, doc T) (int64, error) {
	filter, err := keyFilter[T](doc.DocumentKey())
	if err != nil {
		return 0, err
	}
	return c.DeleteOne(ctx, filter)
}

// DeleteManyByKey deletes the stored documents with the keys of docs in a
// single call.
func (c *Collection[T]) DeleteManyByKey(ctx context.Context, docs []T) (int64, error) {
	name, err := KeyName[T]()
	if err != nil {
		return 0, err
	}
	if len(docs) == 0 {
		return 0, nil
	}
	keys := make(bson.A, len(docs))
	for i, d := range docs {
		keys[i] = d.DocumentKey()
	}
	return c.DeleteMany(ctx, bson.D{{Key: name, Value: bson.D{{Key: "$in", Value: keys}}}})
}

// Count counts the documents matching filter.
func (c *Collection[T]) Count(ctx context.Context, filter any) (int64, error) {
	return route(ctx, c, "count", func(coll driver.Collection, sess driver.Session) (int64, error) {
		return coll.CountDocuments(ctx, sess, filter)
	})
}

// EstimatedCount returns the store's estimate of the collection size. It is
// never bound to a session.
func (c *Collection[T]) EstimatedCount(ctx context.Context) (int64, error) {
	return route(ctx, c, "estimatedCount", func(coll driver.Collection, _ driver.Session) (int64, error) {
		return coll.EstimatedDocumentCount(ctx)
	})
}

// EnsureIndexes creates the indexes declared by the model.
func (c *Collection[T]) EnsureIndexes(ctx context.Context) error {
	coll, err := c.handle()
	if err != nil {
		return err
	}
	if len(c.model.Indexes) == 0 {
		return nil
	}
	start := time.Now()
	err = coll.CreateIndexes(ctx, c.model.IndexModels())
	c.opts.metrics.RecordOperation("createIndexes", time.Since(start), err)
	if err != nil {
		return errors.Wrapf(err, "create indexes on %s.%s", c.model.Database, c.model.Collection)
	}
	c.logger.Debug("indexes ensured", "count", len(c.model.Indexes))
	return nil
}

// Close ends the sessions opened through BeginSession, closes the
// configuration source and releases the store handles. It neither commits
// nor aborts open transactions; their outcome is left to the store. Every
// later operation returns ErrClosed.
func (c *Collection[T]) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.coll == nil {
		c.mu.Unlock()
		return nil
	}
	c.coll, c.db, c.client = nil, nil, nil
	src := c.src
	c.src = nil
	c.mu.Unlock()

	c.sessions.Range(func(_ string, s *Session) bool {
		s.End(ctx)
		return true
	})
	c.sessions.Clear()
	if src != nil {
		src.Close()
	}
	return nil
}
