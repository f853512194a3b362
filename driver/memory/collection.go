package memory

import (
	"bytes"
	"context"

	"github.com/cockroachdb/errors"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/jacentio/doccontext/driver"
	"github.com/jacentio/doccontext/internal/docmatch"
)

type collection struct {
	client *Client
	db     string
	name   string
	prefs  driver.Preferences
}

var _ driver.Collection = (*collection)(nil)

func (c *collection) Name() string { return c.name }

// Preferences returns the effective read and write preferences of the handle.
func (c *collection) Preferences() driver.Preferences { return c.prefs }

// op runs fn under the client lock with the session resolved and TTL
// expired documents removed. The session clock advances on success.
func (c *collection) op(ctx context.Context, sess driver.Session, cmd string, fn func(ns *namespace, t *txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cl := c.client
	cl.mu.Lock()
	defer cl.mu.Unlock()

	s, t, err := cl.bindLocked(sess)
	if err != nil {
		return err
	}
	if err := cl.failLocked(cmd); err != nil {
		return err
	}
	ns := cl.ns(c.db, c.name)
	cl.reapLocked(ns)
	if err := fn(ns, t); err != nil {
		return err
	}
	ts := cl.tickLocked()
	if s != nil {
		s.observeLocked(ts)
	}
	return nil
}

func (c *collection) matching(ns *namespace, t *txn, filter any) ([]entry, error) {
	f, err := docmatch.ToRaw(filter)
	if err != nil {
		return nil, err
	}
	var out []entry
	for _, e := range ns.view(t) {
		ok, err := docmatch.Match(e.doc, f)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, e)
		}
	}
	return out, nil
}

func (c *collection) Find(ctx context.Context, sess driver.Session, filter any, opts driver.FindOptions) (driver.Cursor, error) {
	var docs []bson.Raw
	err := c.op(ctx, sess, CmdFind, func(ns *namespace, t *txn) error {
		found, err := c.matching(ns, t, filter)
		if err != nil {
			return err
		}
		docs = make([]bson.Raw, 0, len(found))
		for _, e := range found {
			docs = append(docs, e.doc)
		}
		if opts.Sort != nil {
			spec, err := docmatch.ToRaw(opts.Sort)
			if err != nil {
				return err
			}
			if err := docmatch.Sort(docs, spec); err != nil {
				return err
			}
		}
		docs = docmatch.Window(docs, opts.Skip, opts.Limit)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return driver.NewSliceCursor(docs), nil
}

func (c *collection) InsertOne(ctx context.Context, sess driver.Session, doc any) error {
	return c.InsertMany(ctx, sess, []any{doc})
}

func (c *collection) InsertMany(ctx context.Context, sess driver.Session, docs []any) error {
	if len(docs) == 0 {
		return errors.New("doccontext: no documents to insert")
	}
	return c.op(ctx, sess, CmdInsert, func(ns *namespace, t *txn) error {
		visible := ns.viewMap(t)
		changes := make([]change, 0, len(docs))
		seen := make(map[string]struct{}, len(docs))
		for _, d := range docs {
			raw, err := docmatch.ToRaw(d)
			if err != nil {
				return err
			}
			raw, id, err := docmatch.EnsureID(raw)
			if err != nil {
				return err
			}
			key := docmatch.KeyString(id)
			_, exists := visible[key]
			_, repeated := seen[key]
			if exists || repeated {
				return errors.Wrapf(driver.ErrDuplicateKey, "_id %s", id)
			}
			seen[key] = struct{}{}
			changes = append(changes, change{key: key, doc: raw, seq: c.client.nextSeqLocked()})
		}
		return c.client.applyLocked(ns, t, changes)
	})
}

func (c *collection) ReplaceOne(ctx context.Context, sess driver.Session, filter, doc any, upsert bool) (driver.UpdateResult, error) {
	var res driver.UpdateResult
	err := c.op(ctx, sess, CmdUpdate, func(ns *namespace, t *txn) error {
		replacement, err := docmatch.ToRaw(doc)
		if err != nil {
			return err
		}
		found, err := c.matching(ns, t, filter)
		if err != nil {
			return err
		}
		if len(found) == 0 {
			if !upsert {
				return nil
			}
			return c.upsertLocked(ns, t, filter, replacement, &res)
		}
		e := found[0]
		next, err := docmatch.Replace(e.doc, replacement)
		if err != nil {
			return err
		}
		res.MatchedCount = 1
		if bytes.Equal(next, e.doc) {
			return nil
		}
		res.ModifiedCount = 1
		return c.client.applyLocked(ns, t, []change{{key: e.key, doc: next, seq: e.seq}})
	})
	return res, err
}

// upsertLocked inserts replacement, taking _id from the filter's equality
// conditions when the replacement has none.
func (c *collection) upsertLocked(ns *namespace, t *txn, filter any, replacement bson.Raw, res *driver.UpdateResult) error {
	f, err := docmatch.ToRaw(filter)
	if err != nil {
		return err
	}
	base, err := docmatch.Seed(f)
	if err != nil {
		return err
	}
	doc := replacement
	if id, ok := docmatch.Lookup(base, docmatch.IDField); ok {
		idDoc, err := bson.Marshal(bson.D{{Key: docmatch.IDField, Value: id}})
		if err != nil {
			return errors.Wrap(err, "marshal _id")
		}
		if doc, err = docmatch.Replace(idDoc, replacement); err != nil {
			return err
		}
	}
	return c.insertUpserted(ns, t, doc, res)
}

func (c *collection) insertUpserted(ns *namespace, t *txn, doc bson.Raw, res *driver.UpdateResult) error {
	doc, id, err := docmatch.EnsureID(doc)
	if err != nil {
		return err
	}
	key := docmatch.KeyString(id)
	if _, exists := ns.viewMap(t)[key]; exists {
		return errors.Wrapf(driver.ErrDuplicateKey, "_id %s", id)
	}
	if err := c.client.applyLocked(ns, t, []change{{key: key, doc: doc, seq: c.client.nextSeqLocked()}}); err != nil {
		return err
	}
	res.UpsertedCount = 1
	res.UpsertedID = id
	return nil
}

func (c *collection) UpdateOne(ctx context.Context, sess driver.Session, filter, update any, upsert bool) (driver.UpdateResult, error) {
	return c.update(ctx, sess, filter, update, upsert, false)
}

func (c *collection) UpdateMany(ctx context.Context, sess driver.Session, filter, update any, upsert bool) (driver.UpdateResult, error) {
	return c.update(ctx, sess, filter, update, upsert, true)
}

func (c *collection) update(ctx context.Context, sess driver.Session, filter, update any, upsert, many bool) (driver.UpdateResult, error) {
	var res driver.UpdateResult
	err := c.op(ctx, sess, CmdUpdate, func(ns *namespace, t *txn) error {
		u, err := docmatch.ToRaw(update)
		if err != nil {
			return err
		}
		found, err := c.matching(ns, t, filter)
		if err != nil {
			return err
		}
		if len(found) == 0 {
			if !upsert {
				return nil
			}
			f, err := docmatch.ToRaw(filter)
			if err != nil {
				return err
			}
			base, err := docmatch.Seed(f)
			if err != nil {
				return err
			}
			doc, err := docmatch.Apply(base, u)
			if err != nil {
				return err
			}
			return c.insertUpserted(ns, t, doc, &res)
		}
		if !many {
			found = found[:1]
		}
		var changes []change
		for _, e := range found {
			next, err := docmatch.Apply(e.doc, u)
			if err != nil {
				return err
			}
			res.MatchedCount++
			if bytes.Equal(next, e.doc) {
				continue
			}
			res.ModifiedCount++
			changes = append(changes, change{key: e.key, doc: next, seq: e.seq})
		}
		return c.client.applyLocked(ns, t, changes)
	})
	return res, err
}

func (c *collection) DeleteOne(ctx context.Context, sess driver.Session, filter any) (int64, error) {
	return c.delete(ctx, sess, filter, false)
}

func (c *collection) DeleteMany(ctx context.Context, sess driver.Session, filter any) (int64, error) {
	return c.delete(ctx, sess, filter, true)
}

func (c *collection) delete(ctx context.Context, sess driver.Session, filter any, many bool) (int64, error) {
	var n int64
	err := c.op(ctx, sess, CmdDelete, func(ns *namespace, t *txn) error {
		found, err := c.matching(ns, t, filter)
		if err != nil {
			return err
		}
		if !many && len(found) > 1 {
			found = found[:1]
		}
		changes := make([]change, 0, len(found))
		for _, e := range found {
			changes = append(changes, change{key: e.key})
		}
		n = int64(len(changes))
		return c.client.applyLocked(ns, t, changes)
	})
	return n, err
}

func (c *collection) CountDocuments(ctx context.Context, sess driver.Session, filter any) (int64, error) {
	var n int64
	err := c.op(ctx, sess, CmdCount, func(ns *namespace, t *txn) error {
		found, err := c.matching(ns, t, filter)
		n = int64(len(found))
		return err
	})
	return n, err
}

// EstimatedDocumentCount counts committed documents. It never runs inside a
// transaction.
func (c *collection) EstimatedDocumentCount(ctx context.Context) (int64, error) {
	var n int64
	err := c.op(ctx, nil, CmdCount, func(ns *namespace, _ *txn) error {
		n = int64(len(ns.docs))
		return nil
	})
	return n, err
}

func (c *collection) Aggregate(ctx context.Context, sess driver.Session, pipeline any) (driver.Cursor, error) {
	var out []bson.Raw
	err := c.op(ctx, sess, CmdAggregate, func(ns *namespace, t *txn) error {
		view := ns.view(t)
		docs := make([]bson.Raw, 0, len(view))
		for _, e := range view {
			docs = append(docs, e.doc)
		}
		var err error
		out, err = docmatch.Pipeline(docs, pipeline)
		return err
	})
	if err != nil {
		return nil, err
	}
	return driver.NewSliceCursor(out), nil
}

// MapReduce needs a JavaScript engine and is not supported.
func (c *collection) MapReduce(context.Context, driver.Session, driver.MapReduceSpec) (driver.Cursor, error) {
	return nil, errors.Wrap(driver.ErrUnsupported, "mapReduce")
}

func (c *collection) CreateIndexes(ctx context.Context, indexes []driver.IndexModel) error {
	return c.op(ctx, nil, CmdCreateIndex, func(ns *namespace, _ *txn) error {
		return c.client.createIndexesLocked(ns, indexes)
	})
}

// Indexes returns the indexes created on the collection.
func (c *collection) Indexes() []driver.IndexModel {
	c.client.mu.Lock()
	defer c.client.mu.Unlock()
	ns := c.client.ns(c.db, c.name)
	return append([]driver.IndexModel(nil), ns.indexes...)
}
