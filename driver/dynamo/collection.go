package dynamo

import (
	"bytes"
	"context"
	"slices"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/cockroachdb/errors"
	"go.mongodb.org/mongo-driver/v2/bson"
	"golang.org/x/sync/errgroup"

	"github.com/jacentio/doccontext/driver"
	"github.com/jacentio/doccontext/internal/docmatch"
)

type collection struct {
	client *Client
	name   string
	table  string
	prefs  driver.Preferences
}

var _ driver.Collection = (*collection)(nil)

func (c *collection) Name() string { return c.name }

// Table returns the DynamoDB table backing the collection.
func (c *collection) Table() string { return c.table }

// op runs fn with the session resolved. fn gets the active transaction of
// the session, nil when the call runs unbound. The session clock advances
// on success.
func (c *collection) op(ctx context.Context, sess driver.Session, fn func(t *txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s, err := c.client.bind(sess)
	if err != nil {
		return err
	}
	if s == nil {
		return fn(nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return driver.ErrSessionEnded
	}
	var t *txn
	if s.state == txnActive {
		t = s.txn
	}
	if err := fn(t); err != nil {
		return err
	}
	s.observeLocked(c.client.tick())
	return nil
}

// consistent reports whether reads use strongly consistent reads: always
// inside a transaction, otherwise when the handle reads from the primary at
// a durable read concern.
func (c *collection) consistent(t *txn) bool {
	if t != nil {
		return true
	}
	switch c.prefs.ReadConcern {
	case driver.ReadLocal, driver.ReadAvailable:
		return false
	}
	switch c.prefs.ReadPreference {
	case "", driver.Primary, driver.PrimaryPreferred:
		return true
	}
	return false
}

// load returns the live documents matching filter as seen by t, ordered by
// partition key.
func (c *collection) load(ctx context.Context, t *txn, filter any) ([]stored, error) {
	f, err := docmatch.ToRaw(filter)
	if err != nil {
		return nil, err
	}
	var docs []stored
	if pk, ok := keyOnly(f); ok {
		docs, err = c.get(ctx, pk, c.consistent(t))
	} else {
		docs, err = c.scan(ctx, c.consistent(t))
	}
	if err != nil {
		return nil, err
	}
	docs = t.overlay(c.table, docs)

	out := docs[:0]
	for _, d := range docs {
		ok, err := docmatch.Match(d.doc, f)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, d)
		}
	}
	slices.SortFunc(out, func(a, b stored) int { return strings.Compare(a.pk, b.pk) })
	return out, nil
}

func (c *collection) get(ctx context.Context, pk string, consistent bool) ([]stored, error) {
	result, err := c.client.db.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.table),
		Key:            keyAttr(pk),
		ConsistentRead: aws.Bool(consistent),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "get item from %s", c.table)
	}
	if result.Item == nil || isExpired(result.Item, c.client.now()) {
		return nil, nil
	}
	d, err := decodeRecord(result.Item)
	if err != nil {
		return nil, err
	}
	return []stored{d}, nil
}

// scan reads the whole table, fanning out over the configured segments.
func (c *collection) scan(ctx context.Context, consistent bool) ([]stored, error) {
	now := c.client.now()
	segments := c.client.config.ScanSegments

	// Fast path for single segment (default)
	if segments <= 1 {
		return c.scanSegment(ctx, c.scanInput(consistent, now))
	}

	results := make([][]stored, segments)
	g, gctx := errgroup.WithContext(ctx)
	for seg := range segments {
		g.Go(func() error {
			input := c.scanInput(consistent, now)
			input.Segment = aws.Int32(int32(seg))
			input.TotalSegments = aws.Int32(int32(segments))
			docs, err := c.scanSegment(gctx, input)
			if err != nil {
				return errors.Wrapf(err, "segment %d", seg)
			}
			results[seg] = docs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return slices.Concat(results...), nil
}

func (c *collection) scanInput(consistent bool, now time.Time) *dynamodb.ScanInput {
	return &dynamodb.ScanInput{
		TableName:                 aws.String(c.table),
		ConsistentRead:            aws.Bool(consistent),
		FilterExpression:          aws.String(ttlFilterExpr()),
		ExpressionAttributeNames:  ttlFilterNames(),
		ExpressionAttributeValues: ttlFilterValues(now),
	}
}

func (c *collection) scanSegment(ctx context.Context, input *dynamodb.ScanInput) ([]stored, error) {
	var docs []stored
	paginator := dynamodb.NewScanPaginator(c.client.db, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, errors.Wrapf(err, "scan %s", c.table)
		}
		for _, item := range page.Items {
			d, err := decodeRecord(item)
			if err != nil {
				return nil, err
			}
			docs = append(docs, d)
		}
	}
	return docs, nil
}

func rawDocs(docs []stored) []bson.Raw {
	out := make([]bson.Raw, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.doc)
	}
	return out
}

func (c *collection) Find(ctx context.Context, sess driver.Session, filter any, opts driver.FindOptions) (driver.Cursor, error) {
	var docs []bson.Raw
	err := c.op(ctx, sess, func(t *txn) error {
		found, err := c.load(ctx, t, filter)
		if err != nil {
			return err
		}
		docs = rawDocs(found)
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

// InsertMany inserts docs in order. Outside a transaction each document is
// written on its own and the first failure stops the rest.
func (c *collection) InsertMany(ctx context.Context, sess driver.Session, docs []any) error {
	if len(docs) == 0 {
		return errors.New("doccontext: no documents to insert")
	}
	return c.op(ctx, sess, func(t *txn) error {
		writes := make([]*write, 0, len(docs))
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
			pk := docmatch.KeyString(id)
			if _, repeated := seen[pk]; repeated || t.holds(c.table, pk) {
				return errors.Wrapf(driver.ErrDuplicateKey, "_id %s", id)
			}
			seen[pk] = struct{}{}
			writes = append(writes, c.create(pk, raw))
		}
		return c.client.apply(ctx, t, writes)
	})
}

// holds reports whether t has a live staged document under pk.
func (t *txn) holds(table, pk string) bool {
	if t == nil {
		return false
	}
	w, ok := t.writes[writeKey(table, pk)]
	return ok && w.next != nil
}

// create writes a new document. Staged in a transaction that deleted the
// document earlier, it becomes a replacement at the original version.
func (c *collection) create(pk string, doc bson.Raw) *write {
	return &write{table: c.table, pk: pk, next: doc}
}

func (c *collection) ReplaceOne(ctx context.Context, sess driver.Session, filter, doc any, upsert bool) (driver.UpdateResult, error) {
	var res driver.UpdateResult
	err := c.op(ctx, sess, func(t *txn) error {
		replacement, err := docmatch.ToRaw(doc)
		if err != nil {
			return err
		}
		found, err := c.load(ctx, t, filter)
		if err != nil {
			return err
		}
		if len(found) == 0 {
			if !upsert {
				return nil
			}
			return c.upsert(ctx, t, filter, replacement, &res)
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
		return c.client.apply(ctx, t, []*write{{table: c.table, pk: e.pk, prev: &e, next: next}})
	})
	return res, err
}

// upsert inserts replacement, taking _id from the filter's equality
// conditions when the replacement has none.
func (c *collection) upsert(ctx context.Context, t *txn, filter any, replacement bson.Raw, res *driver.UpdateResult) error {
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
	return c.insertUpserted(ctx, t, doc, res)
}

func (c *collection) insertUpserted(ctx context.Context, t *txn, doc bson.Raw, res *driver.UpdateResult) error {
	doc, id, err := docmatch.EnsureID(doc)
	if err != nil {
		return err
	}
	pk, err := docPK(doc)
	if err != nil {
		return err
	}
	if err := c.client.apply(ctx, t, []*write{c.create(pk, doc)}); err != nil {
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
	err := c.op(ctx, sess, func(t *txn) error {
		u, err := docmatch.ToRaw(update)
		if err != nil {
			return err
		}
		found, err := c.load(ctx, t, filter)
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
			return c.insertUpserted(ctx, t, doc, &res)
		}
		if !many {
			found = found[:1]
		}
		var writes []*write
		for i := range found {
			e := found[i]
			next, err := docmatch.Apply(e.doc, u)
			if err != nil {
				return err
			}
			res.MatchedCount++
			if bytes.Equal(next, e.doc) {
				continue
			}
			res.ModifiedCount++
			writes = append(writes, &write{table: c.table, pk: e.pk, prev: &e, next: next})
		}
		return c.client.apply(ctx, t, writes)
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
	err := c.op(ctx, sess, func(t *txn) error {
		found, err := c.load(ctx, t, filter)
		if err != nil {
			return err
		}
		if !many && len(found) > 1 {
			found = found[:1]
		}
		writes := make([]*write, 0, len(found))
		for i := range found {
			e := found[i]
			writes = append(writes, &write{table: c.table, pk: e.pk, prev: &e})
		}
		n = int64(len(writes))
		return c.client.apply(ctx, t, writes)
	})
	return n, err
}

func (c *collection) CountDocuments(ctx context.Context, sess driver.Session, filter any) (int64, error) {
	var n int64
	err := c.op(ctx, sess, func(t *txn) error {
		found, err := c.load(ctx, t, filter)
		n = int64(len(found))
		return err
	})
	return n, err
}

// EstimatedDocumentCount returns the item count DynamoDB refreshes about
// every six hours.
func (c *collection) EstimatedDocumentCount(ctx context.Context) (int64, error) {
	if c.client.closed.Load() {
		return 0, driver.ErrDisconnected
	}
	out, err := c.client.db.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(c.table)})
	if err != nil {
		var notFound *types.ResourceNotFoundException
		if errors.As(err, &notFound) {
			return 0, nil
		}
		return 0, errors.Wrapf(err, "describe table %s", c.table)
	}
	if out.Table == nil {
		return 0, nil
	}
	return aws.ToInt64(out.Table.ItemCount), nil
}

func (c *collection) Aggregate(ctx context.Context, sess driver.Session, pipeline any) (driver.Cursor, error) {
	var out []bson.Raw
	err := c.op(ctx, sess, func(t *txn) error {
		found, err := c.load(ctx, t, nil)
		if err != nil {
			return err
		}
		out, err = docmatch.Pipeline(rawDocs(found), pipeline)
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

// CreateIndexes declares indexes on the collection. Unique indexes apply to
// documents written from then on; existing documents are not checked.
func (c *collection) CreateIndexes(ctx context.Context, indexes []driver.IndexModel) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.client.closed.Load() {
		return driver.ErrDisconnected
	}
	var err error
	c.client.indexes.Compute(c.table, func(cur []driver.IndexModel, loaded bool) ([]driver.IndexModel, bool) {
		merged, mergeErr := docmatch.MergeIndexes(cur, indexes, nil)
		if mergeErr != nil {
			err = mergeErr
			return cur, !loaded
		}
		return merged, false
	})
	return err
}

// Indexes returns the indexes declared on the collection.
func (c *collection) Indexes() []driver.IndexModel {
	return slices.Clone(c.client.indexesOf(c.table))
}
