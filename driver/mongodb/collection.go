package mongodb

import (
	"context"

	"github.com/cockroachdb/errors"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/jacentio/doccontext/driver"
)

var errForeignSession = errors.New("doccontext: session was not started by this mongodb client")

type collection struct {
	db   *mongo.Database
	coll *mongo.Collection
}

func (c *collection) Name() string { return c.coll.Name() }

// mapError marks duplicate key failures with driver.ErrDuplicateKey. The
// original error stays in the chain so its labels remain visible.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if mongo.IsDuplicateKeyError(err) {
		return errors.Mark(err, driver.ErrDuplicateKey)
	}
	return err
}

func orEmpty(filter any) any {
	if filter == nil {
		return bson.D{}
	}
	return filter
}

func (c *collection) Find(ctx context.Context, sess driver.Session, filter any, opts driver.FindOptions) (driver.Cursor, error) {
	ctx, err := bind(ctx, sess)
	if err != nil {
		return nil, err
	}
	o := options.Find()
	if opts.Sort != nil {
		o.SetSort(opts.Sort)
	}
	if opts.Skip > 0 {
		o.SetSkip(opts.Skip)
	}
	if opts.Limit > 0 {
		o.SetLimit(opts.Limit)
	}
	if opts.BatchSize > 0 {
		o.SetBatchSize(opts.BatchSize)
	}
	if opts.NoCursorTimeout {
		o.SetNoCursorTimeout(true)
	}
	cur, err := c.coll.Find(ctx, orEmpty(filter), o)
	if err != nil {
		return nil, mapError(err)
	}
	return &cursor{cur: cur}, nil
}

func (c *collection) InsertOne(ctx context.Context, sess driver.Session, doc any) error {
	ctx, err := bind(ctx, sess)
	if err != nil {
		return err
	}
	_, err = c.coll.InsertOne(ctx, doc)
	return mapError(err)
}

func (c *collection) InsertMany(ctx context.Context, sess driver.Session, docs []any) error {
	if len(docs) == 0 {
		return nil
	}
	ctx, err := bind(ctx, sess)
	if err != nil {
		return err
	}
	_, err = c.coll.InsertMany(ctx, docs)
	return mapError(err)
}

func updateResult(r *mongo.UpdateResult) driver.UpdateResult {
	if r == nil {
		return driver.UpdateResult{}
	}
	return driver.UpdateResult{
		MatchedCount:  r.MatchedCount,
		ModifiedCount: r.ModifiedCount,
		UpsertedCount: r.UpsertedCount,
		UpsertedID:    r.UpsertedID,
	}
}

func (c *collection) ReplaceOne(ctx context.Context, sess driver.Session, filter, doc any, upsert bool) (driver.UpdateResult, error) {
	ctx, err := bind(ctx, sess)
	if err != nil {
		return driver.UpdateResult{}, err
	}
	r, err := c.coll.ReplaceOne(ctx, orEmpty(filter), doc, options.Replace().SetUpsert(upsert))
	return updateResult(r), mapError(err)
}

func (c *collection) UpdateOne(ctx context.Context, sess driver.Session, filter, update any, upsert bool) (driver.UpdateResult, error) {
	ctx, err := bind(ctx, sess)
	if err != nil {
		return driver.UpdateResult{}, err
	}
	r, err := c.coll.UpdateOne(ctx, orEmpty(filter), update, options.UpdateOne().SetUpsert(upsert))
	return updateResult(r), mapError(err)
}

func (c *collection) UpdateMany(ctx context.Context, sess driver.Session, filter, update any, upsert bool) (driver.UpdateResult, error) {
	ctx, err := bind(ctx, sess)
	if err != nil {
		return driver.UpdateResult{}, err
	}
	r, err := c.coll.UpdateMany(ctx, orEmpty(filter), update, options.UpdateMany().SetUpsert(upsert))
	return updateResult(r), mapError(err)
}

func (c *collection) DeleteOne(ctx context.Context, sess driver.Session, filter any) (int64, error) {
	ctx, err := bind(ctx, sess)
	if err != nil {
		return 0, err
	}
	r, err := c.coll.DeleteOne(ctx, orEmpty(filter))
	if err != nil {
		return 0, mapError(err)
	}
	return r.DeletedCount, nil
}

func (c *collection) DeleteMany(ctx context.Context, sess driver.Session, filter any) (int64, error) {
	ctx, err := bind(ctx, sess)
	if err != nil {
		return 0, err
	}
	r, err := c.coll.DeleteMany(ctx, orEmpty(filter))
	if err != nil {
		return 0, mapError(err)
	}
	return r.DeletedCount, nil
}

func (c *collection) CountDocuments(ctx context.Context, sess driver.Session, filter any) (int64, error) {
	ctx, err := bind(ctx, sess)
	if err != nil {
		return 0, err
	}
	n, err := c.coll.CountDocuments(ctx, orEmpty(filter))
	return n, mapError(err)
}

func (c *collection) EstimatedDocumentCount(ctx context.Context) (int64, error) {
	return c.coll.EstimatedDocumentCount(ctx)
}

func (c *collection) Aggregate(ctx context.Context, sess driver.Session, pipeline any) (driver.Cursor, error) {
	ctx, err := bind(ctx, sess)
	if err != nil {
		return nil, err
	}
	if pipeline == nil {
		pipeline = mongo.Pipeline{}
	}
	cur, err := c.coll.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, mapError(err)
	}
	return &cursor{cur: cur}, nil
}

// MapReduce runs the mapReduce command with inline output.
func (c *collection) MapReduce(ctx context.Context, sess driver.Session, spec driver.MapReduceSpec) (driver.Cursor, error) {
	ctx, err := bind(ctx, sess)
	if err != nil {
		return nil, err
	}
	cmd := mapReduceCommand(c.coll.Name(), spec)

	var out struct {
		Results []bson.Raw `bson:"results"`
	}
	if err := c.db.RunCommand(ctx, cmd).Decode(&out); err != nil {
		return nil, errors.Wrapf(err, "mapReduce on %s", c.coll.Name())
	}
	return driver.NewSliceCursor(out.Results), nil
}

func mapReduceCommand(coll string, spec driver.MapReduceSpec) bson.D {
	cmd := bson.D{
		{Key: "mapReduce", Value: coll},
		{Key: "map", Value: bson.JavaScript(spec.Map)},
		{Key: "reduce", Value: bson.JavaScript(spec.Reduce)},
		{Key: "out", Value: bson.D{{Key: "inline", Value: 1}}},
	}
	if spec.Finalize != "" {
		cmd = append(cmd, bson.E{Key: "finalize", Value: bson.JavaScript(spec.Finalize)})
	}
	if spec.Query != nil {
		cmd = append(cmd, bson.E{Key: "query", Value: spec.Query})
	}
	if spec.Sort != nil {
		cmd = append(cmd, bson.E{Key: "sort", Value: spec.Sort})
	}
	if spec.Limit > 0 {
		cmd = append(cmd, bson.E{Key: "limit", Value: spec.Limit})
	}
	return cmd
}

func (c *collection) CreateIndexes(ctx context.Context, indexes []driver.IndexModel) error {
	if len(indexes) == 0 {
		return nil
	}
	_, err := c.coll.Indexes().CreateMany(ctx, indexModels(indexes))
	return mapError(err)
}

func indexModels(indexes []driver.IndexModel) []mongo.IndexModel {
	models := make([]mongo.IndexModel, 0, len(indexes))
	for _, ix := range indexes {
		o := options.Index().SetName(ix.Name)
		if ix.Unique {
			o.SetUnique(true)
		}
		if ix.Sparse {
			o.SetSparse(true)
		}
		if ix.ExpireAfter > 0 {
			o.SetExpireAfterSeconds(int32(ix.ExpireAfter.Seconds()))
		}
		models = append(models, mongo.IndexModel{Keys: ix.Keys, Options: o})
	}
	return models
}

type cursor struct {
	cur *mongo.Cursor
}

func (c *cursor) Next(ctx context.Context) bool   { return c.cur.Next(ctx) }
func (c *cursor) Current() bson.Raw               { return c.cur.Current }
func (c *cursor) Err() error                      { return c.cur.Err() }
func (c *cursor) Close(ctx context.Context) error { return c.cur.Close(ctx) }
