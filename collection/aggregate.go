package collection

import (
	"context"

	"github.com/jacentio/doccontext/driver"
)

// Aggregate runs pipeline on c and decodes the results into R.
func Aggregate[R any, T Document](ctx context.Context, c *Collection[T], pipeline any) ([]R, error) {
	return route(ctx, c, "aggregate", func(coll driver.Collection, sess driver.Session) ([]R, error) {
		cur, err := coll.Aggregate(ctx, sess, pipeline)
		if err != nil {
			return nil, err
		}
		return driver.DecodeAll[R](ctx, cur)
	})
}

// MapReduceJob is a server side map-reduce over a collection. Map, Reduce
// and Finalize hold JavaScript source.
type MapReduceJob struct {
	Map      string
	Reduce   string
	Finalize string
	Query    any
	Sort     any
	Limit    int64
}

// MapReduceResult is one output document of a map-reduce.
type MapReduceResult[V any] struct {
	ID    any `bson:"_id"`
	Value V   `bson:"value"`
}

// MapReduce runs job on c and decodes the output values into V.
func MapReduce[V any, T Document](ctx context.Context, c *Collection[T], job MapReduceJob) ([]MapReduceResult[V], error) {
	spec := driver.MapReduceSpec{
		Map:      job.Map,
		Reduce:   job.Reduce,
		Finalize: job.Finalize,
		Query:    job.Query,
		Sort:     job.Sort,
		Limit:    job.Limit,
	}
	return route(ctx, c, "mapReduce", func(coll driver.Collection, sess driver.Session) ([]MapReduceResult[V], error) {
		cur, err := coll.MapReduce(ctx, sess, spec)
		if err != nil {
			return nil, err
		}
		return driver.DecodeAll[MapReduceResult[V]](ctx, cur)
	})
}
