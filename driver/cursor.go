package driver

import (
	"context"

	"github.com/cockroachdb/errors"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// SliceCursor is a Cursor over documents already held in memory.
type SliceCursor struct {
	docs []bson.Raw
	pos  int
}

// NewSliceCursor returns a cursor positioned before the first document.
func NewSliceCursor(docs []bson.Raw) *SliceCursor {
	return &SliceCursor{docs: docs, pos: -1}
}

func (c *SliceCursor) Next(ctx context.Context) bool {
	if ctx.Err() != nil || c.pos+1 >= len(c.docs) {
		c.pos = len(c.docs)
		return false
	}
	c.pos++
	return true
}

func (c *SliceCursor) Current() bson.Raw {
	if c.pos < 0 || c.pos >= len(c.docs) {
		return nil
	}
	return c.docs[c.pos]
}

func (c *SliceCursor) Err() error { return nil }

func (c *SliceCursor) Close(context.Context) error { return nil }

// DecodeAll drains the cursor into a slice and closes it.
func DecodeAll[T any](ctx context.Context, cur Cursor) ([]T, error) {
	defer cur.Close(ctx)

	var out []T
	for cur.Next(ctx) {
		var v T
		if err := bson.Unmarshal(cur.Current(), &v); err != nil {
			return nil, errors.Wrap(err, "decode document")
		}
		out = append(out, v)
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
