package docmatch

import (
	"github.com/cockroachdb/errors"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/jacentio/doccontext/driver"
)

// Filter returns the documents of docs matching filter.
func Filter(docs []bson.Raw, filter bson.Raw) ([]bson.Raw, error) {
	out := docs[:0:0]
	for _, doc := range docs {
		ok, err := Match(doc, filter)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, doc)
		}
	}
	return out, nil
}

// Window applies skip and limit. A limit of zero means no limit.
func Window(docs []bson.Raw, skip, limit int64) []bson.Raw {
	if skip > 0 {
		if skip >= int64(len(docs)) {
			return nil
		}
		docs = docs[skip:]
	}
	if limit > 0 && limit < int64(len(docs)) {
		docs = docs[:limit]
	}
	return docs
}

// Pipeline runs an aggregation pipeline of $match, $sort, $skip, $limit and
// $count stages over docs.
func Pipeline(docs []bson.Raw, pipeline any) ([]bson.Raw, error) {
	stages, err := ToArray(pipeline)
	if err != nil {
		return nil, err
	}

	out := append([]bson.Raw(nil), docs...)
	for _, s := range stages {
		stage, ok := s.DocumentOK()
		if !ok {
			return nil, errors.New("doccontext: pipeline stages must be documents")
		}
		elems, err := stage.Elements()
		if err != nil {
			return nil, err
		}
		if len(elems) != 1 {
			return nil, errors.New("doccontext: a pipeline stage holds exactly one operator")
		}
		op, arg := elems[0].Key(), elems[0].Value()

		switch op {
		case "$match":
			filter, ok := arg.DocumentOK()
			if !ok {
				return nil, errors.New("doccontext: $match needs a document")
			}
			if out, err = Filter(out, filter); err != nil {
				return nil, err
			}
		case "$sort":
			spec, ok := arg.DocumentOK()
			if !ok {
				return nil, errors.New("doccontext: $sort needs a document")
			}
			if err := Sort(out, spec); err != nil {
				return nil, err
			}
		case "$skip", "$limit":
			n, ok := number(arg)
			if !ok || n < 0 {
				return nil, errors.Newf("doccontext: %s needs a non-negative number", op)
			}
			if op == "$skip" {
				out = Window(out, int64(n), 0)
			} else {
				out = Window(out, 0, int64(n))
			}
		case "$count":
			name, ok := arg.StringValueOK()
			if !ok || name == "" {
				return nil, errors.New("doccontext: $count needs a field name")
			}
			doc, err := bson.Marshal(bson.D{{Key: name, Value: int32(len(out))}})
			if err != nil {
				return nil, err
			}
			out = []bson.Raw{doc}
		default:
			return nil, errors.Wrapf(driver.ErrUnsupported, "pipeline stage %s", op)
		}
	}
	return out, nil
}
