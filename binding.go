package doccontext

import (
	"context"
	"reflect"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/jacentio/doccontext/collection"
	"github.com/jacentio/doccontext/files"
	"github.com/jacentio/doccontext/model"
)

// Shape is a kind of wired collection.
type Shape int

const (
	// ShapeCollection binds a *collection.Collection field.
	ShapeCollection Shape = iota + 1
	// ShapeFiles binds a *files.Collection field.
	ShapeFiles
)

var shapes = []Shape{ShapeCollection, ShapeFiles}

func (s Shape) String() string {
	switch s {
	case ShapeCollection:
		return "collection"
	case ShapeFiles:
		return "files"
	}
	return "unknown"
}

type initializer[C any] func(ctx context.Context, c *C, dc *Context) error

// Binding assigns one field of context type C.
type Binding[C any] struct {
	shape      Shape
	doc        reflect.Type
	suppressed bool
	init       initializer[C]
}

// Binder is implemented by context types declaring bindings.
type Binder[C any] interface {
	Bindings() []Binding[C]
}

// BindCollection binds the field returned by field to a collection of T.
func BindCollection[C any, T collection.Document](field func(*C) **collection.Collection[T]) Binding[C] {
	return Binding[C]{
		shape: ShapeCollection,
		doc:   reflect.TypeFor[T](),
		init: func(ctx context.Context, c *C, dc *Context) error {
			coll, err := CollectionOf[T](ctx, dc)
			if err != nil {
				return err
			}
			*field(c) = coll
			return nil
		},
	}
}

// BindFiles binds the field returned by field to the file bucket of T.
func BindFiles[C any, T any](field func(*C) **files.Collection[T]) Binding[C] {
	return Binding[C]{
		shape: ShapeFiles,
		doc:   reflect.TypeFor[T](),
		init: func(ctx context.Context, c *C, dc *Context) error {
			fc, err := FilesOf[T](ctx, dc)
			if err != nil {
				return err
			}
			*field(c) = fc
			return nil
		},
	}
}

// Suppress leaves the field for the caller to assign. A suppressed field
// that is never assigned stays nil.
func (b Binding[C]) Suppress() Binding[C] {
	b.suppressed = true
	return b
}

// Shape returns the kind of collection the binding wires.
func (b Binding[C]) Shape() Shape { return b.shape }

// DocumentType returns the bound document type.
func (b Binding[C]) DocumentType() reflect.Type { return b.doc }

// Suppressed reports whether New leaves the field to the caller.
func (b Binding[C]) Suppressed() bool { return b.suppressed }

// initializers caches the composed initializer of every context type and
// shape. Keys are types, never field names.
var (
	initializers = xsync.NewMapOf[reflect.Type, *xsync.MapOf[Shape, any]]()
	scans        atomic.Int64
)

func initializerFor[C any](shape Shape) initializer[C] {
	byShape, _ := initializers.LoadOrCompute(reflect.TypeFor[C](), func() *xsync.MapOf[Shape, any] {
		return xsync.NewMapOf[Shape, any]()
	})
	v, _ := byShape.LoadOrCompute(shape, func() any {
		return scan[C](shape)
	})
	return v.(initializer[C])
}

// scan evaluates the binding list of C for one shape and composes the
// initializers of the fields to wire.
func scan[C any](shape Shape) initializer[C] {
	scans.Add(1)

	var zero C
	if _, manual := any(&zero).(ManualCollections); manual {
		return func(context.Context, *C, *Context) error { return nil }
	}
	binder, ok := any(&zero).(Binder[C])
	if !ok {
		return func(context.Context, *C, *Context) error { return nil }
	}

	var (
		inits []initializer[C]
		docs  []reflect.Type
	)
	for _, b := range binder.Bindings() {
		if b.shape != shape || b.suppressed || b.init == nil {
			continue
		}
		inits = append(inits, b.init)
		docs = append(docs, b.doc)
	}
	return func(ctx context.Context, c *C, dc *Context) error {
		for i, init := range inits {
			if err := init(ctx, c, dc); err != nil {
				return errors.Wrapf(err, "bind %s of %s", shape, model.TypeName(docs[i]))
			}
		}
		dc.logger.Debug("context wired",
			"context", model.TypeName(reflect.TypeFor[C]()),
			"shape", shape.String(),
			"bindings", len(inits),
		)
		return nil
	}
}
