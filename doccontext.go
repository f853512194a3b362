// Package doccontext wires typed collections into a user defined context.
//
// A context type embeds [Context] and lists its collection fields through
// Bindings:
//
//	type ShopContext struct {
//	    doccontext.Context
//	    Orders *collection.Collection[Order]
//	    Scans  *files.Collection[Scan]
//	}
//
//	func (*ShopContext) Bindings() []doccontext.Binding[ShopContext] {
//	    return []doccontext.Binding[ShopContext]{
//	        doccontext.BindCollection(func(c *ShopContext) **collection.Collection[Order] { return &c.Orders }),
//	        doccontext.BindFiles(func(c *ShopContext) **files.Collection[Scan] { return &c.Scans }),
//	    }
//	}
//
//	shop, err := doccontext.New[ShopContext](ctx, client)
//
// The binding list of a context type is evaluated once per process and
// shape; later instances reuse the composed initializer.
package doccontext

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/jacentio/doccontext/collection"
	"github.com/jacentio/doccontext/driver"
	"github.com/jacentio/doccontext/files"
	"github.com/jacentio/doccontext/model"
)

// ErrClosed is returned when resolving collections on a closed context.
var ErrClosed = errors.New("doccontext: context already closed")

// Context is embedded by user context types. It owns the collections it
// wires and closes them in Close. It does not own the client.
type Context struct {
	client   driver.Client
	builder  *model.Builder
	logger   *slog.Logger
	collOpts []collection.Option
	provider files.Provider

	mu      sync.Mutex
	closers []func(context.Context) error
	closed  bool
}

// Holder is implemented by every type embedding Context.
type Holder interface {
	dbContext() *Context
}

func (c *Context) dbContext() *Context { return c }

// Client returns the store client.
func (c *Context) Client() driver.Client { return c.client }

// Builder returns the models declared by OnModelCreating.
func (c *Context) Builder() *model.Builder { return c.builder }

// Logger returns the context logger.
func (c *Context) Logger() *slog.Logger { return c.logger }

func (c *Context) track(closer func(context.Context) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.closers = append(c.closers, closer)
	return nil
}

// Close closes every collection resolved through the context, newest first.
// Closing twice is a no-op.
func (c *Context) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	closers := c.closers
	c.closers = nil
	c.mu.Unlock()

	var errs []error
	for _, closer := range slices.Backward(closers) {
		if err := closer(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ModelConfigurer is implemented by context types that declare models.
// OnModelCreating runs once per context instance on a fresh builder. An
// error it returns, or any declaration the builder rejected, fails New.
type ModelConfigurer interface {
	OnModelCreating(b *model.Builder) error
}

// ManualCollections is implemented by context types whose bindings are all
// assigned by hand.
type ManualCollections interface {
	ManualCollections()
}

type options struct {
	logger   *slog.Logger
	collOpts []collection.Option
	provider files.Provider
}

// Option configures New.
type Option func(*options)

// WithLogger sets the logger handed to every collection. nil keeps
// slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithCollectionOptions appends options applied to every wired collection.
func WithCollectionOptions(opts ...collection.Option) Option {
	return func(o *options) { o.collOpts = append(o.collOpts, opts...) }
}

// WithFileProvider sets the blob store of file collections. The default
// keeps files in memory.
func WithFileProvider(p files.Provider) Option {
	return func(o *options) { o.provider = p }
}

// New constructs a C, declares its models and wires its bindings.
func New[C any, PC interface {
	*C
	Holder
}](ctx context.Context, client driver.Client, opts ...Option) (*C, error) {
	if client == nil {
		return nil, collection.ErrNoClient
	}
	o := options{logger: slog.Default(), provider: files.MemoryProvider()}
	for _, opt := range opts {
		opt(&o)
	}

	c := new(C)
	dc := PC(c).dbContext()
	dc.client = client
	dc.logger = o.logger
	dc.provider = o.provider
	dc.collOpts = append([]collection.Option{collection.WithLogger(o.logger)}, o.collOpts...)
	dc.builder = model.NewBuilder()
	if mc, ok := any(c).(ModelConfigurer); ok {
		if err := mc.OnModelCreating(dc.builder); err != nil {
			return nil, errors.Wrapf(err, "declare models of %T", c)
		}
		if err := dc.builder.Err(); err != nil {
			return nil, errors.Wrapf(err, "declare models of %T", c)
		}
	}

	for _, shape := range shapes {
		if err := initializerFor[C](shape)(ctx, c, dc); err != nil {
			return nil, errors.CombineErrors(err, dc.Close(context.WithoutCancel(ctx)))
		}
	}
	return c, nil
}

// CollectionOf resolves a collection of T for h outside its bindings. The
// collection is closed with the context.
func CollectionOf[T collection.Document](ctx context.Context, h Holder) (*collection.Collection[T], error) {
	dc := h.dbContext()
	coll, err := collection.New(ctx, model.Resolve[T](dc.client, dc.builder), dc.collOpts...)
	if err != nil {
		return nil, err
	}
	if err := dc.track(coll.Close); err != nil {
		_ = coll.Close(ctx)
		return nil, err
	}
	return coll, nil
}

// FilesOf resolves the file bucket of T for h outside its bindings.
func FilesOf[T any](ctx context.Context, h Holder) (*files.Collection[T], error) {
	dc := h.dbContext()
	fc, err := files.New(ctx, model.Resolve[T](dc.client, dc.builder), dc.provider, files.WithLogger(dc.logger))
	if err != nil {
		return nil, err
	}
	if err := dc.track(fc.Close); err != nil {
		_ = fc.Close(ctx)
		return nil, err
	}
	return fc, nil
}
