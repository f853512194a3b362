// Package memory is an in-process document store implementing the driver
// interfaces with real session and transaction semantics.
//
// Transactions read committed data overlaid with their own writes and buffer
// writes until commit. A commit that finds a document changed since the
// transaction first wrote it fails with a write conflict labeled
// TransientTransactionError, the same way a replica set reports it. Unique,
// sparse and TTL indexes are enforced. Filters, updates and pipelines are
// evaluated with the subset documented in internal/docmatch.
//
// FailPoints inject labeled errors into named commands so retry paths can be
// exercised without a server.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/jacentio/doccontext/driver"
)

// Client is an in-process document store. The zero value is not usable; use
// NewClient.
type Client struct {
	mu         sync.Mutex
	namespaces *xsync.MapOf[string, *namespace]
	failPoints []*FailPoint
	version    uint64
	seq        uint64
	clock      bson.Timestamp
	closed     bool

	now func() time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithNow replaces the wall clock used to expire TTL indexed documents.
func WithNow(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// NewClient returns an empty store.
func NewClient(opts ...Option) *Client {
	c := &Client{
		namespaces: xsync.NewMapOf[string, *namespace](),
		now:        time.Now,
		clock:      bson.Timestamp{T: uint32(time.Now().Unix())},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var _ driver.Client = (*Client)(nil)

func (c *Client) Database(name string, prefs driver.Preferences) driver.Database {
	return &database{client: c, name: name, prefs: prefs}
}

func (c *Client) StartSession(ctx context.Context, opts driver.SessionOptions) (driver.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, driver.ErrDisconnected
	}
	if err := c.failLocked(CmdStartSession); err != nil {
		return nil, err
	}
	return newSession(c, opts), nil
}

func (c *Client) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return driver.ErrDisconnected
	}
	return c.failLocked(CmdPing)
}

// Disconnect closes the client. Stored data stays readable through Dump.
func (c *Client) Disconnect(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Dump returns the committed documents of a collection in insertion order.
func (c *Client) Dump(database, collection string) []bson.Raw {
	c.mu.Lock()
	defer c.mu.Unlock()
	ns, ok := c.namespaces.Load(nsName(database, collection))
	if !ok {
		return nil
	}
	var out []bson.Raw
	for _, e := range ns.committed() {
		out = append(out, e.doc)
	}
	return out
}

// Collections lists the namespaces ("db.collection") created so far.
func (c *Client) Collections() []string {
	var out []string
	c.namespaces.Range(func(name string, _ *namespace) bool {
		out = append(out, name)
		return true
	})
	return out
}

func (c *Client) ns(database, collection string) *namespace {
	ns, _ := c.namespaces.LoadOrCompute(nsName(database, collection), func() *namespace {
		return newNamespace(nsName(database, collection))
	})
	return ns
}

// tickLocked advances the cluster time and returns it.
func (c *Client) tickLocked() bson.Timestamp {
	now := uint32(c.now().Unix())
	if now > c.clock.T {
		c.clock = bson.Timestamp{T: now, I: 1}
	} else {
		c.clock.I++
	}
	return c.clock
}

func (c *Client) nextVersionLocked() uint64 {
	c.version++
	return c.version
}

func (c *Client) nextSeqLocked() uint64 {
	c.seq++
	return c.seq
}

type database struct {
	client *Client
	name   string
	prefs  driver.Preferences
}

func (d *database) Name() string { return d.name }

func (d *database) Collection(name string, prefs driver.Preferences) driver.Collection {
	return &collection{client: d.client, db: d.name, name: name, prefs: inherit(prefs, d.prefs)}
}

func (d *database) EnsureCollection(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.client.mu.Lock()
	defer d.client.mu.Unlock()
	if d.client.closed {
		return driver.ErrDisconnected
	}
	d.client.ns(d.name, name)
	return nil
}

func nsName(database, collection string) string {
	return database + "." + collection
}
