// Package mongodb implements the driver boundary on a MongoDB replica set
// through the official v2 driver.
package mongodb

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readconcern"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
	"go.mongodb.org/mongo-driver/v2/mongo/writeconcern"

	"github.com/jacentio/doccontext/driver"
)

// DefaultConnectTimeout bounds the initial ping in Connect.
const DefaultConnectTimeout = 10 * time.Second

// Client adapts a *mongo.Client.
type Client struct {
	mc *mongo.Client
}

var _ driver.Client = (*Client)(nil)

// ConnectOptions tune Connect.
type ConnectOptions struct {
	// AppName is reported to the server in the connection handshake.
	AppName string

	// Timeout is the client side operation timeout. It also bounds the
	// initial ping. Zero keeps DefaultConnectTimeout for the ping and no
	// operation timeout.
	Timeout time.Duration
}

// Connect dials uri and pings the primary.
func Connect(ctx context.Context, uri string, opts ConnectOptions) (*Client, error) {
	o := options.Client().ApplyURI(uri)
	if opts.AppName != "" {
		o.SetAppName(opts.AppName)
	}
	pingTimeout := DefaultConnectTimeout
	if opts.Timeout > 0 {
		o.SetTimeout(opts.Timeout)
		pingTimeout = opts.Timeout
	}
	mc, err := mongo.Connect(o)
	if err != nil {
		return nil, errors.Wrap(err, "connect mongodb")
	}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := mc.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = mc.Disconnect(context.WithoutCancel(ctx))
		return nil, errors.Wrap(err, "ping mongodb")
	}
	return &Client{mc: mc}, nil
}

// Wrap adapts an already connected client.
func Wrap(mc *mongo.Client) *Client {
	return &Client{mc: mc}
}

// Mongo returns the underlying client.
func (c *Client) Mongo() *mongo.Client { return c.mc }

func (c *Client) Database(name string, prefs driver.Preferences) driver.Database {
	o := options.Database()
	if rp := ReadPref(prefs.ReadPreference); rp != nil {
		o.SetReadPreference(rp)
	}
	if rc := ReadConcern(prefs.ReadConcern); rc != nil {
		o.SetReadConcern(rc)
	}
	if wc := WriteConcern(prefs.WriteConcern); wc != nil {
		o.SetWriteConcern(wc)
	}
	return &database{db: c.mc.Database(name, o)}
}

func (c *Client) StartSession(_ context.Context, opts driver.SessionOptions) (driver.Session, error) {
	o := options.Session().
		SetCausalConsistency(opts.CausalConsistency).
		SetDefaultTransactionOptions(transactionOptions(opts.DefaultTransaction))
	ms, err := c.mc.StartSession(o)
	if err != nil {
		return nil, errors.Wrap(err, "start session")
	}
	return newSession(ms), nil
}

func (c *Client) Ping(ctx context.Context) error {
	return c.mc.Ping(ctx, readpref.Primary())
}

func (c *Client) Disconnect(ctx context.Context) error {
	return c.mc.Disconnect(ctx)
}

type database struct {
	db *mongo.Database
}

func (d *database) Name() string { return d.db.Name() }

func (d *database) Collection(name string, prefs driver.Preferences) driver.Collection {
	o := options.Collection()
	if rp := ReadPref(prefs.ReadPreference); rp != nil {
		o.SetReadPreference(rp)
	}
	if rc := ReadConcern(prefs.ReadConcern); rc != nil {
		o.SetReadConcern(rc)
	}
	if wc := WriteConcern(prefs.WriteConcern); wc != nil {
		o.SetWriteConcern(wc)
	}
	return &collection{db: d.db, coll: d.db.Collection(name, o)}
}

// EnsureCollection creates the collection up front. Collections cannot be
// created implicitly inside a multi-document transaction on older servers.
func (d *database) EnsureCollection(ctx context.Context, name string) error {
	names, err := d.db.ListCollectionNames(ctx, bson.D{{Key: "name", Value: name}})
	if err != nil {
		return errors.Wrapf(err, "list collections of %s", d.db.Name())
	}
	if len(names) > 0 {
		return nil
	}
	err = d.db.CreateCollection(ctx, name)
	var ce mongo.CommandError
	if errors.As(err, &ce) && ce.Code == codeNamespaceExists {
		return nil
	}
	return errors.Wrapf(err, "create collection %s.%s", d.db.Name(), name)
}

const codeNamespaceExists = 48

// ReadPref maps a read preference, nil when unset.
func ReadPref(rp driver.ReadPreference) *readpref.ReadPref {
	switch rp {
	case driver.Primary:
		return readpref.Primary()
	case driver.PrimaryPreferred:
		return readpref.PrimaryPreferred()
	case driver.Secondary:
		return readpref.Secondary()
	case driver.SecondaryPreferred:
		return readpref.SecondaryPreferred()
	case driver.Nearest:
		return readpref.Nearest()
	}
	return nil
}

// ReadConcern maps a read concern, nil when unset.
func ReadConcern(rc driver.ReadConcern) *readconcern.ReadConcern {
	switch rc {
	case driver.ReadLocal:
		return readconcern.Local()
	case driver.ReadAvailable:
		return readconcern.Available()
	case driver.ReadMajority:
		return readconcern.Majority()
	case driver.ReadLinearizable:
		return readconcern.Linearizable()
	case driver.ReadSnapshot:
		return readconcern.Snapshot()
	}
	return nil
}

// WriteConcern maps a write concern, nil when unset.
func WriteConcern(wc driver.WriteConcern) *writeconcern.WriteConcern {
	if wc.IsZero() {
		return nil
	}
	out := &writeconcern.WriteConcern{}
	switch {
	case wc.Majority:
		out.W = "majority"
	case wc.W > 0:
		out.W = wc.W
	}
	if wc.Journal {
		j := true
		out.Journal = &j
	}
	return out
}

func transactionOptions(p driver.Preferences) *options.TransactionOptionsBuilder {
	o := options.Transaction()
	if rp := ReadPref(p.ReadPreference); rp != nil {
		o.SetReadPreference(rp)
	}
	if rc := ReadConcern(p.ReadConcern); rc != nil {
		o.SetReadConcern(rc)
	}
	if wc := WriteConcern(p.WriteConcern); wc != nil {
		o.SetWriteConcern(wc)
	}
	return o
}
