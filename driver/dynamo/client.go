// Package dynamo stores documents in DynamoDB tables.
//
// Every collection maps to one table keyed by the string form of the
// document _id. Items hold the BSON document, an optimistic lock version,
// the TTL attribute derived from TTL indexes and the unique index entries
// the document holds. Unique indexes are enforced through a shared
// constraint table written in the same TransactWriteItems request as the
// document, the way relational stores check a unique index on commit.
//
// Filters are evaluated client side over a (segmented) table scan, except
// for single _id equality which is a GetItem. Transactions buffer their
// writes and commit them in one TransactWriteItems request; a document
// changed by another writer since it was read fails the commit with a
// write conflict labeled TransientTransactionError.
//
// # Configuration
//
// Use [DefaultConfig] for small tables (single segment scans). Increase
// ScanSegments for large ones:
//
//	cfg := dynamo.DefaultConfig()
//	cfg.ScanSegments = 8
//	client := dynamo.New(dynamodb.NewFromConfig(awsCfg), cfg)
package dynamo

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/jacentio/doccontext/driver"
)

// DDBClient is the subset of the DynamoDB API the driver calls.
// *dynamodb.Client implements it.
type DDBClient interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
	UpdateTimeToLive(ctx context.Context, params *dynamodb.UpdateTimeToLiveInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateTimeToLiveOutput, error)
	ListTables(ctx context.Context, params *dynamodb.ListTablesInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ListTablesOutput, error)
}

var _ DDBClient = (*dynamodb.Client)(nil)

// Client is a document store over DynamoDB.
type Client struct {
	db     DDBClient
	config Config
	now    func() time.Time

	// indexes holds the declared indexes per table. DynamoDB has no
	// secondary unique indexes, so they live with the client.
	indexes *xsync.MapOf[string, []driver.IndexModel]
	ensured *xsync.MapOf[string, struct{}]
	ticks   atomic.Uint32
	closed  atomic.Bool
}

var _ driver.Client = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithNow replaces the wall clock used for TTL attributes and filters.
func WithNow(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// New creates a new Client.
func New(db DDBClient, config Config, opts ...Option) *Client {
	config.validate()
	c := &Client{
		db:      db,
		config:  config,
		now:     time.Now,
		indexes: xsync.NewMapOf[string, []driver.IndexModel](),
		ensured: xsync.NewMapOf[string, struct{}](),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Config returns the validated configuration.
func (c *Client) Config() Config { return c.config }

// TableName returns the table storing the named collection.
func (c *Client) TableName(database, collection string) string {
	return c.config.TablePrefix + database + "." + collection
}

func (c *Client) Database(name string, prefs driver.Preferences) driver.Database {
	return &database{client: c, name: name, prefs: prefs}
}

func (c *Client) StartSession(ctx context.Context, opts driver.SessionOptions) (driver.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.closed.Load() {
		return nil, driver.ErrDisconnected
	}
	return &session{client: c, id: uuid.NewString(), opts: opts}, nil
}

// Ping lists at most one table.
func (c *Client) Ping(ctx context.Context) error {
	if c.closed.Load() {
		return driver.ErrDisconnected
	}
	_, err := c.db.ListTables(ctx, &dynamodb.ListTablesInput{Limit: aws.Int32(1)})
	return errors.Wrap(err, "ping dynamodb")
}

// Disconnect marks the client closed. The underlying DynamoDB client holds
// no connections to release.
func (c *Client) Disconnect(context.Context) error {
	c.closed.Store(true)
	return nil
}

func (c *Client) indexesOf(table string) []driver.IndexModel {
	idx, _ := c.indexes.Load(table)
	return idx
}

// tick returns the next logical time observed by sessions.
func (c *Client) tick() bson.Timestamp {
	return bson.Timestamp{T: uint32(c.now().Unix()), I: c.ticks.Add(1)}
}

// commit writes writes in one TransactWriteItems request. A non-empty token
// makes the request idempotent so an unknown commit can be retried.
func (c *Client) commit(ctx context.Context, writes []*write, token string) error {
	items, kinds, err := c.transactItems(writes, c.now())
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}
	if len(items) > maxTransactItems {
		return errors.Wrapf(ErrTooManyWrites, "%d items", len(items))
	}
	input := &dynamodb.TransactWriteItemsInput{TransactItems: items}
	if token != "" {
		input.ClientRequestToken = aws.String(token)
	}
	_, err = c.db.TransactWriteItems(ctx, input)
	return mapTransactionError(err, kinds, token != "")
}

// apply stages writes in t, or commits them one document at a time when t
// is nil.
func (c *Client) apply(ctx context.Context, t *txn, writes []*write) error {
	if t != nil {
		for _, w := range writes {
			t.stage(w)
		}
		return nil
	}
	for _, w := range writes {
		if err := c.commit(ctx, []*write{w}, ""); err != nil {
			return err
		}
	}
	return nil
}

// ReleaseConstraints deletes the unique index entries listed in pks that are
// still held by the document stored under docPK. Entries since reserved by
// another document are left alone.
func (c *Client) ReleaseConstraints(ctx context.Context, docPK string, pks []string) error {
	for _, pk := range pks {
		_, err := c.db.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName:                 aws.String(c.config.ConstraintTable),
			Key:                       constraintKey(pk),
			ConditionExpression:       aws.String("#doc = :doc"),
			ExpressionAttributeNames:  map[string]string{"#doc": attrDocPK},
			ExpressionAttributeValues: map[string]types.AttributeValue{":doc": &types.AttributeValueMemberS{Value: docPK}},
		})
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			continue
		}
		if err != nil {
			return errors.Wrapf(err, "release constraint %s", pk)
		}
	}
	return nil
}

// ensureTable creates table if it does not exist, waits for it to become
// active and enables the TTL attribute.
func (c *Client) ensureTable(ctx context.Context, table string, withSortKey bool) error {
	if _, ok := c.ensured.Load(table); ok {
		return nil
	}
	_, err := c.db.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(table)})
	if err == nil {
		c.ensured.Store(table, struct{}{})
		return nil
	}
	var notFound *types.ResourceNotFoundException
	if !errors.As(err, &notFound) {
		return errors.Wrapf(err, "describe table %s", table)
	}

	input := &dynamodb.CreateTableInput{
		TableName:   aws.String(table),
		BillingMode: types.BillingModePayPerRequest,
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String(attrPK), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String(attrPK), KeyType: types.KeyTypeHash},
		},
	}
	if withSortKey {
		input.AttributeDefinitions = append(input.AttributeDefinitions,
			types.AttributeDefinition{AttributeName: aws.String(attrSK), AttributeType: types.ScalarAttributeTypeS})
		input.KeySchema = append(input.KeySchema,
			types.KeySchemaElement{AttributeName: aws.String(attrSK), KeyType: types.KeyTypeRange})
	}
	if _, err := c.db.CreateTable(ctx, input); err != nil {
		// Another process is creating it.
		var inUse *types.ResourceInUseException
		if !errors.As(err, &inUse) {
			return errors.Wrapf(err, "create table %s", table)
		}
	}

	waiter := dynamodb.NewTableExistsWaiter(c.db, func(o *dynamodb.TableExistsWaiterOptions) {
		o.MinDelay = time.Second
	})
	if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(table)}, c.config.TableWait); err != nil {
		return errors.Wrapf(err, "wait for table %s", table)
	}

	_, err = c.db.UpdateTimeToLive(ctx, &dynamodb.UpdateTimeToLiveInput{
		TableName: aws.String(table),
		TimeToLiveSpecification: &types.TimeToLiveSpecification{
			AttributeName: aws.String(attrTTL),
			Enabled:       aws.Bool(true),
		},
	})
	if err != nil {
		return errors.Wrapf(err, "enable ttl on %s", table)
	}
	c.ensured.Store(table, struct{}{})
	return nil
}

type database struct {
	client *Client
	name   string
	prefs  driver.Preferences
}

func (d *database) Name() string { return d.name }

func (d *database) Collection(name string, prefs driver.Preferences) driver.Collection {
	return &collection{
		client: d.client,
		name:   name,
		table:  d.client.TableName(d.name, name),
		prefs:  inherit(prefs, d.prefs),
	}
}

// EnsureCollection creates the collection table and the shared constraint
// table.
func (d *database) EnsureCollection(ctx context.Context, name string) error {
	if d.client.closed.Load() {
		return driver.ErrDisconnected
	}
	if err := d.client.ensureTable(ctx, d.client.TableName(d.name, name), false); err != nil {
		return err
	}
	return d.client.ensureTable(ctx, d.client.config.ConstraintTable, true)
}

func inherit(p, def driver.Preferences) driver.Preferences {
	if p.ReadPreference == "" {
		p.ReadPreference = def.ReadPreference
	}
	if p.ReadConcern == "" {
		p.ReadConcern = def.ReadConcern
	}
	if p.WriteConcern.IsZero() {
		p.WriteConcern = def.WriteConcern
	}
	return p
}
