// Package stream handles DynamoDB Streams records of document tables.
//
// The DynamoDB driver reserves unique index entries in a shared constraint
// table. Deletes issued through the driver release them in the same
// transaction, but documents removed by the TTL reaper leave theirs behind
// until they expire. Handler releases them as soon as the removal shows up
// on the stream and hands every change to an optional listener.
package stream

import (
	"context"
	"log/slog"
	"strconv"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/cockroachdb/errors"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/jacentio/doccontext/driver/dynamo"
)

// Stream event names.
const (
	EventInsert = "INSERT"
	EventModify = "MODIFY"
	EventRemove = "REMOVE"
)

// Change is one document change read from a stream record.
type Change struct {
	Event string
	Table string

	// Key is the partition key of the document, the stable string form of
	// its _id.
	Key string

	// Old and New are the document before and after the change. Either is
	// nil when the stream view type does not carry it.
	Old bson.Raw
	New bson.Raw

	// Expired is set on removals made by the TTL reaper.
	Expired bool
}

// Listener receives document changes. An error fails the batch so the
// records are redelivered.
type Listener func(ctx context.Context, c Change) error

// Handler processes DynamoDB stream events of document tables.
type Handler struct {
	client   *dynamo.Client
	logger   *slog.Logger
	listener Listener
}

// Option configures a Handler.
type Option func(*Handler)

// WithListener sets the function called for every document change.
func WithListener(l Listener) Option {
	return func(h *Handler) { h.listener = l }
}

// NewHandler creates a new stream handler.
func NewHandler(c *dynamo.Client, logger *slog.Logger, opts ...Option) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		client: c,
		logger: logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Handle processes a batch of stream records. It is shaped to be used as an
// AWS Lambda handler.
func (h *Handler) Handle(ctx context.Context, event events.DynamoDBEvent) error {
	for _, record := range event.Records {
		if err := h.processRecord(ctx, record); err != nil {
			h.logger.Error("failed to process record",
				"eventID", record.EventID,
				"error", err,
			)
			return err // Will retry, eventually DLQ
		}
	}
	return nil
}

// processRecord processes a single DynamoDB stream record.
func (h *Handler) processRecord(ctx context.Context, record events.DynamoDBEventRecord) error {
	table := tableFromARN(record.EventSourceArn)

	// Constraint items carry a sort key; document items never do.
	if _, ok := record.Change.Keys[sortKey]; ok {
		return nil
	}
	if h.client != nil && table == h.client.Config().ConstraintTable {
		return nil
	}

	change := Change{
		Event:   record.EventName,
		Table:   table,
		Key:     getStringAttr(record.Change.Keys, partitionKey),
		Old:     documentAttr(record.Change.OldImage),
		New:     documentAttr(record.Change.NewImage),
		Expired: expiredByTTL(record),
	}
	if change.Key == "" {
		return errors.Newf("stream record %s has no partition key", record.EventID)
	}

	if change.Event == EventRemove {
		if err := h.release(ctx, change, record.Change.OldImage); err != nil {
			return err
		}
	}

	if h.listener != nil {
		if err := h.listener(ctx, change); err != nil {
			return errors.Wrapf(err, "listener for %s %s", change.Event, change.Key)
		}
	}
	return nil
}

// release frees the unique index entries the removed document held.
func (h *Handler) release(ctx context.Context, change Change, oldImage map[string]events.DynamoDBAttributeValue) error {
	uniquePKs := getStringListAttr(oldImage, uniquePKsAttr)
	if len(uniquePKs) == 0 || h.client == nil {
		return nil
	}

	h.logger.Info("releasing unique constraints",
		"table", change.Table,
		"key", change.Key,
		"expired", change.Expired,
		"ttl", getNumberAttr(oldImage, ttlAttr),
		"constraints", len(uniquePKs),
	)
	if err := h.client.ReleaseConstraints(ctx, change.Key, uniquePKs); err != nil {
		return errors.Wrapf(err, "release constraints of %s", change.Key)
	}
	return nil
}

const (
	partitionKey  = "pk"
	sortKey       = "sk"
	docAttr       = "doc"
	ttlAttr       = "ttl"
	uniquePKsAttr = "_unique_pks"

	ttlPrincipal = "dynamodb.amazonaws.com"
)

// expiredByTTL reports whether the TTL reaper removed the item.
func expiredByTTL(record events.DynamoDBEventRecord) bool {
	return record.EventName == EventRemove &&
		record.UserIdentity != nil &&
		record.UserIdentity.Type == "Service" &&
		record.UserIdentity.PrincipalID == ttlPrincipal
}

// tableFromARN extracts the table name from a stream ARN such as
// arn:aws:dynamodb:eu-west-1:123456789012:table/shop.orders/stream/2024-01-01T00:00:00.000.
func tableFromARN(arn string) string {
	_, rest, ok := strings.Cut(arn, ":table/")
	if !ok {
		return ""
	}
	table, _, _ := strings.Cut(rest, "/")
	return table
}

// documentAttr extracts the BSON document from a stream image.
func documentAttr(image map[string]events.DynamoDBAttributeValue) bson.Raw {
	if v, ok := image[docAttr]; ok && v.DataType() == events.DataTypeBinary {
		return bson.Raw(v.Binary())
	}
	return nil
}

// getStringAttr extracts a string attribute from a DynamoDB stream image.
func getStringAttr(image map[string]events.DynamoDBAttributeValue, key string) string {
	if v, ok := image[key]; ok && v.DataType() == events.DataTypeString {
		return v.String()
	}
	return ""
}

// getNumberAttr extracts a number attribute from a DynamoDB stream image.
func getNumberAttr(image map[string]events.DynamoDBAttributeValue, key string) int64 {
	if v, ok := image[key]; ok {
		if v.DataType() == events.DataTypeNumber {
			n, _ := strconv.ParseInt(v.Number(), 10, 64)
			return n
		}
	}
	return 0
}

// getStringListAttr extracts a string list attribute from a DynamoDB stream image.
func getStringListAttr(image map[string]events.DynamoDBAttributeValue, key string) []string {
	if v, ok := image[key]; ok {
		if v.DataType() == events.DataTypeList {
			var result []string
			for _, item := range v.List() {
				if item.DataType() == events.DataTypeString {
					result = append(result, item.String())
				}
			}
			return result
		}
	}
	return nil
}
