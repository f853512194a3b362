package dynamo

import (
	"slices"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/cockroachdb/errors"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/jacentio/doccontext/driver"
	"github.com/jacentio/doccontext/internal/docmatch"
	"github.com/jacentio/doccontext/internal/shard"
)

const (
	attrPK        = "pk"
	attrSK        = "sk"
	attrDoc       = "doc"
	attrVersion   = "version"
	attrTTL       = "ttl"
	attrDocPK     = "doc_pk"
	attrUniquePKs = "_unique_pks"

	constraintSK = "CONSTRAINT"

	// maxTransactItems is the DynamoDB limit on items per TransactWriteItems.
	maxTransactItems = 100
)

// record is the stored form of one document.
type record struct {
	PK        string   `dynamodbav:"pk"`
	Doc       []byte   `dynamodbav:"doc"`
	Version   int64    `dynamodbav:"version"`
	TTL       int64    `dynamodbav:"ttl,omitempty"`
	UniquePKs []string `dynamodbav:"_unique_pks,omitempty"`
}

// constraint reserves one unique index entry for the document stored under
// DocPK in Table.
type constraint struct {
	PK    string `dynamodbav:"pk"`
	SK    string `dynamodbav:"sk"`
	Table string `dynamodbav:"table_name"`
	Index string `dynamodbav:"index_name"`
	DocPK string `dynamodbav:"doc_pk"`
	TTL   int64  `dynamodbav:"ttl,omitempty"`
}

// stored is a live document read from a table.
type stored struct {
	pk        string
	doc       bson.Raw
	version   int64
	ttl       int64
	uniquePKs []string
}

func decodeRecord(item map[string]types.AttributeValue) (stored, error) {
	var rec record
	if err := attributevalue.UnmarshalMap(item, &rec); err != nil {
		return stored{}, errors.Wrap(err, "unmarshal item")
	}
	return stored{
		pk:        rec.PK,
		doc:       bson.Raw(rec.Doc),
		version:   rec.Version,
		ttl:       rec.TTL,
		uniquePKs: rec.UniquePKs,
	}, nil
}

func keyAttr(pk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrPK: &types.AttributeValueMemberS{Value: pk},
	}
}

func constraintKey(pk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrPK: &types.AttributeValueMemberS{Value: pk},
		attrSK: &types.AttributeValueMemberS{Value: constraintSK},
	}
}

// docPK is the partition key of doc: the stable string form of its _id.
func docPK(doc bson.Raw) (string, error) {
	id, err := doc.LookupErr(docmatch.IDField)
	if err != nil {
		return "", errors.New("doccontext: document has no _id")
	}
	return docmatch.KeyString(id), nil
}

// keyOnly reports whether filter selects a single _id by equality, returning
// its partition key.
func keyOnly(filter bson.Raw) (string, bool) {
	elems, err := filter.Elements()
	if err != nil || len(elems) != 1 || elems[0].Key() != docmatch.IDField {
		return "", false
	}
	v := elems[0].Value()
	if sub, ok := v.DocumentOK(); ok {
		inner, err := sub.Elements()
		if err != nil || len(inner) != 1 || inner[0].Key() != "$eq" {
			return "", false
		}
		v = inner[0].Value()
	}
	switch v.Type {
	case bson.TypeEmbeddedDocument, bson.TypeArray:
		return "", false
	}
	return docmatch.KeyString(v), true
}

// expiry returns the TTL attribute of doc in unix seconds: the earliest
// expiry of its TTL indexes rounded up, zero when none applies.
func expiry(doc bson.Raw, indexes []driver.IndexModel) int64 {
	var ttl int64
	for _, idx := range indexes {
		at, ok := docmatch.ExpiresAt(doc, idx)
		if !ok {
			continue
		}
		sec := (at.UnixMilli() + 999) / 1000
		if ttl == 0 || sec < ttl {
			ttl = sec
		}
	}
	return ttl
}

// constraintPKs returns the unique index entries doc holds in table, sorted.
func constraintPKs(table string, doc bson.Raw, indexes []driver.IndexModel) []string {
	var out []string
	for _, idx := range indexes {
		if !idx.Unique {
			continue
		}
		key, ok := docmatch.IndexKey(doc, idx)
		if !ok {
			continue
		}
		out = append(out, shard.ConstraintPK(table, idx.Name, key))
	}
	slices.Sort(out)
	return out
}

func constraintIndex(table, pk string, doc bson.Raw, indexes []driver.IndexModel) string {
	for _, idx := range indexes {
		if !idx.Unique {
			continue
		}
		if key, ok := docmatch.IndexKey(doc, idx); ok && shard.ConstraintPK(table, idx.Name, key) == pk {
			return idx.Name
		}
	}
	return ""
}

// itemKind classifies a transact item for error mapping.
type itemKind int

const (
	// kindCreate puts a document that must not exist yet.
	kindCreate itemKind = iota

	// kindVersioned replaces or deletes a document at an expected version.
	kindVersioned

	// kindAcquire reserves a unique index entry.
	kindAcquire

	// kindRelease frees a unique index entry.
	kindRelease
)

// write replaces the document stored under pk. A nil prev creates it; a nil
// next deletes it.
type write struct {
	table string
	pk    string
	prev  *stored
	next  bson.Raw
}

// transactItems converts writes into transact items: the unique index
// entries each write releases and acquires, then the document itself.
// Constraint entries carry the TTL of their document.
func (c *Client) transactItems(writes []*write, now time.Time) ([]types.TransactWriteItem, []itemKind, error) {
	var (
		items []types.TransactWriteItem
		kinds []itemKind
	)
	nowAttr := &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Unix(), 10)}

	for _, w := range writes {
		indexes := c.indexesOf(w.table)

		var held []string
		var version, heldTTL int64
		if w.prev != nil {
			held = w.prev.uniquePKs
			version = w.prev.version
			heldTTL = w.prev.ttl
		}
		var want []string
		var ttl int64
		if w.next != nil {
			want = constraintPKs(w.table, w.next, indexes)
			ttl = expiry(w.next, indexes)
		}

		for _, pk := range held {
			if slices.Contains(want, pk) {
				continue
			}
			items = append(items, types.TransactWriteItem{
				Delete: &types.Delete{
					TableName: aws.String(c.config.ConstraintTable),
					Key:       constraintKey(pk),
				},
			})
			kinds = append(kinds, kindRelease)
		}
		// Entries the document keeps are rewritten when its expiry moves.
		for _, pk := range want {
			if slices.Contains(held, pk) && ttl == heldTTL {
				continue
			}
			item, err := attributevalue.MarshalMap(constraint{
				PK:    pk,
				SK:    constraintSK,
				Table: w.table,
				Index: constraintIndex(w.table, pk, w.next, indexes),
				DocPK: w.pk,
				TTL:   ttl,
			})
			if err != nil {
				return nil, nil, errors.Wrap(err, "marshal constraint")
			}
			items = append(items, types.TransactWriteItem{
				Put: &types.Put{
					TableName: aws.String(c.config.ConstraintTable),
					Item:      item,
					// An expired holder no longer reserves the value.
					ConditionExpression:      aws.String("attribute_not_exists(pk) OR #ttl <= :now OR #doc = :doc"),
					ExpressionAttributeNames: map[string]string{"#ttl": attrTTL, "#doc": attrDocPK},
					ExpressionAttributeValues: map[string]types.AttributeValue{
						":now": nowAttr,
						":doc": &types.AttributeValueMemberS{Value: w.pk},
					},
				},
			})
			kinds = append(kinds, kindAcquire)
		}

		expected := &types.AttributeValueMemberN{Value: strconv.FormatInt(version, 10)}
		if w.next == nil {
			items = append(items, types.TransactWriteItem{
				Delete: &types.Delete{
					TableName:                 aws.String(w.table),
					Key:                       keyAttr(w.pk),
					ConditionExpression:       aws.String("#version = :expected"),
					ExpressionAttributeNames:  map[string]string{"#version": attrVersion},
					ExpressionAttributeValues: map[string]types.AttributeValue{":expected": expected},
				},
			})
			kinds = append(kinds, kindVersioned)
			continue
		}

		item, err := attributevalue.MarshalMap(record{
			PK:        w.pk,
			Doc:       w.next,
			Version:   version + 1,
			TTL:       ttl,
			UniquePKs: want,
		})
		if err != nil {
			return nil, nil, errors.Wrap(err, "marshal item")
		}
		put := &types.Put{
			TableName: aws.String(w.table),
			Item:      item,
		}
		if w.prev == nil {
			put.ConditionExpression = aws.String("attribute_not_exists(pk) OR #ttl <= :now")
			put.ExpressionAttributeNames = map[string]string{"#ttl": attrTTL}
			put.ExpressionAttributeValues = map[string]types.AttributeValue{":now": nowAttr}
			kinds = append(kinds, kindCreate)
		} else {
			put.ConditionExpression = aws.String("#version = :expected")
			put.ExpressionAttributeNames = map[string]string{"#version": attrVersion}
			put.ExpressionAttributeValues = map[string]types.AttributeValue{":expected": expected}
			kinds = append(kinds, kindVersioned)
		}
		items = append(items, types.TransactWriteItem{Put: put})
	}
	return items, kinds, nil
}
