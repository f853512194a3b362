package dynamo_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/jacentio/doccontext/driver"
	"github.com/jacentio/doccontext/driver/dynamo"
)

type mockDDB struct {
	mock.Mock
}

func (m *mockDDB) GetItem(ctx context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*dynamodb.GetItemOutput)
	return out, args.Error(1)
}

func (m *mockDDB) Scan(ctx context.Context, in *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*dynamodb.ScanOutput)
	return out, args.Error(1)
}

func (m *mockDDB) DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*dynamodb.DeleteItemOutput)
	return out, args.Error(1)
}

func (m *mockDDB) TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*dynamodb.TransactWriteItemsOutput)
	return out, args.Error(1)
}

func (m *mockDDB) DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*dynamodb.DescribeTableOutput)
	return out, args.Error(1)
}

func (m *mockDDB) CreateTable(ctx context.Context, in *dynamodb.CreateTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*dynamodb.CreateTableOutput)
	return out, args.Error(1)
}

func (m *mockDDB) UpdateTimeToLive(ctx context.Context, in *dynamodb.UpdateTimeToLiveInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateTimeToLiveOutput, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*dynamodb.UpdateTimeToLiveOutput)
	return out, args.Error(1)
}

func (m *mockDDB) ListTables(ctx context.Context, in *dynamodb.ListTablesInput, _ ...func(*dynamodb.Options)) (*dynamodb.ListTablesOutput, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*dynamodb.ListTablesOutput)
	return out, args.Error(1)
}

type item struct {
	ID    string `bson:"_id"`
	Email string `bson:"email,omitempty"`
	Qty   int    `bson:"qty"`
}

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func setup(t *testing.T, cfg dynamo.Config) (*dynamo.Client, *mockDDB, driver.Collection) {
	t.Helper()
	db := &mockDDB{}
	t.Cleanup(func() { db.AssertExpectations(t) })
	client := dynamo.New(db, cfg, dynamo.WithNow(func() time.Time { return fixedNow }))
	coll := client.Database("shop", driver.Preferences{}).Collection("items", driver.Preferences{})
	return client, db, coll
}

func storedItem(t *testing.T, doc item, version int64, extra map[string]types.AttributeValue) map[string]types.AttributeValue {
	t.Helper()
	raw, err := bson.Marshal(doc)
	require.NoError(t, err)
	av, err := attributevalue.MarshalMap(map[string]any{
		"pk":      "s:" + doc.ID,
		"doc":     []byte(raw),
		"version": version,
	})
	require.NoError(t, err)
	for k, v := range extra {
		av[k] = v
	}
	return av
}

func decode(t *testing.T, cur driver.Cursor) []item {
	t.Helper()
	out, err := driver.DecodeAll[item](context.Background(), cur)
	require.NoError(t, err)
	return out
}

func canceled(codes ...string) error {
	reasons := make([]types.CancellationReason, 0, len(codes))
	for _, c := range codes {
		reasons = append(reasons, types.CancellationReason{Code: aws.String(c)})
	}
	return &types.TransactionCanceledException{
		Message:             aws.String("Transaction cancelled"),
		CancellationReasons: reasons,
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := dynamo.DefaultConfig()
	assert.Equal(t, "doccontext_unique_constraints", cfg.ConstraintTable)
	assert.Equal(t, 1, cfg.ScanSegments)
	assert.Equal(t, 2*time.Minute, cfg.TableWait)

	client := dynamo.New(&mockDDB{}, dynamo.Config{ScanSegments: 500})
	assert.Equal(t, 64, client.Config().ScanSegments)
	assert.Equal(t, "doccontext_unique_constraints", client.Config().ConstraintTable)
	assert.Equal(t, "shop.items", client.TableName("shop", "items"))

	prefixed := dynamo.New(&mockDDB{}, dynamo.Config{TablePrefix: "dev_"})
	assert.Equal(t, "dev_shop.items", prefixed.TableName("shop", "items"))
}

func TestFind_ScanFiltersAndSorts(t *testing.T) {
	ctx := context.Background()
	_, db, coll := setup(t, dynamo.DefaultConfig())

	db.On("Scan", mock.Anything, mock.MatchedBy(func(in *dynamodb.ScanInput) bool {
		return aws.ToString(in.TableName) == "shop.items" &&
			aws.ToString(in.FilterExpression) == "attribute_not_exists(#ttl) OR #ttl > :now" &&
			in.Segment == nil
	})).Return(&dynamodb.ScanOutput{Items: []map[string]types.AttributeValue{
		storedItem(t, item{ID: "b", Qty: 9}, 1, nil),
		storedItem(t, item{ID: "a", Qty: 7}, 1, nil),
		storedItem(t, item{ID: "c", Qty: 1}, 1, nil),
	}}, nil).Once()

	cur, err := coll.Find(ctx, nil, bson.D{{Key: "qty", Value: bson.D{{Key: "$gt", Value: 5}}}}, driver.FindOptions{
		Sort: bson.D{{Key: "qty", Value: -1}},
	})
	require.NoError(t, err)
	assert.Equal(t, []item{{ID: "b", Qty: 9}, {ID: "a", Qty: 7}}, decode(t, cur))
}

func TestFind_KeyLookupUsesGetItem(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name       string
		prefs      driver.Preferences
		consistent bool
	}{
		{"primary", driver.Preferences{ReadPreference: driver.Primary}, true},
		{"unset", driver.Preferences{}, true},
		{"secondary", driver.Preferences{ReadPreference: driver.Secondary, ReadConcern: driver.ReadMajority}, false},
		{"local", driver.Preferences{ReadPreference: driver.Primary, ReadConcern: driver.ReadLocal}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := &mockDDB{}
			client := dynamo.New(db, dynamo.DefaultConfig(), dynamo.WithNow(func() time.Time { return fixedNow }))
			coll := client.Database("shop", tt.prefs).Collection("items", driver.Preferences{})

			db.On("GetItem", mock.Anything, mock.MatchedBy(func(in *dynamodb.GetItemInput) bool {
				pk, ok := in.Key["pk"].(*types.AttributeValueMemberS)
				return ok && pk.Value == "s:a" && aws.ToBool(in.ConsistentRead) == tt.consistent
			})).Return(&dynamodb.GetItemOutput{Item: storedItem(t, item{ID: "a", Qty: 2}, 1, nil)}, nil).Once()

			cur, err := coll.Find(ctx, nil, bson.D{{Key: "_id", Value: "a"}}, driver.FindOptions{})
			require.NoError(t, err)
			assert.Equal(t, []item{{ID: "a", Qty: 2}}, decode(t, cur))
			db.AssertExpectations(t)
		})
	}
}

func TestFind_HidesExpiredItems(t *testing.T) {
	ctx := context.Background()
	_, db, coll := setup(t, dynamo.DefaultConfig())

	expired := storedItem(t, item{ID: "a"}, 1, map[string]types.AttributeValue{
		"ttl": &types.AttributeValueMemberN{Value: fmt.Sprint(fixedNow.Add(-time.Minute).Unix())},
	})
	db.On("GetItem", mock.Anything, mock.Anything).Return(&dynamodb.GetItemOutput{Item: expired}, nil).Once()

	n, err := coll.CountDocuments(ctx, nil, bson.D{{Key: "_id", Value: "a"}})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestFind_ParallelSegments(t *testing.T) {
	ctx := context.Background()
	cfg := dynamo.DefaultConfig()
	cfg.ScanSegments = 3
	_, db, coll := setup(t, cfg)

	for seg, id := range []string{"c", "a", "b"} {
		db.On("Scan", mock.Anything, mock.MatchedBy(func(in *dynamodb.ScanInput) bool {
			return aws.ToInt32(in.TotalSegments) == 3 && in.Segment != nil && *in.Segment == int32(seg)
		})).Return(&dynamodb.ScanOutput{Items: []map[string]types.AttributeValue{
			storedItem(t, item{ID: id}, 1, nil),
		}}, nil).Once()
	}

	cur, err := coll.Find(ctx, nil, nil, driver.FindOptions{})
	require.NoError(t, err)
	assert.Equal(t, []item{{ID: "a"}, {ID: "b"}, {ID: "c"}}, decode(t, cur))
}

func TestInsert(t *testing.T) {
	ctx := context.Background()
	_, db, coll := setup(t, dynamo.DefaultConfig())

	db.On("TransactWriteItems", mock.Anything, mock.MatchedBy(func(in *dynamodb.TransactWriteItemsInput) bool {
		if len(in.TransactItems) != 1 || in.ClientRequestToken != nil {
			return false
		}
		put := in.TransactItems[0].Put
		return put != nil &&
			aws.ToString(put.TableName) == "shop.items" &&
			aws.ToString(put.ConditionExpression) == "attribute_not_exists(pk) OR #ttl <= :now"
	})).Return(&dynamodb.TransactWriteItemsOutput{}, nil).Once()

	require.NoError(t, coll.InsertOne(ctx, nil, item{ID: "a", Qty: 1}))
}

func TestInsert_DuplicateKey(t *testing.T) {
	ctx := context.Background()
	_, db, coll := setup(t, dynamo.DefaultConfig())

	db.On("TransactWriteItems", mock.Anything, mock.Anything).
		Return(nil, canceled("ConditionalCheckFailed")).Once()

	err := coll.InsertOne(ctx, nil, item{ID: "a"})
	assert.ErrorIs(t, err, driver.ErrDuplicateKey)
	assert.False(t, driver.IsTransient(err))
}

func TestInsertMany_RepeatedID(t *testing.T) {
	_, _, coll := setup(t, dynamo.DefaultConfig())
	err := coll.InsertMany(context.Background(), nil, []any{item{ID: "a"}, item{ID: "a"}})
	assert.ErrorIs(t, err, driver.ErrDuplicateKey)
}

func TestUniqueIndex_ReservesConstraint(t *testing.T) {
	ctx := context.Background()
	_, db, coll := setup(t, dynamo.DefaultConfig())

	require.NoError(t, coll.CreateIndexes(ctx, []driver.IndexModel{{
		Name:   "by_email",
		Keys:   bson.D{{Key: "email", Value: 1}},
		Unique: true,
	}}))

	var sent *dynamodb.TransactWriteItemsInput
	db.On("TransactWriteItems", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { sent = args.Get(1).(*dynamodb.TransactWriteItemsInput) }).
		Return(nil, canceled("ConditionalCheckFailed", "None")).Once()

	err := coll.InsertOne(ctx, nil, item{ID: "a", Email: "ada@example.com"})
	assert.ErrorIs(t, err, driver.ErrDuplicateKey)

	require.NotNil(t, sent)
	require.Len(t, sent.TransactItems, 2)
	constraint := sent.TransactItems[0].Put
	require.NotNil(t, constraint)
	assert.Equal(t, "doccontext_unique_constraints", aws.ToString(constraint.TableName))
	assert.Equal(t, &types.AttributeValueMemberS{Value: "s:a"}, constraint.Item["doc_pk"])
	assert.Equal(t, &types.AttributeValueMemberS{Value: "by_email"}, constraint.Item["index_name"])

	doc := sent.TransactItems[1].Put
	require.NotNil(t, doc)
	held, ok := doc.Item["_unique_pks"].(*types.AttributeValueMemberL)
	require.True(t, ok)
	require.Len(t, held.Value, 1)
	assert.Equal(t, constraint.Item["pk"], held.Value[0])
}

func TestCreateIndexes_Conflict(t *testing.T) {
	ctx := context.Background()
	_, _, coll := setup(t, dynamo.DefaultConfig())

	idx := driver.IndexModel{Name: "by_email", Keys: bson.D{{Key: "email", Value: 1}}, Unique: true}
	require.NoError(t, coll.CreateIndexes(ctx, []driver.IndexModel{idx}))
	require.NoError(t, coll.CreateIndexes(ctx, []driver.IndexModel{idx}))

	idx.Unique = false
	assert.Error(t, coll.CreateIndexes(ctx, []driver.IndexModel{idx}))
}

func TestUpdate_VersionedWrite(t *testing.T) {
	ctx := context.Background()
	_, db, coll := setup(t, dynamo.DefaultConfig())

	db.On("GetItem", mock.Anything, mock.Anything).
		Return(&dynamodb.GetItemOutput{Item: storedItem(t, item{ID: "a", Qty: 1}, 4, nil)}, nil).Once()
	db.On("TransactWriteItems", mock.Anything, mock.MatchedBy(func(in *dynamodb.TransactWriteItemsInput) bool {
		put := in.TransactItems[0].Put
		expected, ok := put.ExpressionAttributeValues[":expected"].(*types.AttributeValueMemberN)
		version, vok := put.Item["version"].(*types.AttributeValueMemberN)
		return ok && vok && expected.Value == "4" && version.Value == "5"
	})).Return(nil, canceled("ConditionalCheckFailed")).Once()

	res, err := coll.UpdateOne(ctx, nil, bson.D{{Key: "_id", Value: "a"}}, bson.D{{Key: "$inc", Value: bson.D{{Key: "qty", Value: 1}}}}, false)
	assert.ErrorIs(t, err, driver.ErrWriteConflict)
	assert.True(t, driver.IsTransient(err))
	assert.Equal(t, int64(1), res.MatchedCount)
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	_, db, coll := setup(t, dynamo.DefaultConfig())

	db.On("Scan", mock.Anything, mock.Anything).Return(&dynamodb.ScanOutput{Items: []map[string]types.AttributeValue{
		storedItem(t, item{ID: "a", Qty: 1}, 2, nil),
		storedItem(t, item{ID: "b", Qty: 1}, 1, nil),
		storedItem(t, item{ID: "c", Qty: 3}, 1, nil),
	}}, nil).Once()
	db.On("TransactWriteItems", mock.Anything, mock.MatchedBy(func(in *dynamodb.TransactWriteItemsInput) bool {
		return len(in.TransactItems) == 1 && in.TransactItems[0].Delete != nil
	})).Return(&dynamodb.TransactWriteItemsOutput{}, nil).Twice()

	n, err := coll.DeleteMany(ctx, nil, bson.D{{Key: "qty", Value: 1}})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestTransaction_BuffersAndCommitsOnce(t *testing.T) {
	ctx := context.Background()
	client, db, coll := setup(t, dynamo.DefaultConfig())

	sess, err := client.StartSession(ctx, driver.SessionOptions{CausalConsistency: true})
	require.NoError(t, err)
	defer sess.EndSession(ctx)
	require.NoError(t, sess.StartTransaction(driver.TransactionOptions{}))

	require.NoError(t, coll.InsertOne(ctx, sess, item{ID: "a", Qty: 1}))

	db.On("Scan", mock.Anything, mock.MatchedBy(func(in *dynamodb.ScanInput) bool {
		return aws.ToBool(in.ConsistentRead)
	})).Return(&dynamodb.ScanOutput{}, nil).Once()
	cur, err := coll.Find(ctx, sess, nil, driver.FindOptions{})
	require.NoError(t, err)
	assert.Equal(t, []item{{ID: "a", Qty: 1}}, decode(t, cur), "reads see the transaction's own writes")

	db.On("GetItem", mock.Anything, mock.Anything).Return(&dynamodb.GetItemOutput{}, nil).Once()
	res, err := coll.UpdateOne(ctx, sess, bson.D{{Key: "_id", Value: "a"}}, bson.D{{Key: "$set", Value: bson.D{{Key: "qty", Value: 2}}}}, false)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.ModifiedCount)

	var sent *dynamodb.TransactWriteItemsInput
	db.On("TransactWriteItems", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { sent = args.Get(1).(*dynamodb.TransactWriteItemsInput) }).
		Return(&dynamodb.TransactWriteItemsOutput{}, nil).Once()

	require.NoError(t, sess.CommitTransaction(ctx))
	require.NotNil(t, sent)
	assert.NotEmpty(t, aws.ToString(sent.ClientRequestToken))
	require.Len(t, sent.TransactItems, 1)

	put := sent.TransactItems[0].Put
	require.NotNil(t, put)
	var rec struct {
		Doc []byte `dynamodbav:"doc"`
	}
	require.NoError(t, attributevalue.UnmarshalMap(put.Item, &rec))
	var got item
	require.NoError(t, bson.Unmarshal(rec.Doc, &got))
	assert.Equal(t, item{ID: "a", Qty: 2}, got)

	assert.False(t, sess.InTransaction())
	assert.False(t, sess.Clock().IsZero())
	require.NoError(t, sess.CommitTransaction(ctx), "retrying a successful commit is a no-op")
}

func TestTransaction_InsertThenDeleteCancels(t *testing.T) {
	ctx := context.Background()
	client, db, coll := setup(t, dynamo.DefaultConfig())

	sess, err := client.StartSession(ctx, driver.SessionOptions{})
	require.NoError(t, err)
	require.NoError(t, sess.StartTransaction(driver.TransactionOptions{}))

	require.NoError(t, coll.InsertOne(ctx, sess, item{ID: "a"}))
	db.On("GetItem", mock.Anything, mock.Anything).Return(&dynamodb.GetItemOutput{}, nil).Once()
	n, err := coll.DeleteOne(ctx, sess, bson.D{{Key: "_id", Value: "a"}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, sess.CommitTransaction(ctx))
	db.AssertNotCalled(t, "TransactWriteItems", mock.Anything, mock.Anything)
}

func TestTransaction_WriteConflictAborts(t *testing.T) {
	ctx := context.Background()
	client, db, coll := setup(t, dynamo.DefaultConfig())

	sess, err := client.StartSession(ctx, driver.SessionOptions{})
	require.NoError(t, err)
	require.NoError(t, sess.StartTransaction(driver.TransactionOptions{}))

	db.On("GetItem", mock.Anything, mock.Anything).
		Return(&dynamodb.GetItemOutput{Item: storedItem(t, item{ID: "a", Qty: 1}, 3, nil)}, nil).Once()
	_, err = coll.ReplaceOne(ctx, sess, bson.D{{Key: "_id", Value: "a"}}, item{ID: "a", Qty: 5}, false)
	require.NoError(t, err)

	db.On("TransactWriteItems", mock.Anything, mock.Anything).Return(nil, canceled("ConditionalCheckFailed")).Once()
	err = sess.CommitTransaction(ctx)
	assert.ErrorIs(t, err, driver.ErrWriteConflict)
	assert.True(t, driver.IsTransient(err))
	assert.False(t, sess.InTransaction())
	assert.ErrorIs(t, sess.AbortTransaction(ctx), driver.ErrNoTransaction)
}

func TestTransaction_UnknownCommitResultRetriesWithSameToken(t *testing.T) {
	ctx := context.Background()
	client, db, coll := setup(t, dynamo.DefaultConfig())

	sess, err := client.StartSession(ctx, driver.SessionOptions{})
	require.NoError(t, err)
	require.NoError(t, sess.StartTransaction(driver.TransactionOptions{}))
	require.NoError(t, coll.InsertOne(ctx, sess, item{ID: "a"}))

	var tokens []string
	record := func(args mock.Arguments) {
		tokens = append(tokens, aws.ToString(args.Get(1).(*dynamodb.TransactWriteItemsInput).ClientRequestToken))
	}
	db.On("TransactWriteItems", mock.Anything, mock.Anything).Run(record).
		Return(nil, &types.InternalServerError{Message: aws.String("try again")}).Once()
	db.On("TransactWriteItems", mock.Anything, mock.Anything).Run(record).
		Return(&dynamodb.TransactWriteItemsOutput{}, nil).Once()

	err = sess.CommitTransaction(ctx)
	assert.True(t, driver.IsUnknownCommitResult(err))
	assert.True(t, sess.InTransaction())

	require.NoError(t, sess.CommitTransaction(ctx))
	require.Len(t, tokens, 2)
	assert.Equal(t, tokens[0], tokens[1])
}

func TestTransaction_TooManyWrites(t *testing.T) {
	ctx := context.Background()
	client, _, coll := setup(t, dynamo.DefaultConfig())

	sess, err := client.StartSession(ctx, driver.SessionOptions{})
	require.NoError(t, err)
	require.NoError(t, sess.StartTransaction(driver.TransactionOptions{}))

	docs := make([]any, 101)
	for i := range docs {
		docs[i] = item{ID: fmt.Sprintf("d%03d", i)}
	}
	require.NoError(t, coll.InsertMany(ctx, sess, docs))
	assert.ErrorIs(t, sess.CommitTransaction(ctx), dynamo.ErrTooManyWrites)
}

func TestSession_Rules(t *testing.T) {
	ctx := context.Background()
	client, _, coll := setup(t, dynamo.DefaultConfig())

	sess, err := client.StartSession(ctx, driver.SessionOptions{})
	require.NoError(t, err)

	assert.ErrorIs(t, sess.CommitTransaction(ctx), driver.ErrNoTransaction)
	assert.Error(t, sess.StartTransaction(driver.TransactionOptions{
		Preferences: driver.Preferences{ReadPreference: driver.Secondary},
	}))
	require.NoError(t, sess.StartTransaction(driver.TransactionOptions{}))
	assert.ErrorIs(t, sess.StartTransaction(driver.TransactionOptions{}), driver.ErrTransactionInProgress)

	sess.EndSession(ctx)
	assert.True(t, sess.Ended())
	assert.False(t, sess.InTransaction())
	assert.ErrorIs(t, coll.InsertOne(ctx, sess, item{ID: "a"}), driver.ErrSessionEnded)
}

func TestEnsureCollection_CreatesTables(t *testing.T) {
	ctx := context.Background()
	client, db, _ := setup(t, dynamo.DefaultConfig())

	notFound := &types.ResourceNotFoundException{Message: aws.String("no table")}
	active := &dynamodb.DescribeTableOutput{Table: &types.TableDescription{TableStatus: types.TableStatusActive}}
	byName := func(name string) any {
		return mock.MatchedBy(func(in *dynamodb.DescribeTableInput) bool { return aws.ToString(in.TableName) == name })
	}

	db.On("DescribeTable", mock.Anything, byName("shop.items")).Return(nil, notFound).Once()
	db.On("CreateTable", mock.Anything, mock.MatchedBy(func(in *dynamodb.CreateTableInput) bool {
		return aws.ToString(in.TableName) == "shop.items" && len(in.KeySchema) == 1 &&
			in.BillingMode == types.BillingModePayPerRequest
	})).Return(&dynamodb.CreateTableOutput{}, nil).Once()
	db.On("DescribeTable", mock.Anything, byName("shop.items")).Return(active, nil).Once()
	db.On("UpdateTimeToLive", mock.Anything, mock.MatchedBy(func(in *dynamodb.UpdateTimeToLiveInput) bool {
		return aws.ToString(in.TimeToLiveSpecification.AttributeName) == "ttl" &&
			aws.ToBool(in.TimeToLiveSpecification.Enabled)
	})).Return(&dynamodb.UpdateTimeToLiveOutput{}, nil).Once()
	db.On("DescribeTable", mock.Anything, byName("doccontext_unique_constraints")).Return(active, nil).Once()

	database := client.Database("shop", driver.Preferences{})
	require.NoError(t, database.EnsureCollection(ctx, "items"))
	// Known tables are not described again.
	require.NoError(t, database.EnsureCollection(ctx, "items"))
}

func TestEstimatedDocumentCount(t *testing.T) {
	ctx := context.Background()
	_, db, coll := setup(t, dynamo.DefaultConfig())

	db.On("DescribeTable", mock.Anything, mock.Anything).Return(&dynamodb.DescribeTableOutput{
		Table: &types.TableDescription{ItemCount: aws.Int64(42)},
	}, nil).Once()

	n, err := coll.EstimatedDocumentCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(42), n)
}

func TestAggregate(t *testing.T) {
	ctx := context.Background()
	_, db, coll := setup(t, dynamo.DefaultConfig())

	db.On("Scan", mock.Anything, mock.Anything).Return(&dynamodb.ScanOutput{Items: []map[string]types.AttributeValue{
		storedItem(t, item{ID: "a", Qty: 1}, 1, nil),
		storedItem(t, item{ID: "b", Qty: 4}, 1, nil),
		storedItem(t, item{ID: "c", Qty: 6}, 1, nil),
	}}, nil).Once()

	cur, err := coll.Aggregate(ctx, nil, bson.A{
		bson.D{{Key: "$match", Value: bson.D{{Key: "qty", Value: bson.D{{Key: "$gte", Value: 4}}}}}},
		bson.D{{Key: "$count", Value: "n"}},
	})
	require.NoError(t, err)
	out, err := driver.DecodeAll[struct {
		N int32 `bson:"n"`
	}](ctx, cur)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, int32(2), out[0].N)

	_, err = coll.MapReduce(ctx, nil, driver.MapReduceSpec{Map: "function() {}", Reduce: "function() {}"})
	assert.ErrorIs(t, err, driver.ErrUnsupported)
}

func TestReleaseConstraints(t *testing.T) {
	ctx := context.Background()
	client, db, _ := setup(t, dynamo.DefaultConfig())

	db.On("DeleteItem", mock.Anything, mock.MatchedBy(func(in *dynamodb.DeleteItemInput) bool {
		pk := in.Key["pk"].(*types.AttributeValueMemberS)
		return pk.Value == "k1"
	})).Return(&dynamodb.DeleteItemOutput{}, nil).Once()
	db.On("DeleteItem", mock.Anything, mock.MatchedBy(func(in *dynamodb.DeleteItemInput) bool {
		pk := in.Key["pk"].(*types.AttributeValueMemberS)
		return pk.Value == "k2"
	})).Return(nil, &types.ConditionalCheckFailedException{Message: aws.String("held by another document")}).Once()

	require.NoError(t, client.ReleaseConstraints(ctx, "s:a", []string{"k1", "k2"}))
}

func TestDisconnect(t *testing.T) {
	ctx := context.Background()
	client, _, coll := setup(t, dynamo.DefaultConfig())

	require.NoError(t, client.Disconnect(ctx))
	_, err := coll.Find(ctx, nil, nil, driver.FindOptions{})
	assert.ErrorIs(t, err, driver.ErrDisconnected)
	_, err = client.StartSession(ctx, driver.SessionOptions{})
	assert.ErrorIs(t, err, driver.ErrDisconnected)
	assert.ErrorIs(t, client.Ping(ctx), driver.ErrDisconnected)
}
