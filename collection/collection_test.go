package collection_test

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	"golang.org/x/sync/errgroup"

	"github.com/jacentio/doccontext/collection"
	"github.com/jacentio/doccontext/driver"
	"github.com/jacentio/doccontext/driver/memory"
	"github.com/jacentio/doccontext/internal/retry"
	"github.com/jacentio/doccontext/model"
)

type Order struct {
	ID       string `bson:"_id"`
	Customer string `bson:"customer"`
	Total    int32  `bson:"total"`
}

func (o Order) DocumentKey() any { return o.ID }

type Ticket struct {
	Code  string `bson:"code"`
	Title string `bson:"title"`
}

func (t Ticket) DocumentKey() any { return t.Code }
func (Ticket) KeyName() string    { return "code" }

type Keyless struct {
	Name string `bson:"name"`
}

func (k Keyless) DocumentKey() any { return k.Name }
func (Keyless) KeyName() string    { return "" }

func fastPolicy() retry.Policy {
	return retry.Policy{Attempts: 5, Base: time.Millisecond, Factor: 2}
}

func open[T collection.Document](t *testing.T, client driver.Client, b *model.Builder, opts ...collection.Option) *collection.Collection[T] {
	t.Helper()
	opts = append([]collection.Option{
		collection.WithRetryPolicy(fastPolicy()),
		collection.WithCommitRetryPolicy(fastPolicy()),
	}, opts...)
	c, err := collection.New(context.Background(), model.Resolve[T](client, b), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return c
}

func TestNew_DefaultNames(t *testing.T) {
	client := memory.NewClient()
	orders := open[Order](t, client, nil)

	assert.Equal(t, "orderdb", orders.Database())
	assert.Equal(t, "orders", orders.Name())
	assert.Contains(t, client.Collections(), "orderdb.orders")
}

func TestNew_DeclaredModel(t *testing.T) {
	client := memory.NewClient()
	b := model.NewBuilder()
	d := model.Document[Order](b).WithDatabase("shop").WithCollection("purchases")
	require.NoError(t, d.DefineIndex(model.IndexSpec{
		Name:   "by_customer",
		Keys:   bson.D{{Key: "customer", Value: 1}},
		Unique: true,
	}))

	orders := open[Order](t, client, b)
	assert.Equal(t, "shop", orders.Database())
	assert.Equal(t, "purchases", orders.Name())

	ctx := context.Background()
	_, err := orders.Insert(ctx, Order{ID: "1", Customer: "ada"})
	require.NoError(t, err)
	_, err = orders.Insert(ctx, Order{ID: "2", Customer: "ada"})
	assert.True(t, errors.Is(err, driver.ErrDuplicateKey))
}

func TestNew_WithoutAutoIndex(t *testing.T) {
	client := memory.NewClient()
	b := model.NewBuilder()
	require.NoError(t, model.Document[Order](b).DefineIndex(model.IndexSpec{
		Name:   "by_customer",
		Keys:   bson.D{{Key: "customer", Value: 1}},
		Unique: true,
	}))

	orders := open[Order](t, client, b, collection.WithoutAutoIndex())
	ctx := context.Background()
	_, err := orders.Insert(ctx, Order{ID: "1", Customer: "ada"})
	require.NoError(t, err)
	_, err = orders.Insert(ctx, Order{ID: "2", Customer: "ada"})
	require.NoError(t, err)

	assert.Error(t, orders.EnsureIndexes(ctx), "existing duplicates block the unique index")
}

func TestNew_ClosedSource(t *testing.T) {
	src := model.Resolve[Order](memory.NewClient(), nil)
	src.Close()
	_, err := collection.New(context.Background(), src)
	assert.ErrorIs(t, err, collection.ErrNoClient)
}

func TestCRUD(t *testing.T) {
	ctx := context.Background()
	orders := open[Order](t, memory.NewClient(), nil)

	require.NoError(t, orders.InsertMany(ctx, []Order{
		{ID: "1", Customer: "ada", Total: 10},
		{ID: "2", Customer: "bob", Total: 30},
		{ID: "3", Customer: "ada", Total: 20},
	}))
	require.NoError(t, orders.InsertMany(ctx, nil))

	got, ok, err := orders.FindByKey(ctx, "2")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "bob", got.Customer)

	_, ok, err = orders.FindByKey(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	ada, err := orders.Find(ctx, bson.M{"customer": "ada"}, collection.SortBy(bson.D{{Key: "total", Value: -1}}))
	require.NoError(t, err)
	require.Len(t, ada, 2)
	assert.Equal(t, "3", ada[0].ID)

	first, ok, err := orders.FindOne(ctx, bson.M{"total": bson.M{"$gt": 15}})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "2", first.ID)

	require.NoError(t, orders.ReplaceByKey(ctx, Order{ID: "1", Customer: "ada", Total: 99}))
	got, _, err = orders.FindByKey(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, int32(99), got.Total)

	require.NoError(t, orders.ReplaceOne(ctx, bson.M{"_id": "4"}, Order{ID: "4", Customer: "cy"}, true))

	res, err := orders.UpdateMany(ctx, bson.M{"customer": "ada"}, bson.M{"$inc": bson.M{"total": int32(1)}}, false)
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.ModifiedCount)

	res, err = orders.UpdateOne(ctx, bson.M{"_id": "5"}, bson.M{"$set": bson.M{"customer": "dee"}}, true)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.UpsertedCount)

	n, err := orders.Count(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	n, err = orders.DeleteByKey(ctx, Order{ID: "5"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = orders.DeleteOne(ctx, bson.M{"customer": "cy"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	est, err := orders.EstimatedCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), est)

	n, err = orders.DeleteMany(ctx, bson.M{"customer": "ada"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestDeleteManyByKey(t *testing.T) {
	ctx := context.Background()
	orders := open[Order](t, memory.NewClient(), nil)
	require.NoError(t, orders.InsertMany(ctx, []Order{{ID: "1"}, {ID: "2"}, {ID: "3"}, {ID: "10"}}))

	n, err := orders.DeleteManyByKey(ctx, []Order{{ID: "1"}, {ID: "3"}, {ID: "nope"}})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	rest, err := orders.GetAll(ctx, 1)
	require.NoError(t, err)
	ids := []string{rest[0].ID, rest[1].ID}
	assert.ElementsMatch(t, []string{"2", "10"}, ids)

	n, err = orders.DeleteManyByKey(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestKeyName(t *testing.T) {
	ctx := context.Background()
	client := memory.NewClient()

	tickets := open[Ticket](t, client, nil)
	_, err := tickets.Insert(ctx, Ticket{Code: "T-1", Title: "first"})
	require.NoError(t, err)
	got, ok, err := tickets.FindByKey(ctx, "T-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "first", got.Title)

	n, err := tickets.DeleteManyByKey(ctx, []Ticket{{Code: "T-1"}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	keyless := open[Keyless](t, client, nil)
	_, _, err = keyless.FindByKey(ctx, "x")
	assert.True(t, errors.Is(err, model.ErrNoKey))
	_, err = keyless.DeleteManyByKey(ctx, []Keyless{{Name: "x"}})
	assert.True(t, errors.Is(err, model.ErrNoKey))
	assert.True(t, errors.Is(keyless.ReplaceByKey(ctx, Keyless{Name: "x"}), model.ErrNoKey))
}

func TestGet_Paging(t *testing.T) {
	ctx := context.Background()
	b := model.NewBuilder()
	model.Document[Order](b).DefineFindOptions(model.FindDefaults{BatchSize: 2})
	orders := open[Order](t, memory.NewClient(), b)

	docs := make([]Order, collection.PageSize+3)
	for i := range docs {
		docs[i] = Order{ID: fmt.Sprint(i), Total: int32(i)}
	}
	require.NoError(t, orders.InsertMany(ctx, docs))

	byTotal := collection.SortBy(bson.D{{Key: "total", Value: 1}})
	tests := []struct {
		page  int
		count int
		first string
	}{
		{page: 0, count: collection.PageSize, first: "0"},
		{page: 1, count: collection.PageSize, first: "0"},
		{page: 2, count: 3, first: fmt.Sprint(collection.PageSize)},
		{page: 3, count: 0},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("page %d", tt.page), func(t *testing.T) {
			got, err := orders.Get(ctx, tt.page, nil, byTotal)
			require.NoError(t, err)
			require.Len(t, got, tt.count, "page size must not follow the batch size")
			if tt.count > 0 {
				assert.Equal(t, tt.first, got[0].ID)
			}
		})
	}
}

func TestRunTransaction_ErrorRollsBack(t *testing.T) {
	ctx := context.Background()
	orders := open[Order](t, memory.NewClient(), nil)

	boom := errors.New("boom")
	err := orders.RunTransaction(ctx, func(ctx context.Context) error {
		if _, err := orders.Insert(ctx, Order{ID: "D"}); err != nil {
			return err
		}
		_, found, err := orders.FindByKey(ctx, "D")
		require.NoError(t, err)
		require.True(t, found, "own write visible inside the transaction")
		return boom
	})
	assert.Same(t, boom, err)

	_, found, err := orders.FindByKey(ctx, "D")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRunTransaction_CommitVisible(t *testing.T) {
	ctx := context.Background()
	client := memory.NewClient()
	orders := open[Order](t, client, nil)
	tickets := open[Ticket](t, client, nil)

	err := orders.RunTransaction(ctx, func(ctx context.Context) error {
		if _, err := orders.Insert(ctx, Order{ID: "1", Customer: "ada"}); err != nil {
			return err
		}
		_, err := tickets.Insert(ctx, Ticket{Code: "T-1"})
		return err
	})
	require.NoError(t, err)

	_, found, err := orders.FindByKey(ctx, "1")
	require.NoError(t, err)
	assert.True(t, found)
	_, found, err = tickets.FindByKey(ctx, "T-1")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestRunTransaction_TransientRerunsWork(t *testing.T) {
	ctx := context.Background()
	client := memory.NewClient()
	metrics := &collection.BasicMetricsCollector{}
	orders := open[Order](t, client, nil, collection.WithMetrics(metrics))

	client.FailCommand(&memory.FailPoint{
		Command: memory.CmdCommit,
		Times:   2,
		Labels:  []string{driver.TransientTransactionError},
	})

	var calls atomic.Int32
	err := orders.RunTransaction(ctx, func(ctx context.Context) error {
		calls.Add(1)
		_, err := orders.Insert(ctx, Order{ID: "1"})
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())

	n, err := orders.Count(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	stats := metrics.GetStats()
	assert.Equal(t, int64(1), stats.Transactions)
	assert.Equal(t, int64(3), stats.TransactionAttempts)
	assert.Equal(t, int64(2), stats.TransactionRetries)
}

func TestRunTransaction_TransientFromWork(t *testing.T) {
	ctx := context.Background()
	orders := open[Order](t, memory.NewClient(), nil)

	var calls int
	err := orders.RunTransaction(ctx, func(ctx context.Context) error {
		calls++
		if _, err := orders.Insert(ctx, Order{ID: "1"}); err != nil {
			return err
		}
		if calls == 1 {
			return driver.WithLabels(errors.New("network blip"), driver.TransientTransactionError)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)

	n, err := orders.Count(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "the first attempt's insert was rolled back")
}

func TestRunTransaction_TransientExhausted(t *testing.T) {
	ctx := context.Background()
	client := memory.NewClient()
	orders := open[Order](t, client, nil)

	client.FailCommand(&memory.FailPoint{
		Command: memory.CmdCommit,
		Times:   100,
		Labels:  []string{driver.TransientTransactionError},
	})

	var calls int
	err := orders.RunTransaction(ctx, func(ctx context.Context) error {
		calls++
		_, err := orders.Insert(ctx, Order{ID: "1"})
		return err
	})
	require.Error(t, err)
	assert.True(t, driver.IsTransient(err))
	assert.Equal(t, 5, calls)

	_, found, err := orders.FindByKey(ctx, "1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRunTransaction_UnknownCommitRetriesCommitOnly(t *testing.T) {
	ctx := context.Background()
	client := memory.NewClient()
	metrics := &collection.BasicMetricsCollector{}
	orders := open[Order](t, client, nil, collection.WithMetrics(metrics))

	fp := &memory.FailPoint{
		Command: memory.CmdCommit,
		Times:   2,
		Labels:  []string{driver.UnknownTransactionCommitResult},
	}
	client.FailCommand(fp)

	var calls int
	err := orders.RunTransaction(ctx, func(ctx context.Context) error {
		calls++
		_, err := orders.Insert(ctx, Order{ID: "1"})
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 2, fp.Hits)
	assert.Equal(t, int64(2), metrics.GetStats().CommitRetries)

	_, found, err := orders.FindByKey(ctx, "1")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestRunTransaction_CancelDuringBackoff(t *testing.T) {
	client := memory.NewClient()
	orders := open[Order](t, client, nil,
		collection.WithRetryPolicy(retry.Policy{Attempts: 5, Base: time.Hour, Factor: 2}))

	client.FailCommand(&memory.FailPoint{
		Command: memory.CmdCommit,
		Times:   100,
		Labels:  []string{driver.TransientTransactionError},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	var calls int
	err := orders.RunTransaction(ctx, func(ctx context.Context) error {
		calls++
		return nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, calls)
}

func TestRunTransaction_Concurrent(t *testing.T) {
	ctx := context.Background()
	orders := open[Order](t, memory.NewClient(), nil)

	var g errgroup.Group
	for i := range 8 {
		g.Go(func() error {
			return orders.RunTransaction(ctx, func(ctx context.Context) error {
				_, err := orders.Insert(ctx, Order{ID: fmt.Sprint(i)})
				return err
			})
		})
	}
	require.NoError(t, g.Wait())

	n, err := orders.Count(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(8), n)
}

func TestRunTransaction_ParentClock(t *testing.T) {
	ctx := context.Background()
	orders := open[Order](t, memory.NewClient(), nil)

	parent, err := orders.BeginSession(ctx, nil)
	require.NoError(t, err)
	defer parent.End(ctx)
	require.NoError(t, parent.StartTransaction(nil))
	_, err = orders.Insert(parent.Context(ctx), Order{ID: "p"})
	require.NoError(t, err)
	require.NoError(t, parent.Commit(ctx))
	pc := parent.Clock()
	require.False(t, pc.IsZero())

	err = orders.RunTransaction(ctx, func(ctx context.Context) error {
		s, ok := collection.SessionFromContext(ctx)
		require.True(t, ok)
		assert.False(t, pc.After(s.Clock()), "child clock is at least the parent's")
		_, found, err := orders.FindByKey(ctx, "p")
		require.NoError(t, err)
		assert.True(t, found)
		return nil
	}, collection.WithParentSession(parent))
	require.NoError(t, err)
}

func TestRunTransaction_Behaviors(t *testing.T) {
	ctx := context.Background()
	orders := open[Order](t, memory.NewClient(), nil)

	bad := model.DefaultTransactionBehavior()
	bad.ReadPreference = driver.Secondary
	err := orders.RunTransaction(ctx, func(context.Context) error { return nil },
		collection.WithTransactionBehavior(bad))
	assert.Error(t, err, "transactions must read from the primary")

	sb := model.DefaultSessionBehavior()
	sb.CausalConsistency = false
	err = orders.RunTransaction(ctx, func(ctx context.Context) error {
		s, _ := collection.SessionFromContext(ctx)
		assert.False(t, s.Behavior().CausalConsistency)
		return nil
	}, collection.WithSessionBehavior(sb))
	require.NoError(t, err)
}

func TestSession_EndedFallsBackToUnbound(t *testing.T) {
	ctx := context.Background()
	orders := open[Order](t, memory.NewClient(), nil)

	s, err := orders.BeginSession(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, collection.Sessioned, s.State())

	require.NoError(t, s.StartTransaction(nil))
	assert.Equal(t, collection.InTransaction, s.State())
	sctx := s.Context(ctx)

	_, err = orders.Insert(sctx, Order{ID: "in-txn"})
	require.NoError(t, err)
	_, found, _ := orders.FindByKey(ctx, "in-txn")
	assert.False(t, found, "bound write is not visible unbound")

	s.End(ctx)
	assert.Equal(t, collection.Idle, s.State())

	_, err = orders.Insert(sctx, Order{ID: "after-end"})
	require.NoError(t, err)
	_, found, _ = orders.FindByKey(ctx, "after-end")
	assert.True(t, found, "ended session routes unbound")
	_, found, _ = orders.FindByKey(ctx, "in-txn")
	assert.False(t, found, "ending discarded the transaction")
}

func TestSession_StateMachine(t *testing.T) {
	ctx := context.Background()
	orders := open[Order](t, memory.NewClient(), nil)

	s, err := orders.BeginSession(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, s.StartTransaction(nil))
	require.NoError(t, s.Abort(ctx))
	assert.Equal(t, collection.Aborted, s.State())

	require.NoError(t, s.StartTransaction(nil))
	require.NoError(t, s.Commit(ctx))
	assert.Equal(t, collection.Committed, s.State())
	assert.Equal(t, "committed", s.State().String())

	_, err = orders.Insert(s.Context(ctx), Order{ID: "x"})
	require.NoError(t, err, "no open transaction means unbound")

	s.End(ctx)
	s.End(ctx)
	assert.True(t, s.Ended())
}

func TestClose(t *testing.T) {
	ctx := context.Background()
	client := memory.NewClient()
	orders, err := collection.New(ctx, model.Resolve[Order](client, nil))
	require.NoError(t, err)

	s, err := orders.BeginSession(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, s.StartTransaction(nil))

	require.NoError(t, orders.Close(ctx))
	require.NoError(t, orders.Close(ctx))
	assert.True(t, s.Ended())

	_, err = orders.Insert(ctx, Order{ID: "1"})
	assert.ErrorIs(t, err, collection.ErrClosed)
	_, _, err = orders.FindByKey(ctx, "1")
	assert.ErrorIs(t, err, collection.ErrClosed)
	_, err = orders.BeginSession(ctx, nil)
	assert.ErrorIs(t, err, collection.ErrClosed)
	assert.ErrorIs(t, orders.RunTransaction(ctx, func(context.Context) error { return nil }), collection.ErrClosed)

	assert.NoError(t, client.Ping(ctx), "closing a collection leaves the client connected")
}

func TestAggregate(t *testing.T) {
	ctx := context.Background()
	orders := open[Order](t, memory.NewClient(), nil)
	require.NoError(t, orders.InsertMany(ctx, []Order{
		{ID: "1", Customer: "ada", Total: 5},
		{ID: "2", Customer: "bob", Total: 7},
		{ID: "3", Customer: "ada", Total: 9},
	}))

	type count struct {
		N int32 `bson:"n"`
	}
	got, err := collection.Aggregate[count](ctx, orders, bson.A{
		bson.D{{Key: "$match", Value: bson.M{"customer": "ada"}}},
		bson.D{{Key: "$count", Value: "n"}},
	})
	require.NoError(t, err)
	assert.Equal(t, []count{{N: 2}}, got)

	_, err = collection.MapReduce[int32](ctx, orders, collection.MapReduceJob{
		Map:    "function() { emit(this.customer, this.total) }",
		Reduce: "function(k, v) { return Array.sum(v) }",
	})
	assert.True(t, errors.Is(err, driver.ErrUnsupported))
}

func TestMetrics(t *testing.T) {
	ctx := context.Background()
	metrics := &collection.BasicMetricsCollector{}
	orders := open[Order](t, memory.NewClient(), nil, collection.WithMetrics(metrics))

	_, err := orders.Insert(ctx, Order{ID: "1"})
	require.NoError(t, err)
	_, err = orders.Insert(ctx, Order{ID: "1"})
	require.Error(t, err)

	stats := metrics.GetStats()
	assert.Equal(t, int64(2), stats.Operations)
	assert.Equal(t, int64(1), stats.OperationErrors)
}
