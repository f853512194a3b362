package dynamo

import (
	"context"
	"slices"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/jacentio/doccontext/driver"
)

type txnState int

const (
	txnNone txnState = iota
	txnActive
	txnCommitted
	txnAborted
)

// txn buffers the writes of one transaction until commit.
type txn struct {
	opts   driver.TransactionOptions
	token  string
	writes map[string]*write
	order  []string
}

func newTxn(opts driver.TransactionOptions) *txn {
	return &txn{
		opts:   opts,
		token:  uuid.NewString(),
		writes: make(map[string]*write),
	}
}

func writeKey(table, pk string) string { return table + "\x00" + pk }

// stage records w, keeping the version the document had when the
// transaction first wrote it. Creating then deleting a document cancels out.
func (t *txn) stage(w *write) {
	key := writeKey(w.table, w.pk)
	if cur, ok := t.writes[key]; ok {
		cur.next = w.next
		if cur.prev == nil && cur.next == nil {
			delete(t.writes, key)
		}
		return
	}
	t.writes[key] = w
	if !slices.Contains(t.order, key) {
		t.order = append(t.order, key)
	}
}

// pending returns the staged writes in first-write order.
func (t *txn) pending() []*write {
	out := make([]*write, 0, len(t.writes))
	for _, key := range t.order {
		if w, ok := t.writes[key]; ok {
			out = append(out, w)
		}
	}
	return out
}

// overlay applies the staged writes on table to docs read from it.
func (t *txn) overlay(table string, docs []stored) []stored {
	if t == nil || len(t.writes) == 0 {
		return docs
	}
	pos := make(map[string]int, len(docs))
	for i, d := range docs {
		pos[d.pk] = i
	}
	deleted := make(map[string]bool)
	for _, w := range t.pending() {
		if w.table != table {
			continue
		}
		i, ok := pos[w.pk]
		switch {
		case w.next == nil:
			deleted[w.pk] = true
		case ok:
			docs[i].doc = w.next
		default:
			pos[w.pk] = len(docs)
			docs = append(docs, stored{pk: w.pk, doc: w.next})
		}
	}
	if len(deleted) == 0 {
		return docs
	}
	return slices.DeleteFunc(docs, func(d stored) bool { return deleted[d.pk] })
}

type session struct {
	client *Client
	id     string
	opts   driver.SessionOptions

	mu    sync.Mutex
	state txnState
	txn   *txn
	ended bool
	clock driver.Clock
}

var _ driver.Session = (*session)(nil)

func (s *session) ID() string { return s.id }

// StartTransaction begins buffering writes. DynamoDB transactions are
// serializable, so every read concern a transaction may ask for is met.
func (s *session) StartTransaction(opts driver.TransactionOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return driver.ErrSessionEnded
	}
	if s.state == txnActive {
		return driver.ErrTransactionInProgress
	}
	opts.Preferences = inherit(opts.Preferences, s.opts.DefaultTransaction)
	if opts.ReadPreference != "" && opts.ReadPreference != driver.Primary {
		return errors.Newf("doccontext: read preference in a transaction must be primary, got %s", opts.ReadPreference)
	}
	switch opts.ReadConcern {
	case "", driver.ReadLocal, driver.ReadMajority, driver.ReadSnapshot:
	default:
		return errors.Newf("doccontext: read concern %s is not allowed in a transaction", opts.ReadConcern)
	}
	s.state = txnActive
	s.txn = newTxn(opts)
	return nil
}

// CommitTransaction writes the buffered writes in one request. A commit
// whose outcome is unknown leaves the transaction active so it can be
// retried with the same idempotency token.
func (s *session) CommitTransaction(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return driver.ErrSessionEnded
	}
	switch s.state {
	case txnCommitted:
		// Retrying a commit that succeeded is a no-op.
		return nil
	case txnActive:
	default:
		return driver.ErrNoTransaction
	}
	if s.client.closed.Load() {
		return driver.ErrDisconnected
	}

	err := s.client.commit(ctx, s.txn.pending(), s.txn.token)
	switch {
	case err == nil:
		s.state, s.txn = txnCommitted, nil
		s.observeLocked(s.client.tick())
	case driver.IsUnknownCommitResult(err):
	default:
		s.state, s.txn = txnAborted, nil
	}
	return err
}

// AbortTransaction discards the buffered writes. Nothing was sent to
// DynamoDB, so there is nothing to roll back.
func (s *session) AbortTransaction(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return driver.ErrSessionEnded
	}
	if s.state != txnActive {
		return driver.ErrNoTransaction
	}
	s.state, s.txn = txnAborted, nil
	return nil
}

// EndSession ends the session. An active transaction is discarded.
func (s *session) EndSession(context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == txnActive {
		s.state, s.txn = txnAborted, nil
	}
	s.ended = true
}

func (s *session) InTransaction() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == txnActive && !s.ended
}

func (s *session) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

func (s *session) Clock() driver.Clock {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clock
}

func (s *session) AdvanceClock(clock driver.Clock) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return driver.ErrSessionEnded
	}
	if clock.After(s.clock) {
		s.clock = clock
	}
	return nil
}

func (s *session) observeLocked(ts bson.Timestamp) {
	next := driver.Clock{OperationTime: ts}
	if next.After(s.clock) {
		s.clock = next
	}
}

// bind resolves the session an operation was issued with.
func (c *Client) bind(sess driver.Session) (*session, error) {
	if c.closed.Load() {
		return nil, driver.ErrDisconnected
	}
	if sess == nil {
		return nil, nil
	}
	s, ok := sess.(*session)
	if !ok || s.client != c {
		return nil, errForeignSession
	}
	return s, nil
}
