package memory

import (
	"context"

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

type pending struct {
	doc  bson.Raw
	base uint64
	seq  uint64
}

type txn struct {
	opts   driver.TransactionOptions
	writes map[string]map[string]*pending
	spaces map[string]*namespace
}

// stage records ch in the write set, remembering the committed version the
// document had when the transaction first wrote it.
func (t *txn) stage(ns *namespace, ch change) {
	w, ok := t.writes[ns.name]
	if !ok {
		w = make(map[string]*pending)
		t.writes[ns.name] = w
		t.spaces[ns.name] = ns
	}
	p, ok := w[ch.key]
	if !ok {
		p = &pending{base: ns.version(ch.key)}
		w[ch.key] = p
	}
	p.doc = ch.doc
	p.seq = ch.seq
}

type session struct {
	client *Client
	id     string
	opts   driver.SessionOptions

	// Guarded by client.mu.
	state txnState
	txn   *txn
	ended bool
	clock driver.Clock
}

func newSession(c *Client, opts driver.SessionOptions) *session {
	return &session{client: c, id: uuid.NewString(), opts: opts}
}

var _ driver.Session = (*session)(nil)

func (s *session) ID() string { return s.id }

func (s *session) StartTransaction(opts driver.TransactionOptions) error {
	c := s.client
	c.mu.Lock()
	defer c.mu.Unlock()
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
	s.txn = &txn{
		opts:   opts,
		writes: make(map[string]map[string]*pending),
		spaces: make(map[string]*namespace),
	}
	return nil
}

func (s *session) CommitTransaction(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c := s.client
	c.mu.Lock()
	defer c.mu.Unlock()
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
	if c.closed {
		return driver.ErrDisconnected
	}
	if err := c.failLocked(CmdCommit); err != nil {
		return err
	}

	t := s.txn
	for name, w := range t.writes {
		ns := t.spaces[name]
		for key, p := range w {
			if ns.version(key) != p.base {
				s.state, s.txn = txnAborted, nil
				return driver.WithLabels(
					errors.Wrapf(driver.ErrWriteConflict, "%s", name),
					driver.TransientTransactionError,
				)
			}
		}
	}
	for name := range t.writes {
		ns := t.spaces[name]
		if err := checkUnique(ns.indexes, ns.viewMap(t)); err != nil {
			s.state, s.txn = txnAborted, nil
			return err
		}
	}
	for name, w := range t.writes {
		ns := t.spaces[name]
		for key, p := range w {
			if p.doc == nil {
				delete(ns.docs, key)
				continue
			}
			ns.docs[key] = &record{doc: p.doc, version: c.nextVersionLocked(), seq: p.seq}
		}
	}
	s.state, s.txn = txnCommitted, nil
	s.observeLocked(c.tickLocked())
	return nil
}

func (s *session) AbortTransaction(ctx context.Context) error {
	c := s.client
	c.mu.Lock()
	defer c.mu.Unlock()
	if s.ended {
		return driver.ErrSessionEnded
	}
	if s.state != txnActive {
		return driver.ErrNoTransaction
	}
	s.state, s.txn = txnAborted, nil
	if err := c.failLocked(CmdAbort); err != nil {
		return err
	}
	return nil
}

// EndSession ends the session. An active transaction is discarded.
func (s *session) EndSession(context.Context) {
	c := s.client
	c.mu.Lock()
	defer c.mu.Unlock()
	if s.state == txnActive {
		s.state, s.txn = txnAborted, nil
	}
	s.ended = true
}

func (s *session) InTransaction() bool {
	s.client.mu.Lock()
	defer s.client.mu.Unlock()
	return s.state == txnActive && !s.ended
}

func (s *session) Ended() bool {
	s.client.mu.Lock()
	defer s.client.mu.Unlock()
	return s.ended
}

func (s *session) Clock() driver.Clock {
	s.client.mu.Lock()
	defer s.client.mu.Unlock()
	return s.clock
}

func (s *session) AdvanceClock(clock driver.Clock) error {
	s.client.mu.Lock()
	defer s.client.mu.Unlock()
	if s.ended {
		return driver.ErrSessionEnded
	}
	if clock.After(s.clock) {
		s.clock = clock
	}
	return nil
}

// Causal reports whether the session was opened causally consistent.
func (s *session) Causal() bool { return s.opts.CausalConsistency }

func (s *session) observeLocked(ts bson.Timestamp) {
	next := driver.Clock{OperationTime: ts, ClusterTime: clusterTime(ts)}
	if next.After(s.clock) {
		s.clock = next
	}
}

func clusterTime(ts bson.Timestamp) bson.Raw {
	raw, err := bson.Marshal(bson.D{{Key: "clusterTime", Value: ts}})
	if err != nil {
		return nil
	}
	return raw
}

// bindLocked resolves the session an operation was issued with. Operations
// outside a transaction run unbound but still advance the session clock.
func (c *Client) bindLocked(sess driver.Session) (*session, *txn, error) {
	if c.closed {
		return nil, nil, driver.ErrDisconnected
	}
	if sess == nil {
		return nil, nil, nil
	}
	s, ok := sess.(*session)
	if !ok || s.client != c {
		return nil, nil, errors.New("doccontext: session belongs to another client")
	}
	if s.ended {
		return nil, nil, driver.ErrSessionEnded
	}
	if s.state == txnActive {
		return s, s.txn, nil
	}
	return s, nil, nil
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
