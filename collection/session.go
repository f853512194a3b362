package collection

import (
	"context"
	"sync"

	"github.com/jacentio/doccontext/driver"
	"github.com/jacentio/doccontext/model"
)

// State is the lifecycle position of a Session.
type State int

const (
	// Idle means no live session: either never opened or ended.
	Idle State = iota
	// Sessioned means the session is open with no transaction.
	Sessioned
	// InTransaction means a transaction is started and not yet finished.
	InTransaction
	// Committed means the last transaction committed.
	Committed
	// Aborted means the last transaction aborted.
	Aborted
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Sessioned:
		return "sessioned"
	case InTransaction:
		return "in-transaction"
	case Committed:
		return "committed"
	case Aborted:
		return "aborted"
	}
	return "unknown"
}

// Session is a store session opened by a collection. Operations issued with
// a ctx returned by Context are bound to the session while it holds an open
// transaction; otherwise they run unbound.
type Session struct {
	ds         driver.Session
	behavior   model.SessionBehavior
	txnDefault model.Behavior
	onEnd      func(*Session)

	mu    sync.Mutex
	state State
}

func newSession(ds driver.Session, behavior model.SessionBehavior, txnDefault model.Behavior, onEnd func(*Session)) *Session {
	return &Session{
		ds:         ds,
		behavior:   behavior,
		txnDefault: txnDefault,
		onEnd:      onEnd,
		state:      Sessioned,
	}
}

// ID returns the store session id.
func (s *Session) ID() string { return s.ds.ID() }

// Driver returns the underlying store session.
func (s *Session) Driver() driver.Session { return s.ds }

// Behavior returns the behavior the session was opened with.
func (s *Session) Behavior() model.SessionBehavior { return s.behavior }

// State returns the transaction state of the session.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// InTransaction reports whether operations issued through the session are
// currently bound to a transaction.
func (s *Session) InTransaction() bool {
	return !s.ds.Ended() && s.ds.InTransaction()
}

// Ended reports whether End was called.
func (s *Session) Ended() bool { return s.ds.Ended() }

// StartTransaction starts a transaction. A nil behavior uses the model's
// transaction behavior.
func (s *Session) StartTransaction(b *model.Behavior) error {
	behavior := s.txnDefault
	if b != nil {
		behavior = *b
	}
	if err := s.ds.StartTransaction(driver.TransactionOptions{Preferences: behavior.Preferences()}); err != nil {
		return err
	}
	s.setState(InTransaction)
	return nil
}

// Commit commits the open transaction.
func (s *Session) Commit(ctx context.Context) error {
	if err := s.ds.CommitTransaction(ctx); err != nil {
		if !s.ds.InTransaction() {
			s.setState(Aborted)
		}
		return err
	}
	s.setState(Committed)
	return nil
}

// Abort aborts the open transaction.
func (s *Session) Abort(ctx context.Context) error {
	err := s.ds.AbortTransaction(ctx)
	if !s.ds.InTransaction() {
		s.setState(Aborted)
	}
	return err
}

// End ends the session without committing or aborting anything explicitly;
// the store discards an open transaction. End is idempotent.
func (s *Session) End(ctx context.Context) {
	if s.ds.Ended() {
		return
	}
	s.ds.EndSession(ctx)
	s.setState(Idle)
	if s.onEnd != nil {
		s.onEnd(s)
	}
}

// Clock returns the logical time observed by the session.
func (s *Session) Clock() driver.Clock { return s.ds.Clock() }

// AdvanceClock moves the session clock forward to at least c.
func (s *Session) AdvanceClock(c driver.Clock) error { return s.ds.AdvanceClock(c) }

// Context returns ctx carrying the session.
func (s *Session) Context(ctx context.Context) context.Context {
	return WithSession(ctx, s)
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = st
}

type sessionKey struct{}

// WithSession returns ctx carrying s. Collection operations issued with the
// returned ctx are bound to s while it holds an open transaction.
func WithSession(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, s)
}

// SessionFromContext returns the session carried by ctx.
func SessionFromContext(ctx context.Context) (*Session, bool) {
	s, ok := ctx.Value(sessionKey{}).(*Session)
	return s, ok && s != nil
}
