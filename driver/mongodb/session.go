package mongodb

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/jacentio/doccontext/driver"
)

type session struct {
	ms *mongo.Session
	id string

	mu    sync.Mutex
	inTxn bool
	ended bool
}

func newSession(ms *mongo.Session) *session {
	return &session{ms: ms, id: sessionID(ms.ID())}
}

// sessionID renders the lsid UUID, falling back to the raw document.
func sessionID(lsid bson.Raw) string {
	if _, data, ok := lsid.Lookup("id").BinaryOK(); ok {
		if u, err := uuid.FromBytes(data); err == nil {
			return u.String()
		}
	}
	return lsid.String()
}

func (s *session) ID() string { return s.id }

func (s *session) StartTransaction(opts driver.TransactionOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return driver.ErrSessionEnded
	}
	if s.inTxn {
		return driver.ErrTransactionInProgress
	}
	if err := s.ms.StartTransaction(transactionOptions(opts.Preferences)); err != nil {
		return err
	}
	s.inTxn = true
	return nil
}

func (s *session) CommitTransaction(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return driver.ErrSessionEnded
	}
	if err := s.ms.CommitTransaction(ctx); err != nil {
		return err
	}
	s.inTxn = false
	return nil
}

func (s *session) AbortTransaction(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.inTxn {
		return driver.ErrNoTransaction
	}
	s.inTxn = false
	return s.ms.AbortTransaction(ctx)
}

func (s *session) EndSession(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.ended = true
	s.inTxn = false
	s.ms.EndSession(ctx)
}

func (s *session) InTransaction() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inTxn && !s.ended
}

func (s *session) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

func (s *session) Clock() driver.Clock {
	var c driver.Clock
	c.ClusterTime = s.ms.ClusterTime()
	if ot := s.ms.OperationTime(); ot != nil {
		c.OperationTime = *ot
	}
	return c
}

func (s *session) AdvanceClock(c driver.Clock) error {
	if len(c.ClusterTime) > 0 {
		if err := s.ms.AdvanceClusterTime(c.ClusterTime); err != nil {
			return err
		}
	}
	if c.OperationTime.T == 0 && c.OperationTime.I == 0 {
		return nil
	}
	ot := c.OperationTime
	return s.ms.AdvanceOperationTime(&ot)
}

// bind returns ctx carrying the mongo session of sess, or ctx unchanged for
// an unbound call.
func bind(ctx context.Context, sess driver.Session) (context.Context, error) {
	if sess == nil {
		return ctx, nil
	}
	s, ok := sess.(*session)
	if !ok {
		return nil, errForeignSession
	}
	if s.Ended() {
		return nil, driver.ErrSessionEnded
	}
	return mongo.NewSessionContext(ctx, s.ms), nil
}
