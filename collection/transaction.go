package collection

import (
	"context"
	"time"

	"github.com/jacentio/doccontext/driver"
	"github.com/jacentio/doccontext/internal/retry"
	"github.com/jacentio/doccontext/model"
)

func (c *Collection[T]) openSession(ctx context.Context, b *model.SessionBehavior, track bool) (*Session, error) {
	c.mu.RLock()
	client := c.client
	c.mu.RUnlock()
	if client == nil {
		return nil, ErrClosed
	}

	behavior := c.model.SessionBehavior
	if b != nil {
		behavior = *b
	}
	ds, err := client.StartSession(ctx, behavior.Options())
	if err != nil {
		return nil, err
	}

	var onEnd func(*Session)
	if track {
		onEnd = func(s *Session) { c.sessions.Delete(s.ID()) }
	}
	s := newSession(ds, behavior, c.model.TransactionBehavior, onEnd)
	if track {
		c.sessions.Store(s.ID(), s)
	}
	return s, nil
}

// BeginSession opens a session the caller drives. A nil behavior uses the
// model's session behavior. The session stays open until End or Close.
func (c *Collection[T]) BeginSession(ctx context.Context, b *model.SessionBehavior) (*Session, error) {
	s, err := c.openSession(ctx, b, true)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("session started", "session", s.ID(), "causal", s.behavior.CausalConsistency)
	return s, nil
}

// RunTransaction runs work inside a transaction on a new session and commits
// it.
//
// work receives a ctx carrying the session: operations issued with it, on
// this or any other collection of the same client, are part of the
// transaction. If work fails the transaction is aborted and the error is
// returned unchanged. Errors labeled TransientTransactionError, from work or
// from the commit, rerun the whole sequence from a new session, so work must
// be safe to repeat. Commits whose result is unknown are retried on their
// own. Both retries follow their policy (5 attempts, waits of 2s, 4s, 8s and
// 16s by default).
func (c *Collection[T]) RunTransaction(ctx context.Context, work func(ctx context.Context) error, opts ...TxnOption) error {
	var o txnOptions
	for _, opt := range opts {
		opt(&o)
	}
	if _, err := c.handle(); err != nil {
		return err
	}

	policy := c.opts.retry
	policy.OnRetry = func(attempt int, err error, wait time.Duration) {
		c.opts.metrics.RecordRetry(RetryTransaction)
		c.logger.Warn("transient transaction error, retrying",
			"attempt", attempt,
			"wait", wait,
			"error", err,
		)
	}

	start := time.Now()
	attempts := 0
	err := retry.Do(ctx, policy, driver.IsTransient, func(attempt int) error {
		attempts = attempt
		return c.runOnce(ctx, work, o)
	})
	c.opts.metrics.RecordTransaction(attempts, time.Since(start), err)
	if err == nil && attempts > 1 {
		c.logger.Info("transaction committed after retry", "attempts", attempts)
	}
	return err
}

func (c *Collection[T]) runOnce(ctx context.Context, work func(ctx context.Context) error, o txnOptions) error {
	s, err := c.openSession(ctx, o.session, false)
	if err != nil {
		return err
	}
	defer s.End(context.WithoutCancel(ctx))

	if o.parent != nil {
		if err := s.AdvanceClock(o.parent.Clock()); err != nil {
			return err
		}
	}
	if err := s.StartTransaction(o.txn); err != nil {
		return err
	}

	if err := work(s.Context(ctx)); err != nil {
		c.abort(ctx, s)
		return err
	}

	commit := c.opts.commitRetry
	commit.OnRetry = func(attempt int, err error, wait time.Duration) {
		c.opts.metrics.RecordRetry(RetryCommit)
		c.logger.Warn("unknown commit result, retrying commit",
			"attempt", attempt,
			"wait", wait,
			"error", err,
		)
	}
	err = retry.Do(ctx, commit, driver.IsUnknownCommitResult, func(int) error {
		return s.Commit(ctx)
	})
	if err != nil {
		c.abort(ctx, s)
		return err
	}
	return nil
}

func (c *Collection[T]) abort(ctx context.Context, s *Session) {
	if !s.InTransaction() {
		return
	}
	if err := s.Abort(context.WithoutCancel(ctx)); err != nil {
		c.logger.Warn("abort transaction failed", "session", s.ID(), "error", err)
	}
}
