package collection

import (
	"log/slog"

	"github.com/jacentio/doccontext/driver"
	"github.com/jacentio/doccontext/internal/retry"
	"github.com/jacentio/doccontext/model"
)

type options struct {
	retry       retry.Policy
	commitRetry retry.Policy
	logger      *slog.Logger
	metrics     MetricsCollector
	autoIndex   bool
}

func defaultOptions() options {
	return options{
		retry:       retry.DefaultPolicy(),
		commitRetry: retry.DefaultPolicy(),
		logger:      slog.Default(),
		metrics:     NoopMetricsCollector{},
		autoIndex:   true,
	}
}

// Option configures a Collection.
type Option func(*options)

// WithRetryPolicy replaces the policy retrying a whole transaction on
// transient errors.
func WithRetryPolicy(p retry.Policy) Option {
	return func(o *options) { o.retry = p }
}

// WithCommitRetryPolicy replaces the policy retrying a commit whose result is
// unknown.
func WithCommitRetryPolicy(p retry.Policy) Option {
	return func(o *options) { o.commitRetry = p }
}

// WithLogger sets the logger. nil keeps slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics sets the metrics collector. nil keeps the no-op collector.
func WithMetrics(m MetricsCollector) Option {
	return func(o *options) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithoutAutoIndex skips creating the declared indexes at construction.
func WithoutAutoIndex() Option {
	return func(o *options) { o.autoIndex = false }
}

// FindOption shapes a single find.
type FindOption func(*driver.FindOptions)

// SortBy orders results by a sort document such as bson.D{{"name", 1}}.
func SortBy(spec any) FindOption {
	return func(f *driver.FindOptions) { f.Sort = spec }
}

// Skip skips the first n results.
func Skip(n int64) FindOption {
	return func(f *driver.FindOptions) { f.Skip = n }
}

// Limit returns at most n results. Zero means no limit.
func Limit(n int64) FindOption {
	return func(f *driver.FindOptions) { f.Limit = n }
}

// BatchSize overrides the model's cursor batch size.
func BatchSize(n int32) FindOption {
	return func(f *driver.FindOptions) { f.BatchSize = n }
}

type txnOptions struct {
	txn     *model.Behavior
	session *model.SessionBehavior
	parent  *Session
}

// TxnOption configures RunTransaction.
type TxnOption func(*txnOptions)

// WithTransactionBehavior overrides the model's transaction behavior.
func WithTransactionBehavior(b model.Behavior) TxnOption {
	return func(o *txnOptions) { o.txn = &b }
}

// WithSessionBehavior overrides the model's session behavior.
func WithSessionBehavior(b model.SessionBehavior) TxnOption {
	return func(o *txnOptions) { o.session = &b }
}

// WithParentSession makes the transaction causally follow parent: the new
// session's clock is advanced to the parent's before the transaction starts.
func WithParentSession(parent *Session) TxnOption {
	return func(o *txnOptions) { o.parent = parent }
}
