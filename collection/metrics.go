package collection

import (
	"sync/atomic"
	"time"
)

// Retry kinds passed to MetricsCollector.RecordRetry.
const (
	RetryTransaction = "transaction"
	RetryCommit      = "commit"
)

// MetricsCollector receives operational metrics from a collection.
type MetricsCollector interface {
	// RecordOperation is called after each store operation. op is the
	// operation name, such as "find" or "insertMany".
	RecordOperation(op string, duration time.Duration, err error)

	// RecordTransaction is called once per RunTransaction with the number
	// of attempts made.
	RecordTransaction(attempts int, duration time.Duration, err error)

	// RecordRetry is called before every retry wait.
	RecordRetry(kind string)
}

// NoopMetricsCollector discards everything.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordOperation(string, time.Duration, error) {}
func (NoopMetricsCollector) RecordTransaction(int, time.Duration, error)  {}
func (NoopMetricsCollector) RecordRetry(string)                           {}

// BasicMetricsCollector counts in memory.
type BasicMetricsCollector struct {
	Operations          atomic.Int64
	OperationErrors     atomic.Int64
	OperationTotalNanos atomic.Int64
	Transactions        atomic.Int64
	TransactionErrors   atomic.Int64
	TransactionAttempts atomic.Int64
	TransactionRetries  atomic.Int64
	CommitRetries       atomic.Int64
}

// RecordOperation implements MetricsCollector.
func (b *BasicMetricsCollector) RecordOperation(_ string, duration time.Duration, err error) {
	b.Operations.Add(1)
	b.OperationTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.OperationErrors.Add(1)
	}
}

// RecordTransaction implements MetricsCollector.
func (b *BasicMetricsCollector) RecordTransaction(attempts int, _ time.Duration, err error) {
	b.Transactions.Add(1)
	b.TransactionAttempts.Add(int64(attempts))
	if err != nil {
		b.TransactionErrors.Add(1)
	}
}

// RecordRetry implements MetricsCollector.
func (b *BasicMetricsCollector) RecordRetry(kind string) {
	switch kind {
	case RetryTransaction:
		b.TransactionRetries.Add(1)
	case RetryCommit:
		b.CommitRetries.Add(1)
	}
}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsCollector) GetStats() BasicMetricsStats {
	s := BasicMetricsStats{
		Operations:          b.Operations.Load(),
		OperationErrors:     b.OperationErrors.Load(),
		Transactions:        b.Transactions.Load(),
		TransactionErrors:   b.TransactionErrors.Load(),
		TransactionAttempts: b.TransactionAttempts.Load(),
		TransactionRetries:  b.TransactionRetries.Load(),
		CommitRetries:       b.CommitRetries.Load(),
	}
	if s.Operations > 0 {
		s.OperationAvgNanos = b.OperationTotalNanos.Load() / s.Operations
	}
	return s
}

// BasicMetricsStats is a snapshot of BasicMetricsCollector state.
type BasicMetricsStats struct {
	Operations          int64
	OperationErrors     int64
	OperationAvgNanos   int64
	Transactions        int64
	TransactionErrors   int64
	TransactionAttempts int64
	TransactionRetries  int64
	CommitRetries       int64
}
