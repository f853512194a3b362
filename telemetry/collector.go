// Package telemetry exports collection metrics in the Prometheus text
// format through VictoriaMetrics/metrics.
package telemetry

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/cockroachdb/errors"

	"github.com/jacentio/doccontext/collection"
	"github.com/jacentio/doccontext/driver"
)

// Collector records collection metrics into its own metrics set.
//
// Exported series, with the default "doccontext" prefix:
//
//	doccontext_operations_total{op, result}
//	doccontext_operation_duration_seconds{op}
//	doccontext_transactions_total{result}
//	doccontext_transaction_attempts
//	doccontext_transaction_duration_seconds
//	doccontext_retries_total{kind}
type Collector struct {
	set    *metrics.Set
	prefix string
}

var _ collection.MetricsCollector = (*Collector)(nil)

// NewCollector creates a collector. An empty prefix means "doccontext".
func NewCollector(prefix string) *Collector {
	if prefix == "" {
		prefix = "doccontext"
	}
	return &Collector{set: metrics.NewSet(), prefix: prefix}
}

// RecordOperation implements collection.MetricsCollector.
func (c *Collector) RecordOperation(op string, duration time.Duration, err error) {
	c.set.GetOrCreateCounter(fmt.Sprintf(`%s_operations_total{op=%q,result=%q}`, c.prefix, op, result(err))).Inc()
	c.set.GetOrCreateHistogram(fmt.Sprintf(`%s_operation_duration_seconds{op=%q}`, c.prefix, op)).Update(duration.Seconds())
}

// RecordTransaction implements collection.MetricsCollector.
func (c *Collector) RecordTransaction(attempts int, duration time.Duration, err error) {
	c.set.GetOrCreateCounter(fmt.Sprintf(`%s_transactions_total{result=%q}`, c.prefix, result(err))).Inc()
	c.set.GetOrCreateHistogram(c.prefix + "_transaction_attempts").Update(float64(attempts))
	c.set.GetOrCreateHistogram(c.prefix + "_transaction_duration_seconds").Update(duration.Seconds())
}

// RecordRetry implements collection.MetricsCollector.
func (c *Collector) RecordRetry(kind string) {
	c.set.GetOrCreateCounter(fmt.Sprintf(`%s_retries_total{kind=%q}`, c.prefix, kind)).Inc()
}

// WritePrometheus writes every series in the Prometheus text format.
func (c *Collector) WritePrometheus(w io.Writer) {
	c.set.WritePrometheus(w)
}

// Handler serves the series for scraping.
func (c *Collector) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		c.WritePrometheus(w)
	})
}

// result classifies err for the result label.
func result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, driver.ErrWriteConflict), driver.IsTransient(err):
		return "conflict"
	case errors.Is(err, driver.ErrDuplicateKey):
		return "duplicate_key"
	case errors.Is(err, driver.ErrNotFound):
		return "not_found"
	case driver.IsUnknownCommitResult(err):
		return "unknown_commit"
	}
	return "error"
}
