package dynamo

import (
	"time"

	"github.com/jacentio/doccontext/internal/shard"
)

// Config holds configuration for the DynamoDB driver.
type Config struct {
	// TablePrefix is prepended to every document table name. Tables are
	// named "<prefix><database>.<collection>".
	// Default: ""
	TablePrefix string

	// ConstraintTable holds one item per unique index entry.
	// Default: "doccontext_unique_constraints"
	ConstraintTable string

	// ScanSegments is the number of parallel segments filtered reads scan.
	// Higher values cut latency on large tables at the cost of read capacity.
	// Default: 1 (single sequential scan)
	// Max: 64
	ScanSegments int

	// TableWait bounds how long EnsureCollection waits for a created table
	// to become active.
	// Default: 2m
	TableWait time.Duration
}

// DefaultConfig returns sensible defaults for small tables.
func DefaultConfig() Config {
	return Config{
		ConstraintTable: "doccontext_unique_constraints",
		ScanSegments:    1,
		TableWait:       2 * time.Minute,
	}
}

// validate ensures config values are within acceptable bounds.
func (c *Config) validate() {
	if c.ConstraintTable == "" {
		c.ConstraintTable = "doccontext_unique_constraints"
	}
	c.ScanSegments = shard.Segments(c.ScanSegments)
	if c.TableWait <= 0 {
		c.TableWait = 2 * time.Minute
	}
}
