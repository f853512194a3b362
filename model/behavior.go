package model

import (
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/unicode"

	"github.com/jacentio/doccontext/driver"
)

// Behavior is a bundle of read and write preferences applied when opening a
// database, collection or transaction.
type Behavior struct {
	ReadPreference driver.ReadPreference
	ReadConcern    driver.ReadConcern
	WriteConcern   driver.WriteConcern

	// ReadEncoding decodes text read back from the store. nil means UTF-8.
	ReadEncoding encoding.Encoding

	// WriteEncoding encodes text before it is written. nil means UTF-8.
	WriteEncoding encoding.Encoding
}

// Preferences returns the store preferences of the behavior.
func (b Behavior) Preferences() driver.Preferences {
	return driver.Preferences{
		ReadPreference: b.ReadPreference,
		ReadConcern:    b.ReadConcern,
		WriteConcern:   b.WriteConcern,
	}
}

// Decoder returns the configured read encoding, UTF-8 when unset.
func (b Behavior) Decoder() encoding.Encoding {
	if b.ReadEncoding == nil {
		return unicode.UTF8
	}
	return b.ReadEncoding
}

// Encoder returns the configured write encoding, UTF-8 when unset.
func (b Behavior) Encoder() encoding.Encoding {
	if b.WriteEncoding == nil {
		return unicode.UTF8
	}
	return b.WriteEncoding
}

// SessionBehavior governs how a session is opened.
type SessionBehavior struct {
	Behavior
	CausalConsistency bool
}

// Options returns the driver session options. The behavior's preferences
// become the default for transactions started on the session.
func (s SessionBehavior) Options() driver.SessionOptions {
	return driver.SessionOptions{
		CausalConsistency:  s.CausalConsistency,
		DefaultTransaction: s.Preferences(),
	}
}

// DefaultDatabaseBehavior reads from secondaries and writes to a majority.
func DefaultDatabaseBehavior() Behavior {
	return Behavior{
		ReadPreference: driver.Secondary,
		ReadConcern:    driver.ReadMajority,
		WriteConcern:   driver.WMajority(),
		ReadEncoding:   unicode.UTF8,
		WriteEncoding:  unicode.UTF8,
	}
}

// DefaultCollectionBehavior matches the database default.
func DefaultCollectionBehavior() Behavior {
	return DefaultDatabaseBehavior()
}

// DefaultSessionBehavior reads from the primary with causal consistency.
func DefaultSessionBehavior() SessionBehavior {
	return SessionBehavior{
		Behavior: Behavior{
			ReadPreference: driver.Primary,
			ReadConcern:    driver.ReadMajority,
			WriteConcern:   driver.WMajority(),
			ReadEncoding:   unicode.UTF8,
			WriteEncoding:  unicode.UTF8,
		},
		CausalConsistency: true,
	}
}

// DefaultTransactionBehavior reads a snapshot from the primary and commits
// to a majority.
func DefaultTransactionBehavior() Behavior {
	return Behavior{
		ReadPreference: driver.Primary,
		ReadConcern:    driver.ReadSnapshot,
		WriteConcern:   driver.WMajority(),
		ReadEncoding:   unicode.UTF8,
		WriteEncoding:  unicode.UTF8,
	}
}

// LookupEncoding resolves a WHATWG encoding label such as "utf-8" or
// "windows-1252".
func LookupEncoding(label string) (encoding.Encoding, error) {
	if label == "" {
		return unicode.UTF8, nil
	}
	return htmlindex.Get(label)
}

// EncodingName returns the canonical name of e.
func EncodingName(e encoding.Encoding) string {
	if e == nil {
		return "utf-8"
	}
	name, err := htmlindex.Name(e)
	if err != nil {
		return "unknown"
	}
	return name
}

// BehaviorBuilder adjusts a behavior scope of a document model.
type BehaviorBuilder struct {
	b Behavior
}

// WithReadPreference sets where reads are routed.
func (bb *BehaviorBuilder) WithReadPreference(rp driver.ReadPreference) *BehaviorBuilder {
	bb.b.ReadPreference = rp
	return bb
}

// WithReadConcern sets the isolation of reads.
func (bb *BehaviorBuilder) WithReadConcern(rc driver.ReadConcern) *BehaviorBuilder {
	bb.b.ReadConcern = rc
	return bb
}

// WithWriteConcern sets the acknowledgement required of writes.
func (bb *BehaviorBuilder) WithWriteConcern(wc driver.WriteConcern) *BehaviorBuilder {
	bb.b.WriteConcern = wc
	return bb
}

// WithReadEncoding sets the encoding text is decoded with.
func (bb *BehaviorBuilder) WithReadEncoding(e encoding.Encoding) *BehaviorBuilder {
	bb.b.ReadEncoding = e
	return bb
}

// WithWriteEncoding sets the encoding text is encoded with.
func (bb *BehaviorBuilder) WithWriteEncoding(e encoding.Encoding) *BehaviorBuilder {
	bb.b.WriteEncoding = e
	return bb
}

// SessionBehaviorBuilder adjusts the session scope of a document model.
type SessionBehaviorBuilder struct {
	BehaviorBuilder
	causal bool
}

// WithCausalConsistency toggles causally consistent sessions.
func (sb *SessionBehaviorBuilder) WithCausalConsistency(on bool) *SessionBehaviorBuilder {
	sb.causal = on
	return sb
}

func (sb *SessionBehaviorBuilder) build() SessionBehavior {
	return SessionBehavior{Behavior: sb.b, CausalConsistency: sb.causal}
}
