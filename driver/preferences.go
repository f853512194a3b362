package driver

import (
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

// ReadPreference selects which replica serves reads.
type ReadPreference string

const (
	Primary            ReadPreference = "primary"
	PrimaryPreferred   ReadPreference = "primaryPreferred"
	Secondary          ReadPreference = "secondary"
	SecondaryPreferred ReadPreference = "secondaryPreferred"
	Nearest            ReadPreference = "nearest"
)

// ReadConcern is the consistency level of reads.
type ReadConcern string

const (
	ReadLocal        ReadConcern = "local"
	ReadAvailable    ReadConcern = "available"
	ReadMajority     ReadConcern = "majority"
	ReadLinearizable ReadConcern = "linearizable"
	ReadSnapshot     ReadConcern = "snapshot"
)

// WriteConcern is the durability level of writes.
type WriteConcern struct {
	// Majority waits for a majority of voting members. It takes precedence
	// over W.
	Majority bool

	// W is the number of members that must acknowledge the write.
	W int

	Journal bool
}

// WMajority acknowledges writes once a majority of members have them.
func WMajority() WriteConcern { return WriteConcern{Majority: true, Journal: true} }

// W1 acknowledges writes once the primary has them.
func W1() WriteConcern { return WriteConcern{W: 1} }

// IsZero reports whether no durability level was set.
func (w WriteConcern) IsZero() bool {
	return !w.Majority && w.W == 0 && !w.Journal
}

func (w WriteConcern) String() string {
	switch {
	case w.Majority:
		return "majority"
	case w.W > 0:
		return "w" + strconv.Itoa(w.W)
	default:
		return "default"
	}
}

// Preferences bundle the read and write preferences applied to a handle or
// a transaction. Zero fields inherit from the enclosing scope.
type Preferences struct {
	ReadPreference ReadPreference
	ReadConcern    ReadConcern
	WriteConcern   WriteConcern
}

// SessionOptions govern how a session is opened.
type SessionOptions struct {
	CausalConsistency bool

	// DefaultTransaction applies to transactions started without explicit
	// preferences.
	DefaultTransaction Preferences
}

// TransactionOptions govern a single transaction.
type TransactionOptions struct {
	Preferences
}

// ParseReadPreference parses a read preference mode name, case insensitive.
func ParseReadPreference(s string) (ReadPreference, error) {
	for _, rp := range []ReadPreference{Primary, PrimaryPreferred, Secondary, SecondaryPreferred, Nearest} {
		if strings.EqualFold(s, string(rp)) {
			return rp, nil
		}
	}
	return "", errors.Newf("doccontext: unknown read preference %q", s)
}

// ParseReadConcern parses a read concern level, case insensitive.
func ParseReadConcern(s string) (ReadConcern, error) {
	for _, rc := range []ReadConcern{ReadLocal, ReadAvailable, ReadMajority, ReadLinearizable, ReadSnapshot} {
		if strings.EqualFold(s, string(rc)) {
			return rc, nil
		}
	}
	return "", errors.Newf("doccontext: unknown read concern %q", s)
}
