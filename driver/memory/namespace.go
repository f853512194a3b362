package memory

import (
	"slices"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/jacentio/doccontext/driver"
	"github.com/jacentio/doccontext/internal/docmatch"
)

type record struct {
	doc     bson.Raw
	version uint64
	seq     uint64
}

type entry struct {
	key string
	doc bson.Raw
	seq uint64
}

// change replaces the document stored under key. A nil doc deletes it.
type change struct {
	key string
	doc bson.Raw
	seq uint64
}

type namespace struct {
	name    string
	docs    map[string]*record
	indexes []driver.IndexModel
}

func newNamespace(name string) *namespace {
	return &namespace{name: name, docs: make(map[string]*record)}
}

func (ns *namespace) committed() []entry {
	return ns.view(nil)
}

// view returns the documents visible to t in insertion order.
func (ns *namespace) view(t *txn) []entry {
	m := ns.viewMap(t)
	out := make([]entry, 0, len(m))
	for _, e := range m {
		out = append(out, e)
	}
	slices.SortFunc(out, func(a, b entry) int {
		switch {
		case a.seq < b.seq:
			return -1
		case a.seq > b.seq:
			return 1
		}
		return strings.Compare(a.key, b.key)
	})
	return out
}

func (ns *namespace) viewMap(t *txn) map[string]entry {
	m := make(map[string]entry, len(ns.docs))
	for k, r := range ns.docs {
		m[k] = entry{key: k, doc: r.doc, seq: r.seq}
	}
	if t == nil {
		return m
	}
	for k, p := range t.writes[ns.name] {
		if p.doc == nil {
			delete(m, k)
			continue
		}
		m[k] = entry{key: k, doc: p.doc, seq: p.seq}
	}
	return m
}

func (ns *namespace) version(key string) uint64 {
	if r, ok := ns.docs[key]; ok {
		return r.version
	}
	return 0
}

// reapLocked removes committed documents whose TTL index expired.
func (c *Client) reapLocked(ns *namespace) {
	if !slices.ContainsFunc(ns.indexes, docmatch.IsTTL) {
		return
	}
	now := c.now()
	for k, r := range ns.docs {
		if ns.expired(r.doc, now) {
			delete(ns.docs, k)
		}
	}
}

func (ns *namespace) expired(doc bson.Raw, now time.Time) bool {
	for _, idx := range ns.indexes {
		if at, ok := docmatch.ExpiresAt(doc, idx); ok && !at.After(now) {
			return true
		}
	}
	return false
}

// applyLocked checks the unique indexes against the view of t with changes
// applied, then writes the changes: directly when t is nil, into the
// transaction's write set otherwise.
func (c *Client) applyLocked(ns *namespace, t *txn, changes []change) error {
	if len(changes) == 0 {
		return nil
	}
	m := ns.viewMap(t)
	for _, ch := range changes {
		if ch.doc == nil {
			delete(m, ch.key)
			continue
		}
		m[ch.key] = entry{key: ch.key, doc: ch.doc, seq: ch.seq}
	}
	if err := checkUnique(ns.indexes, m); err != nil {
		return err
	}

	if t == nil {
		for _, ch := range changes {
			if ch.doc == nil {
				delete(ns.docs, ch.key)
				continue
			}
			ns.docs[ch.key] = &record{doc: ch.doc, version: c.nextVersionLocked(), seq: ch.seq}
		}
		return nil
	}
	for _, ch := range changes {
		t.stage(ns, ch)
	}
	return nil
}

func checkUnique(indexes []driver.IndexModel, docs map[string]entry) error {
	for _, idx := range indexes {
		if !idx.Unique {
			continue
		}
		seen := make(map[string]struct{}, len(docs))
		for _, e := range docs {
			k, ok := docmatch.IndexKey(e.doc, idx)
			if !ok {
				continue
			}
			if _, dup := seen[k]; dup {
				return errors.Wrapf(driver.ErrDuplicateKey, "index %s", idx.Name)
			}
			seen[k] = struct{}{}
		}
	}
	return nil
}

func (c *Client) createIndexesLocked(ns *namespace, indexes []driver.IndexModel) error {
	merged, err := docmatch.MergeIndexes(ns.indexes, indexes, func(idx driver.IndexModel) error {
		if !idx.Unique {
			return nil
		}
		return checkUnique([]driver.IndexModel{idx}, ns.viewMap(nil))
	})
	if err != nil {
		return err
	}
	ns.indexes = merged
	return nil
}
