package docmatch

import (
	"bytes"
	"slices"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/jacentio/doccontext/driver"
)

// IndexKey is the key of doc in idx. Sparse indexes skip documents missing
// every indexed field.
func IndexKey(doc bson.Raw, idx driver.IndexModel) (string, bool) {
	null := bson.RawValue{Type: bson.TypeNull}
	var b strings.Builder
	missing := 0
	for _, k := range idx.Keys {
		v, ok := Lookup(doc, k.Key)
		if !ok {
			missing++
			v = null
		}
		b.WriteString(KeyString(v))
		b.WriteByte(0)
	}
	if idx.Sparse && missing == len(idx.Keys) {
		return "", false
	}
	return b.String(), true
}

// IsTTL reports whether idx expires documents.
func IsTTL(idx driver.IndexModel) bool {
	return idx.ExpireAfter > 0 && len(idx.Keys) == 1
}

// ExpiresAt returns when doc expires under the TTL index idx. Documents
// whose indexed field is missing or not a date never expire.
func ExpiresAt(doc bson.Raw, idx driver.IndexModel) (time.Time, bool) {
	if !IsTTL(idx) {
		return time.Time{}, false
	}
	v, ok := Lookup(doc, idx.Keys[0].Key)
	if !ok || v.Type != bson.TypeDateTime {
		return time.Time{}, false
	}
	return time.UnixMilli(v.DateTime()).Add(idx.ExpireAfter), true
}

// MergeIndexes adds indexes to existing. Redeclaring an index with the same
// options is a no-op; the same name with other options is an error. check,
// when set, vets each index before it is added.
func MergeIndexes(existing, indexes []driver.IndexModel, check func(driver.IndexModel) error) ([]driver.IndexModel, error) {
	out := slices.Clone(existing)
	for _, idx := range indexes {
		if idx.Name == "" || len(idx.Keys) == 0 {
			return nil, errors.New("doccontext: index needs a name and at least one key")
		}
		if idx.ExpireAfter > 0 && len(idx.Keys) != 1 {
			return nil, errors.Newf("doccontext: TTL index %s must have a single key", idx.Name)
		}
		if i := slices.IndexFunc(out, func(o driver.IndexModel) bool { return o.Name == idx.Name }); i >= 0 {
			if !sameIndex(out[i], idx) {
				return nil, errors.Newf("doccontext: index %s already exists with different options", idx.Name)
			}
			continue
		}
		if check != nil {
			if err := check(idx); err != nil {
				return nil, err
			}
		}
		out = append(out, idx)
	}
	return out, nil
}

func sameIndex(a, b driver.IndexModel) bool {
	if a.Unique != b.Unique || a.Sparse != b.Sparse || a.ExpireAfter != b.ExpireAfter {
		return false
	}
	ka, err := bson.Marshal(a.Keys)
	if err != nil {
		return false
	}
	kb, err := bson.Marshal(b.Keys)
	if err != nil {
		return false
	}
	return bytes.Equal(ka, kb)
}
