package docmatch

import (
	"bytes"
	"cmp"
	"encoding/hex"
	"slices"
	"strconv"

	"github.com/cockroachdb/errors"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// typeRank orders BSON types the way MongoDB sorts mixed-type values.
func typeRank(t bson.Type) int {
	switch t {
	case bson.TypeMinKey:
		return 0
	case bson.TypeNull, bson.TypeUndefined:
		return 1
	case bson.TypeInt32, bson.TypeInt64, bson.TypeDouble, bson.TypeDecimal128:
		return 2
	case bson.TypeString, bson.TypeSymbol:
		return 3
	case bson.TypeEmbeddedDocument:
		return 4
	case bson.TypeArray:
		return 5
	case bson.TypeBinary:
		return 6
	case bson.TypeObjectID:
		return 7
	case bson.TypeBoolean:
		return 8
	case bson.TypeDateTime:
		return 9
	case bson.TypeTimestamp:
		return 10
	case bson.TypeRegex:
		return 11
	case bson.TypeMaxKey:
		return 13
	default:
		return 12
	}
}

func number(v bson.RawValue) (float64, bool) {
	if i, ok := v.Int32OK(); ok {
		return float64(i), true
	}
	if i, ok := v.Int64OK(); ok {
		return float64(i), true
	}
	if f, ok := v.DoubleOK(); ok {
		return f, true
	}
	return 0, false
}

// Compare orders two values: first by type class, then by value.
func Compare(a, b bson.RawValue) int {
	if c := cmp.Compare(typeRank(a.Type), typeRank(b.Type)); c != 0 {
		return c
	}

	switch typeRank(a.Type) {
	case 1:
		return 0
	case 2:
		x, okx := number(a)
		y, oky := number(b)
		if okx && oky {
			return cmp.Compare(x, y)
		}
	case 3:
		return cmp.Compare(stringOf(a), stringOf(b))
	case 7:
		x, _ := a.ObjectIDOK()
		y, _ := b.ObjectIDOK()
		return bytes.Compare(x[:], y[:])
	case 8:
		return cmp.Compare(boolRank(a), boolRank(b))
	case 9:
		x, _ := a.DateTimeOK()
		y, _ := b.DateTimeOK()
		return cmp.Compare(x, y)
	case 10:
		xt, xi, _ := a.TimestampOK()
		yt, yi, _ := b.TimestampOK()
		if c := cmp.Compare(xt, yt); c != 0 {
			return c
		}
		return cmp.Compare(xi, yi)
	}
	return bytes.Compare(a.Value, b.Value)
}

// Equal reports whether two values compare equal. Numbers compare by value
// across int32, int64 and double.
func Equal(a, b bson.RawValue) bool {
	return typeRank(a.Type) == typeRank(b.Type) && Compare(a, b) == 0
}

func stringOf(v bson.RawValue) string {
	if s, ok := v.StringValueOK(); ok {
		return s
	}
	if s, ok := v.SymbolOK(); ok {
		return s
	}
	return ""
}

func boolRank(v bson.RawValue) int {
	if b, ok := v.BooleanOK(); ok && b {
		return 1
	}
	return 0
}

// KeyString is a stable string form of a key value. Integral numbers of
// different widths map to the same string.
func KeyString(v bson.RawValue) string {
	switch v.Type {
	case bson.TypeString:
		return "s:" + v.StringValue()
	case bson.TypeObjectID:
		return "o:" + v.ObjectID().Hex()
	case bson.TypeInt32, bson.TypeInt64:
		n, _ := number(v)
		return "i:" + strconv.FormatInt(int64(n), 10)
	}
	return strconv.Itoa(int(v.Type)) + ":" + hex.EncodeToString(v.Value)
}

// Sort orders docs in place by a sort document such as {name: 1, age: -1}.
// Missing fields sort as null.
func Sort(docs []bson.Raw, spec bson.Raw) error {
	elems, err := spec.Elements()
	if err != nil {
		return errors.Wrap(err, "read sort")
	}
	type key struct {
		path string
		dir  int
	}
	keys := make([]key, 0, len(elems))
	for _, e := range elems {
		f, ok := number(e.Value())
		if !ok || f == 0 {
			return errors.Newf("doccontext: invalid sort direction for %q", e.Key())
		}
		dir := 1
		if f < 0 {
			dir = -1
		}
		keys = append(keys, key{path: e.Key(), dir: dir})
	}
	if len(keys) == 0 {
		return nil
	}

	null := bson.RawValue{Type: bson.TypeNull}
	slices.SortStableFunc(docs, func(a, b bson.Raw) int {
		for _, k := range keys {
			x, ok := Lookup(a, k.path)
			if !ok {
				x = null
			}
			y, ok := Lookup(b, k.path)
			if !ok {
				y = null
			}
			if c := Compare(x, y); c != 0 {
				return c * k.dir
			}
		}
		return 0
	})
	return nil
}
