// Package docmatch evaluates a subset of the MongoDB query language against
// BSON documents held by backends that have no server side query engine.
//
// Filters: implicit equality (array fields match any element), $eq $ne $gt
// $gte $lt $lte $in $nin $exists on dotted paths, and top level $and $or $nor.
// Updates: $set $unset $inc on top level fields. Anything else yields
// driver.ErrUnsupported.
package docmatch

import (
	"strings"

	"github.com/cockroachdb/errors"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/jacentio/doccontext/driver"
)

// IDField is the primary key field of every stored document.
const IDField = "_id"

var emptyDoc = bson.Raw{5, 0, 0, 0, 0}

// ToRaw marshals v into a BSON document. nil becomes the empty document.
func ToRaw(v any) (bson.Raw, error) {
	switch t := v.(type) {
	case nil:
		return emptyDoc, nil
	case bson.Raw:
		if len(t) == 0 {
			return emptyDoc, nil
		}
		return t, nil
	default:
		raw, err := bson.Marshal(v)
		if err != nil {
			return nil, errors.Wrap(err, "marshal document")
		}
		return raw, nil
	}
}

// ToArray marshals a slice value (bson.A, []bson.D, mongo.Pipeline...) into
// its element values.
func ToArray(v any) ([]bson.RawValue, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := bson.Marshal(bson.D{{Key: "a", Value: v}})
	if err != nil {
		return nil, errors.Wrap(err, "marshal array")
	}
	arr, ok := bson.Raw(raw).Lookup("a").ArrayOK()
	if !ok {
		return nil, errors.Newf("doccontext: expected an array, got %T", v)
	}
	return arr.Values()
}

// Lookup resolves a dotted path in doc.
func Lookup(doc bson.Raw, path string) (bson.RawValue, bool) {
	v, err := doc.LookupErr(strings.Split(path, ".")...)
	if err != nil {
		return bson.RawValue{}, false
	}
	return v, true
}

// EnsureID returns doc with an _id field, generating an ObjectID when the
// document has none, along with the id value.
func EnsureID(doc bson.Raw) (bson.Raw, bson.RawValue, error) {
	if id, err := doc.LookupErr(IDField); err == nil {
		return doc, id, nil
	}

	elems, err := doc.Elements()
	if err != nil {
		return nil, bson.RawValue{}, errors.Wrap(err, "read document")
	}
	d := make(bson.D, 0, len(elems)+1)
	d = append(d, bson.E{Key: IDField, Value: bson.NewObjectID()})
	for _, e := range elems {
		d = append(d, bson.E{Key: e.Key(), Value: e.Value()})
	}
	out, err := bson.Marshal(d)
	if err != nil {
		return nil, bson.RawValue{}, errors.Wrap(err, "marshal document")
	}
	return out, bson.Raw(out).Lookup(IDField), nil
}

// Match reports whether doc satisfies filter.
func Match(doc, filter bson.Raw) (bool, error) {
	elems, err := filter.Elements()
	if err != nil {
		return false, errors.Wrap(err, "read filter")
	}
	for _, e := range elems {
		ok, err := matchElement(doc, e.Key(), e.Value())
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func matchElement(doc bson.Raw, key string, val bson.RawValue) (bool, error) {
	switch key {
	case "$and", "$or", "$nor":
		subs, err := subFilters(key, val)
		if err != nil {
			return false, err
		}
		return matchLogical(doc, key, subs)
	}
	if strings.HasPrefix(key, "$") {
		return false, errors.Wrapf(driver.ErrUnsupported, "query operator %s", key)
	}

	field, exists := Lookup(doc, key)
	if ops, ok := operatorDoc(val); ok {
		return matchOperators(field, exists, ops)
	}
	return equalsOrContains(field, exists, val), nil
}

func subFilters(op string, val bson.RawValue) ([]bson.Raw, error) {
	arr, ok := val.ArrayOK()
	if !ok {
		return nil, errors.Newf("doccontext: %s needs an array", op)
	}
	values, err := arr.Values()
	if err != nil {
		return nil, err
	}
	subs := make([]bson.Raw, 0, len(values))
	for _, v := range values {
		d, ok := v.DocumentOK()
		if !ok {
			return nil, errors.Newf("doccontext: %s entries must be documents", op)
		}
		subs = append(subs, d)
	}
	return subs, nil
}

func matchLogical(doc bson.Raw, op string, subs []bson.Raw) (bool, error) {
	for _, sub := range subs {
		ok, err := Match(doc, sub)
		if err != nil {
			return false, err
		}
		switch op {
		case "$and":
			if !ok {
				return false, nil
			}
		case "$or":
			if ok {
				return true, nil
			}
		case "$nor":
			if ok {
				return false, nil
			}
		}
	}
	return op != "$or", nil
}

// operatorDoc reports whether val is an operator document such as {$gt: 1}.
func operatorDoc(val bson.RawValue) (bson.Raw, bool) {
	d, ok := val.DocumentOK()
	if !ok {
		return nil, false
	}
	elems, err := d.Elements()
	if err != nil || len(elems) == 0 {
		return nil, false
	}
	return d, strings.HasPrefix(elems[0].Key(), "$")
}

func matchOperators(field bson.RawValue, exists bool, ops bson.Raw) (bool, error) {
	elems, err := ops.Elements()
	if err != nil {
		return false, err
	}
	for _, e := range elems {
		arg := e.Value()
		var ok bool
		switch e.Key() {
		case "$eq":
			ok = equalsOrContains(field, exists, arg)
		case "$ne":
			ok = !equalsOrContains(field, exists, arg)
		case "$gt", "$gte", "$lt", "$lte":
			ok = exists && anyValue(field, func(v bson.RawValue) bool {
				return compareOp(e.Key(), v, arg)
			})
		case "$in", "$nin":
			candidates, err := arrayValues(e.Key(), arg)
			if err != nil {
				return false, err
			}
			in := false
			for _, c := range candidates {
				if equalsOrContains(field, exists, c) {
					in = true
					break
				}
			}
			ok = in == (e.Key() == "$in")
		case "$exists":
			ok = truthy(arg) == exists
		default:
			return false, errors.Wrapf(driver.ErrUnsupported, "query operator %s", e.Key())
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func arrayValues(op string, v bson.RawValue) ([]bson.RawValue, error) {
	arr, ok := v.ArrayOK()
	if !ok {
		return nil, errors.Newf("doccontext: %s needs an array", op)
	}
	return arr.Values()
}

func compareOp(op string, v, arg bson.RawValue) bool {
	// Range operators only compare values of the same canonical type.
	if typeRank(v.Type) != typeRank(arg.Type) {
		return false
	}
	c := Compare(v, arg)
	switch op {
	case "$gt":
		return c > 0
	case "$gte":
		return c >= 0
	case "$lt":
		return c < 0
	default:
		return c <= 0
	}
}

func equalsOrContains(field bson.RawValue, exists bool, want bson.RawValue) bool {
	if !exists {
		return want.Type == bson.TypeNull
	}
	if Equal(field, want) {
		return true
	}
	if field.Type == bson.TypeArray && want.Type != bson.TypeArray {
		return anyValue(field, func(v bson.RawValue) bool { return Equal(v, want) })
	}
	return false
}

// anyValue applies fn to field, or to each element when field is an array.
func anyValue(field bson.RawValue, fn func(bson.RawValue) bool) bool {
	if arr, ok := field.ArrayOK(); ok {
		values, err := arr.Values()
		if err != nil {
			return false
		}
		for _, v := range values {
			if fn(v) {
				return true
			}
		}
		return false
	}
	return fn(field)
}

func truthy(v bson.RawValue) bool {
	switch v.Type {
	case bson.TypeBoolean:
		return v.Boolean()
	case bson.TypeNull, bson.TypeUndefined:
		return false
	}
	if f, ok := number(v); ok {
		return f != 0
	}
	return true
}
