package docmatch

import (
	"math"
	"strings"

	"github.com/cockroachdb/errors"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/jacentio/doccontext/driver"
)

// ErrImmutableID is returned when an update or replacement changes _id.
var ErrImmutableID = errors.New("doccontext: _id is immutable")

func elementsOf(doc bson.Raw) (bson.D, error) {
	elems, err := doc.Elements()
	if err != nil {
		return nil, errors.Wrap(err, "read document")
	}
	d := make(bson.D, 0, len(elems))
	for _, e := range elems {
		d = append(d, bson.E{Key: e.Key(), Value: e.Value()})
	}
	return d, nil
}

func rawOf(v any) bson.RawValue {
	if rv, ok := v.(bson.RawValue); ok {
		return rv
	}
	raw, err := bson.Marshal(bson.D{{Key: "v", Value: v}})
	if err != nil {
		return bson.RawValue{}
	}
	return bson.Raw(raw).Lookup("v")
}

func indexOf(d bson.D, key string) int {
	for i, e := range d {
		if e.Key == key {
			return i
		}
	}
	return -1
}

// Apply returns doc with the update operators applied.
func Apply(doc, update bson.Raw) (bson.Raw, error) {
	ops, err := update.Elements()
	if err != nil {
		return nil, errors.Wrap(err, "read update")
	}
	if len(ops) == 0 {
		return nil, errors.New("doccontext: empty update document")
	}

	d, err := elementsOf(doc)
	if err != nil {
		return nil, err
	}

	for _, op := range ops {
		if !strings.HasPrefix(op.Key(), "$") {
			return nil, errors.Newf("doccontext: update document requires operators, got %q", op.Key())
		}
		fields, ok := op.Value().DocumentOK()
		if !ok {
			return nil, errors.Newf("doccontext: %s needs a document", op.Key())
		}
		elems, err := fields.Elements()
		if err != nil {
			return nil, err
		}
		for _, f := range elems {
			if strings.Contains(f.Key(), ".") {
				return nil, errors.Wrapf(driver.ErrUnsupported, "nested update path %q", f.Key())
			}
			if f.Key() == IDField && op.Key() != "$set" {
				return nil, ErrImmutableID
			}
			if d, err = applyOp(d, op.Key(), f.Key(), f.Value()); err != nil {
				return nil, err
			}
		}
	}

	out, err := bson.Marshal(d)
	if err != nil {
		return nil, errors.Wrap(err, "marshal document")
	}
	return out, nil
}

func applyOp(d bson.D, op, key string, arg bson.RawValue) (bson.D, error) {
	i := indexOf(d, key)
	switch op {
	case "$set":
		if key == IDField {
			if i < 0 {
				return append(bson.D{{Key: key, Value: arg}}, d...), nil
			}
			if !Equal(rawOf(d[i].Value), arg) {
				return nil, ErrImmutableID
			}
			return d, nil
		}
		if i >= 0 {
			d[i].Value = arg
			return d, nil
		}
		return append(d, bson.E{Key: key, Value: arg}), nil

	case "$unset":
		if i >= 0 {
			d = append(d[:i], d[i+1:]...)
		}
		return d, nil

	case "$inc":
		if _, ok := number(arg); !ok {
			return nil, errors.Newf("doccontext: $inc on %q needs a number", key)
		}
		if i < 0 {
			return append(d, bson.E{Key: key, Value: arg}), nil
		}
		sum, err := add(rawOf(d[i].Value), arg)
		if err != nil {
			return nil, errors.Wrapf(err, "$inc %q", key)
		}
		d[i].Value = sum
		return d, nil
	}
	return nil, errors.Wrapf(driver.ErrUnsupported, "update operator %s", op)
}

func add(a, b bson.RawValue) (any, error) {
	if _, ok := number(a); !ok {
		return nil, errors.New("doccontext: cannot increment a non-numeric field")
	}
	if a.Type == bson.TypeDouble || b.Type == bson.TypeDouble {
		x, _ := number(a)
		y, _ := number(b)
		return x + y, nil
	}
	x, _ := number(a)
	y, _ := number(b)
	sum := int64(x) + int64(y)
	if a.Type == bson.TypeInt32 && b.Type == bson.TypeInt32 && sum >= math.MinInt32 && sum <= math.MaxInt32 {
		return int32(sum), nil
	}
	return sum, nil
}

// Replace returns the replacement with the _id of the existing document. A
// replacement carrying a different _id is rejected.
func Replace(existing, replacement bson.Raw) (bson.Raw, error) {
	id, err := existing.LookupErr(IDField)
	if err != nil {
		return replacement, nil
	}
	d, err := elementsOf(replacement)
	if err != nil {
		return nil, err
	}
	if i := indexOf(d, IDField); i >= 0 {
		if !Equal(rawOf(d[i].Value), id) {
			return nil, ErrImmutableID
		}
		return replacement, nil
	}
	d = append(bson.D{{Key: IDField, Value: id}}, d...)
	out, err := bson.Marshal(d)
	if err != nil {
		return nil, errors.Wrap(err, "marshal document")
	}
	return out, nil
}

// Seed builds the base document of an upsert from the equality conditions of
// filter, the same way the server does.
func Seed(filter bson.Raw) (bson.Raw, error) {
	d := bson.D{}
	if err := seed(&d, filter); err != nil {
		return nil, err
	}
	out, err := bson.Marshal(d)
	if err != nil {
		return nil, errors.Wrap(err, "marshal document")
	}
	return out, nil
}

func seed(d *bson.D, filter bson.Raw) error {
	elems, err := filter.Elements()
	if err != nil {
		return err
	}
	for _, e := range elems {
		key, val := e.Key(), e.Value()
		if key == "$and" {
			subs, err := subFilters(key, val)
			if err != nil {
				return err
			}
			for _, sub := range subs {
				if err := seed(d, sub); err != nil {
					return err
				}
			}
			continue
		}
		if strings.HasPrefix(key, "$") || strings.Contains(key, ".") {
			continue
		}
		if ops, ok := operatorDoc(val); ok {
			eq, err := ops.LookupErr("$eq")
			if err != nil {
				continue
			}
			val = eq
		}
		if indexOf(*d, key) < 0 {
			*d = append(*d, bson.E{Key: key, Value: val})
		}
	}
	return nil
}
