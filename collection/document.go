package collection

import (
	"github.com/cockroachdb/errors"

	"github.com/jacentio/doccontext/model"
)

// DefaultKeyName is the storage name of the key field.
const DefaultKeyName = "_id"

// Document is a record stored in a collection. DocumentKey returns the value
// of its key field.
type Document interface {
	DocumentKey() any
}

// KeyNamer is implemented by documents whose key is not stored as _id.
type KeyNamer interface {
	KeyName() string
}

// KeyName returns the storage name of the key field of T.
func KeyName[T Document]() (string, error) {
	var zero T
	name := DefaultKeyName
	if kn, ok := any(zero).(KeyNamer); ok {
		name = kn.KeyName()
	} else if kn, ok := any(&zero).(KeyNamer); ok {
		name = kn.KeyName()
	}
	if name == "" {
		return "", errors.Wrapf(model.ErrNoKey, "%T", zero)
	}
	return name, nil
}
