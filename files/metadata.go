package files

import (
	"strings"

	"github.com/cockroachdb/errors"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// Object store user metadata keys.
const (
	ObjectNameKey     = "doccontext-name"
	ObjectMetadataKey = "doccontext-metadata"
)

// EncodeMetadata renders metadata as canonical extended JSON so object
// stores with string-only user metadata keep value types.
func EncodeMetadata(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "", nil
	}
	out, err := bson.MarshalExtJSON(m, true, false)
	if err != nil {
		return "", errors.Wrap(err, "encode file metadata")
	}
	return string(out), nil
}

// DecodeMetadata parses the output of EncodeMetadata.
func DecodeMetadata(s string) (map[string]any, error) {
	if s == "" {
		return nil, nil
	}
	var doc bson.D
	if err := bson.UnmarshalExtJSON([]byte(s), true, &doc); err != nil {
		return nil, errors.Wrap(err, "decode file metadata")
	}
	out := make(map[string]any, len(doc))
	for _, e := range doc {
		out[e.Key] = plain(e.Value)
	}
	return out, nil
}

// plain converts decoded values into the types a caller stored.
func plain(v any) any {
	switch v := v.(type) {
	case bson.DateTime:
		return v.Time().UTC()
	case bson.D:
		m := make(map[string]any, len(v))
		for _, e := range v {
			m[e.Key] = plain(e.Value)
		}
		return m
	case bson.A:
		out := make([]any, len(v))
		for i, x := range v {
			out[i] = plain(x)
		}
		return out
	}
	return v
}

// UserMetadata looks up key in object store user metadata, ignoring case.
// Stores differ in how they canonicalize header names.
func UserMetadata(m map[string]string, key string) string {
	if v, ok := m[key]; ok {
		return v
	}
	for k, v := range m {
		if strings.EqualFold(k, key) || strings.EqualFold(k, "x-amz-meta-"+key) {
			return v
		}
	}
	return ""
}
