package bocha

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// object is a JSON object held as raw fields so each one can be mapped
// explicitly and any failure reported with its wire path.
type object map[string]json.RawMessage

func decodeObject(data []byte) (object, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, &ValidationError{Message: "expected object, got " + jsonKind(trimmed)}
	}

	var obj object
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return nil, &ValidationError{Message: fmt.Sprintf("malformed object: %v", err)}
	}
	return obj, nil
}

// has reports whether key is present with a non-null value.
func (o object) has(key string) bool {
	raw, ok := o[key]
	return ok && !isNull(raw)
}

func (o object) required(key string, dst any) error {
	if !o.has(key) {
		return &ValidationError{Path: key, Message: "field required"}
	}
	return o.decode(key, dst)
}

// optional leaves dst untouched when key is absent or null.
func (o object) optional(key string, dst any) error {
	if !o.has(key) {
		return nil
	}
	return o.decode(key, dst)
}

func (o object) decode(key string, dst any) error {
	if err := json.Unmarshal(o[key], dst); err != nil {
		return asValidationError(err).under(key)
	}
	return nil
}

// decodeList maps an ordered list field. An absent or null list yields nil;
// a present list, even an empty one, yields a non-nil slice.
func decodeList[T any](o object, key string) ([]T, error) {
	if !o.has(key) {
		return nil, nil
	}

	raw := bytes.TrimSpace(o[key])
	if raw[0] != '[' {
		return nil, &ValidationError{Path: key, Message: "expected array, got " + jsonKind(raw)}
	}

	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, &ValidationError{Path: key, Message: fmt.Sprintf("malformed array: %v", err)}
	}

	out := make([]T, 0, len(items))
	for i, item := range items {
		var v T
		if err := json.Unmarshal(item, &v); err != nil {
			return nil, asValidationError(err).under(fmt.Sprintf("[%d]", i)).under(key)
		}
		out = append(out, v)
	}
	return out, nil
}

func asValidationError(err error) *ValidationError {
	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		return validationErr
	}

	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return &ValidationError{
			Path:    typeErr.Field,
			Message: fmt.Sprintf("expected %s, got %s", typeErr.Type, typeErr.Value),
		}
	}

	return &ValidationError{Message: err.Error()}
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func jsonKind(raw []byte) string {
	if len(raw) == 0 {
		return "empty input"
	}
	switch raw[0] {
	case '{':
		return "object"
	case '[':
		return "array"
	case '"':
		return "string"
	case 't', 'f':
		return "boolean"
	case 'n':
		return "null"
	default:
		return "number"
	}
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
