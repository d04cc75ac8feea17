package core

import (
	"encoding/json"
	"fmt"
)

// EncodePayload serializes a queue or stream payload. Byte slices and
// json.RawMessage are stored as-is so callers can push pre-encoded JSON;
// strings are JSON-encoded like any other value, so "123" or "null" read
// back as the same string.
func EncodePayload(v interface{}) (string, error) {
	switch val := v.(type) {
	case []byte:
		return string(val), nil
	case json.RawMessage:
		return string(val), nil
	}

	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return string(data), nil
}

// DecodePayload parses a stored payload. When the value is not valid JSON the
// raw string is returned together with ErrSerialization so the caller can
// count the fallback without failing the read.
func DecodePayload(raw string) (interface{}, error) {
	var v interface{}
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return raw, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return v, nil
}

// DecodeInto unmarshals a stored payload into dest
func DecodeInto(raw string, dest interface{}) error {
	if err := json.Unmarshal([]byte(raw), dest); err != nil {
		return fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return nil
}
