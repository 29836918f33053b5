package utils

import (
	"bytes"
	"encoding/json"
)

// MarshalLine encodes v as a single line of JSON terminated by '\n'. HTML
// characters are not escaped so URLs and paths read naturally on the wire.
//
// Parameters:
//   - v: The value to encode
//
// Returns:
//   - The encoded line including the trailing newline
//   - An error if v cannot be encoded
func MarshalLine(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// IsJsonObject reports whether data is a single JSON object.
func IsJsonObject(data []byte) bool {
	var js map[string]json.RawMessage
	return json.Unmarshal(data, &js) == nil && js != nil
}

// Pointer returns a pointer to the given value.
func Pointer[T any](value T) *T {
	return &value
}
