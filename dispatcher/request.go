package dispatcher

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// request is one decoded request line. Values stay raw until a handler asks
// for them; JSON null counts as absent.
type request map[string]json.RawMessage

func parseRequest(line []byte) (request, bool) {
	var req request
	if err := json.Unmarshal(line, &req); err != nil || req == nil {
		return nil, false
	}

	return req, true
}

func (r request) raw(key string) (json.RawMessage, bool) {
	v, ok := r[key]
	if !ok || bytes.Equal(bytes.TrimSpace(v), []byte("null")) {
		return nil, false
	}

	return v, true
}

func (r request) has(key string) bool {
	_, ok := r.raw(key)
	return ok
}

// str returns the value of key when it is a JSON string.
func (r request) str(key string) (string, bool) {
	v, ok := r.raw(key)
	if !ok {
		return "", false
	}

	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return "", false
	}

	return s, true
}

// integer returns the value of key when it is a JSON integer, or a string or
// float holding one (truncated toward zero).
func (r request) integer(key string) (int, bool) {
	v, ok := r.raw(key)
	if !ok {
		return 0, false
	}

	var n json.Number
	if err := json.Unmarshal(v, &n); err == nil {
		return numberToInt(string(n))
	}

	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return numberToInt(strings.TrimSpace(s))
	}

	var b bool
	if err := json.Unmarshal(v, &b); err == nil {
		if b {
			return 1, true
		}
		return 0, true
	}

	return 0, false
}

// strictInt returns the value of key only when it is a JSON integer literal.
func (r request) strictInt(key string) (int, bool) {
	v, ok := r.raw(key)
	if !ok {
		return 0, false
	}

	v = bytes.TrimSpace(v)
	if len(v) == 0 || v[0] == '"' {
		return 0, false
	}

	var n json.Number
	if err := json.Unmarshal(v, &n); err != nil {
		return 0, false
	}

	i, err := strconv.Atoi(string(n))
	if err != nil {
		return 0, false
	}

	return i, true
}

// flag returns the truthiness of key: false, 0, "", "0", empty arrays and
// objects, and absent keys are false.
func (r request) flag(key string) bool {
	v, ok := r.raw(key)
	if !ok {
		return false
	}

	var val any
	if err := json.Unmarshal(v, &val); err != nil {
		return false
	}

	switch t := val.(type) {
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		return t != "" && t != "0"
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	}

	return false
}

// object returns the value of key when it is a JSON object.
func (r request) object(key string) (map[string]json.RawMessage, bool) {
	v, ok := r.raw(key)
	if !ok {
		return nil, false
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(v, &obj); err != nil || obj == nil {
		return nil, false
	}

	return obj, true
}

func numberToInt(s string) (int, bool) {
	if i, err := strconv.Atoi(s); err == nil {
		return i, true
	}

	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || math.Abs(f) > math.MaxInt32 {
		return 0, false
	}

	return int(f), true
}
