package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// DecodeEntries decodes the data field of a write request. Anything other
// than a JSON object is rejected with ErrInvalidPayload. Numbers are kept as
// json.Number so their literal text survives coercion.
func DecodeEntries(raw json.RawMessage) (map[string]any, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, ErrInvalidPayload
	}

	decoder := json.NewDecoder(bytes.NewReader(trimmed))
	decoder.UseNumber()

	var entries map[string]any
	if err := decoder.Decode(&entries); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}

	return entries, nil
}

// DecodeKeys decodes the keys field of a delete request. An absent or null
// field yields no keys; any other non-array value is rejected with
// ErrInvalidPayload. Elements that are not non-empty strings are dropped.
func DecodeKeys(raw json.RawMessage) ([]string, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}

	if trimmed[0] != '[' {
		return nil, ErrInvalidPayload
	}

	var items []any
	if err := json.Unmarshal(trimmed, &items); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}

	keys := make([]string, 0, len(items))

	for _, item := range items {
		if key, ok := item.(string); ok && key != "" {
			keys = append(keys, key)
		}
	}

	return keys, nil
}

// ValueString coerces a decoded JSON value to the string stored in a table.
// Null becomes the empty string, numbers keep their literal text, and
// objects and arrays are stored as compact JSON.
func ValueString(value any) string {
	switch typed := value.(type) {
	case nil:
		return ""
	case string:
		return typed
	case json.Number:
		return typed.String()
	case bool:
		return strconv.FormatBool(typed)
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64)
	case int:
		return strconv.Itoa(typed)
	case int64:
		return strconv.FormatInt(typed, 10)
	}

	var buf bytes.Buffer

	encoder := json.NewEncoder(&buf)
	encoder.SetEscapeHTML(false)

	if err := encoder.Encode(value); err != nil {
		return fmt.Sprint(value)
	}

	return strings.TrimSuffix(buf.String(), "\n")
}
