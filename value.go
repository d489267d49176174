package sharedmap

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// encodeValue converts a caller-supplied value to its stored form.
// A json.RawMessage is validated and compacted rather than re-encoded.
func encodeValue(v any) (json.RawMessage, error) {
	switch x := v.(type) {
	case json.RawMessage:
		return compactRaw(x)
	case []byte:
		// Plain byte slices would otherwise encode as base64 strings,
		// which is rarely what a caller storing JSON intends.
		return nil, errors.New("use json.RawMessage to store pre-encoded JSON")
	}

	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode value: %w", err)
	}
	return json.RawMessage(b), nil
}

func compactRaw(raw json.RawMessage) (json.RawMessage, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, fmt.Errorf("invalid JSON value: %w", err)
	}
	return json.RawMessage(buf.Bytes()), nil
}

// truthy reports whether raw would be truthy as a JavaScript value.
// null, false, numbers equal to zero, and the empty string are falsy.
// Everything else, including empty objects and arrays, is truthy.
func truthy(raw json.RawMessage) bool {
	s := bytes.TrimSpace(raw)
	if len(s) == 0 {
		return false
	}

	switch s[0] {
	case 'n': // null
		return false
	case 'f': // false
		return false
	case 't':
		return true
	case '"':
		return len(s) > 2
	case '{', '[':
		return true
	}

	f, err := strconv.ParseFloat(string(s), 64)
	if err != nil {
		// Not a valid JSON scalar; stored values are validated,
		// so this only happens for hand-edited persisted data.
		return true
	}
	return f != 0
}
