// Package core provides shared primitives used across Grace Core's
// components: deterministic payload canonicalization and the error
// taxonomy from spec.md §7.
package core

import (
	"bytes"
	"encoding/json"
)

// CanonicalizeJSON returns a deterministic encoding of payload suitable for
// hashing (spec.md §4.2 step 3): object keys sorted, no insignificant
// whitespace. Payloads that are not valid JSON (or empty) are returned
// unchanged — the log accepts opaque bytes, canonicalization is a
// best-effort normalization for the common JSON case policies rely on.
func CanonicalizeJSON(payload []byte) []byte {
	if len(payload) == 0 {
		return payload
	}

	var v interface{}
	if err := json.Unmarshal(payload, &v); err != nil {
		return payload
	}

	canonical, err := marshalCanonical(v)
	if err != nil {
		return payload
	}
	return canonical
}

// marshalCanonical re-marshals a decoded JSON value with map keys sorted.
// encoding/json already sorts map[string]interface{} keys on Marshal, so a
// plain round trip through json.Unmarshal/json.Marshal is sufficient and
// also strips whitespace/formatting differences between equivalent inputs.
func marshalCanonical(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	// json.Encoder.Encode appends a trailing newline; strip it so the
	// canonical form is stable regardless of encoding path.
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
