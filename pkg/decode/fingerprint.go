package decode

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Fingerprint derives a stable event identifier from raw vehicle data:
// lowercase-hex SHA-256 over the canonical JSON form.
//
// Canonical form means lexicographically sorted object keys and no
// insignificant whitespace, with numbers kept in their original lexeme.
// The same data therefore yields the same aid across processes and runs,
// which is what makes dedup of unidentified events possible.
func Fingerprint(data json.RawMessage) (string, error) {
	canonical, err := canonicalize(data)
	if err != nil {
		return "", fmt.Errorf("canonicalize data: %w", err)
	}

	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// canonicalize round-trips raw JSON through a generic value. encoding/json
// marshals map keys in sorted order and emits no whitespace; json.Number
// preserves the original numeric lexeme.
func canonicalize(raw json.RawMessage) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}

	return json.Marshal(v)
}
