package schema

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// HashJSON returns the SHA1 hex digest of the compact JSON encoding of
// v. Marshaling through encoding/json gives a stable byte form for
// values that arrived with arbitrary whitespace.
func HashJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal for hashing: %w", err)
	}
	sum := sha1.Sum(data)
	return hex.EncodeToString(sum[:]), nil
}

// HashRaw returns the SHA1 hex digest of a raw JSON document after
// compacting it. Receipt checksums are computed this way over the
// event's data field so the client can verify integrity against what
// it submitted.
func HashRaw(raw json.RawMessage) (string, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return "", fmt.Errorf("compact for hashing: %w", err)
	}
	sum := sha1.Sum(buf.Bytes())
	return hex.EncodeToString(sum[:]), nil
}
