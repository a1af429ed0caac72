package util

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// HashPayload produces a stable digest of a result payload. json.Marshal
// writes map keys in sorted order, which makes the digest deterministic for
// equal payloads.
func HashPayload(payload map[string]any) string {
	data, err := json.Marshal(payload)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// CopyMap is a shallow copy, used when attaching a submitted payload to a
// stored result without aliasing the caller's map.
func CopyMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
