package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Fingerprint hashes the normalized form of a request body. v should be a
// struct holding only the fields that define the request; encoding/json emits
// struct fields in declaration order and map keys sorted, so equal requests
// always produce equal fingerprints.
func Fingerprint(v any) (string, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to normalize request for fingerprint: %w", err)
	}
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:]), nil
}

// FingerprintOf hashes already-normalized parts joined unambiguously
func FingerprintOf(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(fmt.Sprintf("%d:%s", len(p), p)))
	}
	return hex.EncodeToString(h.Sum(nil))
}
