package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// CanonicalVersion identifies the canonicalization scheme used for every hash
// in the audit trail: canonical JSON (sorted map keys) digested with SHA-256.
// It is recorded on each run so verifiers know how to recompute hashes even
// after the scheme changes.
const CanonicalVersion = "1"

// CanonicalJSON serializes a value to canonical JSON bytes. Map keys are
// emitted in sorted order (encoding/json guarantees this for map types), so
// two payloads with equal content produce identical bytes regardless of
// insertion order. All hashes in the audit trail are computed over this form.
func CanonicalJSON(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to canonicalize payload: %w", err)
	}

	return data, nil
}

// HashData returns the SHA-256 hex digest of the canonical JSON form of v.
//
// The digest is the audit anchor for row payloads: node states, rows, and
// transform errors store it alongside (or instead of) the payload itself, so
// lineage verification survives payload purge.
func HashData(v any) (string, error) {
	data, err := CanonicalJSON(v)
	if err != nil {
		return "", err
	}

	sum := sha256.Sum256(data)

	return hex.EncodeToString(sum[:]), nil
}

// HashBytes returns the SHA-256 hex digest of raw bytes. Used for artifact
// content hashes where the sink already produced serialized output.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)

	return hex.EncodeToString(sum[:])
}
