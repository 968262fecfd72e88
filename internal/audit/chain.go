// Package audit implements a tamper-evident, hash-chained audit trail.
//
// Records are appended to per-day segment files, one self-contained
// JSON line per record. Each record's hash is SHA-256 over its
// canonical byte form, which ends with the previous record's hash —
// so altering any stored record breaks the chain from that point
// forward, and a replayed verification pinpoints where.
//
// Segments are independent: each UTC day starts a fresh chain with an
// empty previous hash. Consecutive days are not cryptographically
// linked; the digest sidecar is the advisory cross-check.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
)

// chainHash computes the record hash for r as if its previous_hash were
// prev: hex(SHA-256 of the canonical form ending in prev). The writer calls
// it with the current chain tip; the verifier calls it with the hash it
// expects the chain to carry at that position.
func chainHash(r *Record, prev string) (string, error) {
	c := *r
	c.PreviousHash = prev
	encoded, err := encodeCanonical(&c)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:]), nil
}
