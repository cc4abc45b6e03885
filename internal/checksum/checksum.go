// Package checksum computes content hashes for documents and stored row sets.
package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
)

// Sum returns the hex-encoded SHA-256 digest of data.
func Sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// Rows returns an order-independent digest of a set of encoded rows.
// Each row must already be a canonical encoding; rows are sorted before hashing.
func Rows(rows []string) string {
	sorted := append([]string(nil), rows...)
	sort.Strings(sorted)
	h := sha256.New()
	for _, r := range sorted {
		h.Write([]byte(r))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
