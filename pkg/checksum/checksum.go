// Package checksum provides the SHA-256 helpers behind electronic signatures:
// record content is hashed into the signature manifest, and the manifest itself is
// hashed into the stored content hash.
package checksum

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// SumBytes returns the hex-encoded SHA-256 of data
func SumBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Equal compares two hex checksums in constant time
func Equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
