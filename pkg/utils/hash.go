package utils

import (
	"crypto/sha256"
	"encoding/hex"
)

// Digest returns the hex sha256 of data. Exports use it as an ETag.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
