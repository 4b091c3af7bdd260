package util

import (
	"crypto/sha256"
	"encoding/hex"
)

// HashParts returns the hex sha256 of the given parts joined by a NUL
// separator, so ("ab","c") and ("a","bc") never collide.
func HashParts(parts ...string) string {
	h := sha256.New()
	for i, p := range parts {
		if i > 0 {
			h.Write([]byte{0})
		}
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}
