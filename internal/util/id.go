package util

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID mints a random 96-bit identifier as lowercase hex, optionally
// namespaced with a prefix ("doc_", "ext_" and friends drop the underscore
// here and pass the bare prefix).
func NewID(prefix string) string {
	raw := make([]byte, 12)
	_, _ = rand.Read(raw)
	id := hex.EncodeToString(raw)
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}
