package util

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

// DeriveHKDF expands secret into an n-byte subkey bound to the given
// purpose label. Distinct labels yield independent keys, so one master
// key can back both sealing and cookie signing.
func DeriveHKDF(secret []byte, purpose string, n int) []byte {
	out := make([]byte, n)
	r := hkdf.New(sha256.New, secret, nil, []byte(purpose))
	if _, err := io.ReadFull(r, out); err != nil {
		// Only reachable by asking for more output than HKDF-SHA256 can
		// produce; callers pass fixed small sizes.
		panic(err)
	}
	return out
}
