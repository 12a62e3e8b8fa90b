package util

import (
	"crypto/sha256"

	"golang.org/x/crypto/pbkdf2"
)

// PBKDF2Params fixes the key-derivation cost for client-cache keys.
type PBKDF2Params struct {
	Iterations int    `json:"iterations"`
	KeyLen     int    `json:"key_len"`
	Salt       string `json:"salt"`
}

// DefaultPBKDF2Params returns the derivation parameters used for the
// client session cache: 100k iterations of SHA-256, per OWASP guidance.
// The salt is a fixed application constant: the input being stretched is
// a device fingerprint, a uniqueness source rather than a secret, so a
// per-user salt buys nothing here.
func DefaultPBKDF2Params() PBKDF2Params {
	return PBKDF2Params{
		Iterations: 100_000,
		KeyLen:     AESKeySize,
		Salt:       "syos-session-v1",
	}
}

// DerivePBKDF2Key stretches the input into an AES-256 key.
func DerivePBKDF2Key(input string, params PBKDF2Params) []byte {
	return pbkdf2.Key([]byte(input), []byte(params.Salt), params.Iterations, params.KeyLen, sha256.New)
}
