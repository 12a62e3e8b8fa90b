package util

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// NormalizeEmail applies NFKC normalization and lowercases an address so
// lookups against the provider are stable across input methods.
func NormalizeEmail(s string) string {
	return strings.ToLower(norm.NFKC.String(strings.TrimSpace(s)))
}

// Normalize applies NFKC normalization. Passwords are normalized before
// they reach the provider so the same keystrokes always produce the same
// credential bytes.
func Normalize(s string) string {
	return norm.NFKC.String(s)
}

// HashSHA256Hex returns the hex SHA-256 digest of a string. Used for
// values that must be stored or logged without revealing the original
// (CSRF tokens, login state values).
func HashSHA256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// SignHMAC returns the unpadded base64url HMAC-SHA256 of value under key.
func SignHMAC(key []byte, value string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(value))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// VerifyHMAC reports whether sig is a valid HMAC-SHA256 of value under
// key, in constant time.
func VerifyHMAC(key []byte, value, sig string) bool {
	expected := SignHMAC(key, value)
	return hmac.Equal([]byte(expected), []byte(sig))
}
