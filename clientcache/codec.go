// Package clientcache keeps the per-device account cache that lets a
// user hold several signed-in accounts and switch between them without
// another round trip through the provider. Cached tokens are encrypted
// under a key derived from the device fingerprint, so the cache file is
// useless when copied to another machine.
package clientcache

import (
	"encoding/base64"
	"errors"
	"strconv"
	"strings"

	"github.com/syoslabs/gatehouse/internal/util"
)

// ErrSealed is returned when the cache cannot be decrypted with the key
// derived from this device's fingerprint. There is one error for every
// failure mode; a wrong fingerprint and a corrupt file look the same.
var ErrSealed = errors.New("cache cannot be opened on this device")

// Fingerprint describes the device the cache is bound to. All fields
// participate in key derivation, so changing any of them re-keys the
// cache.
type Fingerprint struct {
	UserAgent      string
	Language       string
	Platform       string
	TimezoneOffset int
	Screen         string
	ColorDepth     int
	Cores          int
}

// String renders the canonical derivation input.
func (f Fingerprint) String() string {
	return strings.Join([]string{
		f.UserAgent,
		f.Language,
		f.Platform,
		strconv.Itoa(f.TimezoneOffset),
		f.Screen,
		strconv.Itoa(f.ColorDepth),
		strconv.Itoa(f.Cores),
	}, "|")
}

// Codec encrypts and decrypts cache payloads under the fingerprint
// derived key. Derivation runs once at construction; the PBKDF2 cost
// makes per-call derivation too slow.
type Codec struct {
	key []byte
}

// NewCodec derives the device key from the fingerprint.
func NewCodec(fp Fingerprint) *Codec {
	return &Codec{key: util.DerivePBKDF2Key(fp.String(), util.DefaultPBKDF2Params())}
}

// EncryptString seals a value for this device.
func (c *Codec) EncryptString(plaintext string) (string, error) {
	blob, err := util.EncryptAESGCM([]byte(plaintext), c.key, nil)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(blob), nil
}

// DecryptString opens a sealed value. Any failure reports ErrSealed.
func (c *Codec) DecryptString(sealed string) (string, error) {
	blob, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", ErrSealed
	}
	plaintext, err := util.DecryptAESGCM(blob, c.key, nil)
	if err != nil {
		return "", ErrSealed
	}
	return string(plaintext), nil
}
