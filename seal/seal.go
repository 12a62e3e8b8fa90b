// Package seal provides server-side sealing of identity-provider secrets.
// Provider access and refresh tokens are never written to a store in
// plaintext; they pass through a Sealer first and come back out as opaque
// base64 blobs.
package seal

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/awnumar/memguard"

	"github.com/syoslabs/gatehouse/internal/util"
)

// Scope binds a ciphertext to the field it protects. A sealed access
// token presented as a refresh token fails authentication.
type Scope string

const (
	ScopeAccessToken  Scope = "access_token"
	ScopeRefreshToken Scope = "refresh_token"
	ScopeCodeVerifier Scope = "code_verifier"
)

const blobPrefix = "v1:"

// ErrSealOpen is the only error Open returns to callers. Wrong key,
// tampered ciphertext, and corrupt encoding are deliberately
// indistinguishable so the sealer cannot be used as a decryption oracle;
// the underlying cause is logged out-of-band.
var ErrSealOpen = errors.New("failed to open sealed secret")

// Sealer encrypts provider secrets under a server-held master key. The
// key lives in a memguard enclave and is only materialized for the
// duration of a single seal or open call.
type Sealer struct {
	key    *memguard.Enclave
	logger *slog.Logger
}

// New creates a Sealer from a hex-encoded 32-byte master key.
func New(masterKeyHex string, logger *slog.Logger) (*Sealer, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(masterKeyHex))
	if err != nil {
		return nil, fmt.Errorf("decoding seal master key: %w", err)
	}
	if len(raw) != util.AESKeySize {
		util.WipeBytes(raw)
		return nil, fmt.Errorf("seal master key must be %d bytes, got %d", util.AESKeySize, len(raw))
	}
	if logger == nil {
		logger = slog.Default()
	}
	// NewEnclave wipes raw for us.
	return &Sealer{key: memguard.NewEnclave(raw), logger: logger}, nil
}

// Seal encrypts plaintext under the master key with the scope as AAD and
// returns a versioned base64 blob.
func (s *Sealer) Seal(scope Scope, plaintext string) (string, error) {
	buf, err := s.key.Open()
	if err != nil {
		return "", fmt.Errorf("opening seal key enclave: %w", err)
	}
	defer buf.Destroy()

	sealed, err := util.EncryptAESGCM([]byte(plaintext), buf.Bytes(), []byte(scope))
	if err != nil {
		return "", fmt.Errorf("sealing %s: %w", scope, err)
	}
	return blobPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a blob produced by Seal. Every failure mode collapses to
// ErrSealOpen.
func (s *Sealer) Open(scope Scope, blob string) (string, error) {
	encoded, ok := strings.CutPrefix(blob, blobPrefix)
	if !ok {
		s.logFailure(scope, "unknown blob version")
		return "", ErrSealOpen
	}

	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		s.logFailure(scope, "corrupt base64 encoding")
		return "", ErrSealOpen
	}

	buf, err := s.key.Open()
	if err != nil {
		s.logFailure(scope, "enclave open failed")
		return "", ErrSealOpen
	}
	defer buf.Destroy()

	plaintext, err := util.DecryptAESGCM(sealed, buf.Bytes(), []byte(scope))
	if err != nil {
		s.logFailure(scope, "authentication failed")
		return "", ErrSealOpen
	}
	return string(plaintext), nil
}

func (s *Sealer) logFailure(scope Scope, cause string) {
	s.logger.Warn("seal open failure",
		slog.String("scope", string(scope)),
		slog.String("cause", cause))
}
