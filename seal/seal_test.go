package seal

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/syoslabs/gatehouse/internal/util"
)

func newTestSealer(t *testing.T) *Sealer {
	t.Helper()
	key, err := util.NewAESKey()
	require.NoError(t, err)
	s, err := New(hex.EncodeToString(key), nil)
	require.NoError(t, err)
	return s
}

func TestSealOpenRoundTrip(t *testing.T) {
	s := newTestSealer(t)

	for _, plaintext := range []string{
		"",
		"tok_abc123",
		strings.Repeat("x", 100_000),
	} {
		blob, err := s.Seal(ScopeAccessToken, plaintext)
		require.NoError(t, err)
		require.True(t, strings.HasPrefix(blob, "v1:"))

		got, err := s.Open(ScopeAccessToken, blob)
		require.NoError(t, err)
		require.Equal(t, plaintext, got)
	}
}

func TestSealNondeterministic(t *testing.T) {
	s := newTestSealer(t)

	a, err := s.Seal(ScopeRefreshToken, "same token")
	require.NoError(t, err)
	b, err := s.Seal(ScopeRefreshToken, "same token")
	require.NoError(t, err)
	require.NotEqual(t, a, b)

	for _, blob := range []string{a, b} {
		got, err := s.Open(ScopeRefreshToken, blob)
		require.NoError(t, err)
		require.Equal(t, "same token", got)
	}
}

func TestOpenScopeMismatch(t *testing.T) {
	s := newTestSealer(t)

	blob, err := s.Seal(ScopeAccessToken, "tok")
	require.NoError(t, err)

	_, err = s.Open(ScopeRefreshToken, blob)
	require.ErrorIs(t, err, ErrSealOpen)
}

func TestOpenTamperedBlob(t *testing.T) {
	s := newTestSealer(t)

	blob, err := s.Seal(ScopeCodeVerifier, "verifier-value")
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(blob, "v1:"))
	require.NoError(t, err)

	for i := range raw {
		mutated := append([]byte(nil), raw...)
		mutated[i] ^= 0x01
		tampered := "v1:" + base64.StdEncoding.EncodeToString(mutated)
		_, err := s.Open(ScopeCodeVerifier, tampered)
		require.ErrorIs(t, err, ErrSealOpen, "byte %d", i)
	}
}

func TestOpenFailuresAreUniform(t *testing.T) {
	s := newTestSealer(t)

	cases := map[string]string{
		"missing prefix": "AAAA",
		"bad base64":     "v1:!!not-base64!!",
		"truncated":      "v1:" + base64.StdEncoding.EncodeToString([]byte{1, 2, 3}),
	}
	for name, blob := range cases {
		_, err := s.Open(ScopeAccessToken, blob)
		if !errors.Is(err, ErrSealOpen) {
			t.Fatalf("%s: got %v, want ErrSealOpen", name, err)
		}
	}
}

func TestOpenWrongKey(t *testing.T) {
	a := newTestSealer(t)
	b := newTestSealer(t)

	blob, err := a.Seal(ScopeAccessToken, "tok")
	require.NoError(t, err)

	_, err = b.Open(ScopeAccessToken, blob)
	require.ErrorIs(t, err, ErrSealOpen)
}

func TestNewRejectsBadKeys(t *testing.T) {
	_, err := New("zz", nil)
	require.Error(t, err)

	_, err = New(hex.EncodeToString([]byte("short")), nil)
	require.Error(t, err)
}
