// Package storetest holds conformance suites run against every store
// backend.
package storetest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/syoslabs/gatehouse/store"
)

func ptr[T any](v T) *T { return &v }

// NewSession builds a valid session row for tests.
func NewSession(sessionID, userID string, now time.Time) store.Session {
	return store.Session{
		SessionID:              sessionID,
		UserID:                 userID,
		ProviderUserID:         "prov-" + userID,
		ProviderSessionID:      "psess-" + sessionID,
		AccessTokenCiphertext:  "v1:access-" + sessionID,
		RefreshTokenCiphertext: "v1:refresh-" + sessionID,
		CSRFTokenHash:          "csrf-" + sessionID,
		ExpiresAt:              now.Add(time.Hour),
		CreatedAt:              now,
		IPAddress:              "203.0.113.7",
		UserAgent:              "storetest/1.0",
		IsValid:                true,
		Snapshot: store.UserSnapshot{
			UserID:         userID,
			ProviderUserID: "prov-" + userID,
			Email:          userID + "@example.com",
		},
	}
}

// RunLoginStateSuite exercises the single-use and expiry contract.
func RunLoginStateSuite(t *testing.T, newStore func(t *testing.T) store.LoginStateStore) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("ConsumeReturnsOnce", func(t *testing.T) {
		s := newStore(t)
		state := store.LoginState{
			StateHash:              "hash-1",
			CodeVerifierCiphertext: "v1:verifier",
			RedirectTo:             "/dashboard",
			FlowMode:               store.FlowSignIn,
			CreatedAt:              now,
			ExpiresAt:              now.Add(10 * time.Minute),
		}
		require.NoError(t, s.Create(state))

		got, err := s.Consume("hash-1", now.Add(time.Minute))
		require.NoError(t, err)
		require.Equal(t, "v1:verifier", got.CodeVerifierCiphertext)
		require.Equal(t, "/dashboard", got.RedirectTo)
		require.Equal(t, store.FlowSignIn, got.FlowMode)

		_, err = s.Consume("hash-1", now.Add(time.Minute))
		require.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("ConsumeUnknown", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Consume("never-created", now)
		require.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("ExpiredConsumeDeletes", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(store.LoginState{
			StateHash: "hash-2",
			CreatedAt: now,
			ExpiresAt: now.Add(10 * time.Minute),
		}))

		// Past expiry: the record is gone either way.
		_, err := s.Consume("hash-2", now.Add(11*time.Minute))
		require.ErrorIs(t, err, store.ErrNotFound)
		_, err = s.Consume("hash-2", now)
		require.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("ConsumeAtExactExpiry", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(store.LoginState{
			StateHash: "hash-3",
			CreatedAt: now,
			ExpiresAt: now.Add(10 * time.Minute),
		}))
		_, err := s.Consume("hash-3", now.Add(10*time.Minute))
		require.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("CreateReplacesSameHash", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(store.LoginState{
			StateHash:  "hash-4",
			RedirectTo: "/old",
			ExpiresAt:  now.Add(10 * time.Minute),
		}))
		require.NoError(t, s.Create(store.LoginState{
			StateHash:  "hash-4",
			RedirectTo: "/new",
			ExpiresAt:  now.Add(10 * time.Minute),
		}))
		got, err := s.Consume("hash-4", now)
		require.NoError(t, err)
		require.Equal(t, "/new", got.RedirectTo)
	})
}

// RunSessionSuite exercises lifecycle, rotation, touch, invalidation, and
// active-session selection.
func RunSessionSuite(t *testing.T, newStore func(t *testing.T) store.SessionStore) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("CreateAndLookup", func(t *testing.T) {
		s := newStore(t)
		sess := NewSession("sid-1", "user-1", now)
		require.NoError(t, s.Create(sess))

		got, err := s.Lookup("sid-1")
		require.NoError(t, err)
		require.Equal(t, sess.UserID, got.UserID)
		require.Equal(t, sess.AccessTokenCiphertext, got.AccessTokenCiphertext)
		require.Equal(t, sess.Snapshot.Email, got.Snapshot.Email)
		require.True(t, got.IsValid)
	})

	t.Run("LookupUnknown", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Lookup("missing")
		require.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("CreateSupersedesCollision", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(NewSession("sid-2", "user-old", now)))
		require.NoError(t, s.Create(NewSession("sid-2", "user-new", now)))

		got, err := s.Lookup("sid-2")
		require.NoError(t, err)
		require.Equal(t, "user-new", got.UserID)

		// The superseded row must not linger in the per-user view.
		_, err = s.SelectActiveForUser("user-old", now)
		require.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("RotatePartialChangeset", func(t *testing.T) {
		s := newStore(t)
		sess := NewSession("sid-3", "user-3", now)
		require.NoError(t, s.Create(sess))

		newExpiry := now.Add(2 * time.Hour)
		id, err := s.RotateSecrets("sid-3", store.SessionChanges{ExpiresAt: &newExpiry})
		require.NoError(t, err)
		require.Equal(t, "sid-3", id)

		got, err := s.Lookup("sid-3")
		require.NoError(t, err)
		require.True(t, got.ExpiresAt.Equal(newExpiry))
		require.Equal(t, sess.AccessTokenCiphertext, got.AccessTokenCiphertext)
		require.Equal(t, sess.RefreshTokenCiphertext, got.RefreshTokenCiphertext)
		require.Equal(t, sess.CSRFTokenHash, got.CSRFTokenHash)
	})

	t.Run("RotateSessionIDMovesRow", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(NewSession("sid-4", "user-4", now)))

		refreshed := now.Add(time.Minute)
		id, err := s.RotateSecrets("sid-4", store.SessionChanges{
			NewSessionID:           ptr("sid-4b"),
			AccessTokenCiphertext:  ptr("v1:access-rotated"),
			RefreshTokenCiphertext: ptr("v1:refresh-rotated"),
			CSRFTokenHash:          ptr("csrf-rotated"),
			LastRefreshedAt:        &refreshed,
		})
		require.NoError(t, err)
		require.Equal(t, "sid-4b", id)

		_, err = s.Lookup("sid-4")
		require.ErrorIs(t, err, store.ErrNotFound)

		got, err := s.Lookup("sid-4b")
		require.NoError(t, err)
		require.Equal(t, "sid-4b", got.SessionID)
		require.Equal(t, "v1:access-rotated", got.AccessTokenCiphertext)
		require.Equal(t, "csrf-rotated", got.CSRFTokenHash)
		require.NotNil(t, got.LastRefreshedAt)
		require.True(t, got.LastRefreshedAt.Equal(refreshed))

		// The new id still resolves through the per-user view.
		active, err := s.SelectActiveForUser("user-4", now.Add(time.Minute))
		require.NoError(t, err)
		require.Equal(t, "sid-4b", active.SessionID)
	})

	t.Run("RotateUnknown", func(t *testing.T) {
		s := newStore(t)
		_, err := s.RotateSecrets("missing", store.SessionChanges{})
		require.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("TouchUpdatesActivity", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(NewSession("sid-5", "user-5", now)))

		seen := now.Add(5 * time.Minute)
		require.NoError(t, s.Touch("sid-5", seen, "198.51.100.2", "other-agent"))

		got, err := s.Lookup("sid-5")
		require.NoError(t, err)
		require.NotNil(t, got.LastSeenAt)
		require.True(t, got.LastSeenAt.Equal(seen))
		require.Equal(t, "198.51.100.2", got.IPAddress)
		require.Equal(t, "other-agent", got.UserAgent)
	})

	t.Run("TouchMissingIsNoop", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Touch("missing", now, "", ""))
	})

	t.Run("TouchKeepsMetadataWhenEmpty", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(NewSession("sid-6", "user-6", now)))
		require.NoError(t, s.Touch("sid-6", now.Add(time.Minute), "", ""))

		got, err := s.Lookup("sid-6")
		require.NoError(t, err)
		require.Equal(t, "203.0.113.7", got.IPAddress)
		require.Equal(t, "storetest/1.0", got.UserAgent)
	})

	t.Run("InvalidateIsPermanent", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(NewSession("sid-7", "user-7", now)))
		require.NoError(t, s.Invalidate("sid-7", now))

		_, err := s.Lookup("sid-7")
		require.ErrorIs(t, err, store.ErrNotFound)

		// Revoking twice keeps the first revocation.
		require.NoError(t, s.Invalidate("sid-7", now.Add(time.Hour)))
		_, err = s.Lookup("sid-7")
		require.ErrorIs(t, err, store.ErrNotFound)

		// Touch and rotate must not resurrect the row.
		require.NoError(t, s.Touch("sid-7", now.Add(time.Minute), "", ""))
		_, err = s.Lookup("sid-7")
		require.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("InvalidateUnknown", func(t *testing.T) {
		s := newStore(t)
		err := s.Invalidate("missing", now)
		require.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("SelectActivePrefersLastSeen", func(t *testing.T) {
		s := newStore(t)

		older := NewSession("sid-8a", "user-8", now.Add(-2*time.Hour))
		older.ExpiresAt = now.Add(time.Hour)
		seen := now.Add(-time.Minute)
		older.LastSeenAt = &seen
		require.NoError(t, s.Create(older))

		newer := NewSession("sid-8b", "user-8", now.Add(-time.Hour))
		newer.ExpiresAt = now.Add(time.Hour)
		require.NoError(t, s.Create(newer))

		// sid-8a was created earlier but used more recently than sid-8b
		// was created, so it wins.
		got, err := s.SelectActiveForUser("user-8", now)
		require.NoError(t, err)
		require.Equal(t, "sid-8a", got.SessionID)
	})

	t.Run("SelectActiveSkipsExpiredAndRevoked", func(t *testing.T) {
		s := newStore(t)

		expired := NewSession("sid-9a", "user-9", now.Add(-2*time.Hour))
		expired.ExpiresAt = now.Add(-time.Minute)
		require.NoError(t, s.Create(expired))

		revoked := NewSession("sid-9b", "user-9", now)
		require.NoError(t, s.Create(revoked))
		require.NoError(t, s.Invalidate("sid-9b", now))

		_, err := s.SelectActiveForUser("user-9", now)
		require.ErrorIs(t, err, store.ErrNotFound)

		live := NewSession("sid-9c", "user-9", now)
		require.NoError(t, s.Create(live))
		got, err := s.SelectActiveForUser("user-9", now)
		require.NoError(t, err)
		require.Equal(t, "sid-9c", got.SessionID)
	})

	t.Run("SelectActiveIgnoresOtherUsers", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(NewSession("sid-10", "user-10", now)))
		_, err := s.SelectActiveForUser("user-11", now)
		require.ErrorIs(t, err, store.ErrNotFound)
	})
}

// RunLinkSuite exercises symmetry, self-link rejection, and the cluster
// cap.
func RunLinkSuite(t *testing.T, newStore func(t *testing.T) store.LinkStore) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("LinkIsSymmetric", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Link("a", "b", now))

		ab, err := s.Linked("a", "b")
		require.NoError(t, err)
		require.True(t, ab)
		ba, err := s.Linked("b", "a")
		require.NoError(t, err)
		require.True(t, ba)

		links, err := s.ListLinks("a")
		require.NoError(t, err)
		require.Equal(t, []string{"b"}, links)
	})

	t.Run("SelfLinkRejected", func(t *testing.T) {
		s := newStore(t)
		require.ErrorIs(t, s.Link("a", "a", now), store.ErrSelfLink)
	})

	t.Run("LinkIsIdempotent", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Link("a", "b", now))
		require.NoError(t, s.Link("b", "a", now.Add(time.Minute)))

		links, err := s.ListLinks("a")
		require.NoError(t, err)
		require.Len(t, links, 1)
	})

	t.Run("UnlinkRemovesBothDirections", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Link("a", "b", now))
		require.NoError(t, s.Unlink("b", "a"))

		ab, err := s.Linked("a", "b")
		require.NoError(t, err)
		require.False(t, ab)

		// Unlinking an absent edge is fine.
		require.NoError(t, s.Unlink("a", "b"))
	})

	t.Run("LinkLimit", func(t *testing.T) {
		s := newStore(t)
		for i := 0; i < store.MaxLinkedAccounts-1; i++ {
			require.NoError(t, s.Link("hub", string(rune('b'+i)), now))
		}
		require.ErrorIs(t, s.Link("hub", "overflow", now), store.ErrLinkLimit)
		// The partner side is checked too.
		require.ErrorIs(t, s.Link("overflow", "hub", now), store.ErrLinkLimit)
		// Re-recording an existing edge stays allowed at the cap.
		require.NoError(t, s.Link("hub", "b", now))
	})
}

// RunUserSuite exercises the synced user directory.
func RunUserSuite(t *testing.T, newStore func(t *testing.T) store.UserStore) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("UpsertCreatesWithStableID", func(t *testing.T) {
		s := newStore(t)
		created, err := s.UpsertByProviderID(store.User{
			ProviderUserID: "prov-1",
			Email:          "one@example.com",
			FirstName:      "One",
			UpdatedAt:      now,
		})
		require.NoError(t, err)
		require.NotEmpty(t, created.UserID)
		require.True(t, created.CreatedAt.Equal(now))

		got, err := s.Get(created.UserID)
		require.NoError(t, err)
		require.Equal(t, "one@example.com", got.Email)

		byProv, err := s.GetByProviderID("prov-1")
		require.NoError(t, err)
		require.Equal(t, created.UserID, byProv.UserID)
	})

	t.Run("UpsertRefreshesExisting", func(t *testing.T) {
		s := newStore(t)
		created, err := s.UpsertByProviderID(store.User{
			ProviderUserID: "prov-2",
			Email:          "old@example.com",
			UpdatedAt:      now,
		})
		require.NoError(t, err)

		updated, err := s.UpsertByProviderID(store.User{
			ProviderUserID: "prov-2",
			Email:          "new@example.com",
			FirstName:      "New",
			EmailVerified:  true,
			UpdatedAt:      now.Add(time.Hour),
		})
		require.NoError(t, err)
		require.Equal(t, created.UserID, updated.UserID)
		require.Equal(t, "new@example.com", updated.Email)
		require.True(t, updated.EmailVerified)
		require.True(t, updated.CreatedAt.Equal(now))
	})

	t.Run("GetUnknown", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get("missing")
		require.ErrorIs(t, err, store.ErrNotFound)
		_, err = s.GetByProviderID("missing")
		require.ErrorIs(t, err, store.ErrNotFound)
	})
}
