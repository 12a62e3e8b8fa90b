package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/syoslabs/gatehouse/seal"
	"github.com/syoslabs/gatehouse/store"
)

type contextKey int

const sessionKey contextKey = iota

// refreshWindow is how close to expiry a session gets proactively
// refreshed. Requests landing inside the window rotate instead of
// letting the session die mid-flight.
const refreshWindow = time.Minute

func sessionFromContext(ctx context.Context) (store.Session, bool) {
	sess, ok := ctx.Value(sessionKey).(store.Session)
	return sess, ok
}

// ResolveSession authenticates the session cookie and puts the row on
// the request context. Sessions near or past expiry are refreshed
// against the provider, rotating the session id, both sealed tokens,
// and the CSRF token in one step. A missing CSRF cookie is re-issued so
// a client that lost it is not stuck signed in but unable to mutate.
func (a *API) ResolveSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, ok := a.resolveSession(w, r)
		if !ok {
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionKey, sess)))
	})
}

func (a *API) resolveSession(w http.ResponseWriter, r *http.Request) (store.Session, bool) {
	sessionID, ok := a.sessionIDFromCookie(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Not signed in")
		return store.Session{}, false
	}

	sess, err := a.stores.Sessions.Lookup(sessionID)
	if err != nil {
		a.clearSessionCookies(w)
		writeError(w, http.StatusUnauthorized, "Not signed in")
		return store.Session{}, false
	}

	now := a.now()
	if !now.Before(sess.ExpiresAt) {
		// Past expiry there is nothing to refresh; the session is dead
		// and stays dead.
		a.audit.logFailure(AuditSessionExpired, r, "session past expiry", slog.String("user_id", sess.UserID))
		_ = a.stores.Sessions.Invalidate(sess.SessionID, now)
		a.clearSessionCookies(w)
		writeError(w, http.StatusUnauthorized, "Session expired")
		return store.Session{}, false
	}
	if now.After(sess.ExpiresAt.Add(-refreshWindow)) {
		sess, err = a.refreshSession(w, r, sess, now)
		if err != nil {
			a.clearSessionCookies(w)
			writeError(w, http.StatusUnauthorized, "Session expired")
			return store.Session{}, false
		}
	} else if _, cerr := r.Cookie(csrfCookieName); cerr != nil || sess.CSRFTokenHash == "" {
		sess, err = a.reissueCSRF(w, sess)
		if err != nil {
			mapError(w, err)
			return store.Session{}, false
		}
	}

	// Activity stamping never fails a request.
	_ = a.stores.Sessions.Touch(sess.SessionID, now, a.extractClientIP(r), r.UserAgent())

	return sess, true
}

// refreshSession redeems the sealed refresh token and rotates every
// secret the session carries. On any failure the session is revoked; a
// session that cannot refresh must not limp along past expiry.
func (a *API) refreshSession(w http.ResponseWriter, r *http.Request, sess store.Session, now time.Time) (store.Session, error) {
	fail := func(reason string, err error) (store.Session, error) {
		a.audit.logFailure(AuditSessionRefreshFailed, r, reason, slog.String("user_id", sess.UserID))
		_ = a.stores.Sessions.Invalidate(sess.SessionID, now)
		return store.Session{}, err
	}

	refreshToken, err := a.sealer.Open(seal.ScopeRefreshToken, sess.RefreshTokenCiphertext)
	if err != nil {
		return fail("refresh token unsealable", err)
	}

	auth, err := a.provider.Refresh(r.Context(), refreshToken)
	if err != nil {
		return fail("provider refresh rejected", err)
	}

	accessSealed, err := a.sealer.Seal(seal.ScopeAccessToken, auth.AccessToken)
	if err != nil {
		return fail("sealing access token", err)
	}
	refreshSealed, err := a.sealer.Seal(seal.ScopeRefreshToken, auth.RefreshToken)
	if err != nil {
		return fail("sealing refresh token", err)
	}
	csrfToken, csrfHash, err := newCSRFToken()
	if err != nil {
		return fail("minting csrf token", err)
	}

	newID := uuid.NewString()
	effectiveID, err := a.stores.Sessions.RotateSecrets(sess.SessionID, store.SessionChanges{
		NewSessionID:           &newID,
		AccessTokenCiphertext:  &accessSealed,
		RefreshTokenCiphertext: &refreshSealed,
		CSRFTokenHash:          &csrfHash,
		ExpiresAt:              &auth.ExpiresAt,
		LastRefreshedAt:        &now,
	})
	if err != nil {
		return store.Session{}, err
	}

	sess.SessionID = effectiveID
	sess.AccessTokenCiphertext = accessSealed
	sess.RefreshTokenCiphertext = refreshSealed
	sess.CSRFTokenHash = csrfHash
	sess.ExpiresAt = auth.ExpiresAt
	sess.LastRefreshedAt = &now

	a.writeSessionCookies(w, effectiveID, csrfToken, auth.ExpiresAt)
	a.audit.logUser(AuditSessionRotated, r, sess.UserID)
	return sess, nil
}

// reissueCSRF rotates the session's CSRF token and sets the cookie. The
// stored hash makes re-sending the old plaintext impossible, so healing
// means rotating.
func (a *API) reissueCSRF(w http.ResponseWriter, sess store.Session) (store.Session, error) {
	csrfToken, csrfHash, err := newCSRFToken()
	if err != nil {
		return store.Session{}, err
	}
	if _, err := a.stores.Sessions.RotateSecrets(sess.SessionID, store.SessionChanges{
		CSRFTokenHash: &csrfHash,
	}); err != nil {
		return store.Session{}, err
	}
	sess.CSRFTokenHash = csrfHash
	a.writeSessionCookies(w, sess.SessionID, csrfToken, sess.ExpiresAt)
	return sess, nil
}

// SecurityHeaders sets standard security response headers on every
// response.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cache-Control", "no-store")
		if r.TLS != nil {
			w.Header().Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}

// Recoverer converts handler panics into 500s instead of dropping the
// connection.
func (a *API) Recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if err, ok := rec.(error); ok && errors.Is(err, http.ErrAbortHandler) {
					panic(rec)
				}
				a.audit.logger.ErrorContext(r.Context(), "handler panic",
					slog.Any("panic", rec),
					slog.String("path", r.URL.Path),
					slog.String("stack", string(debug.Stack())))
				writeError(w, http.StatusInternalServerError, "Internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}
