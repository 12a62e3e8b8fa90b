package api

import (
	"crypto/subtle"
	"net/http"

	"github.com/syoslabs/gatehouse/internal/util"
)

const csrfHeaderName = "X-CSRF-Token"

// newCSRFToken mints a token and the hash the session row stores. Only
// the hash hits persistence; the plaintext lives in the client's cookie.
func newCSRFToken() (token, hash string, err error) {
	token, err = util.RandomToken(32)
	if err != nil {
		return "", "", err
	}
	return token, util.HashSHA256Hex(token), nil
}

// csrfTokenMatches compares a presented token against the stored hash in
// constant time.
func csrfTokenMatches(token, storedHash string) bool {
	if token == "" || storedHash == "" {
		return false
	}
	presented := util.HashSHA256Hex(token)
	return subtle.ConstantTimeCompare([]byte(presented), []byte(storedHash)) == 1
}

// RequireCSRF rejects mutating requests whose X-CSRF-Token header does
// not match the session's stored token hash. It must run after
// ResolveSession; the check happens before the handler touches anything.
func (a *API) RequireCSRF(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, ok := sessionFromContext(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "Not signed in")
			return
		}
		if !csrfTokenMatches(r.Header.Get(csrfHeaderName), sess.CSRFTokenHash) {
			a.audit.logFailure(AuditCSRFRejected, r, "token mismatch")
			writeError(w, http.StatusForbidden, "Invalid CSRF token")
			return
		}
		next.ServeHTTP(w, r)
	})
}
