package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/syoslabs/gatehouse/internal/util"
)

const (
	sessionCookieName = "syos_session"
	csrfCookieName    = "syos_csrf"
)

// sessionCookieValue signs the session id so a tampered cookie fails
// before any store read: value is "<sessionID>.<hmac>".
func (a *API) sessionCookieValue(sessionID string) string {
	return sessionID + "." + util.SignHMAC(a.cookieKey, sessionID)
}

// sessionIDFromCookie verifies the cookie signature and returns the
// session id. False for missing, malformed, or forged cookies alike.
func (a *API) sessionIDFromCookie(r *http.Request) (string, bool) {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil || cookie.Value == "" {
		return "", false
	}
	sessionID, sig, ok := strings.Cut(cookie.Value, ".")
	if !ok || sessionID == "" {
		return "", false
	}
	if !util.VerifyHMAC(a.cookieKey, sessionID, sig) {
		return "", false
	}
	return sessionID, true
}

// writeSessionCookies sets the session cookie (HttpOnly) and the CSRF
// cookie (readable, so the client can echo it back as a header).
func (a *API) writeSessionCookies(w http.ResponseWriter, sessionID, csrfToken string, expiresAt time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    a.sessionCookieValue(sessionID),
		Path:     "/",
		Domain:   a.cookieDomain,
		Expires:  expiresAt,
		HttpOnly: true,
		Secure:   a.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	http.SetCookie(w, &http.Cookie{
		Name:     csrfCookieName,
		Value:    csrfToken,
		Path:     "/",
		Domain:   a.cookieDomain,
		Expires:  expiresAt,
		HttpOnly: false,
		Secure:   a.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (a *API) clearSessionCookies(w http.ResponseWriter) {
	for _, name := range []string{sessionCookieName, csrfCookieName} {
		http.SetCookie(w, &http.Cookie{
			Name:     name,
			Value:    "",
			Path:     "/",
			Domain:   a.cookieDomain,
			HttpOnly: name == sessionCookieName,
			Secure:   a.cookieSecure,
			SameSite: http.SameSiteLaxMode,
			Expires:  time.Unix(0, 0),
			MaxAge:   -1,
		})
	}
}
