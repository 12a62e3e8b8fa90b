package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/mail"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/syoslabs/gatehouse/internal/util"
	"github.com/syoslabs/gatehouse/provider"
	"github.com/syoslabs/gatehouse/seal"
	"github.com/syoslabs/gatehouse/store"
)

const (
	minPasswordLength = 8
	loginStateTTL     = 10 * time.Minute
	defaultSessionTTL = time.Hour
	defaultRedirectTo = "/"
	screenHintSignIn  = "sign-in"
	screenHintSignUp  = "sign-up"
)

// Login authenticates an email and password against the provider and
// establishes a session.
func (a *API) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	email := util.NormalizeEmail(req.Email)
	if email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "Email and password are required")
		return
	}

	var primaryUserID string
	if req.LinkAccount {
		var ok bool
		if primaryUserID, ok = a.currentUserID(r); !ok {
			writeError(w, http.StatusUnauthorized, "Sign in before linking another account")
			return
		}
	}

	auth, err := a.provider.AuthenticatePassword(r.Context(), email, util.Normalize(req.Password),
		a.extractClientIP(r), r.UserAgent())
	if err != nil {
		a.audit.logFailure(AuditLoginFailure, r, "provider rejected", slog.String("email", email))
		mapError(w, err)
		return
	}

	resp, err := a.establishSession(w, r, auth, sanitizeRedirect(req.RedirectTo))
	if err != nil {
		mapError(w, err)
		return
	}
	if !a.linkTo(w, r, primaryUserID, resp.User.UserID) {
		return
	}
	a.audit.logUser(AuditLoginSuccess, r, resp.User.UserID)
	writeJSON(w, http.StatusOK, resp)
}

// Register creates an account with the provider and signs it in. An
// email that already has an account gets a 409 pointing at sign-in
// rather than a retry loop.
func (a *API) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	email := util.NormalizeEmail(req.Email)
	if !validEmail(email) {
		writeError(w, http.StatusBadRequest, "A valid email address is required")
		return
	}
	if msg, ok := validatePassword(req.Password, email); !ok {
		a.audit.logFailure(AuditRegisterRejected, r, msg, slog.String("email", email))
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	var primaryUserID string
	if req.LinkAccount {
		var ok bool
		if primaryUserID, ok = a.currentUserID(r); !ok {
			writeError(w, http.StatusUnauthorized, "Sign in before linking another account")
			return
		}
	}

	password := util.Normalize(req.Password)
	if _, err := a.provider.CreateUser(r.Context(), email, password,
		strings.TrimSpace(req.FirstName), strings.TrimSpace(req.LastName)); err != nil {
		if errors.Is(err, provider.ErrDuplicateEmail) {
			a.audit.logFailure(AuditRegisterRejected, r, "duplicate email", slog.String("email", email))
		}
		mapError(w, err)
		return
	}

	auth, err := a.provider.AuthenticatePassword(r.Context(), email, password,
		a.extractClientIP(r), r.UserAgent())
	if err != nil {
		mapError(w, err)
		return
	}

	resp, err := a.establishSession(w, r, auth, sanitizeRedirect(req.RedirectTo))
	if err != nil {
		mapError(w, err)
		return
	}
	if !a.linkTo(w, r, primaryUserID, resp.User.UserID) {
		return
	}
	a.audit.logUser(AuditRegisterSuccess, r, resp.User.UserID)
	writeJSON(w, http.StatusCreated, resp)
}

// Authorize starts the hosted login flow: it records a single-use login
// state, seals the PKCE verifier, and redirects to the provider.
func (a *API) Authorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	flowMode := store.FlowSignIn
	screenHint := screenHintSignIn
	if q.Get("screen_hint") == screenHintSignUp {
		flowMode = store.FlowSignUp
		screenHint = screenHintSignUp
	}

	state := store.LoginState{
		RedirectTo: sanitizeRedirect(q.Get("redirect_to")),
		FlowMode:   flowMode,
		IPAddress:  a.extractClientIP(r),
		UserAgent:  r.UserAgent(),
		CreatedAt:  a.now(),
		ExpiresAt:  a.now().Add(loginStateTTL),
	}

	// Linking a second account requires a signed-in primary session; the
	// callback attaches the new identity to it.
	if q.Get("link_account") == "true" {
		userID, ok := a.currentUserID(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "Sign in before linking another account")
			return
		}
		state.LinkAccount = true
		state.PrimaryUserID = userID
	}

	stateToken, err := util.RandomToken(32)
	if err != nil {
		mapError(w, err)
		return
	}
	verifier, challenge := provider.NewPKCE()
	sealed, err := a.sealer.Seal(seal.ScopeCodeVerifier, verifier)
	if err != nil {
		mapError(w, err)
		return
	}
	state.StateHash = util.HashSHA256Hex(stateToken)
	state.CodeVerifierCiphertext = sealed

	if err := a.stores.LoginStates.Create(state); err != nil {
		mapError(w, err)
		return
	}

	a.audit.log(AuditAuthorizeStarted, r,
		slog.String("flow", string(flowMode)),
		slog.Bool("link_account", state.LinkAccount))
	http.Redirect(w, r, a.provider.AuthorizeURL(provider.AuthorizeRequest{
		State:         stateToken,
		CodeChallenge: challenge,
		ScreenHint:    screenHint,
		LoginHint:     q.Get("login_hint"),
	}), http.StatusFound)
}

// Callback finishes the hosted login flow. The login state is consumed
// before anything else, so a replayed redirect dies regardless of what
// the provider said.
func (a *API) Callback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	stateToken := q.Get("state")

	if errParam := q.Get("error"); errParam != "" {
		if stateToken != "" {
			_, _ = a.stores.LoginStates.Consume(util.HashSHA256Hex(stateToken), a.now())
		}
		a.audit.logFailure(AuditCallbackFailure, r, errParam)
		http.Redirect(w, r, "/login?error="+url.QueryEscape(errParam), http.StatusSeeOther)
		return
	}

	code := q.Get("code")
	if code == "" || stateToken == "" {
		writeError(w, http.StatusBadRequest, "Missing code or state parameter")
		return
	}

	state, err := a.stores.LoginStates.Consume(util.HashSHA256Hex(stateToken), a.now())
	if err != nil {
		a.audit.logFailure(AuditCallbackFailure, r, "unknown or expired state")
		writeError(w, http.StatusBadRequest, "Invalid or expired login state")
		return
	}

	verifier, err := a.sealer.Open(seal.ScopeCodeVerifier, state.CodeVerifierCiphertext)
	if err != nil {
		a.audit.logFailure(AuditCallbackFailure, r, "verifier unsealable")
		writeError(w, http.StatusBadRequest, "Invalid or expired login state")
		return
	}

	auth, err := a.provider.Exchange(r.Context(), code, verifier)
	if err != nil {
		a.audit.logFailure(AuditCallbackFailure, r, "code exchange rejected")
		writeError(w, http.StatusUnauthorized, "Authentication failed")
		return
	}

	resp, err := a.establishSession(w, r, auth, state.RedirectTo)
	if err != nil {
		mapError(w, err)
		return
	}

	redirectTo := resp.RedirectTo
	if state.LinkAccount && state.PrimaryUserID != "" && state.PrimaryUserID != resp.User.UserID {
		if err := a.stores.Links.Link(state.PrimaryUserID, resp.User.UserID, a.now()); err != nil {
			// The new session stands either way; only the link failed.
			a.audit.logFailure(AuditLinkRejected, r, err.Error(),
				slog.String("primary_user_id", state.PrimaryUserID),
				slog.String("user_id", resp.User.UserID))
			redirectTo = appendQuery(redirectTo, "link_error", linkErrorCode(err))
		} else {
			a.audit.logUser(AuditAccountLinked, r, resp.User.UserID,
				slog.String("primary_user_id", state.PrimaryUserID))
		}
	}

	a.audit.logUser(AuditCallbackSuccess, r, resp.User.UserID)
	http.Redirect(w, r, redirectTo, http.StatusSeeOther)
}

// Switch moves the browser to another linked account's active session.
func (a *API) Switch(w http.ResponseWriter, r *http.Request) {
	sess, _ := sessionFromContext(r.Context())

	var req SwitchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}

	if req.UserID == sess.UserID {
		writeJSON(w, http.StatusOK, a.sessionResponse(sess, ""))
		return
	}

	linked, err := a.stores.Links.Linked(sess.UserID, req.UserID)
	if err != nil {
		mapError(w, err)
		return
	}
	if !linked {
		a.audit.logFailure(AuditSwitchDenied, r, "accounts not linked",
			slog.String("user_id", sess.UserID),
			slog.String("target_user_id", req.UserID))
		writeError(w, http.StatusForbidden, "Accounts are not linked")
		return
	}

	target, err := a.stores.Sessions.SelectActiveForUser(req.UserID, a.now())
	if err != nil {
		a.audit.logFailure(AuditSwitchDenied, r, "no active session",
			slog.String("target_user_id", req.UserID))
		writeError(w, http.StatusNotFound, "No active session for this account")
		return
	}

	// The stored hash cannot be inverted, so handing the browser the
	// target session means rotating its CSRF token.
	csrfToken, csrfHash, err := newCSRFToken()
	if err != nil {
		mapError(w, err)
		return
	}
	if _, err := a.stores.Sessions.RotateSecrets(target.SessionID, store.SessionChanges{
		CSRFTokenHash: &csrfHash,
	}); err != nil {
		mapError(w, err)
		return
	}
	target.CSRFTokenHash = csrfHash

	a.writeSessionCookies(w, target.SessionID, csrfToken, target.ExpiresAt)
	a.audit.logUser(AuditSwitchSuccess, r, req.UserID, slog.String("from_user_id", sess.UserID))
	writeJSON(w, http.StatusOK, a.sessionResponse(target, csrfToken))
}

// Logout revokes the current session. The cookies are cleared even when
// the session is already gone, so logout never strands a client.
func (a *API) Logout(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := a.sessionIDFromCookie(r)
	if !ok {
		a.clearSessionCookies(w)
		writeJSON(w, http.StatusOK, LogoutResponse{Success: true})
		return
	}

	sess, err := a.stores.Sessions.Lookup(sessionID)
	if err != nil {
		a.clearSessionCookies(w)
		writeJSON(w, http.StatusOK, LogoutResponse{Success: true})
		return
	}

	// A live session still gets CSRF-checked; logout is a mutation.
	if !csrfTokenMatches(r.Header.Get(csrfHeaderName), sess.CSRFTokenHash) {
		a.audit.logFailure(AuditCSRFRejected, r, "token mismatch on logout")
		writeError(w, http.StatusForbidden, "Invalid CSRF token")
		return
	}

	if err := a.stores.Sessions.Invalidate(sessionID, a.now()); err != nil && !errors.Is(err, store.ErrNotFound) {
		mapError(w, err)
		return
	}
	a.clearSessionCookies(w)
	a.audit.logUser(AuditLogout, r, sess.UserID)
	writeJSON(w, http.StatusOK, LogoutResponse{
		Success:        true,
		FallbackUserID: a.fallbackAccount(sess.UserID),
	})
}

// fallbackAccount picks a linked account that still has a live session,
// so logout can offer a switch instead of a sign-in screen.
func (a *API) fallbackAccount(userID string) string {
	ids, err := a.stores.Links.ListLinks(userID)
	if err != nil {
		return ""
	}
	now := a.now()
	for _, id := range ids {
		if _, err := a.stores.Sessions.SelectActiveForUser(id, now); err == nil {
			return id
		}
	}
	return ""
}

// LinkedSessions lists the current account and every account linked to
// it, with whether each has an active session to switch to.
func (a *API) LinkedSessions(w http.ResponseWriter, r *http.Request) {
	sess, _ := sessionFromContext(r.Context())

	ids, err := a.stores.Links.ListLinks(sess.UserID)
	if err != nil {
		mapError(w, err)
		return
	}

	out := make([]LinkedSessionResponse, 0, len(ids)+1)
	for _, id := range append([]string{sess.UserID}, ids...) {
		u, err := a.stores.Users.Get(id)
		if err != nil {
			continue
		}
		entry := LinkedSessionResponse{
			UserID:  u.UserID,
			Email:   u.Email,
			Name:    u.DisplayName(),
			Current: id == sess.UserID,
		}
		if active, err := a.stores.Sessions.SelectActiveForUser(id, a.now()); err == nil {
			entry.Active = true
			entry.LastSeenAt = active.LastSeenAt
		}
		out = append(out, entry)
	}
	writeJSON(w, http.StatusOK, out)
}

// Me returns the resolved session's identity.
func (a *API) Me(w http.ResponseWriter, r *http.Request) {
	sess, _ := sessionFromContext(r.Context())
	writeJSON(w, http.StatusOK, a.sessionResponse(sess, ""))
}

// currentUserID resolves the caller's live session, if any. Used to find
// the primary account when a request asks to link a second one.
func (a *API) currentUserID(r *http.Request) (string, bool) {
	sessionID, ok := a.sessionIDFromCookie(r)
	if !ok {
		return "", false
	}
	sess, err := a.stores.Sessions.Lookup(sessionID)
	if err != nil {
		return "", false
	}
	return sess.UserID, true
}

// linkTo records the link edge between the primary account and the just
// signed-in one. The new session stands even when linking fails; a false
// return means the error response was already written.
func (a *API) linkTo(w http.ResponseWriter, r *http.Request, primaryUserID, userID string) bool {
	if primaryUserID == "" || primaryUserID == userID {
		return true
	}
	if err := a.stores.Links.Link(primaryUserID, userID, a.now()); err != nil {
		a.audit.logFailure(AuditLinkRejected, r, err.Error(),
			slog.String("primary_user_id", primaryUserID),
			slog.String("user_id", userID))
		mapError(w, err)
		return false
	}
	a.audit.logUser(AuditAccountLinked, r, userID,
		slog.String("primary_user_id", primaryUserID))
	return true
}

// establishSession syncs the user directory, seals the provider tokens,
// and writes the session row and cookies.
func (a *API) establishSession(w http.ResponseWriter, r *http.Request, auth provider.Authentication, redirectTo string) (SessionResponse, error) {
	now := a.now()

	user, err := a.stores.Users.UpsertByProviderID(store.User{
		ProviderUserID: auth.Identity.UserID,
		Email:          util.NormalizeEmail(auth.Identity.Email),
		FirstName:      auth.Identity.FirstName,
		LastName:       auth.Identity.LastName,
		EmailVerified:  auth.Identity.EmailVerified,
		UpdatedAt:      now,
	})
	if err != nil {
		return SessionResponse{}, err
	}

	accessSealed, err := a.sealer.Seal(seal.ScopeAccessToken, auth.AccessToken)
	if err != nil {
		return SessionResponse{}, err
	}
	refreshSealed, err := a.sealer.Seal(seal.ScopeRefreshToken, auth.RefreshToken)
	if err != nil {
		return SessionResponse{}, err
	}
	csrfToken, csrfHash, err := newCSRFToken()
	if err != nil {
		return SessionResponse{}, err
	}

	expiresAt := auth.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = now.Add(defaultSessionTTL)
	}

	sess := store.Session{
		SessionID:              uuid.NewString(),
		UserID:                 user.UserID,
		ProviderUserID:         auth.Identity.UserID,
		ProviderSessionID:      auth.SessionID,
		AccessTokenCiphertext:  accessSealed,
		RefreshTokenCiphertext: refreshSealed,
		CSRFTokenHash:          csrfHash,
		ExpiresAt:              expiresAt,
		CreatedAt:              now,
		IPAddress:              a.extractClientIP(r),
		UserAgent:              r.UserAgent(),
		IsValid:                true,
		Snapshot: store.UserSnapshot{
			UserID:         user.UserID,
			ProviderUserID: auth.Identity.UserID,
			Email:          user.Email,
			FirstName:      user.FirstName,
			LastName:       user.LastName,
			Name:           user.DisplayName(),
		},
	}
	if err := a.stores.Sessions.Create(sess); err != nil {
		return SessionResponse{}, err
	}

	a.writeSessionCookies(w, sess.SessionID, csrfToken, expiresAt)

	resp := a.sessionResponse(sess, csrfToken)
	resp.RedirectTo = redirectTo
	if resp.RedirectTo == "" {
		resp.RedirectTo = defaultRedirectTo
	}
	return resp, nil
}

func (a *API) sessionResponse(sess store.Session, csrfToken string) SessionResponse {
	return SessionResponse{
		User: UserResponse{
			UserID:    sess.Snapshot.UserID,
			Email:     sess.Snapshot.Email,
			FirstName: sess.Snapshot.FirstName,
			LastName:  sess.Snapshot.LastName,
			Name:      sess.Snapshot.Name,
		},
		ExpiresAt: sess.ExpiresAt,
		CSRFToken: csrfToken,
	}
}

// validatePassword enforces the registration password rules.
func validatePassword(password, email string) (string, bool) {
	if len(password) < minPasswordLength {
		return "Password must be at least 8 characters", false
	}
	local, _, _ := strings.Cut(email, "@")
	if len(local) >= 3 && strings.Contains(strings.ToLower(password), strings.ToLower(local)) {
		return "Password must not contain your email address", false
	}
	return "", true
}

// sanitizeRedirect keeps post-login redirects on-site. Anything that is
// not a plain absolute path falls back to the root.
func sanitizeRedirect(redirectTo string) string {
	if redirectTo == "" {
		return ""
	}
	if !strings.HasPrefix(redirectTo, "/") || strings.HasPrefix(redirectTo, "//") {
		return defaultRedirectTo
	}
	if u, err := url.Parse(redirectTo); err != nil || u.Host != "" || u.Scheme != "" {
		return defaultRedirectTo
	}
	return redirectTo
}

func appendQuery(target, key, value string) string {
	sep := "?"
	if strings.Contains(target, "?") {
		sep = "&"
	}
	return target + sep + key + "=" + url.QueryEscape(value)
}

func linkErrorCode(err error) string {
	switch {
	case errors.Is(err, store.ErrLinkLimit):
		return "link_limit"
	case errors.Is(err, store.ErrSelfLink):
		return "self_link"
	default:
		return "link_failed"
	}
}

func validEmail(email string) bool {
	addr, err := mail.ParseAddress(email)
	return err == nil && addr.Address == email
}
