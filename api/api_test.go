package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/syoslabs/gatehouse/provider"
	"github.com/syoslabs/gatehouse/seal"
	"github.com/syoslabs/gatehouse/store"
	"github.com/syoslabs/gatehouse/store/memory"
)

const testMasterKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

// fakeProvider implements provider.Client in memory.
type fakeProvider struct {
	mu         sync.Mutex
	users      map[string]fakeUser
	challenges map[string]bool
	tokenTTL   time.Duration
	failAuth   bool
	failRefresh bool
	refreshes  int
	seq        int
	now        func() time.Time
}

type fakeUser struct {
	id        string
	password  string
	firstName string
	lastName  string
}

func newFakeProvider(now func() time.Time) *fakeProvider {
	return &fakeProvider{
		users:      make(map[string]fakeUser),
		challenges: make(map[string]bool),
		tokenTTL:   time.Hour,
		now:        now,
	}
}

func (p *fakeProvider) addUser(email, password, first, last string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	id := fmt.Sprintf("prov_user_%d", p.seq)
	p.users[email] = fakeUser{id: id, password: password, firstName: first, lastName: last}
	return id
}

func (p *fakeProvider) authFor(u fakeUser, email string) provider.Authentication {
	p.seq++
	return provider.Authentication{
		Identity: provider.Identity{
			UserID:    u.id,
			Email:     email,
			FirstName: u.firstName,
			LastName:  u.lastName,
		},
		SessionID:    fmt.Sprintf("psess_%d", p.seq),
		AccessToken:  fmt.Sprintf("access_%d", p.seq),
		RefreshToken: fmt.Sprintf("refresh_%d", p.seq),
		ExpiresAt:    p.now().Add(p.tokenTTL),
	}
}

func (p *fakeProvider) AuthenticatePassword(_ context.Context, email, password, _, _ string) (provider.Authentication, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	u, ok := p.users[email]
	if p.failAuth || !ok || u.password != password {
		return provider.Authentication{}, provider.ErrInvalidCredentials
	}
	return p.authFor(u, email), nil
}

func (p *fakeProvider) CreateUser(_ context.Context, email, password, first, last string) (provider.Identity, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.users[email]; ok {
		return provider.Identity{}, provider.ErrDuplicateEmail
	}
	p.seq++
	id := fmt.Sprintf("prov_user_%d", p.seq)
	p.users[email] = fakeUser{id: id, password: password, firstName: first, lastName: last}
	return provider.Identity{UserID: id, Email: email, FirstName: first, LastName: last}, nil
}

func (p *fakeProvider) AuthorizeURL(req provider.AuthorizeRequest) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.challenges[req.CodeChallenge] = true
	q := url.Values{}
	q.Set("state", req.State)
	q.Set("code_challenge", req.CodeChallenge)
	q.Set("screen_hint", req.ScreenHint)
	return "https://id.example.test/authorize?" + q.Encode()
}

func (p *fakeProvider) Exchange(_ context.Context, code, codeVerifier string) (provider.Authentication, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.challenges[oauth2.S256ChallengeFromVerifier(codeVerifier)] {
		return provider.Authentication{}, provider.ErrInvalidCredentials
	}
	// Codes are "code:<email>" for test convenience.
	email, ok := strings.CutPrefix(code, "code:")
	if !ok {
		return provider.Authentication{}, provider.ErrInvalidCredentials
	}
	u, ok := p.users[email]
	if !ok {
		return provider.Authentication{}, provider.ErrUserNotFound
	}
	return p.authFor(u, email), nil
}

func (p *fakeProvider) Refresh(_ context.Context, refreshToken string) (provider.Authentication, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refreshes++
	if p.failRefresh || refreshToken == "" {
		return provider.Authentication{}, provider.ErrInvalidCredentials
	}
	p.seq++
	return provider.Authentication{
		SessionID:    fmt.Sprintf("psess_%d", p.seq),
		AccessToken:  fmt.Sprintf("access_%d", p.seq),
		RefreshToken: fmt.Sprintf("refresh_%d", p.seq),
		ExpiresAt:    p.now().Add(p.tokenTTL),
	}, nil
}


type testEnv struct {
	t        *testing.T
	api      *API
	server   *httptest.Server
	provider *fakeProvider
	stores   store.Stores
	mu       sync.Mutex
	nowT     time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{t: t, nowT: time.Now()}

	sealer, err := seal.New(testMasterKey, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	env.stores = memory.Stores()
	env.provider = newFakeProvider(env.now)
	env.api = New(env.stores, sealer, env.provider, []byte("test-cookie-signing-key"),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithInsecureCookies(),
		WithClock(env.now),
	)
	env.server = httptest.NewServer(env.api.Router())
	t.Cleanup(env.server.Close)
	return env
}

func (e *testEnv) now() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.nowT
}

func (e *testEnv) advance(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nowT = e.nowT.Add(d)
}

// newClient returns an HTTP client with its own cookie jar that does not
// follow redirects.
func (e *testEnv) newClient() *http.Client {
	jar, err := cookiejar.New(nil)
	require.NoError(e.t, err)
	return &http.Client{
		Jar: jar,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func (e *testEnv) postJSON(client *http.Client, path string, body any, headers map[string]string) *http.Response {
	e.t.Helper()
	data, err := json.Marshal(body)
	require.NoError(e.t, err)
	req, err := http.NewRequest(http.MethodPost, e.server.URL+path, bytes.NewReader(data))
	require.NoError(e.t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	require.NoError(e.t, err)
	return resp
}

func (e *testEnv) get(client *http.Client, path string) *http.Response {
	e.t.Helper()
	resp, err := client.Get(e.server.URL + path)
	require.NoError(e.t, err)
	return resp
}

func decodeJSON[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

// login signs in and returns the session response.
func (e *testEnv) login(client *http.Client, email, password string) SessionResponse {
	e.t.Helper()
	resp := e.postJSON(client, "/auth/login", LoginRequest{Email: email, Password: password}, nil)
	require.Equal(e.t, http.StatusOK, resp.StatusCode)
	return decodeJSON[SessionResponse](e.t, resp)
}

// sessionCookie returns the raw session cookie the client currently
// holds.
func (e *testEnv) sessionCookie(client *http.Client) string {
	e.t.Helper()
	u, err := url.Parse(e.server.URL)
	require.NoError(e.t, err)
	for _, c := range client.Jar.Cookies(u) {
		if c.Name == sessionCookieName {
			return c.Value
		}
	}
	return ""
}

func sessionIDOf(cookieValue string) string {
	for i := 0; i < len(cookieValue); i++ {
		if cookieValue[i] == '.' {
			return cookieValue[:i]
		}
	}
	return cookieValue
}

func TestLoginEstablishesSession(t *testing.T) {
	env := newTestEnv(t)
	env.provider.addUser("jo@example.com", "hunter2222", "Jo", "Doe")
	client := env.newClient()

	sess := env.login(client, "jo@example.com", "hunter2222")
	require.Equal(t, "jo@example.com", sess.User.Email)
	require.Equal(t, "Jo Doe", sess.User.Name)
	require.NotEmpty(t, sess.CSRFToken)
	require.True(t, sess.ExpiresAt.After(env.now()))
	require.NotEmpty(t, env.sessionCookie(client))

	me := env.get(client, "/auth/me")
	require.Equal(t, http.StatusOK, me.StatusCode)
	body := decodeJSON[SessionResponse](t, me)
	require.Equal(t, sess.User.UserID, body.User.UserID)
}

func TestLoginFailuresAreUniform(t *testing.T) {
	env := newTestEnv(t)
	env.provider.addUser("jo@example.com", "hunter2222", "", "")
	client := env.newClient()

	wrongPassword := env.postJSON(client, "/auth/login",
		LoginRequest{Email: "jo@example.com", Password: "wrong"}, nil)
	unknownEmail := env.postJSON(client, "/auth/login",
		LoginRequest{Email: "ghost@example.com", Password: "whatever1"}, nil)

	require.Equal(t, http.StatusUnauthorized, wrongPassword.StatusCode)
	require.Equal(t, http.StatusUnauthorized, unknownEmail.StatusCode)
	a := decodeJSON[ErrorResponse](t, wrongPassword)
	b := decodeJSON[ErrorResponse](t, unknownEmail)
	require.Equal(t, a.Error, b.Error)
}

func TestLoginUppercaseEmailNormalized(t *testing.T) {
	env := newTestEnv(t)
	env.provider.addUser("jo@example.com", "hunter2222", "", "")
	client := env.newClient()

	sess := env.login(client, "  JO@Example.COM ", "hunter2222")
	require.Equal(t, "jo@example.com", sess.User.Email)
}

func TestLoginRateLimit(t *testing.T) {
	env := newTestEnv(t)
	client := env.newClient()

	var last *http.Response
	for i := 0; i < 5; i++ {
		last = env.postJSON(client, "/auth/login",
			LoginRequest{Email: "jo@example.com", Password: "wrong1234"}, nil)
		require.Equal(t, http.StatusUnauthorized, last.StatusCode)
		remaining, err := strconv.Atoi(last.Header.Get("X-RateLimit-Remaining"))
		require.NoError(t, err)
		require.Equal(t, 4-i, remaining)
		last.Body.Close()
	}

	limited := env.postJSON(client, "/auth/login",
		LoginRequest{Email: "jo@example.com", Password: "wrong1234"}, nil)
	require.Equal(t, http.StatusTooManyRequests, limited.StatusCode)
	require.Equal(t, "5", limited.Header.Get("X-RateLimit-Limit"))
	require.Equal(t, "0", limited.Header.Get("X-RateLimit-Remaining"))
	retryAfter, err := strconv.Atoi(limited.Header.Get("Retry-After"))
	require.NoError(t, err)
	require.Greater(t, retryAfter, 0)
	require.LessOrEqual(t, retryAfter, 60)
	body := decodeJSON[ErrorResponse](t, limited)
	require.Equal(t, "Too many requests", body.Error)
	require.Equal(t, retryAfter, body.RetryAfter)

	// Other classes keep their own budget.
	logout := env.postJSON(client, "/auth/logout", struct{}{}, nil)
	require.Equal(t, http.StatusOK, logout.StatusCode)
	logout.Body.Close()
}

func TestRegisterValidation(t *testing.T) {
	env := newTestEnv(t)
	client := env.newClient()

	cases := []struct {
		name string
		req  RegisterRequest
	}{
		{"bad email", RegisterRequest{Email: "not-an-email", Password: "longenough1"}},
		{"short password", RegisterRequest{Email: "a@example.com", Password: "short"}},
		{"password contains email", RegisterRequest{Email: "woolf@example.com", Password: "woolf-rocks-1"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := env.postJSON(client, "/auth/register", tc.req, nil)
			require.Equal(t, http.StatusBadRequest, resp.StatusCode)
			resp.Body.Close()
		})
	}
}

func TestRegisterCreatesSession(t *testing.T) {
	env := newTestEnv(t)
	client := env.newClient()

	resp := env.postJSON(client, "/auth/register", RegisterRequest{
		Email:     "new@example.com",
		Password:  "a-long-password",
		FirstName: "New",
		LastName:  "User",
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	sess := decodeJSON[SessionResponse](t, resp)
	require.Equal(t, "new@example.com", sess.User.Email)

	me := env.get(client, "/auth/me")
	require.Equal(t, http.StatusOK, me.StatusCode)
	me.Body.Close()
}

func TestRegisterDuplicateRedirectsToLogin(t *testing.T) {
	env := newTestEnv(t)
	env.provider.addUser("dup@example.com", "hunter2222", "", "")
	client := env.newClient()

	resp := env.postJSON(client, "/auth/register", RegisterRequest{
		Email:    "dup@example.com",
		Password: "a-long-password",
	}, nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	body := decodeJSON[ErrorResponse](t, resp)
	require.True(t, body.RedirectToLogin)
}

func TestMeRequiresSession(t *testing.T) {
	env := newTestEnv(t)
	client := env.newClient()

	resp := env.get(client, "/auth/me")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()
}

func TestTamperedCookieRejected(t *testing.T) {
	env := newTestEnv(t)
	env.provider.addUser("jo@example.com", "hunter2222", "", "")
	client := env.newClient()
	env.login(client, "jo@example.com", "hunter2222")

	u, err := url.Parse(env.server.URL)
	require.NoError(t, err)
	cookie := env.sessionCookie(client)
	client.Jar.SetCookies(u, []*http.Cookie{{
		Name:  sessionCookieName,
		Value: "forged-session-id." + cookie[len(sessionIDOf(cookie))+1:],
	}})

	resp := env.get(client, "/auth/me")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()
}

func TestSwitchRequiresCSRF(t *testing.T) {
	env := newTestEnv(t)
	env.provider.addUser("jo@example.com", "hunter2222", "", "")
	client := env.newClient()
	env.login(client, "jo@example.com", "hunter2222")

	missing := env.postJSON(client, "/auth/switch", SwitchRequest{UserID: "anyone"}, nil)
	require.Equal(t, http.StatusForbidden, missing.StatusCode)
	missing.Body.Close()

	wrong := env.postJSON(client, "/auth/switch", SwitchRequest{UserID: "anyone"},
		map[string]string{csrfHeaderName: "not-the-token"})
	require.Equal(t, http.StatusForbidden, wrong.StatusCode)
	wrong.Body.Close()
}

func TestSwitchBetweenLinkedAccounts(t *testing.T) {
	env := newTestEnv(t)
	env.provider.addUser("a@example.com", "hunter2222", "Ann", "")
	env.provider.addUser("b@example.com", "hunter2222", "Ben", "")

	clientB := env.newClient()
	sessB := env.login(clientB, "b@example.com", "hunter2222")

	clientA := env.newClient()
	sessA := env.login(clientA, "a@example.com", "hunter2222")

	require.NoError(t, env.stores.Links.Link(sessA.User.UserID, sessB.User.UserID, env.now()))

	resp := env.postJSON(clientA, "/auth/switch", SwitchRequest{UserID: sessB.User.UserID},
		map[string]string{csrfHeaderName: sessA.CSRFToken})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	switched := decodeJSON[SessionResponse](t, resp)
	require.Equal(t, sessB.User.UserID, switched.User.UserID)
	require.NotEmpty(t, switched.CSRFToken)

	me := env.get(clientA, "/auth/me")
	require.Equal(t, http.StatusOK, me.StatusCode)
	body := decodeJSON[SessionResponse](t, me)
	require.Equal(t, "b@example.com", body.User.Email)
}

func TestSwitchToUnlinkedAccountDenied(t *testing.T) {
	env := newTestEnv(t)
	env.provider.addUser("a@example.com", "hunter2222", "", "")
	env.provider.addUser("b@example.com", "hunter2222", "", "")

	clientB := env.newClient()
	sessB := env.login(clientB, "b@example.com", "hunter2222")

	clientA := env.newClient()
	sessA := env.login(clientA, "a@example.com", "hunter2222")

	resp := env.postJSON(clientA, "/auth/switch", SwitchRequest{UserID: sessB.User.UserID},
		map[string]string{csrfHeaderName: sessA.CSRFToken})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()
}

func TestSwitchToLinkedAccountWithoutSession(t *testing.T) {
	env := newTestEnv(t)
	env.provider.addUser("a@example.com", "hunter2222", "", "")
	clientA := env.newClient()
	sessA := env.login(clientA, "a@example.com", "hunter2222")

	// A linked user that never signed in here has no session row.
	ghost, err := env.stores.Users.UpsertByProviderID(store.User{
		ProviderUserID: "prov_ghost", Email: "ghost@example.com", UpdatedAt: env.now(),
	})
	require.NoError(t, err)
	require.NoError(t, env.stores.Links.Link(sessA.User.UserID, ghost.UserID, env.now()))

	resp := env.postJSON(clientA, "/auth/switch", SwitchRequest{UserID: ghost.UserID},
		map[string]string{csrfHeaderName: sessA.CSRFToken})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestLogoutRevokesSession(t *testing.T) {
	env := newTestEnv(t)
	env.provider.addUser("jo@example.com", "hunter2222", "", "")
	client := env.newClient()
	sess := env.login(client, "jo@example.com", "hunter2222")
	sessionID := sessionIDOf(env.sessionCookie(client))

	resp := env.postJSON(client, "/auth/logout", struct{}{},
		map[string]string{csrfHeaderName: sess.CSRFToken})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeJSON[LogoutResponse](t, resp)
	require.True(t, body.Success)

	// Revocation is permanent and visible through the store.
	_, err := env.stores.Sessions.Lookup(sessionID)
	require.ErrorIs(t, err, store.ErrNotFound)

	me := env.get(client, "/auth/me")
	require.Equal(t, http.StatusUnauthorized, me.StatusCode)
	me.Body.Close()

	// Logging out again without a session still succeeds.
	again := env.postJSON(client, "/auth/logout", struct{}{}, nil)
	require.Equal(t, http.StatusOK, again.StatusCode)
	again.Body.Close()
}

func TestLogoutOffersLinkedFallback(t *testing.T) {
	env := newTestEnv(t)
	env.provider.addUser("a@example.com", "hunter2222", "", "")
	env.provider.addUser("b@example.com", "hunter2222", "", "")

	clientB := env.newClient()
	sessB := env.login(clientB, "b@example.com", "hunter2222")

	clientA := env.newClient()
	sessA := env.login(clientA, "a@example.com", "hunter2222")
	require.NoError(t, env.stores.Links.Link(sessA.User.UserID, sessB.User.UserID, env.now()))

	resp := env.postJSON(clientA, "/auth/logout", struct{}{},
		map[string]string{csrfHeaderName: sessA.CSRFToken})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeJSON[LogoutResponse](t, resp)
	require.True(t, body.Success)
	require.Equal(t, sessB.User.UserID, body.FallbackUserID)
}

func TestLogoutWithLiveSessionRequiresCSRF(t *testing.T) {
	env := newTestEnv(t)
	env.provider.addUser("jo@example.com", "hunter2222", "", "")
	client := env.newClient()
	env.login(client, "jo@example.com", "hunter2222")

	resp := env.postJSON(client, "/auth/logout", struct{}{}, nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()

	// The session survives the rejected logout.
	me := env.get(client, "/auth/me")
	require.Equal(t, http.StatusOK, me.StatusCode)
	me.Body.Close()
}

func TestSessionRefreshRotatesEverything(t *testing.T) {
	env := newTestEnv(t)
	env.provider.tokenTTL = 30 * time.Minute
	env.provider.addUser("jo@example.com", "hunter2222", "", "")
	client := env.newClient()

	env.login(client, "jo@example.com", "hunter2222")
	oldCookie := env.sessionCookie(client)
	oldSessionID := sessionIDOf(oldCookie)
	oldRow, err := env.stores.Sessions.Lookup(oldSessionID)
	require.NoError(t, err)

	// Land inside the refresh window.
	env.advance(30*time.Minute - 30*time.Second)

	me := env.get(client, "/auth/me")
	require.Equal(t, http.StatusOK, me.StatusCode)
	me.Body.Close()
	require.Equal(t, 1, env.provider.refreshes)

	newCookie := env.sessionCookie(client)
	newSessionID := sessionIDOf(newCookie)
	require.NotEqual(t, oldSessionID, newSessionID)

	// The old id is gone; the new row carries rotated secrets.
	_, err = env.stores.Sessions.Lookup(oldSessionID)
	require.ErrorIs(t, err, store.ErrNotFound)
	newRow, err := env.stores.Sessions.Lookup(newSessionID)
	require.NoError(t, err)
	require.NotEqual(t, oldRow.AccessTokenCiphertext, newRow.AccessTokenCiphertext)
	require.NotEqual(t, oldRow.RefreshTokenCiphertext, newRow.RefreshTokenCiphertext)
	require.NotEqual(t, oldRow.CSRFTokenHash, newRow.CSRFTokenHash)
	require.True(t, newRow.ExpiresAt.After(oldRow.ExpiresAt))
	require.NotNil(t, newRow.LastRefreshedAt)

	// The rotated session keeps working.
	me = env.get(client, "/auth/me")
	require.Equal(t, http.StatusOK, me.StatusCode)
	me.Body.Close()
}

func TestFailedRefreshRevokesSession(t *testing.T) {
	env := newTestEnv(t)
	env.provider.tokenTTL = 30 * time.Minute
	env.provider.addUser("jo@example.com", "hunter2222", "", "")
	client := env.newClient()

	env.login(client, "jo@example.com", "hunter2222")
	sessionID := sessionIDOf(env.sessionCookie(client))

	env.provider.failRefresh = true
	env.advance(30*time.Minute - 30*time.Second)

	me := env.get(client, "/auth/me")
	require.Equal(t, http.StatusUnauthorized, me.StatusCode)
	me.Body.Close()

	_, err := env.stores.Sessions.Lookup(sessionID)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestExpiredSessionIsNotRefreshed(t *testing.T) {
	env := newTestEnv(t)
	env.provider.tokenTTL = 30 * time.Minute
	env.provider.addUser("jo@example.com", "hunter2222", "", "")
	client := env.newClient()

	env.login(client, "jo@example.com", "hunter2222")
	sessionID := sessionIDOf(env.sessionCookie(client))

	// Past expiry the session is revoked outright. A perfectly healthy
	// refresh token must not bring it back.
	env.advance(31 * time.Minute)

	me := env.get(client, "/auth/me")
	require.Equal(t, http.StatusUnauthorized, me.StatusCode)
	me.Body.Close()
	require.Zero(t, env.provider.refreshes)

	_, err := env.stores.Sessions.Lookup(sessionID)
	require.ErrorIs(t, err, store.ErrNotFound)

	// The cleared cookie means the next request is anonymous.
	me = env.get(client, "/auth/me")
	require.Equal(t, http.StatusUnauthorized, me.StatusCode)
	me.Body.Close()
	require.Zero(t, env.provider.refreshes)
}

func callbackURL(t *testing.T, authorizeLocation, email string) string {
	t.Helper()
	u, err := url.Parse(authorizeLocation)
	require.NoError(t, err)
	q := url.Values{}
	q.Set("state", u.Query().Get("state"))
	q.Set("code", "code:"+email)
	return "/auth/callback?" + q.Encode()
}

func TestAuthorizeCallbackFlow(t *testing.T) {
	env := newTestEnv(t)
	env.provider.addUser("jo@example.com", "hunter2222", "Jo", "")
	client := env.newClient()

	authorize := env.get(client, "/auth/authorize?screen_hint=sign-in&redirect_to=%2Fdashboard")
	require.Equal(t, http.StatusFound, authorize.StatusCode)
	location := authorize.Header.Get("Location")
	authorize.Body.Close()
	require.Contains(t, location, "https://id.example.test/authorize")
	require.Contains(t, location, "code_challenge")

	callback := env.get(client, callbackURL(t, location, "jo@example.com"))
	require.Equal(t, http.StatusSeeOther, callback.StatusCode)
	require.Equal(t, "/dashboard", callback.Header.Get("Location"))
	callback.Body.Close()

	me := env.get(client, "/auth/me")
	require.Equal(t, http.StatusOK, me.StatusCode)
	body := decodeJSON[SessionResponse](t, me)
	require.Equal(t, "jo@example.com", body.User.Email)
}

func TestCallbackReplayRejected(t *testing.T) {
	env := newTestEnv(t)
	env.provider.addUser("jo@example.com", "hunter2222", "", "")
	client := env.newClient()

	authorize := env.get(client, "/auth/authorize")
	location := authorize.Header.Get("Location")
	authorize.Body.Close()
	cb := callbackURL(t, location, "jo@example.com")

	first := env.get(client, cb)
	require.Equal(t, http.StatusSeeOther, first.StatusCode)
	first.Body.Close()

	replay := env.get(client, cb)
	require.Equal(t, http.StatusBadRequest, replay.StatusCode)
	replay.Body.Close()
}

func TestCallbackUnknownStateRejected(t *testing.T) {
	env := newTestEnv(t)
	client := env.newClient()

	resp := env.get(client, "/auth/callback?state=never-issued&code=code:x")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestExpiredLoginStateRejected(t *testing.T) {
	env := newTestEnv(t)
	env.provider.addUser("jo@example.com", "hunter2222", "", "")
	client := env.newClient()

	authorize := env.get(client, "/auth/authorize")
	location := authorize.Header.Get("Location")
	authorize.Body.Close()

	env.advance(11 * time.Minute)

	resp := env.get(client, callbackURL(t, location, "jo@example.com"))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestLinkAccountFlow(t *testing.T) {
	env := newTestEnv(t)
	env.provider.addUser("a@example.com", "hunter2222", "Ann", "")
	env.provider.addUser("b@example.com", "hunter2222", "Ben", "")
	client := env.newClient()

	sessA := env.login(client, "a@example.com", "hunter2222")
	sessionA := sessionIDOf(env.sessionCookie(client))

	authorize := env.get(client, "/auth/authorize?link_account=true")
	require.Equal(t, http.StatusFound, authorize.StatusCode)
	location := authorize.Header.Get("Location")
	authorize.Body.Close()

	callback := env.get(client, callbackURL(t, location, "b@example.com"))
	require.Equal(t, http.StatusSeeOther, callback.StatusCode)
	callback.Body.Close()

	// The browser now holds B's session; A's session stays valid.
	rowA, err := env.stores.Sessions.Lookup(sessionA)
	require.NoError(t, err)
	require.True(t, rowA.IsValid)

	me := env.get(client, "/auth/me")
	body := decodeJSON[SessionResponse](t, me)
	require.Equal(t, "b@example.com", body.User.Email)

	linked, err := env.stores.Links.Linked(sessA.User.UserID, body.User.UserID)
	require.NoError(t, err)
	require.True(t, linked)
}

func TestLoginWithLinkAccount(t *testing.T) {
	env := newTestEnv(t)
	env.provider.addUser("a@example.com", "hunter2222", "Ann", "")
	env.provider.addUser("b@example.com", "hunter2222", "Ben", "")
	client := env.newClient()

	sessA := env.login(client, "a@example.com", "hunter2222")
	sessionA := sessionIDOf(env.sessionCookie(client))

	resp := env.postJSON(client, "/auth/login", LoginRequest{
		Email:       "b@example.com",
		Password:    "hunter2222",
		LinkAccount: true,
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sessB := decodeJSON[SessionResponse](t, resp)

	linked, err := env.stores.Links.Linked(sessA.User.UserID, sessB.User.UserID)
	require.NoError(t, err)
	require.True(t, linked)

	// The primary session survives the link.
	_, err = env.stores.Sessions.Lookup(sessionA)
	require.NoError(t, err)
}

func TestLoginLinkAccountWithoutSession(t *testing.T) {
	env := newTestEnv(t)
	env.provider.addUser("a@example.com", "hunter2222", "", "")
	client := env.newClient()

	resp := env.postJSON(client, "/auth/login", LoginRequest{
		Email:       "a@example.com",
		Password:    "hunter2222",
		LinkAccount: true,
	}, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()
}

func TestLoginLinkSelfIsNoop(t *testing.T) {
	env := newTestEnv(t)
	env.provider.addUser("a@example.com", "hunter2222", "", "")
	client := env.newClient()
	sessA := env.login(client, "a@example.com", "hunter2222")

	resp := env.postJSON(client, "/auth/login", LoginRequest{
		Email:       "a@example.com",
		Password:    "hunter2222",
		LinkAccount: true,
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	links, err := env.stores.Links.ListLinks(sessA.User.UserID)
	require.NoError(t, err)
	require.Empty(t, links)
}

func TestLinkAccountRequiresSession(t *testing.T) {
	env := newTestEnv(t)
	client := env.newClient()

	resp := env.get(client, "/auth/authorize?link_account=true")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()
}

func TestLinkedSessionsListing(t *testing.T) {
	env := newTestEnv(t)
	env.provider.addUser("a@example.com", "hunter2222", "Ann", "")
	env.provider.addUser("b@example.com", "hunter2222", "Ben", "")

	clientB := env.newClient()
	sessB := env.login(clientB, "b@example.com", "hunter2222")
	clientA := env.newClient()
	sessA := env.login(clientA, "a@example.com", "hunter2222")

	require.NoError(t, env.stores.Links.Link(sessA.User.UserID, sessB.User.UserID, env.now()))

	resp := env.get(clientA, "/auth/linked-sessions")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decodeJSON[[]LinkedSessionResponse](t, resp)
	require.Len(t, list, 2)

	byID := map[string]LinkedSessionResponse{}
	for _, e := range list {
		byID[e.UserID] = e
	}
	require.True(t, byID[sessA.User.UserID].Current)
	require.True(t, byID[sessA.User.UserID].Active)
	require.False(t, byID[sessB.User.UserID].Current)
	require.True(t, byID[sessB.User.UserID].Active)

	// Logging B out flips its availability.
	logout := env.postJSON(clientB, "/auth/logout", struct{}{},
		map[string]string{csrfHeaderName: sessB.CSRFToken})
	require.Equal(t, http.StatusOK, logout.StatusCode)
	logout.Body.Close()

	resp = env.get(clientA, "/auth/linked-sessions")
	list = decodeJSON[[]LinkedSessionResponse](t, resp)
	for _, e := range list {
		if e.UserID == sessB.User.UserID {
			require.False(t, e.Active)
		}
	}
}

func TestOpenAPIServed(t *testing.T) {
	env := newTestEnv(t)
	client := env.newClient()

	resp := env.get(client, "/openapi.yaml")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(data), "/auth/login")
}
