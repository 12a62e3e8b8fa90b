package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte("test-signing-key"))
	require.NoError(t, err)
	return signed
}

func newTestClient(t *testing.T, handler http.Handler) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := NewHTTP(context.Background(), Config{
		BaseURL:      srv.URL,
		ClientID:     "client_123",
		ClientSecret: "secret_456",
		RedirectURI:  "https://app.example.com/auth/callback",
		HTTPClient:   srv.Client(),
	})
	require.NoError(t, err)
	return client
}

func TestAuthenticatePassword(t *testing.T) {
	exp := time.Now().Add(time.Hour).Unix()
	access := signToken(t, jwt.MapClaims{"sid": "psess_1", "sub": "prov_user_1", "exp": exp})

	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/users/authenticate", r.URL.Path)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "client_123", body["client_id"])
		require.Equal(t, "jo@example.com", body["email"])
		require.Equal(t, "203.0.113.9", body["ip_address"])

		json.NewEncoder(w).Encode(map[string]any{
			"user": map[string]any{
				"id": "prov_user_1", "email": "jo@example.com",
				"first_name": "Jo", "last_name": "Doe", "email_verified": true,
			},
			"session_id":    "psess_1",
			"access_token":  access,
			"refresh_token": "rt_1",
			"expires_in":    3600,
		})
	}))

	auth, err := client.AuthenticatePassword(context.Background(), "jo@example.com", "hunter22", "203.0.113.9", "test-agent")
	require.NoError(t, err)
	require.Equal(t, "prov_user_1", auth.Identity.UserID)
	require.Equal(t, "Jo", auth.Identity.FirstName)
	require.True(t, auth.Identity.EmailVerified)
	require.Equal(t, "psess_1", auth.SessionID)
	require.Equal(t, "rt_1", auth.RefreshToken)
	require.WithinDuration(t, time.Now().Add(time.Hour), auth.ExpiresAt, time.Minute)
}

func TestAuthenticatePasswordErrors(t *testing.T) {
	cases := []struct {
		status int
		code   string
		want   error
	}{
		{http.StatusUnauthorized, "invalid_credentials", ErrInvalidCredentials},
		{http.StatusForbidden, "account_locked", ErrAccountLocked},
		{http.StatusNotFound, "user_not_found", ErrUserNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				json.NewEncoder(w).Encode(map[string]string{"code": tc.code, "message": "nope"})
			}))
			_, err := client.AuthenticatePassword(context.Background(), "jo@example.com", "bad", "", "")
			require.ErrorIs(t, err, tc.want)
		})
	}
}

func TestCreateUser(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/users", r.URL.Path)
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{
			"id": "prov_user_2", "email": "new@example.com", "first_name": "New",
		})
	}))

	id, err := client.CreateUser(context.Background(), "new@example.com", "password123", "New", "")
	require.NoError(t, err)
	require.Equal(t, "prov_user_2", id.UserID)
	require.Equal(t, "new@example.com", id.Email)
}

func TestCreateUserDuplicate(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]string{"code": "email_taken"})
	}))
	_, err := client.CreateUser(context.Background(), "dup@example.com", "password123", "", "")
	require.ErrorIs(t, err, ErrDuplicateEmail)
}

func TestAuthorizeURL(t *testing.T) {
	client := newTestClient(t, http.NewServeMux())

	raw := client.AuthorizeURL(AuthorizeRequest{
		State:         "state-1",
		CodeChallenge: "challenge-1",
		ScreenHint:    "sign-up",
		LoginHint:     "jo@example.com",
	})
	u, err := url.Parse(raw)
	require.NoError(t, err)
	q := u.Query()
	require.Equal(t, "/oauth2/authorize", u.Path)
	require.Equal(t, "code", q.Get("response_type"))
	require.Equal(t, "client_123", q.Get("client_id"))
	require.Equal(t, "state-1", q.Get("state"))
	require.Equal(t, "challenge-1", q.Get("code_challenge"))
	require.Equal(t, "S256", q.Get("code_challenge_method"))
	require.Equal(t, "sign-up", q.Get("screen_hint"))
	require.Equal(t, "jo@example.com", q.Get("login_hint"))
	require.Equal(t, "https://app.example.com/auth/callback", q.Get("redirect_uri"))
}

func TestExchange(t *testing.T) {
	exp := time.Now().Add(time.Hour).Unix()
	access := signToken(t, jwt.MapClaims{"sid": "psess_3", "sub": "prov_user_3", "exp": exp})
	idToken := signToken(t, jwt.MapClaims{
		"sid": "psess_3", "sub": "prov_user_3", "exp": exp,
		"email": "jo@example.com", "given_name": "Jo", "family_name": "Doe",
		"email_verified": true,
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		require.Equal(t, "authorization_code", r.PostForm.Get("grant_type"))
		require.Equal(t, "code-abc", r.PostForm.Get("code"))
		require.Equal(t, "verifier-xyz", r.PostForm.Get("code_verifier"))

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  access,
			"refresh_token": "rt_3",
			"token_type":    "bearer",
			"expires_in":    3600,
			"id_token":      idToken,
		})
	})
	client := newTestClient(t, mux)

	auth, err := client.Exchange(context.Background(), "code-abc", "verifier-xyz")
	require.NoError(t, err)
	require.Equal(t, "psess_3", auth.SessionID)
	require.Equal(t, "prov_user_3", auth.Identity.UserID)
	require.Equal(t, "jo@example.com", auth.Identity.Email)
	require.Equal(t, "Doe", auth.Identity.LastName)
	require.True(t, auth.Identity.EmailVerified)
	require.Equal(t, "rt_3", auth.RefreshToken)
}

func TestRefresh(t *testing.T) {
	exp := time.Now().Add(time.Hour).Unix()
	access := signToken(t, jwt.MapClaims{"sid": "psess_4", "sub": "prov_user_4", "exp": exp, "email": "jo@example.com"})

	mux := http.NewServeMux()
	mux.HandleFunc("/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		require.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		require.Equal(t, "rt_old", r.PostForm.Get("refresh_token"))

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  access,
			"refresh_token": "rt_new",
			"token_type":    "bearer",
			"expires_in":    3600,
		})
	})
	client := newTestClient(t, mux)

	auth, err := client.Refresh(context.Background(), "rt_old")
	require.NoError(t, err)
	require.Equal(t, "psess_4", auth.SessionID)
	require.Equal(t, "prov_user_4", auth.Identity.UserID)
	require.Equal(t, "rt_new", auth.RefreshToken)
}

func TestRefreshInvalidGrant(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"})
	})
	client := newTestClient(t, mux)

	_, err := client.Refresh(context.Background(), "rt_revoked")
	require.ErrorIs(t, err, ErrInvalidCredentials)
}
