package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

// Config configures the HTTP provider client.
type Config struct {
	// Issuer enables OIDC discovery and ID token verification. When
	// empty, endpoints are derived from BaseURL and ID tokens are read
	// without signature verification (the code was just exchanged over
	// TLS with client credentials, so possession already proves origin).
	Issuer       string
	BaseURL      string
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Scopes       []string
	HTTPClient   *http.Client
}

// HTTPClient implements Client against a real identity provider.
type HTTPClient struct {
	cfg      Config
	oauth    oauth2.Config
	http     *http.Client
	verifier *oidc.IDTokenVerifier
}

var _ Client = (*HTTPClient)(nil)

// NewHTTP builds a provider client. With an Issuer configured, endpoints
// come from OIDC discovery; otherwise they hang off BaseURL.
func NewHTTP(ctx context.Context, cfg Config) (*HTTPClient, error) {
	if cfg.ClientID == "" {
		return nil, errors.New("provider: client id required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}

	c := &HTTPClient{cfg: cfg, http: httpClient}
	c.oauth = oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURI,
		Scopes:       cfg.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  cfg.BaseURL + "/oauth2/authorize",
			TokenURL: cfg.BaseURL + "/oauth2/token",
		},
	}

	if cfg.Issuer != "" {
		ctx = oidc.ClientContext(ctx, httpClient)
		prov, err := oidc.NewProvider(ctx, cfg.Issuer)
		if err != nil {
			return nil, fmt.Errorf("provider discovery: %w", err)
		}
		c.oauth.Endpoint = prov.Endpoint()
		c.verifier = prov.Verifier(&oidc.Config{ClientID: cfg.ClientID})
	}
	return c, nil
}

type userPayload struct {
	ID            string `json:"id"`
	Email         string `json:"email"`
	FirstName     string `json:"first_name"`
	LastName      string `json:"last_name"`
	EmailVerified bool   `json:"email_verified"`
}

func (u userPayload) identity() Identity {
	return Identity{
		UserID:        u.ID,
		Email:         u.Email,
		FirstName:     u.FirstName,
		LastName:      u.LastName,
		EmailVerified: u.EmailVerified,
	}
}

type authPayload struct {
	User         userPayload `json:"user"`
	SessionID    string      `json:"session_id"`
	AccessToken  string      `json:"access_token"`
	RefreshToken string      `json:"refresh_token"`
	ExpiresIn    int         `json:"expires_in"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (c *HTTPClient) AuthenticatePassword(ctx context.Context, email, password, ip, userAgent string) (Authentication, error) {
	body := map[string]string{
		"client_id":     c.cfg.ClientID,
		"client_secret": c.cfg.ClientSecret,
		"email":         email,
		"password":      password,
		"ip_address":    ip,
		"user_agent":    userAgent,
	}
	var payload authPayload
	if err := c.postJSON(ctx, "/users/authenticate", body, &payload); err != nil {
		return Authentication{}, err
	}
	return c.authFromPayload(payload), nil
}

func (c *HTTPClient) CreateUser(ctx context.Context, email, password, firstName, lastName string) (Identity, error) {
	body := map[string]string{
		"client_id":     c.cfg.ClientID,
		"client_secret": c.cfg.ClientSecret,
		"email":         email,
		"password":      password,
		"first_name":    firstName,
		"last_name":     lastName,
	}
	var payload userPayload
	if err := c.postJSON(ctx, "/users", body, &payload); err != nil {
		return Identity{}, err
	}
	return payload.identity(), nil
}

func (c *HTTPClient) AuthorizeURL(req AuthorizeRequest) string {
	opts := []oauth2.AuthCodeOption{
		oauth2.SetAuthURLParam("code_challenge", req.CodeChallenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	}
	if req.ScreenHint != "" {
		opts = append(opts, oauth2.SetAuthURLParam("screen_hint", req.ScreenHint))
	}
	if req.LoginHint != "" {
		opts = append(opts, oauth2.SetAuthURLParam("login_hint", req.LoginHint))
	}
	return c.oauth.AuthCodeURL(req.State, opts...)
}

func (c *HTTPClient) Exchange(ctx context.Context, code, codeVerifier string) (Authentication, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.http)
	token, err := c.oauth.Exchange(ctx, code, oauth2.VerifierOption(codeVerifier))
	if err != nil {
		return Authentication{}, mapOAuthError(err)
	}
	return c.authFromToken(ctx, token)
}

func (c *HTTPClient) Refresh(ctx context.Context, refreshToken string) (Authentication, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.http)
	token, err := c.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return Authentication{}, mapOAuthError(err)
	}
	return c.authFromToken(ctx, token)
}

// authFromToken assembles an Authentication from an oauth2 token. The
// identity comes from the ID token when present, otherwise from the
// access token claims.
func (c *HTTPClient) authFromToken(ctx context.Context, token *oauth2.Token) (Authentication, error) {
	auth := Authentication{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    token.Expiry,
	}

	var claims map[string]any
	if raw, ok := token.Extra("id_token").(string); ok && raw != "" {
		if c.verifier != nil {
			idToken, err := c.verifier.Verify(ctx, raw)
			if err != nil {
				return Authentication{}, fmt.Errorf("id token verification: %w", err)
			}
			if err := idToken.Claims(&claims); err != nil {
				return Authentication{}, fmt.Errorf("id token claims: %w", err)
			}
		} else if claims = peekClaims(raw); claims == nil {
			return Authentication{}, errors.New("malformed id token")
		}
	} else if claims = peekClaims(token.AccessToken); claims == nil {
		return Authentication{}, errors.New("token response carried no identity")
	}

	auth.SessionID, _ = claims["sid"].(string)
	auth.Identity.UserID, _ = claims["sub"].(string)
	auth.Identity.Email, _ = claims["email"].(string)
	auth.Identity.FirstName, _ = claims["given_name"].(string)
	auth.Identity.LastName, _ = claims["family_name"].(string)
	auth.Identity.EmailVerified, _ = claims["email_verified"].(bool)

	if auth.ExpiresAt.IsZero() {
		if exp, ok := claims["exp"].(float64); ok {
			auth.ExpiresAt = time.Unix(int64(exp), 0)
		}
	}
	return auth, nil
}

// peekClaims reads JWT claims without signature verification. Used only
// to extract metadata from tokens we just received first-hand.
func peekClaims(raw string) map[string]any {
	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(raw, claims); err != nil {
		return nil
	}
	return claims
}

func (c *HTTPClient) authFromPayload(p authPayload) Authentication {
	auth := Authentication{
		Identity:     p.User.identity(),
		SessionID:    p.SessionID,
		AccessToken:  p.AccessToken,
		RefreshToken: p.RefreshToken,
	}
	if p.ExpiresIn > 0 {
		auth.ExpiresAt = time.Now().Add(time.Duration(p.ExpiresIn) * time.Second)
	} else if claims := peekClaims(p.AccessToken); claims != nil {
		if exp, ok := claims["exp"].(float64); ok {
			auth.ExpiresAt = time.Unix(int64(exp), 0)
		}
	}
	return auth
}

func (c *HTTPClient) postJSON(ctx context.Context, path string, body any, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("provider request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("provider response: %w", err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return json.Unmarshal(raw, out)
	}

	var payload errorPayload
	_ = json.Unmarshal(raw, &payload)
	if err := mapErrorCode(payload.Code); err != nil {
		return err
	}
	return fmt.Errorf("provider: %s (status %d)", payload.Message, resp.StatusCode)
}

func mapErrorCode(code string) error {
	switch code {
	case "invalid_credentials", "password_mismatch":
		return ErrInvalidCredentials
	case "account_locked":
		return ErrAccountLocked
	case "user_not_found":
		return ErrUserNotFound
	case "email_taken", "duplicate_email":
		return ErrDuplicateEmail
	}
	return nil
}

func mapOAuthError(err error) error {
	var retrieve *oauth2.RetrieveError
	if errors.As(err, &retrieve) {
		if mapped := mapErrorCode(retrieve.ErrorCode); mapped != nil {
			return mapped
		}
		if retrieve.ErrorCode == "invalid_grant" {
			return ErrInvalidCredentials
		}
	}
	return err
}
