// Package provider wraps the upstream identity provider: password
// authentication, user creation, and the OAuth authorization-code flow
// with PKCE. The rest of the system only sees the Client interface, so
// handlers test against a fake without touching the network.
package provider

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrInvalidCredentials covers wrong email or wrong password. Callers
	// must not distinguish the two.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrAccountLocked is returned when the provider refuses the account
	// outright.
	ErrAccountLocked = errors.New("account locked")

	// ErrUserNotFound is returned when no account exists for the email.
	ErrUserNotFound = errors.New("user not found")

	// ErrDuplicateEmail is returned when creating a user whose email is
	// already registered.
	ErrDuplicateEmail = errors.New("email already registered")
)

// Identity is the provider's view of a user.
type Identity struct {
	UserID        string
	Email         string
	FirstName     string
	LastName      string
	EmailVerified bool
}

// Authentication is the outcome of a successful credential exchange:
// the identity plus the provider session and its token pair.
type Authentication struct {
	Identity     Identity
	SessionID    string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// AuthorizeRequest carries the parameters for building an authorization
// redirect.
type AuthorizeRequest struct {
	State         string
	CodeChallenge string
	// ScreenHint selects the provider's sign-in or sign-up screen.
	ScreenHint string
	LoginHint  string
}

// Client talks to the identity provider.
type Client interface {
	// AuthenticatePassword exchanges an email and password for a provider
	// session. IP and user agent are forwarded for the provider's own
	// anomaly detection.
	AuthenticatePassword(ctx context.Context, email, password, ip, userAgent string) (Authentication, error)

	// CreateUser registers a new account. The caller authenticates
	// separately afterwards.
	CreateUser(ctx context.Context, email, password, firstName, lastName string) (Identity, error)

	// AuthorizeURL builds the redirect that starts the hosted login flow.
	AuthorizeURL(req AuthorizeRequest) string

	// Exchange redeems an authorization code, proving possession of the
	// PKCE verifier that produced the challenge sent in AuthorizeURL.
	Exchange(ctx context.Context, code, codeVerifier string) (Authentication, error)

	// Refresh redeems a refresh token for a fresh token pair. Refresh
	// tokens are single use upstream; the returned pair replaces both.
	Refresh(ctx context.Context, refreshToken string) (Authentication, error)
}
