package api

import "time"

// ErrorResponse is the uniform error body. RetryAfter is only present on
// rate-limited responses.
type ErrorResponse struct {
	Error      string `json:"error"`
	RetryAfter int    `json:"retryAfter,omitempty"`
	// RedirectToLogin signals the client to send the user to sign-in
	// instead of retrying, e.g. registering an email that already exists.
	RedirectToLogin bool `json:"redirectToLogin,omitempty"`
}

// LoginRequest authenticates an email and password. LinkAccount attaches
// the authenticated identity to the caller's current session's account
// instead of replacing it.
type LoginRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	RedirectTo  string `json:"redirectTo,omitempty"`
	LinkAccount bool   `json:"linkAccount,omitempty"`
}

// RegisterRequest creates a new account and signs it in.
type RegisterRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	FirstName   string `json:"firstName,omitempty"`
	LastName    string `json:"lastName,omitempty"`
	RedirectTo  string `json:"redirectTo,omitempty"`
	LinkAccount bool   `json:"linkAccount,omitempty"`
}

// UserResponse is the public view of a signed-in user.
type UserResponse struct {
	UserID    string `json:"userId"`
	Email     string `json:"email"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
	Name      string `json:"name,omitempty"`
}

// SessionResponse is returned by login, register, switch, and me. The
// CSRF token is also set as a readable cookie; it is repeated here for
// clients that prefer the body.
type SessionResponse struct {
	User       UserResponse `json:"user"`
	ExpiresAt  time.Time    `json:"expiresAt"`
	CSRFToken  string       `json:"csrfToken,omitempty"`
	RedirectTo string       `json:"redirectTo,omitempty"`
}

// SwitchRequest selects another linked account.
type SwitchRequest struct {
	UserID string `json:"userId"`
}

// LinkedSessionResponse summarizes one account reachable from the
// current session, including the current account itself.
type LinkedSessionResponse struct {
	UserID     string     `json:"userId"`
	Email      string     `json:"email"`
	Name       string     `json:"name,omitempty"`
	Current    bool       `json:"current"`
	Active     bool       `json:"active"`
	LastSeenAt *time.Time `json:"lastSeenAt,omitempty"`
}

// LogoutResponse acknowledges a logout. Success is true even when the
// session was already gone; the cookies are cleared either way.
// FallbackUserID names a linked account that still has a live session,
// so the client can switch to it instead of re-authenticating; empty
// means back to sign-in.
type LogoutResponse struct {
	Success        bool   `json:"success"`
	FallbackUserID string `json:"fallbackUserId,omitempty"`
}
