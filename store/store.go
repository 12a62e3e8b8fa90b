// Package store defines the persistent model for the auth subsystem:
// single-use login states bridging the provider redirect handshake,
// authoritative session rows, the symmetric account-link edge set, and
// the synced user directory. Backends live in store/memory and
// store/bbolt.
package store

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned for records that are missing, expired, or
	// revoked. Callers cannot distinguish the three; lookups must not leak
	// whether a token ever existed.
	ErrNotFound = errors.New("record not found")

	// ErrSelfLink is returned when an account is linked to itself.
	ErrSelfLink = errors.New("cannot link an account to itself")

	// ErrLinkLimit is returned when linking would exceed MaxLinkedAccounts.
	ErrLinkLimit = errors.New("linked account limit reached")
)

// MaxLinkedAccounts caps how many accounts can share one link cluster.
const MaxLinkedAccounts = 5

// FlowMode distinguishes the provider screen the login flow was started
// for. It only affects the authorize URL hint, never the callback logic.
type FlowMode string

const (
	FlowSignIn FlowMode = "sign-in"
	FlowSignUp FlowMode = "sign-up"
)

// LoginState is a short-lived record correlating a provider redirect with
// the request that initiated it. The PKCE code verifier is sealed before
// it gets here; the state value itself is stored only as a hash.
type LoginState struct {
	StateHash              string    `json:"state_hash"`
	CodeVerifierCiphertext string    `json:"code_verifier_ciphertext"`
	RedirectTo             string    `json:"redirect_to,omitempty"`
	FlowMode               FlowMode  `json:"flow_mode,omitempty"`
	LinkAccount            bool      `json:"link_account,omitempty"`
	PrimaryUserID          string    `json:"primary_user_id,omitempty"`
	IPAddress              string    `json:"ip_address,omitempty"`
	UserAgent              string    `json:"user_agent,omitempty"`
	CreatedAt              time.Time `json:"created_at"`
	ExpiresAt              time.Time `json:"expires_at"`
}

// LoginStateStore persists login states. A state is usable for exactly
// one exchange attempt, expired or not.
type LoginStateStore interface {
	// Create replaces any record with the same StateHash, then inserts.
	Create(state LoginState) error

	// Consume deletes the record on lookup, unconditionally, and returns
	// it only when now is before ExpiresAt. A consumed or expired state
	// reports ErrNotFound; the delete and the expiry check happen as one
	// atomic operation so two concurrent consumers cannot both succeed.
	Consume(stateHash string, now time.Time) (LoginState, error)
}

// UserSnapshot is the immutable denormalized identity stored alongside a
// session so request handling never needs a user-directory read.
type UserSnapshot struct {
	UserID         string `json:"user_id"`
	ProviderUserID string `json:"provider_user_id"`
	Email          string `json:"email"`
	FirstName      string `json:"first_name,omitempty"`
	LastName       string `json:"last_name,omitempty"`
	Name           string `json:"name,omitempty"`
}

// Session is an authoritative session row. SessionID is the sole lookup
// key and may rotate; provider tokens are stored sealed.
type Session struct {
	SessionID              string       `json:"session_id"`
	UserID                 string       `json:"user_id"`
	ProviderUserID         string       `json:"provider_user_id"`
	ProviderSessionID      string       `json:"provider_session_id"`
	AccessTokenCiphertext  string       `json:"access_token_ciphertext"`
	RefreshTokenCiphertext string       `json:"refresh_token_ciphertext"`
	CSRFTokenHash          string       `json:"csrf_token_hash"`
	ExpiresAt              time.Time    `json:"expires_at"`
	CreatedAt              time.Time    `json:"created_at"`
	LastRefreshedAt        *time.Time   `json:"last_refreshed_at,omitempty"`
	LastSeenAt             *time.Time   `json:"last_seen_at,omitempty"`
	IPAddress              string       `json:"ip_address,omitempty"`
	UserAgent              string       `json:"user_agent,omitempty"`
	IsValid                bool         `json:"is_valid"`
	RevokedAt              *time.Time   `json:"revoked_at,omitempty"`
	Snapshot               UserSnapshot `json:"snapshot"`
}

// ActivityStamp returns the timestamp used to rank sessions when picking
// the freshest one for a user.
func (s Session) ActivityStamp() time.Time {
	if s.LastSeenAt != nil {
		return *s.LastSeenAt
	}
	return s.CreatedAt
}

// SessionChanges is a sparse changeset for RotateSecrets. Nil fields are
// left untouched; the whole set is applied atomically.
type SessionChanges struct {
	NewSessionID           *string
	AccessTokenCiphertext  *string
	RefreshTokenCiphertext *string
	CSRFTokenHash          *string
	ExpiresAt              *time.Time
	LastRefreshedAt        *time.Time
}

// SessionStore persists session rows. Rows are never physically deleted
// except when superseded by a SessionID collision on Create.
type SessionStore interface {
	// Create inserts a valid session. A SessionID collision deletes the
	// old row first, making re-creation idempotent.
	Create(s Session) error

	// Lookup returns the row only while IsValid; revoked and missing
	// sessions are both ErrNotFound.
	Lookup(sessionID string) (Session, error)

	// RotateSecrets applies the changeset and returns the effective
	// session id (the new one when the pointer rotated). Lookups by the
	// old id report ErrNotFound immediately after rotation.
	RotateSecrets(sessionID string, ch SessionChanges) (string, error)

	// Touch updates activity metadata best-effort: a missing row is not
	// an error, and the caller's request must never fail because of it.
	Touch(sessionID string, lastSeenAt time.Time, ip, userAgent string) error

	// Invalidate permanently revokes the session. There is no un-revoke.
	Invalidate(sessionID string, revokedAt time.Time) error

	// SelectActiveForUser returns the valid, unexpired session with the
	// largest ActivityStamp, or ErrNotFound when the user has none.
	SelectActiveForUser(userID string, now time.Time) (Session, error)
}

// LinkStore maintains the symmetric account-link edge set. Symmetry and
// the no-self-link rule are enforced here rather than on user records.
type LinkStore interface {
	// Link records a bidirectional edge between two users.
	Link(userA, userB string, now time.Time) error
	// Linked reports whether an edge exists, in either direction.
	Linked(userA, userB string) (bool, error)
	// Unlink removes the edge in both directions. Missing edges are not
	// an error.
	Unlink(userA, userB string) error
	// ListLinks returns the user ids linked to the given user.
	ListLinks(userID string) ([]string, error)
}

// User is a row in the synced user directory. The provider is the source
// of truth; rows here exist so sessions and links can reference a stable
// local id.
type User struct {
	UserID         string    `json:"user_id"`
	ProviderUserID string    `json:"provider_user_id"`
	Email          string    `json:"email"`
	FirstName      string    `json:"first_name,omitempty"`
	LastName       string    `json:"last_name,omitempty"`
	EmailVerified  bool      `json:"email_verified"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// DisplayName assembles the human-readable name for snapshots and cache
// entries.
func (u User) DisplayName() string {
	switch {
	case u.FirstName != "" && u.LastName != "":
		return u.FirstName + " " + u.LastName
	case u.FirstName != "":
		return u.FirstName
	default:
		return u.LastName
	}
}

// UserStore is the synced user directory.
type UserStore interface {
	// UpsertByProviderID creates or refreshes the row for a provider
	// identity and returns it with a stable local UserID.
	UpsertByProviderID(u User) (User, error)
	// Get returns a user by local id.
	Get(userID string) (User, error)
	// GetByProviderID returns a user by provider id.
	GetByProviderID(providerUserID string) (User, error)
}

// Stores bundles the four stores a backend provides.
type Stores struct {
	LoginStates LoginStateStore
	Sessions    SessionStore
	Links       LinkStore
	Users       UserStore
}
