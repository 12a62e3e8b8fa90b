// Package memory provides thread-safe in-memory implementations of the
// store interfaces. Suitable for testing, demos, and single-process use.
package memory

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/syoslabs/gatehouse/store"
)

// Stores returns a full in-memory backend.
func Stores() store.Stores {
	return store.Stores{
		LoginStates: NewLoginStateStore(),
		Sessions:    NewSessionStore(),
		Links:       NewLinkStore(),
		Users:       NewUserStore(),
	}
}

// LoginStateStore is an in-memory store.LoginStateStore.
type LoginStateStore struct {
	mu     sync.Mutex
	states map[string]store.LoginState
}

var _ store.LoginStateStore = (*LoginStateStore)(nil)

// NewLoginStateStore creates an empty login state store.
func NewLoginStateStore() *LoginStateStore {
	return &LoginStateStore{states: make(map[string]store.LoginState)}
}

func (s *LoginStateStore) Create(state store.LoginState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[state.StateHash] = state
	return nil
}

func (s *LoginStateStore) Consume(stateHash string, now time.Time) (store.LoginState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.states[stateHash]
	if !ok {
		return store.LoginState{}, store.ErrNotFound
	}
	delete(s.states, stateHash)
	if !now.Before(state.ExpiresAt) {
		return store.LoginState{}, store.ErrNotFound
	}
	return state, nil
}

// SessionStore is an in-memory store.SessionStore. Revoked rows are kept
// so an invalidated session id can never be resurrected by a later write
// to the same row.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]store.Session
}

var _ store.SessionStore = (*SessionStore)(nil)

// NewSessionStore creates an empty session store.
func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[string]store.Session)}
}

func cloneSession(s store.Session) store.Session {
	s.LastRefreshedAt = cloneTime(s.LastRefreshedAt)
	s.LastSeenAt = cloneTime(s.LastSeenAt)
	s.RevokedAt = cloneTime(s.RevokedAt)
	return s
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}

func (s *SessionStore) Create(sess store.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sess.SessionID)
	s.sessions[sess.SessionID] = cloneSession(sess)
	return nil
}

func (s *SessionStore) Lookup(sessionID string) (store.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	if !ok || !sess.IsValid {
		return store.Session{}, store.ErrNotFound
	}
	return cloneSession(sess), nil
}

func (s *SessionStore) RotateSecrets(sessionID string, ch store.SessionChanges) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return "", store.ErrNotFound
	}
	if ch.AccessTokenCiphertext != nil {
		sess.AccessTokenCiphertext = *ch.AccessTokenCiphertext
	}
	if ch.RefreshTokenCiphertext != nil {
		sess.RefreshTokenCiphertext = *ch.RefreshTokenCiphertext
	}
	if ch.CSRFTokenHash != nil {
		sess.CSRFTokenHash = *ch.CSRFTokenHash
	}
	if ch.ExpiresAt != nil {
		sess.ExpiresAt = *ch.ExpiresAt
	}
	if ch.LastRefreshedAt != nil {
		sess.LastRefreshedAt = cloneTime(ch.LastRefreshedAt)
	}
	effective := sessionID
	if ch.NewSessionID != nil && *ch.NewSessionID != sessionID {
		effective = *ch.NewSessionID
		delete(s.sessions, sessionID)
		sess.SessionID = effective
	}
	s.sessions[effective] = sess
	return effective, nil
}

func (s *SessionStore) Touch(sessionID string, lastSeenAt time.Time, ip, userAgent string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok || !sess.IsValid {
		return nil
	}
	sess.LastSeenAt = &lastSeenAt
	if ip != "" {
		sess.IPAddress = ip
	}
	if userAgent != "" {
		sess.UserAgent = userAgent
	}
	s.sessions[sessionID] = sess
	return nil
}

func (s *SessionStore) Invalidate(sessionID string, revokedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return store.ErrNotFound
	}
	if !sess.IsValid {
		return nil
	}
	sess.IsValid = false
	sess.RevokedAt = &revokedAt
	s.sessions[sessionID] = sess
	return nil
}

func (s *SessionStore) SelectActiveForUser(userID string, now time.Time) (store.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best store.Session
	found := false
	for _, sess := range s.sessions {
		if sess.UserID != userID || !sess.IsValid || !now.Before(sess.ExpiresAt) {
			continue
		}
		if !found || sess.ActivityStamp().After(best.ActivityStamp()) {
			best = sess
			found = true
		}
	}
	if !found {
		return store.Session{}, store.ErrNotFound
	}
	return cloneSession(best), nil
}

// LinkStore is an in-memory store.LinkStore holding directed edges in
// both directions so list and lookup stay symmetric by construction.
type LinkStore struct {
	mu    sync.RWMutex
	edges map[string]map[string]time.Time
}

var _ store.LinkStore = (*LinkStore)(nil)

// NewLinkStore creates an empty link store.
func NewLinkStore() *LinkStore {
	return &LinkStore{edges: make(map[string]map[string]time.Time)}
}

func (s *LinkStore) Link(userA, userB string, now time.Time) error {
	if userA == userB {
		return store.ErrSelfLink
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.edges[userA][userB].IsZero() {
		if len(s.edges[userA]) >= store.MaxLinkedAccounts-1 ||
			len(s.edges[userB]) >= store.MaxLinkedAccounts-1 {
			return store.ErrLinkLimit
		}
	}
	s.addEdge(userA, userB, now)
	s.addEdge(userB, userA, now)
	return nil
}

func (s *LinkStore) addEdge(from, to string, now time.Time) {
	if _, ok := s.edges[from]; !ok {
		s.edges[from] = make(map[string]time.Time)
	}
	s.edges[from][to] = now
}

func (s *LinkStore) Linked(userA, userB string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.edges[userA][userB]
	return ok, nil
}

func (s *LinkStore) Unlink(userA, userB string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.edges[userA], userB)
	delete(s.edges[userB], userA)
	return nil
}

func (s *LinkStore) ListLinks(userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.edges[userID]))
	for id := range s.edges[userID] {
		ids = append(ids, id)
	}
	return ids, nil
}

// UserStore is an in-memory store.UserStore.
type UserStore struct {
	mu         sync.RWMutex
	users      map[string]store.User
	byProvider map[string]string
}

var _ store.UserStore = (*UserStore)(nil)

// NewUserStore creates an empty user store.
func NewUserStore() *UserStore {
	return &UserStore{
		users:      make(map[string]store.User),
		byProvider: make(map[string]string),
	}
}

func (s *UserStore) UpsertByProviderID(u store.User) (store.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byProvider[u.ProviderUserID]; ok {
		existing := s.users[id]
		existing.Email = u.Email
		existing.FirstName = u.FirstName
		existing.LastName = u.LastName
		existing.EmailVerified = u.EmailVerified
		existing.UpdatedAt = u.UpdatedAt
		s.users[id] = existing
		return existing, nil
	}
	if u.UserID == "" {
		u.UserID = uuid.NewString()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = u.UpdatedAt
	}
	s.users[u.UserID] = u
	s.byProvider[u.ProviderUserID] = u.UserID
	return u, nil
}

func (s *UserStore) Get(userID string) (store.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	if !ok {
		return store.User{}, store.ErrNotFound
	}
	return u, nil
}

func (s *UserStore) GetByProviderID(providerUserID string) (store.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byProvider[providerUserID]
	if !ok {
		return store.User{}, store.ErrNotFound
	}
	return s.users[id], nil
}
