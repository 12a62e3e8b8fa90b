// Package bbolt provides a BBolt-backed implementation of the store
// interfaces. A single bbolt.Update transaction backs every mutating
// operation, which is what makes Consume and RotateSecrets atomic.
package bbolt

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	"github.com/syoslabs/gatehouse/store"
)

var (
	bucketLoginStates = []byte("login_states")
	bucketSessions    = []byte("sessions")
	bucketUserIndex   = []byte("sessions_by_user")
	bucketLinks       = []byte("links")
	bucketUsers       = []byte("users")
	bucketProviderIDs = []byte("users_by_provider")
)

// DB wraps a bbolt database and exposes the store interfaces as views
// over it.
type DB struct {
	db *bbolt.DB
}

// Open opens a BBolt database at the given path and creates the buckets.
func Open(path string, options *bbolt.Options) (*DB, error) {
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{
			bucketLoginStates, bucketSessions, bucketUserIndex,
			bucketLinks, bucketUsers, bucketProviderIDs,
		} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}
	return &DB{db: db}, nil
}

// Close closes the underlying BBolt database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Stores returns the store bundle backed by this database.
func (d *DB) Stores() store.Stores {
	return store.Stores{
		LoginStates: &LoginStateStore{db: d.db},
		Sessions:    &SessionStore{db: d.db},
		Links:       &LinkStore{db: d.db},
		Users:       &UserStore{db: d.db},
	}
}

func putJSON(b *bbolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, data)
}

// LoginStateStore is the bbolt-backed store.LoginStateStore.
type LoginStateStore struct {
	db *bbolt.DB
}

var _ store.LoginStateStore = (*LoginStateStore)(nil)

func (s *LoginStateStore) Create(state store.LoginState) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return putJSON(tx.Bucket(bucketLoginStates), []byte(state.StateHash), state)
	})
}

func (s *LoginStateStore) Consume(stateHash string, now time.Time) (store.LoginState, error) {
	var state store.LoginState
	var found bool
	// Returning an error from Update rolls the transaction back, so the
	// delete must commit on its own; whether the row was usable is
	// decided afterwards.
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketLoginStates)
		data := b.Get([]byte(stateHash))
		if data == nil {
			return nil
		}
		if err := b.Delete([]byte(stateHash)); err != nil {
			return err
		}
		if err := json.Unmarshal(data, &state); err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return store.LoginState{}, err
	}
	if !found || !now.Before(state.ExpiresAt) {
		return store.LoginState{}, store.ErrNotFound
	}
	return state, nil
}

// SessionStore is the bbolt-backed store.SessionStore. The user index
// bucket keeps a userID-prefixed key per session so SelectActiveForUser
// scans only that user's rows.
type SessionStore struct {
	db *bbolt.DB
}

var _ store.SessionStore = (*SessionStore)(nil)

func userIndexKey(userID, sessionID string) []byte {
	return []byte(userID + "\x00" + sessionID)
}

func (s *SessionStore) Create(sess store.Session) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		sessions := tx.Bucket(bucketSessions)
		index := tx.Bucket(bucketUserIndex)
		if old := sessions.Get([]byte(sess.SessionID)); old != nil {
			var prev store.Session
			if err := json.Unmarshal(old, &prev); err == nil {
				_ = index.Delete(userIndexKey(prev.UserID, prev.SessionID))
			}
		}
		if err := putJSON(sessions, []byte(sess.SessionID), sess); err != nil {
			return err
		}
		return index.Put(userIndexKey(sess.UserID, sess.SessionID), nil)
	})
}

func (s *SessionStore) Lookup(sessionID string) (store.Session, error) {
	var sess store.Session
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketSessions).Get([]byte(sessionID))
		if data == nil {
			return store.ErrNotFound
		}
		if err := json.Unmarshal(data, &sess); err != nil {
			return err
		}
		if !sess.IsValid {
			return store.ErrNotFound
		}
		return nil
	})
	if err != nil {
		return store.Session{}, err
	}
	return sess, nil
}

func (s *SessionStore) RotateSecrets(sessionID string, ch store.SessionChanges) (string, error) {
	effective := sessionID
	err := s.db.Update(func(tx *bbolt.Tx) error {
		sessions := tx.Bucket(bucketSessions)
		data := sessions.Get([]byte(sessionID))
		if data == nil {
			return store.ErrNotFound
		}
		var sess store.Session
		if err := json.Unmarshal(data, &sess); err != nil {
			return err
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
			sess.LastRefreshedAt = ch.LastRefreshedAt
		}
		if ch.NewSessionID != nil && *ch.NewSessionID != sessionID {
			effective = *ch.NewSessionID
			if err := sessions.Delete([]byte(sessionID)); err != nil {
				return err
			}
			index := tx.Bucket(bucketUserIndex)
			if err := index.Delete(userIndexKey(sess.UserID, sessionID)); err != nil {
				return err
			}
			if err := index.Put(userIndexKey(sess.UserID, effective), nil); err != nil {
				return err
			}
			sess.SessionID = effective
		}
		return putJSON(sessions, []byte(effective), sess)
	})
	if err != nil {
		return "", err
	}
	return effective, nil
}

func (s *SessionStore) Touch(sessionID string, lastSeenAt time.Time, ip, userAgent string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		sessions := tx.Bucket(bucketSessions)
		data := sessions.Get([]byte(sessionID))
		if data == nil {
			return nil
		}
		var sess store.Session
		if err := json.Unmarshal(data, &sess); err != nil {
			return err
		}
		if !sess.IsValid {
			return nil
		}
		sess.LastSeenAt = &lastSeenAt
		if ip != "" {
			sess.IPAddress = ip
		}
		if userAgent != "" {
			sess.UserAgent = userAgent
		}
		return putJSON(sessions, []byte(sessionID), sess)
	})
}

func (s *SessionStore) Invalidate(sessionID string, revokedAt time.Time) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		sessions := tx.Bucket(bucketSessions)
		data := sessions.Get([]byte(sessionID))
		if data == nil {
			return store.ErrNotFound
		}
		var sess store.Session
		if err := json.Unmarshal(data, &sess); err != nil {
			return err
		}
		if !sess.IsValid {
			return nil
		}
		sess.IsValid = false
		sess.RevokedAt = &revokedAt
		return putJSON(sessions, []byte(sessionID), sess)
	})
}

func (s *SessionStore) SelectActiveForUser(userID string, now time.Time) (store.Session, error) {
	var best store.Session
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		sessions := tx.Bucket(bucketSessions)
		c := tx.Bucket(bucketUserIndex).Cursor()
		prefix := []byte(userID + "\x00")
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			data := sessions.Get(k[len(prefix):])
			if data == nil {
				continue
			}
			var sess store.Session
			if err := json.Unmarshal(data, &sess); err != nil {
				return err
			}
			if !sess.IsValid || !now.Before(sess.ExpiresAt) {
				continue
			}
			if !found || sess.ActivityStamp().After(best.ActivityStamp()) {
				best = sess
				found = true
			}
		}
		return nil
	})
	if err != nil {
		return store.Session{}, err
	}
	if !found {
		return store.Session{}, store.ErrNotFound
	}
	return best, nil
}

// LinkStore is the bbolt-backed store.LinkStore. Edges are written in
// both directions inside one transaction.
type LinkStore struct {
	db *bbolt.DB
}

var _ store.LinkStore = (*LinkStore)(nil)

func linkKey(from, to string) []byte {
	return []byte(from + "\x00" + to)
}

func countLinks(b *bbolt.Bucket, userID string) int {
	n := 0
	prefix := []byte(userID + "\x00")
	c := b.Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		n++
	}
	return n
}

func (s *LinkStore) Link(userA, userB string, now time.Time) error {
	if userA == userB {
		return store.ErrSelfLink
	}
	stamp, err := now.MarshalText()
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketLinks)
		if b.Get(linkKey(userA, userB)) == nil {
			if countLinks(b, userA) >= store.MaxLinkedAccounts-1 ||
				countLinks(b, userB) >= store.MaxLinkedAccounts-1 {
				return store.ErrLinkLimit
			}
		}
		if err := b.Put(linkKey(userA, userB), stamp); err != nil {
			return err
		}
		return b.Put(linkKey(userB, userA), stamp)
	})
}

func (s *LinkStore) Linked(userA, userB string) (bool, error) {
	linked := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		linked = tx.Bucket(bucketLinks).Get(linkKey(userA, userB)) != nil
		return nil
	})
	return linked, err
}

func (s *LinkStore) Unlink(userA, userB string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketLinks)
		if err := b.Delete(linkKey(userA, userB)); err != nil {
			return err
		}
		return b.Delete(linkKey(userB, userA))
	})
}

func (s *LinkStore) ListLinks(userID string) ([]string, error) {
	var ids []string
	prefix := []byte(userID + "\x00")
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketLinks).Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			ids = append(ids, string(k[len(prefix):]))
		}
		return nil
	})
	return ids, err
}

// UserStore is the bbolt-backed store.UserStore.
type UserStore struct {
	db *bbolt.DB
}

var _ store.UserStore = (*UserStore)(nil)

func (s *UserStore) UpsertByProviderID(u store.User) (store.User, error) {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		users := tx.Bucket(bucketUsers)
		index := tx.Bucket(bucketProviderIDs)
		if id := index.Get([]byte(u.ProviderUserID)); id != nil {
			var existing store.User
			if err := json.Unmarshal(users.Get(id), &existing); err != nil {
				return err
			}
			existing.Email = u.Email
			existing.FirstName = u.FirstName
			existing.LastName = u.LastName
			existing.EmailVerified = u.EmailVerified
			existing.UpdatedAt = u.UpdatedAt
			u = existing
			return putJSON(users, id, existing)
		}
		if u.UserID == "" {
			u.UserID = uuid.NewString()
		}
		if u.CreatedAt.IsZero() {
			u.CreatedAt = u.UpdatedAt
		}
		if err := putJSON(users, []byte(u.UserID), u); err != nil {
			return err
		}
		return index.Put([]byte(u.ProviderUserID), []byte(u.UserID))
	})
	if err != nil {
		return store.User{}, err
	}
	return u, nil
}

func (s *UserStore) Get(userID string) (store.User, error) {
	var u store.User
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketUsers).Get([]byte(userID))
		if data == nil {
			return store.ErrNotFound
		}
		return json.Unmarshal(data, &u)
	})
	if err != nil {
		return store.User{}, err
	}
	return u, nil
}

func (s *UserStore) GetByProviderID(providerUserID string) (store.User, error) {
	var u store.User
	err := s.db.View(func(tx *bbolt.Tx) error {
		id := tx.Bucket(bucketProviderIDs).Get([]byte(providerUserID))
		if id == nil {
			return store.ErrNotFound
		}
		data := tx.Bucket(bucketUsers).Get(id)
		if data == nil {
			return store.ErrNotFound
		}
		return json.Unmarshal(data, &u)
	})
	if err != nil {
		return store.User{}, err
	}
	return u, nil
}
