package clientcache

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// ErrUnknownAccount is returned when an operation names a user id the
// cache has no entry for.
var ErrUnknownAccount = errors.New("account not in cache")

// Entry is one cached signed-in account. Token fields are stored
// encrypted and only opened on use. A zero ExpiresAt means the entry
// never goes stale on its own.
type Entry struct {
	UserID                 string    `json:"user_id"`
	Email                  string    `json:"email"`
	Name                   string    `json:"name,omitempty"`
	SessionTokenCiphertext string    `json:"session_token_ciphertext"`
	CSRFTokenCiphertext    string    `json:"csrf_token_ciphertext"`
	ExpiresAt              time.Time `json:"expires_at,omitempty"`
	UpdatedAt              time.Time `json:"updated_at"`
}

// Expired reports whether the entry's session is past its expiry.
func (e Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

type cachePayload struct {
	ActiveUserID string           `json:"active_user_id"`
	Entries      map[string]Entry `json:"entries"`
}

// Cache is the persisted account set. Exactly one entry is active while
// the cache is non-empty. The whole payload is one sealed blob on disk,
// so entry names and emails are not readable without the device key.
type Cache struct {
	path   string
	codec  *Codec
	active string
	items  map[string]Entry
}

// Open loads the cache at path, creating an empty one when the file does
// not exist. A file that cannot be opened with this device's key reports
// ErrSealed; the caller decides whether to Reset.
func Open(path string, codec *Codec) (*Cache, error) {
	c := &Cache{path: path, codec: codec, items: make(map[string]Entry)}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading cache: %w", err)
	}

	raw, err := codec.DecryptString(string(data))
	if err != nil {
		return nil, err
	}
	var payload cachePayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, ErrSealed
	}
	if payload.Entries != nil {
		c.items = payload.Entries
	}
	c.active = payload.ActiveUserID
	c.repairActive()
	return c, nil
}

// Reset discards the cache contents and removes the file. Used when the
// file cannot be opened on this device.
func Reset(path string) error {
	err := os.Remove(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// Put inserts or replaces the entry for its user id. The first entry in
// an empty cache becomes active.
func (c *Cache) Put(e Entry) error {
	c.items[e.UserID] = e
	if c.active == "" {
		c.active = e.UserID
	}
	return c.save()
}

// Get returns the entry for a user id.
func (c *Cache) Get(userID string) (Entry, error) {
	e, ok := c.items[userID]
	if !ok {
		return Entry{}, ErrUnknownAccount
	}
	return e, nil
}

// SetActive marks the given account active. Switching to an account the
// cache does not hold fails without touching the current selection.
func (c *Cache) SetActive(userID string) error {
	if _, ok := c.items[userID]; !ok {
		return ErrUnknownAccount
	}
	c.active = userID
	return c.save()
}

// Active returns the active entry, or false when the cache is empty.
func (c *Cache) Active() (Entry, bool) {
	e, ok := c.items[c.active]
	return e, ok
}

// Remove drops an account. When the active account is removed, the most
// recently updated unexpired account takes over so the invariant of one
// active entry holds while any entry exists; an expired entry is only
// promoted when nothing live remains.
func (c *Cache) Remove(userID string) error {
	if _, ok := c.items[userID]; !ok {
		return ErrUnknownAccount
	}
	delete(c.items, userID)
	if c.active == userID {
		c.active = ""
		c.repairActive()
	}
	return c.save()
}

// List returns all entries, most recently updated first.
func (c *Cache) List() []Entry {
	entries := make([]Entry, 0, len(c.items))
	for _, e := range c.items {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].UpdatedAt.Equal(entries[j].UpdatedAt) {
			return entries[i].UpdatedAt.After(entries[j].UpdatedAt)
		}
		return entries[i].UserID < entries[j].UserID
	})
	return entries
}

// Len reports the number of cached accounts.
func (c *Cache) Len() int {
	return len(c.items)
}

// repairActive picks a new active entry when the current selection is
// gone. Live entries win over expired ones regardless of recency; ties
// within a group go to the most recently updated.
func (c *Cache) repairActive() {
	if _, ok := c.items[c.active]; ok {
		return
	}
	c.active = ""
	now := time.Now()
	var best Entry
	bestLive := false
	for _, e := range c.items {
		live := !e.Expired(now)
		switch {
		case c.active == "":
		case live && !bestLive:
		case live == bestLive && e.UpdatedAt.After(best.UpdatedAt):
		default:
			continue
		}
		best = e
		bestLive = live
		c.active = e.UserID
	}
}

func (c *Cache) save() error {
	raw, err := json.Marshal(cachePayload{ActiveUserID: c.active, Entries: c.items})
	if err != nil {
		return err
	}
	sealed, err := c.codec.EncryptString(string(raw))
	if err != nil {
		return err
	}

	tmp := c.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(c.path), 0700); err != nil {
		return fmt.Errorf("creating cache dir: %w", err)
	}
	if err := os.WriteFile(tmp, []byte(sealed), 0600); err != nil {
		return fmt.Errorf("writing cache: %w", err)
	}
	return os.Rename(tmp, c.path)
}
