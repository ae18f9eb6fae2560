// Package mailbox manages the per-user message directories under
// connect/users/: a meta.json identity file, an append-only JSONL inbox, and
// an optional inbox-live symlink pointing at an external consumer's mailbox.
//
// Directory ownership: this package owns everything under users/<name>/;
// external processes get read access plus write access to the symlink target
// only. The persistent inbox is never written through the symlink.
package mailbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"
)

// nameRe constrains user names: leading lowercase letter, then lowercase
// letters, digits, underscore, or hyphen.
var nameRe = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)

// ValidName reports whether name is an acceptable user name.
func ValidName(name string) bool { return nameRe.MatchString(name) }

// Presence is the derived user availability state.
type Presence string

const (
	// PresenceOffline means the Connect client is not connected.
	PresenceOffline Presence = "offline"

	// PresenceAvailable means the client is connected and the user's
	// inbox-live symlink resolves, so an external consumer is subscribed.
	PresenceAvailable Presence = "available"

	// PresenceOnline means the client is connected but no consumer is
	// subscribed.
	PresenceOnline Presence = "online"
)

// User is the identity stored in meta.json.
type User struct {
	Name        string    `json:"name"`
	DisplayName string    `json:"display_name,omitempty"`
	Host        string    `json:"host,omitempty"`
	Created     time.Time `json:"created"`
	LastSeen    time.Time `json:"last_seen"`
}

// Manager owns the users/ directory tree. Safe for concurrent use; inbox
// appends are serialized per user.
type Manager struct {
	root string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManager creates a Manager rooted at dir (the users/ directory). The
// directory is created if missing.
func NewManager(dir string) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mailbox: create users directory: %w", err)
	}
	return &Manager{root: dir, locks: make(map[string]*sync.Mutex)}, nil
}

// Root returns the users/ directory path.
func (m *Manager) Root() string { return m.root }

// UserDir returns the directory for a user name without checking existence.
func (m *Manager) UserDir(name string) string { return filepath.Join(m.root, name) }

// userLock returns the per-user append mutex, creating it on first use.
func (m *Manager) userLock(name string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[name]
	if !ok {
		l = &sync.Mutex{}
		m.locks[name] = l
	}
	return l
}

// AddUser registers a user: creates the directory and writes meta.json. An
// existing user is refreshed (last_seen updated, display name kept unless a
// new one is given).
func (m *Manager) AddUser(name, displayName, host string) (*User, error) {
	if !ValidName(name) {
		return nil, fmt.Errorf("mailbox: invalid user name %q", name)
	}
	dir := m.UserDir(name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mailbox: create user directory: %w", err)
	}

	now := time.Now().UTC()
	u, err := m.readMeta(name)
	if err != nil || u == nil {
		u = &User{Name: name, Created: now}
	}
	if displayName != "" {
		u.DisplayName = displayName
	}
	if host != "" {
		u.Host = host
	}
	u.LastSeen = now

	if err := m.writeMeta(u); err != nil {
		return nil, err
	}
	return u, nil
}

// RemoveUser deletes a user's directory tree. Removing an unknown user is a
// no-op.
func (m *Manager) RemoveUser(name string) error {
	if !ValidName(name) {
		return fmt.Errorf("mailbox: invalid user name %q", name)
	}
	if err := os.RemoveAll(m.UserDir(name)); err != nil {
		return fmt.Errorf("mailbox: remove user %q: %w", name, err)
	}
	return nil
}

// Users lists registered users in name order. Directories without a readable
// meta.json still count, with only the name populated.
func (m *Manager) Users() ([]*User, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return nil, fmt.Errorf("mailbox: read users directory: %w", err)
	}
	var out []*User
	for _, e := range entries {
		if !e.IsDir() || !ValidName(e.Name()) {
			continue
		}
		u, err := m.readMeta(e.Name())
		if err != nil || u == nil {
			u = &User{Name: e.Name()}
		}
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Lookup finds a user by exact name. Returns (nil, nil) when absent.
func (m *Manager) Lookup(name string) (*User, error) {
	if !ValidName(name) {
		return nil, nil
	}
	if _, err := os.Stat(m.UserDir(name)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("mailbox: stat user %q: %w", name, err)
	}
	u, err := m.readMeta(name)
	if err != nil {
		return &User{Name: name}, nil
	}
	if u == nil {
		u = &User{Name: name}
	}
	return u, nil
}

// Subscribed reports whether the user's inbox-live symlink exists and its
// target's parent directory exists.
func (m *Manager) Subscribed(name string) bool {
	link := filepath.Join(m.UserDir(name), "inbox-live")
	target, err := os.Readlink(link)
	if err != nil {
		return false
	}
	if !filepath.IsAbs(target) {
		target = filepath.Join(m.UserDir(name), target)
	}
	_, err = os.Stat(filepath.Dir(target))
	return err == nil
}

// PresenceOf derives a user's presence given the Connect client's state.
func (m *Manager) PresenceOf(name string, connected bool) Presence {
	if !connected {
		return PresenceOffline
	}
	if m.Subscribed(name) {
		return PresenceAvailable
	}
	return PresenceOnline
}

func (m *Manager) metaPath(name string) string {
	return filepath.Join(m.UserDir(name), "meta.json")
}

// readMeta returns the user's meta.json, (nil, nil) when the file is absent.
func (m *Manager) readMeta(name string) (*User, error) {
	data, err := os.ReadFile(m.metaPath(name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("mailbox: read meta for %q: %w", name, err)
	}
	var u User
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, fmt.Errorf("mailbox: parse meta for %q: %w", name, err)
	}
	return &u, nil
}

func (m *Manager) writeMeta(u *User) error {
	data, err := json.MarshalIndent(u, "", "  ")
	if err != nil {
		return fmt.Errorf("mailbox: marshal meta for %q: %w", u.Name, err)
	}
	if err := os.WriteFile(m.metaPath(u.Name), data, 0o644); err != nil {
		return fmt.Errorf("mailbox: write meta for %q: %w", u.Name, err)
	}
	return nil
}
