package mailbox

import (
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// UserState is one user's observable mailbox state captured in a snapshot.
type UserState struct {
	DisplayName string
	LinkTarget  string // inbox-live symlink target, empty when absent
	Subscribed  bool
}

// Snapshot maps user name to observed state at one poll.
type Snapshot map[string]UserState

// ChangeKind classifies one snapshot difference.
type ChangeKind string

const (
	ChangeAdded        ChangeKind = "added"
	ChangeRemoved      ChangeKind = "removed"
	ChangeSubscribed   ChangeKind = "subscribed"
	ChangeUnsubscribed ChangeKind = "unsubscribed"
	ChangeChanged      ChangeKind = "changed"
)

// Change is one observed user-directory difference.
type Change struct {
	User string
	Kind ChangeKind
}

// Diff classifies the differences between two snapshots. Diff(s, s) is empty.
func Diff(prev, next Snapshot) []Change {
	var out []Change
	for name, n := range next {
		p, ok := prev[name]
		if !ok {
			out = append(out, Change{User: name, Kind: ChangeAdded})
			continue
		}
		switch {
		case !p.Subscribed && n.Subscribed:
			out = append(out, Change{User: name, Kind: ChangeSubscribed})
		case p.Subscribed && !n.Subscribed:
			out = append(out, Change{User: name, Kind: ChangeUnsubscribed})
		case p.DisplayName != n.DisplayName || p.LinkTarget != n.LinkTarget:
			out = append(out, Change{User: name, Kind: ChangeChanged})
		}
	}
	for name := range prev {
		if _, ok := next[name]; !ok {
			out = append(out, Change{User: name, Kind: ChangeRemoved})
		}
	}
	return out
}

// Snapshot captures the current state of every user directory.
func (m *Manager) Snapshot() Snapshot {
	snap := make(Snapshot)
	entries, err := os.ReadDir(m.root)
	if err != nil {
		// Transient read failures yield an empty snapshot; the next poll
		// recovers.
		slog.Warn("mailbox watcher: cannot read users directory", "dir", m.root, "error", err)
		return snap
	}
	for _, e := range entries {
		if !e.IsDir() || !ValidName(e.Name()) {
			continue
		}
		name := e.Name()
		st := UserState{Subscribed: m.Subscribed(name)}
		if u, err := m.readMeta(name); err == nil && u != nil {
			st.DisplayName = u.DisplayName
		}
		if target, err := os.Readlink(filepath.Join(m.UserDir(name), "inbox-live")); err == nil {
			st.LinkTarget = target
		}
		snap[name] = st
	}
	return snap
}

// Watcher polls the users directory and reports snapshot differences through
// a callback, typically Connect's capabilities re-announce. Polling (not
// fsnotify) keeps dependencies minimal, same trade-off as the config watcher.
type Watcher struct {
	manager  *Manager
	interval time.Duration
	onChange func([]Change)

	done     chan struct{}
	stopOnce sync.Once
}

// NewWatcher starts polling m every interval (default 3 s when interval is
// zero). onChange receives the classified changes of each differing poll.
func NewWatcher(m *Manager, interval time.Duration, onChange func([]Change)) *Watcher {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	w := &Watcher{
		manager:  m,
		interval: interval,
		onChange: onChange,
		done:     make(chan struct{}),
	}
	go w.poll()
	return w
}

// Stop halts polling. Idempotent.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
}

func (w *Watcher) poll() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	prev := w.manager.Snapshot()
	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			next := w.manager.Snapshot()
			if changes := Diff(prev, next); len(changes) > 0 {
				prev = next
				if w.onChange != nil {
					w.onChange(changes)
				}
			} else {
				prev = next
			}
		}
	}
}
