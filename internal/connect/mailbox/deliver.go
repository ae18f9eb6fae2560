package mailbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Message is one inbox entry. The persistent form is one JSON line in the
// user's inbox file.
type Message struct {
	ID        string `json:"id"`
	Type      string `json:"type,omitempty"` // empty for messages, "delivery_confirmation" for receipts
	From      string `json:"from"`
	Text      string `json:"text"`
	Timestamp string `json:"timestamp"` // RFC3339 UTC
	Source    string `json:"source"`    // gateway, dashboard, api, agent

	// Delivered reports whether the live-inbox write succeeded. Not persisted
	// in the message line itself.
	Delivered bool `json:"-"`
}

// liveEntry is the shape the external consumer expects in its JSON-array
// mailbox.
type liveEntry struct {
	From      string `json:"from"`
	Text      string `json:"text"`
	Summary   string `json:"summary"`
	Timestamp string `json:"timestamp"`
	Read      bool   `json:"read"`
}

const confirmationType = "delivery_confirmation"

// NewMessageID generates a message id of the form msg_<12 hex chars>.
func NewMessageID() string {
	hex := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "msg_" + hex[:12]
}

// Deliver appends a message to the user's persistent inbox and, when an
// inbox-live symlink resolves, to the external consumer's mailbox array.
//
// The persistent append must succeed or Deliver errors; the live write is
// best-effort and only affects the returned message's Delivered flag. When
// the live write succeeds a delivery_confirmation line is also appended to
// the persistent inbox.
func (m *Manager) Deliver(name, text, sender, source, messageID string) (*Message, error) {
	if messageID == "" {
		messageID = NewMessageID()
	}
	msg := &Message{
		ID:        messageID,
		From:      sender,
		Text:      text,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Source:    source,
	}

	lock := m.userLock(name)
	lock.Lock()
	defer lock.Unlock()

	if err := m.appendInbox(name, msg); err != nil {
		return nil, err
	}

	if delivered, err := m.deliverLive(name, msg); err != nil {
		slog.Warn("live inbox delivery failed", "user", name, "error", err)
	} else if delivered {
		msg.Delivered = true
		confirm := &Message{
			ID:        msg.ID,
			Type:      confirmationType,
			From:      sender,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Source:    source,
		}
		if err := m.appendInbox(name, confirm); err != nil {
			slog.Warn("cannot append delivery confirmation", "user", name, "error", err)
		}
	}
	return msg, nil
}

// appendInbox writes one JSON line to the user's inbox file. Caller holds the
// user lock.
func (m *Manager) appendInbox(name string, msg *Message) error {
	line, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("mailbox: marshal message: %w", err)
	}
	path := filepath.Join(m.UserDir(name), "inbox")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("mailbox: open inbox for %q: %w", name, err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("mailbox: append inbox for %q: %w", name, err)
	}
	return nil
}

// deliverLive appends to the live-inbox JSON array if the symlink resolves.
// Returns (false, nil) when no consumer is subscribed.
func (m *Manager) deliverLive(name string, msg *Message) (bool, error) {
	link := filepath.Join(m.UserDir(name), "inbox-live")
	target, err := os.Readlink(link)
	if err != nil {
		return false, nil
	}
	if !filepath.IsAbs(target) {
		target = filepath.Join(m.UserDir(name), target)
	}
	if _, err := os.Stat(filepath.Dir(target)); err != nil {
		return false, nil
	}

	// Unparsable or missing target content starts a fresh array.
	var entries []liveEntry
	if data, err := os.ReadFile(target); err == nil {
		if err := json.Unmarshal(data, &entries); err != nil {
			entries = nil
		}
	}

	// Truncate on runes so a multi-byte character is never split.
	summary := msg.Text
	if r := []rune(summary); len(r) > 50 {
		summary = string(r[:50])
	}
	entries = append(entries, liveEntry{
		From:      msg.From,
		Text:      msg.Text,
		Summary:   summary,
		Timestamp: msg.Timestamp,
	})

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return false, fmt.Errorf("marshal live inbox: %w", err)
	}
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return false, fmt.Errorf("write live inbox temp file: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return false, fmt.Errorf("rename live inbox: %w", err)
	}
	return true, nil
}

// Subscribe points the user's inbox-live symlink at target. An existing link
// or file at the path is renamed aside with a stale suffix, never deleted.
func (m *Manager) Subscribe(name, target string) error {
	link := filepath.Join(m.UserDir(name), "inbox-live")
	if _, err := os.Lstat(link); err == nil {
		stale := fmt.Sprintf("%s.stale-%d", link, time.Now().Unix())
		if err := os.Rename(link, stale); err != nil {
			return fmt.Errorf("mailbox: move aside stale inbox-live: %w", err)
		}
	}
	if err := os.Symlink(target, link); err != nil {
		return fmt.Errorf("mailbox: create inbox-live symlink: %w", err)
	}
	return nil
}

// Unsubscribe removes the inbox-live symlink. Idempotent.
func (m *Manager) Unsubscribe(name string) error {
	link := filepath.Join(m.UserDir(name), "inbox-live")
	if err := os.Remove(link); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("mailbox: remove inbox-live symlink: %w", err)
	}
	return nil
}

// ReadInbox returns up to limit messages from the user's persistent inbox in
// chronological order, newest last. Malformed lines and delivery
// confirmations are skipped; when since is non-zero, only strictly newer
// messages are returned.
func (m *Manager) ReadInbox(name string, since time.Time, limit int) ([]*Message, error) {
	path := filepath.Join(m.UserDir(name), "inbox")
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("mailbox: read inbox for %q: %w", name, err)
	}

	var out []*Message
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var msg Message
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			continue
		}
		if msg.Type == confirmationType {
			continue
		}
		if !since.IsZero() {
			ts, err := time.Parse(time.RFC3339, msg.Timestamp)
			if err != nil || !ts.After(since) {
				continue
			}
		}
		out = append(out, &msg)
	}

	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}
