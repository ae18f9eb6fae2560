package mailbox_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/voicemode/voicemode/internal/connect/mailbox"
)

// rawInboxLines returns the non-empty lines of the user's persistent inbox.
func rawInboxLines(t *testing.T, m *mailbox.Manager, name string) []string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(m.UserDir(name), "inbox"))
	if err != nil {
		t.Fatalf("read inbox: %v", err)
	}
	var out []string
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) != "" {
			out = append(out, line)
		}
	}
	return out
}

func TestNewMessageID(t *testing.T) {
	t.Parallel()

	id := mailbox.NewMessageID()
	if !strings.HasPrefix(id, "msg_") {
		t.Fatalf("NewMessageID: got %q, want msg_ prefix", id)
	}
	if len(id) != len("msg_")+12 {
		t.Fatalf("NewMessageID: got length %d, want %d", len(id), len("msg_")+12)
	}
	if mailbox.NewMessageID() == id {
		t.Fatal("NewMessageID: two calls produced the same id")
	}
}

func TestDeliverWithoutSubscriber(t *testing.T) {
	t.Parallel()

	m := newManager(t)
	if _, err := m.AddUser("alice", "", ""); err != nil {
		t.Fatalf("AddUser: %v", err)
	}

	msg, err := m.Deliver("alice", "hello there", "bob", "gateway", "")
	if err != nil {
		t.Fatalf("Deliver: unexpected error: %v", err)
	}
	if msg.Delivered {
		t.Fatal("Delivered: true with no subscriber")
	}
	if !strings.HasPrefix(msg.ID, "msg_") {
		t.Fatalf("message id: got %q", msg.ID)
	}

	// Only the message line lands in the inbox; no confirmation.
	lines := rawInboxLines(t, m, "alice")
	if len(lines) != 1 {
		t.Fatalf("inbox lines: got %d, want 1", len(lines))
	}
	var stored mailbox.Message
	if err := json.Unmarshal([]byte(lines[0]), &stored); err != nil {
		t.Fatalf("parse inbox line: %v", err)
	}
	if stored.From != "bob" || stored.Text != "hello there" || stored.Source != "gateway" {
		t.Fatalf("stored message: got %+v", stored)
	}
	if _, err := time.Parse(time.RFC3339, stored.Timestamp); err != nil {
		t.Fatalf("timestamp %q not RFC3339: %v", stored.Timestamp, err)
	}
}

func TestDeliverToLiveInbox(t *testing.T) {
	t.Parallel()

	m := newManager(t)
	if _, err := m.AddUser("alice", "", ""); err != nil {
		t.Fatalf("AddUser: %v", err)
	}
	target := filepath.Join(t.TempDir(), "live.json")
	if err := m.Subscribe("alice", target); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	long := strings.Repeat("x", 80)
	msg, err := m.Deliver("alice", long, "bob", "api", "msg_fixed0001ab")
	if err != nil {
		t.Fatalf("Deliver: unexpected error: %v", err)
	}
	if !msg.Delivered {
		t.Fatal("Delivered: false with resolving symlink")
	}
	if msg.ID != "msg_fixed0001ab" {
		t.Fatalf("message id: got %q, want caller-supplied id", msg.ID)
	}

	// Live target holds a JSON array with a truncated summary.
	data, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("read live target: %v", err)
	}
	var entries []struct {
		From    string `json:"from"`
		Text    string `json:"text"`
		Summary string `json:"summary"`
		Read    bool   `json:"read"`
	}
	if err := json.Unmarshal(data, &entries); err != nil {
		t.Fatalf("parse live target: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("live entries: got %d, want 1", len(entries))
	}
	if entries[0].Text != long || len(entries[0].Summary) != 50 {
		t.Fatalf("live entry: got %+v", entries[0])
	}
	if entries[0].Read {
		t.Fatal("live entry: marked read on arrival")
	}

	// Persistent inbox gets the message and a delivery confirmation.
	lines := rawInboxLines(t, m, "alice")
	if len(lines) != 2 {
		t.Fatalf("inbox lines: got %d, want message + confirmation", len(lines))
	}
	var confirm mailbox.Message
	if err := json.Unmarshal([]byte(lines[1]), &confirm); err != nil {
		t.Fatalf("parse confirmation: %v", err)
	}
	if confirm.Type != "delivery_confirmation" || confirm.ID != msg.ID {
		t.Fatalf("confirmation: got %+v", confirm)
	}

	// A second delivery appends to the existing array.
	if _, err := m.Deliver("alice", "again", "bob", "api", ""); err != nil {
		t.Fatalf("second Deliver: %v", err)
	}
	data, err = os.ReadFile(target)
	if err != nil {
		t.Fatalf("re-read live target: %v", err)
	}
	entries = nil
	if err := json.Unmarshal(data, &entries); err != nil {
		t.Fatalf("re-parse live target: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("live entries after second delivery: got %d, want 2", len(entries))
	}
}

func TestDeliverLiveSummaryTruncatesOnRunes(t *testing.T) {
	t.Parallel()

	m := newManager(t)
	if _, err := m.AddUser("alice", "", ""); err != nil {
		t.Fatalf("AddUser: %v", err)
	}
	target := filepath.Join(t.TempDir(), "live.json")
	if err := m.Subscribe("alice", target); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	// 60 three-byte characters: a byte cut at 50 would land mid-rune.
	long := strings.Repeat("日", 60)
	if _, err := m.Deliver("alice", long, "bob", "api", ""); err != nil {
		t.Fatalf("Deliver: unexpected error: %v", err)
	}

	data, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("read live target: %v", err)
	}
	var entries []struct {
		Summary string `json:"summary"`
	}
	if err := json.Unmarshal(data, &entries); err != nil {
		t.Fatalf("parse live target: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("live entries: got %d, want 1", len(entries))
	}
	if !utf8.ValidString(entries[0].Summary) {
		t.Fatalf("summary is not valid UTF-8: %q", entries[0].Summary)
	}
	if got := utf8.RuneCountInString(entries[0].Summary); got != 50 {
		t.Fatalf("summary length: got %d runes, want 50", got)
	}
}

func TestDeliverLiveFailureStillPersists(t *testing.T) {
	t.Parallel()

	m := newManager(t)
	if _, err := m.AddUser("alice", "", ""); err != nil {
		t.Fatalf("AddUser: %v", err)
	}
	// Symlink into a directory that does not exist: live write is skipped.
	if err := m.Subscribe("alice", "/nonexistent/dir/live.json"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	msg, err := m.Deliver("alice", "still here", "bob", "gateway", "")
	if err != nil {
		t.Fatalf("Deliver: unexpected error: %v", err)
	}
	if msg.Delivered {
		t.Fatal("Delivered: true despite unreachable live target")
	}
	if got := len(rawInboxLines(t, m, "alice")); got != 1 {
		t.Fatalf("inbox lines: got %d, want 1", got)
	}
}

func TestSubscribeMovesStaleLinkAside(t *testing.T) {
	t.Parallel()

	m := newManager(t)
	if _, err := m.AddUser("alice", "", ""); err != nil {
		t.Fatalf("AddUser: %v", err)
	}
	first := filepath.Join(t.TempDir(), "first.json")
	if err := m.Subscribe("alice", first); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	second := filepath.Join(t.TempDir(), "second.json")
	if err := m.Subscribe("alice", second); err != nil {
		t.Fatalf("re-Subscribe: %v", err)
	}

	target, err := os.Readlink(filepath.Join(m.UserDir("alice"), "inbox-live"))
	if err != nil {
		t.Fatalf("Readlink: %v", err)
	}
	if target != second {
		t.Fatalf("link target: got %q, want %q", target, second)
	}

	// The old link survives under a stale suffix.
	entries, err := os.ReadDir(m.UserDir("alice"))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	var stale bool
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "inbox-live.stale-") {
			stale = true
		}
	}
	if !stale {
		t.Fatal("old inbox-live was not moved aside")
	}
}

func TestUnsubscribeIdempotent(t *testing.T) {
	t.Parallel()

	m := newManager(t)
	if _, err := m.AddUser("alice", "", ""); err != nil {
		t.Fatalf("AddUser: %v", err)
	}
	if err := m.Unsubscribe("alice"); err != nil {
		t.Fatalf("Unsubscribe with no link: %v", err)
	}
	if err := m.Subscribe("alice", filepath.Join(t.TempDir(), "live.json")); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := m.Unsubscribe("alice"); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	if m.Subscribed("alice") {
		t.Fatal("Subscribed: true after Unsubscribe")
	}
}

func TestReadInbox(t *testing.T) {
	t.Parallel()

	m := newManager(t)
	if _, err := m.AddUser("alice", "", ""); err != nil {
		t.Fatalf("AddUser: %v", err)
	}

	// Absent inbox reads as empty.
	msgs, err := m.ReadInbox("alice", time.Time{}, 0)
	if err != nil {
		t.Fatalf("ReadInbox empty: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("ReadInbox empty: got %d messages", len(msgs))
	}

	// Subscribe so confirmations land alongside messages.
	if err := m.Subscribe("alice", filepath.Join(t.TempDir(), "live.json")); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	for _, text := range []string{"one", "two", "three"} {
		if _, err := m.Deliver("alice", text, "bob", "gateway", ""); err != nil {
			t.Fatalf("Deliver(%q): %v", text, err)
		}
	}

	// Malformed lines are skipped.
	inbox := filepath.Join(m.UserDir("alice"), "inbox")
	f, err := os.OpenFile(inbox, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open inbox: %v", err)
	}
	if _, err := f.WriteString("{not json\n"); err != nil {
		t.Fatalf("append garbage: %v", err)
	}
	f.Close()

	msgs, err = m.ReadInbox("alice", time.Time{}, 0)
	if err != nil {
		t.Fatalf("ReadInbox: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("ReadInbox: got %d messages, want 3 (confirmations and garbage skipped)", len(msgs))
	}
	if msgs[0].Text != "one" || msgs[2].Text != "three" {
		t.Fatalf("ReadInbox order: got %q .. %q", msgs[0].Text, msgs[2].Text)
	}

	// Limit keeps the newest messages.
	msgs, err = m.ReadInbox("alice", time.Time{}, 2)
	if err != nil {
		t.Fatalf("ReadInbox limited: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Text != "two" || msgs[1].Text != "three" {
		t.Fatalf("ReadInbox limited: got %v", texts(msgs))
	}

	// A future since excludes everything.
	msgs, err = m.ReadInbox("alice", time.Now().Add(time.Hour), 0)
	if err != nil {
		t.Fatalf("ReadInbox since: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("ReadInbox since future: got %d messages, want 0", len(msgs))
	}
}

func texts(msgs []*mailbox.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Text
	}
	return out
}
