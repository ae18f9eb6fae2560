package conch_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/voicemode/voicemode/internal/conch"
)

func lockPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "conch.lock")
}

func TestAcquireRelease(t *testing.T) {
	t.Parallel()

	path := lockPath(t)
	l := conch.New(path, "claude", time.Minute)

	ok, err := l.TryAcquire()
	if err != nil {
		t.Fatalf("TryAcquire: unexpected error: %v", err)
	}
	if !ok || !l.IsActive() {
		t.Fatal("TryAcquire: expected to take the conch")
	}

	info := l.Holder()
	if info == nil {
		t.Fatal("Holder: got nil for held lock")
	}
	if info.PID != os.Getpid() || info.Agent != "claude" {
		t.Fatalf("Holder: got pid=%d agent=%q", info.PID, info.Agent)
	}
	if !info.Expires.After(info.Acquired) {
		t.Fatal("Holder: expiry not after acquisition")
	}

	if err := l.Release(); err != nil {
		t.Fatalf("Release: unexpected error: %v", err)
	}
	if l.IsActive() {
		t.Fatal("IsActive: still true after Release")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("lock file still exists after Release")
	}
	if err := l.Release(); err != nil {
		t.Fatalf("second Release: unexpected error: %v", err)
	}
}

func TestTryAcquireIsIdempotentWhileHeld(t *testing.T) {
	t.Parallel()

	l := conch.New(lockPath(t), "a", time.Minute)
	if ok, err := l.TryAcquire(); err != nil || !ok {
		t.Fatalf("TryAcquire: got (%v, %v)", ok, err)
	}
	if ok, err := l.TryAcquire(); err != nil || !ok {
		t.Fatalf("second TryAcquire on holder: got (%v, %v)", ok, err)
	}
}

func TestSecondHandleIsRefused(t *testing.T) {
	t.Parallel()

	path := lockPath(t)
	first := conch.New(path, "first", time.Minute)
	if ok, err := first.TryAcquire(); err != nil || !ok {
		t.Fatalf("first TryAcquire: got (%v, %v)", ok, err)
	}

	second := conch.New(path, "second", time.Minute)
	ok, err := second.TryAcquire()
	if err != nil {
		t.Fatalf("second TryAcquire: unexpected error: %v", err)
	}
	if ok {
		t.Fatal("second TryAcquire: took a held conch")
	}

	if err := second.Acquire(); !errors.Is(err, conch.ErrHeld) {
		t.Fatalf("Acquire: expected ErrHeld, got %v", err)
	}

	if err := first.Release(); err != nil {
		t.Fatalf("Release: unexpected error: %v", err)
	}
	if ok, err := second.TryAcquire(); err != nil || !ok {
		t.Fatalf("TryAcquire after release: got (%v, %v)", ok, err)
	}
}

func TestExpiredLockIsCleared(t *testing.T) {
	t.Parallel()

	path := lockPath(t)
	stale := conch.New(path, "crashed", -time.Second) // already expired on write
	if ok, err := stale.TryAcquire(); err != nil || !ok {
		t.Fatalf("stale TryAcquire: got (%v, %v)", ok, err)
	}

	fresh := conch.New(path, "fresh", time.Minute)
	ok, err := fresh.TryAcquire()
	if err != nil {
		t.Fatalf("TryAcquire over expired lock: unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("TryAcquire: expected to clear the expired lock")
	}
	if got := fresh.Holder(); got == nil || got.Agent != "fresh" {
		t.Fatalf("Holder after takeover: got %+v", got)
	}
}

func TestUnreadablePayloadIsStale(t *testing.T) {
	t.Parallel()

	path := lockPath(t)
	if err := os.WriteFile(path, []byte("not json"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	l := conch.New(path, "claude", time.Minute)
	ok, err := l.TryAcquire()
	if err != nil {
		t.Fatalf("TryAcquire: unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("TryAcquire: expected garbage lock file to be treated as stale")
	}
}

func TestHolderWithNoLock(t *testing.T) {
	t.Parallel()

	l := conch.New(lockPath(t), "claude", time.Minute)
	if got := l.Holder(); got != nil {
		t.Fatalf("Holder: got %+v, want nil", got)
	}
}
