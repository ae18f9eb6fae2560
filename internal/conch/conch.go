// Package conch implements the advisory process lock asserting "a voice
// conversation is active". At most one process holds the conch at a time.
//
// The lock is a single file created with O_CREATE|O_EXCL carrying a JSON
// payload {pid, agent, acquired, expires}. A holder that crashed leaves a
// stale file behind; acquisition forcibly clears locks past their expiry.
// Because the stale holder may still have its descriptor open, the clearing
// process removes the path and creates a fresh inode rather than truncating
// the old one.
package conch

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"
)

// ErrHeld is returned by Acquire when another live process holds the conch.
var ErrHeld = errors.New("conch: held by another process")

// Info is the JSON payload written into the lock file.
type Info struct {
	PID      int       `json:"pid"`
	Agent    string    `json:"agent"`
	Acquired time.Time `json:"acquired"`
	Expires  time.Time `json:"expires"`
}

// Lock is a handle to the conch file. Zero value is not usable; create with
// [New].
type Lock struct {
	path   string
	agent  string
	expiry time.Duration

	held bool
}

// New creates a Lock for the given file path. agent names the holder in the
// payload; expiry is the age after which a foreign lock is considered stale.
func New(path, agent string, expiry time.Duration) *Lock {
	return &Lock{path: path, agent: agent, expiry: expiry}
}

// TryAcquire attempts to take the conch without blocking. It returns true on
// success, false when a live holder exists, and an error only for unexpected
// filesystem failures.
func (l *Lock) TryAcquire() (bool, error) {
	if l.held {
		return true, nil
	}

	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			now := time.Now().UTC()
			body, merr := json.Marshal(Info{
				PID:      os.Getpid(),
				Agent:    l.agent,
				Acquired: now,
				Expires:  now.Add(l.expiry),
			})
			if merr == nil {
				_, merr = f.Write(body)
			}
			f.Close()
			if merr != nil {
				os.Remove(l.path)
				return false, fmt.Errorf("conch: write lock payload: %w", merr)
			}
			l.held = true
			return true, nil
		}
		if !os.IsExist(err) {
			return false, fmt.Errorf("conch: create lock file: %w", err)
		}

		stale, serr := l.isStale()
		if serr != nil {
			return false, serr
		}
		if !stale {
			return false, nil
		}
		// Remove the stale path so the retry creates a fresh inode; the dead
		// holder's open descriptor keeps pointing at the orphaned one.
		if rerr := os.Remove(l.path); rerr != nil && !os.IsNotExist(rerr) {
			return false, fmt.Errorf("conch: clear stale lock: %w", rerr)
		}
	}
	return false, nil
}

// Acquire takes the conch or returns [ErrHeld].
func (l *Lock) Acquire() error {
	ok, err := l.TryAcquire()
	if err != nil {
		return err
	}
	if !ok {
		return ErrHeld
	}
	return nil
}

// Release gives up the conch. Idempotent; releasing a lock that is not held
// is a no-op.
func (l *Lock) Release() error {
	if !l.held {
		return nil
	}
	l.held = false
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("conch: remove lock file: %w", err)
	}
	return nil
}

// IsActive reports whether this handle currently holds the conch.
func (l *Lock) IsActive() bool { return l.held }

// Holder returns the payload of the current lock file, or nil if no lock
// exists or the payload is unreadable.
func (l *Lock) Holder() *Info {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil
	}
	var p Info
	if err := json.Unmarshal(data, &p); err != nil {
		return nil
	}
	return &p
}

// isStale reports whether the existing lock file is past its expiry. A lock
// with an unreadable payload is treated as stale.
func (l *Lock) isStale() (bool, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			// Raced with the holder's release; not stale, just retry.
			return true, nil
		}
		return false, fmt.Errorf("conch: read lock file: %w", err)
	}
	var p Info
	if err := json.Unmarshal(data, &p); err != nil {
		return true, nil
	}
	return time.Now().After(p.Expires), nil
}
