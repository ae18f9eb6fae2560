// Package eventlog provides the append-only structured event stream shared by
// every pipeline stage, plus the per-exchange JSONL records.
//
// The writer must never block the audio path: Emit buffers the entry and a
// background goroutine does the file I/O. When the buffer fills, the oldest
// non-critical entry is dropped to make room — losing a TTS_FIRST_AUDIO under
// pressure is acceptable, losing a TOOL_REQUEST_END is not.
package eventlog

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Event types emitted by the conversation pipeline.
const (
	TTSStart             = "TTS_START"
	TTSFirstAudio        = "TTS_FIRST_AUDIO"
	RecordingStart       = "RECORDING_START"
	RecordingEnd         = "RECORDING_END"
	STTStart             = "STT_START"
	STTComplete          = "STT_COMPLETE"
	ToolRequestStart     = "TOOL_REQUEST_START"
	ToolRequestEnd       = "TOOL_REQUEST_END"
	BargeInStart         = "BARGE_IN_START"
	BargeInDetected      = "BARGE_IN_DETECTED"
	BargeInStop          = "BARGE_IN_STOP"
	BargeInFalsePositive = "BARGE_IN_FALSE_POSITIVE"
	BargeInSTTError      = "BARGE_IN_STT_ERROR"
)

// criticalEvents are never dropped on buffer overflow.
var criticalEvents = map[string]bool{
	ToolRequestStart: true,
	ToolRequestEnd:   true,
	STTComplete:      true,
}

// Entry is one event log record.
type Entry struct {
	Timestamp      time.Time      `json:"timestamp"`
	ConversationID string         `json:"conversation_id,omitempty"`
	EventType      string         `json:"event_type"`
	Data           map[string]any `json:"data,omitempty"`
}

// defaultBufferSize bounds the in-memory entry queue.
const defaultBufferSize = 1024

// flushInterval paces the background writer when no notifications arrive.
const flushInterval = 250 * time.Millisecond

// Logger is the single append-only writer for the event stream. One instance
// per process, created at startup and closed on shutdown. Emit is safe from
// any goroutine and never blocks.
type Logger struct {
	dir string

	mu      sync.Mutex
	pending []Entry
	dropped int

	notify chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup

	exchMu sync.Mutex
}

// New creates a Logger writing per-day files under dir and starts its
// background writer.
func New(dir string) (*Logger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("eventlog: create log directory: %w", err)
	}
	l := &Logger{
		dir:    dir,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	l.wg.Add(1)
	go l.writeLoop()
	return l, nil
}

// Emit buffers one event. On overflow the oldest non-critical entry is
// discarded; if every buffered entry is critical the new entry itself is
// dropped (and counted).
func (l *Logger) Emit(conversationID, eventType string, data map[string]any) {
	entry := Entry{
		Timestamp:      time.Now().UTC(),
		ConversationID: conversationID,
		EventType:      eventType,
		Data:           data,
	}

	l.mu.Lock()
	if len(l.pending) >= defaultBufferSize {
		if i := l.oldestDroppable(); i >= 0 {
			l.pending = append(l.pending[:i], l.pending[i+1:]...)
			l.dropped++
		} else if !criticalEvents[eventType] {
			l.dropped++
			l.mu.Unlock()
			return
		}
	}
	l.pending = append(l.pending, entry)
	l.mu.Unlock()

	select {
	case l.notify <- struct{}{}:
	default:
	}
}

// oldestDroppable returns the index of the oldest non-critical pending entry,
// or -1. Caller holds l.mu.
func (l *Logger) oldestDroppable() int {
	for i, e := range l.pending {
		if !criticalEvents[e.EventType] {
			return i
		}
	}
	return -1
}

// Close flushes remaining entries and stops the writer.
func (l *Logger) Close() error {
	close(l.done)
	l.wg.Wait()
	return nil
}

func (l *Logger) writeLoop() {
	defer l.wg.Done()
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			l.flush()
			return
		case <-l.notify:
			l.flush()
		case <-ticker.C:
			l.flush()
		}
	}
}

// flush appends all pending entries to today's file.
func (l *Logger) flush() {
	l.mu.Lock()
	batch := l.pending
	l.pending = nil
	dropped := l.dropped
	l.dropped = 0
	l.mu.Unlock()

	if dropped > 0 {
		slog.Warn("event log buffer overflowed", "dropped", dropped)
	}
	if len(batch) == 0 {
		return
	}

	path := filepath.Join(l.dir, "events_"+time.Now().UTC().Format("2006-01-02")+".jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		slog.Warn("cannot open event log file", "path", path, "error", err)
		return
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	for _, e := range batch {
		if err := enc.Encode(e); err != nil {
			slog.Warn("cannot write event log entry", "error", err)
			return
		}
	}
}
