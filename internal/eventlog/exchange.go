package eventlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ExchangeRecord is one STT or TTS exchange, appended to the per-day
// exchanges file. Timing fields are milliseconds.
type ExchangeRecord struct {
	Timestamp      time.Time `json:"timestamp"`
	ConversationID string    `json:"conversation_id"`
	Type           string    `json:"type"` // "stt" or "tts"
	Text           string    `json:"text"`
	DurationMs     int64     `json:"duration_ms"`
	Provider       string    `json:"provider,omitempty"`
	Voice          string    `json:"voice,omitempty"`
	Model          string    `json:"model,omitempty"`
	TTFAMs         int64     `json:"ttfa_ms,omitempty"`
	GenerationMs   int64     `json:"generation_ms,omitempty"`
	AudioPath      string    `json:"audio_path,omitempty"`
	Interrupted    bool      `json:"interrupted,omitempty"`
	ErrorType      string    `json:"error_type,omitempty"`
}

// Exchange appends one record to exchanges_YYYY-MM-DD.jsonl. Unlike Emit this
// writes synchronously; exchange records are produced at most a few times per
// conversation and are never on the audio path.
func (l *Logger) Exchange(rec ExchangeRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("eventlog: marshal exchange record: %w", err)
	}

	l.exchMu.Lock()
	defer l.exchMu.Unlock()

	path := filepath.Join(l.dir, "exchanges_"+rec.Timestamp.Format("2006-01-02")+".jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("eventlog: open exchange file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("eventlog: write exchange record: %w", err)
	}
	return nil
}
