// Package conversation orchestrates the speak → listen → transcribe loop:
// chimes, barge-in wiring, provider failover outcomes, pronunciation rules,
// and control phrases, with structured events for every stage.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voicemode/voicemode/internal/conch"
	"github.com/voicemode/voicemode/internal/eventlog"
	"github.com/voicemode/voicemode/internal/observe"
	"github.com/voicemode/voicemode/pkg/audio"
	"github.com/voicemode/voicemode/pkg/audio/bargein"
	"github.com/voicemode/voicemode/pkg/audio/player"
	"github.com/voicemode/voicemode/pkg/provider"
	"github.com/voicemode/voicemode/pkg/provider/stt"
	"github.com/voicemode/voicemode/pkg/provider/tts"
)

const (
	// captureRate and captureFrameMs fix the microphone stream format; 20 ms
	// frames at 16 kHz are VAD-compatible and STT-native.
	captureRate    = 16000
	captureFrameMs = 20

	// minUsableSamples is the barge-in capture size below which the detection
	// is treated as a false positive.
	minUsableSamples = 100

	// maxControlRounds bounds how often "wait"/"repeat" can re-open the
	// listening window within one conversation.
	maxControlRounds = 3

	reassuranceText = "Take your time, I'm listening."
)

// Synthesizer speaks text through the player; [*tts.Pipeline] implements it.
type Synthesizer interface {
	Speak(ctx context.Context, req tts.Request, mode tts.PlaybackMode, pl *player.Player, monitor *bargein.Monitor, conversationID string) (*player.StreamMetrics, *tts.Result, error)
}

// Transcriber turns captured audio into text; [*stt.Pipeline] implements it.
type Transcriber interface {
	Transcribe(ctx context.Context, buf *audio.PCMBuffer, conversationID string) (*stt.Result, error)
}

// CaptureStream is an open microphone stream.
type CaptureStream interface {
	Frames() <-chan audio.AudioFrame
	Close() error
}

// CaptureOpener opens a capture stream; the device layer provides the real
// one, tests substitute fakes.
type CaptureOpener func(sampleRate, channels, frameMs int) (CaptureStream, error)

// Config is the conversation-level configuration shared by all calls.
type Config struct {
	Streaming      bool
	BargeInEnabled bool

	VADAggressiveness int
	MinSpeechMs       int

	ChimesEnabled bool

	Voice    string
	Model    string
	Language string
	Speed    float64

	MinListen time.Duration
	MaxListen time.Duration
}

// Options tunes one Converse call. Zero values fall back to [Config].
type Options struct {
	WaitForResponse         bool
	ChimeEnabled            bool
	MinListen               time.Duration
	MaxListen               time.Duration
	DisableSilenceDetection bool
	Voice                   string
	Model                   string
	Language                string
}

// Conversation runs voice exchanges. Safe for sequential use; concurrent
// conversations are serialized by the conch lock when one is configured.
type Conversation struct {
	synth       Synthesizer
	trans       Transcriber
	pl          *player.Player
	openCapture CaptureOpener
	rules       *RuleSet
	events      *eventlog.Logger
	lock        *conch.Lock
	cfg         Config

	mu         sync.Mutex
	lastSpoken string
}

// New assembles a Conversation. events and lock may be nil; rules may be nil
// for no rewriting.
func New(synth Synthesizer, trans Transcriber, pl *player.Player, openCapture CaptureOpener, rules *RuleSet, events *eventlog.Logger, lock *conch.Lock, cfg Config) *Conversation {
	return &Conversation{
		synth:       synth,
		trans:       trans,
		pl:          pl,
		openCapture: openCapture,
		rules:       rules,
		events:      events,
		lock:        lock,
		cfg:         cfg,
	}
}

// Converse speaks message and, when opts.WaitForResponse is set, returns the
// user's transcribed reply. Failures come back as structured strings rather
// than errors; nothing escapes the outer boundary.
func (c *Conversation) Converse(ctx context.Context, message string, opts Options) (reply string) {
	convID := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]

	metrics := observe.DefaultMetrics()
	metrics.ActiveConversations.Add(ctx, 1)
	defer metrics.ActiveConversations.Add(context.WithoutCancel(ctx), -1)

	c.emit(convID, eventlog.ToolRequestStart, map[string]any{
		"message_chars": len(message), "wait_for_response": opts.WaitForResponse,
	})
	defer func() {
		if r := recover(); r != nil {
			slog.Error("conversation panicked", "conversation_id", convID, "panic", r)
			c.emit(convID, eventlog.ToolRequestEnd, map[string]any{"error": fmt.Sprint(r)})
			reply = "Error: internal failure during conversation"
			return
		}
		data := map[string]any{}
		if ctx.Err() != nil {
			data["cancelled"] = true
		}
		c.emit(convID, eventlog.ToolRequestEnd, data)
	}()

	if c.lock != nil {
		ok, err := c.lock.TryAcquire()
		if err != nil {
			slog.Warn("conch acquire failed", "error", err)
		} else if !ok {
			return "Another conversation currently holds the voice output; try again shortly."
		} else {
			defer c.lock.Release()
		}
	}

	return c.converse(ctx, convID, message, c.withDefaults(opts))
}

// withDefaults fills unset call options from the static configuration.
func (c *Conversation) withDefaults(opts Options) Options {
	if opts.Voice == "" {
		opts.Voice = c.cfg.Voice
	}
	if opts.Model == "" {
		opts.Model = c.cfg.Model
	}
	if opts.Language == "" {
		opts.Language = c.cfg.Language
	}
	if opts.MinListen <= 0 {
		opts.MinListen = c.cfg.MinListen
	}
	if opts.MaxListen <= 0 {
		opts.MaxListen = c.cfg.MaxListen
	}
	return opts
}

func (c *Conversation) converse(ctx context.Context, convID, message string, opts Options) string {
	if opts.ChimeEnabled && c.cfg.ChimesEnabled {
		c.playChime(ChimeStart)
	}

	metrics, err := c.speak(ctx, convID, message, opts, opts.WaitForResponse)
	if err != nil {
		return speakFailure(err)
	}

	if !opts.WaitForResponse {
		return "Message spoken."
	}

	lastReply := ""
	for round := 0; round < maxControlRounds; round++ {
		rec, fromBargeIn, err := c.obtainRecording(ctx, convID, metrics, opts)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return "Conversation cancelled."
			}
			return fmt.Sprintf("Error recording response: %v", err)
		}
		metrics = nil // barge-in capture is only good for the first round

		result, err := c.trans.Transcribe(ctx, rec, convID)
		if err != nil {
			if fromBargeIn {
				c.emit(convID, eventlog.BargeInSTTError, map[string]any{"error": err.Error()})
			}
			observe.DefaultMetrics().RecordProviderError(ctx, "stt", string(provider.KindOf(err)))
			return transcribeFailure(err)
		}

		om := observe.DefaultMetrics()
		om.STTDuration.Record(ctx, result.Elapsed.Seconds())
		om.RecordProviderRequest(ctx, result.Provider, "stt", "ok")

		text := c.rules.Apply(DirectionSTT, result.Text)
		c.exchange(eventlog.ExchangeRecord{
			ConversationID: convID,
			Type:           "stt",
			Text:           text,
			DurationMs:     result.Elapsed.Milliseconds(),
			Provider:       result.Provider,
		})

		switch DetectControl(text) {
		case ControlWait:
			if _, err := c.speak(ctx, convID, reassuranceText, opts, false); err != nil {
				slog.Warn("reassurance playback failed", "error", err)
			}
			lastReply = text
			continue
		case ControlRepeat:
			c.mu.Lock()
			prior := c.lastSpoken
			c.mu.Unlock()
			if prior != "" {
				if m, err := c.speak(ctx, convID, prior, opts, true); err == nil {
					metrics = m
				}
			}
			lastReply = text
			continue
		default:
			if opts.ChimeEnabled && c.cfg.ChimesEnabled {
				c.playChime(ChimeFinished)
			}
			return text
		}
	}
	return lastReply
}

// speak synthesizes text, optionally with a barge-in monitor attached, and
// remembers it for "repeat".
func (c *Conversation) speak(ctx context.Context, convID, text string, opts Options, allowBargeIn bool) (*player.StreamMetrics, error) {
	spoken := c.rules.Apply(DirectionTTS, text)

	mode := tts.ModeBlocking
	if c.cfg.Streaming {
		mode = tts.ModeStreaming
	}

	var monitor *bargein.Monitor
	var stream CaptureStream
	if allowBargeIn && c.cfg.BargeInEnabled {
		if c.cfg.Streaming {
			slog.Warn("barge-in with streaming TTS: interrupt latency depends on chunk size")
		}
		var err error
		stream, err = c.openCapture(captureRate, 1, captureFrameMs)
		if err != nil {
			slog.Warn("barge-in unavailable: cannot open capture", "error", err)
		} else {
			monitor = bargein.New(stream, bargein.Config{
				Aggressiveness: c.cfg.VADAggressiveness,
				MinSpeechMs:    c.cfg.MinSpeechMs,
			})
			if !monitor.Available() {
				stream.Close()
				stream, monitor = nil, nil
			}
		}
	}
	if stream != nil {
		defer stream.Close()
	}
	if monitor != nil && mode == tts.ModeBlocking {
		// Buffered playback cannot coordinate a monitor mid-utterance;
		// non-blocking keeps the interrupt path responsive.
		mode = tts.ModeStreaming
	}

	start := time.Now()
	metrics, result, err := c.synth.Speak(ctx, tts.Request{
		Text:  spoken,
		Voice: opts.Voice,
		Model: opts.Model,
		Speed: c.cfg.Speed,
	}, mode, c.pl, monitor, convID)
	if err != nil {
		return nil, err
	}

	// Blocking mode returns after playback; the streaming path also returns
	// only once the stream ends or is interrupted, so by here the utterance
	// is finished either way.
	c.mu.Lock()
	c.lastSpoken = text
	c.mu.Unlock()

	rec := eventlog.ExchangeRecord{
		ConversationID: convID,
		Type:           "tts",
		Text:           spoken,
		DurationMs:     time.Since(start).Milliseconds(),
		Voice:          opts.Voice,
		Model:          opts.Model,
	}
	if result != nil {
		rec.Provider = result.Provider
	}
	if metrics != nil {
		rec.TTFAMs = metrics.TTFA.Milliseconds()
		rec.GenerationMs = metrics.GenerationTime.Milliseconds()
		rec.Interrupted = metrics.Interrupted
	}
	c.exchange(rec)

	om := observe.DefaultMetrics()
	om.TTSDuration.Record(ctx, time.Since(start).Seconds())
	if result != nil {
		om.RecordProviderRequest(ctx, result.Provider, "tts", "ok")
	}
	if metrics != nil {
		if metrics.TTFA > 0 {
			om.TTFA.Record(ctx, metrics.TTFA.Seconds())
		}
		if metrics.Interrupted {
			om.RecordBargeIn(ctx)
		}
	}

	return metrics, nil
}

// obtainRecording yields the audio to transcribe: a usable barge-in capture,
// or a fresh silence-terminated recording. fromBargeIn reports which of the
// two the caller got, so downstream failures can be attributed.
func (c *Conversation) obtainRecording(ctx context.Context, convID string, metrics *player.StreamMetrics, opts Options) (buf *audio.PCMBuffer, fromBargeIn bool, err error) {
	if metrics != nil && metrics.Interrupted {
		if metrics.Captured != nil && metrics.Captured.Samples() >= minUsableSamples {
			// The user already started talking; skip the listening chime.
			return metrics.Captured, true, nil
		}
		c.emit(convID, eventlog.BargeInFalsePositive, map[string]any{
			"captured_samples": metrics.CapturedSamples,
		})
	}

	if opts.ChimeEnabled && c.cfg.ChimesEnabled {
		c.playChime(ChimeListening)
	}

	stream, err := c.openCapture(captureRate, 1, captureFrameMs)
	if err != nil {
		return nil, false, fmt.Errorf("open capture device: %w", err)
	}
	defer stream.Close()

	c.emit(convID, eventlog.RecordingStart, map[string]any{
		"min_ms": opts.MinListen.Milliseconds(), "max_ms": opts.MaxListen.Milliseconds(),
	})
	rec, err := audio.Record(ctx, stream, audio.RecordOptions{
		MinDuration:             opts.MinListen,
		MaxDuration:             opts.MaxListen,
		DisableSilenceDetection: opts.DisableSilenceDetection,
	})
	data := map[string]any{}
	if rec != nil {
		data["duration_ms"] = rec.Duration().Milliseconds()
	}
	c.emit(convID, eventlog.RecordingEnd, data)
	return rec, false, err
}

// playChime plays a generated chime through the player, blocking until it
// finishes. Chime failures never fail the conversation.
func (c *Conversation) playChime(kind ChimeKind) {
	if err := c.pl.Play(Chime(kind), true, nil); err != nil {
		slog.Debug("chime playback failed", "error", err)
	}
}

func (c *Conversation) emit(convID, eventType string, data map[string]any) {
	if c.events != nil {
		c.events.Emit(convID, eventType, data)
	}
}

func (c *Conversation) exchange(rec eventlog.ExchangeRecord) {
	if c.events == nil {
		return
	}
	if err := c.events.Exchange(rec); err != nil {
		slog.Warn("cannot write exchange record", "error", err)
	}
}

// speakFailure renders a TTS error as the user-facing reply string.
func speakFailure(err error) string {
	var all *provider.AllFailedError
	if errors.As(err, &all) {
		return "All TTS providers failed: " + attemptSummary(all)
	}
	if provider.KindOf(err) == provider.KindCancelled {
		return "Conversation cancelled."
	}
	return fmt.Sprintf("Error speaking message: %v", err)
}

// transcribeFailure renders an STT error as the user-facing reply string.
func transcribeFailure(err error) string {
	var all *provider.AllFailedError
	if errors.As(err, &all) {
		return "All STT providers failed: " + attemptSummary(all)
	}
	switch provider.KindOf(err) {
	case provider.KindNoSpeech:
		return "No speech detected."
	case provider.KindCancelled:
		return "Conversation cancelled."
	}
	return fmt.Sprintf("Error transcribing response: %v", err)
}

// attemptSummary lists each attempted endpoint with its failure.
func attemptSummary(all *provider.AllFailedError) string {
	parts := make([]string, 0, len(all.Attempts))
	for _, a := range all.Attempts {
		parts = append(parts, fmt.Sprintf("%s (%s: %s)", a.Endpoint, a.Kind, a.Message))
	}
	return strings.Join(parts, "; ")
}

// Ensure the concrete pipelines satisfy the orchestrator interfaces.
var (
	_ Synthesizer = (*tts.Pipeline)(nil)
	_ Transcriber = (*stt.Pipeline)(nil)
)
