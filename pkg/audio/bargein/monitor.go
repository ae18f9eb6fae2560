// Package bargein detects a user speaking over in-progress TTS playback.
//
// A [Monitor] consumes capture frames, classifies them with WebRTC VAD, and
// fires a one-shot callback once enough consecutive speech has accumulated.
// From the first detected voice frame onward the audio is buffered, so that
// after an interrupt the words that triggered it can be handed straight to
// STT instead of being lost.
package bargein

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/voicemode/voicemode/pkg/audio"
)

// State is the monitor's session state machine.
type State int

const (
	StateStopped State = iota
	StateListening
	StateVoiceDetected
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateListening:
		return "listening"
	case StateVoiceDetected:
		return "voice-detected"
	default:
		return "unknown"
	}
}

// Classifier labels one capture frame as speech or non-speech. The production
// implementation wraps WebRTC VAD; tests substitute fakes.
type Classifier interface {
	Process(sampleRate int, frame []byte) (bool, error)
}

// Config tunes a Monitor.
type Config struct {
	// Aggressiveness is the WebRTC VAD mode, 0 (least) to 3 (most aggressive
	// about classifying frames as non-speech).
	Aggressiveness int

	// MinSpeechMs is the accumulated speech required before the callback
	// fires. Default 200.
	MinSpeechMs int

	// BufferWindowMs bounds the pre-roll ring of recent frames kept before
	// detection. Default 1000.
	BufferWindowMs int
}

// Monitor watches one capture stream for barge-in. All exported methods are
// safe to call from any goroutine; the voice-detected callback runs on the
// monitor's worker goroutine.
type Monitor struct {
	src audio.FrameSource
	vad Classifier
	cfg Config

	mu       sync.Mutex
	state    State
	captured *audio.PCMBuffer
	done     chan struct{}
	wg       sync.WaitGroup
}

// New creates a Monitor reading frames from src. If VAD support cannot be
// initialised the returned monitor reports [Monitor.Available] == false and
// [Monitor.Start] is a no-op, which the conversation layer treats as a signal
// to fall back to silence-terminated recording.
func New(src audio.FrameSource, cfg Config) *Monitor {
	if cfg.MinSpeechMs <= 0 {
		cfg.MinSpeechMs = 200
	}
	if cfg.BufferWindowMs <= 0 {
		cfg.BufferWindowMs = 1000
	}
	vad, err := newWebRTCVAD(cfg.Aggressiveness)
	if err != nil {
		slog.Warn("barge-in unavailable: VAD init failed", "error", err)
		vad = nil
	}
	return &Monitor{src: src, vad: vad, cfg: cfg, state: StateStopped}
}

// NewWithClassifier creates a Monitor with an explicit classifier.
func NewWithClassifier(src audio.FrameSource, vad Classifier, cfg Config) *Monitor {
	m := New(src, cfg)
	m.vad = vad
	return m
}

// Available reports whether VAD support was successfully initialised.
func (m *Monitor) Available() bool { return m.vad != nil }

// Start transitions Stopped→Listening and begins consuming frames on a
// background worker. callback fires exactly once per session, on the worker,
// after MinSpeechMs of accumulated speech; a panicking callback is logged and
// swallowed and the VoiceDetected transition still stands.
//
// Starting an unavailable or already-running monitor is a no-op.
func (m *Monitor) Start(callback func()) error {
	if m.vad == nil {
		return nil
	}
	m.mu.Lock()
	if m.state != StateStopped {
		m.mu.Unlock()
		return errors.New("bargein: monitor already running")
	}
	m.state = StateListening
	m.captured = nil
	m.done = make(chan struct{})
	done := m.done
	m.mu.Unlock()

	m.wg.Add(1)
	go m.run(done, callback)
	return nil
}

// Stop ends the monitoring session. The capture buffer remains readable via
// [Monitor.CapturedAudio] until the next Start. Safe to call more than once.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if m.done == nil {
		m.mu.Unlock()
		return
	}
	done := m.done
	m.done = nil
	if m.state == StateListening {
		m.state = StateStopped
	}
	m.mu.Unlock()

	close(done)
	m.wg.Wait()
}

// VoiceDetected reports whether the callback has fired this session.
func (m *Monitor) VoiceDetected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateVoiceDetected
}

// State returns the current session state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// CapturedAudio returns the concatenation of all buffered frames as one
// PCMBuffer, or nil if nothing was captured. The returned buffer is a
// snapshot: the worker may still be appending, so callers get a copy they can
// read without holding the monitor's lock.
func (m *Monitor) CapturedAudio() *audio.PCMBuffer {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.captured.Empty() {
		return nil
	}
	snap := audio.NewPCMBuffer(m.captured.SampleRate, m.captured.Channels)
	snap.AppendBytes(m.captured.Data)
	return snap
}

// run is the monitor worker: classify frames, accumulate speech, fire the
// callback once, and keep buffering until Stop.
func (m *Monitor) run(done chan struct{}, callback func()) {
	defer m.wg.Done()

	var (
		preRoll  []audio.AudioFrame // frames since the first voiced frame
		speechMs int
		fired    bool
	)

	for {
		select {
		case <-done:
			return

		case frame, ok := <-m.src.Frames():
			if !ok {
				return
			}

			if fired {
				m.appendCapture(frame)
				continue
			}

			voiced, err := m.vad.Process(frame.SampleRate, frame.Data)
			if err != nil {
				slog.Debug("bargein: VAD frame rejected", "error", err)
				continue
			}
			frameMs := int(frame.Duration().Milliseconds())

			if !voiced {
				// Silence resets the onset accumulation.
				preRoll = preRoll[:0]
				speechMs = 0
				continue
			}

			preRoll = append(preRoll, frame)
			speechMs += frameMs
			if speechMs < m.cfg.MinSpeechMs {
				continue
			}

			// Commit the onset pre-roll (including this triggering frame),
			// transition, and fire exactly once.
			m.mu.Lock()
			for _, f := range preRoll {
				if m.captured == nil {
					m.captured = audio.NewPCMBuffer(f.SampleRate, f.Channels)
				}
				m.captured.Append(f)
			}
			m.state = StateVoiceDetected
			m.mu.Unlock()
			preRoll = nil
			fired = true

			if callback != nil {
				func() {
					defer func() {
						if r := recover(); r != nil {
							slog.Error("bargein: voice-detected callback panicked", "panic", r)
						}
					}()
					callback()
				}()
			}
		}
	}
}

func (m *Monitor) appendCapture(frame audio.AudioFrame) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.captured == nil {
		m.captured = audio.NewPCMBuffer(frame.SampleRate, frame.Channels)
	}
	m.captured.Append(frame)
}

// ValidateAggressiveness checks a configured VAD mode.
func ValidateAggressiveness(mode int) error {
	if mode < 0 || mode > 3 {
		return fmt.Errorf("bargein: VAD aggressiveness %d out of range [0,3]", mode)
	}
	return nil
}
