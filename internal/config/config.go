// Package config provides the configuration schema and loader for VoiceMode.
//
// Configuration is layered: built-in defaults, then an optional
// voicemode.yaml overlay in the base directory, then VOICEMODE_* environment
// variables. Environment always wins.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Telemetry is the opt-in usage telemetry tri-state. Collection itself is not
// implemented; the state is tracked so a universal DO_NOT_TRACK can force it
// off and tooling can report it.
type Telemetry string

const (
	TelemetryAsk Telemetry = "ask"
	TelemetryOn  Telemetry = "true"
	TelemetryOff Telemetry = "false"
)

// IsValid reports whether t is a recognised telemetry state.
func (t Telemetry) IsValid() bool {
	switch t {
	case TelemetryAsk, TelemetryOn, TelemetryOff:
		return true
	}
	return false
}

// Config is the root configuration for the VoiceMode runtime.
type Config struct {
	// BaseDir is the state directory; defaults to ~/.voicemode.
	BaseDir string `yaml:"base_dir"`

	LogLevel LogLevel `yaml:"log_level"`

	Providers ProvidersConfig `yaml:"providers"`
	Audio     AudioConfig     `yaml:"audio"`
	BargeIn   BargeInConfig   `yaml:"barge_in"`
	Connect   ConnectConfig   `yaml:"connect"`
	Conch     ConchConfig     `yaml:"conch"`

	// Telemetry is the tri-state opt-in; any non-empty DO_NOT_TRACK forces
	// TelemetryOff regardless of this value.
	Telemetry Telemetry `yaml:"telemetry"`
}

// The on-disk layout under BaseDir is part of the external interface: other
// processes read these paths directly, so the names are fixed here rather
// than chosen at wiring time.

// LogsDir returns the directory holding the per-day event and exchange files.
func (c *Config) LogsDir() string { return filepath.Join(c.BaseDir, "logs") }

// AudioDir returns the saved-audio directory root.
func (c *Config) AudioDir() string { return filepath.Join(c.BaseDir, "audio") }

// UsersDir returns the Connect mailbox root.
func (c *Config) UsersDir() string { return filepath.Join(c.BaseDir, "connect", "users") }

// RulesPath returns the pronunciation-rules file location.
func (c *Config) RulesPath() string { return filepath.Join(c.BaseDir, "pronunciation.yaml") }

// CredentialsPath returns the credential store location.
func (c *Config) CredentialsPath() string { return filepath.Join(c.BaseDir, "credentials") }

// ConchPath returns the conch lock file location.
func (c *Config) ConchPath() string { return filepath.Join(c.BaseDir, "conch") }

// ProvidersConfig holds the ordered endpoint lists and request defaults.
type ProvidersConfig struct {
	// TTSBaseURLs and STTBaseURLs are ordered by priority; the first entry is
	// always tried first.
	TTSBaseURLs []string `yaml:"tts_base_urls"`
	STTBaseURLs []string `yaml:"stt_base_urls"`

	// Voices is the ordered voice preference list; the first is the default.
	Voices []string `yaml:"voices"`

	// Models is the ordered TTS model preference list.
	Models []string `yaml:"models"`

	// STTModel and Language feed the transcription request.
	STTModel string `yaml:"stt_model"`
	Language string `yaml:"language"`

	// HTTPTimeout bounds each provider HTTP request.
	HTTPTimeout time.Duration `yaml:"http_timeout"`

	// STTCompress is auto, always, or never.
	STTCompress string `yaml:"stt_compress"`

	// Speed scales TTS playback rate; valid range [0.25, 4.0].
	Speed float64 `yaml:"speed"`
}

// AudioConfig covers recording and audio persistence.
type AudioConfig struct {
	SaveAudio bool `yaml:"save_audio"`

	// StreamingEnabled selects streamed TTS playback.
	StreamingEnabled bool `yaml:"streaming_enabled"`

	// ChimesEnabled plays the start/listening/finished chimes.
	ChimesEnabled bool `yaml:"chimes_enabled"`

	// MinListen and MaxListen bound the silence-terminated recording window.
	MinListen time.Duration `yaml:"min_listen"`
	MaxListen time.Duration `yaml:"max_listen"`
}

// BargeInConfig tunes voice-activity interruption of TTS playback.
type BargeInConfig struct {
	Enabled bool `yaml:"enabled"`

	// VADAggressiveness is the webrtcvad mode, 0 (permissive) to 3 (strict).
	VADAggressiveness int `yaml:"vad_aggressiveness"`

	// MinSpeechMs is the accumulated voiced time before the interrupt fires.
	MinSpeechMs int `yaml:"min_speech_ms"`
}

// ConnectConfig covers the WebSocket gateway client.
type ConnectConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`

	// WSURL overrides the gateway WebSocket URL derived from Host.
	WSURL string `yaml:"ws_url"`
}

// ConchConfig covers the exclusive voice-conversation lock.
type ConchConfig struct {
	Enabled bool `yaml:"enabled"`

	// LockExpiry is the age after which a conch lock is considered stale.
	LockExpiry time.Duration `yaml:"lock_expiry"`
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all validation failures found.
func (c *Config) Validate() error {
	var errs []error

	if c.LogLevel != "" && !c.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("log_level %q is invalid; valid values: debug, info, warn, error", c.LogLevel))
	}
	if c.Telemetry != "" && !c.Telemetry.IsValid() {
		errs = append(errs, fmt.Errorf("telemetry %q is invalid; valid values: ask, true, false", c.Telemetry))
	}

	switch c.Providers.STTCompress {
	case "", "auto", "always", "never":
	default:
		errs = append(errs, fmt.Errorf("stt_compress %q is invalid; valid values: auto, always, never", c.Providers.STTCompress))
	}
	if s := c.Providers.Speed; s != 0 && (s < 0.25 || s > 4.0) {
		errs = append(errs, fmt.Errorf("speed %.2f is out of range [0.25, 4.0]", s))
	}
	if c.Providers.HTTPTimeout < 0 {
		errs = append(errs, fmt.Errorf("http_timeout must not be negative"))
	}

	if a := c.BargeIn.VADAggressiveness; a < 0 || a > 3 {
		errs = append(errs, fmt.Errorf("vad_aggressiveness %d is out of range [0, 3]", a))
	}
	if c.BargeIn.MinSpeechMs < 0 {
		errs = append(errs, fmt.Errorf("min_speech_ms must not be negative"))
	}

	if c.Audio.MinListen < 0 || c.Audio.MaxListen < 0 {
		errs = append(errs, fmt.Errorf("listen durations must not be negative"))
	}
	if c.Audio.MaxListen > 0 && c.Audio.MinListen > c.Audio.MaxListen {
		errs = append(errs, fmt.Errorf("min_listen %s exceeds max_listen %s", c.Audio.MinListen, c.Audio.MaxListen))
	}

	if c.Conch.Enabled && c.Conch.LockExpiry <= 0 {
		errs = append(errs, fmt.Errorf("conch lock_expiry must be positive when conch is enabled"))
	}

	return errors.Join(errs...)
}
