package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults returns the built-in configuration.
func Defaults() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		BaseDir:  filepath.Join(home, ".voicemode"),
		LogLevel: LogInfo,
		Providers: ProvidersConfig{
			TTSBaseURLs: []string{"http://127.0.0.1:8880/v1", "https://api.openai.com/v1"},
			STTBaseURLs: []string{"http://127.0.0.1:2022/v1", "https://api.openai.com/v1"},
			Voices:      []string{"af_sky", "alloy"},
			Models:      []string{"tts-1"},
			STTModel:    "whisper-1",
			HTTPTimeout: 30 * time.Second,
			STTCompress: "auto",
			Speed:       1.0,
		},
		Audio: AudioConfig{
			ChimesEnabled: true,
			MinListen:     1 * time.Second,
			MaxListen:     120 * time.Second,
		},
		BargeIn: BargeInConfig{
			VADAggressiveness: 2,
			MinSpeechMs:       200,
		},
		Conch: ConchConfig{
			LockExpiry: 5 * time.Minute,
		},
		Telemetry: TelemetryAsk,
	}
}

// Load builds the effective configuration: defaults, then the optional
// voicemode.yaml overlay in the base directory, then environment variables.
func Load() (*Config, error) {
	cfg := Defaults()

	// VOICEMODE_BASE_DIR must be applied before the overlay is looked up.
	if v := os.Getenv("VOICEMODE_BASE_DIR"); v != "" {
		cfg.BaseDir = v
	}
	overlay := filepath.Join(cfg.BaseDir, "voicemode.yaml")
	if _, err := os.Stat(overlay); err == nil {
		if err := applyFile(cfg, overlay); err != nil {
			return nil, err
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// applyFile decodes a YAML overlay on top of cfg.
func applyFile(cfg *Config, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("config: decode %q: %w", path, err)
	}
	return nil
}

// applyEnv overrides cfg from VOICEMODE_* environment variables.
func applyEnv(cfg *Config) {
	setString(&cfg.BaseDir, "VOICEMODE_BASE_DIR")
	if v := os.Getenv("VOICEMODE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = LogLevel(strings.ToLower(v))
	}

	setList(&cfg.Providers.TTSBaseURLs, "VOICEMODE_TTS_BASE_URLS")
	setList(&cfg.Providers.STTBaseURLs, "VOICEMODE_STT_BASE_URLS")
	setList(&cfg.Providers.Voices, "VOICEMODE_VOICES")
	setList(&cfg.Providers.Voices, "VOICEMODE_TTS_VOICES")
	setList(&cfg.Providers.Models, "VOICEMODE_TTS_MODELS")
	setString(&cfg.Providers.STTCompress, "VOICEMODE_STT_COMPRESS")
	setDuration(&cfg.Providers.HTTPTimeout, "VOICEMODE_HTTP_TIMEOUT")
	setFloat(&cfg.Providers.Speed, "VOICEMODE_TTS_SPEED")

	setBool(&cfg.Audio.SaveAudio, "VOICEMODE_SAVE_AUDIO")
	setBool(&cfg.Audio.StreamingEnabled, "VOICEMODE_STREAMING_ENABLED")
	setBool(&cfg.Audio.ChimesEnabled, "VOICEMODE_CHIMES_ENABLED")

	setBool(&cfg.BargeIn.Enabled, "VOICEMODE_BARGE_IN")
	setInt(&cfg.BargeIn.VADAggressiveness, "VOICEMODE_BARGE_IN_VAD_AGGRESSIVENESS")
	setInt(&cfg.BargeIn.MinSpeechMs, "VOICEMODE_BARGE_IN_MIN_SPEECH_MS")

	setBool(&cfg.Connect.Enabled, "VOICEMODE_CONNECT_ENABLED")
	setString(&cfg.Connect.Host, "VOICEMODE_CONNECT_HOST")
	setString(&cfg.Connect.WSURL, "VOICEMODE_CONNECT_WS_URL")

	setBool(&cfg.Conch.Enabled, "VOICEMODE_CONCH_ENABLED")
	if v := os.Getenv("VOICEMODE_CONCH_LOCK_EXPIRY"); v != "" {
		// Bare numbers are seconds; duration strings also accepted.
		if secs, err := strconv.Atoi(v); err == nil {
			cfg.Conch.LockExpiry = time.Duration(secs) * time.Second
		} else if d, err := time.ParseDuration(v); err == nil {
			cfg.Conch.LockExpiry = d
		}
	}

	if v := os.Getenv("VOICEMODE_TELEMETRY"); v != "" {
		cfg.Telemetry = Telemetry(strings.ToLower(v))
	}
	if os.Getenv("DO_NOT_TRACK") != "" {
		cfg.Telemetry = TelemetryOff
	}
}

// ParseBool accepts the historical bool spellings: true/1/yes/on (and their
// negations), case-insensitive.
func ParseBool(v string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes", "on":
		return true, true
	case "false", "0", "no", "off":
		return false, true
	}
	return false, false
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, ok := ParseBool(v); ok {
			*dst = b
		}
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

// setList splits a comma-separated env value, trimming whitespace and
// dropping empty entries.
func setList(dst *[]string, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	if len(out) > 0 {
		*dst = out
	}
}
