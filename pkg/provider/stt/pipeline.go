package stt

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/voicemode/voicemode/pkg/audio"
	"github.com/voicemode/voicemode/pkg/provider"
)

// minUsableSamples is the sample count below which capture audio is treated
// as a false positive: no provider is ever called for it.
const minUsableSamples = 100

// CompressMode selects how capture audio is encoded before upload.
type CompressMode string

const (
	// CompressAuto ships WAV when the first STT endpoint is local and MP3
	// otherwise — on loopback the encode time costs more than it saves.
	CompressAuto CompressMode = "auto"

	// CompressAlways ships MP3 regardless of endpoint locality.
	CompressAlways CompressMode = "always"

	// CompressNever ships WAV regardless of endpoint locality.
	CompressNever CompressMode = "never"
)

// IsValid reports whether m is a recognised compression mode.
func (m CompressMode) IsValid() bool {
	switch m {
	case CompressAuto, CompressAlways, CompressNever:
		return true
	}
	return false
}

// Events receives pipeline progress notifications. The event log implements
// it; tests substitute fakes.
type Events interface {
	Emit(conversationID, eventType string, data map[string]any)
}

// PipelineConfig tunes a [Pipeline].
type PipelineConfig struct {
	Compress  CompressMode
	SaveAudio bool
	AudioDir  string
	Model     string
	Language  string
}

// Result is a successful transcription.
type Result struct {
	Text     string
	Provider string // endpoint ID that served the call
	Endpoint string // endpoint URL
	Elapsed  time.Duration
}

// Pipeline prepares capture audio (format, sample rate, optional
// compression), invokes STT through failover, and classifies the outcome.
type Pipeline struct {
	registry *provider.Registry
	client   *Client
	events   Events
	cfg      PipelineConfig
}

// NewPipeline assembles a transcription pipeline. events may be nil.
func NewPipeline(reg *provider.Registry, client *Client, events Events, cfg PipelineConfig) *Pipeline {
	if !cfg.Compress.IsValid() {
		cfg.Compress = CompressAuto
	}
	return &Pipeline{registry: reg, client: client, events: events, cfg: cfg}
}

// Transcribe normalises buf to 16 kHz mono, encodes it per the compression
// policy, and walks the STT endpoints until one answers.
//
// Error cases: audio shorter than 100 samples returns a no_speech
// [*provider.Error] without touching any endpoint; an endpoint that answers
// with empty text returns no_speech tagged with that endpoint; exhaustion of
// every endpoint returns [*provider.AllFailedError].
func (p *Pipeline) Transcribe(ctx context.Context, buf *audio.PCMBuffer, conversationID string) (*Result, error) {
	if buf.Samples() < minUsableSamples {
		return nil, provider.NewError(provider.KindNoSpeech,
			fmt.Sprintf("audio too short (%d samples)", buf.Samples()), nil)
	}

	p.emit(conversationID, "STT_START", map[string]any{
		"duration_ms": buf.Duration().Milliseconds(),
	})

	normalized := audio.Normalize16kMono(buf)
	encoded, err := p.encode(normalized)
	if err != nil {
		return nil, err
	}

	if p.cfg.SaveAudio {
		// Saved audio keeps full quality even when the wire copy is MP3.
		p.save(normalized, conversationID)
	}

	req := Request{Audio: encoded, Model: p.cfg.Model, Language: p.cfg.Language}
	start := time.Now()
	text, ep, err := provider.Run(ctx, p.registry, provider.RoleSTT,
		func(ctx context.Context, ep *provider.Endpoint) (string, error) {
			return p.client.Transcribe(ctx, ep, req)
		})
	elapsed := time.Since(start)

	if err != nil {
		p.emit(conversationID, "STT_COMPLETE", map[string]any{
			"error_type": errorType(err),
		})
		return nil, err
	}
	if text == "" {
		p.emit(conversationID, "STT_COMPLETE", map[string]any{
			"error_type": "no_speech", "provider": ep.ID,
		})
		return nil, &provider.Error{Kind: provider.KindNoSpeech, Endpoint: ep.ID, Message: "empty transcription"}
	}

	p.emit(conversationID, "STT_COMPLETE", map[string]any{
		"provider": ep.ID, "elapsed_ms": elapsed.Milliseconds(), "chars": len(text),
	})
	return &Result{Text: text, Provider: ep.ID, Endpoint: ep.URL, Elapsed: elapsed}, nil
}

// encode applies the compression policy to normalised 16 kHz mono PCM.
func (p *Pipeline) encode(buf *audio.PCMBuffer) (audio.AudioBytes, error) {
	compress := false
	switch p.cfg.Compress {
	case CompressAlways:
		compress = true
	case CompressNever:
		compress = false
	default: // auto
		compress = !p.registry.FirstLocal(provider.RoleSTT)
	}

	if compress {
		data, err := audio.EncodeMP3(buf.Data, buf.SampleRate, buf.Channels)
		if err != nil {
			// A broken encoder should not cost the transcription.
			slog.Warn("mp3 encode failed, falling back to wav", "error", err)
		} else {
			return audio.AudioBytes{
				Format:     audio.FormatMP3,
				SampleRate: buf.SampleRate,
				Channels:   buf.Channels,
				Data:       data,
			}, nil
		}
	}
	return audio.AudioBytes{
		Format:     audio.FormatWAV,
		SampleRate: buf.SampleRate,
		Channels:   buf.Channels,
		Data:       audio.EncodeWAV(buf.Data, buf.SampleRate, buf.Channels),
	}, nil
}

// save persists a full-quality WAV under
// <audioDir>/<YYYY>/<MM>/<YYYYMMDD>_<HHMMSS>_<ms>_<convid>_stt.wav.
// Failures are logged, never fatal.
func (p *Pipeline) save(buf *audio.PCMBuffer, conversationID string) {
	now := time.Now()
	dir := filepath.Join(p.cfg.AudioDir, now.Format("2006"), now.Format("01"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Warn("cannot create audio save directory", "dir", dir, "error", err)
		return
	}
	name := fmt.Sprintf("%s_%03d_%s_stt.wav",
		now.Format("20060102_150405"), now.Nanosecond()/1e6, conversationID)
	path := filepath.Join(dir, name)
	wav := audio.EncodeWAV(buf.Data, buf.SampleRate, buf.Channels)
	if err := os.WriteFile(path, wav, 0o644); err != nil {
		slog.Warn("cannot save stt audio", "path", path, "error", err)
	}
}

func (p *Pipeline) emit(conversationID, eventType string, data map[string]any) {
	if p.events != nil {
		p.events.Emit(conversationID, eventType, data)
	}
}

// errorType maps a pipeline error to the wire-level error_type tag.
func errorType(err error) string {
	switch provider.KindOf(err) {
	case provider.KindNoSpeech:
		return "no_speech"
	case provider.KindCancelled:
		return "cancelled"
	default:
		return "connection_failed"
	}
}
