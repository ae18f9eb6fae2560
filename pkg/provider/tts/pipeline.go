package tts

import (
	"context"
	"time"

	"github.com/voicemode/voicemode/pkg/audio"
	"github.com/voicemode/voicemode/pkg/audio/bargein"
	"github.com/voicemode/voicemode/pkg/audio/player"
	"github.com/voicemode/voicemode/pkg/provider"
)

// PlaybackMode selects how synthesized audio reaches the speaker.
type PlaybackMode string

const (
	// ModeBlocking downloads the whole response and plays it, returning when
	// playback finishes.
	ModeBlocking PlaybackMode = "blocking"

	// ModeNonBlocking downloads the whole response, primes the player, and
	// returns immediately.
	ModeNonBlocking PlaybackMode = "non-blocking"

	// ModeStreaming plays PCM chunks as the server produces them. This is the
	// only mode that can coordinate with a barge-in monitor mid-utterance.
	ModeStreaming PlaybackMode = "streaming"
)

// Events receives pipeline progress notifications; the event log implements it.
type Events interface {
	Emit(conversationID, eventType string, data map[string]any)
}

// Result describes a completed (or interrupted) synthesis call.
type Result struct {
	Provider string
	Endpoint string
	Format   audio.Format
	Elapsed  time.Duration
}

// Pipeline walks TTS endpoints via failover and routes the audio to the
// player over the requested path.
type Pipeline struct {
	registry *provider.Registry
	client   *Client
	events   Events
}

// NewPipeline assembles a synthesis pipeline. events may be nil.
func NewPipeline(reg *provider.Registry, client *Client, events Events) *Pipeline {
	return &Pipeline{registry: reg, client: client, events: events}
}

// Speak synthesizes req and plays it in the given mode.
//
// In streaming mode, if monitor is non-nil and available it is started with
// the player's interrupt as its voice-detected callback before the first
// chunk is queued, and stopped before Speak returns; captured barge-in audio
// then appears in the returned metrics. In the buffered modes monitor is
// ignored — an interrupt there is still possible via the player but carries
// no captured audio.
func (p *Pipeline) Speak(ctx context.Context, req Request, mode PlaybackMode, pl *player.Player, monitor *bargein.Monitor, conversationID string) (*player.StreamMetrics, *Result, error) {
	if err := req.Validate(); err != nil {
		return nil, nil, err
	}

	p.emit(conversationID, "TTS_START", map[string]any{
		"voice": req.Voice, "model": req.Model, "mode": string(mode), "chars": len(req.Text),
	})

	if mode == ModeStreaming {
		return p.speakStreaming(ctx, req, pl, monitor, conversationID)
	}
	return p.speakBuffered(ctx, req, mode, pl, conversationID)
}

// speakBuffered downloads the complete response, decodes it to PCM, and hands
// it to the player.
func (p *Pipeline) speakBuffered(ctx context.Context, req Request, mode PlaybackMode, pl *player.Player, conversationID string) (*player.StreamMetrics, *Result, error) {
	start := time.Now()
	ab, ep, err := provider.Run(ctx, p.registry, provider.RoleTTS,
		func(ctx context.Context, ep *provider.Endpoint) (audio.AudioBytes, error) {
			return p.client.Synthesize(ctx, ep, req)
		})
	if err != nil {
		return nil, nil, err
	}
	elapsed := time.Since(start)

	buf, err := audio.Decode(ab)
	if err != nil {
		return nil, nil, &provider.Error{Kind: provider.KindDecode, Endpoint: ep.ID, Message: "decode response audio", Err: err}
	}

	p.emit(conversationID, "TTS_FIRST_AUDIO", map[string]any{
		"provider": ep.ID, "ttfa_ms": elapsed.Milliseconds(),
	})

	metrics := &player.StreamMetrics{
		TTFA:           elapsed,
		GenerationTime: elapsed,
		ChunksReceived: 1,
		ChunksPlayed:   1,
		TotalBytes:     int64(len(ab.Data)),
	}
	if err := pl.Play(buf, mode == ModeBlocking, nil); err != nil {
		return metrics, nil, err
	}
	metrics.Interrupted = pl.WasInterrupted()

	return metrics, &Result{Provider: ep.ID, Endpoint: ep.URL, Format: ab.Format, Elapsed: elapsed}, nil
}

// speakStreaming opens a chunked response and feeds it to the player as it
// arrives, with optional barge-in monitoring.
func (p *Pipeline) speakStreaming(ctx context.Context, req Request, pl *player.Player, monitor *bargein.Monitor, conversationID string) (*player.StreamMetrics, *Result, error) {
	start := time.Now()
	stream, ep, err := provider.Run(ctx, p.registry, provider.RoleTTS,
		func(ctx context.Context, ep *provider.Endpoint) (*Stream, error) {
			return p.client.SynthesizeStream(ctx, ep, req)
		})
	if err != nil {
		return nil, nil, err
	}
	defer stream.Close()

	if monitor != nil && monitor.Available() {
		pl.SetCaptureSource(monitor)
		defer pl.SetCaptureSource(nil)
		if err := monitor.Start(pl.Interrupt); err == nil {
			p.emit(conversationID, "BARGE_IN_START", nil)
			defer func() {
				monitor.Stop()
				p.emit(conversationID, "BARGE_IN_STOP", nil)
			}()
		}
	}

	metrics, err := pl.PlayStream(ctx, pcmSampleRate, 1, stream.Chunks(), nil)
	if err != nil {
		return metrics, nil, err
	}
	if serr := stream.Err(); serr != nil && !metrics.Interrupted {
		return metrics, nil, &provider.Error{Kind: provider.KindConnect, Endpoint: ep.ID, Message: "stream read", Err: serr}
	}

	if metrics.TTFA > 0 {
		p.emit(conversationID, "TTS_FIRST_AUDIO", map[string]any{
			"provider": ep.ID, "ttfa_ms": metrics.TTFA.Milliseconds(),
		})
	}
	if metrics.Interrupted {
		p.emit(conversationID, "BARGE_IN_DETECTED", map[string]any{
			"interrupted_at_ms": metrics.InterruptedAt.Milliseconds(),
			"captured_samples":  metrics.CapturedSamples,
		})
	}

	return metrics, &Result{
		Provider: ep.ID,
		Endpoint: ep.URL,
		Format:   audio.FormatPCM,
		Elapsed:  time.Since(start),
	}, nil
}

func (p *Pipeline) emit(conversationID, eventType string, data map[string]any) {
	if p.events != nil {
		p.events.Emit(conversationID, eventType, data)
	}
}
