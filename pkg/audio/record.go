package audio

import (
	"context"
	"encoding/binary"
	"math"
	"time"
)

const (
	// defaultRMSThreshold is the root-mean-square energy level (in 16-bit PCM
	// units) below which a frame is considered silent. 300 corresponds to
	// near-silence against a 32 767 full-scale value.
	defaultRMSThreshold = 300.0

	// defaultSilenceWindow is how much trailing silence ends a recording once
	// speech has been heard.
	defaultSilenceWindow = 1000 * time.Millisecond
)

// RecordOptions bounds a silence-terminated recording.
type RecordOptions struct {
	// MinDuration is recorded unconditionally before silence detection may
	// terminate the recording.
	MinDuration time.Duration

	// MaxDuration is the hard upper bound; the recording stops here whether or
	// not the speaker has gone quiet.
	MaxDuration time.Duration

	// DisableSilenceDetection records until MaxDuration regardless of energy.
	DisableSilenceDetection bool

	// RMSThreshold overrides the silence energy threshold. Zero keeps the
	// default.
	RMSThreshold float64

	// SilenceWindow overrides the trailing-silence duration that terminates
	// the recording. Zero keeps the default.
	SilenceWindow time.Duration
}

// FrameSource yields capture frames in order. It is implemented by
// device.InputStream and by test fakes.
type FrameSource interface {
	// Frames returns the channel of captured frames. The channel is closed
	// when the stream is closed or the device fails.
	Frames() <-chan AudioFrame
}

// Record pulls frames from src until trailing silence, MaxDuration, or ctx
// cancellation ends the recording, and returns everything heard as one
// buffer. Leading silence before the first speech frame is kept — providers
// cope with it and trimming it distorts the min-duration bound.
//
// The returned buffer may be empty if the source closed immediately.
func Record(ctx context.Context, src FrameSource, opts RecordOptions) (*PCMBuffer, error) {
	threshold := opts.RMSThreshold
	if threshold <= 0 {
		threshold = defaultRMSThreshold
	}
	silenceWindow := opts.SilenceWindow
	if silenceWindow <= 0 {
		silenceWindow = defaultSilenceWindow
	}

	var (
		buf       *PCMBuffer
		elapsed   time.Duration
		silence   time.Duration
		hadSpeech bool
	)

	for {
		select {
		case <-ctx.Done():
			return buf, ctx.Err()

		case frame, ok := <-src.Frames():
			if !ok {
				return buf, nil
			}
			if buf == nil {
				buf = NewPCMBuffer(frame.SampleRate, frame.Channels)
			}
			buf.Append(frame)
			elapsed += frame.Duration()

			if opts.MaxDuration > 0 && elapsed >= opts.MaxDuration {
				return buf, nil
			}
			if opts.DisableSilenceDetection {
				continue
			}

			if RMS(frame.Data) >= threshold {
				hadSpeech = true
				silence = 0
			} else if hadSpeech {
				silence += frame.Duration()
			}

			if hadSpeech && silence >= silenceWindow && elapsed >= opts.MinDuration {
				return buf, nil
			}
		}
	}
}

// RMS returns the root-mean-square energy of a 16-bit signed little-endian
// PCM buffer, expressed in PCM sample units (0–32 767). Returns 0 for buffers
// shorter than one sample.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		sample := int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2]))
		v := float64(sample)
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}
