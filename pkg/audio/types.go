// Package audio defines the PCM types and codec helpers shared by the capture,
// playback, and provider pipelines.
//
// All audio flowing through VoiceMode is 16-bit signed little-endian PCM.
// Capture typically runs at 16 kHz mono (what STT providers want), playback at
// 24 kHz mono (what TTS providers produce). The [AudioBytes] tagged variant
// carries encoded audio together with its container format; the codec layer in
// this package is the only place that switches on the format tag.
package audio

import "time"

// bitsPerSample is fixed at 16 for the signed little-endian PCM used
// throughout the pipeline.
const bitsPerSample = 16

// AudioFrame is a contiguous block of 16-bit signed little-endian mono PCM at
// a declared sample rate. Frames are the atomic unit of audio transport —
// captured from input streams, classified by VAD, and queued for playback.
// A frame is immutable once produced.
type AudioFrame struct {
	// Data is raw PCM. Length is always a multiple of 2*Channels.
	Data []byte

	// SampleRate in Hz (e.g., 16000 for capture, 24000 for TTS playback).
	SampleRate int

	// Channels: 1 for mono capture, 2 for decoded stereo sources.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Samples returns the number of PCM samples per channel in the frame.
func (f AudioFrame) Samples() int {
	if f.Channels <= 0 {
		return 0
	}
	return len(f.Data) / 2 / f.Channels
}

// Duration returns the play time of the frame.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(f.Samples()) * time.Second / time.Duration(f.SampleRate)
}

// PCMBuffer is an ordered concatenation of AudioFrames sharing one sample rate
// and channel count. It may be empty.
type PCMBuffer struct {
	Data       []byte
	SampleRate int
	Channels   int
}

// NewPCMBuffer returns an empty buffer with the given format.
func NewPCMBuffer(sampleRate, channels int) *PCMBuffer {
	return &PCMBuffer{SampleRate: sampleRate, Channels: channels}
}

// Append adds a frame's PCM to the end of the buffer. The capture path
// guarantees a single format per session, so no per-frame conversion happens
// here.
func (b *PCMBuffer) Append(f AudioFrame) {
	b.Data = append(b.Data, f.Data...)
}

// AppendBytes adds raw PCM to the end of the buffer.
func (b *PCMBuffer) AppendBytes(pcm []byte) {
	b.Data = append(b.Data, pcm...)
}

// Samples returns the total number of samples per channel held by the buffer.
func (b *PCMBuffer) Samples() int {
	if b == nil || b.Channels <= 0 {
		return 0
	}
	return len(b.Data) / 2 / b.Channels
}

// Duration returns the total play time of the buffer.
func (b *PCMBuffer) Duration() time.Duration {
	if b == nil || b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(b.Samples()) * time.Second / time.Duration(b.SampleRate)
}

// Empty reports whether the buffer holds no audio.
func (b *PCMBuffer) Empty() bool {
	return b == nil || len(b.Data) == 0
}

// Format identifies the container or codec of an [AudioBytes] payload.
type Format string

const (
	FormatPCM  Format = "pcm"
	FormatWAV  Format = "wav"
	FormatMP3  Format = "mp3"
	FormatOpus Format = "opus"
)

// IsValid reports whether f is a recognised audio format.
func (f Format) IsValid() bool {
	switch f {
	case FormatPCM, FormatWAV, FormatMP3, FormatOpus:
		return true
	}
	return false
}

// MIME returns the audio/* content type for the format.
func (f Format) MIME() string {
	switch f {
	case FormatWAV:
		return "audio/wav"
	case FormatMP3:
		return "audio/mpeg"
	case FormatOpus:
		return "audio/ogg"
	default:
		return "audio/pcm"
	}
}

// FormatFromContentType maps an HTTP content type to a [Format]. Unknown
// audio/* types are treated as raw PCM, which matches what local
// OpenAI-compatible servers return for response_format=pcm.
func FormatFromContentType(ct string) Format {
	switch {
	case ct == "audio/wav" || ct == "audio/x-wav" || ct == "audio/wave":
		return FormatWAV
	case ct == "audio/mpeg" || ct == "audio/mp3":
		return FormatMP3
	case ct == "audio/ogg" || ct == "audio/opus" || ct == `audio/ogg; codecs="opus"`:
		return FormatOpus
	default:
		return FormatPCM
	}
}

// AudioBytes is encoded (or raw) audio tagged with its format and the PCM
// parameters that apply once decoded.
type AudioBytes struct {
	Format     Format
	SampleRate int
	Channels   int
	Data       []byte
}
