// Package device provides microphone capture and speaker playback streams on
// top of miniaudio (via gen2brain/malgo).
//
// The audio APIs are blocking and callback-driven, so each stream bridges the
// device callback onto channel/queue primitives that the rest of the runtime
// (which is goroutine/context based) can consume. Failure to acquire a device
// is fatal for the caller; transient underruns and overruns are logged and
// dropped, never escalated.
package device

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gen2brain/malgo"

	"github.com/voicemode/voicemode/pkg/audio"
)

// validFrameMs are the capture frame durations the VAD accepts.
var validFrameMs = map[int]bool{10: true, 20: true, 30: true}

// IO owns the miniaudio context and hands out capture and playback streams.
// One IO per process is expected; it is created at startup and closed on
// shutdown.
type IO struct {
	ctx *malgo.AllocatedContext

	mu     sync.Mutex
	closed bool
}

// New initialises the miniaudio backend. The returned IO must be closed.
func New() (*IO, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		slog.Debug("miniaudio", "message", message)
	})
	if err != nil {
		return nil, fmt.Errorf("device: init context: %w", err)
	}
	return &IO{ctx: ctx}, nil
}

// Close tears down the miniaudio context. Streams opened from this IO must be
// closed first.
func (io *IO) Close() error {
	io.mu.Lock()
	defer io.mu.Unlock()
	if io.closed {
		return nil
	}
	io.closed = true
	if err := io.ctx.Uninit(); err != nil {
		return fmt.Errorf("device: uninit context: %w", err)
	}
	io.ctx.Free()
	return nil
}

// InputStream delivers capture frames of a fixed duration in capture order.
type InputStream struct {
	device  *malgo.Device
	frames  chan audio.AudioFrame
	rate    int
	chans   int
	frameMs int

	mu      sync.Mutex
	pending []byte
	started time.Time
	dropped int
	closed  bool
}

// OpenInput starts a capture stream yielding frames of exactly frameMs at the
// declared rate. frameMs must be 10, 20, or 30 — the durations the VAD layer
// accepts.
func (io *IO) OpenInput(sampleRate, channels, frameMs int) (*InputStream, error) {
	if !validFrameMs[frameMs] {
		return nil, fmt.Errorf("device: frame duration %d ms not in {10,20,30}", frameMs)
	}
	if channels <= 0 {
		channels = 1
	}

	in := &InputStream{
		frames:  make(chan audio.AudioFrame, 64),
		rate:    sampleRate,
		chans:   channels,
		frameMs: frameMs,
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = uint32(channels)
	cfg.SampleRate = uint32(sampleRate)
	cfg.PeriodSizeInMilliseconds = uint32(frameMs)
	cfg.Alsa.NoMMap = 1

	dev, err := malgo.InitDevice(io.ctx.Context, cfg, malgo.DeviceCallbacks{
		Data: in.onSamples,
	})
	if err != nil {
		return nil, fmt.Errorf("device: init capture device: %w", err)
	}
	in.device = dev
	in.started = time.Now()

	if err := dev.Start(); err != nil {
		dev.Uninit()
		return nil, fmt.Errorf("device: start capture device: %w", err)
	}
	return in, nil
}

// onSamples is the miniaudio data callback. It re-slices incoming PCM into
// exact frameMs frames; the callback must never block, so a full frame
// channel drops the frame with a counter rather than stalling the device.
func (in *InputStream) onSamples(_, pInput []byte, _ uint32) {
	if len(pInput) == 0 {
		return
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return
	}

	in.pending = append(in.pending, pInput...)
	frameBytes := in.rate * in.chans * 2 * in.frameMs / 1000

	for len(in.pending) >= frameBytes {
		data := make([]byte, frameBytes)
		copy(data, in.pending[:frameBytes])
		in.pending = in.pending[frameBytes:]

		frame := audio.AudioFrame{
			Data:       data,
			SampleRate: in.rate,
			Channels:   in.chans,
			Timestamp:  time.Since(in.started),
		}
		select {
		case in.frames <- frame:
		default:
			in.dropped++
			if in.dropped%100 == 1 {
				slog.Warn("capture frame dropped, consumer too slow",
					"dropped_total", in.dropped)
			}
		}
	}
}

// Frames returns the capture frame channel. It is closed by [InputStream.Close].
func (in *InputStream) Frames() <-chan audio.AudioFrame { return in.frames }

// Close stops the capture device and closes the frame channel. Safe to call
// more than once.
func (in *InputStream) Close() error {
	in.mu.Lock()
	if in.closed {
		in.mu.Unlock()
		return nil
	}
	in.closed = true
	in.mu.Unlock()

	// Stop outside the lock: the data callback takes the same mutex.
	err := in.device.Stop()
	in.device.Uninit()
	close(in.frames)
	if err != nil {
		return fmt.Errorf("device: stop capture device: %w", err)
	}
	return nil
}

// OutputStream plays queued PCM in FIFO order through a playback device.
type OutputStream struct {
	device *malgo.Device
	rate   int
	chans  int

	mu      sync.Mutex
	queue   []byte
	closed  bool
	underrs int
}

// OpenOutput starts a playback stream at the given format. Audio written via
// [OutputStream.Write] plays in order; when the queue runs dry the device
// emits silence.
func (io *IO) OpenOutput(sampleRate, channels int) (*OutputStream, error) {
	if channels <= 0 {
		channels = 1
	}
	out := &OutputStream{rate: sampleRate, chans: channels}

	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.Playback.Format = malgo.FormatS16
	cfg.Playback.Channels = uint32(channels)
	cfg.SampleRate = uint32(sampleRate)
	cfg.Alsa.NoMMap = 1

	dev, err := malgo.InitDevice(io.ctx.Context, cfg, malgo.DeviceCallbacks{
		Data: out.onSamples,
	})
	if err != nil {
		return nil, fmt.Errorf("device: init playback device: %w", err)
	}
	out.device = dev

	if err := dev.Start(); err != nil {
		dev.Uninit()
		return nil, fmt.Errorf("device: start playback device: %w", err)
	}
	return out, nil
}

func (out *OutputStream) onSamples(pOutput, _ []byte, _ uint32) {
	out.mu.Lock()
	defer out.mu.Unlock()

	n := copy(pOutput, out.queue)
	out.queue = out.queue[n:]
	if n < len(pOutput) {
		for i := n; i < len(pOutput); i++ {
			pOutput[i] = 0
		}
		if len(out.queue) == 0 && n > 0 {
			out.underrs++
			slog.Debug("playback underrun", "total", out.underrs)
		}
	}
}

// Write enqueues PCM for playback. It never blocks.
func (out *OutputStream) Write(pcm []byte) error {
	out.mu.Lock()
	defer out.mu.Unlock()
	if out.closed {
		return errors.New("device: output stream is closed")
	}
	out.queue = append(out.queue, pcm...)
	return nil
}

// Pending returns the number of queued bytes not yet handed to the device.
func (out *OutputStream) Pending() int {
	out.mu.Lock()
	defer out.mu.Unlock()
	return len(out.queue)
}

// Drop discards all queued audio without closing the stream.
func (out *OutputStream) Drop() {
	out.mu.Lock()
	defer out.mu.Unlock()
	out.queue = nil
}

// Close drops any queued audio and stops the playback device. Safe to call
// more than once.
func (out *OutputStream) Close() error {
	out.mu.Lock()
	if out.closed {
		out.mu.Unlock()
		return nil
	}
	out.closed = true
	out.queue = nil
	out.mu.Unlock()

	err := out.device.Stop()
	out.device.Uninit()
	if err != nil {
		return fmt.Errorf("device: stop playback device: %w", err)
	}
	return nil
}
