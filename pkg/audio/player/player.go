// Package player implements non-blocking PCM playback with cooperative
// interruption.
//
// A [Player] owns exactly one output stream and audio queue for the duration
// of a play session. Playback runs on a background goroutine; [Player.Interrupt]
// is safe from any goroutine and is fully synchronous: when it returns the
// output stream is closed, the queue is empty, [Player.WasInterrupted] reports
// true, and the session's interrupt callback (if any) has run exactly once.
// [Player.Stop] performs the same teardown but never fires the callback —
// the distinction is what lets barge-in and ordinary cancellation coexist.
package player

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/voicemode/voicemode/pkg/audio"
)

// ErrBusy is returned by Play/PlayStream while a session is already active.
var ErrBusy = errors.New("player: playback already in progress")

// State is the player's play-session state machine.
type State int

const (
	StateIdle State = iota
	StatePlaying
	StateCompleted
	StateInterrupted
	StateFailed
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePlaying:
		return "playing"
	case StateCompleted:
		return "completed"
	case StateInterrupted:
		return "interrupted"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Output is the playback sink the player drives. device.OutputStream satisfies
// it; tests substitute fakes.
type Output interface {
	// Write enqueues PCM for in-order playback without blocking.
	Write(pcm []byte) error
	// Pending returns queued-but-unplayed bytes.
	Pending() int
	// Drop discards all queued audio.
	Drop()
	// Close drops the queue and releases the device.
	Close() error
}

// OpenOutputFunc opens a playback sink for the given PCM format.
type OpenOutputFunc func(sampleRate, channels int) (Output, error)

// CaptureSource exposes audio captured by a barge-in monitor so the streaming
// path can hand it straight to STT after an interrupt.
type CaptureSource interface {
	CapturedAudio() *audio.PCMBuffer
}

// StreamMetrics describes one streaming playback session.
type StreamMetrics struct {
	// TTFA is the time from session start to the first playable chunk.
	TTFA time.Duration

	// GenerationTime is the total time the producer spent emitting chunks.
	GenerationTime time.Duration

	ChunksReceived int
	ChunksPlayed   int
	TotalBytes     int64

	// Interrupted reports whether the session ended via [Player.Interrupt].
	Interrupted bool

	// InterruptedAt is the elapsed playback time at the break.
	InterruptedAt time.Duration

	// Captured holds barge-in audio when a [CaptureSource] was attached and
	// the session was interrupted; nil otherwise.
	Captured        *audio.PCMBuffer
	CapturedSamples int
}

// drainPollInterval paces the wait for the output queue to empty. Small
// enough that an interrupt lands well within 50 ms.
const drainPollInterval = 10 * time.Millisecond

// playChunkSize is the PCM slice size fed to the output per write during
// buffered playback.
const playChunkSize = 4096

// Player plays one PCM buffer or byte stream at a time.
type Player struct {
	open OpenOutputFunc

	mu          sync.Mutex
	state       State
	interrupted bool
	playErr     error
	onInterrupt func()
	cbFired     bool
	done        chan struct{}
	out         Output
	capture     CaptureSource
}

// New creates a Player that opens output streams through open.
func New(open OpenOutputFunc) *Player {
	return &Player{open: open, state: StateIdle}
}

// SetCaptureSource attaches a barge-in capture source consulted on interrupt
// during streaming playback. Pass nil to detach.
func (p *Player) SetCaptureSource(cs CaptureSource) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.capture = cs
}

// begin reserves the session and opens the output. The busy check and the
// Idle→Playing transition happen in one critical section so two concurrent
// callers can never both pass it; the device open itself runs unlocked.
func (p *Player) begin(sampleRate, channels int, onInterrupt func()) (Output, chan struct{}, error) {
	done := make(chan struct{})

	p.mu.Lock()
	if p.state == StatePlaying {
		p.mu.Unlock()
		return nil, nil, ErrBusy
	}
	p.state = StatePlaying
	p.interrupted = false
	p.playErr = nil
	p.onInterrupt = onInterrupt
	p.cbFired = false
	p.done = done
	p.out = nil
	p.mu.Unlock()

	out, err := p.open(sampleRate, channels)
	if err != nil {
		p.mu.Lock()
		if p.state == StatePlaying {
			p.state = StateFailed
			p.playErr = err
			p.mu.Unlock()
			close(done)
		} else {
			// finish already tore the session down (and closed done).
			p.mu.Unlock()
		}
		return nil, nil, err
	}

	p.mu.Lock()
	if p.state != StatePlaying {
		// Interrupted or stopped while the device was opening; the session
		// never produced audio.
		err := p.playErr
		p.mu.Unlock()
		out.Close()
		if err == nil {
			err = context.Canceled
		}
		return nil, nil, err
	}
	p.out = out
	p.mu.Unlock()
	return out, done, nil
}

// finish transitions Playing→st, closes the output, and signals waiters.
// Later calls for the same session are no-ops. Safe from any goroutine.
func (p *Player) finish(st State, err error) error {
	p.mu.Lock()
	if p.state != StatePlaying {
		p.mu.Unlock()
		return nil
	}
	p.state = st
	p.playErr = err
	out := p.out
	p.out = nil
	done := p.done
	p.mu.Unlock()

	var closeErr error
	if out != nil {
		out.Drop()
		closeErr = out.Close()
	}
	if done != nil {
		close(done)
	}
	return closeErr
}

// Play starts playback of a fully buffered PCM sample array. In non-blocking
// mode it returns once the queue is primed; in blocking mode it returns after
// playback completes (or is stopped). onInterrupt, if non-nil, fires exactly
// once should [Player.Interrupt] end this session.
func (p *Player) Play(buf *audio.PCMBuffer, blocking bool, onInterrupt func()) error {
	if buf.Empty() {
		return nil
	}
	out, done, err := p.begin(buf.SampleRate, buf.Channels, onInterrupt)
	if err != nil {
		return err
	}

	go p.runBuffered(out, buf)

	if blocking {
		<-done
		return p.Err()
	}
	return nil
}

// runBuffered feeds the whole buffer to the output and waits for it to drain.
func (p *Player) runBuffered(out Output, buf *audio.PCMBuffer) {
	data := buf.Data
	for off := 0; off < len(data); off += playChunkSize {
		if !p.playing() {
			return
		}
		end := off + playChunkSize
		if end > len(data) {
			end = len(data)
		}
		if err := out.Write(data[off:end]); err != nil {
			p.finish(StateFailed, err)
			return
		}
	}
	p.waitDrain(out)
}

// waitDrain polls the output queue until it empties, then completes the
// session. Interrupt/Stop win the race by moving the state off Playing first.
func (p *Player) waitDrain(out Output) {
	for p.playing() {
		if out.Pending() == 0 {
			p.finish(StateCompleted, nil)
			return
		}
		time.Sleep(drainPollInterval)
	}
}

func (p *Player) playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == StatePlaying
}

// PlayStream plays chunks of raw PCM as they arrive. The call is synchronous:
// it returns when the producer closes the channel and the queue drains, when
// the session is interrupted or stopped, or when ctx is cancelled. The
// interrupt flag is checked both before pulling a chunk and after playing it.
func (p *Player) PlayStream(ctx context.Context, sampleRate, channels int, chunks <-chan []byte, onInterrupt func()) (*StreamMetrics, error) {
	out, _, err := p.begin(sampleRate, channels, onInterrupt)
	if err != nil {
		return nil, err
	}

	m := &StreamMetrics{}
	start := time.Now()
	var firstAudio time.Time

	finishInterrupted := func() {
		if !p.WasInterrupted() {
			return
		}
		m.Interrupted = true
		if !firstAudio.IsZero() {
			m.InterruptedAt = time.Since(firstAudio)
		}
		p.mu.Lock()
		cs := p.capture
		p.mu.Unlock()
		if cs != nil {
			if captured := cs.CapturedAudio(); !captured.Empty() {
				m.Captured = captured
				m.CapturedSamples = captured.Samples()
			}
		}
	}

receive:
	for {
		if !p.playing() {
			finishInterrupted()
			break
		}
		select {
		case <-ctx.Done():
			// Cancellation ends the session as an interrupt (without the
			// barge-in callback), so State and WasInterrupted stay in step.
			p.mu.Lock()
			p.interrupted = true
			p.mu.Unlock()
			p.finish(StateInterrupted, ctx.Err())
			m.GenerationTime = time.Since(start)
			return m, ctx.Err()

		case chunk, ok := <-chunks:
			if !ok {
				break receive
			}
			m.ChunksReceived++
			if firstAudio.IsZero() {
				firstAudio = time.Now()
				m.TTFA = firstAudio.Sub(start)
			}
			if err := out.Write(chunk); err != nil {
				p.finish(StateFailed, err)
				m.GenerationTime = time.Since(start)
				return m, err
			}
			m.ChunksPlayed++
			m.TotalBytes += int64(len(chunk))

			if !p.playing() {
				finishInterrupted()
				break receive
			}
		}
	}
	m.GenerationTime = time.Since(start)

	// Producer finished (or we broke out); let the queued tail play out
	// unless the session was already terminated.
	if p.playing() {
		p.waitDrain(out)
	}
	return m, p.Err()
}

// Stop closes the stream, drains the queue, and signals completion. It does
// NOT fire the interrupt callback. Idempotent.
func (p *Player) Stop() error {
	return p.finish(StateCompleted, nil)
}

// Interrupt stops playback and fires the session's interrupt callback exactly
// once. Errors from the callback are logged, never propagated; even if
// closing the stream fails the interrupted flag is set. Safe from any
// goroutine.
func (p *Player) Interrupt() {
	p.mu.Lock()
	p.interrupted = true
	cb := p.onInterrupt
	fired := p.cbFired
	p.cbFired = true
	p.mu.Unlock()

	if err := p.finish(StateInterrupted, nil); err != nil {
		slog.Warn("player: closing output on interrupt failed", "error", err)
	}

	if cb != nil && !fired {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("player: interrupt callback panicked", "panic", r)
				}
			}()
			cb()
		}()
	}
}

// Wait blocks until the current session completes or timeout elapses. It
// reports whether completion was observed.
func (p *Player) Wait(timeout time.Duration) bool {
	p.mu.Lock()
	done := p.done
	playing := p.state == StatePlaying
	p.mu.Unlock()
	if !playing || done == nil {
		return true
	}
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// WasInterrupted reports whether [Player.Interrupt] has been called since the
// last Play/PlayStream.
func (p *Player) WasInterrupted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.interrupted
}

// State returns the current session state.
func (p *Player) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Err returns the playback error of the last session, if any.
func (p *Player) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playErr
}
