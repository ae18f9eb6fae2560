package conversation_test

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/voicemode/voicemode/internal/conch"
	"github.com/voicemode/voicemode/internal/conversation"
	"github.com/voicemode/voicemode/internal/eventlog"
	"github.com/voicemode/voicemode/pkg/audio"
	"github.com/voicemode/voicemode/pkg/audio/bargein"
	"github.com/voicemode/voicemode/pkg/audio/player"
	"github.com/voicemode/voicemode/pkg/provider"
	"github.com/voicemode/voicemode/pkg/provider/stt"
	"github.com/voicemode/voicemode/pkg/provider/tts"
)

// silentOutput swallows playback instantly.
type silentOutput struct{}

func (silentOutput) Write([]byte) error { return nil }
func (silentOutput) Pending() int       { return 0 }
func (silentOutput) Drop()              {}
func (silentOutput) Close() error       { return nil }

func newTestPlayer() *player.Player {
	return player.New(func(int, int) (player.Output, error) {
		return silentOutput{}, nil
	})
}

// fakeSynth records every utterance and optionally fails or returns scripted
// playback metrics.
type fakeSynth struct {
	mu      sync.Mutex
	spoken  []string
	err     error
	metrics *player.StreamMetrics
}

func (f *fakeSynth) Speak(_ context.Context, req tts.Request, _ tts.PlaybackMode, _ *player.Player, _ *bargein.Monitor, _ string) (*player.StreamMetrics, *tts.Result, error) {
	f.mu.Lock()
	f.spoken = append(f.spoken, req.Text)
	f.mu.Unlock()
	if f.err != nil {
		return nil, nil, f.err
	}
	if f.metrics != nil {
		return f.metrics, &tts.Result{Provider: "127.0.0.1:8880"}, nil
	}
	return &player.StreamMetrics{TotalBytes: int64(len(req.Text))}, &tts.Result{Provider: "127.0.0.1:8880"}, nil
}

func (f *fakeSynth) utterances() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.spoken...)
}

// fakeTrans returns scripted transcripts in order.
type fakeTrans struct {
	mu      sync.Mutex
	replies []string
	err     error
}

func (f *fakeTrans) Transcribe(context.Context, *audio.PCMBuffer, string) (*stt.Result, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	text := ""
	if len(f.replies) > 0 {
		text, f.replies = f.replies[0], f.replies[1:]
	}
	return &stt.Result{Text: text, Provider: "127.0.0.1:2022", Elapsed: 50 * time.Millisecond}, nil
}

// fakeCapture hands out pre-closed streams holding a short burst of speech.
type fakeCapture struct{}

func (fakeCapture) open(sampleRate, channels, frameMs int) (conversation.CaptureStream, error) {
	samples := sampleRate * frameMs / 1000
	data := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		v := int16(2000)
		if i%2 == 1 {
			v = -2000
		}
		binary.LittleEndian.PutUint16(data[i*2:], uint16(v))
	}
	ch := make(chan audio.AudioFrame, 8)
	for i := 0; i < 8; i++ {
		ch <- audio.AudioFrame{Data: data, SampleRate: sampleRate, Channels: channels}
	}
	close(ch)
	return closedStream{ch}, nil
}

type closedStream struct{ ch chan audio.AudioFrame }

func (s closedStream) Frames() <-chan audio.AudioFrame { return s.ch }
func (s closedStream) Close() error                    { return nil }

func newConversation(synth conversation.Synthesizer, trans conversation.Transcriber, lock *conch.Lock) *conversation.Conversation {
	return conversation.New(synth, trans, newTestPlayer(), fakeCapture{}.open, nil, nil, lock, conversation.Config{
		MinListen: 20 * time.Millisecond,
		MaxListen: time.Second,
		Voice:     "af_sky",
	})
}

func TestConverseSpeakOnly(t *testing.T) {
	t.Parallel()

	synth := &fakeSynth{}
	c := newConversation(synth, &fakeTrans{}, nil)

	reply := c.Converse(context.Background(), "deploy finished", conversation.Options{})
	if reply != "Message spoken." {
		t.Fatalf("Converse: got %q", reply)
	}
	if got := synth.utterances(); len(got) != 1 || got[0] != "deploy finished" {
		t.Fatalf("utterances: got %v", got)
	}
}

func TestConverseWithResponse(t *testing.T) {
	t.Parallel()

	synth := &fakeSynth{}
	trans := &fakeTrans{replies: []string{"yes, ship it"}}
	c := newConversation(synth, trans, nil)

	reply := c.Converse(context.Background(), "ready to deploy?", conversation.Options{WaitForResponse: true})
	if reply != "yes, ship it" {
		t.Fatalf("Converse: got %q", reply)
	}
}

func TestConverseAppliesRules(t *testing.T) {
	t.Parallel()

	rules, err := conversation.NewRuleSet([]conversation.Rule{
		{Direction: conversation.DirectionTTS, Pattern: "kubectl", Replacement: "kube control"},
		{Direction: conversation.DirectionSTT, Pattern: "cube control", Replacement: "kubectl"},
	})
	if err != nil {
		t.Fatalf("NewRuleSet: %v", err)
	}

	synth := &fakeSynth{}
	trans := &fakeTrans{replies: []string{"run cube control apply"}}
	c := conversation.New(synth, trans, newTestPlayer(), fakeCapture{}.open, rules, nil, nil, conversation.Config{
		MinListen: 20 * time.Millisecond,
		MaxListen: time.Second,
	})

	reply := c.Converse(context.Background(), "try kubectl get pods", conversation.Options{WaitForResponse: true})
	if reply != "run kubectl apply" {
		t.Fatalf("reply after rules: got %q", reply)
	}
	if got := synth.utterances(); len(got) != 1 || got[0] != "try kube control get pods" {
		t.Fatalf("spoken after rules: got %v", got)
	}
}

func TestConverseWaitControlReopensWindow(t *testing.T) {
	t.Parallel()

	synth := &fakeSynth{}
	trans := &fakeTrans{replies: []string{"hold on", "okay done"}}
	c := newConversation(synth, trans, nil)

	reply := c.Converse(context.Background(), "any questions?", conversation.Options{WaitForResponse: true})
	if reply != "okay done" {
		t.Fatalf("Converse: got %q", reply)
	}
	// The reassurance was spoken between the two listening rounds.
	got := synth.utterances()
	if len(got) != 2 {
		t.Fatalf("utterances: got %v, want question + reassurance", got)
	}
	if got[1] == got[0] {
		t.Fatalf("second utterance should be the reassurance, got %q", got[1])
	}
}

func TestConverseRepeatControlReplays(t *testing.T) {
	t.Parallel()

	synth := &fakeSynth{}
	trans := &fakeTrans{replies: []string{"say that again", "got it"}}
	c := newConversation(synth, trans, nil)

	reply := c.Converse(context.Background(), "the port is 8880", conversation.Options{WaitForResponse: true})
	if reply != "got it" {
		t.Fatalf("Converse: got %q", reply)
	}
	got := synth.utterances()
	if len(got) != 2 || got[0] != got[1] {
		t.Fatalf("utterances: got %v, want the message spoken twice", got)
	}
}

func TestConverseControlRoundsBounded(t *testing.T) {
	t.Parallel()

	// Nothing but "wait" forever: the loop must terminate.
	synth := &fakeSynth{}
	trans := &fakeTrans{replies: []string{"wait", "wait", "wait", "wait", "wait"}}
	c := newConversation(synth, trans, nil)

	done := make(chan string, 1)
	go func() {
		done <- c.Converse(context.Background(), "hello", conversation.Options{WaitForResponse: true})
	}()
	select {
	case reply := <-done:
		if reply != "wait" {
			t.Fatalf("Converse: got %q, want the last control transcript", reply)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Converse never returned under repeated control phrases")
	}
}

func TestConverseSpeakFailure(t *testing.T) {
	t.Parallel()

	synth := &fakeSynth{err: &provider.AllFailedError{
		Role: provider.RoleTTS,
		Attempts: []provider.Failure{
			{Endpoint: "127.0.0.1:8880", Kind: provider.KindConnect, Message: "connection refused"},
		},
	}}
	c := newConversation(synth, &fakeTrans{}, nil)

	reply := c.Converse(context.Background(), "hello", conversation.Options{})
	if want := "All TTS providers failed: 127.0.0.1:8880 (connect: connection refused)"; reply != want {
		t.Fatalf("Converse: got %q, want %q", reply, want)
	}
}

func TestConverseNoSpeech(t *testing.T) {
	t.Parallel()

	trans := &fakeTrans{err: &provider.Error{Kind: provider.KindNoSpeech, Message: "below minimum samples"}}
	c := newConversation(&fakeSynth{}, trans, nil)

	reply := c.Converse(context.Background(), "hello", conversation.Options{WaitForResponse: true})
	if reply != "No speech detected." {
		t.Fatalf("Converse: got %q", reply)
	}
}

func TestConverseBargeInTranscribeFailureLogged(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	events, err := eventlog.New(dir)
	if err != nil {
		t.Fatalf("eventlog.New: %v", err)
	}

	// The interrupt carried usable captured audio, but STT then failed on it.
	captured := audio.NewPCMBuffer(16000, 1)
	captured.AppendBytes(make([]byte, 6400))
	synth := &fakeSynth{metrics: &player.StreamMetrics{
		Interrupted:     true,
		Captured:        captured,
		CapturedSamples: captured.Samples(),
	}}
	trans := &fakeTrans{err: &provider.Error{Kind: provider.KindConnect, Message: "connection refused"}}
	c := conversation.New(synth, trans, newTestPlayer(), fakeCapture{}.open, nil, events, nil, conversation.Config{
		MinListen: 20 * time.Millisecond,
		MaxListen: time.Second,
	})

	reply := c.Converse(context.Background(), "hello", conversation.Options{WaitForResponse: true})
	if !strings.HasPrefix(reply, "Error transcribing response:") {
		t.Fatalf("Converse: got %q", reply)
	}

	if err := events.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "events_"+time.Now().UTC().Format("2006-01-02")+".jsonl"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.Contains(string(data), eventlog.BargeInSTTError) {
		t.Fatalf("event log missing %s:\n%s", eventlog.BargeInSTTError, data)
	}
}

func TestConverseConchBusy(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "conch.lock")
	holder := conch.New(path, "other", time.Minute)
	if ok, err := holder.TryAcquire(); err != nil || !ok {
		t.Fatalf("holder TryAcquire: got (%v, %v)", ok, err)
	}
	defer holder.Release()

	c := newConversation(&fakeSynth{}, &fakeTrans{}, conch.New(path, "mine", time.Minute))
	reply := c.Converse(context.Background(), "hello", conversation.Options{})
	if reply != "Another conversation currently holds the voice output; try again shortly." {
		t.Fatalf("Converse: got %q", reply)
	}
}

func TestConverseCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// A cancelled context surfaces during the listening phase.
	c := conversation.New(&fakeSynth{}, &fakeTrans{}, newTestPlayer(), func(sampleRate, channels, frameMs int) (conversation.CaptureStream, error) {
		// Never-closing stream: only ctx can end the recording.
		return pendingStream{make(chan audio.AudioFrame)}, nil
	}, nil, nil, nil, conversation.Config{MinListen: time.Millisecond, MaxListen: time.Second})

	reply := c.Converse(ctx, "hello", conversation.Options{WaitForResponse: true})
	if reply != "Conversation cancelled." {
		t.Fatalf("Converse: got %q", reply)
	}
}

type pendingStream struct{ ch chan audio.AudioFrame }

func (s pendingStream) Frames() <-chan audio.AudioFrame { return s.ch }
func (s pendingStream) Close() error                    { return nil }
