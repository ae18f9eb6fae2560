package audio_test

import (
	"bytes"
	"testing"

	"github.com/voicemode/voicemode/pkg/audio"
)

// pcm16 packs int16 samples into little-endian bytes.
func pcm16(samples ...int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

func TestStereoToMono(t *testing.T) {
	t.Parallel()

	t.Run("averages channels", func(t *testing.T) {
		t.Parallel()
		in := pcm16(100, 200, -50, 50)
		got := audio.StereoToMono(in)
		want := pcm16(150, 0)
		if !bytes.Equal(got, want) {
			t.Fatalf("StereoToMono: got %v, want %v", got, want)
		}
	})

	t.Run("full-scale samples do not overflow", func(t *testing.T) {
		t.Parallel()
		in := pcm16(32767, 32767, -32768, -32768)
		got := audio.StereoToMono(in)
		want := pcm16(32767, -32768)
		if !bytes.Equal(got, want) {
			t.Fatalf("StereoToMono: got %v, want %v", got, want)
		}
	})
}

func TestMonoToStereo(t *testing.T) {
	t.Parallel()

	in := pcm16(10, -10)
	got := audio.MonoToStereo(in)
	want := pcm16(10, 10, -10, -10)
	if !bytes.Equal(got, want) {
		t.Fatalf("MonoToStereo: got %v, want %v", got, want)
	}
}

func TestResampleMono16(t *testing.T) {
	t.Parallel()

	t.Run("same rate is a passthrough", func(t *testing.T) {
		t.Parallel()
		in := pcm16(1, 2, 3)
		got := audio.ResampleMono16(in, 16000, 16000)
		if !bytes.Equal(got, in) {
			t.Fatalf("ResampleMono16: expected passthrough, got %v", got)
		}
	})

	t.Run("halves the sample count from 32k to 16k", func(t *testing.T) {
		t.Parallel()
		in := pcm16(0, 100, 200, 300, 400, 500, 600, 700)
		got := audio.ResampleMono16(in, 32000, 16000)
		if len(got) != len(in)/2 {
			t.Fatalf("ResampleMono16: got %d bytes, want %d", len(got), len(in)/2)
		}
	})

	t.Run("doubles the sample count from 8k to 16k", func(t *testing.T) {
		t.Parallel()
		in := pcm16(0, 1000, 2000, 3000)
		got := audio.ResampleMono16(in, 8000, 16000)
		if len(got) != len(in)*2 {
			t.Fatalf("ResampleMono16: got %d bytes, want %d", len(got), len(in)*2)
		}
	})

	t.Run("constant signal stays constant", func(t *testing.T) {
		t.Parallel()
		in := pcm16(500, 500, 500, 500, 500, 500)
		got := audio.ResampleMono16(in, 48000, 16000)
		for i := 0; i+1 < len(got); i += 2 {
			s := int16(got[i]) | int16(got[i+1])<<8
			if s != 500 {
				t.Fatalf("ResampleMono16: sample %d is %d, want 500", i/2, s)
			}
		}
	})

	t.Run("invalid rates return input unchanged", func(t *testing.T) {
		t.Parallel()
		in := pcm16(1, 2)
		if got := audio.ResampleMono16(in, 0, 16000); !bytes.Equal(got, in) {
			t.Fatalf("ResampleMono16 with zero src rate: got %v", got)
		}
	})
}

func TestNormalize16kMono(t *testing.T) {
	t.Parallel()

	t.Run("already 16k mono is returned as-is", func(t *testing.T) {
		t.Parallel()
		buf := &audio.PCMBuffer{Data: pcm16(1, 2, 3), SampleRate: 16000, Channels: 1}
		got := audio.Normalize16kMono(buf)
		if got != buf {
			t.Fatal("Normalize16kMono: expected identical buffer back")
		}
	})

	t.Run("48k stereo becomes 16k mono", func(t *testing.T) {
		t.Parallel()
		samples := make([]int16, 480*2)
		for i := range samples {
			samples[i] = 1000
		}
		buf := &audio.PCMBuffer{Data: pcm16(samples...), SampleRate: 48000, Channels: 2}
		got := audio.Normalize16kMono(buf)
		if got.SampleRate != 16000 || got.Channels != 1 {
			t.Fatalf("Normalize16kMono: got %d Hz %d ch, want 16000 Hz 1 ch", got.SampleRate, got.Channels)
		}
		if got.Samples() != 160 {
			t.Fatalf("Normalize16kMono: got %d samples, want 160", got.Samples())
		}
		if buf.Channels != 2 || buf.SampleRate != 48000 {
			t.Fatal("Normalize16kMono: input buffer was modified")
		}
	})

	t.Run("nil input yields nil", func(t *testing.T) {
		t.Parallel()
		if got := audio.Normalize16kMono(nil); got != nil {
			t.Fatalf("Normalize16kMono(nil): got %v", got)
		}
	})
}
