package conversation

import (
	"encoding/binary"
	"math"

	"github.com/voicemode/voicemode/pkg/audio"
)

// ChimeKind selects one of the generated notification sounds.
type ChimeKind int

const (
	ChimeStart ChimeKind = iota
	ChimeListening
	ChimeFinished
)

const chimeSampleRate = 24000

// chimeSpec is the tone recipe for one chime kind.
type chimeSpec struct {
	freqs []float64
	dur   float64 // seconds
}

// Ascending for start, single mid tone for listening, descending for done.
var chimeSpecs = map[ChimeKind]chimeSpec{
	ChimeStart:     {freqs: []float64{523.25, 659.25}, dur: 0.09},
	ChimeListening: {freqs: []float64{659.25}, dur: 0.12},
	ChimeFinished:  {freqs: []float64{659.25, 523.25}, dur: 0.09},
}

// Chime synthesizes a short sine chime as 16-bit mono PCM at 24 kHz. Tones
// get a linear fade-in/out envelope so the transitions don't click.
func Chime(kind ChimeKind) *audio.PCMBuffer {
	spec, ok := chimeSpecs[kind]
	if !ok {
		spec = chimeSpecs[ChimeListening]
	}

	buf := audio.NewPCMBuffer(chimeSampleRate, 1)
	for _, freq := range spec.freqs {
		n := int(spec.dur * chimeSampleRate)
		fade := n / 8
		pcm := make([]byte, n*2)
		for i := 0; i < n; i++ {
			amp := 0.35
			if i < fade {
				amp *= float64(i) / float64(fade)
			} else if i > n-fade {
				amp *= float64(n-i) / float64(fade)
			}
			sample := int16(amp * math.MaxInt16 * math.Sin(2*math.Pi*freq*float64(i)/chimeSampleRate))
			binary.LittleEndian.PutUint16(pcm[i*2:], uint16(sample))
		}
		buf.AppendBytes(pcm)
	}
	return buf
}
