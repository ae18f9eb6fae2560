package audio

// Conversion helpers for 16-bit little-endian PCM. These are deliberately
// simple linear-interpolation implementations: the only consumers are the
// transcribe pipeline (downsampling capture audio to 16 kHz mono before
// encoding) and the playback path (upmixing decoded mono TTS audio), neither
// of which is quality-critical enough to warrant a polyphase resampler.

// sttSampleRate is the normalised format every STT provider receives.
const sttSampleRate = 16000

// Normalize16kMono converts a buffer of any supported format to 16 kHz mono,
// the canonical STT input format. The input buffer is not modified; if it is
// already 16 kHz mono it is returned unchanged.
func Normalize16kMono(buf *PCMBuffer) *PCMBuffer {
	if buf == nil {
		return nil
	}
	pcm := buf.Data
	channels := buf.Channels
	rate := buf.SampleRate

	if channels == 2 {
		pcm = StereoToMono(pcm)
		channels = 1
	}
	if rate != sttSampleRate && rate > 0 {
		pcm = ResampleMono16(pcm, rate, sttSampleRate)
		rate = sttSampleRate
	}
	if channels == buf.Channels && rate == buf.SampleRate {
		return buf
	}
	return &PCMBuffer{Data: pcm, SampleRate: rate, Channels: channels}
}

// MonoToStereo duplicates each int16 mono sample into a stereo L+R pair.
func MonoToStereo(pcm []byte) []byte {
	out := make([]byte, (len(pcm)/2)*4)
	for i := 0; i+1 < len(pcm); i += 2 {
		lo, hi := pcm[i], pcm[i+1]
		j := i * 2
		out[j] = lo
		out[j+1] = hi
		out[j+2] = lo
		out[j+3] = hi
	}
	return out
}

// StereoToMono averages L+R per stereo frame (4 bytes) to produce mono output.
// Uses int32 arithmetic to prevent overflow and clamps to int16 range.
func StereoToMono(pcm []byte) []byte {
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := 0; i < frames; i++ {
		lSample := int32(int16(pcm[i*4]) | int16(pcm[i*4+1])<<8)
		rSample := int32(int16(pcm[i*4+2]) | int16(pcm[i*4+3])<<8)
		avg := (lSample + rSample) / 2

		if avg > 32767 {
			avg = 32767
		} else if avg < -32768 {
			avg = -32768
		}

		out[i*2] = byte(avg)
		out[i*2+1] = byte(avg >> 8)
	}
	return out
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using linear
// interpolation. The input must be little-endian int16 samples. If srcRate ==
// dstRate, the input is returned unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 {
		return pcm
	}
	if srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)

	for i := 0; i < dstSamples; i++ {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := int16(pcm[srcIdx*2]) | int16(pcm[srcIdx*2+1])<<8
		var s1 int16
		if srcIdx+1 < srcSamples {
			s1 = int16(pcm[(srcIdx+1)*2]) | int16(pcm[(srcIdx+1)*2+1])<<8
		} else {
			s1 = s0
		}

		interpolated := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(interpolated)
		out[i*2+1] = byte(interpolated >> 8)
	}
	return out
}
