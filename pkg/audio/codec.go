package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	shine "github.com/braheezy/shine-mp3/pkg/mp3"
	gomp3 "github.com/hajimehoshi/go-mp3"
	"layeh.com/gopus"
)

// Decode converts an [AudioBytes] payload into raw PCM. It is the single
// place in the codebase that dispatches on the format tag. The returned
// buffer's sample rate and channel count reflect what the container declared
// (or, for raw PCM, what the caller tagged).
func Decode(ab AudioBytes) (*PCMBuffer, error) {
	switch ab.Format {
	case FormatPCM:
		return &PCMBuffer{Data: ab.Data, SampleRate: ab.SampleRate, Channels: ab.Channels}, nil

	case FormatWAV:
		pcm, rate, ch, err := DecodeWAV(ab.Data)
		if err != nil {
			return nil, err
		}
		return &PCMBuffer{Data: pcm, SampleRate: rate, Channels: ch}, nil

	case FormatMP3:
		return decodeMP3(ab.Data)

	case FormatOpus:
		return decodeOggOpus(ab.Data)

	default:
		return nil, fmt.Errorf("audio: cannot decode format %q", ab.Format)
	}
}

// decodeMP3 decodes an MP3 stream to PCM. go-mp3 always emits 16-bit stereo
// at the stream's sample rate.
func decodeMP3(data []byte) (*PCMBuffer, error) {
	dec, err := gomp3.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("audio: mp3 decode: %w", err)
	}
	pcm, err := io.ReadAll(dec)
	if err != nil {
		return nil, fmt.Errorf("audio: mp3 read: %w", err)
	}
	return &PCMBuffer{Data: pcm, SampleRate: dec.SampleRate(), Channels: 2}, nil
}

// EncodeMP3 compresses 16-bit PCM into an MP3 stream. Used by the transcribe
// pipeline when shipping audio to remote STT endpoints where bandwidth
// matters more than the (already lossy-tolerant) recognition quality.
func EncodeMP3(pcm []byte, sampleRate, channels int) ([]byte, error) {
	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2]))
	}
	enc := shine.NewEncoder(sampleRate, channels)
	var out bytes.Buffer
	if err := enc.Write(&out, samples); err != nil {
		return nil, fmt.Errorf("audio: mp3 encode: %w", err)
	}
	return out.Bytes(), nil
}

// opusOutputRate is the decode rate for Opus. The codec operates natively at
// 48 kHz; callers resample afterwards if they need something else.
const opusOutputRate = 48000

// maxOpusFrameSamples is 120 ms at 48 kHz, the largest frame Opus allows.
const maxOpusFrameSamples = 5760

// decodeOggOpus demuxes an Ogg stream and decodes the contained Opus packets
// to 48 kHz PCM. The first two packets (OpusHead, OpusTags) are consumed for
// the channel count and otherwise skipped.
func decodeOggOpus(data []byte) (*PCMBuffer, error) {
	packets, channels, err := oggOpusPackets(data)
	if err != nil {
		return nil, err
	}
	if channels <= 0 || channels > 2 {
		return nil, fmt.Errorf("audio: unsupported opus channel count %d", channels)
	}

	dec, err := gopus.NewDecoder(opusOutputRate, channels)
	if err != nil {
		return nil, fmt.Errorf("audio: opus decoder: %w", err)
	}

	buf := NewPCMBuffer(opusOutputRate, channels)
	for _, pkt := range packets {
		samples, err := dec.Decode(pkt, maxOpusFrameSamples, false)
		if err != nil {
			return nil, fmt.Errorf("audio: opus decode: %w", err)
		}
		pcm := make([]byte, len(samples)*2)
		for i, s := range samples {
			binary.LittleEndian.PutUint16(pcm[i*2:i*2+2], uint16(s))
		}
		buf.AppendBytes(pcm)
	}
	return buf, nil
}

// oggOpusPackets walks the Ogg pages of an Opus stream and returns the audio
// packets plus the channel count parsed from the OpusHead packet.
func oggOpusPackets(data []byte) (packets [][]byte, channels int, err error) {
	channels = -1
	var (
		partial  []byte
		pktIndex int
	)
	off := 0
	for off+27 <= len(data) {
		if string(data[off:off+4]) != "OggS" {
			return nil, 0, errors.New("audio: bad ogg page capture pattern")
		}
		segCount := int(data[off+26])
		tableEnd := off + 27 + segCount
		if tableEnd > len(data) {
			return nil, 0, errors.New("audio: truncated ogg segment table")
		}
		body := tableEnd
		for i := 0; i < segCount; i++ {
			segLen := int(data[off+27+i])
			if body+segLen > len(data) {
				return nil, 0, errors.New("audio: truncated ogg page body")
			}
			partial = append(partial, data[body:body+segLen]...)
			body += segLen
			// Lacing values < 255 terminate a packet.
			if segLen < 255 {
				pkt := partial
				partial = nil
				switch {
				case pktIndex == 0:
					// OpusHead: magic(8) version(1) channels(1) ...
					if len(pkt) < 10 || string(pkt[:8]) != "OpusHead" {
						return nil, 0, errors.New("audio: missing OpusHead packet")
					}
					channels = int(pkt[9])
				case pktIndex == 1:
					// OpusTags, skipped.
				default:
					packets = append(packets, pkt)
				}
				pktIndex++
			}
		}
		off = body
	}
	if channels < 0 {
		return nil, 0, errors.New("audio: no opus header found")
	}
	return packets, channels, nil
}
