package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// EncodeWAV wraps raw 16-bit signed little-endian PCM data in a standard
// RIFF/WAV container. The returned byte slice is suitable for direct inclusion
// in a multipart form upload or for saving to disk.
func EncodeWAV(pcm []byte, sampleRate, channels int) []byte {
	bps := bitsPerSample
	byteRate := sampleRate * channels * bps / 8
	blockAlign := channels * bps / 8
	dataSize := len(pcm)

	buf := make([]byte, 44+dataSize)

	// RIFF chunk descriptor
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize)) // file size − 8
	copy(buf[8:12], "WAVE")

	// fmt sub-chunk
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)                 // sub-chunk size (PCM)
	binary.LittleEndian.PutUint16(buf[20:22], 1)                  // audio format: PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))   // num channels
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate)) // sample rate
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))   // byte rate
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign)) // block align
	binary.LittleEndian.PutUint16(buf[34:36], uint16(bps))        // bits per sample

	// data sub-chunk
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	copy(buf[44:], pcm)

	return buf
}

// DecodeWAV extracts raw PCM and its format from a RIFF/WAV container. Only
// 16-bit PCM is supported; IEEE float and compressed sub-formats return an
// error. Chunks other than fmt and data are skipped, so files written by
// tools that insert LIST or INFO chunks still decode.
func DecodeWAV(data []byte) (pcm []byte, sampleRate, channels int, err error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, 0, 0, errors.New("audio: not a RIFF/WAVE file")
	}

	var (
		haveFmt bool
		bps     int
	)
	off := 12
	for off+8 <= len(data) {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		body := off + 8
		if body+size > len(data) {
			size = len(data) - body // tolerate truncated final chunk
		}

		switch id {
		case "fmt ":
			if size < 16 {
				return nil, 0, 0, errors.New("audio: short fmt chunk")
			}
			format := binary.LittleEndian.Uint16(data[body : body+2])
			if format != 1 {
				return nil, 0, 0, fmt.Errorf("audio: unsupported WAV format tag %d", format)
			}
			channels = int(binary.LittleEndian.Uint16(data[body+2 : body+4]))
			sampleRate = int(binary.LittleEndian.Uint32(data[body+4 : body+8]))
			bps = int(binary.LittleEndian.Uint16(data[body+14 : body+16]))
			haveFmt = true

		case "data":
			if !haveFmt {
				return nil, 0, 0, errors.New("audio: data chunk before fmt chunk")
			}
			if bps != bitsPerSample {
				return nil, 0, 0, fmt.Errorf("audio: unsupported bit depth %d", bps)
			}
			pcm = data[body : body+size]
			return pcm, sampleRate, channels, nil
		}

		// Chunks are word-aligned.
		off = body + size
		if size%2 == 1 {
			off++
		}
	}
	return nil, 0, 0, errors.New("audio: no data chunk found")
}
