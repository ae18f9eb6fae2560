package bargein

import (
	"fmt"

	webrtcvad "github.com/maxhawkins/go-webrtcvad"
)

// webrtcVAD adapts the WebRTC voice-activity detector to [Classifier].
// WebRTC VAD accepts 16-bit mono PCM at 8/16/32/48 kHz in 10/20/30 ms frames.
type webrtcVAD struct {
	vad *webrtcvad.VAD
}

func newWebRTCVAD(aggressiveness int) (Classifier, error) {
	if err := ValidateAggressiveness(aggressiveness); err != nil {
		return nil, err
	}
	v, err := webrtcvad.New()
	if err != nil {
		return nil, fmt.Errorf("bargein: create VAD: %w", err)
	}
	if err := v.SetMode(aggressiveness); err != nil {
		return nil, fmt.Errorf("bargein: set VAD mode %d: %w", aggressiveness, err)
	}
	return &webrtcVAD{vad: v}, nil
}

func (w *webrtcVAD) Process(sampleRate int, frame []byte) (bool, error) {
	if !w.vad.ValidRateAndFrameLength(sampleRate, len(frame)/2) {
		return false, fmt.Errorf("bargein: invalid VAD frame: rate=%d samples=%d", sampleRate, len(frame)/2)
	}
	return w.vad.Process(sampleRate, frame)
}
