package tts

import (
	"strings"

	"github.com/voicemode/voicemode/pkg/provider"
)

// openAINativeVoices is the hosted OpenAI voice catalogue.
var openAINativeVoices = map[string]bool{
	"alloy": true, "ash": true, "coral": true, "echo": true, "fable": true,
	"nova": true, "onyx": true, "sage": true, "shimmer": true,
}

// kokoroVoiceRemap maps local kokoro voice names to the closest hosted OpenAI
// voice, used when failover lands on an OpenAI endpoint that would reject the
// local name.
var kokoroVoiceRemap = map[string]string{
	"af_sky":     "nova",
	"af_sarah":   "nova",
	"af_nicole":  "shimmer",
	"am_adam":    "onyx",
	"am_michael": "onyx",
	"bf_emma":    "shimmer",
	"bm_george":  "echo",
	"bm_lewis":   "echo",
}

// openAINativeModels are models the hosted endpoint accepts.
var openAINativeModels = map[string]bool{
	"tts-1": true, "tts-1-hd": true, "gpt-4o-mini-tts": true,
}

// defaultOpenAIVoice and defaultOpenAIModel are used when a local name has no
// mapping at all.
const (
	defaultOpenAIVoice = "alloy"
	defaultOpenAIModel = "tts-1"
)

// IsOpenAIEndpoint reports whether ep is a hosted OpenAI deployment, which
// constrains the voice and model namespace.
func IsOpenAIEndpoint(ep *provider.Endpoint) bool {
	return strings.Contains(ep.URL, "api.openai.com")
}

// MapVoice resolves the (voice, model) pair to send to ep. Local non-OpenAI
// endpoints receive the request values untouched; OpenAI endpoints get
// non-native voice names remapped through the fixed table and a native model.
func MapVoice(ep *provider.Endpoint, voice, model string) (string, string) {
	if !IsOpenAIEndpoint(ep) {
		return voice, model
	}

	if !openAINativeVoices[voice] {
		if mapped, ok := kokoroVoiceRemap[voice]; ok {
			voice = mapped
		} else {
			voice = defaultOpenAIVoice
		}
	}
	if !openAINativeModels[model] {
		model = defaultOpenAIModel
	}
	return voice, model
}
