package conversation

import (
	"regexp"
	"strings"
)

// Control classifies a transcript as a control phrase rather than content.
type Control int

const (
	ControlNone Control = iota

	// ControlWait pauses the exchange: play a reassurance and re-open the
	// listening window.
	ControlWait

	// ControlRepeat replays the previous TTS utterance.
	ControlRepeat
)

// Control phrase families. A match must be whole-word, case-insensitive, and
// appear at the end of a sentence.
var (
	waitPhrases   = []string{"wait", "hold on", "one moment", "one second", "give me a minute"}
	repeatPhrases = []string{"repeat", "repeat that", "say that again", "say again"}
)

// trailing punctuation stripped before suffix matching.
var sentenceEndRe = regexp.MustCompile(`[\s.!?,;:]+$`)

// DetectControl inspects a transcript for a control phrase.
func DetectControl(text string) Control {
	normalized := strings.ToLower(strings.TrimSpace(text))
	normalized = sentenceEndRe.ReplaceAllString(normalized, "")
	if normalized == "" {
		return ControlNone
	}

	if matchesPhrase(normalized, repeatPhrases) {
		return ControlRepeat
	}
	if matchesPhrase(normalized, waitPhrases) {
		return ControlWait
	}
	return ControlNone
}

// matchesPhrase reports whether text ends with one of the phrases on a word
// boundary.
func matchesPhrase(text string, phrases []string) bool {
	for _, phrase := range phrases {
		if text == phrase {
			return true
		}
		if strings.HasSuffix(text, phrase) {
			boundary := text[len(text)-len(phrase)-1]
			if boundary == ' ' || boundary == ',' || boundary == '.' {
				return true
			}
		}
	}
	return false
}
