package dialogue

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	addressPhoneticThreshold = 0.70
	addressFuzzyThreshold    = 0.85
)

// addressed reports whether text names the participant called name. Spoken
// names rarely survive transcription intact ("Marisol" arrives as "mary
// soul"), so the check combines Double Metaphone overlap with Jaro-Winkler
// ranking instead of substring matching.
func addressed(text, name string) bool {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return false
	}
	tokens := strings.Fields(strings.ToLower(text))
	if len(tokens) == 0 {
		return false
	}

	namePrimary, nameSecondary := matchr.DoubleMetaphone(name)

	// Single tokens first, then adjacent bigrams for names split across
	// transcript words.
	for i, tok := range tokens {
		tok = strings.Trim(tok, ".,!?;:'\"")
		if tok == "" {
			continue
		}
		if matchToken(tok, name, namePrimary, nameSecondary) {
			return true
		}
		if i+1 < len(tokens) {
			next := strings.Trim(tokens[i+1], ".,!?;:'\"")
			joined := tok + next
			if joined != "" && matchToken(joined, name, namePrimary, nameSecondary) {
				return true
			}
		}
	}
	return false
}

func matchToken(tok, name, namePrimary, nameSecondary string) bool {
	p, s := matchr.DoubleMetaphone(tok)
	phonetic := (p != "" && (p == namePrimary || p == nameSecondary)) ||
		(s != "" && (s == namePrimary || s == nameSecondary))

	score := matchr.JaroWinkler(tok, name, false)
	if phonetic {
		return score >= addressPhoneticThreshold
	}
	return score >= addressFuzzyThreshold
}
