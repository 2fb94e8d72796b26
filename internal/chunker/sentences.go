package chunker

import (
	"math"
	"strings"
	"unicode"
)

// abbreviations that end with a period but do not terminate a sentence.
// Compared lowercase against the token preceding a candidate terminator.
var abbreviations = map[string]struct{}{
	"et al.":  {},
	"e.g.":    {},
	"i.e.":    {},
	"vs.":     {},
	"cf.":     {},
	"fig.":    {},
	"figs.":   {},
	"dr.":     {},
	"prof.":   {},
	"no.":     {},
	"approx.": {},
	"resp.":   {},
	"ca.":     {},
	"etc.":    {},
	"p.":      {},
	"pp.":     {},
	"vol.":    {},
	"spp.":    {},
	"st.":     {},
}

// EstimateTokens approximates the token count of text as
// ceil(words / 0.75). The same estimate is used for packing decisions
// and for the tokens field stored on chunks.
func EstimateTokens(text string) int {
	words := len(strings.Fields(text))
	if words == 0 {
		return 0
	}
	return int(math.Ceil(float64(words) / 0.75))
}

// splitSentences splits text into sentences on terminator runs ('.',
// '!', '?') followed by whitespace and an uppercase letter, digit, or
// opening bracket, skipping terminators that belong to a known
// abbreviation. Whitespace inside each sentence is collapsed.
func splitSentences(text string) []string {
	text = strings.Join(strings.Fields(text), " ")
	if text == "" {
		return nil
	}

	var sentences []string
	start := 0
	runes := []rune(text)

	for i := 0; i < len(runes); i++ {
		if !isTerminator(runes[i]) {
			continue
		}
		// Consume the full terminator run.
		end := i
		for end+1 < len(runes) && isTerminator(runes[end+1]) {
			end++
		}
		// Must be followed by a space and a sentence-opening rune.
		if end+2 >= len(runes) || runes[end+1] != ' ' || !opensSentence(runes[end+2]) {
			i = end
			continue
		}
		if runes[i] == '.' && endsWithAbbreviation(string(runes[start:end+1])) {
			i = end
			continue
		}
		s := strings.TrimSpace(string(runes[start : end+1]))
		if s != "" {
			sentences = append(sentences, s)
		}
		start = end + 2
		i = end + 1
	}

	if tail := strings.TrimSpace(string(runes[start:])); tail != "" {
		sentences = append(sentences, tail)
	}
	return sentences
}

func isTerminator(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}

func opensSentence(r rune) bool {
	return unicode.IsUpper(r) || unicode.IsDigit(r) || r == '(' || r == '[' || r == '"'
}

// endsWithAbbreviation reports whether the fragment's trailing token is
// a known non-terminating abbreviation.
func endsWithAbbreviation(fragment string) bool {
	fragment = strings.ToLower(fragment)
	for abbr := range abbreviations {
		if strings.HasSuffix(fragment, abbr) {
			// "et al." needs the two-word form; single-word entries
			// must start at a word boundary.
			idx := len(fragment) - len(abbr)
			if idx == 0 || fragment[idx-1] == ' ' || fragment[idx-1] == '(' {
				return true
			}
		}
	}
	return false
}
