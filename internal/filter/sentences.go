package filter

import "strings"

// Sentence is a sentence body plus the delimiter run that closed it.
type Sentence struct {
	Body      string
	Delimiter string
}

func (s Sentence) String() string {
	return s.Body + s.Delimiter
}

func isDelimiter(r rune) bool {
	return r == '.' || r == '?' || r == '!'
}

// SplitSentences splits text on '.', '?' and '!'. A run of delimiters stays
// attached to the sentence it closes; trailing text without a delimiter forms
// a final sentence. Delimiter runs with no preceding body are folded into the
// previous sentence.
func SplitSentences(text string) []Sentence {
	var (
		out   []Sentence
		body  strings.Builder
		delim strings.Builder
	)
	flush := func() {
		b := strings.TrimSpace(body.String())
		d := delim.String()
		body.Reset()
		delim.Reset()
		if b == "" {
			if d != "" && len(out) > 0 {
				out[len(out)-1].Delimiter += d
			}
			return
		}
		out = append(out, Sentence{Body: b, Delimiter: d})
	}

	for _, r := range text {
		if isDelimiter(r) {
			delim.WriteRune(r)
			continue
		}
		if delim.Len() > 0 {
			flush()
		}
		body.WriteRune(r)
	}
	flush()
	return out
}

// Join reassembles sentences with single-space separators.
func Join(sentences []Sentence) string {
	parts := make([]string, len(sentences))
	for i, s := range sentences {
		parts[i] = s.String()
	}
	return strings.Join(parts, " ")
}
