package chunker

import "unicode"

// Sentence is one segment of a block with its rune offsets into the
// block text, so chunk boundaries can be mapped back to the source.
type Sentence struct {
	Text  string
	Start int // rune offset, inclusive
	End   int // rune offset, exclusive
}

// SplitSentences segments text on sentence terminators (. ! ?) followed by
// whitespace or end of input. The scan is a single deterministic pass; the
// same text always yields the same segments.
func SplitSentences(text string) []Sentence {
	runes := []rune(text)
	var sentences []Sentence
	start := 0

	flush := func(end int) {
		for start < end && unicode.IsSpace(runes[start]) {
			start++
		}
		trimmedEnd := end
		for trimmedEnd > start && unicode.IsSpace(runes[trimmedEnd-1]) {
			trimmedEnd--
		}
		if trimmedEnd > start {
			sentences = append(sentences, Sentence{
				Text:  string(runes[start:trimmedEnd]),
				Start: start,
				End:   trimmedEnd,
			})
		}
		start = end
	}

	for i := 0; i < len(runes); i++ {
		if !isTerminator(runes[i]) {
			continue
		}
		// Consume runs of terminators and closing quotes ("...!?", `."`)
		j := i + 1
		for j < len(runes) && (isTerminator(runes[j]) || runes[j] == '"' || runes[j] == '\'' || runes[j] == ')') {
			j++
		}
		if j < len(runes) && !unicode.IsSpace(runes[j]) {
			// Mid-token punctuation such as "3.14" or "e.g.x"; not a boundary.
			i = j - 1
			continue
		}
		flush(j)
		i = j - 1
	}
	flush(len(runes))

	return sentences
}

func isTerminator(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}
