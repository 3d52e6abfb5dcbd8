package knowledge

import (
	"strings"
	"unicode"
)

// Span is a window of a document's text, in rune offsets.
type Span struct {
	Start int
	End   int
	Text  string
}

// Chunk splits text into ordered windows of at most size runes, each
// starting overlap runes before the previous one ended. Window ends are
// pulled back to the last whitespace in the second half of the window so
// words are not cut; a window with no such whitespace is cut hard.
// Blank windows are dropped.
func Chunk(text string, size, overlap int) []Span {
	if size <= 0 {
		size = 4000
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}

	runes := []rune(text)
	var spans []Span
	start := 0
	for start < len(runes) {
		end := start + size
		if end >= len(runes) {
			end = len(runes)
		} else {
			for i := end; i > start+size/2; i-- {
				if unicode.IsSpace(runes[i-1]) {
					end = i
					break
				}
			}
		}

		if chunk := strings.TrimSpace(string(runes[start:end])); chunk != "" {
			spans = append(spans, Span{Start: start, End: end, Text: chunk})
		}
		if end == len(runes) {
			break
		}

		next := end - overlap
		if next <= start {
			next = end
		}
		start = next
	}
	return spans
}
