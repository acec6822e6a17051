package crawler

import (
	"strings"
	"unicode"
)

// splitChunks segments text into overlapping windows of at most size runes.
// Window ends back up to the nearest word boundary so no chunk splits a word,
// and each next window starts overlap runes before the previous end, nudged
// forward to the start of a word. Whitespace-only input yields no chunks.
func splitChunks(text string, size, overlap int) []string {
	if size <= 0 {
		return nil
	}
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= size {
		overlap = size / 2
	}

	runes := []rune(strings.TrimSpace(text))
	if len(runes) == 0 {
		return nil
	}
	if len(runes) <= size {
		return []string{string(runes)}
	}

	var chunks []string
	start := 0
	for start < len(runes) {
		end := start + size
		if end >= len(runes) {
			end = len(runes)
		} else {
			end = wordEnd(runes, start, end)
		}

		chunk := strings.TrimSpace(string(runes[start:end]))
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		if end >= len(runes) {
			break
		}

		next := wordStart(runes, end-overlap)
		if next <= start {
			next = end
		}
		start = next
	}
	return chunks
}

// wordEnd walks end back to the last whitespace in (start, end]. A window
// without any break point stays where it is and splits mid-word rather than
// degenerating to zero length.
func wordEnd(runes []rune, start, end int) int {
	for i := end; i > start+1; i-- {
		if unicode.IsSpace(runes[i-1]) {
			return i
		}
	}
	return end
}

// wordStart advances pos past a partially covered word so the overlap region
// begins cleanly.
func wordStart(runes []rune, pos int) int {
	if pos <= 0 {
		return 0
	}
	for pos < len(runes) && !unicode.IsSpace(runes[pos-1]) {
		pos++
	}
	for pos < len(runes) && unicode.IsSpace(runes[pos]) {
		pos++
	}
	return pos
}
