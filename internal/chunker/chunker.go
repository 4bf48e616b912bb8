// Package chunker slices normalized text into byte-addressed retrieval
// units. Windows are biased toward sentence ends and overlap by a configured
// number of characters so context survives the cut.
package chunker

import (
	"strings"
	"unicode/utf8"

	"tracelight/internal/extract"
)

// Options controls the sliding window.
type Options struct {
	TargetChars  int
	OverlapChars int
}

// Piece is one produced chunk with its byte range in the source text.
type Piece struct {
	Ordinal   int
	ByteStart int
	ByteEnd   int
	Text      string
}

var sentenceEnders = []string{". ", ".\n", "! ", "!\n", "? ", "?\n", "\n\n"}

// Split partitions text into overlapping windows. Ordinals are dense from 0,
// byte ranges cover the whole text with no gaps, and a text shorter than the
// target yields exactly one piece.
func Split(text string, opt Options) []Piece {
	if opt.TargetChars <= 0 {
		opt.TargetChars = 1000
	}
	if opt.OverlapChars < 0 || opt.OverlapChars >= opt.TargetChars {
		opt.OverlapChars = opt.TargetChars / 5
	}
	n := len(text)
	if n == 0 {
		return nil
	}
	if n <= opt.TargetChars {
		return []Piece{{Ordinal: 0, ByteStart: 0, ByteEnd: n, Text: text}}
	}

	var out []Piece
	start := 0
	ordinal := 0
	for start < n {
		end := start + opt.TargetChars
		if end >= n {
			end = n
		} else {
			end = biasToBoundary(text, start, end)
		}
		out = append(out, Piece{
			Ordinal:   ordinal,
			ByteStart: start,
			ByteEnd:   end,
			Text:      text[start:end],
		})
		ordinal++
		if end == n {
			break
		}
		next := end - opt.OverlapChars
		if next <= start {
			next = end
		}
		// never start mid-rune
		for next > 0 && next < n && !utf8.RuneStart(text[next]) {
			next--
		}
		start = next
	}
	return out
}

// biasToBoundary pulls the cut back to the nearest sentence end in the
// second half of the window, falling back to whitespace, then to a rune
// boundary.
func biasToBoundary(text string, start, end int) int {
	window := text[start:end]
	half := len(window) / 2

	best := -1
	for _, sep := range sentenceEnders {
		if i := strings.LastIndex(window, sep); i > half {
			cut := i + len(sep)
			if cut > best {
				best = cut
			}
		}
	}
	if best > 0 {
		return start + best
	}
	if i := strings.LastIndexByte(window, ' '); i > half {
		return start + i + 1
	}
	for end > start+1 && !utf8.RuneStart(text[end]) {
		end--
	}
	return end
}

// TimestampRange maps a chunk's byte range onto transcript timestamps: the
// start of the line containing byteStart through the end of the line
// containing the last byte.
func TimestampRange(lines []extract.TranscriptLine, byteStart, byteEnd int) (string, string) {
	if len(lines) == 0 {
		return "", ""
	}
	start, end := lines[0], lines[len(lines)-1]
	for _, ln := range lines {
		if ln.ByteEnd > byteStart {
			start = ln
			break
		}
	}
	for i := len(lines) - 1; i >= 0; i-- {
		if lines[i].ByteStart < byteEnd {
			end = lines[i]
			break
		}
	}
	return start.Start, end.End
}

// PageFor returns the 1-based page containing byteStart given ascending
// page start offsets, or 0 when unknown.
func PageFor(pageOffsets []int, byteStart int) int {
	if len(pageOffsets) == 0 {
		return 0
	}
	page := 1
	for i, off := range pageOffsets {
		if byteStart >= off {
			page = i + 1
		}
	}
	return page
}
