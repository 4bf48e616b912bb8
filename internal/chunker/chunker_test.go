package chunker

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tracelight/internal/extract"
)

func TestSplitShortTextSingleChunk(t *testing.T) {
	pieces := Split("short text", Options{TargetChars: 1000, OverlapChars: 200})
	require.Len(t, pieces, 1)
	assert.Equal(t, 0, pieces[0].ByteStart)
	assert.Equal(t, len("short text"), pieces[0].ByteEnd)
	assert.Equal(t, 0, pieces[0].Ordinal)
}

func TestSplitEmptyText(t *testing.T) {
	assert.Empty(t, Split("", Options{TargetChars: 1000, OverlapChars: 200}))
}

func TestSplitCoversTextWithOverlap(t *testing.T) {
	text := strings.Repeat("The quick brown fox jumps over the lazy dog. ", 200)
	opt := Options{TargetChars: 1000, OverlapChars: 200}
	pieces := Split(text, opt)
	require.Greater(t, len(pieces), 1)

	for i, p := range pieces {
		assert.Equal(t, i, p.Ordinal)
		assert.Greater(t, p.ByteEnd, p.ByteStart)
		assert.Equal(t, text[p.ByteStart:p.ByteEnd], p.Text)
	}
	assert.Equal(t, 0, pieces[0].ByteStart)
	assert.Equal(t, len(text), pieces[len(pieces)-1].ByteEnd)

	// consecutive windows overlap by at most the configured amount, no gaps
	for i := 1; i < len(pieces); i++ {
		prev, cur := pieces[i-1], pieces[i]
		assert.LessOrEqual(t, cur.ByteStart, prev.ByteEnd, "gap between %d and %d", i-1, i)
		assert.LessOrEqual(t, prev.ByteEnd-cur.ByteStart, opt.OverlapChars)
	}
}

func TestSplitBiasesToSentenceEnd(t *testing.T) {
	text := strings.Repeat("Sentence one is here. ", 100)
	pieces := Split(text, Options{TargetChars: 300, OverlapChars: 50})
	require.Greater(t, len(pieces), 1)
	// every non-final chunk should end right after a sentence terminator
	for _, p := range pieces[:len(pieces)-1] {
		assert.True(t, strings.HasSuffix(p.Text, ". "), "chunk %d ends %q", p.Ordinal, p.Text[len(p.Text)-4:])
	}
}

func TestSplitDeterministic(t *testing.T) {
	text := strings.Repeat("Words words words words. ", 120)
	opt := Options{TargetChars: 400, OverlapChars: 80}
	a := Split(text, opt)
	b := Split(text, opt)
	assert.Equal(t, a, b)
}

func TestSplitNeverCutsMidRune(t *testing.T) {
	text := strings.Repeat("héllo wörld, ünïcode — текст. ", 80)
	pieces := Split(text, Options{TargetChars: 257, OverlapChars: 31})
	for _, p := range pieces {
		assert.True(t, utf8Valid(p.Text), "chunk %d invalid utf8", p.Ordinal)
	}
}

func utf8Valid(s string) bool {
	return strings.ToValidUTF8(s, "�") == s
}

func TestTimestampRange(t *testing.T) {
	lines := []extract.TranscriptLine{
		{ByteStart: 0, ByteEnd: 10, Start: "00:00:00", End: "00:00:05"},
		{ByteStart: 11, ByteEnd: 24, Start: "00:00:05", End: "00:00:11"},
		{ByteStart: 25, ByteEnd: 40, Start: "00:00:11", End: "00:00:18"},
	}
	start, end := TimestampRange(lines, 5, 30)
	assert.Equal(t, "00:00:00", start)
	assert.Equal(t, "00:00:18", end)

	start, end = TimestampRange(lines, 12, 20)
	assert.Equal(t, "00:00:05", start)
	assert.Equal(t, "00:00:11", end)
}

func TestPageFor(t *testing.T) {
	offsets := []int{0, 100, 250}
	assert.Equal(t, 1, PageFor(offsets, 0))
	assert.Equal(t, 1, PageFor(offsets, 99))
	assert.Equal(t, 2, PageFor(offsets, 100))
	assert.Equal(t, 3, PageFor(offsets, 500))
	assert.Equal(t, 0, PageFor(nil, 5))
}

func TestFormatTimestampHMS(t *testing.T) {
	assert.Equal(t, "00:01:30", extract.FormatTimestamp(90*time.Second))
}
