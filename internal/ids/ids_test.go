package ids

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeURLStripsTrackingParams(t *testing.T) {
	s := NewService(nil)
	got, err := s.NormalizeURL("https://Example.com/a?utm_source=x&b=1")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/a?b=1", got)
}

func TestNormalizeURLCanonicalForm(t *testing.T) {
	s := NewService(nil)
	cases := map[string]string{
		"HTTPS://EXAMPLE.COM//a//b/":       "https://example.com/a/b",
		"https://example.com":              "https://example.com/",
		"https://example.com/#section":     "https://example.com/",
		"https://example.com/a?z=2&a=1":    "https://example.com/a?a=1&z=2",
		"https://example.com/p%61th":       "https://example.com/path",
		"https://example.com/a/?fbclid=xy": "https://example.com/a",
	}
	for in, want := range cases {
		got, err := s.NormalizeURL(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
}

func TestNormalizeURLRejectsBadInput(t *testing.T) {
	s := NewService(nil)
	for _, in := range []string{"", "notaurl", "ftp://example.com/x", "https://"} {
		_, err := s.NormalizeURL(in)
		assert.Error(t, err, in)
	}
}

func TestDocIDDeterministic(t *testing.T) {
	s := NewService(nil)
	a, err := s.DocID("https://example.com/a?utm_source=x")
	require.NoError(t, err)
	b, err := s.DocID("https://EXAMPLE.com/a")
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.True(t, strings.HasPrefix(a, "urn:tl:doc:"))
	// 128-bit hex payload
	assert.Len(t, a[len("urn:tl:doc:"):], 32)
}

func TestChunkAndMentionIDs(t *testing.T) {
	s := NewService(nil)
	doc, err := s.DocID("https://example.com/a")
	require.NoError(t, err)

	c1 := s.ChunkID(doc, 0, 1000)
	c2 := s.ChunkID(doc, 0, 1000)
	c3 := s.ChunkID(doc, 1000, 2000)
	assert.Equal(t, c1, c2)
	assert.NotEqual(t, c1, c3)

	m1 := s.MentionID(c1, 5, 12, "Acme Co")
	m2 := s.MentionID(c1, 5, 12, "Acme Co")
	m3 := s.MentionID(c1, 5, 12, "acme co")
	assert.Equal(t, m1, m2)
	assert.NotEqual(t, m1, m3)
}

func TestEntityIDStableAcrossSurfaceForms(t *testing.T) {
	s := NewService(nil)
	a := s.EntityID("Acme  Corporation", "ORG")
	b := s.EntityID("acme corporation", "org")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, s.EntityID("acme corporation", "PERSON"))
}

func TestSeparatorEscaping(t *testing.T) {
	// Components containing the separator must not collide with split tuples.
	s := NewService(nil)
	a := s.MentionID("c", 1, 2, "x|y")
	b := s.MentionID("c", 1, 2, `x\|y`)
	assert.NotEqual(t, a, b)
}

func TestContentHash(t *testing.T) {
	assert.Equal(t, ContentHash("abc"), ContentHash("abc"))
	assert.NotEqual(t, ContentHash("abc"), ContentHash("abd"))
	assert.Len(t, ContentHash("abc"), 64)
}
