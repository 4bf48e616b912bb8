package transform

import (
	"regexp"
	"sort"
	"strings"
)

// Entity type labels produced by the annotator.
const (
	TypePerson = "PERSON"
	TypeOrg    = "ORG"
	TypeLoc    = "LOC"
	TypeLaw    = "LAW"
	TypeDate   = "DATE"
)

var (
	honorificRe = regexp.MustCompile(`\b(?:Dr|Mr|Mrs|Ms|Prof|President|Senator|Judge|CEO)\.?\s+((?:[A-Z][a-z]+\s?){1,3})`)
	personRe    = regexp.MustCompile(`\b([A-Z][a-z]+\s[A-Z][a-z]+(?:\s[A-Z][a-z]+)?)\b`)
	orgSuffixRe = regexp.MustCompile(`\b((?:[A-Z][A-Za-z&]+\s)*[A-Z][A-Za-z&]+\s(?:Inc|Corp|Corporation|Ltd|LLC|Co|Company|University|Institute|Foundation|Agency|Laboratories|Labs))\b`)
	acronymRe   = regexp.MustCompile(`\b([A-Z]{2,6})\b`)
	lawRe       = regexp.MustCompile(`\b((?:[A-Z][a-z]+\s){1,4}Act(?:\sof\s\d{4})?|Article\s\d+|Section\s\d+(?:\([a-z]\))?)`)
	dateRe      = regexp.MustCompile(`\b((?:January|February|March|April|May|June|July|August|September|October|November|December)\s\d{1,2},\s\d{4}|\d{4}-\d{2}-\d{2}|\b(?:19|20)\d{2}\b)`)
	locPrepRe   = regexp.MustCompile(`\b(?:in|at|near|from)\s([A-Z][a-z]+(?:\s[A-Z][a-z]+)?)\b`)
)

// knownLocations is a small gazetteer that promotes matches to LOC with
// high confidence and rescues ones the preposition pattern misses.
var knownLocations = map[string]struct{}{
	"london": {}, "paris": {}, "berlin": {}, "tokyo": {}, "beijing": {},
	"new york": {}, "san francisco": {}, "washington": {}, "brussels": {},
	"california": {}, "texas": {}, "germany": {}, "france": {}, "japan": {},
	"china": {}, "united states": {}, "united kingdom": {}, "canada": {},
	"australia": {}, "india": {}, "brazil": {}, "moscow": {}, "geneva": {},
}

// commonWords suppresses false-positive capitalized matches at sentence
// starts.
var commonWords = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "this": {}, "that": {}, "these": {},
	"it": {}, "he": {}, "she": {}, "they": {}, "we": {}, "i": {}, "its": {},
	"however": {}, "meanwhile": {}, "according": {}, "after": {}, "before": {},
	"later": {}, "then": {}, "also": {}, "still": {}, "when": {}, "where": {},
	"who": {}, "while": {}, "since": {},
}

// annotate runs the pattern passes and resolves overlaps by confidence, then
// span length (see resolveOverlaps).
func annotate(text string) []Span {
	var spans []Span

	add := func(idx [][]int, typ string, conf float64, group int) {
		for _, m := range idx {
			s, e := m[2*group], m[2*group+1]
			if s < 0 || e <= s {
				continue
			}
			surface := strings.TrimSpace(text[s:e])
			if surface == "" {
				continue
			}
			if _, common := commonWords[strings.ToLower(surface)]; common {
				continue
			}
			spans = append(spans, Span{Start: s, End: s + len(surface), Type: typ, Surface: surface, Canonical: surface, Confidence: conf})
		}
	}

	add(lawRe.FindAllStringSubmatchIndex(text, -1), TypeLaw, 0.85, 1)
	add(orgSuffixRe.FindAllStringSubmatchIndex(text, -1), TypeOrg, 0.85, 1)
	add(dateRe.FindAllStringSubmatchIndex(text, -1), TypeDate, 0.9, 1)
	add(honorificRe.FindAllStringSubmatchIndex(text, -1), TypePerson, 0.9, 1)

	for _, m := range locPrepRe.FindAllStringSubmatchIndex(text, -1) {
		s, e := m[2], m[3]
		surface := text[s:e]
		conf := 0.6
		if _, known := knownLocations[strings.ToLower(surface)]; known {
			conf = 0.9
		}
		spans = append(spans, Span{Start: s, End: e, Type: TypeLoc, Surface: surface, Canonical: surface, Confidence: conf})
	}

	// generic capitalized multi-word names: PERSON unless already covered
	for _, m := range personRe.FindAllStringSubmatchIndex(text, -1) {
		s, e := m[2], m[3]
		surface := text[s:e]
		first := strings.ToLower(strings.Fields(surface)[0])
		if _, common := commonWords[first]; common {
			continue
		}
		if _, known := knownLocations[strings.ToLower(surface)]; known {
			spans = append(spans, Span{Start: s, End: e, Type: TypeLoc, Surface: surface, Canonical: surface, Confidence: 0.9})
			continue
		}
		spans = append(spans, Span{Start: s, End: e, Type: TypePerson, Surface: surface, Canonical: surface, Confidence: 0.55})
	}

	// bare acronyms as ORG, low confidence
	for _, m := range acronymRe.FindAllStringSubmatchIndex(text, -1) {
		s, e := m[2], m[3]
		spans = append(spans, Span{Start: s, End: e, Type: TypeOrg, Surface: text[s:e], Canonical: text[s:e], Confidence: 0.5})
	}

	return resolveOverlaps(spans)
}

// resolveOverlaps keeps at most one span per overlapping region, preferring
// higher confidence then longer spans; output is sorted by start offset.
func resolveOverlaps(spans []Span) []Span {
	sort.SliceStable(spans, func(i, j int) bool {
		if spans[i].Confidence != spans[j].Confidence {
			return spans[i].Confidence > spans[j].Confidence
		}
		return (spans[i].End - spans[i].Start) > (spans[j].End - spans[j].Start)
	})
	var kept []Span
	for _, s := range spans {
		overlaps := false
		for _, k := range kept {
			if s.Start < k.End && k.Start < s.End {
				overlaps = true
				break
			}
		}
		if !overlaps {
			kept = append(kept, s)
		}
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].Start < kept[j].Start })
	return kept
}

var pronouns = map[string]string{
	"he": TypePerson, "she": TypePerson, "him": TypePerson, "her": TypePerson,
	"they": "", "them": "", "it": TypeOrg, "its": TypeOrg,
}

var pronounRe = regexp.MustCompile(`(?i)\b(he|she|him|her|they|them|it|its)\b`)

var capWordRe = regexp.MustCompile(`\b([A-Z][a-z]+)\b`)

// linkCoreferences resolves two kinds of anaphora within the document:
// short forms (a standalone capitalized word that appears inside an
// earlier multi-word name) adopt that name as canonical, and pronouns link
// to the nearest preceding compatible mention.
func linkCoreferences(text string, mentions []Span) []Span {
	out := make([]Span, len(mentions))
	copy(out, mentions)

	// short-form linking for single-word mentions the base passes produced
	for i, m := range out {
		if strings.Contains(m.Surface, " ") {
			continue
		}
		for j := i - 1; j >= 0; j-- {
			prev := out[j]
			if prev.Type != m.Type || !strings.Contains(prev.Canonical, " ") {
				continue
			}
			if containsWord(prev.Canonical, m.Surface) {
				out[i].Canonical = prev.Canonical
				if out[i].Confidence < prev.Confidence {
					out[i].Confidence = prev.Confidence
				}
				break
			}
		}
	}

	// scan pass: standalone capitalized words the base patterns missed but
	// that repeat a token of an earlier multi-word name ("Smith" after
	// "Jane Smith") become mentions of that entity
	for _, wm := range capWordRe.FindAllStringIndex(text, -1) {
		s, e := wm[0], wm[1]
		word := text[s:e]
		if _, common := commonWords[strings.ToLower(word)]; common {
			continue
		}
		if overlapsAny(out, s, e) {
			continue
		}
		for j := len(out) - 1; j >= 0; j-- {
			prev := out[j]
			if prev.End > s || !strings.Contains(prev.Canonical, " ") || prev.Type == TypeDate {
				continue
			}
			if containsWord(prev.Canonical, word) {
				out = append(out, Span{
					Start:      s,
					End:        e,
					Type:       prev.Type,
					Surface:    word,
					Canonical:  prev.Canonical,
					Confidence: prev.Confidence * 0.9,
				})
				break
			}
		}
	}

	// pronoun linking: emit extra mentions pointing at the antecedent
	for _, pm := range pronounRe.FindAllStringIndex(text, -1) {
		s, e := pm[0], pm[1]
		word := strings.ToLower(text[s:e])
		wantType := pronouns[word]
		var ante *Span
		for j := len(out) - 1; j >= 0; j-- {
			if out[j].End > s {
				continue
			}
			if wantType != "" && out[j].Type != wantType {
				continue
			}
			if out[j].Type == TypeDate {
				continue
			}
			ante = &out[j]
			break
		}
		if ante == nil {
			continue
		}
		out = append(out, Span{
			Start:      s,
			End:        e,
			Type:       ante.Type,
			Surface:    text[s:e],
			Canonical:  ante.Canonical,
			Confidence: ante.Confidence * 0.7,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}

func overlapsAny(spans []Span, start, end int) bool {
	for _, sp := range spans {
		if start < sp.End && sp.Start < end {
			return true
		}
	}
	return false
}

func containsWord(name, word string) bool {
	for _, f := range strings.Fields(name) {
		if strings.EqualFold(strings.Trim(f, ".,"), word) {
			return true
		}
	}
	return false
}
