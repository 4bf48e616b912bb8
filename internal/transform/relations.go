package transform

import (
	"regexp"
	"strings"

	"tracelight/internal/model"
)

type sentence struct {
	start int
	end   int
	text  string
}

var sentenceSplitRe = regexp.MustCompile(`[.!?](?:\s+|$)`)

// splitSentences returns sentences with their byte spans in the full text.
func splitSentences(text string) []sentence {
	var out []sentence
	start := 0
	for _, loc := range sentenceSplitRe.FindAllStringIndex(text, -1) {
		end := loc[1]
		if s := strings.TrimSpace(text[start:end]); s != "" {
			out = append(out, sentence{start: start, end: end, text: text[start:end]})
		}
		start = end
	}
	if start < len(text) {
		if s := strings.TrimSpace(text[start:]); s != "" {
			out = append(out, sentence{start: start, end: len(text), text: text[start:]})
		}
	}
	return out
}

// relation cue patterns, applied per sentence between mention pairs.
type relationCue struct {
	re        *regexp.Regexp
	predicate string
	// swap inverts subject/object when the cue names them object-first.
	swap bool
	conf float64
}

var relationCues = []relationCue{
	{re: regexp.MustCompile(`(?i)\b(?:works at|works for|employed (?:at|by)|joined|is (?:the\s)?(?:ceo|cto|cfo|chair|director|president|head) (?:of|at)|, (?:ceo|cto|cfo|chair|director|president) of)\b`), predicate: model.PredEmployedBy, conf: 0.8},
	{re: regexp.MustCompile(`(?i)\b(?:founded|co-founded|established|launched)\b`), predicate: model.PredFounded, conf: 0.8},
	{re: regexp.MustCompile(`(?i)\b(?:cites|citing|according to|as reported by|referenced)\b`), predicate: model.PredCites, conf: 0.6},
	{re: regexp.MustCompile(`(?i)\b(?:located in|based in|headquartered in|lives in|resides in)\b`), predicate: model.PredLocatedIn, conf: 0.8},
	{re: regexp.MustCompile(`(?i)\b(?:wrote|authored|published|penned)\b`), predicate: model.PredAuthored, conf: 0.75},
}

// predicate type constraints: subject type set and object type set. Empty
// means any.
var predicateTypes = map[string][2]string{
	model.PredEmployedBy: {TypePerson, TypeOrg},
	model.PredFounded:    {TypePerson, TypeOrg},
	model.PredLocatedIn:  {"", TypeLoc},
	model.PredAuthored:   {TypePerson, ""},
	model.PredCites:      {"", ""},
}

// extractRelations pairs mentions within a sentence around a cue phrase:
// the nearest suitable mention before the cue becomes the subject, the
// nearest after it the object.
func extractRelations(text string, mentions []Span) []RelationTuple {
	sents := splitSentences(text)
	var out []RelationTuple
	seen := map[string]struct{}{}

	for _, snt := range sents {
		var local []Span
		for _, m := range mentions {
			if m.Start >= snt.start && m.End <= snt.end && m.Type != TypeDate {
				local = append(local, m)
			}
		}
		if len(local) < 2 {
			continue
		}
		for _, cue := range relationCues {
			loc := cue.re.FindStringIndex(snt.text)
			if loc == nil {
				continue
			}
			cueStart := snt.start + loc[0]
			cueEnd := snt.start + loc[1]

			beforeType, afterType := predicateTypes[cue.predicate][0], predicateTypes[cue.predicate][1]
			if cue.swap {
				beforeType, afterType = afterType, beforeType
			}
			subj := nearestBefore(local, cueStart, beforeType)
			obj := nearestAfter(local, cueEnd, afterType)
			if cue.swap {
				subj, obj = obj, subj
			}
			if subj == nil || obj == nil || subj.Canonical == obj.Canonical {
				continue
			}
			key := subj.Canonical + "|" + cue.predicate + "|" + obj.Canonical
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, RelationTuple{
				SubjectName: subj.Canonical,
				SubjectType: subj.Type,
				Predicate:   cue.predicate,
				ObjectName:  obj.Canonical,
				ObjectType:  obj.Type,
				Confidence:  cue.conf * min2(subj.Confidence, obj.Confidence),
				SpanStart:   snt.start,
				SpanEnd:     snt.end,
			})
		}
	}
	return out
}

func nearestBefore(spans []Span, pos int, wantType string) *Span {
	var best *Span
	for i := range spans {
		s := &spans[i]
		if s.End > pos {
			continue
		}
		if wantType != "" && s.Type != wantType {
			continue
		}
		if best == nil || s.End > best.End {
			best = s
		}
	}
	return best
}

func nearestAfter(spans []Span, pos int, wantType string) *Span {
	var best *Span
	for i := range spans {
		s := &spans[i]
		if s.Start < pos {
			continue
		}
		if wantType != "" && s.Type != wantType {
			continue
		}
		if best == nil || s.Start < best.Start {
			best = s
		}
	}
	return best
}

func min2(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
