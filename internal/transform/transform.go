// Package transform computes the derived view of a document: summary, key
// points, tags, typed entity mentions with in-document coreference, and
// subject-predicate-object relations with evidence spans.
//
// The annotator is deterministic (gazetteer + patterns) so the stage works
// without a model; when an LLM client is configured it refines the summary.
package transform

import (
	"context"
	"strings"

	"tracelight/internal/llm"
	"tracelight/internal/model"
	"tracelight/internal/observability"
)

// Span is a typed mention located by byte offsets in the full text.
type Span struct {
	Start      int
	End        int
	Type       string // PERSON, ORG, LOC, LAW, DATE
	Surface    string
	Canonical  string // after coreference linking; equals Surface when unlinked
	Confidence float64
}

// RelationTuple is an extracted relation with the byte span of its evidence
// sentence.
type RelationTuple struct {
	SubjectName string
	SubjectType string
	Predicate   string
	ObjectName  string
	ObjectType  string
	Confidence  float64
	SpanStart   int
	SpanEnd     int
}

// Processed is the Transform stage output.
type Processed struct {
	Summary   string
	KeyPoints []string
	Tags      []string
	Mentions  []Span
	Relations []RelationTuple
}

// Transformer runs annotation and summarization.
type Transformer struct {
	client llm.Client // optional summary assist
}

// New builds a Transformer. client may be nil.
func New(client llm.Client) *Transformer {
	return &Transformer{client: client}
}

// Transform produces the processed view. Annotation is pure; only the
// optional LLM summary can fail, and that failure degrades to the heuristic
// summary rather than failing the stage.
func (t *Transformer) Transform(ctx context.Context, text string) (*Processed, error) {
	if strings.TrimSpace(text) == "" {
		return nil, model.E(model.KindTransform, "empty text")
	}

	mentions := annotate(text)
	mentions = linkCoreferences(text, mentions)
	relations := extractRelations(text, mentions)

	p := &Processed{
		Summary:   heuristicSummary(text),
		KeyPoints: keyPoints(text, 5),
		Tags:      tags(mentions, 8),
		Mentions:  mentions,
		Relations: relations,
	}

	if t.client != nil {
		if s, err := t.llmSummary(ctx, text); err == nil && s != "" {
			p.Summary = s
		} else if err != nil {
			observability.LoggerWithTrace(ctx).Warn().Err(err).Msg("summary_assist_failed")
		}
	}
	return p, nil
}

const summarySystem = "Summarize the document in at most three sentences. Reply with the summary only."

const maxSummaryInput = 8000

func (t *Transformer) llmSummary(ctx context.Context, text string) (string, error) {
	if len(text) > maxSummaryInput {
		text = text[:maxSummaryInput]
	}
	reply, _, err := t.client.Complete(ctx, summarySystem, text)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(reply), nil
}

// heuristicSummary takes the first two sentences.
func heuristicSummary(text string) string {
	sents := splitSentences(text)
	if len(sents) == 0 {
		return ""
	}
	if len(sents) > 2 {
		sents = sents[:2]
	}
	parts := make([]string, len(sents))
	for i, s := range sents {
		parts[i] = strings.TrimSpace(s.text)
	}
	return strings.Join(parts, " ")
}

// keyPoints takes the first sentence of each paragraph.
func keyPoints(text string, limit int) []string {
	var out []string
	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		sents := splitSentences(para)
		if len(sents) == 0 {
			continue
		}
		out = append(out, strings.TrimSpace(sents[0].text))
		if len(out) == limit {
			break
		}
	}
	return out
}

// tags derives lowercase tags from the most frequent canonical entities.
func tags(mentions []Span, limit int) []string {
	counts := map[string]int{}
	order := []string{}
	for _, m := range mentions {
		if m.Type == "DATE" {
			continue
		}
		key := strings.ToLower(m.Canonical)
		if counts[key] == 0 {
			order = append(order, key)
		}
		counts[key]++
	}
	// most frequent first; order of first appearance breaks ties
	for i := 1; i < len(order); i++ {
		for j := i; j > 0 && counts[order[j]] > counts[order[j-1]]; j-- {
			order[j], order[j-1] = order[j-1], order[j]
		}
	}
	if len(order) > limit {
		order = order[:limit]
	}
	return order
}
