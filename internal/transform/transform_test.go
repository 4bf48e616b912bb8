package transform

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tracelight/internal/model"
)

const sampleText = `Jane Smith founded Acme Corp in 2015. She is the CEO of Acme Corp.
Acme Corp is headquartered in Berlin. Dr. John Doe joined Acme Corp on January 5, 2020.

Acme Corp published a report citing the Clean Air Act. Smith wrote the foreword.`

func TestTransformProducesEntitiesAndRelations(t *testing.T) {
	tr := New(nil)
	p, err := tr.Transform(context.Background(), sampleText)
	require.NoError(t, err)

	byType := map[string][]string{}
	for _, m := range p.Mentions {
		byType[m.Type] = append(byType[m.Type], m.Canonical)
	}
	assert.Contains(t, byType[TypePerson], "Jane Smith")
	assert.Contains(t, byType[TypeOrg], "Acme Corp")
	assert.Contains(t, byType[TypeLoc], "Berlin")
	assert.NotEmpty(t, byType[TypeDate])
	assert.Contains(t, byType[TypeLaw], "Clean Air Act")

	preds := map[string][2]string{}
	for _, r := range p.Relations {
		preds[r.Predicate] = [2]string{r.SubjectName, r.ObjectName}
	}
	founded, ok := preds[model.PredFounded]
	require.True(t, ok, "expected FOUNDED relation, got %v", p.Relations)
	assert.Equal(t, "Jane Smith", founded[0])
	assert.Equal(t, "Acme Corp", founded[1])

	located, ok := preds[model.PredLocatedIn]
	require.True(t, ok)
	assert.Equal(t, "Berlin", located[1])
}

func TestCoreferenceShortForm(t *testing.T) {
	text := `Jane Smith founded the company. Later Smith resigned.`
	mentions := linkCoreferences(text, annotate(text))
	var shortForm *Span
	for i := range mentions {
		if mentions[i].Surface == "Smith" {
			shortForm = &mentions[i]
		}
	}
	require.NotNil(t, shortForm)
	assert.Equal(t, "Jane Smith", shortForm.Canonical)
}

func TestCoreferencePronoun(t *testing.T) {
	text := `Jane Smith runs the lab. She lives in Geneva.`
	mentions := linkCoreferences(text, annotate(text))
	var pronoun *Span
	for i := range mentions {
		if mentions[i].Surface == "She" {
			pronoun = &mentions[i]
		}
	}
	require.NotNil(t, pronoun)
	assert.Equal(t, "Jane Smith", pronoun.Canonical)
	assert.Equal(t, TypePerson, pronoun.Type)
}

func TestMentionSpansMatchText(t *testing.T) {
	tr := New(nil)
	p, err := tr.Transform(context.Background(), sampleText)
	require.NoError(t, err)
	for _, m := range p.Mentions {
		assert.Equal(t, sampleText[m.Start:m.End], m.Surface)
	}
	for _, r := range p.Relations {
		assert.Less(t, r.SpanStart, r.SpanEnd)
		assert.LessOrEqual(t, r.SpanEnd, len(sampleText))
	}
}

func TestTransformEmptyText(t *testing.T) {
	tr := New(nil)
	_, err := tr.Transform(context.Background(), "   ")
	require.Error(t, err)
	assert.Equal(t, model.KindTransform, model.KindOf(err))
}

func TestSummaryAndKeyPoints(t *testing.T) {
	tr := New(nil)
	p, err := tr.Transform(context.Background(), sampleText)
	require.NoError(t, err)
	assert.Contains(t, p.Summary, "Jane Smith founded Acme Corp")
	require.NotEmpty(t, p.KeyPoints)
	assert.Contains(t, p.KeyPoints[0], "Jane Smith")
	assert.Contains(t, p.Tags, "acme corp")
}

func TestResolveOverlapsPrefersConfidence(t *testing.T) {
	spans := []Span{
		{Start: 0, End: 9, Type: TypePerson, Surface: "Acme Corp", Canonical: "Acme Corp", Confidence: 0.5},
		{Start: 0, End: 9, Type: TypeOrg, Surface: "Acme Corp", Canonical: "Acme Corp", Confidence: 0.9},
	}
	kept := resolveOverlaps(spans)
	require.Len(t, kept, 1)
	assert.Equal(t, TypeOrg, kept[0].Type)
}

func TestSplitSentencesSpans(t *testing.T) {
	text := "One sentence. Two sentence! Three?"
	sents := splitSentences(text)
	require.Len(t, sents, 3)
	for _, s := range sents {
		assert.Equal(t, text[s.start:s.end], s.text)
	}
}
