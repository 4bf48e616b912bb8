package citations

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tracelight/internal/llm"
	"tracelight/internal/model"
	"tracelight/internal/retrieve"
	"tracelight/internal/store"
)

func makeHits(n int) []retrieve.Hit {
	hits := make([]retrieve.Hit, 0, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("urn:tl:chunk:c%d", i)
		hits = append(hits, retrieve.Hit{
			ChunkID: id,
			DocID:   "urn:tl:doc:d1",
			Score:   1.0 - float64(i)*0.05,
			Chunk: model.Chunk{
				ID: id, DocID: "urn:tl:doc:d1", Ordinal: i,
				Text:      fmt.Sprintf("chunk %d text body", i),
				ByteStart: i * 100, ByteEnd: i*100 + 90,
				Source: model.SourceInfo{Type: model.SourceWeb},
			},
			Payload: map[string]any{"url": "https://example.com/a", "title": "Doc One"},
		})
	}
	return hits
}

func TestBuildCitationTable(t *testing.T) {
	table := BuildCitationTable(makeHits(3))
	require.Equal(t, 3, table.Size())
	assert.Equal(t, 1, table.Entries[0].Index)
	assert.Equal(t, 3, table.Entries[2].Index)
	assert.Equal(t, "Doc One", table.Entries[0].DocTitle)
	assert.Equal(t, 0, table.Entries[0].ByteStart)
	assert.Equal(t, 90, table.Entries[0].ByteEnd)
}

func TestBuildCitationTableSourceLocators(t *testing.T) {
	hits := makeHits(1)
	hits[0].Chunk.Source = model.SourceInfo{Type: model.SourcePDF, PageNumber: 4}
	table := BuildCitationTable(hits)
	assert.Equal(t, "p. 4", table.Entries[0].PageOrTimestamp)

	hits[0].Chunk.Source = model.SourceInfo{Type: model.SourceYouTube, TimestampStart: "00:01:00", TimestampEnd: "00:01:30"}
	table = BuildCitationTable(hits)
	assert.Equal(t, "00:01:00-00:01:30", table.Entries[0].PageOrTimestamp)
}

func TestBuildPromptEnumeratesRules(t *testing.T) {
	table := BuildCitationTable(makeHits(4))
	system, user := BuildPrompt("what happened?", table)
	assert.Contains(t, system, "[1..4]")
	assert.Contains(t, system, "1 to 4 inclusive")
	assert.Contains(t, user, "Question: what happened?")
	assert.Contains(t, user, "[1] Doc One")
	assert.Contains(t, user, "[4] Doc One")
}

func TestValidateAnswerInRange(t *testing.T) {
	table := BuildCitationTable(makeHits(3))
	va, err := ValidateAnswer("Fact one [1]. Fact two [3].", table)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3}, va.Markers)
}

func TestValidateAnswerOutOfRange(t *testing.T) {
	table := BuildCitationTable(makeHits(3))
	_, err := ValidateAnswer("Wrong [9] and also [0].", table)
	require.Error(t, err)
	assert.Equal(t, model.KindCitationValidation, model.KindOf(err))
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, []int{9, 0}, verr.Indices)
}

func TestValidateAnswerIgnoresCodeAndQuotes(t *testing.T) {
	table := BuildCitationTable(makeHits(2))
	answer := "Real claim [1].\n```\narr[9] = 0\n```\nUse `v[7]` and the string \"see [8]\" is quoted. Another [2]."
	va, err := ValidateAnswer(answer, table)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, va.Markers)
}

func TestPaginateRenumbersFromOne(t *testing.T) {
	hits := makeHits(10)
	page := Paginate(hits, 2, 3)
	require.Len(t, page, 3)
	assert.Equal(t, "urn:tl:chunk:c3", page[0].ChunkID)

	table := BuildCitationTable(page)
	assert.Equal(t, 1, table.Entries[0].Index)
	assert.Equal(t, 3, table.Entries[2].Index)

	assert.Empty(t, Paginate(hits, 5, 3))
	assert.Len(t, Paginate(hits, 1, 0), 10)
}

type cannedLLM struct{ reply string }

func (c *cannedLLM) Complete(context.Context, string, string) (string, llm.Usage, error) {
	return c.reply, llm.Usage{}, nil
}
func (c *cannedLLM) Model() string { return "canned" }

func TestAnswerPaginationContract(t *testing.T) {
	// 10 matching chunks, page 2 of size 3: citations are 3 entries indexed
	// 1..3 and the answer's markers stay within 1..3
	r := NewResolver(&cannedLLM{reply: "First page fact [1]. Another [3]."}, nil)
	res, err := r.Answer(context.Background(), "q", makeHits(10), 2, 3, false)
	require.NoError(t, err)
	require.Len(t, res.Citations, 3)
	assert.Equal(t, 1, res.Citations[0].Index)
	assert.Equal(t, 3, res.Citations[2].Index)
	va, err := ValidateAnswer(res.Answer, Table{Entries: res.Citations})
	require.NoError(t, err)
	for _, k := range va.Markers {
		assert.GreaterOrEqual(t, k, 1)
		assert.LessOrEqual(t, k, 3)
	}
}

func TestAnswerRejectsOutOfRangeModelReply(t *testing.T) {
	r := NewResolver(&cannedLLM{reply: "Bad citation [9]."}, nil)
	_, err := r.Answer(context.Background(), "q", makeHits(3), 1, 0, false)
	require.Error(t, err)
	assert.Equal(t, model.KindCitationValidation, model.KindOf(err))
}

func TestAnswerNoSources(t *testing.T) {
	r := NewResolver(&cannedLLM{reply: "unused"}, nil)
	res, err := r.Answer(context.Background(), "q", nil, 1, 0, false)
	require.NoError(t, err)
	assert.Contains(t, res.Answer, "No sources were found")
	assert.Empty(t, res.Citations)
}

func TestExplainBuildsSubgraph(t *testing.T) {
	meta := store.NewMemoryMeta()
	blob := store.NewMemoryBlob()
	vector := store.NewMemoryVector(4)
	graph := store.NewMemoryGraph()
	prov := store.NewProvenance(meta, blob, vector, graph, nil)

	ctx := context.Background()
	docID := "urn:tl:doc:d1"
	chunkID := "urn:tl:chunk:c0"
	e1, e2 := "urn:tl:entity:e1", "urn:tl:entity:e2"
	require.NoError(t, graph.UpsertNode(ctx, docID, []string{store.LabelDocument}, nil))
	require.NoError(t, graph.UpsertNode(ctx, chunkID, []string{store.LabelChunk}, nil))
	require.NoError(t, graph.UpsertEdge(ctx, docID, store.RelHasChunk, chunkID, nil))
	require.NoError(t, graph.UpsertNode(ctx, e1, []string{store.LabelEntity}, map[string]any{"canonical_name": "Jane Smith", "entity_type": "PERSON", "confidence": 0.9}))
	require.NoError(t, graph.UpsertNode(ctx, e2, []string{store.LabelEntity}, map[string]any{"canonical_name": "Acme Corp", "entity_type": "ORG", "confidence": 0.9}))
	require.NoError(t, graph.UpsertNode(ctx, "urn:tl:mention:m1", []string{store.LabelMention}, nil))
	require.NoError(t, graph.UpsertEdge(ctx, chunkID, store.RelMentions, "urn:tl:mention:m1", nil))
	require.NoError(t, graph.UpsertEdge(ctx, "urn:tl:mention:m1", store.RelRefersTo, e1, nil))
	require.NoError(t, graph.UpsertNode(ctx, "urn:tl:mention:m2", []string{store.LabelMention}, nil))
	require.NoError(t, graph.UpsertEdge(ctx, chunkID, store.RelMentions, "urn:tl:mention:m2", nil))
	require.NoError(t, graph.UpsertEdge(ctx, "urn:tl:mention:m2", store.RelRefersTo, e2, nil))
	require.NoError(t, graph.UpsertEdge(ctx, e1, model.PredFounded, e2, map[string]any{
		"confidence": 0.8, "evidence_chunk_ids": []string{chunkID},
	}))

	r := NewResolver(nil, prov)
	table := Table{Entries: []Entry{{Index: 1, ChunkID: chunkID}}}
	g, err := r.Explain(ctx, "Jane Smith founded Acme Corp.", table)
	require.NoError(t, err)
	assert.Len(t, g.Nodes, 2)
	require.Len(t, g.Edges, 1)
	assert.Equal(t, model.PredFounded, g.Edges[0].Label)
}
