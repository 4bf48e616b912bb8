package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tracelight/internal/model"
)

func testProvenance() (*Provenance, *MemoryMeta, *MemoryBlob, *MemoryVector, *MemoryGraph) {
	meta := NewMemoryMeta()
	blob := NewMemoryBlob()
	vector := NewMemoryVector(4)
	graph := NewMemoryGraph()
	return NewProvenance(meta, blob, vector, graph, nil), meta, blob, vector, graph
}

func sampleIngestion() Ingestion {
	doc := model.Document{
		ID:           "urn:tl:doc:d1",
		SourceURL:    "https://example.com/a",
		SourceType:   model.SourceWeb,
		Title:        "Doc One",
		QualityScore: 8.2,
		Tier:         model.TierB,
		CreatedAt:    time.Unix(100, 0).UTC(),
	}
	chunks := []model.Chunk{
		{ID: "urn:tl:chunk:c0", DocID: doc.ID, Ordinal: 0, Text: "first chunk", ByteStart: 0, ByteEnd: 11, Embedding: []float32{1, 0, 0, 0}, Source: model.SourceInfo{Type: model.SourceWeb}},
		{ID: "urn:tl:chunk:c1", DocID: doc.ID, Ordinal: 1, Text: "second chunk", ByteStart: 11, ByteEnd: 23, Embedding: []float32{0, 1, 0, 0}, Source: model.SourceInfo{Type: model.SourceWeb}},
	}
	entities := []model.Entity{
		{ID: "urn:tl:entity:e1", CanonicalName: "Jane Smith", Type: "PERSON", Confidence: 0.9},
		{ID: "urn:tl:entity:e2", CanonicalName: "Acme Corp", Type: "ORG", Confidence: 0.85, Aliases: []string{"Acme"}},
	}
	mentions := []model.Mention{
		{ID: "urn:tl:mention:m1", ChunkID: chunks[0].ID, EntityID: entities[0].ID, EntityType: "PERSON", Surface: "Jane Smith", SpanStart: 0, SpanEnd: 10, Confidence: 0.9},
		{ID: "urn:tl:mention:m2", ChunkID: chunks[1].ID, EntityID: entities[1].ID, EntityType: "ORG", Surface: "Acme", SpanStart: 0, SpanEnd: 4, Confidence: 0.8},
	}
	relations := []model.Relation{
		{SubjectID: entities[0].ID, Predicate: model.PredFounded, ObjectID: entities[1].ID, Confidence: 0.8, EvidenceChunkIDs: []string{chunks[0].ID}},
	}
	return Ingestion{
		Document:    doc,
		BlobBytes:   []byte("first chunksecond chunk"),
		ContentType: "text/markdown",
		Chunks:      chunks,
		Mentions:    mentions,
		Entities:    entities,
		Relations:   relations,
		Tags:        []string{"jane smith", "acme corp"},
	}
}

func TestWriteIngestionAllBackends(t *testing.T) {
	p, meta, blob, vector, graph := testProvenance()
	in := sampleIngestion()
	require.NoError(t, p.WriteIngestion(context.Background(), in))

	doc, err := meta.GetDocument(context.Background(), in.Document.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TierB, doc.Tier)

	data, ct, err := blob.Get(context.Background(), in.Document.ID)
	require.NoError(t, err)
	assert.Equal(t, "text/markdown", ct)
	assert.NotEmpty(t, data)

	assert.Equal(t, 2, vector.Len())

	committed, err := p.Committed(context.Background(), in.Document.ID)
	require.NoError(t, err)
	assert.True(t, committed)

	_, ok, err := graph.GetNode(context.Background(), "urn:tl:entity:e1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestWriteIngestionIdempotent(t *testing.T) {
	p, _, _, vector, _ := testProvenance()
	in := sampleIngestion()
	require.NoError(t, p.WriteIngestion(context.Background(), in))
	require.NoError(t, p.WriteIngestion(context.Background(), in))
	assert.Equal(t, 2, vector.Len())

	chunks, err := p.GetChunksByDoc(context.Background(), in.Document.ID)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, 0, chunks[0].Ordinal)
	assert.Equal(t, 1, chunks[1].Ordinal)
}

func TestEntityMergeUnionsAliases(t *testing.T) {
	p, _, _, _, graph := testProvenance()
	e := model.Entity{ID: "urn:tl:entity:e2", CanonicalName: "Acme Corp", Type: "ORG", Confidence: 0.7, Aliases: []string{"Acme"}}
	require.NoError(t, p.mergeEntity(context.Background(), e))
	e.Aliases = []string{"ACME Inc"}
	e.Confidence = 0.9
	require.NoError(t, p.mergeEntity(context.Background(), e))

	node, ok, err := graph.GetNode(context.Background(), e.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.ElementsMatch(t, []string{"ACME Inc", "Acme"}, node.Props["aliases"])
	assert.Equal(t, 0.9, node.Props["confidence"])
}

func TestRelationMergeAveragesConfidenceAndUnionsEvidence(t *testing.T) {
	p, _, _, _, graph := testProvenance()
	r := model.Relation{SubjectID: "s", Predicate: model.PredCites, ObjectID: "o", Confidence: 0.8, EvidenceChunkIDs: []string{"c1"}}
	require.NoError(t, p.mergeRelation(context.Background(), r))
	r.Confidence = 0.4
	r.EvidenceChunkIDs = []string{"c2"}
	require.NoError(t, p.mergeRelation(context.Background(), r))

	props, ok, err := graph.GetEdge(context.Background(), "s", model.PredCites, "o")
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, 0.6, props["confidence"].(float64), 1e-9)
	assert.ElementsMatch(t, []string{"c1", "c2"}, props["evidence_chunk_ids"])
}

func TestGetEntitiesByDocAndRelations(t *testing.T) {
	p, _, _, _, _ := testProvenance()
	in := sampleIngestion()
	require.NoError(t, p.WriteIngestion(context.Background(), in))

	entities, err := p.GetEntitiesByDoc(context.Background(), in.Document.ID)
	require.NoError(t, err)
	require.Len(t, entities, 2)
	assert.Equal(t, "Acme Corp", entities[0].CanonicalName)
	assert.Equal(t, "Jane Smith", entities[1].CanonicalName)

	rels, err := p.GetRelations(context.Background(), "urn:tl:entity:e1", 2)
	require.NoError(t, err)
	require.Len(t, rels, 1)
	assert.Equal(t, model.PredFounded, rels[0].Predicate)
	assert.Equal(t, []string{"urn:tl:chunk:c0"}, rels[0].EvidenceChunkIDs)
}

func TestCascadeDeletePreservesEntities(t *testing.T) {
	p, meta, blob, vector, graph := testProvenance()
	in := sampleIngestion()
	require.NoError(t, p.WriteIngestion(context.Background(), in))
	require.NoError(t, p.DeleteDocument(context.Background(), in.Document.ID))

	_, err := meta.GetDocument(context.Background(), in.Document.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, _, err = blob.Get(context.Background(), in.Document.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 0, vector.Len())

	assert.Empty(t, graph.NodeIDsByLabel(LabelDocument))
	assert.Empty(t, graph.NodeIDsByLabel(LabelChunk))
	assert.Empty(t, graph.NodeIDsByLabel(LabelMention))
	// entity nodes survive the cascade
	assert.Len(t, graph.NodeIDsByLabel(LabelEntity), 2)
}

func TestReconcileRemovesOrphans(t *testing.T) {
	p, meta, blob, vector, _ := testProvenance()
	in := sampleIngestion()
	// simulate a failed run: blob+meta+vector written, no graph commit
	require.NoError(t, blob.Put(context.Background(), in.Document.ID, in.BlobBytes, in.ContentType))
	require.NoError(t, meta.UpsertDocument(context.Background(), in.Document))
	points := []VectorPoint{{ID: in.Chunks[0].ID, Vector: in.Chunks[0].Embedding, Payload: ChunkPayload(in.Document, in.Chunks[0], nil)}}
	require.NoError(t, vector.UpsertBatch(context.Background(), points))

	removed, err := p.Reconcile(context.Background(), []string{in.Document.ID})
	require.NoError(t, err)
	assert.Equal(t, []string{in.Document.ID}, removed)
	assert.Equal(t, 0, vector.Len())
}

func TestExportRoundTrip(t *testing.T) {
	p, _, _, _, _ := testProvenance()
	in := sampleIngestion()
	require.NoError(t, p.WriteIngestion(context.Background(), in))

	ex := model.ExportArtifact{
		ID:           "urn:tl:export:x1",
		SourceDocIDs: []string{in.Document.ID},
		Format:       "narration",
		ModelsUsed:   []string{"test-model"},
		CreatedAt:    time.Unix(200, 0).UTC(),
		Scenes: []model.Scene{
			{Ordinal: 0, Text: "opening scene", SourceDocIDs: []string{in.Document.ID}, SourceChunkIDs: []string{in.Chunks[0].ID}},
			{Ordinal: 1, Text: "closing scene", SourceDocIDs: []string{in.Document.ID}, SourceChunkIDs: []string{in.Chunks[1].ID}},
		},
	}
	require.NoError(t, p.WriteExport(context.Background(), ex))

	got, err := p.GetGeneratedContentFromDoc(context.Background(), in.Document.ID)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, ex.ID, got[0].ID)
	assert.Equal(t, []string{"test-model"}, got[0].ModelsUsed)
	require.Len(t, got[0].Scenes, 2)
	assert.Equal(t, "opening scene", got[0].Scenes[0].Text)
	assert.Equal(t, []string{in.Chunks[1].ID}, got[0].Scenes[1].SourceChunkIDs)
}

func TestSourceSpecificPayloadFields(t *testing.T) {
	published := time.Unix(400, 0).UTC()
	ytDoc := model.Document{ID: "d", SourceType: model.SourceYouTube, PublishedAt: &published}
	ytChunk := model.Chunk{ID: "c", Ordinal: 0, Source: model.SourceInfo{Type: model.SourceYouTube, VideoID: "VID", Channel: "ch", TimestampStart: "00:00:01", TimestampEnd: "00:00:09"}}
	payload := ChunkPayload(ytDoc, ytChunk, nil)
	assert.Equal(t, "VID", payload["video_id"])
	assert.Contains(t, payload, "published_at")
	assert.NotContains(t, payload, "page_number")

	webPayload := ChunkPayload(model.Document{ID: "d2", SourceType: model.SourceWeb}, model.Chunk{ID: "c2"}, nil)
	assert.NotContains(t, webPayload, "video_id")

	back := ChunkFromPayload("c", payload)
	assert.Equal(t, "VID", back.Source.VideoID)
	assert.Equal(t, "00:00:09", back.Source.TimestampEnd)
}

func TestMemoryVectorFilterAndOrdering(t *testing.T) {
	v := NewMemoryVector(2)
	mk := func(id string, ord int, tier string, vec []float32) VectorPoint {
		return VectorPoint{ID: id, Vector: vec, Payload: map[string]any{"doc_id": "d", "ordinal": ord, "tier": tier}}
	}
	require.NoError(t, v.UpsertBatch(context.Background(), []VectorPoint{
		mk("b", 1, "A", []float32{1, 0}),
		mk("a", 0, "B", []float32{1, 0}),
		mk("c", 2, "A", []float32{0, 1}),
	}))

	hits, err := v.Search(context.Background(), []float32{1, 0}, 10, nil)
	require.NoError(t, err)
	require.Len(t, hits, 3)
	// equal scores tie-break by ordinal
	assert.Equal(t, "a", hits[0].ID)
	assert.Equal(t, "b", hits[1].ID)

	hits, err = v.Search(context.Background(), []float32{1, 0}, 10, &Filter{Must: []Condition{{Field: "tier", In: []string{"A"}}}})
	require.NoError(t, err)
	require.Len(t, hits, 2)

	hits, err = v.Search(context.Background(), []float32{1, 0}, 0, nil)
	require.NoError(t, err)
	assert.Empty(t, hits)
}
