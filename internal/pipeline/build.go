package pipeline

import (
	"time"

	"tracelight/internal/chunker"
	"tracelight/internal/extract"
	"tracelight/internal/model"
	"tracelight/internal/screen"
	"tracelight/internal/store"
	"tracelight/internal/transform"
)

// buildChunks turns window pieces into chunks with deterministic IDs and
// source-specific payload fields.
func (p *Pipeline) buildChunks(docID string, raw *extract.RawContent, pieces []chunker.Piece) []model.Chunk {
	chunks := make([]model.Chunk, 0, len(pieces))
	for _, piece := range pieces {
		c := model.Chunk{
			ID:        p.ids.ChunkID(docID, piece.ByteStart, piece.ByteEnd),
			DocID:     docID,
			Ordinal:   piece.Ordinal,
			Text:      piece.Text,
			ByteStart: piece.ByteStart,
			ByteEnd:   piece.ByteEnd,
			Source:    model.SourceInfo{Type: raw.SourceType},
		}
		switch raw.SourceType {
		case model.SourceYouTube:
			c.Source.VideoID = raw.VideoID
			c.Source.Channel = raw.Channel
			c.Source.TimestampStart, c.Source.TimestampEnd = chunker.TimestampRange(raw.Transcript, piece.ByteStart, piece.ByteEnd)
		case model.SourcePDF:
			c.Source.PageNumber = chunker.PageFor(raw.PageOffsets, piece.ByteStart)
		}
		chunks = append(chunks, c)
	}
	return chunks
}

func (p *Pipeline) buildDocument(job *model.Job, raw *extract.RawContent, verdict *screen.Verdict, tier model.Tier, processed *transform.Processed) model.Document {
	meta := map[string]any{
		"summary":    processed.Summary,
		"key_points": processed.KeyPoints,
		"tags":       processed.Tags,
		"screening":  map[string]any{"score": verdict.QualityScore, "reasoning": verdict.Reasoning},
	}
	for k, v := range raw.Metadata {
		meta[k] = v
	}
	return model.Document{
		ID:           job.DocID,
		SourceURL:    job.URL,
		SourceType:   raw.SourceType,
		Title:        raw.Title,
		Author:       raw.Author,
		PublishedAt:  raw.PublishedAt,
		QualityScore: verdict.QualityScore,
		Tier:         tier,
		CreatedAt:    time.Now().UTC(),
		Metadata:     meta,
	}
}

// buildIngestion maps full-text mention spans onto chunks, derives the
// deterministic mention/entity IDs, and assembles the cross-backend write.
func (p *Pipeline) buildIngestion(doc model.Document, raw *extract.RawContent, processed *transform.Processed, chunks []model.Chunk) store.Ingestion {
	entityByKey := map[string]*model.Entity{}
	entityID := func(canonical, typ string) string {
		id := p.ids.EntityID(canonical, typ)
		if _, ok := entityByKey[id]; !ok {
			entityByKey[id] = &model.Entity{ID: id, CanonicalName: canonical, Type: typ}
		}
		return id
	}

	var mentions []model.Mention
	for _, span := range processed.Mentions {
		chunk := chunkContaining(chunks, span.Start, span.End)
		if chunk == nil {
			continue
		}
		relStart := span.Start - chunk.ByteStart
		relEnd := span.End - chunk.ByteStart
		eid := entityID(span.Canonical, span.Type)
		ent := entityByKey[eid]
		if span.Confidence > ent.Confidence {
			ent.Confidence = span.Confidence
		}
		if span.Surface != span.Canonical {
			ent.Aliases = appendUnique(ent.Aliases, span.Surface)
		}
		mentions = append(mentions, model.Mention{
			ID:         p.ids.MentionID(chunk.ID, relStart, relEnd, span.Surface),
			ChunkID:    chunk.ID,
			EntityID:   eid,
			EntityType: span.Type,
			Surface:    span.Surface,
			SpanStart:  relStart,
			SpanEnd:    relEnd,
			Confidence: span.Confidence,
		})
	}

	var relations []model.Relation
	for _, r := range processed.Relations {
		evidence := chunkContaining(chunks, r.SpanStart, r.SpanStart+1)
		if evidence == nil {
			continue
		}
		relations = append(relations, model.Relation{
			SubjectID:        entityID(r.SubjectName, r.SubjectType),
			Predicate:        r.Predicate,
			ObjectID:         entityID(r.ObjectName, r.ObjectType),
			Confidence:       r.Confidence,
			EvidenceChunkIDs: []string{evidence.ID},
		})
	}

	entities := make([]model.Entity, 0, len(entityByKey))
	for _, e := range entityByKey {
		entities = append(entities, *e)
	}

	return store.Ingestion{
		Document:    doc,
		BlobBytes:   []byte(raw.Text),
		ContentType: "text/markdown; charset=utf-8",
		Chunks:      chunks,
		Mentions:    mentions,
		Entities:    entities,
		Relations:   relations,
		Tags:        processed.Tags,
	}
}

// chunkContaining returns the lowest-ordinal chunk fully containing the
// span, falling back to the one containing its start byte.
func chunkContaining(chunks []model.Chunk, start, end int) *model.Chunk {
	for i := range chunks {
		if start >= chunks[i].ByteStart && end <= chunks[i].ByteEnd {
			return &chunks[i]
		}
	}
	for i := range chunks {
		if start >= chunks[i].ByteStart && start < chunks[i].ByteEnd {
			return &chunks[i]
		}
	}
	return nil
}

func appendUnique(list []string, s string) []string {
	for _, el := range list {
		if el == s {
			return list
		}
	}
	return append(list, s)
}
