package store

import (
	"context"
	"sort"
	"strconv"
	"time"

	"tracelight/internal/model"
	"tracelight/internal/observability"
)

// Ingestion is one completed pipeline run, ready to be written across the
// four backends.
type Ingestion struct {
	Document    model.Document
	BlobBytes   []byte
	ContentType string
	Chunks      []model.Chunk
	Mentions    []model.Mention
	Entities    []model.Entity
	Relations   []model.Relation
	Tags        []string
}

// Provenance is the cross-backend writer and reader. There is no shared
// transaction across the four backends; consistency comes from the fixed
// write order, deterministic IDs, idempotent upserts, and the graph
// Document node acting as the commit marker.
type Provenance struct {
	Meta    MetaStore
	Blob    BlobStore
	Vector  VectorStore
	Graph   GraphStore
	Metrics observability.Metrics
}

// NewProvenance wires the four backends. metrics may be nil.
func NewProvenance(meta MetaStore, blob BlobStore, vector VectorStore, graph GraphStore, metrics observability.Metrics) *Provenance {
	if metrics == nil {
		metrics = observability.NoopMetrics{}
	}
	return &Provenance{Meta: meta, Blob: blob, Vector: vector, Graph: graph, Metrics: metrics}
}

// WriteIngestion performs the ordered multi-backend write:
// blob, metadata row, chunk vectors, then the graph transaction. A failure
// partway leaves earlier writes in place; a compensating reingest under the
// same doc_id overwrites them because every key is deterministic.
func (p *Provenance) WriteIngestion(ctx context.Context, in Ingestion) error {
	if err := p.WriteCore(ctx, in); err != nil {
		return err
	}
	return p.CommitGraph(ctx, in)
}

// WriteCore performs steps 1-3 of the write order: blob, metadata row, and
// the chunk vector batch.
func (p *Provenance) WriteCore(ctx context.Context, in Ingestion) error {
	docID := in.Document.ID

	if err := p.Blob.Put(ctx, docID, in.BlobBytes, in.ContentType); err != nil {
		return model.Transient(model.KindStore, "blob write failed", err)
	}
	if err := p.Meta.UpsertDocument(ctx, in.Document); err != nil {
		return model.Transient(model.KindStore, "metadata write failed", err)
	}

	points := make([]VectorPoint, 0, len(in.Chunks))
	for _, c := range in.Chunks {
		points = append(points, VectorPoint{
			ID:      c.ID,
			Vector:  c.Embedding,
			Payload: ChunkPayload(in.Document, c, in.Tags),
		})
	}
	if err := p.Vector.UpsertBatch(ctx, points); err != nil {
		return model.Transient(model.KindStore, "vector write failed", err)
	}
	return nil
}

// CommitGraph is step 4, the commit marker: once the Document node exists,
// readers treat the ingestion as fully provenanced.
func (p *Provenance) CommitGraph(ctx context.Context, in Ingestion) error {
	if err := p.writeGraph(ctx, in); err != nil {
		observability.LoggerWithTrace(ctx).Error().Err(err).Str("doc_id", in.Document.ID).Msg("graph_transaction_failed")
		return model.Transient(model.KindStore, "graph transaction failed", err)
	}
	p.Metrics.IncCounter("provenance_ingestions_total", map[string]string{"source_type": string(in.Document.SourceType)})
	return nil
}

// writeGraph is the commit step: Document and Chunk nodes, entity merges,
// mention edges, relation merges.
func (p *Provenance) writeGraph(ctx context.Context, in Ingestion) error {
	doc := in.Document
	docProps := map[string]any{
		"source_url":    doc.SourceURL,
		"source_type":   string(doc.SourceType),
		"title":         doc.Title,
		"tier":          string(doc.Tier),
		"quality_score": doc.QualityScore,
	}
	if err := p.Graph.UpsertNode(ctx, doc.ID, []string{LabelDocument}, docProps); err != nil {
		return err
	}

	for _, c := range in.Chunks {
		props := map[string]any{
			"ordinal":    c.Ordinal,
			"byte_start": c.ByteStart,
			"byte_end":   c.ByteEnd,
		}
		if err := p.Graph.UpsertNode(ctx, c.ID, []string{LabelChunk}, props); err != nil {
			return err
		}
		if err := p.Graph.UpsertEdge(ctx, doc.ID, RelHasChunk, c.ID, map[string]any{"ordinal": c.Ordinal}); err != nil {
			return err
		}
	}

	for _, e := range in.Entities {
		if err := p.mergeEntity(ctx, e); err != nil {
			return err
		}
	}

	for _, m := range in.Mentions {
		props := map[string]any{
			"entity_type": m.EntityType,
			"surface":     m.Surface,
			"span_start":  m.SpanStart,
			"span_end":    m.SpanEnd,
			"confidence":  m.Confidence,
		}
		if err := p.Graph.UpsertNode(ctx, m.ID, []string{LabelMention}, props); err != nil {
			return err
		}
		if err := p.Graph.UpsertEdge(ctx, m.ChunkID, RelMentions, m.ID, map[string]any{"confidence": m.Confidence}); err != nil {
			return err
		}
		if m.EntityID != "" {
			if err := p.Graph.UpsertEdge(ctx, m.ID, RelRefersTo, m.EntityID, map[string]any{"confidence": m.Confidence}); err != nil {
				return err
			}
		}
	}

	for _, r := range in.Relations {
		if err := p.mergeRelation(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

// mergeEntity unions aliases with any existing node; the canonical name and
// ID never change once created.
func (p *Provenance) mergeEntity(ctx context.Context, e model.Entity) error {
	aliases := append([]string{}, e.Aliases...)
	confidence := e.Confidence
	if existing, ok, err := p.Graph.GetNode(ctx, e.ID); err != nil {
		return err
	} else if ok {
		aliases = unionStrings(aliases, anyToStrings(existing.Props["aliases"]))
		if c, okc := existing.Props["confidence"].(float64); okc && c > confidence {
			confidence = c
		}
	}
	sort.Strings(aliases)
	return p.Graph.UpsertNode(ctx, e.ID, []string{LabelEntity}, map[string]any{
		"canonical_name": e.CanonicalName,
		"entity_type":    e.Type,
		"aliases":        aliases,
		"confidence":     confidence,
	})
}

// mergeRelation averages confidence over merge count and unions evidence.
func (p *Provenance) mergeRelation(ctx context.Context, r model.Relation) error {
	confidence := r.Confidence
	evidence := append([]string{}, r.EvidenceChunkIDs...)
	mergeCount := 1.0
	if props, ok, err := p.Graph.GetEdge(ctx, r.SubjectID, r.Predicate, r.ObjectID); err != nil {
		return err
	} else if ok {
		prevConf, _ := props["confidence"].(float64)
		prevCount, _ := props["merge_count"].(float64)
		if prevCount < 1 {
			prevCount = 1
		}
		confidence = (prevConf*prevCount + r.Confidence) / (prevCount + 1)
		mergeCount = prevCount + 1
		evidence = unionStrings(evidence, anyToStrings(props["evidence_chunk_ids"]))
	}
	sort.Strings(evidence)
	return p.Graph.UpsertEdge(ctx, r.SubjectID, r.Predicate, r.ObjectID, map[string]any{
		"confidence":         confidence,
		"merge_count":        mergeCount,
		"evidence_chunk_ids": evidence,
	})
}

// ChunkPayload builds the vector payload for one chunk, carrying every
// field the filter layer understands. Source-specific fields appear only
// for their source type.
func ChunkPayload(doc model.Document, c model.Chunk, tags []string) map[string]any {
	payload := map[string]any{
		"doc_id":        doc.ID,
		"chunk_id":      c.ID,
		"ordinal":       c.Ordinal,
		"source_type":   string(doc.SourceType),
		"tier":          string(doc.Tier),
		"tags":          tags,
		"url":           doc.SourceURL,
		"title":         doc.Title,
		"quality_score": doc.QualityScore,
		"byte_start":    c.ByteStart,
		"byte_end":      c.ByteEnd,
		"text":          c.Text,
	}
	if doc.PublishedAt != nil {
		payload["published_at"] = doc.PublishedAt.UTC().Format(time.RFC3339)
		// numeric twin for range filters
		payload["published_at_ts"] = int(doc.PublishedAt.Unix())
	}
	switch doc.SourceType {
	case model.SourceYouTube:
		payload["video_id"] = c.Source.VideoID
		payload["channel"] = c.Source.Channel
		payload["timestamp_start"] = c.Source.TimestampStart
		payload["timestamp_end"] = c.Source.TimestampEnd
	case model.SourcePDF:
		payload["page_number"] = c.Source.PageNumber
	}
	return payload
}

// ChunkFromPayload reconstructs a chunk from a vector payload.
func ChunkFromPayload(id string, payload map[string]any) model.Chunk {
	st := model.SourceType(payloadString(payload, "source_type"))
	c := model.Chunk{
		ID:        id,
		DocID:     payloadString(payload, "doc_id"),
		Ordinal:   payloadInt(payload, "ordinal"),
		Text:      payloadString(payload, "text"),
		ByteStart: payloadInt(payload, "byte_start"),
		ByteEnd:   payloadInt(payload, "byte_end"),
		Source:    model.SourceInfo{Type: st},
	}
	switch st {
	case model.SourceYouTube:
		c.Source.VideoID = payloadString(payload, "video_id")
		c.Source.Channel = payloadString(payload, "channel")
		c.Source.TimestampStart = payloadString(payload, "timestamp_start")
		c.Source.TimestampEnd = payloadString(payload, "timestamp_end")
	case model.SourcePDF:
		c.Source.PageNumber = payloadInt(payload, "page_number")
	}
	return c
}

// GetDocument returns the metadata row.
func (p *Provenance) GetDocument(ctx context.Context, docID string) (model.Document, error) {
	return p.Meta.GetDocument(ctx, docID)
}

// Committed reports whether the graph commit marker exists for a document.
// Readers that require full provenance filter on this.
func (p *Provenance) Committed(ctx context.Context, docID string) (bool, error) {
	_, ok, err := p.Graph.GetNode(ctx, docID)
	return ok, err
}

// GetChunksByDoc returns a document's chunks, ordinal ascending.
func (p *Provenance) GetChunksByDoc(ctx context.Context, docID string) ([]model.Chunk, error) {
	hits, err := p.Vector.ByDoc(ctx, docID)
	if err != nil {
		return nil, err
	}
	out := make([]model.Chunk, 0, len(hits))
	for _, h := range hits {
		out = append(out, ChunkFromPayload(h.ID, h.Payload))
	}
	return out, nil
}

// GetEntitiesByDoc walks chunk mention edges and returns the distinct
// entities referenced by a document, sorted by canonical name.
func (p *Provenance) GetEntitiesByDoc(ctx context.Context, docID string) ([]model.Entity, error) {
	chunkIDs, err := p.Graph.Neighbors(ctx, docID, RelHasChunk)
	if err != nil {
		return nil, err
	}
	seen := map[string]struct{}{}
	var out []model.Entity
	for _, chunkID := range chunkIDs {
		mentionIDs, err := p.Graph.Neighbors(ctx, chunkID, RelMentions)
		if err != nil {
			return nil, err
		}
		for _, mid := range mentionIDs {
			entityIDs, err := p.Graph.Neighbors(ctx, mid, RelRefersTo)
			if err != nil {
				return nil, err
			}
			for _, eid := range entityIDs {
				if _, dup := seen[eid]; dup {
					continue
				}
				seen[eid] = struct{}{}
				node, ok, err := p.Graph.GetNode(ctx, eid)
				if err != nil {
					return nil, err
				}
				if !ok {
					continue
				}
				out = append(out, entityFromNode(node))
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CanonicalName < out[j].CanonicalName })
	return out, nil
}

func entityFromNode(node GraphNode) model.Entity {
	conf, _ := node.Props["confidence"].(float64)
	return model.Entity{
		ID:            node.ID,
		CanonicalName: toString(node.Props["canonical_name"]),
		Type:          toString(node.Props["entity_type"]),
		Aliases:       anyToStrings(node.Props["aliases"]),
		Confidence:    conf,
	}
}

const maxRelationDepth = 3

// GetRelations walks entity-to-entity edges out to depth (clamped to 3),
// returning relations ordered by confidence descending.
func (p *Provenance) GetRelations(ctx context.Context, entityID string, depth int) ([]model.Relation, error) {
	if depth < 1 {
		depth = 1
	}
	if depth > maxRelationDepth {
		depth = maxRelationDepth
	}
	visited := map[string]struct{}{entityID: {}}
	frontier := []string{entityID}
	seenEdge := map[string]struct{}{}
	var out []model.Relation

	for d := 0; d < depth && len(frontier) > 0; d++ {
		var next []string
		for _, id := range frontier {
			for _, pred := range EntityRelationPredicates {
				edges, err := p.Graph.Edges(ctx, id, pred)
				if err != nil {
					return nil, err
				}
				for _, e := range edges {
					key := e.Src + "|" + e.Rel + "|" + e.Dst
					if _, dup := seenEdge[key]; dup {
						continue
					}
					seenEdge[key] = struct{}{}
					conf, _ := e.Props["confidence"].(float64)
					out = append(out, model.Relation{
						SubjectID:        e.Src,
						Predicate:        e.Rel,
						ObjectID:         e.Dst,
						Confidence:       conf,
						EvidenceChunkIDs: anyToStrings(e.Props["evidence_chunk_ids"]),
					})
					if _, v := visited[e.Dst]; !v {
						visited[e.Dst] = struct{}{}
						next = append(next, e.Dst)
					}
				}
			}
		}
		frontier = next
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Confidence > out[j].Confidence })
	return out, nil
}

// WriteExport records a generated artifact in the provenance graph.
func (p *Provenance) WriteExport(ctx context.Context, ex model.ExportArtifact) error {
	props := map[string]any{
		"format":     ex.Format,
		"created_at": ex.CreatedAt.UTC().Format(time.RFC3339),
	}
	if err := p.Graph.UpsertNode(ctx, ex.ID, []string{LabelExport}, props); err != nil {
		return model.Transient(model.KindStore, "export node write failed", err)
	}
	ts := ex.CreatedAt.UTC().Format(time.RFC3339)
	for _, docID := range ex.SourceDocIDs {
		if err := p.Graph.UpsertEdge(ctx, ex.ID, RelGeneratedFrom, docID, map[string]any{"timestamp": ts}); err != nil {
			return model.Transient(model.KindStore, "export edge write failed", err)
		}
	}
	for _, mdl := range ex.ModelsUsed {
		modelNode := "urn:tl:model:" + mdl
		if err := p.Graph.UpsertNode(ctx, modelNode, []string{LabelAIModel}, map[string]any{"name": mdl}); err != nil {
			return model.Transient(model.KindStore, "model node write failed", err)
		}
		if err := p.Graph.UpsertEdge(ctx, ex.ID, RelGeneratedBy, modelNode, map[string]any{"timestamp": ts}); err != nil {
			return model.Transient(model.KindStore, "model edge write failed", err)
		}
	}
	for _, scene := range ex.Scenes {
		sceneID := ex.ID + ":scene:" + strconv.Itoa(scene.Ordinal)
		sprops := map[string]any{"ordinal": scene.Ordinal, "text": scene.Text, "source_chunk_ids": scene.SourceChunkIDs}
		if err := p.Graph.UpsertNode(ctx, sceneID, []string{LabelScene}, sprops); err != nil {
			return model.Transient(model.KindStore, "scene node write failed", err)
		}
		if err := p.Graph.UpsertEdge(ctx, ex.ID, RelHasScene, sceneID, map[string]any{"ordinal": scene.Ordinal}); err != nil {
			return model.Transient(model.KindStore, "scene edge write failed", err)
		}
		for _, docID := range scene.SourceDocIDs {
			if err := p.Graph.UpsertEdge(ctx, sceneID, RelSourcedFrom, docID, nil); err != nil {
				return model.Transient(model.KindStore, "scene source edge write failed", err)
			}
		}
	}
	return nil
}

// GetGeneratedContentFromDoc returns the export artifacts generated from a
// document, ordered by export ID.
func (p *Provenance) GetGeneratedContentFromDoc(ctx context.Context, docID string) ([]model.ExportArtifact, error) {
	exportIDs, err := p.Graph.Incoming(ctx, docID, RelGeneratedFrom)
	if err != nil {
		return nil, err
	}
	out := make([]model.ExportArtifact, 0, len(exportIDs))
	for _, exID := range exportIDs {
		node, ok, err := p.Graph.GetNode(ctx, exID)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		ex := model.ExportArtifact{ID: exID, Format: toString(node.Props["format"])}
		if t, terr := time.Parse(time.RFC3339, toString(node.Props["created_at"])); terr == nil {
			ex.CreatedAt = t
		}
		ex.SourceDocIDs, err = p.Graph.Neighbors(ctx, exID, RelGeneratedFrom)
		if err != nil {
			return nil, err
		}
		modelIDs, err := p.Graph.Neighbors(ctx, exID, RelGeneratedBy)
		if err != nil {
			return nil, err
		}
		for _, mid := range modelIDs {
			if mnode, mok, merr := p.Graph.GetNode(ctx, mid); merr == nil && mok {
				ex.ModelsUsed = append(ex.ModelsUsed, toString(mnode.Props["name"]))
			}
		}
		sceneIDs, err := p.Graph.Neighbors(ctx, exID, RelHasScene)
		if err != nil {
			return nil, err
		}
		for _, sid := range sceneIDs {
			snode, sok, serr := p.Graph.GetNode(ctx, sid)
			if serr != nil || !sok {
				continue
			}
			scene := model.Scene{
				Ordinal:        intFromAny(snode.Props["ordinal"]),
				Text:           toString(snode.Props["text"]),
				SourceChunkIDs: anyToStrings(snode.Props["source_chunk_ids"]),
			}
			scene.SourceDocIDs, _ = p.Graph.Neighbors(ctx, sid, RelSourcedFrom)
			ex.Scenes = append(ex.Scenes, scene)
		}
		sort.Slice(ex.Scenes, func(i, j int) bool { return ex.Scenes[i].Ordinal < ex.Scenes[j].Ordinal })
		out = append(out, ex)
	}
	return out, nil
}

// DeleteDocument cascades by doc_id: mention and chunk graph nodes, the
// Document node, chunk vectors, the blob, and finally the metadata row.
// Entity nodes stay; other documents may reference them.
func (p *Provenance) DeleteDocument(ctx context.Context, docID string) error {
	chunkIDs, err := p.Graph.Neighbors(ctx, docID, RelHasChunk)
	if err != nil {
		return model.Transient(model.KindStore, "list chunks failed", err)
	}
	for _, chunkID := range chunkIDs {
		mentionIDs, err := p.Graph.Neighbors(ctx, chunkID, RelMentions)
		if err != nil {
			return model.Transient(model.KindStore, "list mentions failed", err)
		}
		for _, mid := range mentionIDs {
			if err := p.Graph.DeleteNode(ctx, mid); err != nil {
				return model.Transient(model.KindStore, "delete mention failed", err)
			}
		}
		if err := p.Graph.DeleteNode(ctx, chunkID); err != nil {
			return model.Transient(model.KindStore, "delete chunk node failed", err)
		}
	}
	if err := p.Graph.DeleteNode(ctx, docID); err != nil {
		return model.Transient(model.KindStore, "delete document node failed", err)
	}
	if err := p.Vector.DeleteByDoc(ctx, docID); err != nil {
		return model.Transient(model.KindStore, "delete vectors failed", err)
	}
	if err := p.Blob.Delete(ctx, docID); err != nil {
		return model.Transient(model.KindStore, "delete blob failed", err)
	}
	if err := p.Meta.DeleteDocument(ctx, docID); err != nil {
		return model.Transient(model.KindStore, "delete metadata failed", err)
	}
	return nil
}

// Reconcile removes partially written documents: any candidate with backend
// rows but no graph commit marker is cascaded away. Returns the doc IDs
// removed.
func (p *Provenance) Reconcile(ctx context.Context, candidates []string) ([]string, error) {
	var removed []string
	for _, docID := range candidates {
		committed, err := p.Committed(ctx, docID)
		if err != nil {
			return removed, err
		}
		if committed {
			continue
		}
		if err := p.DeleteDocument(ctx, docID); err != nil {
			return removed, err
		}
		removed = append(removed, docID)
	}
	return removed, nil
}

func unionStrings(a, b []string) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, s := range append(a, b...) {
		if s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func anyToStrings(v any) []string {
	switch x := v.(type) {
	case []string:
		return x
	case []any:
		out := make([]string, 0, len(x))
		for _, el := range x {
			if s, ok := el.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func intFromAny(v any) int {
	if f, ok := toFloat(v); ok {
		return int(f)
	}
	return 0
}

