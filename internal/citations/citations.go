// Package citations turns ranked retrieval hits into an answer with
// enumerated, verifiable citations. The table indices [1..N] are the only
// legal markers in the answer text, and a paginated request renumbers its
// page from 1 before the prompt is built, so an answer's markers always
// refer to the table it ships with.
package citations

import (
	"context"
	"fmt"
	"strings"

	"tracelight/internal/llm"
	"tracelight/internal/model"
	"tracelight/internal/observability"
	"tracelight/internal/retrieve"
	"tracelight/internal/store"
)

// quoteCap bounds quote_text length in table entries.
const quoteCap = 280

// Entry is one citation slot.
type Entry struct {
	Index           int     `json:"index"`
	DocURL          string  `json:"doc_url"`
	DocTitle        string  `json:"doc_title"`
	ChunkID         string  `json:"chunk_id"`
	PageOrTimestamp string  `json:"page_or_timestamp,omitempty"`
	ByteStart       int     `json:"byte_start"`
	ByteEnd         int     `json:"byte_end"`
	QuoteText       string  `json:"quote_text"`
	Confidence      float64 `json:"confidence"`
}

// Table is the numbered citation list accompanying an answer.
type Table struct {
	Entries []Entry `json:"entries"`
}

// Size returns N, the highest legal marker.
func (t Table) Size() int { return len(t.Entries) }

// BuildCitationTable numbers hits 1..N and extracts the byte-precise
// source coordinates for each.
func BuildCitationTable(hits []retrieve.Hit) Table {
	entries := make([]Entry, 0, len(hits))
	for i, h := range hits {
		quote := h.Chunk.Text
		if len(quote) > quoteCap {
			quote = quote[:quoteCap] + "…"
		}
		entries = append(entries, Entry{
			Index:           i + 1,
			DocURL:          payloadStr(h.Payload, "url"),
			DocTitle:        payloadStr(h.Payload, "title"),
			ChunkID:         h.ChunkID,
			PageOrTimestamp: pageOrTimestamp(h.Chunk),
			ByteStart:       h.Chunk.ByteStart,
			ByteEnd:         h.Chunk.ByteEnd,
			QuoteText:       quote,
			Confidence:      h.Score,
		})
	}
	return Table{Entries: entries}
}

func pageOrTimestamp(c model.Chunk) string {
	switch c.Source.Type {
	case model.SourcePDF:
		if c.Source.PageNumber > 0 {
			return fmt.Sprintf("p. %d", c.Source.PageNumber)
		}
	case model.SourceYouTube:
		if c.Source.TimestampStart != "" {
			return c.Source.TimestampStart + "-" + c.Source.TimestampEnd
		}
	}
	return ""
}

func payloadStr(p map[string]any, key string) string {
	if s, ok := p[key].(string); ok {
		return s
	}
	return ""
}

// BuildPrompt assembles the system and user prompts. The system instruction
// enumerates the citation rules; the user prompt carries the query and the
// numbered source excerpts.
func BuildPrompt(query string, table Table) (system, user string) {
	n := table.Size()
	system = fmt.Sprintf(`You answer questions using only the numbered source excerpts provided.
Citation rules:
(a) use only citation indices in [1..%d];
(b) place the citation marker immediately after each supported claim, like [2];
(c) claims not supported by a source are not permitted;
(d) the allowed index range is 1 to %d inclusive, no other index may appear.`, n, n)

	var sb strings.Builder
	sb.WriteString("Question: ")
	sb.WriteString(query)
	sb.WriteString("\n\nSources:\n")
	for _, e := range table.Entries {
		sb.WriteString(fmt.Sprintf("[%d] %s", e.Index, e.DocTitle))
		if e.PageOrTimestamp != "" {
			sb.WriteString(" (" + e.PageOrTimestamp + ")")
		}
		sb.WriteString("\n")
		sb.WriteString(e.QuoteText)
		sb.WriteString("\n\n")
	}
	return system, sb.String()
}

// ValidatedAnswer is an answer whose markers are all in range.
type ValidatedAnswer struct {
	Answer  string `json:"answer"`
	Markers []int  `json:"markers"`
}

// ValidationError reports out-of-range markers.
type ValidationError struct {
	Indices []int
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("InvalidCitationIndex%v", e.Indices)
}

// ValidateAnswer extracts citation markers [k] from the answer (ignoring
// fenced code blocks, inline code, and quoted strings) and asserts each
// k is in [1..N].
func ValidateAnswer(answer string, table Table) (ValidatedAnswer, error) {
	markers := extractMarkers(answer)
	n := table.Size()
	var bad []int
	for _, k := range markers {
		if k < 1 || k > n {
			bad = append(bad, k)
		}
	}
	if len(bad) > 0 {
		verr := &ValidationError{Indices: bad}
		return ValidatedAnswer{}, &model.Error{Kind: model.KindCitationValidation, Msg: verr.Error(), Err: verr}
	}
	return ValidatedAnswer{Answer: answer, Markers: markers}, nil
}

// ReasoningGraph is the answer-explaining subgraph for UI rendering.
type ReasoningGraph struct {
	Nodes []GraphNode `json:"nodes"`
	Edges []GraphEdge `json:"edges"`
}

type GraphNode struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Type  string `json:"type"`
}

type GraphEdge struct {
	Source     string  `json:"source"`
	Target     string  `json:"target"`
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

// Resolver runs answer generation over retrieval hits.
type Resolver struct {
	client llm.Client
	prov   *store.Provenance
}

// NewResolver builds a Resolver. client may be nil for validate-only use.
func NewResolver(client llm.Client, prov *store.Provenance) *Resolver {
	return &Resolver{client: client, prov: prov}
}

// Result is a self-consistent answer/citations pair, optionally with the
// reasoning subgraph.
type Result struct {
	Answer    string          `json:"answer"`
	Citations []Entry         `json:"citations"`
	Graph     *ReasoningGraph `json:"reasoning_graph,omitempty"`
}

// Answer paginates hits FIRST, renumbers the page from 1, builds the prompt
// from that page only, and validates the model's markers against the same
// table. page is 1-based; pageSize <= 0 disables pagination.
func (r *Resolver) Answer(ctx context.Context, query string, hits []retrieve.Hit, page, pageSize int, withGraph bool) (Result, error) {
	pageHits := Paginate(hits, page, pageSize)
	if len(pageHits) == 0 {
		return Result{
			Answer:    "No sources were found for this query.",
			Citations: []Entry{},
		}, nil
	}
	table := BuildCitationTable(pageHits)
	system, user := BuildPrompt(query, table)
	if r.client == nil {
		return Result{}, model.E(model.KindInternal, "no answer llm configured")
	}
	reply, _, err := r.client.Complete(ctx, system, user)
	if err != nil {
		return Result{}, model.Transient(model.KindInternal, "answer generation failed", err)
	}
	validated, err := ValidateAnswer(reply, table)
	if err != nil {
		// no partial answer: the caller gets the offending indices only
		return Result{}, err
	}
	result := Result{Answer: validated.Answer, Citations: table.Entries}
	if withGraph && r.prov != nil {
		if graph, gerr := r.Explain(ctx, validated.Answer, table); gerr == nil {
			result.Graph = graph
		} else {
			observability.LoggerWithTrace(ctx).Warn().Err(gerr).Msg("reasoning_graph_failed")
		}
	}
	return result, nil
}

// Paginate slices hits for the requested page (1-based). pageSize <= 0
// returns all hits.
func Paginate(hits []retrieve.Hit, page, pageSize int) []retrieve.Hit {
	if pageSize <= 0 {
		return hits
	}
	if page < 1 {
		page = 1
	}
	start := (page - 1) * pageSize
	if start >= len(hits) {
		return nil
	}
	end := start + pageSize
	if end > len(hits) {
		end = len(hits)
	}
	return hits[start:end]
}

// Explain returns the subgraph of entities mentioned in the answer plus
// relations between them that are evidenced by chunks in the table.
func (r *Resolver) Explain(ctx context.Context, answer string, table Table) (*ReasoningGraph, error) {
	tableChunks := map[string]struct{}{}
	for _, e := range table.Entries {
		tableChunks[e.ChunkID] = struct{}{}
	}
	// collect candidate entities from the documents behind the table
	seenDocs := map[string]struct{}{}
	var entities []model.Entity
	for _, e := range table.Entries {
		docID := chunkDocID(ctx, r.prov, e.ChunkID)
		if docID == "" {
			continue
		}
		if _, dup := seenDocs[docID]; dup {
			continue
		}
		seenDocs[docID] = struct{}{}
		ents, err := r.prov.GetEntitiesByDoc(ctx, docID)
		if err != nil {
			return nil, err
		}
		entities = append(entities, ents...)
	}

	lower := strings.ToLower(answer)
	mentioned := map[string]model.Entity{}
	for _, ent := range entities {
		if entityMentioned(lower, ent) {
			mentioned[ent.ID] = ent
		}
	}

	graph := &ReasoningGraph{}
	for _, ent := range mentioned {
		graph.Nodes = append(graph.Nodes, GraphNode{ID: ent.ID, Label: ent.CanonicalName, Type: ent.Type})
	}
	seenEdges := map[string]struct{}{}
	for id := range mentioned {
		rels, err := r.prov.GetRelations(ctx, id, 1)
		if err != nil {
			return nil, err
		}
		for _, rel := range rels {
			if _, ok := mentioned[rel.ObjectID]; !ok {
				continue
			}
			if _, ok := mentioned[rel.SubjectID]; !ok {
				continue
			}
			if !evidenceIntersects(rel.EvidenceChunkIDs, tableChunks) {
				continue
			}
			key := rel.SubjectID + "|" + rel.Predicate + "|" + rel.ObjectID
			if _, dup := seenEdges[key]; dup {
				continue
			}
			seenEdges[key] = struct{}{}
			graph.Edges = append(graph.Edges, GraphEdge{
				Source:     rel.SubjectID,
				Target:     rel.ObjectID,
				Label:      rel.Predicate,
				Confidence: rel.Confidence,
			})
		}
	}
	return graph, nil
}

func evidenceIntersects(chunkIDs []string, tableChunks map[string]struct{}) bool {
	for _, id := range chunkIDs {
		if _, ok := tableChunks[id]; ok {
			return true
		}
	}
	return false
}

func chunkDocID(ctx context.Context, prov *store.Provenance, chunkID string) string {
	docs, err := prov.Graph.Incoming(ctx, chunkID, store.RelHasChunk)
	if err != nil || len(docs) == 0 {
		return ""
	}
	return docs[0]
}

func entityMentioned(lowerAnswer string, ent model.Entity) bool {
	if ent.CanonicalName != "" && strings.Contains(lowerAnswer, strings.ToLower(ent.CanonicalName)) {
		return true
	}
	for _, alias := range ent.Aliases {
		if alias != "" && strings.Contains(lowerAnswer, strings.ToLower(alias)) {
			return true
		}
	}
	return false
}
