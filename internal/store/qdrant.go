package store

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"tracelight/internal/model"
)

// Qdrant only allows UUIDs and positive integers as point IDs, so points get
// a deterministic UUID derived from the chunk URN, with the URN kept in the
// payload.
const payloadIDField = "_original_id"

// QdrantVector implements VectorStore against a qdrant collection.
type QdrantVector struct {
	client     *qdrant.Client
	collection string
	dimension  int
	metric     string // cosine|dot|euclidean
}

// NewQdrantVector connects to qdrant (gRPC, port 6334 by default) and
// ensures the collection exists with the declared geometry. An API key may
// be passed as a query parameter on the DSN.
func NewQdrantVector(dsn, collection string, dimension int, metric string) (*QdrantVector, error) {
	if collection == "" {
		return nil, fmt.Errorf("collection name is required")
	}
	if dimension <= 0 {
		return nil, fmt.Errorf("qdrant requires dimension > 0")
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse qdrant DSN: %w", err)
	}
	host := parsed.Hostname()
	if host == "" {
		host = "localhost"
	}
	port := parsed.Port()
	if port == "" {
		port = "6334"
	}
	portNum, err := strconv.Atoi(port)
	if err != nil {
		return nil, fmt.Errorf("invalid port in qdrant DSN: %w", err)
	}
	cfg := &qdrant.Config{Host: host, Port: portNum}
	if parsed.Scheme == "https" {
		cfg.UseTLS = true
	}
	if apiKey := parsed.Query().Get("api_key"); apiKey != "" {
		cfg.APIKey = apiKey
	}
	client, err := qdrant.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("create qdrant client: %w", err)
	}
	qv := &QdrantVector{
		client:     client,
		collection: collection,
		dimension:  dimension,
		metric:     strings.ToLower(strings.TrimSpace(metric)),
	}
	if err := qv.ensureCollection(context.Background()); err != nil {
		client.Close()
		return nil, fmt.Errorf("ensure collection: %w", err)
	}
	return qv, nil
}

func (q *QdrantVector) distance() qdrant.Distance {
	switch q.metric {
	case "euclidean", "l2":
		return qdrant.Distance_Euclid
	case "dot", "ip":
		return qdrant.Distance_Dot
	default:
		return qdrant.Distance_Cosine
	}
}

func (q *QdrantVector) ensureCollection(ctx context.Context) error {
	exists, err := q.client.CollectionExists(ctx, q.collection)
	if err != nil {
		return fmt.Errorf("check collection exists: %w", err)
	}
	if exists {
		return nil
	}
	return q.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: q.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(q.dimension),
			Distance: q.distance(),
		}),
	})
}

// Validate checks the live collection's geometry against the declared
// config.
func (q *QdrantVector) Validate(ctx context.Context) error {
	info, err := q.client.GetCollectionInfo(ctx, q.collection)
	if err != nil {
		return fmt.Errorf("get collection info: %w", err)
	}
	params := info.GetConfig().GetParams().GetVectorsConfig().GetParams()
	if params == nil {
		return fmt.Errorf("collection %q has no vector params", q.collection)
	}
	if int(params.GetSize()) != q.dimension {
		return fmt.Errorf("collection %q dimension is %d, config declares %d", q.collection, params.GetSize(), q.dimension)
	}
	if params.GetDistance() != q.distance() {
		return fmt.Errorf("collection %q distance is %s, config declares %s", q.collection, params.GetDistance(), q.distance())
	}
	return nil
}

func pointUUID(id string) string {
	if _, err := uuid.Parse(id); err == nil {
		return id
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(id)).String()
}

func (q *QdrantVector) UpsertBatch(ctx context.Context, points []VectorPoint) error {
	if len(points) == 0 {
		return nil
	}
	qpoints := make([]*qdrant.PointStruct, 0, len(points))
	for _, p := range points {
		if len(p.Vector) != q.dimension {
			return model.Ef(model.KindStore, "vector %s has dim %d, collection declares %d", p.ID, len(p.Vector), q.dimension)
		}
		payload := make(map[string]any, len(p.Payload)+1)
		for k, v := range p.Payload {
			payload[k] = normalizePayloadValue(v)
		}
		payload[payloadIDField] = p.ID
		vec := make([]float32, len(p.Vector))
		copy(vec, p.Vector)
		qpoints = append(qpoints, &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(pointUUID(p.ID)),
			Vectors: qdrant.NewVectorsDense(vec),
			Payload: qdrant.NewValueMap(payload),
		})
	}
	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection,
		Points:         qpoints,
	})
	return err
}

// normalizePayloadValue converts payload values into kinds NewValueMap
// accepts.
func normalizePayloadValue(v any) any {
	switch x := v.(type) {
	case []string:
		out := make([]any, len(x))
		for i, s := range x {
			out[i] = s
		}
		return out
	default:
		return v
	}
}

func (q *QdrantVector) Search(ctx context.Context, vector []float32, limit int, filter *Filter) ([]VectorHit, error) {
	if limit <= 0 {
		return []VectorHit{}, nil
	}
	vec := make([]float32, len(vector))
	copy(vec, vector)
	qfilter, err := convertFilter(filter)
	if err != nil {
		return nil, err
	}
	lim := uint64(limit)
	result, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQueryDense(vec),
		Limit:          &lim,
		Filter:         qfilter,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, err
	}
	hits := make([]VectorHit, 0, len(result))
	for _, hit := range result {
		id, payload := decodePayload(hit.Payload)
		if id == "" {
			id = hit.Id.GetUuid()
		}
		hits = append(hits, VectorHit{ID: id, Score: float64(hit.Score), Payload: payload})
	}
	// qdrant orders by score; apply the deterministic tie-break on top
	sortHits(hits)
	return hits, nil
}

func (q *QdrantVector) ByDoc(ctx context.Context, docID string) ([]VectorHit, error) {
	limit := uint32(1024)
	points, err := q.client.Scroll(ctx, &qdrant.ScrollPoints{
		CollectionName: q.collection,
		Filter:         &qdrant.Filter{Must: []*qdrant.Condition{qdrant.NewMatch("doc_id", docID)}},
		Limit:          &limit,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, err
	}
	hits := make([]VectorHit, 0, len(points))
	for _, p := range points {
		id, payload := decodePayload(p.Payload)
		if id == "" {
			id = p.Id.GetUuid()
		}
		hits = append(hits, VectorHit{ID: id, Payload: payload})
	}
	sort.Slice(hits, func(i, j int) bool {
		return payloadInt(hits[i].Payload, "ordinal") < payloadInt(hits[j].Payload, "ordinal")
	})
	return hits, nil
}

func (q *QdrantVector) DeleteByDoc(ctx context.Context, docID string) error {
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collection,
		Points: qdrant.NewPointsSelectorFilter(&qdrant.Filter{
			Must: []*qdrant.Condition{qdrant.NewMatch("doc_id", docID)},
		}),
	})
	return err
}

func (q *QdrantVector) Close() error { return q.client.Close() }

// convertFilter translates the portable filter into qdrant conditions:
// equality to a match, list membership to a keyword match, ranges to a
// range condition.
func convertFilter(filter *Filter) (*qdrant.Filter, error) {
	if filter == nil || len(filter.Must) == 0 {
		return nil, nil
	}
	must := make([]*qdrant.Condition, 0, len(filter.Must))
	for _, c := range filter.Must {
		switch {
		case c.Eq != nil:
			switch v := c.Eq.(type) {
			case string:
				must = append(must, qdrant.NewMatch(c.Field, v))
			case int:
				must = append(must, qdrant.NewMatchInt(c.Field, int64(v)))
			case int64:
				must = append(must, qdrant.NewMatchInt(c.Field, v))
			case float64:
				f := v
				must = append(must, qdrant.NewRange(c.Field, &qdrant.Range{Gte: &f, Lte: &f}))
			default:
				return nil, model.Ef(model.KindStore, "unsupported filter value type for %q", c.Field)
			}
		case c.In != nil:
			must = append(must, qdrant.NewMatchKeywords(c.Field, c.In...))
		case c.Min != nil || c.Max != nil:
			must = append(must, qdrant.NewRange(c.Field, &qdrant.Range{Gte: c.Min, Lte: c.Max}))
		}
	}
	return &qdrant.Filter{Must: must}, nil
}

// decodePayload converts a qdrant payload back into the portable map and
// pulls out the original chunk URN.
func decodePayload(payload map[string]*qdrant.Value) (string, map[string]any) {
	out := make(map[string]any, len(payload))
	var originalID string
	for k, v := range payload {
		if k == payloadIDField {
			originalID = v.GetStringValue()
			continue
		}
		out[k] = decodeValue(v)
	}
	return originalID, out
}

func decodeValue(v *qdrant.Value) any {
	switch v.GetKind().(type) {
	case *qdrant.Value_StringValue:
		return v.GetStringValue()
	case *qdrant.Value_IntegerValue:
		return int(v.GetIntegerValue())
	case *qdrant.Value_DoubleValue:
		return v.GetDoubleValue()
	case *qdrant.Value_BoolValue:
		return v.GetBoolValue()
	case *qdrant.Value_ListValue:
		vals := v.GetListValue().GetValues()
		out := make([]string, 0, len(vals))
		for _, el := range vals {
			out = append(out, el.GetStringValue())
		}
		return out
	default:
		return nil
	}
}

var _ VectorStore = (*QdrantVector)(nil)
