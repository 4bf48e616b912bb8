package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tracelight/internal/citations"
	"tracelight/internal/config"
	"tracelight/internal/embedder"
	"tracelight/internal/extract"
	"tracelight/internal/ids"
	"tracelight/internal/jobs"
	"tracelight/internal/llm"
	"tracelight/internal/model"
	"tracelight/internal/pipeline"
	"tracelight/internal/progress"
	"tracelight/internal/retrieve"
	"tracelight/internal/screen"
	"tracelight/internal/store"
	"tracelight/internal/transform"
)

type fakeExtractor struct {
	raw *extract.RawContent
	err error
}

func (f *fakeExtractor) Extract(context.Context, string) (*extract.RawContent, error) {
	return f.raw, f.err
}

type scriptedLLM struct{ reply string }

func (s *scriptedLLM) Complete(context.Context, string, string) (string, llm.Usage, error) {
	return s.reply, llm.Usage{}, nil
}
func (s *scriptedLLM) Model() string { return "scripted" }

var articleText = "Jane Smith founded Acme Corp in 2015. The company is based in Berlin.\n" +
	strings.Repeat("Acme Corp builds provenance tooling for research teams. ", 30)

func newTestServer(t *testing.T, extractErr error, answerReply string) (*httptest.Server, *jobs.Manager) {
	t.Helper()
	cfg := config.Config{}
	cfg.ApplyDefaults()
	cfg.Chunk.TargetChars = 300
	cfg.Chunk.OverlapChars = 60

	idsvc := ids.NewService(nil)
	meta := store.NewMemoryMeta()
	prov := store.NewProvenance(meta, store.NewMemoryBlob(), store.NewMemoryVector(64), store.NewMemoryGraph(), nil)
	bus := progress.NewBus(256)
	emb := embedder.NewDeterministic(64, 0)

	web := &fakeExtractor{
		raw: &extract.RawContent{SourceType: model.SourceWeb, Text: articleText, Title: "Acme Story"},
		err: extractErr,
	}
	scr := screen.New(&scriptedLLM{reply: `{"quality_score": 8.2, "decision": "ACCEPT", "reasoning": "ok"}`}, screen.NewMemoryCache(time.Hour, nil))
	pipe := pipeline.New(cfg, idsvc, extract.NewRegistry(web, nil, nil), scr, transform.New(nil), emb, nil, prov, bus, nil)

	mgr := jobs.NewManager(idsvc, jobs.NewMemoryStatus(time.Hour, nil), meta, bus, pipe, jobs.Options{
		Workers:   2,
		RetryBase: 5 * time.Millisecond,
		RetryMax:  20 * time.Millisecond,
	}, nil, nil)
	mgr.Start(context.Background())
	t.Cleanup(mgr.Stop)

	retriever := retrieve.New(emb, prov.Vector, nil)
	resolver := citations.NewResolver(&scriptedLLM{reply: answerReply}, prov)
	srv := httptest.NewServer(NewServer(mgr, retriever, resolver, bus, 50*time.Millisecond))
	t.Cleanup(srv.Close)
	return srv, mgr
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	return resp
}

func decode(t *testing.T, resp *http.Response, into any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(into))
}

func waitForTerminal(t *testing.T, base, jobID string) statusResponse {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(base + "/ingest/" + jobID)
		require.NoError(t, err)
		var sr statusResponse
		decode(t, resp, &sr)
		if model.JobStatus(sr.Status).Terminal() {
			return sr
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("job never reached terminal state")
	return statusResponse{}
}

func TestSubmitAndComplete(t *testing.T) {
	srv, _ := newTestServer(t, nil, "answer [1]")
	resp := postJSON(t, srv.URL+"/ingest", map[string]any{"url": "https://example.com/a?utm_source=x", "priority": 5})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var sr submitResponse
	decode(t, resp, &sr)
	assert.NotEmpty(t, sr.JobID)
	assert.Equal(t, "queued", sr.Status)
	assert.Equal(t, "/stream/"+sr.JobID, sr.StreamURL)

	final := waitForTerminal(t, srv.URL, sr.JobID)
	assert.Equal(t, string(model.StatusCompleted), final.Status)
	assert.Equal(t, 100, final.Progress.PercentComplete)
	require.NotNil(t, final.Result)
	assert.Equal(t, "B", final.Result["tier"])
}

func TestSubmitInvalidURL(t *testing.T) {
	srv, _ := newTestServer(t, nil, "")
	resp := postJSON(t, srv.URL+"/ingest", map[string]any{"url": "notaurl"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSubmitBadPriority(t *testing.T) {
	srv, _ := newTestServer(t, nil, "")
	resp := postJSON(t, srv.URL+"/ingest", map[string]any{"url": "https://example.com/x", "priority": 99})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStatusNotFound(t *testing.T) {
	srv, _ := newTestServer(t, nil, "")
	resp, err := http.Get(srv.URL + "/ingest/nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCancelTerminalConflicts(t *testing.T) {
	srv, _ := newTestServer(t, nil, "")
	resp := postJSON(t, srv.URL+"/ingest", map[string]any{"url": "https://example.com/cancel-me"})
	var sr submitResponse
	decode(t, resp, &sr)
	waitForTerminal(t, srv.URL, sr.JobID)

	cresp := postJSON(t, srv.URL+"/ingest/"+sr.JobID+":cancel", map[string]any{})
	defer cresp.Body.Close()
	assert.Equal(t, http.StatusConflict, cresp.StatusCode)
}

func TestRetryNotFailedConflicts(t *testing.T) {
	srv, _ := newTestServer(t, nil, "")
	resp := postJSON(t, srv.URL+"/ingest", map[string]any{"url": "https://example.com/retry-me"})
	var sr submitResponse
	decode(t, resp, &sr)
	waitForTerminal(t, srv.URL, sr.JobID)

	rresp := postJSON(t, srv.URL+"/ingest/"+sr.JobID+":retry", map[string]any{})
	defer rresp.Body.Close()
	assert.Equal(t, http.StatusConflict, rresp.StatusCode)
}

func TestSubmitBatchPartialFailures(t *testing.T) {
	srv, _ := newTestServer(t, nil, "")
	resp := postJSON(t, srv.URL+"/ingest/batch", map[string]any{
		"urls": []string{"https://example.com/one", "notaurl", "https://example.com/two"},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var body struct {
		Submitted int                  `json:"submitted"`
		Failed    int                  `json:"failed"`
		Outcomes  []jobs.BatchOutcome  `json:"outcomes"`
	}
	decode(t, resp, &body)
	assert.Equal(t, 2, body.Submitted)
	assert.Equal(t, 1, body.Failed)
	require.Len(t, body.Outcomes, 3)
	assert.NotEmpty(t, body.Outcomes[1].Error)
}

func TestStreamLateSubscriberGetsSyntheticTerminal(t *testing.T) {
	srv, _ := newTestServer(t, nil, "")
	resp := postJSON(t, srv.URL+"/ingest", map[string]any{"url": "https://example.com/late"})
	var sr submitResponse
	decode(t, resp, &sr)
	waitForTerminal(t, srv.URL, sr.JobID)

	stream, err := http.Get(srv.URL + "/stream/" + sr.JobID)
	require.NoError(t, err)
	defer stream.Body.Close()
	assert.Equal(t, "text/event-stream", stream.Header.Get("Content-Type"))

	reader := bufio.NewReader(stream.Body)
	var kinds []string
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			break
		}
		if strings.HasPrefix(line, "event: ") {
			kinds = append(kinds, strings.TrimSpace(strings.TrimPrefix(line, "event: ")))
		}
	}
	require.Len(t, kinds, 1)
	assert.Equal(t, "job_completed", kinds[0])
}

func TestStreamLiveJobEmitsLifecycle(t *testing.T) {
	srv, _ := newTestServer(t, nil, "")
	resp := postJSON(t, srv.URL+"/ingest", map[string]any{"url": "https://example.com/live"})
	var sr submitResponse
	decode(t, resp, &sr)

	stream, err := http.Get(srv.URL + "/stream/" + sr.JobID)
	require.NoError(t, err)
	defer stream.Body.Close()

	reader := bufio.NewReader(stream.Body)
	kinds := map[string]bool{}
	deadline := time.After(5 * time.Second)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				return
			}
			if strings.HasPrefix(line, "event: ") {
				kind := strings.TrimSpace(strings.TrimPrefix(line, "event: "))
				kinds[kind] = true
				if kind == "job_completed" || kind == "error" {
					return
				}
			}
		}
	}()
	select {
	case <-done:
	case <-deadline:
		t.Fatal("stream never terminated")
	}
	// either we subscribed in time for the full lifecycle, or the job beat
	// us and we received a synthetic terminal; both end with job_completed
	assert.True(t, kinds["job_completed"])
}

func TestQueryReturnsAnswerWithCitations(t *testing.T) {
	srv, _ := newTestServer(t, nil, "Acme Corp was founded by Jane Smith [1].")
	// ingest a document first
	resp := postJSON(t, srv.URL+"/ingest", map[string]any{"url": "https://example.com/corpus"})
	var sr submitResponse
	decode(t, resp, &sr)
	waitForTerminal(t, srv.URL, sr.JobID)

	qresp := postJSON(t, srv.URL+"/query", map[string]any{"query": "who founded acme", "top_k": 5})
	require.Equal(t, http.StatusOK, qresp.StatusCode)
	var result citations.Result
	decode(t, qresp, &result)
	assert.Contains(t, result.Answer, "[1]")
	require.NotEmpty(t, result.Citations)
	assert.Equal(t, 1, result.Citations[0].Index)
	assert.Equal(t, "Acme Story", result.Citations[0].DocTitle)
}

func TestQueryEmptyQueryRejected(t *testing.T) {
	srv, _ := newTestServer(t, nil, "")
	resp := postJSON(t, srv.URL+"/query", map[string]any{"query": ""})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestQueryUnknownFilterRejected(t *testing.T) {
	srv, _ := newTestServer(t, nil, "")
	resp := postJSON(t, srv.URL+"/query", map[string]any{"query": "x", "filters": map[string]any{"bogus": 1}})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestQueryTopKZero(t *testing.T) {
	srv, _ := newTestServer(t, nil, "")
	resp := postJSON(t, srv.URL+"/query", map[string]any{"query": "anything", "top_k": 0})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var result citations.Result
	decode(t, resp, &result)
	assert.Contains(t, result.Answer, "No sources were found")
	assert.Empty(t, result.Citations)
}

func TestQueryInvalidCitationFromModel(t *testing.T) {
	srv, _ := newTestServer(t, nil, "Claim [9].")
	resp := postJSON(t, srv.URL+"/ingest", map[string]any{"url": "https://example.com/badmodel"})
	var sr submitResponse
	decode(t, resp, &sr)
	waitForTerminal(t, srv.URL, sr.JobID)

	qresp := postJSON(t, srv.URL+"/query", map[string]any{"query": "who founded acme", "top_k": 3})
	defer qresp.Body.Close()
	assert.Equal(t, http.StatusBadGateway, qresp.StatusCode)
}
