package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"tracelight/internal/jobs"
	"tracelight/internal/model"
	"tracelight/internal/retrieve"
	"tracelight/internal/store"
)

type submitRequest struct {
	URL      string         `json:"url"`
	Priority *int           `json:"priority,omitempty"`
	Options  map[string]any `json:"options,omitempty"`
}

type submitResponse struct {
	JobID     string `json:"job_id"`
	Status    string `json:"status"`
	StreamURL string `json:"stream_url"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	if s.MaxQueueDepth > 0 && s.manager.QueueDepth() >= s.MaxQueueDepth {
		respondError(w, http.StatusTooManyRequests, "rate_limited", "ingestion queue is full")
		return
	}
	priority := 5
	if req.Priority != nil {
		priority = *req.Priority
	}
	job, err := s.manager.Submit(r.Context(), req.URL, priority, submitOptions(req.Options))
	if err != nil {
		switch model.KindOf(err) {
		case model.KindInvalidInput:
			respondError(w, http.StatusBadRequest, "invalid_url", err.Error())
		case model.KindDuplicate:
			respondError(w, http.StatusConflict, "duplicate", err.Error())
		default:
			respondError(w, http.StatusInternalServerError, "internal", err.Error())
		}
		return
	}
	respondJSON(w, http.StatusAccepted, submitResponse{
		JobID:     job.ID,
		Status:    "queued",
		StreamURL: "/stream/" + job.ID,
	})
}

type batchRequest struct {
	URLs     []string `json:"urls"`
	Priority *int     `json:"priority,omitempty"`
}

func (s *Server) handleSubmitBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	if len(req.URLs) == 0 {
		respondError(w, http.StatusBadRequest, "invalid_input", "empty batch")
		return
	}
	priority := 5
	if req.Priority != nil {
		priority = *req.Priority
	}
	outcomes := s.manager.SubmitBatch(r.Context(), req.URLs, priority, jobs.SubmitOptions{})
	submitted := 0
	for _, o := range outcomes {
		if o.Error == "" {
			submitted++
		}
	}
	respondJSON(w, http.StatusAccepted, map[string]any{
		"submitted": submitted,
		"failed":    len(outcomes) - submitted,
		"outcomes":  outcomes,
	})
}

func submitOptions(raw map[string]any) jobs.SubmitOptions {
	opts := jobs.SubmitOptions{}
	if raw == nil {
		return opts
	}
	if v, ok := raw["max_attempts"].(float64); ok {
		opts.MaxAttempts = int(v)
	}
	return opts
}

type statusResponse struct {
	JobID       string         `json:"job_id"`
	Status      string         `json:"status"`
	URL         string         `json:"url"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Progress    progressView   `json:"progress"`
	Result      map[string]any `json:"result,omitempty"`
}

type progressView struct {
	CurrentStage    string   `json:"current_stage,omitempty"`
	StagesCompleted []string `json:"stages_completed"`
	PercentComplete int      `json:"percent_complete"`
	Error           string   `json:"error,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobID")
	job, err := s.manager.Status(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "not_found", "no such job")
			return
		}
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, statusView(job))
}

func statusView(job model.Job) statusResponse {
	resp := statusResponse{
		JobID:       job.ID,
		Status:      string(job.Status),
		URL:         job.URL,
		CreatedAt:   job.CreatedAt,
		StartedAt:   job.StartedAt,
		CompletedAt: job.CompletedAt,
		Progress: progressView{
			CurrentStage:    string(job.CurrentStage),
			StagesCompleted: completedStages(job),
			PercentComplete: job.ProgressPct,
			Error:           job.Error,
		},
	}
	if job.Result != nil {
		resp.Result = map[string]any{
			"doc_id": job.Result.DocID,
			"tier":   string(job.Result.Tier),
			"title":  job.Result.Title,
			"stored": job.Result.Stored,
		}
	}
	return resp
}

// completedStages derives the finished stage list from cumulative progress.
func completedStages(job model.Job) []string {
	out := []string{}
	cum := 0
	for _, st := range model.Stages {
		cum += model.StageWeights[st]
		if job.ProgressPct >= cum {
			out = append(out, string(st))
		}
	}
	return out
}

func (s *Server) handleJobAction(w http.ResponseWriter, r *http.Request) {
	rest := r.PathValue("rest")
	jobID, action, ok := strings.Cut(rest, ":")
	if !ok {
		respondError(w, http.StatusNotFound, "not_found", "unknown action")
		return
	}
	switch action {
	case "cancel":
		s.cancelJob(w, r, jobID)
	case "retry":
		s.retryJob(w, r, jobID)
	default:
		respondError(w, http.StatusNotFound, "not_found", "unknown action")
	}
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request, jobID string) {
	err := s.manager.Cancel(r.Context(), jobID)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, store.ErrNotFound):
		respondError(w, http.StatusNotFound, "not_found", "no such job")
	case errors.Is(err, jobs.ErrTerminalState):
		respondError(w, http.StatusConflict, "terminal_state", "job already finished")
	default:
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

func (s *Server) retryJob(w http.ResponseWriter, r *http.Request, jobID string) {
	err := s.manager.Retry(r.Context(), jobID)
	switch {
	case err == nil:
		respondJSON(w, http.StatusAccepted, map[string]any{"job_id": jobID, "status": "queued"})
	case errors.Is(err, store.ErrNotFound):
		respondError(w, http.StatusNotFound, "not_found", "no such job")
	case errors.Is(err, jobs.ErrNotFailed):
		respondError(w, http.StatusConflict, "not_failed", "job is not in FAILED state")
	case errors.Is(err, jobs.ErrAttemptsExhausted):
		respondError(w, http.StatusConflict, "attempts_exhausted", "no retry attempts left")
	default:
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

type queryRequest struct {
	Query    string         `json:"query"`
	TopK     *int           `json:"top_k,omitempty"`
	Filters  map[string]any `json:"filters,omitempty"`
	Page     int            `json:"page,omitempty"`
	PageSize int            `json:"page_size,omitempty"`
	MinScore float64        `json:"min_score,omitempty"`
	Graph    bool           `json:"reasoning_graph,omitempty"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	topK := 10
	if req.TopK != nil {
		topK = *req.TopK
	}
	hits, err := s.retriever.Search(r.Context(), req.Query, retrieve.Options{
		TopK:     topK,
		MinScore: req.MinScore,
		Filters:  req.Filters,
	})
	if err != nil {
		if model.KindOf(err) == model.KindInvalidInput {
			respondError(w, http.StatusBadRequest, "invalid_input", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	result, err := s.resolver.Answer(r.Context(), req.Query, hits, req.Page, req.PageSize, req.Graph)
	if err != nil {
		if model.KindOf(err) == model.KindCitationValidation {
			respondError(w, http.StatusBadGateway, "invalid_citation_index", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok", "queue_depth": s.manager.QueueDepth()})
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, code, msg string) {
	respondJSON(w, status, map[string]any{"error": code, "message": msg})
}
