package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"tracelight/internal/progress"
	"tracelight/internal/store"
)

// handleStream serves the SSE progress feed for one job. The stream
// terminates after a job_completed or error event. A subscriber joining
// after the job finished receives a single synthetic terminal event.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
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

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "internal", "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	writeFrame := func(ev progress.Event) bool {
		payload, err := json.Marshal(ev)
		if err != nil {
			return false
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, payload); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	if job.Status.Terminal() {
		writeFrame(progress.SyntheticTerminal(job))
		return
	}

	sub := s.bus.Subscribe(jobID)
	defer sub.Unsubscribe()

	// the job may have finished between the status read and the subscribe
	if job, err := s.manager.Status(r.Context(), jobID); err == nil && job.Status.Terminal() {
		writeFrame(progress.SyntheticTerminal(job))
		return
	}

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			// a job can finish between our subscribe and its last publish;
			// the status re-check converts that into a synthetic terminal
			if job, err := s.manager.Status(r.Context(), jobID); err == nil && job.Status.Terminal() {
				writeFrame(progress.SyntheticTerminal(job))
				return
			}
			if !writeFrame(progress.Event{Kind: progress.EventHeartbeat, Timestamp: time.Now().UTC()}) {
				return
			}
		case ev, open := <-sub.C:
			if !open {
				return
			}
			if !writeFrame(ev) {
				return
			}
			if ev.Terminal() {
				return
			}
			heartbeat.Reset(s.heartbeat)
		}
	}
}
