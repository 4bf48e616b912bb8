// Package httpapi exposes the submission, status, streaming, and query
// endpoints.
package httpapi

import (
	"net/http"
	"time"

	"tracelight/internal/citations"
	"tracelight/internal/jobs"
	"tracelight/internal/progress"
	"tracelight/internal/retrieve"
)

// Server wires the HTTP surface to the engine components.
type Server struct {
	manager   *jobs.Manager
	retriever *retrieve.Retriever
	resolver  *citations.Resolver
	bus       *progress.Bus
	heartbeat time.Duration
	mux       *http.ServeMux

	// MaxQueueDepth, when positive, sheds new submissions with 429 once the
	// queue backs up past it.
	MaxQueueDepth int
}

// NewServer creates the HTTP API server.
func NewServer(manager *jobs.Manager, retriever *retrieve.Retriever, resolver *citations.Resolver, bus *progress.Bus, heartbeat time.Duration) *Server {
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	s := &Server{
		manager:   manager,
		retriever: retriever,
		resolver:  resolver,
		bus:       bus,
		heartbeat: heartbeat,
		mux:       http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// ServeHTTP satisfies http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("POST /ingest", s.handleSubmit)
	s.mux.HandleFunc("POST /ingest/batch", s.handleSubmitBatch)
	// {rest} carries "<job_id>:cancel" / "<job_id>:retry" action suffixes
	s.mux.HandleFunc("POST /ingest/{rest}", s.handleJobAction)
	s.mux.HandleFunc("GET /ingest/{jobID}", s.handleStatus)
	s.mux.HandleFunc("GET /stream/{jobID}", s.handleStream)
	s.mux.HandleFunc("POST /query", s.handleQuery)
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
}
