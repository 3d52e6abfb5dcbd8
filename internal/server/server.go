// Package server exposes runs, knowledge and memory over HTTP and streams
// lifecycle events to websocket clients.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/aristath/crew/internal/knowledge"
	"github.com/aristath/crew/internal/memory"
	"github.com/aristath/crew/internal/orchestrator"
	"github.com/aristath/crew/internal/persistence"
)

// RunStarter starts crew runs; *orchestrator.Runner satisfies it.
type RunStarter interface {
	Run(ctx context.Context, inputs map[string]string) (*orchestrator.RunResult, error)
}

// Options configures a Server. Runs is required; routes backed by a nil
// store or runner answer 503.
type Options struct {
	Runs      persistence.Store
	Memory    *memory.Store
	Knowledge *knowledge.Store
	Retriever knowledge.RetrieverOptions
	Hub       *Hub

	// Runner, if set, enables POST /api/runs. Runs started over HTTP live
	// until Context is done, not until the request ends.
	Runner  RunStarter
	Context context.Context
}

// Server is the HTTP API.
type Server struct {
	runs      persistence.Store
	memory    *memory.Store
	knowledge *knowledge.Store
	retriever *knowledge.Retriever
	hub       *Hub
	mux       *http.ServeMux

	starter RunStarter
	ctx     context.Context
	active  sync.WaitGroup
}

// New creates a Server with all routes registered.
func New(opts Options) *Server {
	hub := opts.Hub
	if hub == nil {
		hub = NewHub()
	}
	ctx := opts.Context
	if ctx == nil {
		ctx = context.Background()
	}
	s := &Server{
		runs:      opts.Runs,
		memory:    opts.Memory,
		knowledge: opts.Knowledge,
		hub:       hub,
		mux:       http.NewServeMux(),
		starter:   opts.Runner,
		ctx:       ctx,
	}
	if s.knowledge != nil {
		s.retriever = knowledge.NewRetriever(s.knowledge, opts.Retriever)
	}
	s.routes()
	return s
}

// Hub returns the event hub; register it as an observer on runners.
func (s *Server) Hub() *Hub {
	return s.hub
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/health", s.handleHealth)

	// Runs
	s.mux.HandleFunc("GET /api/runs", s.handleListRuns)
	s.mux.HandleFunc("POST /api/runs", s.handleStartRun)
	s.mux.HandleFunc("GET /api/runs/{id}", s.handleGetRun)
	s.mux.HandleFunc("GET /api/runs/{id}/tasks", s.handleRunTasks)
	s.mux.HandleFunc("GET /api/runs/{id}/attempts", s.handleRunAttempts)

	// Knowledge
	s.mux.HandleFunc("GET /api/knowledge", s.handleListNamespaces)
	s.mux.HandleFunc("POST /api/knowledge/{ns}/query", s.handleKnowledgeQuery)

	// Memory
	s.mux.HandleFunc("GET /api/memory/{tier}", s.handleMemoryQuery)
	s.mux.HandleFunc("DELETE /api/memory/{tier}", s.handleMemoryReset)

	// Events
	s.mux.Handle("GET /api/events", s.hub)
}

// Wait blocks until every run started over HTTP has returned.
func (s *Server) Wait() {
	s.active.Wait()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "crew",
		"clients": s.hub.Clients(),
	})
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response with the given status code and message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
