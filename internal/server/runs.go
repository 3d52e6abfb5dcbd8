package server

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/aristath/crew/internal/persistence"
)

type runResponse struct {
	ID        string            `json:"id"`
	Crew      string            `json:"crew"`
	Inputs    map[string]string `json:"inputs"`
	Status    string            `json:"status"`
	Error     string            `json:"error,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

func toRunResponse(r persistence.Run) runResponse {
	return runResponse{
		ID:        r.ID,
		Crew:      r.Crew,
		Inputs:    r.Inputs,
		Status:    string(r.Status),
		Error:     r.Error,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

type taskResponse struct {
	ID      string `json:"id"`
	State   string `json:"state"`
	Retries int    `json:"retries"`
	Agent   string `json:"agent,omitempty"`
	Output  string `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}

type attemptResponse struct {
	TaskID    string    `json:"task_id"`
	Number    int       `json:"attempt"`
	Agent     string    `json:"agent"`
	Passed    bool      `json:"passed"`
	Feedback  []string  `json:"feedback"`
	Output    string    `json:"output,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	runs, err := s.runs.ListRuns(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	out := make([]runResponse, 0, len(runs))
	for _, run := range runs {
		out = append(out, toRunResponse(run))
	}
	writeJSON(w, http.StatusOK, out)
}

type startRunRequest struct {
	Inputs map[string]string `json:"inputs"`
}

// handleStartRun starts a run in the background. Progress is reported on
// the event stream; the run id arrives with the first event.
func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	if s.starter == nil {
		writeError(w, http.StatusServiceUnavailable, "no crew loaded")
		return
	}
	var req startRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	s.active.Add(1)
	go func() {
		defer s.active.Done()
		res, err := s.starter.Run(s.ctx, req.Inputs)
		if err != nil {
			log.Printf("ERROR: run failed to start: %v", err)
			return
		}
		log.Printf("Run %s finished: %s", res.RunID, res.Status)
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookupRun(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toRunResponse(*run))
}

func (s *Server) handleRunTasks(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookupRun(w, r)
	if !ok {
		return
	}
	snaps, err := s.runs.LoadCheckpoint(r.Context(), run.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load checkpoint")
		return
	}
	out := make([]taskResponse, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, taskResponse{
			ID:      snap.ID,
			State:   snap.State.String(),
			Retries: snap.Retries,
			Agent:   snap.Agent,
			Output:  snap.Output,
			Error:   snap.Err,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRunAttempts(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookupRun(w, r)
	if !ok {
		return
	}
	attempts, err := s.runs.ListAttempts(r.Context(), run.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list attempts")
		return
	}
	task := r.URL.Query().Get("task")
	out := make([]attemptResponse, 0, len(attempts))
	for _, a := range attempts {
		if task != "" && a.TaskID != task {
			continue
		}
		out = append(out, attemptResponse{
			TaskID:    a.TaskID,
			Number:    a.Number,
			Agent:     a.Agent,
			Passed:    a.Passed,
			Feedback:  a.Feedback,
			Output:    a.Output,
			CreatedAt: a.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) lookupRun(w http.ResponseWriter, r *http.Request) (*persistence.Run, bool) {
	run, err := s.runs.GetRun(r.Context(), r.PathValue("id"))
	if errors.Is(err, persistence.ErrRunNotFound) {
		writeError(w, http.StatusNotFound, "run not found")
		return nil, false
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load run")
		return nil, false
	}
	return run, true
}
