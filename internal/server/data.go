package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/aristath/crew/internal/knowledge"
	"github.com/aristath/crew/internal/memory"
)

type queryRequest struct {
	Query     string   `json:"query"`
	Limit     int      `json:"limit"`
	Threshold *float64 `json:"threshold"`
	Also      []string `json:"also"` // extra namespaces searched after the path one
}

type queryResult struct {
	Namespace  string  `json:"namespace"`
	DocumentID string  `json:"document_id"`
	Source     string  `json:"source"`
	Text       string  `json:"text"`
	Score      float64 `json:"score"`
}

type memoryResponse struct {
	Tier      string    `json:"tier"`
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	RunID     string    `json:"run_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Server) handleListNamespaces(w http.ResponseWriter, r *http.Request) {
	if s.knowledge == nil {
		writeError(w, http.StatusServiceUnavailable, "knowledge store not configured")
		return
	}
	names, err := s.knowledge.Namespaces()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list namespaces")
		return
	}
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, names)
}

func (s *Server) handleKnowledgeQuery(w http.ResponseWriter, r *http.Request) {
	if s.retriever == nil {
		writeError(w, http.StatusServiceUnavailable, "knowledge store not configured")
		return
	}

	ns := r.PathValue("ns")
	if err := knowledge.ValidateNamespace(ns); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}

	namespaces := append([]string{ns}, req.Also...)
	var (
		results []knowledge.Result
		err     error
	)
	if req.Limit > 0 || req.Threshold != nil {
		threshold := 0.0
		if req.Threshold != nil {
			threshold = *req.Threshold
		}
		results, err = s.retriever.Query(r.Context(), namespaces, req.Query, req.Limit, threshold)
	} else {
		results, err = s.retriever.Search(r.Context(), namespaces, req.Query)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}

	out := make([]queryResult, 0, len(results))
	for _, res := range results {
		out = append(out, queryResult{
			Namespace:  res.Namespace,
			DocumentID: res.Chunk.DocumentID,
			Source:     res.Chunk.Source,
			Text:       res.Chunk.Text,
			Score:      res.Score,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleMemoryQuery(w http.ResponseWriter, r *http.Request) {
	tier, ok := s.memoryTier(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	f := memory.Filter{
		RunID:    q.Get("run_id"),
		Key:      q.Get("key"),
		Contains: q.Get("contains"),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		f.Limit = n
	}

	records, err := s.memory.Query(r.Context(), tier, f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to query memory")
		return
	}
	out := make([]memoryResponse, 0, len(records))
	for _, rec := range records {
		out = append(out, memoryResponse{
			Tier:      string(rec.Tier),
			Key:       rec.Key,
			Value:     rec.Value,
			RunID:     rec.RunID,
			CreatedAt: rec.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleMemoryReset(w http.ResponseWriter, r *http.Request) {
	tier, ok := s.memoryTier(w, r)
	if !ok {
		return
	}
	if err := s.memory.Reset(r.Context(), tier); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to reset memory")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) memoryTier(w http.ResponseWriter, r *http.Request) (memory.Tier, bool) {
	if s.memory == nil {
		writeError(w, http.StatusServiceUnavailable, "memory store not configured")
		return "", false
	}
	tier, err := memory.ParseTier(r.PathValue("tier"))
	if errors.Is(err, memory.ErrUnknownTier) {
		writeError(w, http.StatusNotFound, err.Error())
		return "", false
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	return tier, true
}
