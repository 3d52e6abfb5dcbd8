package knowledge

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestLocalEmbedderIsDeterministicAndNormalized(t *testing.T) {
	e := NewLocalEmbedder(128)
	ctx := context.Background()

	a, err := e.Embed(ctx, []string{"quarterly revenue grew in europe"})
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	b, err := NewLocalEmbedder(128).Embed(ctx, []string{"quarterly revenue grew in europe"})
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	if len(a[0]) != 128 {
		t.Fatalf("dimensions = %d, want 128", len(a[0]))
	}
	for i := range a[0] {
		if a[0][i] != b[0][i] {
			t.Fatalf("vectors differ at %d", i)
		}
	}

	var norm float64
	for _, v := range a[0] {
		norm += float64(v) * float64(v)
	}
	if math.Abs(norm-1) > 1e-5 {
		t.Errorf("squared norm = %f, want 1", norm)
	}
}

func TestLocalEmbedderSimilarity(t *testing.T) {
	e := NewLocalEmbedder(0)
	vecs, err := e.Embed(context.Background(), []string{
		"goroutines and channels make concurrency simple",
		"channels and goroutines for concurrency",
		"sourdough bread needs a long fermentation",
	})
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}

	related := Cosine(vecs[0], vecs[1])
	unrelated := Cosine(vecs[0], vecs[2])
	if related <= unrelated {
		t.Errorf("related score %f should exceed unrelated score %f", related, unrelated)
	}
	if got := Cosine(vecs[0], vecs[0]); math.Abs(got-1) > 1e-5 {
		t.Errorf("self similarity = %f, want 1", got)
	}
}

func TestLocalEmbedderEmptyText(t *testing.T) {
	vecs, err := NewLocalEmbedder(16).Embed(context.Background(), []string{""})
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	if Cosine(vecs[0], vecs[0]) != 0 {
		t.Error("empty text should embed to the zero vector")
	}
}

func TestCosineMismatchedLengths(t *testing.T) {
	if got := Cosine([]float32{1, 0}, []float32{1, 0, 0}); got != 0 {
		t.Errorf("Cosine = %f, want 0", got)
	}
}

func TestNewEmbedder(t *testing.T) {
	e, err := NewEmbedder(EmbedderConfig{})
	if err != nil {
		t.Fatalf("NewEmbedder failed: %v", err)
	}
	if e.Name() != "local" {
		t.Errorf("default embedder = %s, want local", e.Name())
	}

	e, err = NewEmbedder(EmbedderConfig{Name: "ollama", Endpoint: "http://localhost:11434/v1", Model: "nomic-embed-text"})
	if err != nil {
		t.Fatalf("NewEmbedder failed: %v", err)
	}
	if e.Name() != "ollama:nomic-embed-text" {
		t.Errorf("Name = %s", e.Name())
	}
}

func TestHTTPEmbedderRetriesAndOrdersByIndex(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embeddings" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}

		var req embeddingRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		// Reply out of order; the embedder must place vectors by index.
		type item struct {
			Index     int       `json:"index"`
			Embedding []float32 `json:"embedding"`
		}
		var data []item
		for i := len(req.Input) - 1; i >= 0; i-- {
			data = append(data, item{Index: i, Embedding: []float32{float32(i), 1}})
		}
		json.NewEncoder(w).Encode(map[string]any{"data": data})
	}))
	defer srv.Close()

	e, err := NewHTTPEmbedder(EmbedderConfig{Name: "test", Endpoint: srv.URL, APIKey: "secret", Model: "m"})
	if err != nil {
		t.Fatalf("NewHTTPEmbedder failed: %v", err)
	}

	vecs, err := e.Embed(context.Background(), []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	for i, v := range vecs {
		if v[0] != float32(i) {
			t.Errorf("vector %d = %v", i, v)
		}
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2 (one retry)", calls.Load())
	}
}

func TestHTTPEmbedderClientErrorIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad model", http.StatusBadRequest)
	}))
	defer srv.Close()

	e, err := NewHTTPEmbedder(EmbedderConfig{Name: "test", Endpoint: srv.URL})
	if err != nil {
		t.Fatalf("NewHTTPEmbedder failed: %v", err)
	}
	if _, err := e.Embed(context.Background(), []string{"a"}); err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}
