package knowledge

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aristath/crew/internal/events"
)

// Result is one retrieved chunk with its similarity to the query.
type Result struct {
	Namespace string
	Chunk     KnowledgeChunk
	Score     float64
}

// RetrieverOptions sets the defaults used by Search and Context.
type RetrieverOptions struct {
	ResultsLimit   int     // default 3
	ScoreThreshold float64 // used as given; zero keeps every non-negative match
	Observer       events.Observer
}

// Retriever answers similarity queries against a Store.
type Retriever struct {
	store     *Store
	limit     int
	threshold float64
	observer  events.Observer
}

// NewRetriever creates a Retriever over store.
func NewRetriever(store *Store, opts RetrieverOptions) *Retriever {
	limit := opts.ResultsLimit
	if limit <= 0 {
		limit = 3
	}
	return &Retriever{
		store:     store,
		limit:     limit,
		threshold: opts.ScoreThreshold,
		observer:  opts.Observer,
	}
}

// Query embeds text and returns at most topK chunks across namespaces whose
// cosine similarity is at least threshold, best first. Equal scores keep
// namespace order, then insertion order. Unknown namespaces contribute
// nothing. A non-positive topK means no limit.
func (r *Retriever) Query(ctx context.Context, namespaces []string, text string, topK int, threshold float64) ([]Result, error) {
	start := time.Now()
	namespaces = dedupe(namespaces)

	var results []Result
	if strings.TrimSpace(text) != "" {
		vectors, err := r.store.Embedder().Embed(ctx, []string{text})
		if err != nil {
			return nil, fmt.Errorf("failed to embed query: %w", err)
		}
		if len(vectors) != 1 {
			return nil, fmt.Errorf("embedder returned %d vectors for 1 query", len(vectors))
		}
		query := vectors[0]

		for _, ns := range namespaces {
			chunks, err := r.store.Chunks(ctx, ns)
			if err != nil {
				return nil, err
			}
			for _, c := range chunks {
				score := Cosine(query, c.Vector)
				if score >= threshold {
					results = append(results, Result{Namespace: ns, Chunk: c, Score: score})
				}
			}
		}

		sort.SliceStable(results, func(i, j int) bool {
			return results[i].Score > results[j].Score
		})
		if topK > 0 && len(results) > topK {
			results = results[:topK]
		}
	}

	events.Notify(r.observer, events.QueryCompletedEvent{
		Namespaces: namespaces,
		Query:      text,
		Results:    len(results),
		Duration:   time.Since(start),
		Timestamp:  time.Now(),
	})
	return results, nil
}

// Search runs Query with the configured limit and threshold.
func (r *Retriever) Search(ctx context.Context, namespaces []string, text string) ([]Result, error) {
	return r.Query(ctx, namespaces, text, r.limit, r.threshold)
}

// Context runs Search and renders the hits as a prompt section. It returns
// an empty string when nothing matched.
func (r *Retriever) Context(ctx context.Context, namespaces []string, text string) (string, error) {
	results, err := r.Search(ctx, namespaces, text)
	if err != nil {
		return "", err
	}
	return RenderResults(results), nil
}

// RenderResults formats results as a numbered list of sources.
func RenderResults(results []Result) string {
	if len(results) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Relevant knowledge:\n")
	for i, res := range results {
		fmt.Fprintf(&b, "\n[%d] %s (%s, score %.2f)\n%s\n", i+1, res.Chunk.DocumentID, res.Namespace, res.Score, res.Chunk.Text)
	}
	return b.String()
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
