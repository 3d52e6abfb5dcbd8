package knowledge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"math"
	"net/http"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Embedder maps texts to fixed-length vectors.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	Name() string
}

// EmbedderConfig selects and configures an embedder.
type EmbedderConfig struct {
	Name       string // "local" (default) or any OpenAI-compatible provider name
	Model      string
	Endpoint   string
	APIKey     string
	Dimensions int
}

// NewEmbedder builds the embedder named by cfg.Name.
func NewEmbedder(cfg EmbedderConfig) (Embedder, error) {
	switch strings.ToLower(cfg.Name) {
	case "", "local", "hash":
		return NewLocalEmbedder(cfg.Dimensions), nil
	default:
		return NewHTTPEmbedder(cfg)
	}
}

const defaultLocalDimensions = 384

var tokenRe = regexp.MustCompile(`[\p{L}\p{N}]+`)

// Tokens returns the lower-cased word tokens of s.
func Tokens(s string) []string {
	return tokenRe.FindAllString(strings.ToLower(s), -1)
}

// LocalEmbedder is a deterministic feature-hashing embedder. Unigrams and
// bigrams are hashed into a signed bag of words and L2-normalised, so two
// texts sharing vocabulary score a positive cosine similarity. It needs no
// network and is stable across processes.
type LocalEmbedder struct {
	dims int
}

// NewLocalEmbedder creates a LocalEmbedder. Non-positive dims use the default.
func NewLocalEmbedder(dims int) *LocalEmbedder {
	if dims <= 0 {
		dims = defaultLocalDimensions
	}
	return &LocalEmbedder{dims: dims}
}

func (e *LocalEmbedder) Name() string { return "local" }

func (e *LocalEmbedder) Dimensions() int { return e.dims }

func (e *LocalEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = e.embed(text)
	}
	return out, nil
}

func (e *LocalEmbedder) embed(text string) []float32 {
	vec := make([]float32, e.dims)
	tokens := Tokens(text)
	for i, tok := range tokens {
		e.add(vec, tok, 1)
		if i > 0 {
			e.add(vec, tokens[i-1]+" "+tok, 0.5)
		}
	}
	normalize(vec)
	return vec
}

func (e *LocalEmbedder) add(vec []float32, feature string, weight float32) {
	h := fnv.New64a()
	h.Write([]byte(feature))
	sum := h.Sum64()
	idx := int(sum % uint64(e.dims))
	if sum>>63 == 1 {
		weight = -weight
	}
	vec[idx] += weight
}

func normalize(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return
	}
	norm := float32(math.Sqrt(sum))
	for i := range vec {
		vec[i] /= norm
	}
}

// Cosine returns the cosine similarity of a and b. Vectors of different
// length or zero norm score 0.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

const (
	defaultEmbeddingEndpoint = "https://api.openai.com/v1"
	defaultEmbeddingModel    = "text-embedding-3-small"
	embeddingBatchSize       = 64
)

// HTTPEmbedder calls an OpenAI-compatible /embeddings endpoint. Transient
// failures (network errors, 429, 5xx) are retried with exponential backoff.
type HTTPEmbedder struct {
	name     string
	model    string
	endpoint string
	apiKey   string
	dims     int
	client   *http.Client
	retries  uint64
}

// NewHTTPEmbedder creates an HTTPEmbedder. The API key falls back to
// OPENAI_API_KEY when cfg.APIKey is empty and the default endpoint is used.
func NewHTTPEmbedder(cfg EmbedderConfig) (*HTTPEmbedder, error) {
	endpoint := strings.TrimRight(cfg.Endpoint, "/")
	if endpoint == "" {
		endpoint = defaultEmbeddingEndpoint
	}
	apiKey := cfg.APIKey
	if apiKey == "" && endpoint == defaultEmbeddingEndpoint {
		apiKey = os.Getenv("OPENAI_API_KEY")
		if apiKey == "" {
			return nil, fmt.Errorf("embedder %s: api key required (set embedder.api_key or OPENAI_API_KEY)", cfg.Name)
		}
	}
	model := cfg.Model
	if model == "" {
		model = defaultEmbeddingModel
	}
	name := cfg.Name
	if name == "" {
		name = "openai"
	}

	return &HTTPEmbedder{
		name:     name,
		model:    model,
		endpoint: endpoint,
		apiKey:   apiKey,
		dims:     cfg.Dimensions,
		client:   &http.Client{Timeout: 60 * time.Second},
		retries:  3,
	}, nil
}

func (e *HTTPEmbedder) Name() string { return e.name + ":" + e.model }

// Dimensions is the configured size; 0 means the provider's default.
func (e *HTTPEmbedder) Dimensions() int { return e.dims }

type embeddingRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func (e *HTTPEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += embeddingBatchSize {
		end := start + embeddingBatchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch, err := e.embedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, batch...)
	}
	return out, nil
}

func (e *HTTPEmbedder) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(embeddingRequest{Model: e.model, Input: texts, Dimensions: e.dims})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embedding request: %w", err)
	}

	var parsed embeddingResponse
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint+"/embeddings", bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")
		if e.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+e.apiKey)
		}

		resp, err := e.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return fmt.Errorf("embedding request failed: %w", err)
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read embedding response: %w", err)
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return fmt.Errorf("embedding endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
		}
		if resp.StatusCode != http.StatusOK {
			return backoff.Permanent(fmt.Errorf("embedding endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data))))
		}

		parsed = embeddingResponse{}
		if err := json.Unmarshal(data, &parsed); err != nil {
			return backoff.Permanent(fmt.Errorf("failed to parse embedding response: %w", err))
		}
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, e.retries), ctx)); err != nil {
		return nil, err
	}

	if len(parsed.Data) != len(texts) {
		return nil, fmt.Errorf("embedding endpoint returned %d vectors for %d inputs", len(parsed.Data), len(texts))
	}
	out := make([][]float32, len(texts))
	for _, d := range parsed.Data {
		if d.Index < 0 || d.Index >= len(texts) {
			return nil, fmt.Errorf("embedding index %d out of range", d.Index)
		}
		out[d.Index] = d.Embedding
	}
	for i, v := range out {
		if len(v) == 0 {
			return nil, fmt.Errorf("missing embedding for input %d", i)
		}
	}
	return out, nil
}
