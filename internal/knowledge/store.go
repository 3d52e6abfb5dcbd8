// Package knowledge ingests documents into per-namespace vector indexes and
// answers similarity queries over them.
//
// Each namespace is its own SQLite file. Writes to a namespace are
// serialized; reads never take a lock and see an immutable snapshot that is
// swapped in after every committed write.
package knowledge

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aristath/crew/internal/events"
	"github.com/aristath/crew/internal/locks"
	"github.com/aristath/crew/internal/persistence"
	"golang.org/x/crypto/sha3"
)

const schema = `
CREATE TABLE IF NOT EXISTS chunks (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	hash TEXT NOT NULL UNIQUE,
	document_id TEXT NOT NULL,
	source TEXT NOT NULL,
	content TEXT NOT NULL,
	start_offset INTEGER NOT NULL,
	end_offset INTEGER NOT NULL,
	embedding BLOB NOT NULL,
	metadata TEXT NOT NULL DEFAULT '{}',
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS meta (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// KnowledgeChunk is one indexed span of a document.
type KnowledgeChunk struct {
	Seq        int64 // insertion order within the namespace
	Hash       string
	Namespace  string
	DocumentID string
	Source     string
	Text       string
	Start      int
	End        int
	Vector     []float32
	Metadata   map[string]string
	CreatedAt  time.Time
}

// Options configures a Store.
type Options struct {
	// Dir holds one <namespace>.db file per namespace. Empty keeps every
	// namespace in memory.
	Dir          string
	Embedder     Embedder
	ChunkSize    int
	ChunkOverlap int
	Observer     events.Observer
}

type snapshot struct {
	chunks []KnowledgeChunk
	hashes map[string]struct{}
}

type space struct {
	name string
	db   *sql.DB
	snap atomic.Pointer[snapshot]
}

// Store is the set of knowledge namespaces.
type Store struct {
	dir      string
	embedder Embedder
	size     int
	overlap  int
	observer events.Observer
	writers  *locks.Keyed

	mu      sync.Mutex // guards spaces and sources
	spaces  map[string]*space
	sources map[string][]Source
}

// NewStore creates a Store. Namespaces are opened on first use.
func NewStore(opts Options) *Store {
	embedder := opts.Embedder
	if embedder == nil {
		embedder = NewLocalEmbedder(0)
	}
	size := opts.ChunkSize
	if size <= 0 {
		size = 4000
	}
	overlap := opts.ChunkOverlap
	if overlap < 0 || overlap >= size {
		overlap = 0
	}
	return &Store{
		dir:      opts.Dir,
		embedder: embedder,
		size:     size,
		overlap:  overlap,
		observer: opts.Observer,
		writers:  locks.NewKeyed(),
		spaces:   make(map[string]*space),
		sources:  make(map[string][]Source),
	}
}

// Embedder returns the embedder used for both ingestion and queries.
func (s *Store) Embedder() Embedder { return s.embedder }

// Register records sources for a namespace so RefreshIndex can rebuild it.
func (s *Store) Register(ns string, sources ...Source) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sources[ns] = append(s.sources[ns], sources...)
}

// Sources returns the sources registered for ns.
func (s *Store) Sources(ns string) []Source {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Source, len(s.sources[ns]))
	copy(out, s.sources[ns])
	return out
}

// Ingest loads each source and adds its documents to ns. Sources that fail
// to load are reported, not returned as errors.
func (s *Store) Ingest(ctx context.Context, ns string, sources ...Source) (*IngestReport, error) {
	if err := ValidateNamespace(ns); err != nil {
		return nil, err
	}

	report := &IngestReport{Namespace: ns}
	var docs []Document
	for _, src := range sources {
		loaded, err := src.Load(ctx)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return report, ctxErr
		}
		for _, ie := range ingestionErrors(ns, src.Name(), err) {
			log.Printf("WARNING: %v", ie)
			report.Errors = append(report.Errors, ie)
		}
		docs = append(docs, loaded...)
	}

	added, err := s.AddDocuments(ctx, ns, docs)
	report.merge(added)
	return report, err
}

// AddDocuments chunks, embeds and stores docs in ns. Chunks whose content
// hash is already present are skipped, so re-ingesting the same documents
// leaves the namespace unchanged. A document that cannot be chunked or
// embedded is skipped and reported.
func (s *Store) AddDocuments(ctx context.Context, ns string, docs []Document) (*IngestReport, error) {
	if err := ValidateNamespace(ns); err != nil {
		return nil, err
	}

	s.writers.Lock(ns)
	defer s.writers.Unlock(ns)

	sp, err := s.space(ctx, ns, true)
	if err != nil {
		return nil, err
	}

	report := &IngestReport{Namespace: ns}
	seen := make(map[string]struct{}, len(sp.snap.Load().hashes))
	for h := range sp.snap.Load().hashes {
		seen[h] = struct{}{}
	}

	var pending []KnowledgeChunk
	for _, doc := range docs {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		chunks, dupes, err := s.prepare(ctx, ns, doc, seen)
		if err != nil {
			ie := &IngestionError{Namespace: ns, Source: doc.Source, DocumentID: doc.ID, Err: err}
			log.Printf("WARNING: %v", ie)
			report.Errors = append(report.Errors, ie)
			continue
		}
		report.Documents++
		report.Duplicates += dupes
		pending = append(pending, chunks...)
	}

	if len(pending) > 0 {
		written, err := s.insert(ctx, sp, pending)
		if err != nil {
			return report, err
		}
		report.Chunks = written
		if err := s.reload(ctx, sp); err != nil {
			return report, err
		}
	}

	events.Notify(s.observer, events.IngestCompletedEvent{
		Namespace: ns,
		Documents: report.Documents,
		Chunks:    report.Chunks,
		Skipped:   report.Duplicates,
		Failed:    len(report.Errors),
		Timestamp: time.Now(),
	})
	return report, nil
}

// prepare chunks and embeds one document, skipping chunks already in seen.
// New hashes are added to seen so duplicates inside a batch collapse too.
func (s *Store) prepare(ctx context.Context, ns string, doc Document, seen map[string]struct{}) ([]KnowledgeChunk, int, error) {
	spans := Chunk(doc.Text, s.size, s.overlap)
	if len(spans) == 0 {
		return nil, 0, fmt.Errorf("document has no content")
	}

	var fresh []Span
	var hashes []string
	dupes := 0
	local := make(map[string]struct{})
	for _, span := range spans {
		h := contentHash(span.Text)
		if _, ok := seen[h]; ok {
			dupes++
			continue
		}
		if _, ok := local[h]; ok {
			dupes++
			continue
		}
		local[h] = struct{}{}
		fresh = append(fresh, span)
		hashes = append(hashes, h)
	}
	if len(fresh) == 0 {
		return nil, dupes, nil
	}

	texts := make([]string, len(fresh))
	for i, span := range fresh {
		texts[i] = span.Text
	}
	vectors, err := s.embedder.Embed(ctx, texts)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to embed: %w", err)
	}
	if len(vectors) != len(texts) {
		return nil, 0, fmt.Errorf("embedder returned %d vectors for %d chunks", len(vectors), len(texts))
	}

	now := time.Now().UTC()
	chunks := make([]KnowledgeChunk, len(fresh))
	for i, span := range fresh {
		chunks[i] = KnowledgeChunk{
			Hash:       hashes[i],
			Namespace:  ns,
			DocumentID: doc.ID,
			Source:     doc.Source,
			Text:       span.Text,
			Start:      span.Start,
			End:        span.End,
			Vector:     vectors[i],
			Metadata:   doc.Metadata,
			CreatedAt:  now,
		}
	}
	for h := range local {
		seen[h] = struct{}{}
	}
	return chunks, dupes, nil
}

func (s *Store) insert(ctx context.Context, sp *space, chunks []KnowledgeChunk) (int, error) {
	tx, err := sp.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chunks (hash, document_id, source, content, start_offset, end_offset, embedding, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(hash) DO NOTHING
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	written := 0
	for _, c := range chunks {
		meta, err := json.Marshal(c.Metadata)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal metadata: %w", err)
		}
		res, err := stmt.ExecContext(ctx, c.Hash, c.DocumentID, c.Source, c.Text, c.Start, c.End, encodeVector(c.Vector), string(meta), c.CreatedAt)
		if err != nil {
			return 0, fmt.Errorf("failed to insert chunk: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			written++
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO meta (key, value) VALUES ('embedder', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, s.embedder.Name()); err != nil {
		return 0, fmt.Errorf("failed to record embedder: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit chunks: %w", err)
	}
	return written, nil
}

// RefreshIndex clears ns and rebuilds it from its registered sources.
func (s *Store) RefreshIndex(ctx context.Context, ns string) (*IngestReport, error) {
	if err := s.Reset(ctx, ns); err != nil {
		return nil, err
	}
	return s.Ingest(ctx, ns, s.Sources(ns)...)
}

// Reset removes every chunk from ns.
func (s *Store) Reset(ctx context.Context, ns string) error {
	if err := ValidateNamespace(ns); err != nil {
		return err
	}

	s.writers.Lock(ns)
	defer s.writers.Unlock(ns)

	sp, err := s.space(ctx, ns, false)
	if err != nil {
		return err
	}
	if sp == nil {
		return nil
	}
	if _, err := sp.db.ExecContext(ctx, `DELETE FROM chunks`); err != nil {
		return fmt.Errorf("failed to reset namespace %s: %w", ns, err)
	}
	if _, err := sp.db.ExecContext(ctx, `DELETE FROM meta`); err != nil {
		return fmt.Errorf("failed to reset namespace %s: %w", ns, err)
	}
	sp.snap.Store(&snapshot{hashes: map[string]struct{}{}})
	return nil
}

// ResetAll resets every known namespace.
func (s *Store) ResetAll(ctx context.Context) error {
	names, err := s.Namespaces()
	if err != nil {
		return err
	}
	for _, ns := range names {
		if err := s.Reset(ctx, ns); err != nil {
			return err
		}
	}
	return nil
}

// Count returns the number of chunks in ns. Unknown namespaces are empty.
func (s *Store) Count(ctx context.Context, ns string) (int, error) {
	chunks, err := s.Chunks(ctx, ns)
	return len(chunks), err
}

// Chunks returns the current snapshot of ns in insertion order. The slice
// is shared and must not be modified.
func (s *Store) Chunks(ctx context.Context, ns string) ([]KnowledgeChunk, error) {
	if err := ValidateNamespace(ns); err != nil {
		return nil, err
	}
	sp, err := s.space(ctx, ns, false)
	if err != nil || sp == nil {
		return nil, err
	}
	return sp.snap.Load().chunks, nil
}

// Namespaces lists every namespace that is open or has a file on disk.
func (s *Store) Namespaces() ([]string, error) {
	set := make(map[string]struct{})
	s.mu.Lock()
	for ns := range s.spaces {
		set[ns] = struct{}{}
	}
	for ns := range s.sources {
		set[ns] = struct{}{}
	}
	s.mu.Unlock()

	if s.dir != "" {
		entries, err := os.ReadDir(s.dir)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to list knowledge directory: %w", err)
		}
		for _, e := range entries {
			name := e.Name()
			if e.IsDir() || !strings.HasSuffix(name, ".db") {
				continue
			}
			ns := strings.TrimSuffix(name, ".db")
			if ValidateNamespace(ns) == nil {
				set[ns] = struct{}{}
			}
		}
	}

	out := make([]string, 0, len(set))
	for ns := range set {
		out = append(out, ns)
	}
	sort.Strings(out)
	return out, nil
}

// Close closes every open namespace.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for ns, sp := range s.spaces {
		if err := sp.db.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close namespace %s: %w", ns, err)
		}
		delete(s.spaces, ns)
	}
	return firstErr
}

// space returns the open namespace, opening it if needed. With create
// false, a namespace that has no file yet returns nil rather than creating
// one.
func (s *Store) space(ctx context.Context, ns string, create bool) (*space, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sp, ok := s.spaces[ns]; ok {
		return sp, nil
	}

	var db *sql.DB
	var err error
	if s.dir == "" {
		if !create {
			return nil, nil
		}
		db, err = persistence.OpenMemory(ctx, schema)
	} else {
		path := filepath.Join(s.dir, ns+".db")
		if !create {
			if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
				return nil, nil
			}
		}
		db, err = persistence.Open(ctx, path, schema)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open namespace %s: %w", ns, err)
	}

	sp := &space{name: ns, db: db}
	if err := s.reload(ctx, sp); err != nil {
		db.Close()
		return nil, err
	}
	s.checkEmbedder(ctx, sp)
	s.spaces[ns] = sp
	return sp, nil
}

func (s *Store) checkEmbedder(ctx context.Context, sp *space) {
	var name string
	err := sp.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'embedder'`).Scan(&name)
	if err != nil {
		return
	}
	if name != s.embedder.Name() {
		log.Printf("WARNING: namespace %s was indexed with embedder %s, now using %s; refresh it", sp.name, name, s.embedder.Name())
	}
}

// reload reads ns from disk and swaps in a new snapshot.
func (s *Store) reload(ctx context.Context, sp *space) error {
	rows, err := sp.db.QueryContext(ctx, `
		SELECT seq, hash, document_id, source, content, start_offset, end_offset, embedding, metadata, created_at
		FROM chunks ORDER BY seq
	`)
	if err != nil {
		return fmt.Errorf("failed to load namespace %s: %w", sp.name, err)
	}
	defer rows.Close()

	snap := &snapshot{hashes: make(map[string]struct{})}
	for rows.Next() {
		var c KnowledgeChunk
		var blob []byte
		var meta string
		if err := rows.Scan(&c.Seq, &c.Hash, &c.DocumentID, &c.Source, &c.Text, &c.Start, &c.End, &blob, &meta, &c.CreatedAt); err != nil {
			return fmt.Errorf("failed to scan chunk: %w", err)
		}
		c.Namespace = sp.name
		c.Vector = decodeVector(blob)
		if meta != "" && meta != "null" {
			if err := json.Unmarshal([]byte(meta), &c.Metadata); err != nil {
				return fmt.Errorf("failed to unmarshal chunk metadata: %w", err)
			}
		}
		snap.chunks = append(snap.chunks, c)
		snap.hashes[c.Hash] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to iterate chunks: %w", err)
	}

	sp.snap.Store(snap)
	return nil
}

func contentHash(text string) string {
	sum := sha3.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(buf []byte) []float32 {
	v := make([]float32, len(buf)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
	}
	return v
}
