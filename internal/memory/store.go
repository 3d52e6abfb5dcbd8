// Package memory keeps what agents learn across tasks and runs.
//
// Short-term records live in process and belong to one run; they are
// dropped when the run ends. Long-term records and entities are stored in
// SQLite and survive restarts. Each tier is reset independently.
package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aristath/crew/internal/persistence"
)

// Tier names a memory tier.
type Tier string

const (
	TierShort  Tier = "short"
	TierLong   Tier = "long"
	TierEntity Tier = "entity"
)

// Tiers lists every tier in display order.
var Tiers = []Tier{TierShort, TierLong, TierEntity}

// ErrUnknownTier is returned for a tier name that is not short, long or entity.
var ErrUnknownTier = errors.New("unknown memory tier")

// ParseTier converts a tier name.
func ParseTier(s string) (Tier, error) {
	switch Tier(strings.ToLower(strings.TrimSpace(s))) {
	case TierShort:
		return TierShort, nil
	case TierLong:
		return TierLong, nil
	case TierEntity:
		return TierEntity, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownTier, s)
}

const schema = `
CREATE TABLE IF NOT EXISTS long_term (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	key TEXT NOT NULL,
	value TEXT NOT NULL,
	run_id TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_long_term_run ON long_term(run_id);

CREATE TABLE IF NOT EXISTS entities (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	run_id TEXT NOT NULL DEFAULT '',
	updated_at DATETIME NOT NULL
);
`

// Record is one memory entry. For entities CreatedAt is the time of the
// last update.
type Record struct {
	Tier      Tier      `json:"tier"`
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	RunID     string    `json:"run_id"`
	CreatedAt time.Time `json:"created_at"`

	seq int64 // short-term insertion order
}

// Filter narrows a Query. Zero fields match everything.
type Filter struct {
	RunID    string
	Key      string
	Contains string // case-insensitive match on key or value
	Since    time.Time
	Limit    int // keep only the newest Limit records
}

func (f Filter) match(r Record) bool {
	if f.RunID != "" && r.RunID != f.RunID {
		return false
	}
	if f.Key != "" && r.Key != f.Key {
		return false
	}
	if f.Contains != "" {
		needle := strings.ToLower(f.Contains)
		if !strings.Contains(strings.ToLower(r.Key), needle) && !strings.Contains(strings.ToLower(r.Value), needle) {
			return false
		}
	}
	if !f.Since.IsZero() && r.CreatedAt.Before(f.Since) {
		return false
	}
	return true
}

// Store holds the three tiers.
type Store struct {
	db *sql.DB

	mu    sync.RWMutex
	short map[string][]Record // by run id
	seq   int64
}

// Open opens the durable tiers at path (normally <storage>/memory.db).
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := persistence.Open(ctx, path, schema)
	if err != nil {
		return nil, err
	}
	return newStore(db), nil
}

// OpenMemory opens a Store whose durable tiers live in memory. For tests.
func OpenMemory(ctx context.Context) (*Store, error) {
	db, err := persistence.OpenMemory(ctx, schema)
	if err != nil {
		return nil, err
	}
	return newStore(db), nil
}

func newStore(db *sql.DB) *Store {
	return &Store{db: db, short: make(map[string][]Record)}
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record writes an entry. Long-term entries are appended; entity entries
// replace any earlier value for the same key. Short-term entries need a
// run id.
func (s *Store) Record(ctx context.Context, tier Tier, key, value, runID string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("memory key must not be empty")
	}
	now := time.Now().UTC()

	switch tier {
	case TierShort:
		if runID == "" {
			return fmt.Errorf("short-term memory needs a run id")
		}
		s.mu.Lock()
		s.seq++
		s.short[runID] = append(s.short[runID], Record{Tier: TierShort, Key: key, Value: value, RunID: runID, CreatedAt: now, seq: s.seq})
		s.mu.Unlock()
		return nil

	case TierLong:
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO long_term (key, value, run_id, created_at) VALUES (?, ?, ?, ?)
		`, key, value, runID, now)
		if err != nil {
			return fmt.Errorf("failed to record long-term memory: %w", err)
		}
		return nil

	case TierEntity:
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO entities (key, value, run_id, updated_at) VALUES (?, ?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET
				value = excluded.value,
				run_id = excluded.run_id,
				updated_at = excluded.updated_at
		`, key, value, runID, now)
		if err != nil {
			return fmt.Errorf("failed to record entity: %w", err)
		}
		return nil
	}
	return fmt.Errorf("%w: %q", ErrUnknownTier, tier)
}

// Query returns the records of a tier that match f, oldest first.
func (s *Store) Query(ctx context.Context, tier Tier, f Filter) ([]Record, error) {
	all, err := s.load(ctx, tier)
	if err != nil {
		return nil, err
	}

	var out []Record
	for _, r := range all {
		if f.match(r) {
			out = append(out, r)
		}
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out, nil
}

// load returns every record of a tier, oldest first.
func (s *Store) load(ctx context.Context, tier Tier) ([]Record, error) {
	switch tier {
	case TierShort:
		s.mu.RLock()
		var out []Record
		for _, records := range s.short {
			out = append(out, records...)
		}
		s.mu.RUnlock()
		sort.Slice(out, func(i, j int) bool {
			return out[i].seq < out[j].seq
		})
		return out, nil

	case TierLong:
		return s.scan(ctx, TierLong, `SELECT key, value, run_id, created_at FROM long_term ORDER BY id`)

	case TierEntity:
		out, err := s.scan(ctx, TierEntity, `SELECT key, value, run_id, updated_at FROM entities`)
		if err != nil {
			return nil, err
		}
		sort.SliceStable(out, func(i, j int) bool {
			if out[i].CreatedAt.Equal(out[j].CreatedAt) {
				return out[i].Key < out[j].Key
			}
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		})
		return out, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownTier, tier)
}

func (s *Store) scan(ctx context.Context, tier Tier, query string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s memory: %w", tier, err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		r := Record{Tier: tier}
		if err := rows.Scan(&r.Key, &r.Value, &r.RunID, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan %s memory: %w", tier, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate %s memory: %w", tier, err)
	}
	return out, nil
}

// Reset clears one tier and leaves the others untouched.
func (s *Store) Reset(ctx context.Context, tier Tier) error {
	switch tier {
	case TierShort:
		s.mu.Lock()
		s.short = make(map[string][]Record)
		s.mu.Unlock()
		return nil
	case TierLong:
		if _, err := s.db.ExecContext(ctx, `DELETE FROM long_term`); err != nil {
			return fmt.Errorf("failed to reset long-term memory: %w", err)
		}
		return nil
	case TierEntity:
		if _, err := s.db.ExecContext(ctx, `DELETE FROM entities`); err != nil {
			return fmt.Errorf("failed to reset entity memory: %w", err)
		}
		return nil
	}
	return fmt.Errorf("%w: %q", ErrUnknownTier, tier)
}

// EndRun discards the short-term records of a run.
func (s *Store) EndRun(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.short, runID)
}

// Count returns the number of records in a tier.
func (s *Store) Count(ctx context.Context, tier Tier) (int, error) {
	records, err := s.load(ctx, tier)
	return len(records), err
}
