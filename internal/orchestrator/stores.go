package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/aristath/crew/internal/config"
	"github.com/aristath/crew/internal/events"
	"github.com/aristath/crew/internal/knowledge"
	"github.com/aristath/crew/internal/memory"
	"github.com/aristath/crew/internal/persistence"
)

// Stores are the durable stores under the configured storage directory.
type Stores struct {
	Checkpoints *persistence.SQLiteStore
	Memory      *memory.Store
	Knowledge   *knowledge.Store
}

// OpenStores opens checkpoints, memory and knowledge under cfg.Storage.Dir.
// ob, if set, receives knowledge ingestion events.
func OpenStores(ctx context.Context, cfg *config.Config, ob events.Observer) (*Stores, error) {
	embedder, err := knowledge.NewEmbedder(knowledge.EmbedderConfig{
		Name:       cfg.Embedder.Name,
		Model:      cfg.Embedder.Model,
		Endpoint:   cfg.Embedder.Endpoint,
		APIKey:     cfg.Embedder.APIKey,
		Dimensions: cfg.Embedder.Dimensions,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create embedder: %w", err)
	}

	checkpoints, err := persistence.NewSQLiteStore(ctx, cfg.CheckpointPath())
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint store: %w", err)
	}
	mem, err := memory.Open(ctx, cfg.MemoryPath())
	if err != nil {
		checkpoints.Close()
		return nil, fmt.Errorf("failed to open memory store: %w", err)
	}

	return &Stores{
		Checkpoints: checkpoints,
		Memory:      mem,
		Knowledge: knowledge.NewStore(knowledge.Options{
			Dir:          cfg.KnowledgeDir(),
			Embedder:     embedder,
			ChunkSize:    cfg.Knowledge.ChunkSize,
			ChunkOverlap: cfg.Knowledge.ChunkOverlap,
			Observer:     ob,
		}),
	}, nil
}

// Close closes every store.
func (s *Stores) Close() error {
	return errors.Join(s.Knowledge.Close(), s.Memory.Close(), s.Checkpoints.Close())
}
