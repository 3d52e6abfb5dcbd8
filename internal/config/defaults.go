package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	return &Config{
		Providers: map[string]ProviderConfig{
			"anthropic": {Type: "anthropic"},
			"bedrock":   {Type: "bedrock"},
			"claude":    {Type: "claude"},
		},
		Embedder: EmbedderConfig{
			Name: "local",
		},
		Manager: ManagerConfig{
			Provider:       "anthropic",
			Temperature:    0,
			MaxConsultants: 1,
			JudgeVotes:     1,
			AbortPolicy:    "subgraph",
		},
		Knowledge: KnowledgeConfig{
			ResultsLimit:   3,
			ScoreThreshold: 0.35,
			ChunkSize:      4000,
			ChunkOverlap:   200,
		},
		Execution: ExecutionConfig{
			TaskTimeout:       10 * time.Minute,
			Concurrency:       4,
			DefaultMaxRetries: 2,
			DefaultProvider:   "anthropic",
		},
		Storage: StorageConfig{
			Dir: defaultStorageDir(),
		},
	}
}

func defaultStorageDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".crew", "storage")
	}
	return filepath.Join(home, ".crew", "storage")
}

// setDefaults registers every scalar default with v so environment
// variables can override keys that no file mentions.
func setDefaults(v *viper.Viper) {
	d := DefaultConfig()

	for name, p := range d.Providers {
		v.SetDefault("providers."+name+".type", p.Type)
	}

	v.SetDefault("embedder.name", d.Embedder.Name)
	v.SetDefault("embedder.model", "")
	v.SetDefault("embedder.endpoint", "")
	v.SetDefault("embedder.api_key", "")
	v.SetDefault("embedder.dimensions", 0)

	v.SetDefault("manager.provider", d.Manager.Provider)
	v.SetDefault("manager.model", "")
	v.SetDefault("manager.temperature", d.Manager.Temperature)
	v.SetDefault("manager.max_consultants", d.Manager.MaxConsultants)
	v.SetDefault("manager.judge_votes", d.Manager.JudgeVotes)
	v.SetDefault("manager.abort_policy", d.Manager.AbortPolicy)

	v.SetDefault("knowledge.results_limit", d.Knowledge.ResultsLimit)
	v.SetDefault("knowledge.score_threshold", d.Knowledge.ScoreThreshold)
	v.SetDefault("knowledge.chunk_size", d.Knowledge.ChunkSize)
	v.SetDefault("knowledge.chunk_overlap", d.Knowledge.ChunkOverlap)

	v.SetDefault("execution.task_timeout", d.Execution.TaskTimeout)
	v.SetDefault("execution.concurrency", d.Execution.Concurrency)
	v.SetDefault("execution.default_max_retries", d.Execution.DefaultMaxRetries)
	v.SetDefault("execution.default_provider", d.Execution.DefaultProvider)

	v.SetDefault("storage.dir", d.Storage.Dir)
	v.SetDefault("default_crew", "")
}
