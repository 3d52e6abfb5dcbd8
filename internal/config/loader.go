package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Load reads and merges configuration from global and project paths.
// Order of precedence (highest to lowest): CREW_* environment variables,
// project config, global config, defaults.
// Missing files are not errors; malformed YAML returns an error.
func Load(globalPath, projectPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if globalPath != "" {
		if err := mergeConfigFile(v, globalPath); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}

	if projectPath != "" {
		if err := mergeConfigFile(v, projectPath); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}

	v.SetEnvPrefix("CREW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.BindEnv("storage.dir", "CREW_STORAGE_DIR")

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	for name, p := range cfg.Providers {
		p.APIKey = os.ExpandEnv(p.APIKey)
		cfg.Providers[name] = p
	}
	cfg.Embedder.APIKey = os.ExpandEnv(cfg.Embedder.APIKey)
	cfg.Storage.Dir = expandHome(cfg.Storage.Dir)
	for name, path := range cfg.Crews {
		cfg.Crews[name] = expandHome(path)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDefault loads configuration from conventional paths.
// Global: ~/.crew/config.yaml
// Project: .crew/config.yaml (relative to cwd)
func LoadDefault() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting home directory: %w", err)
	}

	globalPath := filepath.Join(homeDir, ".crew", "config.yaml")
	projectPath := filepath.Join(".crew", "config.yaml")

	return Load(globalPath, projectPath)
}

// mergeConfigFile merges a YAML config file into v.
// Missing files are silently skipped.
func mergeConfigFile(v *viper.Viper, path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.MergeInConfig(); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Execution.Concurrency < 1 {
		return fmt.Errorf("execution.concurrency must be at least 1, got %d", c.Execution.Concurrency)
	}
	if c.Execution.DefaultMaxRetries < 0 {
		return fmt.Errorf("execution.default_max_retries must not be negative")
	}
	if c.Knowledge.ChunkSize <= 0 {
		return fmt.Errorf("knowledge.chunk_size must be positive")
	}
	if c.Knowledge.ChunkOverlap < 0 || c.Knowledge.ChunkOverlap >= c.Knowledge.ChunkSize {
		return fmt.Errorf("knowledge.chunk_overlap must be in [0, chunk_size)")
	}
	switch c.Manager.AbortPolicy {
	case "", "subgraph", "run":
	default:
		return fmt.Errorf("manager.abort_policy must be subgraph or run, got %q", c.Manager.AbortPolicy)
	}
	for name, p := range c.Providers {
		switch p.Type {
		case "anthropic", "bedrock", "claude":
		case "command":
			if p.Command == "" {
				return fmt.Errorf("provider %s: command is required for type command", name)
			}
		default:
			return fmt.Errorf("provider %s: unknown type %q", name, p.Type)
		}
	}
	return nil
}

// Provider looks up a provider, falling back to the default provider when
// name is empty.
func (c *Config) Provider(name string) (ProviderConfig, error) {
	if name == "" {
		name = c.Execution.DefaultProvider
	}
	p, ok := c.Providers[strings.ToLower(name)]
	if !ok {
		return ProviderConfig{}, fmt.Errorf("unknown provider %q", name)
	}
	return p, nil
}

// CheckpointPath is the run checkpoint database.
func (c *Config) CheckpointPath() string { return filepath.Join(c.Storage.Dir, "checkpoints.db") }

// MemoryPath is the long-term and entity memory database.
func (c *Config) MemoryPath() string { return filepath.Join(c.Storage.Dir, "memory.db") }

// KnowledgeDir holds one database per knowledge namespace.
func (c *Config) KnowledgeDir() string { return filepath.Join(c.Storage.Dir, "knowledge") }

// CrewPath resolves a crew name to its definition file. A name that is not
// registered is treated as a path.
func (c *Config) CrewPath(name string) (string, error) {
	if name == "" {
		name = c.DefaultCrew
	}
	if name == "" {
		return "", fmt.Errorf("no crew given and no default_crew configured")
	}
	if path, ok := c.Crews[strings.ToLower(name)]; ok {
		return path, nil
	}
	if _, err := os.Stat(name); err == nil {
		return name, nil
	}
	return "", fmt.Errorf("unknown crew %q", name)
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
