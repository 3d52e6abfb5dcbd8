package config

import "time"

// ProviderConfig defines how to reach a model: the Anthropic API (directly
// or through Bedrock), the Claude CLI, or an arbitrary command.
// Providers are separate from agents -- multiple agents can share one provider.
type ProviderConfig struct {
	Type        string   `mapstructure:"type" yaml:"type"` // "anthropic", "bedrock", "claude", "command"
	Model       string   `mapstructure:"model" yaml:"model,omitempty"`
	APIKey      string   `mapstructure:"api_key" yaml:"api_key,omitempty"`
	BaseURL     string   `mapstructure:"base_url" yaml:"base_url,omitempty"`
	Region      string   `mapstructure:"region" yaml:"region,omitempty"`
	Profile     string   `mapstructure:"profile" yaml:"profile,omitempty"`
	Command     string   `mapstructure:"command" yaml:"command,omitempty"` // binary for type "command"
	Args        []string `mapstructure:"args" yaml:"args,omitempty"`
	MaxTokens   int64    `mapstructure:"max_tokens" yaml:"max_tokens,omitempty"`
	Temperature *float64 `mapstructure:"temperature" yaml:"temperature,omitempty"`
}

// EmbedderConfig selects the embedding provider.
type EmbedderConfig struct {
	Name       string `mapstructure:"name" yaml:"name"` // "local" or an OpenAI-compatible provider
	Model      string `mapstructure:"model" yaml:"model,omitempty"`
	Endpoint   string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
	APIKey     string `mapstructure:"api_key" yaml:"api_key,omitempty"`
	Dimensions int    `mapstructure:"dimensions" yaml:"dimensions,omitempty"`
}

// ManagerConfig configures the hierarchical manager and the guardrail judge.
type ManagerConfig struct {
	Provider       string  `mapstructure:"provider" yaml:"provider"`
	Model          string  `mapstructure:"model" yaml:"model,omitempty"`
	Temperature    float64 `mapstructure:"temperature" yaml:"temperature"`
	MaxConsultants int     `mapstructure:"max_consultants" yaml:"max_consultants"`
	JudgeVotes     int     `mapstructure:"judge_votes" yaml:"judge_votes"`
	AbortPolicy    string  `mapstructure:"abort_policy" yaml:"abort_policy"` // "subgraph" or "run"
}

// KnowledgeConfig tunes chunking and retrieval.
type KnowledgeConfig struct {
	ResultsLimit   int     `mapstructure:"results_limit" yaml:"results_limit"`
	ScoreThreshold float64 `mapstructure:"score_threshold" yaml:"score_threshold"`
	ChunkSize      int     `mapstructure:"chunk_size" yaml:"chunk_size"`
	ChunkOverlap   int     `mapstructure:"chunk_overlap" yaml:"chunk_overlap"`
}

// ExecutionConfig bounds task execution.
type ExecutionConfig struct {
	TaskTimeout       time.Duration `mapstructure:"task_timeout" yaml:"task_timeout"`
	Concurrency       int           `mapstructure:"concurrency" yaml:"concurrency"`
	DefaultMaxRetries int           `mapstructure:"default_max_retries" yaml:"default_max_retries"`
	DefaultProvider   string        `mapstructure:"default_provider" yaml:"default_provider"`
}

// StorageConfig locates durable state: checkpoints.db, memory.db and the
// knowledge/ directory.
type StorageConfig struct {
	Dir string `mapstructure:"dir" yaml:"dir"`
}

// Config is the top-level configuration.
type Config struct {
	Providers   map[string]ProviderConfig `mapstructure:"providers" yaml:"providers"`
	Embedder    EmbedderConfig            `mapstructure:"embedder" yaml:"embedder"`
	Manager     ManagerConfig             `mapstructure:"manager" yaml:"manager"`
	Knowledge   KnowledgeConfig           `mapstructure:"knowledge" yaml:"knowledge"`
	Execution   ExecutionConfig           `mapstructure:"execution" yaml:"execution"`
	Storage     StorageConfig             `mapstructure:"storage" yaml:"storage"`
	Crews       map[string]string         `mapstructure:"crews" yaml:"crews,omitempty"` // crew name -> definition file
	DefaultCrew string                    `mapstructure:"default_crew" yaml:"default_crew,omitempty"`
}

// AgentSpec declares one agent in a crew file.
type AgentSpec struct {
	Role            string        `yaml:"role"`
	Goal            string        `yaml:"goal"`
	Backstory       string        `yaml:"backstory,omitempty"`
	Capabilities    []string      `yaml:"capabilities,omitempty"`
	AllowDelegation bool          `yaml:"allow_delegation,omitempty"`
	AllowReasoning  bool          `yaml:"allow_reasoning,omitempty"`
	Provider        string        `yaml:"provider,omitempty"`
	Model           string        `yaml:"model,omitempty"`
	Knowledge       []string      `yaml:"knowledge,omitempty"`
	Timeout         time.Duration `yaml:"timeout,omitempty"`
}

// TaskSpec declares one task in a crew file.
type TaskSpec struct {
	ID             string        `yaml:"id"`
	Description    string        `yaml:"description"`
	ExpectedOutput string        `yaml:"expected_output,omitempty"`
	Agent          string        `yaml:"agent,omitempty"`
	Capabilities   []string      `yaml:"capabilities,omitempty"`
	DependsOn      []string      `yaml:"depends_on,omitempty"`
	Async          bool          `yaml:"async,omitempty"`
	Guardrails     []string      `yaml:"guardrails,omitempty"`
	MaxRetries     *int          `yaml:"max_retries,omitempty"`
	Timeout        time.Duration `yaml:"timeout,omitempty"`
}

// CrewFile is a crew definition: agents, tasks and how to run them.
type CrewFile struct {
	Name         string            `yaml:"name"`
	Process      string            `yaml:"process,omitempty"` // "sequential" (default) or "hierarchical"
	Agents       []AgentSpec       `yaml:"agents"`
	Tasks        []TaskSpec        `yaml:"tasks"`
	Knowledge    []string          `yaml:"knowledge,omitempty"`
	Inputs       map[string]string `yaml:"inputs,omitempty"`
	TrainingFile string            `yaml:"training_file,omitempty"`
}
