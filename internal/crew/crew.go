// Package crew turns a crew definition into runtime agents and tasks.
package crew

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"strings"
	"time"

	"github.com/aristath/crew/internal/backend"
	"github.com/aristath/crew/internal/config"
	"github.com/aristath/crew/internal/guardrail"
	"github.com/aristath/crew/internal/knowledge"
	"github.com/aristath/crew/internal/scheduler"
)

// Crew is a set of agents and the tasks they work through together.
type Crew struct {
	Name      string
	Mode      scheduler.Mode
	Agents    []*Agent
	Knowledge []knowledge.Source
	Inputs    map[string]string // defaults, overridden per run

	specs          []config.TaskSpec
	defaultRetries int
	defaultTimeout time.Duration
	backends       []backend.Backend
}

// BackendFactory creates the backend for a provider. Tests substitute
// their own.
type BackendFactory func(ctx context.Context, name string, p config.ProviderConfig) (backend.Backend, error)

// Options configures Build.
type Options struct {
	Config         *config.Config
	Backends       BackendFactory
	ProcessManager *backend.ProcessManager
}

// New assembles a crew directly, without a definition file.
func New(name string, mode scheduler.Mode, agents []*Agent, tasks []config.TaskSpec) *Crew {
	return &Crew{
		Name:   name,
		Mode:   mode,
		Agents: agents,
		Inputs: map[string]string{},
		specs:  tasks,
	}
}

// Build creates the runtime crew for file. Agents sharing a provider and
// model share one backend.
func Build(ctx context.Context, file *config.CrewFile, opts Options) (*Crew, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	mode, err := scheduler.ParseMode(file.Process)
	if err != nil {
		return nil, err
	}

	factory := opts.Backends
	if factory == nil {
		factory = func(ctx context.Context, name string, p config.ProviderConfig) (backend.Backend, error) {
			return backend.New(ctx, BackendConfig(name, p), opts.ProcessManager)
		}
	}

	c := &Crew{
		Name:           file.Name,
		Mode:           mode,
		Knowledge:      parseSources(file.Knowledge),
		Inputs:         map[string]string{},
		specs:          file.Tasks,
		defaultRetries: cfg.Execution.DefaultMaxRetries,
		defaultTimeout: cfg.Execution.TaskTimeout,
	}
	for k, v := range file.Inputs {
		c.Inputs[k] = v
	}

	var training *TrainingData
	if file.TrainingFile != "" {
		training, err = LoadTraining(file.TrainingFile)
		if err != nil {
			log.Printf("WARNING: ignoring training file: %v", err)
		}
	}

	shared := make(map[string]backend.Backend)
	for _, spec := range file.Agents {
		providerName := spec.Provider
		if providerName == "" {
			providerName = cfg.Execution.DefaultProvider
		}
		provider, err := cfg.Provider(providerName)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("agent %s: %w", spec.Role, err)
		}
		if spec.Model != "" {
			provider.Model = spec.Model
		}

		key := providerName + "/" + provider.Model
		b, ok := shared[key]
		if !ok {
			b, err = factory(ctx, providerName, provider)
			if err != nil {
				c.Close()
				return nil, fmt.Errorf("agent %s: failed to create backend: %w", spec.Role, err)
			}
			shared[key] = b
			c.backends = append(c.backends, b)
		}

		agent := &Agent{
			Role:            spec.Role,
			Goal:            spec.Goal,
			Backstory:       spec.Backstory,
			Capabilities:    spec.Capabilities,
			AllowDelegation: spec.AllowDelegation,
			AllowReasoning:  spec.AllowReasoning,
			Timeout:         spec.Timeout,
			Knowledge:       parseSources(spec.Knowledge),
			Backend:         b,
		}
		if training != nil {
			agent.Suggestions = training.Suggestions(spec.Role)
		}
		c.Agents = append(c.Agents, agent)
	}

	return c, nil
}

// BackendConfig maps a configured provider to a backend config.
func BackendConfig(name string, p config.ProviderConfig) backend.Config {
	return backend.Config{
		Type:        p.Type,
		Name:        name,
		Model:       p.Model,
		APIKey:      p.APIKey,
		BaseURL:     p.BaseURL,
		Region:      p.Region,
		Profile:     p.Profile,
		Command:     p.Command,
		Args:        p.Args,
		MaxTokens:   p.MaxTokens,
		Temperature: p.Temperature,
	}
}

// parseSources turns configured knowledge entries into sources. Entries
// that cannot be resolved are logged and skipped.
func parseSources(specs []string) []knowledge.Source {
	var out []knowledge.Source
	for _, spec := range specs {
		src, err := knowledge.ParseSource(spec)
		if err != nil {
			log.Printf("WARNING: skipping knowledge source: %v", err)
			continue
		}
		out = append(out, src)
	}
	return out
}

// Namespace is the crew's shared knowledge namespace.
func (c *Crew) Namespace() string {
	return knowledge.CrewNamespace(c.Name)
}

// Agent returns the agent with the given role.
func (c *Crew) Agent(role string) (*Agent, bool) {
	for _, a := range c.Agents {
		if a.Role == role {
			return a, true
		}
	}
	return nil, false
}

// Roles lists agent roles in declaration order.
func (c *Crew) Roles() []string {
	roles := make([]string, len(c.Agents))
	for i, a := range c.Agents {
		roles[i] = a.Role
	}
	return roles
}

// Coworkers lists every role except role.
func (c *Crew) Coworkers(role string) []string {
	var out []string
	for _, a := range c.Agents {
		if a.Role != role {
			out = append(out, a.Role)
		}
	}
	return out
}

// TaskSpecs returns the task declarations in order.
func (c *Crew) TaskSpecs() []config.TaskSpec {
	return c.specs
}

// MergeInputs overlays inputs on the crew defaults.
func (c *Crew) MergeInputs(inputs map[string]string) map[string]string {
	merged := make(map[string]string, len(c.Inputs)+len(inputs))
	for k, v := range c.Inputs {
		merged[k] = v
	}
	for k, v := range inputs {
		merged[k] = v
	}
	return merged
}

// Tasks builds fresh scheduler tasks for one run, with {key} placeholders
// filled from inputs and guardrails parsed. Criterion guardrails are judged
// by judge; it may be nil when no task uses one.
func (c *Crew) Tasks(inputs map[string]string, judge guardrail.Judge, opts ...guardrail.CriterionOption) ([]*scheduler.Task, error) {
	merged := c.MergeInputs(inputs)

	tasks := make([]*scheduler.Task, 0, len(c.specs))
	for _, spec := range c.specs {
		guardrails, err := guardrail.ParseAll(spec.Guardrails, judge, opts...)
		if err != nil {
			return nil, fmt.Errorf("task %s: %w", spec.ID, err)
		}

		retries := c.defaultRetries
		if spec.MaxRetries != nil {
			retries = *spec.MaxRetries
		}
		timeout := spec.Timeout
		if timeout == 0 {
			timeout = c.defaultTimeout
		}

		deps := make([]string, len(spec.DependsOn))
		copy(deps, spec.DependsOn)

		tasks = append(tasks, &scheduler.Task{
			ID:             spec.ID,
			Description:    Interpolate(spec.Description, merged),
			ExpectedOutput: Interpolate(spec.ExpectedOutput, merged),
			DependsOn:      deps,
			AgentHint:      spec.Agent,
			Capabilities:   spec.Capabilities,
			Guardrails:     guardrails,
			MaxRetries:     retries,
			Async:          spec.Async,
			Timeout:        timeout,
		})
	}
	return tasks, nil
}

// Close releases every backend the crew created.
func (c *Crew) Close() error {
	var firstErr error
	for _, b := range c.backends {
		if err := b.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.backends = nil
	return firstErr
}

var placeholderRe = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Interpolate replaces {key} with inputs[key]. Unknown placeholders are
// left as they are.
func Interpolate(text string, inputs map[string]string) string {
	if len(inputs) == 0 || !strings.Contains(text, "{") {
		return text
	}
	return placeholderRe.ReplaceAllStringFunc(text, func(m string) string {
		key := m[1 : len(m)-1]
		if v, ok := inputs[key]; ok {
			return v
		}
		return m
	})
}

// Placeholders lists the {key} names used in task descriptions and
// expected outputs, in order of first use.
func (c *Crew) Placeholders() []string {
	seen := make(map[string]bool)
	var out []string
	for _, spec := range c.specs {
		for _, text := range []string{spec.Description, spec.ExpectedOutput} {
			for _, m := range placeholderRe.FindAllStringSubmatch(text, -1) {
				if !seen[m[1]] {
					seen[m[1]] = true
					out = append(out, m[1])
				}
			}
		}
	}
	return out
}
