package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadCrew reads and validates a crew definition file. Relative knowledge
// paths and the training file are resolved against the file's directory.
func LoadCrew(path string) (*CrewFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading crew file %s: %w", path, err)
	}

	var crew CrewFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&crew); err != nil {
		return nil, fmt.Errorf("parsing crew file %s: %w", path, err)
	}

	base := filepath.Dir(path)
	crew.Knowledge = resolvePaths(base, crew.Knowledge)
	for i := range crew.Agents {
		crew.Agents[i].Knowledge = resolvePaths(base, crew.Agents[i].Knowledge)
	}
	if crew.TrainingFile != "" && !filepath.IsAbs(crew.TrainingFile) {
		crew.TrainingFile = filepath.Join(base, crew.TrainingFile)
	}

	if err := crew.Validate(); err != nil {
		return nil, fmt.Errorf("crew file %s: %w", path, err)
	}
	return &crew, nil
}

// resolvePaths makes relative file paths absolute against base. URLs and
// inline "text:" sources are left alone.
func resolvePaths(base string, sources []string) []string {
	out := make([]string, len(sources))
	for i, s := range sources {
		switch {
		case strings.Contains(s, "://"), strings.HasPrefix(s, "text:"), filepath.IsAbs(s):
			out[i] = s
		default:
			out[i] = filepath.Join(base, s)
		}
	}
	return out
}

// Validate checks that roles and task ids are unique and that every
// reference resolves. Cycles are left to the scheduler.
func (c *CrewFile) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("name is required")
	}
	switch c.Process {
	case "", "sequential", "hierarchical":
	default:
		return fmt.Errorf("process must be sequential or hierarchical, got %q", c.Process)
	}
	if len(c.Agents) == 0 {
		return fmt.Errorf("at least one agent is required")
	}
	if len(c.Tasks) == 0 {
		return fmt.Errorf("at least one task is required")
	}

	roles := make(map[string]bool, len(c.Agents))
	for i, a := range c.Agents {
		if a.Role == "" {
			return fmt.Errorf("agent %d: role is required", i+1)
		}
		if roles[a.Role] {
			return fmt.Errorf("duplicate agent role %q", a.Role)
		}
		roles[a.Role] = true
	}

	ids := make(map[string]bool, len(c.Tasks))
	for i, t := range c.Tasks {
		if t.ID == "" {
			return fmt.Errorf("task %d: id is required", i+1)
		}
		if ids[t.ID] {
			return fmt.Errorf("duplicate task id %q", t.ID)
		}
		ids[t.ID] = true
		if strings.TrimSpace(t.Description) == "" {
			return fmt.Errorf("task %s: description is required", t.ID)
		}
		if t.Agent != "" && !roles[t.Agent] {
			return fmt.Errorf("task %s: unknown agent %q", t.ID, t.Agent)
		}
		if t.MaxRetries != nil && *t.MaxRetries < 0 {
			return fmt.Errorf("task %s: max_retries must not be negative", t.ID)
		}
	}
	for _, t := range c.Tasks {
		for _, dep := range t.DependsOn {
			if !ids[dep] {
				return fmt.Errorf("task %s: unknown dependency %q", t.ID, dep)
			}
		}
	}
	return nil
}

// SaveCrew writes a crew definition as YAML.
func SaveCrew(crew *CrewFile, path string) error {
	return WriteYAML(crew, path)
}
