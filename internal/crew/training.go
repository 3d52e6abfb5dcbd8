package crew

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/aristath/crew/internal/config"
)

// TrainingData is the artifact written by training runs: per-role
// suggestions distilled from review feedback.
type TrainingData struct {
	Iterations int                      `yaml:"iterations"`
	Agents     map[string]AgentTraining `yaml:"agents"`
}

// AgentTraining holds what one role should do differently.
type AgentTraining struct {
	Suggestions []string `yaml:"suggestions"`
}

// LoadTraining reads a training artifact.
func LoadTraining(path string) (*TrainingData, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading training file %s: %w", path, err)
	}
	var t TrainingData
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parsing training file %s: %w", path, err)
	}
	return &t, nil
}

// Save writes the artifact to path.
func (t *TrainingData) Save(path string) error {
	return config.WriteYAML(t, path)
}

// Suggestions returns the suggestions for role, or nil.
func (t *TrainingData) Suggestions(role string) []string {
	if t == nil || t.Agents == nil {
		return nil
	}
	return t.Agents[role].Suggestions
}
