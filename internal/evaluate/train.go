// Package evaluate runs a crew repeatedly to improve or measure it: Train
// distills review feedback into per-role suggestions, Test scores accepted
// outputs against their expected output.
package evaluate

import (
	"context"
	"fmt"
	"log"

	"github.com/aristath/crew/internal/crew"
	"github.com/aristath/crew/internal/orchestrator"
	"github.com/aristath/crew/internal/persistence"
)

// Runner is the part of orchestrator.Runner the loops need.
type Runner interface {
	Run(ctx context.Context, inputs map[string]string) (*orchestrator.RunResult, error)
	Checkpoints() persistence.Store
	Crew() *crew.Crew
}

// Train runs the crew n times and collects every piece of guardrail
// feedback per agent role. The artifact is written to path when path is
// not empty; agents pick it up through the crew's training_file.
func Train(ctx context.Context, r Runner, n int, inputs map[string]string, path string) (*crew.TrainingData, error) {
	if n < 1 {
		return nil, fmt.Errorf("iterations must be at least 1, got %d", n)
	}

	data := &crew.TrainingData{Agents: make(map[string]crew.AgentTraining)}
	seen := make(map[string]map[string]bool)

	for i := 1; i <= n; i++ {
		res, err := r.Run(ctx, inputs)
		if err != nil {
			return nil, fmt.Errorf("training iteration %d: %w", i, err)
		}
		if res.Status == persistence.RunInterrupted {
			return nil, fmt.Errorf("training iteration %d interrupted: %w", i, res.Err)
		}
		log.Printf("Training iteration %d/%d finished: run %s %s", i, n, res.RunID, res.Status)

		attempts, err := r.Checkpoints().ListAttempts(ctx, res.RunID)
		if err != nil {
			return nil, err
		}
		for _, a := range attempts {
			if a.Passed || a.Agent == "" {
				continue
			}
			if seen[a.Agent] == nil {
				seen[a.Agent] = make(map[string]bool)
			}
			at := data.Agents[a.Agent]
			for _, fb := range a.Feedback {
				if fb == "" || seen[a.Agent][fb] {
					continue
				}
				seen[a.Agent][fb] = true
				at.Suggestions = append(at.Suggestions, fb)
			}
			data.Agents[a.Agent] = at
		}
		data.Iterations++
	}

	for _, role := range r.Crew().Roles() {
		if _, ok := data.Agents[role]; !ok {
			data.Agents[role] = crew.AgentTraining{}
		}
	}

	if path != "" {
		if err := data.Save(path); err != nil {
			return nil, err
		}
	}
	return data, nil
}
