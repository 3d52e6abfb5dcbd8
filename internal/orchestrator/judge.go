package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"github.com/aristath/crew/internal/backend"
	"github.com/aristath/crew/internal/config"
	"github.com/aristath/crew/internal/crew"
	"github.com/aristath/crew/internal/guardrail"
)

// ManagerBackend creates the backend the manager judges with, using the
// manager's provider, model and temperature.
func ManagerBackend(ctx context.Context, cfg *config.Config, pm *backend.ProcessManager) (backend.Backend, error) {
	p, err := cfg.Provider(cfg.Manager.Provider)
	if err != nil {
		return nil, fmt.Errorf("manager: %w", err)
	}
	if cfg.Manager.Model != "" {
		p.Model = cfg.Manager.Model
	}
	temp := cfg.Manager.Temperature
	p.Temperature = &temp
	return backend.New(ctx, crew.BackendConfig("manager", p), pm)
}

// LazyJudge creates its backend on the first verdict, so runs without
// criterion guardrails never need manager credentials.
type LazyJudge struct {
	create func(ctx context.Context) (backend.Backend, error)

	once    sync.Once
	judge   *guardrail.ModelJudge
	backend backend.Backend
	err     error
}

// NewLazyJudge returns a judge backed by the configured manager model.
func NewLazyJudge(cfg *config.Config, pm *backend.ProcessManager) *LazyJudge {
	return &LazyJudge{create: func(ctx context.Context) (backend.Backend, error) {
		return ManagerBackend(ctx, cfg, pm)
	}}
}

func (j *LazyJudge) Judge(ctx context.Context, criterion, output string) (guardrail.Verdict, error) {
	j.once.Do(func() {
		j.backend, j.err = j.create(ctx)
		if j.err == nil {
			j.judge = guardrail.NewModelJudge(j.backend)
		}
	})
	if j.err != nil {
		return guardrail.Verdict{}, j.err
	}
	return j.judge.Judge(ctx, criterion, output)
}

// Close releases the backend if one was created.
func (j *LazyJudge) Close() error {
	if j.backend == nil {
		return nil
	}
	return j.backend.Close()
}
