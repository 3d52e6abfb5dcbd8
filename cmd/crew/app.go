package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/aristath/crew/internal/config"
	"github.com/aristath/crew/internal/crew"
	"github.com/aristath/crew/internal/events"
	"github.com/aristath/crew/internal/orchestrator"
	"github.com/aristath/crew/internal/persistence"
)

// app is everything a crew command needs, opened once per invocation.
type app struct {
	cfg    *config.Config
	file   *config.CrewFile
	stores *orchestrator.Stores
	crew   *crew.Crew
	judge  *orchestrator.LazyJudge
	runner *orchestrator.Runner
}

// openApp loads config, opens the stores and builds the named crew. ob, if
// set, observes both knowledge ingestion and the run lifecycle.
func openApp(ctx context.Context, name string, ob events.Observer) (*app, error) {
	cfg, err := config.LoadDefault()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	path, err := cfg.CrewPath(name)
	if err != nil {
		return nil, err
	}
	file, err := config.LoadCrew(path)
	if err != nil {
		return nil, err
	}

	stores, err := orchestrator.OpenStores(ctx, cfg, ob)
	if err != nil {
		return nil, err
	}
	c, err := crew.Build(ctx, file, crew.Options{Config: cfg, ProcessManager: pm})
	if err != nil {
		stores.Close()
		return nil, err
	}

	judge := orchestrator.NewLazyJudge(cfg, pm)
	var observers []events.Observer
	if ob != nil {
		observers = append(observers, ob)
	}
	runner, err := orchestrator.New(orchestrator.Options{
		Config:      cfg,
		Crew:        c,
		Checkpoints: stores.Checkpoints,
		Memory:      stores.Memory,
		Knowledge:   stores.Knowledge,
		Judge:       judge,
		Observers:   observers,
	})
	if err != nil {
		c.Close()
		stores.Close()
		return nil, err
	}

	return &app{cfg: cfg, file: file, stores: stores, crew: c, judge: judge, runner: runner}, nil
}

func (a *app) Close() error {
	return errors.Join(a.judge.Close(), a.crew.Close(), a.stores.Close())
}

// openStores is for commands that work on stored data without a crew.
func openStores(ctx context.Context) (*config.Config, *orchestrator.Stores, error) {
	cfg, err := config.LoadDefault()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	stores, err := orchestrator.OpenStores(ctx, cfg, nil)
	if err != nil {
		return nil, nil, err
	}
	return cfg, stores, nil
}

// crewOfRun returns the crew a stored run belongs to, unless --crew was
// given explicitly.
func crewOfRun(ctx context.Context, runID string) (string, error) {
	if crewName != "" {
		return crewName, nil
	}
	cfg, err := config.LoadDefault()
	if err != nil {
		return "", fmt.Errorf("load config: %w", err)
	}
	store, err := persistence.NewSQLiteStore(ctx, cfg.CheckpointPath())
	if err != nil {
		return "", err
	}
	defer store.Close()

	run, err := store.GetRun(ctx, runID)
	if err != nil {
		return "", err
	}
	return run.Crew, nil
}
