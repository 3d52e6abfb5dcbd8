// Package orchestrator runs a crew end to end: it builds the task graph,
// hands it to the scheduler with a manager as dispatcher, checkpoints every
// transition and records what the run learned.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"maps"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/aristath/crew/internal/config"
	"github.com/aristath/crew/internal/crew"
	"github.com/aristath/crew/internal/events"
	"github.com/aristath/crew/internal/guardrail"
	"github.com/aristath/crew/internal/knowledge"
	"github.com/aristath/crew/internal/manager"
	"github.com/aristath/crew/internal/memory"
	"github.com/aristath/crew/internal/persistence"
	"github.com/aristath/crew/internal/scheduler"
)

// maxSummary bounds the long-term record written for each completed task.
const maxSummary = 2000

// maxEntityName is the longest input value remembered as an entity.
const maxEntityName = 80

// TaskFailure is a task that did not complete.
type TaskFailure struct {
	TaskID string
	State  scheduler.TaskState // Failed or Blocked
	Err    error
}

// RunResult is the outcome of one run. Outputs always holds every task
// that completed, even when others failed.
type RunResult struct {
	RunID    string
	Status   persistence.RunStatus
	Outputs  []persistence.TaskOutput // declaration order
	Failures []TaskFailure
	Err      error
}

// Output returns the accepted output of a task, if it completed.
func (r *RunResult) Output(taskID string) (string, bool) {
	for _, o := range r.Outputs {
		if o.TaskID == taskID {
			return o.Output, true
		}
	}
	return "", false
}

// Options configures a Runner. Crew and Checkpoints are required.
type Options struct {
	Config      *config.Config
	Crew        *crew.Crew
	Checkpoints persistence.Store
	Memory      *memory.Store
	Knowledge   *knowledge.Store
	Judge       guardrail.Judge
	Override    manager.ScoreOverride
	Retry       manager.RetryConfig
	Observers   []events.Observer
}

// Runner owns everything one crew needs to run: the crew, its stores and
// its observers. Each call to Run, Resume or Replay is one run.
type Runner struct {
	cfg         *config.Config
	crew        *crew.Crew
	checkpoints persistence.Store
	memory      *memory.Store
	knowledge   *knowledge.Store
	retriever   *knowledge.Retriever
	judge       guardrail.Judge
	override    manager.ScoreOverride
	retry       manager.RetryConfig
	breakers    *manager.BreakerRegistry
	observers   *events.Observers
}

// New creates a Runner.
func New(opts Options) (*Runner, error) {
	if opts.Crew == nil {
		return nil, fmt.Errorf("runner requires a crew")
	}
	if opts.Checkpoints == nil {
		return nil, fmt.Errorf("runner requires a checkpoint store")
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	r := &Runner{
		cfg:         cfg,
		crew:        opts.Crew,
		checkpoints: opts.Checkpoints,
		memory:      opts.Memory,
		knowledge:   opts.Knowledge,
		judge:       opts.Judge,
		override:    opts.Override,
		retry:       opts.Retry,
		breakers:    manager.NewBreakerRegistry(),
		observers:   events.NewObservers(opts.Observers...),
	}
	if r.knowledge != nil {
		r.retriever = knowledge.NewRetriever(r.knowledge, knowledge.RetrieverOptions{
			ResultsLimit:   cfg.Knowledge.ResultsLimit,
			ScoreThreshold: cfg.Knowledge.ScoreThreshold,
			Observer:       r.observers,
		})
	}
	return r, nil
}

// Observe adds an observer for subsequent runs.
func (r *Runner) Observe(ob events.Observer) {
	r.observers.Add(ob)
}

// Crew returns the crew this runner executes.
func (r *Runner) Crew() *crew.Crew {
	return r.crew
}

// Checkpoints returns the run store.
func (r *Runner) Checkpoints() persistence.Store {
	return r.checkpoints
}

// Judge returns the judge used for criterion guardrails.
func (r *Runner) Judge() guardrail.Judge {
	return r.judge
}

// Run starts a new run with inputs overlaid on the crew's defaults.
func (r *Runner) Run(ctx context.Context, inputs map[string]string) (*RunResult, error) {
	dag, err := r.buildDAG(inputs)
	if err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	merged := r.crew.MergeInputs(inputs)
	err = r.checkpoints.CreateRun(ctx, persistence.Run{
		ID:     runID,
		Crew:   r.crew.Name,
		Inputs: merged,
		Status: persistence.RunRunning,
	})
	if err != nil {
		return nil, err
	}

	r.rememberEntities(ctx, runID, merged)
	r.ingest(ctx)
	return r.execute(ctx, runID, dag)
}

// Resume continues an interrupted or failed run from its last checkpoint.
// Completed tasks keep their outputs; everything else runs again with a
// fresh retry budget.
func (r *Runner) Resume(ctx context.Context, runID string) (*RunResult, error) {
	dag, err := r.restore(ctx, runID)
	if err != nil {
		return nil, err
	}
	if p := dag.Progress(); p.Completed == p.Total {
		return nil, fmt.Errorf("run %s has already completed", runID)
	}
	if err := r.checkpoints.UpdateRunStatus(ctx, runID, persistence.RunRunning, ""); err != nil {
		return nil, err
	}
	r.ingest(ctx)
	return r.execute(ctx, runID, dag)
}

// Replay reruns taskID and everything downstream of it within an earlier
// run, keeping the outputs of every other completed task.
func (r *Runner) Replay(ctx context.Context, runID, taskID string) (*RunResult, error) {
	dag, err := r.restore(ctx, runID)
	if err != nil {
		return nil, err
	}
	reset, err := dag.ResetFrom(taskID)
	if err != nil {
		return nil, err
	}
	log.Printf("Replaying run %s from task %s (%d tasks)", runID, taskID, len(reset))

	if err := r.checkpoints.UpdateRunStatus(ctx, runID, persistence.RunRunning, ""); err != nil {
		return nil, err
	}
	r.ingest(ctx)
	return r.execute(ctx, runID, dag)
}

func (r *Runner) buildDAG(inputs map[string]string) (*scheduler.DAG, error) {
	var opts []guardrail.CriterionOption
	if r.cfg.Manager.JudgeVotes > 1 {
		opts = append(opts, guardrail.WithVotes(r.cfg.Manager.JudgeVotes))
	}
	tasks, err := r.crew.Tasks(inputs, r.judge, opts...)
	if err != nil {
		return nil, err
	}
	return scheduler.Build(tasks)
}

func (r *Runner) restore(ctx context.Context, runID string) (*scheduler.DAG, error) {
	run, err := r.checkpoints.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Crew != r.crew.Name {
		return nil, fmt.Errorf("run %s belongs to crew %q, not %q", runID, run.Crew, r.crew.Name)
	}

	dag, err := r.buildDAG(run.Inputs)
	if err != nil {
		return nil, err
	}
	snaps, err := r.checkpoints.LoadCheckpoint(ctx, runID)
	if err != nil {
		return nil, err
	}
	if err := dag.Restore(snaps); err != nil {
		return nil, fmt.Errorf("failed to restore run %s: %w", runID, err)
	}
	return dag, nil
}

// ingest loads the crew's and every agent's knowledge sources. Failures
// are logged; a run never stops for missing knowledge.
func (r *Runner) ingest(ctx context.Context) {
	if r.knowledge == nil {
		return
	}
	load := func(ns string, sources []knowledge.Source) {
		if len(sources) == 0 {
			return
		}
		r.knowledge.Register(ns, sources...)
		if _, err := r.knowledge.Ingest(ctx, ns, sources...); err != nil {
			log.Printf("WARNING: knowledge ingestion into %s failed: %v", ns, err)
		}
	}

	load(r.crew.Namespace(), r.crew.Knowledge)
	for _, a := range r.crew.Agents {
		load(a.Namespace(), a.Knowledge)
	}
}

func (r *Runner) execute(ctx context.Context, runID string, dag *scheduler.DAG) (*RunResult, error) {
	persistCtx := context.WithoutCancel(ctx)

	carried := make(map[string]bool)
	for _, t := range dag.Tasks() {
		if t.State == scheduler.TaskCompleted {
			carried[t.ID] = true
		}
	}

	dag.SetTransitionHook(func(tr scheduler.Transition, snaps []scheduler.Snapshot) {
		if err := r.checkpoints.SaveCheckpoint(persistCtx, runID, snaps); err != nil {
			log.Printf("ERROR: failed to checkpoint run %s after %s -> %s: %v", runID, tr.TaskID, tr.To, err)
		}
	})
	if err := r.checkpoints.SaveCheckpoint(persistCtx, runID, dag.Snapshot()); err != nil {
		return nil, err
	}

	policy, err := scheduler.ParseAbortPolicy(r.cfg.Manager.AbortPolicy)
	if err != nil {
		return nil, err
	}

	mopts := manager.Options{
		RunID:          runID,
		MaxConsultants: r.cfg.Manager.MaxConsultants,
		Override:       r.override,
		Attempts:       r.checkpoints,
		Observer:       r.observers,
		Retry:          r.retry,
		Breakers:       r.breakers,
	}
	if r.retriever != nil {
		mopts.Knowledge = r.retriever
	}
	if r.memory != nil {
		mopts.Memory = r.memory
		defer r.memory.EndRun(runID)
	}
	m := manager.New(r.crew, mopts)

	stop := m.Start(ctx)
	m.Plan(dag.Tasks())
	runErr := scheduler.New(dag, m, scheduler.Options{
		Mode:        r.crew.Mode,
		Concurrency: r.cfg.Execution.Concurrency,
		AbortPolicy: policy,
		RunID:       runID,
		Observer:    r.observers,
	}).Run(ctx)
	stop()

	result := collect(runID, dag, runErr)
	if runErr == nil {
		r.summarize(persistCtx, result, carried)
	}

	errMsg := ""
	if result.Err != nil {
		errMsg = result.Err.Error()
	}
	if err := r.checkpoints.UpdateRunStatus(persistCtx, runID, result.Status, errMsg); err != nil {
		log.Printf("ERROR: failed to update status of run %s: %v", runID, err)
	}
	return result, nil
}

func collect(runID string, dag *scheduler.DAG, runErr error) *RunResult {
	result := &RunResult{RunID: runID}

	var errs []error
	for _, t := range dag.Tasks() {
		switch t.State {
		case scheduler.TaskCompleted:
			result.Outputs = append(result.Outputs, persistence.TaskOutput{TaskID: t.ID, Agent: t.Agent, Output: t.Output})
		case scheduler.TaskFailed:
			result.Failures = append(result.Failures, TaskFailure{TaskID: t.ID, State: t.State, Err: t.Err})
			if t.Err != nil {
				errs = append(errs, t.Err)
			}
		case scheduler.TaskBlocked:
			result.Failures = append(result.Failures, TaskFailure{
				TaskID: t.ID,
				State:  t.State,
				Err:    fmt.Errorf("task %s blocked by a failed dependency", t.ID),
			})
		}
	}

	total := len(dag.IDs())
	switch {
	case runErr != nil:
		result.Status = persistence.RunInterrupted
		result.Err = runErr
		return result
	case len(result.Outputs) == total:
		result.Status = persistence.RunCompleted
	case len(result.Outputs) == 0:
		result.Status = persistence.RunFailed
	default:
		result.Status = persistence.RunPartial
	}
	result.Err = errors.Join(errs...)
	return result
}

// rememberEntities records each short single-line input value as an entity
// keyed by the value itself, so tasks that mention it get it back from
// Compose in this run and in later ones.
func (r *Runner) rememberEntities(ctx context.Context, runID string, inputs map[string]string) {
	if r.memory == nil {
		return
	}
	for _, name := range slices.Sorted(maps.Keys(inputs)) {
		value := strings.TrimSpace(inputs[name])
		if value == "" || strings.ContainsAny(value, "\r\n") || len([]rune(value)) > maxEntityName {
			continue
		}
		desc := fmt.Sprintf("%s of crew %s", name, r.crew.Name)
		if err := r.memory.Record(ctx, memory.TierEntity, value, desc, runID); err != nil {
			log.Printf("WARNING: failed to record entity %q: %v", value, err)
		}
	}
}

// summarize stores the output of each task completed by this execution as
// long-term memory so later runs can draw on it. Outputs carried over from
// a checkpoint were recorded when they were produced.
func (r *Runner) summarize(ctx context.Context, result *RunResult, carried map[string]bool) {
	if r.memory == nil {
		return
	}
	for _, o := range result.Outputs {
		if carried[o.TaskID] {
			continue
		}
		if err := r.memory.Record(ctx, memory.TierLong, o.TaskID, summary(o.Output), result.RunID); err != nil {
			log.Printf("WARNING: failed to record long-term memory for task %s: %v", o.TaskID, err)
		}
	}
}

func summary(output string) string {
	output = strings.TrimSpace(output)
	runes := []rune(output)
	if len(runes) <= maxSummary {
		return output
	}
	return string(runes[:maxSummary]) + "..."
}
