package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aristath/crew/internal/events"
)

// Mode selects how ready tasks are released.
type Mode int

const (
	// Sequential runs exactly one task at a time in declaration order.
	Sequential Mode = iota
	// Hierarchical runs async tasks concurrently on a bounded pool while
	// non-async tasks run one at a time among themselves.
	Hierarchical
)

func (m Mode) String() string {
	if m == Hierarchical {
		return "hierarchical"
	}
	return "sequential"
}

// ParseMode accepts "sequential" or "hierarchical".
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "sequential":
		return Sequential, nil
	case "hierarchical":
		return Hierarchical, nil
	default:
		return 0, fmt.Errorf("unknown process mode %q", s)
	}
}

// AbortPolicy decides what a permanently failed task takes down with it.
type AbortPolicy string

const (
	// AbortSubgraph blocks only the failed task's transitive dependents.
	AbortSubgraph AbortPolicy = "subgraph"
	// AbortRun blocks every task that has not started.
	AbortRun AbortPolicy = "run"
)

// ParseAbortPolicy accepts "subgraph" (the default) or "run".
func ParseAbortPolicy(s string) (AbortPolicy, error) {
	switch AbortPolicy(s) {
	case "", AbortSubgraph:
		return AbortSubgraph, nil
	case AbortRun:
		return AbortRun, nil
	default:
		return "", fmt.Errorf("unknown abort policy %q", s)
	}
}

// Dispatcher drives one task from Ready to Completed or Failed. It owns
// every transition in between.
type Dispatcher interface {
	Execute(ctx context.Context, dag *DAG, task *Task) error
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, dag *DAG, task *Task) error

func (f DispatcherFunc) Execute(ctx context.Context, dag *DAG, task *Task) error {
	return f(ctx, dag, task)
}

// Options configures a Scheduler.
type Options struct {
	Mode        Mode
	Concurrency int // async pool size in hierarchical mode; defaults to 4
	AbortPolicy AbortPolicy
	RunID       string
	Observer    events.Observer
}

// Scheduler releases tasks from a DAG to a Dispatcher as their
// dependencies complete.
type Scheduler struct {
	dag        *DAG
	dispatcher Dispatcher
	opts       Options
}

// New creates a Scheduler.
func New(dag *DAG, dispatcher Dispatcher, opts Options) *Scheduler {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.AbortPolicy == "" {
		opts.AbortPolicy = AbortSubgraph
	}
	return &Scheduler{dag: dag, dispatcher: dispatcher, opts: opts}
}

type dispatchResult struct {
	id  string
	err error
}

// Run dispatches tasks until nothing more can run. Task failures are
// recorded in the DAG, not returned; the error is non-nil only when ctx
// ends first, in which case unfinished tasks are left for a resume.
func (s *Scheduler) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	limit := s.opts.Concurrency
	if s.opts.Mode == Sequential {
		limit = 1
	}
	g.SetLimit(limit)

	done := make(chan dispatchResult, len(s.dag.IDs()))
	running := make(map[string]bool)
	dispatched := make(map[string]bool)
	syncBusy := false

	launch := func(t *Task) {
		running[t.ID] = true
		dispatched[t.ID] = true
		if !t.Async || s.opts.Mode == Sequential {
			syncBusy = true
		}
		g.Go(func() error {
			done <- dispatchResult{id: t.ID, err: s.execute(gctx, t)}
			return nil
		})
	}

	for {
		if ctx.Err() == nil {
			for _, t := range s.dag.NextReady() {
				if dispatched[t.ID] {
					continue
				}
				if s.opts.Mode == Sequential {
					if len(running) == 0 {
						launch(t)
					}
					break
				}
				if !t.Async {
					if syncBusy {
						continue
					}
				}
				launch(t)
			}
		}

		if len(running) == 0 {
			break
		}

		res := <-done
		delete(running, res.id)
		if task, ok := s.dag.Get(res.id); ok && (!task.Async || s.opts.Mode == Sequential) {
			syncBusy = false
		}
		s.settle(res)
	}

	g.Wait()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("run interrupted: %w", err)
	}
	return nil
}

func (s *Scheduler) execute(ctx context.Context, t *Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("dispatcher panicked: %v", r)
		}
	}()
	return s.dispatcher.Execute(ctx, s.dag, t)
}

// settle makes sure a returned task is terminal and applies the abort policy.
func (s *Scheduler) settle(res dispatchResult) {
	task, ok := s.dag.Get(res.id)
	if !ok {
		return
	}

	if !task.State.Terminal() {
		cause := res.err
		if cause == nil {
			cause = errors.New("dispatcher returned before the task finished")
		}
		if err := s.dag.Fail(res.id, cause); err != nil {
			log.Printf("ERROR: failed to mark task %s failed: %v", res.id, err)
		}
		task, _ = s.dag.Get(res.id)
	}

	if task.State == TaskFailed {
		var blocked []string
		if s.opts.AbortPolicy == AbortRun {
			blocked = s.dag.BlockAll()
		} else {
			blocked = s.dag.BlockDependents(res.id)
		}
		for _, id := range blocked {
			s.notify(events.TaskBlockedEvent{RunID: s.opts.RunID, ID: id, BlockedBy: res.id, Timestamp: time.Now()})
		}
	}

	p := s.dag.Progress()
	s.notify(events.RunProgressEvent{
		RunID:     s.opts.RunID,
		Total:     p.Total,
		Completed: p.Completed,
		Running:   p.Running,
		Failed:    p.Failed,
		Blocked:   p.Blocked,
		Pending:   p.Pending,
		Timestamp: time.Now(),
	})
}

func (s *Scheduler) notify(e events.Event) {
	if s.opts.Observer != nil {
		s.opts.Observer.Notify(e)
	}
}
