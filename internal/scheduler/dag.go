package scheduler

import (
	"fmt"
	"strings"
	"sync"

	"github.com/gammazero/toposort"
)

// Transition describes a single task state change.
type Transition struct {
	TaskID string
	From   TaskState
	To     TaskState
}

// TransitionHook is called after every state change while the DAG's write
// lock is held, with a snapshot of all tasks. It must not call back into
// the DAG.
type TransitionHook func(tr Transition, snaps []Snapshot)

// Snapshot is the persisted form of a task's mutable state.
type Snapshot struct {
	ID      string
	State   TaskState
	Retries int
	Agent   string
	Output  string
	Err     string
}

// DependencyOutput is the accepted output of one dependency.
type DependencyOutput struct {
	ID     string
	Output string
}

// Progress counts tasks by coarse state.
type Progress struct {
	Total     int
	Pending   int
	Running   int
	Completed int
	Failed    int
	Blocked   int
}

// DAG represents a directed acyclic graph of tasks. All state changes go
// through a single writer lock.
type DAG struct {
	mu         sync.RWMutex
	order      []string            // declaration order
	tasks      map[string]*Task    // All tasks indexed by ID
	dependents map[string][]string // Maps taskID -> list of tasks that depend on it
	topo       []string
	hook       TransitionHook
}

// Build validates tasks and returns a DAG with every task Pending.
// Duplicate IDs, unknown dependencies and cycles are rejected before
// anything can run; cycles come back as *DependencyCycleError.
func Build(tasks []*Task) (*DAG, error) {
	d := &DAG{
		tasks:      make(map[string]*Task, len(tasks)),
		dependents: make(map[string][]string),
	}

	for _, t := range tasks {
		if t.ID == "" {
			return nil, fmt.Errorf("task has empty ID")
		}
		if _, exists := d.tasks[t.ID]; exists {
			return nil, fmt.Errorf("task with ID %q already exists", t.ID)
		}
		if t.MaxRetries < 0 {
			return nil, fmt.Errorf("task %q: max retries must not be negative", t.ID)
		}
		cp := cloneTask(t)
		cp.State = TaskPending
		cp.Retries = 0
		cp.Output = ""
		cp.Err = nil
		d.tasks[t.ID] = cp
		d.order = append(d.order, t.ID)
	}

	for _, id := range d.order {
		for _, depID := range d.tasks[id].DependsOn {
			if _, exists := d.tasks[depID]; !exists {
				return nil, fmt.Errorf("task %q depends on non-existent task %q", id, depID)
			}
			d.dependents[depID] = append(d.dependents[depID], id)
		}
	}

	topo, err := d.sort()
	if err != nil {
		return nil, err
	}
	d.topo = topo

	return d, nil
}

// sort runs topological sort using gammazero/toposort.
func (d *DAG) sort() ([]string, error) {
	var edges []toposort.Edge
	for _, id := range d.order {
		task := d.tasks[id]
		if len(task.DependsOn) == 0 {
			// Edge from nil keeps isolated tasks in the result
			edges = append(edges, toposort.Edge{nil, id})
			continue
		}
		for _, depID := range task.DependsOn {
			edges = append(edges, toposort.Edge{depID, id})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, &DependencyCycleError{Tasks: d.cycleMembers()}
	}

	order := make([]string, 0, len(sorted))
	for _, id := range sorted {
		if id != nil {
			order = append(order, id.(string))
		}
	}

	if len(order) != len(d.tasks) {
		return nil, &DependencyCycleError{Tasks: d.cycleMembers()}
	}

	return order, nil
}

// cycleMembers returns, in declaration order, every task that can reach
// itself through its dependencies.
func (d *DAG) cycleMembers() []string {
	var members []string
	for _, id := range d.order {
		if d.reaches(id, id) {
			members = append(members, id)
		}
	}
	return members
}

func (d *DAG) reaches(from, target string) bool {
	seen := make(map[string]bool)
	stack := append([]string(nil), d.tasks[from].DependsOn...)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if id == target {
			return true
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		stack = append(stack, d.tasks[id].DependsOn...)
	}
	return false
}

// SetTransitionHook installs h. Pass nil to remove it.
func (d *DAG) SetTransitionHook(h TransitionHook) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hook = h
}

// Order returns topologically sorted task IDs.
func (d *DAG) Order() []string {
	return append([]string(nil), d.topo...)
}

// IDs returns task IDs in declaration order.
func (d *DAG) IDs() []string {
	return append([]string(nil), d.order...)
}

// Get returns a copy of the task.
func (d *DAG) Get(taskID string) (*Task, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	task, exists := d.tasks[taskID]
	if !exists {
		return nil, false
	}
	return cloneTask(task), true
}

// Tasks returns copies of all tasks in declaration order.
func (d *DAG) Tasks() []*Task {
	d.mu.RLock()
	defer d.mu.RUnlock()

	tasks := make([]*Task, 0, len(d.order))
	for _, id := range d.order {
		tasks = append(tasks, cloneTask(d.tasks[id]))
	}
	return tasks
}

// NextReady promotes Pending tasks whose dependencies are all Completed to
// Ready, then returns every Ready task in declaration order.
func (d *DAG) NextReady() []*Task {
	d.mu.Lock()
	defer d.mu.Unlock()

	var ready []*Task
	for _, id := range d.order {
		task := d.tasks[id]
		if task.State == TaskPending && d.depsCompleted(task) {
			d.setState(task, TaskReady)
		}
		if task.State == TaskReady {
			ready = append(ready, cloneTask(task))
		}
	}
	return ready
}

func (d *DAG) depsCompleted(task *Task) bool {
	for _, depID := range task.DependsOn {
		if d.tasks[depID].State != TaskCompleted {
			return false
		}
	}
	return true
}

// Start hands a Ready or Revising task to agent.
func (d *DAG) Start(taskID, agent string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	task, ok := d.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %q", ErrTaskNotFound, taskID)
	}
	if !CanTransition(task.State, TaskInProgress) {
		return fmt.Errorf("%w: %q %s -> %s", ErrInvalidTransition, taskID, task.State, TaskInProgress)
	}
	task.Agent = agent
	d.setState(task, TaskInProgress)
	return nil
}

// SubmitForReview records that the current attempt produced output.
func (d *DAG) SubmitForReview(taskID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, err := d.transition(taskID, TaskAwaitingReview)
	return err
}

// Complete accepts output as the task's canonical result.
func (d *DAG) Complete(taskID, output string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	task, ok := d.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %q", ErrTaskNotFound, taskID)
	}
	if !CanTransition(task.State, TaskCompleted) {
		return fmt.Errorf("%w: %q %s -> %s", ErrInvalidTransition, taskID, task.State, TaskCompleted)
	}
	task.Output = output
	task.Err = nil
	d.setState(task, TaskCompleted)
	return nil
}

// Revise sends the task back for another attempt, consuming one retry.
// When the budget is spent it returns ErrRetryBudgetExhausted and leaves
// the task untouched.
func (d *DAG) Revise(taskID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	task, ok := d.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %q", ErrTaskNotFound, taskID)
	}
	if !CanTransition(task.State, TaskRevising) {
		return fmt.Errorf("%w: %q %s -> %s", ErrInvalidTransition, taskID, task.State, TaskRevising)
	}
	if task.Retries >= task.MaxRetries {
		return fmt.Errorf("%w: task %q used %d of %d retries", ErrRetryBudgetExhausted, taskID, task.Retries, task.MaxRetries)
	}
	task.Retries++
	d.setState(task, TaskRevising)
	return nil
}

// Reassign changes the owning agent of a task that is being revised.
func (d *DAG) Reassign(taskID, agent string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	task, ok := d.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %q", ErrTaskNotFound, taskID)
	}
	if task.State != TaskRevising {
		return fmt.Errorf("%w: cannot reassign %q while %s", ErrInvalidTransition, taskID, task.State)
	}
	task.Agent = agent
	return nil
}

// Fail marks the task Failed. A Ready task is started first so the
// recorded history stays within legal transitions.
func (d *DAG) Fail(taskID string, cause error) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	task, ok := d.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %q", ErrTaskNotFound, taskID)
	}
	if task.State == TaskReady {
		d.setState(task, TaskInProgress)
	}
	if !CanTransition(task.State, TaskFailed) {
		return fmt.Errorf("%w: %q %s -> %s", ErrInvalidTransition, taskID, task.State, TaskFailed)
	}
	task.Err = cause
	d.setState(task, TaskFailed)
	return nil
}

// BlockDependents blocks every Pending or Ready task downstream of taskID
// and returns their IDs in declaration order.
func (d *DAG) BlockDependents(taskID string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	downstream := d.downstream(taskID)
	var blocked []string
	for _, id := range d.order {
		task := d.tasks[id]
		if downstream[id] && (task.State == TaskPending || task.State == TaskReady) {
			d.setState(task, TaskBlocked)
			blocked = append(blocked, id)
		}
	}
	return blocked
}

// BlockAll blocks every Pending or Ready task.
func (d *DAG) BlockAll() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	var blocked []string
	for _, id := range d.order {
		task := d.tasks[id]
		if task.State == TaskPending || task.State == TaskReady {
			d.setState(task, TaskBlocked)
			blocked = append(blocked, id)
		}
	}
	return blocked
}

// downstream returns the transitive dependents of taskID, excluding itself.
func (d *DAG) downstream(taskID string) map[string]bool {
	seen := make(map[string]bool)
	stack := append([]string(nil), d.dependents[taskID]...)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[id] {
			continue
		}
		seen[id] = true
		stack = append(stack, d.dependents[id]...)
	}
	return seen
}

// DependencyOutputs returns the outputs of taskID's dependencies in the
// order they were declared.
func (d *DAG) DependencyOutputs(taskID string) ([]DependencyOutput, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	task, ok := d.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrTaskNotFound, taskID)
	}

	outs := make([]DependencyOutput, 0, len(task.DependsOn))
	for _, depID := range task.DependsOn {
		dep := d.tasks[depID]
		if dep.State != TaskCompleted {
			return nil, fmt.Errorf("dependency %q of %q is %s", depID, taskID, dep.State)
		}
		outs = append(outs, DependencyOutput{ID: depID, Output: dep.Output})
	}
	return outs, nil
}

// Snapshot captures every task's mutable state in declaration order.
func (d *DAG) Snapshot() []Snapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.snapshotLocked()
}

func (d *DAG) snapshotLocked() []Snapshot {
	snaps := make([]Snapshot, 0, len(d.order))
	for _, id := range d.order {
		t := d.tasks[id]
		s := Snapshot{ID: id, State: t.State, Retries: t.Retries, Agent: t.Agent, Output: t.Output}
		if t.Err != nil {
			s.Err = t.Err.Error()
		}
		snaps = append(snaps, s)
	}
	return snaps
}

// Restore applies a checkpoint. Completed tasks keep their output and
// agent; every other task returns to Pending with a fresh retry budget,
// so readiness is re-derived from the restored Completed set.
func (d *DAG) Restore(snaps []Snapshot) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, s := range snaps {
		if _, ok := d.tasks[s.ID]; !ok {
			return fmt.Errorf("%w: checkpoint references %q", ErrTaskNotFound, s.ID)
		}
	}

	for _, s := range snaps {
		task := d.tasks[s.ID]
		if s.State == TaskCompleted {
			task.State = TaskCompleted
			task.Output = s.Output
			task.Agent = s.Agent
			task.Retries = s.Retries
			task.Err = nil
			continue
		}
		task.State = TaskPending
		task.Output = ""
		task.Agent = ""
		task.Retries = 0
		task.Err = nil
	}

	// A Completed task with an unfinished dependency cannot be trusted.
	for _, id := range d.topo {
		task := d.tasks[id]
		if task.State == TaskCompleted && !d.depsCompleted(task) {
			task.State = TaskPending
			task.Output = ""
			task.Agent = ""
			task.Retries = 0
		}
	}

	return nil
}

// ResetFrom returns taskID and everything downstream of it to Pending with
// cleared outputs, so they run again.
func (d *DAG) ResetFrom(taskID string) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.tasks[taskID]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrTaskNotFound, taskID)
	}

	affected := d.downstream(taskID)
	affected[taskID] = true

	var reset []string
	for _, id := range d.order {
		if !affected[id] {
			continue
		}
		task := d.tasks[id]
		from := task.State
		task.State = TaskPending
		task.Output = ""
		task.Agent = ""
		task.Retries = 0
		task.Err = nil
		reset = append(reset, id)
		d.notify(Transition{TaskID: id, From: from, To: TaskPending})
	}
	return reset, nil
}

// Progress summarizes task states.
func (d *DAG) Progress() Progress {
	d.mu.RLock()
	defer d.mu.RUnlock()

	p := Progress{Total: len(d.order)}
	for _, id := range d.order {
		switch d.tasks[id].State {
		case TaskPending, TaskReady:
			p.Pending++
		case TaskInProgress, TaskAwaitingReview, TaskRevising:
			p.Running++
		case TaskCompleted:
			p.Completed++
		case TaskFailed:
			p.Failed++
		case TaskBlocked:
			p.Blocked++
		}
	}
	return p
}

// Done reports whether every task is terminal.
func (d *DAG) Done() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for _, id := range d.order {
		if !d.tasks[id].State.Terminal() {
			return false
		}
	}
	return true
}

// transition validates and applies a state change. Caller holds d.mu.
func (d *DAG) transition(taskID string, to TaskState) (*Task, error) {
	task, ok := d.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrTaskNotFound, taskID)
	}
	if !CanTransition(task.State, to) {
		return nil, fmt.Errorf("%w: %q %s -> %s", ErrInvalidTransition, taskID, task.State, to)
	}
	d.setState(task, to)
	return task, nil
}

func (d *DAG) setState(task *Task, to TaskState) {
	from := task.State
	task.State = to
	d.notify(Transition{TaskID: task.ID, From: from, To: to})
}

func (d *DAG) notify(tr Transition) {
	if d.hook != nil {
		d.hook(tr, d.snapshotLocked())
	}
}

// String renders the DAG in topological order, for debugging.
func (d *DAG) String() string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var b strings.Builder
	for _, id := range d.topo {
		t := d.tasks[id]
		fmt.Fprintf(&b, "%s [%s]", id, t.State)
		if len(t.DependsOn) > 0 {
			fmt.Fprintf(&b, " <- %s", strings.Join(t.DependsOn, ", "))
		}
		b.WriteByte('\n')
	}
	return b.String()
}
