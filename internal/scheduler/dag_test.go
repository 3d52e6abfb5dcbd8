package scheduler

import (
	"errors"
	"reflect"
	"strings"
	"testing"
)

func mustBuild(t *testing.T, tasks ...*Task) *DAG {
	t.Helper()
	dag, err := Build(tasks)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	return dag
}

// finish drives a task through a successful attempt.
func finish(t *testing.T, dag *DAG, id, output string) {
	t.Helper()
	if err := dag.Start(id, "agent"); err != nil {
		t.Fatalf("Start(%s): %v", id, err)
	}
	if err := dag.SubmitForReview(id); err != nil {
		t.Fatalf("SubmitForReview(%s): %v", id, err)
	}
	if err := dag.Complete(id, output); err != nil {
		t.Fatalf("Complete(%s): %v", id, err)
	}
}

func ids(tasks []*Task) []string {
	out := make([]string, len(tasks))
	for i, t := range tasks {
		out[i] = t.ID
	}
	return out
}

func TestBuild(t *testing.T) {
	tests := []struct {
		name        string
		tasks       []*Task
		wantCycle   []string
		errContains string
	}{
		{
			name:  "valid linear chain",
			tasks: []*Task{{ID: "A"}, {ID: "B", DependsOn: []string{"A"}}, {ID: "C", DependsOn: []string{"B"}}},
		},
		{
			name:  "valid fan-in",
			tasks: []*Task{{ID: "A"}, {ID: "B"}, {ID: "C", DependsOn: []string{"A", "B"}}},
		},
		{
			name:      "direct cycle",
			tasks:     []*Task{{ID: "A", DependsOn: []string{"B"}}, {ID: "B", DependsOn: []string{"A"}}},
			wantCycle: []string{"A", "B"},
		},
		{
			name: "transitive cycle with a bystander",
			tasks: []*Task{
				{ID: "X"},
				{ID: "A", DependsOn: []string{"C"}},
				{ID: "B", DependsOn: []string{"A"}},
				{ID: "C", DependsOn: []string{"B"}},
				{ID: "D", DependsOn: []string{"C"}},
			},
			wantCycle: []string{"A", "B", "C"},
		},
		{
			name:      "self-loop",
			tasks:     []*Task{{ID: "A", DependsOn: []string{"A"}}},
			wantCycle: []string{"A"},
		},
		{
			name:        "missing dependency",
			tasks:       []*Task{{ID: "A", DependsOn: []string{"ghost"}}},
			errContains: "non-existent",
		},
		{
			name:        "duplicate id",
			tasks:       []*Task{{ID: "A"}, {ID: "A"}},
			errContains: "already exists",
		},
		{
			name:        "negative retries",
			tasks:       []*Task{{ID: "A", MaxRetries: -1}},
			errContains: "negative",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dag, err := Build(tt.tasks)

			switch {
			case tt.wantCycle != nil:
				var cycleErr *DependencyCycleError
				if !errors.As(err, &cycleErr) {
					t.Fatalf("expected DependencyCycleError, got %v", err)
				}
				if !reflect.DeepEqual(cycleErr.Tasks, tt.wantCycle) {
					t.Errorf("cycle tasks = %v, want %v", cycleErr.Tasks, tt.wantCycle)
				}
			case tt.errContains != "":
				if err == nil || !strings.Contains(err.Error(), tt.errContains) {
					t.Fatalf("expected error containing %q, got %v", tt.errContains, err)
				}
			default:
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if len(dag.Order()) != len(tt.tasks) {
					t.Errorf("Order() has %d tasks, want %d", len(dag.Order()), len(tt.tasks))
				}
			}
		})
	}
}

func TestBuild_CopiesTasks(t *testing.T) {
	in := &Task{ID: "A", State: TaskCompleted, Output: "stale"}
	dag := mustBuild(t, in)

	got, _ := dag.Get("A")
	if got.State != TaskPending || got.Output != "" {
		t.Errorf("Build should reset state, got %s %q", got.State, got.Output)
	}

	got.Description = "mutated"
	again, _ := dag.Get("A")
	if again.Description == "mutated" {
		t.Error("Get should return a copy")
	}
}

func TestOrder_RespectsDependencies(t *testing.T) {
	dag := mustBuild(t,
		&Task{ID: "report", DependsOn: []string{"analysis"}},
		&Task{ID: "analysis", DependsOn: []string{"research"}},
		&Task{ID: "research"},
	)

	pos := make(map[string]int)
	for i, id := range dag.Order() {
		pos[id] = i
	}
	if !(pos["research"] < pos["analysis"] && pos["analysis"] < pos["report"]) {
		t.Errorf("bad topological order: %v", dag.Order())
	}
	if !reflect.DeepEqual(dag.IDs(), []string{"report", "analysis", "research"}) {
		t.Errorf("IDs() should keep declaration order, got %v", dag.IDs())
	}
}

func TestNextReady_FanIn(t *testing.T) {
	dag := mustBuild(t,
		&Task{ID: "A"},
		&Task{ID: "B"},
		&Task{ID: "C", DependsOn: []string{"A", "B"}},
	)

	if got := ids(dag.NextReady()); !reflect.DeepEqual(got, []string{"A", "B"}) {
		t.Fatalf("NextReady = %v, want [A B]", got)
	}

	finish(t, dag, "A", "a")
	if got := ids(dag.NextReady()); !reflect.DeepEqual(got, []string{"B"}) {
		t.Fatalf("C must wait for B, NextReady = %v", got)
	}

	finish(t, dag, "B", "b")
	if got := ids(dag.NextReady()); !reflect.DeepEqual(got, []string{"C"}) {
		t.Fatalf("NextReady = %v, want [C]", got)
	}
}

func TestDependencyOutputs_DeclarationOrder(t *testing.T) {
	dag := mustBuild(t,
		&Task{ID: "A"},
		&Task{ID: "B"},
		&Task{ID: "C", DependsOn: []string{"B", "A"}},
	)
	dag.NextReady()

	// A finishes first but B is declared first.
	finish(t, dag, "A", "alpha")
	finish(t, dag, "B", "beta")

	outs, err := dag.DependencyOutputs("C")
	if err != nil {
		t.Fatalf("DependencyOutputs failed: %v", err)
	}
	want := []DependencyOutput{{ID: "B", Output: "beta"}, {ID: "A", Output: "alpha"}}
	if !reflect.DeepEqual(outs, want) {
		t.Errorf("DependencyOutputs = %v, want %v", outs, want)
	}

	if _, err := dag.DependencyOutputs("missing"); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestTransitions(t *testing.T) {
	legal := map[TaskState][]TaskState{
		TaskPending:        {TaskReady, TaskBlocked},
		TaskReady:          {TaskInProgress, TaskBlocked},
		TaskInProgress:     {TaskAwaitingReview, TaskRevising, TaskFailed},
		TaskAwaitingReview: {TaskCompleted, TaskRevising, TaskFailed},
		TaskRevising:       {TaskInProgress, TaskFailed},
	}

	all := []TaskState{TaskPending, TaskReady, TaskInProgress, TaskAwaitingReview, TaskRevising, TaskCompleted, TaskFailed, TaskBlocked}
	for _, from := range all {
		for _, to := range all {
			want := false
			for _, s := range legal[from] {
				if s == to {
					want = true
				}
			}
			if got := CanTransition(from, to); got != want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestComplete_OutputImmutable(t *testing.T) {
	dag := mustBuild(t, &Task{ID: "A"})
	dag.NextReady()
	finish(t, dag, "A", "first")

	if err := dag.Complete("A", "second"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
	got, _ := dag.Get("A")
	if got.Output != "first" {
		t.Errorf("Output changed to %q", got.Output)
	}
}

func TestStart_RequiresReady(t *testing.T) {
	dag := mustBuild(t, &Task{ID: "A"}, &Task{ID: "B", DependsOn: []string{"A"}})
	dag.NextReady()

	if err := dag.Start("B", "x"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("starting a Pending task should fail, got %v", err)
	}
	if err := dag.Start("nope", "x"); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("expected ErrTaskNotFound, got %v", err)
	}
}

// max_retries = 3 allows exactly four attempts.
func TestRevise_RetryBudget(t *testing.T) {
	dag := mustBuild(t, &Task{ID: "A", MaxRetries: 3})
	dag.NextReady()

	attempts := 0
	for {
		if err := dag.Start("A", "writer"); err != nil {
			t.Fatalf("Start: %v", err)
		}
		attempts++
		if err := dag.SubmitForReview("A"); err != nil {
			t.Fatalf("SubmitForReview: %v", err)
		}
		err := dag.Revise("A")
		if errors.Is(err, ErrRetryBudgetExhausted) {
			break
		}
		if err != nil {
			t.Fatalf("Revise: %v", err)
		}
		if attempts > 10 {
			t.Fatal("retry budget never exhausted")
		}
	}

	if attempts != 4 {
		t.Errorf("attempts = %d, want 4", attempts)
	}

	task, _ := dag.Get("A")
	if task.Retries != 3 {
		t.Errorf("Retries = %d, want 3", task.Retries)
	}
	if task.State != TaskAwaitingReview {
		t.Errorf("exhausted Revise must not change state, got %s", task.State)
	}

	if err := dag.Fail("A", errors.New("exhausted")); err != nil {
		t.Fatalf("Fail: %v", err)
	}
}

func TestRevise_ZeroRetries(t *testing.T) {
	dag := mustBuild(t, &Task{ID: "A"})
	dag.NextReady()
	dag.Start("A", "x")

	if err := dag.Revise("A"); !errors.Is(err, ErrRetryBudgetExhausted) {
		t.Errorf("expected ErrRetryBudgetExhausted, got %v", err)
	}
}

func TestReassign(t *testing.T) {
	dag := mustBuild(t, &Task{ID: "A", MaxRetries: 1})
	dag.NextReady()
	dag.Start("A", "first")

	if err := dag.Reassign("A", "second"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("reassign while in progress should fail, got %v", err)
	}

	dag.Revise("A")
	if err := dag.Reassign("A", "second"); err != nil {
		t.Fatalf("Reassign: %v", err)
	}
	got, _ := dag.Get("A")
	if got.Agent != "second" {
		t.Errorf("Agent = %q, want second", got.Agent)
	}
}

func TestBlockDependents(t *testing.T) {
	dag := mustBuild(t,
		&Task{ID: "A"},
		&Task{ID: "B", DependsOn: []string{"A"}},
		&Task{ID: "C", DependsOn: []string{"B"}},
		&Task{ID: "D"},
	)
	dag.NextReady()
	dag.Start("A", "x")
	dag.Fail("A", errors.New("boom"))

	blocked := dag.BlockDependents("A")
	if !reflect.DeepEqual(blocked, []string{"B", "C"}) {
		t.Errorf("blocked = %v, want [B C]", blocked)
	}

	d, _ := dag.Get("D")
	if d.State != TaskReady {
		t.Errorf("independent task D should stay Ready, got %s", d.State)
	}
}

func TestBlockAll(t *testing.T) {
	dag := mustBuild(t, &Task{ID: "A"}, &Task{ID: "B"}, &Task{ID: "C", DependsOn: []string{"A"}})
	dag.NextReady()
	dag.Start("A", "x")

	blocked := dag.BlockAll()
	if !reflect.DeepEqual(blocked, []string{"B", "C"}) {
		t.Errorf("blocked = %v, want [B C]", blocked)
	}
	a, _ := dag.Get("A")
	if a.State != TaskInProgress {
		t.Errorf("running task must not be blocked, got %s", a.State)
	}
}

func TestSnapshotRestore(t *testing.T) {
	tasks := []*Task{
		{ID: "A"},
		{ID: "B", DependsOn: []string{"A"}, MaxRetries: 2},
		{ID: "C", DependsOn: []string{"B"}},
	}
	dag := mustBuild(t, tasks...)
	dag.NextReady()
	finish(t, dag, "A", "alpha")
	dag.NextReady()
	dag.Start("B", "x")
	dag.Revise("B")

	snaps := dag.Snapshot()
	if len(snaps) != 3 || snaps[1].Retries != 1 || snaps[1].State != TaskRevising {
		t.Fatalf("unexpected snapshot: %+v", snaps)
	}

	fresh := mustBuild(t, tasks...)
	if err := fresh.Restore(snaps); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}

	a, _ := fresh.Get("A")
	if a.State != TaskCompleted || a.Output != "alpha" {
		t.Errorf("A = %s %q, want completed alpha", a.State, a.Output)
	}
	b, _ := fresh.Get("B")
	if b.State != TaskPending || b.Retries != 0 {
		t.Errorf("B = %s retries=%d, want pending with fresh budget", b.State, b.Retries)
	}
	if got := ids(fresh.NextReady()); !reflect.DeepEqual(got, []string{"B"}) {
		t.Errorf("NextReady after restore = %v, want [B]", got)
	}

	if err := fresh.Restore([]Snapshot{{ID: "ghost"}}); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestRestore_DropsCompletedWithUnfinishedDeps(t *testing.T) {
	dag := mustBuild(t, &Task{ID: "A"}, &Task{ID: "B", DependsOn: []string{"A"}})
	err := dag.Restore([]Snapshot{
		{ID: "A", State: TaskFailed},
		{ID: "B", State: TaskCompleted, Output: "orphan"},
	})
	if err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	b, _ := dag.Get("B")
	if b.State != TaskPending {
		t.Errorf("B = %s, want pending", b.State)
	}
}

func TestResetFrom(t *testing.T) {
	dag := mustBuild(t,
		&Task{ID: "A"},
		&Task{ID: "B", DependsOn: []string{"A"}},
		&Task{ID: "C", DependsOn: []string{"B"}},
	)
	for _, id := range []string{"A", "B", "C"} {
		dag.NextReady()
		finish(t, dag, id, "out-"+id)
	}

	reset, err := dag.ResetFrom("B")
	if err != nil {
		t.Fatalf("ResetFrom failed: %v", err)
	}
	if !reflect.DeepEqual(reset, []string{"B", "C"}) {
		t.Errorf("reset = %v, want [B C]", reset)
	}

	a, _ := dag.Get("A")
	if a.State != TaskCompleted || a.Output != "out-A" {
		t.Error("upstream task should be untouched")
	}
	c, _ := dag.Get("C")
	if c.State != TaskPending || c.Output != "" {
		t.Errorf("C = %s %q, want pending with no output", c.State, c.Output)
	}

	if _, err := dag.ResetFrom("ghost"); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestTransitionHook(t *testing.T) {
	dag := mustBuild(t, &Task{ID: "A"})

	var seen []Transition
	var lastSnap []Snapshot
	dag.SetTransitionHook(func(tr Transition, snaps []Snapshot) {
		seen = append(seen, tr)
		lastSnap = snaps
	})

	dag.NextReady()
	finish(t, dag, "A", "done")

	want := []Transition{
		{TaskID: "A", From: TaskPending, To: TaskReady},
		{TaskID: "A", From: TaskReady, To: TaskInProgress},
		{TaskID: "A", From: TaskInProgress, To: TaskAwaitingReview},
		{TaskID: "A", From: TaskAwaitingReview, To: TaskCompleted},
	}
	if !reflect.DeepEqual(seen, want) {
		t.Errorf("transitions = %v, want %v", seen, want)
	}
	if len(lastSnap) != 1 || lastSnap[0].Output != "done" || lastSnap[0].Agent != "agent" {
		t.Errorf("snapshot should include the completed output, got %+v", lastSnap)
	}
}

func TestProgressAndDone(t *testing.T) {
	dag := mustBuild(t, &Task{ID: "A"}, &Task{ID: "B", DependsOn: []string{"A"}})
	dag.NextReady()
	dag.Start("A", "x")

	p := dag.Progress()
	if p.Total != 2 || p.Running != 1 || p.Pending != 1 {
		t.Errorf("Progress = %+v", p)
	}
	if dag.Done() {
		t.Error("Done() should be false")
	}

	dag.Fail("A", errors.New("x"))
	dag.BlockDependents("A")
	if !dag.Done() {
		t.Error("Done() should be true once every task is terminal")
	}
}

func TestTaskStateString(t *testing.T) {
	for s := TaskPending; s <= TaskBlocked; s++ {
		parsed, err := ParseTaskState(s.String())
		if err != nil || parsed != s {
			t.Errorf("ParseTaskState(%q) = %v, %v", s.String(), parsed, err)
		}
	}
	if _, err := ParseTaskState("bogus"); err == nil {
		t.Error("expected error for unknown state")
	}
}
