package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aristath/crew/internal/backend"
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

// stubBackend answers every task by description and records what it saw.
type stubBackend struct {
	failDraft atomic.Bool

	mu       sync.Mutex
	messages []backend.Message
}

func (b *stubBackend) Send(ctx context.Context, msg backend.Message) (backend.Response, error) {
	b.mu.Lock()
	b.messages = append(b.messages, msg)
	b.mu.Unlock()

	switch {
	case strings.Contains(msg.Content, "Collect facts"):
		return backend.Response{Content: "facts collected"}, nil
	case strings.Contains(msg.Content, "Draft report"):
		if b.failDraft.Load() {
			return backend.Response{}, errors.New("upstream unavailable")
		}
		return backend.Response{Content: "report drafted"}, nil
	case strings.Contains(msg.Content, "Polish report"):
		return backend.Response{Content: "report polished"}, nil
	}
	return backend.Response{Content: "done"}, nil
}

func (b *stubBackend) Close() error { return nil }

func (b *stubBackend) Name() string { return "stub" }

// calls counts messages mentioning text.
func (b *stubBackend) calls(text string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, m := range b.messages {
		if strings.Contains(m.Content, text) {
			n++
		}
	}
	return n
}

func pipeline() []config.TaskSpec {
	return []config.TaskSpec{
		{ID: "facts", Description: "Collect facts"},
		{ID: "draft", Description: "Draft report", DependsOn: []string{"facts"}},
		{ID: "polish", Description: "Polish report", DependsOn: []string{"draft"}},
	}
}

type fixture struct {
	backend *stubBackend
	store   *persistence.SQLiteStore
	memory  *memory.Store
	events  *events.Recorder
	runner  *Runner
}

func newFixture(t *testing.T, tasks []config.TaskSpec, tweak func(*Options)) *fixture {
	t.Helper()
	ctx := context.Background()

	store, err := persistence.NewMemoryStore(ctx)
	if err != nil {
		t.Fatalf("NewMemoryStore failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	mem, err := memory.OpenMemory(ctx)
	if err != nil {
		t.Fatalf("OpenMemory failed: %v", err)
	}
	t.Cleanup(func() { mem.Close() })

	b := &stubBackend{}
	c := crew.New("docs", scheduler.Sequential, []*crew.Agent{{Role: "writer", Backend: b}}, tasks)
	rec := &events.Recorder{}

	opts := Options{
		Config:      config.DefaultConfig(),
		Crew:        c,
		Checkpoints: store,
		Memory:      mem,
		Retry:       manager.RetryConfig{InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond, MaxRetries: 1, Multiplier: 2},
		Observers:   []events.Observer{rec},
	}
	if tweak != nil {
		tweak(&opts)
	}
	r, err := New(opts)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return &fixture{backend: b, store: store, memory: mem, events: rec, runner: r}
}

func runCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestNewRequiresCrewAndStore(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Error("expected error without a crew")
	}
	c := crew.New("docs", scheduler.Sequential, nil, nil)
	if _, err := New(Options{Crew: c}); err == nil {
		t.Error("expected error without a checkpoint store")
	}
}

func TestRunCompletes(t *testing.T) {
	f := newFixture(t, pipeline(), nil)
	ctx := runCtx(t)

	res, err := f.runner.Run(ctx, nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Status != persistence.RunCompleted || res.Err != nil {
		t.Fatalf("status = %s err = %v, want completed", res.Status, res.Err)
	}
	if len(res.Outputs) != 3 || res.Outputs[0].TaskID != "facts" || res.Outputs[2].TaskID != "polish" {
		t.Fatalf("outputs = %+v", res.Outputs)
	}
	if out, ok := res.Output("polish"); !ok || out != "report polished" {
		t.Errorf("polish output = %q, %v", out, ok)
	}

	run, err := f.store.GetRun(ctx, res.RunID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if run.Status != persistence.RunCompleted || run.Crew != "docs" {
		t.Errorf("stored run = %+v", run)
	}

	snaps, err := f.store.LoadCheckpoint(ctx, res.RunID)
	if err != nil {
		t.Fatalf("LoadCheckpoint failed: %v", err)
	}
	for _, s := range snaps {
		if s.State != scheduler.TaskCompleted {
			t.Errorf("checkpointed %s = %s, want completed", s.ID, s.State)
		}
	}

	// The dependency output reaches the downstream prompt.
	if f.backend.calls("facts collected") == 0 {
		t.Error("draft prompt did not include the facts output")
	}

	if n := len(f.events.OfType(events.EventTypeTaskCompleted)); n != 3 {
		t.Errorf("completed events = %d, want 3", n)
	}
}

func TestRunRecordsMemory(t *testing.T) {
	f := newFixture(t, pipeline(), nil)
	ctx := runCtx(t)

	res, err := f.runner.Run(ctx, nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	long, err := f.memory.Query(ctx, memory.TierLong, memory.Filter{RunID: res.RunID})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(long) != 3 {
		t.Errorf("long-term records = %d, want 3", len(long))
	}

	short, err := f.memory.Query(ctx, memory.TierShort, memory.Filter{RunID: res.RunID})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(short) != 0 {
		t.Errorf("short-term records survived the run: %+v", short)
	}
}

func TestRunRecordsInputEntities(t *testing.T) {
	f := newFixture(t, []config.TaskSpec{
		{ID: "facts", Description: "Collect facts about {company}"},
		{ID: "draft", Description: "Draft report for {company} in {quarter}", DependsOn: []string{"facts"}},
	}, nil)
	ctx := runCtx(t)

	res, err := f.runner.Run(ctx, map[string]string{
		"company": "Acme",
		"quarter": "Q3 2026",
		"brief":   "line one\nline two",
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Status != persistence.RunCompleted {
		t.Fatalf("status = %s, err = %v", res.Status, res.Err)
	}

	entities, err := f.memory.Query(ctx, memory.TierEntity, memory.Filter{})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	keys := make(map[string]string)
	for _, e := range entities {
		keys[e.Key] = e.Value
	}
	if len(keys) != 2 {
		t.Fatalf("entities = %+v, want Acme and Q3 2026", entities)
	}
	if keys["Acme"] != "company of crew docs" {
		t.Errorf("Acme = %q", keys["Acme"])
	}
	if _, ok := keys["Q3 2026"]; !ok {
		t.Error("quarter was not recorded")
	}

	if f.backend.calls("Known entities") == 0 || f.backend.calls("Acme: company of crew docs") == 0 {
		t.Error("entity memory did not reach the task prompt")
	}
}

func TestRunRejectsCycleBeforeExecuting(t *testing.T) {
	f := newFixture(t, []config.TaskSpec{
		{ID: "a", Description: "Collect facts", DependsOn: []string{"b"}},
		{ID: "b", Description: "Draft report", DependsOn: []string{"a"}},
	}, nil)
	ctx := runCtx(t)

	_, err := f.runner.Run(ctx, nil)
	var cycle *scheduler.DependencyCycleError
	if !errors.As(err, &cycle) {
		t.Fatalf("err = %v, want DependencyCycleError", err)
	}
	if f.backend.calls("") != 0 {
		t.Error("backend called for a cyclic graph")
	}
	runs, err := f.store.ListRuns(ctx, 0)
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(runs) != 0 {
		t.Errorf("runs = %d, want none recorded", len(runs))
	}
}

func TestRunGuardrailExhaustedIsPartial(t *testing.T) {
	three := 3
	tasks := []config.TaskSpec{
		{ID: "facts", Description: "Collect facts"},
		{ID: "draft", Description: "Draft report", Guardrails: []string{"word_count:5:100"}, MaxRetries: &three},
		{ID: "polish", Description: "Polish report", DependsOn: []string{"draft"}},
	}
	f := newFixture(t, tasks, nil)
	ctx := runCtx(t)

	res, err := f.runner.Run(ctx, nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Status != persistence.RunPartial {
		t.Fatalf("status = %s, want partial", res.Status)
	}
	if _, ok := res.Output("facts"); !ok {
		t.Error("independent task output missing")
	}

	states := make(map[string]scheduler.TaskState)
	for _, fl := range res.Failures {
		states[fl.TaskID] = fl.State
		if fl.TaskID == "draft" {
			var exhausted *manager.GuardrailExhaustedError
			if !errors.As(fl.Err, &exhausted) {
				t.Fatalf("draft err = %v, want GuardrailExhaustedError", fl.Err)
			}
			if exhausted.Attempts != 4 || len(exhausted.Reasons) != 4 {
				t.Errorf("attempts = %d reasons = %d, want 4", exhausted.Attempts, len(exhausted.Reasons))
			}
		}
	}
	if states["draft"] != scheduler.TaskFailed || states["polish"] != scheduler.TaskBlocked {
		t.Errorf("failure states = %v", states)
	}
	if !errors.As(res.Err, new(*manager.GuardrailExhaustedError)) {
		t.Errorf("result err = %v", res.Err)
	}

	attempts, err := f.store.ListAttempts(ctx, res.RunID)
	if err != nil {
		t.Fatalf("ListAttempts failed: %v", err)
	}
	n := 0
	for _, a := range attempts {
		if a.TaskID == "draft" {
			n++
			if a.Passed || len(a.Feedback) == 0 {
				t.Errorf("attempt %d = %+v, want rejected with feedback", a.Number, a)
			}
		}
	}
	if n != 4 {
		t.Errorf("draft attempts = %d, want 4", n)
	}

	run, _ := f.store.GetRun(ctx, res.RunID)
	if run.Status != persistence.RunPartial || run.Error == "" {
		t.Errorf("stored run = %+v", run)
	}
}

func TestRunAbortPolicyRun(t *testing.T) {
	tasks := []config.TaskSpec{
		{ID: "draft", Description: "Draft report"},
		{ID: "facts", Description: "Collect facts"},
	}
	f := newFixture(t, tasks, func(o *Options) {
		o.Config.Manager.AbortPolicy = "run"
	})
	f.backend.failDraft.Store(true)

	res, err := f.runner.Run(runCtx(t), nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Status != persistence.RunFailed {
		t.Errorf("status = %s, want failed", res.Status)
	}
	if len(res.Failures) != 2 {
		t.Errorf("failures = %+v, want both tasks", res.Failures)
	}
	if f.backend.calls("Collect facts") != 0 {
		t.Error("task ran after the run was aborted")
	}
}

func TestResumeKeepsCompletedOutputs(t *testing.T) {
	f := newFixture(t, pipeline(), nil)
	ctx := runCtx(t)

	f.backend.failDraft.Store(true)
	first, err := f.runner.Run(ctx, nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if first.Status != persistence.RunPartial {
		t.Fatalf("first status = %s, want partial", first.Status)
	}

	f.backend.failDraft.Store(false)
	res, err := f.runner.Resume(ctx, first.RunID)
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if res.RunID != first.RunID {
		t.Errorf("resume started a new run %s", res.RunID)
	}
	if res.Status != persistence.RunCompleted {
		t.Fatalf("status = %s, want completed", res.Status)
	}
	if n := f.backend.calls("Collect facts"); n != 1 {
		t.Errorf("facts executed %d times, want once", n)
	}
	if out, _ := res.Output("facts"); out != "facts collected" {
		t.Errorf("facts output = %q", out)
	}

	if _, err := f.runner.Resume(ctx, first.RunID); err == nil {
		t.Error("expected error resuming a completed run")
	}
}

func TestResumeUnknownRun(t *testing.T) {
	f := newFixture(t, pipeline(), nil)
	_, err := f.runner.Resume(runCtx(t), "missing")
	if !errors.Is(err, persistence.ErrRunNotFound) {
		t.Errorf("err = %v, want ErrRunNotFound", err)
	}
}

func TestReplayRerunsDownstream(t *testing.T) {
	f := newFixture(t, pipeline(), nil)
	ctx := runCtx(t)

	first, err := f.runner.Run(ctx, nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	res, err := f.runner.Replay(ctx, first.RunID, "draft")
	if err != nil {
		t.Fatalf("Replay failed: %v", err)
	}
	if res.Status != persistence.RunCompleted {
		t.Errorf("status = %s, want completed", res.Status)
	}
	if n := f.backend.calls("Collect facts"); n != 1 {
		t.Errorf("facts executed %d times, want once", n)
	}
	if n := f.backend.calls("Draft report"); n != 2 {
		t.Errorf("draft executed %d times, want twice", n)
	}
	if n := f.backend.calls("Polish report"); n != 2 {
		t.Errorf("polish executed %d times, want twice", n)
	}

	if _, err := f.runner.Replay(ctx, first.RunID, "nope"); !errors.Is(err, scheduler.ErrTaskNotFound) {
		t.Errorf("err = %v, want ErrTaskNotFound", err)
	}
}

func TestRunIngestsKnowledge(t *testing.T) {
	ks := knowledge.NewStore(knowledge.Options{})
	t.Cleanup(func() { ks.Close() })

	tasks := []config.TaskSpec{{ID: "q", Description: "What is the launch code name?"}}
	f := newFixture(t, tasks, func(o *Options) {
		o.Knowledge = ks
		o.Config.Knowledge.ScoreThreshold = 0.01
		o.Crew.Knowledge = []knowledge.Source{knowledge.StringSource{ID: "facts", Content: "The launch code name is Bluebird."}}
	})
	ctx := runCtx(t)

	if _, err := f.runner.Run(ctx, nil); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if n, _ := ks.Count(ctx, "crew-docs"); n == 0 {
		t.Fatal("crew knowledge was not ingested")
	}
	if f.backend.calls("Bluebird") == 0 {
		t.Error("retrieved knowledge did not reach the prompt")
	}
}

func TestLazyJudgeCreatesOnce(t *testing.T) {
	created := 0
	j := &LazyJudge{create: func(ctx context.Context) (backend.Backend, error) {
		created++
		return &judgeBackend{reply: "FAIL: missing totals"}, nil
	}}

	for i := 0; i < 2; i++ {
		v, err := j.Judge(context.Background(), "has totals", "output")
		if err != nil {
			t.Fatalf("Judge failed: %v", err)
		}
		if v.Pass || v.Reason != "missing totals" {
			t.Errorf("verdict = %+v", v)
		}
	}
	if created != 1 {
		t.Errorf("backend created %d times, want once", created)
	}
	if err := j.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}

func TestLazyJudgeCreateError(t *testing.T) {
	j := &LazyJudge{create: func(ctx context.Context) (backend.Backend, error) {
		return nil, errors.New("no credentials")
	}}
	var _ guardrail.Judge = j

	if _, err := j.Judge(context.Background(), "c", "o"); err == nil {
		t.Error("expected error")
	}
	if err := j.Close(); err != nil {
		t.Errorf("Close with no backend = %v", err)
	}
}

type judgeBackend struct{ reply string }

func (b *judgeBackend) Send(ctx context.Context, msg backend.Message) (backend.Response, error) {
	return backend.Response{Content: b.reply}, nil
}

func (b *judgeBackend) Close() error { return nil }

func (b *judgeBackend) Name() string { return "judge" }
