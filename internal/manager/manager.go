// Package manager assigns agents to tasks, runs their attempts and reviews
// the output, sending rejected work back with feedback until it passes or
// the task's retry budget is spent.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aristath/crew/internal/backend"
	"github.com/aristath/crew/internal/crew"
	"github.com/aristath/crew/internal/events"
	"github.com/aristath/crew/internal/guardrail"
	"github.com/aristath/crew/internal/knowledge"
	"github.com/aristath/crew/internal/locks"
	"github.com/aristath/crew/internal/memory"
	"github.com/aristath/crew/internal/persistence"
	"github.com/aristath/crew/internal/scheduler"
)

// Phase is the manager's view of a task.
type Phase string

const (
	PhaseUnassigned  Phase = "unassigned"
	PhaseAssigned    Phase = "assigned"
	PhaseExecuting   Phase = "executing"
	PhaseUnderReview Phase = "under_review"
	PhaseApproved    Phase = "approved"
	PhaseRevising    Phase = "revising"
	PhaseReassigned  Phase = "reassigned"
	PhaseCompleted   Phase = "completed"
	PhaseFailed      Phase = "failed"
)

// KnowledgeSource renders retrieved knowledge for a prompt.
type KnowledgeSource interface {
	Context(ctx context.Context, namespaces []string, text string) (string, error)
}

// MemorySource composes memory context and records task results.
type MemorySource interface {
	Compose(ctx context.Context, runID string, req memory.ComposeRequest) (memory.Context, error)
	Record(ctx context.Context, tier memory.Tier, key, value, runID string) error
}

// AttemptLog stores every attempt and its review outcome.
type AttemptLog interface {
	SaveAttempt(ctx context.Context, a persistence.Attempt) error
}

// Options configures a Manager. Everything but RunID is optional.
type Options struct {
	RunID          string
	MaxConsultants int
	Override       ScoreOverride
	Knowledge      KnowledgeSource
	Memory         MemorySource
	Attempts       AttemptLog
	Observer       events.Observer
	Retry          RetryConfig
	Breakers       *BreakerRegistry
}

// Manager implements scheduler.Dispatcher for one run of a crew.
type Manager struct {
	crew    *crew.Crew
	opts    Options
	planner *Planner
	reviews *locks.Keyed
	channel atomic.Pointer[DelegationChannel]

	mu     sync.Mutex
	plan   map[string]Assignment
	phases map[string]Phase
}

// New creates a Manager for c.
func New(c *crew.Crew, opts Options) *Manager {
	if opts.Breakers == nil {
		opts.Breakers = NewBreakerRegistry()
	}
	if opts.Retry.MaxRetries == 0 && opts.Retry.InitialInterval == 0 {
		opts.Retry = DefaultRetryConfig()
	}
	return &Manager{
		crew: c,
		opts: opts,
		planner: &Planner{
			Mode:           c.Mode,
			MaxConsultants: opts.MaxConsultants,
			Override:       opts.Override,
		},
		reviews: locks.NewKeyed(),
		plan:    make(map[string]Assignment),
		phases:  make(map[string]Phase),
	}
}

// Start opens the delegation channel. The returned function closes it and
// must be called before the manager is discarded.
func (m *Manager) Start(ctx context.Context) (stop func()) {
	cctx, cancel := context.WithCancel(ctx)
	ch := NewDelegationChannel(2*len(m.crew.Agents)+1, m.answer)
	ch.Start(cctx)
	m.channel.Store(ch)
	return func() {
		m.channel.Store(nil)
		cancel()
		ch.Stop()
	}
}

// Plan assigns every task up front and reports each decision.
func (m *Manager) Plan(tasks []*scheduler.Task) []Assignment {
	plan := m.planner.Plan(tasks, m.crew.Agents)
	m.mu.Lock()
	for _, a := range plan {
		m.plan[a.TaskID] = a
		m.phases[a.TaskID] = PhaseAssigned
	}
	m.mu.Unlock()

	for _, a := range plan {
		m.reportDecision(a)
	}
	return plan
}

// Assignment returns the plan for a task, if it has been made.
func (m *Manager) Assignment(taskID string) (Assignment, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.plan[taskID]
	return a, ok
}

// Phase returns the manager's view of a task.
func (m *Manager) Phase(taskID string) Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.phases[taskID]; ok {
		return p
	}
	return PhaseUnassigned
}

func (m *Manager) setPhase(taskID string, p Phase) {
	m.mu.Lock()
	m.phases[taskID] = p
	m.mu.Unlock()
}

func (m *Manager) assignment(task *scheduler.Task) Assignment {
	m.mu.Lock()
	if a, ok := m.plan[task.ID]; ok {
		m.mu.Unlock()
		return a
	}
	m.mu.Unlock()

	a := m.planner.Assign(task, m.crew.Agents)
	m.mu.Lock()
	m.plan[task.ID] = a
	m.phases[task.ID] = PhaseAssigned
	m.mu.Unlock()
	m.reportDecision(a)
	return a
}

func (m *Manager) reportDecision(a Assignment) {
	e := events.ManagerDecisionEvent{
		RunID:       m.opts.RunID,
		ID:          a.TaskID,
		Agent:       a.Primary,
		Consultants: a.Consultants,
		Timestamp:   time.Now(),
	}
	if a.Decision != nil {
		log.Printf("WARNING: %v", a.Decision)
		e.Fallback = true
		e.Reason = a.Decision.Reason
	}
	events.Notify(m.opts.Observer, e)
}

// Execute drives task from Ready to Completed or Failed.
func (m *Manager) Execute(ctx context.Context, dag *scheduler.DAG, task *scheduler.Task) error {
	started := time.Now()

	asg := m.assignment(task)
	if asg.Primary == "" {
		err := fmt.Errorf("no agent available for task %s", task.ID)
		m.fail(dag, task.ID, err, 0, started)
		return err
	}
	candidates := asg.Candidates()
	current := 0
	role := candidates[0]

	deps, err := dag.DependencyOutputs(task.ID)
	if err != nil {
		m.fail(dag, task.ID, err, 0, started)
		return err
	}

	brief := Brief{
		Task:         task,
		Dependencies: deps,
		Notes:        m.consult(ctx, task, asg.Consultants),
		Memory:       m.memoryContext(ctx, task),
	}

	for {
		if err := dag.Start(task.ID, role); err != nil {
			return err
		}
		m.setPhase(task.ID, PhaseExecuting)
		attempt := attemptNumber(dag, task.ID)
		events.Notify(m.opts.Observer, events.TaskStartedEvent{
			RunID: m.opts.RunID, ID: task.ID, Agent: role, Attempt: attempt, Timestamp: time.Now(),
		})

		agent, _ := m.crew.Agent(role)
		brief.Knowledge = m.knowledgeContext(ctx, task, role)

		output, runErr := m.run(ctx, task, agent, &brief)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		var reasons []string
		if runErr != nil {
			reasons = []string{runErr.Error()}
			m.logAttempt(ctx, task.ID, attempt, role, "", false, reasons)
		} else {
			passed, feedback, err := m.review(ctx, dag, task.ID, role, attempt, output)
			if err != nil {
				return err
			}
			if passed {
				m.completed(ctx, task.ID, role, output, attempt, started)
				return nil
			}
			reasons = feedback
		}
		brief.Feedback = append(brief.Feedback, reasons)

		if err := dag.Revise(task.ID); err != nil {
			if !errors.Is(err, scheduler.ErrRetryBudgetExhausted) {
				return err
			}
			exhausted := &GuardrailExhaustedError{
				TaskID:   task.ID,
				Attempts: len(brief.Feedback),
				Reasons:  brief.Feedback,
			}
			m.fail(dag, task.ID, exhausted, attempt, started)
			return exhausted
		}
		m.setPhase(task.ID, PhaseRevising)

		// An agent that could not deliver hands the task to the next
		// consultant; rejected output goes back to the same agent.
		reassigned := false
		if runErr != nil && current+1 < len(candidates) {
			current++
			role = candidates[current]
			if err := dag.Reassign(task.ID, role); err != nil {
				return err
			}
			m.setPhase(task.ID, PhaseReassigned)
			reassigned = true
		}

		log.Printf("WARNING: task %s attempt %d rejected: %s", task.ID, attempt, strings.Join(reasons, "; "))
		events.Notify(m.opts.Observer, events.TaskRetryingEvent{
			RunID:      m.opts.RunID,
			ID:         task.ID,
			Agent:      role,
			Attempt:    attempt,
			Feedback:   reasons,
			Reassigned: reassigned,
			Timestamp:  time.Now(),
		})
	}
}

func attemptNumber(dag *scheduler.DAG, taskID string) int {
	t, ok := dag.Get(taskID)
	if !ok {
		return 0
	}
	return t.Attempts()
}

// review validates output and completes the task if it passes. Reviews of
// one task never overlap.
func (m *Manager) review(ctx context.Context, dag *scheduler.DAG, taskID, role string, attempt int, output string) (bool, []string, error) {
	m.reviews.Lock(taskID)
	defer m.reviews.Unlock(taskID)

	if err := dag.SubmitForReview(taskID); err != nil {
		return false, nil, err
	}
	m.setPhase(taskID, PhaseUnderReview)

	task, ok := dag.Get(taskID)
	if !ok {
		return false, nil, fmt.Errorf("%w: %q", scheduler.ErrTaskNotFound, taskID)
	}
	passed, feedback := guardrail.Validate(ctx, output, task.Guardrails)
	m.logAttempt(ctx, taskID, attempt, role, output, passed, feedback)
	if !passed {
		return false, feedback, nil
	}

	m.setPhase(taskID, PhaseApproved)
	if err := dag.Complete(taskID, output); err != nil {
		return false, nil, err
	}
	m.setPhase(taskID, PhaseCompleted)
	return true, nil, nil
}

func (m *Manager) completed(ctx context.Context, taskID, role, output string, attempt int, started time.Time) {
	if m.opts.Memory != nil {
		if err := m.opts.Memory.Record(ctx, memory.TierShort, taskID, output, m.opts.RunID); err != nil {
			log.Printf("WARNING: failed to record short-term memory for task %s: %v", taskID, err)
		}
	}
	events.Notify(m.opts.Observer, events.TaskCompletedEvent{
		RunID:     m.opts.RunID,
		ID:        taskID,
		Agent:     role,
		Output:    output,
		Attempts:  attempt,
		Duration:  time.Since(started),
		Timestamp: time.Now(),
	})
}

func (m *Manager) fail(dag *scheduler.DAG, taskID string, cause error, attempts int, started time.Time) {
	if err := dag.Fail(taskID, cause); err != nil {
		log.Printf("ERROR: failed to mark task %s failed: %v", taskID, err)
	}
	m.setPhase(taskID, PhaseFailed)
	log.Printf("ERROR: task %s failed: %v", taskID, cause)
	events.Notify(m.opts.Observer, events.TaskFailedEvent{
		RunID:     m.opts.RunID,
		ID:        taskID,
		Error:     cause.Error(),
		Attempts:  attempts,
		Duration:  time.Since(started),
		Timestamp: time.Now(),
	})
}

func (m *Manager) logAttempt(ctx context.Context, taskID string, attempt int, role, output string, passed bool, feedback []string) {
	if m.opts.Attempts == nil {
		return
	}
	err := m.opts.Attempts.SaveAttempt(ctx, persistence.Attempt{
		RunID:     m.opts.RunID,
		TaskID:    taskID,
		Number:    attempt,
		Agent:     role,
		Output:    output,
		Passed:    passed,
		Feedback:  feedback,
		CreatedAt: time.Now(),
	})
	if err != nil {
		log.Printf("WARNING: failed to save attempt %d of task %s: %v", attempt, taskID, err)
	}
}

// run makes one attempt: an optional planning call, the task call and at
// most one round of delegation, all under the agent's time limit.
func (m *Manager) run(ctx context.Context, task *scheduler.Task, agent *crew.Agent, brief *Brief) (string, error) {
	timeout := agent.Timeout
	if timeout <= 0 {
		timeout = task.Timeout
	}
	actx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var coworkers []string
	if agent.AllowDelegation {
		coworkers = m.crew.Coworkers(agent.Role)
	}
	system := agent.SystemPrompt(coworkers)

	if agent.AllowReasoning && brief.Plan == "" {
		resp, err := m.call(actx, agent, system, planPrompt(*brief))
		if err != nil {
			return "", m.classify(ctx, actx, task.ID, agent.Role, timeout, err)
		}
		brief.Plan = resp.Content
	}

	prompt := brief.Render()
	resp, err := m.call(actx, agent, system, prompt)
	if err != nil {
		return "", m.classify(ctx, actx, task.ID, agent.Role, timeout, err)
	}
	output := resp.Content

	if !agent.AllowDelegation {
		return output, nil
	}
	to, request, ok := ParseDelegation(output)
	if !ok || to == agent.Role {
		return output, nil
	}
	if _, known := m.crew.Agent(to); !known {
		return output, nil
	}

	answer, err := m.delegate(actx, task.ID, agent.Role, to, request)
	if err != nil {
		return "", m.classify(ctx, actx, task.ID, agent.Role, timeout, err)
	}
	resp, err = m.call(actx, agent, system, followUpPrompt(prompt, to, answer))
	if err != nil {
		return "", m.classify(ctx, actx, task.ID, agent.Role, timeout, err)
	}
	return resp.Content, nil
}

func (m *Manager) classify(ctx, actx context.Context, taskID, role string, timeout time.Duration, err error) error {
	if ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
		return &AgentExecutionTimeout{TaskID: taskID, Agent: role, Timeout: timeout}
	}
	return fmt.Errorf("agent %s: %w", role, err)
}

func (m *Manager) call(ctx context.Context, agent *crew.Agent, system, content string) (backend.Response, error) {
	if agent.Backend == nil {
		return backend.Response{}, fmt.Errorf("agent %s has no backend", agent.Role)
	}
	cb := m.opts.Breakers.Get(agent.Backend.Name())
	return send(ctx, agent.Backend, backend.Message{System: system, Content: content}, cb, m.opts.Retry)
}

func (m *Manager) delegate(ctx context.Context, taskID, from, to, request string) (string, error) {
	if ch := m.channel.Load(); ch != nil {
		return ch.Ask(ctx, taskID, from, to, request)
	}
	return m.answer(ctx, Request{TaskID: taskID, From: from, To: to, Content: request})
}

// answer has the coworker reply to a delegated request. The coworker
// cannot delegate further.
func (m *Manager) answer(ctx context.Context, req Request) (string, error) {
	coworker, ok := m.crew.Agent(req.To)
	if !ok {
		return "", fmt.Errorf("unknown coworker %q", req.To)
	}
	content := fmt.Sprintf("Your coworker %s needs help with task %s:\n\n%s", req.From, req.TaskID, req.Content)
	resp, err := m.call(ctx, coworker, coworker.SystemPrompt(nil), content)
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// consult collects notes from the consulting agents. A consultant that
// fails is skipped.
func (m *Manager) consult(ctx context.Context, task *scheduler.Task, roles []string) []Note {
	var notes []Note
	for _, role := range roles {
		agent, ok := m.crew.Agent(role)
		if !ok {
			continue
		}
		cctx := ctx
		cancel := func() {}
		if task.Timeout > 0 {
			cctx, cancel = context.WithTimeout(ctx, task.Timeout)
		}
		resp, err := m.call(cctx, agent, agent.SystemPrompt(nil), consultPrompt(task))
		cancel()
		if err != nil {
			log.Printf("WARNING: consultant %s gave no notes for task %s: %v", role, task.ID, err)
			continue
		}
		if strings.TrimSpace(resp.Content) != "" {
			notes = append(notes, Note{Role: role, Content: resp.Content})
		}
	}
	return notes
}

func (m *Manager) knowledgeContext(ctx context.Context, task *scheduler.Task, role string) string {
	if m.opts.Knowledge == nil {
		return ""
	}
	namespaces := knowledge.EffectiveNamespaces(m.crew.Name, role)
	text, err := m.opts.Knowledge.Context(ctx, namespaces, task.Description+"\n"+task.ExpectedOutput)
	if err != nil {
		log.Printf("WARNING: knowledge lookup failed for task %s: %v", task.ID, err)
		return ""
	}
	return text
}

func (m *Manager) memoryContext(ctx context.Context, task *scheduler.Task) string {
	if m.opts.Memory == nil {
		return ""
	}
	mc, err := m.opts.Memory.Compose(ctx, m.opts.RunID, memory.ComposeRequest{Text: task.Description + "\n" + task.ExpectedOutput})
	if err != nil {
		log.Printf("WARNING: memory lookup failed for task %s: %v", task.ID, err)
		return ""
	}
	return mc.Render()
}
