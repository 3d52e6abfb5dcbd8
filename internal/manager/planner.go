package manager

import (
	"sort"
	"strings"

	"github.com/aristath/crew/internal/crew"
	"github.com/aristath/crew/internal/knowledge"
	"github.com/aristath/crew/internal/scheduler"
)

// Score weights.
const (
	capabilityWeight = 3
	keywordWeight    = 1
	hintWeight       = 2
)

// ScoreOverride adjusts a computed score. It is where model-driven
// assignment decisions plug in; the default planner has none.
type ScoreOverride interface {
	Adjust(task *scheduler.Task, agent *crew.Agent, score int) int
}

// ScoreOverrideFunc adapts a function to ScoreOverride.
type ScoreOverrideFunc func(task *scheduler.Task, agent *crew.Agent, score int) int

func (f ScoreOverrideFunc) Adjust(task *scheduler.Task, agent *crew.Agent, score int) int {
	return f(task, agent, score)
}

// Assignment is the plan for one task.
type Assignment struct {
	TaskID      string
	Primary     string
	Consultants []string
	Scores      map[string]int
	Decision    *ManagerDecisionError // set when the primary came from a fallback
}

// Candidates is the primary followed by the consultants: the order in
// which the task is handed over when an agent fails to deliver.
func (a Assignment) Candidates() []string {
	return append([]string{a.Primary}, a.Consultants...)
}

// Planner assigns agents to tasks. It never calls a model.
type Planner struct {
	Mode           scheduler.Mode
	MaxConsultants int
	Override       ScoreOverride
}

// Plan assigns every task, in the order given.
func (p *Planner) Plan(tasks []*scheduler.Task, agents []*crew.Agent) []Assignment {
	out := make([]Assignment, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, p.Assign(t, agents))
	}
	return out
}

// Assign picks the primary and consulting agents for task.
func (p *Planner) Assign(task *scheduler.Task, agents []*crew.Agent) Assignment {
	a := Assignment{TaskID: task.ID, Scores: make(map[string]int, len(agents))}
	if len(agents) == 0 {
		return a
	}

	type scored struct {
		idx   int
		role  string
		score int
	}
	ranked := make([]scored, len(agents))
	for i, ag := range agents {
		s := Score(task, ag)
		if p.Override != nil {
			s = p.Override.Adjust(task, ag, s)
		}
		ranked[i] = scored{idx: i, role: ag.Role, score: s}
		a.Scores[ag.Role] = s
	}

	hinted := ""
	for _, ag := range agents {
		if ag.Role == task.AgentHint {
			hinted = ag.Role
			break
		}
	}

	if p.Mode == scheduler.Sequential {
		if hinted != "" {
			a.Primary = hinted
			return a
		}
	}

	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	best := ranked[0].score
	var tied []string
	for _, r := range ranked {
		if r.score == best {
			tied = append(tied, r.role)
		}
	}

	switch {
	case len(agents) == 1:
		a.Primary = agents[0].Role
	case best <= 0:
		a.Primary = fallback(hinted, agents[0].Role)
		a.Decision = &ManagerDecisionError{TaskID: task.ID, Candidates: tied, Chosen: a.Primary, Reason: "no agent matches the task"}
	case len(tied) > 1:
		a.Primary = fallback(hinted, tied[0])
		a.Decision = &ManagerDecisionError{TaskID: task.ID, Candidates: tied, Chosen: a.Primary, Reason: "tied scores"}
	default:
		a.Primary = ranked[0].role
	}

	if p.Mode == scheduler.Sequential {
		return a
	}

	limit := p.MaxConsultants
	for _, r := range ranked {
		if len(a.Consultants) >= limit {
			break
		}
		if r.role == a.Primary || r.score <= 0 {
			continue
		}
		a.Consultants = append(a.Consultants, r.role)
	}
	return a
}

func fallback(hint, first string) string {
	if hint != "" {
		return hint
	}
	return first
}

// Score rates how well agent fits task: three points per capability the
// task requires, one per capability named in its text, two for the hint.
func Score(task *scheduler.Task, agent *crew.Agent) int {
	text := " " + strings.Join(knowledge.Tokens(task.Description+" "+task.ExpectedOutput), " ") + " "

	required := make(map[string]bool, len(task.Capabilities))
	for _, c := range task.Capabilities {
		required[normalizeTag(c)] = true
	}

	score := 0
	for _, c := range agent.Capabilities {
		tag := normalizeTag(c)
		if tag == "" {
			continue
		}
		if required[tag] {
			score += capabilityWeight
		}
		if strings.Contains(text, " "+tag+" ") {
			score += keywordWeight
		}
	}
	if task.AgentHint != "" && agent.Role == task.AgentHint {
		score += hintWeight
	}
	return score
}

func normalizeTag(tag string) string {
	return strings.Join(knowledge.Tokens(tag), " ")
}
