package crew

import (
	"fmt"
	"strings"
	"time"

	"github.com/aristath/crew/internal/backend"
	"github.com/aristath/crew/internal/knowledge"
)

// Agent is a role-bound model caller. Agents hold no state between tasks;
// everything a task needs is in the prompt it is sent.
type Agent struct {
	Role            string
	Goal            string
	Backstory       string
	Capabilities    []string
	AllowDelegation bool
	AllowReasoning  bool
	Timeout         time.Duration // overrides the task and config timeout when set
	Knowledge       []knowledge.Source
	Suggestions     []string // lessons from training runs
	Backend         backend.Backend
}

// Namespace is the agent's private knowledge namespace.
func (a *Agent) Namespace() string {
	return knowledge.AgentNamespace(a.Role)
}

// HasCapability reports whether the agent declares tag (case-insensitive).
func (a *Agent) HasCapability(tag string) bool {
	for _, c := range a.Capabilities {
		if strings.EqualFold(c, tag) {
			return true
		}
	}
	return false
}

// SystemPrompt describes the agent to the model. coworkers lists the roles
// it may delegate to; it is ignored unless delegation is allowed.
func (a *Agent) SystemPrompt(coworkers []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s.", a.Role)
	if a.Backstory != "" {
		fmt.Fprintf(&b, " %s", strings.TrimSpace(a.Backstory))
	}
	if a.Goal != "" {
		fmt.Fprintf(&b, "\nYour goal: %s", strings.TrimSpace(a.Goal))
	}
	if len(a.Capabilities) > 0 {
		fmt.Fprintf(&b, "\nYour strengths: %s.", strings.Join(a.Capabilities, ", "))
	}

	if len(a.Suggestions) > 0 {
		b.WriteString("\n\nLessons from earlier reviews of your work:")
		for _, s := range a.Suggestions {
			fmt.Fprintf(&b, "\n- %s", s)
		}
	}

	if a.AllowDelegation && len(coworkers) > 0 {
		fmt.Fprintf(&b, "\n\nYou may ask one coworker for help before answering. To do so, reply with a single line\n"+
			"DELEGATE <role>: <your request>\nand nothing else. Coworkers: %s.", strings.Join(coworkers, ", "))
	}

	b.WriteString("\n\nReply with your final answer only.")
	return b.String()
}
