package manager

import (
	"fmt"
	"strings"

	"github.com/aristath/crew/internal/scheduler"
)

// Note is a consulting agent's input on a task.
type Note struct {
	Role    string
	Content string
}

// Brief is everything an agent is told about one attempt at a task.
type Brief struct {
	Task         *scheduler.Task
	Dependencies []scheduler.DependencyOutput
	Notes        []Note
	Plan         string
	Knowledge    string
	Memory       string
	Feedback     [][]string // rejection reasons of earlier attempts
}

// Render builds the user prompt.
func (b Brief) Render() string {
	var sb strings.Builder

	sb.WriteString("# Task\n")
	sb.WriteString(strings.TrimSpace(b.Task.Description))
	sb.WriteString("\n")

	if exp := strings.TrimSpace(b.Task.ExpectedOutput); exp != "" {
		sb.WriteString("\n# Expected output\n")
		sb.WriteString(exp)
		sb.WriteString("\n")
	}

	if len(b.Dependencies) > 0 {
		sb.WriteString("\n# Context from completed tasks\n")
		for _, dep := range b.Dependencies {
			fmt.Fprintf(&sb, "\n## %s\n%s\n", dep.ID, strings.TrimSpace(dep.Output))
		}
	}

	for _, n := range b.Notes {
		fmt.Fprintf(&sb, "\n# Notes from %s\n%s\n", n.Role, strings.TrimSpace(n.Content))
	}

	if plan := strings.TrimSpace(b.Plan); plan != "" {
		sb.WriteString("\n# Your plan\n")
		sb.WriteString(plan)
		sb.WriteString("\n")
	}

	if k := strings.TrimSpace(b.Knowledge); k != "" {
		sb.WriteString("\n# Knowledge\n")
		sb.WriteString(k)
		sb.WriteString("\n")
	}

	if m := strings.TrimSpace(b.Memory); m != "" {
		sb.WriteString("\n# Memory\n")
		sb.WriteString(m)
		sb.WriteString("\n")
	}

	if len(b.Feedback) > 0 {
		sb.WriteString("\n# Feedback on earlier attempts\n")
		for i, reasons := range b.Feedback {
			fmt.Fprintf(&sb, "\nAttempt %d was rejected:\n", i+1)
			for _, r := range reasons {
				fmt.Fprintf(&sb, "- %s\n", r)
			}
		}
		sb.WriteString("\nAddress every point above in this attempt.\n")
	}

	return sb.String()
}

func consultPrompt(task *scheduler.Task) string {
	return fmt.Sprintf("A coworker is about to work on this task:\n\n%s\n\nExpected output: %s\n\n"+
		"Give brief notes from your area of expertise that would help them. Do not do the task yourself.",
		strings.TrimSpace(task.Description), strings.TrimSpace(task.ExpectedOutput))
}

func planPrompt(brief Brief) string {
	return brief.Render() + "\nBefore doing the task, write a short step-by-step plan for it. Reply with the plan only."
}

func followUpPrompt(prompt, role, answer string) string {
	return fmt.Sprintf("%s\n# Answer from %s\n%s\n\nNow give your final answer to the task.", prompt, role, strings.TrimSpace(answer))
}
