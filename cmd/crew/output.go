package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/aristath/crew/internal/events"
	"github.com/aristath/crew/internal/orchestrator"
	"github.com/aristath/crew/internal/persistence"
	"github.com/aristath/crew/internal/scheduler"
)

var (
	styleRunning  = lipgloss.NewStyle().Foreground(lipgloss.Color("yellow")).Bold(true)
	styleComplete = lipgloss.NewStyle().Foreground(lipgloss.Color("green")).Bold(true)
	styleFailed   = lipgloss.NewStyle().Foreground(lipgloss.Color("red")).Bold(true)
	styleMuted    = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	styleTitle    = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	styleHeader   = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	styleCell     = lipgloss.NewStyle().Padding(0, 1)
)

// progress prints lifecycle events to stderr as they happen.
var progress = events.ObserverFunc(func(e events.Event) {
	var line string
	switch ev := e.(type) {
	case events.TaskStartedEvent:
		line = styleRunning.Render("▶ "+ev.ID) + styleMuted.Render(fmt.Sprintf(" %s, attempt %d", ev.Agent, ev.Attempt))
	case events.TaskRetryingEvent:
		note := "revising"
		if ev.Reassigned {
			note = "reassigned to " + ev.Agent
		}
		line = styleRunning.Render("↻ "+ev.ID) + styleMuted.Render(fmt.Sprintf(" %s: %s", note, strings.Join(ev.Feedback, "; ")))
	case events.TaskCompletedEvent:
		line = styleComplete.Render("✓ "+ev.ID) + styleMuted.Render(fmt.Sprintf(" %s in %s", ev.Agent, ev.Duration.Round(time.Millisecond)))
	case events.TaskFailedEvent:
		line = styleFailed.Render("✗ "+ev.ID) + styleMuted.Render(" "+ev.Error)
	case events.TaskBlockedEvent:
		line = styleFailed.Render("⊘ "+ev.ID) + styleMuted.Render(" blocked by "+ev.BlockedBy)
	case events.ManagerDecisionEvent:
		if !ev.Fallback {
			return
		}
		line = styleMuted.Render(fmt.Sprintf("? %s assigned to %s: %s", ev.ID, ev.Agent, ev.Reason))
	case events.IngestCompletedEvent:
		line = styleMuted.Render(fmt.Sprintf("· %s: %d documents, %d new chunks", ev.Namespace, ev.Documents, ev.Chunks))
	default:
		return
	}
	fmt.Fprintln(os.Stderr, line)
})

func styleStatus(s persistence.RunStatus) string {
	switch s {
	case persistence.RunCompleted:
		return styleComplete.Render(string(s))
	case persistence.RunRunning:
		return styleRunning.Render(string(s))
	case persistence.RunPartial, persistence.RunFailed, persistence.RunInterrupted:
		return styleFailed.Render(string(s))
	}
	return string(s)
}

// printResult writes the outputs of a run to stdout and returns an error
// when the run did not complete.
func printResult(res *orchestrator.RunResult) error {
	fmt.Printf("%s %s\n\n", styleTitle.Render("Run "+res.RunID), styleStatus(res.Status))
	for _, o := range res.Outputs {
		fmt.Println(styleTitle.Render("## " + o.TaskID + " (" + o.Agent + ")"))
		fmt.Println(o.Output)
		fmt.Println()
	}
	for _, f := range res.Failures {
		fmt.Printf("%s %s\n", styleFailed.Render(f.TaskID+" "+f.State.String()), styleMuted.Render(errString(f.Err)))
	}

	if res.Status != persistence.RunCompleted {
		return fmt.Errorf("run %s %s", res.RunID, res.Status)
	}
	return nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func renderTable(headers []string, rows [][]string) string {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(styleMuted).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return styleHeader
			}
			return styleCell
		}).
		String()
}

func renderRuns(runs []persistence.Run) string {
	rows := make([][]string, 0, len(runs))
	for _, r := range runs {
		rows = append(rows, []string{
			r.ID,
			r.Crew,
			styleStatus(r.Status),
			r.UpdatedAt.Local().Format("2006-01-02 15:04"),
			truncate(r.Error, 60),
		})
	}
	return renderTable([]string{"Run", "Crew", "Status", "Updated", "Error"}, rows)
}

func renderTasks(snaps []scheduler.Snapshot, attempts []persistence.Attempt) string {
	counts := make(map[string]int)
	for _, a := range attempts {
		counts[a.TaskID]++
	}
	rows := make([][]string, 0, len(snaps))
	for _, s := range snaps {
		rows = append(rows, []string{
			s.ID,
			s.State.String(),
			s.Agent,
			fmt.Sprintf("%d", counts[s.ID]),
			truncate(s.Err, 60),
		})
	}
	return renderTable([]string{"Task", "State", "Agent", "Attempts", "Error"}, rows)
}
