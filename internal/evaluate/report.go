package evaluate

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/aristath/crew/internal/crew"
	"github.com/aristath/crew/internal/persistence"
)

// Report holds the scores of a test: one row per task, one column per
// iteration. Tasks that did not complete in an iteration have no score there.
type Report struct {
	Iterations int
	RunIDs     []string
	Tasks      []string // declaration order
	Scores     map[string][]float64
	scored     map[string][]bool
}

func newReport(tasks []string, n int) *Report {
	r := &Report{
		Iterations: n,
		Tasks:      tasks,
		Scores:     make(map[string][]float64),
		scored:     make(map[string][]bool),
	}
	for _, id := range tasks {
		r.Scores[id] = make([]float64, n)
		r.scored[id] = make([]bool, n)
	}
	return r
}

func (r *Report) set(taskID string, iteration int, score float64) {
	if _, ok := r.Scores[taskID]; !ok {
		return
	}
	r.Scores[taskID][iteration] = score
	r.scored[taskID][iteration] = true
}

// Score returns the score of a task in an iteration (0-based).
func (r *Report) Score(taskID string, iteration int) (float64, bool) {
	marks, ok := r.scored[taskID]
	if !ok || iteration < 0 || iteration >= len(marks) || !marks[iteration] {
		return 0, false
	}
	return r.Scores[taskID][iteration], true
}

// Average is the mean score of a task over the iterations it completed in.
func (r *Report) Average(taskID string) (float64, bool) {
	var sum float64
	n := 0
	for i := 0; i < r.Iterations; i++ {
		if v, ok := r.Score(taskID, i); ok {
			sum += v
			n++
		}
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

// IterationAverage is the mean score of all tasks in one iteration.
func (r *Report) IterationAverage(iteration int) (float64, bool) {
	var sum float64
	n := 0
	for _, id := range r.Tasks {
		if v, ok := r.Score(id, iteration); ok {
			sum += v
			n++
		}
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

// Overall is the mean of every recorded score.
func (r *Report) Overall() (float64, bool) {
	var sum float64
	n := 0
	for _, id := range r.Tasks {
		for i := 0; i < r.Iterations; i++ {
			if v, ok := r.Score(id, i); ok {
				sum += v
				n++
			}
		}
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

var (
	headerStyle  = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle    = lipgloss.NewStyle().Padding(0, 1)
	summaryStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1).Foreground(lipgloss.Color("62"))
)

// Render draws the report as a table.
func (r *Report) Render() string {
	headers := []string{"Task"}
	for i := 1; i <= r.Iterations; i++ {
		headers = append(headers, fmt.Sprintf("Run %d", i))
	}
	headers = append(headers, "Avg")

	rows := make([][]string, 0, len(r.Tasks)+1)
	for _, id := range r.Tasks {
		row := []string{id}
		for i := 0; i < r.Iterations; i++ {
			row = append(row, format(r.Score(id, i)))
		}
		row = append(row, format(r.Average(id)))
		rows = append(rows, row)
	}

	summary := []string{"Overall"}
	for i := 0; i < r.Iterations; i++ {
		summary = append(summary, format(r.IterationAverage(i)))
	}
	summary = append(summary, format(r.Overall()))
	rows = append(rows, summary)
	last := len(rows) - 1

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("240"))).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch row {
			case table.HeaderRow:
				return headerStyle
			case last:
				return summaryStyle
			}
			return cellStyle
		})
	return t.String()
}

func format(v float64, ok bool) string {
	if !ok {
		return "-"
	}
	return fmt.Sprintf("%.2f", v)
}

// Test runs the crew n times and scores every completed output against the
// task's expected output.
func Test(ctx context.Context, r Runner, n int, inputs map[string]string, scorer Scorer) (*Report, error) {
	if n < 1 {
		return nil, fmt.Errorf("iterations must be at least 1, got %d", n)
	}
	if scorer == nil {
		return nil, fmt.Errorf("test requires a scorer")
	}

	c := r.Crew()
	merged := c.MergeInputs(inputs)
	expected := make(map[string]string)
	var ids []string
	for _, spec := range c.TaskSpecs() {
		ids = append(ids, spec.ID)
		expected[spec.ID] = crew.Interpolate(spec.ExpectedOutput, merged)
	}

	report := newReport(ids, n)
	for i := 0; i < n; i++ {
		res, err := r.Run(ctx, inputs)
		if err != nil {
			return nil, fmt.Errorf("test iteration %d: %w", i+1, err)
		}
		if res.Status == persistence.RunInterrupted {
			return nil, fmt.Errorf("test iteration %d interrupted: %w", i+1, res.Err)
		}
		report.RunIDs = append(report.RunIDs, res.RunID)

		for _, o := range res.Outputs {
			score, err := scorer.Score(ctx, expected[o.TaskID], o.Output)
			if err != nil {
				log.Printf("WARNING: failed to score task %s in run %s: %v", o.TaskID, res.RunID, err)
				continue
			}
			report.set(o.TaskID, i, score)
		}
	}
	return report, nil
}

// Summary is a one-line description of the report.
func (r *Report) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d iterations, %d tasks", r.Iterations, len(r.Tasks))
	if v, ok := r.Overall(); ok {
		fmt.Fprintf(&b, ", overall %.2f", v)
	}
	return b.String()
}
