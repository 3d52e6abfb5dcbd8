package guardrail

import (
	"context"
	"strings"
	"testing"
)

func check(t *testing.T, v Validator, output string) Verdict {
	t.Helper()
	verdict, err := v.Check(context.Background(), output)
	if err != nil {
		t.Fatalf("%s: unexpected error: %v", v.Name(), err)
	}
	return verdict
}

func TestBuiltins(t *testing.T) {
	summary := "## Executive Summary\n" + strings.Repeat("word ", 150) + "\n## Details\nmore text"

	tests := []struct {
		name   string
		v      Validator
		output string
		pass   bool
	}{
		{"word count ok", WordCount(2, 5), "one two three", true},
		{"word count short", WordCount(5, 10), "one two", false},
		{"word count long", WordCount(1, 2), "one two three", false},
		{"sections header", ContainsSections("Objectives", "Timeline"), "# Objectives\n...\n## Timeline\n...", true},
		{"sections label", ContainsSections("risks"), "Risks: none", true},
		{"sections missing", ContainsSections("Budget"), "# Objectives", false},
		{"sources link", HasDataSources(), "see https://example.com", true},
		{"sources citation", HasDataSources(), "According to Gartner", true},
		{"sources none", HasDataSources(), "trust me", false},
		{"metrics percent", HasMetrics(), "grew 12%", true},
		{"metrics none", HasMetrics(), "grew a lot", false},
		{"summary ok", ExecutiveSummaryLength(), summary, true},
		{"summary missing", ExecutiveSummaryLength(), "no summary here", false},
		{"summary short", ExecutiveSummaryLength(), "Executive Summary\nbrief", false},
		{"json ok", JSONFormat(), ` {"a": 1} `, true},
		{"json bad", JSONFormat(), `{"a":`, false},
		{"budget within", BudgetCompliance(5000), "Costs: $1,500 and $2,000", true},
		{"budget over", BudgetCompliance(3000), "Costs: $1,500 and $2,000", false},
		{"budget absent", BudgetCompliance(3000), "no figures", false},
		{"timeline quarter", TimelinePresent(), "Launch in Q3 2025", true},
		{"timeline month", TimelinePresent(), "ship by March", true},
		{"timeline none", TimelinePresent(), "soon", false},
		{"risk ok", RiskAssessment(), "Main risk is churn; mitigation is pricing.", true},
		{"risk thin", RiskAssessment(), "Some risk exists.", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := check(t, tt.v, tt.output)
			if got.Pass != tt.pass {
				t.Errorf("Pass = %v, want %v (reason: %s)", got.Pass, tt.pass, got.Reason)
			}
			if !got.Pass && got.Reason == "" {
				t.Error("Expected a reason on failure")
			}
		})
	}
}

func TestPredicatesAreDeterministic(t *testing.T) {
	v := ContainsSections("Objectives")
	first := check(t, v, "no headers")
	for i := 0; i < 5; i++ {
		if got := check(t, v, "no headers"); got != first {
			t.Fatalf("verdict changed between calls: %+v vs %+v", got, first)
		}
	}
}

func TestPresets(t *testing.T) {
	for name, preset := range Presets {
		if len(preset()) == 0 {
			t.Errorf("preset %s is empty", name)
		}
	}
	if got := len(Presets["strategic_plan"]()); got != 5 {
		t.Errorf("strategic_plan has %d guardrails, want 5", got)
	}
}
