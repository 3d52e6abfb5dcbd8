package guardrail

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestParse(t *testing.T) {
	judge := JudgeFunc(func(context.Context, string, string) (Verdict, error) {
		return Verdict{Pass: true}, nil
	})

	script := filepath.Join(t.TempDir(), "g.lua")
	if err := os.WriteFile(script, []byte(`function validate(o) return true end`), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		spec     string
		wantLen  int
		wantName string
		wantErr  bool
	}{
		{spec: "word_count:10:20", wantLen: 1, wantName: "word_count:10:20"},
		{spec: "word_count", wantLen: 1, wantName: "word_count:100:5000"},
		{spec: "word_count:20:10", wantErr: true},
		{spec: "contains_sections:Goals, Risks", wantLen: 1, wantName: "contains_sections:Goals,Risks"},
		{spec: "contains_sections", wantErr: true},
		{spec: "budget_compliance:2500", wantLen: 1, wantName: "budget_compliance:2500"},
		{spec: "budget_compliance:lots", wantErr: true},
		{spec: "json_format", wantLen: 1, wantName: "json_format"},
		{spec: "executive_brief", wantLen: 3},
		{spec: "lua:" + script, wantLen: 1, wantName: "lua:g.lua"},
		{spec: "lua:/does/not/exist.lua", wantErr: true},
		{spec: "The plan must name an owner for every objective", wantLen: 1, wantName: "The plan must name an owner for every objective"},
		{spec: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			vs, err := Parse(tt.spec, judge)
			if tt.wantErr {
				if err == nil {
					t.Fatal("Expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse failed: %v", err)
			}
			if len(vs) != tt.wantLen {
				t.Fatalf("got %d validators, want %d", len(vs), tt.wantLen)
			}
			if tt.wantName != "" && vs[0].Name() != tt.wantName {
				t.Errorf("Name() = %q, want %q", vs[0].Name(), tt.wantName)
			}
		})
	}
}

func TestParse_CriterionNeedsJudge(t *testing.T) {
	if _, err := Parse("must be persuasive", nil); err == nil {
		t.Fatal("Expected error without a judge")
	}
}

func TestParseAll_PreservesOrder(t *testing.T) {
	vs, err := ParseAll([]string{"has_metrics", "json_format"}, nil)
	if err != nil {
		t.Fatalf("ParseAll failed: %v", err)
	}
	if len(vs) != 2 || vs[0].Name() != "has_metrics" || vs[1].Name() != "json_format" {
		t.Errorf("unexpected validators: %v", vs)
	}
}
