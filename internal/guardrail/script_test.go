package guardrail

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestScript_Check(t *testing.T) {
	s, err := NewScript("length", `
function validate(output)
  if string.len(output) < 10 then
    return false, "output shorter than 10 bytes"
  end
  return true
end`)
	if err != nil {
		t.Fatalf("NewScript failed: %v", err)
	}

	v, err := s.Check(context.Background(), "tiny")
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if v.Pass || v.Reason != "output shorter than 10 bytes" {
		t.Errorf("verdict = %+v", v)
	}

	v, err = s.Check(context.Background(), "long enough output")
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if !v.Pass || v.Reason != "" {
		t.Errorf("verdict = %+v", v)
	}
}

func TestScript_FreshStatePerCall(t *testing.T) {
	s, err := NewScript("stateful", `
calls = (calls or 0) + 1
function validate(output)
  return calls == 1, "state leaked"
end`)
	if err != nil {
		t.Fatalf("NewScript failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		v, err := s.Check(context.Background(), "x")
		if err != nil {
			t.Fatalf("Check failed: %v", err)
		}
		if !v.Pass {
			t.Fatalf("call %d saw state from a previous call", i)
		}
	}
}

func TestScript_Sandboxed(t *testing.T) {
	s, err := NewScript("escape", `
function validate(output)
  return os == nil and io == nil and dofile == nil and math.random == nil, "sandbox escape"
end`)
	if err != nil {
		t.Fatalf("NewScript failed: %v", err)
	}
	v, err := s.Check(context.Background(), "x")
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if !v.Pass {
		t.Error("Expected unsafe libraries to be unavailable")
	}
}

func TestNewScript_Errors(t *testing.T) {
	if _, err := NewScript("syntax", "function validate("); err == nil {
		t.Error("Expected syntax error")
	}
	if _, err := NewScript("missing", "x = 1"); err == nil {
		t.Error("Expected error when validate is not defined")
	}
}

func TestScript_RuntimeErrorReturned(t *testing.T) {
	s, err := NewScript("boom", `function validate(output) error("kaput") end`)
	if err != nil {
		t.Fatalf("NewScript failed: %v", err)
	}
	if _, err := s.Check(context.Background(), "x"); err == nil {
		t.Error("Expected runtime error to surface")
	}
}

func TestLoadScript(t *testing.T) {
	path := filepath.Join(t.TempDir(), "check.lua")
	if err := os.WriteFile(path, []byte(`function validate(o) return true end`), 0o644); err != nil {
		t.Fatal(err)
	}

	s, err := LoadScript(path)
	if err != nil {
		t.Fatalf("LoadScript failed: %v", err)
	}
	if s.Name() != "lua:check.lua" {
		t.Errorf("Name() = %q", s.Name())
	}
}
