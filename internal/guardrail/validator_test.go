package guardrail

import (
	"context"
	"errors"
	"reflect"
	"sync/atomic"
	"testing"
)

// countingValidator records how many times it was checked.
type countingValidator struct {
	name    string
	verdict Verdict
	err     error
	calls   atomic.Int32
}

func (c *countingValidator) Name() string { return c.name }

func (c *countingValidator) Check(context.Context, string) (Verdict, error) {
	c.calls.Add(1)
	return c.verdict, c.err
}

func TestValidate_AllPass(t *testing.T) {
	vs := []Validator{
		NewPredicate("a", func(string) (bool, string) { return true, "" }),
		NewPredicate("b", func(string) (bool, string) { return true, "" }),
	}

	pass, feedback := Validate(context.Background(), "output", vs)
	if !pass {
		t.Error("Expected pass")
	}
	if len(feedback) != 0 {
		t.Errorf("Expected no feedback, got %v", feedback)
	}
}

func TestValidate_NoShortCircuit(t *testing.T) {
	first := &countingValidator{name: "first", verdict: Verdict{Pass: false, Reason: "first failed"}}
	second := &countingValidator{name: "second", verdict: Verdict{Pass: true}}
	third := &countingValidator{name: "third", verdict: Verdict{Pass: false, Reason: "third failed"}}

	pass, feedback := Validate(context.Background(), "output", []Validator{first, second, third})
	if pass {
		t.Error("Expected failure")
	}

	for _, v := range []*countingValidator{first, second, third} {
		if v.calls.Load() != 1 {
			t.Errorf("validator %s called %d times, want 1", v.name, v.calls.Load())
		}
	}

	want := []string{"first failed", "third failed"}
	if !reflect.DeepEqual(feedback, want) {
		t.Errorf("feedback = %v, want %v", feedback, want)
	}
}

func TestValidate_DedupesFeedback(t *testing.T) {
	vs := []Validator{
		&countingValidator{name: "a", verdict: Verdict{Reason: "too short"}},
		&countingValidator{name: "b", verdict: Verdict{Reason: "missing sources"}},
		&countingValidator{name: "c", verdict: Verdict{Reason: "too short"}},
	}

	_, feedback := Validate(context.Background(), "x", vs)
	want := []string{"too short", "missing sources"}
	if !reflect.DeepEqual(feedback, want) {
		t.Errorf("feedback = %v, want %v", feedback, want)
	}
}

func TestValidate_ErrorIsFailure(t *testing.T) {
	vs := []Validator{
		&countingValidator{name: "flaky", err: errors.New("judge unavailable")},
	}

	pass, feedback := Validate(context.Background(), "x", vs)
	if pass {
		t.Error("Expected validator error to fail validation")
	}
	if len(feedback) != 1 {
		t.Fatalf("Expected one feedback entry, got %v", feedback)
	}
}

func TestValidate_EmptyReasonGetsName(t *testing.T) {
	vs := []Validator{&countingValidator{name: "silent"}}

	_, feedback := Validate(context.Background(), "x", vs)
	if len(feedback) != 1 || feedback[0] != "guardrail silent failed" {
		t.Errorf("feedback = %v", feedback)
	}
}

func TestValidate_NoValidators(t *testing.T) {
	pass, feedback := Validate(context.Background(), "anything", nil)
	if !pass || feedback != nil {
		t.Errorf("Validate(nil) = %v, %v", pass, feedback)
	}
}
