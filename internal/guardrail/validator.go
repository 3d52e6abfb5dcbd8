// Package guardrail validates task output before the manager accepts it.
//
// A guardrail is either a deterministic predicate (Go function or sandboxed
// Lua script) or a natural-language criterion evaluated by a judging model.
// Validate always runs every guardrail so the feedback handed back for a
// retry is complete on the first failure.
package guardrail

import (
	"context"
	"fmt"
	"strings"
)

// Verdict is the outcome of a single guardrail check.
type Verdict struct {
	Pass   bool
	Reason string
}

// Validator checks a task output.
type Validator interface {
	// Name identifies the guardrail in feedback and logs.
	Name() string

	// Check evaluates output. An error means the guardrail could not reach
	// a verdict; Validate treats that as a failure.
	Check(ctx context.Context, output string) (Verdict, error)
}

// PredicateFunc is a pure check over the raw output. Same output, same answer.
type PredicateFunc func(output string) (bool, string)

// Predicate adapts a PredicateFunc to Validator.
type Predicate struct {
	name string
	fn   PredicateFunc
}

// NewPredicate wraps fn as a named Validator.
func NewPredicate(name string, fn PredicateFunc) *Predicate {
	return &Predicate{name: name, fn: fn}
}

func (p *Predicate) Name() string { return p.name }

func (p *Predicate) Check(_ context.Context, output string) (Verdict, error) {
	ok, reason := p.fn(output)
	return Verdict{Pass: ok, Reason: reason}, nil
}

// Validate runs every validator against output. It never short-circuits:
// pass is true only when all validators pass, and feedback holds the
// deduplicated failure reasons in validator order.
func Validate(ctx context.Context, output string, validators []Validator) (bool, []string) {
	pass := true
	var feedback []string
	seen := make(map[string]bool)

	add := func(reason string) {
		reason = strings.TrimSpace(reason)
		if reason == "" || seen[reason] {
			return
		}
		seen[reason] = true
		feedback = append(feedback, reason)
	}

	for _, v := range validators {
		verdict, err := v.Check(ctx, output)
		if err != nil {
			pass = false
			add(fmt.Sprintf("guardrail %s could not be evaluated: %v", v.Name(), err))
			continue
		}
		if verdict.Pass {
			continue
		}
		pass = false
		if verdict.Reason == "" {
			add(fmt.Sprintf("guardrail %s failed", v.Name()))
		} else {
			add(verdict.Reason)
		}
	}

	return pass, feedback
}
