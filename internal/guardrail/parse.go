package guardrail

import (
	"fmt"
	"strconv"
	"strings"
)

// Parse turns a guardrail declaration from a crew file into Validators.
//
//	word_count:500:3000        built-in predicate with arguments
//	contains_sections:a,b,c
//	strategic_plan             preset (expands to several predicates)
//	lua:checks/summary.lua     Lua script
//	anything else              natural-language criterion for judge
//
// A criterion with a nil judge is an error.
func Parse(spec string, judge Judge, opts ...CriterionOption) ([]Validator, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, fmt.Errorf("empty guardrail")
	}

	if path, ok := strings.CutPrefix(spec, "lua:"); ok {
		s, err := LoadScript(strings.TrimSpace(path))
		if err != nil {
			return nil, err
		}
		return []Validator{s}, nil
	}

	if preset, ok := Presets[spec]; ok {
		return preset(), nil
	}

	name, args, _ := strings.Cut(spec, ":")
	if v, ok, err := builtin(name, args); ok {
		if err != nil {
			return nil, fmt.Errorf("invalid guardrail %q: %w", spec, err)
		}
		return []Validator{v}, nil
	}

	if judge == nil {
		return nil, fmt.Errorf("guardrail %q needs a judge model but none is configured", spec)
	}
	return []Validator{NewCriterion(spec, judge, opts...)}, nil
}

// ParseAll parses every declaration, in order.
func ParseAll(specs []string, judge Judge, opts ...CriterionOption) ([]Validator, error) {
	var out []Validator
	for _, s := range specs {
		vs, err := Parse(s, judge, opts...)
		if err != nil {
			return nil, err
		}
		out = append(out, vs...)
	}
	return out, nil
}

func builtin(name, args string) (Validator, bool, error) {
	switch name {
	case "word_count":
		lo, hi, err := parseRange(args, 100, 5000)
		return WordCount(lo, hi), true, err
	case "contains_sections":
		if args == "" {
			return nil, true, fmt.Errorf("contains_sections requires a section list")
		}
		var sections []string
		for _, s := range strings.Split(args, ",") {
			if s = strings.TrimSpace(s); s != "" {
				sections = append(sections, s)
			}
		}
		return ContainsSections(sections...), true, nil
	case "has_data_sources":
		return HasDataSources(), true, nil
	case "has_metrics":
		return HasMetrics(), true, nil
	case "executive_summary_length":
		return ExecutiveSummaryLength(), true, nil
	case "json_format":
		return JSONFormat(), true, nil
	case "budget_compliance":
		max := 100000.0
		if args != "" {
			v, err := strconv.ParseFloat(args, 64)
			if err != nil {
				return nil, true, fmt.Errorf("budget_compliance: %w", err)
			}
			max = v
		}
		return BudgetCompliance(max), true, nil
	case "timeline_present":
		return TimelinePresent(), true, nil
	case "risk_assessment":
		return RiskAssessment(), true, nil
	default:
		return nil, false, nil
	}
}

func parseRange(args string, defLo, defHi int) (int, int, error) {
	if args == "" {
		return defLo, defHi, nil
	}
	loStr, hiStr, ok := strings.Cut(args, ":")
	if !ok {
		return 0, 0, fmt.Errorf("expected min:max, got %q", args)
	}
	lo, err := strconv.Atoi(loStr)
	if err != nil {
		return 0, 0, fmt.Errorf("min: %w", err)
	}
	hi, err := strconv.Atoi(hiStr)
	if err != nil {
		return 0, 0, fmt.Errorf("max: %w", err)
	}
	if lo > hi {
		return 0, 0, fmt.Errorf("min %d exceeds max %d", lo, hi)
	}
	return lo, hi, nil
}
