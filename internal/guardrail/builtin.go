package guardrail

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// WordCount requires the output to have between min and max words.
func WordCount(min, max int) *Predicate {
	return NewPredicate(fmt.Sprintf("word_count:%d:%d", min, max), func(output string) (bool, string) {
		n := len(strings.Fields(output))
		if n < min {
			return false, fmt.Sprintf("Content too short: %d words. Minimum required: %d", n, min)
		}
		if n > max {
			return false, fmt.Sprintf("Content too long: %d words. Maximum allowed: %d", n, max)
		}
		return true, ""
	})
}

// ContainsSections requires a markdown header or "name:" label for every section.
func ContainsSections(sections ...string) *Predicate {
	patterns := make([]*regexp.Regexp, len(sections))
	for i, s := range sections {
		q := regexp.QuoteMeta(strings.TrimSpace(s))
		patterns[i] = regexp.MustCompile(`(?i)(#{1,6}\s*` + q + `|` + q + `\s*:)`)
	}

	return NewPredicate("contains_sections:"+strings.Join(sections, ","), func(output string) (bool, string) {
		var missing []string
		for i, re := range patterns {
			if !re.MatchString(output) {
				missing = append(missing, sections[i])
			}
		}
		if len(missing) > 0 {
			return false, "Missing required sections: " + strings.Join(missing, ", ")
		}
		return true, ""
	})
}

var sourcePatterns = []*regexp.Regexp{
	regexp.MustCompile(`\[.*?\]`),
	regexp.MustCompile(`(?i)source:`),
	regexp.MustCompile(`(?i)according to`),
	regexp.MustCompile(`(?i)reference:`),
	regexp.MustCompile(`(?i)https?://`),
}

// HasDataSources requires citations, links or explicit source attribution.
func HasDataSources() *Predicate {
	return NewPredicate("has_data_sources", func(output string) (bool, string) {
		if anyMatch(sourcePatterns, output) {
			return true, ""
		}
		return false, "Output must include data sources, citations, or references"
	})
}

var metricPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\d+\.?\d*%`),
	regexp.MustCompile(`\$\d+`),
	regexp.MustCompile(`\d{1,3}(,\d{3})*(\.\d+)?`),
}

// HasMetrics requires at least one number, percentage or currency figure.
func HasMetrics() *Predicate {
	return NewPredicate("has_metrics", func(output string) (bool, string) {
		if anyMatch(metricPatterns, output) {
			return true, ""
		}
		return false, "Output must include quantitative metrics (numbers, percentages, or financial figures)"
	})
}

var (
	summaryHeader = regexp.MustCompile(`(?i)(#{1,6}\s*)?executive summary`)
	nextHeader    = regexp.MustCompile(`\n#{1,6}\s`)
)

// ExecutiveSummaryLength requires an "Executive Summary" section of 100-300 words.
func ExecutiveSummaryLength() *Predicate {
	return NewPredicate("executive_summary_length", func(output string) (bool, string) {
		loc := summaryHeader.FindStringIndex(output)
		if loc == nil {
			return false, "Must include an 'Executive Summary' section"
		}
		section := output[loc[0]:]
		if end := nextHeader.FindStringIndex(section[loc[1]-loc[0]:]); end != nil {
			section = section[:loc[1]-loc[0]+end[0]]
		}
		n := len(strings.Fields(section))
		if n < 100 {
			return false, fmt.Sprintf("Executive summary too short: %d words. Minimum 100 words.", n)
		}
		if n > 300 {
			return false, fmt.Sprintf("Executive summary too long: %d words. Maximum 300 words.", n)
		}
		return true, ""
	})
}

// JSONFormat requires the output to parse as JSON.
func JSONFormat() *Predicate {
	return NewPredicate("json_format", func(output string) (bool, string) {
		var v any
		if err := json.Unmarshal([]byte(strings.TrimSpace(output)), &v); err != nil {
			return false, fmt.Sprintf("Invalid JSON format: %v", err)
		}
		return true, ""
	})
}

var currencyPattern = regexp.MustCompile(`\$(\d+(?:,\d{3})*(?:\.\d+)?)`)

// BudgetCompliance requires dollar figures whose sum stays within max.
func BudgetCompliance(max float64) *Predicate {
	return NewPredicate(fmt.Sprintf("budget_compliance:%g", max), func(output string) (bool, string) {
		matches := currencyPattern.FindAllStringSubmatch(output, -1)
		if len(matches) == 0 {
			return false, "Must include budget/cost estimates with dollar amounts"
		}
		var total float64
		for _, m := range matches {
			v, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", ""), 64)
			if err != nil {
				continue
			}
			total += v
		}
		if total > max {
			return false, fmt.Sprintf("Total budget $%.2f exceeds maximum allowed $%.2f", total, max)
		}
		return true, ""
	})
}

var timelinePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)q[1-4]\s+\d{4}`),
	regexp.MustCompile(`(?i)(january|february|march|april|may|june|july|august|september|october|november|december)`),
	regexp.MustCompile(`\d{1,2}/\d{1,2}/\d{2,4}`),
	regexp.MustCompile(`(?i)(week|month|quarter|year)s?\s+\d+`),
	regexp.MustCompile(`(?i)timeline:`),
	regexp.MustCompile(`(?i)deadline:`),
	regexp.MustCompile(`(?i)by\s+\w+\s+\d+`),
}

// TimelinePresent requires dates, quarters or explicit deadlines.
func TimelinePresent() *Predicate {
	return NewPredicate("timeline_present", func(output string) (bool, string) {
		if anyMatch(timelinePatterns, output) {
			return true, ""
		}
		return false, "Output must include timeline, deadlines, or time-based milestones"
	})
}

var riskKeywords = []string{"risk", "threat", "challenge", "concern", "mitigation", "contingency"}

// RiskAssessment requires at least two distinct risk-related terms.
func RiskAssessment() *Predicate {
	return NewPredicate("risk_assessment", func(output string) (bool, string) {
		lower := strings.ToLower(output)
		mentions := 0
		for _, kw := range riskKeywords {
			if strings.Contains(lower, kw) {
				mentions++
			}
		}
		if mentions < 2 {
			return false, "Output must include risk assessment with mitigation strategies"
		}
		return true, ""
	})
}

// Presets bundle guardrails that are commonly applied together.
var Presets = map[string]func() []Validator{
	"standard_report": func() []Validator {
		return []Validator{WordCount(500, 3000), HasDataSources(), HasMetrics()}
	},
	"executive_brief": func() []Validator {
		return []Validator{ExecutiveSummaryLength(), HasMetrics(), TimelinePresent()}
	},
	"strategic_plan": func() []Validator {
		return []Validator{
			WordCount(1000, 5000),
			ContainsSections("executive summary", "objectives", "timeline"),
			HasMetrics(),
			TimelinePresent(),
			RiskAssessment(),
		}
	},
	"financial_report": func() []Validator {
		return []Validator{HasMetrics(), HasDataSources(), TimelinePresent()}
	},
}

func anyMatch(patterns []*regexp.Regexp, s string) bool {
	for _, re := range patterns {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}
