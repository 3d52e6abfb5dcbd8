package evaluate

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/aristath/crew/internal/backend"
)

// Scorer rates an output from 1 to 10 against what was expected of it.
type Scorer interface {
	Score(ctx context.Context, expected, output string) (float64, error)
}

// ScorerFunc adapts a function to Scorer.
type ScorerFunc func(ctx context.Context, expected, output string) (float64, error)

func (f ScorerFunc) Score(ctx context.Context, expected, output string) (float64, error) {
	return f(ctx, expected, output)
}

const scoreSystemPrompt = `You grade the work of an AI agent on a scale from 1 (useless) to 10 (exactly what was asked).

Respond with "SCORE: N" on the first line, followed by one sentence explaining the score.`

// ModelScorer asks a backend for the score. Unparseable replies are asked
// again up to Retries times.
type ModelScorer struct {
	Backend backend.Backend
	Retries uint64
}

// NewModelScorer creates a scorer backed by b.
func NewModelScorer(b backend.Backend) *ModelScorer {
	return &ModelScorer{Backend: b, Retries: 2}
}

func (s *ModelScorer) Score(ctx context.Context, expected, output string) (float64, error) {
	if strings.TrimSpace(expected) == "" {
		expected = "A complete, correct answer to the task."
	}
	prompt := fmt.Sprintf("## Expected output\n%s\n\n## Actual output\n%s", expected, output)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 2 * time.Second

	var score float64
	operation := func() error {
		resp, err := s.Backend.Send(ctx, backend.Message{System: scoreSystemPrompt, Content: prompt})
		if err != nil {
			return err
		}
		score, err = ParseScore(resp.Content)
		return err
	}
	if err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(b, s.Retries), ctx)); err != nil {
		return 0, fmt.Errorf("scoring failed: %w", err)
	}
	return score, nil
}

var (
	labeledScore = regexp.MustCompile(`(?i)score\s*[:=]?\s*(\d+(?:\.\d+)?)`)
	bareNumber   = regexp.MustCompile(`\d+(?:\.\d+)?`)
)

// ParseScore reads a 1-10 score from a reply, preferring a "SCORE: N" label
// over the first bare number.
func ParseScore(reply string) (float64, error) {
	var raw string
	if m := labeledScore.FindStringSubmatch(reply); m != nil {
		raw = m[1]
	} else {
		raw = bareNumber.FindString(reply)
	}
	if raw == "" {
		return 0, fmt.Errorf("no score in reply: %q", reply)
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid score %q: %w", raw, err)
	}
	if v < 1 || v > 10 {
		return 0, fmt.Errorf("score %g outside 1-10", v)
	}
	return v, nil
}
