package guardrail

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/aristath/crew/internal/backend"
)

// Judge decides whether output satisfies a natural-language criterion.
type Judge interface {
	Judge(ctx context.Context, criterion, output string) (Verdict, error)
}

// JudgeFunc adapts a function to Judge.
type JudgeFunc func(ctx context.Context, criterion, output string) (Verdict, error)

func (f JudgeFunc) Judge(ctx context.Context, criterion, output string) (Verdict, error) {
	return f(ctx, criterion, output)
}

// Criterion is a guardrail phrased in natural language. Model judges are
// not deterministic, so the verdict is the majority of an odd number of votes.
type Criterion struct {
	text       string
	judge      Judge
	votes      int
	maxRetries uint64
}

// CriterionOption configures a Criterion.
type CriterionOption func(*Criterion)

// WithVotes sets the number of judge votes. Even values are rounded up.
func WithVotes(n int) CriterionOption {
	return func(c *Criterion) {
		if n < 1 {
			n = 1
		}
		if n%2 == 0 {
			n++
		}
		c.votes = n
	}
}

// WithJudgeRetries bounds re-evaluation when the judge itself errors.
func WithJudgeRetries(n uint64) CriterionOption {
	return func(c *Criterion) { c.maxRetries = n }
}

// NewCriterion creates a natural-language guardrail evaluated by judge.
func NewCriterion(text string, judge Judge, opts ...CriterionOption) *Criterion {
	c := &Criterion{text: text, judge: judge, votes: 1, maxRetries: 2}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Criterion) Name() string { return c.text }

func (c *Criterion) Check(ctx context.Context, output string) (Verdict, error) {
	passes, fails := 0, 0
	var reasons []string
	var lastErr error

	for i := 0; i < c.votes; i++ {
		v, err := c.vote(ctx, output)
		if err != nil {
			lastErr = err
			continue
		}
		if v.Pass {
			passes++
			continue
		}
		fails++
		if v.Reason != "" {
			reasons = append(reasons, v.Reason)
		}
	}

	if passes == 0 && fails == 0 {
		return Verdict{}, fmt.Errorf("judge failed for criterion %q: %w", c.text, lastErr)
	}
	if passes > fails {
		return Verdict{Pass: true}, nil
	}

	reason := fmt.Sprintf("Output does not satisfy: %s", c.text)
	if len(reasons) > 0 {
		reason += " (" + reasons[0] + ")"
	}
	return Verdict{Pass: false, Reason: reason}, nil
}

func (c *Criterion) vote(ctx context.Context, output string) (Verdict, error) {
	var verdict Verdict

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 2 * time.Second

	operation := func() error {
		v, err := c.judge.Judge(ctx, c.text, output)
		if err != nil {
			return err
		}
		verdict = v
		return nil
	}

	err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(b, c.maxRetries), ctx))
	return verdict, err
}

const judgeSystemPrompt = `You are a strict quality reviewer. You decide whether a piece of work satisfies one criterion.

Respond with EXACTLY one of:
- PASS: [one sentence]
- FAIL: [what is missing or wrong]`

// ModelJudge asks a backend for a PASS/FAIL verdict.
type ModelJudge struct {
	backend backend.Backend
}

// NewModelJudge creates a judge backed by b.
func NewModelJudge(b backend.Backend) *ModelJudge {
	return &ModelJudge{backend: b}
}

func (j *ModelJudge) Judge(ctx context.Context, criterion, output string) (Verdict, error) {
	prompt := fmt.Sprintf("## Criterion\n%s\n\n## Work to review\n%s", criterion, output)

	resp, err := j.backend.Send(ctx, backend.Message{System: judgeSystemPrompt, Content: prompt})
	if err != nil {
		return Verdict{}, fmt.Errorf("judge request failed: %w", err)
	}
	return ParseVerdict(resp.Content)
}

// ParseVerdict reads a "PASS: ..." or "FAIL: ..." reply. Anything else is an
// error so the vote is retried rather than guessed.
func ParseVerdict(reply string) (Verdict, error) {
	text := strings.TrimSpace(reply)
	upper := strings.ToUpper(text)

	switch {
	case strings.HasPrefix(upper, "PASS"), strings.HasPrefix(upper, "APPROVED"):
		return Verdict{Pass: true}, nil
	case strings.HasPrefix(upper, "FAIL"), strings.HasPrefix(upper, "REJECTED"):
		reason := text
		if i := strings.Index(text, ":"); i >= 0 {
			reason = strings.TrimSpace(text[i+1:])
		}
		return Verdict{Pass: false, Reason: reason}, nil
	default:
		return Verdict{}, fmt.Errorf("unrecognized judge reply: %q", truncate(text, 80))
	}
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}
