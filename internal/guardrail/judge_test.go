package guardrail

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"unicode/utf8"

	"github.com/aristath/crew/internal/backend"
)

func TestCriterion_MajorityVote(t *testing.T) {
	var n atomic.Int32
	// pass, fail, pass
	judge := JudgeFunc(func(ctx context.Context, criterion, output string) (Verdict, error) {
		if n.Add(1)%2 == 0 {
			return Verdict{Pass: false, Reason: "weak"}, nil
		}
		return Verdict{Pass: true}, nil
	})

	c := NewCriterion("is persuasive", judge, WithVotes(3))
	v, err := c.Check(context.Background(), "output")
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if !v.Pass {
		t.Errorf("Expected majority pass, got %+v", v)
	}
	if n.Load() != 3 {
		t.Errorf("judge called %d times, want 3", n.Load())
	}
}

func TestCriterion_FailCarriesReason(t *testing.T) {
	judge := JudgeFunc(func(context.Context, string, string) (Verdict, error) {
		return Verdict{Pass: false, Reason: "no numbers"}, nil
	})

	v, err := NewCriterion("includes metrics", judge).Check(context.Background(), "x")
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if v.Pass {
		t.Fatal("Expected failure")
	}
	if !strings.Contains(v.Reason, "includes metrics") || !strings.Contains(v.Reason, "no numbers") {
		t.Errorf("reason = %q", v.Reason)
	}
}

func TestCriterion_RetriesJudgeErrors(t *testing.T) {
	var n atomic.Int32
	judge := JudgeFunc(func(context.Context, string, string) (Verdict, error) {
		if n.Add(1) < 3 {
			return Verdict{}, errors.New("transient")
		}
		return Verdict{Pass: true}, nil
	})

	v, err := NewCriterion("ok", judge, WithJudgeRetries(3)).Check(context.Background(), "x")
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if !v.Pass {
		t.Error("Expected pass after retries")
	}
}

func TestCriterion_AllVotesError(t *testing.T) {
	judge := JudgeFunc(func(context.Context, string, string) (Verdict, error) {
		return Verdict{}, errors.New("down")
	})

	_, err := NewCriterion("ok", judge, WithJudgeRetries(0)).Check(context.Background(), "x")
	if err == nil {
		t.Fatal("Expected error when the judge never answers")
	}
}

func TestWithVotes_RoundsToOdd(t *testing.T) {
	c := NewCriterion("x", nil, WithVotes(4))
	if c.votes != 5 {
		t.Errorf("votes = %d, want 5", c.votes)
	}
	c = NewCriterion("x", nil, WithVotes(0))
	if c.votes != 1 {
		t.Errorf("votes = %d, want 1", c.votes)
	}
}

func TestParseVerdict(t *testing.T) {
	tests := []struct {
		reply   string
		pass    bool
		reason  string
		wantErr bool
	}{
		{reply: "PASS: looks good", pass: true},
		{reply: "  pass", pass: true},
		{reply: "FAIL: missing timeline", reason: "missing timeline"},
		{reply: "REJECTED: 1. no sources", reason: "1. no sources"},
		{reply: "maybe?", wantErr: true},
	}

	for _, tt := range tests {
		v, err := ParseVerdict(tt.reply)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseVerdict(%q) expected error", tt.reply)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseVerdict(%q) error: %v", tt.reply, err)
			continue
		}
		if v.Pass != tt.pass || v.Reason != tt.reason {
			t.Errorf("ParseVerdict(%q) = %+v", tt.reply, v)
		}
	}
}

func TestParseVerdict_LongReplyKeepsRunesWhole(t *testing.T) {
	reply := strings.Repeat("é", 79) + "ü" + strings.Repeat("ö", 20)
	_, err := ParseVerdict(reply)
	if err == nil {
		t.Fatal("expected error for unrecognized reply")
	}
	if !utf8.ValidString(err.Error()) {
		t.Errorf("error text is not valid UTF-8: %q", err.Error())
	}
	if !strings.Contains(err.Error(), "ü...") {
		t.Errorf("error = %q, want reply cut after 80 characters", err.Error())
	}
}

type replyBackend struct{ reply string }

func (b replyBackend) Send(context.Context, backend.Message) (backend.Response, error) {
	return backend.Response{Content: b.reply}, nil
}
func (b replyBackend) Close() error { return nil }
func (b replyBackend) Name() string { return "reply" }

func TestModelJudge(t *testing.T) {
	j := NewModelJudge(replyBackend{reply: "FAIL: too vague"})
	v, err := j.Judge(context.Background(), "be specific", "stuff")
	if err != nil {
		t.Fatalf("Judge failed: %v", err)
	}
	if v.Pass || v.Reason != "too vague" {
		t.Errorf("verdict = %+v", v)
	}
}
