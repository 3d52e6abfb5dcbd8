package memory

import (
	"context"
	"strings"
	"testing"
)

func TestComposeMergesTiers(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	record(t, s, TierShort, "research", "three competitors found", "run-2")
	record(t, s, TierShort, "elsewhere", "belongs to another run", "run-3")
	record(t, s, TierLong, "pricing", "enterprise pricing analysis for saas market", "run-1")
	record(t, s, TierLong, "recipes", "sourdough starter feeding schedule", "run-1")
	record(t, s, TierLong, "current", "saas pricing from this run", "run-2")
	record(t, s, TierEntity, "Acme", "main competitor", "run-1")
	record(t, s, TierEntity, "Globex", "supplier", "run-1")

	c, err := s.Compose(ctx, "run-2", ComposeRequest{Text: "Compare SaaS pricing against Acme"})
	if err != nil {
		t.Fatalf("Compose failed: %v", err)
	}

	if keys(c.ShortTerm) != "research" {
		t.Errorf("short-term = %s", keys(c.ShortTerm))
	}
	if keys(c.LongTerm) != "pricing" {
		t.Errorf("long-term = %s (current run and irrelevant records must be excluded)", keys(c.LongTerm))
	}
	if keys(c.Entities) != "Acme" {
		t.Errorf("entities = %s", keys(c.Entities))
	}

	out := c.Render()
	for _, want := range []string{"Earlier in this run", "From previous runs", "Known entities", "Acme: main competitor"} {
		if !strings.Contains(out, want) {
			t.Errorf("Render missing %q:\n%s", want, out)
		}
	}
}

func TestComposeDoesNotMutate(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	record(t, s, TierShort, "a", "alpha", "run-1")
	record(t, s, TierLong, "b", "alpha beta", "run-0")
	record(t, s, TierEntity, "alpha", "gamma", "run-0")

	before := map[Tier]int{}
	for _, tier := range Tiers {
		before[tier], _ = s.Count(ctx, tier)
	}

	for i := 0; i < 3; i++ {
		if _, err := s.Compose(ctx, "run-1", ComposeRequest{Text: "alpha"}); err != nil {
			t.Fatalf("Compose failed: %v", err)
		}
	}

	for _, tier := range Tiers {
		if n, _ := s.Count(ctx, tier); n != before[tier] {
			t.Errorf("%s count changed from %d to %d", tier, before[tier], n)
		}
	}
}

func TestComposeLimitPrefersBestThenNewest(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	record(t, s, TierLong, "old", "budget forecast", "run-1")
	record(t, s, TierLong, "best", "budget forecast revenue", "run-1")
	record(t, s, TierLong, "new", "budget forecast", "run-1")

	c, err := s.Compose(ctx, "run-9", ComposeRequest{Text: "budget forecast revenue", Limit: 2})
	if err != nil {
		t.Fatalf("Compose failed: %v", err)
	}
	if keys(c.LongTerm) != "best,new" {
		t.Errorf("long-term = %s", keys(c.LongTerm))
	}
}

func TestComposeEmpty(t *testing.T) {
	s := testStore(t)
	c, err := s.Compose(context.Background(), "run-1", ComposeRequest{Text: "anything"})
	if err != nil {
		t.Fatalf("Compose failed: %v", err)
	}
	if !c.Empty() || c.Render() != "" {
		t.Errorf("expected empty context, got %+v", c)
	}
}
