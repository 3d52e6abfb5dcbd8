package memory

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// ComposeRequest describes the task an agent is about to work on.
type ComposeRequest struct {
	Text  string // task description and expected output
	Limit int    // per tier, default 5
}

// Context is the merged view of all three tiers for one task.
type Context struct {
	ShortTerm []Record
	LongTerm  []Record
	Entities  []Record
}

// Empty reports whether no tier contributed anything.
func (c Context) Empty() bool {
	return len(c.ShortTerm) == 0 && len(c.LongTerm) == 0 && len(c.Entities) == 0
}

const maxRenderedValue = 600

// Render formats the context as a prompt section.
func (c Context) Render() string {
	if c.Empty() {
		return ""
	}
	var b strings.Builder
	section := func(title string, records []Record) {
		if len(records) == 0 {
			return
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(title + ":\n")
		for _, r := range records {
			fmt.Fprintf(&b, "- %s: %s\n", r.Key, truncate(r.Value, maxRenderedValue))
		}
	}
	section("Earlier in this run", c.ShortTerm)
	section("From previous runs", c.LongTerm)
	section("Known entities", c.Entities)
	return b.String()
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}

// Compose builds the memory context for a task in run runID:
// the run's own short-term records, long-term records from other runs
// ranked by word overlap with the request and then recency, and every
// entity whose key is mentioned in the request. Nothing is written.
func (s *Store) Compose(ctx context.Context, runID string, req ComposeRequest) (Context, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = 5
	}

	var out Context
	short, err := s.Query(ctx, TierShort, Filter{RunID: runID, Limit: limit})
	if err != nil {
		return Context{}, err
	}
	out.ShortTerm = short

	long, err := s.load(ctx, TierLong)
	if err != nil {
		return Context{}, err
	}
	out.LongTerm = rankLongTerm(long, runID, req.Text, limit)

	entities, err := s.load(ctx, TierEntity)
	if err != nil {
		return Context{}, err
	}
	text := strings.ToLower(req.Text)
	for _, e := range entities {
		if text != "" && strings.Contains(text, strings.ToLower(e.Key)) {
			out.Entities = append(out.Entities, e)
		}
	}
	if len(out.Entities) > limit {
		out.Entities = out.Entities[len(out.Entities)-limit:]
	}

	return out, nil
}

// rankLongTerm scores records from other runs by shared words with text.
// With no text, the most recent records are kept. Records are returned
// oldest first, like every other query.
func rankLongTerm(records []Record, runID, text string, limit int) []Record {
	type scored struct {
		idx   int
		score int
	}

	query := wordSet(text)
	var candidates []scored
	for i, r := range records {
		if runID != "" && r.RunID == runID {
			continue
		}
		score := 0
		if len(query) > 0 {
			for w := range wordSet(r.Key + " " + r.Value) {
				if _, ok := query[w]; ok {
					score++
				}
			}
			if score == 0 {
				continue
			}
		}
		candidates = append(candidates, scored{idx: i, score: score})
	}

	// Best score first, newer first on ties.
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].idx > candidates[j].idx
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].idx < candidates[j].idx
	})

	out := make([]Record, len(candidates))
	for i, c := range candidates {
		out[i] = records[c.idx]
	}
	return out
}

var wordRe = regexp.MustCompile(`[\p{L}\p{N}]+`)

// stopwords are too common to signal relevance.
var stopwords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "with": {}, "that": {}, "this": {}, "from": {},
	"are": {}, "was": {}, "were": {}, "you": {}, "your": {}, "into": {}, "about": {},
}

func wordSet(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, w := range wordRe.FindAllString(strings.ToLower(s), -1) {
		if len(w) < 3 {
			continue
		}
		if _, ok := stopwords[w]; ok {
			continue
		}
		set[w] = struct{}{}
	}
	return set
}
