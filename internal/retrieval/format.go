package retrieval

import (
	"fmt"
	"strings"
)

// Budget bounds the rendered context.
type Budget struct {
	MaxTokens int
	MaxBlocks int
}

// DefaultBudget returns the standard budget.
func DefaultBudget() Budget {
	return Budget{MaxTokens: 2000, MaxBlocks: 12}
}

// FormatContext renders res as a system prompt section. Blocks that would
// exceed the budget are left out; higher ranked blocks go first.
func FormatContext(res *Result, budget Budget) string {
	if res == nil {
		return ""
	}
	if budget.MaxTokens == 0 {
		budget = DefaultBudget()
	}

	p := packer{budget: budget}
	var learnings, digests, memories []string
	for _, l := range res.Learnings {
		line := fmt.Sprintf("- %s (%s, confidence %.0f): %s",
			l.Learning.Subject, l.Learning.Category, l.Learning.Confidence, l.Learning.Insight)
		if p.fit(line) {
			learnings = append(learnings, line)
		}
	}
	for _, d := range res.Digests {
		line := fmt.Sprintf("- %s %s: %s", d.DigestDay, d.Partition(), d.Text())
		if p.fit(line) {
			digests = append(digests, line)
		}
	}
	for _, s := range res.Memories {
		r := s.Record
		line := fmt.Sprintf("- [%s %s] %s", r.CreatedAt.UTC().Format("2006-01-02"), r.Type, r.Text())
		if p.fit(line) {
			memories = append(memories, line)
		}
	}

	var b strings.Builder
	section := func(title string, lines []string) {
		if len(lines) == 0 {
			return
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(title + "\n")
		for _, l := range lines {
			b.WriteString(l + "\n")
		}
	}
	section("[What you have learned]", learnings)
	section("[Recent days]", digests)
	section("[Memory Context]", memories)
	return b.String()
}

type packer struct {
	budget Budget
	tokens int
	blocks int
}

func (p *packer) fit(line string) bool {
	if p.budget.MaxBlocks > 0 && p.blocks >= p.budget.MaxBlocks {
		return false
	}
	est := EstimateTokens(line)
	if p.tokens+est > p.budget.MaxTokens {
		return false
	}
	p.tokens += est
	p.blocks++
	return true
}

// EstimateTokens gives a rough token count: about four bytes per token,
// and one per rune for CJK-heavy text.
func EstimateTokens(s string) int {
	n := len(s) / 4
	if runes := len([]rune(s)); runes < len(s)/2 {
		n = runes
	}
	if n < 1 {
		return 1
	}
	return n
}
