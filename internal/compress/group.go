package compress

import (
	"math"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/nidhogg/nuka-memory/internal/model"
)

// Group is a run of records from one session of one partition.
type Group struct {
	Partition model.Partition
	SessionID string
	// Records are oldest first; the first is the representative.
	Records []*model.MemoryRecord
}

// IDs returns the ids of the group's records.
func (g Group) IDs() []string {
	ids := make([]string, len(g.Records))
	for i, r := range g.Records {
		ids[i] = r.ID
	}
	return ids
}

// GroupRecords splits records into sessions: same partition, same session
// id, and no more than gap between consecutive records.
func GroupRecords(recs []*model.MemoryRecord, gap time.Duration) []Group {
	sorted := append([]*model.MemoryRecord(nil), recs...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].CreatedAt.Equal(sorted[j].CreatedAt) {
			return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
		}
		return sorted[i].ID < sorted[j].ID
	})

	type key struct {
		part    model.Partition
		session string
	}
	open := make(map[key]int)
	var groups []Group
	for _, r := range sorted {
		k := key{part: r.Partition(), session: r.SessionID}
		if i, ok := open[k]; ok {
			last := groups[i].Records[len(groups[i].Records)-1]
			if r.CreatedAt.Sub(last.CreatedAt) <= gap {
				groups[i].Records = append(groups[i].Records, r)
				continue
			}
		}
		open[k] = len(groups)
		groups = append(groups, Group{Partition: k.part, SessionID: r.SessionID, Records: []*model.MemoryRecord{r}})
	}
	return groups
}

// ImportanceRule scores a compressed group.
type ImportanceRule struct {
	DecisionBonus float64
	// Groups whose newest record is older than RecencyGrace lose up to one
	// point, reached after a further RecencySpan.
	RecencyGrace time.Duration
	RecencySpan  time.Duration
}

// DefaultImportanceRule returns the standard rule.
func DefaultImportanceRule() ImportanceRule {
	return ImportanceRule{DecisionBonus: 2, RecencyGrace: 7 * 24 * time.Hour, RecencySpan: 30 * 24 * time.Hour}
}

// Score is mean importance + log2(size) + the decision bonus - the recency
// penalty, clamped to [1, 10].
func (ir ImportanceRule) Score(g Group, now time.Time) float64 {
	if len(g.Records) == 0 {
		return model.DefaultImportance
	}
	var sum float64
	decision := false
	newest := g.Records[0].CreatedAt
	for _, r := range g.Records {
		sum += r.Importance
		if !decision && HasDecisionLanguage(r.RawContent) {
			decision = true
		}
		if r.CreatedAt.After(newest) {
			newest = r.CreatedAt
		}
	}
	score := sum/float64(len(g.Records)) + math.Log2(float64(len(g.Records)))
	if decision {
		score += ir.DecisionBonus
	}
	if age := now.Sub(newest); age > ir.RecencyGrace && ir.RecencySpan > 0 {
		score -= math.Min(1, float64(age-ir.RecencyGrace)/float64(ir.RecencySpan))
	}
	return model.ClampImportance(score)
}

var (
	decisionWords  = map[string]bool{"will": true, "must": true, "shall": true}
	decisionStems  = []string{"decid", "decision", "agree", "commit", "promis", "deadline"}
	decisionPhrase = []string{"결정", "약속", "决定", "承诺", "約束"}
)

// HasDecisionLanguage reports whether text records a decision or a
// commitment.
func HasDecisionLanguage(text string) bool {
	for _, p := range decisionPhrase {
		if strings.Contains(text, p) {
			return true
		}
	}
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
	for _, w := range words {
		if decisionWords[w] || strings.HasSuffix(w, "'ll") {
			return true
		}
		for _, stem := range decisionStems {
			if strings.HasPrefix(w, stem) {
				return true
			}
		}
	}
	return false
}

// Truncate shortens text to at most n runes, marking the cut with "…".
func Truncate(text string, n int) string {
	text = strings.TrimSpace(text)
	runes := []rune(text)
	if n <= 0 || len(runes) <= n {
		return text
	}
	return strings.TrimSpace(string(runes[:n-1])) + "…"
}
