package retrieval

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/nidhogg/nuka-memory/internal/model"
)

var now = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func TestScore_Components(t *testing.T) {
	s := Scorer{Weights: DefaultWeights(), Tau: 72 * time.Hour}

	fresh := &model.MemoryRecord{ID: "a", Importance: 10, CreatedAt: now}
	assert.InDelta(t, 0.45+0.20+0.25, s.Score(Candidate{Record: fresh, Similarity: 1}, now), 1e-9)
	assert.InDelta(t, 0.20+0.25, s.Score(Candidate{Record: fresh, Similarity: -0.4}, now), 1e-9,
		"negative similarity counts as zero")

	old := &model.MemoryRecord{ID: "b", Importance: 1, CreatedAt: now.Add(-72 * time.Hour), AccessCount: 3}
	want := 0.20*0.36787944117 + 0.10*(1-1/(1+1.38629436112))
	assert.InDelta(t, want, s.Score(Candidate{Record: old}, now), 1e-9)
}

func TestRank_TieBreaks(t *testing.T) {
	s := Scorer{Weights: Weights{Similarity: 1}, Tau: time.Hour}
	cands := []Candidate{
		{Record: &model.MemoryRecord{ID: "low", Importance: 3, CreatedAt: now}, Similarity: 0.5},
		{Record: &model.MemoryRecord{ID: "old", Importance: 7, CreatedAt: now.Add(-time.Hour)}, Similarity: 0.5},
		{Record: &model.MemoryRecord{ID: "new", Importance: 7, CreatedAt: now}, Similarity: 0.5},
		{Record: &model.MemoryRecord{ID: "new", Importance: 7, CreatedAt: now}, Similarity: 0.5},
		{Record: &model.MemoryRecord{ID: "best", Importance: 1, CreatedAt: now}, Similarity: 0.9},
	}
	got := s.Rank(cands, now, 0)
	var ids []string
	for _, r := range got {
		ids = append(ids, r.Record.ID)
	}
	assert.Equal(t, []string{"best", "new", "old", "low"}, ids)
	assert.Len(t, s.Rank(cands, now, 2), 2)
}

func TestWeights_Degraded(t *testing.T) {
	d := DefaultWeights().degraded()
	assert.Zero(t, d.Similarity)
	assert.Zero(t, d.Access)
	assert.InDelta(t, 1.0, d.Recency+d.Importance, 1e-9)
	assert.InDelta(t, 0.25/0.45, d.Importance, 1e-9)
}

func TestRequest_Partitions(t *testing.T) {
	req := Request{AgentID: "a1", Scope: model.Scope{MeetingID: "m1"}}
	assert.Equal(t, []model.Partition{
		{Type: model.TypeMeeting, ScopeKey: "m1"},
		{Type: model.TypeInjected},
		{Type: model.TypeExecution},
	}, req.Partitions())

	req.ExcludeAgentWide = true
	assert.Equal(t, []model.Partition{{Type: model.TypeMeeting, ScopeKey: "m1"}}, req.Partitions())
}

func TestKeywordSimilarity(t *testing.T) {
	kw := tokenize("Async updates for Alice")
	assert.Equal(t, []string{"async", "updates", "for", "alice"}, kw)
	assert.InDelta(t, 0.69, keywordSimilarity(kw, "Alice Alice prefers async updates"), 1e-9)
	assert.Zero(t, keywordSimilarity(kw, "Apollo ships Fridays"))
	assert.Zero(t, keywordSimilarity(nil, "anything"))
}

func TestFormatContext_Budget(t *testing.T) {
	res := &Result{
		Learnings: []ScoredLearning{{Learning: &model.Learning{
			Subject: "Alice", Category: model.CategoryPerson, Confidence: 72, Insight: "prefers async updates",
		}}},
		Memories: []Scored{
			{Record: &model.MemoryRecord{Type: model.TypeTeam, RawContent: "retro moved", CreatedAt: now}},
			{Record: &model.MemoryRecord{Type: model.TypeTeam, RawContent: strings.Repeat("long ", 100), CreatedAt: now}},
		},
	}
	out := FormatContext(res, Budget{MaxTokens: 40})
	assert.Contains(t, out, "[What you have learned]\n- Alice (person, confidence 72): prefers async updates\n")
	assert.Contains(t, out, "[Memory Context]\n- [2026-06-01 team] retro moved\n")
	assert.NotContains(t, out, "long long")
	assert.NotContains(t, out, "[Recent days]")

	assert.Empty(t, FormatContext(&Result{}, DefaultBudget()))
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 1, EstimateTokens(""))
	assert.Equal(t, 5, EstimateTokens("twenty characters!!!"))
	assert.Equal(t, 4, EstimateTokens("안녕하세"))
}
