// Package insight distils recurring subjects in compressed memories into
// durable, confidence-scored learnings.
package insight

import (
	"slices"
	"time"

	"github.com/nidhogg/nuka-memory/internal/model"
)

// Action is the outcome of merging a proposal into a learning.
type Action string

const (
	ActionCreate    Action = "create"
	ActionReinforce Action = "reinforce"
	ActionSupersede Action = "supersede"
	ActionSkip      Action = "skip"
)

// reinforceGain is the share of the remaining distance to 100 that the
// first piece of evidence closes.
const reinforceGain = 0.3

const maxHistory = 10

// Proposal is an insight suggested for one subject.
type Proposal struct {
	AgentID     string
	Category    model.Category
	Subject     string
	SubjectID   string
	Insight     string
	Confidence  float64
	Contradicts bool
	SourceIDs   []string
	Tags        []string
}

// MergeResult is the learning after a merge. Learning is nil for
// ActionSkip.
type MergeResult struct {
	Action      Action
	Learning    *model.Learning
	NewEvidence int
}

// Merge applies p to existing, which may be nil. Sources already counted
// by existing are ignored; a proposal with no new sources is skipped.
//
// Reinforcement moves confidence toward 100 once per new source, each step
// closing (100-C)*0.3/(E+1) of the gap, so every step is smaller than the
// last. A contradicting proposal supersedes the insight: confidence and
// evidence restart from the proposal and the old insight goes to History.
func Merge(existing *model.Learning, p Proposal, now time.Time) MergeResult {
	fresh := freshSources(existing, p.SourceIDs)
	if len(fresh) == 0 {
		return MergeResult{Action: ActionSkip}
	}

	if existing == nil {
		return MergeResult{
			Action:      ActionCreate,
			NewEvidence: len(fresh),
			Learning: &model.Learning{
				AgentID:       p.AgentID,
				Category:      p.Category,
				Subject:       p.Subject,
				SubjectID:     p.SubjectID,
				Insight:       p.Insight,
				Confidence:    clampConfidence(p.Confidence),
				EvidenceCount: len(fresh),
				SourceIDs:     fresh,
				Tags:          union(nil, p.Tags),
				CreatedAt:     now,
				UpdatedAt:     now,
			},
		}
	}

	l := clone(existing)
	l.UpdatedAt = now
	l.Tags = union(l.Tags, p.Tags)
	if l.SubjectID == "" {
		l.SubjectID = p.SubjectID
	}

	if p.Contradicts {
		l.History = append(l.History, model.LearningRevision{
			Insight:       l.Insight,
			Confidence:    l.Confidence,
			EvidenceCount: l.EvidenceCount,
			SupersededAt:  now,
		})
		if len(l.History) > maxHistory {
			l.History = l.History[len(l.History)-maxHistory:]
		}
		l.Insight = p.Insight
		l.Confidence = clampConfidence(p.Confidence)
		l.EvidenceCount = len(fresh)
		l.SourceIDs = fresh
		return MergeResult{Action: ActionSupersede, Learning: l, NewEvidence: len(fresh)}
	}

	for range fresh {
		l.Confidence = Reinforce(l.Confidence, l.EvidenceCount)
		l.EvidenceCount++
	}
	l.SourceIDs = append(l.SourceIDs, fresh...)
	return MergeResult{Action: ActionReinforce, Learning: l, NewEvidence: len(fresh)}
}

// Reinforce returns the confidence after one more piece of evidence on a
// learning backed by evidence pieces so far.
func Reinforce(confidence float64, evidence int) float64 {
	if evidence < 0 {
		evidence = 0
	}
	c := clampConfidence(confidence)
	return clampConfidence(c + (100-c)*reinforceGain/float64(evidence+1))
}

func freshSources(existing *model.Learning, ids []string) []string {
	seen := make(map[string]bool, len(ids))
	var out []string
	for _, id := range ids {
		if id == "" || seen[id] || (existing != nil && existing.HasSource(id)) {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func union(a, b []string) []string {
	out := slices.Clone(a)
	for _, s := range b {
		if !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}

func clampConfidence(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	}
	return v
}

func clone(l *model.Learning) *model.Learning {
	c := *l
	c.SourceIDs = slices.Clone(l.SourceIDs)
	c.Tags = slices.Clone(l.Tags)
	c.History = slices.Clone(l.History)
	return &c
}
