// Package retrieval ranks an agent's memories for prompt construction.
package retrieval

import (
	"math"
	"sort"
	"time"

	"github.com/nidhogg/nuka-memory/internal/model"
)

// Weights of the ranking signals.
type Weights struct {
	Similarity float64 `json:"similarity"`
	Recency    float64 `json:"recency"`
	Importance float64 `json:"importance"`
	Access     float64 `json:"access"`
}

// DefaultWeights returns the standard blend.
func DefaultWeights() Weights {
	return Weights{Similarity: 0.45, Recency: 0.20, Importance: 0.25, Access: 0.10}
}

// degraded drops the similarity and access signals and rescales the rest
// so scores keep the same range.
func (w Weights) degraded() Weights {
	sum := w.Recency + w.Importance
	if sum <= 0 {
		return Weights{Recency: 0.5, Importance: 0.5}
	}
	return Weights{Recency: w.Recency / sum, Importance: w.Importance / sum}
}

// Candidate is a record with its similarity to the query, zero when the
// query was not embedded.
type Candidate struct {
	Record     *model.MemoryRecord
	Similarity float64
}

// Scored is a ranked record.
type Scored struct {
	Record     *model.MemoryRecord `json:"record"`
	Score      float64             `json:"score"`
	Similarity float64             `json:"similarity"`
}

// Scorer computes the composite score.
type Scorer struct {
	Weights Weights
	// Tau is the recency time constant.
	Tau time.Duration
}

// Score is w.sim*max(0,sim) + w.rec*exp(-age/tau) + w.imp*(importance-1)/9
// + w.acc*(1-1/(1+ln(1+access))).
func (s Scorer) Score(c Candidate, now time.Time) float64 {
	r := c.Record
	w := s.Weights

	recency := 1.0
	if age := now.Sub(r.CreatedAt); age > 0 && s.Tau > 0 {
		recency = math.Exp(-float64(age) / float64(s.Tau))
	}
	importance := (model.ClampImportance(r.Importance) - model.MinImportance) / (model.MaxImportance - model.MinImportance)
	access := 1 - 1/(1+math.Log1p(float64(max(r.AccessCount, 0))))

	return w.Similarity*math.Max(0, c.Similarity) +
		w.Recency*recency +
		w.Importance*importance +
		w.Access*access
}

// Rank scores candidates and returns the best limit of them. Equal scores
// prefer higher importance, then the newer record.
func (s Scorer) Rank(cands []Candidate, now time.Time, limit int) []Scored {
	out := make([]Scored, 0, len(cands))
	seen := make(map[string]bool, len(cands))
	for _, c := range cands {
		if c.Record == nil || seen[c.Record.ID] {
			continue
		}
		seen[c.Record.ID] = true
		out = append(out, Scored{Record: c.Record, Score: s.Score(c, now), Similarity: c.Similarity})
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Record.Importance != b.Record.Importance {
			return a.Record.Importance > b.Record.Importance
		}
		if !a.Record.CreatedAt.Equal(b.Record.CreatedAt) {
			return a.Record.CreatedAt.After(b.Record.CreatedAt)
		}
		return a.Record.ID < b.Record.ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
