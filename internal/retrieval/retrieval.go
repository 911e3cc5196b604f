package retrieval

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/nuka-memory/internal/memory"
	"github.com/nidhogg/nuka-memory/internal/metrics"
	"github.com/nidhogg/nuka-memory/internal/model"
)

// Memories is the memory store as seen by the retriever.
type Memories interface {
	Search(ctx context.Context, p memory.SearchParams) ([]memory.Hit, error)
	ReadByScope(ctx context.Context, q model.ScopeQuery) ([]*model.MemoryRecord, error)
	Touch(ctx context.Context, agentID string, ids []string) error
}

// Repository supplies digests and learnings.
type Repository interface {
	LatestDigest(ctx context.Context, agentID string, p model.Partition) (*model.MemoryRecord, error)
	ListLearnings(ctx context.Context, agentID string, limit int) ([]*model.Learning, error)
}

// Config tunes retrieval.
type Config struct {
	Weights Weights
	Tau     time.Duration
	// CandidateFactor multiplies the limit to size the candidate pool.
	CandidateFactor int
	DefaultLimit    int
	MaxLimit        int
	LearningLimit   int
	// Learnings under MinConfidence are not shown.
	MinConfidence float64
}

// DefaultConfig returns the standard tuning.
func DefaultConfig() Config {
	return Config{
		Weights:         DefaultWeights(),
		Tau:             72 * time.Hour,
		CandidateFactor: 4,
		DefaultLimit:    10,
		MaxLimit:        50,
		LearningLimit:   5,
		MinConfidence:   30,
	}
}

// Request describes one retrieval for a prompt.
type Request struct {
	AgentID string `json:"agent_id"`
	Query   string `json:"query"`
	// Scope is the requester's context: the relationship, meeting or team
	// the prompt is for.
	Scope model.Scope `json:"scope"`
	// Types narrows the eligible memory types; empty means all.
	Types []model.MemoryType `json:"types,omitempty"`
	Limit int                `json:"limit,omitempty"`
	// ExcludeAgentWide drops injected and execution memories.
	ExcludeAgentWide bool `json:"exclude_agent_wide,omitempty"`
}

// ScoredLearning is a ranked learning.
type ScoredLearning struct {
	Learning *model.Learning `json:"learning"`
	Score    float64         `json:"score"`
}

// Result is the ranked context for one prompt.
type Result struct {
	Memories  []Scored              `json:"memories"`
	Digests   []*model.MemoryRecord `json:"digests,omitempty"`
	Learnings []ScoredLearning      `json:"learnings,omitempty"`
	// Degraded is set when semantic search failed and ranking fell back to
	// recency and importance.
	Degraded bool `json:"degraded"`
}

// Retriever builds ranked prompt context.
type Retriever struct {
	memories Memories
	repo     Repository
	cfg      Config
	metrics  *metrics.Metrics
	logger   *zap.Logger
	now      func() time.Time
}

// NewRetriever creates a retriever. m may be nil.
func NewRetriever(memories Memories, repo Repository, cfg Config, m *metrics.Metrics, logger *zap.Logger) *Retriever {
	if cfg.CandidateFactor == 0 {
		cfg = DefaultConfig()
	}
	return &Retriever{memories: memories, repo: repo, cfg: cfg, metrics: m, logger: logger, now: time.Now}
}

// Partitions returns the partitions req may read.
func (req Request) Partitions() []model.Partition {
	types := req.Types
	if len(types) == 0 {
		types = model.AllMemoryTypes()
	}
	if req.ExcludeAgentWide {
		kept := types[:0:0]
		for _, t := range types {
			if !t.AgentWide() {
				kept = append(kept, t)
			}
		}
		types = kept
	}
	return model.EligiblePartitions(types, req.Scope)
}

// Retrieve ranks the memories the requester may see. Eligibility is
// decided before ranking. When the query cannot be embedded or the index
// is down, ranking falls back to recency and importance over each
// partition's newest records and the result is marked Degraded.
func (r *Retriever) Retrieve(ctx context.Context, req Request) (*Result, error) {
	if strings.TrimSpace(req.AgentID) == "" {
		return nil, fmt.Errorf("%w: agent_id is required", model.ErrInvalidScope)
	}
	start := r.now()
	limit := req.Limit
	switch {
	case limit <= 0:
		limit = r.cfg.DefaultLimit
	case limit > r.cfg.MaxLimit:
		limit = r.cfg.MaxLimit
	}
	parts := req.Partitions()
	res := &Result{}

	scorer := Scorer{Weights: r.cfg.Weights, Tau: r.cfg.Tau}
	var cands []Candidate
	if len(parts) > 0 {
		var err error
		if strings.TrimSpace(req.Query) != "" {
			cands, err = r.semantic(ctx, req, limit*r.cfg.CandidateFactor)
			if err != nil {
				r.logger.Warn("semantic retrieval failed, ranking by recency and importance",
					zap.String("agent", req.AgentID), zap.Error(err))
				res.Degraded = true
				scorer.Weights = scorer.Weights.degraded()
			}
		}
		if cands == nil {
			cands, err = r.browse(ctx, req.AgentID, parts, limit*r.cfg.CandidateFactor)
			if err != nil {
				return nil, err
			}
		}
	}

	now := r.now().UTC()
	res.Memories = scorer.Rank(cands, now, limit)
	res.Digests = r.digests(ctx, req.AgentID, parts)
	res.Learnings = r.learnings(ctx, req.AgentID, req.Query)

	if len(res.Memories) > 0 {
		ids := make([]string, len(res.Memories))
		for i, s := range res.Memories {
			ids[i] = s.Record.ID
		}
		if err := r.memories.Touch(ctx, req.AgentID, ids); err != nil {
			r.logger.Warn("touch retrieved memories failed", zap.String("agent", req.AgentID), zap.Error(err))
		}
	}
	r.metrics.Retrieval(start, res.Degraded)
	return res, nil
}

func (r *Retriever) semantic(ctx context.Context, req Request, n int) ([]Candidate, error) {
	types := make([]model.MemoryType, 0, 5)
	for _, p := range req.Partitions() {
		types = append(types, p.Type)
	}
	hits, err := r.memories.Search(ctx, memory.SearchParams{
		AgentID: req.AgentID, Query: req.Query, Types: types, Scope: req.Scope, Limit: n,
	})
	if err != nil {
		return nil, err
	}
	cands := make([]Candidate, 0, len(hits))
	for _, h := range hits {
		if h.Record.Kind == model.KindDigest {
			continue
		}
		cands = append(cands, Candidate{Record: h.Record, Similarity: h.Similarity})
	}
	return cands, nil
}

// browse collects the newest records of every partition, skipping records
// folded into a summary and digests.
func (r *Retriever) browse(ctx context.Context, agentID string, parts []model.Partition, n int) ([]Candidate, error) {
	cands := []Candidate{}
	for _, p := range parts {
		recs, err := r.memories.ReadByScope(ctx, model.ScopeQuery{AgentID: agentID, Partition: p, Limit: n})
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", p, err)
		}
		for _, rec := range recs {
			if rec.Absorbed() || rec.Kind == model.KindDigest {
				continue
			}
			cands = append(cands, Candidate{Record: rec})
		}
	}
	return cands, nil
}

func (r *Retriever) digests(ctx context.Context, agentID string, parts []model.Partition) []*model.MemoryRecord {
	var out []*model.MemoryRecord
	for _, p := range parts {
		d, err := r.repo.LatestDigest(ctx, agentID, p)
		if errors.Is(err, model.ErrNotFound) {
			continue
		}
		if err != nil {
			r.logger.Warn("load digest failed", zap.String("partition", p.String()), zap.Error(err))
			continue
		}
		out = append(out, d)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].DigestDay > out[j].DigestDay })
	return out
}

// learnings ranks the agent's learnings by confidence, boosted by keyword
// overlap with the query.
func (r *Retriever) learnings(ctx context.Context, agentID, query string) []ScoredLearning {
	if r.cfg.LearningLimit <= 0 {
		return nil
	}
	all, err := r.repo.ListLearnings(ctx, agentID, 100)
	if err != nil {
		r.logger.Warn("load learnings failed", zap.String("agent", agentID), zap.Error(err))
		return nil
	}
	keywords := tokenize(query)
	var out []ScoredLearning
	for _, l := range all {
		if l.Confidence < r.cfg.MinConfidence {
			continue
		}
		overlap := keywordSimilarity(keywords, l.Subject+" "+l.Insight)
		out = append(out, ScoredLearning{Learning: l, Score: l.Confidence / 100 * (0.5 + 0.5*overlap)})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > r.cfg.LearningLimit {
		out = out[:r.cfg.LearningLimit]
	}
	return out
}
