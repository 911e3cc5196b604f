package insight

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-memory/internal/collab"
	"github.com/nidhogg/nuka-memory/internal/compress"
	"github.com/nidhogg/nuka-memory/internal/lock"
	"github.com/nidhogg/nuka-memory/internal/metrics"
	"github.com/nidhogg/nuka-memory/internal/model"
)

// Repository is the storage the extractor reads summaries from and keeps
// learnings in.
type Repository interface {
	ListSummaries(ctx context.Context, agentID string, from, to time.Time, limit int) ([]*model.MemoryRecord, error)
	FindLearning(ctx context.Context, agentID string, category model.Category, subject string) (*model.Learning, error)
	InsertLearning(ctx context.Context, l *model.Learning) error
	UpdateLearning(ctx context.Context, l *model.Learning, expectedVersion int) error
	ListLearnings(ctx context.Context, agentID string, limit int) ([]*model.Learning, error)
}

// Linker records which memories a learning rests on.
type Linker interface {
	LinkLearning(ctx context.Context, l *model.Learning) error
}

// Config tunes extraction.
type Config struct {
	Lookback    time.Duration
	MinEvidence int
	// BatchSize caps the summaries read per run.
	BatchSize int
	// PromptInputs caps the summaries shown to the generator per subject.
	PromptInputs       int
	FallbackConfidence float64
	Temperature        float64
	LockTTL            time.Duration
}

// DefaultConfig returns the standard tuning.
func DefaultConfig() Config {
	return Config{
		Lookback:           30 * 24 * time.Hour,
		MinEvidence:        3,
		BatchSize:          500,
		PromptInputs:       20,
		FallbackConfidence: 40,
		Temperature:        0.3,
		LockTTL:            10 * time.Minute,
	}
}

// Deps are the extractor's collaborators. Gen, Graph and Metrics are
// optional.
type Deps struct {
	Repo    Repository
	Gen     collab.TextGenerator
	Locker  lock.Locker
	Graph   Linker
	Metrics *metrics.Metrics
}

// Extractor runs insight extraction batches.
type Extractor struct {
	Deps
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

// NewExtractor creates an extractor.
func NewExtractor(d Deps, cfg Config, logger *zap.Logger) *Extractor {
	if cfg.MinEvidence == 0 {
		cfg = DefaultConfig()
	}
	return &Extractor{Deps: d, cfg: cfg, logger: logger, now: time.Now}
}

// Result counts the outcome of one extraction run.
type Result struct {
	Clusters   int `json:"clusters"`
	Created    int `json:"created"`
	Reinforced int `json:"reinforced"`
	Superseded int `json:"superseded"`
	Skipped    int `json:"skipped"`
}

func (r *Result) count(a Action) {
	switch a {
	case ActionCreate:
		r.Created++
	case ActionReinforce:
		r.Reinforced++
	case ActionSupersede:
		r.Superseded++
	default:
		r.Skipped++
	}
}

// Cluster is the set of summaries sharing one subject tag.
type Cluster struct {
	Category  model.Category
	Subject   string
	SubjectID string
	Tag       string
	Records   []*model.MemoryRecord
}

// ClusterBySubject groups records by their subject tags, case-insensitive
// on the subject. A record with several subject tags joins each cluster.
// Clusters come back largest first.
func ClusterBySubject(recs []*model.MemoryRecord) []*Cluster {
	byKey := make(map[string]*Cluster)
	var out []*Cluster
	for _, r := range recs {
		joined := make(map[string]bool)
		for _, tag := range r.Tags {
			st, ok := model.ParseSubjectTag(tag)
			if !ok || joined[st.Key()] {
				continue
			}
			joined[st.Key()] = true
			c, ok := byKey[st.Key()]
			if !ok {
				c = &Cluster{Category: st.Category, Subject: st.Subject, Tag: tag}
				byKey[st.Key()] = c
				out = append(out, c)
			}
			if c.SubjectID == "" {
				c.SubjectID = st.SubjectID
			}
			c.Records = append(c.Records, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return len(out[i].Records) > len(out[j].Records) })
	return out
}

// Extract clusters the agent's recent summaries by subject and merges one
// proposal per qualifying cluster into the agent's learnings. Clusters
// that fail are reported in a *model.PartialBatchFailure.
func (x *Extractor) Extract(ctx context.Context, agentID string) (Result, error) {
	release, err := x.Locker.Acquire(ctx, lock.AgentKey(agentID), x.cfg.LockTTL)
	if err != nil {
		return Result{}, err
	}
	defer release()

	now := x.now().UTC()
	summaries, err := x.Repo.ListSummaries(ctx, agentID, now.Add(-x.cfg.Lookback), now.Add(time.Second), x.cfg.BatchSize)
	if err != nil {
		return Result{}, fmt.Errorf("list summaries: %w", err)
	}

	var res Result
	var clusters []*Cluster
	for _, c := range ClusterBySubject(summaries) {
		if len(c.Records) >= x.cfg.MinEvidence {
			clusters = append(clusters, c)
		}
	}
	res.Clusters = len(clusters)

	failed := &model.PartialBatchFailure{Job: "insight", Total: len(clusters)}
	for _, c := range clusters {
		action, err := x.extractCluster(ctx, agentID, c)
		x.Metrics.BatchItem("insight", err)
		if err != nil {
			failed.Add(c.Tag, err)
			continue
		}
		res.count(action)
		x.Metrics.LearningMerged(string(action))
	}

	x.logger.Info("insight batch done",
		zap.String("agent", agentID),
		zap.Int("clusters", res.Clusters),
		zap.Int("created", res.Created),
		zap.Int("reinforced", res.Reinforced),
		zap.Int("superseded", res.Superseded),
		zap.Int("failed", len(failed.Failures)))
	return res, failed.ErrOrNil()
}

// Learnings lists the agent's learnings, most confident first.
func (x *Extractor) Learnings(ctx context.Context, agentID string, limit int) ([]*model.Learning, error) {
	if limit <= 0 {
		limit = 50
	}
	return x.Repo.ListLearnings(ctx, agentID, limit)
}

func (x *Extractor) extractCluster(ctx context.Context, agentID string, c *Cluster) (Action, error) {
	existing, err := x.find(ctx, agentID, c)
	if err != nil {
		return "", err
	}
	if len(freshSources(existing, clusterIDs(c))) == 0 {
		return ActionSkip, nil
	}

	p := x.propose(ctx, agentID, c, existing)
	for attempt := 0; ; attempt++ {
		res := Merge(existing, p, x.now().UTC())
		if res.Action == ActionSkip {
			return ActionSkip, nil
		}
		err = x.save(ctx, existing, res)
		if err == nil {
			x.link(ctx, res.Learning)
			return res.Action, nil
		}
		if !errors.Is(err, model.ErrConcurrentUpdate) || attempt > 0 {
			return "", err
		}
		if existing, err = x.find(ctx, agentID, c); err != nil {
			return "", err
		}
	}
}

func (x *Extractor) find(ctx context.Context, agentID string, c *Cluster) (*model.Learning, error) {
	l, err := x.Repo.FindLearning(ctx, agentID, c.Category, c.Subject)
	if errors.Is(err, model.ErrNotFound) {
		return nil, nil
	}
	return l, err
}

func (x *Extractor) save(ctx context.Context, existing *model.Learning, res MergeResult) error {
	if existing == nil {
		res.Learning.ID = uuid.New().String()
		res.Learning.Version = 1
		return x.Repo.InsertLearning(ctx, res.Learning)
	}
	return x.Repo.UpdateLearning(ctx, res.Learning, existing.Version)
}

func (x *Extractor) link(ctx context.Context, l *model.Learning) {
	if x.Graph == nil {
		return
	}
	if err := x.Graph.LinkLearning(ctx, l); err != nil {
		x.logger.Warn("link learning failed", zap.String("id", l.ID), zap.Error(err))
	}
}

const proposePrompt = `You study an AI agent's memory summaries about one subject and state the
single most useful durable insight they support.
Reply with JSON only: {"insight": "...", "confidence": 0-100, "contradicts": true|false}.
Set "contradicts" to true only when the summaries clearly contradict the current insight.`

type proposalReply struct {
	Insight     string  `json:"insight"`
	Confidence  float64 `json:"confidence"`
	Contradicts bool    `json:"contradicts"`
}

// propose asks the generator for an insight about c and falls back to the
// most important summary when the generator is unavailable or its reply
// cannot be decoded.
func (x *Extractor) propose(ctx context.Context, agentID string, c *Cluster, existing *model.Learning) Proposal {
	recs := byImportance(c.Records)
	p := Proposal{
		AgentID:   agentID,
		Category:  c.Category,
		Subject:   c.Subject,
		SubjectID: c.SubjectID,
		SourceIDs: clusterIDs(c),
		Tags:      []string{c.Tag},
	}
	if existing != nil && existing.SubjectID != "" {
		p.SubjectID = existing.SubjectID
	}

	if x.Gen != nil {
		reply, err := x.Gen.Complete(ctx, proposePrompt,
			[]collab.Message{{Role: "user", Content: promptBody(c, recs, existing, x.cfg.PromptInputs)}},
			x.cfg.Temperature)
		var out proposalReply
		if err == nil {
			err = collab.DecodeJSONReply(reply, &out)
		}
		if err == nil && strings.TrimSpace(out.Insight) != "" {
			p.Insight = compress.Truncate(out.Insight, 500)
			p.Confidence = clampConfidence(out.Confidence)
			p.Contradicts = out.Contradicts && existing != nil
			return p
		}
		x.logger.Warn("insight generation failed, using heuristic",
			zap.String("subject", c.Tag), zap.Error(err))
	}

	p.Insight = compress.Truncate(recs[0].Text(), 500)
	p.Confidence = x.cfg.FallbackConfidence
	return p
}

func promptBody(c *Cluster, recs []*model.MemoryRecord, existing *model.Learning, max int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Subject: %s (%s)\n", c.Subject, c.Category)
	if existing != nil {
		fmt.Fprintf(&b, "Current insight (confidence %.0f): %s\n", existing.Confidence, existing.Insight)
	}
	b.WriteString("Summaries:\n")
	for i, r := range recs {
		if i == max {
			break
		}
		fmt.Fprintf(&b, "- [%s] %s\n", r.CreatedAt.UTC().Format(compress.DayFormat), r.Text())
	}
	return b.String()
}

func byImportance(recs []*model.MemoryRecord) []*model.MemoryRecord {
	out := append([]*model.MemoryRecord(nil), recs...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Importance != out[j].Importance {
			return out[i].Importance > out[j].Importance
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

func clusterIDs(c *Cluster) []string {
	ids := make([]string, len(c.Records))
	for i, r := range c.Records {
		ids[i] = r.ID
	}
	return ids
}
