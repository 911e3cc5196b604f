// Package compress condenses an agent's aged raw memories into session
// summaries and rolls each day's summaries up into per-partition digests.
package compress

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/nuka-memory/internal/collab"
	"github.com/nidhogg/nuka-memory/internal/lock"
	"github.com/nidhogg/nuka-memory/internal/metrics"
	"github.com/nidhogg/nuka-memory/internal/model"
)

// Repository is the part of the store compression reads and commits to.
type Repository interface {
	ListUncompressed(ctx context.Context, agentID string, olderThan time.Time, limit int) ([]*model.MemoryRecord, error)
	CommitCompression(ctx context.Context, c model.Compression) error
	ListSummaries(ctx context.Context, agentID string, from, to time.Time, limit int) ([]*model.MemoryRecord, error)
	FindDigest(ctx context.Context, agentID, day string, p model.Partition) (*model.MemoryRecord, error)
}

// Writer stores digests and refreshes index entries.
type Writer interface {
	Write(ctx context.Context, rec *model.MemoryRecord) (*model.MemoryRecord, error)
	IndexRecord(ctx context.Context, rec *model.MemoryRecord) error
}

// Linker records provenance edges.
type Linker interface {
	LinkMemories(ctx context.Context, agentID, summaryID string, sourceIDs []string) error
}

// Config tunes batch selection and summaries.
type Config struct {
	MinAge          time.Duration
	BatchSize       int
	SessionGap      time.Duration
	MaxSummaryRunes int
	MaxDigestRunes  int
	// DigestInputs caps how many summaries one day contributes.
	DigestInputs int
	LockTTL      time.Duration
	Temperature  float64
	Importance   ImportanceRule
}

// DefaultConfig returns the standard tuning.
func DefaultConfig() Config {
	return Config{
		MinAge:          time.Hour,
		BatchSize:       100,
		SessionGap:      30 * time.Minute,
		MaxSummaryRunes: 400,
		MaxDigestRunes:  1200,
		DigestInputs:    200,
		LockTTL:         10 * time.Minute,
		Temperature:     0.2,
		Importance:      DefaultImportanceRule(),
	}
}

// Deps are the engine's collaborators. Gen, Graph and Metrics are optional;
// without Gen every summary is a truncation.
type Deps struct {
	Repo    Repository
	Memory  Writer
	Gen     collab.TextGenerator
	Locker  lock.Locker
	Graph   Linker
	Metrics *metrics.Metrics
}

// Engine runs compression and digest batches.
type Engine struct {
	Deps
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

// NewEngine creates an engine.
func NewEngine(d Deps, cfg Config, logger *zap.Logger) *Engine {
	if cfg.BatchSize == 0 {
		cfg = DefaultConfig()
	}
	return &Engine{Deps: d, cfg: cfg, logger: logger, now: time.Now}
}

// Result counts the outcome of one batch.
type Result struct {
	Groups     int `json:"groups"`
	Compressed int `json:"compressed"`
	Skipped    int `json:"skipped"`
}

const summarizePrompt = `You condense an AI agent's memory records into one short factual summary.
Keep names, numbers, dates, decisions and commitments exactly as written.
Write in the language of the records. Reply with the summary only.`

// Compress summarises one batch of the agent's aged raw records. Groups
// that fail are reported in a *model.PartialBatchFailure and picked up
// again by the next run.
func (e *Engine) Compress(ctx context.Context, agentID string) (Result, error) {
	release, err := e.Locker.Acquire(ctx, lock.AgentKey(agentID), e.cfg.LockTTL)
	if err != nil {
		return Result{}, err
	}
	defer release()

	now := e.now().UTC()
	recs, err := e.Repo.ListUncompressed(ctx, agentID, now.Add(-e.cfg.MinAge), e.cfg.BatchSize)
	if err != nil {
		return Result{}, fmt.Errorf("select batch: %w", err)
	}
	groups := GroupRecords(recs, e.cfg.SessionGap)

	res := Result{Groups: len(groups)}
	failed := &model.PartialBatchFailure{Job: "compress", Total: len(groups)}
	for _, g := range groups {
		err := e.CompressGroup(ctx, g)
		switch {
		case err == nil:
			res.Compressed++
		case errors.Is(err, model.ErrAlreadyCompressed):
			res.Skipped++
			err = nil
		default:
			failed.Add(g.Records[0].ID, err)
		}
		e.Metrics.BatchItem("compress", err)
	}

	e.logger.Info("compression batch done",
		zap.String("agent", agentID),
		zap.Int("groups", res.Groups),
		zap.Int("compressed", res.Compressed),
		zap.Int("failed", len(failed.Failures)))
	return res, failed.ErrOrNil()
}

// CompressGroup commits one group: the summary lands on the oldest record
// and every member is marked compressed, atomically. A group with any
// member already compressed is left alone and reports
// model.ErrAlreadyCompressed.
func (e *Engine) CompressGroup(ctx context.Context, g Group) error {
	if len(g.Records) == 0 {
		return nil
	}
	for _, r := range g.Records {
		if r.Compressed() {
			return fmt.Errorf("record %s: %w", r.ID, model.ErrAlreadyCompressed)
		}
	}

	now := e.now().UTC()
	rep := g.Records[0]
	summary := e.summarize(ctx, g)
	c := model.Compression{
		AgentID:          rep.AgentID,
		RepresentativeID: rep.ID,
		Summary:          summary,
		Importance:       e.cfg.Importance.Score(g, now),
		Tags:             unionTags(g.Records),
		MemberIDs:        g.IDs(),
		At:               now,
	}
	if err := e.Repo.CommitCompression(ctx, c); err != nil {
		return err
	}

	indexed := *rep
	indexed.Summary = c.Summary
	indexed.Importance = c.Importance
	indexed.Tags = c.Tags
	indexed.CompressedAt = &now
	if err := e.Memory.IndexRecord(ctx, &indexed); err != nil {
		e.logger.Warn("re-index summary failed", zap.String("id", rep.ID), zap.Error(err))
	}
	if len(g.Records) > 1 {
		e.link(ctx, rep.AgentID, rep.ID, c.MemberIDs[1:])
	}
	return nil
}

// summarize asks the generator for a summary of a multi-record group and
// falls back to truncation. A single record is truncated directly.
func (e *Engine) summarize(ctx context.Context, g Group) string {
	if len(g.Records) == 1 || e.Gen == nil {
		return e.truncatedSummary(g)
	}

	var b strings.Builder
	for _, r := range g.Records {
		fmt.Fprintf(&b, "[%s] %s\n", r.CreatedAt.UTC().Format("2006-01-02 15:04"), r.RawContent)
	}
	out, err := e.Gen.Complete(ctx, summarizePrompt, []collab.Message{{Role: "user", Content: b.String()}}, e.cfg.Temperature)
	if err != nil {
		e.logger.Warn("summary generation failed, truncating",
			zap.String("representative", g.Records[0].ID), zap.Error(err))
		return e.truncatedSummary(g)
	}
	return Truncate(out, e.cfg.MaxSummaryRunes)
}

func (e *Engine) truncatedSummary(g Group) string {
	parts := make([]string, len(g.Records))
	for i, r := range g.Records {
		parts[i] = strings.TrimSpace(r.RawContent)
	}
	return Truncate(strings.Join(parts, " / "), e.cfg.MaxSummaryRunes)
}

func (e *Engine) link(ctx context.Context, agentID, id string, sources []string) {
	if e.Graph == nil {
		return
	}
	if err := e.Graph.LinkMemories(ctx, agentID, id, sources); err != nil {
		e.logger.Warn("link memories failed", zap.String("id", id), zap.Error(err))
	}
}

func unionTags(recs []*model.MemoryRecord) []string {
	seen := make(map[string]bool)
	var tags []string
	for _, r := range recs {
		for _, t := range r.Tags {
			if !seen[t] {
				seen[t] = true
				tags = append(tags, t)
			}
		}
	}
	sort.Strings(tags)
	return tags
}
