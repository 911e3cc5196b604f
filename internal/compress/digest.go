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
	"github.com/nidhogg/nuka-memory/internal/model"
)

// DayFormat is the layout of digest days.
const DayFormat = "2006-01-02"

// DigestResult counts the outcome of one daily summary run.
type DigestResult struct {
	Partitions int `json:"partitions"`
	Written    int `json:"written"`
	Skipped    int `json:"skipped"`
}

const digestPrompt = `You write the daily digest of an AI agent's memory.
Merge the summaries below into one short paragraph covering what happened,
what was decided and what is still open. Keep names, numbers and dates.
Reply with the digest only.`

// DailySummary rolls the summaries created on day (UTC) into one digest per
// partition. Partitions that already have a digest for day are skipped.
func (e *Engine) DailySummary(ctx context.Context, agentID string, day time.Time) (DigestResult, error) {
	release, err := e.Locker.Acquire(ctx, lock.AgentKey(agentID), e.cfg.LockTTL)
	if err != nil {
		return DigestResult{}, err
	}
	defer release()

	from := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	dayKey := from.Format(DayFormat)
	summaries, err := e.Repo.ListSummaries(ctx, agentID, from, from.AddDate(0, 0, 1), e.cfg.DigestInputs)
	if err != nil {
		return DigestResult{}, fmt.Errorf("list summaries: %w", err)
	}

	byPart := make(map[model.Partition][]*model.MemoryRecord)
	var parts []model.Partition
	for _, s := range summaries {
		p := s.Partition()
		if _, ok := byPart[p]; !ok {
			parts = append(parts, p)
		}
		byPart[p] = append(byPart[p], s)
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].String() < parts[j].String() })

	res := DigestResult{Partitions: len(parts)}
	failed := &model.PartialBatchFailure{Job: "digest", Total: len(parts)}
	for _, p := range parts {
		wrote, err := e.digestPartition(ctx, agentID, dayKey, p, byPart[p])
		switch {
		case err != nil:
			failed.Add(p.String(), err)
		case wrote:
			res.Written++
		default:
			res.Skipped++
		}
		e.Metrics.BatchItem("digest", err)
	}
	return res, failed.ErrOrNil()
}

func (e *Engine) digestPartition(ctx context.Context, agentID, day string, p model.Partition, inputs []*model.MemoryRecord) (bool, error) {
	if _, err := e.Repo.FindDigest(ctx, agentID, day, p); err == nil {
		return false, nil
	} else if !errors.Is(err, model.ErrNotFound) {
		return false, err
	}

	// Oldest first reads naturally.
	sort.SliceStable(inputs, func(i, j int) bool { return inputs[i].CreatedAt.Before(inputs[j].CreatedAt) })
	lines := make([]string, len(inputs))
	ids := make([]string, len(inputs))
	importance := model.MinImportance
	for i, s := range inputs {
		lines[i] = "- " + s.Summary
		ids[i] = s.ID
		if s.Importance > importance {
			importance = s.Importance
		}
	}
	raw := strings.Join(lines, "\n")

	now := e.now().UTC()
	digest := &model.MemoryRecord{
		AgentID:         agentID,
		Type:            p.Type,
		Kind:            model.KindDigest,
		RawContent:      raw,
		Summary:         e.digestText(ctx, inputs, raw),
		Importance:      importance,
		Tags:            unionTags(inputs),
		LinkedMemoryIDs: ids,
		Scope:           model.ScopeFor(p.Type, p.ScopeKey),
		DigestDay:       day,
		CompressedAt:    &now,
		CreatedAt:       now,
	}
	rec, err := e.Memory.Write(ctx, digest)
	switch {
	case rec != nil:
		if err != nil {
			e.logger.Warn("digest stored without index entry", zap.String("id", rec.ID), zap.Error(err))
		}
	case errors.Is(err, model.ErrConcurrentUpdate):
		return false, nil
	default:
		return false, err
	}
	e.link(ctx, agentID, rec.ID, ids)
	return true, nil
}

func (e *Engine) digestText(ctx context.Context, inputs []*model.MemoryRecord, raw string) string {
	if len(inputs) == 1 || e.Gen == nil {
		return Truncate(strings.ReplaceAll(strings.TrimPrefix(raw, "- "), "\n- ", " "), e.cfg.MaxDigestRunes)
	}
	out, err := e.Gen.Complete(ctx, digestPrompt, []collab.Message{{Role: "user", Content: raw}}, e.cfg.Temperature)
	if err != nil {
		e.logger.Warn("digest generation failed, concatenating", zap.Error(err))
		return Truncate(strings.ReplaceAll(strings.TrimPrefix(raw, "- "), "\n- ", " "), e.cfg.MaxDigestRunes)
	}
	return Truncate(out, e.cfg.MaxDigestRunes)
}
