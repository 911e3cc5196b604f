// Package memory is the agent memory store: validated writes into a durable
// repository plus a partition-filtered vector index.
package memory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-memory/internal/collab"
	"github.com/nidhogg/nuka-memory/internal/metrics"
	"github.com/nidhogg/nuka-memory/internal/model"
	"github.com/nidhogg/nuka-memory/internal/vectorstore"
)

// Repository is the durable side of the store.
type Repository interface {
	InsertMemory(ctx context.Context, r *model.MemoryRecord) error
	GetMemory(ctx context.Context, agentID, id string) (*model.MemoryRecord, error)
	GetMemories(ctx context.Context, agentID string, ids []string) ([]*model.MemoryRecord, error)
	ListByScope(ctx context.Context, q model.ScopeQuery) ([]*model.MemoryRecord, error)
	UpdateSummary(ctx context.Context, agentID, id, summary string, importance float64) error
	TouchMemories(ctx context.Context, agentID string, ids []string, at time.Time) error
	MarkIndexed(ctx context.Context, id string, embedding []float32, at time.Time) error
	ListUnindexed(ctx context.Context, agentID string, limit int) ([]*model.MemoryRecord, error)
}

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// Store reads and writes one agent's memory records.
type Store struct {
	repo     Repository
	vectors  vectorstore.Index
	embedder collab.Embedder
	metrics  *metrics.Metrics
	logger   *zap.Logger
	now      func() time.Time
}

// NewStore wires a store. m may be nil.
func NewStore(repo Repository, index vectorstore.Index, embedder collab.Embedder, m *metrics.Metrics, logger *zap.Logger) *Store {
	return &Store{repo: repo, vectors: index, embedder: embedder, metrics: m, logger: logger, now: time.Now}
}

// Write validates and persists rec, then indexes its embedding.
//
// The record is durable once Write returns it. If embedding or indexing
// failed, Write returns the record together with an error wrapping
// model.ErrCollaboratorUnavailable; Reindex picks the record up later.
func (s *Store) Write(ctx context.Context, rec *model.MemoryRecord) (*model.MemoryRecord, error) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.Kind == "" {
		rec.Kind = model.KindEvent
	}
	if rec.Importance == 0 {
		rec.Importance = model.DefaultImportance
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now().UTC()
	}
	rec.IndexedAt = nil
	if err := rec.Validate(); err != nil {
		return nil, err
	}

	vec, embedErr := s.embedder.Embed(ctx, rec.Text())
	if embedErr == nil {
		rec.Embedding = vec
	}
	if err := s.repo.InsertMemory(ctx, rec); err != nil {
		return nil, fmt.Errorf("write memory: %w", err)
	}

	var indexErr error
	if embedErr != nil {
		indexErr = embedErr
	} else {
		indexErr = s.indexVector(ctx, rec, vec)
	}
	s.metrics.MemoryWritten(string(rec.Type), indexErr == nil)
	if indexErr != nil {
		s.logger.Warn("memory stored without index entry",
			zap.String("agent", rec.AgentID), zap.String("id", rec.ID), zap.Error(indexErr))
		return rec, fmt.Errorf("index memory %s: %w", rec.ID, indexErr)
	}
	return rec, nil
}

// Get returns one record of agentID and counts the access.
func (s *Store) Get(ctx context.Context, agentID, id string) (*model.MemoryRecord, error) {
	rec, err := s.repo.GetMemory(ctx, agentID, id)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	if err := s.repo.TouchMemories(ctx, agentID, []string{id}, now); err != nil {
		s.logger.Warn("touch memory failed", zap.String("id", id), zap.Error(err))
		return rec, nil
	}
	rec.AccessCount++
	rec.LastAccessedAt = &now
	return rec, nil
}

// ReadByScope returns one page of a partition, newest first. Pass the last
// record of a page as q.Before to continue.
func (s *Store) ReadByScope(ctx context.Context, q model.ScopeQuery) ([]*model.MemoryRecord, error) {
	if err := checkPartition(q.Partition); err != nil {
		return nil, err
	}
	if strings.TrimSpace(q.AgentID) == "" {
		return nil, fmt.Errorf("%w: agent_id is required", model.ErrInvalidScope)
	}
	switch {
	case q.Limit <= 0:
		q.Limit = defaultPageSize
	case q.Limit > maxPageSize:
		q.Limit = maxPageSize
	}
	return s.repo.ListByScope(ctx, q)
}

// UpdateSummary sets the summary of a record that has none and re-indexes
// it under the new text.
func (s *Store) UpdateSummary(ctx context.Context, agentID, id, summary string, importance float64) error {
	if strings.TrimSpace(summary) == "" {
		return fmt.Errorf("%w: empty summary", model.ErrInvalidScope)
	}
	if importance < model.MinImportance || importance > model.MaxImportance {
		return fmt.Errorf("%w: importance %.2f out of range", model.ErrInvalidScope, importance)
	}
	if err := s.repo.UpdateSummary(ctx, agentID, id, summary, importance); err != nil {
		return err
	}
	rec, err := s.repo.GetMemory(ctx, agentID, id)
	if err != nil {
		return err
	}
	if err := s.IndexRecord(ctx, rec); err != nil {
		s.logger.Warn("re-index after summary failed", zap.String("id", id), zap.Error(err))
	}
	return nil
}

// Touch records that ids were shown to the agent.
func (s *Store) Touch(ctx context.Context, agentID string, ids []string) error {
	return s.repo.TouchMemories(ctx, agentID, ids, s.now().UTC())
}

// IndexRecord embeds rec.Text() and writes it to the vector index.
func (s *Store) IndexRecord(ctx context.Context, rec *model.MemoryRecord) error {
	vec, err := s.embedder.Embed(ctx, rec.Text())
	if err != nil {
		return err
	}
	return s.indexVector(ctx, rec, vec)
}

// Reindex indexes up to limit records that were stored while the embedding
// service or the vector index was down.
func (s *Store) Reindex(ctx context.Context, agentID string, limit int) (int, error) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	recs, err := s.repo.ListUnindexed(ctx, agentID, limit)
	if err != nil {
		return 0, err
	}
	failed := &model.PartialBatchFailure{Job: "reindex", Total: len(recs)}
	done := 0
	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			failed.Add(rec.ID, err)
			continue
		}
		err := s.IndexRecord(ctx, rec)
		s.metrics.BatchItem("reindex", err)
		if err != nil {
			failed.Add(rec.ID, err)
			continue
		}
		done++
	}
	return done, failed.ErrOrNil()
}

func (s *Store) indexVector(ctx context.Context, rec *model.MemoryRecord, vec []float32) error {
	err := s.vectors.Upsert(ctx, vectorstore.Point{
		ID: rec.ID, Vector: vec, AgentID: rec.AgentID, Part: rec.Partition(),
	})
	if err != nil {
		return model.Unavailable("vector index", err)
	}
	at := s.now().UTC()
	if err := s.repo.MarkIndexed(ctx, rec.ID, vec, at); err != nil {
		return err
	}
	rec.Embedding = vec
	rec.IndexedAt = &at
	return nil
}

// checkPartition rejects partitions whose scope key disagrees with the type.
func checkPartition(p model.Partition) error {
	if !p.Type.Valid() {
		return fmt.Errorf("%w: unknown memory type %q", model.ErrInvalidScope, p.Type)
	}
	if p.Type.AgentWide() && p.ScopeKey != "" {
		return fmt.Errorf("%w: %s memory takes no scope key", model.ErrInvalidScope, p.Type)
	}
	if !p.Type.AgentWide() && p.ScopeKey == "" {
		return fmt.Errorf("%w: %s memory requires %s", model.ErrInvalidScope, p.Type, p.Type.ScopeKeyName())
	}
	return nil
}
