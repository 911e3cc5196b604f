package memory

import (
	"context"
	"fmt"
	"iter"
	"strings"

	"github.com/nidhogg/nuka-memory/internal/model"
)

// SearchParams selects what a semantic search may see. Types defaults to
// every type; a type whose scope key is missing from Scope is skipped.
type SearchParams struct {
	AgentID string
	Query   string
	Types   []model.MemoryType
	Scope   model.Scope
	Limit   int
}

// Partitions are the partitions p makes eligible.
func (p SearchParams) Partitions() []model.Partition {
	types := p.Types
	if len(types) == 0 {
		types = model.AllMemoryTypes()
	}
	return model.EligiblePartitions(types, p.Scope)
}

// Hit is a search result with its cosine similarity to the query.
type Hit struct {
	Record     *model.MemoryRecord
	Similarity float64
}

// Search returns the records nearest to the query inside the eligible
// partitions, best first. Records folded into a summary are skipped.
func (s *Store) Search(ctx context.Context, p SearchParams) ([]Hit, error) {
	if strings.TrimSpace(p.AgentID) == "" {
		return nil, fmt.Errorf("%w: agent_id is required", model.ErrInvalidScope)
	}
	parts := p.Partitions()
	if len(parts) == 0 || strings.TrimSpace(p.Query) == "" {
		return nil, nil
	}
	if p.Limit <= 0 {
		p.Limit = 10
	}

	vec, err := s.embedder.Embed(ctx, p.Query)
	if err != nil {
		return nil, err
	}
	found, err := s.vectors.Search(ctx, p.AgentID, vec, parts, p.Limit)
	if err != nil {
		return nil, model.Unavailable("vector search", err)
	}
	if len(found) == 0 {
		return nil, nil
	}

	ids := make([]string, len(found))
	for i, h := range found {
		ids[i] = h.ID
	}
	recs, err := s.repo.GetMemories(ctx, p.AgentID, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*model.MemoryRecord, len(recs))
	for _, r := range recs {
		byID[r.ID] = r
	}
	allowed := make(map[model.Partition]bool, len(parts))
	for _, part := range parts {
		allowed[part] = true
	}

	hits := make([]Hit, 0, len(found))
	for _, h := range found {
		r, ok := byID[h.ID]
		if !ok || r.Absorbed() || !allowed[r.Partition()] {
			continue
		}
		hits = append(hits, Hit{Record: r, Similarity: float64(h.Score)})
	}
	return hits, nil
}

// All iterates over a whole partition newest first, fetching pageSize
// records at a time. Iteration stops at the first error, which is yielded.
func (s *Store) All(ctx context.Context, agentID string, part model.Partition, pageSize int) iter.Seq2[*model.MemoryRecord, error] {
	if pageSize <= 0 || pageSize > maxPageSize {
		pageSize = defaultPageSize
	}
	return func(yield func(*model.MemoryRecord, error) bool) {
		q := model.ScopeQuery{AgentID: agentID, Partition: part, Limit: pageSize}
		for {
			page, err := s.ReadByScope(ctx, q)
			if err != nil {
				yield(nil, err)
				return
			}
			for _, r := range page {
				if !yield(r, nil) {
					return
				}
			}
			if len(page) < q.Limit {
				return
			}
			last := page[len(page)-1]
			q.Before = &model.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}
		}
	}
}
