package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"sort"

	chromem "github.com/philippgille/chromem-go"

	"github.com/nidhogg/nuka-memory/internal/model"
)

// Chromem is an embedded Index for single-node deployments and tests.
// Vectors always come from the caller.
type Chromem struct {
	db         *chromem.DB
	collection *chromem.Collection
}

var errNoEmbedder = errors.New("chromem index requires caller-supplied embeddings")

// NewChromem opens an index. An empty path keeps it in memory; otherwise
// it persists under path.
func NewChromem(path string) (*Chromem, error) {
	db := chromem.NewDB()
	if path != "" {
		var err error
		db, err = chromem.NewPersistentDB(path, false)
		if err != nil {
			return nil, fmt.Errorf("open chromem %s: %w", path, err)
		}
	}
	noEmbed := func(ctx context.Context, text string) ([]float32, error) {
		return nil, errNoEmbedder
	}
	col, err := db.GetOrCreateCollection("agent_memories", nil, noEmbed)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}
	return &Chromem{db: db, collection: col}, nil
}

// Upsert stores the point, replacing any previous document with the same id.
func (c *Chromem) Upsert(ctx context.Context, p Point) error {
	if len(p.Vector) == 0 {
		return fmt.Errorf("upsert %s: empty vector", p.ID)
	}
	err := c.collection.AddDocument(ctx, chromem.Document{
		ID:        p.ID,
		Content:   p.ID,
		Metadata:  p.payload(),
		Embedding: p.Vector,
	})
	if err != nil {
		return fmt.Errorf("upsert %s: %w", p.ID, err)
	}
	return nil
}

// Search queries each partition with an equality filter and merges the
// hits by score. chromem has no OR filter, so partitions are queried one
// at a time.
func (c *Chromem) Search(ctx context.Context, agentID string, vector []float32, parts []model.Partition, limit int) ([]Hit, error) {
	if len(parts) == 0 || limit <= 0 {
		return nil, nil
	}
	n := limit
	if count := c.collection.Count(); count < n {
		n = count
	}
	if n == 0 {
		return nil, nil
	}

	var hits []Hit
	for _, p := range parts {
		where := map[string]string{
			KeyAgentID: agentID,
			KeyType:    string(p.Type),
		}
		if p.ScopeKey != "" {
			where[KeyScopeKey] = p.ScopeKey
		}
		results, err := c.collection.QueryEmbedding(ctx, vector, n, where, nil)
		if err != nil {
			return nil, fmt.Errorf("query %s: %w", p, err)
		}
		for _, r := range results {
			hits = append(hits, Hit{ID: r.ID, Score: r.Similarity})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}
