package vectorstore

import (
	"context"

	"github.com/nidhogg/nuka-memory/internal/model"
)

// Payload keys every point carries. Search filters on them before ranking,
// so a point outside the requested partitions is never scored.
const (
	KeyAgentID  = "agent_id"
	KeyType     = "memory_type"
	KeyScopeKey = "scope_key"
)

// Point is one memory record in the index.
type Point struct {
	ID      string
	Vector  []float32
	AgentID string
	Part    model.Partition
}

func (p Point) payload() map[string]string {
	return map[string]string{
		KeyAgentID:  p.AgentID,
		KeyType:     string(p.Part.Type),
		KeyScopeKey: p.Part.ScopeKey,
	}
}

// Hit is a nearest-neighbour match. Score is cosine similarity.
type Hit struct {
	ID    string
	Score float32
}

// Index stores embeddings of memory records and searches them within a set
// of partitions of one agent.
type Index interface {
	Upsert(ctx context.Context, p Point) error
	Search(ctx context.Context, agentID string, vector []float32, parts []model.Partition, limit int) ([]Hit, error)
}
