package vectorstore

import (
	"context"
	"fmt"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/nidhogg/nuka-memory/internal/model"
)

// QdrantConfig holds connection settings for a Qdrant instance.
type QdrantConfig struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Collection string `json:"collection"`
}

// Qdrant is an Index backed by one Qdrant collection, using the raw gRPC
// collections and points services.
type Qdrant struct {
	conn        *grpc.ClientConn
	collections pb.CollectionsClient
	points      pb.PointsClient
	collection  string
}

// NewQdrant dials the Qdrant gRPC endpoint.
func NewQdrant(cfg QdrantConfig) (*Qdrant, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("qdrant connect %s: %w", addr, err)
	}
	name := cfg.Collection
	if name == "" {
		name = "agent_memories"
	}
	return &Qdrant{
		conn:        conn,
		collections: pb.NewCollectionsClient(conn),
		points:      pb.NewPointsClient(conn),
		collection:  name,
	}, nil
}

// EnsureCollection creates the collection and its payload indexes if missing.
func (q *Qdrant) EnsureCollection(ctx context.Context, dimension uint64) error {
	if _, err := q.collections.Get(ctx, &pb.GetCollectionInfoRequest{CollectionName: q.collection}); err == nil {
		return nil
	}
	_, err := q.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: q.collection,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     dimension,
					Distance: pb.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("create collection %s: %w", q.collection, err)
	}
	wait := true
	for _, key := range []string{KeyAgentID, KeyType, KeyScopeKey} {
		_, err := q.points.CreateFieldIndex(ctx, &pb.CreateFieldIndexCollection{
			CollectionName: q.collection,
			Wait:           &wait,
			FieldName:      key,
			FieldType:      pb.FieldType_FieldTypeKeyword.Enum(),
		})
		if err != nil {
			return fmt.Errorf("index payload %s: %w", key, err)
		}
	}
	return nil
}

// Upsert inserts or replaces the point of one memory record.
func (q *Qdrant) Upsert(ctx context.Context, p Point) error {
	payload := make(map[string]*pb.Value)
	for k, v := range p.payload() {
		payload[k] = &pb.Value{Kind: &pb.Value_StringValue{StringValue: v}}
	}
	wait := true
	_, err := q.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: q.collection,
		Wait:           &wait,
		Points: []*pb.PointStruct{
			{
				Id:      &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: p.ID}},
				Vectors: &pb.Vectors{VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: p.Vector}}},
				Payload: payload,
			},
		},
	})
	if err != nil {
		return fmt.Errorf("upsert %s: %w", p.ID, err)
	}
	return nil
}

// Search runs one filtered nearest-neighbour query: the agent must match
// and at least one partition clause must hold.
func (q *Qdrant) Search(ctx context.Context, agentID string, vector []float32, parts []model.Partition, limit int) ([]Hit, error) {
	if len(parts) == 0 || limit <= 0 {
		return nil, nil
	}
	resp, err := q.points.Search(ctx, &pb.SearchPoints{
		CollectionName: q.collection,
		Vector:         vector,
		Limit:          uint64(limit),
		Filter:         partitionFilter(agentID, parts),
	})
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", q.collection, err)
	}
	hits := make([]Hit, 0, len(resp.Result))
	for _, r := range resp.Result {
		hits = append(hits, Hit{ID: r.Id.GetUuid(), Score: r.Score})
	}
	return hits, nil
}

func partitionFilter(agentID string, parts []model.Partition) *pb.Filter {
	should := make([]*pb.Condition, 0, len(parts))
	for _, p := range parts {
		must := []*pb.Condition{keyword(KeyType, string(p.Type))}
		if p.ScopeKey != "" {
			must = append(must, keyword(KeyScopeKey, p.ScopeKey))
		}
		should = append(should, &pb.Condition{
			ConditionOneOf: &pb.Condition_Filter{Filter: &pb.Filter{Must: must}},
		})
	}
	return &pb.Filter{
		Must:   []*pb.Condition{keyword(KeyAgentID, agentID)},
		Should: should,
	}
}

func keyword(key, value string) *pb.Condition {
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{
				Key:   key,
				Match: &pb.Match{MatchValue: &pb.Match_Keyword{Keyword: value}},
			},
		},
	}
}

// Close tears down the underlying gRPC connection.
func (q *Qdrant) Close() error {
	return q.conn.Close()
}
