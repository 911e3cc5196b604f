//go:build integration

package integration

import (
	"context"
	"testing"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nidhogg/nuka-memory/internal/collab"
	"github.com/nidhogg/nuka-memory/internal/compress"
	"github.com/nidhogg/nuka-memory/internal/embedding"
	"github.com/nidhogg/nuka-memory/internal/insight"
	"github.com/nidhogg/nuka-memory/internal/lock"
	"github.com/nidhogg/nuka-memory/internal/memory"
	"github.com/nidhogg/nuka-memory/internal/model"
	"github.com/nidhogg/nuka-memory/internal/provider"
	"github.com/nidhogg/nuka-memory/internal/relation"
	"github.com/nidhogg/nuka-memory/internal/vectorstore"
)

func newMemory(t *testing.T) *memory.Store {
	t.Helper()
	idx, err := vectorstore.NewChromem("")
	require.NoError(t, err)
	emb := collab.NewProviderEmbedder(embedding.NewHashProvider(64), collab.Options{Timeout: time.Second})
	return memory.NewStore(testRepo, idx, emb, nil, testLogger)
}

// writeSessions stores one record per hour for agentID, each its own
// session, all tagged with the same project.
func writeSessions(t *testing.T, mem *memory.Store, agentID string, n int) {
	t.Helper()
	now := time.Now().UTC()
	for i := 0; i < n; i++ {
		_, err := mem.Write(context.Background(), &model.MemoryRecord{
			AgentID:    agentID,
			Type:       model.TypeTeam,
			Scope:      model.Scope{TeamID: "t1"},
			SessionID:  "s" + string(rune('a'+i)),
			RawContent: "Apollo rollout: staging verified, production gated on review",
			Tags:       []string{"project:apollo"},
			CreatedAt:  now.Add(-time.Duration(n-i+2) * time.Hour),
		})
		require.NoError(t, err)
	}
}

func TestPostgres_CompressThenExtract(t *testing.T) {
	ctx := context.Background()
	const agent = "it-lifecycle"
	mem := newMemory(t)
	writeSessions(t, mem, agent, 3)

	eng := compress.NewEngine(compress.Deps{
		Repo: testRepo, Memory: mem, Locker: testLock, Graph: testGraph,
	}, compress.DefaultConfig(), testLogger)
	res, err := eng.Compress(ctx, agent)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Groups)

	again, err := eng.Compress(ctx, agent)
	require.NoError(t, err)
	assert.Zero(t, again.Groups, "compression is idempotent")

	x := insight.NewExtractor(insight.Deps{
		Repo: testRepo, Locker: testLock, Graph: testGraph,
	}, insight.DefaultConfig(), testLogger)
	ires, err := x.Extract(ctx, agent)
	require.NoError(t, err)
	assert.Equal(t, 1, ires.Created)

	ls, err := x.Learnings(ctx, agent, 10)
	require.NoError(t, err)
	require.Len(t, ls, 1)
	assert.Equal(t, model.CategoryProject, ls[0].Category)
	assert.Equal(t, 3, ls[0].EvidenceCount)

	evidence, err := testGraph.Evidence(ctx, agent, ls[0].ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, ls[0].SourceIDs, evidence)

	// Nothing new: a second pass changes nothing.
	ires, err = x.Extract(ctx, agent)
	require.NoError(t, err)
	assert.Equal(t, 1, ires.Skipped)
}

func TestPostgres_MultiRecordSessionLinked(t *testing.T) {
	ctx := context.Background()
	const agent = "it-linked"
	mem := newMemory(t)
	base := time.Now().UTC().Add(-3 * time.Hour)
	var ids []string
	for i := 0; i < 3; i++ {
		rec, err := mem.Write(ctx, &model.MemoryRecord{
			AgentID: agent, Type: model.TypeMeeting, Scope: model.Scope{MeetingID: "m1"},
			SessionID: "standup", RawContent: "standup item", CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
		ids = append(ids, rec.ID)
	}

	eng := compress.NewEngine(compress.Deps{
		Repo: testRepo, Memory: mem, Locker: testLock, Graph: testGraph,
	}, compress.DefaultConfig(), testLogger)
	res, err := eng.Compress(ctx, agent)
	require.NoError(t, err)
	require.Equal(t, 1, res.Groups)

	linked, err := testGraph.Linked(ctx, agent, ids[0])
	require.NoError(t, err)
	assert.ElementsMatch(t, ids[1:], linked)
}

func TestPostgres_RelationshipConcurrency(t *testing.T) {
	ctx := context.Background()
	tr := relation.NewTracker(testRepo, testGraph, relation.DefaultConfig(), testLogger)
	rel, err := tr.OnInteraction(ctx, "it-rel", "u1", model.PartnerHuman, model.Signal{Outcome: model.OutcomePositive})
	require.NoError(t, err)

	stale := *rel
	_, err = tr.OnInteraction(ctx, "it-rel", "u1", model.PartnerHuman, model.Signal{Outcome: model.OutcomePositive})
	require.NoError(t, err)
	err = testRepo.UpdateRelationship(ctx, &stale, stale.Version)
	assert.ErrorIs(t, err, model.ErrConcurrentUpdate)

	driver, err := neo4j.NewDriverWithContext(testNeo4jURI, neo4j.NoAuth())
	require.NoError(t, err)
	defer driver.Close(ctx)
	out, err := neo4j.ExecuteQuery(ctx, driver,
		`MATCH (:Agent {id: $a})-[b:BOND]->(:Partner {id: $p}) RETURN b.interactions AS n`,
		map[string]any{"a": "it-rel", "p": "u1"}, neo4j.EagerResultTransformer)
	require.NoError(t, err)
	require.Len(t, out.Records, 1)
	n, _ := out.Records[0].Get("n")
	assert.EqualValues(t, 2, n)
}

func TestRedisLock_Exclusive(t *testing.T) {
	ctx := context.Background()
	key := lock.AgentKey("it-lock")
	release, err := testLock.Acquire(ctx, key, time.Minute)
	require.NoError(t, err)

	_, err = testLock.Acquire(ctx, key, time.Minute)
	assert.ErrorIs(t, err, model.ErrLocked)

	release()
	release2, err := testLock.Acquire(ctx, key, time.Minute)
	require.NoError(t, err)
	release2()
}

func TestCompress_WithProvider(t *testing.T) {
	skipIfNoLLM(t)
	ctx := context.Background()
	const agent = "it-llm"
	mem := newMemory(t)
	writeSessions(t, mem, agent, 1)

	router := provider.NewRouter(testLogger)
	router.Register(provider.NewOpenAIProvider(provider.ProviderConfig{
		ID: "test", Endpoint: testLLMConfig.Endpoint, APIKey: testLLMConfig.APIKey, Models: []string{testLLMConfig.Model},
	}, testLogger))
	gen := collab.NewRouterGenerator(router, "memory", testLLMConfig.Model, collab.DefaultOptions(), testLogger)

	eng := compress.NewEngine(compress.Deps{Repo: testRepo, Memory: mem, Gen: gen, Locker: testLock}, compress.DefaultConfig(), testLogger)
	day := time.Now().UTC()
	_, err := eng.Compress(ctx, agent)
	require.NoError(t, err)
	res, err := eng.DailySummary(ctx, agent, day.Add(-3*time.Hour))
	require.NoError(t, err)
	assert.LessOrEqual(t, res.Written, 1)
}
