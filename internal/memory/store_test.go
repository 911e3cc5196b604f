package memory_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nidhogg/nuka-memory/internal/memory"
	"github.com/nidhogg/nuka-memory/internal/model"
	"github.com/nidhogg/nuka-memory/internal/testkit"
)

var base = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

func private(agent, rel, content string) *model.MemoryRecord {
	return &model.MemoryRecord{
		AgentID: agent, Type: model.TypePrivate, RawContent: content,
		Scope: model.Scope{RelationshipID: rel},
	}
}

func TestWriteGet_RoundTrip(t *testing.T) {
	env := testkit.NewEnv(t)
	ctx := context.Background()

	rec := private("a1", "r1", "Alice prefers morning standups")
	rec.Importance = 7
	rec.Tags = []string{"person:Alice"}
	rec.Metadata = map[string]string{"channel": "dm"}
	written := env.Write(t, rec)
	require.NotEmpty(t, written.ID)
	assert.NotNil(t, written.IndexedAt)

	got, err := env.Memory.Get(ctx, "a1", written.ID)
	require.NoError(t, err)
	assert.Equal(t, "Alice prefers morning standups", got.RawContent)
	assert.Equal(t, 7.0, got.Importance)
	assert.Equal(t, []string{"person:Alice"}, got.Tags)
	assert.Equal(t, "dm", got.Metadata["channel"])
	assert.Equal(t, 1, got.AccessCount)

	again, err := env.Memory.Get(ctx, "a1", written.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, again.AccessCount)

	_, err = env.Memory.Get(ctx, "a2", written.ID)
	assert.ErrorIs(t, err, model.ErrNotFound, "other agents cannot read the record")
}

func TestWrite_Validation(t *testing.T) {
	env := testkit.NewEnv(t)
	ctx := context.Background()

	_, err := env.Memory.Write(ctx, &model.MemoryRecord{AgentID: "a1", Type: model.TypePrivate, RawContent: "x"})
	assert.ErrorIs(t, err, model.ErrInvalidScope, "private needs relationship_id")

	_, err = env.Memory.Write(ctx, &model.MemoryRecord{
		AgentID: "a1", Type: model.TypeTeam, RawContent: "x",
		Scope: model.Scope{TeamID: "t1", MeetingID: "m1"},
	})
	assert.ErrorIs(t, err, model.ErrInvalidScope, "foreign keys are rejected")

	_, err = env.Memory.Write(ctx, &model.MemoryRecord{AgentID: "a1", Type: "diary", RawContent: "x"})
	assert.ErrorIs(t, err, model.ErrInvalidScope)

	rec := private("a1", "r1", "x")
	rec.Importance = 11
	_, err = env.Memory.Write(ctx, rec)
	assert.ErrorIs(t, err, model.ErrInvalidScope)
}

func TestWrite_EmbedderDownStillPersists(t *testing.T) {
	env := testkit.NewEnv(t)
	ctx := context.Background()
	env.Embedder.SetDown(true)

	rec, err := env.Memory.Write(ctx, private("a1", "r1", "deploy window moved to friday"))
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrCollaboratorUnavailable)
	require.NotNil(t, rec)

	got, err := env.Memory.Get(ctx, "a1", rec.ID)
	require.NoError(t, err)
	assert.Nil(t, got.IndexedAt)

	env.Embedder.SetDown(false)
	n, err := env.Memory.Reindex(ctx, "a1", 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	hits, err := env.Memory.Search(ctx, memory.SearchParams{
		AgentID: "a1", Query: "deploy window friday", Scope: model.Scope{RelationshipID: "r1"},
	})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, rec.ID, hits[0].Record.ID)
}

func TestSearch_PartitionIsolation(t *testing.T) {
	env := testkit.NewEnv(t)
	ctx := context.Background()

	env.Write(t, private("a1", "r1", "budget review with finance"))
	env.Write(t, private("a1", "r2", "budget review with marketing"))
	env.Write(t, &model.MemoryRecord{
		AgentID: "a1", Type: model.TypeMeeting, RawContent: "budget review meeting",
		Scope: model.Scope{MeetingID: "m1"},
	})
	env.Write(t, &model.MemoryRecord{AgentID: "a1", Type: model.TypeInjected, RawContent: "budget policy handbook"})
	env.Write(t, private("a2", "r1", "budget review of another agent"))

	hits, err := env.Memory.Search(ctx, memory.SearchParams{
		AgentID: "a1", Query: "budget review", Scope: model.Scope{RelationshipID: "r1"}, Limit: 10,
	})
	require.NoError(t, err)

	var seen []string
	for _, h := range hits {
		assert.Equal(t, "a1", h.Record.AgentID)
		seen = append(seen, h.Record.Partition().String())
	}
	assert.ElementsMatch(t, []string{"private:r1", "injected"}, seen)

	hits, err = env.Memory.Search(ctx, memory.SearchParams{
		AgentID: "a1", Query: "budget review", Types: []model.MemoryType{model.TypePrivate, model.TypeMeeting},
	})
	require.NoError(t, err)
	assert.Empty(t, hits, "no scope keys means no scoped partition is eligible")
}

func TestReadByScope_PagesNewestFirst(t *testing.T) {
	env := testkit.NewEnv(t)
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		rec := private("a1", "r1", fmt.Sprintf("note %d", i))
		rec.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		env.Write(t, rec)
	}
	env.Write(t, private("a1", "r2", "elsewhere"))

	page, err := env.Memory.ReadByScope(ctx, model.ScopeQuery{
		AgentID: "a1", Partition: model.Partition{Type: model.TypePrivate, ScopeKey: "r1"}, Limit: 3,
	})
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, "note 6", page[0].RawContent)

	var all []string
	for rec, err := range env.Memory.All(ctx, "a1", model.Partition{Type: model.TypePrivate, ScopeKey: "r1"}, 2) {
		require.NoError(t, err)
		all = append(all, rec.RawContent)
	}
	assert.Equal(t, []string{"note 6", "note 5", "note 4", "note 3", "note 2", "note 1", "note 0"}, all)

	_, err = env.Memory.ReadByScope(ctx, model.ScopeQuery{AgentID: "a1", Partition: model.Partition{Type: model.TypePrivate}})
	assert.ErrorIs(t, err, model.ErrInvalidScope)
	_, err = env.Memory.ReadByScope(ctx, model.ScopeQuery{AgentID: "a1", Partition: model.Partition{Type: model.TypeExecution, ScopeKey: "x"}})
	assert.ErrorIs(t, err, model.ErrInvalidScope)
}

func TestUpdateSummary(t *testing.T) {
	env := testkit.NewEnv(t)
	ctx := context.Background()
	rec := env.Write(t, private("a1", "r1", "long rambling conversation about the launch"))

	require.NoError(t, env.Memory.UpdateSummary(ctx, "a1", rec.ID, "Launch discussed.", 6))
	got, err := env.Memory.Get(ctx, "a1", rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "Launch discussed.", got.Summary)
	assert.Equal(t, 6.0, got.Importance)

	err = env.Memory.UpdateSummary(ctx, "a1", rec.ID, "again", 6)
	assert.ErrorIs(t, err, model.ErrAlreadyCompressed)
	err = env.Memory.UpdateSummary(ctx, "a1", "missing", "x", 6)
	assert.ErrorIs(t, err, model.ErrNotFound)
	err = env.Memory.UpdateSummary(ctx, "a2", rec.ID, "x", 6)
	assert.ErrorIs(t, err, model.ErrNotFound)
	err = env.Memory.UpdateSummary(ctx, "a1", rec.ID, "x", 0)
	assert.ErrorIs(t, err, model.ErrInvalidScope)
}
