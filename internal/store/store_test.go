package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-memory/internal/model"
)

var base = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(s.Close)
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func meetingRecord(id string, at time.Time) *model.MemoryRecord {
	return &model.MemoryRecord{
		ID: id, AgentID: "a1", Type: model.TypeMeeting, Kind: model.KindEvent,
		RawContent: "notes " + id, Importance: 5,
		Scope: model.Scope{MeetingID: "m1"}, Tags: []string{"project:apollo"},
		CreatedAt: at,
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Migrate(context.Background()))
	require.NoError(t, s.Ping(context.Background()))
}

func TestInsertAndGetMemory(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	rec := meetingRecord("r1", base)
	rec.Embedding = []float32{0.1, 0.2}
	rec.Metadata = map[string]string{"source": "standup"}
	require.NoError(t, s.InsertMemory(ctx, rec))

	got, err := s.GetMemory(ctx, "a1", "r1")
	require.NoError(t, err)
	assert.Equal(t, model.TypeMeeting, got.Type)
	assert.Equal(t, "m1", got.Scope.MeetingID)
	assert.Equal(t, []float32{0.1, 0.2}, got.Embedding)
	assert.Equal(t, "standup", got.Metadata["source"])
	assert.True(t, got.CreatedAt.Equal(base))
	assert.Nil(t, got.CompressedAt)

	_, err = s.GetMemory(ctx, "other-agent", "r1")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestInsertMemory_RejectsScopeViolation(t *testing.T) {
	s := newTestStore(t)
	rec := meetingRecord("bad", base)
	rec.Scope.TeamID = "t1"
	assert.Error(t, s.InsertMemory(context.Background(), rec))
}

func TestListByScope_KeysetPaging(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.InsertMemory(ctx, meetingRecord(fmt.Sprintf("r%d", i), base.Add(time.Duration(i)*time.Minute))))
	}
	other := meetingRecord("x", base)
	other.Scope.MeetingID = "m2"
	require.NoError(t, s.InsertMemory(ctx, other))

	part := model.Partition{Type: model.TypeMeeting, ScopeKey: "m1"}
	page1, err := s.ListByScope(ctx, model.ScopeQuery{AgentID: "a1", Partition: part, Limit: 3})
	require.NoError(t, err)
	require.Len(t, page1, 3)
	assert.Equal(t, "r4", page1[0].ID)

	last := page1[2]
	page2, err := s.ListByScope(ctx, model.ScopeQuery{
		AgentID: "a1", Partition: part, Limit: 3,
		Before: &model.Cursor{CreatedAt: last.CreatedAt, ID: last.ID},
	})
	require.NoError(t, err)
	require.Len(t, page2, 2)
	assert.Equal(t, "r1", page2[0].ID)
	assert.Equal(t, "r0", page2[1].ID)
}

func TestCommitCompression_OnceOnly(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	for _, id := range []string{"r1", "r2", "r3"} {
		require.NoError(t, s.InsertMemory(ctx, meetingRecord(id, base)))
	}

	c := model.Compression{
		AgentID: "a1", RepresentativeID: "r3", Summary: "sprint recap", Importance: 7,
		Tags: []string{"project:apollo"}, MemberIDs: []string{"r1", "r2", "r3"}, At: base.Add(time.Hour),
	}
	require.NoError(t, s.CommitCompression(ctx, c))

	rep, err := s.GetMemory(ctx, "a1", "r3")
	require.NoError(t, err)
	assert.Equal(t, "sprint recap", rep.Summary)
	assert.Equal(t, 7.0, rep.Importance)
	assert.ElementsMatch(t, []string{"r1", "r2"}, rep.LinkedMemoryIDs)

	c.Summary = "again"
	assert.ErrorIs(t, s.CommitCompression(ctx, c), model.ErrAlreadyCompressed)
	rep, err = s.GetMemory(ctx, "a1", "r3")
	require.NoError(t, err)
	assert.Equal(t, "sprint recap", rep.Summary)

	left, err := s.ListUncompressed(ctx, "a1", base.Add(24*time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, left)

	sums, err := s.ListSummaries(ctx, "a1", base.Add(-time.Hour), base.Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, sums, 1)
	assert.Equal(t, "r3", sums[0].ID)
}

func TestUpdateSummary_Once(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.InsertMemory(ctx, meetingRecord("r1", base)))

	require.NoError(t, s.UpdateSummary(ctx, "a1", "r1", "short", 8))
	assert.ErrorIs(t, s.UpdateSummary(ctx, "a1", "r1", "shorter", 9), model.ErrAlreadyCompressed)
	assert.ErrorIs(t, s.UpdateSummary(ctx, "a1", "missing", "x", 5), model.ErrNotFound)
}

func TestTouchAndIndexMarkers(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.InsertMemory(ctx, meetingRecord("r1", base)))

	pending, err := s.ListUnindexed(ctx, "a1", 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, s.MarkIndexed(ctx, "r1", []float32{1, 0}, base))
	pending, err = s.ListUnindexed(ctx, "a1", 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	require.NoError(t, s.TouchMemories(ctx, "a1", []string{"r1"}, base.Add(time.Minute)))
	require.NoError(t, s.TouchMemories(ctx, "a1", []string{"r1"}, base.Add(2*time.Minute)))
	got, err := s.GetMemory(ctx, "a1", "r1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.AccessCount)
	require.NotNil(t, got.LastAccessedAt)
	assert.True(t, got.LastAccessedAt.Equal(base.Add(2*time.Minute)))
}

func TestDigestLookup(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	part := model.Partition{Type: model.TypeMeeting, ScopeKey: "m1"}

	_, err := s.FindDigest(ctx, "a1", "2026-03-02", part)
	assert.ErrorIs(t, err, model.ErrNotFound)

	for _, day := range []string{"2026-03-01", "2026-03-02"} {
		d := meetingRecord("d-"+day, base)
		d.Kind = model.KindDigest
		d.DigestDay = day
		d.Summary = "digest " + day
		require.NoError(t, s.InsertMemory(ctx, d))
	}
	dup := meetingRecord("d-dup", base)
	dup.Kind = model.KindDigest
	dup.DigestDay = "2026-03-02"
	assert.ErrorIs(t, s.InsertMemory(ctx, dup), model.ErrConcurrentUpdate)

	got, err := s.FindDigest(ctx, "a1", "2026-03-01", part)
	require.NoError(t, err)
	assert.Equal(t, "d-2026-03-01", got.ID)

	latest, err := s.LatestDigest(ctx, "a1", part)
	require.NoError(t, err)
	assert.Equal(t, "digest 2026-03-02", latest.Summary)
}

func TestLearning_OptimisticUpdate(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	l := &model.Learning{
		ID: "l1", AgentID: "a1", Category: model.CategoryPerson, Subject: "Alice",
		Insight: "prefers async updates", Confidence: 50, EvidenceCount: 3,
		SourceIDs: []string{"r1", "r2", "r3"}, Version: 1, CreatedAt: base, UpdatedAt: base,
	}
	require.NoError(t, s.InsertLearning(ctx, l))

	found, err := s.FindLearning(ctx, "a1", model.CategoryPerson, "alice")
	require.NoError(t, err)
	assert.Equal(t, "l1", found.ID)

	found.Confidence = 60
	require.NoError(t, s.UpdateLearning(ctx, found, 1))
	assert.Equal(t, 2, found.Version)

	stale := *found
	stale.Confidence = 10
	assert.ErrorIs(t, s.UpdateLearning(ctx, &stale, 1), model.ErrConcurrentUpdate)

	dup := *l
	dup.ID = "l2"
	dup.Subject = "ALICE"
	assert.ErrorIs(t, s.InsertLearning(ctx, &dup), model.ErrConcurrentUpdate)

	list, err := s.ListLearnings(ctx, "a1", 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 60.0, list[0].Confidence)
}

func TestRelationship_RoundTripAndConflict(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	r := &model.Relationship{
		ID: "rel1", AgentID: "a1", PartnerID: "u1", PartnerType: model.PartnerHuman,
		Trust: 30, CommunicationStyle: model.StyleFormal, Version: 1,
		Milestones: []model.Milestone{{Key: "rapport:25", Description: "rapport reached 25", At: base}},
		CreatedAt: base, UpdatedAt: base,
	}
	require.NoError(t, s.InsertRelationship(ctx, r))
	dup := *r
	dup.ID = "rel2"
	assert.ErrorIs(t, s.InsertRelationship(ctx, &dup), model.ErrConcurrentUpdate)

	got, err := s.GetRelationship(ctx, "a1", "u1")
	require.NoError(t, err)
	require.Len(t, got.Milestones, 1)
	assert.True(t, got.HasMilestone("rapport:25"))

	got.Rapport = 10
	require.NoError(t, s.UpdateRelationship(ctx, got, 1))
	assert.ErrorIs(t, s.UpdateRelationship(ctx, got, 1), model.ErrConcurrentUpdate)

	all, err := s.ListRelationships(ctx, "a1")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, 10.0, all[0].Rapport)
}

func TestStats_GrowthLogAppend(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	st := model.NewStats("a1", base)
	st.Version = 1
	require.NoError(t, s.InsertStats(ctx, st))

	st.XP = 20
	entry := model.GrowthEntry{At: base, Event: "task_complete", Stat: "analysis", Delta: 1, Reason: "task: report",
		Changes: map[string]float64{"xp": 20}}
	require.NoError(t, s.UpdateStats(ctx, st, 1, []model.GrowthEntry{entry}))
	assert.Equal(t, 2, st.Version)
	assert.ErrorIs(t, s.UpdateStats(ctx, st, 1, []model.GrowthEntry{entry}), model.ErrConcurrentUpdate)

	got, err := s.GetStats(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, 20, got.XP)
	assert.Equal(t, 20.0, got.Capabilities[model.CapAnalysis])
	require.Len(t, got.GrowthLog, 1)
	assert.Equal(t, 20.0, got.GrowthLog[0].Changes["xp"])

	ids, err := s.ListAgentIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a1"}, ids)
}
