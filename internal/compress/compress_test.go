package compress_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-memory/internal/compress"
	"github.com/nidhogg/nuka-memory/internal/lock"
	"github.com/nidhogg/nuka-memory/internal/memory"
	"github.com/nidhogg/nuka-memory/internal/model"
	"github.com/nidhogg/nuka-memory/internal/testkit"
)

type fixture struct {
	env    *testkit.Env
	gen    *testkit.Generator
	engine *compress.Engine
	locks  *lock.Local
	day    time.Time
	ids    map[string]string
}

// seed writes a three-record session, a lone later record in the same
// relationship and one team record, all three days old.
func seed(t *testing.T) *fixture {
	t.Helper()
	env := testkit.NewEnv(t)
	gen := &testkit.Generator{}
	locks := lock.NewLocal()
	f := &fixture{
		env:   env,
		gen:   gen,
		locks: locks,
		day:   time.Now().UTC().AddDate(0, 0, -3).Truncate(24 * time.Hour),
		ids:   map[string]string{},
		engine: compress.NewEngine(compress.Deps{
			Repo: env.Repo, Memory: env.Memory, Gen: gen, Locker: locks,
		}, compress.DefaultConfig(), zap.NewNop()),
	}

	add := func(name string, at time.Duration, typ model.MemoryType, key, text string) {
		r := env.Write(t, &model.MemoryRecord{
			AgentID: "a1", Type: typ, Scope: model.ScopeFor(typ, key),
			RawContent: text, Tags: []string{"project:" + name[:1]}, CreatedAt: f.day.Add(at),
		})
		f.ids[name] = r.ID
	}
	add("p1", 9*time.Hour, model.TypePrivate, "r1", "Alice asked about the Apollo launch date")
	add("p2", 9*time.Hour+10*time.Minute, model.TypePrivate, "r1", "We agreed to ship Apollo on Friday")
	add("p3", 9*time.Hour+20*time.Minute, model.TypePrivate, "r1", "Alice will tell the sales team")
	add("q1", 15*time.Hour, model.TypePrivate, "r1", "Alice shared a lunch recommendation")
	add("t1", 9*time.Hour, model.TypeTeam, "t1", "Team retro moved to Thursday")
	return f
}

func TestCompress_SummarisesSessions(t *testing.T) {
	f := seed(t)
	ctx := context.Background()
	f.gen.Replies = []string{"  Apollo ships Friday; Alice informs sales.  "}

	res, err := f.engine.Compress(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, compress.Result{Groups: 3, Compressed: 3}, res)
	assert.Equal(t, 1, f.gen.CallCount(), "single-record groups are not sent to the generator")
	assert.InDelta(t, 0.2, f.gen.Calls[0].Temperature, 1e-9)

	rep, err := f.env.Repo.GetMemory(ctx, "a1", f.ids["p1"])
	require.NoError(t, err)
	assert.Equal(t, "Apollo ships Friday; Alice informs sales.", rep.Summary)
	// mean 5, log2(3), decision bonus
	assert.InDelta(t, 5+1.5849625+2, rep.Importance, 1e-6)
	assert.ElementsMatch(t, []string{f.ids["p2"], f.ids["p3"]}, rep.LinkedMemoryIDs)
	assert.True(t, rep.Compressed())

	for _, name := range []string{"p2", "p3"} {
		m, err := f.env.Repo.GetMemory(ctx, "a1", f.ids[name])
		require.NoError(t, err)
		assert.True(t, m.Absorbed(), name)
	}

	lone, err := f.env.Repo.GetMemory(ctx, "a1", f.ids["q1"])
	require.NoError(t, err)
	assert.Equal(t, "Alice shared a lunch recommendation", lone.Summary)

	again, err := f.engine.Compress(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, compress.Result{}, again, "nothing left to compress")
}

func TestCompress_GeneratorDownTruncates(t *testing.T) {
	f := seed(t)
	ctx := context.Background()
	f.gen.Err = errors.New("provider offline")

	_, err := f.engine.Compress(ctx, "a1")
	require.NoError(t, err)

	rep, err := f.env.Repo.GetMemory(ctx, "a1", f.ids["p1"])
	require.NoError(t, err)
	assert.Equal(t,
		"Alice asked about the Apollo launch date / We agreed to ship Apollo on Friday / Alice will tell the sales team",
		rep.Summary)
}

func TestCompress_AbsorbedRecordsLeaveSearch(t *testing.T) {
	f := seed(t)
	ctx := context.Background()
	f.gen.Fallback = "Apollo launch planning with Alice"

	_, err := f.engine.Compress(ctx, "a1")
	require.NoError(t, err)

	hits, err := f.env.Memory.Search(ctx, memory.SearchParams{
		AgentID: "a1", Query: "ship Apollo on Friday",
		Types: []model.MemoryType{model.TypePrivate}, Scope: model.Scope{RelationshipID: "r1"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	for _, h := range hits {
		assert.NotEqual(t, f.ids["p2"], h.Record.ID)
		assert.NotEqual(t, f.ids["p3"], h.Record.ID)
	}
}

func TestCompress_Locked(t *testing.T) {
	f := seed(t)
	ctx := context.Background()

	release, err := f.locks.Acquire(ctx, lock.AgentKey("a1"), time.Minute)
	require.NoError(t, err)
	_, err = f.engine.Compress(ctx, "a1")
	assert.ErrorIs(t, err, model.ErrLocked)
	_, err = f.engine.DailySummary(ctx, "a1", f.day)
	assert.ErrorIs(t, err, model.ErrLocked)
	release()

	_, err = f.engine.Compress(ctx, "a1")
	assert.NoError(t, err)
}

func TestCompressGroup_AlreadyCompressed(t *testing.T) {
	f := seed(t)
	ctx := context.Background()

	recs, err := f.env.Repo.GetMemories(ctx, "a1", []string{f.ids["p1"], f.ids["p2"]})
	require.NoError(t, err)
	groups := compress.GroupRecords(recs, time.Hour)
	require.Len(t, groups, 1)

	require.NoError(t, f.engine.CompressGroup(ctx, groups[0]))
	err = f.engine.CompressGroup(ctx, groups[0])
	assert.ErrorIs(t, err, model.ErrAlreadyCompressed, "the second commit finds members consumed")
}

func TestDailySummary_OneDigestPerPartition(t *testing.T) {
	f := seed(t)
	ctx := context.Background()
	f.gen.Replies = []string{"Apollo ships Friday.", "Apollo ships Friday; Alice recommended lunch."}

	_, err := f.engine.Compress(ctx, "a1")
	require.NoError(t, err)

	res, err := f.engine.DailySummary(ctx, "a1", f.day.Add(13*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, compress.DigestResult{Partitions: 2, Written: 2}, res)

	dayKey := f.day.Format(compress.DayFormat)
	priv, err := f.env.Repo.FindDigest(ctx, "a1", dayKey, model.Partition{Type: model.TypePrivate, ScopeKey: "r1"})
	require.NoError(t, err)
	assert.Equal(t, model.KindDigest, priv.Kind)
	assert.Equal(t, "Apollo ships Friday; Alice recommended lunch.", priv.Summary)
	assert.ElementsMatch(t, []string{f.ids["p1"], f.ids["q1"]}, priv.LinkedMemoryIDs)
	assert.InDelta(t, 5+1.5849625+2, priv.Importance, 1e-6, "a digest is as important as its best input")

	team, err := f.env.Repo.FindDigest(ctx, "a1", dayKey, model.Partition{Type: model.TypeTeam, ScopeKey: "t1"})
	require.NoError(t, err)
	assert.Equal(t, "Team retro moved to Thursday", team.Summary)
	assert.Equal(t, "t1", team.Scope.TeamID)
	assert.Equal(t, 2, f.gen.CallCount(), "single-summary partitions reuse the summary")

	again, err := f.engine.DailySummary(ctx, "a1", f.day)
	require.NoError(t, err)
	assert.Equal(t, compress.DigestResult{Partitions: 2, Skipped: 2}, again)
}

func TestDailySummary_NoSummaries(t *testing.T) {
	f := seed(t)
	res, err := f.engine.DailySummary(context.Background(), "a1", f.day)
	require.NoError(t, err)
	assert.Zero(t, res.Partitions)
}
