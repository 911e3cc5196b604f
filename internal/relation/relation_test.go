package relation

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-memory/internal/model"
	"github.com/nidhogg/nuka-memory/internal/store"
)

var start = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

func newTestTracker(t *testing.T, mirror Mirror) (*Tracker, *store.Store) {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "rel.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(repo.Close)
	require.NoError(t, repo.Migrate(context.Background()))

	tr := NewTracker(repo, mirror, DefaultConfig(), zap.NewNop())
	tr.now = func() time.Time { return start }
	return tr, repo
}

func positive() model.Signal { return model.Signal{Outcome: model.OutcomePositive} }

func TestOnInteraction_CreatesLazily(t *testing.T) {
	tr, _ := newTestTracker(t, nil)
	ctx := context.Background()

	_, err := tr.Get(ctx, "a1", "u1")
	assert.ErrorIs(t, err, model.ErrNotFound)

	r, err := tr.OnInteraction(ctx, "a1", "u1", model.PartnerHuman, positive())
	require.NoError(t, err)
	assert.Equal(t, 4.0, r.Rapport)
	assert.Equal(t, 32.0, r.Trust)
	assert.Equal(t, 2.0, r.Familiarity)
	assert.Equal(t, 1, r.InteractionCount)
	assert.Equal(t, model.StyleFormal, r.CommunicationStyle)
	assert.Empty(t, r.Milestones)
	assert.True(t, r.Boundaries.AllowCasual)

	stored, err := tr.Get(ctx, "a1", "u1")
	require.NoError(t, err)
	assert.Equal(t, r.Rapport, stored.Rapport)
	assert.Equal(t, 1, stored.Version)
}

func TestOnInteraction_ThresholdMilestonesOnce(t *testing.T) {
	tr, _ := newTestTracker(t, nil)
	ctx := context.Background()

	var r *model.Relationship
	var err error
	for i := 0; i < 10; i++ {
		r, err = tr.OnInteraction(ctx, "a1", "u1", model.PartnerHuman, positive())
		require.NoError(t, err)
	}
	assert.Equal(t, 40.0, r.Rapport)
	assert.Equal(t, []string{"rapport:25", "trust:50"}, milestoneKeys(r))

	for i := 0; i < 30; i++ {
		r, err = tr.OnInteraction(ctx, "a1", "u1", model.PartnerHuman, positive())
		require.NoError(t, err)
	}
	assert.Equal(t, 100.0, r.Rapport, "scores clamp at 100")
	assert.Equal(t, 100.0, r.Trust)
	assert.Equal(t, 80.0, r.Familiarity)

	counts := map[string]int{}
	for _, k := range milestoneKeys(r) {
		counts[k]++
	}
	for _, k := range []string{"rapport:25", "rapport:50", "rapport:75", "trust:50", "trust:75", "familiarity:25", "familiarity:50", "familiarity:75"} {
		assert.Equal(t, 1, counts[k], k)
	}
	assert.Equal(t, model.StyleCasual, r.CommunicationStyle)
}

func TestOnInteraction_TrustCostsMoreToLose(t *testing.T) {
	tr, _ := newTestTracker(t, nil)
	ctx := context.Background()

	_, err := tr.OnInteraction(ctx, "a1", "u1", model.PartnerHuman, positive())
	require.NoError(t, err)
	r, err := tr.OnInteraction(ctx, "a1", "u1", model.PartnerHuman, model.Signal{Outcome: model.OutcomeNegative})
	require.NoError(t, err)
	assert.Equal(t, 26.0, r.Trust)
	assert.Equal(t, 1.0, r.Rapport)
	assert.Equal(t, 2.0, r.Familiarity, "negative signals never reduce familiarity")
}

func TestOnInteraction_GuardedAfterNegatives(t *testing.T) {
	r := New("a1", "u1", model.PartnerHuman, DefaultConfig(), start)
	r.Familiarity = 40
	for i := 0; i < 3; i++ {
		r = Apply(r, model.Signal{Outcome: model.OutcomeNegative}, start, DefaultConfig())
	}
	assert.Equal(t, 12.0, r.Trust)
	assert.Equal(t, model.StyleGuarded, r.CommunicationStyle)
}

func TestOnInteraction_ExplicitMilestone(t *testing.T) {
	tr, _ := newTestTracker(t, nil)
	r, err := tr.OnInteraction(context.Background(), "a1", "u1", model.PartnerHuman,
		model.Signal{Outcome: model.OutcomeMilestone, Note: "first meeting together"})
	require.NoError(t, err)
	require.Len(t, r.Milestones, 1)
	assert.Equal(t, "first meeting together", r.Milestones[0].Description)
	assert.Equal(t, 2.0, r.Rapport)
}

func TestOnInteraction_Validation(t *testing.T) {
	tr, _ := newTestTracker(t, nil)
	ctx := context.Background()
	_, err := tr.OnInteraction(ctx, "a1", "u1", "robot", positive())
	assert.ErrorIs(t, err, model.ErrInvalidScope)
	_, err = tr.OnInteraction(ctx, "a1", "u1", model.PartnerAgent, model.Signal{Outcome: "ecstatic"})
	assert.ErrorIs(t, err, model.ErrInvalidScope)
	_, err = tr.OnInteraction(ctx, "", "u1", model.PartnerAgent, positive())
	assert.ErrorIs(t, err, model.ErrInvalidScope)
}

func TestApply_CapsDeltas(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxDelta = 1
	r := Apply(New("a1", "u1", model.PartnerAgent, cfg, start), model.Signal{Outcome: model.OutcomeNegative}, start, cfg)
	assert.Equal(t, 29.0, r.Trust)
}

type racingRepo struct {
	Repository
	races int
}

func (r *racingRepo) UpdateRelationship(ctx context.Context, rel *model.Relationship, v int) error {
	if r.races > 0 {
		r.races--
		return model.ErrConcurrentUpdate
	}
	return r.Repository.UpdateRelationship(ctx, rel, v)
}

func TestOnInteraction_RetriesOnce(t *testing.T) {
	tr, repo := newTestTracker(t, nil)
	ctx := context.Background()
	_, err := tr.OnInteraction(ctx, "a1", "u1", model.PartnerHuman, positive())
	require.NoError(t, err)

	racing := &racingRepo{Repository: repo, races: 1}
	tr.repo = racing
	r, err := tr.OnInteraction(ctx, "a1", "u1", model.PartnerHuman, positive())
	require.NoError(t, err)
	assert.Equal(t, 8.0, r.Rapport)

	racing.races = 2
	_, err = tr.OnInteraction(ctx, "a1", "u1", model.PartnerHuman, positive())
	assert.ErrorIs(t, err, model.ErrConcurrentUpdate)
}

type recordingMirror struct {
	bonds []*model.Relationship
	err   error
}

func (m *recordingMirror) UpsertBond(ctx context.Context, r *model.Relationship) error {
	m.bonds = append(m.bonds, r)
	return m.err
}

func TestOnInteraction_MirrorIsBestEffort(t *testing.T) {
	mirror := &recordingMirror{err: errors.New("neo4j down")}
	tr, _ := newTestTracker(t, mirror)
	_, err := tr.OnInteraction(context.Background(), "a1", "u1", model.PartnerHuman, positive())
	require.NoError(t, err)
	assert.Len(t, mirror.bonds, 1)
}

func TestDecayIdle(t *testing.T) {
	tr, _ := newTestTracker(t, nil)
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		_, err := tr.OnInteraction(ctx, "a1", "u1", model.PartnerHuman, positive())
		require.NoError(t, err)
	}

	tr.now = func() time.Time { return start.Add(10 * 24 * time.Hour) }
	n, err := tr.DecayIdle(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, 0, n, "not idle long enough")

	tr.now = func() time.Time { return start.Add(28 * 24 * time.Hour) }
	n, err = tr.DecayIdle(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	r, err := tr.Get(ctx, "a1", "u1")
	require.NoError(t, err)
	assert.InDelta(t, 18.0, r.Familiarity, 1e-9, "two idle weeks past the grace period")

	n, err = tr.DecayIdle(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, 0, n, "no further loss at the same instant")
}

func TestSetBoundaries(t *testing.T) {
	tr, _ := newTestTracker(t, nil)
	ctx := context.Background()
	_, err := tr.SetBoundaries(ctx, "a1", "u1", model.Boundaries{})
	assert.ErrorIs(t, err, model.ErrNotFound)

	_, err = tr.OnInteraction(ctx, "a1", "u1", model.PartnerHuman, positive())
	require.NoError(t, err)
	r, err := tr.SetBoundaries(ctx, "a1", "u1", model.Boundaries{TopicsOffLimits: []string{"salary"}})
	require.NoError(t, err)
	assert.False(t, r.Boundaries.AllowCasual)

	stored, err := tr.Get(ctx, "a1", "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"salary"}, stored.Boundaries.TopicsOffLimits)
}

func milestoneKeys(r *model.Relationship) []string {
	var keys []string
	for _, m := range r.Milestones {
		keys = append(keys, m.Key)
	}
	return keys
}
