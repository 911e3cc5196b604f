// Package relation tracks how an agent's bond with each partner evolves:
// rapport, trust and familiarity scores, the style they imply, and the
// milestones along the way.
package relation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-memory/internal/model"
)

// Repository persists relationships with optimistic concurrency.
type Repository interface {
	GetRelationship(ctx context.Context, agentID, partnerID string) (*model.Relationship, error)
	InsertRelationship(ctx context.Context, r *model.Relationship) error
	UpdateRelationship(ctx context.Context, r *model.Relationship, expectedVersion int) error
	ListRelationships(ctx context.Context, agentID string) ([]*model.Relationship, error)
}

// Mirror receives a copy of every committed relationship.
type Mirror interface {
	UpsertBond(ctx context.Context, r *model.Relationship) error
}

// Config tunes the update rule.
type Config struct {
	// MaxDelta caps how far one interaction moves any score.
	MaxDelta     float64
	InitialTrust float64
	Thresholds   []float64
	// IdleAfter is how long a relationship may rest before familiarity fades.
	IdleAfter    time.Duration
	DecayPerWeek float64
}

// DefaultConfig returns the standard tuning.
func DefaultConfig() Config {
	return Config{
		MaxDelta:     10,
		InitialTrust: 30,
		Thresholds:   []float64{25, 50, 75},
		IdleAfter:    14 * 24 * time.Hour,
		DecayPerWeek: 1,
	}
}

type deltas struct{ rapport, familiarity, trust float64 }

// signalDeltas is the score movement per outcome. Trust falls faster than it rises.
var signalDeltas = map[model.Outcome]deltas{
	model.OutcomePositive:  {rapport: 4, familiarity: 2, trust: 2},
	model.OutcomeNeutral:   {familiarity: 1},
	model.OutcomeNegative:  {rapport: -3, trust: -6},
	model.OutcomeMilestone: {rapport: 2, familiarity: 2, trust: 1},
}

// Tracker applies interaction signals to stored relationships.
type Tracker struct {
	repo   Repository
	mirror Mirror
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

// NewTracker creates a tracker. mirror may be nil.
func NewTracker(repo Repository, mirror Mirror, cfg Config, logger *zap.Logger) *Tracker {
	if cfg.MaxDelta == 0 {
		cfg = DefaultConfig()
	}
	return &Tracker{repo: repo, mirror: mirror, cfg: cfg, logger: logger, now: time.Now}
}

// Get returns the relationship of agentID with partnerID.
func (t *Tracker) Get(ctx context.Context, agentID, partnerID string) (*model.Relationship, error) {
	return t.repo.GetRelationship(ctx, agentID, partnerID)
}

// List returns every relationship of agentID.
func (t *Tracker) List(ctx context.Context, agentID string) ([]*model.Relationship, error) {
	return t.repo.ListRelationships(ctx, agentID)
}

// OnInteraction applies one signal, creating the relationship on first
// contact. A lost race is retried once against the fresh row.
func (t *Tracker) OnInteraction(ctx context.Context, agentID, partnerID string, partnerType model.PartnerType, sig model.Signal) (*model.Relationship, error) {
	if strings.TrimSpace(agentID) == "" || strings.TrimSpace(partnerID) == "" {
		return nil, fmt.Errorf("%w: agent and partner are required", model.ErrInvalidScope)
	}
	if !partnerType.Valid() {
		return nil, fmt.Errorf("%w: unknown partner type %q", model.ErrInvalidScope, partnerType)
	}
	if !sig.Outcome.Valid() {
		return nil, fmt.Errorf("%w: unknown outcome %q", model.ErrInvalidScope, sig.Outcome)
	}

	var err error
	for attempt := 0; attempt < 2; attempt++ {
		var next *model.Relationship
		next, err = t.apply(ctx, agentID, partnerID, partnerType, sig)
		if err == nil {
			t.project(ctx, next)
			return next, nil
		}
		if !errors.Is(err, model.ErrConcurrentUpdate) {
			return nil, err
		}
		t.logger.Debug("relationship update raced, retrying",
			zap.String("agent", agentID), zap.String("partner", partnerID))
	}
	return nil, err
}

func (t *Tracker) apply(ctx context.Context, agentID, partnerID string, partnerType model.PartnerType, sig model.Signal) (*model.Relationship, error) {
	now := t.now().UTC()
	cur, err := t.repo.GetRelationship(ctx, agentID, partnerID)
	switch {
	case errors.Is(err, model.ErrNotFound):
		fresh := New(agentID, partnerID, partnerType, t.cfg, now)
		next := Apply(fresh, sig, now, t.cfg)
		next.Version = 1
		if err := t.repo.InsertRelationship(ctx, next); err != nil {
			return nil, err
		}
		return next, nil
	case err != nil:
		return nil, err
	}
	next := Apply(cur, sig, now, t.cfg)
	if err := t.repo.UpdateRelationship(ctx, next, cur.Version); err != nil {
		return nil, err
	}
	return next, nil
}

// SetBoundaries replaces the boundaries of an existing relationship.
func (t *Tracker) SetBoundaries(ctx context.Context, agentID, partnerID string, b model.Boundaries) (*model.Relationship, error) {
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		var cur *model.Relationship
		cur, err = t.repo.GetRelationship(ctx, agentID, partnerID)
		if err != nil {
			return nil, err
		}
		next := clone(cur)
		next.Boundaries = b
		next.UpdatedAt = t.now().UTC()
		if err = t.repo.UpdateRelationship(ctx, next, cur.Version); err == nil {
			return next, nil
		}
		if !errors.Is(err, model.ErrConcurrentUpdate) {
			return nil, err
		}
	}
	return nil, err
}

// DecayIdle fades familiarity of relationships idle past IdleAfter. It
// returns how many relationships changed.
func (t *Tracker) DecayIdle(ctx context.Context, agentID string) (int, error) {
	rels, err := t.repo.ListRelationships(ctx, agentID)
	if err != nil {
		return 0, err
	}
	now := t.now().UTC()
	failed := &model.PartialBatchFailure{Job: "decay", Total: len(rels)}
	changed := 0
	for _, r := range rels {
		next, ok := Decay(r, now, t.cfg)
		if !ok {
			continue
		}
		if err := t.repo.UpdateRelationship(ctx, next, r.Version); err != nil {
			failed.Add(r.PartnerID, err)
			continue
		}
		changed++
		t.project(ctx, next)
	}
	return changed, failed.ErrOrNil()
}

func (t *Tracker) project(ctx context.Context, r *model.Relationship) {
	if t.mirror == nil {
		return
	}
	if err := t.mirror.UpsertBond(ctx, r); err != nil {
		t.logger.Warn("mirror relationship failed",
			zap.String("agent", r.AgentID), zap.String("partner", r.PartnerID), zap.Error(err))
	}
}

// New returns the state of a relationship before its first interaction.
func New(agentID, partnerID string, partnerType model.PartnerType, cfg Config, now time.Time) *model.Relationship {
	return &model.Relationship{
		ID:                 uuid.New().String(),
		AgentID:            agentID,
		PartnerID:          partnerID,
		PartnerType:        partnerType,
		Trust:              cfg.InitialTrust,
		CommunicationStyle: model.DeriveStyle(0, cfg.InitialTrust, 0),
		Boundaries:         model.DefaultBoundaries(),
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

// Apply returns r after sig. r is not modified.
func Apply(r *model.Relationship, sig model.Signal, now time.Time, cfg Config) *model.Relationship {
	next := clone(r)
	d := signalDeltas[sig.Outcome]

	type score struct {
		name  string
		value *float64
		delta float64
	}
	for _, s := range []score{
		{"rapport", &next.Rapport, d.rapport},
		{"trust", &next.Trust, d.trust},
		{"familiarity", &next.Familiarity, d.familiarity},
	} {
		before := *s.value
		*s.value = model.ClampScore(before + capDelta(s.delta, cfg.MaxDelta))
		for _, th := range cfg.Thresholds {
			key := fmt.Sprintf("%s:%g", s.name, th)
			if before < th && *s.value >= th && !next.HasMilestone(key) {
				next.Milestones = append(next.Milestones, model.Milestone{
					Key:         key,
					Description: fmt.Sprintf("%s reached %g", s.name, th),
					At:          now,
				})
			}
		}
	}

	if sig.Outcome == model.OutcomeMilestone {
		desc := strings.TrimSpace(sig.Note)
		if desc == "" {
			desc = "milestone"
		}
		next.Milestones = append(next.Milestones, model.Milestone{Description: desc, At: now})
	}

	next.InteractionCount++
	next.LastInteractionAt = &now
	next.CommunicationStyle = model.DeriveStyle(next.Rapport, next.Trust, next.Familiarity)
	next.UpdatedAt = now
	return next
}

// Decay returns r with idle familiarity loss applied, and whether anything
// changed. Loss accrues per week past IdleAfter since the later of the idle
// start and the previous decay.
func Decay(r *model.Relationship, now time.Time, cfg Config) (*model.Relationship, bool) {
	if r.LastInteractionAt == nil || r.Familiarity <= 0 {
		return r, false
	}
	from := r.LastInteractionAt.Add(cfg.IdleAfter)
	if r.DecayedAt != nil && r.DecayedAt.After(from) {
		from = *r.DecayedAt
	}
	if !now.After(from) {
		return r, false
	}
	loss := now.Sub(from).Hours() / (24 * 7) * cfg.DecayPerWeek
	if loss <= 0 {
		return r, false
	}

	next := clone(r)
	next.Familiarity = model.ClampScore(next.Familiarity - loss)
	next.DecayedAt = &now
	next.CommunicationStyle = model.DeriveStyle(next.Rapport, next.Trust, next.Familiarity)
	next.UpdatedAt = now
	return next, true
}

func capDelta(d, limit float64) float64 {
	if d > limit {
		return limit
	}
	if d < -limit {
		return -limit
	}
	return d
}

func clone(r *model.Relationship) *model.Relationship {
	c := *r
	c.Milestones = append([]model.Milestone(nil), r.Milestones...)
	c.Boundaries.TopicsOffLimits = append([]string(nil), r.Boundaries.TopicsOffLimits...)
	return &c
}
