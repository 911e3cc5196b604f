// Package growth levels agents up: capability scores, domain expertise,
// experience, and a trust score driven by recent task outcomes.
package growth

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/nuka-memory/internal/model"
)

// Repository persists stats with optimistic concurrency and an append-only
// growth log.
type Repository interface {
	GetStats(ctx context.Context, agentID string) (*model.Stats, error)
	InsertStats(ctx context.Context, st *model.Stats) error
	UpdateStats(ctx context.Context, st *model.Stats, expectedVersion int, entries []model.GrowthEntry) error
	ListGrowthLog(ctx context.Context, agentID string, limit int) ([]model.GrowthEntry, error)
}

// Config tunes progression.
type Config struct {
	OutcomeWindow int
	// TrustAlpha is the EMA weight pulling trust toward 100 x success rate.
	TrustAlpha   float64
	MaxTrustStep float64
	MaxLevel     int
}

// DefaultConfig returns the standard tuning.
func DefaultConfig() Config {
	return Config{OutcomeWindow: 20, TrustAlpha: 0.2, MaxTrustStep: 5, MaxLevel: 100}
}

// recentEntries is how much growth log a returned Stats carries.
const recentEntries = 20

// XP awarded per event.
const (
	xpConversation    = 5
	xpMeeting         = 15
	xpTaskSuccess     = 20
	xpTaskFailure     = 5
	xpWorkflowSuccess = 25
	xpWorkflowFailure = 5
)

// XPForLevel is the cumulative experience needed to reach level n.
func XPForLevel(n int) int {
	if n <= 1 {
		return 0
	}
	return 50 * n * (n - 1)
}

// LevelFor returns the level xp reaches, capped at maxLevel.
func LevelFor(xp, maxLevel int) int {
	level := 1
	for level < maxLevel && XPForLevel(level+1) <= xp {
		level++
	}
	return level
}

// Engine applies completion events to stored stats.
type Engine struct {
	repo   Repository
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

// NewEngine creates an engine.
func NewEngine(repo Repository, cfg Config, logger *zap.Logger) *Engine {
	if cfg.OutcomeWindow == 0 {
		cfg = DefaultConfig()
	}
	return &Engine{repo: repo, cfg: cfg, logger: logger, now: time.Now}
}

// Get returns the stats of agentID, or the baseline if it has none yet.
func (e *Engine) Get(ctx context.Context, agentID string) (*model.Stats, error) {
	st, err := e.repo.GetStats(ctx, agentID)
	if errors.Is(err, model.ErrNotFound) {
		return model.NewStats(agentID, e.now().UTC()), nil
	}
	return st, err
}

// Log returns up to limit growth entries, oldest first.
func (e *Engine) Log(ctx context.Context, agentID string, limit int) ([]model.GrowthEntry, error) {
	return e.repo.ListGrowthLog(ctx, agentID, limit)
}

// OnConversationComplete credits a conversation.
func (e *Engine) OnConversationComplete(ctx context.Context, agentID string, ev Conversation) (*model.Stats, error) {
	return e.record(ctx, agentID, "conversation", "conversation completed", func(c *change) {
		c.st.Counters.TotalInteractions++
		c.capability(model.CapCommunication, 0.5)
		c.xp(xpConversation)
		c.response(ev.ResponseTime)
		c.cost(ev.Cost)
	})
}

// OnMeetingComplete credits a meeting; leading it builds leadership faster.
func (e *Engine) OnMeetingComplete(ctx context.Context, agentID string, ev Meeting) (*model.Stats, error) {
	reason := "attended meeting"
	if ev.Led {
		reason = "led meeting"
	}
	return e.record(ctx, agentID, "meeting", reason, func(c *change) {
		c.st.Counters.Meetings++
		c.capability(model.CapCommunication, 0.5)
		if ev.Led {
			c.capability(model.CapLeadership, 1)
		} else {
			c.capability(model.CapLeadership, 0.3)
		}
		c.xp(xpMeeting)
		c.cost(ev.Cost)
	})
}

// OnTaskComplete credits a task and feeds its outcome into trust.
func (e *Engine) OnTaskComplete(ctx context.Context, agentID string, ev Task) (*model.Stats, error) {
	if ev.domain() == "" {
		return nil, fmt.Errorf("%w: task needs a category or domain", model.ErrInvalidScope)
	}
	return e.record(ctx, agentID, "task", ev.reason(), func(c *change) {
		if ev.Success {
			c.st.Counters.TasksCompleted++
		} else {
			c.st.Counters.TasksFailed++
		}
		if capability := model.Capability(ev.Category); capability.Valid() {
			c.capability(capability, pick(ev.Success, 1, 0.2))
		}
		c.expertise(ev.domain(), pick(ev.Success, 2, 0.5))
		c.xp(int(pick(ev.Success, xpTaskSuccess, xpTaskFailure)))
		c.outcome(ev.Success)
		c.response(ev.ResponseTime)
		c.cost(ev.Cost)
	})
}

// OnWorkflowComplete credits a workflow execution.
func (e *Engine) OnWorkflowComplete(ctx context.Context, agentID string, ev Workflow) (*model.Stats, error) {
	return e.record(ctx, agentID, "workflow", ev.reason(), func(c *change) {
		c.st.Counters.WorkflowExecutions++
		c.capability(model.CapAnalysis, 0.5)
		c.capability(model.CapLeadership, 0.5)
		if ev.Domain != "" {
			c.expertise(ev.Domain, 1.5)
		}
		c.xp(int(pick(ev.Success, xpWorkflowSuccess, xpWorkflowFailure)))
		c.outcome(ev.Success)
		c.cost(ev.Cost)
	})
}

// record applies mutate to a fresh copy of the stored stats and writes it
// with one growth entry. A lost race is retried once.
func (e *Engine) record(ctx context.Context, agentID, event, reason string, mutate func(*change)) (*model.Stats, error) {
	if agentID == "" {
		return nil, fmt.Errorf("%w: agent_id is required", model.ErrInvalidScope)
	}
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		var cur *model.Stats
		cur, err = e.load(ctx, agentID)
		if err != nil {
			if errors.Is(err, model.ErrConcurrentUpdate) {
				continue
			}
			return nil, err
		}

		now := e.now().UTC()
		c := &change{st: cur.Clone(), cfg: e.cfg, entry: model.GrowthEntry{
			At: now, Event: event, Reason: reason, Changes: map[string]float64{},
		}}
		mutate(c)
		c.finish()
		c.st.UpdatedAt = now

		if err = e.repo.UpdateStats(ctx, c.st, cur.Version, []model.GrowthEntry{c.entry}); err == nil {
			c.st.GrowthLog = append(c.st.GrowthLog, c.entry)
			if over := len(c.st.GrowthLog) - recentEntries; over > 0 {
				c.st.GrowthLog = c.st.GrowthLog[over:]
			}
			if c.leveled {
				e.logger.Info("agent leveled up", zap.String("agent", agentID), zap.Int("level", c.st.Level))
			}
			return c.st, nil
		}
		if !errors.Is(err, model.ErrConcurrentUpdate) {
			return nil, err
		}
		e.logger.Debug("stats update raced, retrying", zap.String("agent", agentID))
	}
	return nil, err
}

// load returns the stored stats, inserting the baseline on first use.
func (e *Engine) load(ctx context.Context, agentID string) (*model.Stats, error) {
	st, err := e.repo.GetStats(ctx, agentID)
	if !errors.Is(err, model.ErrNotFound) {
		return st, err
	}
	st = model.NewStats(agentID, e.now().UTC())
	st.Version = 1
	if err := e.repo.InsertStats(ctx, st); err != nil {
		return nil, err
	}
	return st, nil
}

// change accumulates one event's mutations and their audit entry.
type change struct {
	st      *model.Stats
	cfg     Config
	entry   model.GrowthEntry
	order   []string
	leveled bool
}

func (c *change) note(stat string, delta float64) {
	if delta == 0 {
		return
	}
	if _, ok := c.entry.Changes[stat]; !ok {
		c.order = append(c.order, stat)
	}
	c.entry.Changes[stat] += delta
}

func (c *change) capability(capability model.Capability, delta float64) {
	before := c.st.Capabilities[capability]
	after := model.ClampScore(before + delta)
	c.st.Capabilities[capability] = after
	c.note(string(capability), after-before)
}

func (c *change) expertise(domain string, delta float64) {
	before := c.st.Expertise[domain]
	after := model.ClampScore(before + delta)
	c.st.Expertise[domain] = after
	c.note("expertise:"+domain, after-before)
}

func (c *change) xp(n int) {
	c.st.XP += n
	c.note("xp", float64(n))
	if level := LevelFor(c.st.XP, c.cfg.MaxLevel); level > c.st.Level {
		c.note("level", float64(level-c.st.Level))
		c.st.Level = level
		c.leveled = true
	}
}

// outcome slides the success window and pulls trust toward it.
func (c *change) outcome(success bool) {
	p := &c.st.Performance
	p.Outcomes = append(p.Outcomes, success)
	if over := len(p.Outcomes) - c.cfg.OutcomeWindow; over > 0 {
		p.Outcomes = p.Outcomes[over:]
	}
	wins := 0
	for _, ok := range p.Outcomes {
		if ok {
			wins++
		}
	}
	p.SuccessRate = float64(wins) / float64(len(p.Outcomes))

	step := c.cfg.TrustAlpha * (100*p.SuccessRate - p.TrustScore)
	step = math.Max(-c.cfg.MaxTrustStep, math.Min(c.cfg.MaxTrustStep, step))
	before := p.TrustScore
	p.TrustScore = model.ClampScore(before + step)
	c.note("trust_score", p.TrustScore-before)
}

func (c *change) response(d time.Duration) {
	if d <= 0 {
		return
	}
	p := &c.st.Performance
	p.ResponseSamples++
	p.AvgResponseMs += (float64(d.Milliseconds()) - p.AvgResponseMs) / float64(p.ResponseSamples)
}

func (c *change) cost(v float64) {
	if v > 0 {
		c.st.Performance.TotalCost += v
	}
}

// finish picks the headline: the first score that moved, else xp.
func (c *change) finish() {
	for _, stat := range c.order {
		if stat != "xp" && stat != "level" {
			c.entry.Stat, c.entry.Delta = stat, c.entry.Changes[stat]
			return
		}
	}
	c.entry.Stat, c.entry.Delta = "xp", c.entry.Changes["xp"]
}

func pick(cond bool, a, b float64) float64 {
	if cond {
		return a
	}
	return b
}
