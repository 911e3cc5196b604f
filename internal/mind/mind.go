// Package mind is the boundary of the memory subsystem: one facade over
// the memory store, relationships, growth, batch engines, retrieval and
// behavior shaping.
package mind

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/nidhogg/nuka-memory/internal/behavior"
	"github.com/nidhogg/nuka-memory/internal/compress"
	"github.com/nidhogg/nuka-memory/internal/growth"
	"github.com/nidhogg/nuka-memory/internal/insight"
	"github.com/nidhogg/nuka-memory/internal/memory"
	"github.com/nidhogg/nuka-memory/internal/metrics"
	"github.com/nidhogg/nuka-memory/internal/model"
	"github.com/nidhogg/nuka-memory/internal/relation"
	"github.com/nidhogg/nuka-memory/internal/retrieval"
)

// Config bounds background work.
type Config struct {
	// MaxBackground caps concurrently running interaction writes.
	MaxBackground     int64
	BackgroundTimeout time.Duration
	TopLearnings      int
	ReindexBatch      int
}

// DefaultConfig returns the standard limits.
func DefaultConfig() Config {
	return Config{MaxBackground: 64, BackgroundTimeout: 30 * time.Second, TopLearnings: 5, ReindexBatch: 100}
}

// Deps are the engines behind the facade.
type Deps struct {
	Memory     *memory.Store
	Relations  *relation.Tracker
	Growth     *growth.Engine
	Compressor *compress.Engine
	Insights   *insight.Extractor
	Retriever  *retrieval.Retriever
	Adapter    *behavior.Adapter
	Metrics    *metrics.Metrics
}

// Mind serves one process's agents. It holds no per-agent state; every
// call names its agent.
type Mind struct {
	Deps
	cfg    Config
	sem    *semaphore.Weighted
	wg     sync.WaitGroup
	logger *zap.Logger
}

// New creates a facade.
func New(d Deps, cfg Config, logger *zap.Logger) *Mind {
	if cfg.MaxBackground == 0 {
		cfg = DefaultConfig()
	}
	return &Mind{Deps: d, cfg: cfg, sem: semaphore.NewWeighted(cfg.MaxBackground), logger: logger}
}

// WriteMemory stores one record. A record returned together with an error
// wrapping model.ErrCollaboratorUnavailable is durable but not yet
// searchable.
func (m *Mind) WriteMemory(ctx context.Context, rec *model.MemoryRecord) (*model.MemoryRecord, error) {
	return m.Memory.Write(ctx, rec)
}

// SearchMemory runs a permission-filtered semantic search.
func (m *Mind) SearchMemory(ctx context.Context, p memory.SearchParams) ([]memory.Hit, error) {
	return m.Memory.Search(ctx, p)
}

// RetrieveForPrompt ranks context for a prompt and renders it.
func (m *Mind) RetrieveForPrompt(ctx context.Context, req retrieval.Request, budget retrieval.Budget) (*retrieval.Result, string, error) {
	res, err := m.Retriever.Retrieve(ctx, req)
	if err != nil {
		return nil, "", err
	}
	return res, retrieval.FormatContext(res, budget), nil
}

// OnInteraction updates the relationship with partnerID.
func (m *Mind) OnInteraction(ctx context.Context, agentID, partnerID string, pt model.PartnerType, sig model.Signal) (*model.Relationship, error) {
	return m.Relations.OnInteraction(ctx, agentID, partnerID, pt, sig)
}

// OnConversationComplete records a finished conversation in the stats.
func (m *Mind) OnConversationComplete(ctx context.Context, agentID string, ev growth.Conversation) (*model.Stats, error) {
	return m.Growth.OnConversationComplete(ctx, agentID, ev)
}

// OnMeetingComplete records a finished meeting in the stats.
func (m *Mind) OnMeetingComplete(ctx context.Context, agentID string, ev growth.Meeting) (*model.Stats, error) {
	return m.Growth.OnMeetingComplete(ctx, agentID, ev)
}

// OnTaskComplete records a finished task in the stats.
func (m *Mind) OnTaskComplete(ctx context.Context, agentID string, ev growth.Task) (*model.Stats, error) {
	return m.Growth.OnTaskComplete(ctx, agentID, ev)
}

// OnWorkflowComplete records a finished workflow in the stats.
func (m *Mind) OnWorkflowComplete(ctx context.Context, agentID string, ev growth.Workflow) (*model.Stats, error) {
	return m.Growth.OnWorkflowComplete(ctx, agentID, ev)
}

// BehaviorContext renders the prompt fragment for talking to partnerID.
// An unknown partner yields a fragment without the relationship section.
func (m *Mind) BehaviorContext(ctx context.Context, agentID, partnerID string) (string, error) {
	stats, err := m.Growth.Get(ctx, agentID)
	if err != nil {
		return "", fmt.Errorf("load stats: %w", err)
	}
	var rel *model.Relationship
	if partnerID != "" {
		rel, err = m.Relations.Get(ctx, agentID, partnerID)
		if err != nil && !errors.Is(err, model.ErrNotFound) {
			return "", fmt.Errorf("load relationship: %w", err)
		}
	}
	learnings, err := m.Insights.Learnings(ctx, agentID, m.cfg.TopLearnings)
	if err != nil {
		return "", fmt.Errorf("load learnings: %w", err)
	}
	return behavior.PromptFragment(stats, rel, learnings, m.cfg.TopLearnings), nil
}

// Learnings lists the agent's learnings, most confident first, optionally
// narrowed to one category.
func (m *Mind) Learnings(ctx context.Context, agentID string, category model.Category, limit int) ([]*model.Learning, error) {
	if category == "" {
		return m.Insights.Learnings(ctx, agentID, limit)
	}
	all, err := m.Insights.Learnings(ctx, agentID, 1000)
	if err != nil {
		return nil, err
	}
	out := make([]*model.Learning, 0, len(all))
	for _, l := range all {
		if l.Category != category {
			continue
		}
		out = append(out, l)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// AdaptReply rewrites a generated reply into the style of the agent's
// relationship with partnerID. Unknown partners get the formal style.
func (m *Mind) AdaptReply(ctx context.Context, agentID, partnerID, text string) (string, error) {
	style := model.StyleFormal
	rel, err := m.Relations.Get(ctx, agentID, partnerID)
	switch {
	case err == nil:
		style = rel.Boundaries.Effective(rel.CommunicationStyle)
	case !errors.Is(err, model.ErrNotFound):
		return "", err
	}
	return m.Adapter.Adapt(ctx, text, style), nil
}

// Interaction is everything one exchange contributes to memory.
type Interaction struct {
	AgentID     string            `json:"agent_id"`
	PartnerID   string            `json:"partner_id"`
	PartnerType model.PartnerType `json:"partner_type"`
	// Memory is stored when set.
	Memory *model.MemoryRecord `json:"memory,omitempty"`
	// Signal updates the relationship when its outcome is set.
	Signal model.Signal `json:"signal"`
	// Conversation updates the stats when set.
	Conversation *growth.Conversation `json:"conversation,omitempty"`
}

// RecordInteraction dispatches the memory write, the relationship update
// and the stats update as independent background tasks and returns at
// once. Failures are logged and counted, never returned; call Wait to
// block until the tasks finish.
func (m *Mind) RecordInteraction(ctx context.Context, in Interaction) {
	if in.Memory != nil {
		rec := *in.Memory
		if rec.AgentID == "" {
			rec.AgentID = in.AgentID
		}
		m.background(ctx, "memory_write", in.AgentID, func(ctx context.Context) error {
			_, err := m.Memory.Write(ctx, &rec)
			return err
		})
	}
	if in.Signal.Outcome != "" && in.PartnerID != "" {
		pt := in.PartnerType
		if pt == "" {
			pt = model.PartnerHuman
		}
		m.background(ctx, "relationship", in.AgentID, func(ctx context.Context) error {
			_, err := m.Relations.OnInteraction(ctx, in.AgentID, in.PartnerID, pt, in.Signal)
			return err
		})
	}
	if in.Conversation != nil {
		ev := *in.Conversation
		if ev.PartnerID == "" {
			ev.PartnerID = in.PartnerID
		}
		m.background(ctx, "stats", in.AgentID, func(ctx context.Context) error {
			_, err := m.Growth.OnConversationComplete(ctx, in.AgentID, ev)
			return err
		})
	}
}

// background runs fn detached from the caller's cancellation, bounded by
// the semaphore and the background timeout.
func (m *Mind) background(ctx context.Context, task, agentID string, fn func(context.Context) error) {
	ctx = context.WithoutCancel(ctx)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(ctx, m.cfg.BackgroundTimeout)
		defer cancel()

		err := m.sem.Acquire(ctx, 1)
		if err == nil {
			err = fn(ctx)
			m.sem.Release(1)
		}
		m.Metrics.BackgroundTask(task, err)
		if err != nil {
			m.logger.Warn("background memory task failed",
				zap.String("task", task), zap.String("agent", agentID), zap.Error(err))
		}
	}()
}

// Wait blocks until every dispatched background task finished.
func (m *Mind) Wait() {
	m.wg.Wait()
}
