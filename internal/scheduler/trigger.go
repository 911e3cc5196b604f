package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nidhogg/nuka-memory/internal/mind"
	"github.com/nidhogg/nuka-memory/internal/model"
)

// RunFunc runs one batch job for one agent.
type RunFunc func(ctx context.Context, job mind.Job, agentID string) (any, error)

// ListAgentsFunc returns every agent that has stored state.
type ListAgentsFunc func(ctx context.Context) ([]string, error)

// Config sets how often each job fires and how runs are bounded.
type Config struct {
	Intervals map[mind.Job]time.Duration
	// Timeout bounds one job run for one agent.
	Timeout     time.Duration
	Concurrency int
}

// DefaultConfig returns the standard cadence.
func DefaultConfig() Config {
	return Config{
		Intervals: map[mind.Job]time.Duration{
			mind.JobCompress: time.Hour,
			mind.JobExtract:  6 * time.Hour,
			mind.JobDigest:   24 * time.Hour,
			mind.JobDecay:    24 * time.Hour,
			mind.JobReindex:  15 * time.Minute,
		},
		Timeout:     10 * time.Minute,
		Concurrency: 4,
	}
}

// Trigger is a Listener that fires each job once its interval has elapsed,
// for every agent.
type Trigger struct {
	cfg     Config
	runFn   RunFunc
	listFn  ListAgentsFunc
	mu      sync.Mutex
	lastRun map[mind.Job]time.Time
	running sync.Mutex
	logger  *zap.Logger
}

// NewTrigger creates a trigger.
func NewTrigger(cfg Config, runFn RunFunc, listFn ListAgentsFunc, logger *zap.Logger) *Trigger {
	if cfg.Timeout == 0 {
		cfg = DefaultConfig()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &Trigger{cfg: cfg, runFn: runFn, listFn: listFn, lastRun: make(map[mind.Job]time.Time), logger: logger}
}

// OnTick implements Listener. The first tick only starts the intervals.
// A tick arriving while the previous one still runs is dropped.
func (t *Trigger) OnTick(now time.Time) {
	if !t.running.TryLock() {
		t.logger.Debug("maintenance still running, tick dropped")
		return
	}
	defer t.running.Unlock()

	for _, job := range t.due(now) {
		t.fire(job)
	}
}

// due returns the jobs whose interval elapsed at now, in mind.Jobs order.
func (t *Trigger) due(now time.Time) []mind.Job {
	t.mu.Lock()
	defer t.mu.Unlock()
	var jobs []mind.Job
	for _, job := range mind.Jobs {
		every, ok := t.cfg.Intervals[job]
		if !ok || every <= 0 {
			continue
		}
		last, seen := t.lastRun[job]
		if !seen {
			t.lastRun[job] = now
			continue
		}
		if now.Sub(last) < every {
			continue
		}
		t.lastRun[job] = now
		jobs = append(jobs, job)
	}
	return jobs
}

// FireNow runs job for every agent regardless of its interval and returns
// how many agents completed it.
func (t *Trigger) FireNow(job mind.Job) int {
	return t.fire(job)
}

func (t *Trigger) fire(job mind.Job) int {
	ctx := context.Background()
	agents, err := t.listFn(ctx)
	if err != nil {
		t.logger.Warn("list agents failed", zap.String("job", string(job)), zap.Error(err))
		return 0
	}

	var mu sync.Mutex
	fired := 0
	var g errgroup.Group
	g.SetLimit(t.cfg.Concurrency)
	for _, id := range agents {
		g.Go(func() error {
			if t.runOne(ctx, job, id) {
				mu.Lock()
				fired++
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()
	return fired
}

func (t *Trigger) runOne(ctx context.Context, job mind.Job, agentID string) bool {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)
	defer cancel()

	res, err := t.runFn(ctx, job, agentID)
	var partial *model.PartialBatchFailure
	switch {
	case err == nil:
		t.logger.Debug("maintenance job done",
			zap.String("job", string(job)), zap.String("agent", agentID), zap.Any("result", res))
		return true
	case errors.Is(err, model.ErrLocked):
		t.logger.Debug("maintenance job skipped, agent busy",
			zap.String("job", string(job)), zap.String("agent", agentID))
	case errors.As(err, &partial):
		t.logger.Warn("maintenance job partly failed",
			zap.String("job", string(job)), zap.String("agent", agentID),
			zap.Int("failed", len(partial.Failures)), zap.Int("total", partial.Total), zap.Error(err))
	default:
		t.logger.Warn("maintenance job failed",
			zap.String("job", string(job)), zap.String("agent", agentID), zap.Error(err))
	}
	return false
}
