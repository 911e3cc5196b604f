// Package scheduler drives the periodic memory maintenance batches.
package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Listener receives clock ticks.
type Listener interface {
	OnTick(now time.Time)
}

// Clock ticks its listeners at a fixed interval.
type Clock struct {
	interval  time.Duration
	listeners []Listener
	mu        sync.RWMutex
	cancel    context.CancelFunc
	done      chan struct{}
	now       func() time.Time
	logger    *zap.Logger
}

// NewClock creates a stopped clock.
func NewClock(interval time.Duration, logger *zap.Logger) *Clock {
	return &Clock{interval: interval, now: time.Now, logger: logger}
}

// AddListener registers a tick listener.
func (c *Clock) AddListener(l Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, l)
}

// Start begins the tick loop in a background goroutine.
func (c *Clock) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.loop(ctx)
	c.logger.Info("maintenance clock started", zap.Duration("interval", c.interval))
}

// Stop halts the tick loop and waits for a running tick to return.
func (c *Clock) Stop() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
	c.cancel = nil
	c.logger.Info("maintenance clock stopped")
}

func (c *Clock) loop(ctx context.Context) {
	defer close(c.done)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.tick()
		}
	}
}

func (c *Clock) tick() {
	c.mu.RLock()
	listeners := make([]Listener, len(c.listeners))
	copy(listeners, c.listeners)
	c.mu.RUnlock()

	now := c.now()
	for _, l := range listeners {
		l.OnTick(now)
	}
}
