// Package lock provides the per-agent advisory lock batch jobs hold while
// they rewrite an agent's memory.
package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nidhogg/nuka-memory/internal/model"
)

// Locker grants exclusive, expiring ownership of a key. Acquire does not
// wait: a held key fails with model.ErrLocked. The returned release func is
// safe to call more than once.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), err error)
}

// AgentKey is the lock every batch job of one agent shares, so compression
// and insight extraction never run at the same time for that agent.
func AgentKey(agentID string) string {
	return "nuka:lock:batch:" + agentID
}

// Local is an in-process Locker for single-instance deployments.
type Local struct {
	mu     sync.Mutex
	held   map[string]localHold
	now    func() time.Time
	serial uint64
}

type localHold struct {
	until  time.Time
	serial uint64
}

// NewLocal returns an empty in-process locker.
func NewLocal() *Local {
	return &Local{held: make(map[string]localHold), now: time.Now}
}

// Acquire takes key until release is called or ttl elapses.
func (l *Local) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if h, ok := l.held[key]; ok && now.Before(h.until) {
		return nil, fmt.Errorf("lock %s: %w", key, model.ErrLocked)
	}
	l.serial++
	mine := l.serial
	l.held[key] = localHold{until: now.Add(ttl), serial: mine}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			// An expired hold may have been taken over; only drop our own.
			if h, ok := l.held[key]; ok && h.serial == mine {
				delete(l.held, key)
			}
		})
	}, nil
}
