package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/nidhogg/nuka-memory/internal/model"
)

// recentLogEntries is how much of the growth log GetStats attaches.
const recentLogEntries = 20

// GetStats returns an agent's stats with its most recent growth log entries.
func (s *Store) GetStats(ctx context.Context, agentID string) (*model.Stats, error) {
	var (
		st                            model.Stats
		caps, expertise, counters, pf string
		createdAt, updatedAt          int64
	)
	err := s.db.queryRow(ctx, `
		SELECT agent_id, capabilities, expertise, level, xp, counters, performance, version, created_at, updated_at
		FROM agent_stats WHERE agent_id = ?`, agentID).
		Scan(&st.AgentID, &caps, &expertise, &st.Level, &st.XP, &counters, &pf, &st.Version, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("stats %s: %w", agentID, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get stats: %w", err)
	}
	st.CreatedAt = fromTS(createdAt)
	st.UpdatedAt = fromTS(updatedAt)
	for _, f := range []struct {
		raw string
		dst any
	}{{caps, &st.Capabilities}, {expertise, &st.Expertise}, {counters, &st.Counters}, {pf, &st.Performance}} {
		if err := decodeJSON(f.raw, f.dst); err != nil {
			return nil, err
		}
	}
	if st.Expertise == nil {
		st.Expertise = map[string]float64{}
	}

	log, err := s.ListGrowthLog(ctx, agentID, recentLogEntries)
	if err != nil {
		return nil, err
	}
	st.GrowthLog = log
	return &st, nil
}

// InsertStats stores baseline stats at version 1.
func (s *Store) InsertStats(ctx context.Context, st *model.Stats) error {
	_, err := s.db.exec(ctx, `
		INSERT INTO agent_stats (agent_id, capabilities, expertise, level, xp, counters, performance, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		st.AgentID, mustJSON(st.Capabilities), mustJSON(st.Expertise), st.Level, st.XP,
		mustJSON(st.Counters), mustJSON(st.Performance), st.Version, ts(st.CreatedAt), ts(st.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert stats: %w", conflict(err))
	}
	return nil
}

// UpdateStats writes st and appends entries to the growth log in one
// transaction, provided the stored version still equals expectedVersion.
func (s *Store) UpdateStats(ctx context.Context, st *model.Stats, expectedVersion int, entries []model.GrowthEntry) error {
	err := s.db.inTx(ctx, func(q queryer) error {
		n, err := q.exec(ctx, `
			UPDATE agent_stats
			SET capabilities = ?, expertise = ?, level = ?, xp = ?, counters = ?, performance = ?,
				version = ?, updated_at = ?
			WHERE agent_id = ? AND version = ?`,
			mustJSON(st.Capabilities), mustJSON(st.Expertise), st.Level, st.XP,
			mustJSON(st.Counters), mustJSON(st.Performance), expectedVersion+1, ts(st.UpdatedAt),
			st.AgentID, expectedVersion)
		if err != nil {
			return fmt.Errorf("update stats: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("stats %s at version %d: %w", st.AgentID, expectedVersion, model.ErrConcurrentUpdate)
		}
		if len(entries) == 0 {
			return nil
		}

		var seq int
		if err := q.queryRow(ctx,
			`SELECT COALESCE(MAX(seq), 0) FROM growth_log WHERE agent_id = ?`, st.AgentID).Scan(&seq); err != nil {
			return fmt.Errorf("growth log seq: %w", err)
		}
		for _, e := range entries {
			seq++
			if _, err := q.exec(ctx, `
				INSERT INTO growth_log (agent_id, seq, at, event, stat, delta, reason, changes)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				st.AgentID, seq, ts(e.At), e.Event, e.Stat, e.Delta, e.Reason, mustJSON(e.Changes)); err != nil {
				return fmt.Errorf("append growth log: %w", conflict(err))
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	st.Version = expectedVersion + 1
	return nil
}

// ListGrowthLog returns the newest limit entries of an agent's growth log,
// oldest first.
func (s *Store) ListGrowthLog(ctx context.Context, agentID string, limit int) ([]model.GrowthEntry, error) {
	rs, err := s.db.query(ctx, `
		SELECT at, event, stat, delta, reason, changes FROM growth_log
		WHERE agent_id = ? ORDER BY seq DESC LIMIT ?`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("list growth log: %w", err)
	}
	defer rs.Close()

	var out []model.GrowthEntry
	for rs.Next() {
		var (
			e       model.GrowthEntry
			at      int64
			changes string
		)
		if err := rs.Scan(&at, &e.Event, &e.Stat, &e.Delta, &e.Reason, &changes); err != nil {
			return nil, fmt.Errorf("scan growth entry: %w", err)
		}
		e.At = fromTS(at)
		if err := decodeJSON(changes, &e.Changes); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rs.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
