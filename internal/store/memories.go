package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/nidhogg/nuka-memory/internal/model"
)

const memoryColumns = `id, agent_id, memory_type, kind, raw_content, summary, importance,
	access_count, last_accessed_at, embedding, tags, linked_memory_ids,
	relationship_id, meeting_id, team_id, session_id, metadata, digest_day,
	compressed_at, indexed_at, created_at`

func scanMemory(sc scanner) (*model.MemoryRecord, error) {
	var (
		r                      model.MemoryRecord
		typ, kind              string
		lastAccessed           sql.NullInt64
		embedding              sql.NullString
		tags, linked, metadata string
		compressed, indexed    sql.NullInt64
		createdAt              int64
	)
	err := sc.Scan(&r.ID, &r.AgentID, &typ, &kind, &r.RawContent, &r.Summary, &r.Importance,
		&r.AccessCount, &lastAccessed, &embedding, &tags, &linked,
		&r.Scope.RelationshipID, &r.Scope.MeetingID, &r.Scope.TeamID, &r.SessionID, &metadata, &r.DigestDay,
		&compressed, &indexed, &createdAt)
	if err != nil {
		return nil, err
	}
	r.Type = model.MemoryType(typ)
	r.Kind = model.RecordKind(kind)
	r.LastAccessedAt = fromNullTS(lastAccessed)
	r.CompressedAt = fromNullTS(compressed)
	r.IndexedAt = fromNullTS(indexed)
	r.CreatedAt = fromTS(createdAt)
	if embedding.Valid {
		if err := decodeJSON(embedding.String, &r.Embedding); err != nil {
			return nil, err
		}
	}
	if err := decodeJSON(tags, &r.Tags); err != nil {
		return nil, err
	}
	if err := decodeJSON(linked, &r.LinkedMemoryIDs); err != nil {
		return nil, err
	}
	if err := decodeJSON(metadata, &r.Metadata); err != nil {
		return nil, err
	}
	return &r, nil
}

func collectMemories(rs rows) ([]*model.MemoryRecord, error) {
	defer rs.Close()
	var out []*model.MemoryRecord
	for rs.Next() {
		r, err := scanMemory(rs)
		if err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		out = append(out, r)
	}
	return out, rs.Err()
}

// partitionArgs returns the type and the three scope columns for p.
func partitionArgs(p model.Partition) []any {
	s := model.ScopeFor(p.Type, p.ScopeKey)
	return []any{string(p.Type), s.RelationshipID, s.MeetingID, s.TeamID}
}

const partitionWhere = `memory_type = ? AND relationship_id = ? AND meeting_id = ? AND team_id = ?`

// InsertMemory persists a new record.
func (s *Store) InsertMemory(ctx context.Context, r *model.MemoryRecord) error {
	metadata := r.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	_, err := s.db.exec(ctx, `
		INSERT INTO memory_records (`+memoryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.AgentID, string(r.Type), string(r.Kind), r.RawContent, r.Summary, r.Importance,
		r.AccessCount, nullTS(r.LastAccessedAt), encodeVector(r.Embedding),
		mustJSON(nonNil(r.Tags)), mustJSON(nonNil(r.LinkedMemoryIDs)),
		r.Scope.RelationshipID, r.Scope.MeetingID, r.Scope.TeamID, r.SessionID,
		mustJSON(metadata), r.DigestDay,
		nullTS(r.CompressedAt), nullTS(r.IndexedAt), ts(r.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert memory: %w", conflict(err))
	}
	return nil
}

// GetMemory loads one record owned by agentID.
func (s *Store) GetMemory(ctx context.Context, agentID, id string) (*model.MemoryRecord, error) {
	r, err := scanMemory(s.db.queryRow(ctx,
		`SELECT `+memoryColumns+` FROM memory_records WHERE agent_id = ? AND id = ?`, agentID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("memory %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get memory: %w", err)
	}
	return r, nil
}

// GetMemories loads the records among ids that agentID owns. Order is unspecified.
func (s *Store) GetMemories(ctx context.Context, agentID string, ids []string) ([]*model.MemoryRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(ids)+1)
	args = append(args, agentID)
	for _, id := range ids {
		args = append(args, id)
	}
	rs, err := s.db.query(ctx,
		`SELECT `+memoryColumns+` FROM memory_records WHERE agent_id = ? AND id IN (`+placeholders(len(ids))+`)`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("get memories: %w", err)
	}
	return collectMemories(rs)
}

// ListByScope returns one partition newest first, starting after q.Before.
func (s *Store) ListByScope(ctx context.Context, q model.ScopeQuery) ([]*model.MemoryRecord, error) {
	args := append([]any{q.AgentID}, partitionArgs(q.Partition)...)
	where := `agent_id = ? AND ` + partitionWhere
	if q.Before != nil {
		c := ts(q.Before.CreatedAt)
		where += ` AND (created_at < ? OR (created_at = ? AND id < ?))`
		args = append(args, c, c, q.Before.ID)
	}
	args = append(args, q.Limit)
	rs, err := s.db.query(ctx,
		`SELECT `+memoryColumns+` FROM memory_records WHERE `+where+`
		ORDER BY created_at DESC, id DESC LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("list by scope: %w", err)
	}
	return collectMemories(rs)
}

// UpdateSummary sets the summary and importance of a record that has none yet
// and marks it compressed.
func (s *Store) UpdateSummary(ctx context.Context, agentID, id, summary string, importance float64) error {
	n, err := s.db.exec(ctx, `
		UPDATE memory_records
		SET summary = ?, importance = ?, compressed_at = COALESCE(compressed_at, ?)
		WHERE agent_id = ? AND id = ? AND summary = ''`,
		summary, importance, ts(s.now()), agentID, id)
	if err != nil {
		return fmt.Errorf("update summary: %w", err)
	}
	if n == 0 {
		if _, err := s.GetMemory(ctx, agentID, id); err != nil {
			return err
		}
		return fmt.Errorf("memory %s: %w", id, model.ErrAlreadyCompressed)
	}
	return nil
}

// TouchMemories bumps access counters after a retrieval.
func (s *Store) TouchMemories(ctx context.Context, agentID string, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, 0, len(ids)+2)
	args = append(args, ts(at), agentID)
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := s.db.exec(ctx, `
		UPDATE memory_records
		SET access_count = access_count + 1, last_accessed_at = ?
		WHERE agent_id = ? AND id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return fmt.Errorf("touch memories: %w", err)
	}
	return nil
}

// MarkIndexed records the embedding a record was indexed with.
func (s *Store) MarkIndexed(ctx context.Context, id string, embedding []float32, at time.Time) error {
	_, err := s.db.exec(ctx,
		`UPDATE memory_records SET embedding = ?, indexed_at = ? WHERE id = ?`,
		encodeVector(embedding), ts(at), id)
	if err != nil {
		return fmt.Errorf("mark indexed: %w", err)
	}
	return nil
}

// ListUnindexed returns records not yet in the vector index, oldest first.
func (s *Store) ListUnindexed(ctx context.Context, agentID string, limit int) ([]*model.MemoryRecord, error) {
	rs, err := s.db.query(ctx, `
		SELECT `+memoryColumns+` FROM memory_records
		WHERE agent_id = ? AND indexed_at IS NULL
		ORDER BY created_at ASC, id ASC LIMIT ?`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("list unindexed: %w", err)
	}
	return collectMemories(rs)
}

// ListUncompressed returns raw event records created before olderThan,
// oldest first.
func (s *Store) ListUncompressed(ctx context.Context, agentID string, olderThan time.Time, limit int) ([]*model.MemoryRecord, error) {
	rs, err := s.db.query(ctx, `
		SELECT `+memoryColumns+` FROM memory_records
		WHERE agent_id = ? AND kind = 'event' AND compressed_at IS NULL AND created_at < ?
		ORDER BY created_at ASC, id ASC LIMIT ?`, agentID, ts(olderThan), limit)
	if err != nil {
		return nil, fmt.Errorf("list uncompressed: %w", err)
	}
	return collectMemories(rs)
}

// CommitCompression marks every member compressed and writes the summary
// onto the representative in one transaction. If any member was already
// compressed nothing changes and ErrAlreadyCompressed is returned.
func (s *Store) CommitCompression(ctx context.Context, c model.Compression) error {
	linked := make([]string, 0, len(c.MemberIDs))
	for _, id := range c.MemberIDs {
		if id != c.RepresentativeID {
			linked = append(linked, id)
		}
	}

	return s.db.inTx(ctx, func(q queryer) error {
		args := make([]any, 0, len(c.MemberIDs)+2)
		args = append(args, ts(c.At), c.AgentID)
		for _, id := range c.MemberIDs {
			args = append(args, id)
		}
		n, err := q.exec(ctx, `
			UPDATE memory_records SET compressed_at = ?
			WHERE agent_id = ? AND kind = 'event' AND compressed_at IS NULL
			AND id IN (`+placeholders(len(c.MemberIDs))+`)`, args...)
		if err != nil {
			return fmt.Errorf("mark compressed: %w", err)
		}
		if int(n) != len(c.MemberIDs) {
			return fmt.Errorf("group of %s: %w", c.RepresentativeID, model.ErrAlreadyCompressed)
		}

		n, err = q.exec(ctx, `
			UPDATE memory_records
			SET summary = ?, importance = ?, tags = ?, linked_memory_ids = ?
			WHERE agent_id = ? AND id = ?`,
			c.Summary, c.Importance, mustJSON(nonNil(c.Tags)), mustJSON(linked),
			c.AgentID, c.RepresentativeID)
		if err != nil {
			return fmt.Errorf("write summary: %w", err)
		}
		if n != 1 {
			return fmt.Errorf("representative %s: %w", c.RepresentativeID, model.ErrNotFound)
		}
		return nil
	})
}

// ListSummaries returns compressed representatives created in [from, to),
// newest first.
func (s *Store) ListSummaries(ctx context.Context, agentID string, from, to time.Time, limit int) ([]*model.MemoryRecord, error) {
	rs, err := s.db.query(ctx, `
		SELECT `+memoryColumns+` FROM memory_records
		WHERE agent_id = ? AND kind = 'event' AND summary <> ''
		AND created_at >= ? AND created_at < ?
		ORDER BY created_at DESC, id DESC LIMIT ?`, agentID, ts(from), ts(to), limit)
	if err != nil {
		return nil, fmt.Errorf("list summaries: %w", err)
	}
	return collectMemories(rs)
}

// FindDigest returns the digest of one partition for day.
func (s *Store) FindDigest(ctx context.Context, agentID, day string, p model.Partition) (*model.MemoryRecord, error) {
	args := append([]any{agentID, day}, partitionArgs(p)...)
	r, err := scanMemory(s.db.queryRow(ctx, `
		SELECT `+memoryColumns+` FROM memory_records
		WHERE agent_id = ? AND kind = 'digest' AND digest_day = ? AND `+partitionWhere, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("digest %s %s: %w", day, p, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find digest: %w", err)
	}
	return r, nil
}

// LatestDigest returns the most recent digest of one partition.
func (s *Store) LatestDigest(ctx context.Context, agentID string, p model.Partition) (*model.MemoryRecord, error) {
	args := append([]any{agentID}, partitionArgs(p)...)
	r, err := scanMemory(s.db.queryRow(ctx, `
		SELECT `+memoryColumns+` FROM memory_records
		WHERE agent_id = ? AND kind = 'digest' AND `+partitionWhere+`
		ORDER BY digest_day DESC LIMIT 1`, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("latest digest %s: %w", p, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("latest digest: %w", err)
	}
	return r, nil
}
