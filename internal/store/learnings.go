package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/nidhogg/nuka-memory/internal/model"
)

const learningColumns = `id, agent_id, category, subject, subject_id, insight, confidence,
	evidence_count, source_ids, tags, history, version, created_at, updated_at`

func scanLearning(sc scanner) (*model.Learning, error) {
	var (
		l                      model.Learning
		category               string
		sources, tags, history string
		createdAt, updatedAt   int64
	)
	err := sc.Scan(&l.ID, &l.AgentID, &category, &l.Subject, &l.SubjectID, &l.Insight, &l.Confidence,
		&l.EvidenceCount, &sources, &tags, &history, &l.Version, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	l.Category = model.Category(category)
	l.CreatedAt = fromTS(createdAt)
	l.UpdatedAt = fromTS(updatedAt)
	if err := decodeJSON(sources, &l.SourceIDs); err != nil {
		return nil, err
	}
	if err := decodeJSON(tags, &l.Tags); err != nil {
		return nil, err
	}
	if err := decodeJSON(history, &l.History); err != nil {
		return nil, err
	}
	return &l, nil
}

func subjectKey(subject string) string {
	return strings.ToLower(strings.TrimSpace(subject))
}

// FindLearning returns the learning of agentID about (category, subject).
// Subjects compare case-insensitively.
func (s *Store) FindLearning(ctx context.Context, agentID string, category model.Category, subject string) (*model.Learning, error) {
	l, err := scanLearning(s.db.queryRow(ctx, `
		SELECT `+learningColumns+` FROM learnings
		WHERE agent_id = ? AND category = ? AND subject_key = ?`,
		agentID, string(category), subjectKey(subject)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("learning %s:%s: %w", category, subject, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find learning: %w", err)
	}
	return l, nil
}

// InsertLearning stores a new learning at version 1.
func (s *Store) InsertLearning(ctx context.Context, l *model.Learning) error {
	_, err := s.db.exec(ctx, `
		INSERT INTO learnings (`+learningColumns+`, subject_key)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.AgentID, string(l.Category), l.Subject, l.SubjectID, l.Insight, l.Confidence,
		l.EvidenceCount, mustJSON(nonNil(l.SourceIDs)), mustJSON(nonNil(l.Tags)), mustJSON(nonNil(l.History)),
		l.Version, ts(l.CreatedAt), ts(l.UpdatedAt), subjectKey(l.Subject))
	if err != nil {
		return fmt.Errorf("insert learning: %w", conflict(err))
	}
	return nil
}

// UpdateLearning writes l if the stored version still equals expectedVersion.
// On success the stored version is expectedVersion+1.
func (s *Store) UpdateLearning(ctx context.Context, l *model.Learning, expectedVersion int) error {
	n, err := s.db.exec(ctx, `
		UPDATE learnings
		SET insight = ?, confidence = ?, evidence_count = ?, source_ids = ?, tags = ?, history = ?,
			subject_id = ?, version = ?, updated_at = ?
		WHERE agent_id = ? AND id = ? AND version = ?`,
		l.Insight, l.Confidence, l.EvidenceCount, mustJSON(nonNil(l.SourceIDs)), mustJSON(nonNil(l.Tags)),
		mustJSON(nonNil(l.History)), l.SubjectID, expectedVersion+1, ts(l.UpdatedAt),
		l.AgentID, l.ID, expectedVersion)
	if err != nil {
		return fmt.Errorf("update learning: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("learning %s at version %d: %w", l.ID, expectedVersion, model.ErrConcurrentUpdate)
	}
	l.Version = expectedVersion + 1
	return nil
}

// ListLearnings returns an agent's learnings, most confident first.
func (s *Store) ListLearnings(ctx context.Context, agentID string, limit int) ([]*model.Learning, error) {
	rs, err := s.db.query(ctx, `
		SELECT `+learningColumns+` FROM learnings
		WHERE agent_id = ?
		ORDER BY confidence DESC, updated_at DESC LIMIT ?`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("list learnings: %w", err)
	}
	defer rs.Close()

	var out []*model.Learning
	for rs.Next() {
		l, err := scanLearning(rs)
		if err != nil {
			return nil, fmt.Errorf("scan learning: %w", err)
		}
		out = append(out, l)
	}
	return out, rs.Err()
}
