package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/nidhogg/nuka-memory/internal/model"
)

const relationshipColumns = `id, agent_id, partner_id, partner_type, rapport, trust, familiarity,
	communication_style, boundaries, milestones, interaction_count, last_interaction_at,
	decayed_at, version, created_at, updated_at`

func scanRelationship(sc scanner) (*model.Relationship, error) {
	var (
		r                      model.Relationship
		partnerType, style     string
		boundaries, milestones string
		lastInteraction        sql.NullInt64
		decayed                sql.NullInt64
		createdAt, updatedAt   int64
	)
	err := sc.Scan(&r.ID, &r.AgentID, &r.PartnerID, &partnerType, &r.Rapport, &r.Trust, &r.Familiarity,
		&style, &boundaries, &milestones, &r.InteractionCount, &lastInteraction,
		&decayed, &r.Version, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	r.PartnerType = model.PartnerType(partnerType)
	r.CommunicationStyle = model.CommunicationStyle(style)
	r.LastInteractionAt = fromNullTS(lastInteraction)
	r.DecayedAt = fromNullTS(decayed)
	r.CreatedAt = fromTS(createdAt)
	r.UpdatedAt = fromTS(updatedAt)
	if err := decodeJSON(boundaries, &r.Boundaries); err != nil {
		return nil, err
	}
	if err := decodeJSON(milestones, &r.Milestones); err != nil {
		return nil, err
	}
	return &r, nil
}

// GetRelationship returns the bond from agentID to partnerID.
func (s *Store) GetRelationship(ctx context.Context, agentID, partnerID string) (*model.Relationship, error) {
	r, err := scanRelationship(s.db.queryRow(ctx, `
		SELECT `+relationshipColumns+` FROM relationships
		WHERE agent_id = ? AND partner_id = ?`, agentID, partnerID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("relationship %s->%s: %w", agentID, partnerID, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get relationship: %w", err)
	}
	return r, nil
}

// InsertRelationship stores a new relationship. A concurrent insert for the
// same pair yields ErrConcurrentUpdate.
func (s *Store) InsertRelationship(ctx context.Context, r *model.Relationship) error {
	_, err := s.db.exec(ctx, `
		INSERT INTO relationships (`+relationshipColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.AgentID, r.PartnerID, string(r.PartnerType), r.Rapport, r.Trust, r.Familiarity,
		string(r.CommunicationStyle), mustJSON(r.Boundaries), mustJSON(nonNil(r.Milestones)),
		r.InteractionCount, nullTS(r.LastInteractionAt), nullTS(r.DecayedAt),
		r.Version, ts(r.CreatedAt), ts(r.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert relationship: %w", conflict(err))
	}
	return nil
}

// UpdateRelationship writes r if the stored version still equals expectedVersion.
func (s *Store) UpdateRelationship(ctx context.Context, r *model.Relationship, expectedVersion int) error {
	n, err := s.db.exec(ctx, `
		UPDATE relationships
		SET partner_type = ?, rapport = ?, trust = ?, familiarity = ?, communication_style = ?,
			boundaries = ?, milestones = ?, interaction_count = ?, last_interaction_at = ?,
			decayed_at = ?, version = ?, updated_at = ?
		WHERE id = ? AND version = ?`,
		string(r.PartnerType), r.Rapport, r.Trust, r.Familiarity, string(r.CommunicationStyle),
		mustJSON(r.Boundaries), mustJSON(nonNil(r.Milestones)), r.InteractionCount,
		nullTS(r.LastInteractionAt), nullTS(r.DecayedAt), expectedVersion+1, ts(r.UpdatedAt),
		r.ID, expectedVersion)
	if err != nil {
		return fmt.Errorf("update relationship: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("relationship %s at version %d: %w", r.ID, expectedVersion, model.ErrConcurrentUpdate)
	}
	r.Version = expectedVersion + 1
	return nil
}

// ListRelationships returns every bond of agentID.
func (s *Store) ListRelationships(ctx context.Context, agentID string) ([]*model.Relationship, error) {
	rs, err := s.db.query(ctx, `
		SELECT `+relationshipColumns+` FROM relationships
		WHERE agent_id = ? ORDER BY partner_id`, agentID)
	if err != nil {
		return nil, fmt.Errorf("list relationships: %w", err)
	}
	defer rs.Close()

	var out []*model.Relationship
	for rs.Next() {
		r, err := scanRelationship(rs)
		if err != nil {
			return nil, fmt.Errorf("scan relationship: %w", err)
		}
		out = append(out, r)
	}
	return out, rs.Err()
}
