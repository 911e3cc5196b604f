package model

import (
	"fmt"
	"strings"
	"time"
)

// MemoryType is the visibility partition a memory record lives in.
type MemoryType string

const (
	TypePrivate   MemoryType = "private"
	TypeMeeting   MemoryType = "meeting"
	TypeTeam      MemoryType = "team"
	TypeInjected  MemoryType = "injected"
	TypeExecution MemoryType = "execution"
)

// AllMemoryTypes lists every partition in a stable order.
func AllMemoryTypes() []MemoryType {
	return []MemoryType{TypePrivate, TypeMeeting, TypeTeam, TypeInjected, TypeExecution}
}

// Valid reports whether t is a known memory type.
func (t MemoryType) Valid() bool {
	switch t {
	case TypePrivate, TypeMeeting, TypeTeam, TypeInjected, TypeExecution:
		return true
	}
	return false
}

// ScopeKeyName returns the scope field a type requires, or "" for
// agent-wide types.
func (t MemoryType) ScopeKeyName() string {
	switch t {
	case TypePrivate:
		return "relationship_id"
	case TypeMeeting:
		return "meeting_id"
	case TypeTeam:
		return "team_id"
	}
	return ""
}

// AgentWide reports whether t is visible to the owning agent in every context.
func (t MemoryType) AgentWide() bool {
	return t == TypeInjected || t == TypeExecution
}

// RecordKind separates raw events from generated digests.
type RecordKind string

const (
	KindEvent  RecordKind = "event"
	KindDigest RecordKind = "digest"
)

// Scope carries the partition keys of a record or a requester.
type Scope struct {
	RelationshipID string `json:"relationship_id,omitempty"`
	MeetingID      string `json:"meeting_id,omitempty"`
	TeamID         string `json:"team_id,omitempty"`
}

// KeyFor returns the scope value type t is partitioned by.
func (s Scope) KeyFor(t MemoryType) string {
	switch t {
	case TypePrivate:
		return s.RelationshipID
	case TypeMeeting:
		return s.MeetingID
	case TypeTeam:
		return s.TeamID
	}
	return ""
}

// ScopeFor builds the scope a record of type t with key value key must carry.
func ScopeFor(t MemoryType, key string) Scope {
	switch t {
	case TypePrivate:
		return Scope{RelationshipID: key}
	case TypeMeeting:
		return Scope{MeetingID: key}
	case TypeTeam:
		return Scope{TeamID: key}
	}
	return Scope{}
}

// Partition identifies one visibility partition of an agent's memory.
type Partition struct {
	Type     MemoryType `json:"type"`
	ScopeKey string     `json:"scope_key,omitempty"`
}

func (p Partition) String() string {
	if p.ScopeKey == "" {
		return string(p.Type)
	}
	return string(p.Type) + ":" + p.ScopeKey
}

// EligiblePartitions expands allowed types into the partitions a requester
// holding scope may read. Types whose required key is absent are dropped.
func EligiblePartitions(types []MemoryType, scope Scope) []Partition {
	parts := make([]Partition, 0, len(types))
	seen := make(map[MemoryType]bool, len(types))
	for _, t := range types {
		if !t.Valid() || seen[t] {
			continue
		}
		seen[t] = true
		if t.AgentWide() {
			parts = append(parts, Partition{Type: t})
			continue
		}
		key := scope.KeyFor(t)
		if key == "" {
			continue
		}
		parts = append(parts, Partition{Type: t, ScopeKey: key})
	}
	return parts
}

// MemoryRecord is a single stored memory of one agent.
type MemoryRecord struct {
	ID              string            `json:"id"`
	AgentID         string            `json:"agent_id"`
	Type            MemoryType        `json:"memory_type"`
	Kind            RecordKind        `json:"kind"`
	RawContent      string            `json:"raw_content"`
	Summary         string            `json:"summary,omitempty"`
	Importance      float64           `json:"importance"`
	AccessCount     int               `json:"access_count"`
	LastAccessedAt  *time.Time        `json:"last_accessed_at,omitempty"`
	Embedding       []float32         `json:"-"`
	Tags            []string          `json:"tags,omitempty"`
	LinkedMemoryIDs []string          `json:"linked_memory_ids,omitempty"`
	Scope           Scope             `json:"scope"`
	SessionID       string            `json:"session_id,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	DigestDay       string            `json:"digest_day,omitempty"`
	CompressedAt    *time.Time        `json:"compressed_at,omitempty"`
	IndexedAt       *time.Time        `json:"indexed_at,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
}

const (
	MinImportance     = 1.0
	MaxImportance     = 10.0
	DefaultImportance = 5.0
)

// ClampImportance bounds v to the importance scale.
func ClampImportance(v float64) float64 {
	if v < MinImportance {
		return MinImportance
	}
	if v > MaxImportance {
		return MaxImportance
	}
	return v
}

// Validate checks the record against the partition rules before it is stored.
func (r *MemoryRecord) Validate() error {
	if strings.TrimSpace(r.AgentID) == "" {
		return fmt.Errorf("%w: agent_id is required", ErrInvalidScope)
	}
	if !r.Type.Valid() {
		return fmt.Errorf("%w: unknown memory type %q", ErrInvalidScope, r.Type)
	}
	if strings.TrimSpace(r.RawContent) == "" {
		return fmt.Errorf("%w: raw_content is required", ErrInvalidScope)
	}
	if r.Importance < MinImportance || r.Importance > MaxImportance {
		return fmt.Errorf("%w: importance %.2f out of range", ErrInvalidScope, r.Importance)
	}
	want := ScopeFor(r.Type, r.Scope.KeyFor(r.Type))
	if r.Type.ScopeKeyName() != "" && r.Scope.KeyFor(r.Type) == "" {
		return fmt.Errorf("%w: %s memory requires %s", ErrInvalidScope, r.Type, r.Type.ScopeKeyName())
	}
	if r.Scope != want {
		return fmt.Errorf("%w: %s memory carries foreign scope keys", ErrInvalidScope, r.Type)
	}
	return nil
}

// ScopeKey is the value of the key this record is partitioned by.
func (r *MemoryRecord) ScopeKey() string {
	return r.Scope.KeyFor(r.Type)
}

// Partition returns the partition the record belongs to.
func (r *MemoryRecord) Partition() Partition {
	return Partition{Type: r.Type, ScopeKey: r.ScopeKey()}
}

// Text is what retrieval and prompts show: the summary once one exists.
func (r *MemoryRecord) Text() string {
	if r.Summary != "" {
		return r.Summary
	}
	return r.RawContent
}

// Compressed reports whether the compression engine already consumed the record.
func (r *MemoryRecord) Compressed() bool {
	return r.CompressedAt != nil
}

// Absorbed reports whether the record was folded into another record's summary.
func (r *MemoryRecord) Absorbed() bool {
	return r.CompressedAt != nil && r.Summary == "" && r.Kind != KindDigest
}
