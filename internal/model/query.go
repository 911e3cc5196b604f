package model

import "time"

// Cursor is a keyset position in a newest-first listing.
type Cursor struct {
	CreatedAt time.Time `json:"created_at"`
	ID        string    `json:"id"`
}

// ScopeQuery lists one partition of an agent's memory, newest first.
type ScopeQuery struct {
	AgentID   string
	Partition Partition
	Before    *Cursor
	Limit     int
}

// Compression folds a group of raw records into its representative.
type Compression struct {
	AgentID          string
	RepresentativeID string
	Summary          string
	Importance       float64
	Tags             []string
	// MemberIDs includes the representative.
	MemberIDs []string
	At        time.Time
}
