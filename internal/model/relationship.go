package model

import "time"

// PartnerType says whether the other side of a relationship is a person or an agent.
type PartnerType string

const (
	PartnerHuman PartnerType = "human"
	PartnerAgent PartnerType = "agent"
)

// Valid reports whether p is a known partner type.
func (p PartnerType) Valid() bool {
	return p == PartnerHuman || p == PartnerAgent
}

// CommunicationStyle is the tone an agent uses with a partner.
type CommunicationStyle string

const (
	StyleFormal       CommunicationStyle = "formal"
	StyleProfessional CommunicationStyle = "professional"
	StyleFriendly     CommunicationStyle = "friendly"
	StyleCasual       CommunicationStyle = "casual"
	StyleGuarded      CommunicationStyle = "guarded"
)

// Outcome classifies an interaction signal.
type Outcome string

const (
	OutcomePositive  Outcome = "positive"
	OutcomeNeutral   Outcome = "neutral"
	OutcomeNegative  Outcome = "negative"
	OutcomeMilestone Outcome = "milestone"
)

// Valid reports whether o is a known outcome.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomePositive, OutcomeNeutral, OutcomeNegative, OutcomeMilestone:
		return true
	}
	return false
}

// Signal is one interaction observation fed to the relationship tracker.
type Signal struct {
	Outcome Outcome `json:"outcome"`
	// Note describes the interaction; for milestone signals it becomes the
	// milestone description.
	Note string `json:"note,omitempty"`
}

// Boundaries are the permissions a partner granted the agent.
type Boundaries struct {
	// SharePrivate allows private memories of this relationship to be
	// quoted back verbatim.
	SharePrivate    bool     `json:"share_private"`
	AllowCasual     bool     `json:"allow_casual"`
	TopicsOffLimits []string `json:"topics_off_limits,omitempty"`
}

// DefaultBoundaries are granted to a new relationship.
func DefaultBoundaries() Boundaries {
	return Boundaries{AllowCasual: true}
}

// Effective caps style by the boundaries: without AllowCasual the agent
// stays at most friendly.
func (b Boundaries) Effective(style CommunicationStyle) CommunicationStyle {
	if style == StyleCasual && !b.AllowCasual {
		return StyleFriendly
	}
	return style
}

// Milestone marks a notable point in a relationship.
type Milestone struct {
	Key         string    `json:"key,omitempty"`
	Description string    `json:"description"`
	At          time.Time `json:"at"`
}

// Relationship is the directed bond from an agent to a partner.
type Relationship struct {
	ID                 string             `json:"id"`
	AgentID            string             `json:"agent_id"`
	PartnerID          string             `json:"partner_id"`
	PartnerType        PartnerType        `json:"partner_type"`
	Rapport            float64            `json:"rapport"`
	Trust              float64            `json:"trust"`
	Familiarity        float64            `json:"familiarity"`
	CommunicationStyle CommunicationStyle `json:"communication_style"`
	Boundaries         Boundaries         `json:"boundaries"`
	Milestones         []Milestone        `json:"milestones"`
	InteractionCount   int                `json:"interaction_count"`
	LastInteractionAt  *time.Time         `json:"last_interaction_at,omitempty"`
	DecayedAt          *time.Time         `json:"decayed_at,omitempty"`
	Version            int                `json:"version"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
}

// HasMilestone reports whether a keyed milestone was already recorded.
func (r *Relationship) HasMilestone(key string) bool {
	for _, m := range r.Milestones {
		if m.Key == key {
			return true
		}
	}
	return false
}

// ClampScore bounds a relationship or stats score to [0, 100].
func ClampScore(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// DeriveStyle maps the three relationship scores to a communication style.
// The result depends only on the scores.
func DeriveStyle(rapport, trust, familiarity float64) CommunicationStyle {
	switch {
	case trust < 20 && familiarity >= 20:
		return StyleGuarded
	case rapport >= 70 && trust >= 60 && familiarity >= 60:
		return StyleCasual
	case rapport >= 45 && familiarity >= 35:
		return StyleFriendly
	case familiarity >= 15 || rapport >= 25:
		return StyleProfessional
	default:
		return StyleFormal
	}
}
