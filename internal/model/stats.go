package model

import "time"

// Capability is one of the bounded skill scores an agent grows.
type Capability string

const (
	CapAnalysis      Capability = "analysis"
	CapCommunication Capability = "communication"
	CapCreativity    Capability = "creativity"
	CapLeadership    Capability = "leadership"
)

// AllCapabilities lists the capability scores.
func AllCapabilities() []Capability {
	return []Capability{CapAnalysis, CapCommunication, CapCreativity, CapLeadership}
}

// Valid reports whether c is a known capability.
func (c Capability) Valid() bool {
	switch c {
	case CapAnalysis, CapCommunication, CapCreativity, CapLeadership:
		return true
	}
	return false
}

// Counters are monotonically increasing activity totals.
type Counters struct {
	TotalInteractions  int `json:"total_interactions"`
	Meetings           int `json:"meetings"`
	TasksCompleted     int `json:"tasks_completed"`
	TasksFailed        int `json:"tasks_failed"`
	WorkflowExecutions int `json:"workflow_executions"`
}

// Performance summarises recent outcomes.
type Performance struct {
	SuccessRate     float64 `json:"success_rate"`
	AvgResponseMs   float64 `json:"avg_response_ms"`
	ResponseSamples int     `json:"response_samples"`
	TotalCost       float64 `json:"total_cost"`
	TrustScore      float64 `json:"trust_score"`
	// Outcomes is the sliding window success_rate is computed over, newest last.
	Outcomes []bool `json:"outcomes"`
}

// GrowthEntry is one audited stats mutation. Stat and Delta name the
// headline change; Changes lists every field the event touched.
type GrowthEntry struct {
	At      time.Time          `json:"at"`
	Event   string             `json:"event"`
	Stat    string             `json:"stat"`
	Delta   float64            `json:"delta"`
	Reason  string             `json:"reason"`
	Changes map[string]float64 `json:"changes,omitempty"`
}

// Stats are the capabilities and progression of one agent.
type Stats struct {
	AgentID      string                 `json:"agent_id"`
	Capabilities map[Capability]float64 `json:"capabilities"`
	Expertise    map[string]float64     `json:"expertise"`
	Level        int                    `json:"level"`
	XP           int                    `json:"xp"`
	Counters     Counters               `json:"counters"`
	Performance  Performance            `json:"performance"`
	// GrowthLog holds the most recent entries; the full log lives in storage.
	GrowthLog []GrowthEntry `json:"growth_log,omitempty"`
	Version   int           `json:"version"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// NewStats returns the baseline stats of a new agent.
func NewStats(agentID string, now time.Time) *Stats {
	return &Stats{
		AgentID: agentID,
		Capabilities: map[Capability]float64{
			CapAnalysis:      20,
			CapCommunication: 20,
			CapCreativity:    20,
			CapLeadership:    10,
		},
		Expertise:   map[string]float64{},
		Level:       1,
		Performance: Performance{TrustScore: 50},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Clone returns a deep copy of s.
func (s *Stats) Clone() *Stats {
	c := *s
	c.Capabilities = make(map[Capability]float64, len(s.Capabilities))
	for k, v := range s.Capabilities {
		c.Capabilities[k] = v
	}
	c.Expertise = make(map[string]float64, len(s.Expertise))
	for k, v := range s.Expertise {
		c.Expertise[k] = v
	}
	c.Performance.Outcomes = append([]bool(nil), s.Performance.Outcomes...)
	c.GrowthLog = append([]GrowthEntry(nil), s.GrowthLog...)
	return &c
}
