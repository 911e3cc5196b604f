package api

import (
	"context"
	"fmt"
	"time"

	"github.com/nidhogg/nuka-memory/internal/growth"
	"github.com/nidhogg/nuka-memory/internal/memory"
	"github.com/nidhogg/nuka-memory/internal/mind"
	"github.com/nidhogg/nuka-memory/internal/model"
	"github.com/nidhogg/nuka-memory/internal/retrieval"
)

func memorySearch(agentID string, req searchRequest) memory.SearchParams {
	return memory.SearchParams{AgentID: agentID, Query: req.Query, Types: req.Types, Scope: req.Scope, Limit: req.Limit}
}

type retrievalRequest struct {
	Query            string             `json:"query"`
	Scope            model.Scope        `json:"scope"`
	Types            []model.MemoryType `json:"types,omitempty"`
	Limit            int                `json:"limit,omitempty"`
	ExcludeAgentWide bool               `json:"exclude_agent_wide,omitempty"`
}

func (r retrieveRequest) build(agentID string) (retrieval.Request, retrieval.Budget) {
	budget := retrieval.DefaultBudget()
	if r.MaxTokens > 0 {
		budget.MaxTokens = r.MaxTokens
	}
	return retrieval.Request{
		AgentID:          agentID,
		Query:            r.Query,
		Scope:            r.Scope,
		Types:            r.Types,
		Limit:            r.Limit,
		ExcludeAgentWide: r.ExcludeAgentWide,
	}, budget
}

// eventRequest is the union of the completion event payloads.
type eventRequest struct {
	PartnerID  string  `json:"partner_id"`
	MeetingID  string  `json:"meeting_id"`
	Led        bool    `json:"led"`
	Name       string  `json:"name"`
	Category   string  `json:"category"`
	Domain     string  `json:"domain"`
	Success    bool    `json:"success"`
	ResponseMs int64   `json:"response_ms"`
	Cost       float64 `json:"cost"`
}

func (e eventRequest) apply(ctx context.Context, m *mind.Mind, agentID, event string) (*model.Stats, error) {
	rt := time.Duration(e.ResponseMs) * time.Millisecond
	switch event {
	case "conversation":
		return m.OnConversationComplete(ctx, agentID, growth.Conversation{PartnerID: e.PartnerID, ResponseTime: rt, Cost: e.Cost})
	case "meeting":
		return m.OnMeetingComplete(ctx, agentID, growth.Meeting{MeetingID: e.MeetingID, Led: e.Led, Cost: e.Cost})
	case "task":
		return m.OnTaskComplete(ctx, agentID, growth.Task{Category: e.Category, Domain: e.Domain, Success: e.Success, ResponseTime: rt, Cost: e.Cost})
	case "workflow":
		return m.OnWorkflowComplete(ctx, agentID, growth.Workflow{Name: e.Name, Domain: e.Domain, Success: e.Success, Cost: e.Cost})
	}
	return nil, fmt.Errorf("%w: unknown event %q", model.ErrInvalidScope, event)
}
