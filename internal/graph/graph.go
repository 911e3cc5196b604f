// Package graph projects memory provenance and relationship bonds into
// Neo4j so they can be traversed: summaries to the records they absorbed,
// learnings to their evidence, agents to their partners.
package graph

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-memory/internal/model"
)

// Graph is the Neo4j projection. The relational store stays the source of
// truth; every write here is an idempotent MERGE.
type Graph struct {
	driver neo4j.DriverWithContext
	logger *zap.Logger
}

// New connects to Neo4j. Empty user disables authentication.
func New(uri, user, password string, logger *zap.Logger) (*Graph, error) {
	auth := neo4j.NoAuth()
	if user != "" {
		auth = neo4j.BasicAuth(user, password, "")
	}
	driver, err := neo4j.NewDriverWithContext(uri, auth)
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	return &Graph{driver: driver, logger: logger}, nil
}

// Ping verifies the Neo4j connection.
func (g *Graph) Ping(ctx context.Context) error {
	return g.driver.VerifyConnectivity(ctx)
}

// Close shuts down the driver.
func (g *Graph) Close(ctx context.Context) error {
	return g.driver.Close(ctx)
}

// EnsureSchema creates the uniqueness constraints the MERGEs rely on.
func (g *Graph) EnsureSchema(ctx context.Context) error {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	for _, q := range []string{
		`CREATE CONSTRAINT memory_id IF NOT EXISTS FOR (m:Memory) REQUIRE m.id IS UNIQUE`,
		`CREATE CONSTRAINT learning_id IF NOT EXISTS FOR (l:Learning) REQUIRE l.id IS UNIQUE`,
		`CREATE CONSTRAINT agent_id IF NOT EXISTS FOR (a:Agent) REQUIRE a.id IS UNIQUE`,
		`CREATE CONSTRAINT partner_id IF NOT EXISTS FOR (p:Partner) REQUIRE p.id IS UNIQUE`,
	} {
		if _, err := session.Run(ctx, q, nil); err != nil {
			return fmt.Errorf("ensure graph schema: %w", err)
		}
	}
	return nil
}

// LinkMemories records that summaryID condenses sourceIDs.
func (g *Graph) LinkMemories(ctx context.Context, agentID, summaryID string, sourceIDs []string) error {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	_, err := session.Run(ctx,
		`MERGE (s:Memory {id: $id})
		 SET s.agent_id = $agentId
		 WITH s
		 UNWIND $sources AS src
		 MERGE (m:Memory {id: src})
		 SET m.agent_id = $agentId
		 MERGE (s)-[:SUMMARIZES]->(m)`,
		map[string]any{"id": summaryID, "agentId": agentID, "sources": sourceIDs})
	if err != nil {
		return fmt.Errorf("link memories: %w", err)
	}
	return nil
}

// LinkLearning upserts a learning node and its evidence edges.
func (g *Graph) LinkLearning(ctx context.Context, l *model.Learning) error {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	_, err := session.Run(ctx,
		`MERGE (l:Learning {id: $id})
		 SET l.agent_id = $agentId, l.category = $category, l.subject = $subject,
		     l.insight = $insight, l.confidence = $confidence, l.updated_at = datetime()
		 WITH l
		 OPTIONAL MATCH (l)-[old:DERIVED_FROM]->()
		 DELETE old
		 WITH DISTINCT l
		 UNWIND $sources AS src
		 MERGE (m:Memory {id: src})
		 SET m.agent_id = $agentId
		 MERGE (l)-[:DERIVED_FROM]->(m)`,
		learningParams(l))
	if err != nil {
		return fmt.Errorf("link learning: %w", err)
	}
	return nil
}

// UpsertBond mirrors the current scores of a relationship onto a BOND edge.
func (g *Graph) UpsertBond(ctx context.Context, r *model.Relationship) error {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	_, err := session.Run(ctx,
		`MERGE (a:Agent {id: $agentId})
		 MERGE (p:Partner {id: $partnerId})
		 SET p.type = $partnerType
		 MERGE (a)-[b:BOND]->(p)
		 SET b.rapport = $rapport, b.trust = $trust, b.familiarity = $familiarity,
		     b.style = $style, b.interactions = $interactions, b.updated_at = datetime()`,
		bondParams(r))
	if err != nil {
		return fmt.Errorf("upsert bond: %w", err)
	}
	return nil
}

// Linked returns the ids a summary record absorbed.
func (g *Graph) Linked(ctx context.Context, agentID, summaryID string) ([]string, error) {
	return g.ids(ctx,
		`MATCH (:Memory {id: $id, agent_id: $agentId})-[:SUMMARIZES]->(m:Memory)
		 RETURN m.id AS id ORDER BY id`,
		map[string]any{"id": summaryID, "agentId": agentID})
}

// Evidence returns the memory ids a learning was derived from.
func (g *Graph) Evidence(ctx context.Context, agentID, learningID string) ([]string, error) {
	return g.ids(ctx,
		`MATCH (:Learning {id: $id, agent_id: $agentId})-[:DERIVED_FROM]->(m:Memory)
		 RETURN m.id AS id ORDER BY id`,
		map[string]any{"id": learningID, "agentId": agentID})
}

func (g *Graph) ids(ctx context.Context, cypher string, params map[string]any) ([]string, error) {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.Run(ctx, cypher, params)
	if err != nil {
		return nil, fmt.Errorf("query graph: %w", err)
	}
	var ids []string
	for result.Next(ctx) {
		v, _ := result.Record().Get("id")
		if s, ok := v.(string); ok {
			ids = append(ids, s)
		}
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("read graph: %w", err)
	}
	return ids, nil
}

func learningParams(l *model.Learning) map[string]any {
	sources := l.SourceIDs
	if sources == nil {
		sources = []string{}
	}
	return map[string]any{
		"id":         l.ID,
		"agentId":    l.AgentID,
		"category":   string(l.Category),
		"subject":    l.Subject,
		"insight":    l.Insight,
		"confidence": l.Confidence,
		"sources":    sources,
	}
}

func bondParams(r *model.Relationship) map[string]any {
	return map[string]any{
		"agentId":      r.AgentID,
		"partnerId":    r.PartnerID,
		"partnerType":  string(r.PartnerType),
		"rapport":      r.Rapport,
		"trust":        r.Trust,
		"familiarity":  r.Familiarity,
		"style":        string(r.CommunicationStyle),
		"interactions": int64(r.InteractionCount),
	}
}
