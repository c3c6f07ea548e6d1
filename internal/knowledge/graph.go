package knowledge

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/nidhogg/warden/internal/task"
	"go.uber.org/zap"
)

// Graph keeps the operational history in Neo4j: task runs linked to their
// type, their steps, and the dependency edges between steps. Operators query
// it for failure patterns across runs.
type Graph struct {
	driver neo4j.DriverWithContext
	logger *zap.Logger
}

// NewGraph creates a Neo4j-backed history graph.
func NewGraph(uri, user, password string, logger *zap.Logger) (*Graph, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(user, password, ""))
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	return &Graph{driver: driver, logger: logger}, nil
}

// Ping verifies the Neo4j connection.
func (g *Graph) Ping(ctx context.Context) error {
	return g.driver.VerifyConnectivity(ctx)
}

// Close shuts down the Neo4j driver.
func (g *Graph) Close(ctx context.Context) error {
	return g.driver.Close(ctx)
}

// RecordRun writes one terminal task into the graph.
func (g *Graph) RecordRun(ctx context.Context, t *task.Task) error {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	_, err := session.Run(ctx,
		`MERGE (tt:TaskType {name: $type})
		 CREATE (r:TaskRun {
			id: $id, description: $description, status: $status,
			reason: $reason, autonomy: $autonomy,
			created_at: $createdAt, finished_at: $finishedAt
		 })
		 CREATE (r)-[:OF_TYPE]->(tt)`,
		map[string]interface{}{
			"type":        string(t.Type),
			"id":          t.ID,
			"description": t.Description,
			"status":      string(t.Status),
			"reason":      t.Reason,
			"autonomy":    string(t.Autonomy),
			"createdAt":   t.CreatedAt.Format(time.RFC3339),
			"finishedAt":  t.UpdatedAt.Format(time.RFC3339),
		})
	if err != nil {
		return fmt.Errorf("record run: %w", err)
	}

	for _, s := range t.Steps {
		_, err := session.Run(ctx,
			`MATCH (r:TaskRun {id: $runId})
			 CREATE (s:Step {
				id: $id, run_id: $runId, description: $description,
				status: $status, risk: $risk, error: $error
			 })
			 CREATE (r)-[:HAS_STEP]->(s)`,
			map[string]interface{}{
				"runId":       t.ID,
				"id":          s.ID,
				"description": s.Description,
				"status":      string(s.Status),
				"risk":        string(s.Risk),
				"error":       s.Error,
			})
		if err != nil {
			return fmt.Errorf("record step %s: %w", s.ID, err)
		}
	}
	for _, s := range t.Steps {
		for _, dep := range s.DependsOn {
			_, err := session.Run(ctx,
				`MATCH (a:Step {run_id: $runId, id: $from}), (b:Step {run_id: $runId, id: $to})
				 CREATE (a)-[:DEPENDS_ON]->(b)`,
				map[string]interface{}{"runId": t.ID, "from": s.ID, "to": dep})
			if err != nil {
				return fmt.Errorf("record dependency %s→%s: %w", s.ID, dep, err)
			}
		}
	}

	g.logger.Debug("run recorded in graph", zap.String("task", t.ID))
	return nil
}

// RunSummary is one row of graph history.
type RunSummary struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Status      string `json:"status"`
	Reason      string `json:"reason,omitempty"`
	FinishedAt  string `json:"finished_at"`
}

// RecentRuns lists the latest recorded runs of a task type.
func (g *Graph) RecentRuns(ctx context.Context, typ task.Type, limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	result, err := session.Run(ctx,
		`MATCH (r:TaskRun)-[:OF_TYPE]->(:TaskType {name: $type})
		 RETURN r.id, r.description, r.status, r.reason, r.finished_at
		 ORDER BY r.finished_at DESC LIMIT $limit`,
		map[string]interface{}{"type": string(typ), "limit": limit})
	if err != nil {
		return nil, fmt.Errorf("recent runs: %w", err)
	}

	var out []RunSummary
	for result.Next(ctx) {
		rec := result.Record()
		out = append(out, RunSummary{
			ID:          stringAt(rec, 0),
			Description: stringAt(rec, 1),
			Status:      stringAt(rec, 2),
			Reason:      stringAt(rec, 3),
			FinishedAt:  stringAt(rec, 4),
		})
	}
	return out, result.Err()
}

// FailingSteps returns the steps that failed most often for a task type.
func (g *Graph) FailingSteps(ctx context.Context, typ task.Type, limit int) (map[string]int64, error) {
	if limit <= 0 {
		limit = 10
	}
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	result, err := session.Run(ctx,
		`MATCH (r:TaskRun)-[:OF_TYPE]->(:TaskType {name: $type}),
		       (r)-[:HAS_STEP]->(s:Step {status: 'failed'})
		 RETURN s.id, count(*) AS failures
		 ORDER BY failures DESC LIMIT $limit`,
		map[string]interface{}{"type": string(typ), "limit": limit})
	if err != nil {
		return nil, fmt.Errorf("failing steps: %w", err)
	}

	out := make(map[string]int64)
	for result.Next(ctx) {
		rec := result.Record()
		id := stringAt(rec, 0)
		if n, ok := rec.Values[1].(int64); ok {
			out[id] = n
		}
	}
	return out, result.Err()
}

func stringAt(rec *neo4j.Record, i int) string {
	if s, ok := rec.Values[i].(string); ok {
		return s
	}
	return ""
}
