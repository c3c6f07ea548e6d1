package knowledge

import (
	"context"
	"fmt"
	"testing"
	"time"

	tcneo4j "github.com/testcontainers/testcontainers-go/modules/neo4j"
	"go.uber.org/zap"

	"github.com/nidhogg/warden/internal/task"
)

// startNeo4j starts a Neo4j testcontainer, returns URI + cleanup func.
func startNeo4j(ctx context.Context) (string, func(), error) {
	container, err := tcneo4j.Run(ctx, "neo4j:5-community",
		tcneo4j.WithoutAuthentication(),
	)
	if err != nil {
		return "", nil, fmt.Errorf("start neo4j: %w", err)
	}
	uri, err := container.BoltUrl(ctx)
	if err != nil {
		container.Terminate(ctx)
		return "", nil, fmt.Errorf("neo4j bolt url: %w", err)
	}
	cleanup := func() { container.Terminate(ctx) }
	return uri, cleanup, nil
}

func newTestGraph(t *testing.T) *Graph {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	ctx := context.Background()
	uri, cleanup, err := startNeo4j(ctx)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(cleanup)

	g, err := NewGraph(uri, "", "", zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { g.Close(ctx) })
	if err := g.Ping(ctx); err != nil {
		t.Fatal(err)
	}
	return g
}

func TestGraphRecordAndQuery(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()

	now := time.Now()
	runs := []*task.Task{
		{
			ID: "run-ok", Type: task.TypeServerConfigure, Description: "rotate certs",
			Status: task.StatusSucceeded, Autonomy: task.AutonomyGuided,
			CreatedAt: now.Add(-2 * time.Hour), UpdatedAt: now.Add(-time.Hour),
			Steps: []*task.Step{
				{ID: "backup", Status: task.StepSucceeded},
				{ID: "restart", DependsOn: []string{"backup"}, Status: task.StepSucceeded},
			},
		},
		{
			ID: "run-bad", Type: task.TypeServerConfigure, Description: "rotate certs again",
			Status: task.StatusFailed, Reason: "restart failed", Autonomy: task.AutonomyGuided,
			CreatedAt: now.Add(-time.Hour), UpdatedAt: now,
			Steps: []*task.Step{
				{ID: "backup", Status: task.StepSucceeded},
				{ID: "restart", DependsOn: []string{"backup"}, Status: task.StepFailed, Error: "unit not found"},
			},
		},
	}
	for _, r := range runs {
		if err := g.RecordRun(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	recent, err := g.RecentRuns(ctx, task.TypeServerConfigure, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 2 {
		t.Fatalf("recent runs = %d, want 2", len(recent))
	}
	if recent[0].ID != "run-bad" {
		t.Errorf("newest run first, got %s", recent[0].ID)
	}
	if recent[0].Reason != "restart failed" {
		t.Errorf("reason = %q", recent[0].Reason)
	}

	failing, err := g.FailingSteps(ctx, task.TypeServerConfigure, 5)
	if err != nil {
		t.Fatal(err)
	}
	if failing["restart"] != 1 {
		t.Errorf("failing steps = %v", failing)
	}
	if _, ok := failing["backup"]; ok {
		t.Error("succeeded step counted as failing")
	}
}

func TestRecentRunsOtherTypeEmpty(t *testing.T) {
	g := newTestGraph(t)
	recent, err := g.RecentRuns(context.Background(), task.TypeServerProvision, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 0 {
		t.Fatalf("expected no runs, got %d", len(recent))
	}
}
