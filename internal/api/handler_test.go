package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nidhogg/warden/internal/lifecycle"
	"github.com/nidhogg/warden/internal/task"
	"go.uber.org/zap"
)

type stubPlanner struct{}

func (stubPlanner) Plan(_ context.Context, req lifecycle.PlanRequest) ([]*task.Step, error) {
	return []*task.Step{{
		ID:          "s1",
		Description: "stub step",
		Action:      task.Action{Kind: task.ActionShellCommand, Command: "true"},
		Risk:        task.RiskLow,
	}}, nil
}

type stubExecutor struct{}

func (stubExecutor) Run(_ context.Context, _ *task.Step) (*lifecycle.Outcome, error) {
	return &lifecycle.Outcome{Status: task.StepSucceeded}, nil
}

type stubNotifier struct{}

func (stubNotifier) Send(context.Context, string, lifecycle.EventKind, map[string]string) error {
	return nil
}

// newTestHandler creates a Handler wired with in-memory deps (no containers).
func newTestHandler(t *testing.T) (*lifecycle.Manager, http.Handler) {
	t.Helper()
	logger := zap.NewNop()
	m := lifecycle.NewManager(stubPlanner{}, stubExecutor{}, stubNotifier{},
		lifecycle.Config{ApprovalTimeout: time.Hour}, logger)
	h := NewHandler(m, nil, nil, logger)
	return m, h.Router()
}

func postJSON(t *testing.T, ts *httptest.Server, path string, body interface{}) *http.Response {
	t.Helper()
	b, _ := json.Marshal(body)
	resp, err := http.Post(ts.URL+path, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func getJSON(t *testing.T, ts *httptest.Server, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func createTask(t *testing.T, ts *httptest.Server, autonomy task.Autonomy) string {
	t.Helper()
	resp := postJSON(t, ts, "/api/tasks", map[string]interface{}{
		"type":           "server_configure",
		"description":    "rotate certs on db01",
		"parameters":     map[string]string{"host": "db01"},
		"priority":       "high",
		"autonomy_level": autonomy,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d", resp.StatusCode)
	}
	var body map[string]string
	decodeJSON(t, resp, &body)
	if body["id"] == "" {
		t.Fatal("create returned no id")
	}
	return body["id"]
}

func waitForStatus(t *testing.T, ts *httptest.Server, id string, want task.Status) *task.Task {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		resp := getJSON(t, ts, "/api/tasks/"+id)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("get: %d", resp.StatusCode)
		}
		var got task.Task
		decodeJSON(t, resp, &got)
		if got.Status == want {
			return &got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task %s never reached %s", id, want)
	return nil
}

// --- Tests ---

func TestHealthCheck(t *testing.T) {
	_, router := newTestHandler(t)
	ts := httptest.NewServer(router)
	defer ts.Close()

	resp := getJSON(t, ts, "/api/health")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body map[string]string
	decodeJSON(t, resp, &body)
	if body["status"] != "ok" {
		t.Errorf("expected status ok, got %q", body["status"])
	}
}

func TestCreateApproveFlow(t *testing.T) {
	_, router := newTestHandler(t)
	ts := httptest.NewServer(router)
	defer ts.Close()

	id := createTask(t, ts, task.AutonomyGuided)
	waitForStatus(t, ts, id, task.StatusAwaitingApproval)

	resp := postJSON(t, ts, "/api/tasks/"+id+"/approve", map[string]string{"actor": "alice"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("approve: expected 200, got %d", resp.StatusCode)
	}
	var approved task.Task
	decodeJSON(t, resp, &approved)
	if approved.Status != task.StatusExecuting && !approved.Status.Terminal() {
		t.Errorf("post-approve status = %s", approved.Status)
	}

	waitForStatus(t, ts, id, task.StatusSucceeded)
}

func TestCreateValidation(t *testing.T) {
	_, router := newTestHandler(t)
	ts := httptest.NewServer(router)
	defer ts.Close()

	resp := postJSON(t, ts, "/api/tasks", map[string]string{"type": "server_configure"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing description: expected 400, got %d", resp.StatusCode)
	}

	resp = postJSON(t, ts, "/api/tasks", map[string]string{
		"type": "server_configure", "description": "x", "autonomy_level": "yolo",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad autonomy: expected 400, got %d", resp.StatusCode)
	}
}

func TestApproveConflicts(t *testing.T) {
	_, router := newTestHandler(t)
	ts := httptest.NewServer(router)
	defer ts.Close()

	id := createTask(t, ts, task.AutonomyFullAutonomous)
	waitForStatus(t, ts, id, task.StatusSucceeded)

	resp := postJSON(t, ts, "/api/tasks/"+id+"/approve", map[string]string{"actor": "alice"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}
}

func TestUnknownTaskIs404(t *testing.T) {
	_, router := newTestHandler(t)
	ts := httptest.NewServer(router)
	defer ts.Close()

	if resp := getJSON(t, ts, "/api/tasks/nope"); resp.StatusCode != http.StatusNotFound {
		t.Errorf("get: expected 404, got %d", resp.StatusCode)
	}
	if resp := postJSON(t, ts, "/api/tasks/nope/cancel", nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("cancel: expected 404, got %d", resp.StatusCode)
	}
}

func TestRejectCancelsTask(t *testing.T) {
	_, router := newTestHandler(t)
	ts := httptest.NewServer(router)
	defer ts.Close()

	id := createTask(t, ts, task.AutonomyGuided)
	waitForStatus(t, ts, id, task.StatusAwaitingApproval)

	resp := postJSON(t, ts, "/api/tasks/"+id+"/reject", map[string]string{"actor": "bob"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reject: expected 200, got %d", resp.StatusCode)
	}
	got := waitForStatus(t, ts, id, task.StatusCancelled)
	if got.Reason != "rejected" {
		t.Errorf("reason = %q", got.Reason)
	}
}

func TestListFilter(t *testing.T) {
	_, router := newTestHandler(t)
	ts := httptest.NewServer(router)
	defer ts.Close()

	auto := createTask(t, ts, task.AutonomyFullAutonomous)
	gated := createTask(t, ts, task.AutonomyGuided)
	waitForStatus(t, ts, auto, task.StatusSucceeded)
	waitForStatus(t, ts, gated, task.StatusAwaitingApproval)

	var waiting []lifecycle.Summary
	resp := getJSON(t, ts, "/api/tasks?status=awaiting_approval")
	decodeJSON(t, resp, &waiting)
	if len(waiting) != 1 || waiting[0].ID != gated {
		t.Fatalf("filtered = %+v", waiting)
	}

	var all []lifecycle.Summary
	resp = getJSON(t, ts, "/api/tasks")
	decodeJSON(t, resp, &all)
	if len(all) != 2 {
		t.Fatalf("all = %d tasks", len(all))
	}
}

func TestKnowledgeRoutesUnconfigured(t *testing.T) {
	_, router := newTestHandler(t)
	ts := httptest.NewServer(router)
	defer ts.Close()

	if resp := getJSON(t, ts, "/api/knowledge/errors?q=restart"); resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("knowledge: expected 503, got %d", resp.StatusCode)
	}
	if resp := getJSON(t, ts, "/api/history/server_configure"); resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("history: expected 503, got %d", resp.StatusCode)
	}
	if resp := getJSON(t, ts, "/api/history/server_configure/failures"); resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("failures: expected 503, got %d", resp.StatusCode)
	}
}
