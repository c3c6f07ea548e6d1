package executor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nidhogg/warden/internal/task"
	"go.uber.org/zap"
)

func shellStep(command string) *task.Step {
	return &task.Step{
		ID:     "s1",
		Action: task.Action{Kind: task.ActionShellCommand, Command: command},
	}
}

func TestShellCommandSuccess(t *testing.T) {
	x := New(Config{}, zap.NewNop())
	out, err := x.Run(context.Background(), shellStep("echo hello"))
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != task.StepSucceeded || out.Output != "hello" {
		t.Fatalf("outcome = %+v", out)
	}
}

func TestShellCommandFailureIsOutcome(t *testing.T) {
	x := New(Config{}, zap.NewNop())
	out, err := x.Run(context.Background(), shellStep("echo boom >&2; exit 3"))
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != task.StepFailed {
		t.Fatalf("status = %s, want failed", out.Status)
	}
	if !strings.Contains(out.Output, "boom") {
		t.Errorf("stderr not captured: %q", out.Output)
	}
}

func TestDangerousCommandRejectedWithoutRunning(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "ran")
	x := New(Config{}, zap.NewNop())

	out, err := x.Run(context.Background(), shellStep("touch "+marker+" && rm -rf /"))
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != task.StepFailed || !strings.Contains(out.Error, "rejected") {
		t.Fatalf("outcome = %+v", out)
	}
	if _, err := os.Stat(marker); !os.IsNotExist(err) {
		t.Fatal("rejected command was still executed")
	}

	x = New(Config{AllowUnsafe: true}, zap.NewNop())
	out, err = x.Run(context.Background(), shellStep("echo mkfs"))
	if err != nil || out.Status != task.StepSucceeded {
		t.Fatalf("unsafe mode: %+v %v", out, err)
	}
}

func TestShellCancellationIsError(t *testing.T) {
	x := New(Config{StepTimeout: 50 * time.Millisecond}, zap.NewNop())
	_, err := x.Run(context.Background(), shellStep("sleep 5"))
	if err == nil {
		t.Fatal("expected a cancellation error")
	}
}

func TestRemoteAPICall(t *testing.T) {
	var gotAuth, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		b := make([]byte, r.ContentLength)
		r.Body.Read(b)
		gotBody = string(b)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	x := New(Config{}, zap.NewNop())
	out, err := x.Run(context.Background(), &task.Step{
		ID: "s1",
		Action: task.Action{
			Kind:    task.ActionRemoteAPICall,
			Method:  http.MethodPost,
			URL:     srv.URL + "/maintenance/open",
			Body:    `{"host":"web03"}`,
			Headers: map[string]string{"Authorization": "Bearer tok"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != task.StepSucceeded || out.Output != `{"ok":true}` {
		t.Fatalf("outcome = %+v", out)
	}
	if gotAuth != "Bearer tok" || gotBody != `{"host":"web03"}` {
		t.Errorf("request not forwarded: auth=%q body=%q", gotAuth, gotBody)
	}
}

func TestRemoteAPIErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such host", http.StatusNotFound)
	}))
	defer srv.Close()

	x := New(Config{}, zap.NewNop())
	out, err := x.Run(context.Background(), &task.Step{
		ID:     "s1",
		Action: task.Action{Kind: task.ActionRemoteAPICall, URL: srv.URL},
	})
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != task.StepFailed || !strings.Contains(out.Error, "404") {
		t.Fatalf("outcome = %+v", out)
	}
}

func TestTemplateApplyWithBackup(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "nginx.conf")
	if err := os.WriteFile(target, []byte("old config\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	x := New(Config{}, zap.NewNop())
	out, err := x.Run(context.Background(), &task.Step{
		ID: "s1",
		Action: task.Action{
			Kind:     task.ActionConfigTemplateApply,
			Template: "server { listen {{.port}}; }",
			Target:   target,
			Values:   map[string]string{"port": "8443"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != task.StepSucceeded {
		t.Fatalf("outcome = %+v", out)
	}

	got, _ := os.ReadFile(target)
	if string(got) != "server { listen 8443; }" {
		t.Errorf("rendered = %q", got)
	}
	bak, err := os.ReadFile(target + ".bak")
	if err != nil || string(bak) != "old config\n" {
		t.Errorf("backup missing or wrong: %q %v", bak, err)
	}
}

func TestTemplateMissingValueFails(t *testing.T) {
	x := New(Config{}, zap.NewNop())
	out, err := x.Run(context.Background(), &task.Step{
		ID: "s1",
		Action: task.Action{
			Kind:     task.ActionConfigTemplateApply,
			Template: "listen {{.port}}",
			Target:   filepath.Join(t.TempDir(), "out.conf"),
			Values:   map[string]string{},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != task.StepFailed {
		t.Fatalf("missing template value must fail the step, got %+v", out)
	}
}

func TestUnsupportedActionKind(t *testing.T) {
	x := New(Config{}, zap.NewNop())
	out, err := x.Run(context.Background(), &task.Step{ID: "s1", Action: task.Action{Kind: "reboot_universe"}})
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != task.StepFailed {
		t.Fatalf("outcome = %+v", out)
	}
}
