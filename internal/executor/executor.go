package executor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	"github.com/nidhogg/warden/internal/lifecycle"
	"github.com/nidhogg/warden/internal/task"
	"go.uber.org/zap"
)

const maxCapturedOutput = 16 << 10

// Config tunes step execution.
type Config struct {
	StepTimeout time.Duration `json:"step_timeout"` // per-step wall clock budget
	WorkDir     string        `json:"work_dir"`     // working directory for shell commands
	AllowUnsafe bool          `json:"allow_unsafe"` // disables the command denylist
}

func (c Config) withDefaults() Config {
	if c.StepTimeout <= 0 {
		c.StepTimeout = 5 * time.Minute
	}
	return c
}

// Executor runs planned steps on the local system: shell commands, HTTP calls
// against management APIs, and templated configuration writes. Command
// failures come back as failed outcomes; only cancellation and internal
// faults surface as errors.
type Executor struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger
}

// New creates an executor.
func New(cfg Config, logger *zap.Logger) *Executor {
	cfg = cfg.withDefaults()
	return &Executor{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.StepTimeout},
		logger: logger,
	}
}

// Run executes one step and reports its outcome.
func (x *Executor) Run(ctx context.Context, step *task.Step) (*lifecycle.Outcome, error) {
	ctx, cancel := context.WithTimeout(ctx, x.cfg.StepTimeout)
	defer cancel()

	switch step.Action.Kind {
	case task.ActionShellCommand:
		return x.runShell(ctx, step)
	case task.ActionRemoteAPICall:
		return x.runHTTP(ctx, step)
	case task.ActionConfigTemplateApply:
		return x.applyTemplate(step)
	}
	return failed(fmt.Sprintf("unsupported action kind %q", step.Action.Kind), ""), nil
}

func (x *Executor) runShell(ctx context.Context, step *task.Step) (*lifecycle.Outcome, error) {
	command := step.Action.Command
	if !x.cfg.AllowUnsafe {
		if err := CheckCommand(command); err != nil {
			x.logger.Warn("command rejected",
				zap.String("step", step.ID),
				zap.String("command", command),
				zap.Error(err))
			return failed(err.Error(), ""), nil
		}
	}

	x.logger.Debug("running shell command", zap.String("step", step.ID), zap.String("command", command))
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	cmd.Dir = x.cfg.WorkDir
	out, err := cmd.CombinedOutput()
	output := truncate(string(out))

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err != nil {
		return failed(fmt.Sprintf("command failed: %v", err), output), nil
	}
	return &lifecycle.Outcome{Status: task.StepSucceeded, Output: output}, nil
}

func (x *Executor) runHTTP(ctx context.Context, step *task.Step) (*lifecycle.Outcome, error) {
	a := step.Action
	method := a.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if a.Body != "" {
		body = strings.NewReader(a.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.URL, body)
	if err != nil {
		return failed(fmt.Sprintf("invalid request: %v", err), ""), nil
	}
	if a.Body != "" && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range a.Headers {
		req.Header.Set(k, v)
	}

	x.logger.Debug("calling remote API",
		zap.String("step", step.ID),
		zap.String("method", method),
		zap.String("url", a.URL))
	resp, err := x.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return failed(fmt.Sprintf("request failed: %v", err), ""), nil
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxCapturedOutput))
	output := truncate(string(data))
	if resp.StatusCode >= 400 {
		return failed(fmt.Sprintf("remote API returned %s", resp.Status), output), nil
	}
	return &lifecycle.Outcome{Status: task.StepSucceeded, Output: output}, nil
}

// applyTemplate renders the step's template and writes it over the target
// file, keeping a .bak copy of any previous content.
func (x *Executor) applyTemplate(step *task.Step) (*lifecycle.Outcome, error) {
	a := step.Action
	if a.Target == "" {
		return failed("template apply needs a target path", ""), nil
	}
	tpl, err := template.New(filepath.Base(a.Target)).Option("missingkey=error").Parse(a.Template)
	if err != nil {
		return failed(fmt.Sprintf("bad template: %v", err), ""), nil
	}
	var buf bytes.Buffer
	if err := tpl.Execute(&buf, a.Values); err != nil {
		return failed(fmt.Sprintf("template render failed: %v", err), ""), nil
	}

	backed := false
	if prev, err := os.ReadFile(a.Target); err == nil {
		if err := os.WriteFile(a.Target+".bak", prev, 0o644); err != nil {
			return failed(fmt.Sprintf("backup failed: %v", err), ""), nil
		}
		backed = true
	}

	tmp := a.Target + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return failed(fmt.Sprintf("write failed: %v", err), ""), nil
	}
	if err := os.Rename(tmp, a.Target); err != nil {
		os.Remove(tmp)
		return failed(fmt.Sprintf("write failed: %v", err), ""), nil
	}

	x.logger.Info("configuration applied",
		zap.String("step", step.ID),
		zap.String("target", a.Target),
		zap.Bool("backup", backed))
	msg := fmt.Sprintf("wrote %d bytes to %s", buf.Len(), a.Target)
	if backed {
		msg += " (previous content in " + a.Target + ".bak)"
	}
	return &lifecycle.Outcome{Status: task.StepSucceeded, Output: msg}, nil
}

func failed(reason, output string) *lifecycle.Outcome {
	return &lifecycle.Outcome{Status: task.StepFailed, Error: reason, Output: output}
}

func truncate(s string) string {
	if len(s) > maxCapturedOutput {
		return s[:maxCapturedOutput] + "\n... (truncated)"
	}
	return strings.TrimRight(s, "\n")
}
