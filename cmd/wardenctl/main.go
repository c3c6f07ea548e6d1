package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

const usage = `wardenctl — Warden task control

Usage:
  wardenctl [flags] create -type <type> -desc <text> [-autonomy <level>] [-priority <p>] [-param k=v ...]
  wardenctl [flags] list [-status <status>]
  wardenctl [flags] get <task-id>
  wardenctl [flags] approve|reject|cancel|pause|resume <task-id>
  wardenctl [flags] errors <query>
  wardenctl [flags] history <task-type> [-limit <n>]
  wardenctl [flags] failures <task-type> [-limit <n>]

Flags:
  -server  Warden server URL (default http://localhost:8080)
  -actor   actor recorded on decisions (default cli-operator)
`

type paramList map[string]string

func (p paramList) String() string { return "" }

func (p paramList) Set(v string) error {
	k, val, ok := strings.Cut(v, "=")
	if !ok {
		return fmt.Errorf("expected key=value, got %q", v)
	}
	p[k] = val
	return nil
}

func main() {
	server := flag.String("server", "http://localhost:8080", "Warden server URL")
	actor := flag.String("actor", "cli-operator", "Actor recorded on decisions")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	c := &client{base: *server, actor: *actor, http: &http.Client{Timeout: 30 * time.Second}}

	var err error
	switch cmd := args[0]; cmd {
	case "create":
		err = c.create(args[1:])
	case "list":
		err = c.list(args[1:])
	case "get":
		err = c.get(args[1:])
	case "approve", "reject", "cancel", "pause", "resume":
		err = c.decide(cmd, args[1:])
	case "errors":
		err = c.errors(args[1:])
	case "history":
		err = c.history(args[1:])
	case "failures":
		err = c.failures(args[1:])
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}

type client struct {
	base  string
	actor string
	http  *http.Client
}

type taskView struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	Description string `json:"description"`
	Priority    string `json:"priority"`
	Autonomy    string `json:"autonomy_level"`
	Status      string `json:"status"`
	Reason      string `json:"reason,omitempty"`
	Steps       []struct {
		ID          string `json:"id"`
		Description string `json:"description"`
		Status      string `json:"status"`
		Risk        string `json:"risk"`
		Error       string `json:"error,omitempty"`
	} `json:"steps"`
	History []struct {
		At    time.Time `json:"at"`
		From  string    `json:"from"`
		To    string    `json:"to"`
		Actor string    `json:"actor"`
	} `json:"history"`
	CreatedAt time.Time `json:"created_at"`
}

func (c *client) create(args []string) error {
	fs := flag.NewFlagSet("create", flag.ExitOnError)
	typ := fs.String("type", "", "task type (server_configure, system_diagnose, system_maintenance, server_provision)")
	desc := fs.String("desc", "", "task description")
	autonomy := fs.String("autonomy", "supervised", "autonomy level")
	priority := fs.String("priority", "medium", "priority")
	params := paramList{}
	fs.Var(params, "param", "task parameter as key=value (repeatable)")
	fs.Parse(args)

	if *typ == "" || *desc == "" {
		return fmt.Errorf("create requires -type and -desc")
	}

	var created struct {
		ID string `json:"id"`
	}
	err := c.post("/api/tasks", map[string]interface{}{
		"type":           *typ,
		"description":    *desc,
		"autonomy_level": *autonomy,
		"priority":       *priority,
		"parameters":     map[string]string(params),
	}, &created)
	if err != nil {
		return err
	}
	fmt.Printf("created task %s\n", created.ID)
	return nil
}

func (c *client) list(args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	status := fs.String("status", "", "filter by status")
	fs.Parse(args)

	path := "/api/tasks"
	if *status != "" {
		path += "?" + url.Values{"status": {*status}}.Encode()
	}
	var tasks []struct {
		ID          string    `json:"id"`
		Type        string    `json:"type"`
		Description string    `json:"description"`
		Status      string    `json:"status"`
		CreatedAt   time.Time `json:"created_at"`
	}
	if err := c.getJSON(path, &tasks); err != nil {
		return err
	}
	if len(tasks) == 0 {
		fmt.Println("no tasks")
		return nil
	}
	for _, t := range tasks {
		fmt.Printf("%s  %-18s %-18s %s\n", t.ID, statusColored(t.Status), t.Type, t.Description)
	}
	return nil
}

func (c *client) get(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("get requires a task id")
	}
	var t taskView
	if err := c.getJSON("/api/tasks/"+args[0], &t); err != nil {
		return err
	}
	printTask(&t)
	return nil
}

func (c *client) decide(op string, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%s requires a task id", op)
	}
	var t taskView
	err := c.post("/api/tasks/"+args[0]+"/"+op, map[string]string{"actor": c.actor}, &t)
	if err != nil {
		return err
	}
	fmt.Printf("%s: task %s is now %s\n", op, t.ID, statusColored(t.Status))
	return nil
}

func (c *client) errors(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("errors requires a query string")
	}
	var hits []struct {
		TaskID string  `json:"task_id"`
		StepID string  `json:"step_id"`
		Error  string  `json:"error"`
		Score  float32 `json:"score"`
	}
	query := url.Values{"q": {args[0]}}
	if err := c.getJSON("/api/knowledge/errors?"+query.Encode(), &hits); err != nil {
		return err
	}
	if len(hits) == 0 {
		fmt.Println("no similar failures recorded")
		return nil
	}
	for _, h := range hits {
		fmt.Printf("%.2f  %s/%s: %s\n", h.Score, h.TaskID, h.StepID, h.Error)
	}
	return nil
}

func (c *client) history(args []string) error {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	limit := fs.Int("limit", 10, "max runs to show")
	if len(args) == 0 {
		return fmt.Errorf("history requires a task type")
	}
	typ := args[0]
	fs.Parse(args[1:])

	var runs []struct {
		ID          string `json:"id"`
		Description string `json:"description"`
		Status      string `json:"status"`
		Reason      string `json:"reason,omitempty"`
		FinishedAt  string `json:"finished_at"`
	}
	if err := c.getJSON(fmt.Sprintf("/api/history/%s?limit=%d", url.PathEscape(typ), *limit), &runs); err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Printf("no recorded runs for %s\n", typ)
		return nil
	}
	for _, r := range runs {
		line := fmt.Sprintf("%s  %s  %s  %s", r.FinishedAt, statusColored(r.Status), r.ID, r.Description)
		if r.Reason != "" {
			line += "  (" + r.Reason + ")"
		}
		fmt.Println(line)
	}
	return nil
}

func (c *client) failures(args []string) error {
	fs := flag.NewFlagSet("failures", flag.ExitOnError)
	limit := fs.Int("limit", 10, "max steps to show")
	if len(args) == 0 {
		return fmt.Errorf("failures requires a task type")
	}
	typ := args[0]
	fs.Parse(args[1:])

	var steps map[string]int64
	if err := c.getJSON(fmt.Sprintf("/api/history/%s/failures?limit=%d", url.PathEscape(typ), *limit), &steps); err != nil {
		return err
	}
	if len(steps) == 0 {
		fmt.Printf("no recorded step failures for %s\n", typ)
		return nil
	}
	for id, n := range steps {
		fmt.Printf("%4d  %s\n", n, id)
	}
	return nil
}

func printTask(t *taskView) {
	fmt.Printf("Task %s\n", t.ID)
	fmt.Printf("  %s | %s | priority %s | autonomy %s\n", t.Type, statusColored(t.Status), t.Priority, t.Autonomy)
	fmt.Printf("  %s\n", t.Description)
	if t.Reason != "" {
		fmt.Printf("  reason: %s\n", t.Reason)
	}
	if len(t.Steps) > 0 {
		fmt.Println("  steps:")
		for _, s := range t.Steps {
			fmt.Printf("    %-14s %-12s [%s] %s", s.ID, statusColored(s.Status), s.Risk, s.Description)
			if s.Error != "" {
				fmt.Printf(" \033[31m(%s)\033[0m", s.Error)
			}
			fmt.Println()
		}
	}
	if len(t.History) > 0 {
		fmt.Println("  history:")
		for _, h := range t.History {
			fmt.Printf("    %s  %s → %s  by %s\n", h.At.Format(time.RFC3339), h.From, h.To, h.Actor)
		}
	}
}

func statusColored(status string) string {
	switch status {
	case "succeeded", "approved", "completed":
		return "\033[32m" + status + "\033[0m"
	case "failed", "cancelled", "escalated":
		return "\033[31m" + status + "\033[0m"
	case "awaiting_approval", "paused":
		return "\033[33m" + status + "\033[0m"
	default:
		return status
	}
}

func (c *client) getJSON(path string, out interface{}) error {
	resp, err := c.http.Get(c.base + path)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	return decode(resp, out)
}

func (c *client) post(path string, body interface{}, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := c.http.Post(c.base+path, "application/json", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	return decode(resp, out)
}

func decode(resp *http.Response, out interface{}) error {
	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("server error (%d): %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("server error (%d): %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

func printError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "\033[31m"+format+"\033[0m\n", args...)
}
