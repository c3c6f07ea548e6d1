package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/nidhogg/warden/internal/lifecycle"
	"go.uber.org/zap"
)

// Sink delivers a rendered notification to one platform channel.
type Sink interface {
	Platform() string
	Post(ctx context.Context, channel, text string) error
	Close() error
}

// Channels names the two delivery tiers. Escalations go to the escalation
// channel when one is configured; everything else uses the default channel.
type Channels struct {
	Default    string `json:"default"`
	Escalation string `json:"escalation"`
}

// Router fans lifecycle events out to all registered sinks. It implements
// the manager's Notifier; delivery failures are aggregated, never fatal.
type Router struct {
	channels Channels
	mu       sync.RWMutex
	sinks    []Sink
	logger   *zap.Logger
}

// NewRouter creates a notification router.
func NewRouter(channels Channels, logger *zap.Logger) *Router {
	return &Router{channels: channels, logger: logger}
}

// Register adds a delivery sink.
func (r *Router) Register(s Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks = append(r.sinks, s)
	r.logger.Info("registered notification sink", zap.String("platform", s.Platform()))
}

// Send renders the event and posts it to every sink.
func (r *Router) Send(ctx context.Context, taskID string, kind lifecycle.EventKind, payload map[string]string) error {
	channel := r.channels.Default
	if kind == lifecycle.EventEscalated && r.channels.Escalation != "" {
		channel = r.channels.Escalation
	}
	text := render(taskID, kind, payload)

	r.mu.RLock()
	sinks := append([]Sink(nil), r.sinks...)
	r.mu.RUnlock()

	var failed []string
	for _, s := range sinks {
		if err := s.Post(ctx, channel, text); err != nil {
			r.logger.Warn("notification delivery failed",
				zap.String("platform", s.Platform()),
				zap.String("task", taskID),
				zap.Error(err))
			failed = append(failed, s.Platform())
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("delivery failed on %s", strings.Join(failed, ", "))
	}
	return nil
}

// Close shuts down all sinks.
func (r *Router) Close() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sinks {
		if err := s.Close(); err != nil {
			r.logger.Warn("sink close failed", zap.String("platform", s.Platform()), zap.Error(err))
		}
	}
	return nil
}

var headlines = map[lifecycle.EventKind]string{
	lifecycle.EventApprovalRequested: "APPROVAL REQUIRED",
	lifecycle.EventEscalated:         "ESCALATED — approval overdue",
	lifecycle.EventSucceeded:         "TASK SUCCEEDED",
	lifecycle.EventFailed:            "TASK FAILED",
}

func render(taskID string, kind lifecycle.EventKind, payload map[string]string) string {
	head, ok := headlines[kind]
	if !ok {
		head = strings.ToUpper(string(kind))
	}
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] task %s", head, taskID)
	if t := payload["type"]; t != "" {
		fmt.Fprintf(&b, " (%s", t)
		if p := payload["priority"]; p != "" {
			fmt.Fprintf(&b, ", priority %s", p)
		}
		b.WriteString(")")
	}
	if d := payload["description"]; d != "" {
		b.WriteString("\n")
		b.WriteString(d)
	}
	if reason := payload["reason"]; reason != "" {
		fmt.Fprintf(&b, "\nreason: %s", reason)
	}
	return b.String()
}

// LogSink writes notifications to the service log. Useful in development and
// as a last-resort sink when no chat platform is configured.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a log-backed sink.
func NewLogSink(logger *zap.Logger) *LogSink { return &LogSink{logger: logger} }

func (s *LogSink) Platform() string { return "log" }

func (s *LogSink) Post(_ context.Context, channel, text string) error {
	s.logger.Info("notification", zap.String("channel", channel), zap.String("text", text))
	return nil
}

func (s *LogSink) Close() error { return nil }
