package knowledge

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/nidhogg/warden/internal/embedding"
	"github.com/nidhogg/warden/internal/task"
	"github.com/nidhogg/warden/internal/vectorstore"
	"go.uber.org/zap"
)

const (
	taskRunsCollection    = "warden-task-runs"
	knownErrorsCollection = "warden-known-errors"

	defaultTopK       = 5
	defaultReuseScore = 0.83
)

// VectorStore is the slice of the vector database the knowledge base uses.
type VectorStore interface {
	EnsureCollection(ctx context.Context, name string, dimension uint64) error
	Upsert(ctx context.Context, collection, id string, vector []float32, payload map[string]string) error
	Search(ctx context.Context, collection string, vector []float32, topK uint64, must map[string]string) ([]*vectorstore.SearchResult, error)
}

// Config tunes knowledge base behavior.
type Config struct {
	// MinReuseScore is the similarity floor below which past plans are
	// not offered for reuse.
	MinReuseScore float32 `json:"min_reuse_score"`
	TopK          uint64  `json:"top_k"`
}

// Base stores finished task runs and failure signatures as vectors, and
// answers similarity queries: past plans worth reusing and known errors
// matching a failure message.
type Base struct {
	store    VectorStore
	embedder embedding.Provider
	cfg      Config
	logger   *zap.Logger
}

// NewBase creates a knowledge base over a vector store.
func NewBase(store VectorStore, embedder embedding.Provider, cfg Config, logger *zap.Logger) *Base {
	if cfg.MinReuseScore <= 0 {
		cfg.MinReuseScore = defaultReuseScore
	}
	if cfg.TopK == 0 {
		cfg.TopK = defaultTopK
	}
	return &Base{store: store, embedder: embedder, cfg: cfg, logger: logger}
}

// Init ensures the backing collections exist.
func (b *Base) Init(ctx context.Context) error {
	dim := uint64(b.embedder.Dimension())
	for _, name := range []string{taskRunsCollection, knownErrorsCollection} {
		if err := b.store.EnsureCollection(ctx, name, dim); err != nil {
			return fmt.Errorf("ensure collection %s: %w", name, err)
		}
	}
	return nil
}

// Record stores a terminal task snapshot: every run lands in the task-run
// collection, and failed steps additionally become known-error entries.
// Failures here are logged, not propagated; learning never blocks operations.
func (b *Base) Record(ctx context.Context, t *task.Task) {
	vec, err := b.embedText(ctx, searchText(t.Type, t.Description))
	if err != nil {
		b.logger.Warn("knowledge record: embed failed", zap.String("task", t.ID), zap.Error(err))
		return
	}

	steps, err := json.Marshal(t.Steps)
	if err != nil {
		b.logger.Warn("knowledge record: marshal steps failed", zap.String("task", t.ID), zap.Error(err))
		return
	}
	payload := map[string]string{
		"task_id":     t.ID,
		"type":        string(t.Type),
		"description": t.Description,
		"status":      string(t.Status),
		"steps":       string(steps),
	}
	if err := b.store.Upsert(ctx, taskRunsCollection, t.ID, vec, payload); err != nil {
		b.logger.Warn("knowledge record: upsert failed", zap.String("task", t.ID), zap.Error(err))
		return
	}

	for _, s := range t.Steps {
		if s.Status != task.StepFailed || s.Error == "" {
			continue
		}
		evec, err := b.embedText(ctx, s.Error)
		if err != nil {
			b.logger.Warn("knowledge record: embed error failed", zap.String("task", t.ID), zap.Error(err))
			continue
		}
		err = b.store.Upsert(ctx, knownErrorsCollection, uuid.New().String(), evec, map[string]string{
			"task_id": t.ID,
			"step_id": s.ID,
			"type":    string(t.Type),
			"error":   s.Error,
		})
		if err != nil {
			b.logger.Warn("knowledge record: error upsert failed", zap.String("task", t.ID), zap.Error(err))
		}
	}

	b.logger.Info("task run recorded",
		zap.String("task", t.ID),
		zap.String("status", string(t.Status)))
}

// SimilarPlan looks for a succeeded run of the same type close enough to the
// description to reuse its steps.
func (b *Base) SimilarPlan(ctx context.Context, typ task.Type, description string) ([]*task.Step, bool, error) {
	vec, err := b.embedText(ctx, searchText(typ, description))
	if err != nil {
		return nil, false, err
	}
	hits, err := b.store.Search(ctx, taskRunsCollection, vec, b.cfg.TopK, map[string]string{
		"type":   string(typ),
		"status": string(task.StatusSucceeded),
	})
	if err != nil {
		return nil, false, err
	}
	for _, h := range hits {
		if h.Score < b.cfg.MinReuseScore {
			continue
		}
		var steps []*task.Step
		if err := json.Unmarshal([]byte(h.Payload["steps"]), &steps); err != nil || len(steps) == 0 {
			continue
		}
		b.logger.Debug("similar plan found",
			zap.String("source_task", h.Payload["task_id"]),
			zap.Float32("score", h.Score))
		return steps, true, nil
	}
	return nil, false, nil
}

// KnownError is a past failure signature close to a queried error message.
type KnownError struct {
	TaskID string  `json:"task_id"`
	StepID string  `json:"step_id"`
	Type   string  `json:"type"`
	Error  string  `json:"error"`
	Score  float32 `json:"score"`
}

// SimilarErrors returns past failures resembling the given message.
func (b *Base) SimilarErrors(ctx context.Context, message string) ([]KnownError, error) {
	vec, err := b.embedText(ctx, message)
	if err != nil {
		return nil, err
	}
	hits, err := b.store.Search(ctx, knownErrorsCollection, vec, b.cfg.TopK, nil)
	if err != nil {
		return nil, err
	}
	out := make([]KnownError, 0, len(hits))
	for _, h := range hits {
		out = append(out, KnownError{
			TaskID: h.Payload["task_id"],
			StepID: h.Payload["step_id"],
			Type:   h.Payload["type"],
			Error:  h.Payload["error"],
			Score:  h.Score,
		})
	}
	return out, nil
}

func (b *Base) embedText(ctx context.Context, text string) ([]float32, error) {
	vecs, err := b.embedder.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("embedding returned %d vectors, want 1", len(vecs))
	}
	return vecs[0], nil
}

func searchText(typ task.Type, description string) string {
	return string(typ) + ": " + description
}
