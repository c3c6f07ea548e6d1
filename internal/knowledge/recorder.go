package knowledge

import (
	"context"

	"github.com/nidhogg/warden/internal/task"
	"go.uber.org/zap"
)

// Recorder fans terminal task snapshots out to the vector base and the
// history graph. Either side may be absent.
type Recorder struct {
	base   *Base
	graph  *Graph
	logger *zap.Logger
}

// NewRecorder creates a learning recorder. base and graph may be nil.
func NewRecorder(base *Base, graph *Graph, logger *zap.Logger) *Recorder {
	return &Recorder{base: base, graph: graph, logger: logger}
}

// Record stores the snapshot in every attached backend.
func (r *Recorder) Record(ctx context.Context, t *task.Task) {
	if r.base != nil {
		r.base.Record(ctx, t)
	}
	if r.graph != nil {
		if err := r.graph.RecordRun(ctx, t); err != nil {
			r.logger.Warn("graph record failed", zap.String("task", t.ID), zap.Error(err))
		}
	}
}
