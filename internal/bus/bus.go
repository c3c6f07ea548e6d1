package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nidhogg/warden/internal/task"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// TaskEvent is one applied task transition, as seen on the event stream.
// Downstream consumers (dashboards, audit collectors) tail these.
type TaskEvent struct {
	TaskID string      `json:"task_id"`
	From   task.Status `json:"from"`
	To     task.Status `json:"to"`
	Actor  string      `json:"actor"`
	At     time.Time   `json:"at"`
}

const eventStream = "warden:task-events"

// Bus publishes task transitions to a Redis Stream.
type Bus struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// New creates a Redis-backed event bus.
func New(redisURL string, logger *zap.Logger) (*Bus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Bus{rdb: rdb, logger: logger}, nil
}

// PublishTransition appends one transition event to the stream.
func (b *Bus) PublishTransition(ctx context.Context, taskID string, from, to task.Status, actor string) error {
	data, err := json.Marshal(&TaskEvent{
		TaskID: taskID,
		From:   from,
		To:     to,
		Actor:  actor,
		At:     time.Now(),
	})
	if err != nil {
		return err
	}

	_, err = b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: eventStream,
		Values: map[string]interface{}{
			"data": string(data),
		},
	}).Result()

	if err != nil {
		return fmt.Errorf("publish to %s: %w", eventStream, err)
	}

	b.logger.Debug("published transition",
		zap.String("task", taskID),
		zap.String("from", string(from)),
		zap.String("to", string(to)))
	return nil
}

// Subscribe tails the event stream from now on. Returns a channel that emits
// events; cancel the context to stop.
func (b *Bus) Subscribe(ctx context.Context) <-chan *TaskEvent {
	ch := make(chan *TaskEvent, 16)

	go func() {
		defer close(ch)
		lastID := "$"

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			results, err := b.rdb.XRead(ctx, &redis.XReadArgs{
				Streams: []string{eventStream, lastID},
				Count:   10,
				Block:   time.Second * 2,
			}).Result()

			if err != nil {
				if err == context.Canceled || err == context.DeadlineExceeded {
					return
				}
				continue
			}

			for _, r := range results {
				for _, msg := range r.Messages {
					lastID = msg.ID
					data, ok := msg.Values["data"].(string)
					if !ok {
						continue
					}
					var ev TaskEvent
					if json.Unmarshal([]byte(data), &ev) == nil {
						ch <- &ev
					}
				}
			}
		}
	}()

	return ch
}

// Close shuts down the Redis connection.
func (b *Bus) Close() error {
	return b.rdb.Close()
}
