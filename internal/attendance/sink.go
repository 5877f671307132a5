package attendance

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"presence/internal/metrics"
	"presence/internal/presence"
	"presence/internal/queue"
)

// Queue message types carrying persistence work.
const (
	MsgChange = "presence.change"
	MsgReset  = "presence.reset"
)

// Sink persists tracker changes. Implementations must be safe for concurrent use.
type Sink interface {
	Apply(ctx context.Context, change presence.Change) error
	Clear(ctx context.Context) error
}

// QueueSink defers persistence to a worker by publishing every change.
type QueueSink struct {
	q queue.Queue
}

// NewQueueSink creates a sink that publishes onto q.
func NewQueueSink(q queue.Queue) *QueueSink {
	return &QueueSink{q: q}
}

// Apply publishes change.
func (s *QueueSink) Apply(ctx context.Context, change presence.Change) error {
	msg, err := queue.NewMessage(MsgChange, change)
	if err != nil {
		return err
	}
	return s.q.Publish(ctx, msg)
}

// Clear publishes a request to drop all persisted rows.
func (s *QueueSink) Clear(ctx context.Context) error {
	msg, err := queue.NewMessage(MsgReset, nil)
	if err != nil {
		return err
	}
	return s.q.Publish(ctx, msg)
}

// Dispatch applies a consumed queue message to sink.
func Dispatch(ctx context.Context, sink Sink, msg queue.Message) error {
	switch msg.Type {
	case MsgChange:
		var change presence.Change
		if err := json.Unmarshal(msg.Body, &change); err != nil {
			return fmt.Errorf("decode change %s: %w", msg.ID, err)
		}
		change.Record.Identity = change.Identity
		return sink.Apply(ctx, change)
	case MsgReset:
		return sink.Clear(ctx)
	default:
		return fmt.Errorf("unknown message type %q", msg.Type)
	}
}

// Drain consumes q until ctx is done and dispatches every message to sink.
// Failed messages are logged and dropped; the tracker in the API process
// remains the source of truth and rewrites the row on the next change.
func Drain(ctx context.Context, q queue.Queue, sink Sink, log zerolog.Logger) error {
	messages, err := q.Consume(ctx)
	if err != nil {
		return fmt.Errorf("consume queue: %w", err)
	}
	for msg := range messages {
		if err := Dispatch(ctx, sink, msg); err != nil {
			metrics.QueueMessages.WithLabelValues(msg.Type, "failed").Inc()
			log.Error().Err(err).Str("id", msg.ID).Str("type", msg.Type).Msg("apply queued change failed")
			continue
		}
		metrics.QueueMessages.WithLabelValues(msg.Type, "applied").Inc()
		log.Debug().Str("id", msg.ID).Str("type", msg.Type).Msg("queued change applied")
	}
	return nil
}
