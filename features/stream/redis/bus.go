// Package redis implements the event fabric over Redis: pub/sub for live
// delivery plus bounded streams for replay. One stream per workflow and per
// execution, capped ring-buffer style so a chatty execution cannot grow
// without bound.
package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/loomworks/loom/runtime/stream"
)

// Default retention caps for the replay streams.
const (
	DefaultWorkflowMaxLen  = 10000
	DefaultExecutionMaxLen = 5000
)

// Bus implements stream.Bus on Redis.
type Bus struct {
	client          redis.UniversalClient
	workflowMaxLen  int64
	executionMaxLen int64
}

// Options configures the bus.
type Options struct {
	// Client is the Redis connection. Required.
	Client redis.UniversalClient
	// WorkflowMaxLen caps the per-workflow replay stream. Defaults to
	// DefaultWorkflowMaxLen.
	WorkflowMaxLen int64
	// ExecutionMaxLen caps the per-execution replay stream. Defaults to
	// DefaultExecutionMaxLen.
	ExecutionMaxLen int64
}

// New constructs a Redis-backed bus.
func New(opts Options) (*Bus, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("redis bus: client is required")
	}
	b := &Bus{
		client:          opts.Client,
		workflowMaxLen:  opts.WorkflowMaxLen,
		executionMaxLen: opts.ExecutionMaxLen,
	}
	if b.workflowMaxLen == 0 {
		b.workflowMaxLen = DefaultWorkflowMaxLen
	}
	if b.executionMaxLen == 0 {
		b.executionMaxLen = DefaultExecutionMaxLen
	}
	return b, nil
}

// WorkflowChannel returns the live channel name for a workflow.
func WorkflowChannel(workflowID string) string { return "workflow:" + workflowID }

// ExecutionChannel returns the live channel name for an execution.
func ExecutionChannel(executionID string) string { return "execution:" + executionID }

func streamKey(channel string) string { return channel + ":events" }

// Publish delivers the envelope to live subscribers on the event-type,
// workflow and execution channels, and appends it to both replay streams.
// The first failure is returned but later sinks are still attempted.
func (b *Bus) Publish(ctx context.Context, workflowID, executionID string, env stream.Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("redis bus: encode envelope: %w", err)
	}

	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	keep(b.client.Publish(ctx, env.EventType, payload).Err())
	fields := map[string]any{
		"event_type": env.EventType,
		"data":       env.Data,
		"timestamp":  env.Timestamp,
	}
	if workflowID != "" {
		channel := WorkflowChannel(workflowID)
		keep(b.client.Publish(ctx, channel, payload).Err())
		keep(b.client.XAdd(ctx, &redis.XAddArgs{
			Stream: streamKey(channel),
			MaxLen: b.workflowMaxLen,
			Approx: true,
			Values: fields,
		}).Err())
	}
	if executionID != "" {
		channel := ExecutionChannel(executionID)
		keep(b.client.Publish(ctx, channel, payload).Err())
		keep(b.client.XAdd(ctx, &redis.XAddArgs{
			Stream: streamKey(channel),
			MaxLen: b.executionMaxLen,
			Approx: true,
			Values: fields,
		}).Err())
	}
	return firstErr
}

// Subscribe delivers live envelopes for the channel until the context is
// canceled.
func (b *Bus) Subscribe(ctx context.Context, channel string) (<-chan stream.Envelope, error) {
	pubsub := b.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis bus: subscribe %s: %w", channel, err)
	}

	out := make(chan stream.Envelope)
	go func() {
		defer close(out)
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var env stream.Envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					continue
				}
				select {
				case out <- env:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Replay returns buffered envelopes for the channel after the cursor. An
// empty cursor reads from the beginning. The returned cursor resumes the
// scan; it equals the input when the stream is exhausted.
func (b *Bus) Replay(ctx context.Context, channel string, cursor string, limit int) ([]stream.Envelope, string, error) {
	start := "-"
	if cursor != "" {
		// Exclusive range so the cursor entry itself is not replayed twice.
		start = "(" + cursor
	}
	if limit <= 0 {
		limit = 100
	}
	entries, err := b.client.XRangeN(ctx, streamKey(channel), start, "+", int64(limit)).Result()
	if err != nil {
		return nil, cursor, fmt.Errorf("redis bus: replay %s: %w", channel, err)
	}
	envs := make([]stream.Envelope, 0, len(entries))
	next := cursor
	for _, entry := range entries {
		envs = append(envs, stream.Envelope{
			EventType: stringField(entry.Values, "event_type"),
			Data:      stringField(entry.Values, "data"),
			Timestamp: stringField(entry.Values, "timestamp"),
		})
		next = entry.ID
	}
	return envs, next, nil
}

func stringField(values map[string]any, key string) string {
	if s, ok := values[key].(string); ok {
		return s
	}
	return ""
}
