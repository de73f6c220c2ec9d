// Package queue hands persistence jobs from the gateway to the worker
// over a durable Redis stream. Delivery is at-least-once; the worker
// de-duplicates on the job's user message id.
package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	"github.com/quarrylabs/quarry/internal/ports"
)

// Event names carried on the persistence stream.
const (
	EventPersistAssistantMessage = "persist_assistant_message"
	EventCleanupExpiredSessions  = "cleanup_expired_sessions"
)

// streamMaxLen bounds the persistence stream so a stalled worker cannot
// grow Redis without limit. Jobs evicted here were hours stale anyway.
const streamMaxLen = 10000

// Queue wraps the pulse streams used by both processes: the gateway
// only ever calls Enqueue*, the worker calls NewSink and DeadLetter.
type Queue struct {
	stream     *streaming.Stream
	deadletter *streaming.Stream
}

// New opens (or creates) the persistence and dead-letter streams.
func New(rdb *redis.Client, streamName, deadletterName string) (*Queue, error) {
	stream, err := streaming.NewStream(streamName, rdb, streamopts.WithStreamMaxLen(streamMaxLen))
	if err != nil {
		return nil, fmt.Errorf("open persistence stream %q: %w", streamName, err)
	}
	dead, err := streaming.NewStream(deadletterName, rdb, streamopts.WithStreamMaxLen(streamMaxLen))
	if err != nil {
		return nil, fmt.Errorf("open dead-letter stream %q: %w", deadletterName, err)
	}
	return &Queue{stream: stream, deadletter: dead}, nil
}

// EnqueuePersistAssistantMessage publishes a finished (or interrupted)
// assistant turn for the worker to store.
func (q *Queue) EnqueuePersistAssistantMessage(ctx context.Context, job *ports.PersistAssistantMessageJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal persistence job: %w", err)
	}
	if _, err := q.stream.Add(ctx, EventPersistAssistantMessage, payload); err != nil {
		return fmt.Errorf("enqueue persistence job: %w", err)
	}
	return nil
}

// EnqueueCleanupExpiredSessions asks a worker to sweep the session
// keyspace for keys that lost their TTL.
func (q *Queue) EnqueueCleanupExpiredSessions(ctx context.Context) error {
	if _, err := q.stream.Add(ctx, EventCleanupExpiredSessions, []byte("{}")); err != nil {
		return fmt.Errorf("enqueue cleanup job: %w", err)
	}
	return nil
}

// NewSink joins (or creates) the worker consumer group. Events must be
// acked after processing; unacked events are redelivered.
func (q *Queue) NewSink(ctx context.Context, name string) (*streaming.Sink, error) {
	sink, err := q.stream.NewSink(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("create sink %q: %w", name, err)
	}
	return sink, nil
}

// DeadLetter parks a job the worker gave up on, preserving the original
// event name so an operator can replay it.
func (q *Queue) DeadLetter(ctx context.Context, eventName string, payload []byte) error {
	if _, err := q.deadletter.Add(ctx, eventName, payload); err != nil {
		return fmt.Errorf("dead-letter %s: %w", eventName, err)
	}
	return nil
}

// DecodePersistJob unpacks a persistence job payload.
func DecodePersistJob(payload []byte) (*ports.PersistAssistantMessageJob, error) {
	var job ports.PersistAssistantMessageJob
	if err := json.Unmarshal(payload, &job); err != nil {
		return nil, fmt.Errorf("decode persistence job: %w", err)
	}
	if job.ConversationID == "" || job.UserMessageID == "" {
		return nil, fmt.Errorf("persistence job missing conversation or user message id")
	}
	return &job, nil
}
