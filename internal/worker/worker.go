// Package worker runs the persistence consumer: it drains the Redis
// persistence stream, writes finished assistant turns to Postgres, and
// parks jobs it cannot store on the dead-letter stream. Delivery from
// the stream is at-least-once; idempotency lives in the conversation
// service's existence check, so a redelivered job is a no-op.
package worker

import (
	"context"
	"errors"
	"log"
	"time"

	"goa.design/pulse/streaming"

	"github.com/quarrylabs/quarry/internal/adapters/metrics"
	"github.com/quarrylabs/quarry/internal/adapters/queue"
	"github.com/quarrylabs/quarry/internal/adapters/retry"
	"github.com/quarrylabs/quarry/internal/domain/models"
	"github.com/quarrylabs/quarry/internal/ports"
)

// Sink is the consumer-group surface the worker reads from. It matches
// *streaming.Sink from pulse.
type Sink interface {
	Subscribe() <-chan *streaming.Event
	Ack(ctx context.Context, ev *streaming.Event) error
	Close(ctx context.Context) error
}

// MessagePersister stores an assistant message unless one already exists
// for the same user message.
type MessagePersister interface {
	AppendAssistantIfAbsent(ctx context.Context, message *models.Message) (bool, error)
}

// DeadLetterer parks a payload the worker has given up on.
type DeadLetterer interface {
	DeadLetter(ctx context.Context, eventName string, payload []byte) error
}

// SessionSweeper removes orphaned stream session keys.
type SessionSweeper interface {
	SweepOrphans(ctx context.Context, olderThan time.Duration) (int, error)
}

type Worker struct {
	conversations MessagePersister
	deadletter    DeadLetterer
	sessions      SessionSweeper
	backoff       retry.BackoffConfig
	sessionTTL    time.Duration
}

func New(conversations MessagePersister, deadletter DeadLetterer, sessions SessionSweeper, backoff retry.BackoffConfig, sessionTTL time.Duration) *Worker {
	if sessionTTL <= 0 {
		sessionTTL = 5 * time.Minute
	}
	return &Worker{
		conversations: conversations,
		deadletter:    deadletter,
		sessions:      sessions,
		backoff:       backoff,
		sessionTTL:    sessionTTL,
	}
}

// Run consumes events until ctx is cancelled or the sink's channel closes.
// Every event is acked exactly once: after the write succeeds, after the
// job is dead-lettered, or immediately when the payload is garbage.
func (w *Worker) Run(ctx context.Context, sink Sink) error {
	defer func() {
		if err := sink.Close(context.WithoutCancel(ctx)); err != nil {
			log.Printf("worker: close sink: %v", err)
		}
	}()

	events := sink.Subscribe()
	log.Printf("worker: consuming persistence stream")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			w.process(ctx, sink, ev)
		}
	}
}

func (w *Worker) process(ctx context.Context, sink Sink, ev *streaming.Event) {
	start := time.Now()

	var outcome string
	switch ev.EventName {
	case queue.EventPersistAssistantMessage:
		outcome = w.persist(ctx, ev)
	case queue.EventCleanupExpiredSessions:
		outcome = w.sweep(ctx)
	default:
		log.Printf("worker: dropping unknown event %q (id %s)", ev.EventName, ev.ID)
		outcome = "dropped"
	}

	metrics.PersistenceJobsTotal.WithLabelValues(outcome).Inc()
	metrics.PersistenceJobDuration.Observe(time.Since(start).Seconds())

	// Ack even on failure: dead-lettered and malformed jobs must not be
	// redelivered forever.
	if err := sink.Ack(ctx, ev); err != nil {
		log.Printf("worker: ack %s: %v", ev.ID, err)
	}
}

func (w *Worker) persist(ctx context.Context, ev *streaming.Event) string {
	job, err := queue.DecodePersistJob(ev.Payload)
	if err != nil {
		log.Printf("worker: malformed job %s: %v", ev.ID, err)
		return "malformed"
	}

	message := assistantMessageFromJob(job)

	var written bool
	err = retry.WithBackoff(ctx, w.backoff, func() error {
		var appendErr error
		written, appendErr = w.conversations.AppendAssistantIfAbsent(ctx, message)
		return appendErr
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "interrupted"
		}
		log.Printf("worker: persist %s for conversation %s failed, dead-lettering: %v",
			message.ID, job.ConversationID, err)
		if dlErr := w.deadletter.DeadLetter(context.WithoutCancel(ctx), ev.EventName, ev.Payload); dlErr != nil {
			log.Printf("worker: dead-letter %s: %v", ev.ID, dlErr)
		}
		return "deadlettered"
	}
	if !written {
		log.Printf("worker: duplicate job for user message %s, skipping", job.UserMessageID)
		return "duplicate"
	}
	return "persisted"
}

func (w *Worker) sweep(ctx context.Context) string {
	removed, err := w.sessions.SweepOrphans(ctx, w.sessionTTL)
	if err != nil {
		log.Printf("worker: session sweep failed: %v", err)
		return "sweep_failed"
	}
	if removed > 0 {
		log.Printf("worker: swept %d orphaned stream sessions", removed)
	}
	return "swept"
}

// assistantMessageFromJob rebuilds the message the gateway streamed. The
// worker, not the gateway, assigns token count and metadata so a replayed
// job always produces the same row.
func assistantMessageFromJob(job *ports.PersistAssistantMessageJob) *models.Message {
	message := models.NewMessage(job.AssistantMessageID, job.ConversationID, models.MessageRoleAssistant, job.Content)
	message.RawContent = job.RawContent
	message.Reasoning = job.Reasoning
	message.TokenCount = job.Usage.OutputTokens
	message.Metadata = &models.MessageMetadata{
		Model:         job.Model,
		InputTokens:   job.Usage.InputTokens,
		OutputTokens:  job.Usage.OutputTokens,
		TotalTokens:   job.Usage.TotalTokens,
		ElapsedMS:     job.ElapsedMS,
		UserMessageID: job.UserMessageID,
		FinishReason:  job.FinishReason,
		Interrupted:   job.Interrupted,
	}
	return message
}
