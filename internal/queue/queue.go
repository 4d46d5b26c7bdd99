// Package queue drains durable offline operations to the message service.
// Operations survive restarts in the cache database and are delivered in
// creation order with exponential backoff between attempts.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	stdsync "sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/sync"
)

// Sender is the slice of the remote client the queue needs.
type Sender interface {
	SendMessage(ctx context.Context, conversationID, content, clientTempID, attachmentRef string) (*remote.Message, error)
	MarkRead(ctx context.Context, conversationID string) error
}

// Config tunes retry behavior.
type Config struct {
	MaxRetries     int           // attempts before an operation fails terminally
	BaseRetryDelay time.Duration // first retry delay, doubled per attempt
	MaxRetryDelay  time.Duration // backoff ceiling
	PollInterval   time.Duration // sweep cadence for operations becoming due
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.BaseRetryDelay <= 0 {
		c.BaseRetryDelay = time.Second
	}
	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = 5 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
	return c
}

// Queue is the offline operation queue. Enqueue is cheap and local; a single
// drain goroutine delivers operations whenever it is kicked awake, either
// explicitly, by a connectivity-restored event, or by the poll sweep.
type Queue struct {
	db     *store.DB
	sender Sender
	recon  *sync.Reconciler
	bus    *bus.Bus
	clock  clockwork.Clock
	logger *zap.Logger
	cfg    Config

	wake chan struct{}

	mu     stdsync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an offline operation queue.
func New(db *store.DB, sender Sender, recon *sync.Reconciler, b *bus.Bus, clock clockwork.Clock, logger *zap.Logger, cfg Config) *Queue {
	return &Queue{
		db:     db,
		sender: sender,
		recon:  recon,
		bus:    b,
		clock:  clock,
		logger: logger.Named("queue"),
		cfg:    cfg.withDefaults(),
		wake:   make(chan struct{}, 1),
	}
}

// EnqueueSend caches an optimistic message and records a durable send
// operation, then kicks the drainer. The returned message renders
// immediately with pending status.
func (q *Queue) EnqueueSend(conversationID, content, attachmentRef string) (*store.Message, error) {
	m, err := q.recon.CreateOptimistic(conversationID, content, attachmentRef)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(store.SendPayload{
		TempID:        m.TempID,
		Content:       content,
		AttachmentRef: attachmentRef,
	})
	if err != nil {
		return nil, fmt.Errorf("encode send payload: %w", err)
	}
	op := &store.Operation{
		ID:             uuid.NewString(),
		Type:           store.OpSendMessage,
		ConversationID: conversationID,
		Payload:        payload,
		MaxRetries:     q.cfg.MaxRetries,
		CreatedAt:      q.clock.Now().UnixMilli(),
	}
	if err := q.db.EnqueueOperation(op); err != nil {
		return nil, err
	}
	q.Kick()
	return m, nil
}

// EnqueueMarkRead zeroes the local unread badge immediately and records a
// durable mark-read operation.
func (q *Queue) EnqueueMarkRead(conversationID string) error {
	if err := q.db.SetUnreadCount(conversationID, 0); err != nil {
		return err
	}
	op := &store.Operation{
		ID:             uuid.NewString(),
		Type:           store.OpMarkRead,
		ConversationID: conversationID,
		Payload:        []byte(`{}`),
		MaxRetries:     q.cfg.MaxRetries,
		CreatedAt:      q.clock.Now().UnixMilli(),
	}
	if err := q.db.EnqueueOperation(op); err != nil {
		return err
	}
	q.Kick()
	return nil
}

// Kick wakes the drainer without blocking.
func (q *Queue) Kick() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Start launches the drain goroutine. Operations a previous run left in
// flight are returned to pending first, then the queue drains once so
// everything queued while the process was down goes out at startup.
func (q *Queue) Start(ctx context.Context) {
	if n, err := q.db.ResetSyncingOperations(); err != nil {
		q.logger.Error("reset in-flight operations", zap.Error(err))
	} else if n > 0 {
		q.logger.Info("recovered in-flight operations from previous run", zap.Int("count", n))
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	q.mu.Lock()
	q.cancel = cancel
	q.done = done
	q.mu.Unlock()

	connected, unsubscribe := q.bus.Subscribe(string(bus.KindTransportConnected), 1)

	go func() {
		defer close(done)
		defer unsubscribe()

		q.Drain(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-q.wake:
			case <-connected:
				q.logger.Info("connectivity restored, draining queue")
			case <-q.clock.After(q.cfg.PollInterval):
			}
			q.Drain(ctx)
		}
	}()
}

// Stop terminates the drain goroutine and waits for it.
func (q *Queue) Stop() {
	q.mu.Lock()
	cancel, done := q.cancel, q.done
	q.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Drain delivers every currently due operation in creation order. A failed
// delivery never blocks later operations for other conversations; within a
// conversation, order is preserved by the retry schedule.
func (q *Queue) Drain(ctx context.Context) {
	ops, err := q.db.DueOperations(q.clock.Now().UnixMilli())
	if err != nil {
		q.logger.Error("list due operations", zap.Error(err))
		return
	}
	for i := range ops {
		if ctx.Err() != nil {
			return
		}
		q.process(ctx, &ops[i])
	}
}

func (q *Queue) process(ctx context.Context, op *store.Operation) {
	if err := q.db.MarkOperationSyncing(op.ID); err != nil {
		q.logger.Error("mark operation syncing", zap.String("op", op.ID), zap.Error(err))
		return
	}

	var err error
	switch op.Type {
	case store.OpSendMessage:
		err = q.deliverSend(ctx, op)
	case store.OpMarkRead:
		err = q.sender.MarkRead(ctx, op.ConversationID)
	default:
		err = fmt.Errorf("unknown operation type %q", op.Type)
	}

	if err == nil {
		if err := q.db.CompleteOperation(op.ID); err != nil {
			q.logger.Error("complete operation", zap.String("op", op.ID), zap.Error(err))
		}
		return
	}
	q.handleFailure(op, err)
}

func (q *Queue) deliverSend(ctx context.Context, op *store.Operation) error {
	var payload store.SendPayload
	if err := json.Unmarshal(op.Payload, &payload); err != nil {
		return fmt.Errorf("decode send payload: %w", err)
	}
	msg, err := q.sender.SendMessage(ctx, op.ConversationID, payload.Content, payload.TempID, payload.AttachmentRef)
	if err != nil {
		return err
	}
	// The temp id echo swaps the pending row for the confirmed message.
	return q.recon.ApplyConfirmed(msg)
}

func (q *Queue) handleFailure(op *store.Operation, cause error) {
	retries := op.RetryCount + 1
	transient := remote.IsTransient(cause)
	if !transient || retries >= op.MaxRetries {
		q.logger.Warn("operation failed terminally",
			zap.String("op", op.ID), zap.String("type", op.Type),
			zap.Int("retries", retries), zap.Bool("transient", transient), zap.Error(cause))
		if err := q.db.FailOperation(op.ID, cause.Error()); err != nil {
			q.logger.Error("fail operation", zap.String("op", op.ID), zap.Error(err))
			return
		}
		if op.Type == store.OpSendMessage {
			var payload store.SendPayload
			if json.Unmarshal(op.Payload, &payload) == nil && payload.TempID != "" {
				if err := q.recon.MarkFailed(op.ConversationID, payload.TempID, cause); err != nil {
					q.logger.Error("mark message failed", zap.String("op", op.ID), zap.Error(err))
				}
			}
		}
		return
	}

	delay := q.backoff(op.RetryCount)
	next := q.clock.Now().Add(delay).UnixMilli()
	q.logger.Info("operation will retry",
		zap.String("op", op.ID), zap.String("type", op.Type),
		zap.Int("retry", retries), zap.Duration("in", delay), zap.Error(cause))
	if err := q.db.RetryOperation(op.ID, retries, next, cause.Error()); err != nil {
		q.logger.Error("schedule retry", zap.String("op", op.ID), zap.Error(err))
	}
}

// backoff doubles the delay per completed attempt, capped at the ceiling.
func (q *Queue) backoff(attempt int) time.Duration {
	d := q.cfg.BaseRetryDelay
	for i := 0; i < attempt && d < q.cfg.MaxRetryDelay; i++ {
		d *= 2
	}
	if d > q.cfg.MaxRetryDelay {
		d = q.cfg.MaxRetryDelay
	}
	return d
}
