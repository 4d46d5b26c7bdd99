package sync

import (
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/store"
)

// Reconciler manages the lifecycle of optimistic messages: create a pending
// row immediately for responsiveness, swap it for the confirmed message when
// the server echoes the temp id, or flag it failed when delivery gives up.
type Reconciler struct {
	db     *store.DB
	msgs   store.MessageStore
	bus    *bus.Bus
	clock  clockwork.Clock
	logger *zap.Logger
}

// NewReconciler creates a reconciler over the given message store.
func NewReconciler(db *store.DB, msgs store.MessageStore, b *bus.Bus, clock clockwork.Clock, logger *zap.Logger) *Reconciler {
	return &Reconciler{db: db, msgs: msgs, bus: b, clock: clock, logger: logger.Named("reconcile")}
}

// CreateOptimistic caches a pending message with a fresh temp id and returns
// it. The message renders immediately; its sort key pins the display slot it
// will keep after confirmation.
func (r *Reconciler) CreateOptimistic(conversationID, content, attachmentRef string) (*store.Message, error) {
	now := r.clock.Now().UnixMilli()
	tempID := "tmp-" + uuid.NewString()
	m := &store.Message{
		ID:             tempID,
		ConversationID: conversationID,
		Content:        content,
		SortKey:        now,
		CreatedAt:      now,
		AttachmentRef:  attachmentRef,
		Status:         store.MsgPending,
		TempID:         tempID,
	}
	if err := r.msgs.PutMessage(m); err != nil {
		return nil, err
	}
	r.publish(bus.KindMessageUpserted, conversationID, m.ID, tempID)
	return m, nil
}

// ApplyConfirmed caches a server-confirmed message. When it echoes a temp id
// the pending row is replaced in place; otherwise it is a plain upsert, which
// also absorbs duplicate deliveries.
func (r *Reconciler) ApplyConfirmed(rm *remote.Message) error {
	m := rm.ToStore()
	if rm.ClientTempID != "" {
		replaced, err := r.msgs.ReplaceOptimistic(rm.ClientTempID, m)
		if err != nil {
			return err
		}
		if replaced {
			r.publish(bus.KindMessageReplaced, m.ConversationID, m.ID, rm.ClientTempID)
			return nil
		}
	}
	if err := r.msgs.PutMessage(m); err != nil {
		return err
	}
	r.publish(bus.KindMessageUpserted, m.ConversationID, m.ID, rm.ClientTempID)
	return nil
}

// MarkFailed flags a still-pending optimistic message as undeliverable. The
// row stays in the cache so the UI can offer a retry.
func (r *Reconciler) MarkFailed(conversationID, tempID string, cause error) error {
	if err := r.db.MarkMessageFailed(tempID); err != nil {
		return err
	}
	r.logger.Warn("send failed permanently",
		zap.String("conversation", conversationID), zap.String("temp_id", tempID), zap.Error(cause))
	r.publish(bus.KindMessageSendFailed, conversationID, tempID, tempID)
	return nil
}

func (r *Reconciler) publish(kind bus.Kind, conversationID, messageID, tempID string) {
	r.bus.Publish(bus.Event{
		Kind:      kind,
		Timestamp: r.clock.Now(),
		Payload:   bus.MessageRef{ConversationID: conversationID, MessageID: messageID, TempID: tempID},
	})
}
