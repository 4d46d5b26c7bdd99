package sync

import (
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/transport"
)

// PushHandler routes decoded push events into the cache and the validator.
// It runs on the transport's dispatch goroutine, so every event is cached
// before the next one is read off the socket.
type PushHandler struct {
	db         *store.DB
	msgs       store.MessageStore
	reconciler *Reconciler
	validator  *Validator
	bus        *bus.Bus
	logger     *zap.Logger
}

// NewPushHandler wires push events into the sync layer.
func NewPushHandler(db *store.DB, msgs store.MessageStore, r *Reconciler, v *Validator, b *bus.Bus, logger *zap.Logger) *PushHandler {
	return &PushHandler{db: db, msgs: msgs, reconciler: r, validator: v, bus: b, logger: logger.Named("push")}
}

// Handle processes one push event. Typing and conversation status events are
// fanned out by the transport manager directly and skipped here.
func (h *PushHandler) Handle(evt transport.Event) {
	switch evt.Kind {
	case transport.KindRoomState:
		h.roomState(evt.RoomState)
	case transport.KindNewMessage:
		h.message(evt)
	case transport.KindReadStatus:
		h.readStatus(evt)
	}
}

// roomState caches the backlog pushed on room join and records the server
// head so later validations can skip the network.
func (h *PushHandler) roomState(rs *transport.RoomState) {
	if len(rs.Messages) > 0 {
		batch := make([]*store.Message, 0, len(rs.Messages))
		for i := range rs.Messages {
			batch = append(batch, rs.Messages[i].ToStore())
		}
		if err := h.msgs.PutMessages(rs.RoomID, batch); err != nil {
			h.logger.Error("cache room backlog", zap.String("conversation", rs.RoomID), zap.Error(err))
			return
		}
	}
	if rs.LatestSeq > 0 {
		if err := h.db.SetRemoteSeq(rs.RoomID, rs.LatestSeq); err != nil {
			h.logger.Error("record remote seq", zap.String("conversation", rs.RoomID), zap.Error(err))
		}
	}
	h.logger.Debug("room state applied",
		zap.String("conversation", rs.RoomID),
		zap.Int("backlog", len(rs.Messages)), zap.Int64("latest_seq", rs.LatestSeq))
}

// message caches a pushed message first and only then updates validity, so
// a sequence jump can flip the state without ever dropping the message.
func (h *PushHandler) message(evt transport.Event) {
	rm := evt.Message
	if err := h.reconciler.ApplyConfirmed(rm); err != nil {
		h.logger.Error("cache pushed message",
			zap.String("conversation", rm.ConversationID), zap.String("id", rm.ID), zap.Error(err))
		return
	}
	if rm.SequenceNumber > 0 {
		h.validator.OnPushSequence(rm.ConversationID, rm.SequenceNumber)
	}
}

func (h *PushHandler) readStatus(evt transport.Event) {
	rs := evt.ReadStatus
	if err := h.db.SetUnreadCount(rs.ConversationID, rs.UnreadCount); err != nil {
		h.logger.Error("update unread count", zap.String("conversation", rs.ConversationID), zap.Error(err))
		return
	}
	h.bus.Publish(bus.Event{Kind: bus.KindReadStatus, Timestamp: time.Now(), Payload: *rs})
}
