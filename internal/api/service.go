// Package api is the consumer surface of the sync core: cache-first reads,
// optimistic writes, and conversation lifecycle hooks for UI layers.
package api

import (
	"context"
	stdsync "sync"

	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/queue"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/sync"
)

// RoomJoiner joins live push rooms. The returned release leaves the room.
type RoomJoiner interface {
	JoinConversation(conversationID string) func()
}

// Service exposes the sync core to consumers. Reads always come from the
// local cache and degrade to empty results instead of failing: offline or
// corrupt-row conditions must not take the UI down with them.
type Service struct {
	db        *store.DB
	msgs      store.MessageStore
	engine    *sync.Engine
	validator *sync.Validator
	queue     *queue.Queue
	rooms     RoomJoiner
	logger    *zap.Logger

	mu    stdsync.Mutex
	joins map[string]func()
}

// NewService creates the consumer facade.
func NewService(db *store.DB, msgs store.MessageStore, engine *sync.Engine, validator *sync.Validator, q *queue.Queue, rooms RoomJoiner, logger *zap.Logger) *Service {
	return &Service{
		db:        db,
		msgs:      msgs,
		engine:    engine,
		validator: validator,
		queue:     q,
		rooms:     rooms,
		logger:    logger.Named("api"),
		joins:     make(map[string]func()),
	}
}

// GetCachedMessages returns the conversation's cached messages in display
// order. It never fails: read errors log and return an empty slice.
func (s *Service) GetCachedMessages(conversationID string) []store.Message {
	msgs, err := s.msgs.GetMessages(conversationID)
	if err != nil {
		s.logger.Error("read cached messages", zap.String("conversation", conversationID), zap.Error(err))
		return nil
	}
	s.touch(conversationID)
	return msgs
}

// GetMessagesPage returns one page of history for load-older flows.
func (s *Service) GetMessagesPage(conversationID string, offset, limit int, beforeSeq int64) *store.Page {
	page, err := s.msgs.GetMessagesPage(conversationID, offset, limit, beforeSeq)
	if err != nil {
		s.logger.Error("read message page", zap.String("conversation", conversationID), zap.Error(err))
		return &store.Page{}
	}
	s.touch(conversationID)
	return page
}

// GetSyncMeta returns the conversation's sync bookkeeping, or nil if the
// conversation was never cached. Consumers use it to badge staleness.
func (s *Service) GetSyncMeta(conversationID string) *store.SyncMeta {
	meta, err := s.db.GetSyncMeta(conversationID)
	if err != nil {
		s.logger.Error("read sync metadata", zap.String("conversation", conversationID), zap.Error(err))
		return nil
	}
	return meta
}

// ListConversations returns sync metadata for every cached conversation.
func (s *Service) ListConversations() []store.SyncMeta {
	metas, err := s.db.ListSyncMeta()
	if err != nil {
		s.logger.Error("list conversations", zap.Error(err))
		return nil
	}
	return metas
}

// OnConversationOpen marks a conversation active: joins its push room,
// records the access for eviction, and schedules a cache validation.
func (s *Service) OnConversationOpen(conversationID string) {
	s.touch(conversationID)

	s.mu.Lock()
	if _, ok := s.joins[conversationID]; !ok {
		s.joins[conversationID] = s.rooms.JoinConversation(conversationID)
	}
	s.mu.Unlock()

	s.validator.OnConversationOpen(conversationID)
}

// OnConversationClose leaves the push room and cancels pending validations.
func (s *Service) OnConversationClose(conversationID string) {
	s.mu.Lock()
	release, ok := s.joins[conversationID]
	delete(s.joins, conversationID)
	s.mu.Unlock()
	if ok {
		release()
	}
	s.validator.OnConversationClose(conversationID)
}

// ManualResync discards the conversation's cached window and refetches.
func (s *Service) ManualResync(ctx context.Context, conversationID string) *sync.Result {
	return s.engine.FullResync(ctx, conversationID)
}

// OnConnectivityRestored resets cache validity session-wide and kicks the
// offline queue. It performs no network calls itself.
func (s *Service) OnConnectivityRestored() {
	s.validator.OnConnectivityRestored()
	s.queue.Kick()
}

// SendMessage queues a message for delivery and returns the optimistic row
// that renders immediately.
func (s *Service) SendMessage(conversationID, content, attachmentRef string) (*store.Message, error) {
	return s.queue.EnqueueSend(conversationID, content, attachmentRef)
}

// MarkRead zeroes the local unread badge and queues the read receipt.
func (s *Service) MarkRead(conversationID string) error {
	return s.queue.EnqueueMarkRead(conversationID)
}

// FailedOperations returns operations that exhausted their retries.
func (s *Service) FailedOperations() []store.Operation {
	ops, err := s.db.ListFailedOperations()
	if err != nil {
		s.logger.Error("list failed operations", zap.Error(err))
		return nil
	}
	return ops
}

func (s *Service) touch(conversationID string) {
	if err := s.db.TouchAccessed(conversationID); err != nil {
		s.logger.Warn("touch conversation", zap.String("conversation", conversationID), zap.Error(err))
	}
}
