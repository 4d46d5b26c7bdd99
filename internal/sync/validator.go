package sync

import (
	"context"
	stdsync "sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/store"
)

// ValidatorConfig tunes the cache validity checks.
type ValidatorConfig struct {
	DebounceWindow     time.Duration // collapse rapid open/close flips
	RevalidateInterval time.Duration // periodic re-check while a chat stays open
}

func (c ValidatorConfig) withDefaults() ValidatorConfig {
	if c.DebounceWindow <= 0 {
		c.DebounceWindow = 300 * time.Millisecond
	}
	if c.RevalidateInterval <= 0 {
		c.RevalidateInterval = 5 * time.Minute
	}
	return c
}

// Validator decides when a conversation's cache can be trusted and when a
// sync pass is needed. Each conversation is UNKNOWN until validated this
// session, SYNCED while the cache provably matches the server head, and
// OUT_OF_SYNC once a gap or failed validation proves otherwise.
type Validator struct {
	db     *store.DB
	engine *Engine
	bus    *bus.Bus
	clock  clockwork.Clock
	logger *zap.Logger
	cfg    ValidatorConfig

	mu       stdsync.Mutex
	debounce map[string]clockwork.Timer
	open     map[string]clockwork.Timer
}

// NewValidator creates a validator driving the given engine.
func NewValidator(db *store.DB, engine *Engine, b *bus.Bus, clock clockwork.Clock, logger *zap.Logger, cfg ValidatorConfig) *Validator {
	return &Validator{
		db:       db,
		engine:   engine,
		bus:      b,
		clock:    clock,
		logger:   logger.Named("validator"),
		cfg:      cfg.withDefaults(),
		debounce: make(map[string]clockwork.Timer),
		open:     make(map[string]clockwork.Timer),
	}
}

// OnConversationOpen schedules a validation for the conversation. Repeated
// opens inside the debounce window collapse into one validation. While the
// conversation stays open it is revalidated periodically.
func (v *Validator) OnConversationOpen(conversationID string) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if t, ok := v.debounce[conversationID]; ok {
		t.Reset(v.cfg.DebounceWindow)
	} else {
		v.debounce[conversationID] = v.clock.AfterFunc(v.cfg.DebounceWindow, func() {
			v.mu.Lock()
			delete(v.debounce, conversationID)
			v.mu.Unlock()
			v.Validate(conversationID)
		})
	}

	if _, ok := v.open[conversationID]; !ok {
		v.open[conversationID] = v.clock.AfterFunc(v.cfg.RevalidateInterval, func() {
			v.revalidate(conversationID)
		})
	}
}

// OnConversationClose cancels pending and periodic validations.
func (v *Validator) OnConversationClose(conversationID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if t, ok := v.debounce[conversationID]; ok {
		t.Stop()
		delete(v.debounce, conversationID)
	}
	if t, ok := v.open[conversationID]; ok {
		t.Stop()
		delete(v.open, conversationID)
	}
}

func (v *Validator) revalidate(conversationID string) {
	v.mu.Lock()
	t, stillOpen := v.open[conversationID]
	if stillOpen {
		t.Reset(v.cfg.RevalidateInterval)
	}
	v.mu.Unlock()
	if stillOpen {
		v.Validate(conversationID)
	}
}

// Validate checks one conversation now. When the last known remote sequence
// matches the cached window's top, the cache is served as-is with zero
// network calls; otherwise an incremental sync runs.
func (v *Validator) Validate(conversationID string) {
	meta, err := v.db.GetSyncMeta(conversationID)
	if err != nil {
		v.logger.Error("read sync metadata", zap.String("conversation", conversationID), zap.Error(err))
		return
	}
	cached, err := v.db.HasMessages(conversationID)
	if err != nil {
		v.logger.Error("probe cache", zap.String("conversation", conversationID), zap.Error(err))
		return
	}

	if meta == nil || !cached {
		// Nothing cached means nothing trustworthy: the conversation is
		// observably OUT_OF_SYNC until the full fetch lands.
		v.markOutOfSync(conversationID)
		v.engine.FullResync(context.Background(), conversationID)
		return
	}

	if meta.State == store.StateSynced && meta.LastKnownRemoteSeq > 0 && meta.LastKnownRemoteSeq == meta.LocalMaxSeq {
		v.logger.Debug("cache trusted, skipping network",
			zap.String("conversation", conversationID), zap.Int64("seq", meta.LocalMaxSeq))
		return
	}

	res := v.engine.SyncChat(context.Background(), conversationID)
	if res.Err != nil && !res.Skipped {
		v.markOutOfSync(conversationID)
	}
}

// OnPushSequence records a server sequence observed on the push channel.
// The message itself is already cached by the push handler; this only moves
// the validity state. A sequence that skips ahead proves missed messages.
func (v *Validator) OnPushSequence(conversationID string, seq int64) {
	meta, err := v.db.GetSyncMeta(conversationID)
	if err != nil {
		v.logger.Error("read sync metadata", zap.String("conversation", conversationID), zap.Error(err))
		return
	}
	if meta == nil {
		if err := v.db.SetRemoteSeq(conversationID, seq); err != nil {
			v.logger.Error("record remote seq", zap.String("conversation", conversationID), zap.Error(err))
		}
		return
	}

	last := meta.LastKnownRemoteSeq
	if seq <= last {
		// Duplicate or out-of-order push; the cache upsert already absorbed it.
		return
	}
	if err := v.db.SetRemoteSeq(conversationID, seq); err != nil {
		v.logger.Error("record remote seq", zap.String("conversation", conversationID), zap.Error(err))
		return
	}
	if last > 0 && seq > last+1 {
		v.logger.Warn("push sequence skipped ahead",
			zap.String("conversation", conversationID),
			zap.Int64("last", last), zap.Int64("pushed", seq))
		v.markOutOfSync(conversationID)
	}
}

// OnConnectivityRestored resets every cached conversation to UNKNOWN. No
// network calls happen here: each conversation revalidates on its next open.
func (v *Validator) OnConnectivityRestored() {
	if err := v.db.SetAllSyncStates(store.StateUnknown); err != nil {
		v.logger.Error("reset sync states", zap.Error(err))
		return
	}
	v.logger.Info("connectivity restored, cache validity reset")
}

func (v *Validator) markOutOfSync(conversationID string) {
	meta, err := v.db.GetSyncMeta(conversationID)
	if err != nil {
		v.logger.Error("read sync metadata", zap.String("conversation", conversationID), zap.Error(err))
		return
	}
	from := store.StateUnknown
	if meta != nil {
		from = meta.State
	}
	if from == store.StateOutOfSync {
		return
	}
	if meta == nil {
		err = v.db.PutSyncMeta(&store.SyncMeta{ConversationID: conversationID, State: store.StateOutOfSync})
	} else {
		err = v.db.SetSyncState(conversationID, store.StateOutOfSync)
	}
	if err != nil {
		v.logger.Error("mark out of sync", zap.String("conversation", conversationID), zap.Error(err))
		return
	}
	v.bus.Publish(bus.Event{
		Kind:      bus.KindSyncStateChanged,
		Timestamp: v.clock.Now(),
		Payload:   bus.StateChange{ConversationID: conversationID, From: string(from), To: string(store.StateOutOfSync)},
	})
}
