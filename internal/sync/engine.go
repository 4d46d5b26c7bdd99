// Package sync keeps the local message cache converging with the message
// service: delta fetches, gap detection and repair, full resyncs, and the
// per-conversation validity state machine layered on top.
package sync

import (
	"context"
	stdsync "sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/store"
)

// Fetcher is the slice of the remote client the engine needs.
type Fetcher interface {
	FetchMessages(ctx context.Context, conversationID string, limit int, beforeSeq int64, afterMessageID string) (*remote.Page, error)
}

// Config tunes the engine.
type Config struct {
	PageSize     int           // max messages per fetch
	SyncTTL      time.Duration // staleness threshold forcing a full resync
	GapThreshold int           // known-gap count above which delta sync gives up
}

func (c Config) withDefaults() Config {
	if c.PageSize <= 0 {
		c.PageSize = 50
	}
	if c.SyncTTL <= 0 {
		c.SyncTTL = 5 * time.Minute
	}
	if c.GapThreshold <= 0 {
		c.GapThreshold = 3
	}
	return c
}

// Result summarizes one sync pass over a conversation.
type Result struct {
	ConversationID string
	Skipped        bool // another sync for the conversation was already running
	FullResync     bool
	Added          int
	GapsDetected   int
	GapsFilled     int
	Duration       time.Duration
	Err            error
}

// deltaPageCap bounds how many pages one delta pass will chase before
// declaring the cache too far behind and resyncing from scratch.
const deltaPageCap = 20

// Engine performs sync passes. At most one pass runs per conversation at a
// time; concurrent requests for the same conversation are no-ops.
type Engine struct {
	db      *store.DB
	msgs    store.MessageStore
	fetcher Fetcher
	bus     *bus.Bus
	clock   clockwork.Clock
	logger  *zap.Logger
	cfg     Config

	mu       stdsync.Mutex
	inflight map[string]struct{}
	active   stdsync.WaitGroup
}

// NewEngine creates a sync engine. msgs is the message read/write surface
// (the migration bridge in production); db carries the sync metadata.
func NewEngine(db *store.DB, msgs store.MessageStore, fetcher Fetcher, b *bus.Bus, clock clockwork.Clock, logger *zap.Logger, cfg Config) *Engine {
	return &Engine{
		db:       db,
		msgs:     msgs,
		fetcher:  fetcher,
		bus:      b,
		clock:    clock,
		logger:   logger.Named("sync"),
		cfg:      cfg.withDefaults(),
		inflight: make(map[string]struct{}),
	}
}

// SyncChat brings one conversation up to date. It picks a delta fetch when
// the cached window is fresh and contiguous, and escalates to a full resync
// when the window is stale, gap-ridden, or absent.
func (e *Engine) SyncChat(ctx context.Context, conversationID string) *Result {
	return e.run(ctx, conversationID, false)
}

// FullResync discards the cached window and refetches the newest page.
func (e *Engine) FullResync(ctx context.Context, conversationID string) *Result {
	return e.run(ctx, conversationID, true)
}

func (e *Engine) run(ctx context.Context, conversationID string, force bool) *Result {
	if !e.begin(conversationID) {
		e.logger.Debug("sync already in flight", zap.String("conversation", conversationID))
		return &Result{ConversationID: conversationID, Skipped: true}
	}
	defer e.end(conversationID)

	start := e.clock.Now()
	res := e.sync(ctx, conversationID, force)
	res.Duration = e.clock.Since(start)
	e.report(res)
	return res
}

// Stop waits for in-flight sync passes to finish, bounded by ctx.
func (e *Engine) Stop(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.active.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		e.logger.Warn("shutdown with sync passes still in flight")
		return ctx.Err()
	}
}

func (e *Engine) begin(conversationID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.inflight[conversationID]; ok {
		return false
	}
	e.inflight[conversationID] = struct{}{}
	e.active.Add(1)
	return true
}

func (e *Engine) end(conversationID string) {
	e.mu.Lock()
	delete(e.inflight, conversationID)
	e.mu.Unlock()
	e.active.Done()
}

func (e *Engine) sync(ctx context.Context, conversationID string, force bool) *Result {
	res := &Result{ConversationID: conversationID}

	meta, err := e.db.GetSyncMeta(conversationID)
	if err != nil {
		res.Err = err
		return res
	}

	full := force || meta == nil || meta.LastSyncedAt == 0
	if !full && e.clock.Now().UnixMilli()-meta.LastSyncedAt > e.cfg.SyncTTL.Milliseconds() {
		full = true
	}
	if !full && len(meta.KnownGaps) > e.cfg.GapThreshold {
		e.logger.Info("too many known gaps, escalating to full resync",
			zap.String("conversation", conversationID), zap.Int("gaps", len(meta.KnownGaps)))
		full = true
	}

	var newest *store.Message
	if !full {
		newest, err = e.db.NewestConfirmed(conversationID)
		if err != nil {
			res.Err = err
			return res
		}
		if newest == nil {
			full = true
		}
	}

	if full {
		return e.fullResync(ctx, conversationID)
	}

	localMax := meta.LocalMaxSeq
	cursor := newest.ID
	for page := 0; ; page++ {
		if page == deltaPageCap {
			e.logger.Warn("delta sync exceeded page cap, escalating to full resync",
				zap.String("conversation", conversationID))
			return e.fullResync(ctx, conversationID)
		}
		fetched, err := e.fetcher.FetchMessages(ctx, conversationID, e.cfg.PageSize, 0, cursor)
		if err != nil {
			res.Err = err
			return res
		}
		if len(fetched.Messages) == 0 {
			break
		}

		batch := make([]*store.Message, 0, len(fetched.Messages))
		var batchMaxSeq int64
		for i := range fetched.Messages {
			m := &fetched.Messages[i]
			if m.SequenceNumber > localMax {
				res.Added++
			}
			if m.SequenceNumber > batchMaxSeq {
				batchMaxSeq = m.SequenceNumber
				cursor = m.ID
			}
			batch = append(batch, m.ToStore())
		}
		if err := e.storeBatch(conversationID, batch); err != nil {
			res.Err = err
			return res
		}
		if !fetched.HasMore {
			break
		}
	}

	if err := e.repairGaps(ctx, conversationID, res); err != nil {
		res.Err = err
		return res
	}
	if res.FullResync {
		// Gap repair escalated; the full resync already wrote the metadata.
		return res
	}
	res.Err = e.finish(conversationID, res)
	return res
}

// fullResync replaces the cached window with the newest remote page. The
// fetch happens before any local mutation: on fetch failure the old cache
// is left untouched.
func (e *Engine) fullResync(ctx context.Context, conversationID string) *Result {
	res := &Result{ConversationID: conversationID, FullResync: true}

	page, err := e.fetcher.FetchMessages(ctx, conversationID, e.cfg.PageSize, 0, "")
	if err != nil {
		res.Err = err
		return res
	}

	prev, err := e.db.GetSyncMeta(conversationID)
	if err != nil {
		res.Err = err
		return res
	}

	if err := e.msgs.DeleteConversation(conversationID); err != nil {
		res.Err = err
		return res
	}

	batch := make([]*store.Message, 0, len(page.Messages))
	var maxSeq int64
	for i := range page.Messages {
		m := &page.Messages[i]
		if m.SequenceNumber > maxSeq {
			maxSeq = m.SequenceNumber
		}
		batch = append(batch, m.ToStore())
	}
	if err := e.storeBatch(conversationID, batch); err != nil {
		res.Err = err
		return res
	}
	res.Added = len(batch)
	e.logTimestampJumps(conversationID, batch)

	meta, err := e.db.GetSyncMeta(conversationID)
	if err != nil {
		res.Err = err
		return res
	}
	if meta == nil {
		meta = &store.SyncMeta{ConversationID: conversationID}
	}
	from := store.StateUnknown
	if prev != nil {
		from = prev.State
		meta.UnreadCount = prev.UnreadCount
		meta.LastAccessedAt = prev.LastAccessedAt
	}
	// The fetched page is the newest window straight from the server, so
	// its max sequence supersedes any head reported out of band earlier.
	meta.State = store.StateSynced
	meta.LastKnownRemoteSeq = maxSeq
	meta.LastSyncedAt = e.clock.Now().UnixMilli()
	meta.KnownGaps = nil
	if err := e.db.PutSyncMeta(meta); err != nil {
		res.Err = err
		return res
	}
	e.publishState(conversationID, from, store.StateSynced)
	return res
}

// storeBatch writes fetched messages through the message store, preferring
// optimistic replacement for any message that echoes a client temp id.
func (e *Engine) storeBatch(conversationID string, batch []*store.Message) error {
	plain := batch[:0:0]
	for _, m := range batch {
		if m.TempID != "" {
			replaced, err := e.msgs.ReplaceOptimistic(m.TempID, m)
			if err != nil {
				return err
			}
			if replaced {
				continue
			}
		}
		plain = append(plain, m)
	}
	if len(plain) == 0 {
		return nil
	}
	return e.msgs.PutMessages(conversationID, plain)
}

// repairGaps scans the confirmed window for holes and fetches each missing
// range. A range that stays open after its fetch (server-side deletions can
// make one unfillable) escalates to a full resync.
func (e *Engine) repairGaps(ctx context.Context, conversationID string, res *Result) error {
	seqs, err := e.db.ConfirmedSeqs(conversationID)
	if err != nil {
		return err
	}
	gaps := detectGaps(seqs)
	res.GapsDetected = len(gaps)
	if len(gaps) == 0 {
		return nil
	}
	e.logger.Info("cache window has gaps",
		zap.String("conversation", conversationID), zap.Int("count", len(gaps)))

	var open []store.Gap
	for _, g := range gaps {
		closed, err := e.fillGap(ctx, conversationID, g)
		if err != nil {
			return err
		}
		if closed {
			res.GapsFilled++
		} else {
			open = append(open, g)
		}
	}
	if len(open) == 0 {
		return nil
	}

	full := e.fullResync(ctx, conversationID)
	if full.Err != nil {
		// Record what is still missing so the next pass knows.
		meta, err := e.db.GetSyncMeta(conversationID)
		if err != nil {
			return err
		}
		if meta != nil {
			from := meta.State
			meta.State = store.StateOutOfSync
			meta.KnownGaps = open
			if err := e.db.PutSyncMeta(meta); err != nil {
				return err
			}
			e.publishState(conversationID, from, store.StateOutOfSync)
		}
		return full.Err
	}
	res.FullResync = true
	res.Added += full.Added
	return nil
}

// fillGap fetches the missing range [g.StartSeq, g.EndSeq] with the
// before-sequence cursor and reports whether the range is now contiguous.
func (e *Engine) fillGap(ctx context.Context, conversationID string, g store.Gap) (bool, error) {
	cursor := g.EndSeq + 1
	for cursor > g.StartSeq {
		page, err := e.fetcher.FetchMessages(ctx, conversationID, e.cfg.PageSize, cursor, "")
		if err != nil {
			return false, err
		}
		if len(page.Messages) == 0 {
			break
		}
		batch := make([]*store.Message, 0, len(page.Messages))
		for i := range page.Messages {
			batch = append(batch, page.Messages[i].ToStore())
		}
		if err := e.storeBatch(conversationID, batch); err != nil {
			return false, err
		}
		if page.OldestSequence <= 0 || page.OldestSequence >= cursor {
			break
		}
		cursor = page.OldestSequence
		if !page.HasMore {
			break
		}
	}

	want := g.EndSeq - g.StartSeq + 1
	got, err := e.db.CountSeqRange(conversationID, g.StartSeq, g.EndSeq)
	if err != nil {
		return false, err
	}
	return got == want, nil
}

// finish writes the post-pass metadata for a successful delta sync.
func (e *Engine) finish(conversationID string, res *Result) error {
	meta, err := e.db.GetSyncMeta(conversationID)
	if err != nil {
		return err
	}
	if meta == nil {
		meta = &store.SyncMeta{ConversationID: conversationID}
	}
	from := meta.State
	if meta.LocalMaxSeq > meta.LastKnownRemoteSeq {
		meta.LastKnownRemoteSeq = meta.LocalMaxSeq
	}
	state := store.StateSynced
	if meta.LastKnownRemoteSeq > meta.LocalMaxSeq {
		// A head reported out of band (room state, push) is still ahead of
		// everything the delta fetch returned. The tail is missing, so the
		// window cannot be trusted yet.
		state = store.StateOutOfSync
	}
	meta.State = state
	meta.LastSyncedAt = e.clock.Now().UnixMilli()
	meta.KnownGaps = nil
	if err := e.db.PutSyncMeta(meta); err != nil {
		return err
	}
	if from != state {
		e.publishState(conversationID, from, state)
	}
	return nil
}

func (e *Engine) publishState(conversationID string, from, to store.SyncState) {
	if from == to {
		return
	}
	e.bus.Publish(bus.Event{
		Kind:      bus.KindSyncStateChanged,
		Timestamp: e.clock.Now(),
		Payload:   bus.StateChange{ConversationID: conversationID, From: string(from), To: string(to)},
	})
}

func (e *Engine) report(res *Result) {
	fields := []zap.Field{
		zap.String("conversation", res.ConversationID),
		zap.Bool("full", res.FullResync),
		zap.Int("added", res.Added),
		zap.Int("gaps_detected", res.GapsDetected),
		zap.Int("gaps_filled", res.GapsFilled),
		zap.Duration("took", res.Duration),
	}
	if res.Err != nil {
		e.logger.Warn("sync pass failed", append(fields, zap.Error(res.Err))...)
	} else {
		e.logger.Info("sync pass done", fields...)
	}
	e.bus.Publish(bus.Event{Kind: bus.KindSyncResult, Timestamp: e.clock.Now(), Payload: res})
}

// logTimestampJumps flags large wall-clock jumps between neighboring
// messages. Sequence numbers are authoritative; this is a diagnostic only.
func (e *Engine) logTimestampJumps(conversationID string, msgs []*store.Message) {
	const jump = int64(24 * time.Hour / time.Millisecond)
	for i := 1; i < len(msgs); i++ {
		d := msgs[i].CreatedAt - msgs[i-1].CreatedAt
		if d > jump || -d > jump {
			e.logger.Debug("large timestamp jump between neighboring messages",
				zap.String("conversation", conversationID),
				zap.String("before", msgs[i-1].ID), zap.String("after", msgs[i].ID))
		}
	}
}

// detectGaps returns the missing ranges between consecutive confirmed
// sequence numbers. seqs must be ascending.
func detectGaps(seqs []int64) []store.Gap {
	var gaps []store.Gap
	for i := 1; i < len(seqs); i++ {
		if seqs[i] > seqs[i-1]+1 {
			gaps = append(gaps, store.Gap{StartSeq: seqs[i-1] + 1, EndSeq: seqs[i] - 1})
		}
	}
	return gaps
}
