package daemon

import (
	"context"
	stdsync "sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/store"
)

// sweepInterval is how often the janitor enforces cache limits.
const sweepInterval = time.Hour

// janitor enforces the cache age and size limits in the background. Both
// limits only discard confirmed history that can be refetched; pending
// operations are never touched.
type janitor struct {
	db     *store.DB
	cfg    config.Cache
	clock  clockwork.Clock
	logger *zap.Logger

	mu     stdsync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func newJanitor(db *store.DB, cfg config.Cache, clock clockwork.Clock, logger *zap.Logger) *janitor {
	return &janitor{db: db, cfg: cfg, clock: clock, logger: logger.Named("janitor")}
}

func (j *janitor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	j.mu.Lock()
	j.cancel = cancel
	j.done = done
	j.mu.Unlock()

	go func() {
		defer close(done)
		j.sweep()
		for {
			select {
			case <-ctx.Done():
				return
			case <-j.clock.After(sweepInterval):
				j.sweep()
			}
		}
	}()
}

func (j *janitor) Stop() {
	j.mu.Lock()
	cancel, done := j.cancel, j.done
	j.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (j *janitor) sweep() {
	if j.cfg.MaxAgeDays > 0 {
		n, err := j.db.Expire(j.cfg.MaxAgeDays)
		if err != nil {
			j.logger.Error("expire old messages", zap.Error(err))
		} else if n > 0 {
			j.logger.Info("expired old messages", zap.Int("count", n))
		}
	}

	if j.cfg.MaxBytes <= 0 {
		return
	}
	total, err := j.totalBytes()
	if err != nil {
		j.logger.Error("estimate cache size", zap.Error(err))
		return
	}
	if total <= j.cfg.MaxBytes {
		return
	}
	evicted, err := j.db.EvictLRU(total - j.cfg.MaxBytes)
	if err != nil {
		j.logger.Error("evict conversations", zap.Error(err))
		return
	}
	j.logger.Info("evicted least-recently-used conversations",
		zap.Int("conversations", evicted),
		zap.Int64("over_by", total-j.cfg.MaxBytes))
}

func (j *janitor) totalBytes() (int64, error) {
	metas, err := j.db.ListSyncMeta()
	if err != nil {
		return 0, err
	}
	var total int64
	for _, m := range metas {
		b, err := j.db.ConversationBytes(m.ConversationID)
		if err != nil {
			return 0, err
		}
		total += b
	}
	return total, nil
}
