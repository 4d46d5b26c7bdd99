// Package daemon composes the sync core into a running process: config,
// lock, cache store, migration bridge, remote client, transport, and the
// consumer service, wired through fx with lifecycle hooks.
package daemon

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/bridge"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/lock"
	"github.com/matheus3301/chatsync/internal/logging"
	"github.com/matheus3301/chatsync/internal/profile"
	"github.com/matheus3301/chatsync/internal/queue"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/store/legacy"
	intsync "github.com/matheus3301/chatsync/internal/sync"
	"github.com/matheus3301/chatsync/internal/transport"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	ProfileName string
	ConfigPath  string // optional override; empty = the profile's config.toml
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideClock,
			provideLock,
			provideStore,
			provideMessageStore,
			provideCredentials,
			provideRemote,
			provideTransport,
			provideEngine,
			provideValidator,
			provideReconciler,
			providePushHandler,
			provideQueue,
			provideJanitor,
			provideService,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	if err := profile.EnsureDir(p.ProfileName); err != nil {
		return nil, err
	}
	path := p.ConfigPath
	if path == "" {
		path = profile.ConfigPath(p.ProfileName)
	}
	cfg, err := config.Load(path)
	if os.IsNotExist(err) {
		cfg = config.Default()
		if err := config.Save(path, cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	return cfg, err
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.ProfileName), p.ProfileName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideClock() clockwork.Clock {
	return clockwork.NewRealClock()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring profile lock", zap.String("profile", p.ProfileName))
	l, err := lock.Acquire(profile.Dir(p.ProfileName))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.CacheDBPath(p.ProfileName)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("cache store initialized", zap.String("path", dbPath))
	return db, nil
}

// bridgeOut carries the message store plus the legacy handle that needs
// closing on shutdown (nil outside dual-read phases).
type bridgeOut struct {
	fx.Out

	Msgs   store.MessageStore
	Legacy *legacy.Store
}

func provideMessageStore(cfg *config.Config, db *store.DB, logger *zap.Logger) (bridgeOut, error) {
	phase, err := bridge.ParsePhase(cfg.Migration.Phase)
	if err != nil {
		return bridgeOut{}, err
	}

	var old *legacy.Store
	var oldStore store.MessageStore
	if phase != bridge.PhaseNewOnly {
		old, err = legacy.Open(cfg.Migration.LegacyPath)
		if err != nil {
			return bridgeOut{}, err
		}
		oldStore = old
		logger.Info("legacy cache attached",
			zap.String("path", cfg.Migration.LegacyPath), zap.String("phase", cfg.Migration.Phase))
	}

	b, err := bridge.New(phase, db, oldStore)
	if err != nil {
		if old != nil {
			_ = old.Close()
		}
		return bridgeOut{}, err
	}
	return bridgeOut{Msgs: b, Legacy: old}, nil
}

func provideCredentials(p Params) remote.CredentialSource {
	return newCredentials(p.ProfileName)
}

func provideRemote(cfg *config.Config, creds remote.CredentialSource, logger *zap.Logger) *remote.Client {
	if cfg.Remote.BaseURL == "" {
		logger.Warn("remote base_url not configured, history fetches will fail")
	}
	return remote.NewClient(cfg.Remote.BaseURL, &http.Client{Timeout: cfg.RemoteTimeout()}, creds)
}

func provideTransport(cfg *config.Config, creds remote.CredentialSource, clock clockwork.Clock, b *bus.Bus, logger *zap.Logger) *transport.Manager {
	return transport.NewManager(transport.Config{
		ChatHubURL:         cfg.Realtime.ChatHubURL,
		NotificationHubURL: cfg.Realtime.NotificationHubURL,
		ReconnectBase:      cfg.ReconnectBase(),
		ReconnectMax:       cfg.ReconnectMax(),
	}, creds, clock, b, logger)
}

func provideEngine(cfg *config.Config, db *store.DB, msgs store.MessageStore, client *remote.Client, b *bus.Bus, clock clockwork.Clock, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(db, msgs, client, b, clock, logger, intsync.Config{
		PageSize:     cfg.Remote.PageSize,
		SyncTTL:      cfg.SyncTTL(),
		GapThreshold: cfg.Cache.GapThreshold,
	})
}

func provideValidator(cfg *config.Config, db *store.DB, engine *intsync.Engine, b *bus.Bus, clock clockwork.Clock, logger *zap.Logger) *intsync.Validator {
	return intsync.NewValidator(db, engine, b, clock, logger, intsync.ValidatorConfig{
		RevalidateInterval: cfg.RevalidateInterval(),
	})
}

func provideReconciler(db *store.DB, msgs store.MessageStore, b *bus.Bus, clock clockwork.Clock, logger *zap.Logger) *intsync.Reconciler {
	return intsync.NewReconciler(db, msgs, b, clock, logger)
}

func providePushHandler(db *store.DB, msgs store.MessageStore, r *intsync.Reconciler, v *intsync.Validator, b *bus.Bus, logger *zap.Logger) *intsync.PushHandler {
	return intsync.NewPushHandler(db, msgs, r, v, b, logger)
}

func provideQueue(cfg *config.Config, db *store.DB, client *remote.Client, recon *intsync.Reconciler, b *bus.Bus, clock clockwork.Clock, logger *zap.Logger) *queue.Queue {
	return queue.New(db, client, recon, b, clock, logger, queue.Config{
		MaxRetries: cfg.Queue.MaxRetries,
	})
}

func provideJanitor(cfg *config.Config, db *store.DB, clock clockwork.Clock, logger *zap.Logger) *janitor {
	return newJanitor(db, cfg.Cache, clock, logger)
}

func provideService(db *store.DB, msgs store.MessageStore, engine *intsync.Engine, validator *intsync.Validator, q *queue.Queue, mgr *transport.Manager, logger *zap.Logger) *api.Service {
	return api.NewService(db, msgs, engine, validator, q, mgr, logger)
}

func registerLifecycle(lc fx.Lifecycle, mgr *transport.Manager, push *intsync.PushHandler, validator *intsync.Validator, engine *intsync.Engine, q *queue.Queue, jan *janitor, legacyStore *legacy.Store, db *store.DB, lk *lock.Lock, b *bus.Bus, logger *zap.Logger) {
	var unsubPush func()
	glueCtx, glueCancel := context.WithCancel(context.Background())
	glueDone := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Push events flow into the cache before anything else sees them.
			unsubPush = mgr.Subscribe(push.Handle)

			// Reconnects reset cache validity for the whole session.
			connected, unsubscribe := b.Subscribe(string(bus.KindTransportConnected), 1)
			go func() {
				defer close(glueDone)
				defer unsubscribe()
				first := true
				for {
					select {
					case <-glueCtx.Done():
						return
					case <-connected:
						if first {
							// Initial connect is not a restore.
							first = false
							continue
						}
						validator.OnConnectivityRestored()
					}
				}
			}()

			mgr.Start(context.Background())
			q.Start(context.Background())
			jan.Start(context.Background())
			logger.Info("daemon started")
			return nil
		},
		OnStop: func(ctx context.Context) error {
			jan.Stop()
			q.Stop()
			mgr.Stop()
			if unsubPush != nil {
				unsubPush()
			}
			glueCancel()
			<-glueDone

			stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			if err := engine.Stop(stopCtx); err != nil {
				logger.Warn("sync engine shutdown timed out", zap.Error(err))
			}

			if legacyStore != nil {
				if err := legacyStore.Close(); err != nil {
					logger.Warn("error closing legacy cache", zap.Error(err))
				}
			}
			if err := db.Close(); err != nil {
				logger.Warn("error closing cache store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
