// Package daemon composes the sync client: config, identity, store,
// connection, resolver, pipelines and the engine, wired through fx.
package daemon

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/BRUFHALO/gestion-de-proyectos-unexca-sub000/internal/attach"
	"github.com/BRUFHALO/gestion-de-proyectos-unexca-sub000/internal/bus"
	"github.com/BRUFHALO/gestion-de-proyectos-unexca-sub000/internal/config"
	"github.com/BRUFHALO/gestion-de-proyectos-unexca-sub000/internal/connection"
	"github.com/BRUFHALO/gestion-de-proyectos-unexca-sub000/internal/identity"
	"github.com/BRUFHALO/gestion-de-proyectos-unexca-sub000/internal/lock"
	"github.com/BRUFHALO/gestion-de-proyectos-unexca-sub000/internal/logging"
	"github.com/BRUFHALO/gestion-de-proyectos-unexca-sub000/internal/outbox"
	"github.com/BRUFHALO/gestion-de-proyectos-unexca-sub000/internal/presence"
	"github.com/BRUFHALO/gestion-de-proyectos-unexca-sub000/internal/resolve"
	"github.com/BRUFHALO/gestion-de-proyectos-unexca-sub000/internal/rest"
	"github.com/BRUFHALO/gestion-de-proyectos-unexca-sub000/internal/store"
	intsync "github.com/BRUFHALO/gestion-de-proyectos-unexca-sub000/internal/sync"
)

// Module returns the fx module for the sync daemon, composing all
// providers and lifecycle hooks.
func Module(cfg *config.Config) fx.Option {
	return fx.Module("daemon",
		fx.Supply(cfg),
		fx.Provide(
			provideSession,
			provideLogger,
			provideBus,
			provideLock,
			provideStore,
			provideRESTClient,
			provideConnection,
			provideResolver,
			providePipeline,
			providePresence,
			provideSender,
			provideEngine,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideSession(cfg *config.Config) (*identity.Session, error) {
	return identity.FromToken(cfg.SessionToken)
}

func provideLogger(cfg *config.Config, session *identity.Session) (*zap.Logger, error) {
	return logging.New(cfg.LogPath(), session.UserID)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(cfg *config.Config, session *identity.Session, logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring sync lock", zap.String("dir", cfg.LockDir()))
	l, err := lock.Acquire(cfg.LockDir(), session.UserID)
	if err != nil {
		return nil, err
	}
	logger.Info("sync lock acquired")
	return l, nil
}

func provideStore(cfg *config.Config, logger *zap.Logger) (*store.DB, error) {
	dbPath := cfg.DBPath()
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
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideRESTClient(cfg *config.Config) *rest.Client {
	return rest.NewClient(cfg.ServerURL, cfg.SessionToken)
}

func provideConnection(cfg *config.Config, session *identity.Session, b *bus.Bus, logger *zap.Logger) *connection.Manager {
	return connection.NewManager(cfg.WSURL, session.UserID,
		cfg.HeartbeatInterval(), cfg.ReconnectDelay(), b, logger)
}

func provideResolver(session *identity.Session, client *rest.Client, db *store.DB, logger *zap.Logger) *resolve.Resolver {
	return resolve.NewResolver(session.UserID, client, db, logger)
}

func providePipeline(cfg *config.Config, client *rest.Client, logger *zap.Logger) *attach.Pipeline {
	return attach.NewPipeline(client, cfg.MaxAttachmentBytes(), cfg.AllowedMimePrefixes, logger)
}

func providePresence(b *bus.Bus, logger *zap.Logger) *presence.Tracker {
	return presence.NewTracker(b, logger)
}

func provideSender(db *store.DB, client *rest.Client, resolver *resolve.Resolver, pipeline *attach.Pipeline, b *bus.Bus, session *identity.Session, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(db, client, resolver, pipeline, b, session.UserID, session.Role, logger)
}

func provideEngine(db *store.DB, client *rest.Client, resolver *resolve.Resolver, pipeline *attach.Pipeline, b *bus.Bus, session *identity.Session, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(db, client, resolver, pipeline, b, session, logger)
}

func registerLifecycle(lc fx.Lifecycle, lk *lock.Lock, conn *connection.Manager, engine *intsync.Engine, tracker *presence.Tracker, sender *outbox.Sender, db *store.DB, session *identity.Session, logger *zap.Logger) {
	runCtx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Subscribers first so the initial conn.state_changed is seen.
			engine.Start(runCtx)
			tracker.Start(runCtx)
			sender.Start(runCtx)

			go func() {
				if err := conn.Open(runCtx); err != nil {
					logger.Error("open push channel", zap.Error(err))
				}
			}()

			logger.Info("sync daemon started",
				zap.String("user", session.UserID),
				zap.String("role", session.Role))
			return nil
		},
		OnStop: func(_ context.Context) error {
			cancel()
			conn.Dispose()
			if err := db.Close(); err != nil {
				logger.Warn("close store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("release sync lock", zap.Error(err))
			}
			logger.Info("sync daemon stopped")
			return nil
		},
	})
}
