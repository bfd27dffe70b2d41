// Package daemon wires the archiver together and manages its lifecycle.
package daemon

import (
	"context"
	"os"

	"github.com/matheus3301/warchive/internal/bus"
	"github.com/matheus3301/warchive/internal/config"
	"github.com/matheus3301/warchive/internal/identity"
	"github.com/matheus3301/warchive/internal/lock"
	"github.com/matheus3301/warchive/internal/logging"
	"github.com/matheus3301/warchive/internal/media"
	"github.com/matheus3301/warchive/internal/session"
	"github.com/matheus3301/warchive/internal/status"
	"github.com/matheus3301/warchive/internal/store"
	"github.com/matheus3301/warchive/internal/syncer"
	"github.com/matheus3301/warchive/internal/wa"
	"github.com/matheus3301/warchive/internal/web"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	Listen      string // optional override; empty = use config
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
			provideStateMachine,
			provideLock,
			provideStore,
			provideAdapter,
			provideFetcher,
			provideResolver,
			provideOrchestrator,
			provideHub,
			provideServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(logger *zap.Logger) (*config.Config, error) {
	path := session.ConfigPath()
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	// Write the defaults on first run so the knobs are discoverable.
	if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
		if saveErr := config.Save(path, cfg); saveErr != nil {
			logger.Warn("could not write default config", zap.String("path", path), zap.Error(saveErr))
		}
	}
	return cfg, nil
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.ArchiveDBPath(p.SessionName)
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
	logger.Info("archive store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideAdapter(p Params, b *bus.Bus, logger *zap.Logger) (*wa.Adapter, error) {
	return wa.NewAdapter(context.Background(), p.SessionName, b, logger)
}

func provideFetcher(p Params, cfg *config.Config, adapter *wa.Adapter, db *store.DB, logger *zap.Logger) *media.Fetcher {
	return media.NewFetcher(adapter, db, media.Options{
		Dir:            session.MediaDir(p.SessionName),
		Concurrency:    cfg.Media.Concurrency,
		AttemptTimeout: cfg.AttemptTimeout(),
	}, logger)
}

func provideResolver(db *store.DB, logger *zap.Logger) *identity.Resolver {
	return identity.NewResolver(db, logger)
}

func provideOrchestrator(cfg *config.Config, db *store.DB, b *bus.Bus, machine *status.Machine, fetcher *media.Fetcher, resolver *identity.Resolver, adapter *wa.Adapter, logger *zap.Logger) *syncer.Orchestrator {
	return syncer.New(db, b, machine, fetcher, resolver, adapter, syncer.Options{
		Settle:    cfg.SettleDuration(),
		Reconnect: cfg.ReconnectDelay(),
	}, logger)
}

func provideHub(b *bus.Bus, machine *status.Machine, logger *zap.Logger) *web.Hub {
	return web.NewHub(b, machine, logger)
}

func provideServer(p Params, cfg *config.Config, db *store.DB, machine *status.Machine, resolver *identity.Resolver, hub *web.Hub, logger *zap.Logger) *web.Server {
	listen := cfg.Server.Listen
	if p.Listen != "" {
		listen = p.Listen
	}
	return web.NewServer(db, machine, resolver, hub, web.Options{
		Listen:   listen,
		PageSize: cfg.Server.PageSize,
		MediaDir: session.MediaDir(p.SessionName),
	}, logger)
}

func registerLifecycle(lc fx.Lifecycle, sd fx.Shutdowner, srv *web.Server, hub *web.Hub, lk *lock.Lock, adapter *wa.Adapter, orch *syncer.Orchestrator, machine *status.Machine, db *store.DB, b *bus.Bus, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			orch.Start(context.Background())
			hub.Run(context.Background())

			// A failed archive write is unrecoverable; stop the daemon.
			go func() {
				err := <-orch.Fatal()
				logger.Error("shutting down after storage failure", zap.Error(err))
				if err := sd.Shutdown(); err != nil {
					logger.Error("shutdown request failed", zap.Error(err))
				}
			}()

			handler := wa.NewEventHandler(b, adapter, logger)
			adapter.RegisterEventHandler(handler.Handle)

			srv.Start()

			// A previous run may have been interrupted mid-download.
			if queued, err := orch.RequeuePendingMedia(); err != nil {
				logger.Warn("failed to requeue pending media", zap.Error(err))
			} else if queued > 0 {
				logger.Info("resuming interrupted downloads", zap.Int("count", queued))
			}

			if adapter.IsLoggedIn() {
				logger.Info("credentials found, connecting")
				go func() {
					if err := adapter.Connect(); err != nil {
						logger.Error("auto-connect failed", zap.Error(err))
					}
				}()
			} else {
				logger.Info("no credentials found, starting pairing")
				if err := machine.Transition(status.AwaitingPairing); err != nil {
					return err
				}
				if err := adapter.StartPairing(context.Background()); err != nil {
					return err
				}
			}

			return nil
		},
		OnStop: func(ctx context.Context) error {
			orch.Stop()
			adapter.Disconnect()
			if err := srv.Shutdown(ctx); err != nil {
				logger.Warn("HTTP shutdown error", zap.Error(err))
			}
			if err := db.Close(); err != nil {
				logger.Warn("error closing archive store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
