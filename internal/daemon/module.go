// Package daemon composes the sync daemon from its parts.
package daemon

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/pvictorino/dmsync/internal/bus"
	"github.com/pvictorino/dmsync/internal/channel"
	"github.com/pvictorino/dmsync/internal/config"
	"github.com/pvictorino/dmsync/internal/engine"
	"github.com/pvictorino/dmsync/internal/lock"
	"github.com/pvictorino/dmsync/internal/logging"
	"github.com/pvictorino/dmsync/internal/receipt"
	"github.com/pvictorino/dmsync/internal/status"
	"github.com/pvictorino/dmsync/internal/store"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds command-line overrides passed to the fx module.
type Params struct {
	ConfigPath     string
	ConversationID string // overrides the config default when set
}

// Module returns the fx module for the daemon, composing all providers
// and lifecycle hooks.
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
			provideChannel,
			provideBatcher,
			provideEngine,
			NewConsole,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	path := p.ConfigPath
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	if p.ConversationID != "" {
		cfg.Conversation = p.ConversationID
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func provideLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.New(config.LogPath(cfg.Conversation), cfg.Conversation)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(cfg *config.Config, logger *zap.Logger) (*lock.Lock, error) {
	if err := config.EnsureConversationDir(cfg.Conversation); err != nil {
		return nil, err
	}
	l, err := lock.Acquire(config.ConversationDir(cfg.Conversation))
	if err != nil {
		return nil, err
	}
	logger.Info("conversation lock acquired")
	return l, nil
}

func provideStore(cfg *config.Config, logger *zap.Logger) (*store.DB, error) {
	db, err := store.Open(cfg.Store.DSN)
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
	return db, nil
}

func provideChannel(cfg *config.Config, m *status.Machine, logger *zap.Logger) (channel.Channel, error) {
	onState := func(connected bool) {
		if connected {
			_ = m.Transition(status.Ready)
		} else {
			_ = m.Transition(status.Degraded)
		}
	}
	switch cfg.Events.Transport {
	case "", config.TransportPostgres:
		return channel.NewPGChannel(cfg.Store.DSN, logger, onState), nil
	case config.TransportWebsocket:
		return channel.NewWSChannel(cfg.Events.GatewayURL, logger, onState), nil
	case config.TransportAMQP:
		return channel.NewAMQPChannel(cfg.Events.AMQPURL, cfg.Events.Exchange, logger), nil
	default:
		// Validate() rejects this earlier; kept for direct callers.
		return nil, fmt.Errorf("unknown events transport %q", cfg.Events.Transport)
	}
}

func provideBatcher(db *store.DB, cfg *config.Config, logger *zap.Logger) *receipt.Batcher {
	return receipt.NewBatcher(db, cfg.UserID, logger)
}

func provideEngine(db *store.DB, ch channel.Channel, batcher *receipt.Batcher, b *bus.Bus, m *status.Machine, cfg *config.Config, logger *zap.Logger) *engine.Engine {
	return engine.NewEngine(db, ch, batcher, b, m, cfg.UserID, logger)
}

func registerLifecycle(lc fx.Lifecycle, eng *engine.Engine, console *Console, db *store.DB, lk *lock.Lock, cfg *config.Config, logger *zap.Logger) {
	var metricsSrv *http.Server
	if cfg.Metrics.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{Addr: cfg.Metrics.Listen, Handler: mux}
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if metricsSrv != nil {
				go func() {
					if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						logger.Error("metrics server error", zap.Error(err))
					}
				}()
			}

			// A failed initial load is not fatal: the list stays
			// empty and /refresh from the console recovers.
			if err := eng.Open(ctx, cfg.Conversation); err != nil {
				logger.Error("initial load failed", zap.Error(err))
			}

			console.Start(context.Background())
			return nil
		},
		OnStop: func(ctx context.Context) error {
			console.Stop()
			if err := eng.Close(); err != nil {
				logger.Warn("error closing engine", zap.Error(err))
			}
			if metricsSrv != nil {
				shutdownCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
				defer cancel()
				_ = metricsSrv.Shutdown(shutdownCtx)
			}
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
