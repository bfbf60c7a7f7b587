package app

import (
	"context"
	"errors"
	"fmt"
	stdhttp "net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/vovakirdan/wirechat-rooms/internal/auth"
	"github.com/vovakirdan/wirechat-rooms/internal/bus"
	"github.com/vovakirdan/wirechat-rooms/internal/config"
	"github.com/vovakirdan/wirechat-rooms/internal/core"
	"github.com/vovakirdan/wirechat-rooms/internal/presence"
	"github.com/vovakirdan/wirechat-rooms/internal/store"
	"github.com/vovakirdan/wirechat-rooms/internal/store/sqlite"
	transporthttp "github.com/vovakirdan/wirechat-rooms/internal/transport/http"
	"github.com/vovakirdan/wirechat-rooms/internal/utils"
)

// App wires together storage, bus, presence, core and transport layers.
type App struct {
	server          *transporthttp.Server
	shutdownTimeout time.Duration
	hub             *core.Hub
	store           store.Store
	bus             bus.Bus
	presence        presence.Store
	log             *zerolog.Logger
}

// New constructs the application with provided configuration.
func New(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) (*App, error) {
	if cfg.NodeID == "" {
		cfg.NodeID = utils.NewNodeID()
	}

	st, err := sqlite.New(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	logger.Info().Str("db_path", cfg.DatabasePath).Msg("database initialized")

	b, err := bus.Open(ctx, cfg.Bus, logger)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("init bus: %w", err)
	}

	ps, err := openPresence(ctx, cfg)
	if err != nil {
		_ = b.Close()
		_ = st.Close()
		return nil, fmt.Errorf("init presence: %w", err)
	}
	if cfg.SinglePresenceNode() {
		logger.Warn().Str("bus", cfg.Bus.Driver).Msg("presence is process-local; run a single node or set presence.driver=redis")
	}
	logger.Info().
		Str("node_id", cfg.NodeID).
		Str("bus", cfg.Bus.Driver).
		Str("presence", cfg.Presence.Driver).
		Msg("coordination backends ready")

	authService := auth.NewService(st, &auth.JWTConfig{
		Secret:   []byte(cfg.JWTSecret),
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
		TTL:      cfg.JWTTTL,
	})

	hub := core.NewHub(st, ps, b, core.Options{
		NodeID:                  cfg.NodeID,
		BusPrefix:               cfg.Bus.Prefix,
		BacklogSize:             cfg.BacklogSize,
		StoreTimeout:            cfg.StoreTimeout,
		BusTimeout:              cfg.BusTimeout,
		DrainTimeout:            cfg.ShutdownTimeout,
		AllowAnonymousObservers: cfg.AllowAnonymousObservers,
	}, logger)
	server := transporthttp.NewServer(hub, authService, cfg, logger)

	return &App{
		server:          server,
		shutdownTimeout: cfg.ShutdownTimeout,
		hub:             hub,
		store:           st,
		bus:             b,
		presence:        ps,
		log:             logger,
	}, nil
}

func openPresence(ctx context.Context, cfg *config.Config) (presence.Store, error) {
	switch cfg.Presence.Driver {
	case config.DriverRedis:
		return presence.DialRedis(ctx, cfg.Presence.RedisURL, cfg.Bus.Prefix)
	default:
		return presence.NewMemory(), nil
	}
}

// Run starts the hub and the HTTP server and blocks until ctx is cancelled
// or either fails.
func (a *App) Run(ctx context.Context) error {
	defer a.cleanup()

	if err := a.hub.Start(ctx); err != nil {
		return fmt.Errorf("start hub: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.hub.Run(gctx)
	})

	g.Go(func() error {
		a.log.Info().Str("addr", a.server.Addr).Msg("http server listening")
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, stdhttp.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout)
		defer cancel()

		a.log.Info().Msg("shutting down http server")
		// Shutdown does not wait for hijacked websocket connections; the hub closes those.
		return a.server.Shutdown(shutdownCtx)
	})

	err := g.Wait()

	// Handlers may still be in disconnect cleanup against the backends.
	waitCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout)
	defer cancel()
	if werr := a.server.WaitSessions(waitCtx); werr != nil {
		a.log.Warn().Err(werr).Msg("websocket handlers still running, closing backends anyway")
	}
	return err
}

// cleanup closes the store, bus and presence backends.
func (a *App) cleanup() {
	if err := a.presence.Close(); err != nil {
		a.log.Warn().Err(err).Msg("failed to close presence store")
	}
	if err := a.bus.Close(); err != nil {
		a.log.Warn().Err(err).Msg("failed to close bus")
	}
	if err := a.store.Close(); err != nil {
		a.log.Warn().Err(err).Msg("failed to close store")
	} else {
		a.log.Info().Msg("store closed")
	}
}
