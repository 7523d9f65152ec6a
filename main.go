package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/JBJLogic/Potato-Market/config"
	"github.com/JBJLogic/Potato-Market/handlers"
	"github.com/JBJLogic/Potato-Market/logging"
	"github.com/JBJLogic/Potato-Market/nats_service"
	"github.com/JBJLogic/Potato-Market/presence"
	"github.com/JBJLogic/Potato-Market/store"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
)

func main() {
	cfg, err := config.Load(os.Getenv("POTATO_CONFIG"))
	if err != nil {
		l := logging.L()
		l.Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.Log.ServiceName == "" {
		cfg.Log.ServiceName = "chat-server"
	}
	logger := logging.Init(cfg.Log, os.Stdout)

	loc, err := config.Location(cfg.Server.Timezone)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid server timezone")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize Postgres ---
	pool, err := store.NewPool(ctx, store.PoolConfig{
		URL:      cfg.Postgres.URL,
		MaxConns: cfg.Postgres.MaxConns,
		MinConns: cfg.Postgres.MinConns,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to postgres")
	}
	defer pool.Close()
	if err := store.Migrate(ctx, pool, logger); err != nil {
		logger.Fatal().Err(err).Msg("failed to run migrations")
	}

	// --- Initialize NATS Service ---
	natsSvc, err := nats_service.NewNatsService(ctx, nats_service.Config{
		URL:           cfg.NATS.URL,
		StreamName:    cfg.NATS.StreamName,
		SubjectPrefix: cfg.NATS.SubjectPrefix,
		MaxAge:        cfg.NATS.MaxAge,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize NATS service")
	}
	defer natsSvc.Close()

	// --- Initialize presence (optional) ---
	var roomPresence handlers.Presence
	if cfg.Redis.Address != "" {
		rp, err := presence.NewRedisPresence(ctx, presence.Config{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
			KeyTTL:   cfg.Redis.KeyTTL,
		}, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("presence disabled, redis unavailable")
		} else {
			defer rp.Close()
			roomPresence = rp
		}
	}

	h := handlers.New(natsSvc, store.New(pool), roomPresence, handlers.Config{
		PingInterval:   cfg.WebSocket.PingInterval,
		PongWait:       cfg.WebSocket.PongWait,
		WriteWait:      cfg.WebSocket.WriteWait,
		MaxMessageSize: cfg.WebSocket.MaxMessageSize,
		PublishWait:    cfg.NATS.PublishWait,
		IdentityCookie: cfg.Server.IdentityCookie,
		Location:       loc,
	}, logger)

	// --- Initialize Fiber App ---
	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Use(recover.New())
	app.Use(logging.FiberMiddleware(logger, logging.WithUserID(handlers.UserID)))
	h.Register(app)

	// --- Start Server ---
	go func() {
		logger.Info().Str("addr", cfg.Server.Addr).Msg("starting server")
		if err := app.Listen(cfg.Server.Addr); err != nil {
			logger.Error().Err(err).Msg("server stopped")
			stop()
		}
	}()

	// --- Graceful Shutdown ---
	<-ctx.Done()
	logger.Info().Msg("shutting down server")

	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		logger.Error().Err(err).Msg("error shutting down fiber")
	}
	logger.Info().Msg("server gracefully stopped")
}
