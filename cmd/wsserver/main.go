package main

import (
	"context"
	"database/sql"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/whisper/dmchat/internal/api"
	"github.com/whisper/dmchat/internal/chat"
	"github.com/whisper/dmchat/internal/config"
	"github.com/whisper/dmchat/internal/delivery"
	"github.com/whisper/dmchat/internal/gateway"
	"github.com/whisper/dmchat/internal/logging"
	"github.com/whisper/dmchat/internal/messaging"
	"github.com/whisper/dmchat/internal/metrics"
	"github.com/whisper/dmchat/internal/presence"
	"github.com/whisper/dmchat/internal/ratelimit"
	"github.com/whisper/dmchat/internal/session"
	"github.com/whisper/dmchat/internal/store"
	"github.com/whisper/dmchat/internal/ws"
)

// stores bundles the two storage contracts so either backend can be used.
type stores interface {
	chat.MessageStore
	chat.UserStore
}

// credentials is what both the upgrade handler and the REST API need from
// the session backend.
type credentials interface {
	ws.SessionStore
	api.Auth
}

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logging.Setup("info", false, "wsserver")
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	logging.Setup(cfg.LogLevel, cfg.LogPretty, "wsserver")

	log.Info().
		Str("server", cfg.ServerName).
		Str("listen", cfg.WS.ListenAddr).
		Str("store", cfg.StoreBackend).
		Str("presence", cfg.PresenceBackend).
		Str("sessions", cfg.SessionBackend).
		Str("ratelimit", cfg.RateLimitBackend).
		Bool("nats", cfg.NATS.URL != "").
		Msg("dmchat server starting")

	// --- Storage ---
	var (
		db *sql.DB
		st stores
	)
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		db, err = store.OpenPostgres(ctx, cfg.PostgresDSN)
		cancel()
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to Postgres")
		}
		if cfg.RunMigrations {
			if err := store.Migrate(db); err != nil {
				log.Fatal().Err(err).Msg("failed to run migrations")
			}
		}
		st = store.NewPostgres(db)
	default:
		log.Warn().Msg("using in-memory store; messages are lost on restart")
		st = store.NewMemory()
	}

	// --- Redis-backed shared state ---
	var rdb *redis.Client
	if cfg.UsesRedis() {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := rdb.Ping(ctx).Err()
		cancel()
		if err != nil {
			log.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("failed to connect to Redis")
		}
	}

	var sessions credentials
	if cfg.SessionBackend == config.BackendRedis {
		sessions = session.NewStoreWithClient(rdb, cfg.ServerName, cfg.TokenTTL)
	} else {
		sessions = session.NewMemoryStore(cfg.TokenTTL)
	}

	var tracker presence.Tracker
	if cfg.PresenceBackend == config.BackendRedis {
		tracker = presence.NewRedisTracker(rdb, cfg.PresenceTTL)
	} else {
		tracker = presence.NewMemoryTracker()
	}

	var limiter ratelimit.Checker
	if cfg.RateLimitBackend == config.BackendRedis {
		limiter = ratelimit.NewLimiter(rdb)
	} else {
		limiter = ratelimit.NewMemoryLimiter(10 * time.Minute)
	}

	// --- WebSocket server ---
	dispatcher := ws.NewMessageDispatcher()
	server, err := ws.NewServer(cfg.WS, sessions, dispatcher.Dispatch)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create WebSocket server")
	}

	// --- Cross-process fan-out ---
	var nc *messaging.NATSClient
	if cfg.NATS.URL != "" {
		nc, err = messaging.NewNATSClient(cfg.NATS)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to NATS")
		}
	}
	relay := messaging.NewRelay(server.Connections(), nc, cfg.ServerName)
	if err := relay.Start(); err != nil {
		log.Fatal().Err(err).Msg("failed to start relay")
	}

	// --- Core services ---
	pres := presence.NewService(tracker, st, relay)
	dlv := delivery.NewService(st, st, pres, relay)
	pres.OnOnline(func(ctx context.Context, userID string) {
		if _, err := dlv.DeliverPending(ctx, userID); err != nil {
			log.Warn().Err(err).Str("user", userID).Msg("[delivery] pending replay failed")
		}
	})

	gw := gateway.New(dlv, pres, relay, limiter)
	gw.Register(dispatcher)

	server.SetOnConnect(func(conn *ws.Connection) {
		relay.Track(conn.UserID)
		gw.OnConnect(conn)
	})
	server.SetOnDisconnect(func(conn *ws.Connection) {
		gw.OnDisconnect(conn)
		relay.Untrack(conn.UserID)
	})
	server.SetOnHeartbeat(gw.OnHeartbeat)
	server.SetConnectLimiter(limiter)

	// --- HTTP surfaces on the same listener ---
	server.Handle("/metrics", metrics.Handler())
	server.Handle("/api/", api.New(dlv, st, sessions, limiter).Routes(cfg.CORSOrigins))

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("received signal, initiating graceful shutdown")
		if err := server.Shutdown(); err != nil {
			log.Error().Err(err).Msg("shutdown error")
		}
		if nc != nil {
			nc.Close()
		}
		if rdb != nil {
			if err := rdb.Close(); err != nil {
				log.Warn().Err(err).Msg("redis close error")
			}
		}
		if db != nil {
			if err := db.Close(); err != nil {
				log.Warn().Err(err).Msg("postgres close error")
			}
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatal().Err(err).Msg("server error")
	}
}
