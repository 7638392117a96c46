package main

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"board-hub/api"
	"board-hub/boards"
	"board-hub/config"
	"board-hub/domain"
	"board-hub/hub"
	"board-hub/storage"
	"board-hub/subscription"
	"board-hub/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	}
	if cfg.LogFormat == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	}
	logger := log.StandardLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Init(ctx, cfg.OTLPEndpoint)
	if err != nil {
		log.Fatalf("telemetry: %v", err)
	}

	catalog, err := boards.Load(cfg.BoardsFile)
	if err != nil {
		log.Fatalf("boards: %v", err)
	}

	store, closeStore := openStore(ctx, cfg)
	mover := domain.NewMoveService(store, catalog)

	var rc *redis.Client
	var cache *storage.SnapshotCache
	if cfg.RedisConnString != "" {
		redisOpts, err := config.RedisOptions(cfg.RedisConnString)
		if err != nil {
			log.Fatalf("redis: %v", err)
		}
		rc = redis.NewClient(redisOpts)
		cache = storage.NewSnapshotCache(rc, cfg.SnapshotCacheTTL)
		mover.WithSnapshotCache(cache)
	}

	if err := catalog.Watch(ctx, func() {
		if cache == nil {
			return
		}
		for _, boardID := range catalog.Boards() {
			cache.Evict(ctx, boardID)
		}
	}); err != nil {
		log.WithError(err).Warn("Board catalog watch disabled")
	}

	auth := newAuth(cfg)
	h := hub.New(hub.Config{
		QueueSize:    cfg.OutboundQueue,
		MoveTimeout:  cfg.MoveTimeout,
		RetryBackoff: cfg.MoveRetryBackoff,
	}, auth, mover, catalog, logger)

	if rc != nil {
		relay := subscription.NewRelay(rc, cfg.BoardEventsChannel, h, logger)
		h.SetPublisher(relay)
		go relay.Run(ctx)
		log.Infof("Relaying board events on %s as instance %s", cfg.BoardEventsChannel, relay.Instance())
	}
	if cfg.TaskEventsQueue != "" {
		queue, err := subscription.NewAzureQueue(cfg.StorageConnString, cfg.TaskEventsQueue)
		if err != nil {
			log.Fatalf("queue: %v", err)
		}
		go subscription.NewLifecycleConsumer(queue, h, logger, time.Second).Run(ctx)
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: cfg.AllowOrigins,
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, echo.HeaderContentEncoding},
	}))
	e.Use(api.GzipRequestMiddleware())
	api.Register(e, h, mover, auth, api.SocketConfig{
		PingInterval:   cfg.WSPingInterval,
		OriginPatterns: originPatterns(cfg.AllowOrigins),
	}, logger)

	go func() {
		if err := e.Start(cfg.ListenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("Server shutdown")
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.WithError(err).Warn("Tracing shutdown")
	}
	closeStore()
}

func openStore(ctx context.Context, cfg config.Config) (domain.PositionStore, func()) {
	switch cfg.StoreBackend {
	case config.BackendSQLite:
		s, err := storage.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			log.Fatalf("storage: %v", err)
		}
		return s, func() { _ = s.Close() }
	case config.BackendTables:
		s, err := storage.NewTableStore(cfg.StorageConnString, cfg.PositionsTable)
		if err != nil {
			log.Fatalf("storage: %v", err)
		}
		return s, func() {}
	default:
		log.Warn("Using in-memory position store, positions are lost on restart")
		return storage.NewMemoryStore(), func() {}
	}
}

func newAuth(cfg config.Config) *api.Auth {
	authCfg := api.AuthConfig{
		LocalMode:   cfg.LocalAuthMode,
		LocalSecret: cfg.LocalAuthSecret,
		KeyCacheTTL: cfg.JWKSCacheTTL,
	}
	if cfg.LocalAuthMode == "" {
		jwks, err := api.FetchJWKS(cfg.Auth0Domain, cfg.JWKSCacheTTL)
		if err != nil {
			log.Fatalf("jwks: %v", err)
		}
		authCfg.JWKS = jwks
		authCfg.Audience = cfg.Auth0Audience
		authCfg.Issuer = "https://" + cfg.Auth0Domain + "/"
	}
	auth, err := api.NewAuth(authCfg)
	if err != nil {
		log.Fatalf("auth: %v", err)
	}
	return auth
}

// originPatterns reduces CORS origins to the host patterns the socket
// upgrader matches against.
func originPatterns(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			o = u.Host
		}
		out = append(out, o)
	}
	return out
}
