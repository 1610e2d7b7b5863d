package main

import (
    "context"
    "fmt"
    "log/slog"
    "net/http"
    "os"
    "os/signal"
    "sync"
    "syscall"
    "time"

    "webhookd/internal/api"
    "webhookd/internal/broker"
    "webhookd/internal/buildinfo"
    "webhookd/internal/config"
    "webhookd/internal/metrics"
    "webhookd/internal/store"
    "webhookd/internal/webhooks"
)

func main() {
    cfg, err := config.Load()
    if err != nil {
        slog.Error("failed to load config", slog.String("error", err.Error()))
        os.Exit(1)
    }
    logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.Level()}))
    slog.SetDefault(logger)

    metrics.RegisterDefault()

    primary, closePrimary := openPrimary(cfg, logger)
    defer closePrimary()
    fallback := store.NewFile(cfg.FallbackDir, logger)
    st := store.NewResilient(primary, fallback,
        store.WithLogger(logger),
        store.WithMirror(cfg.FallbackMirror),
        store.WithFallbackCounter(func(op string) { metrics.StoreFallbacks.WithLabelValues(op).Inc() }),
    )

    var b broker.Broker = broker.NewMemory()
    if cfg.RedisURL != "" {
        rb, err := broker.NewRedis(cfg.RedisURL)
        if err != nil {
            logger.Warn("redis broker unavailable, using in-process broker", slog.String("error", err.Error()))
        } else {
            b = rb
        }
    }
    defer func() { _ = b.Close() }()

    dispatcher := webhooks.NewDispatcher(st, webhooks.NewRecorder(st, logger),
        webhooks.WithLogger(logger),
        webhooks.WithBroker(b),
        webhooks.WithRetries(cfg.HonorRetries),
        webhooks.WithUserAgent(cfg.UserAgent),
    )

    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()
    var bg sync.WaitGroup
    if cfg.EventsListener {
        l := &webhooks.Listener{Broker: b, Dispatcher: dispatcher, Log: logger}
        bg.Add(1)
        go func() {
            defer bg.Done()
            if err := l.Run(ctx); err != nil && err != context.Canceled {
                logger.Error("events listener stopped", slog.String("error", err.Error()))
            }
        }()
    }

    srv := api.NewServer(api.Deps{
        Store:          st,
        Fallback:       fallback,
        Dispatcher:     dispatcher,
        Broker:         b,
        Logger:         logger,
        AdminKey:       cfg.AdminAPIKey,
        ReceiveSecrets: cfg.ReceiveSecrets,
        RateRPS:        cfg.RateRPS,
        RateBurst:      cfg.RateBurst,
        Config:         cfg.Public(),
    })
    if cfg.AdminAPIKey == "" {
        logger.Warn("admin API key not set, subscription endpoints are open")
    }

    addr := fmt.Sprintf(":%d", cfg.Port)
    httpSrv := &http.Server{
        Addr:              addr,
        Handler:           srv.Routes(),
        ReadHeaderTimeout: 5 * time.Second,
    }
    go func() {
        logger.Info("webhookd listening", slog.String("addr", addr), slog.String("version", buildinfo.Version), slog.String("primary_store", cfg.PrimaryStore))
        if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
            logger.Error("server error", slog.String("error", err.Error()))
            os.Exit(1)
        }
    }()

    sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
    defer stop()
    <-sigCtx.Done()
    logger.Info("shutdown signal received")

    shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
    defer shutdownCancel()
    if err := httpSrv.Shutdown(shutdownCtx); err != nil {
        logger.Error("server shutdown error", slog.String("error", err.Error()))
    }
    cancel()
    bg.Wait()
    logger.Info("server stopped")
}

// openPrimary builds the configured primary store. Any setup error leaves the
// service running on the fallback alone.
func openPrimary(cfg *config.Config, logger *slog.Logger) (store.Store, func()) {
    noop := func() {}
    switch cfg.PrimaryStore {
    case config.StorePocketBase:
        return store.NewPocketBase(store.PocketBaseConfig{
            URL:                     cfg.PocketBase.URL,
            AdminEmail:              cfg.PocketBase.AdminEmail,
            AdminPassword:           cfg.PocketBase.AdminPassword,
            SubscriptionsCollection: cfg.PocketBase.SubscriptionsCollection,
            FailuresCollection:      cfg.PocketBase.FailuresCollection,
            InboundCollection:       cfg.PocketBase.InboundCollection,
        }), noop
    case config.StorePostgres:
        pg, err := store.NewPostgres(cfg.DatabaseURL)
        if err != nil {
            logger.Warn("postgres unavailable, serving from fallback only", slog.String("error", err.Error()))
            return nil, noop
        }
        if cfg.DBMigrate {
            ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
            defer cancel()
            if err := pg.Migrate(ctx); err != nil {
                logger.Warn("postgres migration failed", slog.String("error", err.Error()))
            }
        }
        return pg, func() { _ = pg.Close() }
    default:
        return nil, noop
    }
}
