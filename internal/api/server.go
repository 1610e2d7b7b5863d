// Package api implements the HTTP surface of webhookd.
package api

import (
    "log/slog"
    "net/http"

    "github.com/go-chi/chi/v5"
    "github.com/go-chi/chi/v5/middleware"
    "golang.org/x/time/rate"

    "webhookd/internal/broker"
    "webhookd/internal/metrics"
    "webhookd/internal/store"
    "webhookd/internal/webhooks"
)

// Reloader drops cached state so the next read goes to disk.
type Reloader interface {
    Reload()
}

// Deps are the collaborators a Server needs. Store is normally the
// primary/fallback decorator; Fallback is its local half.
type Deps struct {
    Store          store.Store
    Fallback       Reloader
    Dispatcher     *webhooks.Dispatcher
    Broker         broker.Broker
    Logger         *slog.Logger
    AdminKey       string
    ReceiveSecrets map[string]string
    RateRPS        float64
    RateBurst      int
    Config         map[string]any
}

type Server struct {
    store      store.Store
    fallback   Reloader
    dispatcher *webhooks.Dispatcher
    broker     broker.Broker
    log        *slog.Logger
    adminKey   string
    secrets    map[string]string
    limiter    *rate.Limiter
    config     map[string]any
}

func NewServer(d Deps) *Server {
    s := &Server{
        store:      d.Store,
        fallback:   d.Fallback,
        dispatcher: d.Dispatcher,
        broker:     d.Broker,
        log:        d.Logger,
        adminKey:   d.AdminKey,
        secrets:    d.ReceiveSecrets,
        config:     d.Config,
    }
    if s.log == nil { s.log = slog.Default() }
    if s.secrets == nil { s.secrets = map[string]string{} }
    if d.RateRPS > 0 {
        burst := d.RateBurst
        if burst <= 0 { burst = 1 }
        s.limiter = rate.NewLimiter(rate.Limit(d.RateRPS), burst)
    }
    return s
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
    metrics.RegisterDefault()
    r := chi.NewRouter()
    r.Use(middleware.RequestID)
    r.Use(s.requestLogging)
    r.Use(middleware.Recoverer)

    r.Get("/health", s.HealthHandler)
    r.Get("/ready", s.ReadyHandler)
    r.Handle("/metrics", metrics.Handler())

    // Admin: subscription CRUD and diagnostics
    r.Group(func(r chi.Router) {
        r.Use(s.requireAdmin)
        r.Get("/subscriptions", s.ListSubscriptionsHandler)
        r.Post("/subscriptions", s.CreateSubscriptionHandler)
        r.Put("/subscriptions/{id}", s.UpdateSubscriptionHandler)
        r.Delete("/subscriptions/{id}", s.DeleteSubscriptionHandler)
        r.Get("/failures", s.FailuresHandler)
        r.Post("/admin/fallback/reload", s.ReloadFallbackHandler)
        r.Get("/debug/vars", s.DebugJSON)
        r.Get("/deliveries/stream", s.DeliveryStreamHandler)
    })

    // Trusted internal triggers and inbound sink
    r.Group(func(r chi.Router) {
        r.Use(s.rateLimit)
        r.Post("/emit", s.EmitHandler)
        r.Post("/receive/{identifier}", s.ReceiveHandler)
    })
    return r
}
