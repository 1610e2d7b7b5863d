package metrics

import (
    "net/http"
    "strconv"
    "sync"
    "time"

    "github.com/prometheus/client_golang/prometheus"
    "github.com/prometheus/client_golang/prometheus/collectors"
    "github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
    // Registry is the dedicated Prometheus registry for the service
    Registry = prometheus.NewRegistry()
    // HTTPRequests counts requests by method, route pattern, and status
    HTTPRequests = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "http_requests_total", Help: "Total HTTP requests."},
        []string{"method", "path", "status"},
    )
    // HTTPDuration records request durations in seconds
    HTTPDuration = prometheus.NewHistogramVec(
        prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds.", Buckets: prometheus.DefBuckets},
        []string{"method", "path", "status"},
    )

    // WebhookDeliveries counts delivery attempts by event type and outcome (success|failure)
    WebhookDeliveries = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "webhook_deliveries_total", Help: "Webhook deliveries by event type and status."},
        []string{"event_type", "status"},
    )
    // WebhookLatency tracks webhook delivery latencies in milliseconds
    WebhookLatency = prometheus.NewHistogramVec(
        prometheus.HistogramOpts{Name: "webhook_delivery_latency_ms", Help: "Webhook delivery latency in ms.", Buckets: []float64{10, 50, 100, 200, 500, 1000, 2000, 5000, 10000}},
        []string{"event_type", "status"},
    )

    // StoreFallbacks counts operations served by the local fallback store
    StoreFallbacks = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "webhook_store_fallbacks_total", Help: "Store operations served by the fallback store."},
        []string{"op"},
    )
    // FailureRecordErrors counts failure records that could not be written anywhere
    FailureRecordErrors = prometheus.NewCounter(
        prometheus.CounterOpts{Name: "webhook_failure_record_errors_total", Help: "Failure records that could not be persisted."},
    )
)

// RegisterDefault registers all collectors on Registry. Safe to call more than once.
func RegisterDefault() {
    regOnce.Do(func(){
        Registry.MustRegister(HTTPRequests)
        Registry.MustRegister(HTTPDuration)
        Registry.MustRegister(WebhookDeliveries)
        Registry.MustRegister(WebhookLatency)
        Registry.MustRegister(StoreFallbacks)
        Registry.MustRegister(FailureRecordErrors)
        // Go/process collectors on our registry
        Registry.MustRegister(collectors.NewGoCollector())
        Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
    })
}

var regOnce sync.Once

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
    RegisterDefault()
    return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// ObserveDelivery records one delivery attempt.
func ObserveDelivery(eventType string, success bool, took time.Duration) {
    status := "failure"
    if success { status = "success" }
    WebhookDeliveries.WithLabelValues(eventType, status).Inc()
    WebhookLatency.WithLabelValues(eventType, status).Observe(float64(took.Milliseconds()))
}

// ObserveRequest records one HTTP request.
func ObserveRequest(method, path string, status int, took time.Duration) {
    code := strconv.Itoa(status)
    HTTPRequests.WithLabelValues(method, path, code).Inc()
    HTTPDuration.WithLabelValues(method, path, code).Observe(took.Seconds())
}
