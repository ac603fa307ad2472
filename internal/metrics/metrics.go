package metrics

import (
    "sync"
    "github.com/prometheus/client_golang/prometheus"
    "github.com/prometheus/client_golang/prometheus/collectors"
)

var (
    // Registry is the dedicated Prometheus registry for the API
    Registry = prometheus.NewRegistry()
    // HTTPRequests counts requests by method, path, and status
    HTTPRequests = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "http_requests_total", Help: "Total HTTP requests."},
        []string{"method", "path", "status"},
    )
    // HTTPDuration records request durations in seconds
    HTTPDuration = prometheus.NewHistogramVec(
        prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds.", Buckets: prometheus.DefBuckets},
        []string{"method", "path", "status"},
    )

    // OptimizerRuns counts optimizer runs by outcome (ok, partial, noop, error)
    OptimizerRuns = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "optimizer_runs_total", Help: "Route optimizer runs by outcome."},
        []string{"outcome"},
    )
    // ProviderFailures counts abandoned batches by stage (fill, create, resort)
    ProviderFailures = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "optimizer_provider_failures_total", Help: "Travel-time lookups that failed, by optimizer stage."},
        []string{"stage"},
    )
    // TravelTimeDuration tracks travel-time provider latency
    TravelTimeDuration = prometheus.NewHistogramVec(
        prometheus.HistogramOpts{Name: "travel_time_request_duration_seconds", Help: "Travel-time provider request latency in seconds.", Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 10}},
        []string{"provider", "status"},
    )
    // GeocodeDuration tracks geocoder latency by operation (search, reverse) and status
    GeocodeDuration = prometheus.NewHistogramVec(
        prometheus.HistogramOpts{Name: "geocode_request_duration_seconds", Help: "Geocoding request latency in seconds.", Buckets: []float64{.05, .1, .25, .5, 1, 2, 5}},
        []string{"op", "status"},
    )
    // GeofenceNotifications counts addressed proximity notifications by tier
    GeofenceNotifications = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "geofence_notifications_total", Help: "Proximity notifications sent, by tier in metres."},
        []string{"tier"},
    )
    // BroadcastErrors counts failed publishes by message type
    BroadcastErrors = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "broadcast_errors_total", Help: "Failed broadcast publishes by message type."},
        []string{"type"},
    )
    // WSConnections is the number of open WebSocket subscriptions
    WSConnections = prometheus.NewGauge(
        prometheus.GaugeOpts{Name: "ws_connections", Help: "Open WebSocket subscriptions."},
    )
)

// RegisterDefault registers collectors to the default registry.
func RegisterDefault() {
    regOnce.Do(func(){
        Registry.MustRegister(HTTPRequests)
        Registry.MustRegister(HTTPDuration)
        Registry.MustRegister(OptimizerRuns)
        Registry.MustRegister(ProviderFailures)
        Registry.MustRegister(TravelTimeDuration)
        Registry.MustRegister(GeocodeDuration)
        Registry.MustRegister(GeofenceNotifications)
        Registry.MustRegister(BroadcastErrors)
        Registry.MustRegister(WSConnections)
        // Go/process collectors on our registry
        Registry.MustRegister(collectors.NewGoCollector())
        Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
    })
}

var regOnce sync.Once
