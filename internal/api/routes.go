package api

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"bustrack/internal/metrics"
)

// Routes returns the HTTP handler for every endpoint the server exposes.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	// Optimization
	mux.HandleFunc("POST /v1/optimize", s.OptimizeHandler)

	// Routes
	mux.HandleFunc("GET /v1/routes", s.RoutesIndexHandler)
	mux.HandleFunc("POST /v1/routes", s.CreateRouteHandler)
	mux.HandleFunc("GET /v1/routes/{id}", s.RouteHandler)
	mux.HandleFunc("POST /v1/routes/{id}/resort", s.ResortHandler)
	mux.HandleFunc("PUT /v1/routes/{id}/order", s.RouteOrderHandler)
	mux.HandleFunc("POST /v1/routes/{id}/broadcast", s.RouteBroadcastHandler)
	mux.HandleFunc("GET /v1/routes/{id}/bus-location", s.BusLocationHandler)

	// Students
	mux.HandleFunc("POST /v1/students", s.CreateStudentHandler)
	mux.HandleFunc("GET /v1/students/{id}", s.StudentHandler)
	mux.HandleFunc("PUT /v1/students/{id}/location", s.StudentLocationHandler)
	mux.HandleFunc("GET /v1/students/{id}/route", s.MyRouteHandler)
	mux.HandleFunc("POST /v1/students/{id}/boarding", s.BoardingHandler)
	mux.HandleFunc("POST /v1/students/{id}/notifications/reset", s.ResetNotificationsHandler)
	mux.HandleFunc("GET /v1/waitlist", s.WaitlistHandler)

	// Drivers
	mux.HandleFunc("POST /v1/drivers", s.CreateDriverHandler)
	mux.HandleFunc("GET /v1/drivers/{id}", s.DriverHandler)
	mux.HandleFunc("PUT /v1/drivers/{id}/route", s.AssignDriverHandler)
	mux.HandleFunc("POST /v1/drivers/{id}/location", s.DriverLocationHandler)

	// Geocoding
	mux.HandleFunc("GET /v1/geocode", s.GeocodeHandler)
	mux.HandleFunc("GET /v1/geocode/reverse", s.ReverseGeocodeHandler)

	// Admin
	mux.HandleFunc("POST /v1/admin/boarding/reset", s.ResetBoardingHandler)

	// Live updates
	mux.HandleFunc("GET /ws", s.WSHandler)

	// Health
	mux.HandleFunc("GET /healthz", s.HealthHandler)
	mux.HandleFunc("GET /readyz", s.ReadyHandler)
	mux.HandleFunc("GET /debug", s.DebugJSON)

	if s.Config == nil || !s.Config.MetricsEnabled {
		return mux
	}
	mux.Handle("GET /metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	return metricsMiddleware(mux)
}

// metricsMiddleware records request counts and latency labelled by the
// matched route pattern, so path parameters do not explode cardinality.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		path := r.Pattern
		if path == "" {
			path = "unmatched"
		}
		status := strconv.Itoa(rec.status)
		metrics.HTTPRequests.WithLabelValues(r.Method, path, status).Inc()
		metrics.HTTPDuration.WithLabelValues(r.Method, path, status).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }

// Hijack lets the websocket upgrader take over the connection.
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijack not supported")
	}
	s.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
