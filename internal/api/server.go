package api

import (
    "context"
    "log"
    "strings"
    "time"

    "bustrack/internal/broadcast"
    "bustrack/internal/config"
    "bustrack/internal/geofence"
    "bustrack/internal/model"
    "bustrack/internal/opt"
    "bustrack/internal/store"
)

type Server struct {
    Store     store.Store
    Optimizer *opt.Optimizer
    Notifier  *geofence.Notifier
    Geocoder  *opt.Geocoder
    Broker    broadcast.Broker
    Config    *config.Config

    storeKind  string
    brokerKind string
    closers    []func()
}

// NewServer wires the store, broker and travel-time provider from cfg. If
// DATABASE_URL is unset, uses in-memory store.
func NewServer(cfg *config.Config) (*Server, error) {
    if cfg == nil { cfg = config.Default() }
    s := &Server{Config: cfg}

    if strings.TrimSpace(cfg.DatabaseURL) == "" {
        s.Store, s.storeKind = store.NewMemory(), "memory"
    } else {
        sp, err := store.NewPostgres(cfg.DatabaseURL)
        if err != nil {
            return nil, err
        }
        if cfg.DBMigrate {
            if err := sp.MigrateDir(cfg.MigrationsDir); err != nil {
                _ = sp.Close()
                return nil, err
            }
        }
        s.Store, s.storeKind = sp, "postgres"
        s.closers = append(s.closers, func() { _ = sp.Close() })
    }

    // Broker selection: NATS, then Redis, then in-process
    switch {
    case cfg.NATSURL != "":
        nb, err := broadcast.NewNATSBroker(cfg.NATSURL)
        if err != nil {
            log.Printf("nats unavailable, using in-process broker: %v", err)
            s.Broker, s.brokerKind = broadcast.NewHub(), "memory"
        } else {
            s.Broker, s.brokerKind = nb, "nats"
            s.closers = append(s.closers, nb.Close)
        }
    case cfg.RedisURL != "":
        rb, err := broadcast.NewRedisBroker(cfg.RedisURL)
        if err != nil {
            log.Printf("redis unavailable, using in-process broker: %v", err)
            s.Broker, s.brokerKind = broadcast.NewHub(), "memory"
        } else {
            s.Broker, s.brokerKind = rb, "redis"
            s.closers = append(s.closers, func() { _ = rb.Close() })
        }
    default:
        s.Broker, s.brokerKind = broadcast.NewHub(), "memory"
    }

    var provider opt.TravelTimeProvider
    if cfg.ORSAPIKey != "" {
        provider = opt.NewORSMatrix(cfg.ORSAPIKey, cfg.ORSRPM)
    } else {
        log.Printf("ORS_API_KEY not set, estimating travel times at %.0f km/h", cfg.SpeedKph)
        provider = opt.HaversineEstimate{SpeedKph: cfg.SpeedKph}
    }
    campus := model.GeoPoint{Lat: cfg.Campus.Lat, Lng: cfg.Campus.Lng}
    s.Optimizer = opt.New(s.Store, provider, cfg.BusCapacity, campus)
    s.Notifier = geofence.NewNotifier(s.Store, s.Broker)
    s.Geocoder = opt.NewGeocoder(cfg.NominatimURL, cfg.GeocodeCountry)
    return s, nil
}

// Close releases database and broker connections.
func (s *Server) Close() {
    for i := len(s.closers) - 1; i >= 0; i-- { s.closers[i]() }
}

func (s *Server) now() time.Time { return time.Now().UTC() }

func (s *Server) ping(ctx context.Context) error {
    ctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
    defer cancel()
    return s.Store.Ping(ctx)
}
