package api

import (
    "net/http"
    "time"

    "bustrack/internal/buildinfo"
)

// DebugJSON reports build info, non-secret config and the most recent optimizer run.
func (s *Server) DebugJSON(w http.ResponseWriter, r *http.Request) {
    info := map[string]any{
        "build": buildinfo.Info(),
        "time":  s.now().Format(time.RFC3339),
        "store": s.storeKind,
        "broker": s.brokerKind,
    }
    if c := s.Config; c != nil {
        info["config"] = map[string]any{
            "PORT": c.Port,
            "BUS_CAPACITY": c.BusCapacity,
            "CAMPUS": c.Campus,
            "ORS_RPM": c.ORSRPM,
            "AVERAGE_SPEED_KPH": c.SpeedKph,
            "METRICS_ENABLED": c.MetricsEnabled,
            "HAS_DATABASE_URL": c.DatabaseURL != "",
            "HAS_REDIS_URL": c.RedisURL != "",
            "HAS_NATS_URL": c.NATSURL != "",
            "HAS_ORS_API_KEY": c.ORSAPIKey != "",
        }
    }
    if rep, ok := s.Optimizer.LastReport(); ok {
        info["lastOptimize"] = rep
    }
    writeJSON(w, http.StatusOK, info)
}
