package opt

import (
    "context"
    "fmt"

    "bustrack/internal/geo"
    "bustrack/internal/model"
)

// TravelTimeProvider returns the driving time in seconds from origin to each
// destination, in destination order.
type TravelTimeProvider interface {
    Durations(ctx context.Context, origin model.GeoPoint, dests []model.GeoPoint) ([]float64, error)
}

// ProviderError reports a travel-time lookup that failed or returned unusable data.
type ProviderError struct {
    Provider string
    Status   int
    Err      error
}

func (e *ProviderError) Error() string {
    if e.Status != 0 {
        return fmt.Sprintf("%s: status %d: %v", e.Provider, e.Status, e.Err)
    }
    return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// HaversineEstimate approximates driving time from great-circle distance at a
// constant average speed. It is used when no routing API key is configured.
type HaversineEstimate struct {
    SpeedKph float64
}

func (h HaversineEstimate) Durations(ctx context.Context, origin model.GeoPoint, dests []model.GeoPoint) ([]float64, error) {
    if err := ctx.Err(); err != nil {
        return nil, &ProviderError{Provider: "haversine", Err: err}
    }
    speed := h.SpeedKph
    if speed <= 0 { speed = 30 }
    mps := speed * 1000 / 3600
    out := make([]float64, len(dests))
    for i, d := range dests {
        out[i] = geo.Distance(origin, d) / mps
    }
    return out, nil
}
