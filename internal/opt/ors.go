package opt

import (
    "bytes"
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "io"
    "net/http"
    "time"

    "golang.org/x/time/rate"

    "bustrack/internal/metrics"
    "bustrack/internal/model"
)

const DefaultORSURL = "https://api.openrouteservice.org/v2/matrix/driving-car"

// ORSMatrix queries the OpenRouteService matrix endpoint with the origin as the
// only source.
type ORSMatrix struct {
    URL     string
    APIKey  string
    HTTP    *http.Client
    Limiter *rate.Limiter
}

// NewORSMatrix builds a client limited to rpm requests per minute. The free ORS
// plan allows 40 matrix calls per minute.
func NewORSMatrix(apiKey string, rpm int) *ORSMatrix {
    if rpm <= 0 { rpm = 40 }
    return &ORSMatrix{
        URL:     DefaultORSURL,
        APIKey:  apiKey,
        HTTP:    &http.Client{Timeout: 10 * time.Second},
        Limiter: rate.NewLimiter(rate.Limit(float64(rpm)/60.0), 1),
    }
}

type orsRequest struct {
    Locations [][2]float64 `json:"locations"`
    Metrics   []string     `json:"metrics"`
    Sources   []string     `json:"sources"`
}

type orsResponse struct {
    Durations [][]*float64 `json:"durations"`
}

func (o *ORSMatrix) Durations(ctx context.Context, origin model.GeoPoint, dests []model.GeoPoint) ([]float64, error) {
    if len(dests) == 0 { return []float64{}, nil }
    start := time.Now()
    out, err := o.fetch(ctx, origin, dests)
    status := "ok"
    if err != nil { status = "error" }
    metrics.TravelTimeDuration.WithLabelValues("ors", status).Observe(time.Since(start).Seconds())
    return out, err
}

func (o *ORSMatrix) fetch(ctx context.Context, origin model.GeoPoint, dests []model.GeoPoint) ([]float64, error) {
    fail := func(status int, err error) error { return &ProviderError{Provider: "ors", Status: status, Err: err} }
    if o.Limiter != nil {
        if err := o.Limiter.Wait(ctx); err != nil { return nil, fail(0, err) }
    }
    // ORS wants [lng, lat]
    locs := make([][2]float64, 0, len(dests)+1)
    locs = append(locs, [2]float64{origin.Lng, origin.Lat})
    for _, d := range dests { locs = append(locs, [2]float64{d.Lng, d.Lat}) }
    body, err := json.Marshal(orsRequest{Locations: locs, Metrics: []string{"duration"}, Sources: []string{"0"}})
    if err != nil { return nil, fail(0, err) }

    url := o.URL
    if url == "" { url = DefaultORSURL }
    req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
    if err != nil { return nil, fail(0, err) }
    req.Header.Set("Content-Type", "application/json")
    req.Header.Set("Accept", "application/json")
    req.Header.Set("Authorization", o.APIKey)

    client := o.HTTP
    if client == nil { client = http.DefaultClient }
    resp, err := client.Do(req)
    if err != nil { return nil, fail(0, err) }
    defer resp.Body.Close()
    if resp.StatusCode < 200 || resp.StatusCode >= 300 {
        msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
        return nil, fail(resp.StatusCode, fmt.Errorf("unexpected response: %s", bytes.TrimSpace(msg)))
    }
    var out orsResponse
    if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
        return nil, fail(resp.StatusCode, fmt.Errorf("decode: %w", err))
    }
    if len(out.Durations) == 0 || len(out.Durations[0]) != len(dests)+1 {
        return nil, fail(resp.StatusCode, errors.New("duration matrix does not match request"))
    }
    row := out.Durations[0][1:]
    res := make([]float64, len(row))
    for i, v := range row {
        if v == nil {
            return nil, fail(resp.StatusCode, fmt.Errorf("no route to destination %d", i))
        }
        res[i] = *v
    }
    return res, nil
}
