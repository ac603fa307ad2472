package opt

import (
    "bytes"
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "io"
    "net/http"
    "net/url"
    "strconv"
    "strings"
    "time"

    "golang.org/x/time/rate"

    "bustrack/internal/metrics"
    "bustrack/internal/model"
)

const (
    DefaultNominatimURL = "https://nominatim.openstreetmap.org"
    nominatimUserAgent  = "bustrack/1.0"
)

// ErrNoMatch is returned when the geocoder answered but found nothing.
var ErrNoMatch = errors.New("no geocoding match")

// Place is a forward geocoding hit.
type Place struct {
    Lat         float64 `json:"latitude"`
    Lng         float64 `json:"longitude"`
    DisplayName string  `json:"displayName"`
}

// Geocoder turns addresses into coordinates and back using Nominatim.
// Nominatim's usage policy allows one request per second.
type Geocoder struct {
    URL          string
    CountryCodes string
    UserAgent    string
    HTTP         *http.Client
    Limiter      *rate.Limiter
}

func NewGeocoder(baseURL, countryCodes string) *Geocoder {
    if baseURL == "" { baseURL = DefaultNominatimURL }
    return &Geocoder{
        URL:          strings.TrimRight(baseURL, "/"),
        CountryCodes: countryCodes,
        UserAgent:    nominatimUserAgent,
        HTTP:         &http.Client{Timeout: 5 * time.Second},
        Limiter:      rate.NewLimiter(rate.Every(time.Second), 1),
    }
}

type nominatimPlace struct {
    Lat         string `json:"lat"`
    Lon         string `json:"lon"`
    DisplayName string `json:"display_name"`
}

// Search returns the best match for a free-text address.
func (g *Geocoder) Search(ctx context.Context, q string) (Place, error) {
    params := url.Values{"format": {"json"}, "q": {q}, "limit": {"1"}}
    if g.CountryCodes != "" { params.Set("countrycodes", g.CountryCodes) }
    var hits []nominatimPlace
    if err := g.get(ctx, "search", params, &hits); err != nil { return Place{}, err }
    if len(hits) == 0 { return Place{}, ErrNoMatch }
    lat, err1 := strconv.ParseFloat(hits[0].Lat, 64)
    lng, err2 := strconv.ParseFloat(hits[0].Lon, 64)
    if err := errors.Join(err1, err2); err != nil {
        return Place{}, &ProviderError{Provider: "nominatim", Status: http.StatusOK, Err: fmt.Errorf("bad coordinates: %w", err)}
    }
    return Place{Lat: lat, Lng: lng, DisplayName: hits[0].DisplayName}, nil
}

// Reverse returns the display address nearest to p.
func (g *Geocoder) Reverse(ctx context.Context, p model.GeoPoint) (string, error) {
    params := url.Values{
        "format": {"json"},
        "lat":    {strconv.FormatFloat(p.Lat, 'f', -1, 64)},
        "lon":    {strconv.FormatFloat(p.Lng, 'f', -1, 64)},
        "zoom":   {"18"},
    }
    var place nominatimPlace
    if err := g.get(ctx, "reverse", params, &place); err != nil { return "", err }
    if place.DisplayName == "" { return "", ErrNoMatch }
    return place.DisplayName, nil
}

func (g *Geocoder) get(ctx context.Context, op string, params url.Values, out any) error {
    start := time.Now()
    err := g.fetch(ctx, op, params, out)
    status := "ok"
    switch {
    case errors.Is(err, ErrNoMatch):
        status = "empty"
    case err != nil:
        status = "error"
    }
    metrics.GeocodeDuration.WithLabelValues(op, status).Observe(time.Since(start).Seconds())
    return err
}

func (g *Geocoder) fetch(ctx context.Context, op string, params url.Values, out any) error {
    fail := func(status int, err error) error { return &ProviderError{Provider: "nominatim", Status: status, Err: err} }
    if g.Limiter != nil {
        if err := g.Limiter.Wait(ctx); err != nil { return fail(0, err) }
    }
    base := g.URL
    if base == "" { base = DefaultNominatimURL }
    req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/"+op+"?"+params.Encode(), nil)
    if err != nil { return fail(0, err) }
    // Nominatim rejects requests without an identifying agent
    ua := g.UserAgent
    if ua == "" { ua = nominatimUserAgent }
    req.Header.Set("User-Agent", ua)
    req.Header.Set("Accept", "application/json")

    client := g.HTTP
    if client == nil { client = http.DefaultClient }
    resp, err := client.Do(req)
    if err != nil { return fail(0, err) }
    defer resp.Body.Close()
    if resp.StatusCode < 200 || resp.StatusCode >= 300 {
        msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
        return fail(resp.StatusCode, fmt.Errorf("unexpected response: %s", bytes.TrimSpace(msg)))
    }
    if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
        return fail(resp.StatusCode, fmt.Errorf("decode: %w", err))
    }
    return nil
}
