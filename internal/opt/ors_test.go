package opt

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bustrack/internal/model"
)

func newORS(t *testing.T, h http.HandlerFunc) *ORSMatrix {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	o := NewORSMatrix("test-key", 6000)
	o.URL = srv.URL
	return o
}

func TestORSMatrixRequestAndResponse(t *testing.T) {
	var got orsRequest
	o := newORS(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"durations":[[0,120.4,60.6]]}`))
	})
	dests := []model.GeoPoint{{Lat: 12.91, Lng: 77.51}, {Lat: 12.92, Lng: 77.52}}
	out, err := o.Durations(context.Background(), campus, dests)
	require.NoError(t, err)
	assert.Equal(t, []float64{120.4, 60.6}, out)

	require.Len(t, got.Locations, 3)
	assert.Equal(t, [2]float64{campus.Lng, campus.Lat}, got.Locations[0])
	assert.Equal(t, [2]float64{77.51, 12.91}, got.Locations[1])
	assert.Equal(t, []string{"duration"}, got.Metrics)
	assert.Equal(t, []string{"0"}, got.Sources)
}

func TestORSMatrixEmptyDestinationsSkipsCall(t *testing.T) {
	called := false
	o := newORS(t, func(w http.ResponseWriter, r *http.Request) { called = true })
	out, err := o.Durations(context.Background(), campus, nil)
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.False(t, called)
}

func TestORSMatrixFailures(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
	}{
		{"server error", http.StatusInternalServerError, `{"error":"boom"}`},
		{"quota", http.StatusTooManyRequests, `{"error":"rate limit"}`},
		{"bad json", http.StatusOK, `{"durations":`},
		{"short row", http.StatusOK, `{"durations":[[0,10]]}`},
		{"no matrix", http.StatusOK, `{}`},
		{"unroutable", http.StatusOK, `{"durations":[[0,10,null]]}`},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			o := newORS(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(c.status)
				_, _ = w.Write([]byte(c.body))
			})
			_, err := o.Durations(context.Background(), campus, []model.GeoPoint{{Lat: 1, Lng: 1}, {Lat: 2, Lng: 2}})
			var pe *ProviderError
			require.True(t, errors.As(err, &pe), "want ProviderError, got %v", err)
			if c.status != http.StatusOK {
				assert.Equal(t, c.status, pe.Status)
			}
		})
	}
}

func TestORSMatrixCancelledContext(t *testing.T) {
	o := newORS(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"durations":[[0,1]]}`))
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := o.Durations(ctx, campus, []model.GeoPoint{{Lat: 1, Lng: 1}})
	var pe *ProviderError
	assert.ErrorAs(t, err, &pe)
}
