package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"CONFIG_FILE", "PORT", "DATABASE_URL", "DB_MIGRATE", "MIGRATIONS_DIR", "REDIS_URL", "NATS_URL",
		"ORS_API_KEY", "ORS_RPM", "BUS_CAPACITY", "CAMPUS_LAT", "CAMPUS_LNG", "AVERAGE_SPEED_KPH", "METRICS_ENABLED", "NOMINATIM_URL", "GEOCODE_COUNTRY"} {
		t.Setenv(k, "")
	}
	// keep a developer's .env out of the test
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Addr())
	assert.Equal(t, 5, cfg.BusCapacity)
	assert.Equal(t, DefaultCampusLat, cfg.Campus.Lat)
	assert.Equal(t, DefaultCampusLng, cfg.Campus.Lng)
	assert.Equal(t, 40, cfg.ORSRPM)
	assert.True(t, cfg.MetricsEnabled)
	assert.Empty(t, cfg.DatabaseURL)
	assert.Equal(t, "https://nominatim.openstreetmap.org", cfg.NominatimURL)
	assert.Equal(t, "in", cfg.GeocodeCountry)
}

func TestLoadFileThenEnv(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "bustrack.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: \"9090\"\nbus_capacity: 7\ncampus:\n  lat: 10.5\n  lng: 76.25\nmetrics_enabled: false\n"), 0o644))
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("BUS_CAPACITY", "8")
	t.Setenv("ORS_API_KEY", "k")
	t.Setenv("GEOCODE_COUNTRY", "lk")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Addr())
	assert.Equal(t, 8, cfg.BusCapacity, "environment overrides the file")
	assert.Equal(t, 10.5, cfg.Campus.Lat)
	assert.Equal(t, 76.25, cfg.Campus.Lng)
	assert.False(t, cfg.MetricsEnabled)
	assert.Equal(t, "k", cfg.ORSAPIKey)
	assert.Equal(t, "lk", cfg.GeocodeCountry)
}

func TestLoadDotEnv(t *testing.T) {
	clearEnv(t)
	os.Unsetenv("REDIS_URL")
	t.Cleanup(func() { os.Unsetenv("REDIS_URL") })
	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte("REDIS_URL=redis://localhost:6379/0\n"), 0o644))
	t.Setenv("ENV_FILE", path)
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "redis://localhost:6379/0", cfg.RedisURL)
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"BUS_CAPACITY": "0",
		"ORS_RPM":      "many",
		"CAMPUS_LAT":   "123",
		"DB_MIGRATE":   "sometimes",
	}
	for k, v := range cases {
		t.Run(k, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(k, v)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
