package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Default campus: the college all routes drive to.
const (
	DefaultCampusLat = 12.9003207224315
	DefaultCampusLng = 77.49589092463299
)

type Campus struct {
	Lat float64 `yaml:"lat"`
	Lng float64 `yaml:"lng"`
}

type Config struct {
	Port           string  `yaml:"port"`
	DatabaseURL    string  `yaml:"database_url"`
	DBMigrate      bool    `yaml:"db_migrate"`
	MigrationsDir  string  `yaml:"migrations_dir"`
	RedisURL       string  `yaml:"redis_url"`
	NATSURL        string  `yaml:"nats_url"`
	ORSAPIKey      string  `yaml:"ors_api_key"`
	ORSRPM         int     `yaml:"ors_rpm"`
	NominatimURL   string  `yaml:"nominatim_url"`
	GeocodeCountry string  `yaml:"geocode_country"`
	BusCapacity    int     `yaml:"bus_capacity"`
	Campus         Campus  `yaml:"campus"`
	SpeedKph       float64 `yaml:"speed_kph"`
	MetricsEnabled bool    `yaml:"metrics_enabled"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Port:           "8080",
		MigrationsDir:  "db/migrations",
		ORSRPM:         40,
		NominatimURL:   "https://nominatim.openstreetmap.org",
		GeocodeCountry: "in",
		BusCapacity:    5,
		Campus:         Campus{Lat: DefaultCampusLat, Lng: DefaultCampusLng},
		SpeedKph:       30,
		MetricsEnabled: true,
	}
}

// Load reads .env or ENV_FILE (if present), then the YAML file named by CONFIG_FILE (if
// set), then environment variables. Later sources win.
func Load() (*Config, error) {
	// Load .env into environment (ignore if missing)
	_ = godotenv.Load(getenvDefault("ENV_FILE", ".env"))

	cfg := Default()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	c.Port = getenvDefault("PORT", c.Port)
	c.DatabaseURL = getenvDefault("DATABASE_URL", c.DatabaseURL)
	c.MigrationsDir = getenvDefault("MIGRATIONS_DIR", c.MigrationsDir)
	c.RedisURL = getenvDefault("REDIS_URL", c.RedisURL)
	c.NATSURL = getenvDefault("NATS_URL", c.NATSURL)
	c.ORSAPIKey = getenvDefault("ORS_API_KEY", c.ORSAPIKey)
	c.NominatimURL = getenvDefault("NOMINATIM_URL", c.NominatimURL)
	c.GeocodeCountry = getenvDefault("GEOCODE_COUNTRY", c.GeocodeCountry)

	var err error
	if c.DBMigrate, err = envBool("DB_MIGRATE", c.DBMigrate); err != nil {
		return err
	}
	if c.MetricsEnabled, err = envBool("METRICS_ENABLED", c.MetricsEnabled); err != nil {
		return err
	}
	if c.ORSRPM, err = envInt("ORS_RPM", c.ORSRPM); err != nil {
		return err
	}
	if c.BusCapacity, err = envInt("BUS_CAPACITY", c.BusCapacity); err != nil {
		return err
	}
	if c.Campus.Lat, err = envFloat("CAMPUS_LAT", c.Campus.Lat); err != nil {
		return err
	}
	if c.Campus.Lng, err = envFloat("CAMPUS_LNG", c.Campus.Lng); err != nil {
		return err
	}
	if c.SpeedKph, err = envFloat("AVERAGE_SPEED_KPH", c.SpeedKph); err != nil {
		return err
	}
	return nil
}

func (c *Config) validate() error {
	var errs []error
	if c.BusCapacity <= 0 {
		errs = append(errs, fmt.Errorf("bus capacity must be positive, got %d", c.BusCapacity))
	}
	if c.ORSRPM <= 0 {
		errs = append(errs, fmt.Errorf("ORS requests per minute must be positive, got %d", c.ORSRPM))
	}
	if c.Campus.Lat < -90 || c.Campus.Lat > 90 || c.Campus.Lng < -180 || c.Campus.Lng > 180 {
		errs = append(errs, fmt.Errorf("campus coordinates out of range: %v,%v", c.Campus.Lat, c.Campus.Lng))
	}
	if c.SpeedKph <= 0 {
		errs = append(errs, fmt.Errorf("average speed must be positive, got %v", c.SpeedKph))
	}
	return errors.Join(errs...)
}

// Addr is the listen address for the HTTP server.
func (c *Config) Addr() string {
	if strings.Contains(c.Port, ":") {
		return c.Port
	}
	return ":" + c.Port
}

func getenvDefault(k, def string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return def
}

func envBool(k string, def bool) (bool, error) {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def, fmt.Errorf("invalid %s: %q", k, v)
	}
	return b, nil
}

func envInt(k string, def int) (int, error) {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("invalid %s: %q", k, v)
	}
	return n, nil
}

func envFloat(k string, def float64) (float64, error) {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def, fmt.Errorf("invalid %s: %q", k, v)
	}
	return f, nil
}
