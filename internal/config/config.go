package config

import (
	"fmt"
	"log"
	"reflect"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/i474232898/avalanche-data-cache/internal/avalanche"
	"github.com/i474232898/avalanche-data-cache/internal/fetch"
	"github.com/i474232898/avalanche-data-cache/internal/query"
	"github.com/i474232898/avalanche-data-cache/internal/store"
)

type AppConfig struct {
	// Upstream NAC API hosts.
	ProductionHost string `env:"NAC_HOST" envDefault:"https://api.avalanche.org"`
	StagingHost    string `env:"NAC_STAGING_HOST" envDefault:"https://staging-api.avalanche.org"`
	UseStaging     bool   `env:"USE_STAGING" envDefault:"false"`

	// AvalancheCenter is the center whose forecasts are prefetched.
	AvalancheCenter string `env:"AVALANCHE_CENTER" envDefault:"NWAC"`

	// HTTPTimeout bounds a single upstream request; FetchTimeout bounds a
	// whole fetch including every part and retry.
	HTTPTimeout  time.Duration `env:"HTTP_TIMEOUT" envDefault:"10s"`
	FetchTimeout time.Duration `env:"FETCH_TIMEOUT" envDefault:"45s"`

	RetryMax         int           `env:"RETRY_MAX" envDefault:"3"`
	RetryInitial     time.Duration `env:"RETRY_INITIAL" envDefault:"500ms"`
	RetryMaxInterval time.Duration `env:"RETRY_MAX_INTERVAL" envDefault:"5s"`

	// Scheduler intervals.
	PrefetchInterval      time.Duration `env:"PREFETCH_INTERVAL" envDefault:"15m"`
	EvictionSweepInterval time.Duration `env:"EVICTION_SWEEP_INTERVAL" envDefault:"5m"`

	// Regional map layers merged over the broad one, and the centers each
	// replaces (REGION:CENTER pairs).
	OverrideRegions []string          `env:"MAP_LAYER_OVERRIDE_REGIONS" envDefault:"CBAC" envSeparator:","`
	Superseded      map[string]string `env:"MAP_LAYER_SUPERSEDED" envDefault:"CBAC:CAIC" envSeparator:"," envKeyValSeparator:":"`

	// Horizons per source family.
	MapLayerFreshness        time.Duration `env:"MAP_LAYER_FRESHNESS" envDefault:"24h"`
	MapLayerEviction         store.Horizon `env:"MAP_LAYER_EVICTION" envDefault:"never"`
	CenterFreshness          time.Duration `env:"AVALANCHE_CENTER_FRESHNESS" envDefault:"24h"`
	CenterEviction           store.Horizon `env:"AVALANCHE_CENTER_EVICTION" envDefault:"never"`
	ForecastFreshness        time.Duration `env:"FORECAST_FRESHNESS" envDefault:"5m"`
	ForecastEviction         store.Horizon `env:"FORECAST_EVICTION" envDefault:"1h"`
	ObservationsFreshness    time.Duration `env:"OBSERVATIONS_FRESHNESS" envDefault:"5m"`
	ObservationsEviction     store.Horizon `env:"OBSERVATIONS_EVICTION" envDefault:"1h"`
	WeatherStationsFreshness time.Duration `env:"WEATHER_STATIONS_FRESHNESS" envDefault:"1h"`
	WeatherStationsEviction  store.Horizon `env:"WEATHER_STATIONS_EVICTION" envDefault:"24h"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	Port     string `env:"PORT" envDefault:"8080"`
}

// Load reads configuration from the environment (and a .env file if present)
// with sensible defaults.
func Load() (*AppConfig, error) {
	if err := godotenv.Load(); err != nil {
		log.Printf("INFO: No .env file found or error loading it: %v", err)
	}
	return Parse(nil)
}

// Parse reads configuration from environ, or from the process environment
// when environ is nil.
func Parse(environ map[string]string) (*AppConfig, error) {
	cfg := &AppConfig{}
	opts := env.Options{
		Environment: environ,
		FuncMap: map[reflect.Type]env.ParserFunc{
			reflect.TypeOf(store.Horizon(0)): func(v string) (interface{}, error) {
				return store.ParseHorizon(v)
			},
		},
	}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *AppConfig) validate() error {
	if c.HTTPTimeout <= 0 {
		return fmt.Errorf("HTTP_TIMEOUT must be positive")
	}
	if c.FetchTimeout <= 0 {
		return fmt.Errorf("FETCH_TIMEOUT must be positive")
	}
	if c.RetryMax < 0 {
		return fmt.Errorf("RETRY_MAX must not be negative")
	}
	if c.RetryInitial <= 0 {
		return fmt.Errorf("RETRY_INITIAL must be positive")
	}
	if c.Host() == "" {
		return fmt.Errorf("no NAC host configured")
	}
	return nil
}

// Host returns the NAC host selected by UseStaging.
func (c *AppConfig) Host() string {
	if c.UseStaging {
		return strings.TrimRight(c.StagingHost, "/")
	}
	return strings.TrimRight(c.ProductionHost, "/")
}

// Hosts returns the upstream hosts clients may name: production and staging.
func (c *AppConfig) Hosts() []string {
	var hosts []string
	for _, h := range []string{c.ProductionHost, c.StagingHost} {
		if h = strings.TrimRight(h, "/"); h != "" {
			hosts = append(hosts, h)
		}
	}
	return hosts
}

// Backoff returns the retry settings for upstream requests.
func (c *AppConfig) Backoff() fetch.BackoffConfig {
	return fetch.BackoffConfig{
		MaxRetries:      c.RetryMax,
		InitialInterval: c.RetryInitial,
		MaxInterval:     c.RetryMaxInterval,
	}
}

// Policies returns the horizons of every source family.
func (c *AppConfig) Policies() map[query.Source]store.Policy {
	return map[query.Source]store.Policy{
		avalanche.SourceMapLayer:        {Freshness: c.MapLayerFreshness, Eviction: c.MapLayerEviction},
		avalanche.SourceAvalancheCenter: {Freshness: c.CenterFreshness, Eviction: c.CenterEviction},
		avalanche.SourceForecast:        {Freshness: c.ForecastFreshness, Eviction: c.ForecastEviction},
		avalanche.SourceObservations:    {Freshness: c.ObservationsFreshness, Eviction: c.ObservationsEviction},
		avalanche.SourceWeatherStations: {Freshness: c.WeatherStationsFreshness, Eviction: c.WeatherStationsEviction},
	}
}

// Supersedes returns the override-region replacement map for the map layer.
func (c *AppConfig) Supersedes() map[string][]string {
	out := make(map[string][]string, len(c.Superseded))
	for region, centers := range c.Superseded {
		for _, center := range strings.Split(centers, "|") {
			if center = strings.TrimSpace(center); center != "" {
				out[region] = append(out[region], center)
			}
		}
	}
	return out
}
