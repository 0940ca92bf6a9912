package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/rs/zerolog"

	"github.com/i474232898/avalanche-data-cache/internal/avalanche"
	"github.com/i474232898/avalanche-data-cache/internal/catalog"
	"github.com/i474232898/avalanche-data-cache/internal/query"
	"github.com/i474232898/avalanche-data-cache/internal/store"
)

// Cache is the part of the store the scheduler drives.
type Cache interface {
	Read(ctx context.Context, q query.Query, opts store.ReadOptions) (store.View, error)
	Prefetch(q query.Query) error
	Sweep() int
}

// Config holds the scheduler settings.
type Config struct {
	Host             string
	CenterID         string
	PrefetchInterval time.Duration
	SweepInterval    time.Duration
	// Timeout bounds one prefetch run.
	Timeout time.Duration
}

// Scheduler keeps the active forecasts of one center warm and evicts expired
// cache entries.
type Scheduler struct {
	scheduler *gocron.Scheduler
	cache     Cache
	cfg       Config
	log       zerolog.Logger
	now       func() time.Time
}

// New creates a new Scheduler.
func New(cfg Config, cache Cache, log zerolog.Logger) *Scheduler {
	s := gocron.NewScheduler(time.UTC)
	s.SingletonModeAll()
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Minute
	}
	return &Scheduler{
		scheduler: s,
		cache:     cache,
		cfg:       cfg,
		log:       log.With().Str("component", "scheduler").Logger(),
		now:       time.Now,
	}
}

// Start schedules the prefetch and sweep jobs and starts the underlying
// scheduler. Both jobs run once immediately.
func (s *Scheduler) Start() error {
	if s.cfg.PrefetchInterval > 0 && s.cfg.CenterID != "" {
		_, err := s.scheduler.Every(s.cfg.PrefetchInterval).Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout)
			defer cancel()

			if _, err := s.PrefetchActiveForecasts(ctx); err != nil {
				s.log.Warn().Err(err).Msg("prefetch job failed")
			}
		})
		if err != nil {
			return err
		}
	} else {
		s.log.Info().Msg("no avalanche center configured; prefetch disabled")
	}

	if s.cfg.SweepInterval > 0 {
		_, err := s.scheduler.Every(s.cfg.SweepInterval).Do(func() {
			if n := s.cache.Sweep(); n > 0 {
				s.log.Debug().Int("evicted", n).Msg("evicted expired entries")
			}
		})
		if err != nil {
			return err
		}
	}

	s.scheduler.StartAsync()
	return nil
}

// Stop stops the scheduler and cancels any future jobs.
func (s *Scheduler) Stop() {
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
}

// PrefetchActiveForecasts warms the map layer, the center metadata and
// today's forecast for every active zone of the configured center. It returns
// the number of forecasts scheduled.
func (s *Scheduler) PrefetchActiveForecasts(ctx context.Context) (int, error) {
	start := s.now()
	host := s.cfg.Host

	mapLayer, err := query.New(avalanche.SourceMapLayer, map[string]any{catalog.ParamHost: host})
	if err != nil {
		return 0, err
	}
	if err := s.cache.Prefetch(mapLayer); err != nil {
		s.log.Warn().Err(err).Msg("map layer prefetch failed")
	}

	centerQuery, err := query.New(avalanche.SourceAvalancheCenter, map[string]any{
		catalog.ParamHost: host,
		"center_id":       s.cfg.CenterID,
	})
	if err != nil {
		return 0, err
	}
	view, err := s.cache.Read(ctx, centerQuery, store.ReadOptions{AllowStale: true})
	if err != nil {
		return 0, fmt.Errorf("read center %s: %w", s.cfg.CenterID, err)
	}
	center, ok := view.Value.(*avalanche.AvalancheCenter)
	if !ok {
		return 0, fmt.Errorf("unexpected center value %T", view.Value)
	}

	date := start.UTC().Format("2006-01-02")
	n := 0
	for _, zone := range center.ActiveZones() {
		q, err := query.New(avalanche.SourceForecast, map[string]any{
			catalog.ParamHost: host,
			"center_id":       s.cfg.CenterID,
			"zone_id":         zone.ID,
			"date":            date,
		})
		if err != nil {
			return n, err
		}
		if err := s.cache.Prefetch(q); err != nil {
			s.log.Warn().Err(err).Int64("zone_id", zone.ID).Msg("forecast prefetch failed")
			continue
		}
		n++
	}

	s.log.Info().
		Str("center_id", s.cfg.CenterID).
		Int("forecasts", n).
		Dur("duration", s.now().Sub(start)).
		Msg("prefetched active forecasts")
	return n, nil
}
