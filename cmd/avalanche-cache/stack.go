package main

import (
	"io"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/i474232898/avalanche-data-cache/internal/catalog"
	"github.com/i474232898/avalanche-data-cache/internal/config"
	"github.com/i474232898/avalanche-data-cache/internal/fetch"
	"github.com/i474232898/avalanche-data-cache/internal/schema"
	"github.com/i474232898/avalanche-data-cache/internal/store"
	"github.com/i474232898/avalanche-data-cache/internal/telemetry"
)

// stack is the data layer shared by every command.
type stack struct {
	cfg     *config.AppConfig
	log     zerolog.Logger
	catalog *catalog.Catalog
	store   *store.Store
}

// newLogger writes to w, which is stderr for every command so stdout carries
// only command output.
func newLogger(w io.Writer, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}

func newStack(logOut io.Writer) (*stack, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	log := newLogger(logOut, cfg.LogLevel)
	events := telemetry.NewLogger(log)

	cat := catalog.New(catalog.Options{
		Policies:        cfg.Policies(),
		OverrideRegions: cfg.OverrideRegions,
		Supersedes:      cfg.Supersedes(),
	})

	registry := schema.NewRegistry(events, log)
	cat.Register(registry)

	// Shared HTTP client for outbound upstream calls.
	httpClient := &http.Client{
		Timeout: cfg.HTTPTimeout,
	}
	orchestrator := fetch.NewOrchestrator(
		fetch.NewClient(httpClient, cfg.Backoff()),
		registry,
		cat.Merger(),
		fetch.WithTelemetry(events, events),
		fetch.WithLogger(log),
		fetch.WithTimeout(cfg.FetchTimeout),
	)

	return &stack{
		cfg:     cfg,
		log:     log,
		catalog: cat,
		store:   store.New(orchestrator, cat, store.WithLogger(log)),
	}, nil
}
