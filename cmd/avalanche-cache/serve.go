package main

import (
	"context"
	"io"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/spf13/cobra"

	httpapi "github.com/i474232898/avalanche-data-cache/internal/api/http"
	"github.com/i474232898/avalanche-data-cache/internal/revalidate"
	"github.com/i474232898/avalanche-data-cache/internal/scheduler"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the cache behind the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), cmd.ErrOrStderr())
		},
	}
}

func serve(ctx context.Context, logOut io.Writer) error {
	st, err := newStack(logOut)
	if err != nil {
		return err
	}
	cfg, log := st.cfg, st.log

	trigger := revalidate.New(st.store, log)

	// Scheduler that keeps the configured center warm and sweeps evicted entries.
	sched := scheduler.New(scheduler.Config{
		Host:             cfg.Host(),
		CenterID:         cfg.AvalancheCenter,
		PrefetchInterval: cfg.PrefetchInterval,
		SweepInterval:    cfg.EvictionSweepInterval,
		Timeout:          cfg.FetchTimeout,
	}, st.store, log)
	if err := sched.Start(); err != nil {
		return err
	}
	defer sched.Stop()

	// Basic app configuration
	app := fiber.New(fiber.Config{
		AppName:               "avalanche-data-cache",
		DisableStartupMessage: true,
		ReadTimeout:           10 * time.Second,
		WriteTimeout:          cfg.FetchTimeout + 5*time.Second,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			// Centralized error response
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{
				"error":   true,
				"message": err.Error(),
			})
		},
	})

	// Global middleware
	app.Use(logger.New())
	app.Use(recover.New())

	app.Get("/health", func(c *fiber.Ctx) error {
		online, foreground := trigger.State()
		return c.JSON(fiber.Map{
			"status":     "ok",
			"service":    "avalanche-data-cache",
			"host":       cfg.Host(),
			"entries":    st.store.Len(),
			"online":     online,
			"foreground": foreground,
		})
	})

	httpapi.RegisterRoutes(app, httpapi.Deps{
		Catalog: st.catalog,
		Cache:   st.store,
		Signals: trigger,
		Host:    cfg.Host(),
		Hosts:   cfg.Hosts(),
	})

	go func() {
		log.Info().Str("port", cfg.Port).Str("host", cfg.Host()).Msg("listening")
		if err := app.Listen(":" + cfg.Port); err != nil {
			log.Error().Err(err).Msg("fiber server stopped")
		}
	}()

	// Wait for termination signal
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("error during shutdown")
	}
	return nil
}
