// Package daemon polls configured mailboxes periodically.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hickar/mailfetch/internal/app/config"
	"github.com/hickar/mailfetch/internal/app/metrics"
)

type Daemon struct {
	cfg       config.Config
	logger    *slog.Logger
	scheduler scheduler
	runner    taskRunner
}

type scheduler interface {
	ScheduleWithCtx(context.Context, schedulerSettings) error
	Stop()
}

type taskRunner interface {
	Run(ctx context.Context) error
}

func NewDaemon(
	cfg config.Config,
	scheduler scheduler,
	runner taskRunner,
	logger *slog.Logger,
) *Daemon {
	return &Daemon{
		cfg:       cfg,
		scheduler: scheduler,
		runner:    runner,
		logger:    logger,
	}
}

// Start launches scheduler, which utilizes built-in Ticker (https://pkg.go.dev/time#Ticker),
// and polls every configured account with graceful shutdown and high-level error handling.
// Failed polling passes are logged, the next pass runs on schedule.
func (r *Daemon) Start(ctx context.Context) error {
	errCh := make(chan error, 2)

	if r.cfg.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              r.cfg.MetricsAddr,
			Handler:           newRouter(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		go func() {
			r.logger.InfoContext(ctx, "serving metrics", slog.String("addr", r.cfg.MetricsAddr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	// Executes the TaskRunner job periodically with configurable mail polling interval.
	err := r.scheduler.ScheduleWithCtx(ctx, schedulerSettings{
		LaunchInitially: true,               // Execute the job immediately upon scheduling.
		Interval:        r.cfg.PollInterval, // Time interval between job executions.
		Callback: func() {
			tctx, cancel := context.WithTimeout(ctx, r.cfg.PollTaskTimeout)
			defer cancel()

			if err := r.runner.Run(tctx); err != nil {
				r.logger.ErrorContext(ctx, "polling task failed", slog.Any("error", err))
			}
		},
	})
	if err != nil {
		return fmt.Errorf("error occurred while launching the scheduler: %w", err)
	}
	defer r.scheduler.Stop()

	// Graceful termination and error handling
	select {
	// If the context is canceled (e.g., through external signal)
	// returning the context's error to indicate graceful termination.
	case <-ctx.Done():
		return ctx.Err()

	case err = <-errCh:
		return err
	}
}

func newRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return r
}
