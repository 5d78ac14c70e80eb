package cmd

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mangaleech/mangaleech/internal/api"
	"github.com/mangaleech/mangaleech/internal/app"
	"github.com/mangaleech/mangaleech/internal/config"
	"github.com/mangaleech/mangaleech/internal/leech"
	"github.com/mangaleech/mangaleech/internal/logging"
)

// newAppFn builds the service container. Overridable in tests.
var newAppFn = app.NewApp

func newLeechCmd() *cobra.Command {
	var (
		retry    bool
		schedule time.Duration
	)

	cmd := &cobra.Command{
		Use:   "leech",
		Short: "Run the download pipeline.",
		Long: `Runs one full pass over every active series: discovers new chapters,
downloads and normalizes their pages, and records progress. With
--schedule the pass repeats at the given interval until interrupted;
with --retry only chapters in a non-completed state are reprocessed.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Development)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return runLeech(ctx, cfg, logger, retry, schedule)
		},
	}

	cmd.Flags().BoolVar(&retry, "retry", false,
		"reprocess pending, partial and failed chapters instead of discovering new ones")
	cmd.Flags().DurationVar(&schedule, "schedule", 0,
		"repeat the pass at this interval (0 runs once and exits)")
	return cmd
}

func runLeech(ctx context.Context, cfg config.Config, logger *zap.Logger, retry bool, schedule time.Duration) error {
	a, err := newAppFn(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.Bootstrap(ctx); err != nil {
		return err
	}

	if cfg.API.Enabled {
		srv := &http.Server{
			Addr:    cfg.API.Addr,
			Handler: api.NewServer(ctx, a.Orchestrator, a.Store, logger).Handler(),
		}
		go func() {
			logger.Info("admin server listening", zap.String("addr", cfg.API.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("admin server failed", zap.Error(err))
			}
		}()
		defer func() {
			shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutCtx); err != nil {
				logger.Warn("admin server shutdown failed", zap.Error(err))
			}
		}()
	}

	pass := func(ctx context.Context) (leech.RunReport, error) {
		if retry || cfg.Leech.RetryPending {
			return a.Orchestrator.RetryPending(ctx)
		}
		return a.Orchestrator.RunOnce(ctx)
	}

	if schedule <= 0 {
		report, err := pass(ctx)
		if err != nil {
			return err
		}
		logReport(logger, report)
		return nil
	}

	// Scheduled mode: a failed pass is logged, never fatal. The next
	// tick picks up where the store says it left off.
	ticker := time.NewTicker(schedule)
	defer ticker.Stop()
	for {
		report, err := pass(ctx)
		if err != nil {
			logger.Error("pass failed", zap.Error(err))
		} else {
			logReport(logger, report)
		}

		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			return nil
		case <-ticker.C:
		}
	}
}

func logReport(logger *zap.Logger, report leech.RunReport) {
	var completed, partial, failed, seriesErrs int
	for _, sr := range report.Series {
		completed += sr.ChaptersCompleted
		partial += sr.ChaptersPartial
		failed += sr.ChaptersFailed
		if sr.Failed() {
			seriesErrs++
		}
	}
	logger.Info("pass completed",
		zap.String("run_id", report.RunID),
		zap.Int("series", len(report.Series)),
		zap.Int("series_errors", seriesErrs),
		zap.Int("chapters_completed", completed),
		zap.Int("chapters_partial", partial),
		zap.Int("chapters_failed", failed),
		zap.Duration("duration", report.FinishedAt.Sub(report.StartedAt)),
	)
}
