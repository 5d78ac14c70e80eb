// Package orchestrator implements the resumable fetch pipeline: it
// walks series, chapters and pages, decides what is missing against
// the progress store, and reconciles fetch outcomes into status
// transitions.
package orchestrator

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mangaleech/mangaleech/internal/extractor"
	"github.com/mangaleech/mangaleech/internal/leech"
	"github.com/mangaleech/mangaleech/internal/metrics"
)

// Fetcher performs one retried GET through the per-source client pool.
type Fetcher interface {
	Fetch(ctx context.Context, source, url string, headers http.Header) ([]byte, string, error)
}

// Config bounds the pipeline.
type Config struct {
	// ChapterConcurrency bounds simultaneously in-flight chapters.
	ChapterConcurrency int
	// ImageConcurrency bounds simultaneous page fetches within one chapter.
	ImageConcurrency int
	// RevalidateCompleted re-checks COMPLETED chapters whose stored
	// image count no longer matches the extractor's page count.
	RevalidateCompleted bool
	// Normalize transcodes fetched images to the canonical encoding;
	// when false, bytes are stored as fetched.
	Normalize bool
	// Topic receives chapter completion events.
	Topic string
}

// Orchestrator wires the pipeline's collaborators. All dependencies
// are injected; it holds no global state.
type Orchestrator struct {
	store      leech.ProgressStore
	blobs      leech.BlobStore
	registry   *extractor.Registry
	fetcher    Fetcher
	limiter    leech.RateLimiter
	normalizer leech.Normalizer
	publisher  leech.Publisher
	clock      leech.Clock
	logger     *zap.Logger
	cfg        Config
}

// New builds an Orchestrator.
func New(
	store leech.ProgressStore,
	blobs leech.BlobStore,
	registry *extractor.Registry,
	fetcher Fetcher,
	limiter leech.RateLimiter,
	normalizer leech.Normalizer,
	publisher leech.Publisher,
	clock leech.Clock,
	logger *zap.Logger,
	cfg Config,
) *Orchestrator {
	if cfg.ChapterConcurrency <= 0 {
		cfg.ChapterConcurrency = 2
	}
	if cfg.ImageConcurrency <= 0 {
		cfg.ImageConcurrency = 15
	}
	return &Orchestrator{
		store:      store,
		blobs:      blobs,
		registry:   registry,
		fetcher:    fetcher,
		limiter:    limiter,
		normalizer: normalizer,
		publisher:  publisher,
		clock:      clock,
		logger:     logger,
		cfg:        cfg,
	}
}

// RunOnce processes every ACTIVE series not already fully mirrored and
// returns a per-series report. Series failures are isolated; only a
// store failure at startup aborts the run.
func (o *Orchestrator) RunOnce(ctx context.Context) (leech.RunReport, error) {
	return o.run(ctx, false)
}

// RetryPending is the explicit retry pass: instead of diffing the
// upstream chapter list it selects stored chapters in PENDING, PARTIAL
// or FAILED state and reprocesses them.
func (o *Orchestrator) RetryPending(ctx context.Context) (leech.RunReport, error) {
	return o.run(ctx, true)
}

func (o *Orchestrator) run(ctx context.Context, retryPending bool) (leech.RunReport, error) {
	report := leech.RunReport{
		RunID:     uuid.NewString(),
		StartedAt: o.clock.Now(),
	}
	logger := o.logger.With(zap.String("run_id", report.RunID))

	reset, err := o.store.ResetStuckDownloads(ctx)
	if err != nil {
		return report, fmt.Errorf("reset stuck downloads: %w", err)
	}
	if reset > 0 {
		logger.Warn("reset chapters stuck in DOWNLOADING", zap.Int("count", reset))
	}

	series, err := o.store.ListActiveSeries(ctx)
	if err != nil {
		return report, fmt.Errorf("list active series: %w", err)
	}
	logger.Info("run started",
		zap.Int("active_series", len(series)),
		zap.Bool("retry_pending", retryPending),
	)

	for _, sr := range series {
		if ctx.Err() != nil {
			logger.Warn("run interrupted", zap.Error(ctx.Err()))
			break
		}
		outcome := o.processSeries(ctx, logger, report.RunID, sr, retryPending)
		if outcome.Failed() {
			logger.Error("series failed",
				zap.String("series", sr.Title),
				zap.Error(outcome.Err),
			)
		}
		report.Series = append(report.Series, outcome)
	}

	report.FinishedAt = o.clock.Now()
	logger.Info("run finished",
		zap.Int("series_processed", len(report.Series)),
		zap.Duration("elapsed", report.FinishedAt.Sub(report.StartedAt)),
	)
	return report, nil
}

// processSeries derives this series' fetch units and works them under
// the chapter gate. Any error here is scoped to the series.
func (o *Orchestrator) processSeries(
	ctx context.Context,
	logger *zap.Logger,
	runID string,
	sr leech.Series,
	retryPending bool,
) leech.SeriesOutcome {
	outcome := leech.SeriesOutcome{SeriesID: sr.ID, Title: sr.Title}

	if sr.Source == nil {
		outcome.Err = fmt.Errorf("series %d has no source", sr.ID)
		return outcome
	}
	source := *sr.Source

	ex, err := o.registry.Lookup(source.Name)
	if err != nil {
		outcome.Err = err
		return outcome
	}

	units, err := o.fetchUnits(ctx, logger, sr, source, ex, retryPending)
	if err != nil {
		outcome.Err = err
		return outcome
	}
	if units == nil {
		return outcome
	}
	outcome.ChaptersAttempted = len(units)

	// Chapter gate: at most ChapterConcurrency chapters in flight.
	// Failures are collected per chapter, never propagated as group
	// errors, so one chapter cannot cancel its siblings.
	results := make([]leech.ChapterStatus, len(units))
	var g errgroup.Group
	g.SetLimit(o.cfg.ChapterConcurrency)
	for i, unit := range units {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			results[i] = o.processChapter(ctx, logger, runID, sr, source, ex, unit)
			return nil
		})
	}
	_ = g.Wait()

	for _, status := range results {
		switch status {
		case leech.ChapterCompleted:
			outcome.ChaptersCompleted++
		case leech.ChapterPartial:
			outcome.ChaptersPartial++
		case leech.ChapterFailed:
			outcome.ChaptersFailed++
		}
	}
	return outcome
}

// fetchUnits returns the chapters to work this pass. A nil slice with
// nil error means the series is fully mirrored and was skipped.
func (o *Orchestrator) fetchUnits(
	ctx context.Context,
	logger *zap.Logger,
	sr leech.Series,
	source leech.Source,
	ex leech.Extractor,
	retryPending bool,
) ([]leech.Chapter, error) {
	if retryPending {
		pending, err := o.store.ListPendingChapters(ctx, sr.ID)
		if err != nil {
			return nil, fmt.Errorf("list pending chapters: %w", err)
		}
		if len(pending) == 0 {
			return nil, nil
		}
		return pending, nil
	}

	if err := o.limiter.Wait(ctx, source.Name); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}
	refs, err := ex.ListChapters(ctx, sr.TargetURL)
	if err != nil {
		return nil, fmt.Errorf("list chapters: %w", err)
	}

	stored, err := o.store.ListChapters(ctx, sr.ID)
	if err != nil {
		return nil, fmt.Errorf("list stored chapters: %w", err)
	}

	hasPending := false
	for _, ch := range stored {
		if ch.Status == leech.ChapterPending {
			hasPending = true
			break
		}
	}

	// Chapter-count short-circuit: a settled series costs one listing,
	// zero page derivations. PENDING rows (fresh or reset from a
	// crashed run) disable it; they must be worked this pass.
	if len(refs) == len(stored) && !hasPending && !o.cfg.RevalidateCompleted {
		logger.Debug("series fully mirrored",
			zap.String("series", sr.Title),
			zap.Int("chapters", len(refs)),
		)
		metrics.ObserveSeriesSkipped()
		return nil, nil
	}

	storedByURL := make(map[string]leech.Chapter, len(stored))
	for _, ch := range stored {
		storedByURL[ch.URL] = ch
	}

	var units []leech.Chapter
	for _, ref := range refs {
		existing, ok := storedByURL[ref.URL]
		if !ok {
			ch, err := o.store.UpsertChapter(ctx, leech.Chapter{
				SeriesID: sr.ID,
				Number:   ref.Number,
				Title:    ref.Title,
				URL:      ref.URL,
			})
			if err != nil {
				return nil, fmt.Errorf("upsert chapter: %w", err)
			}
			units = append(units, ch)
			continue
		}
		if existing.Status == leech.ChapterPending {
			units = append(units, existing)
			continue
		}
		if o.cfg.RevalidateCompleted && existing.Status == leech.ChapterCompleted {
			reset, err := o.revalidate(ctx, logger, source, ex, ref, existing)
			if err != nil {
				return nil, err
			}
			if reset != nil {
				units = append(units, *reset)
			}
		}
	}
	if len(units) == 0 {
		metrics.ObserveSeriesSkipped()
		return nil, nil
	}
	return units, nil
}

// revalidate re-derives the page count of a COMPLETED chapter and
// resets it to PENDING when the count drifted. Returns nil when the
// chapter is still intact.
func (o *Orchestrator) revalidate(
	ctx context.Context,
	logger *zap.Logger,
	source leech.Source,
	ex leech.Extractor,
	ref leech.ChapterRef,
	existing leech.Chapter,
) (*leech.Chapter, error) {
	if err := o.limiter.Wait(ctx, source.Name); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}
	pages, err := ex.ListPageURLs(ctx, existing.URL)
	if err != nil {
		// Leave the chapter untouched; it is still COMPLETED locally.
		logger.Warn("revalidation listing failed",
			zap.String("chapter", existing.URL),
			zap.Error(err),
		)
		return nil, nil
	}
	if len(pages) == existing.ImageCount {
		return nil, nil
	}

	logger.Info("completed chapter drifted upstream, resetting",
		zap.String("chapter", existing.URL),
		zap.Int("stored_count", existing.ImageCount),
		zap.Int("upstream_count", len(pages)),
	)
	ch, err := o.store.UpsertChapter(ctx, leech.Chapter{
		SeriesID: existing.SeriesID,
		Number:   ref.Number,
		Title:    ref.Title,
		URL:      existing.URL,
	})
	if err != nil {
		return nil, fmt.Errorf("reset drifted chapter: %w", err)
	}
	return &ch, nil
}
