package orchestrator

import (
	"context"
	"fmt"
	"net/http"
	"path"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mangaleech/mangaleech/internal/leech"
	"github.com/mangaleech/mangaleech/internal/metrics"
	"github.com/mangaleech/mangaleech/pkg/slug"
)

// processChapter drives one chapter through DOWNLOADING to a terminal
// status and returns that status. Every failure is absorbed here; the
// store carries the authoritative result.
func (o *Orchestrator) processChapter(
	ctx context.Context,
	logger *zap.Logger,
	runID string,
	sr leech.Series,
	source leech.Source,
	ex leech.Extractor,
	ch leech.Chapter,
) leech.ChapterStatus {
	clog := logger.With(
		zap.String("series", sr.Title),
		zap.String("chapter", ch.Number),
	)

	// Stop flag: a shutdown signal prevents new chapters from starting.
	if ctx.Err() != nil {
		return ch.Status
	}
	if err := o.limiter.Wait(ctx, source.Name); err != nil {
		clog.Warn("chapter admission canceled", zap.Error(err))
		return ch.Status
	}

	metrics.ChapterStarted()
	defer metrics.ChapterDone()

	if err := o.store.UpdateChapterStatus(ctx, ch.ID, leech.ChapterDownloading, 0); err != nil {
		clog.Error("mark downloading failed", zap.Error(err))
		return ch.Status
	}

	pages, err := ex.ListPageURLs(ctx, ch.URL)
	if err != nil || len(pages) == 0 {
		if err != nil {
			clog.Error("page listing failed", zap.Error(err))
		} else {
			clog.Error("page listing returned no images")
		}
		o.settleChapter(ctx, clog, runID, sr, source, ch, leech.ChapterFailed, 0)
		return leech.ChapterFailed
	}

	// A republish can shrink the page list; rows beyond the new count
	// are stale and must not feed the settle tally.
	if err := o.store.PruneChapterImages(ctx, ch.ID, len(pages)); err != nil {
		clog.Error("prune stale images failed", zap.Error(err))
		o.settleChapter(ctx, clog, runID, sr, source, ch, leech.ChapterFailed, len(pages))
		return leech.ChapterFailed
	}

	completed, err := o.completedOrders(ctx, ch.ID, len(pages))
	if err != nil {
		clog.Error("list stored images failed", zap.Error(err))
		o.settleChapter(ctx, clog, runID, sr, source, ch, leech.ChapterFailed, len(pages))
		return leech.ChapterFailed
	}

	headers := imageHeaders(ex)
	seriesSlug := slug.From(sr.Title)

	// Order is fixed by list position before any fetch is dispatched;
	// arrival order cannot reshuffle it.
	var successes atomic.Int64
	successes.Store(int64(len(completed)))

	// In-flight fetches run to completion on shutdown; only new tasks
	// observe the stop flag.
	fetchCtx := context.WithoutCancel(ctx)

	var g errgroup.Group
	g.SetLimit(o.cfg.ImageConcurrency)
	for i, pageURL := range pages {
		order := i + 1
		if completed[order] {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := o.fetchImage(fetchCtx, source, ch, seriesSlug, pageURL, order, headers); err != nil {
				clog.Warn("page failed",
					zap.Int("order", order),
					zap.String("url", pageURL),
					zap.Error(err),
				)
				metrics.ObserveImage(source.Name, "failed")
				return nil
			}
			successes.Add(1)
			metrics.ObserveImage(source.Name, "completed")
			return nil
		})
	}
	_ = g.Wait()

	status := settleStatus(int(successes.Load()), len(pages))
	o.settleChapter(ctx, clog, runID, sr, source, ch, status, len(pages))
	return status
}

// fetchImage downloads one page, normalizes it, writes it to the sink
// and records the COMPLETED image row.
func (o *Orchestrator) fetchImage(
	ctx context.Context,
	source leech.Source,
	ch leech.Chapter,
	seriesSlug string,
	pageURL string,
	order int,
	headers http.Header,
) error {
	metrics.ImageStarted()
	defer metrics.ImageDone()

	body, contentType, err := o.fetcher.Fetch(ctx, source.Name, pageURL, headers)
	if err != nil {
		return fmt.Errorf("fetch: %w", err)
	}

	img, err := o.normalize(body, contentType, pageURL)
	if err != nil {
		return fmt.Errorf("normalize: %w", err)
	}

	key := imageKey(seriesSlug, ch.Number, order, img.Ext)
	ref, err := o.blobs.Put(ctx, key, img.ContentType, img.Data)
	if err != nil {
		return fmt.Errorf("sink: %w", err)
	}

	err = o.store.UpsertImage(ctx, leech.Image{
		ChapterID: ch.ID,
		URL:       pageURL,
		Order:     order,
		Ref:       ref,
		ByteSize:  int64(len(img.Data)),
		Status:    leech.ImageCompleted,
	})
	if err != nil {
		return fmt.Errorf("record image: %w", err)
	}
	return nil
}

// normalize transcodes to the canonical encoding, or passes bytes
// through with an inferred extension when normalization is disabled.
func (o *Orchestrator) normalize(body []byte, contentType, pageURL string) (leech.NormalizedImage, error) {
	if o.cfg.Normalize && o.normalizer != nil {
		return o.normalizer.Normalize(body)
	}
	ext := extFromContentType(contentType)
	if ext == "" {
		ext = extFromURL(pageURL)
	}
	if ext == "" {
		ext = "jpg"
	}
	if contentType == "" {
		contentType = "image/" + ext
	}
	return leech.NormalizedImage{Data: body, ContentType: contentType, Ext: ext}, nil
}

// settleChapter writes the terminal status, logs the outcome marker
// and emits the completion event. Event failure is logged, never
// escalated.
func (o *Orchestrator) settleChapter(
	ctx context.Context,
	clog *zap.Logger,
	runID string,
	sr leech.Series,
	source leech.Source,
	ch leech.Chapter,
	status leech.ChapterStatus,
	imageCount int,
) {
	// The terminal status must land even when a shutdown signal is
	// already pending; a lost settle would strand the chapter in
	// DOWNLOADING until the next run's reset.
	ctx = context.WithoutCancel(ctx)
	if err := o.store.UpdateChapterStatus(ctx, ch.ID, status, imageCount); err != nil {
		clog.Error("settle chapter failed", zap.Error(err))
		return
	}
	metrics.ObserveChapter(string(status))

	switch status {
	case leech.ChapterCompleted:
		clog.Info("chapter completed", zap.Int("images", imageCount))
	case leech.ChapterPartial:
		clog.Warn("chapter partial", zap.Int("images", imageCount))
	default:
		clog.Error("chapter failed")
	}

	event := leech.ChapterEvent{
		RunID:      runID,
		Source:     source.Name,
		Series:     sr.Title,
		Chapter:    ch.Number,
		ChapterURL: ch.URL,
		Status:     status,
		ImageCount: imageCount,
		Timestamp:  o.clock.Now().Format("2006-01-02T15:04:05Z07:00"),
	}
	if _, err := o.publisher.Publish(ctx, o.cfg.Topic, event); err != nil {
		clog.Warn("publish chapter event failed", zap.Error(err))
	}
}

// completedOrders returns the COMPLETED orders within 1..pageCount.
// Orders beyond pageCount never count toward completion, so a chapter
// settles COMPLETED only when every current page has a row.
func (o *Orchestrator) completedOrders(ctx context.Context, chapterID int64, pageCount int) (map[int]bool, error) {
	imgs, err := o.store.ListChapterImages(ctx, chapterID)
	if err != nil {
		return nil, err
	}
	done := make(map[int]bool, len(imgs))
	for _, img := range imgs {
		if img.Status == leech.ImageCompleted && img.Order >= 1 && img.Order <= pageCount {
			done[img.Order] = true
		}
	}
	return done, nil
}

func settleStatus(successes, declared int) leech.ChapterStatus {
	switch {
	case successes >= declared:
		return leech.ChapterCompleted
	case successes > 0:
		return leech.ChapterPartial
	default:
		return leech.ChapterFailed
	}
}

// imageKey builds the sink key shared by every blob store variant.
func imageKey(seriesSlug, chapterNumber string, order int, ext string) string {
	return fmt.Sprintf("%s/chapter_%s/%03d.%s", seriesSlug, chapterNumber, order, ext)
}

func imageHeaders(ex leech.Extractor) http.Header {
	if hp, ok := ex.(leech.HeaderProvider); ok {
		return hp.ImageHeaders()
	}
	return nil
}

var contentTypeExt = map[string]string{
	"image/jpeg": "jpg",
	"image/jpg":  "jpg",
	"image/png":  "png",
	"image/webp": "webp",
	"image/gif":  "gif",
}

func extFromContentType(contentType string) string {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.Index(ct, ";"); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	return contentTypeExt[ct]
}

func extFromURL(rawURL string) string {
	base := path.Base(rawURL)
	if i := strings.Index(base, "?"); i >= 0 {
		base = base[:i]
	}
	ext := strings.TrimPrefix(strings.ToLower(path.Ext(base)), ".")
	switch ext {
	case "jpg", "jpeg", "png", "webp", "gif":
		if ext == "jpeg" {
			return "jpg"
		}
		return ext
	}
	return ""
}
