package leech

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// ErrNotFound is returned by store lookups when no row matches.
var ErrNotFound = errors.New("not found")

// Extractor translates source pages into structured chapter and page
// lists. Implementations are per-source and must return deduplicated,
// ordered results.
type Extractor interface {
	// ListChapters returns the chapter descriptors for a series page,
	// oldest first.
	ListChapters(ctx context.Context, seriesURL string) ([]ChapterRef, error)
	// ListPageURLs returns the page image URLs for a chapter, in
	// reading order, with ads/logos/placeholders already filtered out.
	ListPageURLs(ctx context.Context, chapterURL string) ([]string, error)
}

// HeaderProvider is an optional extractor capability: sources whose
// CDNs require specific request headers (Referer, etc.) on image
// downloads implement it.
type HeaderProvider interface {
	ImageHeaders() http.Header
}

// ProgressStore is the durable status ledger for sources, series,
// chapters and images. All writes are idempotent upserts by natural key.
type ProgressStore interface {
	UpsertSource(ctx context.Context, src Source) (Source, error)
	GetSource(ctx context.Context, name string) (Source, error)

	UpsertSeries(ctx context.Context, s Series) (Series, error)
	ListActiveSeries(ctx context.Context) ([]Series, error)
	UpdateSeriesStatus(ctx context.Context, seriesID int64, status SeriesStatus) error

	UpsertChapter(ctx context.Context, ch Chapter) (Chapter, error)
	GetChapterByURL(ctx context.Context, seriesID int64, chapterURL string) (Chapter, error)
	ListChapters(ctx context.Context, seriesID int64) ([]Chapter, error)
	ListPendingChapters(ctx context.Context, seriesID int64) ([]Chapter, error)
	UpdateChapterStatus(ctx context.Context, chapterID int64, status ChapterStatus, imageCount int) error

	UpsertImage(ctx context.Context, img Image) error
	ListChapterImages(ctx context.Context, chapterID int64) ([]Image, error)
	DeleteChapterImages(ctx context.Context, chapterID int64) error
	// PruneChapterImages deletes image rows with order greater than
	// maxOrder, removing rows stranded when a republished chapter
	// declares fewer pages than before.
	PruneChapterImages(ctx context.Context, chapterID int64, maxOrder int) error

	// ResetStuckDownloads moves chapters left in DOWNLOADING by a
	// crashed run back to PENDING and returns how many were reset.
	ResetStuckDownloads(ctx context.Context) (int, error)
}

// BlobStore writes normalized image bytes and returns a durable
// reference (relative path or public URL).
type BlobStore interface {
	Put(ctx context.Context, key string, contentType string, data []byte) (string, error)
}

// Publisher pushes chapter completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Normalizer transcodes arbitrary raster input into the canonical
// output encoding.
type Normalizer interface {
	Normalize(data []byte) (NormalizedImage, error)
}

// NormalizedImage is the result of a successful normalization.
type NormalizedImage struct {
	Data        []byte
	ContentType string
	Ext         string
}

// RateLimiter bounds the rate of chapter-start operations per source.
type RateLimiter interface {
	Wait(ctx context.Context, source string) error
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}
