package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mangaleech/mangaleech/internal/extractor"
	"github.com/mangaleech/mangaleech/internal/leech"
	pubmem "github.com/mangaleech/mangaleech/internal/publisher/memory"
	"github.com/mangaleech/mangaleech/internal/storage/memory"
)

type fixedClock struct{ at time.Time }

func (c fixedClock) Now() time.Time { return c.at }

type noopLimiter struct{}

func (noopLimiter) Wait(ctx context.Context, _ string) error { return ctx.Err() }

// fakeExtractor serves canned chapter and page lists and tracks how
// many page listings run at once.
type fakeExtractor struct {
	mu          sync.Mutex
	chapters    []leech.ChapterRef
	pages       map[string][]string
	chaptersErr error
	pageErr     map[string]error
	headers     http.Header

	listChapterCalls int
	listPageCalls    int
	inFlightPages    int
	maxInFlightPages int
}

func (f *fakeExtractor) ListChapters(_ context.Context, _ string) ([]leech.ChapterRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listChapterCalls++
	if f.chaptersErr != nil {
		return nil, f.chaptersErr
	}
	return f.chapters, nil
}

func (f *fakeExtractor) ListPageURLs(_ context.Context, chapterURL string) ([]string, error) {
	f.mu.Lock()
	f.listPageCalls++
	f.inFlightPages++
	if f.inFlightPages > f.maxInFlightPages {
		f.maxInFlightPages = f.inFlightPages
	}
	err := f.pageErr[chapterURL]
	pages := f.pages[chapterURL]
	f.mu.Unlock()

	time.Sleep(2 * time.Millisecond)

	f.mu.Lock()
	f.inFlightPages--
	f.mu.Unlock()

	if err != nil {
		return nil, err
	}
	return pages, nil
}

func (f *fakeExtractor) ImageHeaders() http.Header { return f.headers }

// fakeFetcher serves bytes per URL and instruments concurrency.
type fakeFetcher struct {
	mu          sync.Mutex
	failURLs    map[string]bool
	delays      map[string]time.Duration
	lastHeaders http.Header

	calls       int
	fetched     []string
	inFlight    int
	maxInFlight int
}

func (f *fakeFetcher) Fetch(_ context.Context, _ string, url string, headers http.Header) ([]byte, string, error) {
	f.mu.Lock()
	f.calls++
	f.fetched = append(f.fetched, url)
	f.lastHeaders = headers
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	delay := f.delays[url]
	fail := f.failURLs[url]
	f.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	} else {
		time.Sleep(time.Millisecond)
	}

	f.mu.Lock()
	f.inFlight--
	f.mu.Unlock()

	if fail {
		return nil, "", errors.New("forced fetch failure")
	}
	return []byte("bytes:" + url), "image/jpeg", nil
}

func (f *fakeFetcher) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type passthroughNormalizer struct{}

func (passthroughNormalizer) Normalize(data []byte) (leech.NormalizedImage, error) {
	return leech.NormalizedImage{Data: data, ContentType: "image/jpeg", Ext: "jpg"}, nil
}

type harness struct {
	store     *memory.ProgressStore
	blobs     *memory.BlobStore
	publisher *pubmem.Publisher
	ex        *fakeExtractor
	fetcher   *fakeFetcher
	orch      *Orchestrator
	series    leech.Series
}

func pageURLs(chapter string, n int) []string {
	urls := make([]string, n)
	for i := range urls {
		urls[i] = fmt.Sprintf("https://cdn.example.com/%s/%03d.jpg", chapter, i+1)
	}
	return urls
}

func newHarness(t *testing.T, ex *fakeExtractor, fetcher *fakeFetcher, cfg Config) *harness {
	t.Helper()

	clock := fixedClock{at: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := memory.NewProgressStore(clock)
	blobs := memory.NewBlobStore()
	pub := pubmem.New()

	reg := extractor.NewRegistry()
	reg.Register("testsource", ex)

	if cfg.Topic == "" {
		cfg.Topic = "chapter-events"
	}
	cfg.Normalize = true

	orch := New(store, blobs, reg, fetcher, noopLimiter{}, passthroughNormalizer{}, pub, clock, zap.NewNop(), cfg)

	ctx := context.Background()
	src, err := store.UpsertSource(ctx, leech.Source{Name: "testsource", BaseURL: "https://example.com"})
	require.NoError(t, err)
	series, err := store.UpsertSeries(ctx, leech.Series{
		SourceID: src.ID, Title: "Demo Series", TargetURL: "https://example.com/series/demo",
		Status: leech.SeriesActive,
	})
	require.NoError(t, err)

	return &harness{store: store, blobs: blobs, publisher: pub, ex: ex, fetcher: fetcher, orch: orch, series: series}
}

func TestRunOnce_FetchesNewChapters(t *testing.T) {
	t.Parallel()

	ex := &fakeExtractor{
		chapters: []leech.ChapterRef{
			{URL: "https://example.com/c1", Number: "1", Title: "Chapter 1"},
			{URL: "https://example.com/c2", Number: "2", Title: "Chapter 2"},
		},
		pages: map[string][]string{
			"https://example.com/c1": pageURLs("c1", 3),
			"https://example.com/c2": pageURLs("c2", 2),
		},
	}
	h := newHarness(t, ex, &fakeFetcher{}, Config{})

	report, err := h.orch.RunOnce(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, report.RunID)
	require.Len(t, report.Series, 1)
	require.Equal(t, 2, report.Series[0].ChaptersAttempted)
	require.Equal(t, 2, report.Series[0].ChaptersCompleted)

	ctx := context.Background()
	chapters, err := h.store.ListChapters(ctx, h.series.ID)
	require.NoError(t, err)
	require.Len(t, chapters, 2)
	for _, ch := range chapters {
		require.Equal(t, leech.ChapterCompleted, ch.Status)
		require.NotNil(t, ch.DownloadedAt)
	}

	require.Equal(t, 5, h.fetcher.fetchCount())
	require.Equal(t, 5, h.blobs.Len())
}

func TestRunOnce_SecondRunIsIdempotent(t *testing.T) {
	t.Parallel()

	ex := &fakeExtractor{
		chapters: []leech.ChapterRef{{URL: "https://example.com/c1", Number: "1"}},
		pages:    map[string][]string{"https://example.com/c1": pageURLs("c1", 4)},
	}
	h := newHarness(t, ex, &fakeFetcher{}, Config{})
	ctx := context.Background()

	_, err := h.orch.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 4, h.fetcher.fetchCount())

	// No new upstream content: the chapter-count short-circuit holds
	// and the second run performs zero network fetches.
	_, err = h.orch.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 4, h.fetcher.fetchCount())
	require.Equal(t, 2, h.ex.listChapterCalls)
	require.Equal(t, 1, h.ex.listPageCalls)
}

func TestRetryPending_ResumesMissingPagesOnly(t *testing.T) {
	t.Parallel()

	pages := pageURLs("c1", 5)
	ex := &fakeExtractor{
		chapters: []leech.ChapterRef{{URL: "https://example.com/c1", Number: "1"}},
		pages:    map[string][]string{"https://example.com/c1": pages},
	}
	h := newHarness(t, ex, &fakeFetcher{}, Config{})
	ctx := context.Background()

	ch, err := h.store.UpsertChapter(ctx, leech.Chapter{
		SeriesID: h.series.ID, Number: "1", URL: "https://example.com/c1",
	})
	require.NoError(t, err)
	for _, order := range []int{1, 3, 5} {
		require.NoError(t, h.store.UpsertImage(ctx, leech.Image{
			ChapterID: ch.ID, Order: order, URL: pages[order-1], Status: leech.ImageCompleted,
		}))
	}
	require.NoError(t, h.store.UpdateChapterStatus(ctx, ch.ID, leech.ChapterPartial, 5))

	report, err := h.orch.RetryPending(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Series[0].ChaptersCompleted)

	// Only the missing positions {2, 4} were fetched.
	require.ElementsMatch(t, []string{pages[1], pages[3]}, h.fetcher.fetched)

	got, err := h.store.GetChapterByURL(ctx, h.series.ID, ch.URL)
	require.NoError(t, err)
	require.Equal(t, leech.ChapterCompleted, got.Status)
	require.Equal(t, 5, got.ImageCount)
}

func TestRetryPending_ShrunkenPageCountCannotComplete(t *testing.T) {
	t.Parallel()

	// A PARTIAL chapter holds COMPLETED rows at orders 4 and 5 from
	// when upstream declared 5 pages. Upstream republishes with 3
	// pages and page 2 fails: the stale rows must not pad the tally
	// into COMPLETED while order 2 has no row.
	pages := pageURLs("c1", 3)
	ex := &fakeExtractor{
		chapters: []leech.ChapterRef{{URL: "https://example.com/c1", Number: "1"}},
		pages:    map[string][]string{"https://example.com/c1": pages},
	}
	fetcher := &fakeFetcher{failURLs: map[string]bool{pages[1]: true}}
	h := newHarness(t, ex, fetcher, Config{})
	ctx := context.Background()

	ch, err := h.store.UpsertChapter(ctx, leech.Chapter{
		SeriesID: h.series.ID, Number: "1", URL: "https://example.com/c1",
	})
	require.NoError(t, err)
	for _, order := range []int{4, 5} {
		require.NoError(t, h.store.UpsertImage(ctx, leech.Image{
			ChapterID: ch.ID, Order: order,
			URL:    fmt.Sprintf("https://cdn.example.com/old/%03d.jpg", order),
			Status: leech.ImageCompleted,
		}))
	}
	require.NoError(t, h.store.UpdateChapterStatus(ctx, ch.ID, leech.ChapterPartial, 5))

	report, err := h.orch.RetryPending(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Series[0].ChaptersPartial)

	got, err := h.store.GetChapterByURL(ctx, h.series.ID, ch.URL)
	require.NoError(t, err)
	require.Equal(t, leech.ChapterPartial, got.Status)
	require.Equal(t, 3, got.ImageCount)

	// The stale rows beyond the new count are pruned; only the two
	// pages that succeeded this pass remain.
	imgs, err := h.store.ListChapterImages(ctx, ch.ID)
	require.NoError(t, err)
	require.Len(t, imgs, 2)
	require.Equal(t, 1, imgs[0].Order)
	require.Equal(t, 3, imgs[1].Order)
}

func TestRunOnce_OrderAssignmentIsPositional(t *testing.T) {
	t.Parallel()

	pages := pageURLs("c1", 6)
	// Early pages finish last; order must still follow list position.
	delays := make(map[string]time.Duration, len(pages))
	for i, u := range pages {
		delays[u] = time.Duration(len(pages)-i) * 3 * time.Millisecond
	}
	ex := &fakeExtractor{
		chapters: []leech.ChapterRef{{URL: "https://example.com/c1", Number: "1"}},
		pages:    map[string][]string{"https://example.com/c1": pages},
	}
	h := newHarness(t, ex, &fakeFetcher{delays: delays}, Config{ImageConcurrency: 6})
	ctx := context.Background()

	_, err := h.orch.RunOnce(ctx)
	require.NoError(t, err)

	ch, err := h.store.GetChapterByURL(ctx, h.series.ID, "https://example.com/c1")
	require.NoError(t, err)
	imgs, err := h.store.ListChapterImages(ctx, ch.ID)
	require.NoError(t, err)
	require.Len(t, imgs, 6)
	for i, img := range imgs {
		require.Equal(t, i+1, img.Order)
		require.Equal(t, pages[i], img.URL)
		require.Equal(t, fmt.Sprintf("demo-series/chapter_1/%03d.jpg", i+1), img.Ref)
	}
}

func TestRunOnce_BoundedConcurrency(t *testing.T) {
	t.Parallel()

	chapters := make([]leech.ChapterRef, 6)
	pages := make(map[string][]string, len(chapters))
	for i := range chapters {
		url := fmt.Sprintf("https://example.com/c%d", i+1)
		chapters[i] = leech.ChapterRef{URL: url, Number: fmt.Sprint(i + 1)}
		pages[url] = pageURLs(fmt.Sprintf("c%d", i+1), 8)
	}
	ex := &fakeExtractor{chapters: chapters, pages: pages}
	fetcher := &fakeFetcher{}
	h := newHarness(t, ex, fetcher, Config{ChapterConcurrency: 2, ImageConcurrency: 3})

	_, err := h.orch.RunOnce(context.Background())
	require.NoError(t, err)

	// Chapter work is bounded by the outer gate, page fetches by
	// outer x inner.
	require.LessOrEqual(t, h.ex.maxInFlightPages, 2)
	require.LessOrEqual(t, fetcher.maxInFlight, 2*3)
	require.Equal(t, 6*8, fetcher.fetchCount())
}

func TestRunOnce_PartialFailureIsolation(t *testing.T) {
	t.Parallel()

	pages := pageURLs("c1", 5)
	ex := &fakeExtractor{
		chapters: []leech.ChapterRef{{URL: "https://example.com/c1", Number: "1"}},
		pages:    map[string][]string{"https://example.com/c1": pages},
	}
	fetcher := &fakeFetcher{failURLs: map[string]bool{pages[2]: true}}
	h := newHarness(t, ex, fetcher, Config{})
	ctx := context.Background()

	report, err := h.orch.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Series[0].ChaptersPartial)

	ch, err := h.store.GetChapterByURL(ctx, h.series.ID, "https://example.com/c1")
	require.NoError(t, err)
	require.Equal(t, leech.ChapterPartial, ch.Status)
	require.Equal(t, 5, ch.ImageCount)

	imgs, err := h.store.ListChapterImages(ctx, ch.ID)
	require.NoError(t, err)
	require.Len(t, imgs, 4)
	for _, img := range imgs {
		require.NotEqual(t, 3, img.Order)
		require.Equal(t, leech.ImageCompleted, img.Status)
	}
}

func TestRunOnce_EmptyPageListFailsChapter(t *testing.T) {
	t.Parallel()

	ex := &fakeExtractor{
		chapters: []leech.ChapterRef{{URL: "https://example.com/c1", Number: "1"}},
		pages:    map[string][]string{},
	}
	h := newHarness(t, ex, &fakeFetcher{}, Config{})
	ctx := context.Background()

	report, err := h.orch.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Series[0].ChaptersFailed)

	ch, err := h.store.GetChapterByURL(ctx, h.series.ID, "https://example.com/c1")
	require.NoError(t, err)
	require.Equal(t, leech.ChapterFailed, ch.Status)
	require.Zero(t, h.fetcher.fetchCount())
}

func TestRunOnce_SeriesExtractionFailureIsIsolated(t *testing.T) {
	t.Parallel()

	clock := fixedClock{at: time.Now().UTC()}
	store := memory.NewProgressStore(clock)
	blobs := memory.NewBlobStore()
	pub := pubmem.New()
	ctx := context.Background()

	broken := &fakeExtractor{chaptersErr: errors.New("markup changed")}
	healthy := &fakeExtractor{
		chapters: []leech.ChapterRef{{URL: "https://ok.example.com/c1", Number: "1"}},
		pages:    map[string][]string{"https://ok.example.com/c1": pageURLs("c1", 2)},
	}

	reg := extractor.NewRegistry()
	reg.Register("broken", broken)
	reg.Register("healthy", healthy)

	brokenSrc, err := store.UpsertSource(ctx, leech.Source{Name: "broken"})
	require.NoError(t, err)
	healthySrc, err := store.UpsertSource(ctx, leech.Source{Name: "healthy"})
	require.NoError(t, err)
	_, err = store.UpsertSeries(ctx, leech.Series{
		SourceID: brokenSrc.ID, Title: "Broken", TargetURL: "https://broken.example.com", Status: leech.SeriesActive,
	})
	require.NoError(t, err)
	_, err = store.UpsertSeries(ctx, leech.Series{
		SourceID: healthySrc.ID, Title: "Healthy", TargetURL: "https://ok.example.com", Status: leech.SeriesActive,
	})
	require.NoError(t, err)

	fetcher := &fakeFetcher{}
	orch := New(store, blobs, reg, fetcher, noopLimiter{}, passthroughNormalizer{}, pub, clock, zap.NewNop(),
		Config{Normalize: true, Topic: "chapter-events"})

	report, err := orch.RunOnce(ctx)
	require.NoError(t, err)
	require.Len(t, report.Series, 2)
	require.True(t, report.Series[0].Failed())
	require.False(t, report.Series[1].Failed())
	require.Equal(t, 1, report.Series[1].ChaptersCompleted)
}

func TestRetryPending_RecoversStuckDownload(t *testing.T) {
	t.Parallel()

	pages := pageURLs("c1", 2)
	ex := &fakeExtractor{
		chapters: []leech.ChapterRef{{URL: "https://example.com/c1", Number: "1"}},
		pages:    map[string][]string{"https://example.com/c1": pages},
	}
	h := newHarness(t, ex, &fakeFetcher{}, Config{})
	ctx := context.Background()

	// Simulate a crash mid-download.
	ch, err := h.store.UpsertChapter(ctx, leech.Chapter{
		SeriesID: h.series.ID, Number: "1", URL: "https://example.com/c1",
	})
	require.NoError(t, err)
	require.NoError(t, h.store.UpdateChapterStatus(ctx, ch.ID, leech.ChapterDownloading, 0))

	report, err := h.orch.RetryPending(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Series[0].ChaptersCompleted)

	got, err := h.store.GetChapterByURL(ctx, h.series.ID, ch.URL)
	require.NoError(t, err)
	require.Equal(t, leech.ChapterCompleted, got.Status)
}

func TestRunOnce_RecoversStuckDownload(t *testing.T) {
	t.Parallel()

	pages := pageURLs("c1", 3)
	ex := &fakeExtractor{
		chapters: []leech.ChapterRef{{URL: "https://example.com/c1", Number: "1"}},
		pages:    map[string][]string{"https://example.com/c1": pages},
	}
	h := newHarness(t, ex, &fakeFetcher{}, Config{})
	ctx := context.Background()

	// A chapter left in DOWNLOADING by a crashed run is reset to
	// PENDING at startup and worked like any other pending chapter,
	// even though the upstream chapter count matches the stored count.
	ch, err := h.store.UpsertChapter(ctx, leech.Chapter{
		SeriesID: h.series.ID, Number: "1", URL: "https://example.com/c1",
	})
	require.NoError(t, err)
	require.NoError(t, h.store.UpdateChapterStatus(ctx, ch.ID, leech.ChapterDownloading, 0))

	report, err := h.orch.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Series[0].ChaptersCompleted)

	got, err := h.store.GetChapterByURL(ctx, h.series.ID, ch.URL)
	require.NoError(t, err)
	require.Equal(t, leech.ChapterCompleted, got.Status)
	require.Equal(t, 3, h.fetcher.fetchCount())
}

func TestRunOnce_PublishesChapterEvents(t *testing.T) {
	t.Parallel()

	ex := &fakeExtractor{
		chapters: []leech.ChapterRef{{URL: "https://example.com/c1", Number: "1"}},
		pages:    map[string][]string{"https://example.com/c1": pageURLs("c1", 2)},
		headers:  http.Header{"Referer": {"https://example.com/"}},
	}
	h := newHarness(t, ex, &fakeFetcher{}, Config{})

	report, err := h.orch.RunOnce(context.Background())
	require.NoError(t, err)

	msgs := h.publisher.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "chapter-events", msgs[0].Topic)
	require.Contains(t, string(msgs[0].Data), report.RunID)
	require.Contains(t, string(msgs[0].Data), `"status":"COMPLETED"`)
	require.Contains(t, string(msgs[0].Data), `"image_count":2`)

	// Extractor-supplied headers travel with every image request.
	require.Equal(t, "https://example.com/", h.fetcher.lastHeaders.Get("Referer"))
}

func TestRunOnce_PublishFailureDoesNotFailChapter(t *testing.T) {
	t.Parallel()

	ex := &fakeExtractor{
		chapters: []leech.ChapterRef{{URL: "https://example.com/c1", Number: "1"}},
		pages:    map[string][]string{"https://example.com/c1": pageURLs("c1", 1)},
	}
	h := newHarness(t, ex, &fakeFetcher{}, Config{})
	h.publisher.Err = errors.New("broker down")

	report, err := h.orch.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Series[0].ChaptersCompleted)
}

func TestRunOnce_RevalidateCompletedResetsDriftedChapter(t *testing.T) {
	t.Parallel()

	pages := pageURLs("c1", 4)
	ex := &fakeExtractor{
		chapters: []leech.ChapterRef{{URL: "https://example.com/c1", Number: "1"}},
		pages:    map[string][]string{"https://example.com/c1": pages},
	}
	h := newHarness(t, ex, &fakeFetcher{}, Config{RevalidateCompleted: true})
	ctx := context.Background()

	// Completed previously with 3 pages; upstream now has 4.
	ch, err := h.store.UpsertChapter(ctx, leech.Chapter{
		SeriesID: h.series.ID, Number: "1", URL: "https://example.com/c1",
	})
	require.NoError(t, err)
	for i := 1; i <= 3; i++ {
		require.NoError(t, h.store.UpsertImage(ctx, leech.Image{
			ChapterID: ch.ID, Order: i, URL: pages[i-1], Status: leech.ImageCompleted,
		}))
	}
	require.NoError(t, h.store.UpdateChapterStatus(ctx, ch.ID, leech.ChapterCompleted, 3))

	report, err := h.orch.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Series[0].ChaptersCompleted)

	got, err := h.store.GetChapterByURL(ctx, h.series.ID, ch.URL)
	require.NoError(t, err)
	require.Equal(t, leech.ChapterCompleted, got.Status)
	require.Equal(t, 4, got.ImageCount)

	// Only the new page was fetched; the completed set survived reset.
	require.Equal(t, []string{pages[3]}, h.fetcher.fetched)
}

func TestSettleStatus(t *testing.T) {
	t.Parallel()

	require.Equal(t, leech.ChapterCompleted, settleStatus(5, 5))
	require.Equal(t, leech.ChapterPartial, settleStatus(3, 5))
	require.Equal(t, leech.ChapterFailed, settleStatus(0, 5))
}

func TestExtInference(t *testing.T) {
	t.Parallel()

	require.Equal(t, "png", extFromContentType("image/png"))
	require.Equal(t, "jpg", extFromContentType("image/jpeg; charset=binary"))
	require.Equal(t, "", extFromContentType("text/html"))

	require.Equal(t, "webp", extFromURL("https://cdn.example.com/p/004.webp?v=1"))
	require.Equal(t, "jpg", extFromURL("https://cdn.example.com/p/004.jpeg"))
	require.Equal(t, "", extFromURL("https://cdn.example.com/p/004"))
}

func TestImageKey(t *testing.T) {
	t.Parallel()

	require.Equal(t, "demo-series/chapter_10.5/007.jpg", imageKey("demo-series", "10.5", 7, "jpg"))
}
