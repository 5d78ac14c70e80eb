// Package memory provides in-memory progress and blob stores, used in
// tests and local development.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/mangaleech/mangaleech/internal/leech"
)

// ProgressStore keeps the status ledger in process memory. Safe for
// concurrent use. State does not survive a restart.
type ProgressStore struct {
	mu    sync.RWMutex
	clock leech.Clock

	nextSourceID  int64
	nextSeriesID  int64
	nextChapterID int64
	nextImageID   int64

	sources  map[int64]leech.Source
	series   map[int64]leech.Series
	chapters map[int64]leech.Chapter
	images   map[int64]leech.Image
}

// NewProgressStore creates an empty store stamping completion times
// with clock.
func NewProgressStore(clock leech.Clock) *ProgressStore {
	return &ProgressStore{
		clock:    clock,
		sources:  make(map[int64]leech.Source),
		series:   make(map[int64]leech.Series),
		chapters: make(map[int64]leech.Chapter),
		images:   make(map[int64]leech.Image),
	}
}

var _ leech.ProgressStore = (*ProgressStore)(nil)

// UpsertSource creates or updates a source keyed by name.
func (s *ProgressStore) UpsertSource(_ context.Context, src leech.Source) (leech.Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, existing := range s.sources {
		if existing.Name == src.Name {
			existing.BaseURL = src.BaseURL
			existing.RateLimitPerMinute = src.RateLimitPerMinute
			s.sources[id] = existing
			return existing, nil
		}
	}

	s.nextSourceID++
	src.ID = s.nextSourceID
	s.sources[src.ID] = src
	return src, nil
}

// GetSource looks a source up by name.
func (s *ProgressStore) GetSource(_ context.Context, name string) (leech.Source, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, src := range s.sources {
		if src.Name == name {
			return src, nil
		}
	}
	return leech.Source{}, leech.ErrNotFound
}

// UpsertSeries creates or updates a series keyed by (source, target
// URL). Re-discovery refreshes title and description but preserves the
// stored lifecycle status.
func (s *ProgressStore) UpsertSeries(_ context.Context, in leech.Series) (leech.Series, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, existing := range s.series {
		if existing.SourceID == in.SourceID && existing.TargetURL == in.TargetURL {
			existing.Title = in.Title
			existing.Description = in.Description
			s.series[id] = existing
			return existing, nil
		}
	}

	s.nextSeriesID++
	in.ID = s.nextSeriesID
	if in.Status == "" {
		in.Status = leech.SeriesActive
	}
	s.series[in.ID] = in
	return in, nil
}

// ListActiveSeries returns ACTIVE series ordered by id, with the
// owning Source populated.
func (s *ProgressStore) ListActiveSeries(_ context.Context) ([]leech.Series, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []leech.Series
	for _, sr := range s.series {
		if sr.Status != leech.SeriesActive {
			continue
		}
		if src, ok := s.sources[sr.SourceID]; ok {
			cp := src
			sr.Source = &cp
		}
		out = append(out, sr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// UpdateSeriesStatus sets the lifecycle status for one series.
func (s *ProgressStore) UpdateSeriesStatus(_ context.Context, seriesID int64, status leech.SeriesStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sr, ok := s.series[seriesID]
	if !ok {
		return leech.ErrNotFound
	}
	sr.Status = status
	s.series[seriesID] = sr
	return nil
}

// UpsertChapter creates or resets a chapter keyed by (series, url).
// Re-observing an existing chapter resets it to PENDING and clears the
// completion timestamp; a republish invalidates prior completeness.
func (s *ProgressStore) UpsertChapter(_ context.Context, ch leech.Chapter) (leech.Chapter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, existing := range s.chapters {
		if existing.SeriesID == ch.SeriesID && existing.URL == ch.URL {
			existing.Number = ch.Number
			existing.Title = ch.Title
			existing.Status = leech.ChapterPending
			existing.DownloadedAt = nil
			s.chapters[id] = existing
			return existing, nil
		}
	}

	s.nextChapterID++
	ch.ID = s.nextChapterID
	ch.Status = leech.ChapterPending
	ch.DownloadedAt = nil
	s.chapters[ch.ID] = ch
	return ch, nil
}

// GetChapterByURL looks a chapter up by its natural key.
func (s *ProgressStore) GetChapterByURL(_ context.Context, seriesID int64, chapterURL string) (leech.Chapter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, ch := range s.chapters {
		if ch.SeriesID == seriesID && ch.URL == chapterURL {
			return ch, nil
		}
	}
	return leech.Chapter{}, leech.ErrNotFound
}

// ListChapters returns every chapter of a series ordered by id.
func (s *ProgressStore) ListChapters(_ context.Context, seriesID int64) ([]leech.Chapter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []leech.Chapter
	for _, ch := range s.chapters {
		if ch.SeriesID == seriesID {
			out = append(out, ch)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ListPendingChapters returns chapters in PENDING, PARTIAL or FAILED
// state for a series, ordered by id.
func (s *ProgressStore) ListPendingChapters(_ context.Context, seriesID int64) ([]leech.Chapter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []leech.Chapter
	for _, ch := range s.chapters {
		if ch.SeriesID != seriesID {
			continue
		}
		switch ch.Status {
		case leech.ChapterPending, leech.ChapterPartial, leech.ChapterFailed:
			out = append(out, ch)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// UpdateChapterStatus writes the download status and declared image
// count for one chapter. Transitioning to COMPLETED stamps the
// completion time.
func (s *ProgressStore) UpdateChapterStatus(_ context.Context, chapterID int64, status leech.ChapterStatus, imageCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.chapters[chapterID]
	if !ok {
		return leech.ErrNotFound
	}
	ch.Status = status
	if imageCount > 0 {
		ch.ImageCount = imageCount
	}
	if status == leech.ChapterCompleted {
		now := s.clock.Now()
		ch.DownloadedAt = &now
	}
	s.chapters[chapterID] = ch
	return nil
}

// UpsertImage creates or overwrites an image keyed by (chapter, order).
func (s *ProgressStore) UpsertImage(_ context.Context, img leech.Image) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, existing := range s.images {
		if existing.ChapterID == img.ChapterID && existing.Order == img.Order {
			img.ID = id
			s.images[id] = img
			return nil
		}
	}

	s.nextImageID++
	img.ID = s.nextImageID
	s.images[img.ID] = img
	return nil
}

// ListChapterImages returns a chapter's images ordered by page order.
func (s *ProgressStore) ListChapterImages(_ context.Context, chapterID int64) ([]leech.Image, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []leech.Image
	for _, img := range s.images {
		if img.ChapterID == chapterID {
			out = append(out, img)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out, nil
}

// DeleteChapterImages removes every image row for a chapter. Used only
// by the forced re-fetch surface.
func (s *ProgressStore) DeleteChapterImages(_ context.Context, chapterID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, img := range s.images {
		if img.ChapterID == chapterID {
			delete(s.images, id)
		}
	}
	return nil
}

// PruneChapterImages removes image rows beyond maxOrder, left behind
// when a republished chapter declares fewer pages.
func (s *ProgressStore) PruneChapterImages(_ context.Context, chapterID int64, maxOrder int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, img := range s.images {
		if img.ChapterID == chapterID && img.Order > maxOrder {
			delete(s.images, id)
		}
	}
	return nil
}

// ResetStuckDownloads moves chapters left in DOWNLOADING back to
// PENDING and returns how many were reset.
func (s *ProgressStore) ResetStuckDownloads(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, ch := range s.chapters {
		if ch.Status == leech.ChapterDownloading {
			ch.Status = leech.ChapterPending
			s.chapters[id] = ch
			n++
		}
	}
	return n, nil
}
