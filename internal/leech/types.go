// Package leech defines core types shared across subsystems.
package leech

import (
	"time"
)

// SeriesStatus represents the lifecycle state of a tracked series.
type SeriesStatus string

// Series status values persisted in the progress store.
const (
	SeriesActive    SeriesStatus = "ACTIVE"
	SeriesCompleted SeriesStatus = "COMPLETED"
)

// ChapterStatus represents the download state of a chapter.
type ChapterStatus string

// Chapter status values persisted in the progress store.
const (
	ChapterPending     ChapterStatus = "PENDING"
	ChapterDownloading ChapterStatus = "DOWNLOADING"
	ChapterCompleted   ChapterStatus = "COMPLETED"
	ChapterPartial     ChapterStatus = "PARTIAL"
	ChapterFailed      ChapterStatus = "FAILED"
)

// ImageStatus represents the download state of a single page image.
type ImageStatus string

// Image status values persisted in the progress store.
const (
	ImagePending   ImageStatus = "PENDING"
	ImageCompleted ImageStatus = "COMPLETED"
)

// Source is an upstream content provider with its own extraction rules
// and rate budget. Name is the unique key.
type Source struct {
	ID                 int64  `json:"id"`
	Name               string `json:"name"`
	BaseURL            string `json:"base_url"`
	RateLimitPerMinute int    `json:"rate_limit_per_minute"`
}

// Series is one logical work tracked across runs. (SourceID, TargetURL)
// is the natural key; re-adding the same URL updates rather than duplicates.
type Series struct {
	ID          int64        `json:"id"`
	SourceID    int64        `json:"source_id"`
	Source      *Source      `json:"source,omitempty"`
	Title       string       `json:"title"`
	Description string       `json:"description,omitempty"`
	TargetURL   string       `json:"target_url"`
	Status      SeriesStatus `json:"status"`
}

// Chapter is one ordered unit within a series. (SeriesID, URL) is the
// natural key. Number is kept as text so fractional sub-releases
// ("10.5") survive round-trips; ordering casts it numerically.
type Chapter struct {
	ID           int64         `json:"id"`
	SeriesID     int64         `json:"series_id"`
	Number       string        `json:"number"`
	Title        string        `json:"title"`
	URL          string        `json:"url"`
	Status       ChapterStatus `json:"status"`
	ImageCount   int           `json:"image_count"`
	DownloadedAt *time.Time    `json:"downloaded_at,omitempty"`
}

// Image is one page at a fixed 1-based position within a chapter.
// (ChapterID, Order) is the natural key; re-fetching the same order
// overwrites, never duplicates.
type Image struct {
	ID        int64       `json:"id"`
	ChapterID int64       `json:"chapter_id"`
	URL       string      `json:"url"`
	Order     int         `json:"order"`
	Ref       string      `json:"ref,omitempty"`
	ByteSize  int64       `json:"byte_size,omitempty"`
	Status    ImageStatus `json:"status"`
}

// ChapterRef is one chapter descriptor as reported by an extractor,
// before it is reconciled against the progress store.
type ChapterRef struct {
	URL    string
	Number string
	Title  string
}

// SeriesOutcome captures the per-series result of one orchestrator pass.
type SeriesOutcome struct {
	SeriesID          int64
	Title             string
	ChaptersAttempted int
	ChaptersCompleted int
	ChaptersPartial   int
	ChaptersFailed    int
	Err               error
}

// Failed reports whether the series as a whole could not be processed
// (extraction error), as opposed to individual chapter failures.
func (o SeriesOutcome) Failed() bool {
	return o.Err != nil
}

// RunReport aggregates the outcome of one RunOnce invocation.
type RunReport struct {
	RunID      string
	StartedAt  time.Time
	FinishedAt time.Time
	Series     []SeriesOutcome
}

// ChapterEvent is published when a chapter reaches a terminal status.
type ChapterEvent struct {
	RunID      string        `json:"run_id"`
	Source     string        `json:"source"`
	Series     string        `json:"series"`
	Chapter    string        `json:"chapter"`
	ChapterURL string        `json:"chapter_url"`
	Status     ChapterStatus `json:"status"`
	ImageCount int           `json:"image_count"`
	Timestamp  string        `json:"timestamp"`
}
