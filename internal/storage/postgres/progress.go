// Package postgres provides the Postgres-backed progress store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mangaleech/mangaleech/internal/leech"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// pgxPool is the subset of pgxpool.Pool the store uses; pgxmock
// implements it for tests.
type pgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// ProgressStore implements the durable status ledger on Postgres.
type ProgressStore struct {
	pool pgxPool
}

var _ leech.ProgressStore = (*ProgressStore)(nil)

// New connects a pool and returns the store. Connection failure here
// aborts the run before any work is attempted.
func New(ctx context.Context, cfg Config) (*ProgressStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &ProgressStore{pool: pool}, nil
}

// NewWithPool constructs a store from an existing pool (primarily for
// testing).
func NewWithPool(pool pgxPool) (*ProgressStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &ProgressStore{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *ProgressStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// UpsertSource creates or updates a source keyed by name.
func (s *ProgressStore) UpsertSource(ctx context.Context, src leech.Source) (leech.Source, error) {
	query := `
		INSERT INTO sources (name, base_url, rate_limit_per_minute)
		VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE
		SET base_url = EXCLUDED.base_url,
		    rate_limit_per_minute = EXCLUDED.rate_limit_per_minute
		RETURNING id;
	`
	err := s.pool.QueryRow(ctx, query, src.Name, src.BaseURL, src.RateLimitPerMinute).Scan(&src.ID)
	if err != nil {
		return leech.Source{}, fmt.Errorf("upsert source %s: %w", src.Name, err)
	}
	return src, nil
}

// GetSource looks a source up by name.
func (s *ProgressStore) GetSource(ctx context.Context, name string) (leech.Source, error) {
	query := `
		SELECT id, name, base_url, rate_limit_per_minute
		FROM sources
		WHERE name = $1;
	`
	var src leech.Source
	err := s.pool.QueryRow(ctx, query, name).Scan(&src.ID, &src.Name, &src.BaseURL, &src.RateLimitPerMinute)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return leech.Source{}, leech.ErrNotFound
		}
		return leech.Source{}, fmt.Errorf("get source %s: %w", name, err)
	}
	return src, nil
}

// UpsertSeries creates or updates a series keyed by (source_id,
// target_url). Re-discovery refreshes title and description but never
// touches the stored lifecycle status.
func (s *ProgressStore) UpsertSeries(ctx context.Context, in leech.Series) (leech.Series, error) {
	query := `
		INSERT INTO series (source_id, title, description, target_url, status)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (source_id, target_url) DO UPDATE
		SET title = EXCLUDED.title,
		    description = EXCLUDED.description
		RETURNING id, status;
	`
	status := in.Status
	if status == "" {
		status = leech.SeriesActive
	}
	err := s.pool.QueryRow(ctx, query, in.SourceID, in.Title, in.Description, in.TargetURL, status).
		Scan(&in.ID, &in.Status)
	if err != nil {
		return leech.Series{}, fmt.Errorf("upsert series %s: %w", in.TargetURL, err)
	}
	return in, nil
}

// ListActiveSeries returns ACTIVE series joined with their source.
func (s *ProgressStore) ListActiveSeries(ctx context.Context) ([]leech.Series, error) {
	query := `
		SELECT sr.id, sr.source_id, sr.title, COALESCE(sr.description, ''), sr.target_url, sr.status,
		       so.id, so.name, so.base_url, so.rate_limit_per_minute
		FROM series sr
		JOIN sources so ON so.id = sr.source_id
		WHERE sr.status = 'ACTIVE'
		ORDER BY sr.id;
	`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list active series: %w", err)
	}
	defer rows.Close()

	var out []leech.Series
	for rows.Next() {
		var sr leech.Series
		var src leech.Source
		err := rows.Scan(
			&sr.ID, &sr.SourceID, &sr.Title, &sr.Description, &sr.TargetURL, &sr.Status,
			&src.ID, &src.Name, &src.BaseURL, &src.RateLimitPerMinute,
		)
		if err != nil {
			return nil, fmt.Errorf("scan series row: %w", err)
		}
		sr.Source = &src
		out = append(out, sr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate series rows: %w", err)
	}
	return out, nil
}

// UpdateSeriesStatus sets the lifecycle status for one series.
func (s *ProgressStore) UpdateSeriesStatus(ctx context.Context, seriesID int64, status leech.SeriesStatus) error {
	tag, err := s.pool.Exec(ctx, `UPDATE series SET status = $1 WHERE id = $2;`, status, seriesID)
	if err != nil {
		return fmt.Errorf("update series %d status: %w", seriesID, err)
	}
	if tag.RowsAffected() == 0 {
		return leech.ErrNotFound
	}
	return nil
}

// UpsertChapter creates or resets a chapter keyed by (series_id,
// chapter_url). Re-observing an existing URL resets status to PENDING
// and clears downloaded_at.
func (s *ProgressStore) UpsertChapter(ctx context.Context, ch leech.Chapter) (leech.Chapter, error) {
	query := `
		INSERT INTO chapters (series_id, chapter_number, title, chapter_url, status)
		VALUES ($1, $2, $3, $4, 'PENDING')
		ON CONFLICT (series_id, chapter_url) DO UPDATE
		SET chapter_number = EXCLUDED.chapter_number,
		    title = EXCLUDED.title,
		    status = 'PENDING',
		    downloaded_at = NULL
		RETURNING id;
	`
	err := s.pool.QueryRow(ctx, query, ch.SeriesID, ch.Number, ch.Title, ch.URL).Scan(&ch.ID)
	if err != nil {
		return leech.Chapter{}, fmt.Errorf("upsert chapter %s: %w", ch.URL, err)
	}
	ch.Status = leech.ChapterPending
	ch.DownloadedAt = nil
	return ch, nil
}

// GetChapterByURL looks a chapter up by its natural key.
func (s *ProgressStore) GetChapterByURL(ctx context.Context, seriesID int64, chapterURL string) (leech.Chapter, error) {
	query := `
		SELECT id, series_id, chapter_number, COALESCE(title, ''), chapter_url, status,
		       COALESCE(image_count, 0), downloaded_at
		FROM chapters
		WHERE series_id = $1 AND chapter_url = $2;
	`
	var ch leech.Chapter
	err := s.pool.QueryRow(ctx, query, seriesID, chapterURL).Scan(
		&ch.ID, &ch.SeriesID, &ch.Number, &ch.Title, &ch.URL, &ch.Status,
		&ch.ImageCount, &ch.DownloadedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return leech.Chapter{}, leech.ErrNotFound
		}
		return leech.Chapter{}, fmt.Errorf("get chapter %s: %w", chapterURL, err)
	}
	return ch, nil
}

const chapterColumns = `
		SELECT id, series_id, chapter_number, COALESCE(title, ''), chapter_url, status,
		       COALESCE(image_count, 0), downloaded_at
		FROM chapters`

// ListChapters returns every chapter of a series, numerically ordered.
func (s *ProgressStore) ListChapters(ctx context.Context, seriesID int64) ([]leech.Chapter, error) {
	query := chapterColumns + `
		WHERE series_id = $1
		ORDER BY chapter_number::numeric, id;
	`
	return s.queryChapters(ctx, query, seriesID)
}

// ListPendingChapters returns a series' chapters in PENDING, PARTIAL
// or FAILED state, numerically ordered.
func (s *ProgressStore) ListPendingChapters(ctx context.Context, seriesID int64) ([]leech.Chapter, error) {
	query := chapterColumns + `
		WHERE series_id = $1 AND status IN ('PENDING', 'PARTIAL', 'FAILED')
		ORDER BY chapter_number::numeric, id;
	`
	return s.queryChapters(ctx, query, seriesID)
}

func (s *ProgressStore) queryChapters(ctx context.Context, query string, args ...any) ([]leech.Chapter, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list chapters: %w", err)
	}
	defer rows.Close()

	var out []leech.Chapter
	for rows.Next() {
		var ch leech.Chapter
		err := rows.Scan(
			&ch.ID, &ch.SeriesID, &ch.Number, &ch.Title, &ch.URL, &ch.Status,
			&ch.ImageCount, &ch.DownloadedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan chapter row: %w", err)
		}
		out = append(out, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chapter rows: %w", err)
	}
	return out, nil
}

// UpdateChapterStatus writes the download status and declared image
// count; the COMPLETED transition stamps downloaded_at.
func (s *ProgressStore) UpdateChapterStatus(ctx context.Context, chapterID int64, status leech.ChapterStatus, imageCount int) error {
	query := `
		UPDATE chapters
		SET status = $1,
		    image_count = CASE WHEN $2 > 0 THEN $2 ELSE image_count END,
		    downloaded_at = CASE WHEN $1 = 'COMPLETED' THEN NOW() ELSE downloaded_at END
		WHERE id = $3;
	`
	tag, err := s.pool.Exec(ctx, query, status, imageCount, chapterID)
	if err != nil {
		return fmt.Errorf("update chapter %d status: %w", chapterID, err)
	}
	if tag.RowsAffected() == 0 {
		return leech.ErrNotFound
	}
	return nil
}

// UpsertImage creates or overwrites an image keyed by (chapter_id,
// image_order).
func (s *ProgressStore) UpsertImage(ctx context.Context, img leech.Image) error {
	query := `
		INSERT INTO images (chapter_id, image_url, image_order, storage_ref, byte_size, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (chapter_id, image_order) DO UPDATE
		SET image_url = EXCLUDED.image_url,
		    storage_ref = EXCLUDED.storage_ref,
		    byte_size = EXCLUDED.byte_size,
		    status = EXCLUDED.status;
	`
	_, err := s.pool.Exec(ctx, query, img.ChapterID, img.URL, img.Order, img.Ref, img.ByteSize, img.Status)
	if err != nil {
		return fmt.Errorf("upsert image %d/%d: %w", img.ChapterID, img.Order, err)
	}
	return nil
}

// ListChapterImages returns a chapter's images ordered by page order.
func (s *ProgressStore) ListChapterImages(ctx context.Context, chapterID int64) ([]leech.Image, error) {
	query := `
		SELECT id, chapter_id, image_url, image_order, COALESCE(storage_ref, ''), COALESCE(byte_size, 0), status
		FROM images
		WHERE chapter_id = $1
		ORDER BY image_order;
	`
	rows, err := s.pool.Query(ctx, query, chapterID)
	if err != nil {
		return nil, fmt.Errorf("list chapter %d images: %w", chapterID, err)
	}
	defer rows.Close()

	var out []leech.Image
	for rows.Next() {
		var img leech.Image
		err := rows.Scan(&img.ID, &img.ChapterID, &img.URL, &img.Order, &img.Ref, &img.ByteSize, &img.Status)
		if err != nil {
			return nil, fmt.Errorf("scan image row: %w", err)
		}
		out = append(out, img)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate image rows: %w", err)
	}
	return out, nil
}

// DeleteChapterImages removes every image row for a chapter. Used only
// by the forced re-fetch surface.
func (s *ProgressStore) DeleteChapterImages(ctx context.Context, chapterID int64) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM images WHERE chapter_id = $1;`, chapterID)
	if err != nil {
		return fmt.Errorf("delete chapter %d images: %w", chapterID, err)
	}
	return nil
}

// PruneChapterImages removes image rows beyond maxOrder, left behind
// when a republished chapter declares fewer pages.
func (s *ProgressStore) PruneChapterImages(ctx context.Context, chapterID int64, maxOrder int) error {
	query := `DELETE FROM images WHERE chapter_id = $1 AND image_order > $2;`
	_, err := s.pool.Exec(ctx, query, chapterID, maxOrder)
	if err != nil {
		return fmt.Errorf("prune chapter %d images: %w", chapterID, err)
	}
	return nil
}

// ResetStuckDownloads moves chapters left in DOWNLOADING by a crashed
// run back to PENDING.
func (s *ProgressStore) ResetStuckDownloads(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, `UPDATE chapters SET status = 'PENDING' WHERE status = 'DOWNLOADING';`)
	if err != nil {
		return 0, fmt.Errorf("reset stuck downloads: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
