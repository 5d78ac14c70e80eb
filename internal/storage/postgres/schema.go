package postgres

import (
	"context"
	"fmt"
)

// schema is the bootstrap DDL. Natural-key uniqueness lives in the
// database so concurrent upserts cannot duplicate rows.
const schema = `
CREATE TABLE IF NOT EXISTS sources (
	id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	base_url TEXT NOT NULL DEFAULT '',
	rate_limit_per_minute INT NOT NULL DEFAULT 20,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS series (
	id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
	source_id BIGINT NOT NULL REFERENCES sources(id),
	title TEXT NOT NULL,
	description TEXT,
	target_url TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'ACTIVE',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (source_id, target_url)
);

CREATE TABLE IF NOT EXISTS chapters (
	id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
	series_id BIGINT NOT NULL REFERENCES series(id),
	chapter_number TEXT NOT NULL,
	title TEXT,
	chapter_url TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'PENDING',
	image_count INT,
	downloaded_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (series_id, chapter_url)
);

CREATE TABLE IF NOT EXISTS images (
	id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
	chapter_id BIGINT NOT NULL REFERENCES chapters(id),
	image_url TEXT NOT NULL,
	image_order INT NOT NULL,
	storage_ref TEXT,
	byte_size BIGINT,
	status TEXT NOT NULL DEFAULT 'PENDING',
	UNIQUE (chapter_id, image_order)
);

CREATE INDEX IF NOT EXISTS idx_chapters_series_status ON chapters (series_id, status);
CREATE INDEX IF NOT EXISTS idx_images_chapter ON images (chapter_id);
`

// EnsureSchema creates the tables and indexes if they do not exist.
func (s *ProgressStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
