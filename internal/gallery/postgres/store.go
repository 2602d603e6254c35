// Package postgres provides a PostgreSQL-backed [gallery.Store].
//
// The gallery lives in a single gallery_items table created by [Migrate].
// Ordering is by created_at, newest first.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/lumina/internal/gallery"
)

var _ gallery.Store = (*Store)(nil)

const ddlGalleryItems = `
CREATE TABLE IF NOT EXISTS gallery_items (
    id         TEXT         PRIMARY KEY,
    media_type TEXT         NOT NULL,
    url        TEXT         NOT NULL,
    prompt     TEXT         NOT NULL DEFAULT '',
    model      TEXT         NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_gallery_items_created_at
    ON gallery_items (created_at DESC);
`

// Migrate creates the gallery table if it does not exist.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlGalleryItems); err != nil {
		return fmt.Errorf("gallery postgres: migrate: %w", err)
	}
	return nil
}

// Store is a gallery backed by a [pgxpool.Pool]. All methods are safe for
// concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to dsn, verifies the connection and runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("gallery postgres: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("gallery postgres: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("gallery postgres: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool}, nil
}

// Append inserts item.
func (s *Store) Append(ctx context.Context, item gallery.Item) error {
	const q = `
		INSERT INTO gallery_items (id, media_type, url, prompt, model, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := s.pool.Exec(ctx, q,
		item.ID.String(),
		string(item.Type),
		item.URL,
		item.Prompt,
		item.Model,
		item.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("gallery postgres: append: %w", err)
	}
	return nil
}

// Remove deletes the item with the given id.
func (s *Store) Remove(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM gallery_items WHERE id = $1`, id.String())
	if err != nil {
		return fmt.Errorf("gallery postgres: remove: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return gallery.ErrNotFound
	}
	return nil
}

// Clear deletes every item.
func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM gallery_items`); err != nil {
		return fmt.Errorf("gallery postgres: clear: %w", err)
	}
	return nil
}

// List returns all items, newest first.
func (s *Store) List(ctx context.Context) ([]gallery.Item, error) {
	const q = `
		SELECT id, media_type, url, prompt, model, created_at
		FROM   gallery_items
		ORDER  BY created_at DESC, id`

	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("gallery postgres: list: %w", err)
	}
	items, err := pgx.CollectRows(rows, scanItem)
	if err != nil {
		return nil, fmt.Errorf("gallery postgres: list: %w", err)
	}
	return items, nil
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func scanItem(row pgx.CollectableRow) (gallery.Item, error) {
	var (
		it        gallery.Item
		id, media string
	)
	if err := row.Scan(&id, &media, &it.URL, &it.Prompt, &it.Model, &it.Timestamp); err != nil {
		return gallery.Item{}, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return gallery.Item{}, errors.Join(fmt.Errorf("bad id %q", id), err)
	}
	it.ID = parsed
	it.Type = gallery.MediaType(media)
	return it, nil
}
