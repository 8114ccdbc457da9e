package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ContentEntry is one piece of content staged for inclusion in a digest.
// It backs the default aggregator wired by the CLI; applications with their
// own content model inject their own aggregator instead.
type ContentEntry struct {
	ID          int64
	Title       string
	URL         string
	PublishedAt time.Time
}

func (e ContentEntry) String() string {
	return fmt.Sprintf("%s (%s)", e.Title, e.URL)
}

type PostgresContentSource struct {
	db *sql.DB
}

func NewPostgresContentSource(db *sql.DB) *PostgresContentSource {
	return &PostgresContentSource{db: db}
}

// ListBetween returns entries published inside the inclusive window.
func (r *PostgresContentSource) ListBetween(ctx context.Context, from, to time.Time) ([]ContentEntry, error) {
	query := `SELECT id, title, url, published_at
               FROM content_entries
               WHERE published_at >= $1 AND published_at <= $2
               ORDER BY published_at`
	rows, err := r.db.QueryContext(ctx, query, from, to)
	if err != nil {
		return nil, fmt.Errorf("error querying content entries: %w", err)
	}
	defer rows.Close()

	entries := make([]ContentEntry, 0)
	for rows.Next() {
		e := ContentEntry{}
		if err := rows.Scan(&e.ID, &e.Title, &e.URL, &e.PublishedAt); err != nil {
			return nil, fmt.Errorf("error scanning content entry row: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating content entry rows: %w", err)
	}
	return entries, nil
}
