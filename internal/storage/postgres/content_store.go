package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/veriweb/veriweb/internal/evidence"
)

// ContentStore persists fetched documents and their claims. Content rows
// are created on first successful fetch, updated on re-fetch, and never
// physically deleted.
type ContentStore struct {
	db DB
}

// NewContentStore creates a ContentStore over the shared pool.
func NewContentStore(db DB) (*ContentStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	return &ContentStore{db: db}, nil
}

// UpsertContent records a successful fetch, keyed on canonical URL.
func (s *ContentStore) UpsertContent(ctx context.Context, url string, source evidence.SourceType, fetchedAt time.Time) (int64, error) {
	var id int64
	err := s.db.QueryRow(ctx, `
INSERT INTO content (url, source_type, active, retracted, fetched_at)
VALUES ($1, $2, TRUE, FALSE, $3)
ON CONFLICT (url) DO UPDATE SET
	source_type = EXCLUDED.source_type,
	fetched_at = EXCLUDED.fetched_at
RETURNING id`, url, string(source), fetchedAt).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert content: %w", err)
	}
	return id, nil
}

// GetContent fetches one content row by id.
func (s *ContentStore) GetContent(ctx context.Context, id int64) (evidence.Content, bool, error) {
	var (
		c      evidence.Content
		source string
	)
	err := s.db.QueryRow(ctx, `
SELECT id, url, source_type, active, retracted, fetched_at
FROM content WHERE id = $1`, id).Scan(
		&c.ID, &c.URL, &source, &c.Active, &c.Retracted, &c.FetchedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return evidence.Content{}, false, nil
	}
	if err != nil {
		return evidence.Content{}, false, fmt.Errorf("get content: %w", err)
	}
	c.Source = evidence.SourceType(source)
	return c, true, nil
}

// SetContentFlags marks a content row inactive and/or retracted.
func (s *ContentStore) SetContentFlags(ctx context.Context, id int64, active, retracted bool) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE content SET active = $2, retracted = $3 WHERE id = $1`,
		id, active, retracted)
	if err != nil {
		return fmt.Errorf("set content flags: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("content %d not found", id)
	}
	return nil
}

// ClaimIDsByContent lists the claims extracted from a content item.
func (s *ContentStore) ClaimIDsByContent(ctx context.Context, contentID int64) ([]int64, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id FROM claims WHERE content_id = $1 ORDER BY id`, contentID)
	if err != nil {
		return nil, fmt.Errorf("list claims for content: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan claim id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read claim ids: %w", err)
	}
	return ids, nil
}
