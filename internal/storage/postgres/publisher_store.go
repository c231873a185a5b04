package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/veriweb/veriweb/internal/evidence"
)

// PublisherStore resolves publisher records and their ratings. This side
// of the schema is read-only from the service's perspective.
type PublisherStore struct {
	db DB
}

// NewPublisherStore creates a PublisherStore over the shared pool.
func NewPublisherStore(db DB) (*PublisherStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	return &PublisherStore{db: db}, nil
}

// PublisherByDomain looks up a publisher by exact domain match.
func (s *PublisherStore) PublisherByDomain(ctx context.Context, domain string) (evidence.Publisher, bool, error) {
	var pub evidence.Publisher
	err := s.db.QueryRow(ctx,
		`SELECT id, domain FROM publishers WHERE domain = $1`, domain,
	).Scan(&pub.ID, &pub.Domain)
	if errors.Is(err, pgx.ErrNoRows) {
		return evidence.Publisher{}, false, nil
	}
	if err != nil {
		return evidence.Publisher{}, false, fmt.Errorf("get publisher: %w", err)
	}
	return pub, true, nil
}

// RatingByPublisher looks up the rating row for a publisher.
func (s *PublisherStore) RatingByPublisher(ctx context.Context, publisherID int64) (evidence.PublisherRating, bool, error) {
	var rating evidence.PublisherRating
	err := s.db.QueryRow(ctx,
		`SELECT publisher_id, bias_score, veracity_score FROM publisher_ratings WHERE publisher_id = $1`,
		publisherID,
	).Scan(&rating.PublisherID, &rating.BiasScore, &rating.Veracity)
	if errors.Is(err, pgx.ErrNoRows) {
		return evidence.PublisherRating{}, false, nil
	}
	if err != nil {
		return evidence.PublisherRating{}, false, fmt.Errorf("get publisher rating: %w", err)
	}
	return rating, true, nil
}
