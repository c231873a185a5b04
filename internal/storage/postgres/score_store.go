package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/veriweb/veriweb/internal/evidence"
)

// ScoreStore reads and writes the memoized claim/content aggregates.
// Rows here are cache entries, never source of truth: absence means
// "unevaluated" and the aggregator recomputes on demand.
type ScoreStore struct {
	db DB
}

// NewScoreStore creates a ScoreStore over the shared pool.
func NewScoreStore(db DB) (*ScoreStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	return &ScoreStore{db: db}, nil
}

// GetClaimScore fetches the cached aggregate for a claim.
func (s *ScoreStore) GetClaimScore(ctx context.Context, claimID int64) (evidence.ClaimScore, bool, error) {
	var score evidence.ClaimScore
	err := s.db.QueryRow(ctx, `
SELECT claim_id, support, preponderance, supports, refutes, related, computed_at
FROM claim_scores WHERE claim_id = $1`, claimID).Scan(
		&score.ClaimID,
		&score.Support,
		&score.Preponderance,
		&score.Supports,
		&score.Refutes,
		&score.Related,
		&score.ComputedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return evidence.ClaimScore{}, false, nil
	}
	if err != nil {
		return evidence.ClaimScore{}, false, fmt.Errorf("get claim score: %w", err)
	}
	return score, true, nil
}

// PutClaimScore writes a freshly computed claim aggregate.
func (s *ScoreStore) PutClaimScore(ctx context.Context, score evidence.ClaimScore) error {
	_, err := s.db.Exec(ctx, `
INSERT INTO claim_scores (claim_id, support, preponderance, supports, refutes, related, computed_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (claim_id) DO UPDATE SET
	support = EXCLUDED.support,
	preponderance = EXCLUDED.preponderance,
	supports = EXCLUDED.supports,
	refutes = EXCLUDED.refutes,
	related = EXCLUDED.related,
	computed_at = EXCLUDED.computed_at`,
		score.ClaimID,
		score.Support,
		score.Preponderance,
		score.Supports,
		score.Refutes,
		score.Related,
		score.ComputedAt,
	)
	if err != nil {
		return fmt.Errorf("put claim score: %w", err)
	}
	return nil
}

// DeleteClaimScore invalidates the cached aggregate for a claim.
func (s *ScoreStore) DeleteClaimScore(ctx context.Context, claimID int64) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM claim_scores WHERE claim_id = $1`, claimID); err != nil {
		return fmt.Errorf("delete claim score: %w", err)
	}
	return nil
}

// GetContentScore fetches the cached aggregate for a content item.
func (s *ScoreStore) GetContentScore(ctx context.Context, contentID int64) (evidence.ContentScore, bool, error) {
	var score evidence.ContentScore
	err := s.db.QueryRow(ctx, `
SELECT content_id, support, claims, computed_at
FROM content_scores WHERE content_id = $1`, contentID).Scan(
		&score.ContentID,
		&score.Support,
		&score.Claims,
		&score.ComputedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return evidence.ContentScore{}, false, nil
	}
	if err != nil {
		return evidence.ContentScore{}, false, fmt.Errorf("get content score: %w", err)
	}
	return score, true, nil
}

// PutContentScore writes a freshly computed content aggregate.
func (s *ScoreStore) PutContentScore(ctx context.Context, score evidence.ContentScore) error {
	_, err := s.db.Exec(ctx, `
INSERT INTO content_scores (content_id, support, claims, computed_at)
VALUES ($1,$2,$3,$4)
ON CONFLICT (content_id) DO UPDATE SET
	support = EXCLUDED.support,
	claims = EXCLUDED.claims,
	computed_at = EXCLUDED.computed_at`,
		score.ContentID,
		score.Support,
		score.Claims,
		score.ComputedAt,
	)
	if err != nil {
		return fmt.Errorf("put content score: %w", err)
	}
	return nil
}

// DeleteContentScore invalidates the cached aggregate for a content item.
func (s *ScoreStore) DeleteContentScore(ctx context.Context, contentID int64) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM content_scores WHERE content_id = $1`, contentID); err != nil {
		return fmt.Errorf("delete content score: %w", err)
	}
	return nil
}
