package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/veriweb/veriweb/internal/evidence"
)

// contributingContentSQL resolves every content id whose score cache is
// stale after a mutation of links targeting the given claim: the claim's
// owning content plus the owners of claims tied to it via claim links.
const contributingContentSQL = `
SELECT DISTINCT content_id FROM claims WHERE id = $1
   OR id IN (SELECT source_claim_id FROM claim_links WHERE target_claim_id = $1)
   OR id IN (SELECT target_claim_id FROM claim_links WHERE source_claim_id = $1)`

// LinkStore persists reference-claim and claim-claim links. Every mutation
// invalidates the affected score caches inside the same transaction, so a
// reader can never observe a cache row computed from pre-mutation state.
type LinkStore struct {
	db DB
}

// NewLinkStore creates a LinkStore over the shared pool.
func NewLinkStore(db DB) (*LinkStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	return &LinkStore{db: db}, nil
}

// InsertReferenceLink writes one link row and returns its assigned id.
func (s *LinkStore) InsertReferenceLink(ctx context.Context, link evidence.ReferenceClaimLink) (int64, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin insert link: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	var id int64
	err = tx.QueryRow(ctx, `
INSERT INTO reference_claim_links (
	claim_id,
	reference_content_id,
	stance,
	score,
	confidence,
	support_level,
	rationale,
	evidence_text,
	evidence_start,
	evidence_end,
	created_by_ai,
	verified_by_user
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
RETURNING id`,
		link.ClaimID,
		link.ReferenceContentID,
		string(link.Stance),
		link.Score,
		link.Confidence,
		link.SupportLevel,
		link.Rationale,
		link.EvidenceText,
		link.EvidenceStart,
		link.EvidenceEnd,
		link.CreatedByAI,
		link.VerifiedByUser,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert reference link: %w", err)
	}

	if err := invalidateClaim(ctx, tx, link.ClaimID); err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit insert link: %w", err)
	}
	return id, nil
}

// InsertReferenceLinks writes all rows in one transaction and returns the
// assigned ids in input order. Identifiers are requested back per row; no
// contiguous-assignment assumption is made. Any failure rolls back the
// whole batch.
func (s *LinkStore) InsertReferenceLinks(ctx context.Context, links []evidence.ReferenceClaimLink) ([]int64, error) {
	if len(links) == 0 {
		return nil, nil
	}
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin bulk insert: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	query, args := buildBulkInsert(links)
	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("bulk insert links: %w", err)
	}
	ids := make([]int64, 0, len(links))
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan inserted id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read inserted ids: %w", err)
	}
	if len(ids) != len(links) {
		return nil, fmt.Errorf("bulk insert returned %d ids for %d rows", len(ids), len(links))
	}

	for _, claimID := range distinctClaimIDs(links) {
		if err := invalidateClaim(ctx, tx, claimID); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit bulk insert: %w", err)
	}
	return ids, nil
}

// UpdateReferenceLink rewrites the mutable fields of one link.
func (s *LinkStore) UpdateReferenceLink(ctx context.Context, link evidence.ReferenceClaimLink) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin update link: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	// claim_id is immutable on a link; the stored value is returned so
	// a payload naming the wrong claim cannot clear the wrong cache.
	var claimID int64
	err = tx.QueryRow(ctx, `
UPDATE reference_claim_links SET
	stance = $2,
	score = $3,
	confidence = $4,
	support_level = $5,
	rationale = $6,
	evidence_text = $7,
	evidence_start = $8,
	evidence_end = $9,
	created_by_ai = $10,
	verified_by_user = $11
WHERE id = $1
RETURNING claim_id`,
		link.ID,
		string(link.Stance),
		link.Score,
		link.Confidence,
		link.SupportLevel,
		link.Rationale,
		link.EvidenceText,
		link.EvidenceStart,
		link.EvidenceEnd,
		link.CreatedByAI,
		link.VerifiedByUser,
	).Scan(&claimID)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("reference link %d not found", link.ID)
	}
	if err != nil {
		return fmt.Errorf("update reference link: %w", err)
	}
	if claimID != link.ClaimID {
		return fmt.Errorf("reference link %d belongs to claim %d, not %d",
			link.ID, claimID, link.ClaimID)
	}

	if err := invalidateClaim(ctx, tx, claimID); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit update link: %w", err)
	}
	return nil
}

// DeleteReferenceLink removes one link row and reports the claim it
// targeted so the caller can re-check the claim's aggregate.
func (s *LinkStore) DeleteReferenceLink(ctx context.Context, id int64) (int64, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin delete link: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	var claimID int64
	err = tx.QueryRow(ctx,
		`DELETE FROM reference_claim_links WHERE id = $1 RETURNING claim_id`, id,
	).Scan(&claimID)
	if err != nil {
		return 0, fmt.Errorf("delete reference link: %w", err)
	}

	if err := invalidateClaim(ctx, tx, claimID); err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit delete link: %w", err)
	}
	return claimID, nil
}

// InsertClaimLink writes a claim-to-claim link.
func (s *LinkStore) InsertClaimLink(ctx context.Context, link evidence.ClaimLink) (int64, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin insert claim link: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	var id int64
	err = tx.QueryRow(ctx, `
INSERT INTO claim_links (source_claim_id, target_claim_id, kind, support_level)
VALUES ($1,$2,$3,$4)
RETURNING id`,
		link.SourceClaimID, link.TargetClaimID, link.Kind, link.SupportLevel,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert claim link: %w", err)
	}

	if err := invalidateClaim(ctx, tx, link.TargetClaimID); err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit insert claim link: %w", err)
	}
	return id, nil
}

// DeleteClaimLink removes one claim-to-claim link and reports the
// target claim.
func (s *LinkStore) DeleteClaimLink(ctx context.Context, id int64) (int64, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin delete claim link: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	var targetID int64
	err = tx.QueryRow(ctx,
		`DELETE FROM claim_links WHERE id = $1 RETURNING target_claim_id`, id,
	).Scan(&targetID)
	if err != nil {
		return 0, fmt.Errorf("delete claim link: %w", err)
	}

	if err := invalidateClaim(ctx, tx, targetID); err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit delete claim link: %w", err)
	}
	return targetID, nil
}

// ListClaimEvidence returns every reference link targeting the claim,
// joined with the reference content's URL.
func (s *LinkStore) ListClaimEvidence(ctx context.Context, claimID int64) ([]evidence.ClaimEvidence, error) {
	rows, err := s.db.Query(ctx, `
SELECT l.id, l.claim_id, l.reference_content_id, l.stance, l.score,
       l.confidence, l.support_level, l.rationale, l.evidence_text,
       l.evidence_start, l.evidence_end, l.created_by_ai, l.verified_by_user,
       c.url
FROM reference_claim_links l
JOIN content c ON c.id = l.reference_content_id
WHERE l.claim_id = $1
ORDER BY l.id`, claimID)
	if err != nil {
		return nil, fmt.Errorf("list claim evidence: %w", err)
	}
	defer rows.Close()

	var out []evidence.ClaimEvidence
	for rows.Next() {
		var (
			ev     evidence.ClaimEvidence
			stance string
		)
		if err := rows.Scan(
			&ev.Link.ID,
			&ev.Link.ClaimID,
			&ev.Link.ReferenceContentID,
			&stance,
			&ev.Link.Score,
			&ev.Link.Confidence,
			&ev.Link.SupportLevel,
			&ev.Link.Rationale,
			&ev.Link.EvidenceText,
			&ev.Link.EvidenceStart,
			&ev.Link.EvidenceEnd,
			&ev.Link.CreatedByAI,
			&ev.Link.VerifiedByUser,
			&ev.ReferenceURL,
		); err != nil {
			return nil, fmt.Errorf("scan claim evidence: %w", err)
		}
		ev.Link.Stance = evidence.Stance(stance)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read claim evidence: %w", err)
	}
	return out, nil
}

// ContributingContentIDs resolves the content ids whose cached scores
// depend on the given claim's link graph.
func (s *LinkStore) ContributingContentIDs(ctx context.Context, claimID int64) ([]int64, error) {
	rows, err := s.db.Query(ctx, contributingContentSQL, claimID)
	if err != nil {
		return nil, fmt.Errorf("list contributing content: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan content id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read content ids: %w", err)
	}
	return ids, nil
}

func invalidateClaim(ctx context.Context, tx pgx.Tx, claimID int64) error {
	if _, err := tx.Exec(ctx, `DELETE FROM claim_scores WHERE claim_id = $1`, claimID); err != nil {
		return fmt.Errorf("invalidate claim score: %w", err)
	}
	query := fmt.Sprintf(`DELETE FROM content_scores WHERE content_id IN (%s)`, contributingContentSQL)
	if _, err := tx.Exec(ctx, query, claimID); err != nil {
		return fmt.Errorf("invalidate content scores: %w", err)
	}
	return nil
}

func buildBulkInsert(links []evidence.ReferenceClaimLink) (string, []any) {
	const cols = 12
	var sb strings.Builder
	sb.WriteString(`INSERT INTO reference_claim_links (
	claim_id, reference_content_id, stance, score, confidence, support_level,
	rationale, evidence_text, evidence_start, evidence_end, created_by_ai, verified_by_user
) VALUES `)
	args := make([]any, 0, len(links)*cols)
	for i, link := range links {
		if i > 0 {
			sb.WriteString(",")
		}
		base := i * cols
		sb.WriteString("(")
		for j := 1; j <= cols; j++ {
			if j > 1 {
				sb.WriteString(",")
			}
			fmt.Fprintf(&sb, "$%d", base+j)
		}
		sb.WriteString(")")
		args = append(args,
			link.ClaimID,
			link.ReferenceContentID,
			string(link.Stance),
			link.Score,
			link.Confidence,
			link.SupportLevel,
			link.Rationale,
			link.EvidenceText,
			link.EvidenceStart,
			link.EvidenceEnd,
			link.CreatedByAI,
			link.VerifiedByUser,
		)
	}
	sb.WriteString(" RETURNING id")
	return sb.String(), args
}

func distinctClaimIDs(links []evidence.ReferenceClaimLink) []int64 {
	seen := make(map[int64]struct{}, len(links))
	var out []int64
	for _, link := range links {
		if _, ok := seen[link.ClaimID]; ok {
			continue
		}
		seen[link.ClaimID] = struct{}{}
		out = append(out, link.ClaimID)
	}
	return out
}
