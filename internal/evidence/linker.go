package evidence

import (
	"context"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/veriweb/veriweb/internal/metrics"
)

// LinkWriter is the storage seam for persisting reference-claim links.
// Implementations must invalidate affected score caches in the same
// transaction as the write.
type LinkWriter interface {
	InsertReferenceLink(ctx context.Context, link ReferenceClaimLink) (int64, error)
	InsertReferenceLinks(ctx context.Context, links []ReferenceClaimLink) ([]int64, error)
	UpdateReferenceLink(ctx context.Context, link ReferenceClaimLink) error
	DeleteReferenceLink(ctx context.Context, id int64) (int64, error)
	InsertClaimLink(ctx context.Context, link ClaimLink) (int64, error)
	DeleteClaimLink(ctx context.Context, id int64) (int64, error)
}

// Notifier publishes domain events after successful mutations.
type Notifier interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// ClaimLocker exposes the aggregator's per-claim critical section so link
// writes serialize against recomputes for the same claim. InvalidateClaim
// clears the claim's cached aggregates under that same lock; deletes use
// it because the affected claim is only known after the row is gone.
type ClaimLocker interface {
	LockClaim(claimID int64) func()
	InvalidateClaim(ctx context.Context, claimID int64) error
}

// LinkInput is an unnormalized link as supplied by a caller. Optional
// fields are pointers so "absent" is distinguishable from zero values.
type LinkInput struct {
	ClaimID            int64    `json:"claim_id"`
	ReferenceContentID int64    `json:"reference_content_id"`
	Stance             Stance   `json:"stance"`
	Score              *float64 `json:"score,omitempty"`
	Confidence         *float64 `json:"confidence,omitempty"`
	Rationale          *string  `json:"rationale,omitempty"`
	EvidenceText       *string  `json:"evidence_text,omitempty"`
	EvidenceStart      *int     `json:"evidence_start,omitempty"`
	EvidenceEnd        *int     `json:"evidence_end,omitempty"`
	CreatedByAI        *bool    `json:"created_by_ai,omitempty"`
	VerifiedByUser     *int64   `json:"verified_by_user,omitempty"`
}

// Linker validates, normalizes, and persists claim-evidence links.
type Linker struct {
	store    LinkWriter
	locker   ClaimLocker
	notifier Notifier
	logger   *zap.Logger
}

// NewLinker constructs a Linker. locker and notifier may be nil.
func NewLinker(store LinkWriter, locker ClaimLocker, notifier Notifier, logger *zap.Logger) *Linker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Linker{store: store, locker: locker, notifier: notifier, logger: logger}
}

// InsertLink persists one link. A row missing required fields is skipped:
// the caller gets (0, nil) and a warning is logged, so batch drivers can
// continue past bad rows. Storage failures are returned.
func (l *Linker) InsertLink(ctx context.Context, in LinkInput) (int64, error) {
	link, err := l.normalize(in)
	if err != nil {
		l.logger.Warn("skipping invalid link",
			zap.Int64("claim_id", in.ClaimID),
			zap.Int64("reference_content_id", in.ReferenceContentID),
			zap.Error(err),
		)
		return 0, nil
	}

	unlock := l.lockClaims([]int64{link.ClaimID})
	id, err := l.store.InsertReferenceLink(ctx, link)
	unlock()
	if err != nil {
		return 0, fmt.Errorf("insert link: %w", err)
	}
	metrics.ObserveLinkInsert("single", string(link.Stance))
	l.publishInvalidation(ctx, []int64{link.ClaimID})
	return id, nil
}

// InsertLinksBulk persists many links as one atomic batch. Invalid rows
// are skipped with a warning before the write; a storage failure is
// re-raised and no row of the batch survives.
func (l *Linker) InsertLinksBulk(ctx context.Context, inputs []LinkInput) ([]int64, error) {
	links := make([]ReferenceClaimLink, 0, len(inputs))
	for _, in := range inputs {
		link, err := l.normalize(in)
		if err != nil {
			l.logger.Warn("skipping invalid link in batch",
				zap.Int64("claim_id", in.ClaimID),
				zap.Int64("reference_content_id", in.ReferenceContentID),
				zap.Error(err),
			)
			continue
		}
		links = append(links, link)
	}
	if len(links) == 0 {
		return nil, nil
	}

	claimIDs := make([]int64, 0, len(links))
	seen := make(map[int64]struct{}, len(links))
	for _, link := range links {
		if _, ok := seen[link.ClaimID]; ok {
			continue
		}
		seen[link.ClaimID] = struct{}{}
		claimIDs = append(claimIDs, link.ClaimID)
	}

	unlock := l.lockClaims(claimIDs)
	ids, err := l.store.InsertReferenceLinks(ctx, links)
	unlock()
	if err != nil {
		return nil, fmt.Errorf("bulk insert links: %w", err)
	}
	for _, link := range links {
		metrics.ObserveLinkInsert("bulk", string(link.Stance))
	}
	l.publishInvalidation(ctx, claimIDs)
	return ids, nil
}

// UpdateLink rewrites an existing link in place. Unlike the insert path
// there is no forgiving mode: an invalid input is the caller's error.
func (l *Linker) UpdateLink(ctx context.Context, id int64, in LinkInput) error {
	link, err := l.normalize(in)
	if err != nil {
		return fmt.Errorf("update link %d: %w", id, err)
	}
	link.ID = id

	unlock := l.lockClaims([]int64{link.ClaimID})
	err = l.store.UpdateReferenceLink(ctx, link)
	unlock()
	if err != nil {
		return fmt.Errorf("update link: %w", err)
	}
	l.publishInvalidation(ctx, []int64{link.ClaimID})
	return nil
}

// DeleteLink removes a link. The claim is discovered from the deleted
// row, so the cache is cleared again under the claim lock afterwards in
// case a concurrent recompute wrote a value read from pre-delete state.
func (l *Linker) DeleteLink(ctx context.Context, id int64) error {
	claimID, err := l.store.DeleteReferenceLink(ctx, id)
	if err != nil {
		return fmt.Errorf("delete link: %w", err)
	}
	if err := l.reinvalidate(ctx, claimID); err != nil {
		return err
	}
	l.publishInvalidation(ctx, []int64{claimID})
	return nil
}

// LinkClaims records a claim-to-claim relation and invalidates the
// target claim's aggregates.
func (l *Linker) LinkClaims(ctx context.Context, link ClaimLink) (int64, error) {
	if link.SourceClaimID <= 0 || link.TargetClaimID <= 0 {
		return 0, fmt.Errorf("claim link requires source and target claim ids")
	}
	if link.Kind == "" {
		return 0, fmt.Errorf("claim link requires a kind")
	}

	unlock := l.lockClaims([]int64{link.TargetClaimID})
	id, err := l.store.InsertClaimLink(ctx, link)
	unlock()
	if err != nil {
		return 0, fmt.Errorf("insert claim link: %w", err)
	}
	l.publishInvalidation(ctx, []int64{link.TargetClaimID})
	return id, nil
}

// UnlinkClaims removes a claim-to-claim relation.
func (l *Linker) UnlinkClaims(ctx context.Context, id int64) error {
	targetID, err := l.store.DeleteClaimLink(ctx, id)
	if err != nil {
		return fmt.Errorf("delete claim link: %w", err)
	}
	if err := l.reinvalidate(ctx, targetID); err != nil {
		return err
	}
	l.publishInvalidation(ctx, []int64{targetID})
	return nil
}

func (l *Linker) reinvalidate(ctx context.Context, claimID int64) error {
	if l.locker == nil {
		return nil
	}
	if err := l.locker.InvalidateClaim(ctx, claimID); err != nil {
		return fmt.Errorf("invalidate claim %d: %w", claimID, err)
	}
	return nil
}

// lockClaims acquires the per-claim critical sections in ascending id
// order so concurrent bulk writers cannot deadlock.
func (l *Linker) lockClaims(claimIDs []int64) func() {
	if l.locker == nil {
		return func() {}
	}
	sorted := append([]int64(nil), claimIDs...)
	slices.Sort(sorted)
	unlocks := make([]func(), 0, len(sorted))
	for _, id := range sorted {
		unlocks = append(unlocks, l.locker.LockClaim(id))
	}
	return func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
}

func (l *Linker) normalize(in LinkInput) (ReferenceClaimLink, error) {
	link := ReferenceClaimLink{
		ClaimID:            in.ClaimID,
		ReferenceContentID: in.ReferenceContentID,
		Stance:             in.Stance,
		Score:              in.Score,
		Rationale:          in.Rationale,
		EvidenceText:       in.EvidenceText,
		EvidenceStart:      in.EvidenceStart,
		EvidenceEnd:        in.EvidenceEnd,
		CreatedByAI:        true,
		VerifiedByUser:     in.VerifiedByUser,
	}
	if in.Confidence != nil {
		link.Confidence = *in.Confidence
	}
	if in.CreatedByAI != nil {
		link.CreatedByAI = *in.CreatedByAI
	}
	if err := link.Validate(); err != nil {
		return ReferenceClaimLink{}, err
	}
	if link.Confidence < 0 || link.Confidence > 1 {
		return ReferenceClaimLink{}, fmt.Errorf("confidence %v out of range", link.Confidence)
	}
	if link.Score != nil && (*link.Score < 0 || *link.Score > 100) {
		return ReferenceClaimLink{}, fmt.Errorf("score %v out of range", *link.Score)
	}
	link.SupportLevel = SupportLevel(link.Stance, link.Confidence, link.Score)
	return link, nil
}

func (l *Linker) publishInvalidation(ctx context.Context, claimIDs []int64) {
	if l.notifier == nil {
		return
	}
	for _, claimID := range claimIDs {
		payload := map[string]any{"event": "score.invalidated", "claim_id": claimID}
		if _, err := l.notifier.Publish(ctx, "score-events", payload); err != nil {
			l.logger.Warn("publish invalidation event failed",
				zap.Int64("claim_id", claimID), zap.Error(err))
		}
	}
}
