// Package score maintains the derived claim/content aggregates: cached
// roll-ups that are invalidated on every link mutation and lazily
// recomputed on the next read, never served stale.
package score

import (
	"context"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/veriweb/veriweb/internal/evidence"
	"github.com/veriweb/veriweb/internal/metrics"
)

// ScoreCache is the storage seam for memoized aggregates.
type ScoreCache interface {
	GetClaimScore(ctx context.Context, claimID int64) (evidence.ClaimScore, bool, error)
	PutClaimScore(ctx context.Context, score evidence.ClaimScore) error
	DeleteClaimScore(ctx context.Context, claimID int64) error
	GetContentScore(ctx context.Context, contentID int64) (evidence.ContentScore, bool, error)
	PutContentScore(ctx context.Context, score evidence.ContentScore) error
	DeleteContentScore(ctx context.Context, contentID int64) error
}

// EvidenceSource supplies the links feeding a claim's aggregate.
type EvidenceSource interface {
	ListClaimEvidence(ctx context.Context, claimID int64) ([]evidence.ClaimEvidence, error)
	ContributingContentIDs(ctx context.Context, claimID int64) ([]int64, error)
}

// ContentSource resolves the claims owned by a content item.
type ContentSource interface {
	ClaimIDsByContent(ctx context.Context, contentID int64) ([]int64, error)
}

// TrustScorer yields a publisher trust signal for a reference URL.
// ok=false means "no signal": the link is weighted at its unweighted
// value, never at zero.
type TrustScorer interface {
	Score(ctx context.Context, rawURL string) (float64, bool)
}

// Notifier publishes score lifecycle events; may be nil.
type Notifier interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

const eventsTopic = "score-events"

// Aggregator computes and caches claim/content scores. Invalidate and
// recompute for one key never interleave: both run under a per-key lock,
// while distinct keys proceed fully in parallel.
type Aggregator struct {
	cache    ScoreCache
	links    EvidenceSource
	content  ContentSource
	trust    TrustScorer
	notifier Notifier
	logger   *zap.Logger
	locks    keyedMutex
	now      func() time.Time
}

// NewAggregator constructs an Aggregator. trust and notifier may be nil.
func NewAggregator(
	cache ScoreCache,
	links EvidenceSource,
	content ContentSource,
	trust TrustScorer,
	notifier Notifier,
	logger *zap.Logger,
) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{
		cache:    cache,
		links:    links,
		content:  content,
		trust:    trust,
		notifier: notifier,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// ClaimScore returns the aggregate for one claim, recomputing it if the
// cache row is absent. found is false for a claim with no links at all:
// absence means "unevaluated", which is distinct from "neutral".
func (a *Aggregator) ClaimScore(ctx context.Context, claimID int64) (evidence.ClaimScore, bool, error) {
	unlock := a.locks.lock(claimKey(claimID))
	defer unlock()

	return a.claimScoreLocked(ctx, claimID)
}

// claimScoreLocked serves or recomputes one claim aggregate. The caller
// must hold the claim's lock.
func (a *Aggregator) claimScoreLocked(ctx context.Context, claimID int64) (evidence.ClaimScore, bool, error) {
	cached, found, err := a.cache.GetClaimScore(ctx, claimID)
	if err != nil {
		return evidence.ClaimScore{}, false, err
	}
	if found {
		return cached, true, nil
	}
	return a.recomputeClaim(ctx, claimID)
}

// ContentScore returns the aggregate for one content item, recomputing
// claim scores underneath as needed.
func (a *Aggregator) ContentScore(ctx context.Context, contentID int64) (evidence.ContentScore, bool, error) {
	unlock := a.locks.lock(contentKey(contentID))
	defer unlock()

	cached, found, err := a.cache.GetContentScore(ctx, contentID)
	if err != nil {
		return evidence.ContentScore{}, false, err
	}
	if found {
		return cached, true, nil
	}
	return a.recomputeContent(ctx, contentID)
}

// LockClaim acquires the per-claim critical section. The link write path
// holds it across mutation plus invalidation so a concurrent recompute
// can neither read a partially-invalidated state nor write back a value
// computed from pre-mutation links.
func (a *Aggregator) LockClaim(claimID int64) func() {
	return a.locks.lock(claimKey(claimID))
}

// InvalidateClaim clears the cached aggregate for a claim and for every
// content item contributing claims into its link graph. It runs under
// the claim's lock so a concurrent recompute can never read a
// half-invalidated state.
func (a *Aggregator) InvalidateClaim(ctx context.Context, claimID int64) error {
	unlock := a.locks.lock(claimKey(claimID))
	defer unlock()

	if err := a.cache.DeleteClaimScore(ctx, claimID); err != nil {
		return fmt.Errorf("invalidate claim %d: %w", claimID, err)
	}
	metrics.ObserveInvalidation("claim")

	contentIDs, err := a.links.ContributingContentIDs(ctx, claimID)
	if err != nil {
		return fmt.Errorf("resolve contributing content for claim %d: %w", claimID, err)
	}
	for _, contentID := range contentIDs {
		if err := a.cache.DeleteContentScore(ctx, contentID); err != nil {
			return fmt.Errorf("invalidate content %d: %w", contentID, err)
		}
		metrics.ObserveInvalidation("content")
	}
	a.publish(ctx, "score.invalidated", map[string]any{"claim_id": claimID})
	return nil
}

func (a *Aggregator) recomputeClaim(ctx context.Context, claimID int64) (evidence.ClaimScore, bool, error) {
	start := time.Now()
	links, err := a.links.ListClaimEvidence(ctx, claimID)
	if err != nil {
		return evidence.ClaimScore{}, false, fmt.Errorf("load evidence for claim %d: %w", claimID, err)
	}
	if len(links) == 0 {
		// No row at all: unevaluated, not neutral.
		return evidence.ClaimScore{}, false, nil
	}

	score := a.computeClaim(ctx, claimID, links)
	if err := a.cache.PutClaimScore(ctx, score); err != nil {
		// Leave the aggregate absent rather than half-written; the next
		// read recomputes.
		return evidence.ClaimScore{}, false, fmt.Errorf("store claim score %d: %w", claimID, err)
	}
	metrics.ObserveRecompute("claim", time.Since(start))
	a.publish(ctx, "score.recomputed", map[string]any{"claim_id": claimID, "support": score.Support})
	return score, true, nil
}

func (a *Aggregator) computeClaim(ctx context.Context, claimID int64, links []evidence.ClaimEvidence) evidence.ClaimScore {
	var supports, refutes, related int
	var weightedSum, weightSum float64
	var plainSum float64
	var contributing int

	for _, ev := range links {
		switch ev.Link.Stance {
		case evidence.StanceSupports:
			supports++
		case evidence.StanceRefutes:
			refutes++
		default:
			related++
			continue
		}

		level := ev.Link.SupportLevel
		weight := a.trustWeight(ctx, ev.ReferenceURL)
		weightedSum += level * weight
		weightSum += weight
		plainSum += level
		contributing++
	}

	preponderance := 0.5
	if supports+refutes > 0 {
		preponderance = float64(supports) / float64(supports+refutes)
	}

	var support float64
	switch {
	case contributing == 0:
		support = 0
	case weightSum > 0:
		support = weightedSum / weightSum
	default:
		// Every contributing reference is fully distrusted; fall back to
		// the unweighted mean rather than dividing by zero.
		support = plainSum / float64(contributing)
	}

	return evidence.ClaimScore{
		ClaimID:       claimID,
		Support:       support,
		Preponderance: preponderance,
		Supports:      supports,
		Refutes:       refutes,
		Related:       related,
		ComputedAt:    a.now(),
	}
}

// trustWeight maps the scorer's [-1,1] trust signal onto a [0,1] weight.
// A missing signal weights the link at its unweighted value.
func (a *Aggregator) trustWeight(ctx context.Context, referenceURL string) float64 {
	if a.trust == nil {
		return 1
	}
	trust, ok := a.trust.Score(ctx, referenceURL)
	if !ok {
		return 1
	}
	return (trust + 1) / 2
}

func (a *Aggregator) recomputeContent(ctx context.Context, contentID int64) (evidence.ContentScore, bool, error) {
	start := time.Now()
	claimIDs, err := a.content.ClaimIDsByContent(ctx, contentID)
	if err != nil {
		return evidence.ContentScore{}, false, fmt.Errorf("load claims for content %d: %w", contentID, err)
	}

	// Hold every contributing claim's lock from the first read through
	// the final put. A link mutation for one of these claims runs under
	// the same lock, so the content row can never be written from claim
	// state that a concurrent mutation already invalidated. Ascending
	// order matches the link write path, ruling out deadlock.
	sorted := append([]int64(nil), claimIDs...)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)
	unlocks := make([]func(), 0, len(sorted))
	for _, id := range sorted {
		unlocks = append(unlocks, a.locks.lock(claimKey(id)))
	}
	defer func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}()

	var sum float64
	var evaluated int
	for _, claimID := range sorted {
		claimScore, found, err := a.claimScoreLocked(ctx, claimID)
		if err != nil {
			return evidence.ContentScore{}, false, err
		}
		if !found {
			continue
		}
		sum += claimScore.Support
		evaluated++
	}
	if evaluated == 0 {
		return evidence.ContentScore{}, false, nil
	}

	score := evidence.ContentScore{
		ContentID:  contentID,
		Support:    sum / float64(evaluated),
		Claims:     evaluated,
		ComputedAt: a.now(),
	}
	if err := a.cache.PutContentScore(ctx, score); err != nil {
		return evidence.ContentScore{}, false, fmt.Errorf("store content score %d: %w", contentID, err)
	}
	metrics.ObserveRecompute("content", time.Since(start))
	a.publish(ctx, "score.recomputed", map[string]any{"content_id": contentID, "support": score.Support})
	return score, true, nil
}

func (a *Aggregator) publish(ctx context.Context, event string, fields map[string]any) {
	if a.notifier == nil {
		return
	}
	payload := map[string]any{"event": event}
	for k, v := range fields {
		payload[k] = v
	}
	if _, err := a.notifier.Publish(ctx, eventsTopic, payload); err != nil {
		a.logger.Warn("publish score event failed", zap.String("event", event), zap.Error(err))
	}
}

func claimKey(id int64) string   { return fmt.Sprintf("claim/%d", id) }
func contentKey(id int64) string { return fmt.Sprintf("content/%d", id) }
