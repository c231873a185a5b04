// Package evidence defines the claim/reference domain model shared across subsystems.
package evidence

import (
	"fmt"
	"time"
)

// SourceType records how a content item's text was obtained.
type SourceType string

// Source type values persisted on content rows.
const (
	SourceLive     SourceType = "live"
	SourceArchived SourceType = "archived"
	SourcePDF      SourceType = "pdf"
)

// ClaimKind distinguishes what role a claim plays.
type ClaimKind string

// Claim kind values; mutually exclusive per claim.
const (
	ClaimTask      ClaimKind = "task"
	ClaimReference ClaimKind = "reference"
	ClaimSnippet   ClaimKind = "snippet"
)

// Stance is the categorical judgment of a reference relative to a claim.
type Stance string

// Stance values persisted on reference-claim links.
const (
	StanceSupports   Stance = "supports"
	StanceRefutes    Stance = "refutes"
	StanceBackground Stance = "background"
)

// Sign maps a stance onto the signed axis used for support levels.
func (s Stance) Sign() float64 {
	switch s {
	case StanceSupports:
		return 1
	case StanceRefutes:
		return -1
	default:
		return 0
	}
}

// Valid reports whether the stance is one of the persisted values.
func (s Stance) Valid() bool {
	switch s {
	case StanceSupports, StanceRefutes, StanceBackground:
		return true
	}
	return false
}

// Content is a fetched document, either a task page or reference material.
// Rows are never deleted, only flagged inactive or retracted.
type Content struct {
	ID        int64      `json:"id"`
	URL       string     `json:"url"`
	Source    SourceType `json:"source_type"`
	Active    bool       `json:"active"`
	Retracted bool       `json:"retracted"`
	FetchedAt time.Time  `json:"fetched_at"`
}

// Claim is an atomic assertion extracted from a content item.
type Claim struct {
	ID        int64     `json:"id"`
	ContentID int64     `json:"content_id"`
	Text      string    `json:"text"`
	Kind      ClaimKind `json:"claim_type"`
}

// ReferenceClaimLink is one evidentiary relationship between a reference
// content item and a target claim. SupportLevel is always derived from
// (stance, confidence, score) and never edited independently.
type ReferenceClaimLink struct {
	ID                 int64    `json:"id"`
	ClaimID            int64    `json:"claim_id"`
	ReferenceContentID int64    `json:"reference_content_id"`
	Stance             Stance   `json:"stance"`
	Score              *float64 `json:"score,omitempty"`      // 0-100 raw quality
	Confidence         float64  `json:"confidence"`           // 0.0-1.0
	SupportLevel       float64  `json:"support_level"`        // -1.0..+1.0
	Rationale          *string  `json:"rationale,omitempty"`
	EvidenceText       *string  `json:"evidence_text,omitempty"`
	EvidenceStart      *int     `json:"evidence_start,omitempty"`
	EvidenceEnd        *int     `json:"evidence_end,omitempty"`
	CreatedByAI        bool     `json:"created_by_ai"`
	VerifiedByUser     *int64   `json:"verified_by_user,omitempty"`
}

// ClaimLink relates one claim to another for transitive support propagation.
type ClaimLink struct {
	ID            int64   `json:"id"`
	SourceClaimID int64   `json:"source_claim_id"`
	TargetClaimID int64   `json:"target_claim_id"`
	Kind          string  `json:"kind"`
	SupportLevel  float64 `json:"support_level"`
}

// ClaimScore is the memoized roll-up of evidentiary support for one claim.
// Absence of a row means "unevaluated", never "neutral".
type ClaimScore struct {
	ClaimID       int64     `json:"claim_id"`
	Support       float64   `json:"support"`
	Preponderance float64   `json:"preponderance"`
	Supports      int       `json:"supports"`
	Refutes       int       `json:"refutes"`
	Related       int       `json:"related"`
	ComputedAt    time.Time `json:"computed_at"`
}

// ContentScore is the memoized roll-up across all claims of a content item.
type ContentScore struct {
	ContentID  int64     `json:"content_id"`
	Support    float64   `json:"support"`
	Claims     int       `json:"claims"`
	ComputedAt time.Time `json:"computed_at"`
}

// ClaimEvidence pairs a reference link with the source URL of its
// reference content, which the aggregator feeds to the citation scorer.
type ClaimEvidence struct {
	Link         ReferenceClaimLink
	ReferenceURL string
}

// Publisher identifies a rated source domain.
type Publisher struct {
	ID     int64  `json:"id"`
	Domain string `json:"domain"`
}

// PublisherRating carries the bias/veracity pair used for trust weighting.
// Bias is centered on 0 (-1..1); veracity is on a 0-1 scale.
type PublisherRating struct {
	PublisherID int64   `json:"publisher_id"`
	BiasScore   float64 `json:"bias_score"`
	Veracity    float64 `json:"veracity_score"`
}

// SupportLevel computes the canonical per-link support value:
// sign(stance) * confidence * score/100. A nil score contributes no
// quality weighting and yields 0 for non-background stances as well,
// since an unscored link carries no measurable support.
func SupportLevel(stance Stance, confidence float64, score *float64) float64 {
	if score == nil {
		return 0
	}
	return stance.Sign() * confidence * (*score / 100.0)
}

// Validate reports the first missing required field on a link, if any.
func (l ReferenceClaimLink) Validate() error {
	if l.ClaimID == 0 {
		return fmt.Errorf("claim_id is required")
	}
	if l.ReferenceContentID == 0 {
		return fmt.Errorf("reference_content_id is required")
	}
	if !l.Stance.Valid() {
		return fmt.Errorf("stance %q is not valid", l.Stance)
	}
	return nil
}
