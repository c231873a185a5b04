// Package citation maps source URLs to publisher trust scores.
package citation

import (
	"context"
	"math"
	"net/url"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/veriweb/veriweb/internal/evidence"
)

// Weighting of the two rating axes. Bias is penalized symmetrically:
// a hard-left and a hard-right publisher lose the same amount.
const (
	biasWeight     = 0.4
	veracityWeight = 0.6
)

// RatingSource resolves publishers and their ratings by domain.
type RatingSource interface {
	PublisherByDomain(ctx context.Context, domain string) (evidence.Publisher, bool, error)
	RatingByPublisher(ctx context.Context, publisherID int64) (evidence.PublisherRating, bool, error)
}

// Scorer computes trust scores in [-1, 1] from publisher ratings.
// Lookups are cached per domain, including misses: ratings are
// read-mostly and the aggregator consults the scorer per link.
type Scorer struct {
	source RatingSource
	cache  *gocache.Cache
	logger *zap.Logger
}

type cachedScore struct {
	score float64
	ok    bool
}

// NewScorer builds a Scorer over the given rating source.
func NewScorer(source RatingSource, cacheTTL time.Duration, logger *zap.Logger) *Scorer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cacheTTL <= 0 {
		cacheTTL = 15 * time.Minute
	}
	return &Scorer{
		source: source,
		cache:  gocache.New(cacheTTL, 2*cacheTTL),
		logger: logger,
	}
}

// Score returns the trust score for the URL's publisher. ok is false when
// the domain, publisher, or rating is unknown; callers must treat that as
// "no trust signal", never as zero.
func (s *Scorer) Score(ctx context.Context, rawURL string) (float64, bool) {
	domain := NormalizeDomain(rawURL)
	if domain == "" {
		return 0, false
	}

	if v, found := s.cache.Get(domain); found {
		cached := v.(cachedScore)
		return cached.score, cached.ok
	}

	score, ok := s.lookup(ctx, domain)
	s.cache.SetDefault(domain, cachedScore{score: score, ok: ok})
	return score, ok
}

func (s *Scorer) lookup(ctx context.Context, domain string) (float64, bool) {
	pub, found, err := s.source.PublisherByDomain(ctx, domain)
	if err != nil {
		s.logger.Warn("publisher lookup failed", zap.String("domain", domain), zap.Error(err))
		return 0, false
	}
	if !found {
		return 0, false
	}

	rating, found, err := s.source.RatingByPublisher(ctx, pub.ID)
	if err != nil {
		s.logger.Warn("rating lookup failed", zap.Int64("publisher_id", pub.ID), zap.Error(err))
		return 0, false
	}
	if !found {
		return 0, false
	}

	return Compute(rating), true
}

// Compute applies the trust formula to one rating and rounds to two
// decimal places: ((1-|bias|)*0.4 + veracity*0.6) * 2 - 1.
func Compute(rating evidence.PublisherRating) float64 {
	normalizedBias := 1 - math.Abs(rating.BiasScore)
	raw := (normalizedBias*biasWeight + rating.Veracity*veracityWeight) * 2 - 1
	return math.Round(raw*100) / 100
}

// NormalizeDomain reduces a URL to its bare hostname with any leading
// "www." stripped. Bare hostnames without a scheme are accepted.
func NormalizeDomain(rawURL string) string {
	trimmed := strings.TrimSpace(rawURL)
	if trimmed == "" {
		return ""
	}
	if !strings.Contains(trimmed, "://") {
		trimmed = "https://" + trimmed
	}
	u, err := url.Parse(trimmed)
	if err != nil || u.Hostname() == "" {
		return ""
	}
	host := strings.ToLower(u.Hostname())
	return strings.TrimPrefix(host, "www.")
}
