// Package search maps claims to candidate evidence sources by running
// suggested queries against an injected search client and labeling the
// hits with the LLM.
package search

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/veriweb/veriweb/internal/llm"
)

// Hit is one raw search engine result.
type Hit struct {
	URL     string `json:"url"`
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
}

// Searcher executes one query. Implementations wrap whatever search
// backend the deployment provides.
type Searcher interface {
	Search(ctx context.Context, query string) ([]Hit, error)
}

// Labeler judges source stance toward a claim; satisfied by llm.Client.
type Labeler interface {
	LabelStances(ctx context.Context, claim string, sources []llm.SourceCandidate) ([]llm.StanceLabel, error)
}

// MapItem is one claim's search plan, usually produced by
// llm.Client.SuggestQueries.
type MapItem struct {
	Claim         string   `json:"claim"`
	Queries       []string `json:"queries"`
	PreferDomains []string `json:"prefer_domains"`
	AvoidDomains  []string `json:"avoid_domains"`
}

// MappedSource is one labeled candidate source.
type MappedSource struct {
	URL    string `json:"url"`
	Title  string `json:"title"`
	Stance string `json:"stance"`
	Why    string `json:"why"`
}

// MapResult groups labeled sources under their claim.
type MapResult struct {
	Claim   string         `json:"claim"`
	Sources []MappedSource `json:"sources"`
}

// Mapper orchestrates search and stance labeling.
type Mapper struct {
	searcher    Searcher
	labeler     Labeler
	maxPerClaim int
	logger      *zap.Logger
}

// NewMapper builds a Mapper. maxPerClaim caps labeled sources per
// claim; <= 0 means the default of 8.
func NewMapper(searcher Searcher, labeler Labeler, maxPerClaim int, logger *zap.Logger) *Mapper {
	if maxPerClaim <= 0 {
		maxPerClaim = 8
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Mapper{
		searcher:    searcher,
		labeler:     labeler,
		maxPerClaim: maxPerClaim,
		logger:      logger.Named("search"),
	}
}

// Map runs every item's queries, filters and dedupes the hits, and
// labels the survivors. A failed query is logged and skipped; a claim
// whose queries all fail still appears in the output with no sources.
func (m *Mapper) Map(ctx context.Context, items []MapItem) ([]MapResult, error) {
	results := make([]MapResult, 0, len(items))
	for _, item := range items {
		sources, err := m.mapClaim(ctx, item)
		if err != nil {
			return nil, fmt.Errorf("map claim %q: %w", item.Claim, err)
		}
		results = append(results, MapResult{Claim: item.Claim, Sources: sources})
	}
	return results, nil
}

func (m *Mapper) mapClaim(ctx context.Context, item MapItem) ([]MappedSource, error) {
	seen := make(map[string]struct{})
	var preferred, rest []Hit
	for _, query := range item.Queries {
		hits, err := m.searcher.Search(ctx, query)
		if err != nil {
			m.logger.Warn("query failed",
				zap.String("claim", item.Claim),
				zap.String("query", query),
				zap.Error(err),
			)
			continue
		}
		for _, hit := range hits {
			host := hostOf(hit.URL)
			if host == "" || domainListed(host, item.AvoidDomains) {
				continue
			}
			if _, dup := seen[hit.URL]; dup {
				continue
			}
			seen[hit.URL] = struct{}{}
			if domainListed(host, item.PreferDomains) {
				preferred = append(preferred, hit)
			} else {
				rest = append(rest, hit)
			}
		}
	}

	candidates := append(preferred, rest...)
	if len(candidates) > m.maxPerClaim {
		candidates = candidates[:m.maxPerClaim]
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	toLabel := make([]llm.SourceCandidate, len(candidates))
	for i, hit := range candidates {
		toLabel[i] = llm.SourceCandidate{URL: hit.URL, Title: hit.Title, Snippet: hit.Snippet}
	}
	labels, err := m.labeler.LabelStances(ctx, item.Claim, toLabel)
	if err != nil {
		return nil, fmt.Errorf("label stances: %w", err)
	}

	sources := make([]MappedSource, 0, len(labels))
	for _, label := range labels {
		sources = append(sources, MappedSource{
			URL:    label.URL,
			Title:  label.Title,
			Stance: label.Stance,
			Why:    label.Why,
		})
	}
	return sources, nil
}

func hostOf(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(parsed.Host), "www.")
}

// domainListed matches the host or any parent domain against the list.
func domainListed(host string, domains []string) bool {
	for _, domain := range domains {
		domain = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(domain)), "www.")
		if domain == "" {
			continue
		}
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return true
		}
	}
	return false
}
