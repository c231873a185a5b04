// Package fetch retrieves page content through an ordered chain of
// strategies, falling through from cheap plain HTTP to a headless
// browser and finally to an archived copy.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/veriweb/veriweb/internal/evidence"
	"github.com/veriweb/veriweb/internal/metrics"
	"github.com/veriweb/veriweb/internal/pdftext"
)

// ErrAllStrategiesFailed is returned when every strategy in the chain
// has failed for a URL.
var ErrAllStrategiesFailed = errors.New("all fetch strategies failed")

// Page is the raw outcome of a single strategy attempt.
type Page struct {
	FinalURL   string
	StatusCode int
	Body       []byte
}

// Result is the outcome of a full Fetch call. For PDF URLs, Source is
// SourcePDF and PDF carries the extracted document; otherwise Body holds
// the page HTML and PDF is nil.
type Result struct {
	URL      string
	Body     []byte
	Strategy string
	Source   evidence.SourceType
	PDF      *pdftext.Document
}

// Strategy is one way of obtaining a page body.
type Strategy interface {
	Name() string
	Source() evidence.SourceType
	Fetch(ctx context.Context, rawURL string) (Page, error)
}

// Archiver stores a successfully fetched body. Implementations live in
// the blob package; archival failures never fail the fetch.
type Archiver interface {
	Archive(ctx context.Context, sourceURL string, body []byte) (string, error)
}

// Fetcher runs the strategy chain for a URL.
type Fetcher struct {
	strategies []Strategy
	probe      *http.Client
	download   *http.Client
	userAgent  string
	archiver   Archiver
	logger     *zap.Logger
}

// Config controls PDF probing.
type Config struct {
	ProbeTimeout time.Duration
	UserAgent    string
}

// New builds a Fetcher over the given ordered strategies. archiver may
// be nil to disable body archival.
func New(cfg Config, strategies []Strategy, archiver Archiver, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	probeTimeout := cfg.ProbeTimeout
	if probeTimeout <= 0 {
		probeTimeout = 5 * time.Second
	}
	return &Fetcher{
		strategies: strategies,
		probe:      &http.Client{Timeout: probeTimeout},
		download:   &http.Client{Timeout: 60 * time.Second},
		userAgent:  cfg.UserAgent,
		archiver:   archiver,
		logger:     logger.Named("fetch"),
	}
}

// Fetch resolves a URL to content. PDF URLs are routed straight to the
// text extractor and never touch the strategy chain; everything else
// walks the chain in order until one strategy yields a usable body.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (Result, error) {
	parsed, err := url.ParseRequestURI(rawURL)
	if err != nil || parsed.Host == "" {
		return Result{}, fmt.Errorf("invalid url %q", rawURL)
	}

	site := metrics.SanitizeSite(rawURL)
	if f.isPDF(ctx, parsed) {
		return f.fetchPDF(ctx, site, rawURL)
	}

	for _, strategy := range f.strategies {
		start := time.Now()
		page, err := strategy.Fetch(ctx, rawURL)
		if err != nil {
			metrics.ObserveFetch(site, strategy.Name(), "error", time.Since(start))
			f.logger.Warn("strategy failed",
				zap.String("strategy", strategy.Name()),
				zap.String("url", rawURL),
				zap.Error(err),
			)
			if ctx.Err() != nil {
				return Result{}, fmt.Errorf("fetch canceled: %w", ctx.Err())
			}
			continue
		}
		if !usableBody(page) {
			metrics.ObserveFetch(site, strategy.Name(), "empty", time.Since(start))
			f.logger.Debug("strategy returned unusable body",
				zap.String("strategy", strategy.Name()),
				zap.Int("status", page.StatusCode),
				zap.String("url", rawURL),
			)
			continue
		}
		metrics.ObserveFetch(site, strategy.Name(), "success", time.Since(start))
		f.archive(ctx, rawURL, page.Body)
		return Result{
			URL:      rawURL,
			Body:     page.Body,
			Strategy: strategy.Name(),
			Source:   strategy.Source(),
		}, nil
	}
	return Result{}, fmt.Errorf("%w: %s", ErrAllStrategiesFailed, rawURL)
}

func (f *Fetcher) fetchPDF(ctx context.Context, site, rawURL string) (Result, error) {
	start := time.Now()
	body, err := f.downloadBody(ctx, rawURL)
	if err != nil {
		metrics.ObserveFetch(site, "pdf", "error", time.Since(start))
		return Result{}, fmt.Errorf("download pdf: %w", err)
	}
	doc, err := pdftext.Extract(body)
	if err != nil {
		metrics.ObserveFetch(site, "pdf", "error", time.Since(start))
		return Result{}, fmt.Errorf("extract pdf text: %w", err)
	}
	metrics.ObserveFetch(site, "pdf", "success", time.Since(start))
	f.archive(ctx, rawURL, body)
	return Result{
		URL:      rawURL,
		Body:     body,
		Strategy: "pdf",
		Source:   evidence.SourcePDF,
		PDF:      &doc,
	}, nil
}

// isPDF classifies by URL suffix first, then by a HEAD probe of the
// Content-Type. A failed probe classifies as not-PDF so the page falls
// through to the regular chain.
func (f *Fetcher) isPDF(ctx context.Context, u *url.URL) bool {
	if strings.HasSuffix(strings.ToLower(u.Path), ".pdf") {
		return true
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, u.String(), nil)
	if err != nil {
		return false
	}
	f.setUserAgent(req)
	resp, err := f.probe.Do(req)
	if err != nil {
		f.logger.Debug("pdf probe failed", zap.String("url", u.String()), zap.Error(err))
		return false
	}
	defer resp.Body.Close()
	contentType := resp.Header.Get("Content-Type")
	mediaType, _, _ := strings.Cut(contentType, ";")
	return strings.EqualFold(strings.TrimSpace(mediaType), "application/pdf")
}

func (f *Fetcher) downloadBody(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	f.setUserAgent(req)
	resp, err := f.download.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	// Documents are bounded; 64 MiB is far beyond any real PDF here.
	const maxBody = 64 << 20
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}

func (f *Fetcher) archive(ctx context.Context, sourceURL string, body []byte) {
	if f.archiver == nil {
		return
	}
	uri, err := f.archiver.Archive(ctx, sourceURL, body)
	if err != nil {
		f.logger.Warn("archive failed", zap.String("url", sourceURL), zap.Error(err))
		return
	}
	f.logger.Debug("archived body", zap.String("url", sourceURL), zap.String("blob", uri))
}

func (f *Fetcher) setUserAgent(req *http.Request) {
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}
}

func usableBody(page Page) bool {
	if page.StatusCode >= http.StatusBadRequest {
		return false
	}
	return len(strings.TrimSpace(string(page.Body))) > 0
}
