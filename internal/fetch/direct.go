package fetch

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/veriweb/veriweb/internal/evidence"
)

// DirectConfig controls the plain HTTP strategy.
type DirectConfig struct {
	UserAgent string
	Timeout   time.Duration
}

// DirectStrategy fetches a page with a single Colly GET, no JavaScript.
type DirectStrategy struct {
	cfg           DirectConfig
	baseCollector *colly.Collector
}

// NewDirect builds the direct strategy.
func NewDirect(cfg DirectConfig) *DirectStrategy {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	c := colly.NewCollector(colly.Async(false))
	c.IgnoreRobotsTxt = true
	c.WithTransport(newHTTPTransport())
	return &DirectStrategy{cfg: cfg, baseCollector: c}
}

func (s *DirectStrategy) Name() string { return "direct" }

func (s *DirectStrategy) Source() evidence.SourceType { return evidence.SourceLive }

// Fetch executes a single HTTP GET using a per-call collector clone.
func (s *DirectStrategy) Fetch(ctx context.Context, rawURL string) (Page, error) {
	var (
		page     Page
		fetchErr error
	)
	collector := s.baseCollector.Clone()
	if s.cfg.UserAgent != "" {
		collector.UserAgent = s.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = true
	collector.SetRequestTimeout(s.cfg.Timeout)

	collector.OnResponse(func(r *colly.Response) {
		page = Page{
			FinalURL:   r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Body:       append([]byte(nil), r.Body...),
		}
	})
	collector.OnError(func(_ *colly.Response, err error) {
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(rawURL)
	}()

	select {
	case <-ctx.Done():
		return Page{}, fmt.Errorf("direct fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return Page{}, fmt.Errorf("direct visit failed: %w", err)
		}
		if fetchErr != nil {
			return Page{}, fmt.Errorf("direct response failed: %w", fetchErr)
		}
		return page, nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
