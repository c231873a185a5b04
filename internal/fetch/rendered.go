package fetch

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"golang.org/x/time/rate"

	"github.com/veriweb/veriweb/internal/evidence"
)

// RenderedConfig controls the headless browser strategy.
type RenderedConfig struct {
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
	DomainQPS         float64
}

// RenderedStrategy fetches a page by executing it in headless Chrome.
// Each call gets its own tab context off a shared allocator; teardown
// runs on every exit path.
type RenderedStrategy struct {
	cfg         RenderedConfig
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewRendered creates the headless strategy backed by chromedp.
func NewRendered(cfg RenderedConfig) (*RenderedStrategy, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 30 * time.Second
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &RenderedStrategy{
		cfg:         cfg,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
		limiters:    make(map[string]*rate.Limiter),
	}, nil
}

// Close cancels the allocator context.
func (s *RenderedStrategy) Close() {
	s.allocCancel()
}

func (s *RenderedStrategy) Name() string { return "rendered" }

func (s *RenderedStrategy) Source() evidence.SourceType { return evidence.SourceLive }

// Fetch navigates with a headless browser and returns the rendered DOM.
func (s *RenderedStrategy) Fetch(ctx context.Context, rawURL string) (Page, error) {
	if err := s.waitDomain(ctx, rawURL); err != nil {
		return Page{}, err
	}
	if err := s.acquire(ctx); err != nil {
		return Page{}, err
	}
	defer s.release()

	taskCtx, taskCancel := chromedp.NewContext(s.allocator)
	defer taskCancel()

	taskCtx, cancel := context.WithTimeout(taskCtx, s.cfg.NavigationTimeout)
	defer cancel()

	meta := newResponseMeta()
	chromedp.ListenTarget(taskCtx, meta.captureEvent)

	html, finalURL, err := s.runHeadless(taskCtx, rawURL)
	if err != nil {
		return Page{}, err
	}

	status, responseURL := meta.snapshotWithFallbacks(rawURL, finalURL)
	return Page{
		FinalURL:   responseURL,
		StatusCode: status,
		Body:       []byte(html),
	}, nil
}

func (s *RenderedStrategy) runHeadless(ctx context.Context, rawURL string) (string, string, error) {
	var (
		html     string
		finalURL string
	)
	actions := []chromedp.Action{
		s.networkSetupAction(),
		chromedp.Navigate(rawURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(500 * time.Millisecond),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	if err := chromedp.Run(ctx, actions...); err != nil {
		return "", "", fmt.Errorf("chromedp run: %w", err)
	}
	return html, finalURL, nil
}

func (s *RenderedStrategy) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if s.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(s.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

// waitDomain blocks until the per-domain rate limiter grants a slot.
func (s *RenderedStrategy) waitDomain(ctx context.Context, rawURL string) error {
	if s.cfg.DomainQPS <= 0 {
		return nil
	}
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return nil
	}
	s.mu.Lock()
	limiter, ok := s.limiters[parsed.Host]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(s.cfg.DomainQPS), 1)
		s.limiters[parsed.Host] = limiter
	}
	s.mu.Unlock()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("domain rate wait canceled: %w", err)
	}
	return nil
}

func (s *RenderedStrategy) acquire(ctx context.Context) error {
	if s.limiter == nil {
		return nil
	}
	select {
	case s.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("headless slot wait canceled: %w", ctx.Err())
	}
}

func (s *RenderedStrategy) release() {
	if s.limiter == nil {
		return
	}
	select {
	case <-s.limiter:
	default:
	}
}

type responseMeta struct {
	mu     sync.RWMutex
	status int
	url    string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{}
}

func (m *responseMeta) captureEvent(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	m.mu.Lock()
	m.status = int(resp.Response.Status)
	m.url = resp.Response.URL
	m.mu.Unlock()
}

func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, string) {
	m.mu.RLock()
	status, url := m.status, m.url
	m.mu.RUnlock()

	switch {
	case url != "":
	case finalURL != "":
		url = finalURL
	default:
		url = requestURL
	}
	if status == 0 {
		status = 200
	}
	return status, url
}
