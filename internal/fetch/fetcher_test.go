package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/veriweb/veriweb/internal/evidence"
	"github.com/veriweb/veriweb/internal/metrics"
)

func init() {
	metrics.Init()
}

type fakeStrategy struct {
	name   string
	source evidence.SourceType
	page   Page
	err    error

	mu    sync.Mutex
	calls []string
}

func (f *fakeStrategy) Name() string                { return f.name }
func (f *fakeStrategy) Source() evidence.SourceType { return f.source }

func (f *fakeStrategy) called() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeStrategy) Fetch(_ context.Context, rawURL string) (Page, error) {
	f.mu.Lock()
	f.calls = append(f.calls, rawURL)
	f.mu.Unlock()
	if f.err != nil {
		return Page{}, f.err
	}
	return f.page, nil
}

type fakeArchiver struct {
	mu   sync.Mutex
	urls []string
	err  error
}

func (f *fakeArchiver) Archive(_ context.Context, sourceURL string, _ []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.urls = append(f.urls, sourceURL)
	return "mem://" + sourceURL, nil
}

func okPage(body string) Page {
	return Page{StatusCode: http.StatusOK, Body: []byte(body)}
}

func TestFetchUsesFirstSucceedingStrategy(t *testing.T) {
	t.Parallel()

	direct := &fakeStrategy{name: "direct", source: evidence.SourceLive, page: okPage("<html>live</html>")}
	rendered := &fakeStrategy{name: "rendered", source: evidence.SourceLive, page: okPage("<html>js</html>")}
	f := New(Config{}, []Strategy{direct, rendered}, nil, nil)

	result, err := f.Fetch(context.Background(), "https://news.example/story")
	require.NoError(t, err)
	require.Equal(t, evidence.SourceLive, result.Source)
	require.Equal(t, "<html>live</html>", string(result.Body))
	require.Equal(t, 1, direct.called())
	require.Zero(t, rendered.called(), "later strategies must not run after success")
}

func TestFetchFallsThroughInOrder(t *testing.T) {
	t.Parallel()

	direct := &fakeStrategy{name: "direct", source: evidence.SourceLive, err: errors.New("blocked")}
	rendered := &fakeStrategy{name: "rendered", source: evidence.SourceLive, err: errors.New("timeout")}
	archived := &fakeStrategy{name: "archived-rendered", source: evidence.SourceArchived, page: okPage("<html>wayback</html>")}
	f := New(Config{}, []Strategy{direct, rendered, archived}, nil, nil)

	result, err := f.Fetch(context.Background(), "https://news.example/story")
	require.NoError(t, err)
	require.Equal(t, evidence.SourceArchived, result.Source)
	require.Equal(t, "archived-rendered", result.Strategy)
	require.Equal(t, 1, direct.called())
	require.Equal(t, 1, rendered.called())
	require.Equal(t, 1, archived.called())
}

func TestFetchReportsProducingStrategy(t *testing.T) {
	t.Parallel()

	direct := &fakeStrategy{name: "direct", err: errors.New("blocked")}
	rendered := &fakeStrategy{name: "rendered", source: evidence.SourceLive, page: okPage("<html>js</html>")}
	archived := &fakeStrategy{name: "archived-rendered", source: evidence.SourceArchived, page: okPage("<html>wb</html>")}
	f := New(Config{}, []Strategy{direct, rendered, archived}, nil, nil)

	result, err := f.Fetch(context.Background(), "https://news.example/story")
	require.NoError(t, err)
	require.Equal(t, "rendered", result.Strategy)
	require.Zero(t, archived.called(), "fallback never skips ahead")
}

func TestFetchExhaustionReturnsSentinel(t *testing.T) {
	t.Parallel()

	direct := &fakeStrategy{name: "direct", err: errors.New("connection refused")}
	archived := &fakeStrategy{name: "archived-rendered", err: errors.New("no capture")}
	f := New(Config{}, []Strategy{direct, archived}, nil, nil)

	_, err := f.Fetch(context.Background(), "https://gone.example/page")
	require.ErrorIs(t, err, ErrAllStrategiesFailed)
}

func TestFetchEmptyBodyFallsThrough(t *testing.T) {
	t.Parallel()

	direct := &fakeStrategy{name: "direct", page: okPage("   \n  ")}
	rendered := &fakeStrategy{name: "rendered", page: okPage("<html>rendered</html>")}
	f := New(Config{}, []Strategy{direct, rendered}, nil, nil)

	result, err := f.Fetch(context.Background(), "https://spa.example/app")
	require.NoError(t, err)
	require.Equal(t, "<html>rendered</html>", string(result.Body))
}

func TestFetchErrorStatusFallsThrough(t *testing.T) {
	t.Parallel()

	direct := &fakeStrategy{name: "direct", page: Page{StatusCode: http.StatusForbidden, Body: []byte("denied")}}
	rendered := &fakeStrategy{name: "rendered", page: okPage("<html>ok</html>")}
	f := New(Config{}, []Strategy{direct, rendered}, nil, nil)

	result, err := f.Fetch(context.Background(), "https://gated.example/article")
	require.NoError(t, err)
	require.Equal(t, "<html>ok</html>", string(result.Body))
}

func TestFetchInvalidURL(t *testing.T) {
	t.Parallel()

	f := New(Config{}, nil, nil, nil)
	_, err := f.Fetch(context.Background(), "not a url")
	require.Error(t, err)
}

func TestFetchArchivesSuccessfulBody(t *testing.T) {
	t.Parallel()

	direct := &fakeStrategy{name: "direct", page: okPage("<html>live</html>")}
	archiver := &fakeArchiver{}
	f := New(Config{}, []Strategy{direct}, archiver, nil)

	_, err := f.Fetch(context.Background(), "https://news.example/story")
	require.NoError(t, err)
	require.Equal(t, []string{"https://news.example/story"}, archiver.urls)
}

func TestFetchArchiverFailureDoesNotFailFetch(t *testing.T) {
	t.Parallel()

	direct := &fakeStrategy{name: "direct", page: okPage("<html>live</html>")}
	archiver := &fakeArchiver{err: errors.New("bucket unavailable")}
	f := New(Config{}, []Strategy{direct}, archiver, nil)

	result, err := f.Fetch(context.Background(), "https://news.example/story")
	require.NoError(t, err)
	require.Equal(t, "<html>live</html>", string(result.Body))
}

func TestPDFURLNeverTouchesStrategies(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		// Not a parseable PDF; we only assert routing here.
		_, _ = w.Write([]byte("%PDF-1.4 garbage"))
	}))
	defer server.Close()

	direct := &fakeStrategy{name: "direct", page: okPage("<html>should not happen</html>")}
	f := New(Config{ProbeTimeout: time.Second}, []Strategy{direct}, nil, nil)

	_, err := f.Fetch(context.Background(), server.URL+"/paper.pdf")
	require.Error(t, err, "garbage PDF payload must fail extraction")
	require.Zero(t, direct.called(), "pdf urls bypass the strategy chain")
}

func TestPDFClassificationByContentType(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf; charset=binary")
		_, _ = w.Write([]byte("%PDF-1.4 garbage"))
	}))
	defer server.Close()

	direct := &fakeStrategy{name: "direct", page: okPage("<html>nope</html>")}
	f := New(Config{ProbeTimeout: time.Second}, []Strategy{direct}, nil, nil)

	// No .pdf suffix; classification must come from the HEAD probe.
	_, err := f.Fetch(context.Background(), server.URL+"/download?id=9")
	require.Error(t, err)
	require.Zero(t, direct.called())
}

func TestProbeFailureClassifiesAsNotPDF(t *testing.T) {
	t.Parallel()

	direct := &fakeStrategy{name: "direct", page: okPage("<html>html page</html>")}
	f := New(Config{ProbeTimeout: 200 * time.Millisecond}, []Strategy{direct}, nil, nil)

	// Nothing listens on this port; the probe errors and the URL falls
	// through to the regular chain.
	result, err := f.Fetch(context.Background(), "http://127.0.0.1:1/article")
	require.NoError(t, err)
	require.Equal(t, "<html>html page</html>", string(result.Body))
	require.Equal(t, 1, direct.called())
}

func TestArchivedStrategyPrefixesURL(t *testing.T) {
	t.Parallel()

	rendered := &fakeStrategy{name: "rendered", page: okPage("<html>capture</html>")}
	archived := NewArchived("", rendered)

	page, err := archived.Fetch(context.Background(), "https://news.example/story")
	require.NoError(t, err)
	require.Equal(t, "<html>capture</html>", string(page.Body))
	require.Equal(t,
		[]string{"https://web.archive.org/web/https://news.example/story"},
		rendered.calls,
	)
	require.Equal(t, evidence.SourceArchived, archived.Source())
}
