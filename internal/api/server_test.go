package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/veriweb/veriweb/internal/config"
	"github.com/veriweb/veriweb/internal/evidence"
	"github.com/veriweb/veriweb/internal/fetch"
	"github.com/veriweb/veriweb/internal/llm"
	"github.com/veriweb/veriweb/internal/metrics"
	"github.com/veriweb/veriweb/internal/pdftext"
	"github.com/veriweb/veriweb/internal/search"
)

func init() {
	metrics.Init()
}

type fakeFetcher struct {
	result fetch.Result
	err    error
}

func (f *fakeFetcher) Fetch(_ context.Context, _ string) (fetch.Result, error) {
	return f.result, f.err
}

type fakeLinks struct {
	id            int64
	ids           []int64
	err           error
	lastID        int64
	lastIn        evidence.LinkInput
	lastIns       []evidence.LinkInput
	lastClaimLink evidence.ClaimLink
}

func (f *fakeLinks) InsertLink(_ context.Context, in evidence.LinkInput) (int64, error) {
	f.lastIn = in
	return f.id, f.err
}

func (f *fakeLinks) InsertLinksBulk(_ context.Context, ins []evidence.LinkInput) ([]int64, error) {
	f.lastIns = ins
	return f.ids, f.err
}

func (f *fakeLinks) UpdateLink(_ context.Context, id int64, in evidence.LinkInput) error {
	f.lastID = id
	f.lastIn = in
	return f.err
}

func (f *fakeLinks) DeleteLink(_ context.Context, id int64) error {
	f.lastID = id
	return f.err
}

func (f *fakeLinks) LinkClaims(_ context.Context, link evidence.ClaimLink) (int64, error) {
	f.lastClaimLink = link
	return f.id, f.err
}

func (f *fakeLinks) UnlinkClaims(_ context.Context, id int64) error {
	f.lastID = id
	return f.err
}

type fakeScores struct {
	claim        evidence.ClaimScore
	content      evidence.ContentScore
	claimFound   bool
	contentFound bool
	err          error
}

func (f *fakeScores) ClaimScore(_ context.Context, _ int64) (evidence.ClaimScore, bool, error) {
	return f.claim, f.claimFound, f.err
}

func (f *fakeScores) ContentScore(_ context.Context, _ int64) (evidence.ContentScore, bool, error) {
	return f.content, f.contentFound, f.err
}

type fakeSuggester struct {
	items []llm.QuerySuggestion
	err   error
}

func (f *fakeSuggester) SuggestQueries(_ context.Context, _ string, _ []string) ([]llm.QuerySuggestion, error) {
	return f.items, f.err
}

type fakeMapper struct {
	results []search.MapResult
	err     error
}

func (f *fakeMapper) Map(_ context.Context, _ []search.MapItem) ([]search.MapResult, error) {
	return f.results, f.err
}

type fakeContent struct {
	id   int64
	err  error
	urls []string
}

func (f *fakeContent) UpsertContent(_ context.Context, url string, _ evidence.SourceType, _ time.Time) (int64, error) {
	f.urls = append(f.urls, url)
	return f.id, f.err
}

type serverFakes struct {
	fetcher   *fakeFetcher
	links     *fakeLinks
	content   *fakeContent
	scores    *fakeScores
	suggester *fakeSuggester
	mapper    *fakeMapper
}

func newTestServer(t *testing.T, fakes serverFakes, cfg config.Config) *httptest.Server {
	t.Helper()
	if fakes.fetcher == nil {
		fakes.fetcher = &fakeFetcher{}
	}
	if fakes.links == nil {
		fakes.links = &fakeLinks{}
	}
	if fakes.scores == nil {
		fakes.scores = &fakeScores{}
	}
	// Wrap optional fakes explicitly so an absent fake stays a nil
	// interface rather than a typed nil.
	var content ContentRecorder
	if fakes.content != nil {
		content = fakes.content
	}
	var suggester QuerySuggester
	if fakes.suggester != nil {
		suggester = fakes.suggester
	}
	var mapper SearchMapper
	if fakes.mapper != nil {
		mapper = fakes.mapper
	}
	srv := NewServer(fakes.fetcher, fakes.links, content, fakes.scores, suggester, mapper, nil, cfg, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, url string, payload any) *http.Response {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestFetchPageContentSuccess(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{result: fetch.Result{
		Body:     []byte("<html>page</html>"),
		Strategy: "rendered",
		Source:   evidence.SourceLive,
	}}
	ts := newTestServer(t, serverFakes{fetcher: fetcher}, config.Config{})

	resp := postJSON(t, ts.URL+"/api/fetch-page-content", map[string]string{"url": "https://news.example/story"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	require.Equal(t, true, body["success"])
	require.Equal(t, "<html>page</html>", body["html"])
	require.Equal(t, "rendered", body["source"])
}

func TestFetchPageContentPDFServesExtractedText(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{result: fetch.Result{
		URL:      "https://a.example/paper.pdf",
		Body:     []byte("%PDF-1.7\x00\x01binary"),
		Strategy: "pdf",
		Source:   evidence.SourcePDF,
		PDF:      &pdftext.Document{Text: "extracted body"},
	}}
	ts := newTestServer(t, serverFakes{fetcher: fetcher}, config.Config{})

	resp := postJSON(t, ts.URL+"/api/fetch-page-content", map[string]string{"url": "https://a.example/paper.pdf"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	require.Equal(t, "extracted body", body["html"])
	require.Equal(t, "pdf", body["source"])
}

func TestFetchPageContentRecordsContent(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{result: fetch.Result{
		URL:      "https://news.example/story",
		Body:     []byte("<html>page</html>"),
		Strategy: "direct",
		Source:   evidence.SourceLive,
	}}
	content := &fakeContent{id: 7}
	ts := newTestServer(t, serverFakes{fetcher: fetcher, content: content}, config.Config{})

	resp := postJSON(t, ts.URL+"/api/fetch-page-content", map[string]string{"url": "https://news.example/story"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, []string{"https://news.example/story"}, content.urls)
}

func TestFetchPageContentUpsertFailureStillServesPage(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{result: fetch.Result{
		URL:      "https://news.example/story",
		Body:     []byte("<html>page</html>"),
		Strategy: "direct",
		Source:   evidence.SourceLive,
	}}
	content := &fakeContent{err: errors.New("db down")}
	ts := newTestServer(t, serverFakes{fetcher: fetcher, content: content}, config.Config{})

	resp := postJSON(t, ts.URL+"/api/fetch-page-content", map[string]string{"url": "https://news.example/story"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	require.Equal(t, true, body["success"])
}

func TestFetchPageContentMissingURL(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, serverFakes{}, config.Config{})
	resp := postJSON(t, ts.URL+"/api/fetch-page-content", map[string]string{})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestFetchPageContentMalformedURL(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, serverFakes{}, config.Config{})
	resp := postJSON(t, ts.URL+"/api/fetch-page-content", map[string]string{"url": "not a url"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestFetchPageContentExhaustion(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{err: fetch.ErrAllStrategiesFailed}
	ts := newTestServer(t, serverFakes{fetcher: fetcher}, config.Config{})

	resp := postJSON(t, ts.URL+"/api/fetch-page-content", map[string]string{"url": "https://gone.example/x"})
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	body := decodeBody(t, resp)
	require.Contains(t, body, "error")
}

func TestFetchPDFTextSuccess(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{result: fetch.Result{
		Source: evidence.SourcePDF,
		PDF:    &pdftext.Document{Text: "body text", Author: "A. Author", Title: "Paper"},
	}}
	ts := newTestServer(t, serverFakes{fetcher: fetcher}, config.Config{})

	resp := postJSON(t, ts.URL+"/api/fetch-pdf-text", map[string]string{"url": "https://a.example/p.pdf"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	require.Equal(t, "body text", body["text"])
	require.Equal(t, "A. Author", body["author"])
	require.Equal(t, "Paper", body["title"])
}

func TestFetchPDFTextFailureEnvelope(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{err: errors.New("extract pdf text: malformed xref")}
	ts := newTestServer(t, serverFakes{fetcher: fetcher}, config.Config{})

	resp := postJSON(t, ts.URL+"/api/fetch-pdf-text", map[string]string{"url": "https://a.example/p.pdf"})
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	body := decodeBody(t, resp)
	require.Equal(t, false, body["success"])
}

func TestInsertLink(t *testing.T) {
	t.Parallel()

	links := &fakeLinks{id: 7}
	ts := newTestServer(t, serverFakes{links: links}, config.Config{})

	resp := postJSON(t, ts.URL+"/api/reference-claim-links", map[string]any{
		"claim_id": 1, "reference_content_id": 2, "stance": "supports",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	require.Equal(t, float64(7), body["id"])
	require.Equal(t, int64(1), links.lastIn.ClaimID)
}

func TestInsertLinkStorageFailure(t *testing.T) {
	t.Parallel()

	links := &fakeLinks{err: errors.New("insert reference link: connection reset")}
	ts := newTestServer(t, serverFakes{links: links}, config.Config{})

	resp := postJSON(t, ts.URL+"/api/reference-claim-links", map[string]any{
		"claim_id": 1, "reference_content_id": 2, "stance": "supports",
	})
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestInsertLinksBulk(t *testing.T) {
	t.Parallel()

	links := &fakeLinks{ids: []int64{3, 4, 5}}
	ts := newTestServer(t, serverFakes{links: links}, config.Config{})

	resp := postJSON(t, ts.URL+"/api/reference-claim-links/bulk", map[string]any{
		"links": []map[string]any{
			{"claim_id": 1, "reference_content_id": 2, "stance": "supports"},
			{"claim_id": 1, "reference_content_id": 3, "stance": "refutes"},
			{"claim_id": 2, "reference_content_id": 4, "stance": "background"},
		},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	require.Len(t, body["ids"], 3)
	require.Len(t, links.lastIns, 3)
}

func doJSON(t *testing.T, method, url string, payload any) *http.Response {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestUpdateLink(t *testing.T) {
	t.Parallel()

	links := &fakeLinks{}
	ts := newTestServer(t, serverFakes{links: links}, config.Config{})

	resp := doJSON(t, http.MethodPut, ts.URL+"/api/reference-claim-links/44", map[string]any{
		"claim_id":             7,
		"reference_content_id": 2,
		"stance":               "refutes",
		"confidence":           0.6,
		"score":                50,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, int64(44), links.lastID)
	require.Equal(t, int64(7), links.lastIn.ClaimID)
}

func TestUpdateLinkBadID(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, serverFakes{}, config.Config{})
	resp := doJSON(t, http.MethodPut, ts.URL+"/api/reference-claim-links/nope", map[string]any{})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDeleteLink(t *testing.T) {
	t.Parallel()

	links := &fakeLinks{}
	ts := newTestServer(t, serverFakes{links: links}, config.Config{})

	resp := doJSON(t, http.MethodDelete, ts.URL+"/api/reference-claim-links/44", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, int64(44), links.lastID)
}

func TestInsertClaimLink(t *testing.T) {
	t.Parallel()

	links := &fakeLinks{id: 31}
	ts := newTestServer(t, serverFakes{links: links}, config.Config{})

	resp := postJSON(t, ts.URL+"/api/claim-links", map[string]any{
		"source_claim_id": 3,
		"target_claim_id": 4,
		"kind":            "entails",
		"support_level":   0.5,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	require.Equal(t, float64(31), body["id"])
	require.Equal(t, "entails", links.lastClaimLink.Kind)
}

func TestInsertClaimLinkMissingKind(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, serverFakes{}, config.Config{})
	resp := postJSON(t, ts.URL+"/api/claim-links", map[string]any{
		"source_claim_id": 3,
		"target_claim_id": 4,
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDeleteClaimLink(t *testing.T) {
	t.Parallel()

	links := &fakeLinks{}
	ts := newTestServer(t, serverFakes{links: links}, config.Config{})

	resp := doJSON(t, http.MethodDelete, ts.URL+"/api/claim-links/31", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, int64(31), links.lastID)
}

func TestSuggestQueries(t *testing.T) {
	t.Parallel()

	suggester := &fakeSuggester{items: []llm.QuerySuggestion{{
		Claim: "c", Queries: []string{"q"}, PreferDomains: []string{"bls.gov"},
	}}}
	ts := newTestServer(t, serverFakes{suggester: suggester}, config.Config{})

	resp := postJSON(t, ts.URL+"/api/claims/suggest-queries", map[string]any{
		"text": "article", "claims": []string{"c"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	require.Equal(t, true, body["success"])
}

func TestSuggestQueriesMissingClaims(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, serverFakes{suggester: &fakeSuggester{}}, config.Config{})
	resp := postJSON(t, ts.URL+"/api/claims/suggest-queries", map[string]any{"text": "x"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSuggestQueriesLLMFailure(t *testing.T) {
	t.Parallel()

	suggester := &fakeSuggester{err: errors.New("model unavailable")}
	ts := newTestServer(t, serverFakes{suggester: suggester}, config.Config{})

	resp := postJSON(t, ts.URL+"/api/claims/suggest-queries", map[string]any{
		"text": "x", "claims": []string{"c"},
	})
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestSuggestQueriesNotConfigured(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, serverFakes{}, config.Config{})
	resp := postJSON(t, ts.URL+"/api/claims/suggest-queries", map[string]any{"claims": []string{"c"}})
	require.Equal(t, http.StatusNotImplemented, resp.StatusCode)
}

func TestSearchMapNotConfigured(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, serverFakes{}, config.Config{})
	resp := postJSON(t, ts.URL+"/api/claims/search-map", map[string]any{"items": []map[string]any{}})
	require.Equal(t, http.StatusNotImplemented, resp.StatusCode)
}

func TestSearchMap(t *testing.T) {
	t.Parallel()

	mapper := &fakeMapper{results: []search.MapResult{{
		Claim:   "c",
		Sources: []search.MappedSource{{URL: "https://a.example/x", Stance: "supports", Why: "matches"}},
	}}}
	ts := newTestServer(t, serverFakes{mapper: mapper}, config.Config{})

	resp := postJSON(t, ts.URL+"/api/claims/search-map", map[string]any{
		"items": []search.MapItem{{Claim: "c", Queries: []string{"q"}}},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	require.Equal(t, true, body["success"])
}

func TestClaimScoreFound(t *testing.T) {
	t.Parallel()

	scores := &fakeScores{claim: evidence.ClaimScore{ClaimID: 9, Support: 0.21}, claimFound: true}
	ts := newTestServer(t, serverFakes{scores: scores}, config.Config{})

	resp, err := http.Get(ts.URL + "/api/claims/9/score")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	require.InDelta(t, 0.21, body["support"], 1e-9)
}

func TestClaimScoreUnevaluated(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, serverFakes{scores: &fakeScores{}}, config.Config{})
	resp, err := http.Get(ts.URL + "/api/claims/9/score")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestContentScoreUnevaluated(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, serverFakes{scores: &fakeScores{}}, config.Config{})
	resp, err := http.Get(ts.URL + "/api/content/4/score")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPIKeyMiddleware(t *testing.T) {
	t.Parallel()

	cfg := config.Config{}
	cfg.Auth.Enabled = true
	cfg.Auth.APIKey = "secret"
	ts := newTestServer(t, serverFakes{}, cfg)

	resp := postJSON(t, ts.URL+"/api/fetch-page-content", map[string]string{"url": "https://a.example/x"})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/fetch-page-content",
		bytes.NewReader([]byte(`{"url":"https://a.example/x"}`)))
	require.NoError(t, err)
	req.Header.Set("X-API-Key", "secret")
	authed, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer authed.Body.Close()
	require.NotEqual(t, http.StatusForbidden, authed.StatusCode)

	// Health endpoints stay open.
	health, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer health.Body.Close()
	require.Equal(t, http.StatusOK, health.StatusCode)
}

func TestHealthAndReady(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, serverFakes{}, config.Config{})

	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := http.Get(ts.URL + path)
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		_ = resp.Body.Close()
	}
}

func TestReadyzFailsWhenDependencyDown(t *testing.T) {
	t.Parallel()

	srv := NewServer(&fakeFetcher{}, &fakeLinks{}, nil, &fakeScores{}, nil, nil,
		func(context.Context) error { return errors.New("db down") }, config.Config{}, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/readyz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestRequestIDHeaderSet(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, serverFakes{}, config.Config{})
	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}
