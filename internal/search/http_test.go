package search

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHTTPSearcherParsesResults(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "cpi 2024", r.URL.Query().Get("q"))
		require.Equal(t, "json", r.URL.Query().Get("format"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"results":[
			{"url":"https://bls.gov/cpi","title":"CPI Summary","content":"CPI rose 2.9%"}]}`))
	}))
	defer server.Close()

	searcher := NewHTTPSearcher(server.URL, time.Second)
	hits, err := searcher.Search(context.Background(), "cpi 2024")
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, "https://bls.gov/cpi", hits[0].URL)
	require.Equal(t, "CPI rose 2.9%", hits[0].Snippet)
}

func TestHTTPSearcherErrorStatus(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	searcher := NewHTTPSearcher(server.URL, time.Second)
	_, err := searcher.Search(context.Background(), "q")
	require.Error(t, err)
}
