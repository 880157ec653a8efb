package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbeltran/campus-search/internal/crawler"
	"github.com/jbeltran/campus-search/internal/fetch"
	"github.com/jbeltran/campus-search/internal/search"
	"github.com/jbeltran/campus-search/internal/store"
	"github.com/jbeltran/campus-search/internal/store/memory"
)

// blockingFetcher keeps a crawl run alive until it is stopped.
type blockingFetcher struct{}

func (blockingFetcher) Fetch(ctx context.Context, _ string) (fetch.Page, error) {
	<-ctx.Done()
	return fetch.Page{}, ctx.Err()
}

func newTestServer(t *testing.T, secretKey string, fetcher crawler.PageFetcher) (*httptest.Server, *memory.Store) {
	t.Helper()
	s := memory.New()
	manager := crawler.New(crawler.Config{
		SeedURLs:       []string{"https://cs.uci.edu"},
		AllowedDomains: []string{"uci.edu"},
	}, s, fetcher, nil, nil, nil)
	searchSvc := search.New(s, nil)
	srv := httptest.NewServer(NewServer(manager, searchSvc, s, secretKey, nil).Handler())
	t.Cleanup(srv.Close)
	return srv, s
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, "", blockingFetcher{})
	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", decodeBody(t, resp)["status"])
}

func TestReadyz(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, "", blockingFetcher{})
	resp, err := http.Get(srv.URL + "/readyz")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ready", decodeBody(t, resp)["status"])
}

func TestSearchEndpoint(t *testing.T) {
	t.Parallel()

	srv, s := newTestServer(t, "", blockingFetcher{})
	ctx := context.Background()

	doc := store.Document{
		URL:     "https://cs.uci.edu/a",
		Title:   "Algorithms",
		Content: "algorithms lecture notes",
		Crawled: true,
	}
	require.NoError(t, s.UpsertDocument(ctx, &doc))
	other := store.Document{URL: "https://cs.uci.edu/b", Crawled: true, Content: "unrelated"}
	require.NoError(t, s.UpsertDocument(ctx, &other))
	require.NoError(t, s.UpsertIndexEntry(ctx, "algorithms", doc.ID, 1, 0.5))

	resp, err := http.Get(srv.URL + "/search?query=algorithms")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Equal(t, "algorithms", body["query"])
	assert.EqualValues(t, 1, body["total_results"])
	results, ok := body["results"].([]any)
	require.True(t, ok)
	require.Len(t, results, 1)
	first, ok := results[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "https://cs.uci.edu/a", first["url"])
	assert.Equal(t, "Algorithms", first["title"])
}

func TestSearchRejectsBadPaging(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, "", blockingFetcher{})
	resp, err := http.Get(srv.URL + "/search?query=x&page=abc")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCrawlerStartRequiresSecretKey(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, "hunter2", blockingFetcher{})

	resp, err := http.Post(srv.URL+"/crawler/start", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestCrawlerLifecycle(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, "hunter2", blockingFetcher{})
	client := srv.Client()

	post := func(path, body string) *http.Response {
		req, err := http.NewRequest(http.MethodPost, srv.URL+path, strings.NewReader(body))
		require.NoError(t, err)
		req.Header.Set("X-Secret-Key", "hunter2")
		resp, err := client.Do(req)
		require.NoError(t, err)
		return resp
	}

	resp := post("/crawler/start", `{"mode":"fresh"}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "fresh", decodeBody(t, resp)["mode"])

	resp = post("/crawler/start", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()

	statusResp, err := http.Get(srv.URL + "/crawler/status")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, statusResp.StatusCode)
	assert.Equal(t, true, decodeBody(t, statusResp)["running"])

	resp = post("/crawler/stop", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = post("/crawler/stop", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()
}

func TestCrawlerStartRejectsUnknownMode(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, "", blockingFetcher{})
	resp, err := http.Post(srv.URL+"/crawler/start", "application/json", strings.NewReader(`{"mode":"bogus"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCrawlerStatistics(t *testing.T) {
	t.Parallel()

	srv, s := newTestServer(t, "", blockingFetcher{})
	ctx := context.Background()

	doc := store.Document{URL: "https://cs.uci.edu/a", Crawled: true}
	require.NoError(t, s.UpsertDocument(ctx, &doc))
	require.NoError(t, s.UpsertIndexEntry(ctx, "algorithms", doc.ID, 1, 0.5))

	resp, err := http.Get(srv.URL + "/crawler/statistics")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.EqualValues(t, 1, body["urls_crawled"])
	assert.EqualValues(t, 1, body["documents"])
	assert.EqualValues(t, 1, body["terms"])
	assert.EqualValues(t, 1, body["index_entries"])
}
