package crawler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbeltran/campus-search/internal/fetch"
	"github.com/jbeltran/campus-search/internal/store"
	"github.com/jbeltran/campus-search/internal/store/memory"
)

type stubFetcher struct {
	mu    sync.Mutex
	pages map[string]fetch.Page
	calls []string
}

func (f *stubFetcher) Fetch(_ context.Context, url string) (fetch.Page, error) {
	f.mu.Lock()
	f.calls = append(f.calls, url)
	page, ok := f.pages[url]
	f.mu.Unlock()
	if !ok {
		return fetch.Page{}, assert.AnError
	}
	return page, nil
}

func (f *stubFetcher) fetched() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// blockingFetcher holds every fetch until the run context is cancelled.
type blockingFetcher struct{}

func (blockingFetcher) Fetch(ctx context.Context, _ string) (fetch.Page, error) {
	<-ctx.Done()
	return fetch.Page{}, ctx.Err()
}

func waitForIdle(t *testing.T, m *Manager) {
	t.Helper()
	require.Eventually(t, func() bool {
		status, err := m.Status(context.Background())
		return err == nil && !status.Running
	}, 5*time.Second, 10*time.Millisecond)
}

func TestParseMode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{in: "", want: ModeContinue},
		{in: "fresh", want: ModeFresh},
		{in: "continue", want: ModeContinue},
		{in: "recrawl", want: ModeRecrawl},
		{in: "bogus", wantErr: true},
	}
	for _, tt := range tests {
		mode, err := ParseMode(tt.in)
		if tt.wantErr {
			assert.Error(t, err)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, mode)
	}
}

func TestCrawlFollowsAllowedLinks(t *testing.T) {
	t.Parallel()

	s := memory.New()
	fetcher := &stubFetcher{pages: map[string]fetch.Page{
		"https://cs.uci.edu": {
			Title: "Home",
			Text:  "welcome to computer science",
			Links: []string{
				"https://cs.uci.edu/a",
				"http://example.com/x",
			},
		},
		"https://cs.uci.edu/a": {
			Title: "Research",
			Text:  "algorithms research",
		},
	}}

	m := New(Config{
		SeedURLs:            []string{"https://cs.uci.edu/"},
		AllowedDomains:      []string{"uci.edu"},
		SimilarityThreshold: 1.01, // disable duplicate detection for this test
	}, s, fetcher, nil, nil, nil)

	require.NoError(t, m.Start(context.Background(), ModeFresh, nil))
	waitForIdle(t, m)

	crawled, err := s.ListCrawledURLs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"https://cs.uci.edu", "https://cs.uci.edu/a"}, crawled)

	// The disallowed domain was never stored or fetched.
	_, err = s.GetDocumentByURL(context.Background(), "http://example.com/x")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.NotContains(t, fetcher.fetched(), "http://example.com/x")

	entries, err := s.CountIndexEntries(context.Background())
	require.NoError(t, err)
	assert.Greater(t, entries, 0)

	status, err := m.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, status.URLsVisited)
	assert.Zero(t, status.URLsQueued)
}

func TestCrawlSkipsDuplicateContent(t *testing.T) {
	t.Parallel()

	s := memory.New()
	// Single-letter bodies have known distinct fingerprints; the two "b"
	// pages are exact duplicates of each other.
	fetcher := &stubFetcher{pages: map[string]fetch.Page{
		"https://cs.uci.edu": {
			Text:  "a",
			Links: []string{"https://cs.uci.edu/d1", "https://cs.uci.edu/d2"},
		},
		"https://cs.uci.edu/d1": {Text: "b"},
		"https://cs.uci.edu/d2": {Text: "b"},
	}}

	m := New(Config{
		SeedURLs:       []string{"https://cs.uci.edu"},
		AllowedDomains: []string{"uci.edu"},
	}, s, fetcher, nil, nil, nil)

	require.NoError(t, m.Start(context.Background(), ModeFresh, nil))
	waitForIdle(t, m)

	// All three pages are stored as crawled.
	crawled, err := s.ListCrawledURLs(context.Background())
	require.NoError(t, err)
	assert.Len(t, crawled, 3)

	// The duplicate was not indexed: "b" carries one entry, not two.
	postings, err := s.GetPostings(context.Background(), []string{"b"})
	require.NoError(t, err)
	assert.Len(t, postings, 1)

	dup, err := s.GetDocumentByURL(context.Background(), "https://cs.uci.edu/d2")
	require.NoError(t, err)
	assert.True(t, dup.Crawled)
	require.NotNil(t, dup.Fingerprint)
}

func TestStartAcceptsExtraSeeds(t *testing.T) {
	t.Parallel()

	s := memory.New()
	fetcher := &stubFetcher{pages: map[string]fetch.Page{
		"https://cs.uci.edu":       {Text: "a"},
		"https://ics.uci.edu/grad": {Text: "b"},
	}}
	m := New(Config{
		SeedURLs:       []string{"https://cs.uci.edu"},
		AllowedDomains: []string{"uci.edu"},
	}, s, fetcher, nil, nil, nil)

	require.NoError(t, m.Start(context.Background(), ModeFresh, []string{"https://ics.uci.edu/grad"}))
	waitForIdle(t, m)

	crawled, err := s.ListCrawledURLs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"https://cs.uci.edu", "https://ics.uci.edu/grad"}, crawled)
}

func TestCrawlRecordsFailures(t *testing.T) {
	t.Parallel()

	s := memory.New()
	fetcher := &stubFetcher{pages: map[string]fetch.Page{
		"https://cs.uci.edu": {
			Text:  "home",
			Links: []string{"https://cs.uci.edu/broken"},
		},
	}}

	m := New(Config{
		SeedURLs:       []string{"https://cs.uci.edu"},
		AllowedDomains: []string{"uci.edu"},
	}, s, fetcher, nil, nil, nil)

	require.NoError(t, m.Start(context.Background(), ModeFresh, nil))
	waitForIdle(t, m)

	failed, err := s.ListFailedURLs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"https://cs.uci.edu/broken"}, failed)

	doc, err := s.GetDocumentByURL(context.Background(), "https://cs.uci.edu/broken")
	require.NoError(t, err)
	assert.True(t, doc.Failed)
	assert.NotEmpty(t, doc.ErrorMessage)
}

func TestStartWhileRunningReturnsConflict(t *testing.T) {
	t.Parallel()

	s := memory.New()
	m := New(Config{
		SeedURLs:       []string{"https://cs.uci.edu"},
		AllowedDomains: []string{"uci.edu"},
	}, s, blockingFetcher{}, nil, nil, nil)

	require.NoError(t, m.Start(context.Background(), ModeFresh, nil))
	assert.ErrorIs(t, m.Start(context.Background(), ModeFresh, nil), ErrAlreadyRunning)

	require.NoError(t, m.Stop(context.Background()))
	waitForIdle(t, m)
}

func TestStopWithoutRunReturnsNotRunning(t *testing.T) {
	t.Parallel()

	m := New(Config{}, memory.New(), &stubFetcher{}, nil, nil, nil)
	assert.ErrorIs(t, m.Stop(context.Background()), ErrNotRunning)
}

func TestContinueResumesPendingOnly(t *testing.T) {
	t.Parallel()

	s := memory.New()
	ctx := context.Background()

	done := store.Document{URL: "https://cs.uci.edu", Crawled: true}
	require.NoError(t, s.UpsertDocument(ctx, &done))
	_, err := s.EnsureStub(ctx, "https://cs.uci.edu/pending")
	require.NoError(t, err)

	fetcher := &stubFetcher{pages: map[string]fetch.Page{
		"https://cs.uci.edu/pending": {Text: "pending page"},
	}}
	m := New(Config{
		SeedURLs:       []string{"https://cs.uci.edu"},
		AllowedDomains: []string{"uci.edu"},
	}, s, fetcher, nil, nil, nil)

	require.NoError(t, m.Start(ctx, ModeContinue, nil))
	waitForIdle(t, m)

	// Only the pending URL was fetched; the crawled one stayed untouched.
	assert.Equal(t, []string{"https://cs.uci.edu/pending"}, fetcher.fetched())

	crawled, err := s.ListCrawledURLs(ctx)
	require.NoError(t, err)
	assert.Len(t, crawled, 2)
}

func TestRecrawlRefetchesEverything(t *testing.T) {
	t.Parallel()

	s := memory.New()
	ctx := context.Background()

	fp := uint16(9)
	done := store.Document{URL: "https://cs.uci.edu", Crawled: true, Fingerprint: &fp}
	require.NoError(t, s.UpsertDocument(ctx, &done))

	fetcher := &stubFetcher{pages: map[string]fetch.Page{
		"https://cs.uci.edu": {Text: "refreshed content"},
	}}
	m := New(Config{
		AllowedDomains: []string{"uci.edu"},
	}, s, fetcher, nil, nil, nil)

	require.NoError(t, m.Start(ctx, ModeRecrawl, nil))
	waitForIdle(t, m)

	assert.Equal(t, []string{"https://cs.uci.edu"}, fetcher.fetched())

	doc, err := s.GetDocumentByURL(ctx, "https://cs.uci.edu")
	require.NoError(t, err)
	assert.Equal(t, "refreshed content", doc.Content)
}
