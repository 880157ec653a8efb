package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbeltran/campus-search/internal/store"
)

func TestUpsertDocumentAssignsAndKeepsID(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	doc := store.Document{URL: "https://cs.uci.edu/a", Crawled: true}
	require.NoError(t, s.UpsertDocument(ctx, &doc))
	require.NotZero(t, doc.ID)

	update := store.Document{URL: "https://cs.uci.edu/a", Title: "About"}
	require.NoError(t, s.UpsertDocument(ctx, &update))
	assert.Equal(t, doc.ID, update.ID)

	got, err := s.GetDocumentByURL(ctx, "https://cs.uci.edu/a")
	require.NoError(t, err)
	assert.Equal(t, "About", got.Title)
	assert.Equal(t, "cs.uci.edu", got.Domain)
}

func TestGetDocumentByURLNotFound(t *testing.T) {
	t.Parallel()

	s := New()
	_, err := s.GetDocumentByURL(context.Background(), "https://cs.uci.edu/missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestEnsureStubIsIdempotent(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	first, err := s.EnsureStub(ctx, "https://ics.uci.edu/b")
	require.NoError(t, err)
	second, err := s.EnsureStub(ctx, "https://ics.uci.edu/b")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.False(t, second.Crawled)

	count, err := s.CountDocuments(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestPendingURLsExcludeCrawledAndFailed(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	crawled := store.Document{URL: "https://cs.uci.edu/a", Crawled: true}
	require.NoError(t, s.UpsertDocument(ctx, &crawled))
	_, err := s.EnsureStub(ctx, "https://cs.uci.edu/b")
	require.NoError(t, err)
	_, err = s.EnsureStub(ctx, "https://cs.uci.edu/c")
	require.NoError(t, err)
	require.NoError(t, s.MarkDocumentFailed(ctx, "https://cs.uci.edu/c", "timeout"))

	pending, err := s.ListPendingURLs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://cs.uci.edu/b"}, pending)

	visited, err := s.ListCrawledURLs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://cs.uci.edu/a"}, visited)

	failed, err := s.ListFailedURLs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://cs.uci.edu/c"}, failed)
}

func TestUpsertIndexEntrySinglePerPair(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	require.NoError(t, s.UpsertIndexEntry(ctx, "algorithms", 1, 3, 0.5))
	require.NoError(t, s.UpsertIndexEntry(ctx, "algorithms", 1, 5, 0.9))
	require.NoError(t, s.UpsertIndexEntry(ctx, "algorithms", 2, 1, 0.1))

	entries, err := s.CountIndexEntries(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, entries)

	df, err := s.CountDocumentsWithTerm(ctx, "algorithms")
	require.NoError(t, err)
	assert.Equal(t, 2, df)

	postings, err := s.GetPostings(ctx, []string{"algorithms"})
	require.NoError(t, err)
	require.Len(t, postings, 2)
	assert.Equal(t, 5, postings[0].TermFrequency)
	assert.Equal(t, 2, postings[0].DocumentFrequency)
}

func TestCreateLinkIdempotent(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	require.NoError(t, s.CreateLink(ctx, 1, 2))
	require.NoError(t, s.CreateLink(ctx, 1, 2))
	require.NoError(t, s.CreateLink(ctx, 2, 1))
	assert.Len(t, s.links, 2)
}

func TestResetCrawlFlagsKeepsGraph(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	fp := uint16(42)
	doc := store.Document{URL: "https://cs.uci.edu/a", Crawled: true, Fingerprint: &fp, WordCount: 10}
	require.NoError(t, s.UpsertDocument(ctx, &doc))
	require.NoError(t, s.CreateLink(ctx, doc.ID, doc.ID+1))
	require.NoError(t, s.UpsertIndexEntry(ctx, "x", doc.ID, 1, 0.5))

	require.NoError(t, s.ResetCrawlFlags(ctx))

	got, err := s.GetDocumentByURL(ctx, "https://cs.uci.edu/a")
	require.NoError(t, err)
	assert.False(t, got.Crawled)
	assert.Nil(t, got.Fingerprint)
	assert.Len(t, s.links, 1)

	entries, err := s.CountIndexEntries(ctx)
	require.NoError(t, err)
	assert.Zero(t, entries)
}

func TestClearCrawlDataWipesEverything(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	doc := store.Document{URL: "https://cs.uci.edu/a", Crawled: true}
	require.NoError(t, s.UpsertDocument(ctx, &doc))
	require.NoError(t, s.UpsertIndexEntry(ctx, "x", doc.ID, 1, 0.5))
	require.NoError(t, s.SaveCrawlState(ctx, store.CrawlState{URLsVisited: 1}))

	require.NoError(t, s.ClearCrawlData(ctx))

	count, err := s.CountDocuments(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
	_, err = s.GetCrawlState(ctx)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDomainRateRoundTrip(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	_, err := s.GetDomainRate(ctx, "cs.uci.edu")
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.UpsertDomainRate(ctx, store.DomainRate{Domain: "cs.uci.edu", DelaySeconds: 1}))
	rate, err := s.GetDomainRate(ctx, "cs.uci.edu")
	require.NoError(t, err)
	assert.Equal(t, 1.0, rate.DelaySeconds)
}

func TestListFingerprintsOnlyCrawled(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	fp := uint16(7)
	crawled := store.Document{URL: "https://cs.uci.edu/a", Crawled: true, Fingerprint: &fp}
	require.NoError(t, s.UpsertDocument(ctx, &crawled))
	_, err := s.EnsureStub(ctx, "https://cs.uci.edu/b")
	require.NoError(t, err)

	fps, err := s.ListFingerprints(ctx)
	require.NoError(t, err)
	assert.Equal(t, []uint16{7}, fps)
}
