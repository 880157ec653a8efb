package search

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbeltran/campus-search/internal/store"
	"github.com/jbeltran/campus-search/internal/store/memory"
)

func addDoc(t *testing.T, s *memory.Store, url, title, content string) int64 {
	t.Helper()
	doc := store.Document{URL: url, Title: title, Content: content, Crawled: true}
	require.NoError(t, s.UpsertDocument(context.Background(), &doc))
	return doc.ID
}

func TestSearchRanksByScore(t *testing.T) {
	t.Parallel()

	s := memory.New()
	ctx := context.Background()

	d1 := addDoc(t, s, "https://cs.uci.edu/a", "Algorithms", "algorithms algorithms algorithms")
	d2 := addDoc(t, s, "https://cs.uci.edu/b", "ML", "algorithms learning learning")
	addDoc(t, s, "https://cs.uci.edu/c", "Other", "unrelated")
	addDoc(t, s, "https://cs.uci.edu/d", "Other2", "unrelated")

	require.NoError(t, s.UpsertIndexEntry(ctx, "algorithms", d1, 3, 0))
	require.NoError(t, s.UpsertIndexEntry(ctx, "algorithms", d2, 1, 0))
	require.NoError(t, s.UpsertIndexEntry(ctx, "learning", d2, 2, 0))

	svc := New(s, nil)
	resp, err := svc.Search(ctx, "algorithms learning", 1, 10)
	require.NoError(t, err)

	// N=4: idf(algorithms)=ln(4/3), idf(learning)=ln(4/2).
	// d2 = 1*ln(4/3) + 2*ln(2) > d1 = 3*ln(4/3).
	require.Len(t, resp.Results, 2)
	assert.Equal(t, "https://cs.uci.edu/b", resp.Results[0].URL)
	assert.Equal(t, "https://cs.uci.edu/a", resp.Results[1].URL)
	assert.Greater(t, resp.Results[0].Score, resp.Results[1].Score)
	assert.Equal(t, 2, resp.TotalResults)
	assert.Equal(t, 1, resp.TotalPages)
}

func TestSearchDropsNonPositiveScores(t *testing.T) {
	t.Parallel()

	s := memory.New()
	ctx := context.Background()

	d1 := addDoc(t, s, "https://cs.uci.edu/a", "A", "common words")
	d2 := addDoc(t, s, "https://cs.uci.edu/b", "B", "common words")
	require.NoError(t, s.UpsertIndexEntry(ctx, "common", d1, 1, 0))
	require.NoError(t, s.UpsertIndexEntry(ctx, "common", d2, 1, 0))

	svc := New(s, nil)
	resp, err := svc.Search(ctx, "common", 1, 10)
	require.NoError(t, err)

	// Term appears in every document: idf = ln(2/3) < 0, nothing ranks.
	assert.Empty(t, resp.Results)
	assert.Zero(t, resp.TotalResults)
	assert.Zero(t, resp.TotalPages)
}

func TestSearchEmptyQuery(t *testing.T) {
	t.Parallel()

	s := memory.New()
	addDoc(t, s, "https://cs.uci.edu/a", "A", "content")

	svc := New(s, nil)
	resp, err := svc.Search(context.Background(), "  !!!  ", 1, 10)
	require.NoError(t, err)
	assert.Empty(t, resp.Results)
	assert.Zero(t, resp.TotalResults)
	assert.Zero(t, resp.TotalPages)
}

func TestSearchPagination(t *testing.T) {
	t.Parallel()

	s := memory.New()
	ctx := context.Background()

	for i := 0; i < 25; i++ {
		id := addDoc(t, s, fmt.Sprintf("https://cs.uci.edu/p%02d", i), "Page", "research content")
		require.NoError(t, s.UpsertIndexEntry(ctx, "research", id, 1, 0))
	}
	for i := 0; i < 5; i++ {
		addDoc(t, s, fmt.Sprintf("https://cs.uci.edu/x%d", i), "Other", "unrelated")
	}

	svc := New(s, nil)

	page1, err := svc.Search(ctx, "research", 1, 10)
	require.NoError(t, err)
	assert.Len(t, page1.Results, 10)
	assert.Equal(t, 25, page1.TotalResults)
	assert.Equal(t, 3, page1.TotalPages)
	assert.Equal(t, "https://cs.uci.edu/p00", page1.Results[0].URL)

	page3, err := svc.Search(ctx, "research", 3, 10)
	require.NoError(t, err)
	assert.Len(t, page3.Results, 5)

	page4, err := svc.Search(ctx, "research", 4, 10)
	require.NoError(t, err)
	assert.Empty(t, page4.Results)
	assert.Equal(t, 25, page4.TotalResults)
}

func TestSearchClampsPaging(t *testing.T) {
	t.Parallel()

	s := memory.New()
	svc := New(s, nil)

	resp, err := svc.Search(context.Background(), "anything", 0, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, resp.Page)
	assert.Equal(t, 50, resp.PerPage)

	resp, err = svc.Search(context.Background(), "anything", 2, 0)
	require.NoError(t, err)
	assert.Equal(t, 10, resp.PerPage)
}

func TestSnippetWindowsAroundFirstMatch(t *testing.T) {
	t.Parallel()

	prefix := strings.Repeat("x", 100)
	suffix := strings.Repeat("y", 300)
	content := prefix + " algorithms " + suffix

	got := snippet(content, []string{"algorithms"})
	assert.True(t, strings.HasPrefix(got, "..."))
	assert.True(t, strings.HasSuffix(got, "..."))
	assert.Contains(t, got, "algorithms")
	assert.LessOrEqual(t, len(got), snippetLength+6)
}

func TestSnippetFallsBackToHead(t *testing.T) {
	t.Parallel()

	content := "short page about nothing in particular"
	got := snippet(content, []string{"missing"})
	assert.Equal(t, content, got)
}
