// Package search ranks indexed documents against free-text queries.
package search

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/jbeltran/campus-search/internal/store"
	"github.com/jbeltran/campus-search/internal/tokenizer"
)

const (
	defaultPerPage = 10
	maxPerPage     = 50

	snippetLength = 200
	snippetLead   = 50
)

// searchStore is the read-only slice of the store the ranker needs.
type searchStore interface {
	CountDocuments(ctx context.Context) (int, error)
	GetPostings(ctx context.Context, terms []string) ([]store.Posting, error)
	GetDocumentsByIDs(ctx context.Context, ids []int64) ([]store.Document, error)
}

// Result is one ranked hit.
type Result struct {
	URL     string  `json:"url"`
	Title   string  `json:"title"`
	Snippet string  `json:"snippet"`
	Score   float64 `json:"score"`
}

// Response is a page of ranked results.
type Response struct {
	Query        string   `json:"query"`
	Page         int      `json:"page"`
	PerPage      int      `json:"per_page"`
	TotalResults int      `json:"total_results"`
	TotalPages   int      `json:"total_pages"`
	Results      []Result `json:"results"`
}

// Service executes queries against the inverted index.
type Service struct {
	store  searchStore
	logger *zap.Logger
}

// New constructs a search Service.
func New(s searchStore, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: s, logger: logger}
}

// Search tokenizes the query, scores every document carrying at least one
// query term, and returns the requested page of results ordered by
// descending score. A document's score is the sum over query terms of
// raw term frequency times ln(N/(df+1)); documents whose total is not
// positive are dropped. Ties keep the order documents were first seen in
// the postings.
func (s *Service) Search(ctx context.Context, query string, page, perPage int) (Response, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = defaultPerPage
	}
	if perPage > maxPerPage {
		perPage = maxPerPage
	}
	resp := Response{
		Query:   query,
		Page:    page,
		PerPage: perPage,
		Results: []Result{},
	}

	terms := distinctTerms(tokenizer.Tokenize(query))
	if len(terms) == 0 {
		return resp, nil
	}

	totalDocs, err := s.store.CountDocuments(ctx)
	if err != nil {
		return resp, fmt.Errorf("count documents: %w", err)
	}
	if totalDocs == 0 {
		return resp, nil
	}

	postings, err := s.store.GetPostings(ctx, terms)
	if err != nil {
		return resp, fmt.Errorf("get postings: %w", err)
	}

	scores := make(map[int64]float64)
	var order []int64
	for _, p := range postings {
		idf := math.Log(float64(totalDocs) / float64(p.DocumentFrequency+1))
		if _, seen := scores[p.DocumentID]; !seen {
			order = append(order, p.DocumentID)
		}
		scores[p.DocumentID] += float64(p.TermFrequency) * idf
	}

	ranked := make([]int64, 0, len(order))
	for _, id := range order {
		if scores[id] > 0 {
			ranked = append(ranked, id)
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return scores[ranked[i]] > scores[ranked[j]]
	})

	resp.TotalResults = len(ranked)
	resp.TotalPages = (len(ranked) + perPage - 1) / perPage

	start := (page - 1) * perPage
	if start >= len(ranked) {
		return resp, nil
	}
	end := start + perPage
	if end > len(ranked) {
		end = len(ranked)
	}

	docs, err := s.store.GetDocumentsByIDs(ctx, ranked[start:end])
	if err != nil {
		return resp, fmt.Errorf("load documents: %w", err)
	}
	for _, doc := range docs {
		resp.Results = append(resp.Results, Result{
			URL:     doc.URL,
			Title:   doc.Title,
			Snippet: snippet(doc.Content, terms),
			Score:   scores[doc.ID],
		})
	}

	s.logger.Debug("search executed",
		zap.String("query", query),
		zap.Int("total_results", resp.TotalResults),
		zap.Int("page", page),
	)
	return resp, nil
}

func distinctTerms(tokens []string) []string {
	seen := make(map[string]struct{}, len(tokens))
	var terms []string
	for _, tok := range tokens {
		if _, ok := seen[tok]; ok {
			continue
		}
		seen[tok] = struct{}{}
		terms = append(terms, tok)
	}
	return terms
}

// snippet extracts a window of content around the earliest occurrence of
// any query term, with ellipses marking trimmed edges.
func snippet(content string, terms []string) string {
	if content == "" {
		return ""
	}
	lower := strings.ToLower(content)
	earliest := -1
	for _, term := range terms {
		if idx := strings.Index(lower, term); idx >= 0 && (earliest == -1 || idx < earliest) {
			earliest = idx
		}
	}
	start := 0
	if earliest > snippetLead {
		start = earliest - snippetLead
	}
	end := start + snippetLength
	if end > len(content) {
		end = len(content)
	}
	out := strings.TrimSpace(content[start:end])
	if start > 0 {
		out = "..." + out
	}
	if end < len(content) {
		out += "..."
	}
	return out
}
