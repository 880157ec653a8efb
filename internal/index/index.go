// Package index builds the inverted index from crawled page text.
package index

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/jbeltran/campus-search/internal/tokenizer"
)

// indexStore is the slice of the store the builder writes through. Handing
// the builder a transaction-scoped store makes a page's entries atomic with
// its document row.
type indexStore interface {
	CountDocuments(ctx context.Context) (int, error)
	CountDocumentsWithTerm(ctx context.Context, term string) (int, error)
	UpsertIndexEntry(ctx context.Context, term string, docID int64, termFrequency int, weight float64) error
}

// Builder writes inverted-index entries for one document at a time.
type Builder struct {
	logger *zap.Logger
}

// NewBuilder constructs a Builder.
func NewBuilder(logger *zap.Logger) *Builder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Builder{logger: logger}
}

// Index tokenizes the text and writes one entry per distinct term. The
// stored weight is tf * (1 + N/df) where tf is the term's share of the
// document's tokens, N the total document count, and df the number of
// documents already carrying the term (at least 1). It returns the
// document's token count.
func (b *Builder) Index(ctx context.Context, s indexStore, docID int64, text string) (int, error) {
	tokens := tokenizer.Tokenize(text)
	if len(tokens) == 0 {
		return 0, nil
	}

	totalDocs, err := s.CountDocuments(ctx)
	if err != nil {
		return 0, fmt.Errorf("count documents: %w", err)
	}
	if totalDocs < 1 {
		totalDocs = 1
	}

	freqs := tokenizer.Frequencies(tokens)
	terms := make([]string, 0, len(freqs))
	for term := range freqs {
		terms = append(terms, term)
	}
	sort.Strings(terms)

	for _, term := range terms {
		df, err := s.CountDocumentsWithTerm(ctx, term)
		if err != nil {
			return 0, fmt.Errorf("count documents with term %q: %w", term, err)
		}
		if df < 1 {
			df = 1
		}
		tf := float64(freqs[term]) / float64(len(tokens))
		weight := tf * (1 + float64(totalDocs)/float64(df))
		if err := s.UpsertIndexEntry(ctx, term, docID, freqs[term], weight); err != nil {
			return 0, fmt.Errorf("upsert index entry %q: %w", term, err)
		}
	}

	b.logger.Debug("indexed document",
		zap.Int64("document_id", docID),
		zap.Int("tokens", len(tokens)),
		zap.Int("terms", len(terms)),
	)
	return len(tokens), nil
}
