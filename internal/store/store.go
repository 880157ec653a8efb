// Package store defines the persistence interfaces and row types for the
// crawl graph, the inverted index, and crawler run state. Implementations
// live in the postgres and memory subpackages; by programming against the
// Store interface the crawler and search engine stay testable without a
// live database.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// Document is a page in the crawl graph. A row is created in the
// "discovered" state the first time the URL is linked to; a fetch attempt
// transitions it to crawled (content populated) or failed (error recorded).
type Document struct {
	ID            int64
	URL           string
	Domain        string
	Title         string
	Content       string
	DiscoveredAt  time.Time
	LastCrawledAt *time.Time
	Crawled       bool
	Failed        bool
	ErrorMessage  string
	// Fingerprint is the 12-bit content signature; nil until the page has
	// been fetched and fingerprinted.
	Fingerprint *uint16
	WordCount   int
}

// Posting is one inverted-index entry joined with its term's document
// frequency, as consumed by the search ranker.
type Posting struct {
	Term              string
	DocumentID        int64
	TermFrequency     int
	DocumentFrequency int
}

// CrawlState is the singleton-per-run progress record used for status
// reporting and resumability.
type CrawlState struct {
	CurrentURL  string
	URLsVisited int
	URLsFailed  int
	URLsQueued  int
	UpdatedAt   time.Time
}

// DomainRate carries per-domain politeness state.
type DomainRate struct {
	Domain       string
	LastRequest  time.Time
	DelaySeconds float64
}

// CrawlStatistics is the periodic rollup read by status endpoints.
type CrawlStatistics struct {
	RecordedAt    time.Time
	URLsCrawled   int
	URLsFailed    int
	UniqueDomains int
}

// Store is the persistence contract shared by the crawler, the index
// builder, and the search engine. The crawler is the only writer of
// documents, links, and crawl state during a run; search reads only.
type Store interface {
	// GetDocumentByURL returns the document with the given normalized URL,
	// or ErrNotFound.
	GetDocumentByURL(ctx context.Context, url string) (Document, error)

	// GetDocumentsByIDs returns the documents for the given IDs, in the
	// order the IDs were supplied. Unknown IDs are skipped.
	GetDocumentsByIDs(ctx context.Context, ids []int64) ([]Document, error)

	// UpsertDocument inserts the document or updates the existing row with
	// the same URL. The document's ID is populated on return.
	UpsertDocument(ctx context.Context, doc *Document) error

	// EnsureStub creates a discovered-only document row for the URL if none
	// exists and returns the row either way.
	EnsureStub(ctx context.Context, url string) (Document, error)

	// MarkDocumentFailed records a fetch failure for the URL, creating the
	// row if it was never discovered.
	MarkDocumentFailed(ctx context.Context, url, message string) error

	CountDocuments(ctx context.Context) (int, error)
	CountDistinctDomains(ctx context.Context) (int, error)

	// ListCrawledURLs and ListFailedURLs rebuild the visited/failed sets on
	// resume; ListPendingURLs reconstructs the frontier (discovered minus
	// crawled minus failed, in discovery order).
	ListCrawledURLs(ctx context.Context) ([]string, error)
	ListFailedURLs(ctx context.Context) ([]string, error)
	ListPendingURLs(ctx context.Context) ([]string, error)

	// ListFingerprints returns the fingerprints of all crawled documents.
	ListFingerprints(ctx context.Context) ([]uint16, error)

	// CreateLink records a directed edge; repeated (source, target) pairs
	// are ignored.
	CreateLink(ctx context.Context, sourceID, targetID int64) error

	// UpsertIndexEntry writes the (term, document) entry, creating the term
	// row on first sight and bumping its document frequency when the entry
	// is new. At most one entry exists per (term, document) pair.
	UpsertIndexEntry(ctx context.Context, term string, docID int64, termFrequency int, weight float64) error

	// CountDocumentsWithTerm counts index entries for the term.
	CountDocumentsWithTerm(ctx context.Context, term string) (int, error)

	// GetPostings returns all index entries for the given terms, each
	// joined with the term's current document frequency. Entries are
	// ordered by term then by entry insertion order.
	GetPostings(ctx context.Context, terms []string) ([]Posting, error)

	CountTerms(ctx context.Context) (int, error)
	CountIndexEntries(ctx context.Context) (int, error)

	SaveCrawlState(ctx context.Context, state CrawlState) error
	GetCrawlState(ctx context.Context) (CrawlState, error)

	GetDomainRate(ctx context.Context, domain string) (DomainRate, error)
	UpsertDomainRate(ctx context.Context, rate DomainRate) error

	SaveStatistics(ctx context.Context, stats CrawlStatistics) error
	GetStatistics(ctx context.Context) (CrawlStatistics, error)

	// ClearCrawlData wipes documents, links, terms, index entries, and run
	// state (the "fresh" reset). ResetCrawlFlags clears crawl/failed flags
	// and drops the index but preserves the discovered link graph (the
	// "recrawl" reset).
	ClearCrawlData(ctx context.Context) error
	ResetCrawlFlags(ctx context.Context) error

	// WithTx runs fn atomically; every write made through the Store handed
	// to fn is committed together or rolled back together.
	WithTx(ctx context.Context, fn func(Store) error) error

	// Close releases the underlying resources.
	Close()
}
