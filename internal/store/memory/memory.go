// Package memory provides an in-memory Store for tests and for running the
// service without a database.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/jbeltran/campus-search/internal/store"
	"github.com/jbeltran/campus-search/internal/urlutil"
)

type entryKey struct {
	term  string
	docID int64
}

type indexEntry struct {
	termFrequency int
	weight        float64
}

// Store is a mutex-guarded in-memory implementation of store.Store.
type Store struct {
	mu         sync.Mutex
	nextID     int64
	docsByURL  map[string]*store.Document
	docsByID   map[int64]*store.Document
	docOrder   []string
	links      map[[2]int64]time.Time
	termDF     map[string]int
	entries    map[entryKey]*indexEntry
	entryOrder []entryKey
	state      *store.CrawlState
	rates      map[string]store.DomainRate
	stats      *store.CrawlStatistics

	now func() time.Time
}

// New constructs an empty in-memory store.
func New() *Store {
	return &Store{
		docsByURL: make(map[string]*store.Document),
		docsByID:  make(map[int64]*store.Document),
		links:     make(map[[2]int64]time.Time),
		termDF:    make(map[string]int),
		entries:   make(map[entryKey]*indexEntry),
		rates:     make(map[string]store.DomainRate),
		now:       time.Now,
	}
}

// GetDocumentByURL returns a copy of the document or store.ErrNotFound.
func (s *Store) GetDocumentByURL(_ context.Context, url string) (store.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docsByURL[url]
	if !ok {
		return store.Document{}, store.ErrNotFound
	}
	return cloneDoc(doc), nil
}

// GetDocumentsByIDs returns copies in the order the IDs were supplied.
func (s *Store) GetDocumentsByIDs(_ context.Context, ids []int64) ([]store.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	docs := make([]store.Document, 0, len(ids))
	for _, id := range ids {
		if doc, ok := s.docsByID[id]; ok {
			docs = append(docs, cloneDoc(doc))
		}
	}
	return docs, nil
}

// UpsertDocument inserts or replaces the row keyed by URL and fills the ID.
func (s *Store) UpsertDocument(_ context.Context, doc *store.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.docsByURL[doc.URL]; ok {
		doc.ID = existing.ID
		if doc.DiscoveredAt.IsZero() {
			doc.DiscoveredAt = existing.DiscoveredAt
		}
	} else {
		s.nextID++
		doc.ID = s.nextID
		if doc.DiscoveredAt.IsZero() {
			doc.DiscoveredAt = s.now()
		}
		s.docOrder = append(s.docOrder, doc.URL)
	}
	if doc.Domain == "" {
		doc.Domain = urlutil.Domain(doc.URL)
	}
	stored := cloneDoc(doc)
	s.docsByURL[doc.URL] = &stored
	s.docsByID[doc.ID] = &stored
	return nil
}

// EnsureStub creates a discovered-only row for the URL if none exists.
func (s *Store) EnsureStub(ctx context.Context, url string) (store.Document, error) {
	s.mu.Lock()
	if doc, ok := s.docsByURL[url]; ok {
		out := cloneDoc(doc)
		s.mu.Unlock()
		return out, nil
	}
	s.mu.Unlock()

	doc := store.Document{URL: url, Domain: urlutil.Domain(url)}
	if err := s.UpsertDocument(ctx, &doc); err != nil {
		return store.Document{}, err
	}
	return doc, nil
}

// MarkDocumentFailed records a fetch failure, creating the row if needed.
func (s *Store) MarkDocumentFailed(ctx context.Context, url, message string) error {
	doc, err := s.EnsureStub(ctx, url)
	if err != nil {
		return err
	}
	now := s.now()
	doc.Failed = true
	doc.ErrorMessage = message
	doc.LastCrawledAt = &now
	return s.UpsertDocument(ctx, &doc)
}

func (s *Store) CountDocuments(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.docsByURL), nil
}

func (s *Store) CountDistinctDomains(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	domains := make(map[string]struct{})
	for _, doc := range s.docsByURL {
		if doc.Domain != "" {
			domains[doc.Domain] = struct{}{}
		}
	}
	return len(domains), nil
}

// ListCrawledURLs returns URLs of crawled documents in discovery order.
func (s *Store) ListCrawledURLs(context.Context) ([]string, error) {
	return s.listURLs(func(d *store.Document) bool { return d.Crawled }), nil
}

// ListFailedURLs returns URLs of failed documents in discovery order.
func (s *Store) ListFailedURLs(context.Context) ([]string, error) {
	return s.listURLs(func(d *store.Document) bool { return d.Failed }), nil
}

// ListPendingURLs returns discovered-but-unfetched URLs in discovery order.
func (s *Store) ListPendingURLs(context.Context) ([]string, error) {
	return s.listURLs(func(d *store.Document) bool { return !d.Crawled && !d.Failed }), nil
}

func (s *Store) listURLs(keep func(*store.Document) bool) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var urls []string
	for _, url := range s.docOrder {
		if doc, ok := s.docsByURL[url]; ok && keep(doc) {
			urls = append(urls, url)
		}
	}
	return urls
}

// ListFingerprints returns the fingerprints of crawled documents.
func (s *Store) ListFingerprints(context.Context) ([]uint16, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var fps []uint16
	for _, url := range s.docOrder {
		doc := s.docsByURL[url]
		if doc.Crawled && doc.Fingerprint != nil {
			fps = append(fps, *doc.Fingerprint)
		}
	}
	return fps, nil
}

// CreateLink records a directed edge once per (source, target) pair.
func (s *Store) CreateLink(_ context.Context, sourceID, targetID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := [2]int64{sourceID, targetID}
	if _, ok := s.links[key]; !ok {
		s.links[key] = s.now()
	}
	return nil
}

// UpsertIndexEntry writes the (term, document) entry, bumping the term's
// document frequency only when the entry is new.
func (s *Store) UpsertIndexEntry(_ context.Context, term string, docID int64, termFrequency int, weight float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := entryKey{term: term, docID: docID}
	if existing, ok := s.entries[key]; ok {
		existing.termFrequency = termFrequency
		existing.weight = weight
		return nil
	}
	s.entries[key] = &indexEntry{termFrequency: termFrequency, weight: weight}
	s.entryOrder = append(s.entryOrder, key)
	s.termDF[term]++
	return nil
}

func (s *Store) CountDocumentsWithTerm(_ context.Context, term string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for key := range s.entries {
		if key.term == term {
			count++
		}
	}
	return count, nil
}

// GetPostings returns entries for each requested term in entry insertion
// order, preserving the order terms were requested in.
func (s *Store) GetPostings(_ context.Context, terms []string) ([]store.Posting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var postings []store.Posting
	for _, term := range terms {
		df := s.termDF[term]
		for _, key := range s.entryOrder {
			if key.term != term {
				continue
			}
			entry := s.entries[key]
			postings = append(postings, store.Posting{
				Term:              term,
				DocumentID:        key.docID,
				TermFrequency:     entry.termFrequency,
				DocumentFrequency: df,
			})
		}
	}
	return postings, nil
}

func (s *Store) CountTerms(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.termDF), nil
}

func (s *Store) CountIndexEntries(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries), nil
}

func (s *Store) SaveCrawlState(_ context.Context, state store.CrawlState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	state.UpdatedAt = s.now()
	s.state = &state
	return nil
}

func (s *Store) GetCrawlState(context.Context) (store.CrawlState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		return store.CrawlState{}, store.ErrNotFound
	}
	return *s.state, nil
}

func (s *Store) GetDomainRate(_ context.Context, domain string) (store.DomainRate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rate, ok := s.rates[domain]
	if !ok {
		return store.DomainRate{}, store.ErrNotFound
	}
	return rate, nil
}

func (s *Store) UpsertDomainRate(_ context.Context, rate store.DomainRate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rates[rate.Domain] = rate
	return nil
}

func (s *Store) SaveStatistics(_ context.Context, stats store.CrawlStatistics) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats.RecordedAt = s.now()
	s.stats = &stats
	return nil
}

func (s *Store) GetStatistics(context.Context) (store.CrawlStatistics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stats == nil {
		return store.CrawlStatistics{}, store.ErrNotFound
	}
	return *s.stats, nil
}

// ClearCrawlData wipes documents, links, index, state, and statistics.
// Domain politeness state is kept.
func (s *Store) ClearCrawlData(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docsByURL = make(map[string]*store.Document)
	s.docsByID = make(map[int64]*store.Document)
	s.docOrder = nil
	s.nextID = 0
	s.links = make(map[[2]int64]time.Time)
	s.clearIndexLocked()
	s.state = nil
	s.stats = nil
	return nil
}

// ResetCrawlFlags clears crawl/failed flags and drops the index, keeping
// the discovered graph so every URL will be re-fetched.
func (s *Store) ResetCrawlFlags(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, doc := range s.docsByURL {
		doc.Crawled = false
		doc.Failed = false
		doc.ErrorMessage = ""
		doc.LastCrawledAt = nil
		doc.Fingerprint = nil
		doc.WordCount = 0
	}
	s.clearIndexLocked()
	s.state = nil
	return nil
}

func (s *Store) clearIndexLocked() {
	s.termDF = make(map[string]int)
	s.entries = make(map[entryKey]*indexEntry)
	s.entryOrder = nil
}

// WithTx runs fn against the store itself. Every method takes the store
// mutex, so writes are serialized; true rollback is left to the Postgres
// implementation.
func (s *Store) WithTx(_ context.Context, fn func(store.Store) error) error {
	return fn(s)
}

// Close is a no-op for the in-memory store.
func (s *Store) Close() {}

func cloneDoc(doc *store.Document) store.Document {
	out := *doc
	if doc.LastCrawledAt != nil {
		t := *doc.LastCrawledAt
		out.LastCrawledAt = &t
	}
	if doc.Fingerprint != nil {
		fp := *doc.Fingerprint
		out.Fingerprint = &fp
	}
	return out
}
