// Package postgres provides the Postgres-backed persistence implementation.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jbeltran/campus-search/internal/store"
	"github.com/jbeltran/campus-search/internal/urlutil"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// querier is the subset of pgxpool.Pool shared by pools, transactions, and
// pgxmock, letting every query run against any of the three.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type txBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type closer interface {
	Close()
}

// Store implements store.Store on Postgres.
type Store struct {
	db    querier
	begin txBeginner
	pool  closer
}

// New connects a pool using the provided config and returns a Store.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{db: pool, begin: pool, pool: pool}, nil
}

// NewWithPool constructs a Store from an existing pool, primarily for
// testing with pgxmock.
func NewWithPool(pool interface {
	querier
	txBeginner
	closer
}) *Store {
	return &Store{db: pool, begin: pool, pool: pool}
}

// EnsureSchema creates the tables if they do not exist. Schema management
// beyond this bootstrap is an operational concern outside this service.
func (s *Store) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS documents (
			id BIGSERIAL PRIMARY KEY,
			url TEXT NOT NULL UNIQUE,
			domain TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL DEFAULT '',
			discovered_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			last_crawled_at TIMESTAMPTZ,
			is_crawled BOOLEAN NOT NULL DEFAULT FALSE,
			crawl_failed BOOLEAN NOT NULL DEFAULT FALSE,
			error_message TEXT NOT NULL DEFAULT '',
			fingerprint INTEGER,
			word_count INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_documents_is_crawled ON documents (is_crawled)`,
		`CREATE TABLE IF NOT EXISTS links (
			id BIGSERIAL PRIMARY KEY,
			source_id BIGINT NOT NULL REFERENCES documents (id) ON DELETE CASCADE,
			target_id BIGINT NOT NULL REFERENCES documents (id) ON DELETE CASCADE,
			discovered_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (source_id, target_id)
		)`,
		`CREATE TABLE IF NOT EXISTS terms (
			id BIGSERIAL PRIMARY KEY,
			term TEXT NOT NULL UNIQUE,
			document_frequency INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS index_entries (
			id BIGSERIAL PRIMARY KEY,
			term_id BIGINT NOT NULL REFERENCES terms (id) ON DELETE CASCADE,
			document_id BIGINT NOT NULL REFERENCES documents (id) ON DELETE CASCADE,
			term_frequency INTEGER NOT NULL,
			weight DOUBLE PRECISION NOT NULL,
			UNIQUE (term_id, document_id)
		)`,
		`CREATE TABLE IF NOT EXISTS crawl_state (
			id INTEGER PRIMARY KEY,
			current_url TEXT NOT NULL DEFAULT '',
			urls_visited INTEGER NOT NULL DEFAULT 0,
			urls_failed INTEGER NOT NULL DEFAULT 0,
			urls_queued INTEGER NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS domain_rates (
			domain TEXT PRIMARY KEY,
			last_request TIMESTAMPTZ NOT NULL,
			delay_seconds DOUBLE PRECISION NOT NULL DEFAULT 1.0
		)`,
		`CREATE TABLE IF NOT EXISTS crawl_statistics (
			id BIGSERIAL PRIMARY KEY,
			recorded_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			urls_crawled INTEGER NOT NULL DEFAULT 0,
			urls_failed INTEGER NOT NULL DEFAULT 0,
			unique_domains INTEGER NOT NULL DEFAULT 0
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

const documentColumns = `id, url, domain, title, content, discovered_at,
	last_crawled_at, is_crawled, crawl_failed, error_message, fingerprint, word_count`

func scanDocument(row pgx.Row) (store.Document, error) {
	var doc store.Document
	var fingerprint *int32
	err := row.Scan(
		&doc.ID,
		&doc.URL,
		&doc.Domain,
		&doc.Title,
		&doc.Content,
		&doc.DiscoveredAt,
		&doc.LastCrawledAt,
		&doc.Crawled,
		&doc.Failed,
		&doc.ErrorMessage,
		&fingerprint,
		&doc.WordCount,
	)
	if err != nil {
		return store.Document{}, err
	}
	if fingerprint != nil {
		fp := uint16(*fingerprint)
		doc.Fingerprint = &fp
	}
	return doc, nil
}

// GetDocumentByURL returns the document with the given URL.
func (s *Store) GetDocumentByURL(ctx context.Context, url string) (store.Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents WHERE url = $1`
	doc, err := scanDocument(s.db.QueryRow(ctx, query, url))
	if err != nil {
		if err == pgx.ErrNoRows {
			return store.Document{}, store.ErrNotFound
		}
		return store.Document{}, fmt.Errorf("get document: %w", err)
	}
	return doc, nil
}

// GetDocumentsByIDs returns documents ordered as the IDs were supplied.
func (s *Store) GetDocumentsByIDs(ctx context.Context, ids []int64) ([]store.Document, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := `SELECT ` + documentColumns + ` FROM documents WHERE id = ANY($1)`
	rows, err := s.db.Query(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	byID := make(map[int64]store.Document, len(ids))
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		byID[doc.ID] = doc
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	docs := make([]store.Document, 0, len(byID))
	for _, id := range ids {
		if doc, ok := byID[id]; ok {
			docs = append(docs, doc)
		}
	}
	return docs, nil
}

// UpsertDocument inserts or replaces the row keyed by URL; the original
// discovery timestamp is preserved on conflict.
func (s *Store) UpsertDocument(ctx context.Context, doc *store.Document) error {
	if doc.Domain == "" {
		doc.Domain = urlutil.Domain(doc.URL)
	}
	var fingerprint *int32
	if doc.Fingerprint != nil {
		fp := int32(*doc.Fingerprint)
		fingerprint = &fp
	}
	query := `
		INSERT INTO documents
			(url, domain, title, content, discovered_at, last_crawled_at,
			 is_crawled, crawl_failed, error_message, fingerprint, word_count)
		VALUES ($1, $2, $3, $4, COALESCE($5, NOW()), $6, $7, $8, $9, $10, $11)
		ON CONFLICT (url) DO UPDATE SET
			domain = EXCLUDED.domain,
			title = EXCLUDED.title,
			content = EXCLUDED.content,
			last_crawled_at = EXCLUDED.last_crawled_at,
			is_crawled = EXCLUDED.is_crawled,
			crawl_failed = EXCLUDED.crawl_failed,
			error_message = EXCLUDED.error_message,
			fingerprint = EXCLUDED.fingerprint,
			word_count = EXCLUDED.word_count
		RETURNING id, discovered_at`
	var discoveredAt *time.Time
	if !doc.DiscoveredAt.IsZero() {
		discoveredAt = &doc.DiscoveredAt
	}
	err := s.db.QueryRow(ctx, query,
		doc.URL,
		doc.Domain,
		doc.Title,
		doc.Content,
		discoveredAt,
		doc.LastCrawledAt,
		doc.Crawled,
		doc.Failed,
		doc.ErrorMessage,
		fingerprint,
		doc.WordCount,
	).Scan(&doc.ID, &doc.DiscoveredAt)
	if err != nil {
		return fmt.Errorf("upsert document: %w", err)
	}
	return nil
}

// EnsureStub creates a discovered-only row for the URL if none exists.
func (s *Store) EnsureStub(ctx context.Context, url string) (store.Document, error) {
	insert := `
		INSERT INTO documents (url, domain)
		VALUES ($1, $2)
		ON CONFLICT (url) DO NOTHING`
	if _, err := s.db.Exec(ctx, insert, url, urlutil.Domain(url)); err != nil {
		return store.Document{}, fmt.Errorf("insert stub: %w", err)
	}
	return s.GetDocumentByURL(ctx, url)
}

// MarkDocumentFailed records a fetch failure, creating the row if needed.
func (s *Store) MarkDocumentFailed(ctx context.Context, url, message string) error {
	query := `
		INSERT INTO documents (url, domain, crawl_failed, error_message, last_crawled_at)
		VALUES ($1, $2, TRUE, $3, NOW())
		ON CONFLICT (url) DO UPDATE SET
			crawl_failed = TRUE,
			error_message = EXCLUDED.error_message,
			last_crawled_at = NOW()`
	if _, err := s.db.Exec(ctx, query, url, urlutil.Domain(url), message); err != nil {
		return fmt.Errorf("mark document failed: %w", err)
	}
	return nil
}

func (s *Store) CountDocuments(ctx context.Context) (int, error) {
	return s.count(ctx, `SELECT COUNT(*) FROM documents`)
}

func (s *Store) CountDistinctDomains(ctx context.Context) (int, error) {
	return s.count(ctx, `SELECT COUNT(DISTINCT domain) FROM documents WHERE domain <> ''`)
}

func (s *Store) CountTerms(ctx context.Context) (int, error) {
	return s.count(ctx, `SELECT COUNT(*) FROM terms`)
}

func (s *Store) CountIndexEntries(ctx context.Context) (int, error) {
	return s.count(ctx, `SELECT COUNT(*) FROM index_entries`)
}

func (s *Store) count(ctx context.Context, query string, args ...any) (int, error) {
	var n int
	if err := s.db.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	return n, nil
}

// ListCrawledURLs returns URLs of crawled documents in discovery order.
func (s *Store) ListCrawledURLs(ctx context.Context) ([]string, error) {
	return s.listURLs(ctx, `SELECT url FROM documents WHERE is_crawled ORDER BY discovered_at, id`)
}

// ListFailedURLs returns URLs of failed documents in discovery order.
func (s *Store) ListFailedURLs(ctx context.Context) ([]string, error) {
	return s.listURLs(ctx, `SELECT url FROM documents WHERE crawl_failed ORDER BY discovered_at, id`)
}

// ListPendingURLs returns discovered-but-unfetched URLs in discovery order.
func (s *Store) ListPendingURLs(ctx context.Context) ([]string, error) {
	return s.listURLs(ctx, `
		SELECT url FROM documents
		WHERE NOT is_crawled AND NOT crawl_failed
		ORDER BY discovered_at, id`)
}

func (s *Store) listURLs(ctx context.Context, query string) ([]string, error) {
	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list urls: %w", err)
	}
	defer rows.Close()

	var urls []string
	for rows.Next() {
		var url string
		if err := rows.Scan(&url); err != nil {
			return nil, fmt.Errorf("scan url: %w", err)
		}
		urls = append(urls, url)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list urls: %w", err)
	}
	return urls, nil
}

// ListFingerprints returns fingerprints of crawled documents.
func (s *Store) ListFingerprints(ctx context.Context) ([]uint16, error) {
	query := `
		SELECT fingerprint FROM documents
		WHERE is_crawled AND fingerprint IS NOT NULL
		ORDER BY discovered_at, id`
	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list fingerprints: %w", err)
	}
	defer rows.Close()

	var fps []uint16
	for rows.Next() {
		var fp int32
		if err := rows.Scan(&fp); err != nil {
			return nil, fmt.Errorf("scan fingerprint: %w", err)
		}
		fps = append(fps, uint16(fp))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list fingerprints: %w", err)
	}
	return fps, nil
}

// CreateLink records a directed edge once per (source, target) pair.
func (s *Store) CreateLink(ctx context.Context, sourceID, targetID int64) error {
	query := `
		INSERT INTO links (source_id, target_id)
		VALUES ($1, $2)
		ON CONFLICT (source_id, target_id) DO NOTHING`
	if _, err := s.db.Exec(ctx, query, sourceID, targetID); err != nil {
		return fmt.Errorf("create link: %w", err)
	}
	return nil
}

// UpsertIndexEntry writes the (term, document) entry and refreshes the
// term's document frequency from the entries actually present.
func (s *Store) UpsertIndexEntry(ctx context.Context, term string, docID int64, termFrequency int, weight float64) error {
	insertTerm := `INSERT INTO terms (term) VALUES ($1) ON CONFLICT (term) DO NOTHING`
	if _, err := s.db.Exec(ctx, insertTerm, term); err != nil {
		return fmt.Errorf("upsert term: %w", err)
	}
	upsertEntry := `
		INSERT INTO index_entries (term_id, document_id, term_frequency, weight)
		SELECT t.id, $2, $3, $4 FROM terms t WHERE t.term = $1
		ON CONFLICT (term_id, document_id) DO UPDATE SET
			term_frequency = EXCLUDED.term_frequency,
			weight = EXCLUDED.weight`
	if _, err := s.db.Exec(ctx, upsertEntry, term, docID, termFrequency, weight); err != nil {
		return fmt.Errorf("upsert index entry: %w", err)
	}
	refreshDF := `
		UPDATE terms SET document_frequency =
			(SELECT COUNT(*) FROM index_entries WHERE term_id = terms.id)
		WHERE term = $1`
	if _, err := s.db.Exec(ctx, refreshDF, term); err != nil {
		return fmt.Errorf("refresh document frequency: %w", err)
	}
	return nil
}

func (s *Store) CountDocumentsWithTerm(ctx context.Context, term string) (int, error) {
	query := `
		SELECT COUNT(*) FROM index_entries e
		JOIN terms t ON t.id = e.term_id
		WHERE t.term = $1`
	return s.count(ctx, query, term)
}

// GetPostings returns index entries for the given terms joined with each
// term's document frequency, ordered by term then entry insertion order.
func (s *Store) GetPostings(ctx context.Context, terms []string) ([]store.Posting, error) {
	if len(terms) == 0 {
		return nil, nil
	}
	query := `
		SELECT t.term, e.document_id, e.term_frequency, t.document_frequency
		FROM index_entries e
		JOIN terms t ON t.id = e.term_id
		WHERE t.term = ANY($1)
		ORDER BY t.term, e.id`
	rows, err := s.db.Query(ctx, query, terms)
	if err != nil {
		return nil, fmt.Errorf("get postings: %w", err)
	}
	defer rows.Close()

	var postings []store.Posting
	for rows.Next() {
		var p store.Posting
		if err := rows.Scan(&p.Term, &p.DocumentID, &p.TermFrequency, &p.DocumentFrequency); err != nil {
			return nil, fmt.Errorf("scan posting: %w", err)
		}
		postings = append(postings, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get postings: %w", err)
	}
	return postings, nil
}

// SaveCrawlState upserts the singleton run state row.
func (s *Store) SaveCrawlState(ctx context.Context, state store.CrawlState) error {
	query := `
		INSERT INTO crawl_state (id, current_url, urls_visited, urls_failed, urls_queued, updated_at)
		VALUES (1, $1, $2, $3, $4, NOW())
		ON CONFLICT (id) DO UPDATE SET
			current_url = EXCLUDED.current_url,
			urls_visited = EXCLUDED.urls_visited,
			urls_failed = EXCLUDED.urls_failed,
			urls_queued = EXCLUDED.urls_queued,
			updated_at = NOW()`
	if _, err := s.db.Exec(ctx, query, state.CurrentURL, state.URLsVisited, state.URLsFailed, state.URLsQueued); err != nil {
		return fmt.Errorf("save crawl state: %w", err)
	}
	return nil
}

func (s *Store) GetCrawlState(ctx context.Context) (store.CrawlState, error) {
	query := `
		SELECT current_url, urls_visited, urls_failed, urls_queued, updated_at
		FROM crawl_state WHERE id = 1`
	var state store.CrawlState
	err := s.db.QueryRow(ctx, query).Scan(
		&state.CurrentURL,
		&state.URLsVisited,
		&state.URLsFailed,
		&state.URLsQueued,
		&state.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return store.CrawlState{}, store.ErrNotFound
		}
		return store.CrawlState{}, fmt.Errorf("get crawl state: %w", err)
	}
	return state, nil
}

func (s *Store) GetDomainRate(ctx context.Context, domain string) (store.DomainRate, error) {
	query := `SELECT domain, last_request, delay_seconds FROM domain_rates WHERE domain = $1`
	var rate store.DomainRate
	err := s.db.QueryRow(ctx, query, domain).Scan(&rate.Domain, &rate.LastRequest, &rate.DelaySeconds)
	if err != nil {
		if err == pgx.ErrNoRows {
			return store.DomainRate{}, store.ErrNotFound
		}
		return store.DomainRate{}, fmt.Errorf("get domain rate: %w", err)
	}
	return rate, nil
}

func (s *Store) UpsertDomainRate(ctx context.Context, rate store.DomainRate) error {
	query := `
		INSERT INTO domain_rates (domain, last_request, delay_seconds)
		VALUES ($1, $2, $3)
		ON CONFLICT (domain) DO UPDATE SET
			last_request = EXCLUDED.last_request,
			delay_seconds = EXCLUDED.delay_seconds`
	if _, err := s.db.Exec(ctx, query, rate.Domain, rate.LastRequest, rate.DelaySeconds); err != nil {
		return fmt.Errorf("upsert domain rate: %w", err)
	}
	return nil
}

// SaveStatistics appends a statistics rollup row.
func (s *Store) SaveStatistics(ctx context.Context, stats store.CrawlStatistics) error {
	query := `
		INSERT INTO crawl_statistics (urls_crawled, urls_failed, unique_domains)
		VALUES ($1, $2, $3)`
	if _, err := s.db.Exec(ctx, query, stats.URLsCrawled, stats.URLsFailed, stats.UniqueDomains); err != nil {
		return fmt.Errorf("save statistics: %w", err)
	}
	return nil
}

// GetStatistics returns the most recent rollup.
func (s *Store) GetStatistics(ctx context.Context) (store.CrawlStatistics, error) {
	query := `
		SELECT recorded_at, urls_crawled, urls_failed, unique_domains
		FROM crawl_statistics ORDER BY id DESC LIMIT 1`
	var stats store.CrawlStatistics
	err := s.db.QueryRow(ctx, query).Scan(
		&stats.RecordedAt,
		&stats.URLsCrawled,
		&stats.URLsFailed,
		&stats.UniqueDomains,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return store.CrawlStatistics{}, store.ErrNotFound
		}
		return store.CrawlStatistics{}, fmt.Errorf("get statistics: %w", err)
	}
	return stats, nil
}

// ClearCrawlData wipes all crawl rows for a fresh run. Domain politeness
// state is kept.
func (s *Store) ClearCrawlData(ctx context.Context) error {
	statements := []string{
		`TRUNCATE index_entries, terms, links, documents RESTART IDENTITY CASCADE`,
		`DELETE FROM crawl_state`,
		`DELETE FROM crawl_statistics`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("clear crawl data: %w", err)
		}
	}
	return nil
}

// ResetCrawlFlags clears crawl/failed flags and drops the index, keeping
// the discovered graph.
func (s *Store) ResetCrawlFlags(ctx context.Context) error {
	statements := []string{
		`UPDATE documents SET
			is_crawled = FALSE,
			crawl_failed = FALSE,
			error_message = '',
			last_crawled_at = NULL,
			fingerprint = NULL,
			word_count = 0`,
		`TRUNCATE index_entries, terms RESTART IDENTITY CASCADE`,
		`DELETE FROM crawl_state`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("reset crawl flags: %w", err)
		}
	}
	return nil
}

// WithTx runs fn inside a transaction. Calling WithTx on a transaction
// scoped store runs fn against the same transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store.Store) error) error {
	if s.begin == nil {
		return fn(s)
	}
	tx, err := s.begin.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	txStore := &Store{db: tx}
	if err := fn(txStore); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && rbErr != pgx.ErrTxClosed {
			return fmt.Errorf("rollback tx after %w: %v", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}
