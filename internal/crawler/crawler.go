// Package crawler runs bounded-domain crawls: it drives the frontier,
// enforces politeness, detects near-duplicate content, and writes the crawl
// graph and inverted index through the store.
package crawler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jbeltran/campus-search/internal/fetch"
	"github.com/jbeltran/campus-search/internal/index"
	"github.com/jbeltran/campus-search/internal/metrics"
	"github.com/jbeltran/campus-search/internal/progress"
	"github.com/jbeltran/campus-search/internal/simhash"
	"github.com/jbeltran/campus-search/internal/store"
	"github.com/jbeltran/campus-search/internal/tokenizer"
	"github.com/jbeltran/campus-search/internal/urlutil"
)

// Mode selects how a run treats previously persisted crawl data.
type Mode string

// Supported crawl modes.
const (
	// ModeFresh wipes all crawl data and starts from the seeds.
	ModeFresh Mode = "fresh"
	// ModeContinue resumes from the persisted frontier.
	ModeContinue Mode = "continue"
	// ModeRecrawl keeps the discovered graph but re-fetches every URL.
	ModeRecrawl Mode = "recrawl"
)

// ParseMode validates a mode string, defaulting empty to ModeContinue.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "":
		return ModeContinue, nil
	case ModeFresh, ModeContinue, ModeRecrawl:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("unknown crawl mode %q", s)
	}
}

// Manager lifecycle errors.
var (
	ErrAlreadyRunning = errors.New("crawler: a run is already active")
	ErrNotRunning     = errors.New("crawler: no run is active")
)

// PageFetcher downloads and parses one page.
type PageFetcher interface {
	Fetch(ctx context.Context, url string) (fetch.Page, error)
}

// domainWaiter blocks until a request to the domain is polite.
type domainWaiter interface {
	Wait(ctx context.Context, domain string) error
}

// Config controls crawl behavior.
type Config struct {
	SeedURLs       []string
	AllowedDomains []string
	// SimilarityThreshold is the fingerprint match fraction above which a
	// page is treated as a near duplicate.
	SimilarityThreshold float64
	// StatsInterval is the number of pages between statistics rollups
	// (default 25).
	StatsInterval int
}

// Status reports run state for the API.
type Status struct {
	Running     bool      `json:"running"`
	Mode        string    `json:"mode,omitempty"`
	CurrentURL  string    `json:"current_url,omitempty"`
	URLsVisited int       `json:"urls_visited"`
	URLsFailed  int       `json:"urls_failed"`
	URLsQueued  int       `json:"urls_queued"`
	UpdatedAt   time.Time `json:"updated_at,omitempty"`
}

type run struct {
	mode     Mode
	frontier *frontier
	cancel   context.CancelFunc
	done     chan struct{}

	mu           sync.Mutex
	currentURL   string
	fingerprints []simhash.Fingerprint
}

func (r *run) setCurrentURL(url string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.currentURL = url
}

func (r *run) current() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currentURL
}

func (r *run) addFingerprint(fp simhash.Fingerprint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fingerprints = append(r.fingerprints, fp)
}

func (r *run) isDuplicate(fp simhash.Fingerprint, threshold float64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.fingerprints {
		if simhash.Similar(fp, existing, threshold) {
			return true
		}
	}
	return false
}

// Manager owns at most one crawl run at a time.
type Manager struct {
	cfg       Config
	store     store.Store
	fetcher   PageFetcher
	limiter   domainWaiter
	builder   *index.Builder
	validator *urlutil.Validator
	hub       progress.Emitter
	logger    *zap.Logger

	mu  sync.Mutex
	run *run
}

// New constructs a Manager.
func New(
	cfg Config,
	s store.Store,
	fetcher PageFetcher,
	limiter domainWaiter,
	hub progress.Emitter,
	logger *zap.Logger,
) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SimilarityThreshold <= 0 {
		cfg.SimilarityThreshold = simhash.DefaultThreshold
	}
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = 25
	}
	return &Manager{
		cfg:       cfg,
		store:     s,
		fetcher:   fetcher,
		limiter:   limiter,
		builder:   index.NewBuilder(logger),
		validator: urlutil.NewValidator(cfg.AllowedDomains),
		hub:       hub,
		logger:    logger,
	}
}

// Start prepares the store for the mode and launches the crawl loop in the
// background. Extra seeds supplement the configured ones for this run
// only. It returns ErrAlreadyRunning while a run is active. The context
// bounds preparation only; the run itself is detached.
func (m *Manager) Start(ctx context.Context, mode Mode, extraSeeds []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.run != nil {
		return ErrAlreadyRunning
	}

	r := &run{
		mode:     mode,
		frontier: newFrontier(),
		done:     make(chan struct{}),
	}
	if err := m.prepare(ctx, r, extraSeeds); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	m.run = r
	go m.loop(runCtx, r)
	return nil
}

// prepare resets or reloads persisted state per the mode and fills the
// frontier and fingerprint list.
func (m *Manager) prepare(ctx context.Context, r *run, extraSeeds []string) error {
	switch r.mode {
	case ModeFresh:
		if err := m.store.ClearCrawlData(ctx); err != nil {
			return fmt.Errorf("clear crawl data: %w", err)
		}
	case ModeRecrawl:
		if err := m.store.ResetCrawlFlags(ctx); err != nil {
			return fmt.Errorf("reset crawl flags: %w", err)
		}
	case ModeContinue:
		visited, err := m.store.ListCrawledURLs(ctx)
		if err != nil {
			return fmt.Errorf("list crawled urls: %w", err)
		}
		for _, url := range visited {
			r.frontier.seedVisited(url)
		}
		failed, err := m.store.ListFailedURLs(ctx)
		if err != nil {
			return fmt.Errorf("list failed urls: %w", err)
		}
		for _, url := range failed {
			r.frontier.seedFailed(url)
		}
	default:
		return fmt.Errorf("unknown crawl mode %q", r.mode)
	}

	pending, err := m.store.ListPendingURLs(ctx)
	if err != nil {
		return fmt.Errorf("list pending urls: %w", err)
	}
	for _, url := range pending {
		r.frontier.push(url)
	}
	m.pushSeeds(r, extraSeeds)

	fps, err := m.store.ListFingerprints(ctx)
	if err != nil {
		return fmt.Errorf("list fingerprints: %w", err)
	}
	for _, fp := range fps {
		r.fingerprints = append(r.fingerprints, simhash.Fingerprint(fp))
	}
	return nil
}

func (m *Manager) pushSeeds(r *run, extraSeeds []string) {
	seeds := append(append([]string(nil), m.cfg.SeedURLs...), extraSeeds...)
	for _, seed := range seeds {
		norm, err := urlutil.Normalize(seed)
		if err != nil || !m.validator.Allowed(norm) {
			m.logger.Warn("skipping seed url", zap.String("url", seed), zap.Error(err))
			continue
		}
		r.frontier.push(norm)
	}
}

// Stop cancels the active run and waits for the loop to finish or the
// context to expire.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	r := m.run
	m.mu.Unlock()
	if r == nil {
		return ErrNotRunning
	}
	r.cancel()
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop crawler: %w", ctx.Err())
	}
}

// Status reports live counters while a run is active and the persisted
// state otherwise.
func (m *Manager) Status(ctx context.Context) (Status, error) {
	m.mu.Lock()
	r := m.run
	m.mu.Unlock()

	if r != nil {
		visited, failed, queued := r.frontier.counts()
		return Status{
			Running:     true,
			Mode:        string(r.mode),
			CurrentURL:  r.current(),
			URLsVisited: visited,
			URLsFailed:  failed,
			URLsQueued:  queued,
			UpdatedAt:   time.Now().UTC(),
		}, nil
	}

	state, err := m.store.GetCrawlState(ctx)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Status{}, nil
		}
		return Status{}, fmt.Errorf("get crawl state: %w", err)
	}
	return Status{
		URLsVisited: state.URLsVisited,
		URLsFailed:  state.URLsFailed,
		URLsQueued:  state.URLsQueued,
		UpdatedAt:   state.UpdatedAt,
	}, nil
}

// Statistics returns the latest rollup, computing one from the store when
// no rollup has been written yet.
func (m *Manager) Statistics(ctx context.Context) (store.CrawlStatistics, error) {
	stats, err := m.store.GetStatistics(ctx)
	if err == nil {
		return stats, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return store.CrawlStatistics{}, fmt.Errorf("get statistics: %w", err)
	}
	return m.computeStatistics(ctx)
}

func (m *Manager) computeStatistics(ctx context.Context) (store.CrawlStatistics, error) {
	crawled, err := m.store.ListCrawledURLs(ctx)
	if err != nil {
		return store.CrawlStatistics{}, fmt.Errorf("list crawled urls: %w", err)
	}
	failed, err := m.store.ListFailedURLs(ctx)
	if err != nil {
		return store.CrawlStatistics{}, fmt.Errorf("list failed urls: %w", err)
	}
	domains, err := m.store.CountDistinctDomains(ctx)
	if err != nil {
		return store.CrawlStatistics{}, fmt.Errorf("count domains: %w", err)
	}
	return store.CrawlStatistics{
		RecordedAt:    time.Now().UTC(),
		URLsCrawled:   len(crawled),
		URLsFailed:    len(failed),
		UniqueDomains: domains,
	}, nil
}

func (m *Manager) emit(evt progress.Event) {
	if m.hub != nil {
		m.hub.Emit(evt)
	}
}

// loop drives the frontier until it drains or the run is cancelled.
func (m *Manager) loop(ctx context.Context, r *run) {
	runID := progress.NewRunID()
	started := time.Now()
	m.emit(progress.Event{RunID: runID, TS: started.UTC(), Stage: progress.StageRunStart, Note: string(r.mode)})
	m.logger.Info("crawl run started", zap.String("mode", string(r.mode)))

	pages := 0
	for ctx.Err() == nil {
		url, ok := r.frontier.pop()
		if !ok {
			break
		}
		r.setCurrentURL(url)
		m.processURL(ctx, r, runID, url)
		pages++

		_, _, queued := r.frontier.counts()
		metrics.SetFrontierSize(queued)
		m.saveState(r, url)
		if pages%m.cfg.StatsInterval == 0 {
			m.saveStatistics(ctx)
		}
	}

	r.setCurrentURL("")
	m.saveState(r, "")
	m.saveStatistics(context.Background())
	metrics.SetFrontierSize(0)

	stage := progress.StageRunDone
	note := ""
	if ctx.Err() != nil {
		note = "stopped"
	}
	m.emit(progress.Event{
		RunID: runID,
		TS:    time.Now().UTC(),
		Stage: stage,
		Dur:   time.Since(started),
		Note:  note,
	})
	visited, failed, _ := r.frontier.counts()
	m.logger.Info("crawl run finished",
		zap.String("mode", string(r.mode)),
		zap.Int("urls_visited", visited),
		zap.Int("urls_failed", failed),
		zap.Duration("dur", time.Since(started)),
	)

	m.mu.Lock()
	m.run = nil
	m.mu.Unlock()
	close(r.done)
}

// processURL fetches, fingerprints, stores, and indexes one page. All
// writes for the page commit in a single transaction.
func (m *Manager) processURL(ctx context.Context, r *run, runID [16]byte, url string) {
	started := time.Now()
	domain := urlutil.Domain(url)

	if m.limiter != nil {
		waitStart := time.Now()
		if err := m.limiter.Wait(ctx, domain); err != nil {
			return
		}
		metrics.ObserveRateLimitDelay(domain, time.Since(waitStart))
	}

	page, err := m.fetcher.Fetch(ctx, url)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		m.failURL(ctx, r, runID, url, domain, err)
		return
	}

	tokens := tokenizer.Tokenize(page.Text)
	fp := simhash.New(tokenizer.Frequencies(tokens))
	duplicate := r.isDuplicate(fp, m.cfg.SimilarityThreshold)

	links := m.allowedLinks(page.Links)
	now := time.Now().UTC()
	fpVal := uint16(fp)
	doc := store.Document{
		URL:           url,
		Domain:        domain,
		Title:         page.Title,
		Content:       page.Text,
		Crawled:       true,
		LastCrawledAt: &now,
		Fingerprint:   &fpVal,
		WordCount:     len(tokens),
	}

	err = m.store.WithTx(ctx, func(tx store.Store) error {
		if err := tx.UpsertDocument(ctx, &doc); err != nil {
			return err
		}
		for _, link := range links {
			target, err := tx.EnsureStub(ctx, link)
			if err != nil {
				return err
			}
			if err := tx.CreateLink(ctx, doc.ID, target.ID); err != nil {
				return err
			}
		}
		if duplicate {
			return nil
		}
		_, err := m.builder.Index(ctx, tx, doc.ID, page.Text)
		return err
	})
	if err != nil {
		m.failURL(ctx, r, runID, url, domain, err)
		return
	}

	r.frontier.markVisited(url)
	r.addFingerprint(fp)
	newLinks := 0
	for _, link := range links {
		if r.frontier.push(link) {
			newLinks++
		}
	}

	_, _, queued := r.frontier.counts()
	evt := progress.Event{
		RunID:    runID,
		TS:       time.Now().UTC(),
		Domain:   domain,
		URL:      url,
		NewLinks: newLinks,
		Queued:   queued,
		Dur:      time.Since(started),
	}
	if duplicate {
		metrics.ObserveDuplicateSkipped()
		evt.Stage = progress.StagePageSkip
		m.logger.Debug("near-duplicate page stored without indexing", zap.String("url", url))
	} else {
		evt.Stage = progress.StagePageDone
		evt.Tokens = len(tokens)
	}
	m.emit(evt)
}

func (m *Manager) failURL(ctx context.Context, r *run, runID [16]byte, url, domain string, cause error) {
	r.frontier.markFailed(url)
	if err := m.store.MarkDocumentFailed(ctx, url, cause.Error()); err != nil {
		m.logger.Error("failed to record fetch failure", zap.String("url", url), zap.Error(err))
	}
	m.emit(progress.Event{
		RunID:  runID,
		TS:     time.Now().UTC(),
		Stage:  progress.StagePageFail,
		Domain: domain,
		URL:    url,
		Note:   cause.Error(),
	})
	m.logger.Warn("page fetch failed", zap.String("url", url), zap.Error(cause))
}

// allowedLinks normalizes raw links and keeps those inside the allow-list,
// deduplicated in first-seen order.
func (m *Manager) allowedLinks(raw []string) []string {
	seen := make(map[string]struct{}, len(raw))
	var links []string
	for _, link := range raw {
		norm, err := urlutil.Normalize(link)
		if err != nil || !m.validator.Allowed(norm) {
			continue
		}
		if _, ok := seen[norm]; ok {
			continue
		}
		seen[norm] = struct{}{}
		links = append(links, norm)
	}
	return links
}

// saveState persists frontier counters; failures are logged, not fatal,
// because state is only advisory between pages.
func (m *Manager) saveState(r *run, currentURL string) {
	visited, failed, queued := r.frontier.counts()
	state := store.CrawlState{
		CurrentURL:  currentURL,
		URLsVisited: visited,
		URLsFailed:  failed,
		URLsQueued:  queued,
	}
	if err := m.store.SaveCrawlState(context.Background(), state); err != nil {
		m.logger.Error("failed to save crawl state", zap.Error(err))
	}
}

func (m *Manager) saveStatistics(ctx context.Context) {
	stats, err := m.computeStatistics(ctx)
	if err != nil {
		m.logger.Error("failed to compute statistics", zap.Error(err))
		return
	}
	if err := m.store.SaveStatistics(ctx, stats); err != nil {
		m.logger.Error("failed to save statistics", zap.Error(err))
	}
}
